package codec

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// FrameField is one named, optionally flag-gated field of a FrameSpec
type FrameField struct {
	Name string
	Def  FieldDefinition
	// Present gates the field on the frame's flags. nil means always present.
	Present func(flags uint32) bool
	// Span is the number of bytes that must remain for the field to be read.
	// Used when several fields form one block. 0 means the field's own width.
	Span int
}

// FrameSpec is an ordered list of fields. The first field is the flags field
// and its raw value is handed to the Present predicate of every later field.
type FrameSpec struct {
	Name   string
	Fields []FrameField
}

// Flag returns a predicate matching when any bit in mask is set
func Flag(mask uint32) func(uint32) bool {
	return func(flags uint32) bool { return flags&mask != 0 }
}

// FlagClear returns a predicate matching when every bit in mask is clear
func FlagClear(mask uint32) func(uint32) bool {
	return func(flags uint32) bool { return flags&mask == 0 }
}

// Decode reads fields in declared order and stops at the first present field
// that does not fit in buf. It never fails, a short buffer just yields fewer fields.
func (s FrameSpec) Decode(buf []byte) Fields {
	out := NewFields()
	var flags uint32
	offset := 0
	for i, f := range s.Fields {
		if i > 0 && f.Present != nil && !f.Present(flags) {
			continue
		}
		need := f.Def.width()
		if f.Span > need {
			need = f.Span
		}
		if offset+need > len(buf) {
			break
		}
		raw, _ := ReadRaw(f.Def, buf, offset)
		offset += f.Def.width()
		if i == 0 {
			flags = uint32(raw)
		}
		out.Set(f.Name, Decode(f.Def, raw))
	}
	return out
}

// Fields holds decoded values by name, remembering decode order
type Fields struct {
	values map[string]float64
	order  []string
}

func NewFields() Fields {
	return Fields{values: make(map[string]float64)}
}

// Set stores a value, appending the name to the order if new
func (f *Fields) Set(name string, value float64) {
	if f.values == nil {
		f.values = make(map[string]float64)
	}
	if _, ok := f.values[name]; !ok {
		f.order = append(f.order, name)
	}
	f.values[name] = value
}

func (f Fields) Get(name string) (float64, bool) {
	v, ok := f.values[name]
	return v, ok
}

func (f Fields) Has(name string) bool {
	_, ok := f.values[name]
	return ok
}

func (f Fields) Len() int {
	return len(f.order)
}

// Names returns field names in decode order
func (f Fields) Names() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Map returns a copy of the values
func (f Fields) Map() map[string]float64 {
	out := make(map[string]float64, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// MarshalJSON writes the fields as an object in decode order. Non-finite
// values are written as null.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range f.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		v := f.values[name]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			buf.WriteString("null")
			continue
		}
		buf.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
