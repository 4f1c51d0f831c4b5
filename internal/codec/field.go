package codec

import "math"

// Unit is the engineering unit a field value is expressed in
type Unit int

const (
	UnitNone Unit = iota
	UnitWatt
	UnitRPM
	UnitKmh
	UnitMetersPerSecond
	UnitMeter
	UnitMillimeter
	UnitKilogram
	UnitKgPerMeter
	UnitPercent
	UnitSecond
	UnitDegree
	UnitNewton
	UnitNewtonMeter
	UnitKilojoule
	UnitBPM
	UnitMET
)

var unitNames = map[Unit]string{
	UnitNone:            "",
	UnitWatt:            "W",
	UnitRPM:             "rpm",
	UnitKmh:             "km/h",
	UnitMetersPerSecond: "m/s",
	UnitMeter:           "m",
	UnitMillimeter:      "mm",
	UnitKilogram:        "kg",
	UnitKgPerMeter:      "kg/m",
	UnitPercent:         "%",
	UnitSecond:          "s",
	UnitDegree:          "deg",
	UnitNewton:          "N",
	UnitNewtonMeter:     "Nm",
	UnitKilojoule:       "kJ",
	UnitBPM:             "bpm",
	UnitMET:             "MET",
}

func (u Unit) String() string {
	return unitNames[u]
}

// Transform replaces the default linear scaling of a field.
// Forward maps an engineering value to the raw integer domain, Inverse maps back.
type Transform struct {
	Forward func(value float64) float64
	Inverse func(raw float64) float64
}

// FieldDefinition describes one fixed-point integer field on the wire.
// Min, Max and Default are in engineering units. Min == Max means the field is
// only bounded by its width.
type FieldDefinition struct {
	Resolution float64
	Unit       Unit
	Width      int // bytes, 1 to 4
	Signed     bool
	Min        float64
	Max        float64
	Default    float64
	Precision  int // decimal places kept by Decode, 0 keeps full precision
	Transform  *Transform
}

func (d FieldDefinition) resolution() float64 {
	if d.Resolution == 0 {
		return 1
	}
	return d.Resolution
}

func (d FieldDefinition) width() int {
	if d.Width <= 0 {
		return 1
	}
	if d.Width > 4 {
		return 4
	}
	return d.Width
}

func (d FieldDefinition) forward(value float64) float64 {
	if d.Transform != nil && d.Transform.Forward != nil {
		return d.Transform.Forward(value)
	}
	return value / d.resolution()
}

func (d FieldDefinition) inverse(raw float64) float64 {
	if d.Transform != nil && d.Transform.Inverse != nil {
		return d.Transform.Inverse(raw)
	}
	return raw * d.resolution()
}

// Bounded reports whether Min/Max constrain the field
func (d FieldDefinition) Bounded() bool {
	return d.Min != d.Max
}

// RawRange returns the integer range representable in the field's width
func (d FieldDefinition) RawRange() (int64, int64) {
	bits := uint(8 * d.width())
	if d.Signed {
		return -(int64(1) << (bits - 1)), (int64(1) << (bits - 1)) - 1
	}
	return 0, (int64(1) << bits) - 1
}

// ScaledRange returns the raw bounds derived from Min and Max.
func (d FieldDefinition) ScaledRange() (float64, float64) {
	lo, hi := d.forward(d.Min), d.forward(d.Max)
	if lo > hi {
		// inverting transforms swap the bounds
		lo, hi = hi, lo
	}
	return lo, hi
}

// Encode converts an engineering value into the raw integer sent on the wire.
// An absent input is replaced by the definition's Default.
func Encode(def FieldDefinition, input Option[float64]) int64 {
	value := input.Or(def.Default)
	if math.IsNaN(value) {
		value = def.Default
	}

	raw := def.forward(value)
	if def.Bounded() {
		lo, hi := def.ScaledRange()
		raw = clamp(raw, lo, hi)
	}
	rlo, rhi := def.RawRange()
	raw = clamp(raw, float64(rlo), float64(rhi))

	// 0.29/0.01 is 28.999999999999996 in binary floating point
	return int64(math.Trunc(Round(raw, 9)))
}

// Decode converts a raw wire integer back into an engineering value
func Decode(def FieldDefinition, raw int64) float64 {
	value := def.inverse(float64(raw))
	if def.Precision > 0 {
		return Round(value, def.Precision)
	}
	return value
}

// Round rounds value to the given number of decimal places
func Round(value float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(value*p) / p
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
