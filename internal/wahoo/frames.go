// Package wahoo implements the Wahoo trainer extension carried on the
// Cycling Power service.
package wahoo

import (
	"errors"
	"fmt"
	"math"

	"github.com/lowaak/smart-trainer/trainer-link/internal/codec"
)

var (
	ErrUnknownOpcode             = errors.New("unknown opcode")
	ErrFrameLength               = errors.New("frame length does not match opcode")
	ErrMalformedResponse         = errors.New("malformed response")
	ErrResponseEncodeUnsupported = errors.New("response frames are only decoded")
)

// Opcode is the first byte of every control frame
type Opcode byte

const (
	OpRequestControl     Opcode = 0x20
	OpLoadIntensity      Opcode = 0x40
	OpLoadLevel          Opcode = 0x41
	OpERG                Opcode = 0x42
	OpSIM                Opcode = 0x43
	OpCrr                Opcode = 0x44
	OpWindResistance     Opcode = 0x45
	OpGrade              Opcode = 0x46
	OpWindSpeed          Opcode = 0x47
	OpWheelCircumference Opcode = 0x48
)

// names as the trainer reports them in responses
var opcodeNames = map[Opcode]string{
	OpRequestControl:     "unlock",
	OpLoadIntensity:      "setResistanceTarget",
	OpLoadLevel:          "setStandardMode",
	OpERG:                "setPowerTarget",
	OpSIM:                "setSimMode",
	OpCrr:                "setCrr",
	OpWindResistance:     "setWindResistance",
	OpGrade:              "setSlopeTarget",
	OpWindSpeed:          "setWindSpeed",
	OpWheelCircumference: "setWheelCircumference",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "unknown"
}

// unlock code sent with RequestControl
var unlockCode = []byte{0xEE, 0xFC}

// Field names used in Command.Args
const (
	ArgIntensity     = "intensity"
	ArgLevel         = "level"
	ArgPower         = "power"
	ArgWeight        = "weight"
	ArgCrr           = "crr"
	ArgWindResist    = "windResistance"
	ArgGrade         = "grade"
	ArgWindSpeed     = "windSpeed"
	ArgCircumference = "circumference"
)

var (
	intensityDef = codec.FieldDefinition{
		Resolution: 1, Width: 2, Min: 0, Max: 1, Default: 0, Precision: 2,
		Transform: &codec.Transform{
			Forward: func(v float64) float64 { return math.Round((1 - v) * 16383) },
			Inverse: func(raw float64) float64 { return 1 - raw/16383 },
		},
	}
	levelDef = codec.FieldDefinition{Resolution: 1, Width: 1, Min: 0, Max: 9, Default: 0}
	powerDef = codec.FieldDefinition{Resolution: 1, Unit: codec.UnitWatt, Width: 2, Min: 0, Max: 65534, Default: 0}

	weightDef     = codec.FieldDefinition{Resolution: 0.01, Unit: codec.UnitKilogram, Width: 2, Min: 0, Max: 655.35, Default: 75, Precision: 2}
	crrDef        = codec.FieldDefinition{Resolution: 0.0001, Width: 2, Min: 0, Max: 6.5535, Default: 0.004, Precision: 4}
	windResistDef = codec.FieldDefinition{Resolution: 0.001, Unit: codec.UnitKgPerMeter, Width: 2, Min: 0, Max: 65.535, Default: 0.51, Precision: 3}

	gradeDef = codec.FieldDefinition{
		Resolution: 1, Unit: codec.UnitPercent, Width: 2, Min: -100, Max: 100, Default: 0, Precision: 1,
		Transform: &codec.Transform{
			Forward: func(g float64) float64 { return (g/100 + 1) * 32768 },
			Inverse: func(raw float64) float64 { return (raw/32768 - 1) * 100 },
		},
	}
	windSpeedDef = codec.FieldDefinition{
		Resolution: 1, Unit: codec.UnitMetersPerSecond, Width: 2, Min: -35.56, Max: 35.56, Default: 0, Precision: 2,
		Transform: &codec.Transform{
			Forward: func(ws float64) float64 { return (ws + 32.768) * 1000 },
			Inverse: func(raw float64) float64 { return raw/1000 - 32.768 },
		},
	}
	circumferenceDef = codec.FieldDefinition{Resolution: 0.1, Unit: codec.UnitMillimeter, Width: 2, Min: 0, Max: 6553.4, Default: 2136, Precision: 1}
)

type namedField struct {
	name string
	def  codec.FieldDefinition
}

type frameLayout struct {
	length int
	fixed  []byte // bytes after the opcode that never change
	fields []namedField
}

var layouts = map[Opcode]frameLayout{
	OpRequestControl:     {length: 3, fixed: unlockCode},
	OpLoadIntensity:      {length: 3, fields: []namedField{{ArgIntensity, intensityDef}}},
	OpLoadLevel:          {length: 2, fields: []namedField{{ArgLevel, levelDef}}},
	OpERG:                {length: 3, fields: []namedField{{ArgPower, powerDef}}},
	OpSIM:                {length: 7, fields: []namedField{{ArgWeight, weightDef}, {ArgCrr, crrDef}, {ArgWindResist, windResistDef}}},
	OpGrade:              {length: 3, fields: []namedField{{ArgGrade, gradeDef}}},
	OpWindSpeed:          {length: 3, fields: []namedField{{ArgWindSpeed, windSpeedDef}}},
	OpWheelCircumference: {length: 3, fields: []namedField{{ArgCircumference, circumferenceDef}}},
}

// Command is one control frame before encoding. Args missing a field use
// that field's default.
type Command struct {
	Op   Opcode
	Args map[string]float64
}

func (c Command) arg(name string) codec.Option[float64] {
	if v, ok := c.Args[name]; ok {
		return codec.Some(v)
	}
	return codec.None[float64]()
}

func (c Command) String() string {
	return fmt.Sprintf("%s%v", c.Op, c.Args)
}

// Encode builds the wire frame for cmd
func Encode(cmd Command) ([]byte, error) {
	layout, ok := layouts[cmd.Op]
	if !ok {
		return nil, fmt.Errorf("encode 0x%02X: %w", byte(cmd.Op), ErrUnknownOpcode)
	}
	buf := make([]byte, layout.length)
	buf[0] = byte(cmd.Op)
	offset := 1 + copy(buf[1:], layout.fixed)
	for _, f := range layout.fields {
		offset += codec.EncodeInto(buf, offset, f.def, cmd.arg(f.name))
	}
	return buf, nil
}

// DecodeFrame parses a control frame back into a Command
func DecodeFrame(buf []byte) (Command, error) {
	if len(buf) == 0 {
		return Command{}, ErrFrameLength
	}
	op := Opcode(buf[0])
	layout, ok := layouts[op]
	if !ok {
		return Command{}, fmt.Errorf("decode 0x%02X: %w", buf[0], ErrUnknownOpcode)
	}
	if len(buf) != layout.length {
		return Command{}, fmt.Errorf("decode %s: got %d bytes, want %d: %w", op, len(buf), layout.length, ErrFrameLength)
	}
	cmd := Command{Op: op, Args: make(map[string]float64, len(layout.fields))}
	offset := 1 + len(layout.fixed)
	for _, f := range layout.fields {
		v, _ := codec.DecodeAt(f.def, buf, offset)
		cmd.Args[f.name] = v
		offset += f.def.Width
	}
	return cmd, nil
}

func RequestControl() Command {
	return Command{Op: OpRequestControl}
}

// LoadIntensity sets a resistance fraction between 0 and 1
func LoadIntensity(intensity float64) Command {
	return Command{Op: OpLoadIntensity, Args: map[string]float64{ArgIntensity: intensity}}
}

// LoadLevel selects one of the ten standard resistance levels
func LoadLevel(level int) Command {
	return Command{Op: OpLoadLevel, Args: map[string]float64{ArgLevel: float64(level)}}
}

func ERG(watts float64) Command {
	return Command{Op: OpERG, Args: map[string]float64{ArgPower: watts}}
}

// SIM switches the trainer to simulation mode. Absent values use the
// defaults: 75 kg, crr 0.004, wind resistance 0.51 kg/m.
func SIM(weight, crr, windResistance codec.Option[float64]) Command {
	args := make(map[string]float64, 3)
	for name, opt := range map[string]codec.Option[float64]{ArgWeight: weight, ArgCrr: crr, ArgWindResist: windResistance} {
		if v, ok := opt.Get(); ok {
			args[name] = v
		}
	}
	return Command{Op: OpSIM, Args: args}
}

// Grade sets the simulated slope in percent, -100 to 100
func Grade(grade codec.Option[float64]) Command {
	cmd := Command{Op: OpGrade, Args: map[string]float64{}}
	if v, ok := grade.Get(); ok {
		cmd.Args[ArgGrade] = v
	}
	return cmd
}

// WindSpeed sets the simulated head wind in m/s
func WindSpeed(speed float64) Command {
	return Command{Op: OpWindSpeed, Args: map[string]float64{ArgWindSpeed: speed}}
}

// WheelCircumference sets the wheel size in millimetres
func WheelCircumference(mm float64) Command {
	return Command{Op: OpWheelCircumference, Args: map[string]float64{ArgCircumference: mm}}
}
