// Package ftms encodes Fitness Machine Service control point commands and
// decodes their responses.
package ftms

import (
	"errors"
	"fmt"

	"github.com/lowaak/smart-trainer/trainer-link/internal/codec"
)

var (
	ErrMalformedResponse   = errors.New("malformed control point response")
	ErrControlNotPermitted = errors.New("trainer did not permit control")
	ErrCommandFailed       = errors.New("trainer rejected command")
)

// Opcode is a control point request op code
type Opcode byte

const (
	OpRequestControl          Opcode = 0x00
	OpReset                   Opcode = 0x01
	OpSetTargetSpeed          Opcode = 0x02
	OpSetTargetInclination    Opcode = 0x03
	OpSetTargetResistance     Opcode = 0x04
	OpSetTargetPower          Opcode = 0x05
	OpSetTargetHeartRate      Opcode = 0x06
	OpStartOrResume           Opcode = 0x07
	OpStopOrPause             Opcode = 0x08
	OpSetIndoorBikeSimulation Opcode = 0x11
	OpResponseCode            Opcode = 0x80
)

func (o Opcode) String() string {
	switch o {
	case OpRequestControl:
		return "Request Control"
	case OpReset:
		return "Reset"
	case OpSetTargetSpeed:
		return "Set Target Speed"
	case OpSetTargetInclination:
		return "Set Target Inclination"
	case OpSetTargetResistance:
		return "Set Target Resistance"
	case OpSetTargetPower:
		return "Set Target Power"
	case OpSetTargetHeartRate:
		return "Set Target Heart Rate"
	case OpStartOrResume:
		return "Start/Resume"
	case OpStopOrPause:
		return "Stop/Pause"
	case OpSetIndoorBikeSimulation:
		return "Set Indoor Bike Simulation"
	default:
		return fmt.Sprintf("OpCode 0x%02X", byte(o))
	}
}

// Result is the outcome byte of a response
type Result byte

const (
	ResultSuccess             Result = 0x01
	ResultOpCodeNotSupported  Result = 0x02
	ResultInvalidParameter    Result = 0x03
	ResultOperationFailed     Result = 0x04
	ResultControlNotPermitted Result = 0x05
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case ResultInvalidParameter:
		return "Invalid Parameter"
	case ResultOperationFailed:
		return "Operation Failed"
	case ResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return fmt.Sprintf("Result 0x%02X", byte(r))
	}
}

const (
	MinTargetPowerWatts = 25
	MaxTargetPowerWatts = 2000
)

var (
	powerDef      = codec.FieldDefinition{Resolution: 1, Unit: codec.UnitWatt, Width: 2, Signed: true, Min: MinTargetPowerWatts, Max: MaxTargetPowerWatts, Default: 100}
	resistanceDef = codec.FieldDefinition{Resolution: 0.1, Width: 2, Signed: true, Precision: 1}
	windDef       = codec.FieldDefinition{Resolution: 0.001, Unit: codec.UnitMetersPerSecond, Width: 2, Signed: true, Precision: 3}
	gradeDef      = codec.FieldDefinition{Resolution: 0.01, Unit: codec.UnitPercent, Width: 2, Signed: true, Precision: 2}
	crrDef        = codec.FieldDefinition{Resolution: 0.0001, Width: 1, Min: 0, Max: 0.0255, Default: 0.004, Precision: 4}
	cwDef         = codec.FieldDefinition{Resolution: 0.01, Unit: codec.UnitKgPerMeter, Width: 1, Min: 0, Max: 2.55, Default: 0.51, Precision: 2}
)

type param struct {
	def   codec.FieldDefinition
	value codec.Option[float64]
}

func frame(op Opcode, params ...param) []byte {
	n := 1
	for _, p := range params {
		n += p.def.Width
	}
	buf := make([]byte, n)
	buf[0] = byte(op)
	offset := 1
	for _, p := range params {
		offset += codec.EncodeInto(buf, offset, p.def, p.value)
	}
	return buf
}

func RequestControl() []byte { return frame(OpRequestControl) }
func Reset() []byte          { return frame(OpReset) }
func StartOrResume() []byte  { return frame(OpStartOrResume) }
func StopOrPause() []byte    { return frame(OpStopOrPause) }

// SetTargetPower is ERG mode at watts, clamped to 25..2000
func SetTargetPower(watts float64) []byte {
	return frame(OpSetTargetPower, param{powerDef, codec.Some(watts)})
}

// SetTargetResistance takes a resistance level with 0.1 resolution
func SetTargetResistance(level float64) []byte {
	return frame(OpSetTargetResistance, param{resistanceDef, codec.Some(level)})
}

// Simulation is the indoor bike simulation parameter set. Absent values use
// still air, a flat road and typical road tyre and rider drag.
type Simulation struct {
	WindSpeed codec.Option[float64] // m/s
	Grade     codec.Option[float64] // percent
	Crr       codec.Option[float64]
	Cw        codec.Option[float64] // kg/m
}

func SetIndoorBikeSimulation(s Simulation) []byte {
	return frame(OpSetIndoorBikeSimulation,
		param{windDef, s.WindSpeed},
		param{gradeDef, s.Grade},
		param{crrDef, s.Crr},
		param{cwDef, s.Cw},
	)
}

// Response is a decoded control point indication: [0x80, request, result]
type Response struct {
	Request Opcode
	Result  Result
}

func (r Response) String() string {
	return fmt.Sprintf("%s -> %s", r.Request, r.Result)
}

func (r Response) OK() bool {
	return r.Result == ResultSuccess
}

func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) < 3 {
		return Response{}, fmt.Errorf("response of %d bytes: %w", len(buf), ErrMalformedResponse)
	}
	if Opcode(buf[0]) != OpResponseCode {
		return Response{}, fmt.Errorf("unexpected op code 0x%02X: %w", buf[0], ErrMalformedResponse)
	}
	return Response{Request: Opcode(buf[1]), Result: Result(buf[2])}, nil
}

// PowerRange is the Supported Power Range characteristic
type PowerRange struct {
	Min  float64
	Max  float64
	Step float64
}

var (
	rangeLimitDef = codec.FieldDefinition{Resolution: 1, Unit: codec.UnitWatt, Width: 2, Signed: true}
	rangeStepDef  = codec.FieldDefinition{Resolution: 1, Unit: codec.UnitWatt, Width: 2}
)

func DecodeSupportedPowerRange(buf []byte) (PowerRange, bool) {
	lo, ok1 := codec.DecodeAt(rangeLimitDef, buf, 0)
	hi, ok2 := codec.DecodeAt(rangeLimitDef, buf, 2)
	step, ok3 := codec.DecodeAt(rangeStepDef, buf, 4)
	if !ok1 || !ok2 || !ok3 {
		return PowerRange{}, false
	}
	return PowerRange{Min: lo, Max: hi, Step: step}, true
}

// Clamp bounds watts to the range
func (r PowerRange) Clamp(watts float64) float64 {
	if watts < r.Min {
		return r.Min
	}
	if r.Max > r.Min && watts > r.Max {
		return r.Max
	}
	return watts
}
