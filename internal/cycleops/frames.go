// Package cycleops implements the CycleOps (Saris) trainer control point.
package cycleops

import (
	"fmt"

	"github.com/lowaak/smart-trainer/trainer-link/internal/codec"
)

// CommandID marks every control frame and status frame
const CommandID = 0x1000

const frameLength = 10

// Mode is the trainer control mode
type Mode byte

const (
	ModeHeadless    Mode = 0x00
	ModeManualPower Mode = 0x01
	ModeManualSlope Mode = 0x02
	ModePowerRange  Mode = 0x03
	ModeWarmUp      Mode = 0x04
	ModeRollDown    Mode = 0x05
)

var modeNames = map[Mode]string{
	ModeHeadless:    "headless",
	ModeManualPower: "manualPower",
	ModeManualSlope: "manualSlope",
	ModePowerRange:  "powerRange",
	ModeWarmUp:      "warmUp",
	ModeRollDown:    "rollDown",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(0x%02X)", byte(m))
}

func (m Mode) valid() bool {
	_, ok := modeNames[m]
	return ok
}

// ControlStatus is the trainer's report on the current mode
type ControlStatus byte

const (
	StatusSpeedOkay            ControlStatus = 0x00
	StatusSpeedUp              ControlStatus = 0x01
	StatusSpeedDown            ControlStatus = 0x02
	StatusRollDownInitializing ControlStatus = 0x03
	StatusRollDownInProcess    ControlStatus = 0x04
	StatusRollDownPassed       ControlStatus = 0x05
	StatusRollDownFailed       ControlStatus = 0x06
)

var statusNames = map[ControlStatus]string{
	StatusSpeedOkay:            "okay",
	StatusSpeedUp:              "speedUp",
	StatusSpeedDown:            "speedDown",
	StatusRollDownInitializing: "initializing",
	StatusRollDownInProcess:    "inProcess",
	StatusRollDownPassed:       "passed",
	StatusRollDownFailed:       "failed",
}

func (s ControlStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(0x%02X)", byte(s))
}

// IsRollDown reports whether the status belongs to a roll-down calibration
func (s ControlStatus) IsRollDown() bool {
	return s >= StatusRollDownInitializing && s <= StatusRollDownFailed
}

var (
	wattsDef  = codec.FieldDefinition{Resolution: 1, Unit: codec.UnitWatt, Width: 2, Min: 0, Max: 65535}
	weightDef = codec.FieldDefinition{Resolution: 1, Unit: codec.UnitKilogram, Width: 2, Min: 0, Max: 65535}
	slopeDef  = codec.FieldDefinition{Resolution: 1, Unit: codec.UnitPercent, Width: 2, Signed: true, Min: -100, Max: 100}
)

// Command is one control point write
type Command struct {
	Mode   Mode
	Param1 int64
	Param2 int64
}

// Encode renders the 10 byte frame: command id, mode, two u16 parameters and
// three reserved bytes
func (c Command) Encode() []byte {
	buf := make([]byte, frameLength)
	codec.PutUint(buf, 0, 2, CommandID)
	buf[2] = byte(c.Mode)
	codec.PutUint(buf, 3, 2, uint64(c.Param1))
	codec.PutUint(buf, 5, 2, uint64(c.Param2))
	return buf
}

func Headless() Command {
	return Command{Mode: ModeHeadless}
}

func ManualPower(watts float64) Command {
	return Command{Mode: ModeManualPower, Param1: codec.Encode(wattsDef, codec.Some(watts))}
}

// ManualSlope simulates a grade in percent for a rider of weight kg
func ManualSlope(weight, grade float64) Command {
	return Command{
		Mode:   ModeManualSlope,
		Param1: codec.Encode(weightDef, codec.Some(weight)),
		Param2: codec.Encode(slopeDef, codec.Some(grade)),
	}
}

func PowerRange(lower, upper float64) Command {
	return Command{
		Mode:   ModePowerRange,
		Param1: codec.Encode(wattsDef, codec.Some(lower)),
		Param2: codec.Encode(wattsDef, codec.Some(upper)),
	}
}

func WarmUp() Command {
	return Command{Mode: ModeWarmUp}
}

func RollDown() Command {
	return Command{Mode: ModeRollDown}
}

// Status is a decoded control point notification
type Status struct {
	ResponseCode uint16
	Mode         Mode
	Param1       uint16
	Param2       uint16
	Status       ControlStatus
}

// DecodeStatus parses a status frame. Frames that are short, carry another
// command id, or hold an unknown mode or status are rejected whole.
func DecodeStatus(buf []byte) (Status, bool) {
	if len(buf) < frameLength {
		return Status{}, false
	}
	code, _ := codec.Uint(buf, 0, 2)
	id, _ := codec.Uint(buf, 2, 2)
	if id != CommandID {
		return Status{}, false
	}
	p1, _ := codec.Uint(buf, 5, 2)
	p2, _ := codec.Uint(buf, 7, 2)
	s := Status{
		ResponseCode: uint16(code),
		Mode:         Mode(buf[4]),
		Param1:       uint16(p1),
		Param2:       uint16(p2),
		Status:       ControlStatus(buf[9]),
	}
	if !s.Mode.valid() {
		return Status{}, false
	}
	if _, ok := statusNames[s.Status]; !ok {
		return Status{}, false
	}
	return s, true
}
