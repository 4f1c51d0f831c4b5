package telemetry

import (
	"github.com/lowaak/smart-trainer/trainer-link/internal/cadence"
	"github.com/lowaak/smart-trainer/trainer-link/internal/codec"
)

const (
	cscWheelRevolutions = 1 << 0
	cscCrankRevolutions = 1 << 1
)

// DefaultWheelCircumference is a 700x25c road wheel, in millimetres
const DefaultWheelCircumference = 2136.0

// SpeedCadenceSpec is the CSC Measurement (0x2A5B) layout
var SpeedCadenceSpec = codec.FrameSpec{
	Name: "csc measurement",
	Fields: []codec.FrameField{
		{Name: "flags", Def: u8},
		{Name: "cumulativeWheelRevolutions", Def: u32, Present: codec.Flag(cscWheelRevolutions)},
		{Name: "lastWheelEventTime", Def: scaled(u16, 1.0/1024, codec.UnitSecond), Present: codec.Flag(cscWheelRevolutions)},
		{Name: "cumulativeCrankRevolutions", Def: u16, Present: codec.Flag(cscCrankRevolutions)},
		{Name: "lastCrankEventTime", Def: scaled(u16, 1.0/1024, codec.UnitSecond), Present: codec.Flag(cscCrankRevolutions)},
	},
}

// SpeedCadence decodes CSC measurements into wheel speed and crank cadence.
// One per CSC sensor.
type SpeedCadence struct {
	wheel         *cadence.Estimator
	crank         *cadence.Estimator
	circumference float64 // mm
}

func NewSpeedCadence(circumferenceMM float64) *SpeedCadence {
	if circumferenceMM <= 0 {
		circumferenceMM = DefaultWheelCircumference
	}
	return &SpeedCadence{
		wheel:         cadence.WheelRevsPerSecond(),
		crank:         cadence.CrankRPM(),
		circumference: circumferenceMM,
	}
}

// Decode returns the raw counters plus speed (km/h) and cadence (rpm) when
// the matching revolution data is present
func (s *SpeedCadence) Decode(buf []byte) codec.Fields {
	fields := SpeedCadenceSpec.Decode(buf)

	if revs, ok := fields.Get("cumulativeWheelRevolutions"); ok {
		if t, ok := fields.Get("lastWheelEventTime"); ok {
			rps := s.wheel.Calculate(revs, t)
			// mm per second to km/h
			fields.Set("speed", codec.Round(rps*s.circumference*3.6/1000, 2))
		}
	}
	if revs, ok := fields.Get("cumulativeCrankRevolutions"); ok {
		if t, ok := fields.Get("lastCrankEventTime"); ok {
			fields.Set("cadence", s.crank.Calculate(revs, t))
		}
	}
	return fields
}

// Reset forgets both counter histories
func (s *SpeedCadence) Reset() {
	s.wheel.Reset()
	s.crank.Reset()
}
