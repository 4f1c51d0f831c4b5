// Package telemetry decodes the standard Bluetooth fitness characteristics.
package telemetry

import (
	"time"

	"github.com/lowaak/smart-trainer/trainer-link/internal/cadence"
	"github.com/lowaak/smart-trainer/trainer-link/internal/codec"
)

// Cycling Power Measurement flag bits
const (
	cpsPedalPowerBalance = 1 << 0
	cpsAccumulatedTorque = 1 << 2
	cpsWheelRevolutions  = 1 << 4
	cpsCrankRevolutions  = 1 << 5
	cpsForceMagnitudes   = 1 << 6
	cpsTorqueMagnitudes  = 1 << 7
	cpsExtremeAngles     = 1 << 8
	cpsTopDeadSpot       = 1 << 9
	cpsBottomDeadSpot    = 1 << 10
	cpsAccumulatedEnergy = 1 << 11
)

var (
	u8  = codec.FieldDefinition{Resolution: 1, Width: 1}
	u16 = codec.FieldDefinition{Resolution: 1, Width: 2}
	i16 = codec.FieldDefinition{Resolution: 1, Width: 2, Signed: true}
	u24 = codec.FieldDefinition{Resolution: 1, Width: 3}
	u32 = codec.FieldDefinition{Resolution: 1, Width: 4}
)

func scaled(base codec.FieldDefinition, resolution float64, unit codec.Unit) codec.FieldDefinition {
	base.Resolution = resolution
	base.Unit = unit
	return base
}

// PowerMeasurementSpec is the Cycling Power Measurement (0x2A63) layout
var PowerMeasurementSpec = codec.FrameSpec{
	Name: "cycling power measurement",
	Fields: []codec.FrameField{
		{Name: "flags", Def: u16},
		{Name: "power", Def: scaled(i16, 1, codec.UnitWatt)},
		{Name: "pedalPowerBalance", Def: scaled(u8, 0.5, codec.UnitPercent), Present: codec.Flag(cpsPedalPowerBalance)},
		{Name: "accumulatedTorque", Def: scaled(u16, 1.0/32, codec.UnitNewtonMeter), Present: codec.Flag(cpsAccumulatedTorque)},
		{Name: "cumulativeWheelRevolutions", Def: u32, Present: codec.Flag(cpsWheelRevolutions)},
		{Name: "lastWheelEventTime", Def: scaled(u16, 1.0/2048, codec.UnitSecond), Present: codec.Flag(cpsWheelRevolutions)},
		{Name: "cumulativeCrankRevolutions", Def: u16, Present: codec.Flag(cpsCrankRevolutions)},
		{Name: "lastCrankEventTime", Def: scaled(u16, 1.0/1024, codec.UnitSecond), Present: codec.Flag(cpsCrankRevolutions)},
		{Name: "maximumForceMagnitude", Def: scaled(i16, 1, codec.UnitNewton), Present: codec.Flag(cpsForceMagnitudes)},
		{Name: "minimumForceMagnitude", Def: scaled(i16, 1, codec.UnitNewton), Present: codec.Flag(cpsForceMagnitudes)},
		{Name: "maximumTorqueMagnitude", Def: scaled(i16, 1.0/32, codec.UnitNewtonMeter), Present: codec.Flag(cpsTorqueMagnitudes)},
		{Name: "minimumTorqueMagnitude", Def: scaled(i16, 1.0/32, codec.UnitNewtonMeter), Present: codec.Flag(cpsTorqueMagnitudes)},
		{Name: "extremeAngles", Def: scaled(u24, 1, codec.UnitDegree), Present: codec.Flag(cpsExtremeAngles)},
		{Name: "topDeadSpotAngle", Def: scaled(u16, 1, codec.UnitDegree), Present: codec.Flag(cpsTopDeadSpot)},
		{Name: "bottomDeadSpotAngle", Def: scaled(u16, 1, codec.UnitDegree), Present: codec.Flag(cpsBottomDeadSpot)},
		{Name: "accumulatedEnergy", Def: scaled(u16, 1, codec.UnitKilojoule), Present: codec.Flag(cpsAccumulatedEnergy)},
	},
}

// DecodePowerMeasurement decodes a Cycling Power Measurement payload.
// Packed extreme angles are also split into maximumAngle and minimumAngle.
func DecodePowerMeasurement(buf []byte) codec.Fields {
	fields := PowerMeasurementSpec.Decode(buf)
	if packed, ok := fields.Get("extremeAngles"); ok {
		raw := uint32(packed)
		fields.Set("maximumAngle", float64(raw&0x0FFF))
		fields.Set("minimumAngle", float64(raw>>12))
	}
	return fields
}

// PowerMeter decodes power measurements and derives crank cadence from the
// crank revolution data. One per power characteristic.
type PowerMeter struct {
	crank   *cadence.Estimator
	learner *cadence.Learner
	now     func() time.Time
}

func NewPowerMeter(cfg cadence.LearnerConfig) *PowerMeter {
	crank := cadence.CrankRPM()
	return &PowerMeter{
		crank:   crank,
		learner: cadence.NewLearner(cfg, crank.SetMaxRateCount),
		now:     time.Now,
	}
}

// Decode decodes buf and adds a cadence field when crank data is present
func (m *PowerMeter) Decode(buf []byte) codec.Fields {
	fields := DecodePowerMeasurement(buf)

	revs, hasRevs := fields.Get("cumulativeCrankRevolutions")
	eventTime, hasTime := fields.Get("lastCrankEventTime")
	if !hasRevs || !hasTime {
		return fields
	}

	rpm := m.crank.Calculate(revs, eventTime)
	m.learner.Update(m.now(), revs)
	fields.Set("cadence", rpm)
	return fields
}

// Reset forgets the crank history, e.g. after a reconnect
func (m *PowerMeter) Reset() {
	m.crank.Reset()
}

// DebounceWindow returns the learned duplicate window, if learning has finished
func (m *PowerMeter) DebounceWindow() (int, bool) {
	return m.learner.Window()
}
