package telemetry

import "github.com/lowaak/smart-trainer/trainer-link/internal/codec"

const (
	hrValueUint16    = 1 << 0
	hrEnergyExpended = 1 << 3
)

// HeartRateSpec is the Heart Rate Measurement (0x2A37) layout up to the
// RR intervals, which are not decoded
var HeartRateSpec = codec.FrameSpec{
	Name: "heart rate measurement",
	Fields: []codec.FrameField{
		{Name: "flags", Def: u8},
		{Name: "heartRate", Def: scaled(u8, 1, codec.UnitBPM), Present: codec.FlagClear(hrValueUint16)},
		{Name: "heartRate", Def: scaled(u16, 1, codec.UnitBPM), Present: codec.Flag(hrValueUint16)},
		{Name: "energyExpended", Def: scaled(u16, 1, codec.UnitKilojoule), Present: codec.Flag(hrEnergyExpended)},
	},
}

func DecodeHeartRate(buf []byte) codec.Fields {
	return HeartRateSpec.Decode(buf)
}
