package telemetry

import "github.com/lowaak/smart-trainer/trainer-link/internal/codec"

// Indoor Bike Data flag bits (FTMS 4.9.1)
const (
	ibdMoreData             = 1 << 0 // clear when instantaneous speed is present
	ibdAverageSpeed         = 1 << 1
	ibdInstantaneousCadence = 1 << 2
	ibdAverageCadence       = 1 << 3
	ibdTotalDistance        = 1 << 4
	ibdResistanceLevel      = 1 << 5
	ibdInstantaneousPower   = 1 << 6
	ibdAveragePower         = 1 << 7
	ibdExpendedEnergy       = 1 << 8
	ibdHeartRate            = 1 << 9
	ibdMetabolicEquivalent  = 1 << 10
	ibdElapsedTime          = 1 << 11
	ibdRemainingTime        = 1 << 12
)

// energy fields are either all present or all absent
const ibdEnergyBlock = 5

var (
	speedDef   = codec.FieldDefinition{Resolution: 0.01, Unit: codec.UnitKmh, Width: 2, Precision: 2}
	cadenceDef = codec.FieldDefinition{Resolution: 0.5, Unit: codec.UnitRPM, Width: 2, Precision: 1}
)

// IndoorBikeDataSpec is the FTMS Indoor Bike Data (0x2AD2) layout
var IndoorBikeDataSpec = codec.FrameSpec{
	Name: "indoor bike data",
	Fields: []codec.FrameField{
		{Name: "flags", Def: u16},
		{Name: "instantaneousSpeed", Def: speedDef, Present: codec.FlagClear(ibdMoreData)},
		{Name: "averageSpeed", Def: speedDef, Present: codec.Flag(ibdAverageSpeed)},
		{Name: "instantaneousCadence", Def: cadenceDef, Present: codec.Flag(ibdInstantaneousCadence)},
		{Name: "averageCadence", Def: cadenceDef, Present: codec.Flag(ibdAverageCadence)},
		{Name: "totalDistance", Def: scaled(u24, 1, codec.UnitMeter), Present: codec.Flag(ibdTotalDistance)},
		{Name: "resistanceLevel", Def: i16, Present: codec.Flag(ibdResistanceLevel)},
		{Name: "instantaneousPower", Def: scaled(i16, 1, codec.UnitWatt), Present: codec.Flag(ibdInstantaneousPower)},
		{Name: "averagePower", Def: scaled(i16, 1, codec.UnitWatt), Present: codec.Flag(ibdAveragePower)},
		{Name: "totalEnergy", Def: u16, Present: codec.Flag(ibdExpendedEnergy), Span: ibdEnergyBlock},
		{Name: "energyPerHour", Def: u16, Present: codec.Flag(ibdExpendedEnergy)},
		{Name: "energyPerMinute", Def: u8, Present: codec.Flag(ibdExpendedEnergy)},
		{Name: "heartRate", Def: scaled(u8, 1, codec.UnitBPM), Present: codec.Flag(ibdHeartRate)},
		{Name: "metabolicEquivalent", Def: codec.FieldDefinition{Resolution: 0.1, Unit: codec.UnitMET, Width: 1, Precision: 1}, Present: codec.Flag(ibdMetabolicEquivalent)},
		{Name: "elapsedTime", Def: scaled(u16, 1, codec.UnitSecond), Present: codec.Flag(ibdElapsedTime)},
		{Name: "remainingTime", Def: scaled(u16, 1, codec.UnitSecond), Present: codec.Flag(ibdRemainingTime)},
	},
}

// DecodeIndoorBikeData decodes an Indoor Bike Data payload
func DecodeIndoorBikeData(buf []byte) codec.Fields {
	return IndoorBikeDataSpec.Decode(buf)
}
