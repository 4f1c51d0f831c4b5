package telemetry

import (
	"github.com/lowaak/smart-trainer/trainer-link/internal/codec"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
)

// MetricID identifies an individual displayable metric value.
// A single characteristic can carry several metrics, e.g. Indoor Bike Data
// has speed, cadence and power.
type MetricID string

const (
	MetricHeartRate            MetricID = "heart_rate"
	MetricInstantaneousPower   MetricID = "instantaneous_power"
	MetricAveragePower         MetricID = "average_power"
	MetricInstantaneousSpeed   MetricID = "instantaneous_speed"
	MetricAverageSpeed         MetricID = "average_speed"
	MetricInstantaneousCadence MetricID = "instantaneous_cadence"
	MetricAverageCadence       MetricID = "average_cadence"
	MetricTotalDistance        MetricID = "total_distance"
	MetricResistanceLevel      MetricID = "resistance_level"
	MetricTotalEnergy          MetricID = "total_energy"
	MetricEnergyPerHour        MetricID = "energy_per_hour"
	MetricEnergyPerMinute      MetricID = "energy_per_minute"
	MetricMetabolicEquivalent  MetricID = "metabolic_equivalent"
	MetricElapsedTime          MetricID = "elapsed_time"
	MetricRemainingTime        MetricID = "remaining_time"
	MetricPedalBalance         MetricID = "pedal_balance"
	MetricAccumulatedEnergy    MetricID = "accumulated_energy"
)

// MetricData maps metrics to their current values
type MetricData map[MetricID]float64

// MetricInfo contains display information for a metric
type MetricInfo struct {
	ID          MetricID
	DisplayName string
	Unit        string
	FormatStr   string // Printf format string for the value
}

// MetricOrder is the order metrics are listed in displays
var MetricOrder = []MetricID{
	MetricInstantaneousPower,
	MetricInstantaneousCadence,
	MetricInstantaneousSpeed,
	MetricHeartRate,
	MetricAveragePower,
	MetricAverageCadence,
	MetricAverageSpeed,
	MetricPedalBalance,
	MetricResistanceLevel,
	MetricTotalDistance,
	MetricTotalEnergy,
	MetricAccumulatedEnergy,
	MetricEnergyPerHour,
	MetricEnergyPerMinute,
	MetricMetabolicEquivalent,
	MetricElapsedTime,
	MetricRemainingTime,
}

var allMetrics = map[MetricID]MetricInfo{
	MetricHeartRate:            {MetricHeartRate, "Heart Rate", "bpm", "%.0f"},
	MetricInstantaneousPower:   {MetricInstantaneousPower, "Power", "W", "%.0f"},
	MetricAveragePower:         {MetricAveragePower, "Avg Power", "W", "%.0f"},
	MetricInstantaneousSpeed:   {MetricInstantaneousSpeed, "Speed", "km/h", "%.1f"},
	MetricAverageSpeed:         {MetricAverageSpeed, "Avg Speed", "km/h", "%.1f"},
	MetricInstantaneousCadence: {MetricInstantaneousCadence, "Cadence", "rpm", "%.0f"},
	MetricAverageCadence:       {MetricAverageCadence, "Avg Cadence", "rpm", "%.0f"},
	MetricTotalDistance:        {MetricTotalDistance, "Distance", "m", "%.0f"},
	MetricResistanceLevel:      {MetricResistanceLevel, "Resistance", "", "%.0f"},
	MetricTotalEnergy:          {MetricTotalEnergy, "Energy", "kcal", "%.0f"},
	MetricEnergyPerHour:        {MetricEnergyPerHour, "Energy/hr", "kcal/h", "%.0f"},
	MetricEnergyPerMinute:      {MetricEnergyPerMinute, "Energy/min", "kcal/min", "%.0f"},
	MetricMetabolicEquivalent:  {MetricMetabolicEquivalent, "MET", "", "%.1f"},
	MetricElapsedTime:          {MetricElapsedTime, "Elapsed", "s", "%.0f"},
	MetricRemainingTime:        {MetricRemainingTime, "Remaining", "s", "%.0f"},
	MetricPedalBalance:         {MetricPedalBalance, "Balance", "%", "%.1f"},
	MetricAccumulatedEnergy:    {MetricAccumulatedEnergy, "Work", "kJ", "%.0f"},
}

// GetMetricInfo returns the metadata for a given metric ID
func GetMetricInfo(id MetricID) (MetricInfo, bool) {
	info, ok := allMetrics[id]
	return info, ok
}

// field names shared by several decoders
var commonFieldMetrics = map[string]MetricID{
	"heartRate": MetricHeartRate,
	"cadence":   MetricInstantaneousCadence,
}

var protocolFieldMetrics = map[gatt.Protocol]map[string]MetricID{
	gatt.ProtocolCyclingPower: {
		"power":             MetricInstantaneousPower,
		"pedalPowerBalance": MetricPedalBalance,
		"accumulatedEnergy": MetricAccumulatedEnergy,
	},
	gatt.ProtocolIndoorBike: {
		"instantaneousSpeed":   MetricInstantaneousSpeed,
		"averageSpeed":         MetricAverageSpeed,
		"instantaneousCadence": MetricInstantaneousCadence,
		"averageCadence":       MetricAverageCadence,
		"totalDistance":        MetricTotalDistance,
		"resistanceLevel":      MetricResistanceLevel,
		"instantaneousPower":   MetricInstantaneousPower,
		"averagePower":         MetricAveragePower,
		"totalEnergy":          MetricTotalEnergy,
		"energyPerHour":        MetricEnergyPerHour,
		"energyPerMinute":      MetricEnergyPerMinute,
		"metabolicEquivalent":  MetricMetabolicEquivalent,
		"elapsedTime":          MetricElapsedTime,
		"remainingTime":        MetricRemainingTime,
	},
	gatt.ProtocolSpeedCadence: {
		"speed": MetricInstantaneousSpeed,
	},
}

// Metrics picks the displayable metrics out of decoded fields
func Metrics(p gatt.Protocol, fields codec.Fields) MetricData {
	out := make(MetricData)
	byName := protocolFieldMetrics[p]
	for _, name := range fields.Names() {
		id, ok := byName[name]
		if !ok {
			id, ok = commonFieldMetrics[name]
		}
		if !ok {
			continue
		}
		v, _ := fields.Get(name)
		out[id] = v
	}
	return out
}
