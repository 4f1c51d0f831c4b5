package telemetry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-link/internal/cadence"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
)

func TestDecodePowerMeasurement_PedalBalance(t *testing.T) {
	fields := DecodePowerMeasurement([]byte{0x01, 0x00, 0x32, 0x00, 0x64})

	assert.Equal(t, []string{"flags", "power", "pedalPowerBalance"}, fields.Names())
	assert.Equal(t, map[string]float64{"flags": 1, "power": 50, "pedalPowerBalance": 50}, fields.Map())
}

func TestDecodePowerMeasurement_WheelAndCrank(t *testing.T) {
	buf := []byte{0x30, 0x00, 0x21, 0x00, 0x2A, 0x00, 0x00, 0x00, 0xC4, 0x60, 0x12, 0x00, 0xF7, 0x04}
	fields := DecodePowerMeasurement(buf)

	want := map[string]float64{
		"flags":                      48,
		"power":                      33,
		"cumulativeWheelRevolutions": 42,
		"lastWheelEventTime":         24772.0 / 2048,
		"cumulativeCrankRevolutions": 18,
		"lastCrankEventTime":         1271.0 / 1024,
	}
	assert.Equal(t, want, fields.Map())
}

func TestDecodePowerMeasurement_ShortBufferStops(t *testing.T) {
	// crank flag set but only three of the six wheel bytes present
	fields := DecodePowerMeasurement([]byte{0x30, 0x00, 0x21, 0x00, 0x2A, 0x00, 0x00})
	assert.Equal(t, []string{"flags", "power"}, fields.Names())

	assert.Equal(t, 0, DecodePowerMeasurement(nil).Len())
	assert.Equal(t, []string{"flags"}, DecodePowerMeasurement([]byte{0x00, 0x00, 0x01}).Names())
}

func TestDecodePowerMeasurement_ExtremeAngles(t *testing.T) {
	fields := DecodePowerMeasurement([]byte{0x00, 0x01, 0x00, 0x00, 0x5A, 0xE0, 0x10})

	maxAngle, ok := fields.Get("maximumAngle")
	require.True(t, ok)
	assert.Equal(t, 90.0, maxAngle)
	minAngle, ok := fields.Get("minimumAngle")
	require.True(t, ok)
	assert.Equal(t, 270.0, minAngle)
}

func TestDecodePowerMeasurement_Idempotent(t *testing.T) {
	buf := []byte{0x30, 0x00, 0x21, 0x00, 0x2A, 0x00, 0x00, 0x00, 0xC4, 0x60, 0x12, 0x00, 0xF7, 0x04}
	assert.Equal(t, DecodePowerMeasurement(buf), DecodePowerMeasurement(buf))
	assert.Equal(t, DecodeIndoorBikeData(buf), DecodeIndoorBikeData(buf))
}

func crankFrame(revs uint16, ticks uint16) []byte {
	return []byte{0x20, 0x00, 0x64, 0x00, byte(revs), byte(revs >> 8), byte(ticks), byte(ticks >> 8)}
}

func TestPowerMeter_Cadence(t *testing.T) {
	m := NewPowerMeter(cadence.LearnerConfig{})

	first := m.Decode(crankFrame(10, 1024))
	c, ok := first.Get("cadence")
	require.True(t, ok)
	assert.Equal(t, 0.0, c)

	second := m.Decode(crankFrame(11, 2048))
	c, _ = second.Get("cadence")
	assert.Equal(t, 60.0, c)

	power, _ := second.Get("power")
	assert.Equal(t, 100.0, power)

	withoutCrank := m.Decode([]byte{0x00, 0x00, 0x64, 0x00})
	assert.False(t, withoutCrank.Has("cadence"))
}

func TestPowerMeter_LearnsDebounceWindow(t *testing.T) {
	m := NewPowerMeter(cadence.LearnerConfig{Cutoff: 3, MaxStill: 2 * time.Second})
	clock := time.Unix(0, 0)
	m.now = func() time.Time {
		clock = clock.Add(250 * time.Millisecond)
		return clock
	}

	for i := 0; i < 3; i++ {
		m.Decode(crankFrame(uint16(10+i), uint16(1024*(i+1))))
	}

	window, done := m.DebounceWindow()
	require.True(t, done)
	assert.Equal(t, 3, window)
	assert.Equal(t, 3, m.crank.MaxRateCount())
}

func TestDecodeIndoorBikeData(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want map[string]float64
	}{
		{
			name: "speed cadence power",
			buf:  []byte{0x44, 0x00, 0xC4, 0x09, 0xA0, 0x00, 0x64, 0x00},
			want: map[string]float64{"flags": 68, "instantaneousSpeed": 25, "instantaneousCadence": 80, "instantaneousPower": 100},
		},
		{
			name: "more data bit hides speed",
			buf:  []byte{0x41, 0x00, 0x64, 0x00},
			want: map[string]float64{"flags": 65, "instantaneousPower": 100},
		},
		{
			name: "negative resistance",
			buf:  []byte{0x21, 0x00, 0xF6, 0xFF},
			want: map[string]float64{"flags": 33, "resistanceLevel": -10},
		},
		{
			name: "energy block",
			buf:  []byte{0x01, 0x01, 0x10, 0x00, 0x20, 0x00, 0x03},
			want: map[string]float64{"flags": 257, "totalEnergy": 16, "energyPerHour": 32, "energyPerMinute": 3},
		},
		{
			name: "truncated energy block dropped whole",
			buf:  []byte{0x01, 0x01, 0x10, 0x00, 0x20, 0x00},
			want: map[string]float64{"flags": 257},
		},
		{
			name: "metabolic equivalent",
			buf:  []byte{0x01, 0x04, 0x2D},
			want: map[string]float64{"flags": 1025, "metabolicEquivalent": 4.5},
		},
		{
			name: "distance and times",
			buf:  []byte{0x11, 0x18, 0x10, 0x27, 0x00, 0x3C, 0x00, 0x78, 0x00},
			want: map[string]float64{"flags": 0x1811, "totalDistance": 10000, "elapsedTime": 60, "remainingTime": 120},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeIndoorBikeData(tt.buf).Map())
		})
	}
}

func TestDecodeHeartRate(t *testing.T) {
	assert.Equal(t, map[string]float64{"flags": 0, "heartRate": 72}, DecodeHeartRate([]byte{0x00, 0x48}).Map())
	assert.Equal(t, map[string]float64{"flags": 1, "heartRate": 300}, DecodeHeartRate([]byte{0x01, 0x2C, 0x01}).Map())
	assert.Equal(t,
		map[string]float64{"flags": 8, "heartRate": 80, "energyExpended": 16},
		DecodeHeartRate([]byte{0x08, 0x50, 0x10, 0x00}).Map())
	assert.Equal(t, []string{"flags"}, DecodeHeartRate([]byte{0x01, 0x2C}).Names())
}

func cscFrame(wheelRevs uint32, wheelTicks uint16, crankRevs uint16, crankTicks uint16) []byte {
	return []byte{
		0x03,
		byte(wheelRevs), byte(wheelRevs >> 8), byte(wheelRevs >> 16), byte(wheelRevs >> 24),
		byte(wheelTicks), byte(wheelTicks >> 8),
		byte(crankRevs), byte(crankRevs >> 8),
		byte(crankTicks), byte(crankTicks >> 8),
	}
}

func TestSpeedCadence(t *testing.T) {
	sc := NewSpeedCadence(0)

	first := sc.Decode(cscFrame(100, 1024, 10, 1024))
	speed, ok := first.Get("speed")
	require.True(t, ok)
	assert.Equal(t, 0.0, speed)

	second := sc.Decode(cscFrame(102, 2048, 11, 2048))
	speed, _ = second.Get("speed")
	assert.Equal(t, 15.38, speed)
	rpm, _ := second.Get("cadence")
	assert.Equal(t, 60.0, rpm)

	sc.Reset()
	third := sc.Decode(cscFrame(104, 3072, 12, 3072))
	speed, _ = third.Get("speed")
	assert.Equal(t, 0.0, speed)
}

func TestMetrics(t *testing.T) {
	fields := DecodeIndoorBikeData([]byte{0x44, 0x00, 0xC4, 0x09, 0xA0, 0x00, 0x64, 0x00})
	metrics := Metrics(gatt.ProtocolIndoorBike, fields)

	assert.Equal(t, MetricData{
		MetricInstantaneousSpeed:   25,
		MetricInstantaneousCadence: 80,
		MetricInstantaneousPower:   100,
	}, metrics)

	hr := Metrics(gatt.ProtocolHeartRate, DecodeHeartRate([]byte{0x00, 0x48}))
	assert.Equal(t, MetricData{MetricHeartRate: 72}, hr)

	for _, id := range MetricOrder {
		_, ok := GetMetricInfo(id)
		assert.True(t, ok, "missing info for %s", id)
	}
}

func TestRecord_JSON(t *testing.T) {
	fields := DecodePowerMeasurement([]byte{0x01, 0x00, 0x32, 0x00, 0x64})
	rec := NewRecord("AA:BB", gatt.ProtocolCyclingPower, fields, time.Unix(0, 0).UTC())

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"source":"cycling_power"`)
	assert.Contains(t, string(data), `"fields":{"flags":1,"power":50,"pedalPowerBalance":50}`)
	assert.Equal(t, 50.0, rec.Metrics[MetricInstantaneousPower])
}
