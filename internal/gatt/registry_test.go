package gatt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolFor(t *testing.T) {
	tests := []struct {
		name string
		id   CharacteristicID
		want Protocol
	}{
		{"power", CharacteristicID{ServiceUUIDCyclingPower, CharUUIDCyclingPowerMeasurement}, ProtocolCyclingPower},
		{"wahoo shares the power service", CharacteristicID{ServiceUUIDCyclingPower, CharUUIDWahooControlPoint}, ProtocolWahoo},
		{"indoor bike", CharacteristicID{ServiceUUIDFTMS, CharUUIDIndoorBikeData}, ProtocolIndoorBike},
		{"ftms control", CharacteristicID{ServiceUUIDFTMS, CharUUIDFTMSControlPoint}, ProtocolFitnessControl},
		{"cycleops", CharacteristicID{ServiceUUIDCycleOps, CharUUIDCycleOpsControlPoint}, ProtocolCycleOps},
		{"zwift", CharacteristicID{ServiceUUIDZwift, CharUUIDZwiftMeasurement}, ProtocolZwift},
		{"upper case", CharacteristicID{strings.ToUpper(ServiceUUIDHeartRate), strings.ToUpper(CharUUIDHeartRateMeasurement)}, ProtocolHeartRate},
		{"wrong service", CharacteristicID{ServiceUUIDFTMS, CharUUIDCyclingPowerMeasurement}, ProtocolUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ProtocolFor(tt.id))
		})
	}
}

func TestProtocolsForServices(t *testing.T) {
	got := ProtocolsForServices([]string{ServiceUUIDCyclingPower, ServiceUUIDFTMS})
	assert.Equal(t, []Protocol{ProtocolCyclingPower, ProtocolIndoorBike, ProtocolFitnessControl, ProtocolWahoo}, got)

	assert.Empty(t, ProtocolsForServices([]string{"0000ffff-0000-1000-8000-00805f9b34fb"}))
}

func TestPrimaryStream(t *testing.T) {
	s, ok := PrimaryStream(ProtocolZwift)
	require.True(t, ok)
	assert.Equal(t, StreamZwiftMeasurement, s.ID)

	s, ok = PrimaryStream(ProtocolWahoo)
	require.True(t, ok)
	assert.Equal(t, StreamWahooControl, s.ID)

	_, ok = PrimaryStream(ProtocolUnknown)
	assert.False(t, ok)
}

func TestGetStreamByID(t *testing.T) {
	s, ok := GetStreamByID(StreamCycleOpsControl)
	require.True(t, ok)
	assert.Equal(t, CharUUIDCycleOpsControlPoint, s.Char.Characteristic)

	_, ok = GetStreamByID("nope")
	assert.False(t, ok)
}

func TestGetUniqueServiceUUIDs(t *testing.T) {
	services := GetUniqueServiceUUIDs()
	assert.Len(t, services, 6)
	assert.Contains(t, services, ServiceUUIDZwift)
}

func TestProtocolString(t *testing.T) {
	assert.Equal(t, "cycleops", ProtocolCycleOps.String())
	assert.Equal(t, "unknown", Protocol(99).String())
	assert.True(t, ProtocolWahoo.IsControl())
	assert.False(t, ProtocolZwift.IsControl())
}
