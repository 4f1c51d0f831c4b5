package gatt

import "strings"

// Bluetooth SIG service and characteristic UUIDs
const (
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"

	ServiceUUIDCyclingSpeedCadence = "00001816-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCMeasurement         = "00002a5b-0000-1000-8000-00805f9b34fb"

	ServiceUUIDCyclingPower         = "00001818-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerMeasurement = "00002a63-0000-1000-8000-00805f9b34fb"

	ServiceUUIDFTMS             = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData      = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint    = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSFeature         = "00002acc-0000-1000-8000-00805f9b34fb"
	CharUUIDSupportedPowerRange = "00002ad8-0000-1000-8000-00805f9b34fb"
)

// Vendor UUIDs
const (
	// Wahoo trainer extension, lives inside the Cycling Power service
	CharUUIDWahooControlPoint = "a026e005-0a7d-4ab3-97fa-f1500f9feb8b"

	ServiceUUIDCycleOps          = "c0f4013a-a837-4165-bab9-654ef70747c6"
	CharUUIDCycleOpsControlPoint = "ca31a533-a858-4dc7-a650-fdeb6dad4c14"

	ServiceUUIDZwift          = "00000001-19ca-4651-86e5-fa29dcdd09d1"
	CharUUIDZwiftMeasurement  = "00000002-19ca-4651-86e5-fa29dcdd09d1"
	CharUUIDZwiftControlPoint = "00000003-19ca-4651-86e5-fa29dcdd09d1"
	CharUUIDZwiftResponse     = "00000004-19ca-4651-86e5-fa29dcdd09d1"
)

// Protocol is the closed set of payload formats this module understands.
// It is chosen once per characteristic when a subscription starts.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolCyclingPower
	ProtocolIndoorBike
	ProtocolHeartRate
	ProtocolSpeedCadence
	ProtocolFitnessControl
	ProtocolWahoo
	ProtocolCycleOps
	ProtocolZwift
)

var protocolNames = map[Protocol]string{
	ProtocolUnknown:        "unknown",
	ProtocolCyclingPower:   "cycling_power",
	ProtocolIndoorBike:     "indoor_bike",
	ProtocolHeartRate:      "heart_rate",
	ProtocolSpeedCadence:   "speed_cadence",
	ProtocolFitnessControl: "fitness_control",
	ProtocolWahoo:          "wahoo",
	ProtocolCycleOps:       "cycleops",
	ProtocolZwift:          "zwift",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return "unknown"
}

// IsControl reports whether the protocol accepts trainer commands
func (p Protocol) IsControl() bool {
	switch p {
	case ProtocolFitnessControl, ProtocolWahoo, ProtocolCycleOps:
		return true
	default:
		return false
	}
}

// CharacteristicMode defines how we interact with a characteristic
type CharacteristicMode int

const (
	ModeNotify CharacteristicMode = iota // Subscribe to notifications
	ModeRead                             // One-time read
	ModeWrite                            // Write commands, responses arrive as indications
)

// DataStreamID uniquely identifies a data stream
type DataStreamID string

const (
	StreamHeartRate           DataStreamID = "heart_rate"
	StreamSpeedCadence        DataStreamID = "speed_cadence"
	StreamCyclingPower        DataStreamID = "cycling_power"
	StreamIndoorBikeData      DataStreamID = "indoor_bike_data"
	StreamFTMSControl         DataStreamID = "ftms_control"
	StreamSupportedPowerRange DataStreamID = "supported_power_range"
	StreamWahooControl        DataStreamID = "wahoo_control"
	StreamCycleOpsControl     DataStreamID = "cycleops_control"
	StreamZwiftMeasurement    DataStreamID = "zwift_measurement"
	StreamZwiftControl        DataStreamID = "zwift_control"
)

// DataStream binds a characteristic to the protocol that understands it
type DataStream struct {
	ID          DataStreamID
	DisplayName string
	Char        CharacteristicID
	Mode        CharacteristicMode
	Protocol    Protocol
}

// AllDataStreams is the static registry, matched by exact UUID
var AllDataStreams = []DataStream{
	{
		ID:          StreamHeartRate,
		DisplayName: "Heart Rate",
		Char:        CharacteristicID{ServiceUUIDHeartRate, CharUUIDHeartRateMeasurement},
		Mode:        ModeNotify,
		Protocol:    ProtocolHeartRate,
	},
	{
		ID:          StreamSpeedCadence,
		DisplayName: "Speed & Cadence",
		Char:        CharacteristicID{ServiceUUIDCyclingSpeedCadence, CharUUIDCSCMeasurement},
		Mode:        ModeNotify,
		Protocol:    ProtocolSpeedCadence,
	},
	{
		ID:          StreamCyclingPower,
		DisplayName: "Cycling Power",
		Char:        CharacteristicID{ServiceUUIDCyclingPower, CharUUIDCyclingPowerMeasurement},
		Mode:        ModeNotify,
		Protocol:    ProtocolCyclingPower,
	},
	{
		ID:          StreamIndoorBikeData,
		DisplayName: "Indoor Bike Data",
		Char:        CharacteristicID{ServiceUUIDFTMS, CharUUIDIndoorBikeData},
		Mode:        ModeNotify,
		Protocol:    ProtocolIndoorBike,
	},
	{
		ID:          StreamFTMSControl,
		DisplayName: "FTMS Control",
		Char:        CharacteristicID{ServiceUUIDFTMS, CharUUIDFTMSControlPoint},
		Mode:        ModeWrite,
		Protocol:    ProtocolFitnessControl,
	},
	{
		ID:          StreamSupportedPowerRange,
		DisplayName: "Power Range",
		Char:        CharacteristicID{ServiceUUIDFTMS, CharUUIDSupportedPowerRange},
		Mode:        ModeRead,
		Protocol:    ProtocolFitnessControl,
	},
	{
		ID:          StreamWahooControl,
		DisplayName: "Wahoo Control",
		Char:        CharacteristicID{ServiceUUIDCyclingPower, CharUUIDWahooControlPoint},
		Mode:        ModeWrite,
		Protocol:    ProtocolWahoo,
	},
	{
		ID:          StreamCycleOpsControl,
		DisplayName: "CycleOps Control",
		Char:        CharacteristicID{ServiceUUIDCycleOps, CharUUIDCycleOpsControlPoint},
		Mode:        ModeWrite,
		Protocol:    ProtocolCycleOps,
	},
	{
		ID:          StreamZwiftMeasurement,
		DisplayName: "Zwift Measurement",
		Char:        CharacteristicID{ServiceUUIDZwift, CharUUIDZwiftMeasurement},
		Mode:        ModeNotify,
		Protocol:    ProtocolZwift,
	},
	{
		ID:          StreamZwiftControl,
		DisplayName: "Zwift Control",
		Char:        CharacteristicID{ServiceUUIDZwift, CharUUIDZwiftControlPoint},
		Mode:        ModeWrite,
		Protocol:    ProtocolZwift,
	},
}

// GetStreamByID returns a stream by its ID
func GetStreamByID(id DataStreamID) (DataStream, bool) {
	for _, s := range AllDataStreams {
		if s.ID == id {
			return s, true
		}
	}
	return DataStream{}, false
}

// ProtocolFor returns the protocol registered for a characteristic
func ProtocolFor(id CharacteristicID) Protocol {
	id = CharacteristicID{normalize(id.Service), normalize(id.Characteristic)}
	for _, s := range AllDataStreams {
		if s.Char == id {
			return s.Protocol
		}
	}
	return ProtocolUnknown
}

// StreamsForProtocol returns every registered stream of a protocol
func StreamsForProtocol(p Protocol) []DataStream {
	var result []DataStream
	for _, s := range AllDataStreams {
		if s.Protocol == p {
			result = append(result, s)
		}
	}
	return result
}

// PrimaryStream returns the stream a session subscribes to for p: the
// notify stream for telemetry protocols, the control point otherwise.
func PrimaryStream(p Protocol) (DataStream, bool) {
	var fallback *DataStream
	for i, s := range AllDataStreams {
		if s.Protocol != p {
			continue
		}
		if s.Mode == ModeNotify {
			return s, true
		}
		if s.Mode == ModeWrite && fallback == nil {
			fallback = &AllDataStreams[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return DataStream{}, false
}

// ProtocolsForServices lists the protocols a device advertising serviceUUIDs
// can take part in. Vendor characteristics that share a standard service
// (Wahoo inside Cycling Power) are included and resolved on subscribe.
func ProtocolsForServices(serviceUUIDs []string) []Protocol {
	advertised := make(map[string]bool, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		advertised[normalize(u)] = true
	}
	seen := make(map[Protocol]bool)
	var result []Protocol
	for _, s := range AllDataStreams {
		if !advertised[s.Char.Service] || seen[s.Protocol] {
			continue
		}
		seen[s.Protocol] = true
		result = append(result, s.Protocol)
	}
	return result
}

// GetUniqueServiceUUIDs returns a deduplicated list of service UUIDs for scan filtering
func GetUniqueServiceUUIDs() []string {
	seen := make(map[string]bool)
	var result []string
	for _, s := range AllDataStreams {
		if !seen[s.Char.Service] {
			seen[s.Char.Service] = true
			result = append(result, s.Char.Service)
		}
	}
	return result
}

func normalize(uuid string) string {
	return strings.ToLower(uuid)
}
