package telemetry

import (
	"time"

	"github.com/lowaak/smart-trainer/trainer-link/internal/codec"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
)

// Record is one decoded update from one accessory characteristic
type Record struct {
	Address   string        `json:"address"`
	Protocol  gatt.Protocol `json:"-"`
	Source    string        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
	Fields    codec.Fields  `json:"fields"`
	Metrics   MetricData    `json:"metrics,omitempty"`
	// Payload carries bytes that have no field layout, such as decrypted
	// controller messages
	Payload []byte `json:"payload,omitempty"`
}

func NewRecord(address string, p gatt.Protocol, fields codec.Fields, at time.Time) Record {
	return Record{
		Address:   address,
		Protocol:  p,
		Source:    p.String(),
		Timestamp: at,
		Fields:    fields,
		Metrics:   Metrics(p, fields),
	}
}
