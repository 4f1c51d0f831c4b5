// Package gatttest provides an in-memory gatt.Peripheral for tests
package gatttest

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
)

// WrittenValue records a value written to a characteristic
type WrittenValue struct {
	Timestamp          time.Time `json:"timestamp"`
	ServiceUUID        string    `json:"serviceUuid"`
	CharacteristicUUID string    `json:"characteristicUuid"`
	Data               []byte    `json:"data"`
	DataHex            string    `json:"dataHex"`
	Ack                bool      `json:"ack"`
}

// Responder produces the reply a device sends after a write. A nil reply
// sends nothing.
type Responder func(data []byte) []byte

type responder struct {
	on gatt.CharacteristicID
	fn Responder
}

// Peripheral implements gatt.Peripheral without Bluetooth hardware
type Peripheral struct {
	logger  *log.Logger
	address string

	mu         sync.Mutex
	services   map[string]bool
	reads      map[gatt.CharacteristicID][]byte
	readErr    error
	writeErrs  []error
	responders map[gatt.CharacteristicID]responder
	subs       map[gatt.CharacteristicID]map[*events.Stream[[]byte]]struct{}

	writesMu sync.Mutex
	writes   []WrittenValue
	writeCh  chan struct{}
}

var _ gatt.Peripheral = (*Peripheral)(nil)

// New creates a fake device exposing serviceUUIDs
func New(logger *log.Logger, address string, serviceUUIDs ...string) *Peripheral {
	if logger == nil {
		panic("gatttest.Peripheral: logger cannot be nil")
	}
	p := &Peripheral{
		logger:     logger,
		address:    address,
		services:   make(map[string]bool),
		reads:      make(map[gatt.CharacteristicID][]byte),
		responders: make(map[gatt.CharacteristicID]responder),
		subs:       make(map[gatt.CharacteristicID]map[*events.Stream[[]byte]]struct{}),
		writeCh:    make(chan struct{}, 1),
	}
	for _, u := range serviceUUIDs {
		p.services[u] = true
	}
	return p
}

func (p *Peripheral) Address() string {
	return p.address
}

// SetRead scripts the bytes returned by Read for id
func (p *Peripheral) SetRead(id gatt.CharacteristicID, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads[id] = append([]byte(nil), data...)
}

// FailReads makes every Read return err until called with nil
func (p *Peripheral) FailReads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

// FailNextWrite queues err for the next Write. Calls stack in order.
func (p *Peripheral) FailNextWrite(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErrs = append(p.writeErrs, err)
}

// Respond installs fn as the device behaviour for writes to id. Its reply is
// notified on the characteristic on, as a control point indication would be.
func (p *Peripheral) Respond(id, on gatt.CharacteristicID, fn Responder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responders[id] = responder{on: on, fn: fn}
}

func (p *Peripheral) hasService(uuid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.services[uuid]
}

func (p *Peripheral) Read(ctx context.Context, id gatt.CharacteristicID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return nil, p.readErr
	}
	if !p.services[id.Service] {
		return nil, fmt.Errorf("service not supported by this device: %s", id.Service)
	}
	data, ok := p.reads[id]
	if !ok {
		return nil, fmt.Errorf("unknown service/characteristic: %s", id)
	}
	return append([]byte(nil), data...), nil
}

func (p *Peripheral) Write(ctx context.Context, id gatt.CharacteristicID, data []byte, ack bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.hasService(id.Service) {
		return fmt.Errorf("service not supported by this device: %s", id.Service)
	}

	p.mu.Lock()
	var failure error
	if len(p.writeErrs) > 0 {
		failure = p.writeErrs[0]
		p.writeErrs = p.writeErrs[1:]
	}
	r, hasResponder := p.responders[id]
	p.mu.Unlock()

	if failure != nil {
		p.logger.Printf("gatttest: write to %s failed: %v", id, failure)
		return failure
	}

	copied := append([]byte(nil), data...)
	p.writesMu.Lock()
	p.writes = append(p.writes, WrittenValue{
		Timestamp:          time.Now(),
		ServiceUUID:        id.Service,
		CharacteristicUUID: id.Characteristic,
		Data:               copied,
		DataHex:            hex.EncodeToString(copied),
		Ack:                ack,
	})
	p.writesMu.Unlock()
	select {
	case p.writeCh <- struct{}{}:
	default:
	}

	if hasResponder && r.fn != nil {
		if reply := r.fn(copied); reply != nil {
			if ack {
				// the reply must be readable once an acknowledged write returns
				p.SetRead(r.on, reply)
			}
			p.Notify(r.on, reply)
		}
	}
	return nil
}

func (p *Peripheral) Subscribe(ctx context.Context, id gatt.CharacteristicID) (*events.Stream[[]byte], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !p.hasService(id.Service) {
		return nil, fmt.Errorf("service not supported by this device: %s", id.Service)
	}

	var stream *events.Stream[[]byte]
	stream = events.NewStream[[]byte](events.DefaultStreamBuffer, func() {
		p.mu.Lock()
		delete(p.subs[id], stream)
		p.mu.Unlock()
	})

	p.mu.Lock()
	if p.subs[id] == nil {
		p.subs[id] = make(map[*events.Stream[[]byte]]struct{})
	}
	p.subs[id][stream] = struct{}{}
	p.mu.Unlock()
	return stream, nil
}

// Notify delivers data to every open subscription on id and returns how many
// received it
func (p *Peripheral) Notify(id gatt.CharacteristicID, data []byte) int {
	p.mu.Lock()
	targets := make([]*events.Stream[[]byte], 0, len(p.subs[id]))
	for s := range p.subs[id] {
		targets = append(targets, s)
	}
	p.mu.Unlock()

	delivered := 0
	for _, s := range targets {
		if s.Push(append([]byte(nil), data...)) {
			delivered++
		}
	}
	return delivered
}

// SubscriptionCount returns the number of open subscriptions on id
func (p *Peripheral) SubscriptionCount(id gatt.CharacteristicID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[id])
}

// Writes returns a copy of all recorded writes
func (p *Peripheral) Writes() []WrittenValue {
	p.writesMu.Lock()
	defer p.writesMu.Unlock()
	out := make([]WrittenValue, len(p.writes))
	copy(out, p.writes)
	return out
}

// WritesTo returns the payloads written to id, in order
func (p *Peripheral) WritesTo(id gatt.CharacteristicID) [][]byte {
	var out [][]byte
	for _, w := range p.Writes() {
		if w.ServiceUUID == id.Service && w.CharacteristicUUID == id.Characteristic {
			out = append(out, w.Data)
		}
	}
	return out
}

// WaitForWrites blocks until at least n writes have been recorded or timeout
// elapses. Returns whether n was reached.
func (p *Peripheral) WaitForWrites(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		p.writesMu.Lock()
		count := len(p.writes)
		p.writesMu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-p.writeCh:
		case <-deadline.C:
			return false
		}
	}
}

// Reset forgets recorded writes
func (p *Peripheral) Reset() {
	p.writesMu.Lock()
	defer p.writesMu.Unlock()
	p.writes = nil
}

// FTMSResponder answers every control point write with success, as a trainer
// that accepts all commands does
func FTMSResponder(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return []byte{0x80, data[0], 0x01}
}
