package session

import (
	"errors"
	"fmt"
	"log"

	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/safemap"
	"github.com/lowaak/smart-trainer/trainer-link/internal/telemetry"
)

var (
	ErrSessionExists = errors.New("session already open")
	ErrNoProtocols   = errors.New("no protocol could be attached")
)

// Manager keeps one Session per connected accessory address and shares the
// telemetry and control feeds between them
type Manager struct {
	logger   *log.Logger
	cfg      Config
	records  *events.Feed[telemetry.Record]
	control  *events.Feed[ControlState]
	sessions *safemap.SafeMap[string, *Session]
}

func NewManager(logger *log.Logger, cfg Config) *Manager {
	if logger == nil {
		panic("Session Manager: logger cannot be nil")
	}
	return &Manager{
		logger:   logger,
		cfg:      cfg,
		records:  events.NewFeed[telemetry.Record](false),
		control:  events.NewFeed[ControlState](true),
		sessions: safemap.NewSafeMap[string, *Session](),
	}
}

func (m *Manager) Records() *events.Feed[telemetry.Record] {
	return m.records
}

func (m *Manager) Control() *events.Feed[ControlState] {
	return m.control
}

// Open creates the session for p and attaches protocols. Protocols that fail
// to attach are logged and skipped.
func (m *Manager) Open(p gatt.Peripheral, protocols []gatt.Protocol) (*Session, error) {
	address := p.Address()
	s := New(m.logger, p, m.cfg, m.records, m.control)
	if _, loaded := m.sessions.LoadOrStore(address, s); loaded {
		return nil, fmt.Errorf("%s: %w", address, ErrSessionExists)
	}

	attached := 0
	for _, proto := range protocols {
		if err := s.Attach(proto); err != nil {
			m.logger.Printf("Session Manager: %s: %v", address, err)
			continue
		}
		attached++
	}
	if attached == 0 {
		m.Close(address)
		return nil, fmt.Errorf("%s: %w", address, ErrNoProtocols)
	}
	s.publishControl()
	return s, nil
}

func (m *Manager) Get(address string) (*Session, bool) {
	return m.sessions.Load(address)
}

// Close tears down the session for address. Returns false if there was none.
func (m *Manager) Close(address string) bool {
	s, ok := m.sessions.LoadAndDelete(address)
	if !ok {
		return false
	}
	s.Close()
	return true
}

func (m *Manager) CloseAll() {
	for _, s := range m.sessions.Values() {
		m.Close(s.Address())
	}
}

func (m *Manager) Addresses() []string {
	return m.sessions.SortedKeys(func(a, b string) bool { return a < b })
}

// WatchDisconnects closes a session whenever sig reports its address. The
// returned function stops watching.
func (m *Manager) WatchDisconnects(sig *events.Signal[string]) func() {
	return sig.Connect(func(address string) {
		if m.Close(address) {
			m.logger.Printf("Session Manager: %s disconnected, session closed", address)
		}
	})
}
