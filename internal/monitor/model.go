// Package monitor is the terminal front end: a Model fed by the BLE and
// session feeds, a Controller that turns key presses into session calls and
// a tview View that renders Model snapshots.
package monitor

import (
	"sort"
	"sync"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/session"
	"github.com/lowaak/smart-trainer/trainer-link/internal/telemetry"
)

// Target limits the keys can reach
const (
	MaxTargetPower = 2000.0
	MinGrade       = -25.0
	MaxGrade       = 25.0
	MaxResistance  = 100.0
)

type DeviceRow struct {
	Address   string
	Name      string
	RSSI      int16
	State     string
	Protocols []string
}

// Targets are the last values the rider asked for
type Targets struct {
	Power      float64
	Grade      float64
	Resistance float64
}

// Snapshot is everything a view needs to draw one frame
type Snapshot struct {
	Scanning  bool
	Devices   []DeviceRow
	Active    string
	Telemetry []telemetry.Record // latest per address and source, sorted
	Control   []session.ControlState
	Targets   Targets
}

type Model struct {
	mu        sync.Mutex
	scanning  bool
	devices   []DeviceRow
	active    string
	telemetry map[string]telemetry.Record
	control   map[string]session.ControlState
	targets   Targets

	changes *events.Feed[Snapshot]
}

func NewModel() *Model {
	return &Model{
		telemetry: make(map[string]telemetry.Record),
		control:   make(map[string]session.ControlState),
		targets:   Targets{Power: 100},
		changes:   events.NewFeed[Snapshot](true),
	}
}

// Changes publishes a snapshot after every update
func (m *Model) Changes() *events.Feed[Snapshot] {
	return m.changes
}

// update runs fn under the lock and then publishes the new snapshot
func (m *Model) update(fn func()) {
	m.mu.Lock()
	fn()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.changes.Publish(snap)
}

func (m *Model) SetScanning(on bool) {
	m.update(func() { m.scanning = on })
}

func (m *Model) SetDevices(rows []DeviceRow) {
	m.update(func() { m.devices = append([]DeviceRow(nil), rows...) })
}

func (m *Model) SetActive(address string) {
	m.update(func() { m.active = address })
}

func (m *Model) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func recordKey(rec telemetry.Record) string {
	return rec.Address + "/" + rec.Source
}

func (m *Model) ApplyRecord(rec telemetry.Record) {
	m.update(func() { m.telemetry[recordKey(rec)] = rec })
}

// ApplyControl stores st. A closed session is dropped with its telemetry,
// and stops being the active one.
func (m *Model) ApplyControl(st session.ControlState) {
	m.update(func() {
		if !st.Closed {
			m.control[st.Address] = st
			return
		}
		delete(m.control, st.Address)
		for key, rec := range m.telemetry {
			if rec.Address == st.Address {
				delete(m.telemetry, key)
			}
		}
		if m.active == st.Address {
			m.active = ""
		}
	})
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

// AdjustPower moves the power target by delta and returns the new value
func (m *Model) AdjustPower(delta float64) float64 {
	var v float64
	m.update(func() {
		m.targets.Power = clamp(m.targets.Power+delta, 0, MaxTargetPower)
		v = m.targets.Power
	})
	return v
}

func (m *Model) AdjustGrade(delta float64) float64 {
	var v float64
	m.update(func() {
		m.targets.Grade = clamp(m.targets.Grade+delta, MinGrade, MaxGrade)
		v = m.targets.Grade
	})
	return v
}

func (m *Model) AdjustResistance(delta float64) float64 {
	var v float64
	m.update(func() {
		m.targets.Resistance = clamp(m.targets.Resistance+delta, 0, MaxResistance)
		v = m.targets.Resistance
	})
	return v
}

func (m *Model) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Model) snapshotLocked() Snapshot {
	snap := Snapshot{
		Scanning: m.scanning,
		Devices:  append([]DeviceRow(nil), m.devices...),
		Active:   m.active,
		Targets:  m.targets,
	}
	for _, rec := range m.telemetry {
		snap.Telemetry = append(snap.Telemetry, rec)
	}
	sort.Slice(snap.Telemetry, func(i, j int) bool {
		return recordKey(snap.Telemetry[i]) < recordKey(snap.Telemetry[j])
	})
	for _, st := range m.control {
		snap.Control = append(snap.Control, st)
	}
	sort.Slice(snap.Control, func(i, j int) bool { return snap.Control[i].Address < snap.Control[j].Address })
	return snap
}

// DeviceRows merges scanned and connected devices, connected ones first
func DeviceRows(scanned, connected []*bt.Device) []DeviceRow {
	seen := make(map[string]bool)
	var rows []DeviceRow
	add := func(d *bt.Device) {
		if seen[d.Address()] {
			return
		}
		seen[d.Address()] = true
		row := DeviceRow{
			Address: d.Address(),
			Name:    d.LocalName(),
			RSSI:    d.RSSI(),
			State:   d.State().String(),
		}
		for _, p := range d.Protocols() {
			row.Protocols = append(row.Protocols, p.String())
		}
		rows = append(rows, row)
	}
	for _, d := range connected {
		add(d)
	}
	for _, d := range scanned {
		add(d)
	}
	return rows
}
