// Package bt scans for, connects to and talks to BLE accessories through
// tinygo.org/x/bluetooth. A connected Device is a gatt.Peripheral.
package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/goroutine"
	"github.com/lowaak/smart-trainer/trainer-link/internal/safemap"
)

var (
	ErrUnknownDevice          = errors.New("device not found")
	ErrCharacteristicNotFound = errors.New("characteristic not found")
)

const DefaultScanTimeout = 10 * time.Second

// Adapter is the part of *bluetooth.Adapter the manager drives
type Adapter interface {
	Enable() error
	SetConnectHandler(c func(device bluetooth.Device, connected bool))
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
	Connect(address bluetooth.Address, params bluetooth.ConnectionParams) (bluetooth.Device, error)
}

var _ Adapter = (*bluetooth.Adapter)(nil)

// Manager tracks scanned devices and their connections
type Manager struct {
	logger      *log.Logger
	adapter     Adapter
	scanTimeout time.Duration
	now         func() time.Time

	devices     *safemap.SafeMap[string, *Device]
	deviceList  *events.Feed[[]*Device]
	connected   *events.Feed[[]*Device]
	disconnects *events.Signal[string]

	mu         sync.Mutex
	scanning   bool
	scanCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(logger *log.Logger, adapter Adapter, scanTimeout time.Duration) *Manager {
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	if adapter == nil {
		panic("BTManager: adapter cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:      logger,
		adapter:     adapter,
		scanTimeout: scanTimeout,
		now:         time.Now,
		devices:     safemap.NewSafeMap[string, *Device](),
		deviceList:  events.NewFeed[[]*Device](true),
		connected:   events.NewFeed[[]*Device](true),
		disconnects: events.NewSignal[string](),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// DeviceList publishes the recently scanned devices once a second while scanning
func (m *Manager) DeviceList() *events.Feed[[]*Device] {
	return m.deviceList
}

// Connected publishes the connected devices whenever a link comes or goes
func (m *Manager) Connected() *events.Feed[[]*Device] {
	return m.connected
}

// Disconnects is raised with the address of every device whose link drops,
// after its subscriptions have been closed
func (m *Manager) Disconnects() *events.Signal[string] {
	return m.disconnects
}

func (m *Manager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		dev := device
		m.handleConnection(device.Address.String(), &dev, connected)
	})
	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}
	return nil
}

func (m *Manager) handleConnection(address string, conn *bluetooth.Device, connected bool) {
	d, ok := m.devices.Load(address)
	if !ok {
		if !connected {
			return
		}
		d, _ = m.devices.LoadOrStore(address, newDevice(m.logger, Advertisement{Address: address}))
	}

	if connected {
		m.logger.Printf("BTManager: device connected: %s", address)
		if !d.IsConnected() {
			d.setConnected(conn)
		}
	} else {
		wasConnected := d.IsConnected()
		m.logger.Printf("BTManager: device disconnected: %s", address)
		d.setDisconnected()
		if wasConnected {
			m.disconnects.Raise(address)
		}
	}
	m.connected.Publish(m.ConnectedDevices())
}

// StartScan scans until StopScan, keeping devices that advertise one of
// serviceFilter. A nil filter keeps everything.
func (m *Manager) StartScan(serviceFilter []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scanning && m.scanCancel != nil {
		m.logger.Printf("BTManager: restarting scan")
		m.scanCancel()
		if err := m.adapter.StopScan(); err != nil {
			m.logger.Printf("BTManager: stop previous scan: %v", err)
		}
	}

	filter := make(map[string]struct{}, len(serviceFilter))
	for _, uuid := range serviceFilter {
		filter[uuid] = struct{}{}
	}

	var ctx context.Context
	ctx, m.scanCancel = context.WithCancel(m.ctx)
	m.scanning = true
	m.logger.Printf("BTManager: starting scan (filter: %d services)", len(filter))

	goroutine.SafeGoWG(m.logger, &m.wg, func() {
		err := m.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if ctx.Err() != nil {
				return
			}
			m.observe(advertisementOf(result), filter)
		})
		if err != nil {
			m.logger.Printf("BTManager: scan error: %v", err)
		}
	})

	goroutine.SafeGoWG(m.logger, &m.wg, func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.prune()
				m.deviceList.Publish(m.ScanDevices())
			}
		}
	})
}

func advertisementOf(result bluetooth.ScanResult) Advertisement {
	uuids := result.ServiceUUIDs()
	services := make([]string, 0, len(uuids))
	for _, u := range uuids {
		services = append(services, u.String())
	}
	return Advertisement{
		Address:  result.Address.String(),
		Name:     result.LocalName(),
		RSSI:     result.RSSI,
		Services: services,
		address:  result.Address,
	}
}

// observe records one advertisement. It reports whether the device passed
// the filter.
func (m *Manager) observe(adv Advertisement, filter map[string]struct{}) bool {
	if len(filter) > 0 {
		found := false
		for _, uuid := range adv.Services {
			if _, ok := filter[uuid]; ok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	d, loaded := m.devices.LoadOrStore(adv.Address, newDevice(m.logger, adv))
	d.observe(adv, m.now())
	if !loaded {
		m.logger.Printf("BTManager: found device: %s", d)
	}
	return true
}

// prune forgets devices that have not advertised within the scan timeout,
// unless they are connected
func (m *Manager) prune() {
	now := m.now()
	for _, d := range m.devices.Values() {
		if d.IsConnected() || d.State() == Connecting {
			continue
		}
		if now.Sub(d.LastSeen()) > m.scanTimeout {
			m.devices.Delete(d.Address())
			m.logger.Printf("BTManager: device timeout: %s (not seen for %v)", d.Address(), m.scanTimeout)
		}
	}
}

func (m *Manager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanning {
		return nil
	}
	m.scanning = false
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	if err := m.adapter.StopScan(); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	return nil
}

func (m *Manager) IsScanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

func (m *Manager) Device(address string) (*Device, bool) {
	return m.devices.Load(address)
}

// ScanDevices lists devices seen within the scan timeout, by address
func (m *Manager) ScanDevices() []*Device {
	now := m.now()
	return m.sorted(func(d *Device) bool {
		return now.Sub(d.LastSeen()) <= m.scanTimeout
	})
}

func (m *Manager) ConnectedDevices() []*Device {
	return m.sorted((*Device).IsConnected)
}

func (m *Manager) sorted(keep func(*Device) bool) []*Device {
	var out []*Device
	for _, d := range m.devices.Values() {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// Connect opens a link to a scanned device. The adapter call itself cannot
// be cancelled, so ctx is only checked before it starts.
func (m *Manager) Connect(ctx context.Context, address string) (*Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, ok := m.devices.Load(address)
	if !ok {
		return nil, fmt.Errorf("%s: %w", address, ErrUnknownDevice)
	}
	if d.IsConnected() {
		return d, nil
	}

	m.logger.Printf("BTManager: connecting to %s", d)
	d.setState(Connecting)
	conn, err := m.adapter.Connect(d.addr, bluetooth.ConnectionParams{})
	if err != nil {
		d.setState(Disconnected)
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	m.handleConnection(address, &conn, true)
	return d, nil
}

func (m *Manager) Disconnect(address string) error {
	d, ok := m.devices.Load(address)
	if !ok {
		return fmt.Errorf("%s: %w", address, ErrUnknownDevice)
	}
	conn, err := d.connection()
	if err != nil {
		return nil // already down
	}
	m.logger.Printf("BTManager: disconnecting from %s", address)
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", address, err)
	}
	// Not every platform reports our own disconnects through the handler
	m.handleConnection(address, nil, false)
	return nil
}

// Shutdown disconnects everything, stops scanning and waits for the scan
// goroutines
func (m *Manager) Shutdown() {
	m.logger.Printf("BTManager: shutting down")
	for _, d := range m.ConnectedDevices() {
		if err := m.Disconnect(d.Address()); err != nil {
			m.logger.Printf("BTManager: %v", err)
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Printf("BTManager: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Printf("BTManager: shutdown complete")
}
