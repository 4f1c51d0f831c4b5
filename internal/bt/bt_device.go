package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/safemap"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// maxReadSize is the largest attribute value BLE allows
const maxReadSize = 512

// Advertisement is what a scan reports about one device
type Advertisement struct {
	Address  string
	Name     string
	RSSI     int16
	Services []string

	address bluetooth.Address
}

// Device is a scanned BLE accessory. Once connected it is a gatt.Peripheral.
type Device struct {
	logger  *log.Logger
	address string
	addr    bluetooth.Address

	mu       sync.RWMutex
	name     string
	rssi     int16
	lastSeen time.Time
	services []string
	conn     *bluetooth.Device
	state    State

	// bleMu serialises discovery, reads, writes and notification changes
	bleMu                 sync.Mutex
	serviceByUUID         *safemap.SafeMap[string, *bluetooth.DeviceService]
	characteristicByID    *safemap.SafeMap[gatt.CharacteristicID, *bluetooth.DeviceCharacteristic]
	serviceCharsFound     *safemap.SafeMap[string, bool]
	allServicesDiscovered bool

	subscriptions *safemap.SafeMap[gatt.CharacteristicID, *subscription]
}

var _ gatt.Peripheral = (*Device)(nil)

func newDevice(logger *log.Logger, adv Advertisement) *Device {
	if logger == nil {
		panic("BTDevice: logger cannot be nil")
	}
	d := &Device{
		logger:             logger,
		address:            adv.Address,
		addr:               adv.address,
		name:               "Unknown",
		serviceByUUID:      safemap.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByID: safemap.NewSafeMap[gatt.CharacteristicID, *bluetooth.DeviceCharacteristic](),
		serviceCharsFound:  safemap.NewSafeMap[string, bool](),
		subscriptions:      safemap.NewSafeMap[gatt.CharacteristicID, *subscription](),
	}
	return d
}

func (d *Device) Address() string {
	return d.address
}

func (d *Device) LocalName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.name
}

func (d *Device) RSSI() int16 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

func (d *Device) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

func (d *Device) ServiceUUIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.services...)
}

// Protocols lists what the advertised services allow a session to attach
func (d *Device) Protocols() []gatt.Protocol {
	return gatt.ProtocolsForServices(d.ServiceUUIDs())
}

func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Device) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conn != nil
}

func (d *Device) String() string {
	return fmt.Sprintf("%s (%s) [RSSI: %d]", d.LocalName(), d.address, d.RSSI())
}

func (d *Device) observe(adv Advertisement, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if adv.Name != "" {
		d.name = adv.Name
	}
	d.rssi = adv.RSSI
	d.lastSeen = at
	if len(adv.Services) > 0 {
		d.services = append([]string(nil), adv.Services...)
	}
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Device) setConnected(conn *bluetooth.Device) {
	d.mu.Lock()
	d.conn = conn
	d.state = Connected
	d.mu.Unlock()
}

// setDisconnected drops the link, ends every open subscription and forgets
// discovered handles, which are not valid on the next connection
func (d *Device) setDisconnected() {
	d.mu.Lock()
	d.conn = nil
	d.state = Disconnected
	d.mu.Unlock()

	for _, sub := range d.subscriptions.Values() {
		sub.closeAll()
	}
	d.subscriptions.Clear()

	d.bleMu.Lock()
	d.serviceByUUID.Clear()
	d.characteristicByID.Clear()
	d.serviceCharsFound.Clear()
	d.allServicesDiscovered = false
	d.bleMu.Unlock()
}

func (d *Device) connection() (*bluetooth.Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.conn == nil {
		return nil, fmt.Errorf("%s: %w", d.address, gatt.ErrNotConnected)
	}
	return d.conn, nil
}

func (d *Device) Read(ctx context.Context, id gatt.CharacteristicID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	c, err := d.characteristic(id)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, maxReadSize)
	n, err := c.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	return buf[:n], nil
}

func (d *Device) Write(ctx context.Context, id gatt.CharacteristicID, data []byte, ack bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	c, err := d.characteristic(id)
	if err != nil {
		return err
	}
	if ack {
		_, err = c.Write(data)
	} else {
		_, err = c.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	return nil
}

// Subscribe enables notifications on the first subscriber and fans updates
// out to every open stream. Closing the last stream disables notifications.
func (d *Device) Subscribe(ctx context.Context, id gatt.CharacteristicID) (*events.Stream[[]byte], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub, loaded := d.subscriptions.LoadOrStore(id, newSubscription())
	if !loaded {
		if err := d.enableNotifications(id, sub.deliver); err != nil {
			d.subscriptions.Delete(id)
			return nil, err
		}
	}

	var stream *events.Stream[[]byte]
	stream = events.NewStream[[]byte](events.DefaultStreamBuffer, func() {
		if sub.remove(stream) {
			d.unsubscribe(id, sub)
		}
	})
	sub.add(stream)
	return stream, nil
}

func (d *Device) unsubscribe(id gatt.CharacteristicID, sub *subscription) {
	if cur, ok := d.subscriptions.Load(id); !ok || cur != sub {
		return
	}
	d.subscriptions.Delete(id)
	if !d.IsConnected() {
		return
	}
	if err := d.enableNotifications(id, nil); err != nil {
		d.logger.Printf("BTDevice: disable notifications on %s: %v", id, err)
	}
}

func (d *Device) enableNotifications(id gatt.CharacteristicID, fn func([]byte)) error {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	c, err := d.characteristic(id)
	if err != nil {
		return err
	}
	if err := c.EnableNotifications(fn); err != nil {
		return fmt.Errorf("notifications on %s: %w", id, err)
	}
	if fn != nil {
		d.logger.Printf("BTDevice: notifications enabled for %s", id.Characteristic)
	}
	return nil
}

// characteristic resolves id from the cache, discovering all services and
// then all of a service's characteristics at most once per connection.
// Discovering one service at a time interrupts services already in use.
// Callers hold bleMu.
func (d *Device) characteristic(id gatt.CharacteristicID) (*bluetooth.DeviceCharacteristic, error) {
	if c, ok := d.characteristicByID.Load(id); ok {
		return c, nil
	}
	conn, err := d.connection()
	if err != nil {
		return nil, err
	}

	if !d.allServicesDiscovered {
		d.logger.Printf("BTDevice: discovering services on %s", d.address)
		services, err := conn.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("discover services: %w", err)
		}
		for i := range services {
			d.serviceByUUID.Store(services[i].UUID().String(), &services[i])
		}
		d.allServicesDiscovered = true
	}

	if found, _ := d.serviceCharsFound.Load(id.Service); !found {
		svc, ok := d.serviceByUUID.Load(id.Service)
		if !ok {
			return nil, fmt.Errorf("service %s not found on %s", id.Service, d.address)
		}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics of %s: %w", id.Service, err)
		}
		for i := range chars {
			key := gatt.CharacteristicID{Service: id.Service, Characteristic: chars[i].UUID().String()}
			d.characteristicByID.Store(key, &chars[i])
		}
		d.serviceCharsFound.Store(id.Service, true)
	}

	c, ok := d.characteristicByID.Load(id)
	if !ok {
		return nil, fmt.Errorf("characteristic %s: %w", id, ErrCharacteristicNotFound)
	}
	return c, nil
}

// subscription is the set of streams fed by one characteristic's notifications
type subscription struct {
	mu      sync.Mutex
	streams map[*events.Stream[[]byte]]struct{}
}

func newSubscription() *subscription {
	return &subscription{streams: make(map[*events.Stream[[]byte]]struct{})}
}

func (s *subscription) add(stream *events.Stream[[]byte]) {
	s.mu.Lock()
	s.streams[stream] = struct{}{}
	s.mu.Unlock()
}

// remove reports whether stream was the last one
func (s *subscription) remove(stream *events.Stream[[]byte]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, stream)
	return len(s.streams) == 0
}

func (s *subscription) snapshot() []*events.Stream[[]byte] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*events.Stream[[]byte], 0, len(s.streams))
	for st := range s.streams {
		out = append(out, st)
	}
	return out
}

// deliver is the notification callback. The BLE stack reuses buf.
func (s *subscription) deliver(buf []byte) {
	for _, st := range s.snapshot() {
		st.Push(append([]byte(nil), buf...))
	}
}

func (s *subscription) closeAll() {
	for _, st := range s.snapshot() {
		st.Close()
	}
}
