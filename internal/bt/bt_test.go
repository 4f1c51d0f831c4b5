package bt

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
)

type fakeAdapter struct {
	mu         sync.Mutex
	enabled    bool
	handler    func(bluetooth.Device, bool)
	scans      int
	stops      int
	stopCh     chan struct{}
	connectErr error
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{stopCh: make(chan struct{}, 8)}
}

func (a *fakeAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
	return nil
}

func (a *fakeAdapter) SetConnectHandler(c func(bluetooth.Device, bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = c
}

func (a *fakeAdapter) Scan(func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
	a.mu.Lock()
	a.scans++
	a.mu.Unlock()
	<-a.stopCh
	return nil
}

func (a *fakeAdapter) StopScan() error {
	a.mu.Lock()
	a.stops++
	a.mu.Unlock()
	a.stopCh <- struct{}{}
	return nil
}

func (a *fakeAdapter) Connect(bluetooth.Address, bluetooth.ConnectionParams) (bluetooth.Device, error) {
	return bluetooth.Device{}, a.connectErr
}

func (a *fakeAdapter) counts() (scans, stops int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scans, a.stops
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *fakeAdapter, *clock) {
	t.Helper()
	a := newFakeAdapter()
	m := NewManager(log.New(io.Discard, "", 0), a, 10*time.Second)
	c := &clock{now: time.Unix(1700000000, 0)}
	m.now = c.Now
	return m, a, c
}

const (
	powerService = gatt.ServiceUUIDCyclingPower
	hrService    = gatt.ServiceUUIDHeartRate
)

func newStreamFor(sub *subscription) *events.Stream[[]byte] {
	s := events.NewStream[[]byte](4, nil)
	sub.add(s)
	return s
}

func TestManager_ObserveFilter(t *testing.T) {
	m, _, _ := newTestManager(t)
	filter := map[string]struct{}{powerService: {}}

	assert.False(t, m.observe(Advertisement{Address: "AA", Services: []string{"1234"}}, filter))
	assert.True(t, m.observe(Advertisement{Address: "BB", Name: "KICKR", RSSI: -60, Services: []string{powerService}}, filter))
	assert.True(t, m.observe(Advertisement{Address: "CC"}, nil))

	_, ok := m.Device("AA")
	assert.False(t, ok)
	d, ok := m.Device("BB")
	require.True(t, ok)
	assert.Equal(t, "KICKR", d.LocalName())
	assert.Equal(t, "KICKR (BB) [RSSI: -60]", d.String())
	assert.Contains(t, d.Protocols(), gatt.ProtocolCyclingPower)
}

func TestManager_ObserveKeepsNameAndServices(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.observe(Advertisement{Address: "AA", Name: "H3", Services: []string{hrService}}, nil)
	m.observe(Advertisement{Address: "AA", RSSI: -40}, nil)

	d, _ := m.Device("AA")
	assert.Equal(t, "H3", d.LocalName())
	assert.Equal(t, int16(-40), d.RSSI())
	assert.Equal(t, []string{hrService}, d.ServiceUUIDs())
}

func TestManager_ScanDevicesAndPrune(t *testing.T) {
	m, _, c := newTestManager(t)
	m.observe(Advertisement{Address: "BB"}, nil)
	m.observe(Advertisement{Address: "AA"}, nil)

	list := m.ScanDevices()
	require.Len(t, list, 2)
	assert.Equal(t, "AA", list[0].Address())

	c.Advance(5 * time.Second)
	m.observe(Advertisement{Address: "AA"}, nil)
	c.Advance(6 * time.Second)

	list = m.ScanDevices()
	require.Len(t, list, 1)
	assert.Equal(t, "AA", list[0].Address())

	m.prune()
	_, ok := m.Device("BB")
	assert.False(t, ok)
	_, ok = m.Device("AA")
	assert.True(t, ok)
}

func TestManager_ConnectAndDisconnectSignal(t *testing.T) {
	m, a, c := newTestManager(t)
	require.NoError(t, m.Enable())
	assert.True(t, a.enabled)
	assert.NotNil(t, a.handler)

	_, err := m.Connect(context.Background(), "AA")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	m.observe(Advertisement{Address: "AA"}, nil)
	d, err := m.Connect(context.Background(), "AA")
	require.NoError(t, err)
	assert.True(t, d.IsConnected())
	assert.Equal(t, Connected, d.State())
	assert.Equal(t, []*Device{d}, m.ConnectedDevices())

	// connected devices survive pruning
	c.Advance(time.Minute)
	m.prune()
	_, ok := m.Device("AA")
	assert.True(t, ok)

	var dropped []string
	defer m.Disconnects().Connect(func(addr string) { dropped = append(dropped, addr) })()

	m.handleConnection("AA", nil, false)
	assert.Equal(t, []string{"AA"}, dropped)
	assert.False(t, d.IsConnected())
	assert.Equal(t, Disconnected, d.State())

	// a repeated report is not a second disconnect
	m.handleConnection("AA", nil, false)
	assert.Len(t, dropped, 1)
}

func TestManager_ConnectFailure(t *testing.T) {
	m, a, _ := newTestManager(t)
	a.connectErr = errors.New("timeout")
	m.observe(Advertisement{Address: "AA"}, nil)

	_, err := m.Connect(context.Background(), "AA")
	assert.ErrorIs(t, err, a.connectErr)
	d, _ := m.Device("AA")
	assert.Equal(t, Disconnected, d.State())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Connect(ctx, "AA")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_ScanLifecycle(t *testing.T) {
	m, a, _ := newTestManager(t)

	m.StartScan(nil)
	assert.True(t, m.IsScanning())
	assert.Eventually(t, func() bool { s, _ := a.counts(); return s == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.StopScan())
	assert.False(t, m.IsScanning())
	require.NoError(t, m.StopScan())
	_, stops := a.counts()
	assert.Equal(t, 1, stops)

	m.Shutdown()
}

func TestDevice_NotConnected(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.observe(Advertisement{Address: "AA"}, nil)
	d, _ := m.Device("AA")
	ctx := context.Background()
	id := gatt.CharacteristicID{Service: powerService, Characteristic: gatt.CharUUIDCyclingPowerMeasurement}

	_, err := d.Read(ctx, id)
	assert.ErrorIs(t, err, gatt.ErrNotConnected)
	assert.ErrorIs(t, d.Write(ctx, id, []byte{1}, true), gatt.ErrNotConnected)
	_, err = d.Subscribe(ctx, id)
	assert.ErrorIs(t, err, gatt.ErrNotConnected)
	assert.Equal(t, 0, d.subscriptions.Len())
}

func TestSubscription_FanOut(t *testing.T) {
	sub := newSubscription()
	ctx := context.Background()
	a := newStreamFor(sub)
	b := newStreamFor(sub)

	buf := []byte{1, 2, 3}
	sub.deliver(buf)
	buf[0] = 9

	got, err := a.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
	got, err = b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	assert.False(t, sub.remove(a))
	assert.True(t, sub.remove(b))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Unknown", State(9).String())
}
