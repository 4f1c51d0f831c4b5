package cycleops

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

	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt/gatttest"
)

func TestCommand_Encode(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want []byte
	}{
		{"headless", Headless(), []byte{0x00, 0x10, 0x00, 0, 0, 0, 0, 0, 0, 0}},
		{"manual power", ManualPower(250), []byte{0x00, 0x10, 0x01, 0xFA, 0x00, 0, 0, 0, 0, 0}},
		{"negative power clamps", ManualPower(-20), []byte{0x00, 0x10, 0x01, 0, 0, 0, 0, 0, 0, 0}},
		{"slope", ManualSlope(80, 5), []byte{0x00, 0x10, 0x02, 0x50, 0x00, 0x05, 0x00, 0, 0, 0}},
		{"descent", ManualSlope(80, -3), []byte{0x00, 0x10, 0x02, 0x50, 0x00, 0xFD, 0xFF, 0, 0, 0}},
		{"power range", PowerRange(100, 300), []byte{0x00, 0x10, 0x03, 0x64, 0x00, 0x2C, 0x01, 0, 0, 0}},
		{"warm up", WarmUp(), []byte{0x00, 0x10, 0x04, 0, 0, 0, 0, 0, 0, 0}},
		{"roll down", RollDown(), []byte{0x00, 0x10, 0x05, 0, 0, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmd.Encode())
		})
	}
}

func TestDecodeStatus(t *testing.T) {
	s, ok := DecodeStatus([]byte{0x01, 0x00, 0x00, 0x10, 0x01, 0xC8, 0x00, 0x00, 0x00, 0x02})
	require.True(t, ok)
	assert.Equal(t, Status{
		ResponseCode: 1,
		Mode:         ModeManualPower,
		Param1:       200,
		Status:       StatusSpeedDown,
	}, s)
	assert.Equal(t, "speedDown", s.Status.String())
	assert.False(t, s.Status.IsRollDown())

	s, ok = DecodeStatus([]byte{0x00, 0x00, 0x00, 0x10, 0x05, 0, 0, 0, 0, 0x05, 0xAA})
	require.True(t, ok, "trailing bytes are ignored")
	assert.True(t, s.Status.IsRollDown())
	assert.Equal(t, "passed", s.Status.String())

	rejected := map[string][]byte{
		"short":          {0x00, 0x00, 0x00, 0x10, 0x01, 0, 0, 0, 0},
		"wrong id":       {0x00, 0x00, 0x00, 0x11, 0x01, 0, 0, 0, 0, 0},
		"unknown mode":   {0x00, 0x00, 0x00, 0x10, 0x09, 0, 0, 0, 0, 0},
		"unknown status": {0x00, 0x00, 0x00, 0x10, 0x01, 0, 0, 0, 0, 0x07},
	}
	for name, buf := range rejected {
		_, ok := DecodeStatus(buf)
		assert.False(t, ok, name)
	}
}

func newTestController(t *testing.T, interval time.Duration) (*Controller, *gatttest.Peripheral) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	p := gatttest.New(logger, "00:11:22:33:44:03", gatt.ServiceUUIDCycleOps)
	c := NewController(logger, p, interval)
	t.Cleanup(c.Close)
	return c, p
}

func TestController_TargetsWithinIntervalWriteOnce(t *testing.T) {
	c, p := newTestController(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.SetTargetPower(ctx, 200))
	require.NoError(t, c.SetTargetPower(ctx, 210))

	writes := p.WritesTo(ControlPoint)
	require.Len(t, writes, 1)
	assert.Equal(t, ManualPower(200).Encode(), writes[0])
	assert.True(t, c.TimerRunning())

	watts, ok := c.Pending()
	assert.True(t, ok)
	assert.Equal(t, 210.0, watts)
}

func TestController_TickFlushesLatestThenStops(t *testing.T) {
	c, p := newTestController(t, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.SetTargetPower(ctx, 150))
	require.NoError(t, c.SetTargetPower(ctx, 160))
	require.NoError(t, c.SetTargetPower(ctx, 170))

	require.True(t, p.WaitForWrites(2, time.Second))
	assert.Eventually(t, func() bool { return !c.TimerRunning() }, time.Second, 5*time.Millisecond)

	writes := p.WritesTo(ControlPoint)
	require.Len(t, writes, 2)
	assert.Equal(t, ManualPower(170).Encode(), writes[1])
	_, ok := c.Pending()
	assert.False(t, ok)

	// idle again, so the next target goes out immediately
	require.NoError(t, c.SetTargetPower(ctx, 180))
	assert.Len(t, p.WritesTo(ControlPoint), 3)
}

func TestController_TransportErrorStopsTimer(t *testing.T) {
	c, p := newTestController(t, time.Hour)
	boom := errors.New("link lost")
	p.FailNextWrite(boom)

	err := c.SetTargetPower(context.Background(), 200)
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.TimerRunning())

	watts, ok := c.Pending()
	assert.True(t, ok, "failed target is kept")
	assert.Equal(t, 200.0, watts)
}

func TestController_ModeChangeStopsTimer(t *testing.T) {
	c, p := newTestController(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.SetTargetPower(ctx, 200))
	require.True(t, c.TimerRunning())

	require.NoError(t, c.SetManualSlope(ctx, 80, 2))
	assert.False(t, c.TimerRunning())

	require.NoError(t, c.SetRollDown(ctx))
	require.NoError(t, c.SetHeadless(ctx))
	require.NoError(t, c.SetWarmUp(ctx))
	require.NoError(t, c.SetPowerRange(ctx, 100, 200))

	writes := p.WritesTo(ControlPoint)
	require.Len(t, writes, 6)
	modes := make([]byte, 0, len(writes))
	for _, w := range writes {
		modes = append(modes, w[2])
	}
	assert.Equal(t, []byte{0x01, 0x02, 0x05, 0x00, 0x04, 0x03}, modes)
}

// gatedWriter holds every write until gate is closed and records how many
// were in progress at once
type gatedWriter struct {
	gate    chan struct{}
	started chan []byte

	mu        sync.Mutex
	active    int
	maxActive int
}

func (w *gatedWriter) Write(_ context.Context, _ gatt.CharacteristicID, data []byte, _ bool) error {
	w.mu.Lock()
	w.active++
	w.maxActive = max(w.maxActive, w.active)
	w.mu.Unlock()

	w.started <- append([]byte(nil), data...)
	<-w.gate

	w.mu.Lock()
	w.active--
	w.mu.Unlock()
	return nil
}

func TestController_ModeWriteWaitsForPowerWrite(t *testing.T) {
	w := &gatedWriter{gate: make(chan struct{}), started: make(chan []byte, 4)}
	c := NewController(log.New(io.Discard, "", 0), w, time.Hour)
	t.Cleanup(c.Close)
	ctx := context.Background()

	powerDone := make(chan error, 1)
	go func() { powerDone <- c.SetTargetPower(ctx, 200) }()
	first := <-w.started
	assert.Equal(t, byte(0x01), first[2])

	slopeDone := make(chan error, 1)
	go func() { slopeDone <- c.SetManualSlope(ctx, 80, 2) }()

	select {
	case frame := <-w.started:
		t.Fatalf("mode write [% X] overlapped the power write", frame)
	case <-time.After(50 * time.Millisecond):
	}

	close(w.gate)
	require.NoError(t, <-powerDone)
	require.NoError(t, <-slopeDone)

	second := <-w.started
	assert.Equal(t, byte(0x02), second[2])
	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, 1, w.maxActive)
}

func TestController_WriteAfterCancel(t *testing.T) {
	c, p := newTestController(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.SetManualSlope(ctx, 80, 2), context.Canceled)
	assert.ErrorIs(t, c.SetTargetPower(ctx, 200), context.Canceled)
	assert.Empty(t, p.WritesTo(ControlPoint))
	assert.False(t, c.TimerRunning())
}

func TestController_CloseDiscardsPending(t *testing.T) {
	c, p := newTestController(t, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.SetTargetPower(ctx, 200))
	require.NoError(t, c.SetTargetPower(ctx, 300))
	c.Close()

	assert.False(t, c.TimerRunning())
	_, ok := c.Pending()
	assert.False(t, ok)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, p.WritesTo(ControlPoint), 1)
}

func TestController_HandleStatus(t *testing.T) {
	c, _ := newTestController(t, time.Hour)

	s, ok := c.HandleStatus([]byte{0x00, 0x00, 0x00, 0x10, 0x05, 0, 0, 0, 0, 0x04})
	require.True(t, ok)
	assert.Equal(t, StatusRollDownInProcess, s.Status)

	_, ok = c.HandleStatus([]byte{0x01})
	assert.False(t, ok)
}

func TestNewController_NilLoggerPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewController(nil, nil, 0)
	})
}
