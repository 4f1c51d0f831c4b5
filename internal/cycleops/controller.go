package cycleops

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/goroutine"
)

// DefaultResendInterval is the minimum gap the trainer accepts between
// manual power targets
const DefaultResendInterval = 3000 * time.Millisecond

// ControlPoint is the CycleOps control characteristic
var ControlPoint = gatt.CharacteristicID{
	Service:        gatt.ServiceUUIDCycleOps,
	Characteristic: gatt.CharUUIDCycleOpsControlPoint,
}

// Controller rate limits power targets: the first target is written at once,
// later ones are held in a single slot and written by a repeating timer. The
// timer stops itself once a tick finds nothing pending.
type Controller struct {
	logger   *log.Logger
	writer   gatt.Writer
	interval time.Duration

	writeMu sync.Mutex

	mu         sync.Mutex
	pending    float64
	hasPending bool
	inFlight   int // writes started and not yet returned
	stopCh     chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewController(logger *log.Logger, writer gatt.Writer, interval time.Duration) *Controller {
	if logger == nil {
		panic("CycleOps Controller: logger cannot be nil")
	}
	if writer == nil {
		panic("CycleOps Controller: writer cannot be nil")
	}
	if interval <= 0 {
		interval = DefaultResendInterval
	}
	return &Controller{
		logger:   logger,
		writer:   writer,
		interval: interval,
	}
}

// SetTargetPower stores watts as the pending target. Without a running
// timer it is written immediately and the timer is started.
func (c *Controller) SetTargetPower(ctx context.Context, watts float64) error {
	c.mu.Lock()
	c.pending = watts
	c.hasPending = true
	if c.stopCh != nil {
		c.mu.Unlock()
		return nil
	}
	stop := make(chan struct{})
	timerCtx, cancel := context.WithCancel(context.Background())
	c.stopCh = stop
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.writePending(ctx); err != nil {
		c.StopTimer()
		return err
	}

	goroutine.SafeGoWG(c.logger, &c.wg, func() {
		c.resendLoop(timerCtx, stop)
	})
	return nil
}

func (c *Controller) resendLoop(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.stopCh != stop {
				c.mu.Unlock()
				return
			}
			if !c.hasPending {
				c.stopCh = nil
				c.cancel()
				c.cancel = nil
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

			if err := c.writePending(ctx); err != nil {
				c.logger.Printf("CycleOps: resend failed, stopping timer: %v", err)
				c.detach(stop)
				return
			}
		}
	}
}

// writePending writes the pending target unless a write is already in flight
func (c *Controller) writePending(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight > 0 || !c.hasPending {
		c.mu.Unlock()
		return nil
	}
	watts := c.pending
	c.hasPending = false
	c.inFlight++
	c.mu.Unlock()

	err := c.write(ctx, ManualPower(watts))

	c.mu.Lock()
	c.inFlight--
	if err != nil && !c.hasPending {
		// keep the target for a later manual retry
		c.pending = watts
		c.hasPending = true
	}
	c.mu.Unlock()
	return err
}

// write sends one frame. Frames go out one at a time.
func (c *Controller) write(ctx context.Context, cmd Command) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cycleops %s: %w", cmd.Mode, err)
	}
	frame := cmd.Encode()
	c.logger.Printf("CycleOps: tx %s [% X]", cmd.Mode, frame)
	if err := c.writer.Write(ctx, ControlPoint, frame, true); err != nil {
		return fmt.Errorf("cycleops %s: %w", cmd.Mode, err)
	}
	return nil
}

// detach forgets the timer identified by stop without waiting for it
func (c *Controller) detach(stop chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != stop {
		return
	}
	close(stop)
	c.cancel()
	c.stopCh = nil
	c.cancel = nil
}

// StopTimer stops the resend timer and waits for it to exit
func (c *Controller) StopTimer() {
	c.mu.Lock()
	stop := c.stopCh
	c.mu.Unlock()
	if stop != nil {
		c.detach(stop)
	}
	c.wg.Wait()
}

// TimerRunning reports whether the resend timer is active
func (c *Controller) TimerRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCh != nil
}

// Pending returns the target waiting for the next tick
func (c *Controller) Pending() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, c.hasPending
}

// setMode stops the power timer and writes cmd. While the mode write is in
// flight no power target is written; one already in flight finishes first.
func (c *Controller) setMode(ctx context.Context, cmd Command) error {
	c.StopTimer()
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()
	return c.write(ctx, cmd)
}

func (c *Controller) SetHeadless(ctx context.Context) error {
	return c.setMode(ctx, Headless())
}

func (c *Controller) SetManualSlope(ctx context.Context, riderWeight, grade float64) error {
	return c.setMode(ctx, ManualSlope(riderWeight, grade))
}

func (c *Controller) SetPowerRange(ctx context.Context, lower, upper float64) error {
	return c.setMode(ctx, PowerRange(lower, upper))
}

func (c *Controller) SetWarmUp(ctx context.Context) error {
	return c.setMode(ctx, WarmUp())
}

func (c *Controller) SetRollDown(ctx context.Context) error {
	return c.setMode(ctx, RollDown())
}

// HandleStatus decodes a control point notification
func (c *Controller) HandleStatus(buf []byte) (Status, bool) {
	s, ok := DecodeStatus(buf)
	if !ok {
		c.logger.Printf("CycleOps: ignoring status frame [% X]", buf)
		return s, false
	}
	if s.Status.IsRollDown() {
		c.logger.Printf("CycleOps: roll down %s", s.Status)
	} else {
		c.logger.Printf("CycleOps: %s speed %s", s.Mode, s.Status)
	}
	return s, true
}

// Close stops the timer and drops any pending target
func (c *Controller) Close() {
	c.StopTimer()
	c.mu.Lock()
	c.hasPending = false
	c.pending = 0
	c.mu.Unlock()
}
