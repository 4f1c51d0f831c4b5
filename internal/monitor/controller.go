package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/goroutine"
	"github.com/lowaak/smart-trainer/trainer-link/internal/session"
)

var ErrNoActiveTrainer = errors.New("no active trainer")

// Key step sizes
const (
	PowerStep      = 10.0
	GradeStep      = 0.5
	ResistanceStep = 5.0
)

// Devices is the BLE side the controller drives
type Devices interface {
	StartScan(serviceFilter []string)
	StopScan() error
	IsScanning() bool
	Connect(ctx context.Context, address string) (*bt.Device, error)
	Disconnect(address string) error
}

// Controller turns UI actions into BLE and session calls. Actions that touch
// the radio run one at a time on a worker goroutine, in the order given, so
// the UI never blocks on a write.
type Controller struct {
	logger   *log.Logger
	model    *Model
	devices  Devices
	sessions *session.Manager
	state    *State

	work   chan func(context.Context)
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(
	logger *log.Logger,
	model *Model,
	devices Devices,
	sessions *session.Manager,
	state *State,
) *Controller {
	if logger == nil {
		panic("Monitor Controller: logger cannot be nil")
	}
	if model == nil || devices == nil || sessions == nil || state == nil {
		panic("Monitor Controller: dependencies cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		logger:   logger,
		model:    model,
		devices:  devices,
		sessions: sessions,
		state:    state,
		work:     make(chan func(context.Context), 16),
		ctx:      ctx,
		cancel:   cancel,
	}
	goroutine.SafeGoWG(logger, &c.wg, c.runWorker)
	return c
}

func (c *Controller) runWorker() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.work:
			fn(c.ctx)
		}
	}
}

// enqueue hands fn to the worker, dropping it when the queue is full
func (c *Controller) enqueue(name string, fn func(context.Context)) {
	select {
	case c.work <- fn:
	default:
		c.logger.Printf("Monitor: busy, dropped %s", name)
	}
}

func (c *Controller) ToggleScan() {
	if c.devices.IsScanning() {
		if err := c.devices.StopScan(); err != nil {
			c.logger.Printf("Monitor: %v", err)
		}
		c.model.SetScanning(false)
		return
	}
	c.devices.StartScan(gatt.GetUniqueServiceUUIDs())
	c.model.SetScanning(true)
}

// Connect links to address and opens its session in the background
func (c *Controller) Connect(address string) {
	c.enqueue("connect", func(ctx context.Context) {
		if err := c.connect(ctx, address); err != nil {
			c.logger.Printf("Monitor: connect %s: %v", address, err)
		}
	})
}

func (c *Controller) connect(ctx context.Context, address string) error {
	if _, ok := c.sessions.Get(address); ok {
		c.model.SetActive(address)
		return nil
	}
	dev, err := c.devices.Connect(ctx, address)
	if err != nil {
		return err
	}
	return c.Attach(ctx, dev, dev.Protocols())
}

// Attach opens the session for a connected peripheral, makes it the active
// one and runs its connect sequences. Start failures are logged; the session
// stays open with whatever succeeded.
func (c *Controller) Attach(ctx context.Context, p gatt.Peripheral, protocols []gatt.Protocol) error {
	s, err := c.sessions.Open(p, protocols)
	if err != nil {
		return err
	}
	c.model.SetActive(p.Address())
	c.state.SetLastDevice(p.Address())
	c.logger.Printf("Monitor: %s session open with %v", p.Address(), s.Protocols())

	if err := s.Start(ctx); err != nil {
		c.logger.Printf("Monitor: %s start: %v", p.Address(), err)
	}
	return nil
}

func (c *Controller) DisconnectActive() {
	address := c.model.Active()
	if address == "" {
		c.logger.Printf("Monitor: %v", ErrNoActiveTrainer)
		return
	}
	c.enqueue("disconnect", func(context.Context) {
		c.sessions.Close(address)
		if err := c.devices.Disconnect(address); err != nil {
			c.logger.Printf("Monitor: %v", err)
		}
	})
}

func (c *Controller) active() (*session.Session, error) {
	address := c.model.Active()
	if address == "" {
		return nil, ErrNoActiveTrainer
	}
	s, ok := c.sessions.Get(address)
	if !ok {
		return nil, fmt.Errorf("%s: %w", address, ErrNoActiveTrainer)
	}
	return s, nil
}

func (c *Controller) applyTarget(name string, set func(context.Context, *session.Session) error) {
	c.enqueue(name, func(ctx context.Context) {
		s, err := c.active()
		if err == nil {
			err = set(ctx, s)
		}
		if err != nil {
			c.logger.Printf("Monitor: %s: %v", name, err)
		}
	})
}

func (c *Controller) AdjustPower(steps float64) {
	watts := c.model.AdjustPower(steps * PowerStep)
	c.applyTarget("target power", func(ctx context.Context, s *session.Session) error {
		return s.SetTargetPower(ctx, watts)
	})
}

func (c *Controller) AdjustGrade(steps float64) {
	grade := c.model.AdjustGrade(steps * GradeStep)
	c.applyTarget("grade", func(ctx context.Context, s *session.Session) error {
		return s.SetGrade(ctx, grade)
	})
}

func (c *Controller) AdjustResistance(steps float64) {
	pct := c.model.AdjustResistance(steps * ResistanceStep)
	c.applyTarget("resistance", func(ctx context.Context, s *session.Session) error {
		return s.SetResistance(ctx, pct)
	})
}

// AutoConnect connects to address the first time it shows up in a scan
// list. An empty address falls back to the last device saved in State.
func (c *Controller) AutoConnect(address string, scans <-chan []DeviceRow) {
	if address == "" {
		address = c.state.LastDevice()
	}
	if address == "" {
		return
	}
	c.logger.Printf("Monitor: waiting for %s", address)
	goroutine.SafeGoWG(c.logger, &c.wg, func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case rows, ok := <-scans:
				if !ok {
					return
				}
				for _, row := range rows {
					if row.Address == address && row.State == bt.Disconnected.String() {
						c.Connect(address)
						return
					}
				}
			}
		}
	})
}

func (c *Controller) Shutdown() {
	c.cancel()
	c.wg.Wait()
}
