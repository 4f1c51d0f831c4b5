package wahoo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-link/internal/codec"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
)

// ErrSimModeRejected is returned when the trainer refuses sim mode twice
var ErrSimModeRejected = errors.New("trainer rejected sim mode")

// ControlPoint is the Wahoo extension characteristic
var ControlPoint = gatt.CharacteristicID{
	Service:        gatt.ServiceUUIDCyclingPower,
	Characteristic: gatt.CharUUIDWahooControlPoint,
}

// Mode is the trainer's current control mode
type Mode int

const (
	ModeSim Mode = iota
	ModeErg
	ModeResistance
	ModeVirtualGear
)

func (m Mode) String() string {
	switch m {
	case ModeSim:
		return "sim"
	case ModeErg:
		return "erg"
	case ModeResistance:
		return "resistance"
	case ModeVirtualGear:
		return "virtualGear"
	default:
		return "unknown"
	}
}

const DefaultBootstrapDelay = 1000 * time.Millisecond

type Config struct {
	RiderWeight        float64 // kg
	BikeWeight         float64 // kg
	WheelCircumference float64 // mm, 0 uses the frame default
	BootstrapDelay     time.Duration
}

// SimulationParams is a simulation update. An absent grade means flat.
type SimulationParams struct {
	Grade codec.Option[float64]
}

// ControlState summarises the controller for display
type ControlState struct {
	Mode   Mode
	Locked bool
	Queued bool
}

// Controller drives one trainer's extension characteristic.
//
// Switching into sim mode takes a round trip: while the setSimMode response is
// outstanding the controller is locked and grade updates wait in a single slot,
// newest first. The response unlocks it and flushes the slot.
type Controller struct {
	logger *log.Logger
	writer gatt.Writer
	cfg    Config

	mu      sync.Mutex
	mode    Mode
	locked  bool
	queued  *SimulationParams
	retried bool

	writeMu sync.Mutex
}

func NewController(logger *log.Logger, writer gatt.Writer, cfg Config) *Controller {
	if logger == nil {
		panic("Wahoo Controller: logger cannot be nil")
	}
	if writer == nil {
		panic("Wahoo Controller: writer cannot be nil")
	}
	if cfg.BootstrapDelay <= 0 {
		cfg.BootstrapDelay = DefaultBootstrapDelay
	}
	if cfg.WheelCircumference <= 0 {
		cfg.WheelCircumference = circumferenceDef.Default
	}
	return &Controller{
		logger: logger,
		writer: writer,
		cfg:    cfg,
		mode:   ModeSim,
	}
}

func (c *Controller) send(ctx context.Context, cmd Command) error {
	frame, err := Encode(cmd)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wahoo %s: %w", cmd.Op, err)
	}

	c.logger.Printf("Wahoo: tx %s [% X]", cmd.Op, frame)
	if err := c.writer.Write(ctx, ControlPoint, frame, true); err != nil {
		return fmt.Errorf("wahoo %s: %w", cmd.Op, err)
	}
	return nil
}

func (c *Controller) setMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// SetSimulation sends a grade in sim mode, or switches to sim mode first and
// sends the grade once the trainer confirms
func (c *Controller) SetSimulation(ctx context.Context, params SimulationParams) error {
	c.mu.Lock()
	if c.locked {
		c.queued = &params
		c.mu.Unlock()
		c.logger.Printf("Wahoo: sim mode pending, grade queued")
		return nil
	}
	if c.mode == ModeSim {
		c.mu.Unlock()
		return c.send(ctx, Grade(params.Grade))
	}
	c.locked = true
	c.queued = &params
	c.retried = false
	c.mu.Unlock()

	return c.sendSimMode(ctx)
}

// sendSimMode writes the SIM frame. A failed write releases the lock, since no
// response will ever arrive for it.
func (c *Controller) sendSimMode(ctx context.Context) error {
	weight := c.cfg.RiderWeight + c.cfg.BikeWeight
	opt := codec.None[float64]()
	if weight > 0 {
		opt = codec.Some(weight)
	}
	if err := c.send(ctx, SIM(opt, codec.None[float64](), codec.None[float64]())); err != nil {
		c.mu.Lock()
		c.locked = false
		c.queued = nil
		c.retried = false
		c.mu.Unlock()
		return err
	}
	c.setMode(ModeSim)
	return nil
}

// SetSimMode switches to sim mode with the configured rider and bike weight
func (c *Controller) SetSimMode(ctx context.Context) error {
	return c.sendSimMode(ctx)
}

// SetPowerTarget switches to ERG mode at watts
func (c *Controller) SetPowerTarget(ctx context.Context, watts float64) error {
	if err := c.send(ctx, ERG(watts)); err != nil {
		return err
	}
	c.setMode(ModeErg)
	return nil
}

// SetResistanceTarget applies a resistance percentage, 0 to 100
func (c *Controller) SetResistanceTarget(ctx context.Context, percent float64) error {
	if err := c.send(ctx, LoadIntensity(percent/100)); err != nil {
		return err
	}
	c.setMode(ModeResistance)
	return nil
}

// SetLevel selects a standard resistance level, 0 to 9
func (c *Controller) SetLevel(ctx context.Context, level int) error {
	if err := c.send(ctx, LoadLevel(level)); err != nil {
		return err
	}
	c.setMode(ModeResistance)
	return nil
}

func (c *Controller) SetWindSpeed(ctx context.Context, speed float64) error {
	return c.send(ctx, WindSpeed(speed))
}

func (c *Controller) SetWheelCircumference(ctx context.Context, mm float64) error {
	return c.send(ctx, WheelCircumference(mm))
}

func (c *Controller) RequestControl(ctx context.Context) error {
	return c.send(ctx, RequestControl())
}

// HandleResponse decodes a control point indication and advances the sim
// mode handshake. A failed setSimMode is retried once; a second failure
// unlocks and drops the queued grade.
func (c *Controller) HandleResponse(ctx context.Context, buf []byte) (Response, error) {
	resp, err := DecodeResponse(buf)
	if err != nil {
		return resp, err
	}
	c.logger.Printf("Wahoo: rx %s", resp)

	c.mu.Lock()
	if !c.locked || resp.Request != OpSIM {
		c.mu.Unlock()
		return resp, nil
	}

	// nothing is flushed or retried once the connection is going away
	if err := ctx.Err(); err != nil {
		c.locked = false
		c.queued = nil
		c.retried = false
		c.mu.Unlock()
		return resp, err
	}

	if resp.Status == StatusSuccess {
		next := SimulationParams{Grade: codec.Some(0.0)}
		if c.queued != nil {
			next = *c.queued
		}
		c.locked = false
		c.queued = nil
		c.retried = false
		c.mu.Unlock()
		return resp, c.SetSimulation(ctx, next)
	}

	if !c.retried {
		c.retried = true
		c.mu.Unlock()
		c.logger.Printf("Wahoo: setSimMode %s, retrying", resp.Status)
		return resp, c.sendSimMode(ctx)
	}

	c.locked = false
	c.queued = nil
	c.retried = false
	c.mu.Unlock()
	c.logger.Printf("Wahoo: setSimMode %s after retry, giving up", resp.Status)
	return resp, ErrSimModeRejected
}

// Bootstrap runs the connect sequence: request control, set the rider, zero
// the wind and set the wheel size, waiting the configured delay between
// steps
func (c *Controller) Bootstrap(ctx context.Context) error {
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"request control", c.RequestControl},
		{"set user", c.SetSimMode},
		{"set wind speed", func(ctx context.Context) error { return c.SetWindSpeed(ctx, 0) }},
		{"set wheel circumference", func(ctx context.Context) error {
			return c.SetWheelCircumference(ctx, c.cfg.WheelCircumference)
		}},
	}

	for i, step := range steps {
		if i > 0 {
			if err := wait(ctx, c.cfg.BootstrapDelay); err != nil {
				return fmt.Errorf("wahoo bootstrap: %w", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("wahoo bootstrap %s: %w", step.name, err)
		}
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("wahoo bootstrap %s: %w", step.name, err)
		}
	}
	c.logger.Printf("Wahoo: bootstrap complete")
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) State() ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControlState{Mode: c.mode, Locked: c.locked, Queued: c.queued != nil}
}
