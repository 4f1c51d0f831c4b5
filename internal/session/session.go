// Package session owns the per-accessory protocol state: consume loops for
// each subscribed characteristic, the control protocol controllers and the
// secure channel handshake. A session lives from connect until disconnect.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/trainer-link/internal/cadence"
	"github.com/lowaak/smart-trainer/trainer-link/internal/codec"
	"github.com/lowaak/smart-trainer/trainer-link/internal/cycleops"
	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/goroutine"
	"github.com/lowaak/smart-trainer/trainer-link/internal/telemetry"
	"github.com/lowaak/smart-trainer/trainer-link/internal/wahoo"
	"github.com/lowaak/smart-trainer/trainer-link/internal/zwift"
)

var (
	ErrClosed              = errors.New("session closed")
	ErrNoControl           = errors.New("no control protocol attached")
	ErrUnsupportedProtocol = errors.New("protocol not supported")
)

type Config struct {
	RiderWeight        float64 // kg
	BikeWeight         float64 // kg
	WheelCircumference float64 // mm
	BootstrapDelay     time.Duration
	ResendInterval     time.Duration
	Debounce           cadence.LearnerConfig
}

// Target kinds reported in ControlState
const (
	TargetPower      = "power"
	TargetGrade      = "grade"
	TargetResistance = "resistance"
)

// ControlState summarises a session's control side for display and egress
type ControlState struct {
	Address      string  `json:"address"`
	Control      string  `json:"control,omitempty"`
	Mode         string  `json:"mode,omitempty"`
	Locked       bool    `json:"locked"`
	Queued       bool    `json:"queued"`
	Acquired     bool    `json:"acquired"`
	TimerRunning bool    `json:"timerRunning"`
	SessionKey   bool    `json:"sessionKey"`
	Handshake    string  `json:"handshake,omitempty"`
	Target       string  `json:"target,omitempty"`
	TargetValue  float64 `json:"targetValue,omitempty"`
	Closed       bool    `json:"closed"`
}

type Session struct {
	logger  *log.Logger
	cfg     Config
	p       gatt.Peripheral
	random  io.Reader
	now     func() time.Time
	records *events.Feed[telemetry.Record]
	control *events.Feed[ControlState]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu          sync.Mutex
	attached    map[gatt.Protocol]bool
	wahoo       *wahoo.Controller
	cycleops    *cycleops.Controller
	ftms        *ftms.Controller
	handshake   *zwift.Handshake
	target      string
	targetValue float64
	closed      bool
}

func New(
	logger *log.Logger,
	p gatt.Peripheral,
	cfg Config,
	records *events.Feed[telemetry.Record],
	control *events.Feed[ControlState],
) *Session {
	if logger == nil {
		panic("Session: logger cannot be nil")
	}
	if p == nil {
		panic("Session: peripheral cannot be nil")
	}
	if records == nil || control == nil {
		panic("Session: feeds cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		logger:   logger,
		cfg:      cfg,
		p:        p,
		random:   rand.Reader,
		now:      time.Now,
		records:  records,
		control:  control,
		ctx:      ctx,
		cancel:   cancel,
		attached: make(map[gatt.Protocol]bool),
	}
}

func (s *Session) Address() string {
	return s.p.Address()
}

// Protocols lists the attached protocols in enum order
func (s *Session) Protocols() []gatt.Protocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gatt.Protocol, 0, len(s.attached))
	for p := range s.attached {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Attach starts handling proto: telemetry protocols get a consume loop on
// their measurement characteristic, control protocols get a controller and a
// loop on their control point indications. Attaching twice is a no-op.
func (s *Session) Attach(proto gatt.Protocol) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.attached[proto] {
		s.mu.Unlock()
		return nil
	}
	s.attached[proto] = true
	s.mu.Unlock()

	if err := s.attach(proto); err != nil {
		s.mu.Lock()
		delete(s.attached, proto)
		s.mu.Unlock()
		return fmt.Errorf("attach %s: %w", proto, err)
	}
	s.logger.Printf("Session: %s attached %s", s.Address(), proto)
	return nil
}

func (s *Session) attach(proto gatt.Protocol) error {
	switch proto {
	case gatt.ProtocolCyclingPower:
		meter := telemetry.NewPowerMeter(s.cfg.Debounce)
		return s.subscribeTelemetry(proto, meter.Decode)
	case gatt.ProtocolIndoorBike:
		return s.subscribeTelemetry(proto, telemetry.DecodeIndoorBikeData)
	case gatt.ProtocolHeartRate:
		return s.subscribeTelemetry(proto, telemetry.DecodeHeartRate)
	case gatt.ProtocolSpeedCadence:
		csc := telemetry.NewSpeedCadence(s.cfg.WheelCircumference)
		return s.subscribeTelemetry(proto, csc.Decode)

	case gatt.ProtocolWahoo:
		c := wahoo.NewController(s.logger, s.p, wahoo.Config{
			RiderWeight:        s.cfg.RiderWeight,
			BikeWeight:         s.cfg.BikeWeight,
			WheelCircumference: s.cfg.WheelCircumference,
			BootstrapDelay:     s.cfg.BootstrapDelay,
		})
		err := s.subscribe(wahoo.ControlPoint, func(buf []byte) {
			if _, err := c.HandleResponse(s.ctx, buf); err != nil {
				s.logger.Printf("Session: %s wahoo response: %v", s.Address(), err)
			}
			s.publishControl()
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.wahoo = c
		s.mu.Unlock()
		return nil

	case gatt.ProtocolCycleOps:
		c := cycleops.NewController(s.logger, s.p, s.cfg.ResendInterval)
		err := s.subscribe(cycleops.ControlPoint, func(buf []byte) {
			c.HandleStatus(buf)
			s.publishControl()
		})
		if err != nil {
			c.Close()
			return err
		}
		s.mu.Lock()
		s.cycleops = c
		s.mu.Unlock()
		return nil

	case gatt.ProtocolFitnessControl:
		c := ftms.NewController(s.logger, s.p)
		err := s.subscribe(ftms.ControlPoint, func(buf []byte) {
			if _, err := c.HandleResponse(buf); err != nil {
				s.logger.Printf("Session: %s ftms response: %v", s.Address(), err)
			}
			s.publishControl()
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.ftms = c
		s.mu.Unlock()
		return nil

	case gatt.ProtocolZwift:
		h, err := zwift.NewHandshake(s.logger, s.random)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.handshake = h
		s.mu.Unlock()
		return nil

	default:
		return ErrUnsupportedProtocol
	}
}

func (s *Session) subscribeTelemetry(proto gatt.Protocol, decode func([]byte) codec.Fields) error {
	stream, ok := gatt.PrimaryStream(proto)
	if !ok {
		return ErrUnsupportedProtocol
	}
	return s.subscribe(stream.Char, func(buf []byte) {
		fields := decode(buf)
		if fields.Len() == 0 {
			s.logger.Printf("Session: %s dropping short %s frame [% X]", s.Address(), proto, buf)
			return
		}
		s.records.Publish(telemetry.NewRecord(s.Address(), proto, fields, s.now()))
	})
}

// subscribe runs one consume loop for id. Values are handled to completion in
// arrival order; the loop ends when the session context is cancelled.
func (s *Session) subscribe(id gatt.CharacteristicID, handle func([]byte)) error {
	stream, err := s.p.Subscribe(s.ctx, id)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", id, err)
	}
	err = s.goTracked(func() {
		defer stream.Close()
		err := stream.Range(s.ctx, handle)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, events.ErrStreamClosed) {
			s.logger.Printf("Session: %s consume loop for %s ended: %v", s.Address(), id, err)
		}
	})
	if err != nil {
		stream.Close()
		return fmt.Errorf("subscribe %s: %w", id, err)
	}
	return nil
}

// goTracked runs fn on the session WaitGroup. Once Close has begun nothing
// new is started.
func (s *Session) goTracked(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	goroutine.SafeGoWG(s.logger, &s.wg, fn)
	return nil
}

// bound returns a context that also ends when the session closes
func (s *Session) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Start runs the connect sequences of the attached control protocols and the
// secure channel handshake. Failures are collected; one failing protocol
// does not stop the others. Closing the session or cancelling ctx stops the
// sequence before its next write.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	w, f, h := s.wahoo, s.ftms, s.handshake
	s.mu.Unlock()

	ctx, cancel := s.bound(ctx)
	defer cancel()

	type step func(context.Context) error
	var steps []step
	if w != nil {
		steps = append(steps, w.Bootstrap)
	}
	if f != nil {
		steps = append(steps, f.RequestControl)
	}
	if h != nil {
		steps = append(steps, func(ctx context.Context) error { return s.startSecureChannel(ctx, h) })
	}

	var errs []error
	for _, run := range steps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := run(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.isClosed() {
		return errors.Join(append(errs, ErrClosed)...)
	}
	s.publishControl()
	return errors.Join(errs...)
}

func (s *Session) startSecureChannel(ctx context.Context, h *zwift.Handshake) error {
	if err := h.Run(ctx, s.p); err != nil {
		return fmt.Errorf("zwift handshake: %w", err)
	}
	err := s.goTracked(func() {
		err := h.Stream(s.ctx, s.p, func(payload []byte) {
			rec := telemetry.NewRecord(s.Address(), gatt.ProtocolZwift, codec.NewFields(), s.now())
			rec.Payload = payload
			s.records.Publish(rec)
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, events.ErrStreamClosed) {
			s.logger.Printf("Session: %s zwift stream ended: %v", s.Address(), err)
		}
	})
	if err != nil {
		return fmt.Errorf("zwift stream: %w", err)
	}
	return nil
}

func (s *Session) controllers() (*cycleops.Controller, *wahoo.Controller, *ftms.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, nil, ErrClosed
	}
	return s.cycleops, s.wahoo, s.ftms, nil
}

func (s *Session) setTarget(kind string, value float64) {
	s.mu.Lock()
	s.target = kind
	s.targetValue = value
	s.mu.Unlock()
}

// SetTargetPower routes an ERG target to the first attached controller, in
// the order CycleOps, Wahoo, FTMS
func (s *Session) SetTargetPower(ctx context.Context, watts float64) error {
	c, w, f, err := s.controllers()
	if err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	switch {
	case c != nil:
		err = c.SetTargetPower(ctx, watts)
	case w != nil:
		err = w.SetPowerTarget(ctx, watts)
	case f != nil:
		err = f.SetTargetPower(ctx, watts)
	default:
		return ErrNoControl
	}
	if err == nil {
		s.setTarget(TargetPower, watts)
	}
	s.publishControl()
	return err
}

// SetGrade routes a simulated grade in percent, with the same precedence as
// SetTargetPower
func (s *Session) SetGrade(ctx context.Context, grade float64) error {
	c, w, f, err := s.controllers()
	if err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	switch {
	case c != nil:
		err = c.SetManualSlope(ctx, s.cfg.RiderWeight, grade)
	case w != nil:
		err = w.SetSimulation(ctx, wahoo.SimulationParams{Grade: codec.Some(grade)})
	case f != nil:
		err = f.SetSimulation(ctx, ftms.Simulation{Grade: codec.Some(grade)})
	default:
		return ErrNoControl
	}
	if err == nil {
		s.setTarget(TargetGrade, grade)
	}
	s.publishControl()
	return err
}

// SetResistance applies a resistance percentage. CycleOps has no resistance
// mode, so only Wahoo and FTMS take part.
func (s *Session) SetResistance(ctx context.Context, percent float64) error {
	_, w, f, err := s.controllers()
	if err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	switch {
	case w != nil:
		err = w.SetResistanceTarget(ctx, percent)
	case f != nil:
		err = f.SetTargetResistance(ctx, percent)
	default:
		return ErrNoControl
	}
	if err == nil {
		s.setTarget(TargetResistance, percent)
	}
	s.publishControl()
	return err
}

func (s *Session) ControlState() ControlState {
	s.mu.Lock()
	c, w, f, h := s.cycleops, s.wahoo, s.ftms, s.handshake
	st := ControlState{
		Address:     s.p.Address(),
		Target:      s.target,
		TargetValue: s.targetValue,
		Closed:      s.closed,
	}
	s.mu.Unlock()

	if f != nil {
		st.Control = gatt.ProtocolFitnessControl.String()
		st.Acquired = f.ControlAcquired()
	}
	if w != nil {
		ws := w.State()
		st.Control = gatt.ProtocolWahoo.String()
		st.Mode = ws.Mode.String()
		st.Locked = ws.Locked
		st.Queued = ws.Queued
	}
	if c != nil {
		st.Control = gatt.ProtocolCycleOps.String()
		st.TimerRunning = c.TimerRunning()
	}
	if h != nil {
		_, st.SessionKey = h.SessionKey()
		st.Handshake = h.State().String()
	}
	return st
}

func (s *Session) publishControl() {
	s.control.Publish(s.ControlState())
}

// Close cancels every consume loop, stops the CycleOps timer, discards the
// handshake and waits for the loops to exit. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		c, h := s.cycleops, s.handshake
		s.mu.Unlock()

		s.cancel()
		if c != nil {
			c.Close()
		}
		if h != nil {
			h.Discard()
		}
		s.wg.Wait()
		s.publishControl()
		s.logger.Printf("Session: %s closed", s.Address())
	})
}
