package ftms

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
)

var (
	ControlPoint = gatt.CharacteristicID{
		Service:        gatt.ServiceUUIDFTMS,
		Characteristic: gatt.CharUUIDFTMSControlPoint,
	}
	SupportedPowerRange = gatt.CharacteristicID{
		Service:        gatt.ServiceUUIDFTMS,
		Characteristic: gatt.CharUUIDSupportedPowerRange,
	}
)

// ReadSupportedPowerRange reads and decodes the trainer's power limits
func ReadSupportedPowerRange(ctx context.Context, r gatt.Reader) (PowerRange, error) {
	buf, err := r.Read(ctx, SupportedPowerRange)
	if err != nil {
		return PowerRange{}, fmt.Errorf("read supported power range: %w", err)
	}
	pr, ok := DecodeSupportedPowerRange(buf)
	if !ok {
		return PowerRange{}, fmt.Errorf("supported power range of %d bytes: %w", len(buf), ErrMalformedResponse)
	}
	return pr, nil
}

// Controller drives the FTMS control point of one trainer
type Controller struct {
	logger *log.Logger
	writer gatt.Writer

	writeMu sync.Mutex

	mu       sync.Mutex
	acquired bool
}

func NewController(logger *log.Logger, writer gatt.Writer) *Controller {
	if logger == nil {
		panic("FTMS Controller: logger cannot be nil")
	}
	if writer == nil {
		panic("FTMS Controller: writer cannot be nil")
	}
	return &Controller{logger: logger, writer: writer}
}

func (c *Controller) send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	op := Opcode(data[0])
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ftms %s: %w", op, err)
	}
	c.logger.Printf("FTMS: tx %s [% X]", op, data)
	if err := c.writer.Write(ctx, ControlPoint, data, true); err != nil {
		return fmt.Errorf("ftms %s: %w", op, err)
	}
	return nil
}

// RequestControl asks for control and then sends Start, which some trainers
// need before they accept targets. A failed Start is only logged.
func (c *Controller) RequestControl(ctx context.Context) error {
	if err := c.send(ctx, RequestControl()); err != nil {
		return err
	}
	if err := c.send(ctx, StartOrResume()); err != nil {
		c.logger.Printf("FTMS: start command failed (may not be required): %v", err)
	}
	c.mu.Lock()
	c.acquired = true
	c.mu.Unlock()
	c.logger.Printf("FTMS: trainer control acquired")
	return nil
}

func (c *Controller) SetTargetPower(ctx context.Context, watts float64) error {
	return c.send(ctx, SetTargetPower(watts))
}

func (c *Controller) SetTargetResistance(ctx context.Context, level float64) error {
	return c.send(ctx, SetTargetResistance(level))
}

func (c *Controller) SetSimulation(ctx context.Context, s Simulation) error {
	return c.send(ctx, SetIndoorBikeSimulation(s))
}

func (c *Controller) Reset(ctx context.Context) error {
	return c.send(ctx, Reset())
}

func (c *Controller) Stop(ctx context.Context) error {
	return c.send(ctx, StopOrPause())
}

// HandleResponse decodes a control point indication. A Control Not Permitted
// result marks control as lost.
func (c *Controller) HandleResponse(buf []byte) (Response, error) {
	resp, err := DecodeResponse(buf)
	if err != nil {
		c.logger.Printf("FTMS Control Point: %v", err)
		return resp, err
	}
	c.logger.Printf("FTMS Control Point: %s", resp)

	switch resp.Result {
	case ResultSuccess:
		return resp, nil
	case ResultControlNotPermitted:
		c.mu.Lock()
		c.acquired = false
		c.mu.Unlock()
		c.logger.Printf("FTMS: trainer rejected control")
		return resp, fmt.Errorf("%s: %w", resp.Request, ErrControlNotPermitted)
	default:
		return resp, fmt.Errorf("%s: %s: %w", resp.Request, resp.Result, ErrCommandFailed)
	}
}

func (c *Controller) ControlAcquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}
