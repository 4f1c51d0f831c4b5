// Package publish forwards session telemetry and control state to an MQTT
// broker as JSON.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lowaak/smart-trainer/trainer-link/internal/config"
	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/session"
	"github.com/lowaak/smart-trainer/trainer-link/internal/telemetry"
)

var (
	ErrDisabled     = errors.New("mqtt publishing disabled")
	ErrNotConnected = errors.New("mqtt client not connected")
	ErrStopped      = errors.New("publisher stopped")
)

const publishTimeout = 5 * time.Second

// Client is the subset of mqtt.Client the publisher uses
type Client interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

func TelemetryTopic(prefix, address string) string {
	return fmt.Sprintf("%s/%s/telemetry", prefix, address)
}

func ControlTopic(prefix, address string) string {
	return fmt.Sprintf("%s/%s/control", prefix, address)
}

type Publisher struct {
	logger *log.Logger
	client Client
	prefix string

	stopCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	failing bool
}

// NewPublisher builds a paho client from cfg. It returns ErrDisabled when no
// broker is configured.
func NewPublisher(logger *log.Logger, cfg config.Config) (*Publisher, error) {
	if cfg.MQTTBroker == "" {
		return nil, ErrDisabled
	}
	if logger == nil {
		panic("MQTT Publisher: logger cannot be nil")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Printf("MQTT Publisher: connected to %s", cfg.MQTTBroker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Printf("MQTT Publisher: connection lost: %v", err)
	})

	return newPublisher(logger, mqtt.NewClient(opts), cfg.MQTTTopicPrefix), nil
}

func newPublisher(logger *log.Logger, client Client, prefix string) *Publisher {
	if logger == nil {
		panic("MQTT Publisher: logger cannot be nil")
	}
	if client == nil {
		panic("MQTT Publisher: client cannot be nil")
	}
	return &Publisher{
		logger: logger,
		client: client,
		prefix: prefix,
		stopCh: make(chan struct{}),
	}
}

// Connect waits for the first broker connection, honouring ctx and Disconnect
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return ErrStopped
	default:
	}
	if p.client.IsConnected() {
		return nil
	}

	token := p.client.Connect()
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return ErrStopped
		default:
		}
	}
}

func (p *Publisher) PublishRecord(rec telemetry.Record) error {
	return p.publish(TelemetryTopic(p.prefix, rec.Address), false, rec)
}

// PublishControl sends a retained control state so late subscribers see the
// current target
func (p *Publisher) PublishControl(st session.ControlState) error {
	return p.publish(ControlTopic(p.prefix, st.Address), true, st)
}

func (p *Publisher) publish(topic string, retained bool, v any) error {
	if !p.client.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}

	token := p.client.Publish(topic, 1, retained, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Run forwards both feeds until ctx is done or Disconnect is called. Only
// the first failure of a run of failures is logged.
func (p *Publisher) Run(
	ctx context.Context,
	records *events.Feed[telemetry.Record],
	control *events.Feed[session.ControlState],
) error {
	recCh := make(chan telemetry.Record, 64)
	ctlCh := make(chan session.ControlState, 16)
	defer records.Listen(recCh)()
	defer control.Listen(ctlCh)()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case rec := <-recCh:
			p.report(p.PublishRecord(rec))
		case st := <-ctlCh:
			p.report(p.PublishControl(st))
		}
	}
}

func (p *Publisher) report(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		if p.failing {
			p.logger.Printf("MQTT Publisher: publishing resumed")
		}
		p.failing = false
		return
	}
	if !p.failing {
		p.logger.Printf("MQTT Publisher: %v", err)
	}
	p.failing = true
}

// Disconnect stops Run and closes the broker connection. Safe to call twice.
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.client.Disconnect(250)
		p.logger.Printf("MQTT Publisher: disconnected")
	})
}
