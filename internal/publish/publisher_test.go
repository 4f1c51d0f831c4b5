package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/trainer-link/internal/codec"
	"github.com/lowaak/smart-trainer/trainer-link/internal/config"
	"github.com/lowaak/smart-trainer/trainer-link/internal/events"
	"github.com/lowaak/smart-trainer/trainer-link/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/session"
	"github.com/lowaak/smart-trainer/trainer-link/internal/telemetry"
)

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	publishErr   error
	messages     []message
	disconnected int
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return &fakeToken{}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr == nil {
		c.messages = append(c.messages, message{topic, retained, payload.([]byte)})
	}
	return &fakeToken{err: c.publishErr}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnected++
}

func (c *fakeClient) Messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testRecord() telemetry.Record {
	fields := codec.NewFields()
	fields.Set("power", 250)
	return telemetry.NewRecord("AA:BB", gatt.ProtocolCyclingPower, fields, time.Unix(1700000000, 0).UTC())
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "trainer-link/AA:BB/telemetry", TelemetryTopic("trainer-link", "AA:BB"))
	assert.Equal(t, "gym/AA:BB/control", ControlTopic("gym", "AA:BB"))
}

func TestNewPublisher_Disabled(t *testing.T) {
	_, err := NewPublisher(testLogger(), config.Config{})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestPublisher_PublishRecord(t *testing.T) {
	client := &fakeClient{}
	p := newPublisher(testLogger(), client, "trainer-link")

	assert.ErrorIs(t, p.PublishRecord(testRecord()), ErrNotConnected)
	require.NoError(t, p.Connect(context.Background()))
	require.NoError(t, p.PublishRecord(testRecord()))

	msgs := client.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "trainer-link/AA:BB/telemetry", msgs[0].topic)
	assert.False(t, msgs[0].retained)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.Equal(t, "AA:BB", got["address"])
	assert.Equal(t, "cycling_power", got["source"])
	assert.Equal(t, 250.0, got["fields"].(map[string]any)["power"])
}

func TestPublisher_PublishControlRetained(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newPublisher(testLogger(), client, "trainer-link")

	require.NoError(t, p.PublishControl(session.ControlState{
		Address:     "AA:BB",
		Control:     "wahoo",
		Target:      session.TargetGrade,
		TargetValue: 2.5,
	}))

	msgs := client.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "trainer-link/AA:BB/control", msgs[0].topic)
	assert.True(t, msgs[0].retained)
	assert.JSONEq(t, `{"address":"AA:BB","control":"wahoo","locked":false,"queued":false,"acquired":false,
		"timerRunning":false,"sessionKey":false,"target":"grade","targetValue":2.5,"closed":false}`, string(msgs[0].payload))
}

func TestPublisher_PublishError(t *testing.T) {
	boom := errors.New("broker gone")
	client := &fakeClient{connected: true, publishErr: boom}
	p := newPublisher(testLogger(), client, "trainer-link")

	assert.ErrorIs(t, p.PublishRecord(testRecord()), boom)
}

func TestPublisher_RunForwardsFeeds(t *testing.T) {
	client := &fakeClient{connected: true}
	p := newPublisher(testLogger(), client, "trainer-link")
	records := events.NewFeed[telemetry.Record](false)
	control := events.NewFeed[session.ControlState](true)
	control.Publish(session.ControlState{Address: "AA:BB", Control: "cycleops"})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), records, control) }()

	assert.Eventually(t, func() bool { return len(client.Messages()) == 1 }, time.Second, 5*time.Millisecond,
		"replayed control state is published")
	assert.Eventually(t, func() bool {
		records.Publish(testRecord())
		for _, m := range client.Messages() {
			if m.topic == "trainer-link/AA:BB/telemetry" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	p.Disconnect()
	p.Disconnect()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Disconnect")
	}
	assert.Equal(t, 1, client.disconnected)
	assert.ErrorIs(t, p.Connect(context.Background()), ErrStopped)
}

func TestPublisher_RunStopsOnContext(t *testing.T) {
	p := newPublisher(testLogger(), &fakeClient{connected: true}, "trainer-link")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Run(ctx, events.NewFeed[telemetry.Record](false), events.NewFeed[session.ControlState](false))
	assert.ErrorIs(t, err, context.Canceled)
}
