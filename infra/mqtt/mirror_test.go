package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemsd/hemsd/core/model"
	"github.com/hemsd/hemsd/core/repository/memory"
	"github.com/hemsd/hemsd/internal/eventbus"
)

type dummyToken struct{ err error }

func (d dummyToken) Wait() bool                     { return true }
func (d dummyToken) WaitTimeout(time.Duration) bool { return true }
func (d dummyToken) Done() <-chan struct{}          { ch := make(chan struct{}); close(ch); return ch }
func (d dummyToken) Error() error                   { return d.err }

type publication struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

// mockClient implements pahoClient and enough of paho.Client for OnConnect.
type mockClient struct {
	opts       *paho.ClientOptions
	connectErr error

	mu         sync.Mutex
	published  []publication
	subscribed map[string]paho.MessageHandler
}

func (m *mockClient) IsConnected() bool { return true }
func (m *mockClient) Connect() paho.Token {
	if m.connectErr != nil {
		return dummyToken{err: m.connectErr}
	}
	if m.opts != nil && m.opts.OnConnect != nil {
		m.opts.OnConnect(m)
	}
	return dummyToken{}
}
func (m *mockClient) Disconnect(uint) {}
func (m *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publication{topic, qos, retained, payload.([]byte)})
	return dummyToken{}
}
func (m *mockClient) Subscribe(topic string, qos byte, cb paho.MessageHandler) paho.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribed == nil {
		m.subscribed = make(map[string]paho.MessageHandler)
	}
	m.subscribed[topic] = cb
	return dummyToken{}
}
func (m *mockClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return dummyToken{}
}
func (m *mockClient) Unsubscribe(...string) paho.Token        { return dummyToken{} }
func (m *mockClient) AddRoute(string, paho.MessageHandler)    {}
func (m *mockClient) OptionsReader() paho.ClientOptionsReader { return paho.ClientOptionsReader{} }
func (m *mockClient) IsConnectionOpen() bool                  { return true }

func (m *mockClient) publications() []publication {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publication, len(m.published))
	copy(out, m.published)
	return out
}

func (m *mockClient) handler(topic string) paho.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed[topic]
}

type mockMessage struct{ p []byte }

func (m mockMessage) Duplicate() bool   { return false }
func (m mockMessage) Qos() byte         { return 0 }
func (m mockMessage) Retained() bool    { return false }
func (m mockMessage) Topic() string     { return "" }
func (m mockMessage) MessageID() uint16 { return 0 }
func (m mockMessage) Payload() []byte   { return m.p }
func (m mockMessage) Ack()              {}

func withMockClient(t *testing.T, mc *mockClient) {
	t.Helper()
	orig := newMQTTClient
	newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
		mc.opts = opts
		return mc
	}
	t.Cleanup(func() { newMQTTClient = orig })
}

func TestMirrorPublishesRunAndDispatchEvents(t *testing.T) {
	mc := &mockClient{}
	withMockClient(t, mc)

	bus := eventbus.New()
	defer bus.Close()
	mirror, err := NewMirror(Config{Broker: "tcp://localhost:1883", QoS: 1}, bus, nil)
	require.NoError(t, err)
	defer mirror.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.RunEvent{
		Run:  model.Run{ID: "run1", Status: model.RunSuccess, StartedAt: now},
		Time: now,
	})
	bus.Publish(eventbus.DispatchEvent{
		Event: model.OutputDispatchEvent{RunID: "run1", ResourceID: "battery1", Status: model.DispatchSent},
		Time:  now,
	})

	require.Eventually(t, func() bool { return len(mc.publications()) == 2 }, time.Second, 10*time.Millisecond)

	pubs := mc.publications()
	assert.Equal(t, "hemsd/runs", pubs[0].topic)
	assert.Equal(t, "hemsd/dispatch", pubs[1].topic)
	assert.Equal(t, byte(1), pubs[0].qos)

	var run eventbus.RunEvent
	require.NoError(t, json.Unmarshal(pubs[0].payload, &run))
	assert.Equal(t, "run1", run.Run.ID)

	var disp eventbus.DispatchEvent
	require.NoError(t, json.Unmarshal(pubs[1].payload, &disp))
	assert.Equal(t, "battery1", disp.Event.ResourceID)
}

func TestMirrorTopicPrefix(t *testing.T) {
	mc := &mockClient{}
	withMockClient(t, mc)

	bus := eventbus.New()
	defer bus.Close()
	mirror, err := NewMirror(Config{Broker: "tcp://localhost:1883", TopicPrefix: "home/energy"}, bus, nil)
	require.NoError(t, err)
	defer mirror.Close()

	bus.Publish(eventbus.RunEvent{Run: model.Run{ID: "run1"}, Time: time.Now()})
	require.Eventually(t, func() bool { return len(mc.publications()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "home/energy/runs", mc.publications()[0].topic)
}

func TestMirrorRecordsPowerSamples(t *testing.T) {
	mc := &mockClient{}
	withMockClient(t, mc)

	store := memory.New()
	bus := eventbus.New()
	defer bus.Close()
	mirror, err := NewMirror(Config{Broker: "tcp://localhost:1883", PowerTopic: "home/grid/power"}, bus, store.Power)
	require.NoError(t, err)
	defer mirror.Close()

	cb := mc.handler("home/grid/power")
	require.NotNil(t, cb, "power topic not subscribed")

	cb(mc, mockMessage{p: []byte("812.5")})
	cb(mc, mockMessage{p: []byte(`{"watts": 420, "measured_at": "2025-06-01T12:00:00Z"}`)})
	cb(mc, mockMessage{p: []byte("not a number")})

	samples, err := store.Power.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	watts := []float64{samples[0].Watts, samples[1].Watts}
	assert.Contains(t, watts, 812.5)
	assert.Contains(t, watts, 420.0)
}

func TestMirrorPowerTopicWithoutWriterNotSubscribed(t *testing.T) {
	mc := &mockClient{}
	withMockClient(t, mc)

	bus := eventbus.New()
	defer bus.Close()
	mirror, err := NewMirror(Config{Broker: "tcp://localhost:1883", PowerTopic: "home/grid/power"}, bus, nil)
	require.NoError(t, err)
	defer mirror.Close()

	assert.Nil(t, mc.handler("home/grid/power"))
}

func TestParsePowerPayload(t *testing.T) {
	sample, err := parsePowerPayload([]byte(`{"power": 99.5}`))
	require.NoError(t, err)
	assert.InDelta(t, 99.5, sample.Watts, 0.001)
	assert.False(t, sample.MeasuredAt.IsZero())

	_, err = parsePowerPayload([]byte(`{"state": "on"}`))
	assert.Error(t, err)

	_, err = parsePowerPayload([]byte("garbage"))
	assert.Error(t, err)
}

func TestMirrorConnectFailure(t *testing.T) {
	mc := &mockClient{connectErr: assert.AnError}
	withMockClient(t, mc)

	bus := eventbus.New()
	defer bus.Close()
	_, err := NewMirror(Config{Broker: "tcp://localhost:1883"}, bus, nil)
	assert.Error(t, err)
}

func TestMirrorRequiresBroker(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	_, err := NewMirror(Config{}, bus, nil)
	assert.Error(t, err)
}

func TestMirrorCloseIsIdempotent(t *testing.T) {
	mc := &mockClient{}
	withMockClient(t, mc)

	bus := eventbus.New()
	defer bus.Close()
	mirror, err := NewMirror(Config{Broker: "tcp://localhost:1883"}, bus, nil)
	require.NoError(t, err)
	mirror.Close()
	mirror.Close()
}
