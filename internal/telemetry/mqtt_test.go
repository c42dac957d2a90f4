package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/linkproxy/internal/config"
	"github.com/energizer-project/linkproxy/internal/events"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	retained bool
	body     map[string]interface{}
}

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	messages  []message
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	_ = json.Unmarshal(payload.([]byte), &body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic: topic, retained: retained, body: body})
	return doneToken{}
}

func (c *fakeClient) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.topic
	}
	return out
}

func TestHandlerPublishesEvents(t *testing.T) {
	client := &fakeClient{}
	h := newHandler(config.MQTTConfig{Enabled: true, TopicPrefix: "lp"}, client,
		map[string]interface{}{"hostname": "box"})

	bus := events.NewEventBus()
	defer bus.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx, bus) }()

	// the online status is published after the subscriptions
	require.Eventually(t, func() bool { return len(client.topics()) == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, bus.HandlerCount(events.EventLinkStopped))

	require.NoError(t, bus.EmitSync(ctx, events.NewEvent(events.EventLinkStopped, "link",
		events.LinkStoppedPayload{LinkID: "abc", Reason: "player_disconnected"})))
	require.NoError(t, bus.EmitSync(ctx, events.NewEvent(events.EventLinkRejected, "proxy",
		events.LinkRejectedPayload{RemoteAddr: "1.2.3.4:5", Reason: "rate_limited"})))
	require.NoError(t, bus.EmitSync(ctx, events.NewEvent(events.EventExtensionLoaded, "extensions",
		events.ExtensionPayload{Owner: "chat"})))
	require.NoError(t, bus.EmitSync(ctx, events.NewEvent(events.EventBackendHealthChanged, "health",
		events.BackendHealthPayload{Backend: "hub", Healthy: false, Error: "refused"})))

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{
		"lp/status",
		"lp/links/stopped",
		"lp/links/rejected",
		"lp/extensions",
		"lp/backends/hub",
		"lp/status",
	}, client.topics())

	msgs := client.messages
	assert.True(t, msgs[0].retained)
	assert.Equal(t, "box", msgs[1].body["hostname"])
	payload := msgs[1].body["payload"].(map[string]interface{})
	assert.Equal(t, "abc", payload["link_id"])
	assert.Equal(t, "extension_loaded", msgs[3].body["payload"].(map[string]interface{})["event"])
	assert.True(t, msgs[4].retained)
	assert.Equal(t, "hub", msgs[4].body["payload"].(map[string]interface{})["backend"])
	assert.Equal(t, "offline", msgs[5].body["payload"].(map[string]interface{})["status"])
	assert.False(t, client.IsConnected())
}

func TestPublishSkipsWhenDisconnected(t *testing.T) {
	client := &fakeClient{}
	h := newHandler(config.MQTTConfig{}, client, nil)
	h.publish(TopicStatus, "x", false)
	assert.Empty(t, client.topics())
	assert.Equal(t, "status", h.topic(TopicStatus))
}

func TestNewMQTTHandler(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{}, "dev")
	assert.ErrorIs(t, err, ErrDisabled)

	h, err := NewMQTTHandler(config.MQTTConfig{Enabled: true, BrokerURL: "127.0.0.1", Port: 1883}, "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", h.metadata["app_version"])

	_, err = NewMQTTHandler(config.MQTTConfig{Enabled: true, BrokerURL: "127.0.0.1", Port: 8883,
		UseTLS: true, CAFile: "/nonexistent/ca.pem"}, "dev")
	assert.Error(t, err)
}
