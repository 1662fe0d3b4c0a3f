//go:build !no_mqtt

package mqtt

import (
	"log/slog"
	"os"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

// stubClient records publishes and subscriptions. Unused methods of the
// interface panic through the nil embedded value.
type stubClient struct {
	pahomqtt.Client

	mu         sync.Mutex
	open       bool
	publishErr error
	published  []published
	subs       map[string]pahomqtt.MessageHandler
}

func newStubClient() *stubClient {
	return &stubClient{open: true, subs: make(map[string]pahomqtt.MessageHandler)}
}

func (c *stubClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *stubClient) Connect() pahomqtt.Token { return doneToken{} }
func (c *stubClient) Disconnect(uint)         {}

func (c *stubClient) Publish(topic string, _ byte, retained bool, payload any) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, _ := payload.([]byte)
	c.published = append(c.published, published{topic: topic, retained: retained, payload: data})
	return doneToken{err: c.publishErr}
}

func (c *stubClient) Subscribe(topic string, _ byte, h pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[topic] = h
	return doneToken{}
}

func (c *stubClient) SubscribeMultiple(filters map[string]byte, h pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic := range filters {
		c.subs[topic] = h
	}
	return doneToken{}
}

// deliver invokes the handler subscribed to filter with a message on topic.
func (c *stubClient) deliver(filter, topic string, payload []byte) {
	c.mu.Lock()
	h := c.subs[filter]
	c.mu.Unlock()
	if h != nil {
		h(c, stubMessage{topic: topic, payload: payload})
	}
}

// last returns the most recent publish on topic.
func (c *stubClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i], true
		}
	}
	return published{}, false
}

type stubMessage struct {
	topic   string
	payload []byte
}

func (m stubMessage) Duplicate() bool   { return false }
func (m stubMessage) Qos() byte         { return 1 }
func (m stubMessage) Retained() bool    { return false }
func (m stubMessage) Topic() string     { return m.topic }
func (m stubMessage) MessageID() uint16 { return 0 }
func (m stubMessage) Payload() []byte   { return m.payload }
func (m stubMessage) Ack()              {}
