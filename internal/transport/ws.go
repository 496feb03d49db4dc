package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/Avicted/hivechat/internal/securelog"
)

const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameSend        = "send"
	frameEvent       = "event"
	frameError       = "error"

	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

// Frame is the JSON envelope exchanged over the socket in both directions.
type Frame struct {
	Type        string          `json:"type"`
	Topic       string          `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
}

type subscription struct {
	topic   string
	handler Handler
}

// WSClient is the push channel over a single WebSocket. Topics are reference
// counted: the first local subscriber to a topic sends the wire subscribe and
// the last one to leave sends the wire unsubscribe.
//
// Incoming events are dispatched on the read goroutine in arrival order.
// Handlers must not block for long.
type WSClient struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry

	connected atomic.Bool
	done      chan struct{}

	mu     sync.Mutex
	closed bool
	nextID SubscriptionID
	subs   map[SubscriptionID]subscription
	topics map[string]int

	writeMu sync.Mutex
}

// DialWS connects to serverURL's /ws endpoint with a bearer token and starts
// the read loop.
func DialWS(ctx context.Context, serverURL, token string, log *logrus.Entry) (*WSClient, error) {
	wsURL := strings.Replace(serverURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/ws"

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		conn:   conn,
		ctx:    loopCtx,
		cancel: cancel,
		log:    securelog.Component(log, "ws"),
		done:   make(chan struct{}),
		subs:   make(map[SubscriptionID]subscription),
		topics: make(map[string]int),
	}
	c.connected.Store(true)
	go c.readLoop()
	return c, nil
}

func (c *WSClient) IsConnected() bool {
	return c.connected.Load()
}

// Done is closed once the read loop has stopped, whether through Close or a
// dropped connection.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

func (c *WSClient) Subscribe(topic string, handler Handler) (SubscriptionID, error) {
	if handler == nil {
		return 0, fmt.Errorf("subscribe %s: nil handler", topic)
	}
	c.mu.Lock()
	if c.closed || !c.IsConnected() {
		c.mu.Unlock()
		return 0, ErrDisconnected
	}
	c.nextID++
	id := c.nextID
	c.subs[id] = subscription{topic: topic, handler: handler}
	c.topics[topic]++
	first := c.topics[topic] == 1
	c.mu.Unlock()

	if !first {
		return id, nil
	}
	if err := c.write(c.ctx, Frame{Type: frameSubscribe, Topic: topic}); err != nil {
		c.release(id)
		return 0, err
	}
	return id, nil
}

// Unsubscribe releases a subscription. Unknown IDs are ignored.
func (c *WSClient) Unsubscribe(id SubscriptionID) error {
	topic, last, ok := c.release(id)
	if !ok || !last || !c.IsConnected() {
		return nil
	}
	return c.write(c.ctx, Frame{Type: frameUnsubscribe, Topic: topic})
}

func (c *WSClient) Send(ctx context.Context, destination string, payload any) error {
	if !c.IsConnected() {
		return ErrDisconnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.write(ctx, Frame{Type: frameSend, Destination: destination, Payload: data})
}

func (c *WSClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.connected.Store(false)
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
	<-c.done
}

func (c *WSClient) release(id SubscriptionID) (topic string, last bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return "", false, false
	}
	delete(c.subs, id)
	c.topics[sub.topic]--
	if c.topics[sub.topic] <= 0 {
		delete(c.topics, sub.topic)
		return sub.topic, true, true
	}
	return sub.topic, false, true
}

func (c *WSClient) write(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = c.ctx
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.IsConnected() {
		return ErrDisconnected
	}
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *WSClient) readLoop() {
	defer close(c.done)
	defer c.connected.Store(false)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				securelog.Error(c.log, "websocket read", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.WithField("bytes", len(data)).Debug("skipping undecodable frame")
			continue
		}
		switch f.Type {
		case frameEvent:
			c.dispatch(f.Topic, f.Payload)
		case frameError:
			c.log.WithField("code", f.Code).Warn("server reported error")
		default:
			c.log.WithField("type", f.Type).Debug("ignoring frame")
		}
	}
}

func (c *WSClient) dispatch(topic string, payload []byte) {
	c.mu.Lock()
	ids := make([]SubscriptionID, 0, 1)
	for id, sub := range c.subs {
		if sub.topic == topic {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = c.subs[id].handler
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
}
