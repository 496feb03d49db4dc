// Package transporttest provides an in-memory transport.Adapter for tests.
// Requests are answered by per-route handlers; push events are injected with
// Publish.
package transporttest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/Avicted/hivechat/internal/transport"
)

// Request is a recorded call to Request.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    []byte
	Headers http.Header
}

// Sent is a recorded call to Send.
type Sent struct {
	Destination string
	Payload     []byte
}

// Route answers a request. It may block, for instance on a channel the test
// closes later, to simulate a response still in flight.
type Route func(ctx context.Context, req Request) (transport.Response, error)

type subscription struct {
	topic   string
	handler transport.Handler
}

// Fake is a transport.Adapter. The zero value is not usable; call New.
type Fake struct {
	mu        sync.Mutex
	connected bool
	routes    map[string]Route
	requests  []Request
	sent      []Sent
	nextID    transport.SubscriptionID
	subs      map[transport.SubscriptionID]subscription
	sendErr   error
}

// New returns a connected fake with no routes. Unrouted requests get a 404.
func New() *Fake {
	return &Fake{
		connected: true,
		routes:    make(map[string]Route),
		subs:      make(map[transport.SubscriptionID]subscription),
	}
}

func routeKey(method, path string) string {
	return method + " " + path
}

// Handle installs r for method and path. The path excludes the query string.
func (f *Fake) Handle(method, path string, r Route) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[routeKey(method, path)] = r
}

// Respond installs a fixed JSON response. body may be nil, a []byte, a string
// or any JSON-marshalable value.
func (f *Fake) Respond(method, path string, status int, body any) {
	data := encode(body)
	f.Handle(method, path, func(context.Context, Request) (transport.Response, error) {
		return transport.Response{Status: status, Body: data}, nil
	})
}

// Fail makes method and path return err without a response.
func (f *Fake) Fail(method, path string, err error) {
	f.Handle(method, path, func(context.Context, Request) (transport.Response, error) {
		return transport.Response{}, err
	})
}

// Gate makes method and path block until the returned release function is
// called, then answer with status and body.
func (f *Fake) Gate(method, path string, status int, body any) (release func()) {
	ch := make(chan struct{})
	var once sync.Once
	data := encode(body)
	f.Handle(method, path, func(ctx context.Context, _ Request) (transport.Response, error) {
		select {
		case <-ch:
			return transport.Response{Status: status, Body: data}, nil
		case <-ctx.Done():
			return transport.Response{}, ctx.Err()
		}
	})
	return func() { once.Do(func() { close(ch) }) }
}

func (f *Fake) Request(ctx context.Context, method, path string, body any, headers http.Header) (transport.Response, error) {
	p, rawQuery, _ := strings.Cut(path, "?")
	query, _ := url.ParseQuery(rawQuery)
	req := Request{
		Method:  method,
		Path:    p,
		Query:   query,
		Headers: headers.Clone(),
	}
	if body != nil {
		req.Body = encode(body)
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	route, ok := f.routes[routeKey(method, p)]
	f.mu.Unlock()

	if !ok {
		return transport.Response{Status: http.StatusNotFound, Body: []byte(`{"error":"not found"}`)}, nil
	}
	return route(ctx, req)
}

// Requests returns every recorded request in call order.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}

// RequestsTo returns recorded requests matching method and path.
func (f *Fake) RequestsTo(method, path string) []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Request
	for _, r := range f.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (f *Fake) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// FailSends makes every later Send return err. A nil err restores success.
func (f *Fake) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *Fake) Subscribe(topic string, handler transport.Handler) (transport.SubscriptionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return 0, transport.ErrDisconnected
	}
	f.nextID++
	f.subs[f.nextID] = subscription{topic: topic, handler: handler}
	return f.nextID, nil
}

func (f *Fake) Unsubscribe(id transport.SubscriptionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return nil
}

func (f *Fake) Send(_ context.Context, destination string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrDisconnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, Sent{Destination: destination, Payload: encode(payload)})
	return nil
}

// SentTo returns the payloads sent to destination, in order.
func (f *Fake) SentTo(destination string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, s := range f.sent {
		if s.Destination == destination {
			out = append(out, s.Payload)
		}
	}
	return out
}

// Publish delivers payload to every subscriber of topic synchronously and
// returns how many handlers ran.
func (f *Fake) Publish(topic string, payload any) int {
	data := encode(payload)
	handlers := f.Handlers(topic)
	for _, h := range handlers {
		h(data)
	}
	return len(handlers)
}

// Handlers returns the live handlers for topic in subscription order. Calling
// one after its subscription was released simulates a delivery that was
// already in flight.
func (f *Fake) Handlers(topic string) []transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]transport.SubscriptionID, 0, len(f.subs))
	for id, s := range f.subs {
		if s.topic == topic {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	out := make([]transport.Handler, len(ids))
	for i, id := range ids {
		out[i] = f.subs[id].handler
	}
	return out
}

// Subscriptions returns the number of live subscriptions.
func (f *Fake) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Topics returns the distinct subscribed topics, sorted.
func (f *Fake) Topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, s := range f.subs {
		if _, ok := seen[s.topic]; ok {
			continue
		}
		seen[s.topic] = struct{}{}
		out = append(out, s.topic)
	}
	slices.Sort(out)
	return out
}

func encode(v any) []byte {
	switch b := v.(type) {
	case nil:
		return nil
	case []byte:
		return b
	case string:
		return []byte(b)
	case json.RawMessage:
		return b
	default:
		data, err := json.Marshal(v)
		if err != nil {
			panic("transporttest: " + err.Error())
		}
		return data
	}
}
