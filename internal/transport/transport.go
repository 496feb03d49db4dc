// Package transport defines the two primitives the chat core talks to the
// remote service through: a request/response call and a topic-based push
// channel. HTTPClient and WSClient are the production implementations.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrDisconnected is returned by push-channel operations while the channel
// is down.
var ErrDisconnected = errors.New("push channel disconnected")

// Response is the raw result of a request.
type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Err returns nil for a 2xx response and an *Error otherwise.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	return &Error{Status: r.Status, Message: ExtractMessage(r.Body)}
}

// Decode unmarshals a JSON body into out. An empty body leaves out untouched.
func (r Response) Decode(out any) error {
	if out == nil || len(strings.TrimSpace(string(r.Body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Error is a request that reached the server but did not succeed.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server: %s", e.Message)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

// ExtractMessage pulls a human-readable message out of an error body shaped
// like {"error": "..."} or {"message": "..."}.
func ExtractMessage(body []byte) string {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return ""
	}
	if apiErr.Error != "" {
		return apiErr.Error
	}
	return apiErr.Message
}

// Requester issues request/response calls.
type Requester interface {
	Request(ctx context.Context, method, path string, body any, headers http.Header) (Response, error)
}

type SubscriptionID uint64

// Handler receives raw push payloads for a topic.
type Handler func(payload []byte)

// PubSub is the push channel.
type PubSub interface {
	Subscribe(topic string, handler Handler) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID) error
	Send(ctx context.Context, destination string, payload any) error
	IsConnected() bool
}

// Adapter is both primitives together.
type Adapter interface {
	Requester
	PubSub
}

type joined struct {
	Requester
	PubSub
}

// Join combines a Requester and a PubSub into an Adapter.
func Join(r Requester, p PubSub) Adapter {
	return joined{Requester: r, PubSub: p}
}

// Offline is a PubSub that is never connected. It lets the request path run
// when no push channel could be established.
type Offline struct{}

func (Offline) Subscribe(string, Handler) (SubscriptionID, error) { return 0, ErrDisconnected }
func (Offline) Unsubscribe(SubscriptionID) error                 { return nil }
func (Offline) Send(context.Context, string, any) error          { return ErrDisconnected }
func (Offline) IsConnected() bool                                { return false }
