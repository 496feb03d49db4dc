// Package chat is the synchronization facade: it keeps a local message cache
// in step with the chat service over a request/response API and a push
// channel, with optimistic sends and typing presence.
//
// A Client owns its cache and placeholder tracker. The transport is shared
// and owned by the caller.
package chat

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Avicted/hivechat/internal/auth"
	"github.com/Avicted/hivechat/internal/clock"
	"github.com/Avicted/hivechat/internal/events"
	"github.com/Avicted/hivechat/internal/message"
	"github.com/Avicted/hivechat/internal/metrics"
	"github.com/Avicted/hivechat/internal/optimistic"
	"github.com/Avicted/hivechat/internal/securelog"
	"github.com/Avicted/hivechat/internal/storage"
	"github.com/Avicted/hivechat/internal/transport"
	"github.com/Avicted/hivechat/internal/typing"
)

type Reconciliation = optimistic.Reconciliation

type Options struct {
	CacheTimeout time.Duration
	TypingDecay  time.Duration
	Clock        clock.Clock
	Logger       *logrus.Entry
	Metrics      *metrics.Metrics
	OnDiagnostic func(events.Diagnostic)
}

// generation identifies one lifetime of a conversation's cache. Evicting the
// conversation or cleaning up the client starts a new one, so responses that
// were requested under an older generation are not cached.
type generation struct {
	epoch uint64
	conv  uint64
}

type Client struct {
	transport transport.Adapter
	auth      auth.Provider
	store     *storage.Store
	tracker   *optimistic.Tracker
	router    *events.Router
	typing    *typing.Broadcaster
	clock     clock.Clock
	log       *logrus.Entry
	metrics   *metrics.Metrics

	mu          sync.Mutex
	epoch       uint64
	generations map[string]uint64

	obsMu     sync.Mutex
	observers map[uint64]func(Reconciliation)
	nextObs   uint64

	wg sync.WaitGroup
}

// New builds a Client. The local identity is asked from provider whenever it
// is needed, so a client built before sign-in picks it up later.
func New(t transport.Adapter, provider auth.Provider, opts Options) *Client {
	c := clock.OrReal(opts.Clock)
	store := storage.New(opts.CacheTimeout, c)

	client := &Client{
		transport:   t,
		auth:        provider,
		store:       store,
		tracker:     optimistic.New(c),
		clock:       c,
		log:         securelog.Component(opts.Logger, "chat"),
		metrics:     opts.Metrics,
		generations: make(map[string]uint64),
		observers:   make(map[uint64]func(Reconciliation)),
	}
	client.typing = typing.New(t, typing.Options{
		Self:   client.identity,
		Decay:  opts.TypingDecay,
		Clock:  c,
		Logger: opts.Logger,
	})
	client.router = events.NewRouter(t, events.Options{
		Store:        store,
		Presence:     client.typing,
		Self:         func() string { return client.identity().UserID },
		Clock:        c,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
		OnDiagnostic: opts.OnDiagnostic,
	})
	return client
}

// identity is the signed-in user, or the zero Identity when there is none.
func (c *Client) identity() typing.Identity {
	s, err := c.session()
	if err != nil {
		return typing.Identity{}
	}
	return typing.Identity{UserID: s.UserID, Username: s.Username}
}

func (c *Client) session() (auth.Session, error) {
	if c.auth == nil {
		return auth.Session{}, ErrAuthenticationRequired
	}
	s, err := c.auth.Session()
	if err != nil || s.Token == "" {
		return auth.Session{}, ErrAuthenticationRequired
	}
	return s, nil
}

// do performs one authenticated request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, s auth.Session, method, path string, body, out any) error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+s.Token)
	resp, err := c.transport.Request(ctx, method, path, body, headers)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		if resp.Status == http.StatusUnauthorized {
			return errors.Join(ErrAuthenticationRequired, err)
		}
		if resp.Status == http.StatusNotFound {
			return errors.Join(ErrNotFound, err)
		}
		return err
	}
	return resp.Decode(out)
}

func (c *Client) currentGeneration(conversationID string) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return generation{epoch: c.epoch, conv: c.generations[conversationID]}
}

// sameGenerationLocked must be called with c.mu held.
func (c *Client) sameGenerationLocked(conversationID string, g generation) bool {
	return g.epoch == c.epoch && g.conv == c.generations[conversationID]
}

// Subscribe forwards to the event router. While the push channel is down the
// returned handle does nothing.
func (c *Client) Subscribe(conversationID string, category events.Category, cb events.Callback) events.Unsubscribe {
	return c.router.Subscribe(conversationID, category, cb)
}

// SubscribeConversation subscribes cb to every event category of a
// conversation and returns one handle releasing all of them.
func (c *Client) SubscribeConversation(conversationID string, cb events.Callback) events.Unsubscribe {
	handles := make([]events.Unsubscribe, 0, len(events.Categories))
	for _, cat := range events.Categories {
		handles = append(handles, c.router.Subscribe(conversationID, cat, cb))
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for _, h := range handles {
				h()
			}
		})
	}
}

// OnReconcile registers cb for send outcomes. The returned function removes
// it.
func (c *Client) OnReconcile(cb func(Reconciliation)) func() {
	c.obsMu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = cb
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

func (c *Client) notify(r Reconciliation) {
	c.obsMu.Lock()
	ids := make([]uint64, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	c.obsMu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		c.obsMu.Lock()
		cb, ok := c.observers[id]
		c.obsMu.Unlock()
		if ok {
			cb(r)
		}
	}
}

// EvictConversation drops everything cached for a conversation: history,
// messages, placeholders and typing state. Responses still in flight for it
// are returned to their callers but not cached.
func (c *Client) EvictConversation(conversationID string) {
	c.mu.Lock()
	c.generations[conversationID]++
	c.store.EvictConversation(conversationID)
	c.tracker.DiscardConversation(conversationID)
	c.mu.Unlock()

	c.typing.ForgetConversation(conversationID)
	c.metrics.SetPlaceholders(c.tracker.Len())
}

// Cleanup releases every subscription, cancels typing timers and clears the
// cache and placeholders. It is safe to call more than once, and the client
// stays usable afterwards.
func (c *Client) Cleanup() {
	c.router.UnsubscribeAll()
	c.typing.Reset()

	c.mu.Lock()
	c.epoch++
	c.generations = make(map[string]uint64)
	c.store.ClearAll()
	c.tracker.Clear()
	c.mu.Unlock()

	c.metrics.SetPlaceholders(0)
}

// Wait blocks until every background send has settled.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Cached returns a cached message without touching the network.
func (c *Client) Cached(id message.ID) (message.Message, bool) {
	return c.store.Get(id)
}

func (c *Client) logConflict(context string, err error) {
	if errors.Is(err, optimistic.ErrReconciliationConflict) {
		securelog.Debug(c.log, context, err)
		return
	}
	securelog.Error(c.log, context, err)
}
