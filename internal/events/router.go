package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Avicted/hivechat/internal/clock"
	"github.com/Avicted/hivechat/internal/message"
	"github.com/Avicted/hivechat/internal/metrics"
	"github.com/Avicted/hivechat/internal/securelog"
	"github.com/Avicted/hivechat/internal/transport"
)

// Store is the part of the message cache the router mutates.
type Store interface {
	Upsert(m message.Message)
	Update(id message.ID, fn func(message.Message) (message.Message, bool)) (message.Message, bool)
	Evict(id message.ID) bool
}

// Presence receives remote typing state.
type Presence interface {
	Observe(conversationID, userID, username string, at time.Time)
	Forget(conversationID, userID string)
}

// Diagnostic describes a dropped payload. It never carries the payload.
type Diagnostic struct {
	Topic    string
	Category Category
	Size     int
	Err      error
}

type Callback func(Event)

// Unsubscribe releases a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

type Options struct {
	Store    Store
	Presence Presence
	// Self reports the local user when an event arrives; typing events from
	// that user are ignored.
	Self         func() string
	Clock        clock.Clock
	Logger       *logrus.Entry
	Metrics      *metrics.Metrics
	OnDiagnostic func(Diagnostic)
}

type subscription struct {
	id     transport.SubscriptionID
	active atomic.Bool
	once   sync.Once
}

type Router struct {
	pubsub   transport.PubSub
	store    Store
	presence Presence
	self     func() string
	clock    clock.Clock
	log      *logrus.Entry
	metrics  *metrics.Metrics
	onDiag   func(Diagnostic)

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

func NewRouter(ps transport.PubSub, opts Options) *Router {
	return &Router{
		pubsub:   ps,
		store:    opts.Store,
		presence: opts.Presence,
		self:     opts.Self,
		clock:    clock.OrReal(opts.Clock),
		log:      securelog.Component(opts.Logger, "router"),
		metrics:  opts.Metrics,
		onDiag:   opts.OnDiagnostic,
		subs:     make(map[*subscription]struct{}),
	}
}

func noop() {}

// Subscribe listens for category events of a conversation. While the push
// channel is down nothing is subscribed and the returned handle does nothing.
func (r *Router) Subscribe(conversationID string, category Category, cb Callback) Unsubscribe {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed || !r.pubsub.IsConnected() {
		r.log.WithFields(logrus.Fields{
			"conversation": conversationID,
			"category":     category,
		}).Debug("push channel down, not subscribing")
		return noop
	}

	topic := TopicFor(conversationID, category)
	sub := &subscription{}
	sub.active.Store(true)

	id, err := r.pubsub.Subscribe(topic, func(payload []byte) {
		if !sub.active.Load() {
			return
		}
		r.deliver(sub, conversationID, category, topic, payload, cb)
	})
	if err != nil {
		securelog.Error(r.log, "subscribe "+topic, err)
		return noop
	}
	sub.id = id

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.release(sub)
		return noop
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()
	r.metrics.SubscriptionOpened()

	return func() {
		r.mu.Lock()
		_, tracked := r.subs[sub]
		delete(r.subs, sub)
		r.mu.Unlock()
		if tracked {
			r.release(sub)
			r.metrics.SubscriptionClosed()
		}
	}
}

// Close releases every subscription. Later Subscribe calls return no-op
// handles.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.UnsubscribeAll()
}

// UnsubscribeAll releases every live subscription and keeps the router
// usable.
func (r *Router) UnsubscribeAll() {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.subs = make(map[*subscription]struct{})
	r.mu.Unlock()

	for _, s := range subs {
		r.release(s)
		r.metrics.SubscriptionClosed()
	}
}

// Active reports the number of live subscriptions.
func (r *Router) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Router) release(sub *subscription) {
	sub.once.Do(func() {
		sub.active.Store(false)
		if err := r.pubsub.Unsubscribe(sub.id); err != nil {
			securelog.Error(r.log, "unsubscribe", err)
		}
	})
}

func (r *Router) deliver(sub *subscription, conversationID string, category Category, topic string, payload []byte, cb Callback) {
	ev, err := Parse(conversationID, category, payload)
	if err != nil {
		r.metrics.PayloadDropped(string(category))
		securelog.Payload(r.log, topic, len(payload), err)
		if r.onDiag != nil {
			r.onDiag(Diagnostic{Topic: topic, Category: category, Size: len(payload), Err: err})
		}
		return
	}

	if !r.apply(ev) {
		return
	}
	r.metrics.EventApplied(string(category))
	if cb != nil && sub.active.Load() {
		cb(ev)
	}
}

func (r *Router) selfID() string {
	if r.self == nil {
		return ""
	}
	return r.self()
}

// apply performs the cache mutation for ev. It returns false for events that
// are dropped without reaching the callback.
func (r *Router) apply(ev Event) bool {
	switch e := ev.(type) {
	case MessageEvent:
		if r.store != nil {
			r.store.Upsert(e.Message)
		}
	case EditEvent:
		if r.store != nil {
			r.store.Upsert(e.Message)
		}
	case DeleteEvent:
		if r.store != nil && !r.store.Evict(e.MessageID) {
			r.log.WithField("conversation", e.ConversationID).Debug("delete for unknown message")
			return false
		}
	case ReactionEvent:
		if r.store == nil {
			break
		}
		current, changed := r.store.Update(e.MessageID, func(m message.Message) (message.Message, bool) {
			if e.Action == ReactionRemoved {
				return m.WithoutReaction(e.Emoji, e.UserID)
			}
			return m.WithReaction(message.Reaction{Emoji: e.Emoji, UserID: e.UserID, Username: e.Username})
		})
		// An unchanged record still comes back with its ID; an unknown one
		// does not.
		if !changed && current.ID == "" {
			r.log.WithField("conversation", e.ConversationID).Debug("reaction for unknown message")
			return false
		}
	case TypingEvent:
		if self := r.selfID(); self != "" && e.UserID == self {
			return false
		}
		if r.presence == nil {
			break
		}
		if e.Typing {
			r.presence.Observe(e.ConversationID, e.UserID, e.Username, r.clock.Now())
		} else {
			r.presence.Forget(e.ConversationID, e.UserID)
		}
	}
	return true
}
