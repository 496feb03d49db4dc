// Package typing announces the local user's typing state and tracks who else
// is typing, both with a decay window.
//
// Local state per conversation is idle or announcing. Start from idle sends
// typing=true and arms the decay timer. Start while announcing only re-arms
// the timer: the push service keeps typing state until it receives false or
// its own expiry passes, so no periodic refresh is sent. Stop or the decay
// timer sends typing=false and returns to idle.
package typing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Avicted/hivechat/internal/clock"
	"github.com/Avicted/hivechat/internal/securelog"
)

const DefaultDecay = 5 * time.Second

const sendTimeout = 5 * time.Second

// Sender is the push-channel half the broadcaster needs.
type Sender interface {
	Send(ctx context.Context, destination string, payload any) error
}

// Typist is a remote user currently typing.
type Typist struct {
	UserID   string
	Username string
	Since    time.Time
}

// Announcement is the payload sent for the local user.
type Announcement struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username,omitempty"`
	Typing         bool   `json:"typing"`
}

// Destination returns where typing announcements for a conversation go.
func Destination(conversationID string) string {
	return "/app/hive/" + conversationID + "/typing"
}

// Identity is the local user an announcement is sent as.
type Identity struct {
	UserID   string
	Username string
}

type Options struct {
	// Self reports the local user at the time of the call. Remote typing
	// events from that user are ignored.
	Self   func() Identity
	Decay  time.Duration
	Clock  clock.Clock
	Logger *logrus.Entry
}

type Broadcaster struct {
	sender Sender
	self   func() Identity
	decay  time.Duration
	clock  clock.Clock
	log    *logrus.Entry
	tasks  *tasks

	mu         sync.Mutex
	announcing map[string]Identity
	remote     map[string]map[string]Typist
	closed     bool
}

func New(sender Sender, opts Options) *Broadcaster {
	c := clock.OrReal(opts.Clock)
	decay := opts.Decay
	if decay <= 0 {
		decay = DefaultDecay
	}
	return &Broadcaster{
		sender:     sender,
		self:       opts.Self,
		decay:      decay,
		clock:      c,
		log:        securelog.Component(opts.Logger, "typing"),
		tasks:      newTasks(c),
		announcing: make(map[string]Identity),
		remote:     make(map[string]map[string]Typist),
	}
}

func localKey(conversationID string) string {
	return "local\x00" + conversationID
}

func remoteKey(conversationID, userID string) string {
	return "remote\x00" + conversationID + "\x00" + userID
}

// Start signals that who is typing in a conversation. A different user
// taking over the conversation is announced again.
func (b *Broadcaster) Start(ctx context.Context, conversationID string, who Identity) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	prev, ok := b.announcing[conversationID]
	already := ok && prev.UserID == who.UserID
	b.announcing[conversationID] = who
	b.tasks.schedule(localKey(conversationID), b.decay, func() {
		b.expire(conversationID)
	})
	b.mu.Unlock()

	if already {
		return nil
	}
	if err := b.announce(ctx, conversationID, who, true); err != nil {
		b.mu.Lock()
		delete(b.announcing, conversationID)
		b.mu.Unlock()
		b.tasks.cancel(localKey(conversationID))
		return err
	}
	return nil
}

// Stop signals that the user who started typing in a conversation stopped.
// It does nothing when the conversation is idle.
func (b *Broadcaster) Stop(ctx context.Context, conversationID string) error {
	b.mu.Lock()
	who, ok := b.announcing[conversationID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.announcing, conversationID)
	b.mu.Unlock()

	b.tasks.cancel(localKey(conversationID))
	return b.announce(ctx, conversationID, who, false)
}

// Announcing reports whether the local user is shown as typing.
func (b *Broadcaster) Announcing(conversationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.announcing[conversationID]
	return ok
}

func (b *Broadcaster) expire(conversationID string) {
	b.mu.Lock()
	who, ok := b.announcing[conversationID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.announcing, conversationID)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := b.announce(ctx, conversationID, who, false); err != nil {
		securelog.Error(b.log, "typing auto-stop", err)
	}
}

func (b *Broadcaster) announce(ctx context.Context, conversationID string, who Identity, typing bool) error {
	if b.sender == nil {
		return nil
	}
	err := b.sender.Send(ctx, Destination(conversationID), Announcement{
		ConversationID: conversationID,
		UserID:         who.UserID,
		Username:       who.Username,
		Typing:         typing,
	})
	if err != nil {
		return fmt.Errorf("announce typing: %w", err)
	}
	return nil
}

// Observe records a remote user as typing as of at. The entry disappears
// once the decay window has passed without another Observe.
func (b *Broadcaster) Observe(conversationID, userID, username string, at time.Time) {
	if userID == "" || userID == b.selfID() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	users, ok := b.remote[conversationID]
	if !ok {
		users = make(map[string]Typist)
		b.remote[conversationID] = users
	}
	users[userID] = Typist{UserID: userID, Username: username, Since: at}

	// Entries are shown while now-at <= decay, so removal is due one tick
	// after that.
	remaining := b.decay - b.clock.Now().Sub(at) + time.Nanosecond
	if remaining < 0 {
		remaining = 0
	}
	b.tasks.schedule(remoteKey(conversationID, userID), remaining, func() {
		b.drop(conversationID, userID, at)
	})
}

func (b *Broadcaster) selfID() string {
	if b.self == nil {
		return ""
	}
	return b.self().UserID
}

// Forget removes a remote user from a conversation's typing list.
func (b *Broadcaster) Forget(conversationID, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forgetLocked(conversationID, userID)
	b.tasks.cancel(remoteKey(conversationID, userID))
}

// drop removes the entry only if it was not refreshed since at.
func (b *Broadcaster) drop(conversationID, userID string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.remote[conversationID][userID]; ok && cur.Since.Equal(at) {
		b.forgetLocked(conversationID, userID)
	}
}

func (b *Broadcaster) forgetLocked(conversationID, userID string) {
	users, ok := b.remote[conversationID]
	if !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(b.remote, conversationID)
	}
}

// Typing returns the remote users typing in a conversation, oldest
// announcement first. Entries past the decay window are filtered out.
func (b *Broadcaster) Typing(conversationID string) []Typist {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	var out []Typist
	for _, t := range b.remote[conversationID] {
		if now.Sub(t.Since) > b.decay {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// ForgetConversation drops remote typing state for a conversation and stops
// announcing there without sending anything.
func (b *Broadcaster) ForgetConversation(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for userID := range b.remote[conversationID] {
		b.tasks.cancel(remoteKey(conversationID, userID))
	}
	delete(b.remote, conversationID)
	if _, ok := b.announcing[conversationID]; ok {
		delete(b.announcing, conversationID)
		b.tasks.cancel(localKey(conversationID))
	}
}

// Reset cancels every pending timer and clears all state without sending
// anything.
func (b *Broadcaster) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

// Close is Reset after which Start and Observe do nothing.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.resetLocked()
}

func (b *Broadcaster) resetLocked() {
	b.tasks.cancelAll()
	b.announcing = make(map[string]Identity)
	b.remote = make(map[string]map[string]Typist)
}

// Pending reports how many timers are armed.
func (b *Broadcaster) Pending() int {
	return b.tasks.len()
}
