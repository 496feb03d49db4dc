// Package optimistic tracks locally created messages that the server has not
// confirmed yet.
package optimistic

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Avicted/hivechat/internal/clock"
	"github.com/Avicted/hivechat/internal/message"
)

var (
	// ErrReconciliationConflict means a confirmation or failure arrived for a
	// placeholder that is no longer tracked, usually because it was discarded.
	ErrReconciliationConflict = errors.New("placeholder no longer tracked")
	ErrUnknownPlaceholder     = errors.New("unknown placeholder")
	ErrNotFailed              = errors.New("placeholder has not failed")
)

// Placeholder is an unconfirmed message together with what is needed to send
// it again.
type Placeholder struct {
	Message message.Message
	Content message.Content
	Err     error
}

// Reconciliation pairs a placeholder ID with the server record that replaced
// it, so lists can splice one for the other. When Err is set the send failed
// and Message is the failed placeholder.
type Reconciliation struct {
	LocalID message.ID
	Message message.Message
	Err     error
}

type Tracker struct {
	mu    sync.Mutex
	items map[message.ID]Placeholder
	order []message.ID
	idGen func() message.ID
	now   func() time.Time
}

func New(c clock.Clock) *Tracker {
	c = clock.OrReal(c)
	return &Tracker{
		items: make(map[message.ID]Placeholder),
		idGen: func() message.ID {
			return message.ID(message.OptimisticPrefix + uuid.NewString())
		},
		now: c.Now,
	}
}

// Create registers a pending placeholder and returns it.
func (t *Tracker) Create(conversationID, senderID, senderName string, content message.Content) Placeholder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createLocked(conversationID, senderID, senderName, content)
}

func (t *Tracker) createLocked(conversationID, senderID, senderName string, content message.Content) Placeholder {
	kind := content.Kind
	if kind == "" {
		kind = message.KindText
	}
	now := t.now().UTC()
	p := Placeholder{
		Message: message.Message{
			ID:             t.idGen(),
			ConversationID: conversationID,
			SenderID:       senderID,
			SenderName:     senderName,
			Body:           content.Body,
			Kind:           kind,
			Status:         message.StatusPending,
			Attachments:    content.Attachments,
			ThreadID:       content.ThreadID,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		Content: content,
	}
	t.items[p.Message.ID] = p
	t.order = append(t.order, p.Message.ID)
	return clonePlaceholder(p)
}

func (t *Tracker) Get(id message.ID) (Placeholder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[id]
	if !ok {
		return Placeholder{}, false
	}
	return clonePlaceholder(p), true
}

// Confirm stops tracking localID in favour of the server record.
func (t *Tracker) Confirm(localID message.ID, server message.Message) (Reconciliation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[localID]; !ok {
		return Reconciliation{}, ErrReconciliationConflict
	}
	t.removeLocked(localID)
	return Reconciliation{LocalID: localID, Message: server.Clone()}, nil
}

// Fail marks localID failed and keeps it for retry or discard.
func (t *Tracker) Fail(localID message.ID, err error) (Placeholder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.items[localID]
	if !ok {
		return Placeholder{}, ErrReconciliationConflict
	}
	p.Message.Status = message.StatusFailed
	p.Err = err
	t.items[localID] = p
	return clonePlaceholder(p), nil
}

// Retry replaces a failed placeholder with a fresh pending one under a new ID.
func (t *Tracker) Retry(localID message.ID) (Placeholder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.items[localID]
	if !ok {
		return Placeholder{}, ErrUnknownPlaceholder
	}
	if old.Message.Status != message.StatusFailed {
		return Placeholder{}, ErrNotFailed
	}
	t.removeLocked(localID)
	return t.createLocked(old.Message.ConversationID, old.Message.SenderID, old.Message.SenderName, old.Content), nil
}

func (t *Tracker) Discard(localID message.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[localID]; !ok {
		return false
	}
	t.removeLocked(localID)
	return true
}

// DiscardConversation drops every placeholder of a conversation and returns
// how many were dropped.
func (t *Tracker) DiscardConversation(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	kept := t.order[:0]
	for _, id := range t.order {
		if t.items[id].Message.ConversationID == conversationID {
			delete(t.items, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	return n
}

// Pending returns the conversation's placeholders, pending and failed, in
// creation order.
func (t *Tracker) Pending(conversationID string) []Placeholder {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Placeholder
	for _, id := range t.order {
		p := t.items[id]
		if p.Message.ConversationID == conversationID {
			out = append(out, clonePlaceholder(p))
		}
	}
	return out
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = make(map[message.ID]Placeholder)
	t.order = nil
}

func (t *Tracker) removeLocked(id message.ID) {
	delete(t.items, id)
	for i, cur := range t.order {
		if cur == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

func clonePlaceholder(p Placeholder) Placeholder {
	p.Message = p.Message.Clone()
	return p
}
