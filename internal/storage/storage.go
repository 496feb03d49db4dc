// Package storage holds the in-process message cache: messages by ID and
// history pages by conversation, both with lazy time-based expiry.
//
// Expiry is only checked when an entry is touched. No background sweep runs,
// so an expired entry that nobody reads keeps occupying memory until the
// next access, EvictConversation or ClearAll.
package storage

import (
	"sync"
	"time"

	"github.com/Avicted/hivechat/internal/clock"
	"github.com/Avicted/hivechat/internal/message"
)

const DefaultCacheTimeout = 5 * time.Minute

type Store struct {
	mu        sync.Mutex
	clock     clock.Clock
	ttl       time.Duration
	messages  map[message.ID]Entry[message.Message]
	histories map[string]Entry[message.Page]
}

func New(ttl time.Duration, c clock.Clock) *Store {
	if ttl <= 0 {
		ttl = DefaultCacheTimeout
	}
	return &Store{
		clock:     clock.OrReal(c),
		ttl:       ttl,
		messages:  make(map[message.ID]Entry[message.Message]),
		histories: make(map[string]Entry[message.Page]),
	}
}

// Put inserts or overwrites m and refreshes its timestamp.
func (s *Store) Put(m message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(m)
}

func (s *Store) Get(id message.ID) (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.messages[id]
	if !ok {
		return message.Message{}, false
	}
	if e.Expired(s.clock.Now(), s.ttl) {
		delete(s.messages, id)
		return message.Message{}, false
	}
	return e.Value.Clone(), true
}

// Upsert puts m and splices it into its conversation's cached page, keeping
// the page unique by ID and ordered by creation time.
func (s *Store) Upsert(m message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(m)
	page, ok := s.historyLocked(m.ConversationID)
	if !ok {
		return
	}
	page.Value.Messages = message.Merge(page.Value.Messages, m)
	page.Value.Cursor = message.Oldest(page.Value.Messages)
	s.histories[m.ConversationID] = page
}

// Update applies fn to the cached record with the given ID. fn returns the
// new record and whether it changed anything. Unknown or expired IDs are left
// alone.
func (s *Store) Update(id message.ID, fn func(message.Message) (message.Message, bool)) (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.lookupLocked(id)
	if !ok {
		return message.Message{}, false
	}
	next, changed := fn(current.Clone())
	if !changed {
		return current, false
	}
	s.putLocked(next)
	if page, ok := s.historyLocked(next.ConversationID); ok {
		page.Value.Messages = message.Merge(page.Value.Messages, next)
		s.histories[next.ConversationID] = page
	}
	return next.Clone(), true
}

// Evict removes one message from the cache and from its cached page. It
// reports whether the ID was known.
func (s *Store) Evict(id message.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := false
	conv := ""
	if e, ok := s.messages[id]; ok {
		known = true
		conv = e.Value.ConversationID
		delete(s.messages, id)
	}
	for key, page := range s.histories {
		if conv != "" && key != conv {
			continue
		}
		msgs, removed := message.Without(page.Value.Messages, id)
		if !removed {
			continue
		}
		known = true
		page.Value.Messages = msgs
		page.Value.Cursor = message.Oldest(msgs)
		s.histories[key] = page
	}
	return known
}

func (s *Store) History(conversationID string) (message.Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.historyLocked(conversationID)
	if !ok {
		return message.Page{}, false
	}
	return copyPage(e.Value), true
}

// SetHistory replaces the cached page for a conversation.
func (s *Store) SetHistory(conversationID string, page message.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page.Messages = message.Merge(nil, page.Messages...)
	if page.Cursor == "" {
		page.Cursor = message.Oldest(page.Messages)
	}
	s.histories[conversationID] = Entry[message.Page]{Value: page, InsertedAt: s.clock.Now()}
}

// MergeHistory folds a fetched page into the cached one. older marks a
// backward pagination result, whose HasMore flag replaces the cached one.
// Every fetched message is also cached individually.
func (s *Store) MergeHistory(conversationID string, fetched message.Page, older bool) message.Page {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range fetched.Messages {
		s.putLocked(m)
	}

	merged := message.Page{HasMore: fetched.HasMore}
	if existing, ok := s.historyLocked(conversationID); ok {
		merged.Messages = message.Merge(existing.Value.Messages, fetched.Messages...)
		if !older {
			merged.HasMore = existing.Value.HasMore
		}
	} else {
		merged.Messages = message.Merge(nil, fetched.Messages...)
	}
	merged.Cursor = message.Oldest(merged.Messages)
	s.histories[conversationID] = Entry[message.Page]{Value: merged, InsertedAt: s.clock.Now()}
	return copyPage(merged)
}

// EvictConversation drops the conversation's page and every message that
// belongs to it.
func (s *Store) EvictConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, conversationID)
	for id, e := range s.messages {
		if e.Value.ConversationID == conversationID {
			delete(s.messages, id)
		}
	}
}

func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[message.ID]Entry[message.Message])
	s.histories = make(map[string]Entry[message.Page])
}

// Len reports how many message entries are held, including expired ones
// that have not been touched yet.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Store) putLocked(m message.Message) {
	s.messages[m.ID] = Entry[message.Message]{Value: m.Clone(), InsertedAt: s.clock.Now()}
}

func (s *Store) historyLocked(conversationID string) (Entry[message.Page], bool) {
	e, ok := s.histories[conversationID]
	if !ok {
		return Entry[message.Page]{}, false
	}
	if e.Expired(s.clock.Now(), s.ttl) {
		delete(s.histories, conversationID)
		return Entry[message.Page]{}, false
	}
	return e, true
}

// lookupLocked finds a live record by ID, falling back to cached pages when
// the individual entry is gone.
func (s *Store) lookupLocked(id message.ID) (message.Message, bool) {
	now := s.clock.Now()
	if e, ok := s.messages[id]; ok {
		if !e.Expired(now, s.ttl) {
			return e.Value, true
		}
		delete(s.messages, id)
	}
	for conv := range s.histories {
		page, ok := s.historyLocked(conv)
		if !ok {
			continue
		}
		for _, m := range page.Value.Messages {
			if m.ID == id {
				return m, true
			}
		}
	}
	return message.Message{}, false
}

func copyPage(p message.Page) message.Page {
	msgs := make([]message.Message, len(p.Messages))
	for i, m := range p.Messages {
		msgs[i] = m.Clone()
	}
	p.Messages = msgs
	return p
}
