package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"strings"
	"time"
)

// OptimisticPrefix marks IDs minted locally for unconfirmed sends. Server IDs
// never carry it.
const OptimisticPrefix = "optimistic-"

// Tombstone replaces the body of a soft-deleted message.
const Tombstone = "[Message deleted]"

type ID string

// UnmarshalJSON accepts both string and numeric IDs; numbers are kept in
// their decimal form.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("message id must be a string or number")
	}
	*id = ID(n.String())
	return nil
}

// IsOptimistic reports whether id was minted locally.
func (id ID) IsOptimistic() bool {
	return strings.HasPrefix(string(id), OptimisticPrefix)
}

type Kind string

const (
	KindText   Kind = "text"
	KindEmoji  Kind = "emoji"
	KindUpdate Kind = "update"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

type Reaction struct {
	Emoji    string `json:"emoji"`
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type Message struct {
	ID             ID           `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	SenderName     string       `json:"senderName,omitempty"`
	Body           string       `json:"body"`
	Kind           Kind         `json:"kind,omitempty"`
	Status         Status       `json:"status,omitempty"`
	Reactions      []Reaction   `json:"reactions,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ThreadID       ID           `json:"threadId,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt,omitempty"`
	Edited         bool         `json:"edited,omitempty"`
	Deleted        bool         `json:"deleted,omitempty"`
	Pinned         bool         `json:"pinned,omitempty"`
}

// Content is what a caller asks to send.
type Content struct {
	Body        string       `json:"body"`
	Kind        Kind         `json:"kind,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ThreadID    ID           `json:"threadId,omitempty"`
}

// Text returns plain text content.
func Text(body string) Content {
	return Content{Body: body, Kind: KindText}
}

// Page is one cached window of a conversation's history.
type Page struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
	Cursor   ID        `json:"cursor,omitempty"`
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.Reactions = slices.Clone(m.Reactions)
	m.Attachments = slices.Clone(m.Attachments)
	return m
}

func (m Message) HasReaction(emoji, userID string) bool {
	return slices.ContainsFunc(m.Reactions, func(r Reaction) bool {
		return r.Emoji == emoji && r.UserID == userID
	})
}

// WithReaction appends r unless the same (emoji, user) pair is present. The
// second result reports whether anything changed.
func (m Message) WithReaction(r Reaction) (Message, bool) {
	if m.HasReaction(r.Emoji, r.UserID) {
		return m, false
	}
	out := m.Clone()
	out.Reactions = append(out.Reactions, r)
	return out, true
}

// WithoutReaction removes the (emoji, user) pair if present.
func (m Message) WithoutReaction(emoji, userID string) (Message, bool) {
	if !m.HasReaction(emoji, userID) {
		return m, false
	}
	out := m.Clone()
	out.Reactions = slices.DeleteFunc(out.Reactions, func(r Reaction) bool {
		return r.Emoji == emoji && r.UserID == userID
	})
	return out, true
}

// Tombstoned returns the soft-deleted form of m.
func (m Message) Tombstoned(at time.Time) Message {
	out := m.Clone()
	out.Body = Tombstone
	out.Deleted = true
	out.Attachments = nil
	out.UpdatedAt = at
	return out
}

// Sort orders msgs by creation time, oldest first, breaking ties by ID.
func Sort(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// Merge returns base with incoming applied: records with a known ID replace
// the existing one, new IDs are added. The result is unique by ID and sorted.
func Merge(base []Message, incoming ...Message) []Message {
	out := make([]Message, 0, len(base)+len(incoming))
	index := make(map[ID]int, len(base)+len(incoming))
	for _, m := range base {
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range incoming {
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	Sort(out)
	return out
}

// Without returns msgs minus the record with the given ID.
func Without(msgs []Message, id ID) ([]Message, bool) {
	i := slices.IndexFunc(msgs, func(m Message) bool { return m.ID == id })
	if i < 0 {
		return msgs, false
	}
	out := make([]Message, 0, len(msgs)-1)
	out = append(out, msgs[:i]...)
	return append(out, msgs[i+1:]...), true
}

// Oldest returns the ID of the first message, or "" for an empty slice.
func Oldest(msgs []Message) ID {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[0].ID
}
