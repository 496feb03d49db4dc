package chat

import (
	"net/url"
	"strconv"

	"github.com/Avicted/hivechat/internal/message"
)

const apiBase = "/api/v1/chat"

func conversationPath(conversationID string) string {
	return apiBase + "/hives/" + url.PathEscape(conversationID) + "/messages"
}

func typingPath(conversationID string) string {
	return apiBase + "/hives/" + url.PathEscape(conversationID) + "/typing"
}

func messagePath(id message.ID) string {
	return apiBase + "/messages/" + url.PathEscape(string(id))
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// typingIndicator is one entry of the typing snapshot. A missing flag means
// the user is typing.
type typingIndicator struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Typing   *bool  `json:"typing"`
	IsTyping *bool  `json:"isTyping"`
}

func (t typingIndicator) active() bool {
	switch {
	case t.Typing != nil:
		return *t.Typing
	case t.IsTyping != nil:
		return *t.IsTyping
	}
	return true
}

type editRequest struct {
	Body string `json:"body"`
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

type readRequest struct {
	MessageIDs []message.ID `json:"messageIds"`
}

// historyResponse accepts both the {messages, hasMore} shape and a paged
// {content, last} shape.
type historyResponse struct {
	Messages []message.Message `json:"messages"`
	Content  []message.Message `json:"content"`
	HasMore  *bool             `json:"hasMore"`
	Last     *bool             `json:"last"`
}

func (r historyResponse) page(conversationID string) message.Page {
	msgs := r.Messages
	if len(msgs) == 0 {
		msgs = r.Content
	}
	p := message.Page{Messages: make([]message.Message, 0, len(msgs))}
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		p.Messages = append(p.Messages, normalize(conversationID, m))
	}
	switch {
	case r.HasMore != nil:
		p.HasMore = *r.HasMore
	case r.Last != nil:
		p.HasMore = !*r.Last
	}
	return p
}

// HistoryOptions selects a history window. The zero value means the most
// recent page, served from cache when possible.
type HistoryOptions struct {
	Before message.ID
	Limit  int
}

func (o *HistoryOptions) empty() bool {
	return o == nil || (o.Before == "" && o.Limit <= 0)
}

func (o *HistoryOptions) query() url.Values {
	q := url.Values{}
	if o == nil {
		return q
	}
	if o.Before != "" {
		q.Set("before", string(o.Before))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

type DeleteOptions struct {
	// Soft keeps the record in place with a tombstone body.
	Soft bool
}

type SearchParams struct {
	ConversationID string
	Query          string
	Sender         string
	Limit          int
}

func normalize(conversationID string, m message.Message) message.Message {
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	if m.Kind == "" {
		m.Kind = message.KindText
	}
	if m.Status == "" {
		m.Status = message.StatusSent
	}
	return m
}
