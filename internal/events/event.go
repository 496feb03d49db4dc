// Package events turns push payloads into typed events, applies them to the
// local cache and forwards them to subscribers.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Avicted/hivechat/internal/message"
)

// ErrMalformedPayload marks a push payload that failed validation.
var ErrMalformedPayload = errors.New("malformed payload")

type Category string

const (
	CategoryMessage  Category = "message"
	CategoryEdit     Category = "edit"
	CategoryDelete   Category = "delete"
	CategoryReaction Category = "reaction"
	CategoryTyping   Category = "typing"
)

// Categories lists every category a conversation can be subscribed to.
var Categories = []Category{CategoryMessage, CategoryEdit, CategoryDelete, CategoryReaction, CategoryTyping}

// TopicFor returns the push topic carrying category for a conversation.
func TopicFor(conversationID string, c Category) string {
	base := "/topic/hive/" + conversationID
	switch c {
	case CategoryMessage:
		return base + "/chat"
	case CategoryEdit:
		return base + "/chat/edit"
	case CategoryDelete:
		return base + "/chat/delete"
	case CategoryReaction:
		return base + "/chat/reaction"
	case CategoryTyping:
		return base + "/typing"
	default:
		return base + "/" + string(c)
	}
}

// Event is one of MessageEvent, EditEvent, DeleteEvent, ReactionEvent,
// TypingEvent or UnknownEvent.
type Event interface {
	Category() Category
	Conversation() string
	sealed()
}

type MessageEvent struct {
	Message message.Message
}

type EditEvent struct {
	Message message.Message
}

type DeleteEvent struct {
	ConversationID string
	MessageID      message.ID
}

type ReactionAction string

const (
	ReactionAdded   ReactionAction = "add"
	ReactionRemoved ReactionAction = "remove"
)

type ReactionEvent struct {
	ConversationID string
	MessageID      message.ID
	UserID         string
	Username       string
	Emoji          string
	Action         ReactionAction
}

type TypingEvent struct {
	ConversationID string
	UserID         string
	Username       string
	Typing         bool
}

// UnknownEvent carries a payload for a category this client does not know.
type UnknownEvent struct {
	ConversationID string
	Kind           Category
	Payload        json.RawMessage
}

func (MessageEvent) Category() Category  { return CategoryMessage }
func (EditEvent) Category() Category     { return CategoryEdit }
func (DeleteEvent) Category() Category   { return CategoryDelete }
func (ReactionEvent) Category() Category { return CategoryReaction }
func (TypingEvent) Category() Category   { return CategoryTyping }
func (e UnknownEvent) Category() Category {
	return e.Kind
}

func (e MessageEvent) Conversation() string  { return e.Message.ConversationID }
func (e EditEvent) Conversation() string     { return e.Message.ConversationID }
func (e DeleteEvent) Conversation() string   { return e.ConversationID }
func (e ReactionEvent) Conversation() string { return e.ConversationID }
func (e TypingEvent) Conversation() string   { return e.ConversationID }
func (e UnknownEvent) Conversation() string  { return e.ConversationID }

func (MessageEvent) sealed()  {}
func (EditEvent) sealed()     {}
func (DeleteEvent) sealed()   {}
func (ReactionEvent) sealed() {}
func (TypingEvent) sealed()   {}
func (UnknownEvent) sealed()  {}

type deletePayload struct {
	ID             message.ID `json:"id"`
	MessageID      message.ID `json:"messageId"`
	ConversationID string     `json:"conversationId"`
}

type reactionPayload struct {
	MessageID      message.ID     `json:"messageId"`
	ConversationID string         `json:"conversationId"`
	UserID         string         `json:"userId"`
	Username       string         `json:"username"`
	Emoji          string         `json:"emoji"`
	Action         ReactionAction `json:"action"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	Typing         *bool  `json:"typing"`
	IsTyping       *bool  `json:"isTyping"`
}

// Parse validates payload for category. conversationID fills in records that
// omit their conversation; a payload naming a different conversation is
// rejected.
func Parse(conversationID string, category Category, payload []byte) (Event, error) {
	switch category {
	case CategoryMessage, CategoryEdit:
		m, err := parseMessage(conversationID, payload)
		if err != nil {
			return nil, err
		}
		if category == CategoryEdit {
			return EditEvent{Message: m}, nil
		}
		return MessageEvent{Message: m}, nil

	case CategoryDelete:
		var p deletePayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		id := p.ID
		if id == "" {
			id = p.MessageID
		}
		if id == "" {
			return nil, fmt.Errorf("%w: delete without id", ErrMalformedPayload)
		}
		conv, err := sameConversation(conversationID, p.ConversationID)
		if err != nil {
			return nil, err
		}
		return DeleteEvent{ConversationID: conv, MessageID: id}, nil

	case CategoryReaction:
		var p reactionPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" || p.UserID == "" || strings.TrimSpace(p.Emoji) == "" {
			return nil, fmt.Errorf("%w: reaction missing message, user or emoji", ErrMalformedPayload)
		}
		if p.Action != ReactionAdded && p.Action != ReactionRemoved {
			return nil, fmt.Errorf("%w: reaction action %q", ErrMalformedPayload, p.Action)
		}
		conv, err := sameConversation(conversationID, p.ConversationID)
		if err != nil {
			return nil, err
		}
		return ReactionEvent{
			ConversationID: conv,
			MessageID:      p.MessageID,
			UserID:         p.UserID,
			Username:       p.Username,
			Emoji:          p.Emoji,
			Action:         p.Action,
		}, nil

	case CategoryTyping:
		var p typingPayload
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%w: typing without user", ErrMalformedPayload)
		}
		flag := p.Typing
		if flag == nil {
			flag = p.IsTyping
		}
		if flag == nil {
			return nil, fmt.Errorf("%w: typing without state", ErrMalformedPayload)
		}
		conv, err := sameConversation(conversationID, p.ConversationID)
		if err != nil {
			return nil, err
		}
		return TypingEvent{ConversationID: conv, UserID: p.UserID, Username: p.Username, Typing: *flag}, nil

	default:
		if !json.Valid(payload) {
			return nil, fmt.Errorf("%w: not json", ErrMalformedPayload)
		}
		return UnknownEvent{ConversationID: conversationID, Kind: category, Payload: json.RawMessage(payload)}, nil
	}
}

func parseMessage(conversationID string, payload []byte) (message.Message, error) {
	var m message.Message
	if err := decode(payload, &m); err != nil {
		return message.Message{}, err
	}
	if m.ID == "" {
		return message.Message{}, fmt.Errorf("%w: message without id", ErrMalformedPayload)
	}
	if m.ID.IsOptimistic() {
		return message.Message{}, fmt.Errorf("%w: server record with local id", ErrMalformedPayload)
	}
	conv, err := sameConversation(conversationID, m.ConversationID)
	if err != nil {
		return message.Message{}, err
	}
	m.ConversationID = conv
	if m.Kind == "" {
		m.Kind = message.KindText
	}
	if m.Status == "" {
		m.Status = message.StatusSent
	}
	return m, nil
}

func decode(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return nil
}

func sameConversation(expected, got string) (string, error) {
	if got == "" || expected == "" {
		if got == "" {
			return expected, nil
		}
		return got, nil
	}
	if got != expected {
		return "", fmt.Errorf("%w: payload for another conversation", ErrMalformedPayload)
	}
	return got, nil
}
