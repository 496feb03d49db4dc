package chat

import (
	"context"
	"net/http"

	"github.com/Avicted/hivechat/internal/typing"
)

// StartTyping announces that the signed-in user is typing. Repeated calls
// only push the automatic stop further out.
func (c *Client) StartTyping(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrInvalidInput
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	return c.typing.Start(ctx, conversationID, typing.Identity{UserID: s.UserID, Username: s.Username})
}

func (c *Client) StopTyping(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrInvalidInput
	}
	return c.typing.Stop(ctx, conversationID)
}

// TypingUsers lists the other users currently typing in a conversation.
func (c *Client) TypingUsers(conversationID string) []typing.Typist {
	return c.typing.Typing(conversationID)
}

// RefreshTyping replaces a conversation's remote typing state with the
// service's current snapshot. It serves while the push channel is down.
func (c *Client) RefreshTyping(ctx context.Context, conversationID string) ([]typing.Typist, error) {
	if conversationID == "" {
		return nil, ErrInvalidInput
	}
	s, err := c.session()
	if err != nil {
		return nil, err
	}

	g := c.currentGeneration(conversationID)
	var snapshot []typingIndicator
	if err := c.do(ctx, s, http.MethodGet, typingPath(conversationID), nil, &snapshot); err != nil {
		return nil, err
	}

	now := c.clock.Now()
	active := make(map[string]typingIndicator, len(snapshot))
	for _, ind := range snapshot {
		if ind.UserID != "" && ind.UserID != s.UserID && ind.active() {
			active[ind.UserID] = ind
		}
	}

	c.mu.Lock()
	if c.sameGenerationLocked(conversationID, g) {
		for _, t := range c.typing.Typing(conversationID) {
			if _, ok := active[t.UserID]; !ok {
				c.typing.Forget(conversationID, t.UserID)
			}
		}
		for _, ind := range active {
			c.typing.Observe(conversationID, ind.UserID, ind.Username, now)
		}
	}
	c.mu.Unlock()
	return c.typing.Typing(conversationID), nil
}
