package chat

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/Avicted/hivechat/internal/message"
)

// EditMessage replaces a confirmed message's body and caches the server's
// record.
func (c *Client) EditMessage(ctx context.Context, id message.ID, body string) (message.Message, error) {
	if id == "" || strings.TrimSpace(body) == "" {
		return message.Message{}, ErrInvalidInput
	}
	if id.IsOptimistic() {
		return message.Message{}, ErrPlaceholder
	}
	s, err := c.session()
	if err != nil {
		return message.Message{}, err
	}

	conv, g := c.origin(id)
	var updated message.Message
	if err := c.do(ctx, s, http.MethodPut, messagePath(id), editRequest{Body: body}, &updated); err != nil {
		return message.Message{}, err
	}
	if updated.ID == "" {
		updated.ID = id
	}
	updated = normalize(conv, updated)
	c.commit(conv, g, func() { c.store.Upsert(updated) })
	return updated, nil
}

// DeleteMessage deletes a message. A soft delete keeps the record in place
// under a tombstone; a hard delete drops it from the cache. Deleting a failed
// placeholder only discards it locally.
func (c *Client) DeleteMessage(ctx context.Context, id message.ID, opts DeleteOptions) error {
	if id == "" {
		return ErrInvalidInput
	}
	if id.IsOptimistic() {
		p, ok := c.tracker.Get(id)
		switch {
		case !ok:
			return ErrNotFound
		case p.Message.Status != message.StatusFailed:
			return ErrPlaceholder
		}
		return c.DiscardFailed(id)
	}
	s, err := c.session()
	if err != nil {
		return err
	}

	conv, g := c.origin(id)
	if err := c.do(ctx, s, http.MethodDelete, messagePath(id), nil, nil); err != nil {
		return err
	}
	c.commit(conv, g, func() {
		if !opts.Soft {
			c.store.Evict(id)
			return
		}
		at := c.clock.Now().UTC()
		c.store.Update(id, func(m message.Message) (message.Message, bool) {
			if m.Deleted {
				return m, false
			}
			return m.Tombstoned(at), true
		})
	})
	return nil
}

// AddReaction marks the local user's reaction right away and confirms it with
// the server. On failure the local change is undone unless something newer
// already replaced it.
func (c *Client) AddReaction(ctx context.Context, id message.ID, emoji string) error {
	return c.react(ctx, id, emoji, true)
}

func (c *Client) RemoveReaction(ctx context.Context, id message.ID, emoji string) error {
	return c.react(ctx, id, emoji, false)
}

func (c *Client) react(ctx context.Context, id message.ID, emoji string, add bool) error {
	emoji = strings.TrimSpace(emoji)
	if id == "" || emoji == "" {
		return ErrInvalidInput
	}
	if id.IsOptimistic() {
		return ErrPlaceholder
	}
	s, err := c.session()
	if err != nil {
		return err
	}

	reaction := message.Reaction{Emoji: emoji, UserID: s.UserID, Username: s.Username}
	set := func(m message.Message) (message.Message, bool) { return m.WithReaction(reaction) }
	unset := func(m message.Message) (message.Message, bool) { return m.WithoutReaction(emoji, s.UserID) }
	apply, revert := set, unset
	method, path := http.MethodPost, messagePath(id)+"/reactions"
	var body any = reactionRequest{Emoji: emoji}
	if !add {
		apply, revert = unset, set
		method, path, body = http.MethodDelete, messagePath(id)+"/reactions/"+url.PathEscape(emoji), nil
	}

	conv, g := c.origin(id)
	_, toggled := c.store.Update(id, apply)

	var updated message.Message
	if err := c.do(ctx, s, method, path, body, &updated); err != nil {
		if toggled {
			c.store.Update(id, revert)
		}
		return err
	}
	if updated.ID != "" {
		updated = normalize(conv, updated)
		c.commit(conv, g, func() { c.store.Upsert(updated) })
	}
	return nil
}

// PinMessage toggles a message's pinned flag.
func (c *Client) PinMessage(ctx context.Context, id message.ID) (message.Message, error) {
	if id == "" {
		return message.Message{}, ErrInvalidInput
	}
	if id.IsOptimistic() {
		return message.Message{}, ErrPlaceholder
	}
	s, err := c.session()
	if err != nil {
		return message.Message{}, err
	}

	conv, g := c.origin(id)
	var updated message.Message
	if err := c.do(ctx, s, http.MethodPut, messagePath(id)+"/pin", nil, &updated); err != nil {
		return message.Message{}, err
	}
	if updated.ID == "" {
		return message.Message{}, errMissingID
	}
	updated = normalize(conv, updated)
	c.commit(conv, g, func() { c.store.Upsert(updated) })
	return updated, nil
}

// MarkAsRead acknowledges messages with the server. Local status is left for
// push events to update. Placeholder IDs are skipped.
func (c *Client) MarkAsRead(ctx context.Context, ids []message.ID) error {
	confirmed := make([]message.ID, 0, len(ids))
	for _, id := range ids {
		if id != "" && !id.IsOptimistic() {
			confirmed = append(confirmed, id)
		}
	}
	s, err := c.session()
	if err != nil {
		return err
	}
	if len(confirmed) == 0 {
		return nil
	}
	return c.do(ctx, s, http.MethodPost, apiBase+"/messages/read", readRequest{MessageIDs: confirmed}, nil)
}

// origin reports the cached conversation of id, if any, and the cache
// generation a response for it must still match.
func (c *Client) origin(id message.ID) (string, generation) {
	conv := ""
	if m, ok := c.store.Get(id); ok {
		conv = m.ConversationID
	}
	return conv, c.currentGeneration(conv)
}

// commit runs fn under the client lock if the cache generation g is still
// current. Unknown conversations only check for an intervening Cleanup.
func (c *Client) commit(conv string, g generation, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv == "" {
		if g.epoch != c.epoch {
			return
		}
	} else if !c.sameGenerationLocked(conv, g) {
		return
	}
	fn()
}
