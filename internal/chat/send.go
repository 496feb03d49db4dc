package chat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Avicted/hivechat/internal/auth"
	"github.com/Avicted/hivechat/internal/message"
	"github.com/Avicted/hivechat/internal/optimistic"
)

var errMissingID = errors.New("server returned a message without an id")

// SendMessage registers a pending placeholder and returns its ID before any
// network traffic happens. The outcome is reported to OnReconcile observers
// and is visible through Placeholder and the cached history.
func (c *Client) SendMessage(conversationID string, content message.Content) (message.ID, error) {
	if conversationID == "" || (strings.TrimSpace(content.Body) == "" && len(content.Attachments) == 0) {
		return "", ErrInvalidInput
	}
	s, err := c.session()
	if err != nil {
		return "", err
	}

	p := c.tracker.Create(conversationID, s.UserID, s.Username, content)
	c.metrics.SetPlaceholders(c.tracker.Len())
	c.dispatch(s, p)
	return p.Message.ID, nil
}

// RetrySend sends a failed placeholder's content again under a new ID. The
// failed placeholder is dropped.
func (c *Client) RetrySend(localID message.ID) (message.ID, error) {
	s, err := c.session()
	if err != nil {
		return "", err
	}
	p, err := c.tracker.Retry(localID)
	if err != nil {
		return "", err
	}
	c.dispatch(s, p)
	return p.Message.ID, nil
}

// DiscardFailed drops a failed placeholder. Pending placeholders cannot be
// discarded.
func (c *Client) DiscardFailed(localID message.ID) error {
	p, ok := c.tracker.Get(localID)
	if !ok {
		return optimistic.ErrUnknownPlaceholder
	}
	if p.Message.Status != message.StatusFailed {
		return optimistic.ErrNotFailed
	}
	c.tracker.Discard(localID)
	c.metrics.SetPlaceholders(c.tracker.Len())
	return nil
}

func (c *Client) Placeholder(localID message.ID) (optimistic.Placeholder, bool) {
	return c.tracker.Get(localID)
}

// Pending lists a conversation's unconfirmed sends, failed ones included.
func (c *Client) Pending(conversationID string) []optimistic.Placeholder {
	return c.tracker.Pending(conversationID)
}

func (c *Client) dispatch(s auth.Session, p optimistic.Placeholder) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.deliver(context.Background(), s, p)
	}()
}

func (c *Client) deliver(ctx context.Context, s auth.Session, p optimistic.Placeholder) {
	conv := p.Message.ConversationID
	var confirmed message.Message
	err := c.do(ctx, s, http.MethodPost, conversationPath(conv), p.Content, &confirmed)
	if err == nil && confirmed.ID == "" {
		err = errMissingID
	}
	if err != nil {
		c.settleFailure(p, err)
		return
	}
	confirmed = normalize(conv, confirmed)

	c.mu.Lock()
	rec, cerr := c.tracker.Confirm(p.Message.ID, confirmed)
	if cerr == nil {
		c.store.Upsert(confirmed)
	}
	c.mu.Unlock()

	c.metrics.SetPlaceholders(c.tracker.Len())
	if cerr != nil {
		c.logConflict("confirm send", cerr)
		return
	}
	c.metrics.SendSucceeded()
	c.notify(rec)
}

func (c *Client) settleFailure(p optimistic.Placeholder, err error) {
	c.metrics.SendFailed()
	failed, ferr := c.tracker.Fail(p.Message.ID, err)
	if ferr != nil {
		c.logConflict("fail send", ferr)
		return
	}
	c.log.WithField("status", failed.Message.Status).Debug("send failed")
	c.notify(Reconciliation{LocalID: p.Message.ID, Message: failed.Message, Err: err})
}
