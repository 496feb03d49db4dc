package chat

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Avicted/hivechat/internal/message"
	"github.com/Avicted/hivechat/internal/metrics"
)

// GetHistory returns a conversation's history. Without options the cached
// page is served when present. Otherwise the page is fetched and merged into
// the cache; a failed fetch returns a *HistoryFetchError and leaves the cache
// untouched.
func (c *Client) GetHistory(ctx context.Context, conversationID string, opts *HistoryOptions) (message.Page, error) {
	if conversationID == "" {
		return message.Page{}, ErrInvalidInput
	}
	s, err := c.session()
	if err != nil {
		return message.Page{}, err
	}
	if opts.empty() {
		if page, ok := c.store.History(conversationID); ok {
			c.metrics.HistoryRead(metrics.SourceCache)
			return page, nil
		}
	}

	g := c.currentGeneration(conversationID)
	var resp historyResponse
	path := withQuery(conversationPath(conversationID), opts.query())
	if err := c.do(ctx, s, http.MethodGet, path, nil, &resp); err != nil {
		c.metrics.HistoryRead(metrics.SourceError)
		return message.Page{}, &HistoryFetchError{ConversationID: conversationID, Err: err}
	}
	c.metrics.HistoryRead(metrics.SourceNetwork)

	older := opts != nil && opts.Before != ""
	fetched := resp.page(conversationID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sameGenerationLocked(conversationID, g) {
		return detached(fetched), nil
	}
	return c.store.MergeHistory(conversationID, fetched, older), nil
}

// CatchUp fetches what was posted after the newest cached message and merges
// it into the cached page. With nothing cached it behaves like GetHistory.
func (c *Client) CatchUp(ctx context.Context, conversationID string) (message.Page, error) {
	if conversationID == "" {
		return message.Page{}, ErrInvalidInput
	}
	s, err := c.session()
	if err != nil {
		return message.Page{}, err
	}
	cached, ok := c.store.History(conversationID)
	if !ok || len(cached.Messages) == 0 {
		return c.GetHistory(ctx, conversationID, nil)
	}

	newest := cached.Messages[len(cached.Messages)-1].ID
	g := c.currentGeneration(conversationID)
	var msgs []message.Message
	path := withQuery(conversationPath(conversationID)+"/since", url.Values{"after": {string(newest)}})
	if err := c.do(ctx, s, http.MethodGet, path, nil, &msgs); err != nil {
		c.metrics.HistoryRead(metrics.SourceError)
		return message.Page{}, &HistoryFetchError{ConversationID: conversationID, Err: err}
	}
	c.metrics.HistoryRead(metrics.SourceNetwork)

	fetched := message.Page{Messages: make([]message.Message, 0, len(msgs))}
	for _, m := range msgs {
		if m.ID != "" {
			fetched.Messages = append(fetched.Messages, normalize(conversationID, m))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sameGenerationLocked(conversationID, g) {
		return detached(fetched), nil
	}
	return c.store.MergeHistory(conversationID, fetched, false), nil
}

// SearchMessages queries a conversation. Every hit is cached on its own; the
// result list is not.
func (c *Client) SearchMessages(ctx context.Context, params SearchParams) ([]message.Message, error) {
	query := strings.TrimSpace(params.Query)
	if params.ConversationID == "" || (query == "" && params.Sender == "") {
		return nil, ErrInvalidInput
	}
	s, err := c.session()
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	if query != "" {
		q.Set("query", query)
	}
	if params.Sender != "" {
		q.Set("sender", params.Sender)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}

	g := c.currentGeneration(params.ConversationID)
	var resp historyResponse
	if err := c.do(ctx, s, http.MethodGet, withQuery(conversationPath(params.ConversationID)+"/search", q), nil, &resp); err != nil {
		return nil, err
	}
	hits := resp.page(params.ConversationID).Messages
	message.Sort(hits)

	c.mu.Lock()
	if c.sameGenerationLocked(params.ConversationID, g) {
		for _, m := range hits {
			c.store.Put(m)
		}
	}
	c.mu.Unlock()
	return hits, nil
}

// detached shapes a page that is returned to the caller without being cached.
func detached(p message.Page) message.Page {
	p.Messages = message.Merge(nil, p.Messages...)
	p.Cursor = message.Oldest(p.Messages)
	return p
}
