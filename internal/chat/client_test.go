package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Avicted/hivechat/internal/auth"
	"github.com/Avicted/hivechat/internal/clock"
	"github.com/Avicted/hivechat/internal/events"
	"github.com/Avicted/hivechat/internal/message"
	"github.com/Avicted/hivechat/internal/metrics"
	"github.com/Avicted/hivechat/internal/transport"
	"github.com/Avicted/hivechat/internal/transport/transporttest"
	"github.com/Avicted/hivechat/internal/typing"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

const historyPath = "/api/v1/chat/hives/room-1/messages"

type fixture struct {
	client *Client
	api    *transporttest.Fake
	clock  *clock.Fake
	auth   *auth.Static

	mu      sync.Mutex
	settled []Reconciliation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		api:   transporttest.New(),
		clock: clock.NewFake(t0),
		auth:  auth.NewStatic(auth.Session{Token: "tok", UserID: "me", Username: "ada"}),
	}
	fx.client = New(fx.api, fx.auth, Options{
		CacheTimeout: time.Minute,
		Clock:        fx.clock,
		Metrics:      metrics.New(nil),
	})
	fx.client.OnReconcile(func(r Reconciliation) {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		fx.settled = append(fx.settled, r)
	})
	t.Cleanup(fx.client.Wait)
	return fx
}

func (fx *fixture) reconciliations() []Reconciliation {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]Reconciliation(nil), fx.settled...)
}

func serverMsg(id int, body string, offset time.Duration) map[string]any {
	return map[string]any{
		"id":             id,
		"conversationId": "room-1",
		"senderId":       "u2",
		"body":           body,
		"createdAt":      t0.Add(offset),
	}
}

func cached(id string, offset time.Duration) message.Message {
	return message.Message{
		ID:             message.ID(id),
		ConversationID: "room-1",
		SenderID:       "u2",
		Body:           "m" + id,
		Kind:           message.KindText,
		Status:         message.StatusSent,
		CreatedAt:      t0.Add(offset),
	}
}

type transportReq = transporttest.Request

func jsonResponse(t *testing.T, status int, body any) transport.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return transport.Response{Status: status, Body: data}
}

func ids(msgs []message.Message) []message.ID {
	out := make([]message.ID, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestPush_MessageShowsUpInHistory(t *testing.T) {
	fx := newFixture(t)
	fx.api.Respond(http.MethodGet, historyPath, http.StatusOK, map[string]any{
		"messages": []any{serverMsg(1, "one", 0), serverMsg(2, "two", time.Second)},
		"hasMore":  false,
	})

	page, err := fx.client.GetHistory(context.Background(), "room-1", nil)
	require.NoError(t, err)
	require.Equal(t, []message.ID{"1", "2"}, ids(page.Messages))

	var got []events.Event
	unsub := fx.client.SubscribeConversation("room-1", func(ev events.Event) { got = append(got, ev) })
	defer unsub()

	fx.api.Publish("/topic/hive/room-1/chat", serverMsg(3, "three", 2*time.Second))
	require.Len(t, got, 1)

	page, err = fx.client.GetHistory(context.Background(), "room-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []message.ID{"1", "2", "3"}, ids(page.Messages))
	assert.Len(t, fx.api.RequestsTo(http.MethodGet, historyPath), 1)
}

func TestSubscribe_WhileDisconnectedIsNoop(t *testing.T) {
	fx := newFixture(t)
	fx.api.SetConnected(false)

	called := false
	unsub := fx.client.Subscribe("room-1", events.CategoryTyping, func(events.Event) { called = true })
	require.NotNil(t, unsub)
	assert.NotPanics(t, func() {
		unsub()
		unsub()
	})
	assert.Zero(t, fx.api.Subscriptions())

	fx.api.SetConnected(true)
	fx.api.Publish("/topic/hive/room-1/typing", map[string]any{"userId": "u2", "isTyping": true})
	assert.False(t, called)
}

func TestSubscribeConversation_HandleIsIdempotent(t *testing.T) {
	fx := newFixture(t)

	unsub := fx.client.SubscribeConversation("room-1", nil)
	assert.Equal(t, len(events.Categories), fx.api.Subscriptions())

	unsub()
	unsub()
	assert.Zero(t, fx.api.Subscriptions())
}

func TestCleanup_ReleasesEverything(t *testing.T) {
	fx := newFixture(t)
	fx.client.store.Put(cached("1", 0))
	fx.client.SubscribeConversation("room-1", nil)
	require.NoError(t, fx.client.StartTyping(context.Background(), "room-1"))
	fx.api.Publish("/topic/hive/room-1/typing", map[string]any{"userId": "u2", "username": "bob", "typing": true})
	require.NotZero(t, fx.clock.Pending())

	fx.client.Cleanup()
	fx.client.Cleanup()

	assert.Zero(t, fx.api.Subscriptions())
	assert.Zero(t, fx.clock.Pending())
	assert.Zero(t, fx.client.store.Len())
	assert.Empty(t, fx.client.TypingUsers("room-1"))

	// Still usable afterwards.
	unsub := fx.client.Subscribe("room-1", events.CategoryMessage, nil)
	assert.Equal(t, 1, fx.api.Subscriptions())
	unsub()
}

func TestTyping_AnnouncesAndDecays(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	dest := typing.Destination("room-1")

	require.NoError(t, fx.client.StartTyping(ctx, "room-1"))
	require.NoError(t, fx.client.StartTyping(ctx, "room-1"))
	require.Len(t, fx.api.SentTo(dest), 1)

	fx.clock.Advance(typing.DefaultDecay)
	sent := fx.api.SentTo(dest)
	require.Len(t, sent, 2)

	var last typing.Announcement
	require.NoError(t, json.Unmarshal(sent[1], &last))
	assert.False(t, last.Typing)
	assert.Equal(t, "me", last.UserID)
}

func TestRemoteTyping_Expires(t *testing.T) {
	fx := newFixture(t)
	fx.client.Subscribe("room-1", events.CategoryTyping, nil)

	fx.api.Publish("/topic/hive/room-1/typing", map[string]any{"userId": "u2", "username": "bob", "typing": true})
	require.Len(t, fx.client.TypingUsers("room-1"), 1)

	fx.clock.Advance(typing.DefaultDecay + time.Millisecond)
	assert.Empty(t, fx.client.TypingUsers("room-1"))
}

func TestOperations_RequireSession(t *testing.T) {
	fx := newFixture(t)
	fx.auth.Clear()
	ctx := context.Background()

	_, err := fx.client.SendMessage("room-1", message.Text("hi"))
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	_, err = fx.client.GetHistory(ctx, "room-1", nil)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	_, err = fx.client.EditMessage(ctx, "1", "x")
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	assert.ErrorIs(t, fx.client.DeleteMessage(ctx, "1", DeleteOptions{}), ErrAuthenticationRequired)
	assert.ErrorIs(t, fx.client.AddReaction(ctx, "1", "👍"), ErrAuthenticationRequired)
	assert.ErrorIs(t, fx.client.MarkAsRead(ctx, []message.ID{"1"}), ErrAuthenticationRequired)
	_, err = fx.client.SearchMessages(ctx, SearchParams{ConversationID: "room-1", Query: "x"})
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	assert.ErrorIs(t, fx.client.StartTyping(ctx, "room-1"), ErrAuthenticationRequired)

	assert.Empty(t, fx.api.Requests())
	assert.Empty(t, fx.api.SentTo(typing.Destination("room-1")))
}

func TestDo_UnauthorizedMapsToAuthenticationRequired(t *testing.T) {
	fx := newFixture(t)
	fx.api.Respond(http.MethodPut, "/api/v1/chat/messages/1", http.StatusUnauthorized, map[string]string{"error": "token expired"})

	_, err := fx.client.EditMessage(context.Background(), "1", "x")
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
	assert.ErrorContains(t, err, "token expired")
}

func TestDo_CarriesBearerToken(t *testing.T) {
	fx := newFixture(t)
	fx.api.Respond(http.MethodPost, "/api/v1/chat/messages/read", http.StatusOK, nil)

	require.NoError(t, fx.client.MarkAsRead(context.Background(), []message.ID{"1"}))
	reqs := fx.api.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer tok", reqs[0].Headers.Get("Authorization"))
}

func TestEvictConversation_LeavesOthersAlone(t *testing.T) {
	fx := newFixture(t)
	other := cached("9", 0)
	other.ConversationID = "room-2"
	fx.client.store.Put(cached("1", 0))
	fx.client.store.Put(other)
	fx.client.store.SetHistory("room-1", message.Page{Messages: []message.Message{cached("1", 0)}})

	fx.client.EvictConversation("room-1")

	_, ok := fx.client.Cached("1")
	assert.False(t, ok)
	_, ok = fx.client.store.History("room-1")
	assert.False(t, ok)
	_, ok = fx.client.Cached("9")
	assert.True(t, ok)
}

func TestStartTyping_UsesIdentityFromSignIn(t *testing.T) {
	api := transporttest.New()
	provider := auth.NewStatic(auth.Session{})
	client := New(api, provider, Options{Clock: clock.NewFake(t0)})
	client.Subscribe("room-1", events.CategoryTyping, nil)
	ctx := context.Background()
	dest := typing.Destination("room-1")

	require.ErrorIs(t, client.StartTyping(ctx, "room-1"), ErrAuthenticationRequired)
	assert.Empty(t, api.SentTo(dest))

	provider.Set(auth.Session{Token: "tok", UserID: "me", Username: "ada"})
	require.NoError(t, client.StartTyping(ctx, "room-1"))

	sent := api.SentTo(dest)
	require.Len(t, sent, 1)
	var a typing.Announcement
	require.NoError(t, json.Unmarshal(sent[0], &a))
	assert.Equal(t, "me", a.UserID)
	assert.Equal(t, "ada", a.Username)

	api.Publish("/topic/hive/room-1/typing", map[string]any{"userId": "me", "username": "ada", "typing": true})
	assert.Empty(t, client.TypingUsers("room-1"), "own echo is not a remote typist")

	provider.Set(auth.Session{Token: "tok2", UserID: "u7", Username: "lin"})
	api.Publish("/topic/hive/room-1/typing", map[string]any{"userId": "me", "username": "ada", "typing": true})
	typists := client.TypingUsers("room-1")
	require.Len(t, typists, 1, "after switching accounts the old user is remote")
	assert.Equal(t, "me", typists[0].UserID)
}

const typingSnapshotPath = "/api/v1/chat/hives/room-1/typing"

func TestRefreshTyping_ReplacesRemoteState(t *testing.T) {
	fx := newFixture(t)
	fx.client.typing.Observe("room-1", "u3", "cy", fx.clock.Now())
	fx.api.Respond(http.MethodGet, typingSnapshotPath, http.StatusOK, []map[string]any{
		{"hiveId": "room-1", "userId": "u2", "username": "bob", "isTyping": true},
		{"hiveId": "room-1", "userId": "me", "username": "ada", "isTyping": true},
		{"hiveId": "room-1", "userId": "u4", "username": "dee", "isTyping": false},
	})

	typists, err := fx.client.RefreshTyping(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, typists, 1)
	assert.Equal(t, "u2", typists[0].UserID)
	assert.Equal(t, "bob", typists[0].Username)
	assert.Equal(t, typists, fx.client.TypingUsers("room-1"))

	reqs := fx.api.RequestsTo(http.MethodGet, typingSnapshotPath)
	require.Len(t, reqs, 1)
	assert.Equal(t, "Bearer tok", reqs[0].Headers.Get("Authorization"))

	fx.clock.Advance(typing.DefaultDecay + time.Nanosecond)
	assert.Empty(t, fx.client.TypingUsers("room-1"), "snapshot entries decay like pushed ones")
}

func TestRefreshTyping_FailureKeepsState(t *testing.T) {
	fx := newFixture(t)
	fx.client.typing.Observe("room-1", "u3", "cy", fx.clock.Now())
	fx.api.Respond(http.MethodGet, typingSnapshotPath, http.StatusForbidden, map[string]string{"error": "no access"})

	_, err := fx.client.RefreshTyping(context.Background(), "room-1")
	var apiErr *transport.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Len(t, fx.client.TypingUsers("room-1"), 1)
}

func TestRefreshTyping_LateSnapshotAfterEvictIsIgnored(t *testing.T) {
	fx := newFixture(t)
	fx.api.Handle(http.MethodGet, typingSnapshotPath, func(context.Context, transportReq) (transport.Response, error) {
		fx.client.EvictConversation("room-1")
		return jsonResponse(t, http.StatusOK, []map[string]any{{"userId": "u2", "isTyping": true}}), nil
	})

	_, err := fx.client.RefreshTyping(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Empty(t, fx.client.TypingUsers("room-1"))
}

func TestRefreshTyping_RequiresSession(t *testing.T) {
	fx := newFixture(t)
	fx.auth.Clear()
	_, err := fx.client.RefreshTyping(context.Background(), "room-1")
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	assert.Empty(t, fx.api.Requests())
}
