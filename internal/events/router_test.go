package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Avicted/hivechat/internal/clock"
	"github.com/Avicted/hivechat/internal/message"
	"github.com/Avicted/hivechat/internal/metrics"
	"github.com/Avicted/hivechat/internal/storage"
	"github.com/Avicted/hivechat/internal/transport/transporttest"
	"github.com/Avicted/hivechat/internal/typing"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type routerFixture struct {
	router   *Router
	pubsub   *transporttest.Fake
	store    *storage.Store
	presence *typing.Broadcaster
	clock    *clock.Fake
	self     string
	diags    []Diagnostic
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	fx := &routerFixture{
		pubsub: transporttest.New(),
		clock:  clock.NewFake(t0),
		self:   "me",
	}
	fx.store = storage.New(time.Minute, fx.clock)
	fx.presence = typing.New(fx.pubsub, typing.Options{
		Self:  func() typing.Identity { return typing.Identity{UserID: fx.self} },
		Clock: fx.clock,
	})
	fx.router = NewRouter(fx.pubsub, Options{
		Store:        fx.store,
		Presence:     fx.presence,
		Self:         func() string { return fx.self },
		Clock:        fx.clock,
		Metrics:      metrics.New(nil),
		OnDiagnostic: func(d Diagnostic) { fx.diags = append(fx.diags, d) },
	})
	return fx
}

func seeded(id string, offset time.Duration) message.Message {
	return message.Message{ID: message.ID(id), ConversationID: "room-1", SenderID: "u2", Body: "m" + id, CreatedAt: t0.Add(offset)}
}

func TestRouter_MessageAppendsToCachedHistory(t *testing.T) {
	fx := newRouterFixture(t)
	fx.store.SetHistory("room-1", message.Page{Messages: []message.Message{seeded("1", 0), seeded("2", time.Second)}})

	var got []Event
	fx.router.Subscribe("room-1", CategoryMessage, func(ev Event) { got = append(got, ev) })

	n := fx.pubsub.Publish("/topic/hive/room-1/chat", map[string]any{
		"id": 3, "senderId": "u2", "body": "third", "createdAt": t0.Add(2 * time.Second),
	})
	require.Equal(t, 1, n)
	require.Len(t, got, 1)

	page, ok := fx.store.History("room-1")
	require.True(t, ok)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, message.ID("3"), page.Messages[2].ID)
}

func TestRouter_EditReplacesRecord(t *testing.T) {
	fx := newRouterFixture(t)
	fx.store.Put(seeded("1", 0))
	fx.router.Subscribe("room-1", CategoryEdit, nil)

	fx.pubsub.Publish("/topic/hive/room-1/chat/edit", map[string]any{"id": "1", "body": "edited", "edited": true, "createdAt": t0})

	m, ok := fx.store.Get("1")
	require.True(t, ok)
	assert.Equal(t, "edited", m.Body)
	assert.True(t, m.Edited)
}

func TestRouter_DeleteEvictsAndIgnoresUnknown(t *testing.T) {
	fx := newRouterFixture(t)
	fx.store.Put(seeded("1", 0))
	var calls int
	fx.router.Subscribe("room-1", CategoryDelete, func(Event) { calls++ })

	fx.pubsub.Publish("/topic/hive/room-1/chat/delete", map[string]any{"id": "1"})
	fx.pubsub.Publish("/topic/hive/room-1/chat/delete", map[string]any{"id": "404"})

	_, ok := fx.store.Get("1")
	assert.False(t, ok)
	assert.Equal(t, 1, calls, "delete for an unknown id never reaches the callback")
	assert.Empty(t, fx.diags)
}

func TestRouter_ReactionMergesIntoRecord(t *testing.T) {
	fx := newRouterFixture(t)
	fx.store.Put(seeded("1", 0))
	var calls int
	fx.router.Subscribe("room-1", CategoryReaction, func(Event) { calls++ })
	topic := "/topic/hive/room-1/chat/reaction"

	fx.pubsub.Publish(topic, map[string]any{"messageId": "1", "userId": "u3", "username": "Lin", "emoji": "🐝", "action": "add"})
	fx.pubsub.Publish(topic, map[string]any{"messageId": "1", "userId": "u3", "emoji": "🐝", "action": "add"})
	m, _ := fx.store.Get("1")
	require.Len(t, m.Reactions, 1, "duplicate add is a no-op")
	assert.Equal(t, "Lin", m.Reactions[0].Username)

	fx.pubsub.Publish(topic, map[string]any{"messageId": "1", "userId": "u3", "emoji": "🐝", "action": "remove"})
	m, _ = fx.store.Get("1")
	assert.Empty(t, m.Reactions)

	fx.pubsub.Publish(topic, map[string]any{"messageId": "nope", "userId": "u3", "emoji": "🐝", "action": "add"})
	_, ok := fx.store.Get("nope")
	assert.False(t, ok, "reaction for unknown message creates nothing")
	assert.Equal(t, 3, calls, "unchanged record still notifies, unknown record does not")
}

func TestRouter_TypingSelfResolvedPerEvent(t *testing.T) {
	fx := newRouterFixture(t)
	fx.self = ""
	var calls int
	fx.router.Subscribe("room-1", CategoryTyping, func(Event) { calls++ })
	topic := "/topic/hive/room-1/typing"

	fx.pubsub.Publish(topic, map[string]any{"userId": "me", "typing": true})
	require.Equal(t, 1, calls, "nobody signed in, so the event is remote")

	fx.presence.Reset()
	fx.self = "me"
	fx.pubsub.Publish(topic, map[string]any{"userId": "me", "typing": true})
	assert.Equal(t, 1, calls)
	assert.Empty(t, fx.presence.Typing("room-1"))
}

func TestRouter_TypingGoesToPresenceAndSkipsOwnEcho(t *testing.T) {
	fx := newRouterFixture(t)
	var calls int
	fx.router.Subscribe("room-1", CategoryTyping, func(Event) { calls++ })
	topic := "/topic/hive/room-1/typing"

	fx.pubsub.Publish(topic, map[string]any{"userId": "me", "typing": true})
	fx.pubsub.Publish(topic, map[string]any{"userId": "u2", "username": "Grace", "typing": true})

	assert.Equal(t, 1, calls, "own echo dropped before the callback")
	typists := fx.presence.Typing("room-1")
	require.Len(t, typists, 1)
	assert.Equal(t, "u2", typists[0].UserID)

	fx.pubsub.Publish(topic, map[string]any{"userId": "u2", "typing": false})
	assert.Empty(t, fx.presence.Typing("room-1"))
}

func TestRouter_MalformedPayloadDroppedWithDiagnostic(t *testing.T) {
	fx := newRouterFixture(t)
	var calls int
	fx.router.Subscribe("room-1", CategoryMessage, func(Event) { calls++ })

	fx.pubsub.Publish("/topic/hive/room-1/chat", []byte(`{"body":"no id"}`))

	assert.Zero(t, calls)
	require.Len(t, fx.diags, 1)
	assert.Equal(t, "/topic/hive/room-1/chat", fx.diags[0].Topic)
	assert.Equal(t, 16, fx.diags[0].Size)
	assert.ErrorIs(t, fx.diags[0].Err, ErrMalformedPayload)
	assert.Equal(t, 0, fx.store.Len())
}

func TestRouter_UnsubscribeIsIdempotent(t *testing.T) {
	fx := newRouterFixture(t)
	var calls int
	unsub := fx.router.Subscribe("room-1", CategoryMessage, func(Event) { calls++ })
	require.Equal(t, 1, fx.pubsub.Subscriptions())

	unsub()
	unsub()
	assert.Equal(t, 0, fx.pubsub.Subscriptions())
	assert.Equal(t, 0, fx.router.Active())

	fx.pubsub.Publish("/topic/hive/room-1/chat", map[string]any{"id": "1"})
	assert.Zero(t, calls)
}

func TestRouter_LateDeliveryAfterUnsubscribeIsDropped(t *testing.T) {
	fx := newRouterFixture(t)
	var calls int
	unsub := fx.router.Subscribe("room-1", CategoryMessage, func(Event) { calls++ })

	inFlight := fx.pubsub.Handlers("/topic/hive/room-1/chat")
	require.Len(t, inFlight, 1)
	unsub()

	inFlight[0]([]byte(`{"id":"2"}`))
	assert.Zero(t, calls)
	_, ok := fx.store.Get("2")
	assert.False(t, ok)
}

func TestRouter_SubscribeWhileDisconnectedIsNoop(t *testing.T) {
	fx := newRouterFixture(t)
	fx.pubsub.SetConnected(false)

	var calls int
	unsub := fx.router.Subscribe("room-1", CategoryTyping, func(Event) { calls++ })
	assert.NotPanics(t, assert.PanicTestFunc(unsub))
	assert.NotPanics(t, assert.PanicTestFunc(unsub))

	fx.pubsub.SetConnected(true)
	fx.pubsub.Publish("/topic/hive/room-1/typing", map[string]any{"userId": "u2", "typing": true})
	assert.Zero(t, calls)
	assert.Equal(t, 0, fx.pubsub.Subscriptions())
}

func TestRouter_UnsubscribeAllAndClose(t *testing.T) {
	fx := newRouterFixture(t)
	for _, c := range Categories {
		fx.router.Subscribe("room-1", c, nil)
	}
	require.Equal(t, len(Categories), fx.pubsub.Subscriptions())

	fx.router.UnsubscribeAll()
	assert.Equal(t, 0, fx.pubsub.Subscriptions())

	fx.router.Subscribe("room-1", CategoryMessage, nil)
	assert.Equal(t, 1, fx.pubsub.Subscriptions(), "still usable after UnsubscribeAll")

	fx.router.Close()
	fx.router.Close()
	assert.Equal(t, 0, fx.pubsub.Subscriptions())
	fx.router.Subscribe("room-1", CategoryMessage, nil)
	assert.Equal(t, 0, fx.pubsub.Subscriptions(), "closed router subscribes nothing")
}
