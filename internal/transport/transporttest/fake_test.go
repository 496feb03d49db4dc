package transporttest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Avicted/hivechat/internal/transport"
)

var _ transport.Adapter = (*Fake)(nil)

func TestFake_RoutesIgnoreQuery(t *testing.T) {
	f := New()
	f.Respond(http.MethodGet, "/a", http.StatusOK, map[string]int{"n": 1})

	resp, err := f.Request(context.Background(), http.MethodGet, "/a?limit=5", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(resp.Body))

	reqs := f.RequestsTo(http.MethodGet, "/a")
	require.Len(t, reqs, 1)
	assert.Equal(t, "5", reqs[0].Query.Get("limit"))

	resp, err = f.Request(context.Background(), http.MethodGet, "/missing", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestFake_GateBlocksUntilReleased(t *testing.T) {
	f := New()
	release := f.Gate(http.MethodGet, "/slow", http.StatusOK, "{}")

	done := make(chan transport.Response, 1)
	go func() {
		resp, _ := f.Request(context.Background(), http.MethodGet, "/slow", nil, nil)
		done <- resp
	}()

	select {
	case <-done:
		t.Fatal("gated request returned early")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	release()
	select {
	case resp := <-done:
		assert.Equal(t, http.StatusOK, resp.Status)
	case <-time.After(time.Second):
		t.Fatal("gated request never returned")
	}
}

func TestFake_PublishAndDisconnect(t *testing.T) {
	f := New()
	var got []string
	id, err := f.Subscribe("t", func(p []byte) { got = append(got, string(p)) })
	require.NoError(t, err)

	assert.Equal(t, 1, f.Publish("t", map[string]string{"a": "b"}))
	assert.Equal(t, 0, f.Publish("other", "x"))
	assert.Equal(t, []string{`{"a":"b"}`}, got)

	require.NoError(t, f.Unsubscribe(id))
	assert.Equal(t, 0, f.Publish("t", "x"))

	f.SetConnected(false)
	_, err = f.Subscribe("t", func([]byte) {})
	assert.ErrorIs(t, err, transport.ErrDisconnected)
	assert.ErrorIs(t, f.Send(context.Background(), "d", nil), transport.ErrDisconnected)
}
