package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProgram struct {
	model tea.Model
	err   error
}

func (p *fakeProgram) Run() (tea.Model, error) {
	return p.model, p.err
}

func captureProgram(dst **fakeProgram) programFactory {
	return func(model tea.Model, _ ...tea.ProgramOption) programRunner {
		p := &fakeProgram{model: model}
		*dst = p
		return p
	}
}

// isolate runs the test in an empty directory with no HIVECHAT_* settings.
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	for _, kv := range os.Environ() {
		if name, _, _ := strings.Cut(kv, "="); strings.HasPrefix(name, "HIVECHAT_") {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func TestRun_RejectsMissingToken(t *testing.T) {
	isolate(t)
	var stderr bytes.Buffer

	err := run([]string{"--user", "u1", "--hive", "h1"}, strings.NewReader(""), &bytes.Buffer{}, &stderr, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `token failed "required"`)
}

func TestRun_RequiresHive(t *testing.T) {
	isolate(t)

	err := run([]string{"--user", "u1", "--token", "tok"}, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no hive selected")
}

func TestRun_RejectsUnknownFlag(t *testing.T) {
	isolate(t)
	err := run([]string{"--nope"}, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, nil)
	assert.Error(t, err)
}

func TestRun_ReadsEnvFile(t *testing.T) {
	isolate(t)
	envFile := filepath.Join(t.TempDir(), "chat.env")
	require.NoError(t, os.WriteFile(envFile, []byte("HIVECHAT_TOKEN=tok\nHIVECHAT_USER_ID=u1\n"), 0o600))

	err := run([]string{"--env-file", envFile, "--log-level", "loud"}, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `loglevel failed "oneof"`)
	assert.NotContains(t, err.Error(), "token")
}

func TestRun_FallsBackToPollingWithoutPushChannel(t *testing.T) {
	isolate(t)
	var authHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/hives/h1/messages" {
			http.NotFound(w, r)
			return
		}
		authHeader = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []any{map[string]any{"id": 1, "senderId": "u2", "senderName": "bob", "body": "hello", "createdAt": "2026-05-04T09:00:00Z"}},
		})
	}))
	defer server.Close()

	var prog *fakeProgram
	args := []string{"--server", server.URL, "--token", "tok", "--user", "u1", "--name", "ada", "--hive", "h1"}
	require.NoError(t, run(args, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, captureProgram(&prog)))
	require.NotNil(t, prog)

	root, ok := prog.model.(rootModel)
	require.True(t, ok)
	assert.False(t, root.chat.connected)
	assert.Equal(t, "h1", root.chat.hive)
	assert.Equal(t, "ada", root.chat.self.Username)

	msg := root.chat.loadHistory(nil)()
	hist, ok := msg.(historyMsg)
	require.True(t, ok)
	require.NoError(t, hist.err)
	require.Len(t, hist.page.Messages, 1)
	assert.Equal(t, "hello", hist.page.Messages[0].Body)
	assert.Equal(t, "Bearer tok", authHeader)
}

func TestRun_ServesMetrics(t *testing.T) {
	isolate(t)
	var prog *fakeProgram
	args := []string{"--server", "http://127.0.0.1:1", "--token", "tok", "--user", "u1", "--hive", "h1", "--metrics-addr", "127.0.0.1:19095"}
	require.NoError(t, run(args, strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, captureProgram(&prog)))
	require.NotNil(t, prog)
}
