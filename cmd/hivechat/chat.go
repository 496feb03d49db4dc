package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/Avicted/hivechat/internal/auth"
	"github.com/Avicted/hivechat/internal/chat"
	"github.com/Avicted/hivechat/internal/events"
	"github.com/Avicted/hivechat/internal/message"
)

const (
	commandTimeout  = 10 * time.Second
	tickInterval    = time.Second
	catchUpEvery    = 15
	typingPollEvery = 3
	eventBuffer     = 256
)

type systemLine struct {
	at   time.Time
	text string
	err  bool
}

type chatModel struct {
	client    *chat.Client
	self      auth.Session
	hive      string
	connected bool

	updates chan tea.Msg
	unsubs  []func()

	messages []message.Message
	pending  []message.Message
	system   []systemLine
	hasMore  bool
	cursor   message.ID
	ticks    int

	viewport viewport.Model
	input    textinput.Model
	errMsg   string
	width    int
	height   int
}

type historyMsg struct {
	page    message.Page
	pending []message.Message
	err     error
}

type pushMsg struct{ event events.Event }

type reconciledMsg struct{ result chat.Reconciliation }

type commandResultMsg struct {
	text    string
	err     error
	refresh bool
}

type tickMsg time.Time

func newChatModel(client *chat.Client, self auth.Session, hive string, connected bool, width, height int) chatModel {
	input := textinput.New()
	input.Placeholder = "type a message, /help for commands"
	input.CharLimit = 4096
	input.Width = clampMin(width-8, 20)
	input.Focus()

	m := chatModel{
		client:    client,
		self:      self,
		hive:      hive,
		connected: connected,
		updates:   make(chan tea.Msg, eventBuffer),
		viewport:  viewport.New(clampMin(width-4, 10), clampMin(height-8, 1)),
		input:     input,
		width:     width,
		height:    height,
	}
	m.unsubs = append(m.unsubs,
		client.SubscribeConversation(hive, func(ev events.Event) { m.forward(pushMsg{event: ev}) }),
		client.OnReconcile(func(r chat.Reconciliation) { m.forward(reconciledMsg{result: r}) }),
	)
	if !connected {
		m.appendSystem("live updates unavailable, polling for new messages", true)
	}
	return m
}

// forward hands a callback result to the UI loop. It never blocks the
// transport; when the UI falls behind the event is dropped and the next
// refresh picks the state up from the cache.
func (m chatModel) forward(msg tea.Msg) {
	select {
	case m.updates <- msg:
	default:
	}
}

func (m chatModel) close() {
	for _, unsub := range m.unsubs {
		unsub()
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.loadHistory(nil),
		waitForUpdate(m.updates),
		tick(),
	)
}

func waitForUpdate(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m chatModel) loadHistory(opts *chat.HistoryOptions) tea.Cmd {
	client, hive := m.client, m.hive
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		page, err := client.GetHistory(ctx, hive, opts)
		return historyMsg{page: page, pending: placeholders(client, hive), err: err}
	}
}

func (m chatModel) catchUp() tea.Cmd {
	client, hive := m.client, m.hive
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		page, err := client.CatchUp(ctx, hive)
		return historyMsg{page: page, pending: placeholders(client, hive), err: err}
	}
}

// refreshTyping polls who is typing. Failures are left to the next poll.
func (m chatModel) refreshTyping() tea.Cmd {
	client, hive := m.client, m.hive
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		_, _ = client.RefreshTyping(ctx, hive)
		return nil
	}
}

func placeholders(client *chat.Client, hive string) []message.Message {
	pending := client.Pending(hive)
	out := make([]message.Message, 0, len(pending))
	for _, p := range pending {
		out = append(out, p.Message)
	}
	return out
}

func (m chatModel) Update(msg tea.Msg) (chatModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateLayout()
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			return m, m.submit()
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		before := m.input.Value()
		m.input, cmd = m.input.Update(msg)
		if m.input.Value() != before && m.input.Value() != "" && !strings.HasPrefix(m.input.Value(), "/") {
			return m, tea.Batch(cmd, m.typing(true))
		}
		return m, cmd

	case historyMsg:
		if msg.err != nil {
			m.errMsg = describe(msg.err)
			return m, nil
		}
		m.errMsg = ""
		m.messages = msg.page.Messages
		m.pending = msg.pending
		m.hasMore = msg.page.HasMore
		m.cursor = msg.page.Cursor
		m.refreshViewport()
		return m, nil

	case pushMsg:
		if _, ok := msg.event.(events.TypingEvent); ok {
			return m, waitForUpdate(m.updates)
		}
		return m, tea.Batch(m.loadHistory(nil), waitForUpdate(m.updates))

	case reconciledMsg:
		if msg.result.Err != nil {
			m.appendSystem("message failed to send, /retry to send it again", true)
		}
		return m, tea.Batch(m.loadHistory(nil), waitForUpdate(m.updates))

	case commandResultMsg:
		if msg.err != nil {
			m.errMsg = describe(msg.err)
		} else if msg.text != "" {
			m.appendSystem(msg.text, false)
		}
		if msg.refresh {
			return m, m.loadHistory(nil)
		}
		m.refreshViewport()
		return m, nil

	case tickMsg:
		m.ticks++
		m.refreshViewport()
		cmds := []tea.Cmd{tick()}
		if !m.connected {
			if m.ticks%typingPollEvery == 0 {
				cmds = append(cmds, m.refreshTyping())
			}
			if m.ticks%catchUpEvery == 0 {
				cmds = append(cmds, m.catchUp())
			}
		}
		return m, tea.Batch(cmds...)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *chatModel) submit() tea.Cmd {
	body := strings.TrimSpace(m.input.Value())
	if body == "" {
		return nil
	}
	m.input.Reset()
	if strings.HasPrefix(body, "/") {
		return m.handleCommand(body)
	}

	if _, err := m.client.SendMessage(m.hive, message.Text(body)); err != nil {
		m.errMsg = describe(err)
		return nil
	}
	m.pending = placeholders(m.client, m.hive)
	m.refreshViewport()
	return m.typing(false)
}

func (m chatModel) typing(active bool) tea.Cmd {
	client, hive := m.client, m.hive
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if active {
			_ = client.StartTyping(ctx, hive)
		} else {
			_ = client.StopTyping(ctx, hive)
		}
		return nil
	}
}

const helpText = "/edit <id> <text> | /delete <id> [hard] | /react <id> <emoji> | /unreact <id> <emoji> | /pin <id> | /search <terms> | /from <user> | /older | /read | /retry | /discard"

func (m *chatModel) handleCommand(raw string) tea.Cmd {
	client, hive := m.client, m.hive
	parts := strings.Fields(raw)
	name := strings.ToLower(parts[0])
	args := parts[1:]
	rest := func(n int) string {
		s := raw
		for i := 0; i <= n; i++ {
			s = strings.TrimSpace(strings.TrimPrefix(s, parts[i]))
		}
		return s
	}

	switch name {
	case "/help":
		m.appendSystem(helpText, false)
		return nil

	case "/older":
		if !m.hasMore || m.cursor == "" {
			m.appendSystem("no older messages", false)
			return nil
		}
		return m.loadHistory(&chat.HistoryOptions{Before: m.cursor, Limit: 50})

	case "/retry":
		return m.run(func(context.Context) (string, error) {
			n := 0
			for _, p := range client.Pending(hive) {
				if p.Message.Status != message.StatusFailed {
					continue
				}
				if _, err := client.RetrySend(p.Message.ID); err != nil {
					return "", err
				}
				n++
			}
			return fmt.Sprintf("retrying %d message(s)", n), nil
		})

	case "/discard":
		return m.run(func(context.Context) (string, error) {
			n := 0
			for _, p := range client.Pending(hive) {
				if client.DiscardFailed(p.Message.ID) == nil {
					n++
				}
			}
			return fmt.Sprintf("discarded %d message(s)", n), nil
		})

	case "/read":
		ids := make([]message.ID, 0, len(m.messages))
		for _, msg := range m.messages {
			if msg.SenderID != m.self.UserID {
				ids = append(ids, msg.ID)
			}
		}
		return m.run(func(ctx context.Context) (string, error) {
			return "", client.MarkAsRead(ctx, ids)
		})

	case "/search", "/from":
		if len(args) == 0 {
			m.appendSystem("usage: "+name+" <terms>", true)
			return nil
		}
		params := chat.SearchParams{ConversationID: hive, Query: rest(0), Limit: 20}
		if name == "/from" {
			params = chat.SearchParams{ConversationID: hive, Sender: args[0], Limit: 20}
		}
		self := m.self
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()
			hits, err := client.SearchMessages(ctx, params)
			if err != nil {
				return commandResultMsg{err: err}
			}
			lines := make([]string, 0, len(hits)+1)
			lines = append(lines, fmt.Sprintf("%d match(es)", len(hits)))
			for _, hit := range hits {
				lines = append(lines, fmt.Sprintf("#%s %s: %s", hit.ID, displayName(hit, self), hit.Body))
			}
			return commandResultMsg{text: strings.Join(lines, "\n")}
		}
	}

	if len(args) == 0 {
		m.appendSystem("unknown command, /help lists them", true)
		return nil
	}
	id := message.ID(strings.TrimPrefix(args[0], "#"))

	switch name {
	case "/edit":
		body := rest(1)
		return m.run(func(ctx context.Context) (string, error) {
			_, err := client.EditMessage(ctx, id, body)
			return "", err
		})
	case "/delete":
		soft := len(args) < 2 || args[1] != "hard"
		return m.run(func(ctx context.Context) (string, error) {
			return "", client.DeleteMessage(ctx, id, chat.DeleteOptions{Soft: soft})
		})
	case "/react", "/unreact":
		if len(args) < 2 {
			m.appendSystem("usage: "+name+" <id> <emoji>", true)
			return nil
		}
		emoji := args[1]
		return m.run(func(ctx context.Context) (string, error) {
			if name == "/react" {
				return "", client.AddReaction(ctx, id, emoji)
			}
			return "", client.RemoveReaction(ctx, id, emoji)
		})
	case "/pin":
		return m.run(func(ctx context.Context) (string, error) {
			_, err := client.PinMessage(ctx, id)
			return "", err
		})
	}

	m.appendSystem("unknown command, /help lists them", true)
	return nil
}

// run executes fn off the UI loop and refreshes the view from the cache
// afterwards.
func (m *chatModel) run(fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		text, err := fn(ctx)
		return commandResultMsg{text: text, err: err, refresh: true}
	}
}

func (m *chatModel) appendSystem(text string, isErr bool) {
	m.system = append(m.system, systemLine{at: time.Now(), text: text, err: isErr})
	m.refreshViewport()
}

func (m *chatModel) refreshViewport() {
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

func (m *chatModel) updateLayout() {
	m.viewport.Width = clampMin(m.width-4, 10)
	m.viewport.Height = clampMin(m.height-8, 1)
	m.input.Width = clampMin(m.width-8, 20)
}

func (m *chatModel) renderMessages() string {
	if len(m.messages) == 0 && len(m.pending) == 0 && len(m.system) == 0 {
		return labelStyle.Render("  No messages yet. Send one to start chatting!")
	}

	var b strings.Builder
	if m.hasMore {
		b.WriteString(helpStyle.Render("  /older loads earlier messages"))
		b.WriteString("\n")
	}
	all := append(append([]message.Message(nil), m.messages...), m.pending...)
	message.Sort(all)
	for _, msg := range all {
		style := recvMsgStyle
		switch {
		case msg.Status == message.StatusFailed:
			style = failedMsgStyle
		case msg.Status == message.StatusPending:
			style = pendingMsgStyle
		case msg.Deleted:
			style = historyMsgStyle
		case msg.SenderID == m.self.UserID:
			style = sentMsgStyle
		}
		for _, line := range formatMessageLines(humanize.Time(msg.CreatedAt), label(msg, m.self), annotate(msg), m.viewport.Width, false) {
			b.WriteString(style.Render(line))
			b.WriteString("\n")
		}
	}
	for _, line := range m.system {
		style := labelStyle
		if line.err {
			style = errorStyle
		}
		for _, l := range formatMessageLines(humanize.Time(line.at), "", line.text, m.viewport.Width, true) {
			b.WriteString(style.Render(l))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m chatModel) View() string {
	var b strings.Builder

	header := fmt.Sprintf(
		"  %s  %s  %s",
		appNameStyle.Render("* hivechat"),
		headerStyle.Render(m.self.Username),
		labelStyle.Render("hive: "+m.hive),
	)
	connStatus := connectedStyle.Render("live")
	if !m.connected {
		connStatus = disconnectedStyle.Render("polling")
	}
	gap := max(1, m.width-lipgloss.Width(header)-lipgloss.Width(connStatus)-2)
	b.WriteString(header + strings.Repeat(" ", gap) + connStatus)
	b.WriteString("\n")
	b.WriteString(separator(m.width))
	b.WriteString("\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(typingStyle.Render("  " + typingLine(m.client.TypingUsers(m.hive))))
	b.WriteString("\n")
	b.WriteString(separator(m.width))
	b.WriteString("\n")

	b.WriteString(activeInputStyle.Render("  > ") + m.input.View())
	b.WriteString("\n")

	if m.errMsg != "" {
		b.WriteString(errorStyle.Render("  x " + m.errMsg))
	} else {
		b.WriteString(helpStyle.Render("  enter: send - /help: commands - pgup/pgdn: scroll - ctrl+q: quit"))
	}
	return b.String()
}

func describe(err error) string {
	var fetchErr *chat.HistoryFetchError
	switch {
	case errors.Is(err, chat.ErrAuthenticationRequired):
		return "session expired, sign in again"
	case errors.As(err, &fetchErr):
		return "could not load history, it will be retried"
	case errors.Is(err, chat.ErrPlaceholder):
		return "that message has not been delivered yet"
	}
	return err.Error()
}
