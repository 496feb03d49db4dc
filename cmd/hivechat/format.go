package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Avicted/hivechat/internal/auth"
	"github.com/Avicted/hivechat/internal/message"
	"github.com/Avicted/hivechat/internal/typing"
)

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clampMin(v, minimum int) int {
	if v < minimum {
		return minimum
	}
	return v
}

func displayName(m message.Message, self auth.Session) string {
	switch {
	case m.SenderID == self.UserID && self.Username != "":
		return self.Username
	case m.SenderName != "":
		return m.SenderName
	}
	return shortID(m.SenderID)
}

// label is the sender column: the message ID for confirmed messages, so it
// can be passed to commands, followed by the sender.
func label(m message.Message, self auth.Session) string {
	if m.ID.IsOptimistic() {
		return displayName(m, self)
	}
	return "#" + string(m.ID) + " " + displayName(m, self)
}

func annotate(m message.Message) string {
	body := m.Body
	var tags []string
	if m.Edited && !m.Deleted {
		tags = append(tags, "edited")
	}
	if m.Pinned {
		tags = append(tags, "pinned")
	}
	switch m.Status {
	case message.StatusPending:
		tags = append(tags, "sending")
	case message.StatusFailed:
		tags = append(tags, "failed")
	}
	if len(tags) > 0 {
		body += " (" + strings.Join(tags, ", ") + ")"
	}
	if r := reactionSummary(m.Reactions); r != "" {
		body += " " + r
	}
	return body
}

func reactionSummary(reactions []message.Reaction) string {
	if len(reactions) == 0 {
		return ""
	}
	counts := make(map[string]int)
	var order []string
	for _, r := range reactions {
		if counts[r.Emoji] == 0 {
			order = append(order, r.Emoji)
		}
		counts[r.Emoji]++
	}
	parts := make([]string, 0, len(order))
	for _, e := range order {
		parts = append(parts, fmt.Sprintf("%s %d", e, counts[e]))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func typingLine(typists []typing.Typist) string {
	if len(typists) == 0 {
		return ""
	}
	names := make([]string, 0, len(typists))
	for _, t := range typists {
		name := t.Username
		if name == "" {
			name = shortID(t.UserID)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	switch len(names) {
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	}
	return fmt.Sprintf("%s and %d others are typing...", names[0], len(names)-1)
}

func formatMessageLines(ts, sender, body string, width int, isSystem bool) []string {
	prefix := fmt.Sprintf("  [%s] ", ts)
	if !isSystem {
		prefix = fmt.Sprintf("  [%s] %s: ", ts, sender)
	}
	contPrefix := strings.Repeat(" ", len(prefix))
	available := width - len(prefix)
	if available < 10 {
		available = 10
	}

	var out []string
	for i, line := range strings.Split(body, "\n") {
		for j, part := range wrapText(line, available) {
			if i == 0 && j == 0 {
				out = append(out, prefix+part)
				continue
			}
			out = append(out, contPrefix+part)
		}
	}
	return out
}

func wrapText(text string, width int) []string {
	words := strings.Fields(text)
	if width <= 0 || len(words) == 0 {
		return []string{text}
	}
	var lines []string
	current := words[0]
	for _, word := range words[1:] {
		if len(current)+1+len(word) <= width {
			current += " " + word
			continue
		}
		lines = append(lines, current)
		current = word
	}
	return append(lines, current)
}
