package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/therenovatio/teleton-agent-sub000/internal/security"
)

const (
	envelopeTimeLayout = "2006-01-02 15:04 MST"
	pendingHeader      = "[Pending messages since my last reply]"
	currentHeader      = "[Current message]"
)

// FormatEnvelope wraps a message with its sender and timing metadata:
//
//	[Telegram Alice (@alice, 42) +5m 2026-10-19 14:03 UTC] hello
//
// prev is the time of the previous turn in the chat; zero omits the elapsed
// marker. Names and body are sanitized so user text cannot forge a header.
func FormatEnvelope(msg Message, prev time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}

	var h strings.Builder
	h.WriteString("[Telegram ")
	if msg.IsGroup && msg.ChatTitle != "" {
		h.WriteString(security.SanitizeLabel(msg.ChatTitle))
		h.WriteString(": ")
	}
	h.WriteString(senderLabel(msg))
	if !prev.IsZero() && msg.Timestamp.After(prev) {
		h.WriteString(" +")
		h.WriteString(formatElapsed(msg.Timestamp.Sub(prev)))
	}
	h.WriteString(" ")
	h.WriteString(msg.Timestamp.In(loc).Format(envelopeTimeLayout))
	h.WriteString("]")

	body := security.SanitizeBody(strings.TrimSpace(msg.Text))
	if msg.MediaType != "" {
		media := fmt.Sprintf("[media: %s]", security.SanitizeLabel(msg.MediaType))
		if body == "" {
			body = media
		} else {
			body = media + " " + body
		}
	}
	if body == "" {
		return h.String()
	}
	return h.String() + " " + body
}

func senderLabel(msg Message) string {
	name := security.SanitizeLabel(msg.SenderName)
	if name == "" {
		name = "User"
	}
	var meta []string
	if u := security.SanitizeLabel(strings.TrimPrefix(msg.SenderUsername, "@")); u != "" {
		meta = append(meta, "@"+u)
	}
	if msg.SenderID != 0 {
		meta = append(meta, fmt.Sprintf("%d", msg.SenderID))
	}
	if len(meta) == 0 {
		return name
	}
	return name + " (" + strings.Join(meta, ", ") + ")"
}

func formatElapsed(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// composeUserTurn renders the current message, preceded by any pending
// group messages, as the content of one user turn.
func composeUserTurn(msg Message, pending []Message, prev time.Time, loc *time.Location) string {
	if len(pending) == 0 {
		return FormatEnvelope(msg, prev, loc)
	}

	var b strings.Builder
	b.WriteString(pendingHeader)
	b.WriteString("\n")
	last := prev
	for _, p := range pending {
		b.WriteString(FormatEnvelope(p, last, loc))
		b.WriteString("\n")
		last = p.Timestamp
	}
	b.WriteString("\n")
	b.WriteString(currentHeader)
	b.WriteString("\n")
	b.WriteString(FormatEnvelope(msg, last, loc))
	return b.String()
}
