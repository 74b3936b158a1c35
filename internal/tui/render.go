package tui

import (
	"fmt"
	"strings"

	"github.com/user/deskmate/internal/session"
	"github.com/user/deskmate/internal/types"
)

func renderMessage(m *types.Message) string {
	var b strings.Builder
	switch m.Role {
	case types.RoleUser:
		b.WriteString(userStyle.Render("you"))
		switch m.Status {
		case types.Pending:
			b.WriteString(mutedStyle.Render(" (sending)"))
		case types.Reverted:
			b.WriteString(mutedStyle.Render(" (withdrawn)"))
		}
		if m.Voice {
			b.WriteString(mutedStyle.Render(" 🎤"))
		}
	default:
		agent := m.Agent
		if agent == "" {
			agent = types.DefaultAgent
		}
		b.WriteString(assistantStyle.Render(string(agent)))
		if m.IsStreaming {
			b.WriteString(mutedStyle.Render(" …"))
		}
	}
	b.WriteString("\n")

	if m.Handoff != nil {
		fmt.Fprintf(&b, "%s\n", mutedStyle.Render(fmt.Sprintf("↪ handed off from %s: %s", m.Handoff.From, m.Handoff.Reason)))
	}
	for _, te := range m.ToolExecutions {
		line := fmt.Sprintf("⚙ %s (%s)", te.Name, te.Status)
		switch te.Status {
		case types.ToolFailed:
			line = errorStyle.Render(line)
		default:
			line = mutedStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, "%s\n", mutedStyle.Render("📎 "+a.Name))
	}

	b.WriteString(m.Content)
	b.WriteString("\n")

	for i, c := range m.Citations {
		title := c.Title
		if title == "" {
			title = c.URL
		}
		fmt.Fprintf(&b, "%s\n", mutedStyle.Render(fmt.Sprintf("[%d] %s %s", i+1, title, c.URL)))
	}
	if m.Outcome != "" {
		b.WriteString(errorStyle.Render("✗ "+string(m.Outcome)) + "\n")
	}
	return b.String()
}

func renderMessages(snap *session.Snapshot) string {
	if len(snap.Messages) == 0 {
		return mutedStyle.Render("No messages yet. Say hello.")
	}
	parts := make([]string, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		parts = append(parts, renderMessage(m))
	}
	return strings.Join(parts, "\n")
}

// statusLine renders the pipeline label, agent trail and queued badge.
func statusLine(snap *session.Snapshot, spin string) string {
	var parts []string
	if snap.Busy() && snap.PipelineLabel != "" {
		parts = append(parts, spin+" "+snap.PipelineLabel)
	}
	if len(snap.RecentAgents) > 0 {
		trail := make([]string, len(snap.RecentAgents))
		for i, a := range snap.RecentAgents {
			trail[i] = string(a)
		}
		parts = append(parts, mutedStyle.Render(strings.Join(trail, " → ")))
	}
	if n := snap.QueuedCount(); n > 0 {
		parts = append(parts, badgeStyle.Render(fmt.Sprintf("%d queued", n)))
	}
	return strings.Join(parts, "  ")
}

// errorLine renders the last run failure with a retry hint.
func errorLine(snap *session.Snapshot) string {
	if snap.Connection == types.ConnOffline {
		return errorStyle.Render("offline") + mutedStyle.Render("  ctrl+r to reconnect")
	}
	if snap.LastError == nil {
		return ""
	}
	msg := snap.LastError.Code
	if snap.LastError.Message != "" {
		msg += ": " + snap.LastError.Message
	}
	return errorStyle.Render("run failed ("+msg+")") + mutedStyle.Render("  ctrl+r to retry")
}
