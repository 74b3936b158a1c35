package devserver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/deskmate/internal/types"
	"github.com/user/deskmate/pkg/protocol"
)

// route picks the specialist for a turn from keywords in its content. The
// orchestrator answers anything it cannot place.
func route(content string) (types.AgentRole, string) {
	lower := strings.ToLower(content)
	rules := []struct {
		agent    types.AgentRole
		reason   string
		keywords []string
	}{
		{types.AgentCoder, "code question", []string{"code", "bug", "function", "compile"}},
		{types.AgentResearcher, "needs sources", []string{"research", "search", "look up", "who is", "what is"}},
		{types.AgentSecretary, "calendar and mail", []string{"calendar", "meeting", "email", "briefing", "remind"}},
		{types.AgentHome, "home automation", []string{"lights", "thermostat", "door", "heating"}},
		{types.AgentFinance, "money matters", []string{"budget", "spend", "invoice", "bank"}},
	}
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return r.agent, r.reason
			}
		}
	}
	return types.AgentOrchestrator, ""
}

// toolCall is a canned tool invocation an agent makes before answering.
type toolCall struct {
	name   string
	args   json.RawMessage
	result json.RawMessage
	status string
}

func toolsFor(agent types.AgentRole, content string) []toolCall {
	query, _ := json.Marshal(map[string]string{"query": content})
	switch agent {
	case types.AgentResearcher:
		return []toolCall{{name: "web_search", args: query, result: json.RawMessage(`{"hits":2}`), status: "completed"}}
	case types.AgentSecretary:
		return []toolCall{{name: "calendar", args: json.RawMessage(`{"range":"today"}`), result: json.RawMessage(`{"events":2}`), status: "completed"}}
	case types.AgentHome:
		return []toolCall{{name: "home_assistant", args: query, result: json.RawMessage(`{"error":"hub unreachable"}`), status: "failed"}}
	default:
		return nil
	}
}

func citationsFor(agent types.AgentRole) []protocol.Citation {
	if agent != types.AgentResearcher {
		return nil
	}
	return []protocol.Citation{
		{ID: "c1", Title: "Go", URL: "https://go.dev/", SnippetHTML: "<p>Build <strong>simple, secure, scalable</strong> systems with Go.</p>"},
		{ID: "c2", Title: "Effective Go", URL: "https://go.dev/doc/effective_go", Snippet: "Tips for writing clear, idiomatic Go code."},
	}
}

// Reply is the default answer: it names the agent and echoes the turn.
func Reply(agent types.AgentRole, req protocol.StartRequest) string {
	text := strings.TrimSpace(req.Content)
	if text == "" && len(req.Attachments) > 0 {
		text = fmt.Sprintf("%d attachment(s)", len(req.Attachments))
	}
	return fmt.Sprintf("[%s] You said: %s", agent, text)
}

// chunks splits text into word-sized pieces that concatenate back to it.
func chunks(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == ' ' && i > start {
			out = append(out, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
