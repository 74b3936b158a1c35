// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AgentRole is the closed set of specialist agents a run can be handed to.
type AgentRole string

const (
	AgentOrchestrator AgentRole = "orchestrator"
	AgentCoder        AgentRole = "coder"
	AgentResearcher   AgentRole = "researcher"
	AgentSecretary    AgentRole = "secretary"
	AgentHome         AgentRole = "home"
	AgentFinance      AgentRole = "finance"
	AgentPersonality  AgentRole = "personality"
)

// DefaultAgent handles every run until the backend hands it off.
const DefaultAgent = AgentOrchestrator

// Valid reports whether a is one of the known agents.
func (a AgentRole) Valid() bool {
	switch a {
	case AgentOrchestrator, AgentCoder, AgentResearcher, AgentSecretary,
		AgentHome, AgentFinance, AgentPersonality:
		return true
	default:
		return false
	}
}

type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

func (s ToolStatus) Valid() bool {
	return s == ToolRunning || s == ToolCompleted || s == ToolFailed
}

type PipelineState string

const (
	PipelineRouting       PipelineState = "routing"
	PipelineThinking      PipelineState = "thinking"
	PipelineToolExecuting PipelineState = "tool_executing"
	PipelineComposing     PipelineState = "composing"
	PipelineDone          PipelineState = "done"
)

func (s PipelineState) Valid() bool {
	switch s {
	case PipelineRouting, PipelineThinking, PipelineToolExecuting, PipelineComposing, PipelineDone:
		return true
	default:
		return false
	}
}

type RunState string

const (
	RunQueued         RunState = "queued"
	RunInProgress     RunState = "in_progress"
	RunRequiresAction RunState = "requires_action"
	RunCompleted      RunState = "completed"
	RunFailed         RunState = "failed"
	RunCancelled      RunState = "cancelled"
)

func (s RunState) Valid() bool {
	switch s {
	case RunQueued, RunInProgress, RunRequiresAction, RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are accepted from s.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnReconnecting ConnectionState = "reconnecting"
	ConnDegraded     ConnectionState = "degraded"
	ConnOffline      ConnectionState = "offline"
)

// Usable reports whether frames may be written in state s.
func (s ConnectionState) Usable() bool {
	return s == ConnConnected || s == ConnDegraded
}

// ErrorCode classifies how a run ended when it did not complete.
type ErrorCode string

const (
	CodeNetworkError  ErrorCode = "network_error"
	CodeBackendError  ErrorCode = "backend_error"
	CodeCancelled     ErrorCode = "cancelled"
	CodeTimeout       ErrorCode = "timeout"
	CodeProtocolError ErrorCode = "protocol_error"
)

func (c ErrorCode) Valid() bool {
	switch c {
	case CodeNetworkError, CodeBackendError, CodeCancelled, CodeTimeout, CodeProtocolError:
		return true
	default:
		return false
	}
}

// Provenance tags client state that may still be overridden by the backend.
type Provenance string

const (
	Pending   Provenance = "pending"
	Committed Provenance = "committed"
	Reverted  Provenance = "reverted"
)

type ToolExecution struct {
	ID     ToolID          `json:"id"`
	Name   string          `json:"name"`
	Status ToolStatus      `json:"status"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type Citation struct {
	ID      string `json:"id,omitempty"`
	Title   string `json:"title,omitempty"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

type MemoryRef struct {
	ID      string `json:"id"`
	Summary string `json:"summary,omitempty"`
}

type ImageRef struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

type HandoffRecord struct {
	From   AgentRole `json:"from"`
	To     AgentRole `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Attachment is the descriptor returned by the document service. It is
// forwarded to the backend unmodified.
type Attachment struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

type Message struct {
	ID             MessageID       `json:"id"`
	ClientID       ClientID        `json:"client_id,omitempty"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Agent          AgentRole       `json:"agent,omitempty"`
	IsStreaming    bool            `json:"is_streaming"`
	Status         Provenance      `json:"status,omitempty"`
	Outcome        ErrorCode       `json:"outcome,omitempty"`
	Voice          bool            `json:"voice,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	ToolExecutions []ToolExecution `json:"tool_executions,omitempty"`
	Citations      []Citation      `json:"citations,omitempty"`
	MemoriesUsed   []MemoryRef     `json:"memories_used,omitempty"`
	Images         []ImageRef      `json:"images,omitempty"`
	Handoff        *HandoffRecord  `json:"handoff,omitempty"`
	RunID          RunID           `json:"run_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Clone returns a deep copy that shares no slices with m.
func (m *Message) Clone() *Message {
	c := *m
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	c.ToolExecutions = make([]ToolExecution, len(m.ToolExecutions))
	for i, te := range m.ToolExecutions {
		te.Args = append(json.RawMessage(nil), te.Args...)
		te.Result = append(json.RawMessage(nil), te.Result...)
		c.ToolExecutions[i] = te
	}
	c.Citations = append([]Citation(nil), m.Citations...)
	c.MemoriesUsed = append([]MemoryRef(nil), m.MemoriesUsed...)
	c.Images = append([]ImageRef(nil), m.Images...)
	if m.Handoff != nil {
		h := *m.Handoff
		c.Handoff = &h
	}
	return &c
}

// Tool returns the execution with the given id, if present.
func (m *Message) Tool(id ToolID) (*ToolExecution, bool) {
	for i := range m.ToolExecutions {
		if m.ToolExecutions[i].ID == id {
			return &m.ToolExecutions[i], true
		}
	}
	return nil, false
}

type QueuedMessage struct {
	ClientID    ClientID     `json:"client_id"`
	RunID       RunID        `json:"run_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Voice       bool         `json:"voice,omitempty"`
	EnqueuedAt  time.Time    `json:"enqueued_at"`
}

type Thread struct {
	ID        ThreadID  `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
