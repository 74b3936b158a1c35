// Package protocol defines the JSON frames exchanged between the dashboard
// client and the backend orchestrator. Every frame is a single JSON object
// tagged with a type; run-scoped frames also carry the run id.
package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies the shape of a frame.
type FrameType string

// Frames emitted by the backend.
const (
	TypeDelta      FrameType = "delta"
	TypeToolStart  FrameType = "tool_start"
	TypeToolResult FrameType = "tool_result"
	TypeCitation   FrameType = "citation"
	TypeMemory     FrameType = "memory"
	TypeImage      FrameType = "image"
	TypeHandoff    FrameType = "handoff"
	TypePipeline   FrameType = "pipeline"
	TypeRun        FrameType = "run"
	TypeError      FrameType = "error"
	TypeDone       FrameType = "done"
	TypeAck        FrameType = "ack"
	TypePong       FrameType = "pong"
)

// Frames sent by the client.
const (
	TypeStart  FrameType = "start"
	TypeCancel FrameType = "cancel"
	TypePing   FrameType = "ping"
)

// Known reports whether t is a frame the client knows how to decode.
func (t FrameType) Known() bool {
	switch t {
	case TypeDelta, TypeToolStart, TypeToolResult, TypeCitation, TypeMemory, TypeImage,
		TypeHandoff, TypePipeline, TypeRun, TypeError, TypeDone, TypeAck, TypePong:
		return true
	default:
		return false
	}
}

// Citation is a source reference attached to an assistant message. Backends
// that only have rendered HTML send SnippetHTML instead of Snippet.
type Citation struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title,omitempty"`
	URL         string `json:"url"`
	Snippet     string `json:"snippet,omitempty"`
	SnippetHTML string `json:"snippetHtml,omitempty"`
}

type Memory struct {
	ID      string `json:"id"`
	Summary string `json:"summary,omitempty"`
}

type Image struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url"`
	Alt string `json:"alt,omitempty"`
}

type Attachment struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Frame is the flat wire envelope. Fields that may legitimately be zero
// (chunk, seq) are pointers so that a missing field can be told apart from
// an empty one.
type Frame struct {
	RunID     string    `json:"runId,omitempty"`
	Type      FrameType `json:"type"`
	MessageID string    `json:"messageId,omitempty"`

	Chunk *string `json:"chunk,omitempty"`
	Seq   *int64  `json:"seq,omitempty"`

	ToolID string          `json:"toolId,omitempty"`
	Name   string          `json:"name,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	Citation *Citation `json:"citation,omitempty"`
	Memory   *Memory   `json:"memory,omitempty"`
	Image    *Image    `json:"image,omitempty"`

	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Reason string `json:"reason,omitempty"`

	State  string `json:"state,omitempty"`
	Detail string `json:"detail,omitempty"`
	Deep   bool   `json:"deep,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	ClientID string `json:"clientId,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
}

// StartRequest asks the backend to begin a run for one user turn.
type StartRequest struct {
	Type        FrameType    `json:"type"`
	RunID       string       `json:"runId"`
	ClientID    string       `json:"clientId"`
	ThreadID    string       `json:"threadId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	Voice       bool         `json:"voice,omitempty"`
}

// CancelRequest asks the backend to stop a run.
type CancelRequest struct {
	Type  FrameType `json:"type"`
	RunID string    `json:"runId"`
}

// Ping is the heartbeat request; the backend answers with a pong frame
// carrying the same nonce.
type Ping struct {
	Type  FrameType `json:"type"`
	Nonce string    `json:"nonce"`
}

// Parse unmarshals a single frame. It returns a *DecodeError when the data
// is not JSON, has no type, or names a type the client does not know.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &DecodeError{Raw: string(data), Reason: err.Error()}
	}
	if f.Type == "" {
		return nil, &DecodeError{Raw: string(data), Reason: "missing frame type"}
	}
	if !f.Type.Known() {
		return nil, &DecodeError{Raw: string(data), Reason: fmt.Sprintf("unknown frame type %q", f.Type), RunID: f.RunID}
	}
	return &f, nil
}

// Validate checks that every field the frame type requires is present.
// A frame that fails validation is dropped by the decoder; it is not fatal.
func (f *Frame) Validate() error {
	var missing []string
	need := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	switch f.Type {
	case TypeAck:
		need(f.ClientID != "", "clientId")
	case TypePong:
	default:
		need(f.RunID != "", "runId")
	}

	switch f.Type {
	case TypeDelta:
		need(f.MessageID != "", "messageId")
		need(f.Chunk != nil, "chunk")
		need(f.Seq != nil, "seq")
	case TypeToolStart:
		need(f.MessageID != "", "messageId")
		need(f.ToolID != "", "toolId")
		need(f.Name != "", "name")
	case TypeToolResult:
		need(f.ToolID != "", "toolId")
		need(f.Status != "", "status")
	case TypeCitation:
		need(f.MessageID != "", "messageId")
		need(f.Citation != nil && f.Citation.URL != "", "citation.url")
	case TypeMemory:
		need(f.MessageID != "", "messageId")
		need(f.Memory != nil && f.Memory.ID != "", "memory.id")
	case TypeImage:
		need(f.MessageID != "", "messageId")
		need(f.Image != nil && f.Image.URL != "", "image.url")
	case TypeHandoff:
		need(f.From != "", "from")
		need(f.To != "", "to")
	case TypePipeline, TypeRun:
		need(f.State != "", "state")
	case TypeDone:
		need(f.MessageID != "", "messageId")
	}

	if len(missing) > 0 {
		return &MissingFieldError{Type: f.Type, RunID: f.RunID, Fields: missing}
	}
	return nil
}

// Marshal encodes any outgoing frame or request.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return data, nil
}
