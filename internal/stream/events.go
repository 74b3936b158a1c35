package stream

import (
	"encoding/json"

	"github.com/user/deskmate/internal/types"
)

// Event is a decoded, typed occurrence within a run. The concrete types
// below are the only implementations.
type Event interface {
	Run() types.RunID
}

type base struct {
	RunID types.RunID
}

func (b base) Run() types.RunID { return b.RunID }

type Delta struct {
	base
	MessageID types.MessageID
	Chunk     string
	Seq       int64
}

type ToolStart struct {
	base
	MessageID types.MessageID
	ToolID    types.ToolID
	Name      string
	Args      json.RawMessage
}

type ToolResult struct {
	base
	ToolID types.ToolID
	Status types.ToolStatus
	Result json.RawMessage
}

type CitationAdded struct {
	base
	MessageID types.MessageID
	Citation  types.Citation
}

type MemoryAdded struct {
	base
	MessageID types.MessageID
	Memory    types.MemoryRef
}

type ImageAdded struct {
	base
	MessageID types.MessageID
	Image     types.ImageRef
}

type Handoff struct {
	base
	From   types.AgentRole
	To     types.AgentRole
	Reason string
}

type PipelineChanged struct {
	base
	State  types.PipelineState
	Detail string
	Deep   bool
}

type RunChanged struct {
	base
	State types.RunState
}

// Failure ends a run. It comes either from a backend error frame or from
// the decoder itself when a frame cannot be read (CodeProtocolError). RunID
// is empty when the broken frame did not reveal which run it belonged to.
type Failure struct {
	base
	Code    types.ErrorCode
	Message string
}

type Done struct {
	base
	MessageID types.MessageID
}

// Ack confirms the backend accepted the turn stamped with ClientID.
type Ack struct {
	base
	ClientID types.ClientID
}

type Pong struct {
	base
	Nonce string
}
