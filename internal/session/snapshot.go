package session

import (
	"github.com/user/deskmate/internal/types"
	"github.com/user/deskmate/pkg/protocol"
)

// Snapshot is an immutable view of the session. A new one is published
// after every change; readers may keep it as long as they like.
type Snapshot struct {
	Version    uint64
	ThreadID   types.ThreadID
	Messages   []*types.Message
	Connection types.ConnectionState
	Queued     []types.QueuedMessage

	RunID         types.RunID
	RunState      types.RunState
	RunProvenance types.Provenance
	Pipeline      types.PipelineState
	PipelineLabel string
	ActiveAgent   types.AgentRole
	RecentAgents  []types.AgentRole
	LastError     *protocol.RunError
}

// QueuedCount is the number of turns waiting for the connection.
func (s *Snapshot) QueuedCount() int {
	return len(s.Queued)
}

// Streaming returns the message currently streaming, or nil.
func (s *Snapshot) Streaming() *types.Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].IsStreaming {
			return s.Messages[i]
		}
	}
	return nil
}

// Busy reports whether a run is in flight.
func (s *Snapshot) Busy() bool {
	return s.RunID != "" && !s.RunState.Terminal()
}
