package run

import (
	"time"

	"github.com/user/deskmate/internal/types"
)

// Handoffs accumulates the agents that have handled the current run.
// The stack only grows while a run is active.
type Handoffs struct {
	defaultAgent types.AgentRole
	stack        []types.AgentRole
	records      []types.HandoffRecord
}

// NewHandoffs returns a tracker whose stack starts at defaultAgent.
func NewHandoffs(defaultAgent types.AgentRole) *Handoffs {
	h := &Handoffs{defaultAgent: defaultAgent}
	h.Reset()
	return h
}

// Reset starts a fresh run at the default agent.
func (h *Handoffs) Reset() {
	h.stack = []types.AgentRole{h.defaultAgent}
	h.records = nil
}

// Handoff records a transfer and pushes to onto the stack unless it is
// already the active agent. It returns the record and whether the stack grew.
func (h *Handoffs) Handoff(from, to types.AgentRole, reason string) (types.HandoffRecord, bool) {
	rec := types.HandoffRecord{From: from, To: to, Reason: reason, At: time.Now()}
	if to == h.Active() {
		return rec, false
	}
	h.stack = append(h.stack, to)
	h.records = append(h.records, rec)
	return rec, true
}

// Active is the agent currently working on the run.
func (h *Handoffs) Active() types.AgentRole {
	return h.stack[len(h.stack)-1]
}

// History returns the whole ordered stack.
func (h *Handoffs) History() []types.AgentRole {
	return append([]types.AgentRole(nil), h.stack...)
}

// Recent returns up to the last n agents, oldest first.
func (h *Handoffs) Recent(n int) []types.AgentRole {
	if n <= 0 {
		return nil
	}
	if n >= len(h.stack) {
		return h.History()
	}
	return append([]types.AgentRole(nil), h.stack[len(h.stack)-n:]...)
}

// Records returns the transitions that grew the stack.
func (h *Handoffs) Records() []types.HandoffRecord {
	return append([]types.HandoffRecord(nil), h.records...)
}
