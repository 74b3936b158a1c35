package run

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/user/deskmate/internal/types"
)

var lifecycleTransitions = map[types.RunState][]types.RunState{
	types.RunQueued:         {types.RunInProgress, types.RunCompleted, types.RunFailed, types.RunCancelled},
	types.RunInProgress:     {types.RunRequiresAction, types.RunCompleted, types.RunFailed, types.RunCancelled},
	types.RunRequiresAction: {types.RunInProgress, types.RunCompleted, types.RunFailed, types.RunCancelled},
}

// Lifecycle tracks the coarse status of one run.
type Lifecycle struct {
	ID         types.RunID
	State      types.RunState
	Provenance types.Provenance
	Code       types.ErrorCode
	Message    string
	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
}

// NewLifecycle creates a run in the queued state.
func NewLifecycle(id types.RunID) *Lifecycle {
	return &Lifecycle{
		ID:         id,
		State:      types.RunQueued,
		Provenance: types.Committed,
		CreatedAt:  time.Now(),
	}
}

// Transition applies an authoritative state reported by the backend.
// Terminal states accept nothing further, with one exception: an optimistic
// client cancel is only pending, so the backend's own terminal verdict
// replaces it and is logged as a reconciliation.
func (l *Lifecycle) Transition(to types.RunState) error {
	if l.State == to {
		if l.Provenance == types.Pending {
			l.Provenance = types.Committed
		}
		return nil
	}
	if l.State == types.RunCancelled && l.Provenance == types.Pending {
		if !to.Terminal() {
			return fmt.Errorf("run %s: %s after cancel request ignored", l.ID, to)
		}
		slog.Info("run reconciled with backend", "run_id", string(l.ID), "optimistic", string(l.State), "authoritative", string(to))
		l.Provenance = types.Reverted
		l.set(to)
		return nil
	}
	if !l.allowed(to) {
		return fmt.Errorf("run %s: invalid transition %s -> %s", l.ID, l.State, to)
	}
	l.set(to)
	return nil
}

// Cancel optimistically marks the run cancelled. It returns false when the
// run already ended; the caller sends the cancel request only on true.
func (l *Lifecycle) Cancel() bool {
	if l.State.Terminal() {
		return false
	}
	l.set(types.RunCancelled)
	l.Code = types.CodeCancelled
	l.Provenance = types.Pending
	return true
}

// Fail ends the run with an error. Only the first failure is kept.
func (l *Lifecycle) Fail(code types.ErrorCode, message string) bool {
	if l.State.Terminal() && l.Provenance != types.Pending {
		return false
	}
	if l.Provenance == types.Pending {
		l.Provenance = types.Reverted
	}
	l.set(types.RunFailed)
	l.Code = code
	l.Message = message
	return true
}

// Settled reports whether the run has reached a terminal state the client
// will not revise.
func (l *Lifecycle) Settled() bool {
	return l.State.Terminal() && l.Provenance != types.Pending
}

func (l *Lifecycle) allowed(to types.RunState) bool {
	for _, s := range lifecycleTransitions[l.State] {
		if s == to {
			return true
		}
	}
	return false
}

func (l *Lifecycle) set(to types.RunState) {
	now := time.Now()
	if to == types.RunInProgress && l.StartedAt == nil {
		l.StartedAt = &now
	}
	if to.Terminal() {
		l.EndedAt = &now
		if to == types.RunCompleted {
			l.Code = ""
		}
	}
	l.State = to
}
