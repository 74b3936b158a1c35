// Package run tracks the state of a single backend run: its coarse
// lifecycle, its processing pipeline and the agents it was handed to.
// None of the trackers are safe for concurrent use; the session loop owns them.
package run

import (
	"log/slog"

	"github.com/user/deskmate/internal/types"
)

var pipelineOrder = map[types.PipelineState]int{
	types.PipelineRouting:       0,
	types.PipelineThinking:      1,
	types.PipelineToolExecuting: 2,
	types.PipelineComposing:     3,
	types.PipelineDone:          4,
}

// Pipeline is the per-run processing-stage state machine.
type Pipeline struct {
	runID     types.RunID
	state     types.PipelineState
	detail    string
	deep      bool
	anomalies int
}

// NewPipeline returns a tracker for runID starting at routing.
func NewPipeline(runID types.RunID) *Pipeline {
	return &Pipeline{runID: runID, state: types.PipelineRouting}
}

// Advance applies a pipeline frame. It returns false when the transition
// was ignored: the pipeline is already done, or the move goes backwards.
// Backward moves are protocol anomalies; they are logged but never fail the run.
func (p *Pipeline) Advance(to types.PipelineState, detail string, deep bool) bool {
	if p.state == types.PipelineDone {
		slog.Debug("pipeline frame after done ignored", "run_id", string(p.runID), "state", string(to))
		return false
	}
	if !p.allowed(to) {
		p.anomalies++
		slog.Warn("protocol anomaly: backward pipeline transition",
			"run_id", string(p.runID), "from", string(p.state), "to", string(to))
		return false
	}
	p.state = to
	if to == types.PipelineDone {
		p.detail = ""
		p.deep = false
	} else {
		p.detail = detail
		p.deep = deep
	}
	return true
}

func (p *Pipeline) allowed(to types.PipelineState) bool {
	if p.state == types.PipelineComposing && to == types.PipelineToolExecuting {
		return true
	}
	return pipelineOrder[to] >= pipelineOrder[p.state]
}

// Finish moves the pipeline to done regardless of where it is. Used when the
// run ends without the backend having reported the final stage.
func (p *Pipeline) Finish() {
	p.state = types.PipelineDone
	p.detail = ""
	p.deep = false
}

func (p *Pipeline) RunID() types.RunID         { return p.runID }
func (p *Pipeline) State() types.PipelineState { return p.state }
func (p *Pipeline) Detail() string             { return p.detail }
func (p *Pipeline) Deep() bool                 { return p.deep }
func (p *Pipeline) Anomalies() int             { return p.anomalies }

// Label is the status line shown while the run is in flight.
func (p *Pipeline) Label() string {
	var label string
	switch p.state {
	case types.PipelineRouting:
		label = "Routing"
	case types.PipelineThinking:
		label = "Thinking"
		if p.deep {
			label = "Reasoning deeply"
		}
	case types.PipelineToolExecuting:
		label = "Using tools"
	case types.PipelineComposing:
		label = "Writing"
	case types.PipelineDone:
		return ""
	}
	if p.detail != "" {
		label += ": " + p.detail
	}
	return label
}
