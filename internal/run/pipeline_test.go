package run

import (
	"testing"

	"github.com/user/deskmate/internal/types"
)

func TestPipelineHappyPath(t *testing.T) {
	p := NewPipeline("r1")
	if p.State() != types.PipelineRouting {
		t.Fatalf("expected routing, got %s", p.State())
	}

	steps := []types.PipelineState{
		types.PipelineThinking,
		types.PipelineToolExecuting,
		types.PipelineComposing,
		types.PipelineToolExecuting,
		types.PipelineComposing,
		types.PipelineDone,
	}
	for _, s := range steps {
		if !p.Advance(s, "", false) {
			t.Fatalf("transition to %s rejected from %s", s, p.State())
		}
	}
	if p.Anomalies() != 0 {
		t.Errorf("expected no anomalies, got %d", p.Anomalies())
	}
}

func TestPipelineIgnoresFramesAfterDone(t *testing.T) {
	p := NewPipeline("r1")
	p.Advance(types.PipelineDone, "", false)

	for _, s := range []types.PipelineState{types.PipelineRouting, types.PipelineThinking, types.PipelineComposing} {
		if p.Advance(s, "detail", true) {
			t.Errorf("transition %s accepted after done", s)
		}
	}
	if p.State() != types.PipelineDone || p.Detail() != "" || p.Deep() {
		t.Errorf("observable state changed after done: %s %q %v", p.State(), p.Detail(), p.Deep())
	}
}

func TestPipelineRejectsBackwardMoves(t *testing.T) {
	p := NewPipeline("r1")
	p.Advance(types.PipelineComposing, "", false)

	if p.Advance(types.PipelineRouting, "", false) {
		t.Error("composing -> routing should be rejected")
	}
	if p.Advance(types.PipelineThinking, "", false) {
		t.Error("composing -> thinking should be rejected")
	}
	if p.State() != types.PipelineComposing {
		t.Errorf("state changed on rejected move: %s", p.State())
	}
	if p.Anomalies() != 2 {
		t.Errorf("expected 2 anomalies, got %d", p.Anomalies())
	}
}

func TestPipelineLabel(t *testing.T) {
	p := NewPipeline("r1")
	p.Advance(types.PipelineThinking, "", true)
	if got := p.Label(); got != "Reasoning deeply" {
		t.Errorf("unexpected deep label %q", got)
	}
	if p.State() != types.PipelineThinking {
		t.Errorf("deep flag must not change state, got %s", p.State())
	}

	p.Advance(types.PipelineToolExecuting, "web search", false)
	if got := p.Label(); got != "Using tools: web search" {
		t.Errorf("unexpected label %q", got)
	}
}

func TestPipelineSameStateUpdatesDetail(t *testing.T) {
	p := NewPipeline("r1")
	p.Advance(types.PipelineToolExecuting, "calendar", false)
	if !p.Advance(types.PipelineToolExecuting, "weather", false) {
		t.Fatal("same-state update rejected")
	}
	if p.Detail() != "weather" {
		t.Errorf("expected detail to update, got %q", p.Detail())
	}
}
