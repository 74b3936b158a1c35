package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseKnownFrame(t *testing.T) {
	f, err := Parse([]byte(`{"runId":"r1","type":"delta","messageId":"m1","chunk":"","seq":0}`))
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != TypeDelta {
		t.Errorf("expected delta, got %s", f.Type)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("empty chunk at seq 0 should be valid: %v", err)
	}
}

func TestParseRejectsUnknownShapes(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"runId":"r1"}`,
		`{"runId":"r1","type":"telepathy"}`,
		`{"runId":"r1","type":"delta","seq":"three"}`,
	}
	for _, in := range inputs {
		_, err := Parse([]byte(in))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Errorf("Parse(%s): expected DecodeError, got %v", in, err)
		}
	}
}

func TestValidateMissingFields(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		valid bool
	}{
		{"delta ok", Delta("r1", "m1", "hi", 0), true},
		{"delta no seq", Frame{RunID: "r1", Type: TypeDelta, MessageID: "m1", Chunk: new(string)}, false},
		{"tool_start no name", Frame{RunID: "r1", Type: TypeToolStart, MessageID: "m1", ToolID: "t1"}, false},
		{"tool_result ok", ToolResult("r1", "t1", "completed", nil), true},
		{"citation no url", CitationFrame("r1", "m1", Citation{Title: "x"}), false},
		{"handoff no to", Frame{RunID: "r1", Type: TypeHandoff, From: "orchestrator"}, false},
		{"run no run id", Frame{Type: TypeRun, State: "completed"}, false},
		{"ack ok without run", Frame{Type: TypeAck, ClientID: "c1"}, true},
		{"pong ok", Pong("n1"), true},
		{"error without code", Frame{RunID: "r1", Type: TypeError}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid {
				var mf *MissingFieldError
				if !errors.As(err, &mf) {
					t.Errorf("expected MissingFieldError, got %v", err)
				}
			}
		})
	}
}

func TestStartRequestWireShape(t *testing.T) {
	data, err := Marshal(StartRequest{Type: TypeStart, RunID: "r1", ClientID: "c1", ThreadID: "th", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"type", "runId", "clientId", "threadId", "content", "attachments"} {
		if _, ok := m[key]; !ok {
			t.Errorf("start request missing %q: %s", key, data)
		}
	}
}
