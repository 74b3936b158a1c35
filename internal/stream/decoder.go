// Package stream turns raw backend frames into typed events.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/deskmate/internal/types"
	"github.com/user/deskmate/pkg/protocol"
)

// DefaultToolResultWindow is how many frames an orphan tool_result waits
// for its tool_start before it is dropped.
const DefaultToolResultWindow = 8

const maxWarnings = 64

type pendingResult struct {
	event ToolResult
	age   int
}

// Decoder converts frames to events. It is not safe for concurrent use;
// the session loop owns it.
type Decoder struct {
	window   int
	seen     map[types.RunID]map[types.ToolID]bool
	pending  []pendingResult
	warnings []string
}

// NewDecoder creates a Decoder that buffers orphan tool results for up to
// window frames. A non-positive window uses DefaultToolResultWindow.
func NewDecoder(window int) *Decoder {
	if window <= 0 {
		window = DefaultToolResultWindow
	}
	return &Decoder{
		window: window,
		seen:   make(map[types.RunID]map[types.ToolID]bool),
	}
}

// Decode reads one frame and returns the events it produces, in order.
// Frames with missing fields yield no events. Frames that cannot be parsed
// yield a single Failure with CodeProtocolError.
func (d *Decoder) Decode(data []byte) []Event {
	frame, err := protocol.Parse(data)
	if err != nil {
		var de *protocol.DecodeError
		runID := ""
		if errors.As(err, &de) {
			runID = de.RunID
		}
		slog.Error("undecodable frame", "run_id", runID, "error", err)
		return d.age([]Event{Failure{base: base{types.RunID(runID)}, Code: types.CodeProtocolError, Message: err.Error()}})
	}
	if err := frame.Validate(); err != nil {
		d.warn("dropped frame: %v", err)
		return d.age(nil)
	}

	ev, ok := d.convert(frame)
	if !ok {
		return d.age(nil)
	}

	switch e := ev.(type) {
	case ToolStart:
		d.markSeen(e.RunID, e.ToolID)
		out := []Event{e}
		if res, ok := d.takePending(e.RunID, e.ToolID); ok {
			out = append(out, res)
		}
		return d.age(out)
	case ToolResult:
		if !d.seen[e.RunID][e.ToolID] {
			d.age(nil)
			d.bufferResult(e)
			return nil
		}
	}
	return d.age([]Event{ev})
}

// Forget releases the per-run bookkeeping once a run has ended.
func (d *Decoder) Forget(runID types.RunID) {
	delete(d.seen, runID)
	kept := d.pending[:0]
	for _, p := range d.pending {
		if p.event.RunID != runID {
			kept = append(kept, p)
		}
	}
	d.pending = kept
}

// Warnings returns the most recent decode warnings, oldest first.
func (d *Decoder) Warnings() []string {
	return append([]string(nil), d.warnings...)
}

// Pending reports how many tool results are waiting for their tool_start.
func (d *Decoder) Pending() int {
	return len(d.pending)
}

func (d *Decoder) convert(f *protocol.Frame) (Event, bool) {
	b := base{RunID: types.RunID(f.RunID)}
	switch f.Type {
	case protocol.TypeDelta:
		return Delta{base: b, MessageID: types.MessageID(f.MessageID), Chunk: *f.Chunk, Seq: *f.Seq}, true

	case protocol.TypeToolStart:
		return ToolStart{base: b, MessageID: types.MessageID(f.MessageID), ToolID: types.ToolID(f.ToolID), Name: f.Name, Args: f.Args}, true

	case protocol.TypeToolResult:
		status := types.ToolStatus(f.Status)
		if !status.Valid() {
			d.warn("dropped tool_result %s: unknown status %q", f.ToolID, f.Status)
			return nil, false
		}
		return ToolResult{base: b, ToolID: types.ToolID(f.ToolID), Status: status, Result: f.Result}, true

	case protocol.TypeCitation:
		return CitationAdded{base: b, MessageID: types.MessageID(f.MessageID), Citation: d.citation(f.Citation)}, true

	case protocol.TypeMemory:
		return MemoryAdded{base: b, MessageID: types.MessageID(f.MessageID), Memory: types.MemoryRef{ID: f.Memory.ID, Summary: f.Memory.Summary}}, true

	case protocol.TypeImage:
		return ImageAdded{base: b, MessageID: types.MessageID(f.MessageID), Image: types.ImageRef{ID: f.Image.ID, URL: f.Image.URL, Alt: f.Image.Alt}}, true

	case protocol.TypeHandoff:
		from, to := types.AgentRole(f.From), types.AgentRole(f.To)
		if !from.Valid() || !to.Valid() {
			d.warn("dropped handoff %s -> %s: unknown agent", f.From, f.To)
			return nil, false
		}
		return Handoff{base: b, From: from, To: to, Reason: f.Reason}, true

	case protocol.TypePipeline:
		state := types.PipelineState(f.State)
		if !state.Valid() {
			d.warn("dropped pipeline frame: unknown state %q", f.State)
			return nil, false
		}
		return PipelineChanged{base: b, State: state, Detail: f.Detail, Deep: f.Deep}, true

	case protocol.TypeRun:
		state := types.RunState(f.State)
		if !state.Valid() {
			d.warn("dropped run frame: unknown state %q", f.State)
			return nil, false
		}
		return RunChanged{base: b, State: state}, true

	case protocol.TypeError:
		code := types.ErrorCode(f.Code)
		if !code.Valid() {
			code = types.CodeBackendError
		}
		return Failure{base: b, Code: code, Message: f.Message}, true

	case protocol.TypeDone:
		return Done{base: b, MessageID: types.MessageID(f.MessageID)}, true

	case protocol.TypeAck:
		return Ack{base: b, ClientID: types.ClientID(f.ClientID)}, true

	case protocol.TypePong:
		return Pong{base: b, Nonce: f.Nonce}, true
	}
	return nil, false
}

// citation copies the wire citation, converting an HTML snippet to markdown
// text when no plain snippet was sent.
func (d *Decoder) citation(c *protocol.Citation) types.Citation {
	out := types.Citation{ID: c.ID, Title: c.Title, URL: c.URL, Snippet: c.Snippet}
	if out.Snippet == "" && c.SnippetHTML != "" {
		md, err := htmltomarkdown.ConvertString(c.SnippetHTML)
		if err != nil {
			d.warn("citation %s: convert snippet: %v", c.URL, err)
			md = c.SnippetHTML
		}
		out.Snippet = strings.TrimSpace(md)
	}
	return out
}

func (d *Decoder) markSeen(runID types.RunID, toolID types.ToolID) {
	tools, ok := d.seen[runID]
	if !ok {
		tools = make(map[types.ToolID]bool)
		d.seen[runID] = tools
	}
	tools[toolID] = true
}

func (d *Decoder) bufferResult(e ToolResult) {
	for _, p := range d.pending {
		if p.event.RunID == e.RunID && p.event.ToolID == e.ToolID {
			return
		}
	}
	d.pending = append(d.pending, pendingResult{event: e})
}

func (d *Decoder) takePending(runID types.RunID, toolID types.ToolID) (ToolResult, bool) {
	for i, p := range d.pending {
		if p.event.RunID == runID && p.event.ToolID == toolID {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return p.event, true
		}
	}
	return ToolResult{}, false
}

// age counts one more frame against every buffered tool result and drops
// the ones whose window has run out.
func (d *Decoder) age(out []Event) []Event {
	kept := d.pending[:0]
	for _, p := range d.pending {
		p.age++
		if p.age >= d.window {
			d.warn("dropped tool_result %s for run %s: no tool_start within %d frames", p.event.ToolID, p.event.RunID, d.window)
			continue
		}
		kept = append(kept, p)
	}
	d.pending = kept
	return out
}

func (d *Decoder) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Warn(msg)
	if len(d.warnings) >= maxWarnings {
		d.warnings = d.warnings[1:]
	}
	d.warnings = append(d.warnings, msg)
}

// DecodeLines reads newline-delimited frames from r and hands every
// resulting event to fn. Blank lines are skipped.
func DecodeLines(r io.Reader, d *Decoder, fn func(Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		for _, ev := range d.Decode(line) {
			fn(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan frames: %w", err)
	}
	return nil
}
