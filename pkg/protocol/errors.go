package protocol

import (
	"fmt"
	"strings"
)

// DecodeError is returned for data that cannot be read as any known frame.
// The decoder treats it as fatal for the run it belongs to.
type DecodeError struct {
	RunID  string
	Raw    string
	Reason string
}

func (e *DecodeError) Error() string {
	raw := e.Raw
	if len(raw) > 120 {
		raw = raw[:120] + "..."
	}
	return fmt.Sprintf("undecodable frame (%s): %s", e.Reason, raw)
}

// MissingFieldError describes a well-formed frame that lacks a required field.
type MissingFieldError struct {
	Type   FrameType
	RunID  string
	Fields []string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s frame for run %q missing %s", e.Type, e.RunID, strings.Join(e.Fields, ", "))
}

// RunError is the single terminal failure recorded for a run.
type RunError struct {
	RunID   string
	Code    string
	Message string
}

func (e *RunError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("run %s failed: %s", e.RunID, e.Code)
	}
	return fmt.Sprintf("run %s failed: %s: %s", e.RunID, e.Code, e.Message)
}
