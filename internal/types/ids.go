// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type ThreadID string
type RunID string
type MessageID string
type ClientID string
type ToolID string

func NewThreadID() ThreadID {
	return ThreadID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// NewClientID returns the id a client stamps on an outgoing turn so that a
// late server ack can be matched against the queued copy.
func NewClientID() ClientID {
	return ClientID(uuid.New().String())
}
