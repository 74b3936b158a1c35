// internal/types/interfaces.go
package types

import (
	"context"
)

// ThreadStore persists threads and their finished messages. The engine keeps
// its own in-memory mirror of the active thread and only appends to the store.
type ThreadStore interface {
	CreateThread(ctx context.Context, title string) (*Thread, error)
	GetThread(ctx context.Context, id ThreadID) (*Thread, error)
	ListThreads(ctx context.Context) ([]*Thread, error)
	AppendMessage(ctx context.Context, threadID ThreadID, msg *Message) error
	Messages(ctx context.Context, threadID ThreadID, limit int) ([]*Message, error)
}
