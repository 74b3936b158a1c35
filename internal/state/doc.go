// Package state provides the persistent stores: threads and their
// messages (JSON files or SQLite) and the named prompt list.
package state

import "github.com/user/deskmate/internal/types"

// Compile-time interface compliance checks.
var _ types.ThreadStore = (*FileStore)(nil)
var _ types.ThreadStore = (*SQLiteStore)(nil)
