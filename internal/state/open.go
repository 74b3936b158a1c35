package state

import (
	"fmt"
	"path/filepath"

	"github.com/user/deskmate/internal/types"
)

// Store backends accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the thread store for backend, rooted in dataDir, together
// with a function that releases it.
func Open(backend, dataDir string) (types.ThreadStore, func() error, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(dataDir), func() error { return nil }, nil
	case BackendSQLite:
		db, err := OpenSQLite(filepath.Join(dataDir, "deskmate.db"))
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q (want %s or %s)", backend, BackendFile, BackendSQLite)
	}
}
