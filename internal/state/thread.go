// internal/state/thread.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/deskmate/internal/types"
)

// ErrThreadNotFound is returned for an unknown thread id.
var ErrThreadNotFound = errors.New("thread not found")

const maxMessageLine = 4 << 20

// FileStore is a JSON-file-backed thread store.
// The thread index lives in threads/threads.json and each thread's
// messages are appended to threads/<threadID>/messages.jsonl.
type FileStore struct {
	root string
	mu   sync.RWMutex

	lockMu sync.Mutex
	locks  map[types.ThreadID]*sync.Mutex
}

// NewFileStore creates a new file-backed store rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{
		root:  root,
		locks: make(map[types.ThreadID]*sync.Mutex),
	}
}

func (s *FileStore) threadsDir() string {
	return filepath.Join(s.root, "threads")
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.threadsDir(), "threads.json")
}

func (s *FileStore) messagesPath(id types.ThreadID) string {
	return filepath.Join(s.threadsDir(), string(id), "messages.jsonl")
}

// threadLock returns the per-thread mutex, creating one if it doesn't exist.
func (s *FileStore) threadLock(id types.ThreadID) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

func (s *FileStore) loadIndex() (map[types.ThreadID]*types.Thread, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.ThreadID]*types.Thread), nil
		}
		return nil, fmt.Errorf("read thread index: %w", err)
	}

	var threads []*types.Thread
	if err := json.Unmarshal(data, &threads); err != nil {
		return nil, fmt.Errorf("unmarshal thread index: %w", err)
	}
	index := make(map[types.ThreadID]*types.Thread, len(threads))
	for _, th := range threads {
		index[th.ID] = th
	}
	return index, nil
}

func (s *FileStore) saveIndex(index map[types.ThreadID]*types.Thread) error {
	data, err := json.MarshalIndent(sortThreads(index), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal thread index: %w", err)
	}
	if err := os.MkdirAll(s.threadsDir(), 0o755); err != nil {
		return fmt.Errorf("create threads dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

// CreateThread registers a new, empty thread.
func (s *FileStore) CreateThread(_ context.Context, title string) (*types.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	th := &types.Thread{ID: types.NewThreadID(), Title: title, CreatedAt: now, UpdatedAt: now}
	index[th.ID] = th
	if err := s.saveIndex(index); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(s.messagesPath(th.ID)), 0o755); err != nil {
		return nil, fmt.Errorf("create thread dir: %w", err)
	}
	return th, nil
}

func (s *FileStore) GetThread(_ context.Context, id types.ThreadID) (*types.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	th, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}
	return th, nil
}

// ListThreads returns all threads, most recently updated first.
func (s *FileStore) ListThreads(_ context.Context) ([]*types.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return sortThreads(index), nil
}

// AppendMessage adds a finished message to the thread's log and bumps the
// thread's update time. An untitled thread takes its title from the first
// user message.
func (s *FileStore) AppendMessage(_ context.Context, id types.ThreadID, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	th, ok := index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, id)
	}

	lock := s.threadLock(id)
	lock.Lock()
	defer lock.Unlock()

	path := s.messagesPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create thread dir: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	th.UpdatedAt = time.Now()
	if th.Title == "" {
		th.Title = titleFrom(msg)
	}
	return s.saveIndex(index)
}

// Messages returns the last limit messages of the thread in order. A
// non-positive limit returns all of them.
func (s *FileStore) Messages(_ context.Context, id types.ThreadID, limit int) ([]*types.Message, error) {
	lock := s.threadLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.messagesPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open messages file: %w", err)
	}
	defer f.Close()

	var msgs []*types.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageLine)
	for scanner.Scan() {
		var msg types.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan messages file: %w", err)
	}

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func sortThreads(index map[types.ThreadID]*types.Thread) []*types.Thread {
	threads := make([]*types.Thread, 0, len(index))
	for _, th := range index {
		threads = append(threads, th)
	}
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].UpdatedAt.Equal(threads[j].UpdatedAt) {
			return threads[i].ID < threads[j].ID
		}
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	return threads
}

// titleFrom derives a thread title from a user message.
func titleFrom(msg *types.Message) string {
	if msg.Role != types.RoleUser {
		return ""
	}
	title := strings.Join(strings.Fields(msg.Content), " ")
	if r := []rune(title); len(r) > 60 {
		title = string(r[:57]) + "..."
	}
	return title
}
