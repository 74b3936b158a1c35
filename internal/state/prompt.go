// internal/state/prompt.go
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrPromptNotFound is returned for an unknown prompt name.
var ErrPromptNotFound = errors.New("prompt not found")

// Prompt is a named message that can be sent into the active thread on a
// cron schedule or on demand, e.g. a morning briefing.
type Prompt struct {
	Name     string    `json:"name"`
	Text     string    `json:"text"`
	Schedule string    `json:"schedule,omitempty"`
	Enabled  bool      `json:"enabled"`
	LastSent time.Time `json:"last_sent,omitzero"`
}

// PromptStore keeps prompts in one JSON object keyed by name.
type PromptStore struct {
	path string
	mu   sync.RWMutex
}

func NewPromptStore(path string) *PromptStore {
	return &PromptStore{path: path}
}

func (s *PromptStore) Path() string {
	return s.path
}

// List returns all prompts sorted by name.
func (s *PromptStore) List() ([]*Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byName, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]*Prompt, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *PromptStore) Get(name string) (*Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byName, err := s.read()
	if err != nil {
		return nil, err
	}
	p, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, name)
	}
	return p, nil
}

// Add stores a new prompt. Names are unique and must be usable as a URL
// path segment, since the control API triggers prompts by name.
func (s *PromptStore) Add(p *Prompt) error {
	if err := validPromptName(p.Name); err != nil {
		return err
	}
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("prompt %s has no text", p.Name)
	}
	return s.update(func(byName map[string]*Prompt) error {
		if _, ok := byName[p.Name]; ok {
			return fmt.Errorf("prompt already exists: %s", p.Name)
		}
		byName[p.Name] = p
		return nil
	})
}

func (s *PromptStore) Remove(name string) error {
	return s.update(func(byName map[string]*Prompt) error {
		if _, ok := byName[name]; !ok {
			return fmt.Errorf("%w: %s", ErrPromptNotFound, name)
		}
		delete(byName, name)
		return nil
	})
}

func (s *PromptStore) SetEnabled(name string, enabled bool) error {
	return s.modify(name, func(p *Prompt) { p.Enabled = enabled })
}

// MarkSent records when the prompt was last delivered to a thread.
func (s *PromptStore) MarkSent(name string, at time.Time) error {
	return s.modify(name, func(p *Prompt) { p.LastSent = at.UTC() })
}

func (s *PromptStore) modify(name string, fn func(*Prompt)) error {
	return s.update(func(byName map[string]*Prompt) error {
		p, ok := byName[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrPromptNotFound, name)
		}
		fn(p)
		return nil
	})
}

// update applies fn to the stored prompts under the write lock and saves
// the result. Nothing is written when fn fails.
func (s *PromptStore) update(fn func(map[string]*Prompt) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byName, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(byName); err != nil {
		return err
	}
	data, err := json.MarshalIndent(byName, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal prompts: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create prompts dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write prompts: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace prompts: %w", err)
	}
	return nil
}

// read loads the prompt file; a missing file is an empty store.
func (s *PromptStore) read() (map[string]*Prompt, error) {
	byName := make(map[string]*Prompt)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return byName, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prompts: %w", err)
	}
	if err := json.Unmarshal(data, &byName); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	for name, p := range byName {
		p.Name = name
	}
	return byName, nil
}

func validPromptName(name string) error {
	if name == "" {
		return errors.New("prompt needs a name")
	}
	if strings.ContainsAny(name, "/?#% \t\n") {
		return fmt.Errorf("prompt name %q may not contain spaces or URL delimiters", name)
	}
	return nil
}
