// internal/scheduler/scheduler.go
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/user/deskmate/internal/state"
)

// Handler is the callback invoked when a prompt fires. It usually sends the
// prompt text into the active thread.
type Handler func(name, text string) error

// Scheduler evaluates cron expressions from the prompt store and fires
// prompts through a handler callback.
type Scheduler struct {
	store   *state.PromptStore
	handler Handler

	mu   sync.Mutex
	cron *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether spec is a schedule the scheduler accepts.
func Validate(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// New creates a new Scheduler backed by the given prompt store.
func New(store *state.PromptStore, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers every enabled prompt that has a schedule and starts the
// cron ticker. Prompts with invalid schedules are logged and skipped.
func (s *Scheduler) Start() error {
	prompts, err := s.store.List()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range prompts {
		if p.Schedule == "" || !p.Enabled {
			continue
		}
		name, text, schedule := p.Name, p.Text, p.Schedule

		_, err := s.cron.AddFunc(schedule, func() {
			slog.Info("cron firing prompt", "name", name)
			s.fire(name, text)
		})
		if err != nil {
			slog.Error("invalid cron schedule", "name", name, "schedule", schedule, "error", err)
			continue
		}
		slog.Info("scheduled prompt", "name", name, "schedule", schedule)
	}

	s.cron.Start()
	return nil
}

// Trigger fires the named prompt immediately, whether or not it is enabled
// or scheduled.
func (s *Scheduler) Trigger(name string) error {
	p, err := s.store.Get(name)
	if err != nil {
		return err
	}
	slog.Info("triggering prompt", "name", name)
	if err := s.handler(p.Name, p.Text); err != nil {
		return err
	}
	s.markSent(p.Name)
	return nil
}

// Reload stops the existing cron, creates a new one, and calls Start() again.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	s.mu.Unlock()
	return s.Start()
}

// Stop stops the cron ticker.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Stop()
}

func (s *Scheduler) fire(name, text string) {
	if err := s.handler(name, text); err != nil {
		slog.Error("scheduled prompt failed", "name", name, "error", err)
		return
	}
	s.markSent(name)
}

func (s *Scheduler) markSent(name string) {
	if err := s.store.MarkSent(name, time.Now()); err != nil {
		slog.Warn("record prompt delivery", "name", name, "error", err)
	}
}
