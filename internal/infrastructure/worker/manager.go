// Package worker runs background maintenance loops alongside the HTTP server
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Worker is a background loop owned by the Manager
type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

// State is the last known lifecycle state of one worker
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateFailed  State = "failed"
	StateStopped State = "stopped"
)

type slot struct {
	w     Worker
	state State
	err   error
}

// Manager starts and stops a fixed set of workers together. Only workers
// that started are stopped.
type Manager struct {
	logger *zap.Logger

	mu      sync.Mutex
	slots   []*slot
	running bool
	cancel  context.CancelFunc
}

// NewManager creates an empty manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger}
}

// Register adds a worker. Workers registered after StartAll wait for the
// next StartAll.
func (m *Manager) Register(w Worker) {
	m.mu.Lock()
	m.slots = append(m.slots, &slot{w: w, state: StateIdle})
	n := len(m.slots)
	m.mu.Unlock()

	m.logger.Info("Worker registered", zap.String("worker_name", w.Name()), zap.Int("total_workers", n))
}

// StartAll starts every registered worker under a context cancelled by
// StopAll. A worker that fails to start is marked failed and skipped.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("workers already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	for _, s := range m.slots {
		if err := s.w.Start(runCtx); err != nil {
			s.state, s.err = StateFailed, err
			m.logger.Error("Failed to start worker", zap.String("worker_name", s.w.Name()), zap.Error(err))
			continue
		}
		s.state, s.err = StateRunning, nil
	}
	m.logger.Info("Workers started", zap.Int("count", len(m.slots)))
	return nil
}

// StopAll cancels the run context and stops the running workers
func (m *Manager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	m.cancel()

	var errs []error
	for _, s := range m.slots {
		if s.state != StateRunning {
			continue
		}
		if err := s.w.Stop(); err != nil {
			s.state, s.err = StateFailed, err
			errs = append(errs, fmt.Errorf("%s: %w", s.w.Name(), err))
			continue
		}
		s.state = StateStopped
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to stop %d workers: %w", len(errs), errors.Join(errs...))
	}
	m.logger.Info("Workers stopped")
	return nil
}

// Count returns the number of registered workers
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Running reports whether StartAll has run without a matching StopAll
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// States returns each worker's state keyed by name
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.slots))
	for _, s := range m.slots {
		out[s.w.Name()] = s.state
	}
	return out
}
