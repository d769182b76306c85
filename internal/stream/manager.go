package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager owns a set of coordinators. Queries run independently; a failure
// in one never stops the others.
type Manager struct {
	logger *zap.Logger

	mu           sync.RWMutex
	coordinators map[string]*Coordinator
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger, coordinators: make(map[string]*Coordinator)}
}

// Add registers a coordinator. Query names are unique.
func (m *Manager) Add(c *Coordinator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.coordinators[c.Name()]; exists {
		return fmt.Errorf("stream: query %q already registered", c.Name())
	}
	m.coordinators[c.Name()] = c
	return nil
}

// Get returns a coordinator by query name.
func (m *Manager) Get(name string) (*Coordinator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coordinators[name]
	return c, ok
}

// Names returns the registered query names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.coordinators))
	for name := range m.coordinators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) all() []*Coordinator {
	names := m.Names()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Coordinator, len(names))
	for i, name := range names {
		out[i] = m.coordinators[name]
	}
	return out
}

// Start starts every coordinator's trigger loop.
func (m *Manager) Start(ctx context.Context) error {
	for _, c := range m.all() {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("stream: failed to start %s: %w", c.Name(), err)
		}
	}
	m.logger.Info("stream queries started", zap.Strings("queries", m.Names()))
	return nil
}

// Stop stops every coordinator and waits for in-flight micro-batches.
func (m *Manager) Stop() {
	var wg sync.WaitGroup
	for _, c := range m.all() {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			c.Stop()
		}(c)
	}
	wg.Wait()
	m.logger.Info("stream queries stopped")
}

// Wait blocks until every started trigger loop has ended.
func (m *Manager) Wait() {
	for _, c := range m.all() {
		c.Wait()
	}
}

// RunOnce runs one micro-batch of every query concurrently. Every query runs
// to completion; the first error is returned.
func (m *Manager) RunOnce(ctx context.Context) error {
	return m.each(func(c *Coordinator) error {
		_, err := c.RunOnce(ctx)
		return err
	})
}

// RunUntilIdle drains every query concurrently.
func (m *Manager) RunUntilIdle(ctx context.Context) error {
	return m.each(func(c *Coordinator) error {
		_, err := c.RunUntilIdle(ctx)
		return err
	})
}

func (m *Manager) each(fn func(*Coordinator) error) error {
	var g errgroup.Group
	for _, c := range m.all() {
		c := c
		g.Go(func() error { return fn(c) })
	}
	return g.Wait()
}

// Status returns the status of every query, sorted by name.
func (m *Manager) Status() []Status {
	coords := m.all()
	out := make([]Status, len(coords))
	for i, c := range coords {
		out[i] = c.Status()
	}
	return out
}
