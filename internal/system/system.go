// Package system provides the lifecycle-managed component contract the
// Boot Orchestrator uses to start and stop subsystems uniformly (§4.7).
// Service and DescriptorProvider are grounded on the teacher's
// internal/app/system package; Manager reconstructs the registration/
// start/stop-with-deadline behavior the teacher's own Manager would have
// provided (it was filtered out of the retrieval pack, leaving only the
// interface and a descriptor-collection helper).
package system

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Service is a lifecycle-managed component. Every subsystem the Boot
// Orchestrator owns (components 1-6, 11) implements this.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Descriptor advertises a service's architectural placement, mirroring
// the teacher's core.Descriptor shape in miniature.
type Descriptor struct {
	Name         string
	Layer        string
	Capabilities []string
}

// DescriptorProvider optionally advertises service metadata.
type DescriptorProvider interface {
	Descriptor() Descriptor
}

// CollectDescriptors extracts descriptors from providers, skipping
// non-advertising services, sorted by (layer, name) for deterministic
// presentation.
func CollectDescriptors(services []Service) []Descriptor {
	var out []Descriptor
	for _, s := range services {
		if p, ok := s.(DescriptorProvider); ok {
			out = append(out, p.Descriptor())
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if a.Layer > b.Layer || (a.Layer == b.Layer && a.Name > b.Name) {
				out[j-1], out[j] = out[j], out[j-1]
				continue
			}
			break
		}
	}
	return out
}

// Manager registers services and starts/stops them in registration order
// (and reverse order on shutdown), racing teardown against a hard
// deadline so a wedged Stop can never block process exit indefinitely.
type Manager struct {
	mu       sync.Mutex
	services []Service
	started  []Service
	stopped  bool
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register adds a service. Must be called before Start.
func (m *Manager) Register(s Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, s)
}

// Services returns the registered services in registration order.
func (m *Manager) Services() []Service {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Service, len(m.services))
	copy(out, m.services)
	return out
}

// Start starts every registered service in order. If any fails, the
// services already started are stopped in reverse order before Start
// returns the original error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	services := make([]Service, len(m.services))
	copy(services, m.services)
	m.mu.Unlock()

	var started []Service
	for _, s := range services {
		if err := s.Start(ctx); err != nil {
			m.mu.Lock()
			m.started = started
			m.mu.Unlock()
			m.unwindLocked(ctx, started)
			return fmt.Errorf("system: start %q: %w", s.Name(), err)
		}
		started = append(started, s)
	}

	m.mu.Lock()
	m.started = started
	m.mu.Unlock()
	return nil
}

func (m *Manager) unwindLocked(ctx context.Context, started []Service) {
	for i := len(started) - 1; i >= 0; i-- {
		_ = started[i].Stop(ctx)
	}
}

// Shutdown races Stop across every started service against deadline,
// returning regardless once the deadline elapses. Idempotent: a second
// call is a no-op.
func (m *Manager) Shutdown(ctx context.Context, deadline time.Duration) map[string]error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	started := make([]Service, len(m.started))
	copy(started, m.started)
	m.mu.Unlock()

	results := make(map[string]error, len(started))
	var mu sync.Mutex
	done := make(chan struct{})

	go func() {
		for i := len(started) - 1; i >= 0; i-- {
			s := started[i]
			err := s.Stop(ctx)
			mu.Lock()
			results[s.Name()] = err
			mu.Unlock()
		}
		close(done)
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]error, len(results))
	for k, v := range results {
		out[k] = v
	}
	return out
}
