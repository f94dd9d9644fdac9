package authflow

import (
	"sync"
	"time"

	"github.com/smallbiznis/valora-bridge/internal/clock"
)

// Registry keeps one Machine per browser device and forgets devices that
// stay quiet longer than the idle window.
type Registry struct {
	clock  clock.Clock
	window time.Duration

	mu       sync.Mutex
	machines map[string]*registryEntry
}

type registryEntry struct {
	machine  *Machine
	lastSeen time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry(clk clock.Clock, idle time.Duration) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	return &Registry{clock: clk, window: idle, machines: make(map[string]*registryEntry)}
}

// Get returns the machine for device, creating it with build on first use.
func (r *Registry) Get(device string, build func() *Machine) *Machine {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.machines[device]; ok {
		entry.lastSeen = now
		return entry.machine
	}
	m := build()
	r.machines[device] = &registryEntry{machine: m, lastSeen: now}
	r.cleanupLocked(now)
	return m
}

// Forget cancels and drops the machine for device.
func (r *Registry) Forget(device string) {
	r.mu.Lock()
	entry, ok := r.machines[device]
	delete(r.machines, device)
	r.mu.Unlock()
	if ok {
		entry.machine.Cancel()
	}
}

// Len reports how many devices are tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

func (r *Registry) cleanupLocked(now time.Time) {
	for key, entry := range r.machines {
		if now.Sub(entry.lastSeen) > r.window {
			entry.machine.Cancel()
			delete(r.machines, key)
		}
	}
}
