// Package capacity tracks how many work-performing nodes are running
// across plans, and optionally across orchestrator processes via a
// shared on-disk registry.
package capacity

import (
	"sync"
)

// Coordinator answers "how much global capacity is in use" for the
// scheduler. In single-process mode it mirrors the local count; with a
// registry attached it folds in the counts other live processes have
// published.
type Coordinator struct {
	mu        sync.Mutex
	globalMax int
	local     int
	planIDs   []string

	// otherRunning is the last published total minus our own count.
	otherRunning int
	registry     *Registry
}

// NewCoordinator creates a coordinator with the given global ceiling.
// registry may be nil for single-process mode.
func NewCoordinator(globalMax int, registry *Registry) *Coordinator {
	return &Coordinator{globalMax: globalMax, registry: registry}
}

// GlobalMax returns the configured global parallelism ceiling.
func (c *Coordinator) GlobalMax() int {
	return c.globalMax
}

// SetLocal records this process's running work count and the plans it
// is serving. With a registry attached the count is published and the
// remote total refreshed; publish failures degrade to local-only
// counting rather than blocking the pump.
func (c *Coordinator) SetLocal(running int, planIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.local = running
	c.planIDs = append(c.planIDs[:0], planIDs...)

	if c.registry == nil {
		return
	}
	total, err := c.registry.Publish(running, planIDs)
	if err != nil {
		c.otherRunning = 0
		return
	}
	c.otherRunning = total - running
	if c.otherRunning < 0 {
		c.otherRunning = 0
	}
}

// GlobalRunning returns the best-known count of running work across
// all processes.
func (c *Coordinator) GlobalRunning() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local + c.otherRunning
}

// Close withdraws this process from the registry, if any.
func (c *Coordinator) Close() error {
	if c.registry == nil {
		return nil
	}
	return c.registry.Withdraw()
}
