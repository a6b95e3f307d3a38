package util

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulShutdown manages graceful shutdown of multiple resources
type GracefulShutdown struct {
	resources []ShutdownResource
	mu        sync.Mutex
	logger    *logrus.Logger
	timeout   time.Duration
	done      bool
}

// ShutdownResource represents a resource that needs graceful shutdown
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int // Lower numbers shut down first
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &GracefulShutdown{
		resources: make([]ShutdownResource, 0),
		logger:    logger,
		timeout:   timeout,
	}
}

// Register adds a resource to be shut down
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	inserted := false
	for i, r := range gs.resources {
		if resource.Priority < r.Priority {
			gs.resources = append(gs.resources[:i], append([]ShutdownResource{resource}, gs.resources[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		gs.resources = append(gs.resources, resource)
	}

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered shutdown resource")
}

// Shutdown stops all registered resources in priority order, bounded by
// the configured timeout. It is safe to call more than once.
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	if gs.done {
		gs.mu.Unlock()
		return
	}
	gs.done = true
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	for _, resource := range resources {
		start := time.Now()
		if err := resource.Shutdown(ctx); err != nil {
			gs.logger.WithError(err).WithField("resource", resource.Name).Warn("Resource shutdown failed")
			continue
		}
		gs.logger.WithFields(logrus.Fields{
			"resource": resource.Name,
			"elapsed":  time.Since(start).String(),
		}).Debug("Resource shut down")

		if ctx.Err() != nil {
			gs.logger.Warn("Shutdown timeout reached, abandoning remaining resources")
			return
		}
	}
}
