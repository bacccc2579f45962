package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus is the lifecycle position of a background component.
type ComponentStatus string

const (
	StatusUnknown   ComponentStatus = "Unknown"
	StatusRunning   ComponentStatus = "Running"
	StatusStopped   ComponentStatus = "Stopped"
	StatusCancelled ComponentStatus = "Cancelled"
)

// Component is a background service with a cooperative lifecycle.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// registered pairs a component with its name and status.
type registered struct {
	name      string
	component Component
	status    ComponentStatus
}

// Runner starts components in registration (dependency) order and stops
// them in reverse, each with a bounded grace period.
type Runner struct {
	mu          sync.Mutex
	components  []*registered
	gracePeriod time.Duration
}

// NewRunner creates a runner with the given stop grace period.
func NewRunner(gracePeriod time.Duration) *Runner {
	if gracePeriod <= 0 {
		gracePeriod = 30 * time.Second
	}
	return &Runner{gracePeriod: gracePeriod}
}

// Register adds a component. Order of registration is start order.
func (r *Runner) Register(name string, c Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components = append(r.components, &registered{name: name, component: c, status: StatusUnknown})
}

// Start launches every component in order; the first failure stops the
// already-started ones in reverse and is returned.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	components := append([]*registered(nil), r.components...)
	r.mu.Unlock()

	for i, reg := range components {
		if err := reg.component.Start(ctx); err != nil {
			log.Error().Err(err).Str("component", reg.name).Msg("Component failed to start")
			r.stopComponents(components[:i])
			return fmt.Errorf("failed to start %s: %w", reg.name, err)
		}
		r.setStatus(reg, StatusRunning)
		log.Info().Str("component", reg.name).Msg("Component started")
	}
	return nil
}

// Stop stops every component in reverse order.
func (r *Runner) Stop() {
	r.mu.Lock()
	components := append([]*registered(nil), r.components...)
	r.mu.Unlock()
	r.stopComponents(components)
}

func (r *Runner) stopComponents(components []*registered) {
	for i := len(components) - 1; i >= 0; i-- {
		reg := components[i]
		ctx, cancel := context.WithTimeout(context.Background(), r.gracePeriod)
		err := reg.component.Stop(ctx)
		cancel()
		switch {
		case err == nil:
			r.setStatus(reg, StatusStopped)
			log.Info().Str("component", reg.name).Msg("Component stopped")
		case ctx.Err() != nil:
			r.setStatus(reg, StatusCancelled)
			log.Warn().Str("component", reg.name).Msg("Component did not stop within grace period")
		default:
			r.setStatus(reg, StatusStopped)
			log.Warn().Err(err).Str("component", reg.name).Msg("Component stopped with error")
		}
	}
}

func (r *Runner) setStatus(reg *registered, s ComponentStatus) {
	r.mu.Lock()
	reg.status = s
	r.mu.Unlock()
}

// Statuses reports every component's lifecycle status by name.
func (r *Runner) Statuses() map[string]ComponentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ComponentStatus, len(r.components))
	for _, reg := range r.components {
		out[reg.name] = reg.status
	}
	return out
}

// ComponentFunc adapts start/stop funcs into a Component.
type ComponentFunc struct {
	StartFunc func(ctx context.Context) error
	StopFunc  func(ctx context.Context) error
}

// Start implements Component.
func (c ComponentFunc) Start(ctx context.Context) error {
	if c.StartFunc == nil {
		return nil
	}
	return c.StartFunc(ctx)
}

// Stop implements Component.
func (c ComponentFunc) Stop(ctx context.Context) error {
	if c.StopFunc == nil {
		return nil
	}
	return c.StopFunc(ctx)
}
