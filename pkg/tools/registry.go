// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ToolStatus is the externally visible state of one registered tool.
type ToolStatus struct {
	Name            string  `json:"name"`
	Version         string  `json:"version"`
	Description     string  `json:"description"`
	Status          Status  `json:"status"`
	StartedAt       *string `json:"started_at"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	ErrorCount      int     `json:"error_count"`
	RequestsTotal   uint64  `json:"requests_total"`
	RequestsSuccess uint64  `json:"requests_success"`
	RequestsFailed  uint64  `json:"requests_failed"`
	LastUsed        *string `json:"last_used"`
}

type entry struct {
	tool Tool
	deps []string

	status    Status
	startedAt time.Time

	errorCount      int
	requestsTotal   uint64
	requestsSuccess uint64
	requestsFailed  uint64
	lastUsed        time.Time
}

// Registry owns tool registration, lifecycle, and usage counters. All state
// access runs under a single mutex.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  zerolog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  log.With().Str("component", "registry").Logger(),
	}
}

// Register adds a tool with optional dependencies on other tools by name.
// Re-registering a name replaces the previous entry with a warning.
func (r *Registry) Register(t Tool, deps ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[t.Name()]; exists {
		r.logger.Warn().Str("tool", t.Name()).Msg("tool already registered, replacing")
	}
	r.entries[t.Name()] = &entry{tool: t, deps: deps, status: StatusStopped}
	r.logger.Info().Str("tool", t.Name()).Str("version", t.Version()).Msg("tool registered")
}

// Start initializes one tool after verifying its dependencies are running.
func (r *Registry) Start(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked(ctx, name)
}

func (r *Registry) startLocked(ctx context.Context, name string) error {
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("tool %s not registered", name)
	}
	if e.status == StatusRunning {
		return nil
	}

	for _, dep := range e.deps {
		d, ok := r.entries[dep]
		if !ok || d.status != StatusRunning {
			return fmt.Errorf("tool %s dependency %s is not running", name, dep)
		}
	}

	e.status = StatusStarting
	if err := e.tool.Init(ctx); err != nil {
		e.status = StatusError
		e.errorCount++
		return fmt.Errorf("start tool %s: %w", name, err)
	}
	e.status = StatusRunning
	e.startedAt = time.Now()
	r.logger.Info().Str("tool", name).Msg("tool started")
	return nil
}

// StartAll starts every registered tool in dependency order. The first
// failure aborts and is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.orderLocked() {
		if err := r.startLocked(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts one tool down.
func (r *Registry) Stop(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(ctx, name)
}

func (r *Registry) stopLocked(ctx context.Context, name string) error {
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("tool %s not registered", name)
	}
	if e.status == StatusStopped {
		return nil
	}

	e.status = StatusStopping
	if err := e.tool.Shutdown(ctx); err != nil {
		e.status = StatusError
		e.errorCount++
		return fmt.Errorf("stop tool %s: %w", name, err)
	}
	e.status = StatusStopped
	e.startedAt = time.Time{}
	r.logger.Info().Str("tool", name).Msg("tool stopped")
	return nil
}

// StopAll stops every tool in reverse dependency order, continuing past
// individual failures.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order := r.orderLocked()
	for i := len(order) - 1; i >= 0; i-- {
		if err := r.stopLocked(ctx, order[i]); err != nil {
			r.logger.Error().Err(err).Str("tool", order[i]).Msg("tool shutdown failed")
		}
	}
}

// Handle routes one request to a running tool and records usage counters.
func (r *Registry) Handle(ctx context.Context, name, action string, params map[string]any) (any, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: tool %s not registered", ErrBadRequest, name)
	}
	if e.status != StatusRunning {
		r.mu.Unlock()
		return nil, fmt.Errorf("tool %s is not running", name)
	}
	e.requestsTotal++
	e.lastUsed = time.Now()
	tool := e.tool
	r.mu.Unlock()

	result, err := tool.Handle(ctx, action, params)

	r.mu.Lock()
	if err != nil {
		e.requestsFailed++
		e.errorCount++
	} else {
		e.requestsSuccess++
	}
	r.mu.Unlock()

	return result, err
}

// StatusAll reports per-tool status, uptime, and request counters for the
// informational endpoint.
func (r *Registry) StatusAll() map[string]ToolStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ToolStatus, len(r.entries))
	for name, e := range r.entries {
		st := ToolStatus{
			Name:            name,
			Version:         e.tool.Version(),
			Description:     e.tool.Description(),
			Status:          e.status,
			ErrorCount:      e.errorCount,
			RequestsTotal:   e.requestsTotal,
			RequestsSuccess: e.requestsSuccess,
			RequestsFailed:  e.requestsFailed,
		}
		if !e.startedAt.IsZero() {
			started := e.startedAt.Format(time.RFC3339)
			st.StartedAt = &started
			st.UptimeSeconds = int64(time.Since(e.startedAt).Seconds())
		}
		if !e.lastUsed.IsZero() {
			used := e.lastUsed.Format(time.RFC3339)
			st.LastUsed = &used
		}
		out[name] = st
	}
	return out
}

// orderLocked returns tool names with dependencies before dependents.
func (r *Registry) orderLocked() []string {
	visited := make(map[string]bool, len(r.entries))
	var order []string

	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		if e, ok := r.entries[name]; ok {
			for _, dep := range e.deps {
				visit(dep)
			}
			order = append(order, name)
		}
	}

	for name := range r.entries {
		visit(name)
	}
	return order
}
