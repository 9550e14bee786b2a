// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package tools hosts the auxiliary MCP tool subsystem: a registry that owns
// tool lifecycle and usage counters, and the tools themselves.
package tools

import (
	"context"
	"errors"
)

// Status enumerates tool lifecycle states.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ErrBadRequest marks caller-input failures that the serving layer must map
// to a 400-class response instead of a 500.
var ErrBadRequest = errors.New("bad request")

// Tool is implemented by every registered tool. Init and Shutdown bracket the
// tool's lifetime; Handle serves one request routed by action name.
type Tool interface {
	Name() string
	Version() string
	Description() string
	Init(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Handle(ctx context.Context, action string, params map[string]any) (any, error)
}
