//go:build no_hooks

package hooks

import (
	"log/slog"

	"espfleet/internal/events"
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Engine is a no-op stub when hooks are disabled.
type Engine struct{}

// NewEngine returns a no-op engine when hooks are disabled.
func NewEngine(_ *events.Bus, _ string, _ *slog.Logger) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// Scripts returns nil.
func (e *Engine) Scripts() []string { return nil }

// RunCode returns a stub result.
func (e *Engine) RunCode(_ string) *RunResult {
	return &RunResult{OK: false, Error: "hooks disabled"}
}
