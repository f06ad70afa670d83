//go:build no_hooks

package main

import (
	"log/slog"

	"espfleet/internal/events"
)

type hooksStopper struct{}

func (h *hooksStopper) Stop() {}

func initHooks(_ *events.Bus, _ *Config, _ *slog.Logger) *hooksStopper {
	return &hooksStopper{}
}
