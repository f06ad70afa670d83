//go:build !no_hooks

package main

import (
	"log/slog"

	"espfleet/internal/events"
	"espfleet/internal/hooks"
)

type hooksStopper struct {
	engine *hooks.Engine
}

func (h *hooksStopper) Stop() {
	if h.engine != nil {
		h.engine.Stop()
	}
}

func initHooks(bus *events.Bus, cfg *Config, logger *slog.Logger) *hooksStopper {
	if !cfg.Hooks.Enabled {
		return &hooksStopper{}
	}
	engine := hooks.NewEngine(bus, cfg.Hooks.Dir, logger)
	engine.Start()
	return &hooksStopper{engine: engine}
}
