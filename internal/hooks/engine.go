//go:build !no_hooks

// Package hooks runs user Lua scripts against the fleet event bus.
// Each script lives in its own sandboxed VM and registers handlers
// with fleet.on(event_type, fn).
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"espfleet/internal/events"
)

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaHandler is a registered Lua callback for one event type.
type luaHandler struct {
	eventType string
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script. All Lua access
// goes through the commands channel; the VM goroutine owns the state.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
}

// Engine loads scripts from a directory and dispatches bus events to
// their handlers.
type Engine struct {
	bus    *events.Bus
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates a hook engine rooted at dir.
func NewEngine(bus *events.Bus, dir string, logger *slog.Logger) *Engine {
	return &Engine{
		bus:    bus,
		dir:    dir,
		logger: logger.With("component", "hooks"),
		vms:    make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus and loads every .lua script in the
// directory. A script that fails to load is skipped, not fatal.
func (e *Engine) Start() {
	e.unsub = e.bus.OnAll(e.dispatch)

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Error("read hooks dir", "dir", e.dir, "err", err)
		}
		e.logger.Info("hook engine started", "scripts", 0)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".lua")
		if err := e.startScript(id, filepath.Join(e.dir, entry.Name())); err != nil {
			e.logger.Error("start hook script", "id", id, "err", err)
		}
	}

	e.mu.Lock()
	count := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("hook engine started", "scripts", count)
}

// Stop cancels all VMs and unsubscribes from the bus.
func (e *Engine) Stop() {
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()

	if e.unsub != nil {
		e.unsub()
	}
	e.logger.Info("hook engine stopped")
}

// Scripts returns the ids of the currently running scripts.
func (e *Engine) Scripts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) startScript(id, path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	L := newSandboxedState()

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerFleetModule(L, vm, e, nil)

	if err := L.DoString(string(code)); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", id, err)
	}

	e.mu.Lock()
	e.vms[id] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("hook script started", "id", id)
	return nil
}

// RunCode executes Lua in a temporary sandboxed VM. The top-level code
// runs first; any handlers it registered are then invoked once with a
// synthetic event so their bodies execute too. Log output is captured.
func (e *Engine) RunCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	L := newSandboxedState()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	var logs []string
	var logMu sync.Mutex
	capture := func(msg string) {
		logMu.Lock()
		logs = append(logs, msg)
		logMu.Unlock()
	}
	registerFleetModule(L, vm, e, capture)

	if err := L.DoString(code); err != nil {
		return &RunResult{OK: false, Error: runError(err), Logs: logs, Duration: time.Since(start).String()}
	}

	vm.mu.Lock()
	handlers := make([]luaHandler, len(vm.handlers))
	copy(handlers, vm.handlers)
	vm.mu.Unlock()

	for _, h := range handlers {
		eventTable := L.NewTable()
		eventTable.RawSetString("type", lua.LString(h.eventType))
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable); err != nil {
			return &RunResult{OK: false, Error: runError(err), Logs: logs, Duration: time.Since(start).String()}
		}
	}

	return &RunResult{OK: true, Logs: logs, Duration: time.Since(start).String()}
}

// dispatch routes a bus event to every matching handler. The closure
// is sent to the VM's command channel; a full channel drops the event
// rather than blocking the bus.
func (e *Engine) dispatch(event events.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := make([]luaHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if h.eventType != event.Type {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, fn, event)
			}:
			default:
				e.logger.Warn("hook command channel full, dropping event", "type", event.Type)
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event events.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("hook handler panic", "err", r)
		}
	}()

	eventTable := L.NewTable()
	eventTable.RawSetString("type", lua.LString(event.Type))
	if data, ok := event.Data.(map[string]any); ok {
		for k, v := range data {
			eventTable.RawSetString(k, goToLua(L, v))
		}
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable); err != nil {
		e.logger.Error("hook handler error", "err", err)
	}
}

// newSandboxedState opens a Lua state with filesystem, process, and
// loader access removed.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func runError(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") {
		return "timeout (5s)"
	}
	return msg
}

// goToLua converts an event payload value to a Lua value. Payloads are
// JSON-shaped, so the number and container cases cover everything the
// bus carries.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
