//go:build !no_hooks

package hooks

import (
	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerFleetModule installs the `fleet` global table. When capture
// is non-nil, fleet.log output goes to it instead of the engine logger
// (used by RunCode).
func registerFleetModule(L *lua.LState, vm *scriptVM, e *Engine, capture func(string)) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return fleetOn(L, vm)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		if capture != nil {
			capture(msg)
		} else {
			e.logger.Info("hook log", "msg", msg)
		}
		return 0
	}))

	L.SetGlobal("fleet", mod)
}

// fleet.on(event_type, callback)
func fleetOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	fn := L.CheckFunction(2)

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, luaHandler{eventType: eventType, fn: fn})
	vm.mu.Unlock()

	return 0
}
