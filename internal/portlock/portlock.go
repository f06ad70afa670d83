// Package portlock serializes access to serial ports. A flash job and a
// monitor session can never hold the same port at once, and a just
// released port stays unavailable for a short cooldown so the USB-UART
// bridge can settle before it is reopened.
package portlock

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// ErrPortBusy is returned when a port is held or cooling down.
var ErrPortBusy = errors.New("serial port busy")

// Cooldown is how long a port stays unavailable after release.
const Cooldown = 3 * time.Second

type portState struct {
	holder     string
	releasedAt time.Time
}

// Registry tracks which ports are held and by whom.
type Registry struct {
	mu    sync.Mutex
	ports map[string]*portState
	now   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{ports: make(map[string]*portState), now: time.Now}
}

// canonical normalizes a port path so "/dev/ttyUSB0" and
// "/dev/./ttyUSB0" name the same lock.
func canonical(port string) string {
	resolved, err := filepath.EvalSymlinks(port)
	if err != nil {
		return filepath.Clean(port)
	}
	return resolved
}

// Acquire claims the port for holder. It never blocks: a held or
// cooling-down port fails immediately with ErrPortBusy.
func (r *Registry) Acquire(port, holder string) (func(), error) {
	key := canonical(port)
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.ports[key]
	if ok {
		if state.holder != "" {
			return nil, fmt.Errorf("%w: %s held by %s", ErrPortBusy, port, state.holder)
		}
		if remaining := Cooldown - r.now().Sub(state.releasedAt); remaining > 0 {
			return nil, fmt.Errorf("%w: %s cooling down for %s", ErrPortBusy, port, remaining.Round(time.Millisecond))
		}
	} else {
		state = &portState{}
		r.ports[key] = state
	}
	state.holder = holder

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			state.holder = ""
			state.releasedAt = r.now()
		})
	}
	return release, nil
}

// Holder reports who currently holds the port, if anyone.
func (r *Registry) Holder(port string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.ports[canonical(port)]
	if !ok || state.holder == "" {
		return "", false
	}
	return state.holder, true
}
