// Package listeners provides a named, concurrency-safe registry of update
// callbacks with isolated fan-out.
package listeners

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Listener is notified after the configuration behind an invalidation signal
// has been fetched successfully.
type Listener interface {
	OnUpdate(ctx context.Context) error
}

// ListenerFunc adapts an ordinary function to the Listener interface.
type ListenerFunc func(ctx context.Context) error

// OnUpdate implements Listener.
func (f ListenerFunc) OnUpdate(ctx context.Context) error { return f(ctx) }

// Error reports the failure of a single listener during NotifyAll.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("listener %q: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrPanic is wrapped by the Error reported for a listener that panicked.
var ErrPanic = errors.New("listener panicked")

// Registry maps listener names to listeners. The zero value is ready to use.
type Registry struct {
	listenersMu sync.RWMutex
	listeners   map[string]Listener
}

// Put registers l under name, replacing any listener already using that name.
// A nil listener removes the entry.
func (r *Registry) Put(name string, l Listener) {
	if l == nil {
		r.Remove(name)
		return
	}

	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()

	if r.listeners == nil {
		r.listeners = make(map[string]Listener, 1)
	}
	r.listeners[name] = l
}

// Remove unregisters name. Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	delete(r.listeners, name)
}

// Clear removes every listener.
func (r *Registry) Clear() {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = nil
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	return len(r.listeners)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.listenersMu.RLock()
	names := make([]string, 0, len(r.listeners))
	for name := range r.listeners {
		names = append(names, name)
	}
	r.listenersMu.RUnlock()

	sort.Strings(names)
	return names
}

// NotifyAll invokes every listener registered at the time of the call exactly
// once. The registry lock is not held while listeners run, so listeners may
// mutate the registry. A failing or panicking listener does not prevent the
// others from running; all failures are returned joined as *Error values.
func (r *Registry) NotifyAll(ctx context.Context) error {
	type entry struct {
		name string
		l    Listener
	}

	r.listenersMu.RLock()
	snapshot := make([]entry, 0, len(r.listeners))
	for name, l := range r.listeners {
		snapshot = append(snapshot, entry{name: name, l: l})
	}
	r.listenersMu.RUnlock()

	var errs []error
	for _, e := range snapshot {
		if err := invoke(ctx, e.l); err != nil {
			errs = append(errs, &Error{Name: e.name, Err: err})
		}
	}
	return errors.Join(errs...)
}

func invoke(ctx context.Context, l Listener) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	return l.OnUpdate(ctx)
}
