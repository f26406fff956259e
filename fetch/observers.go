package fetch

import "sync"

// Observers is a concurrency-safe list of callbacks receiving events of
// type E. Plugins store one in the client properties so that callbacks
// registered after the plugin was applied are still notified.
//
// Example:
//
//	var observers fetch.Observers[retry.Event]
//	observers.Add(func(e retry.Event) { log.Print(e.Attempt) })
//	observers.Notify(retry.Event{Attempt: 1})
type Observers[E any] struct {
	mu  sync.RWMutex
	fns []func(E)
}

// Add registers fn. A nil fn is ignored.
func (o *Observers[E]) Add(fn func(E)) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fns = append(o.fns, fn)
}

// Notify calls every registered callback in registration order.
func (o *Observers[E]) Notify(e E) {
	o.mu.RLock()
	fns := o.fns
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Len returns the number of registered callbacks.
func (o *Observers[E]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.fns)
}

// ObserversOf returns the observer registry stored under property name.
// It panics with a *MissingCapabilityError when capability, the plugin
// owning the registry, has not been applied to c.
func ObserversOf[E any](c *Client, name string, capability Capability) *Observers[E] {
	registry, ok := PropertyOf[*Observers[E]](c, name)
	if !ok || registry == nil {
		panic(&MissingCapabilityError{Plugin: Capability(name), Missing: []Capability{capability}})
	}
	return registry
}
