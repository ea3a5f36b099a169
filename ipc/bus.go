package ipc

import (
	"sync"
)

// Handler consumes envelopes delivered to a local destination. *Receiver
// is a Handler.
type Handler interface {
	Receive(env *Envelope)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(env *Envelope)

// Receive calls f(env).
func (f HandlerFunc) Receive(env *Envelope) {
	f(env)
}

// Filter declares which messages a registered destination accepts. Empty
// fields match anything. Topic and Action are AASB names without prefix.
type Filter struct {
	Topic  string
	Action string
}

// Matches reports whether the filter accepts topic/action.
func (f Filter) Matches(topic, action string) bool {
	return (f.Topic == "" || f.Topic == topic) && (f.Action == "" || f.Action == action)
}

type busEntry struct {
	dest    Destination
	handler Handler
	filters []Filter
}

// Bus is the in-process Transport. Local destinations are registered with a
// handler; remote ones are reached through a routed Transport such as a Conn.
type Bus struct {
	mu           sync.RWMutex
	entries      map[string]*busEntry
	order        []string
	routes       map[string]Transport
	onForeground func(dest Destination)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		entries: make(map[string]*busEntry),
		routes:  make(map[string]Transport),
	}
}

// Register makes dest reachable through handler. Filters make it
// discoverable through Resolve; a destination without filters is only
// reachable by name.
func (b *Bus) Register(dest Destination, handler Handler, filters ...Filter) error {
	if handler == nil {
		return newError(ErrorTypeInvalidArgument, "nil handler for %s", dest)
	}
	if dest.Package == "" || dest.Class == "" {
		return newError(ErrorTypeInvalidArgument, "destination %s needs package and class", dest)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	name := dest.Name()
	if _, exists := b.entries[name]; !exists {
		b.order = append(b.order, name)
	}
	b.entries[name] = &busEntry{dest: dest, handler: handler, filters: filters}
	log.Debugw("IPC: registered destination", "destination", dest.String(), "filters", len(filters))
	return nil
}

// Unregister removes a local destination. Returns false if it was unknown.
func (b *Bus) Unregister(dest Destination) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := dest.Name()
	if _, exists := b.entries[name]; !exists {
		return false
	}
	delete(b.entries, name)
	for i, candidate := range b.order {
		if candidate == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Route forwards deliveries for dest to t. A destination with an empty
// Class routes its whole package. A nil t removes the route.
func (b *Bus) Route(dest Destination, t Transport) {
	key := routeKey(dest)
	b.mu.Lock()
	defer b.mu.Unlock()
	if t == nil {
		delete(b.routes, key)
		return
	}
	b.routes[key] = t
}

func routeKey(dest Destination) string {
	if dest.Class == "" {
		return dest.Package + "/"
	}
	return dest.Name()
}

// OnForeground sets the hook run before delivering to Activity destinations.
func (b *Bus) OnForeground(fn func(dest Destination)) {
	b.mu.Lock()
	b.onForeground = fn
	b.mu.Unlock()
}

// Resolve lists local destinations whose filters accept topic/action, in
// registration order.
func (b *Bus) Resolve(topic, action string) []Destination {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Destination
	for _, name := range b.order {
		entry := b.entries[name]
		for _, f := range entry.filters {
			if f.Matches(topic, action) {
				out = append(out, entry.dest)
				break
			}
		}
	}
	return out
}

// MaxInlineBytes reports the inline cap of the transport dest is routed
// through. Local destinations have none.
func (b *Bus) MaxInlineBytes(dest Destination) (int, bool) {
	b.mu.RLock()
	_, local := b.entries[dest.Name()]
	route := b.lookupRoute(dest)
	b.mu.RUnlock()

	if local || route == nil {
		return 0, false
	}
	if limiter, ok := route.(InlineLimiter); ok {
		return limiter.MaxInlineBytes(dest)
	}
	return 0, false
}

func (b *Bus) lookupRoute(dest Destination) Transport {
	if route := b.routes[dest.Name()]; route != nil {
		return route
	}
	return b.routes[dest.Package+"/"]
}

// Deliver hands env to dest. Activity destinations are brought to the
// foreground first; Receiver destinations are invoked asynchronously.
func (b *Bus) Deliver(dest Destination, env *Envelope) error {
	if env == nil {
		return newError(ErrorTypeInvalidArgument, "nil envelope")
	}

	b.mu.RLock()
	entry := b.entries[dest.Name()]
	route := b.lookupRoute(dest)
	foreground := b.onForeground
	b.mu.RUnlock()

	if entry == nil {
		if route != nil {
			return route.Deliver(dest, env)
		}
		return newError(ErrorTypeDestinationUnreachable, "%s", dest)
	}

	switch dest.Type {
	case DestinationActivity:
		if foreground != nil {
			foreground(dest)
		}
		entry.handler.Receive(env)
	case DestinationReceiver:
		go entry.handler.Receive(env)
	default:
		entry.handler.Receive(env)
	}
	return nil
}
