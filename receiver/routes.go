package receiver

import (
	"context"
	"sync"
)

// Route directs the objects of one transfer to a destination directory and
// counts how many have been written.
type Route struct {
	Key         string
	Destination string

	mu       sync.Mutex
	received int
	notify   chan struct{}
}

// Received returns the number of objects written through the route.
func (r *Route) Received() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}

func (r *Route) markReceived() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received++
	close(r.notify)
	r.notify = make(chan struct{})
}

// WaitFor blocks until n objects were received or ctx is done, and returns
// the count reached.
func (r *Route) WaitFor(ctx context.Context, n int) int {
	for {
		r.mu.Lock()
		got, ch := r.received, r.notify
		r.mu.Unlock()

		if got >= n {
			return got
		}
		select {
		case <-ctx.Done():
			return got
		case <-ch:
		}
	}
}

// RouteTable maps correlation keys (a SOP Instance UID or a Series Instance
// UID) to the route of the transfer that requested them.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]*Route
}

// NewRouteTable returns an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]*Route)}
}

// Add registers a route for key, replacing any route already using it.
func (t *RouteTable) Add(key, destination string) *Route {
	route := &Route{Key: key, Destination: destination, notify: make(chan struct{})}
	t.mu.Lock()
	t.routes[key] = route
	t.mu.Unlock()
	return route
}

// Remove unregisters route. A newer route registered under the same key is kept.
func (t *RouteTable) Remove(route *Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.routes[route.Key] == route {
		delete(t.routes, route.Key)
	}
}

// Lookup finds the route of an object, by SOP Instance UID first and then by
// Series Instance UID.
func (t *RouteTable) Lookup(sopInstanceUID, seriesInstanceUID string) (*Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if route, ok := t.routes[sopInstanceUID]; ok && sopInstanceUID != "" {
		return route, true
	}
	if route, ok := t.routes[seriesInstanceUID]; ok && seriesInstanceUID != "" {
		return route, true
	}
	return nil, false
}

// Len returns the number of registered routes.
func (t *RouteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
