package mapview

import "sync"

// NavigationGuard lets one navigation run at a time. A click while another
// navigation is in flight is dropped, and a closed guard drops everything.
type NavigationGuard struct {
	mu     sync.Mutex
	token  uint64
	target string
	busy   bool
	closed bool
}

// Begin starts a navigation to target. It returns a release function and
// true, or nil and false when a navigation is already in flight.
func (g *NavigationGuard) Begin(target string) (func(), bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy || g.closed {
		return nil, false
	}
	g.token++
	g.busy = true
	g.target = target
	token := g.token

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.token == token {
			g.busy = false
			g.target = ""
		}
	}, true
}

// InFlight returns the current navigation target
func (g *NavigationGuard) InFlight() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.target, g.busy
}

// Close tears the guard down. Pending releases become no-ops.
func (g *NavigationGuard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.busy = false
	g.target = ""
	g.token++
}
