package registry

import "Meshpath/internal/path"

// Mux routes service outcomes to a Handler per local interface. Paths on
// an interface without a handler are ignored.
type Mux[S, I comparable] map[I]Handler[S, I]

// Keepalive forwards to the handler for p's interface.
func (m Mux[S, I]) Keepalive(p *path.Path[S, I]) {
	if h, ok := m[p.LocalInterface]; ok {
		h.Keepalive(p)
	}
}

// Dead forwards to the handler for p's interface.
func (m Mux[S, I]) Dead(p *path.Path[S, I]) {
	if h, ok := m[p.LocalInterface]; ok {
		h.Dead(p)
	}
}
