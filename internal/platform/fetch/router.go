package fetch

import (
	"context"
	"fmt"
	"strings"
)

// Router dispatches each address to the Fetcher registered for its scheme.
type Router struct {
	routes map[string]Fetcher
}

// NewRouter returns a Router with no routes.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Fetcher)}
}

// Handle registers f for scheme (case-insensitive, without "://").
func (r *Router) Handle(scheme string, f Fetcher) *Router {
	r.routes[strings.ToLower(scheme)] = f
	return r
}

// Schemes returns the registered schemes.
func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.routes))
	for s := range r.routes {
		out = append(out, s)
	}
	return out
}

// Fetch routes address by its scheme.
func (r *Router) Fetch(ctx context.Context, address string) ([]byte, error) {
	scheme, _, ok := strings.Cut(address, "://")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("fetch %s: %w: missing scheme", address, ErrUnsupportedScheme)
	}
	f, ok := r.routes[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w %q", address, ErrUnsupportedScheme, scheme)
	}
	return f.Fetch(ctx, address)
}
