package fetcher

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/MITHaystack/scikit-dataaccess/internal/wrapper"
)

// Source is the capability every data source implements. Each source knows
// how to expand a query into items, how to retrieve the raw payload of one
// item and how to parse that payload into a wrapper.
type Source interface {
	// Namespace returns the dotted identifier the source is registered
	// under, e.g. "geo.groundwater".
	Namespace() string

	// Resolve expands a query into items. It must be a pure function of the
	// query: the same query always yields the same items.
	Resolve(q Query) ([]Item, error)

	// Fetch retrieves the raw payload for one item. Failures should be
	// returned as *FetchError so the caller can tell retryable ones apart.
	Fetch(ctx context.Context, item Item) ([]byte, error)

	// Parse converts a payload into a wrapper. Structural problems are
	// reported as *ParseError.
	Parse(item Item, payload []byte) (*wrapper.Wrapper, error)
}

// Registry maps namespaces to sources.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates a registry holding the given sources.
func NewRegistry(sources ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a source. Registering two sources under one namespace is an error.
func (r *Registry) Register(s Source) error {
	ns := s.Namespace()
	if ns == "" {
		return fmt.Errorf("source has an empty namespace")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[ns]; exists {
		return fmt.Errorf("namespace %q already registered", ns)
	}
	r.sources[ns] = s
	return nil
}

// Lookup returns the source registered under namespace. Unknown namespaces
// are reported as *QueryError.
func (r *Registry) Lookup(namespace string) (Source, error) {
	r.mu.RLock()
	s, ok := r.sources[namespace]
	r.mu.RUnlock()

	if !ok {
		return nil, NewQueryError("namespace", fmt.Sprintf("no source registered for %q", namespace))
	}
	return s, nil
}

// Namespaces returns the registered namespaces in sorted order.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.sources))
	for ns := range r.sources {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// resolveItems runs the source's resolution and normalizes the result into
// a duplicate-free, deterministically ordered list.
func resolveItems(s Source, q Query) ([]Item, error) {
	items, err := s.Resolve(q)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if item.Namespace() != q.Namespace() {
			return nil, fmt.Errorf("source %s resolved item %s outside its namespace", s.Namespace(), item.ID())
		}
		if _, dup := seen[item.ID()]; dup {
			continue
		}
		seen[item.ID()] = struct{}{}
		out = append(out, item)
	}

	slices.SortStableFunc(out, compareItems)
	return out, nil
}
