package testutil

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MITHaystack/scikit-dataaccess/internal/fetcher"
	"github.com/MITHaystack/scikit-dataaccess/internal/wrapper"
)

// MockSource is a mock implementation of the Source interface for testing
type MockSource struct {
	NamespaceValue string
	ResolveFunc    func(q fetcher.Query) ([]fetcher.Item, error)
	FetchFunc      func(ctx context.Context, item fetcher.Item) ([]byte, error)
	ParseFunc      func(item fetcher.Item, payload []byte) (*wrapper.Wrapper, error)

	calls atomic.Int64
	mu    sync.Mutex
	perID map[string]int
}

// Namespace implements the Source interface
func (m *MockSource) Namespace() string {
	if m.NamespaceValue != "" {
		return m.NamespaceValue
	}
	return "mock"
}

// Resolve implements the Source interface
func (m *MockSource) Resolve(q fetcher.Query) ([]fetcher.Item, error) {
	if m.ResolveFunc != nil {
		return m.ResolveFunc(q)
	}
	return nil, nil
}

// Fetch implements the Source interface and counts every call
func (m *MockSource) Fetch(ctx context.Context, item fetcher.Item) ([]byte, error) {
	m.calls.Add(1)
	m.mu.Lock()
	if m.perID == nil {
		m.perID = make(map[string]int)
	}
	m.perID[item.ID()]++
	m.mu.Unlock()

	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, item)
	}
	return []byte("payload:" + item.ID()), nil
}

// Parse implements the Source interface
func (m *MockSource) Parse(item fetcher.Item, payload []byte) (*wrapper.Wrapper, error) {
	if m.ParseFunc != nil {
		return m.ParseFunc(item, payload)
	}
	return ParsePayload(item, payload)
}

// Calls returns the number of Fetch calls so far
func (m *MockSource) Calls() int {
	return int(m.calls.Load())
}

// CallsFor returns the number of Fetch calls for one item identifier
func (m *MockSource) CallsFor(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perID[id]
}

// ParsePayload wraps a payload in a single series named "payload" whose one
// value is the payload length. The raw payload is kept as metadata.
func ParsePayload(item fetcher.Item, payload []byte) (*wrapper.Wrapper, error) {
	return wrapper.NewBuilder(item.ID()).
		Meta("payload", string(payload)).
		Meta("bytes", strconv.Itoa(len(payload))).
		Add(wrapper.Series{
			Name:   "payload",
			Index:  []time.Time{item.Time()},
			Values: []float64{float64(len(payload))},
		}).
		Build()
}

// Day returns midnight UTC of the given day of January 2020
func Day(d int) time.Time {
	return time.Date(2020, 1, d, 0, 0, 0, 0, time.UTC)
}

// NewDailySource creates a mock source resolving a time-bounded query into
// one item per day, named like "2020-01-01"
func NewDailySource(namespace string) *MockSource {
	return &MockSource{
		NamespaceValue: namespace,
		ResolveFunc: func(q fetcher.Query) ([]fetcher.Item, error) {
			if !q.HasTimeRange() {
				return nil, fetcher.NewQueryError("start", "time range is required")
			}
			var items []fetcher.Item
			for day := q.Start(); !day.After(q.End()); day = day.AddDate(0, 0, 1) {
				items = append(items, fetcher.NewItem(namespace, day.Format(time.DateOnly), day, nil))
			}
			return items, nil
		},
	}
}

// MustQuery builds a query or panics
func MustQuery(namespace string, opts ...fetcher.QueryOption) fetcher.Query {
	q, err := fetcher.NewQuery(namespace, opts...)
	if err != nil {
		panic(fmt.Sprintf("testutil: invalid query: %v", err))
	}
	return q
}
