// Package iterator drives one pass over the items resolved from a query.
//
// An Iterator is a pull-based, single-consumer state machine:
//
//	Created -> Active -> Exhausted
//	   |          |
//	   +-> Error <+
//
// Resolution happens on the first HasNext or Next call. Every item is
// attempted exactly once per pass, in resolution order. A failure of one
// item is reported in its Result and does not end the pass, unless the
// iterator is strict, in which case the first failure moves it to Error.
package iterator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/MITHaystack/scikit-dataaccess/internal/fetcher"
	"github.com/MITHaystack/scikit-dataaccess/internal/wrapper"
)

// State is the lifecycle position of an Iterator.
type State int

const (
	StateCreated State = iota
	StateActive
	StateExhausted
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateExhausted:
		return "exhausted"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ItemFetcher is what an Iterator needs from the fetch engine.
type ItemFetcher interface {
	Resolve(q fetcher.Query) ([]fetcher.Item, error)
	Fetch(ctx context.Context, item fetcher.Item, mode fetcher.Mode) (*wrapper.Wrapper, error)
}

// Option configures an Iterator.
type Option func(*Iterator)

// WithMode sets the fetch mode applied to every item. Defaults to
// fetcher.DefaultMode.
func WithMode(mode fetcher.Mode) Option {
	return func(it *Iterator) {
		if mode != "" {
			it.mode = mode
		}
	}
}

// WithStrict makes the first item failure fatal for the pass.
func WithStrict(strict bool) Option {
	return func(it *Iterator) {
		it.strict = strict
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(it *Iterator) {
		if logger != nil {
			it.logger = logger
		}
	}
}

// Iterator yields one Result per item resolved from its query. It is not
// safe for concurrent use.
type Iterator struct {
	fetcher ItemFetcher
	query   fetcher.Query
	mode    fetcher.Mode
	strict  bool
	logger  *slog.Logger
	runID   string

	state  State
	items  []fetcher.Item
	cursor int
	err    error
}

// New creates an iterator in the Created state. Nothing is resolved or
// fetched until HasNext or Next is called.
func New(f ItemFetcher, q fetcher.Query, opts ...Option) *Iterator {
	it := &Iterator{
		fetcher: f,
		query:   q,
		mode:    fetcher.DefaultMode,
		logger:  slog.Default(),
		runID:   uuid.NewString(),
		state:   StateCreated,
	}
	for _, opt := range opts {
		opt(it)
	}
	it.logger = it.logger.With("run_id", it.runID, "namespace", q.Namespace())
	return it
}

// State returns the current lifecycle state.
func (it *Iterator) State() State { return it.state }

// Err returns the error that moved the iterator to Error, if any.
func (it *Iterator) Err() error { return it.err }

// RunID identifies this pass. It is stamped on every Result.
func (it *Iterator) RunID() string { return it.runID }

// Query returns the query being iterated.
func (it *Iterator) Query() fetcher.Query { return it.query }

// Mode returns the fetch mode applied to every item.
func (it *Iterator) Mode() fetcher.Mode { return it.mode }

// Items returns the resolved items, or nil before resolution.
func (it *Iterator) Items() []fetcher.Item {
	return append([]fetcher.Item(nil), it.items...)
}

// Position returns the number of items consumed so far.
func (it *Iterator) Position() int { return it.cursor }

// resolve moves a Created iterator to Active, Exhausted or Error.
func (it *Iterator) resolve() {
	if it.state != StateCreated {
		return
	}

	items, err := it.fetcher.Resolve(it.query)
	if err != nil {
		it.state = StateError
		it.err = err
		it.logger.Error("query resolution failed", "query", it.query.String(), "error", err)
		return
	}

	it.items = items
	it.state = StateActive
	if len(items) == 0 {
		it.state = StateExhausted
	}
	it.logger.Debug("query resolved",
		"query", it.query.String(),
		"items", len(items),
		"mode", it.mode.String())
}

// HasNext reports whether Next will yield another item. The first call
// resolves the query; a resolution failure makes HasNext return false and
// is available from Err.
func (it *Iterator) HasNext() bool {
	it.resolve()
	return it.state == StateActive && it.cursor < len(it.items)
}

// Next fetches the next item. Item failures are carried in Result.Err and
// the returned error is nil, except in strict mode where the first item
// failure is returned and ends the pass. Calling Next after the last item
// returns *fetcher.ExhaustedError.
func (it *Iterator) Next(ctx context.Context) (fetcher.Result, error) {
	it.resolve()

	switch it.state {
	case StateError:
		return fetcher.Result{}, it.err
	case StateExhausted:
		return fetcher.Result{}, &fetcher.ExhaustedError{Count: len(it.items)}
	}

	if err := ctx.Err(); err != nil {
		return fetcher.Result{}, err
	}

	index := it.cursor
	item := it.items[index]
	w, err := it.fetcher.Fetch(ctx, item, it.mode)

	it.cursor++
	if it.cursor >= len(it.items) {
		it.state = StateExhausted
	}

	result := fetcher.Result{
		Item:    item,
		Index:   index,
		RunID:   it.runID,
		Wrapper: w,
		Err:     err,
	}
	if err != nil {
		result.Wrapper = nil
		it.logger.Warn("item failed",
			"id", item.ID(),
			"index", index,
			"error", err)

		if it.strict {
			it.state = StateError
			it.err = fmt.Errorf("item %s: %w", item.ID(), err)
			return result, it.err
		}
		return result, nil
	}

	it.logger.Debug("item fetched", "id", item.ID(), "index", index, "series", w.Len())
	return result, nil
}

// Collect drains the iterator. It stops at the first error Next returns
// and hands back the results gathered so far together with that error.
func (it *Iterator) Collect(ctx context.Context) ([]fetcher.Result, error) {
	var results []fetcher.Result
	for it.HasNext() {
		r, err := it.Next(ctx)
		if err != nil {
			if it.state == StateError {
				results = append(results, r)
			}
			return results, err
		}
		results = append(results, r)
	}
	if it.state == StateError {
		return results, it.err
	}
	return results, nil
}
