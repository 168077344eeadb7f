package fetcher

import "github.com/MITHaystack/scikit-dataaccess/internal/wrapper"

// Result represents the outcome of fetching one item.
// Iterators produce one Result per resolved item, in resolution order,
// and the coordinator hands them to the caller.
type Result struct {
	// Item is the unit of work this result belongs to
	Item Item

	// Index is the position of Item in the resolved sequence
	Index int

	// RunID identifies the iterator pass that produced this result
	RunID string

	// Wrapper holds the parsed data. Nil when Err is set.
	Wrapper *Wrapper

	// Err contains any error that occurred while fetching or parsing the item.
	// If Err is not nil, Wrapper should be considered invalid.
	Err error
}

// Wrapper is re-exported so callers handling results need not import the
// wrapper package for the common case.
type Wrapper = wrapper.Wrapper

// OK reports whether the item was fetched and parsed.
func (r Result) OK() bool {
	return r.Err == nil && r.Wrapper != nil
}
