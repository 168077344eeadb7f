package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/MITHaystack/scikit-dataaccess/internal/fetcher"
	"github.com/MITHaystack/scikit-dataaccess/internal/iterator"
)

// DefaultWorkers bounds how many queries run at once.
const DefaultWorkers = 4

// Job is one query to run, with the mode and strictness of its pass.
type Job struct {
	Name   string
	Query  fetcher.Query
	Mode   fetcher.Mode
	Strict bool
}

// Label returns the job name, or the canonical query when unnamed.
func (j Job) Label() string {
	if j.Name != "" {
		return j.Name
	}
	return j.Query.String()
}

// Handler receives every result. Calls are serialized.
type Handler func(job Job, result fetcher.Result)

// Summary counts what a Run did.
type Summary struct {
	Jobs     int
	Items    int
	Failures int
	// Aborted counts jobs that ended early: unresolvable queries and
	// strict passes stopped by an item failure.
	Aborted int
}

// Coordinator runs several queries concurrently, one iterator per query,
// and funnels their results to a single handler
type Coordinator struct {
	fetcher iterator.ItemFetcher
	jobs    []Job
	workers int
	logger  *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkers bounds the number of queries running at once.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithLogger sets the logger handed to every iterator.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a new Coordinator with the given jobs
func New(f iterator.ItemFetcher, jobs []Job, opts ...Option) *Coordinator {
	c := &Coordinator{
		fetcher: f,
		jobs:    jobs,
		workers: DefaultWorkers,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes all jobs on a bounded worker pool. Results are handed to
// handle as they arrive; results of one job arrive in that job's order,
// results of different jobs interleave.
//
// Item failures are counted in the summary and reported through handle.
// The returned error joins the errors of aborted jobs.
func (c *Coordinator) Run(ctx context.Context, handle Handler) (Summary, error) {
	if len(c.jobs) == 0 {
		return Summary{}, fmt.Errorf("no queries configured")
	}
	if err := checkDuplicates(c.jobs); err != nil {
		return Summary{}, err
	}

	var (
		mu      sync.Mutex
		summary = Summary{Jobs: len(c.jobs)}
	)
	deliver := func(job Job, r fetcher.Result) {
		mu.Lock()
		defer mu.Unlock()
		summary.Items++
		if r.Err != nil {
			summary.Failures++
		}
		if handle != nil {
			handle(job, r)
		}
	}
	abort := func(job Job, err error) error {
		mu.Lock()
		summary.Aborted++
		mu.Unlock()
		c.logger.Error("query aborted", "query", job.Label(), "error", err)
		return fmt.Errorf("%s: %w", job.Label(), err)
	}

	p := pool.New().WithMaxGoroutines(c.workers).WithContext(ctx)
	for _, job := range c.jobs {
		p.Go(func(ctx context.Context) error {
			it := iterator.New(c.fetcher, job.Query,
				iterator.WithMode(job.Mode),
				iterator.WithStrict(job.Strict),
				iterator.WithLogger(c.logger))

			for it.HasNext() {
				r, err := it.Next(ctx)
				if err != nil {
					if it.State() == iterator.StateError {
						deliver(job, r)
					}
					return abort(job, err)
				}
				deliver(job, r)
			}
			if err := it.Err(); err != nil {
				return abort(job, err)
			}
			return nil
		})
	}

	err := p.Wait()
	return summary, err
}

func checkDuplicates(jobs []Job) error {
	seen := make(map[string]struct{}, len(jobs))
	var errs []error
	for _, job := range jobs {
		key := job.Query.String() + "|" + job.Mode.String()
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("duplicate query %q", job.Query.String()))
			continue
		}
		seen[key] = struct{}{}
	}
	return errors.Join(errs...)
}

// TextHandler prints results in the format:
//   - Success: "ID: N series (names)"
//   - Error: "ID: ERROR - error message"
func TextHandler(w io.Writer) Handler {
	return func(_ Job, r fetcher.Result) {
		if r.Err != nil {
			fmt.Fprintf(w, "%s: ERROR - %v\n", r.Item.ID(), r.Err)
			return
		}
		fmt.Fprintf(w, "%s: %s\n", r.Item.ID(), r.Wrapper.String())
	}
}
