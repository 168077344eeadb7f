package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/MITHaystack/scikit-dataaccess/internal/cache"
	"github.com/MITHaystack/scikit-dataaccess/internal/codec"
	"github.com/MITHaystack/scikit-dataaccess/internal/config"
	"github.com/MITHaystack/scikit-dataaccess/internal/coordinator"
	"github.com/MITHaystack/scikit-dataaccess/internal/fetcher"
	"github.com/MITHaystack/scikit-dataaccess/internal/metrics"
	"github.com/MITHaystack/scikit-dataaccess/internal/ratelimit"
	"github.com/MITHaystack/scikit-dataaccess/internal/sources/gps"
	"github.com/MITHaystack/scikit-dataaccess/internal/sources/groundwater"
)

// Exit codes
const (
	exitOK = iota
	exitError
	exitPartial
)

func main() {
	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())

	// Handle interrupt signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Warn("received interrupt signal, shutting down")
		cancel()
	}()

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

type options struct {
	configFile   string
	mode         string
	strict       bool
	cacheDir     string
	cacheBackend string
	workers      int
	output       string
	start        string
	end          string
	params       []string
	list         bool
	check        bool
	clear        string
}

func newFlagSet(opts *options, stderr io.Writer) *pflag.FlagSet {
	flags := pflag.NewFlagSet("skdaccess", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: skdaccess [flags] [namespace...]\n\n")
		fmt.Fprintf(stderr, "Runs the queries named on the command line, or those of the config file.\n\n")
		flags.PrintDefaults()
	}

	flags.StringVarP(&opts.configFile, "config", "c", "", "config file (default ./config.yaml or $HOME/.scikit-dataaccess/config.yaml)")
	flags.StringVarP(&opts.mode, "mode", "m", "", "fetch mode: local_download, cache or online_stream")
	flags.BoolVar(&opts.strict, "strict", false, "stop a query at its first failed item")
	flags.StringVar(&opts.cacheDir, "cache-dir", "", "cache directory")
	flags.StringVar(&opts.cacheBackend, "cache-backend", "", "cache backend: file, sqlite or memory")
	flags.IntVarP(&opts.workers, "workers", "w", 0, "number of queries run concurrently")
	flags.StringVarP(&opts.output, "output", "o", "text", "output format: text, json, yaml or cbor")
	flags.StringVar(&opts.start, "start", "", "start of the time range for command line queries")
	flags.StringVar(&opts.end, "end", "", "end of the time range for command line queries")
	flags.StringArrayVarP(&opts.params, "param", "p", nil, "source filter key=value for command line queries, e.g. stations=P101,P102 (repeatable)")
	flags.BoolVarP(&opts.list, "list", "l", false, "list the available data sources and exit")
	flags.BoolVar(&opts.check, "check", false, "print the cache location of every data source and exit")
	flags.StringVar(&opts.clear, "clear", "", `clear the cache of one data source, or "all", and exit`)
	return flags
}

// run executes the command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var opts options
	flags := newFlagSet(&opts, stderr)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitError
	}

	cfg, err := loadConfig(flags, &opts)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return exitError
	}

	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	registry, err := newRegistry(cfg)
	if err != nil {
		logger.Error("failed to register sources", "error", err)
		return exitError
	}
	if opts.list {
		for _, ns := range registry.Namespaces() {
			fmt.Fprintln(stdout, ns)
		}
		return exitOK
	}

	store, err := cache.Open(cache.Config{
		Backend: cache.Backend(cfg.Cache.Backend),
		Dir:     cfg.Cache.Dir,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to open cache", "error", err)
		return exitError
	}
	defer store.Close()

	switch {
	case opts.check:
		for _, ns := range registry.Namespaces() {
			fmt.Fprintf(stdout, "%s: %s\n", ns, store.Location(ns))
		}
		return exitOK
	case opts.clear != "":
		ns := opts.clear
		if ns == "all" {
			ns = ""
		}
		if err := store.Clear(ctx, ns); err != nil {
			logger.Error("failed to clear cache", "namespace", opts.clear, "error", err)
			return exitError
		}
		logger.Info("cache cleared", "namespace", opts.clear)
		return exitOK
	}

	jobs, err := buildJobs(cfg, opts.mode)
	if err != nil {
		logger.Error("invalid query", "error", err)
		return exitError
	}
	handle, finish, err := newHandler(opts.output, stdout)
	if err != nil {
		logger.Error("invalid output", "error", err)
		return exitError
	}

	recorder, err := metrics.New()
	if err != nil {
		logger.Error("failed to set up metrics", "error", err)
		return exitError
	}
	f := newFetcher(cfg, store, registry, recorder, logger)

	coord := coordinator.New(f, jobs,
		coordinator.WithWorkers(cfg.Workers),
		coordinator.WithLogger(logger))
	summary, err := coord.Run(ctx, handle)
	if ferr := finish(); ferr != nil {
		err = errors.Join(err, fmt.Errorf("writing results: %w", ferr))
	}

	if cfg.MetricsFile != "" {
		if werr := recorder.WriteFile(cfg.MetricsFile); werr != nil {
			logger.Error("failed to write metrics", "error", werr)
		}
	}

	logger.Info("run complete",
		"queries", summary.Jobs,
		"items", summary.Items,
		"failures", summary.Failures,
		"aborted", summary.Aborted)

	switch {
	case err != nil:
		logger.Error("run failed", "error", err)
		return exitError
	case summary.Failures > 0:
		return exitPartial
	}
	return exitOK
}

// loadConfig loads the configuration and applies command line overrides.
func loadConfig(flags *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return nil, err
	}

	if flags.Changed("mode") {
		cfg.Fetch.Mode = opts.mode
	}
	if flags.Changed("strict") {
		cfg.Fetch.Strict = opts.strict
	}
	if flags.Changed("cache-dir") {
		cfg.Cache.Dir = opts.cacheDir
	}
	if flags.Changed("cache-backend") {
		cfg.Cache.Backend = opts.cacheBackend
	}
	if flags.Changed("workers") {
		cfg.Workers = opts.workers
	}

	// Namespaces on the command line replace the configured queries
	if flags.NArg() > 0 {
		params, err := parseParams(opts.params)
		if err != nil {
			return nil, err
		}
		cfg.Queries = nil
		for _, ns := range flags.Args() {
			cfg.Queries = append(cfg.Queries, config.QueryConfig{
				Namespace: ns,
				Start:     opts.start,
				End:       opts.end,
				Params:    params,
			})
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q must be formatted as key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// newRegistry registers every source with a configured endpoint.
func newRegistry(cfg *config.Config) (*fetcher.Registry, error) {
	httpOpts := fetcher.HTTPOptions{
		RetryCount: cfg.HTTP.RetryCount,
		Timeout:    cfg.HTTP.Timeout,
	}

	var srcs []fetcher.Source
	if url := cfg.Sources.GPS.BaseURL; url != "" {
		srcs = append(srcs, gps.New(url, httpOpts))
	}
	if url := cfg.Sources.Groundwater.BaseURL; url != "" {
		srcs = append(srcs, groundwater.New(url, httpOpts))
	}
	return fetcher.NewRegistry(srcs...)
}

func newFetcher(cfg *config.Config, store cache.Store, registry *fetcher.Registry, m fetcher.Metrics, logger *slog.Logger) *fetcher.Fetcher {
	limiter := ratelimit.Unlimited()
	for _, rl := range cfg.Fetch.RateLimits {
		limiter.Set(rl.Namespace, rl.PerSecond, rl.Burst)
	}

	return fetcher.New(store, registry,
		fetcher.WithLogger(logger),
		fetcher.WithMetrics(m),
		fetcher.WithLimiter(limiter),
		fetcher.WithRetry(cfg.Fetch.MaxRetries, cfg.Fetch.RetryWait, cfg.Fetch.MaxRetryWait),
		fetcher.WithBreaker(cfg.Fetch.Breaker.Failures, cfg.Fetch.Breaker.Timeout))
}

// buildJobs turns the configured queries into coordinator jobs. A mode
// given on the command line wins over per-query modes.
func buildJobs(cfg *config.Config, modeFlag string) ([]coordinator.Job, error) {
	jobs := make([]coordinator.Job, 0, len(cfg.Queries))
	for i, qc := range cfg.Queries {
		q, err := qc.Build()
		if err != nil {
			return nil, fmt.Errorf("queries[%d]: %w", i, err)
		}

		mode := cfg.Mode()
		if qc.Mode != "" && modeFlag == "" {
			if mode, err = fetcher.ParseMode(qc.Mode); err != nil {
				return nil, fmt.Errorf("queries[%d]: %w", i, err)
			}
		}

		jobs = append(jobs, coordinator.Job{
			Name:   qc.Name,
			Query:  q,
			Mode:   mode,
			Strict: cfg.Fetch.Strict,
		})
	}
	return jobs, nil
}

// newHandler returns the result handler for an output format and a
// function that flushes it and reports write errors.
func newHandler(format string, w io.Writer) (coordinator.Handler, func() error, error) {
	switch format {
	case "text":
		return coordinator.TextHandler(w), func() error { return nil }, nil
	case "json":
		rw := coordinator.NewRecordWriter(json.NewEncoder(w))
		return rw.Handle, rw.Err, nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		rw := coordinator.NewRecordWriter(enc)
		return rw.Handle, func() error { return errors.Join(rw.Err(), enc.Close()) }, nil
	case "cbor":
		rw := coordinator.NewRecordWriter(codec.NewEncoder(w))
		return rw.Handle, rw.Err, nil
	default:
		return nil, nil, fmt.Errorf("unknown output format %q", format)
	}
}
