package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/MITHaystack/scikit-dataaccess/internal/fetcher"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SKDACCESS"

// DefaultGPSBaseURL is the Nevada Geodetic Laboratory tenv3 archive.
const DefaultGPSBaseURL = "http://geodesy.unr.edu/gps_timeseries/tenv3/IGS14"

// QueryConfig describes one query to run.
type QueryConfig struct {
	Name      string            `mapstructure:"name"`
	Namespace string            `mapstructure:"namespace" validate:"required"`
	Start     string            `mapstructure:"start" validate:"required_with=End"`
	End       string            `mapstructure:"end" validate:"required_with=Start"`
	Box       *fetcher.Box      `mapstructure:"box" validate:"omitempty"`
	Params    map[string]string `mapstructure:"params"`
	// Mode overrides fetch.mode for this query.
	Mode string `mapstructure:"mode" validate:"omitempty,oneof=local_download cache online_stream"`
}

// CacheConfig locates the cache store.
type CacheConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=file sqlite memory"`
	Dir     string `mapstructure:"dir" validate:"required_unless=Backend memory"`
}

// BreakerConfig tunes the per-source circuit breaker.
type BreakerConfig struct {
	Failures uint32        `mapstructure:"failures"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RateLimit caps the request rate of one source namespace.
type RateLimit struct {
	Namespace string  `mapstructure:"namespace" validate:"required"`
	PerSecond float64 `mapstructure:"per_second" validate:"gt=0"`
	Burst     int     `mapstructure:"burst" validate:"gte=0"`
}

// FetchConfig holds fetch engine settings.
type FetchConfig struct {
	Mode         string        `mapstructure:"mode" validate:"oneof=local_download cache online_stream"`
	Strict       bool          `mapstructure:"strict"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryWait    time.Duration `mapstructure:"retry_wait" validate:"gte=0"`
	MaxRetryWait time.Duration `mapstructure:"max_retry_wait" validate:"gtefield=RetryWait"`
	RateLimits   []RateLimit   `mapstructure:"rate_limits" validate:"dive"`
	Breaker      BreakerConfig `mapstructure:"breaker"`
}

// HTTPConfig tunes the HTTP clients of the sources.
type HTTPConfig struct {
	Timeout    time.Duration `mapstructure:"timeout" validate:"gte=0"`
	RetryCount int           `mapstructure:"retry_count" validate:"gte=0,lte=10"`
}

// SourceConfig holds the endpoint of one source. Sources with an empty base
// URL are not registered.
type SourceConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
}

// SourcesConfig holds per-source settings.
type SourcesConfig struct {
	Groundwater SourceConfig `mapstructure:"groundwater"`
	GPS         SourceConfig `mapstructure:"gps"`
}

// Config holds all configuration for the data access tool.
type Config struct {
	LogLevel    string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	Workers     int    `mapstructure:"workers" validate:"gte=1,lte=64"`
	MetricsFile string `mapstructure:"metrics_file"`

	Cache   CacheConfig   `mapstructure:"cache"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Sources SourcesConfig `mapstructure:"sources"`

	// Queries to run
	Queries []QueryConfig `mapstructure:"queries" validate:"dive"`
}

// Load reads configuration from defaults, an optional config file, an
// optional .env file and environment variables, in increasing order of
// precedence. An empty configFile searches for config.yaml in the current
// directory and in $HOME/.scikit-dataaccess.
//
// Recognized environment variables:
//   - SKDACCESS_LOG_LEVEL
//   - SKDACCESS_WORKERS
//   - SKDACCESS_METRICS_FILE
//   - SKDACCESS_CACHE_BACKEND, SKDACCESS_CACHE_DIR
//   - SKDACCESS_FETCH_MODE, SKDACCESS_FETCH_STRICT, SKDACCESS_FETCH_MAX_RETRIES
//   - SKDACCESS_HTTP_TIMEOUT, SKDACCESS_HTTP_RETRY_COUNT
//   - SKDACCESS_GROUNDWATER_BASE_URL, SKDACCESS_GPS_BASE_URL
func Load(configFile string) (*Config, error) {
	// .env is optional; variables already in the environment win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.scikit-dataaccess")

		// Read config file (ignore if not found)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Source URLs read better without the "sources" segment
	v.BindEnv("sources.groundwater.base_url", EnvPrefix+"_GROUNDWATER_BASE_URL")
	v.BindEnv("sources.gps.base_url", EnvPrefix+"_GPS_BASE_URL")

	// Unmarshal config into struct (handles both simple and complex fields)
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("workers", 4)
	v.SetDefault("metrics_file", "")

	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.dir", defaultCacheDir())

	v.SetDefault("fetch.mode", string(fetcher.DefaultMode))
	v.SetDefault("fetch.strict", false)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.retry_wait", fetcher.DefaultRetryWait)
	v.SetDefault("fetch.max_retry_wait", fetcher.DefaultMaxRetryWait)
	v.SetDefault("fetch.breaker.failures", fetcher.DefaultBreakerFailures)
	v.SetDefault("fetch.breaker.timeout", fetcher.DefaultBreakerTimeout)

	v.SetDefault("http.timeout", fetcher.DefaultHTTPTimeout)
	v.SetDefault("http.retry_count", fetcher.DefaultRetryCount)

	v.SetDefault("sources.groundwater.base_url", "")
	v.SetDefault("sources.gps.base_url", DefaultGPSBaseURL)
}

// defaultCacheDir places the cache under the user cache directory, falling
// back to the working directory when the platform has none.
func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "scikit-dataaccess")
	}
	return ".skdaccess-cache"
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that every query can be built.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for i, q := range c.Queries {
		if _, err := q.Build(); err != nil {
			return fmt.Errorf("invalid configuration: queries[%d]: %w", i, err)
		}
	}
	return nil
}

// Mode returns the configured default fetch mode.
func (c *Config) Mode() fetcher.Mode {
	mode, err := fetcher.ParseMode(c.Fetch.Mode)
	if err != nil {
		return fetcher.DefaultMode
	}
	return mode
}

// Build converts the query configuration into a validated query.
func (q QueryConfig) Build() (fetcher.Query, error) {
	opts := []fetcher.QueryOption{fetcher.WithParams(q.Params)}

	if q.Start != "" || q.End != "" {
		start, err := ParseTime(q.Start)
		if err != nil {
			return fetcher.Query{}, fetcher.NewQueryError("start", err.Error())
		}
		end, err := ParseTime(q.End)
		if err != nil {
			return fetcher.Query{}, fetcher.NewQueryError("end", err.Error())
		}
		opts = append(opts, fetcher.WithTimeRange(start, end))
	}
	if q.Box != nil {
		opts = append(opts, fetcher.WithBox(*q.Box))
	}

	return fetcher.NewQuery(q.Namespace, opts...)
}

// ParseTime accepts a date (2006-01-02) or an RFC 3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t.UTC(), nil
}
