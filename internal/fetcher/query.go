package fetcher

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Box is a latitude/longitude selection in decimal degrees.
type Box struct {
	MinLat float64 `mapstructure:"min_lat" validate:"gte=-90,lte=90"`
	MaxLat float64 `mapstructure:"max_lat" validate:"gte=-90,lte=90,gtefield=MinLat"`
	MinLon float64 `mapstructure:"min_lon" validate:"gte=-180,lte=180"`
	MaxLon float64 `mapstructure:"max_lon" validate:"gte=-180,lte=180,gtefield=MinLon"`
}

// Contains reports whether the point lies inside the box, edges included.
func (b Box) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Query selects data from one namespace. It is immutable once built; use
// NewQuery to construct a validated value.
type Query struct {
	namespace string
	start     time.Time
	end       time.Time
	box       *Box
	params    map[string]string
}

// QueryOption configures a Query under construction.
type QueryOption func(*Query)

// WithTimeRange bounds the query to [start, end], both inclusive.
func WithTimeRange(start, end time.Time) QueryOption {
	return func(q *Query) {
		q.start = start.UTC()
		q.end = end.UTC()
	}
}

// WithBox restricts the query to a spatial region.
func WithBox(b Box) QueryOption {
	return func(q *Query) {
		q.box = &b
	}
}

// WithParam adds a source-specific filter. Filters are not interpreted by
// the engine; they are handed to the source's Resolve unchanged.
func WithParam(key, value string) QueryOption {
	return func(q *Query) {
		q.params[key] = value
	}
}

// WithParams adds every entry of params as a source-specific filter.
func WithParams(params map[string]string) QueryOption {
	return func(q *Query) {
		maps.Copy(q.params, params)
	}
}

type queryFields struct {
	Namespace string `mapstructure:"namespace" validate:"required,printascii,excludesall=:/"`
	Box       *Box   `mapstructure:"box" validate:"omitempty"`
}

var queryValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// NewQuery builds and validates a query. Malformed bounds are rejected with
// a *QueryError.
func NewQuery(namespace string, opts ...QueryOption) (Query, error) {
	q := Query{
		namespace: namespace,
		params:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(&q)
	}

	if err := q.validate(); err != nil {
		return Query{}, err
	}
	return q, nil
}

func (q Query) validate() error {
	err := queryValidator.Struct(queryFields{Namespace: q.namespace, Box: q.box})
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return NewQueryError(fe.Field(), fmt.Sprintf("failed %q constraint", fe.Tag()))
		}
		return NewQueryError("", err.Error())
	}

	switch {
	case q.start.IsZero() != q.end.IsZero():
		return NewQueryError("start", "time range needs both start and end")
	case q.start.After(q.end):
		return NewQueryError("start", "must not be after end")
	}
	return nil
}

// Namespace returns the source namespace the query targets.
func (q Query) Namespace() string { return q.namespace }

// HasTimeRange reports whether the query carries time bounds.
func (q Query) HasTimeRange() bool { return !q.start.IsZero() }

// Start returns the inclusive lower time bound, zero when unbounded.
func (q Query) Start() time.Time { return q.start }

// End returns the inclusive upper time bound, zero when unbounded.
func (q Query) End() time.Time { return q.end }

// Box returns the spatial selection, if any.
func (q Query) Box() (Box, bool) {
	if q.box == nil {
		return Box{}, false
	}
	return *q.box, true
}

// Param returns a source-specific filter.
func (q Query) Param(key string) (string, bool) {
	v, ok := q.params[key]
	return v, ok
}

// Params returns a copy of all source-specific filters.
func (q Query) Params() map[string]string {
	return maps.Clone(q.params)
}

// String renders the query canonically; equal queries render identically.
func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.namespace)
	if q.HasTimeRange() {
		fmt.Fprintf(&b, " [%s..%s]", q.start.Format(time.RFC3339), q.end.Format(time.RFC3339))
	}
	if q.box != nil {
		fmt.Fprintf(&b, " box(%g,%g,%g,%g)", q.box.MinLat, q.box.MaxLat, q.box.MinLon, q.box.MaxLon)
	}
	for _, k := range slices.Sorted(maps.Keys(q.params)) {
		fmt.Fprintf(&b, " %s=%s", k, q.params[k])
	}
	return b.String()
}

// Item is the smallest independently fetchable unit resolved from a Query:
// one station-day, one granule, one station file.
type Item struct {
	namespace string
	name      string
	at        time.Time
	params    map[string]string
}

// NewItem creates an item reference. The name must be unique within the
// namespace since it forms the cache identifier.
func NewItem(namespace, name string, at time.Time, params map[string]string) Item {
	return Item{
		namespace: namespace,
		name:      name,
		at:        at.UTC(),
		params:    maps.Clone(params),
	}
}

// ID returns the stable identifier of the item, used as its cache key.
// Format: {namespace}:{name}
func (i Item) ID() string {
	return i.namespace + ":" + i.name
}

// Namespace returns the namespace of the source that resolved the item.
func (i Item) Namespace() string { return i.namespace }

// Name returns the source-specific part of the identifier.
func (i Item) Name() string { return i.name }

// Time returns the natural timestamp of the item, zero when it has none.
func (i Item) Time() time.Time { return i.at }

// Param returns a parameter the source attached during resolution.
func (i Item) Param(key string) (string, bool) {
	v, ok := i.params[key]
	return v, ok
}

func (i Item) String() string { return i.ID() }

// compareItems orders items chronologically, then by identifier.
func compareItems(a, b Item) int {
	if c := a.at.Compare(b.at); c != 0 {
		return c
	}
	return strings.Compare(a.ID(), b.ID())
}
