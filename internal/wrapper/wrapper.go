// Package wrapper holds the source-independent representation of parsed
// data: an ordered set of named series with units and labels, together with
// the identifiers of the items that produced them.
//
// A Wrapper is built once through a Builder and is read-only afterwards.
// Every accessor returns copies so consumers can never mutate a wrapper
// that another consumer also holds.
package wrapper

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Series is one named column of values, optionally indexed by time and
// optionally carrying per-value uncertainties.
type Series struct {
	Name   string            `json:"name" yaml:"name"`
	Units  string            `json:"units,omitempty" yaml:"units,omitempty"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
	Index  []time.Time       `json:"index,omitempty" yaml:"index,omitempty"`
	Values []float64         `json:"values" yaml:"values"`
	Errors []float64         `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Len returns the number of values in the series.
func (s Series) Len() int { return len(s.Values) }

// Label returns a label value.
func (s Series) Label(key string) (string, bool) {
	v, ok := s.Labels[key]
	return v, ok
}

func (s Series) clone() Series {
	return Series{
		Name:   s.Name,
		Units:  s.Units,
		Labels: maps.Clone(s.Labels),
		Index:  slices.Clone(s.Index),
		Values: slices.Clone(s.Values),
		Errors: slices.Clone(s.Errors),
	}
}

func (s Series) check() error {
	if s.Name == "" {
		return errors.New("series name is empty")
	}
	if s.Index != nil && len(s.Index) != len(s.Values) {
		return fmt.Errorf("series %q: index has %d entries for %d values", s.Name, len(s.Index), len(s.Values))
	}
	if s.Errors != nil && len(s.Errors) != len(s.Values) {
		return fmt.Errorf("series %q: %d errors for %d values", s.Name, len(s.Errors), len(s.Values))
	}
	for i := 1; i < len(s.Index); i++ {
		if s.Index[i].Before(s.Index[i-1]) {
			return fmt.Errorf("series %q: index out of order at %d (%s before %s)",
				s.Name, i, s.Index[i].Format(time.RFC3339), s.Index[i-1].Format(time.RFC3339))
		}
	}
	return nil
}

// Wrapper is the parsed data of one or more items.
type Wrapper struct {
	series   []Series
	byName   map[string]int
	metadata map[string]string
	sources  []string
}

// Len returns the number of series.
func (w *Wrapper) Len() int { return len(w.series) }

// Names returns the series names in order.
func (w *Wrapper) Names() []string {
	names := make([]string, len(w.series))
	for i, s := range w.series {
		names[i] = s.Name
	}
	return names
}

// Series returns copies of all series in order.
func (w *Wrapper) Series() []Series {
	out := make([]Series, len(w.series))
	for i, s := range w.series {
		out[i] = s.clone()
	}
	return out
}

// Lookup returns a copy of the named series.
func (w *Wrapper) Lookup(name string) (Series, bool) {
	i, ok := w.byName[name]
	if !ok {
		return Series{}, false
	}
	return w.series[i].clone(), true
}

// Meta returns one metadata value.
func (w *Wrapper) Meta(key string) (string, bool) {
	v, ok := w.metadata[key]
	return v, ok
}

// Metadata returns a copy of the wrapper-level metadata.
func (w *Wrapper) Metadata() map[string]string {
	return maps.Clone(w.metadata)
}

// Sources returns the identifiers of the items the wrapper was built from.
func (w *Wrapper) Sources() []string {
	return slices.Clone(w.sources)
}

// String summarizes the wrapper, e.g. "3 series (dN, dE, dU)".
func (w *Wrapper) String() string {
	return fmt.Sprintf("%d series (%s)", len(w.series), strings.Join(w.Names(), ", "))
}

// View is a serializable snapshot of a wrapper.
type View struct {
	Sources  []string          `json:"sources" yaml:"sources"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Series   []Series          `json:"series" yaml:"series"`
}

// View returns a serializable copy of the wrapper.
func (w *Wrapper) View() View {
	return View{
		Sources:  w.Sources(),
		Metadata: w.Metadata(),
		Series:   w.Series(),
	}
}

// Builder assembles a Wrapper. The first invalid addition is remembered and
// reported by Build.
type Builder struct {
	w   *Wrapper
	err error
}

// NewBuilder starts a wrapper produced from the given item identifiers.
func NewBuilder(sources ...string) *Builder {
	return &Builder{
		w: &Wrapper{
			byName:   make(map[string]int),
			metadata: make(map[string]string),
			sources:  slices.Clone(sources),
		},
	}
}

// Meta sets a wrapper-level metadata value.
func (b *Builder) Meta(key, value string) *Builder {
	if b.err == nil {
		b.w.metadata[key] = value
	}
	return b
}

// Add appends a series. Names must be unique within a wrapper.
func (b *Builder) Add(s Series) *Builder {
	if b.err != nil {
		return b
	}
	if err := s.check(); err != nil {
		b.err = err
		return b
	}
	if _, dup := b.w.byName[s.Name]; dup {
		b.err = fmt.Errorf("duplicate series %q", s.Name)
		return b
	}
	b.w.byName[s.Name] = len(b.w.series)
	b.w.series = append(b.w.series, s.clone())
	return b
}

// Build returns the finished wrapper. The builder must not be used afterwards.
func (b *Builder) Build() (*Wrapper, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.w.sources) == 0 {
		return nil, errors.New("wrapper has no source items")
	}
	w := b.w
	b.w = nil
	b.err = errBuilt
	return w, nil
}

var errBuilt = errors.New("wrapper already built")
