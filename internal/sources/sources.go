// Package sources holds the helpers shared by the reference data sources.
//
// Sources resolve queries into items whose payload depends only on the item
// identifier, so a cached payload can serve any later query that resolves
// to the same item. Query filters that do not change what is downloaded
// (stations, a bounding box, unit conversions) travel with the item as
// parameters and are applied by Parse.
package sources

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/MITHaystack/scikit-dataaccess/internal/fetcher"
)

// Item parameter keys.
const (
	ParamStations = "stations"
	ParamBox      = "box"
	ParamStart    = "start"
	ParamEnd      = "end"
)

// Stations returns the normalized station filter of a query: upper-cased,
// trimmed, de-duplicated and sorted. It is nil when the query has none.
func Stations(q fetcher.Query) []string {
	raw, ok := q.Param(ParamStations)
	if !ok {
		return nil
	}
	return SplitStations(raw)
}

// SplitStations parses a comma separated station list.
func SplitStations(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// EncodeBox renders a box as an item parameter.
func EncodeBox(b fetcher.Box) string {
	parts := []float64{b.MinLat, b.MaxLat, b.MinLon, b.MaxLon}
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = strconv.FormatFloat(p, 'g', -1, 64)
	}
	return strings.Join(strs, ",")
}

// DecodeBox reads the box parameter of an item. ok is false when the item
// carries no box.
func DecodeBox(item fetcher.Item) (box fetcher.Box, ok bool, err error) {
	raw, ok := item.Param(ParamBox)
	if !ok {
		return fetcher.Box{}, false, nil
	}
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return fetcher.Box{}, false, fmt.Errorf("box %q: want 4 values", raw)
	}
	var v [4]float64
	for i, p := range parts {
		if v[i], err = strconv.ParseFloat(p, 64); err != nil {
			return fetcher.Box{}, false, fmt.Errorf("box %q: %w", raw, err)
		}
	}
	return fetcher.Box{MinLat: v[0], MaxLat: v[1], MinLon: v[2], MaxLon: v[3]}, true, nil
}

// FilterParams builds the parameters every item of a query carries: the
// station filter, the box and any extra keys the source passes through.
func FilterParams(q fetcher.Query, passthrough ...string) map[string]string {
	params := make(map[string]string)
	if stations := Stations(q); len(stations) > 0 {
		params[ParamStations] = strings.Join(stations, ",")
	}
	if box, ok := q.Box(); ok {
		params[ParamBox] = EncodeBox(box)
	}
	for _, key := range passthrough {
		if v, ok := q.Param(key); ok {
			params[key] = v
		}
	}
	return params
}

// Flag reads a boolean parameter. Missing parameters are false.
func Flag(params Params, key string) (bool, error) {
	raw, ok := params.Param(key)
	if !ok || raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parameter %s=%q is not a boolean", key, raw)
	}
	return v, nil
}

// Params is implemented by fetcher.Query and fetcher.Item.
type Params interface {
	Param(key string) (string, bool)
}

// Ratio reads a float parameter in [0, 1]. Missing parameters yield def.
func Ratio(params Params, key string, def float64) (float64, error) {
	raw, ok := params.Param(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, fmt.Errorf("parameter %s=%q is not a ratio between 0 and 1", key, raw)
	}
	return v, nil
}

// NormalizeLon maps a longitude into [-180, 180).
func NormalizeLon(lon float64) float64 {
	l := math.Mod(lon+180, 360)
	if l < 0 {
		l += 360
	}
	return l - 180
}
