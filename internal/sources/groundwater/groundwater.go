// Package groundwater reads daily groundwater level reports for monitoring
// wells. One item is one UTC day; its payload is the JSON report of every
// station for that day.
package groundwater

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/MITHaystack/scikit-dataaccess/internal/fetcher"
	"github.com/MITHaystack/scikit-dataaccess/internal/sources"
	"github.com/MITHaystack/scikit-dataaccess/internal/wrapper"
)

// Namespace is the namespace the source registers under.
const Namespace = "geo.groundwater"

// ParamAdjustHeights converts depth to water into water height above the
// vertical datum using each station's altitude.
const ParamAdjustHeights = "adjust_heights"

const (
	columnDepth  = "Water Depth"
	columnHeight = "Water Height"
	defaultUnits = "ft"
)

// Report is the daily payload served by the archive.
type Report struct {
	Date     string    `json:"date"`
	Units    string    `json:"units,omitempty"`
	Stations []Reading `json:"stations"`
}

// Reading is one station's measurement. WaterDepth is nil on days the
// station reported nothing.
type Reading struct {
	ID          string   `json:"id"`
	Lat         float64  `json:"lat"`
	Lon         float64  `json:"lon"`
	Altitude    *float64 `json:"altitude,omitempty"`
	WaterDepth  *float64 `json:"water_depth"`
	Uncertainty *float64 `json:"uncertainty,omitempty"`
}

// Source fetches daily groundwater reports.
type Source struct {
	client *resty.Client
}

// New creates a groundwater source reading from baseURL.
func New(baseURL string, opts fetcher.HTTPOptions) *Source {
	client := fetcher.NewHTTPClient(baseURL, opts).
		SetHeader("Accept", "application/json")

	return &Source{client: client}
}

// Namespace implements fetcher.Source.
func (s *Source) Namespace() string { return Namespace }

// Resolve expands a time-bounded query into one item per UTC day, both
// bounds included. The stations, box and adjust_heights filters are carried
// on every item.
func (s *Source) Resolve(q fetcher.Query) ([]fetcher.Item, error) {
	if !q.HasTimeRange() {
		return nil, fetcher.NewQueryError("start", "groundwater queries need a time range")
	}
	if _, err := sources.Flag(q, ParamAdjustHeights); err != nil {
		return nil, fetcher.NewQueryError(ParamAdjustHeights, err.Error())
	}

	params := sources.FilterParams(q, ParamAdjustHeights)

	var items []fetcher.Item
	for day := q.Start().Truncate(24 * time.Hour); !day.After(q.End()); day = day.AddDate(0, 0, 1) {
		items = append(items, fetcher.NewItem(Namespace, day.Format(time.DateOnly), day, params))
	}
	return items, nil
}

// Fetch downloads the report of one day.
func (s *Source) Fetch(ctx context.Context, item fetcher.Item) ([]byte, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("date", item.Name()).
		Get("/daily")

	if err := fetcher.ResponseError(resp, err); err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

// Parse builds one series per selected station, named by the station
// identifier and holding the single measurement of the day.
func (s *Source) Parse(item fetcher.Item, payload []byte) (*wrapper.Wrapper, error) {
	var report Report
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, fetcher.NewParseError(item.ID(), "invalid report", err)
	}
	if report.Date != item.Name() {
		return nil, fetcher.NewParseError(item.ID(), fmt.Sprintf("report is for %q", report.Date), nil)
	}

	adjust, err := sources.Flag(item, ParamAdjustHeights)
	if err != nil {
		return nil, fetcher.NewParseError(item.ID(), "bad parameter", err)
	}
	box, hasBox, err := sources.DecodeBox(item)
	if err != nil {
		return nil, fetcher.NewParseError(item.ID(), "bad parameter", err)
	}
	var stations []string
	if raw, ok := item.Param(sources.ParamStations); ok {
		stations = sources.SplitStations(raw)
	}

	units := report.Units
	if units == "" {
		units = defaultUnits
	}
	column := columnDepth
	if adjust {
		column = columnHeight
	}

	readings := slices.Clone(report.Stations)
	slices.SortFunc(readings, func(a, b Reading) int { return strings.Compare(a.ID, b.ID) })

	b := wrapper.NewBuilder(item.ID()).
		Meta("date", report.Date).
		Meta("column", column).
		Meta("units", units)

	for _, r := range readings {
		id := strings.ToUpper(r.ID)
		if r.WaterDepth == nil {
			continue
		}
		if stations != nil {
			if _, found := slices.BinarySearch(stations, id); !found {
				continue
			}
		}
		lon := sources.NormalizeLon(r.Lon)
		if hasBox && !box.Contains(r.Lat, lon) {
			continue
		}

		value := *r.WaterDepth
		labels := map[string]string{
			"lat": strconv.FormatFloat(r.Lat, 'g', -1, 64),
			"lon": strconv.FormatFloat(lon, 'g', -1, 64),
		}
		if r.Altitude != nil {
			labels["altitude"] = strconv.FormatFloat(*r.Altitude, 'g', -1, 64)
		}
		if adjust {
			if r.Altitude == nil {
				return nil, fetcher.NewParseError(item.ID(), fmt.Sprintf("station %s has no altitude", r.ID), nil)
			}
			value = *r.Altitude - value
		}

		series := wrapper.Series{
			Name:   r.ID,
			Units:  units,
			Labels: labels,
			Index:  []time.Time{item.Time()},
			Values: []float64{value},
		}
		if r.Uncertainty != nil {
			series.Errors = []float64{*r.Uncertainty}
		}
		b.Add(series)
	}

	w, err := b.Build()
	if err != nil {
		return nil, fetcher.NewParseError(item.ID(), "invalid report", err)
	}
	return w, nil
}
