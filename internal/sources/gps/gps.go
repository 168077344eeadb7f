// Package gps reads daily GPS station position time series published by
// the Nevada Geodetic Laboratory in the tenv3 format. One item is one
// station; its payload is the station's complete tenv3 file, so a cached
// file serves every later time window.
package gps

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"resty.dev/v3"

	"github.com/MITHaystack/scikit-dataaccess/internal/fetcher"
	"github.com/MITHaystack/scikit-dataaccess/internal/sources"
	"github.com/MITHaystack/scikit-dataaccess/internal/wrapper"
)

// Namespace is the namespace the source registers under.
const Namespace = "geo.ngl_gps"

// ParamMinCoverage drops stations whose share of days with a solution in
// the query window is below the given ratio.
const ParamMinCoverage = "min_coverage"

// tenv3 column positions
const (
	colSite   = 0
	colMJD    = 3
	colE0     = 7
	colEast   = 8
	colN0     = 9
	colNorth  = 10
	colU0     = 11
	colUp     = 12
	colSigE   = 14
	colSigN   = 15
	colSigU   = 16
	colLat    = 20
	colLon    = 21
	colHeight = 22
	numCols   = 23
)

var mjdEpoch = time.Date(1858, 11, 17, 0, 0, 0, 0, time.UTC)

// Source fetches NGL tenv3 station files.
type Source struct {
	client *resty.Client
}

// New creates a GPS source reading from baseURL, e.g.
// http://geodesy.unr.edu/gps_timeseries/tenv3/IGS14.
func New(baseURL string, opts fetcher.HTTPOptions) *Source {
	client := fetcher.NewHTTPClient(baseURL, opts).
		SetHeader("Accept", "text/plain")

	return &Source{client: client}
}

// Namespace implements fetcher.Source.
func (s *Source) Namespace() string { return Namespace }

// Resolve expands a query into one item per station of the required
// stations parameter. The time window, box and coverage filters are
// carried on every item and applied by Parse.
func (s *Source) Resolve(q fetcher.Query) ([]fetcher.Item, error) {
	stations := sources.Stations(q)
	if len(stations) == 0 {
		return nil, fetcher.NewQueryError(sources.ParamStations, "gps queries need a stations list")
	}
	for _, st := range stations {
		if !validStation(st) {
			return nil, fetcher.NewQueryError(sources.ParamStations, fmt.Sprintf("invalid station %q", st))
		}
	}
	if _, err := sources.Ratio(q, ParamMinCoverage, 0); err != nil {
		return nil, fetcher.NewQueryError(ParamMinCoverage, err.Error())
	}

	params := sources.FilterParams(q, ParamMinCoverage)
	delete(params, sources.ParamStations)
	if q.HasTimeRange() {
		params[sources.ParamStart] = q.Start().Format(time.RFC3339)
		params[sources.ParamEnd] = q.End().Format(time.RFC3339)
	}

	items := make([]fetcher.Item, 0, len(stations))
	for _, st := range stations {
		items = append(items, fetcher.NewItem(Namespace, st, time.Time{}, params))
	}
	return items, nil
}

func validStation(s string) bool {
	if s == "" || len(s) > 9 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Fetch downloads the tenv3 file of one station.
func (s *Source) Fetch(ctx context.Context, item fetcher.Item) ([]byte, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetPathParam("station", item.Name()).
		Get("/{station}.tenv3")

	if err := fetcher.ResponseError(resp, err); err != nil {
		return nil, err
	}
	return resp.Bytes(), nil
}

type solution struct {
	at               time.Time
	east, north, up  float64
	sigE, sigN, sigU float64
	lat, lon, height float64
}

// Parse builds the dN, dE and dU displacement series of the station, in
// meters relative to its first solution, with their standard deviations as
// errors. Solutions outside the item's time window are dropped.
func (s *Source) Parse(item fetcher.Item, payload []byte) (*wrapper.Wrapper, error) {
	rows, err := parseTenv3(item.Name(), payload)
	if err != nil {
		return nil, fetcher.NewParseError(item.ID(), "invalid tenv3 file", err)
	}
	if len(rows) == 0 {
		return nil, fetcher.NewParseError(item.ID(), "tenv3 file has no solutions", nil)
	}

	start, end, windowed, err := window(item)
	if err != nil {
		return nil, fetcher.NewParseError(item.ID(), "bad parameter", err)
	}
	box, hasBox, err := sources.DecodeBox(item)
	if err != nil {
		return nil, fetcher.NewParseError(item.ID(), "bad parameter", err)
	}
	minCoverage, err := sources.Ratio(item, ParamMinCoverage, 0)
	if err != nil {
		return nil, fetcher.NewParseError(item.ID(), "bad parameter", err)
	}

	ref := rows[0]
	last := rows[len(rows)-1]
	lon := sources.NormalizeLon(last.lon)

	b := wrapper.NewBuilder(item.ID()).
		Meta("station", item.Name()).
		Meta("lat", strconv.FormatFloat(last.lat, 'f', -1, 64)).
		Meta("lon", strconv.FormatFloat(lon, 'f', -1, 64)).
		Meta("height", strconv.FormatFloat(last.height, 'f', -1, 64))

	if hasBox && !box.Contains(last.lat, lon) {
		return b.Meta("excluded", "outside box").Build()
	}

	var index []time.Time
	var dN, dE, dU, sN, sE, sU []float64
	for _, r := range rows {
		if windowed && (r.at.Before(start) || r.at.After(end)) {
			continue
		}
		index = append(index, r.at)
		dN = append(dN, r.north-ref.north)
		dE = append(dE, r.east-ref.east)
		dU = append(dU, r.up-ref.up)
		sN = append(sN, r.sigN)
		sE = append(sE, r.sigE)
		sU = append(sU, r.sigU)
	}

	if windowed {
		days := int(end.Sub(start)/(24*time.Hour)) + 1
		coverage := float64(len(index)) / float64(days)
		b.Meta("coverage", strconv.FormatFloat(coverage, 'f', 3, 64))
		if coverage < minCoverage {
			return b.Meta("excluded", "insufficient coverage").Build()
		}
	}

	w, err := b.
		Add(wrapper.Series{Name: "dN", Units: "m", Index: index, Values: dN, Errors: sN}).
		Add(wrapper.Series{Name: "dE", Units: "m", Index: index, Values: dE, Errors: sE}).
		Add(wrapper.Series{Name: "dU", Units: "m", Index: index, Values: dU, Errors: sU}).
		Build()
	if err != nil {
		return nil, fetcher.NewParseError(item.ID(), "invalid solutions", err)
	}
	return w, nil
}

func window(item fetcher.Item) (start, end time.Time, ok bool, err error) {
	rawStart, hasStart := item.Param(sources.ParamStart)
	rawEnd, hasEnd := item.Param(sources.ParamEnd)
	if !hasStart || !hasEnd {
		return time.Time{}, time.Time{}, false, nil
	}
	if start, err = time.Parse(time.RFC3339, rawStart); err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	if end, err = time.Parse(time.RFC3339, rawEnd); err != nil {
		return time.Time{}, time.Time{}, false, err
	}
	return start, end, true, nil
}

// parseTenv3 reads the rows of a tenv3 file in file order. Full positions
// are the sum of the integer reference and the fractional column.
func parseTenv3(station string, payload []byte) ([]solution, error) {
	var rows []solution
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[colSite] == "site" {
			continue
		}
		if len(fields) < numCols {
			return nil, fmt.Errorf("line %d: %d columns, want %d", line, len(fields), numCols)
		}
		if !strings.EqualFold(fields[colSite], station) {
			return nil, fmt.Errorf("line %d: station %s in file of %s", line, fields[colSite], station)
		}

		var v [numCols]float64
		for _, col := range []int{colMJD, colE0, colEast, colN0, colNorth, colU0, colUp,
			colSigE, colSigN, colSigU, colLat, colLon, colHeight} {
			f, err := strconv.ParseFloat(fields[col], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, col+1, err)
			}
			v[col] = f
		}

		rows = append(rows, solution{
			at:     mjdEpoch.AddDate(0, 0, int(v[colMJD])),
			east:   v[colE0] + v[colEast],
			north:  v[colN0] + v[colNorth],
			up:     v[colU0] + v[colUp],
			sigE:   v[colSigE],
			sigN:   v[colSigN],
			sigU:   v[colSigU],
			lat:    v[colLat],
			lon:    v[colLon],
			height: v[colHeight],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
