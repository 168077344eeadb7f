package gps

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MITHaystack/scikit-dataaccess/internal/fetcher"
	"github.com/MITHaystack/scikit-dataaccess/internal/testutil"
)

const header = "site YYMMMDD yyyy.yyyy __MJD week d reflon _e0(m) __east(m) ____n0(m) _north(m) u0(m) ____up(m) " +
	"_ant(m) sig_e(m) sig_n(m) sig_u(m) __corr_en __corr_eu __corr_nu _latitude(deg) _longitude(deg) __height(m)"

// mjd2020 is the modified Julian date of 2020-01-01.
const mjd2020 = 58849

func row(station string, day int, east, north, up float64) string {
	return fmt.Sprintf("%s 20JAN%02d 2020.%04d %d 2086 3 -111.2 -1032 %.6f 4612345 %.6f 2016 %.6f 0.0000 0.000800 0.000900 0.003500 0.050 -0.020 -0.010 41.6925 -111.2361 2016.3",
		station, day, day, mjd2020+day-1, east, north, up)
}

func tenv3(rows ...string) []byte {
	return []byte(header + "\n" + strings.Join(rows, "\n") + "\n")
}

var p101 = tenv3(
	row("P101", 1, 0.500, 0.250, 0.100),
	row("P101", 2, 0.502, 0.251, 0.097),
	row("P101", 4, 0.504, 0.253, 0.105),
)

func resolve(t *testing.T, opts ...fetcher.QueryOption) []fetcher.Item {
	t.Helper()
	q, err := fetcher.NewQuery(Namespace, opts...)
	require.NoError(t, err)
	items, err := New("http://localhost", fetcher.HTTPOptions{}).Resolve(q)
	require.NoError(t, err)
	return items
}

func TestResolve(t *testing.T) {
	items := resolve(t,
		fetcher.WithParam("stations", "p102,P101"),
		fetcher.WithTimeRange(testutil.Day(2), testutil.Day(4)))

	require.Len(t, items, 2)
	assert.Equal(t, "geo.ngl_gps:P101", items[0].ID())
	assert.Equal(t, "geo.ngl_gps:P102", items[1].ID())

	start, ok := items[0].Param("start")
	assert.True(t, ok)
	assert.Equal(t, "2020-01-02T00:00:00Z", start)
	_, ok = items[0].Param("stations")
	assert.False(t, ok, "the station is the item itself")
}

func TestResolve_Errors(t *testing.T) {
	src := New("http://localhost", fetcher.HTTPOptions{})

	tests := []struct {
		name  string
		opts  []fetcher.QueryOption
		field string
	}{
		{"no stations", nil, "stations"},
		{"path in station", []fetcher.QueryOption{fetcher.WithParam("stations", "P101,../P102")}, "stations"},
		{"bad coverage", []fetcher.QueryOption{
			fetcher.WithParam("stations", "P101"),
			fetcher.WithParam(ParamMinCoverage, "1.5"),
		}, ParamMinCoverage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := fetcher.NewQuery(Namespace, tt.opts...)
			require.NoError(t, err)

			_, err = src.Resolve(q)
			var qe *fetcher.QueryError
			require.ErrorAs(t, err, &qe)
			assert.Equal(t, tt.field, qe.Field)
		})
	}
}

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/P101.tenv3" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write(p101)
	}))
	defer server.Close()

	src := New(server.URL, fetcher.HTTPOptions{})
	items := resolve(t, fetcher.WithParam("stations", "P101,P999"))

	payload, err := src.Fetch(context.Background(), items[0])
	require.NoError(t, err)
	assert.Equal(t, p101, payload)

	_, err = src.Fetch(context.Background(), items[1])
	var fe *fetcher.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fetcher.ErrorTypeNotFound, fe.Type)
	assert.False(t, fe.Retryable)
}

func TestParse(t *testing.T) {
	src := New("http://localhost", fetcher.HTTPOptions{})
	item := resolve(t, fetcher.WithParam("stations", "P101"))[0]

	w, err := src.Parse(item, p101)
	require.NoError(t, err)

	assert.Equal(t, []string{"dN", "dE", "dU"}, w.Names())

	dN, _ := w.Lookup("dN")
	require.Equal(t, 3, dN.Len())
	assert.InDelta(t, 0.0, dN.Values[0], 1e-6)
	assert.InDelta(t, 0.001, dN.Values[1], 1e-6)
	assert.InDelta(t, 0.003, dN.Values[2], 1e-6)
	assert.Equal(t, []float64{0.0009, 0.0009, 0.0009}, dN.Errors)
	assert.Equal(t, "m", dN.Units)

	dE, _ := w.Lookup("dE")
	assert.InDelta(t, 0.002, dE.Values[1], 1e-6)

	dU, _ := w.Lookup("dU")
	assert.InDelta(t, -0.003, dU.Values[1], 1e-6)
	assert.InDelta(t, 0.005, dU.Values[2], 1e-6)

	assert.True(t, dN.Index[0].Equal(testutil.Day(1)))
	assert.True(t, dN.Index[2].Equal(testutil.Day(4)))

	station, _ := w.Meta("station")
	assert.Equal(t, "P101", station)
	lat, _ := w.Meta("lat")
	assert.Equal(t, "41.6925", lat)
}

func TestParse_Window(t *testing.T) {
	src := New("http://localhost", fetcher.HTTPOptions{})

	item := resolve(t,
		fetcher.WithParam("stations", "P101"),
		fetcher.WithTimeRange(testutil.Day(2), testutil.Day(4)))[0]

	w, err := src.Parse(item, p101)
	require.NoError(t, err)

	dN, _ := w.Lookup("dN")
	require.Equal(t, 2, dN.Len())
	assert.True(t, dN.Index[0].Equal(testutil.Day(2)))
	// Displacements stay relative to the first solution of the file
	assert.InDelta(t, 0.001, dN.Values[0], 1e-6)

	coverage, _ := w.Meta("coverage")
	assert.Equal(t, "0.667", coverage)
}

func TestParse_Exclusions(t *testing.T) {
	src := New("http://localhost", fetcher.HTTPOptions{})

	tests := []struct {
		name   string
		opts   []fetcher.QueryOption
		reason string
	}{
		{
			name: "insufficient coverage",
			opts: []fetcher.QueryOption{
				fetcher.WithTimeRange(testutil.Day(1), testutil.Day(10)),
				fetcher.WithParam(ParamMinCoverage, "0.7"),
			},
			reason: "insufficient coverage",
		},
		{
			name:   "outside box",
			opts:   []fetcher.QueryOption{fetcher.WithBox(fetcher.Box{MinLat: 30, MaxLat: 35, MinLon: -120, MaxLon: -110})},
			reason: "outside box",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]fetcher.QueryOption{fetcher.WithParam("stations", "P101")}, tt.opts...)
			w, err := src.Parse(resolve(t, opts...)[0], p101)
			require.NoError(t, err)

			assert.Equal(t, 0, w.Len())
			reason, _ := w.Meta("excluded")
			assert.Equal(t, tt.reason, reason)
		})
	}

	inside := resolve(t,
		fetcher.WithParam("stations", "P101"),
		fetcher.WithBox(fetcher.Box{MinLat: 40, MaxLat: 42, MinLon: -112, MaxLon: -111}))[0]
	w, err := src.Parse(inside, p101)
	require.NoError(t, err)
	assert.Equal(t, 3, w.Len())
}

func TestParse_Malformed(t *testing.T) {
	src := New("http://localhost", fetcher.HTTPOptions{})
	item := resolve(t, fetcher.WithParam("stations", "P101"))[0]

	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty file", []byte(header + "\n")},
		{"short row", tenv3("P101 20JAN01 2020.0000 58849")},
		{"other station", tenv3(row("P102", 1, 0.5, 0.25, 0.1))},
		{"bad number", tenv3(strings.Replace(row("P101", 1, 0.5, 0.25, 0.1), "41.6925", "north", 1))},
		{"html", []byte("<html><body>Not Found</body></html>")},
		{"out of order", tenv3(row("P101", 2, 0.5, 0.25, 0.1), row("P101", 1, 0.5, 0.25, 0.1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := src.Parse(item, tt.payload)
			var pe *fetcher.ParseError
			assert.ErrorAs(t, err, &pe)
		})
	}
}

func TestMJDEpoch(t *testing.T) {
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), mjdEpoch.AddDate(0, 0, mjd2020))
}
