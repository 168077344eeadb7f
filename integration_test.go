package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MITHaystack/scikit-dataaccess/internal/cache"
	"github.com/MITHaystack/scikit-dataaccess/internal/coordinator"
)

// harness runs the command against mock archives with an isolated
// configuration and cache directory.
type harness struct {
	t        *testing.T
	cacheDir string

	groundwaterCalls atomic.Int64
	gpsCalls         atomic.Int64
	missingDay       atomic.Value
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, cacheDir: filepath.Join(t.TempDir(), "cache")}
	h.missingDay.Store("")

	// Create mock groundwater archive
	groundwater := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.groundwaterCalls.Add(1)
		date := r.URL.Query().Get("date")
		if date == h.missingDay.Load().(string) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"date": %q, "stations": [{"id": "W1", "lat": 36.5, "lon": -119.5, "altitude": 100, "water_depth": 12.5}]}`, date)
	}))
	t.Cleanup(groundwater.Close)

	// Create mock NGL archive
	gps := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.gpsCalls.Add(1)
		if r.URL.Path != "/P101.tenv3" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(tenv3P101))
	}))
	t.Cleanup(gps.Close)

	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SKDACCESS_LOG_LEVEL", "error")
	t.Setenv("SKDACCESS_HTTP_RETRY_COUNT", "0")
	t.Setenv("SKDACCESS_GROUNDWATER_BASE_URL", groundwater.URL)
	t.Setenv("SKDACCESS_GPS_BASE_URL", gps.URL)
	return h
}

func (h *harness) run(args ...string) (string, int) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	args = append(args, "--cache-dir", h.cacheDir)
	code := run(context.Background(), args, &stdout, &stderr)
	if code == exitError {
		h.t.Logf("stderr: %s", stderr.String())
	}
	return stdout.String(), code
}

const tenv3P101 = `site YYMMMDD yyyy.yyyy __MJD week d reflon _e0(m) __east(m) ____n0(m) _north(m) u0(m) ____up(m) _ant(m) sig_e(m) sig_n(m) sig_u(m) __corr_en __corr_eu __corr_nu _latitude(deg) _longitude(deg) __height(m)
P101 20JAN01 2020.0014 58849 2086 3 -111.2 -1032 0.500000 4612345 0.250000 2016 0.100000 0.0000 0.000800 0.000900 0.003500 0.050 -0.020 -0.010 41.6925 -111.2361 2016.3
P101 20JAN02 2020.0041 58850 2086 4 -111.2 -1032 0.502000 4612345 0.251000 2016 0.097000 0.0000 0.000800 0.000900 0.003500 0.050 -0.020 -0.010 41.6925 -111.2361 2016.3
P101 20JAN03 2020.0068 58851 2086 5 -111.2 -1032 0.501000 4612345 0.252000 2016 0.099000 0.0000 0.000800 0.000900 0.003500 0.050 -0.020 -0.010 41.6925 -111.2361 2016.3
P101 20JAN04 2020.0096 58852 2086 6 -111.2 -1032 0.504000 4612345 0.253000 2016 0.105000 0.0000 0.000800 0.000900 0.003500 0.050 -0.020 -0.010 41.6925 -111.2361 2016.3
`

func days(from, to int) []string {
	return []string{
		"geo.groundwater",
		"--start", fmt.Sprintf("2020-01-%02d", from),
		"--end", fmt.Sprintf("2020-01-%02d", to),
	}
}

func wellLines(ds ...int) string {
	var b strings.Builder
	for _, d := range ds {
		fmt.Fprintf(&b, "geo.groundwater:2020-01-%02d: 1 series (W1)\n", d)
	}
	return b.String()
}

// TestIntegration_DownloadThenCache covers a first pass that downloads every
// item, a second pass served entirely from the cache, a cache-only pass
// that reports misses without touching the source, and a streaming pass
// that always goes to the source.
func TestIntegration_DownloadThenCache(t *testing.T) {
	h := newHarness(t)
	metricsFile := filepath.Join(t.TempDir(), "skdaccess.prom")
	t.Setenv("SKDACCESS_METRICS_FILE", metricsFile)

	out, code := h.run(days(1, 3)...)
	if code != exitOK {
		t.Fatalf("first run exit code = %d, want %d", code, exitOK)
	}
	if out != wellLines(1, 2, 3) {
		t.Errorf("first run output =\n%s\nwant\n%s", out, wellLines(1, 2, 3))
	}
	if got := h.groundwaterCalls.Load(); got != 3 {
		t.Errorf("source calls after first run = %d, want 3", got)
	}

	store, err := cache.Open(cache.Config{Backend: cache.BackendFile, Dir: h.cacheDir})
	if err != nil {
		t.Fatalf("cache.Open() error = %v", err)
	}
	for d := 1; d <= 3; d++ {
		id := fmt.Sprintf("geo.groundwater:2020-01-%02d", d)
		if ok, err := store.Has(context.Background(), id); err != nil || !ok {
			t.Errorf("Has(%s) = %v, %v, want true", id, ok, err)
		}
	}
	store.Close()

	out, code = h.run(days(1, 3)...)
	if code != exitOK || out != wellLines(1, 2, 3) {
		t.Errorf("second run = %d\n%s", code, out)
	}
	if got := h.groundwaterCalls.Load(); got != 3 {
		t.Errorf("source calls after second run = %d, want 3", got)
	}

	out, code = h.run(append(days(3, 4), "--mode", "cache")...)
	if code != exitPartial {
		t.Errorf("cache run exit code = %d, want %d", code, exitPartial)
	}
	want := wellLines(3) + "geo.groundwater:2020-01-04: ERROR - cache miss for geo.groundwater:2020-01-04\n"
	if out != want {
		t.Errorf("cache run output =\n%s\nwant\n%s", out, want)
	}
	if got := h.groundwaterCalls.Load(); got != 3 {
		t.Errorf("source calls after cache run = %d, want 3", got)
	}

	if _, code = h.run(append(days(1, 3), "--mode", "online_stream")...); code != exitOK {
		t.Errorf("streaming run exit code = %d, want %d", code, exitOK)
	}
	if got := h.groundwaterCalls.Load(); got != 6 {
		t.Errorf("source calls after streaming run = %d, want 6", got)
	}

	data, err := os.ReadFile(metricsFile)
	if err != nil {
		t.Fatalf("metrics file not written: %v", err)
	}
	if !strings.Contains(string(data), `skdaccess_fetch_downloads_total{namespace="geo.groundwater"} 3`) {
		t.Errorf("metrics file does not count the streaming downloads:\n%s", data)
	}
}

func TestIntegration_FailedItemDoesNotStopPass(t *testing.T) {
	h := newHarness(t)
	h.missingDay.Store("2020-01-02")

	out, code := h.run(days(1, 3)...)
	if code != exitPartial {
		t.Errorf("exit code = %d, want %d", code, exitPartial)
	}
	want := wellLines(1) +
		"geo.groundwater:2020-01-02: ERROR - not_found error (status 404): no data for item\n" +
		wellLines(3)
	if out != want {
		t.Errorf("output =\n%s\nwant\n%s", out, want)
	}

	// Strict passes stop at the failure; earlier items come from the cache
	out, code = h.run(append(days(1, 3), "--strict")...)
	if code != exitError {
		t.Errorf("strict exit code = %d, want %d", code, exitError)
	}
	want = wellLines(1) + "geo.groundwater:2020-01-02: ERROR - not_found error (status 404): no data for item\n"
	if out != want {
		t.Errorf("strict output =\n%s\nwant\n%s", out, want)
	}
	if got := h.groundwaterCalls.Load(); got != 4 {
		t.Errorf("source calls = %d, want 4", got)
	}
}

func TestIntegration_GPSRecords(t *testing.T) {
	h := newHarness(t)

	out, code := h.run("geo.ngl_gps", "-p", "stations=p101", "--start", "2020-01-02", "--end", "2020-01-03", "-o", "json")
	if code != exitOK {
		t.Fatalf("exit code = %d, want %d", code, exitOK)
	}

	var rec coordinator.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("output is not a JSON record: %v\n%s", err, out)
	}
	if rec.ID != "geo.ngl_gps:P101" || rec.Data == nil {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Data.Series) != 3 || rec.Data.Series[0].Name != "dN" || rec.Data.Series[0].Len() != 2 {
		t.Errorf("series = %+v", rec.Data.Series)
	}

	// A different window of the same station is served from the cache
	if _, code := h.run("geo.ngl_gps", "-p", "stations=P101", "--start", "2020-01-01", "--end", "2020-01-04"); code != exitOK {
		t.Errorf("second run exit code = %d, want %d", code, exitOK)
	}
	if got := h.gpsCalls.Load(); got != 1 {
		t.Errorf("source calls = %d, want 1", got)
	}
}

func TestIntegration_SQLiteBackend(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 2; i++ {
		out, code := h.run(append(days(1, 2), "--cache-backend", "sqlite")...)
		if code != exitOK || out != wellLines(1, 2) {
			t.Errorf("run %d = %d\n%s", i, code, out)
		}
	}
	if got := h.groundwaterCalls.Load(); got != 2 {
		t.Errorf("source calls = %d, want 2", got)
	}
	if _, err := os.Stat(filepath.Join(h.cacheDir, "cache.db")); err != nil {
		t.Errorf("sqlite database not created: %v", err)
	}
}

func TestIntegration_ListCheckClear(t *testing.T) {
	h := newHarness(t)

	out, code := h.run("--list")
	if code != exitOK || out != "geo.groundwater\ngeo.ngl_gps\n" {
		t.Errorf("--list = %d\n%s", code, out)
	}

	out, _ = h.run("--check")
	want := fmt.Sprintf("geo.groundwater: %s\ngeo.ngl_gps: %s\n",
		filepath.Join(h.cacheDir, "geo.groundwater"), filepath.Join(h.cacheDir, "geo.ngl_gps"))
	if out != want {
		t.Errorf("--check output =\n%s\nwant\n%s", out, want)
	}

	h.run(days(1, 1)...)
	if _, code := h.run("--clear", "geo.groundwater"); code != exitOK {
		t.Errorf("--clear exit code = %d, want %d", code, exitOK)
	}
	h.run(days(1, 1)...)
	if got := h.groundwaterCalls.Load(); got != 2 {
		t.Errorf("source calls = %d, want 2 after clearing the cache", got)
	}
}

func TestIntegration_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no queries", nil},
		{"unknown source", []string{"geo.unknown"}},
		{"unknown mode", append(days(1, 1), "--mode", "stream")},
		{"unknown output", append(days(1, 1), "-o", "xml")},
		{"one bound", []string{"geo.groundwater", "--start", "2020-01-01"}},
		{"unknown flag", []string{"--verbose"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if _, code := h.run(tt.args...); code != exitError {
				t.Errorf("exit code = %d, want %d", code, exitError)
			}
			if got := h.groundwaterCalls.Load(); got != 0 {
				t.Errorf("source calls = %d, want 0", got)
			}
		})
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"stations=P101,P102", "adjust_heights=true", "empty="})
	if err != nil {
		t.Fatalf("parseParams() returned unexpected error: %v", err)
	}
	if params["stations"] != "P101,P102" || params["adjust_heights"] != "true" || params["empty"] != "" {
		t.Errorf("parseParams() = %v", params)
	}

	for _, bad := range []string{"stations", "=P101"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q) expected error, got nil", bad)
		}
	}
}
