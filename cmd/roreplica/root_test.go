package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juanpablocruz/roreplica/pkg/metrics"
)

func TestFlagsDefaults(t *testing.T) {
	cmd := rootCmd()
	if err := cmd.ParseFlags([]string{"-vv", "--heartbeat", "250ms", "--name", "Other"}); err != nil {
		t.Fatal(err)
	}
	f := cmd.Flags()
	v, _ := f.GetCount("verbose")
	hb, _ := f.GetDuration("heartbeat")
	name, _ := f.GetString("name")
	url, _ := f.GetString("url")
	assert.Equal(t, v, 2)
	assert.Equal(t, hb, 250*time.Millisecond)
	assert.Equal(t, name, "Other")
	assert.Equal(t, url, "tcp://127.0.0.1:5005")
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, levelFor(0), slog.LevelInfo)
	assert.Equal(t, levelFor(1), slog.LevelDebug)
	assert.Equal(t, levelFor(5), slog.LevelDebug)
}

func TestSimpleTypeIsValid(t *testing.T) {
	d := simpleType()
	if err := d.Validate(); err != nil {
		t.Fatalf("example type: %v", err)
	}
	// calls go out by index, so the slot table must match the source's
	names := make([]string, len(d.Slots))
	for i, s := range d.Slots {
		names[i] = s.Name
	}
	assert.Equal(t, names, []string{"pushI", "reset"})
	assert.Equal(t, len(d.Slots[0].Params), 1)
	assert.Equal(t, len(d.Slots[1].Params), 0)
}

func TestMetricsRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(metrics.WithRegistry(reg))
	m.FrameIn("Init")

	srv := httptest.NewServer(metricsRouter(reg))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	assert.Equal(t, res.StatusCode, http.StatusOK)
	if !strings.Contains(string(body), `roreplica_frames_received_total{kind="Init"} 1`) {
		t.Fatalf("metrics output missing frame counter:\n%s", body)
	}

	res, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	assert.Equal(t, res.StatusCode, http.StatusOK)
}
