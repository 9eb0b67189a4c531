package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/hemsd/hemsd/core/metrics"
	"github.com/hemsd/hemsd/core/model"
)

func TestInfluxSink_RecordRun(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(InfluxConfig{URL: srv.URL, Token: "token", Org: "org", Bucket: "bucket"})
	defer sink.Close()

	now := time.Now()
	rec := metrics.RunRecord{
		RunID:    "run1",
		Trigger:  model.TriggerForceRun,
		RunMode:  "pulse",
		Status:   model.RunSuccess,
		Duration: 42 * time.Second,
		Time:     now,
	}
	if err := sink.RecordRun(rec); err != nil {
		t.Fatalf("record error: %v", err)
	}

	p := write.NewPointWithMeasurement("hemsd_run").
		AddTag("trigger", "force_run").
		AddTag("status", "success").
		AddField("run_id", "run1").
		AddField("run_mode", "pulse").
		AddField("duration_seconds", 42.0).
		SetTime(now)
	expected := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	if got := strings.TrimSpace(body); got != expected {
		t.Errorf("unexpected line protocol:\n got %s\nwant %s", got, expected)
	}
}

func TestInfluxSink_RecordDispatch(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(InfluxConfig{URL: srv.URL, Token: "token", Org: "org", Bucket: "bucket"})
	defer sink.Close()

	now := time.Now()
	rec := metrics.DispatchRecord{
		RunID:      "run1",
		ResourceID: "battery1",
		Kind:       model.DispatchScheduled,
		Status:     model.DispatchSent,
		HTTPStatus: 200,
		Latency:    150 * time.Millisecond,
		Time:       now,
	}
	if err := sink.RecordDispatch(rec); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if !strings.Contains(body, "hemsd_dispatch") || !strings.Contains(body, "resource_id=battery1") {
		t.Errorf("unexpected body: %s", body)
	}
	if !strings.Contains(body, "http_status=200i") {
		t.Errorf("http status missing: %s", body)
	}
}

func TestInfluxSink_FallbackOnBadHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"fail","name":"influxdb"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(InfluxConfig{URL: srv.URL, Token: "token", Org: "org", Bucket: "bucket"})
	if _, ok := sink.(metrics.NopSink); !ok {
		t.Fatalf("expected NopSink fallback, got %T", sink)
	}
}

func TestMultiSink_FanOut(t *testing.T) {
	var calls int
	s1 := recordingSink{calls: &calls}
	s2 := recordingSink{calls: &calls}
	multi := NewMultiSink(s1, s2)

	if err := multi.RecordRun(metrics.RunRecord{}); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

type recordingSink struct{ calls *int }

func (r recordingSink) RecordRun(metrics.RunRecord) error {
	*r.calls++
	return nil
}

func (r recordingSink) RecordDispatch(metrics.DispatchRecord) error {
	*r.calls++
	return nil
}
