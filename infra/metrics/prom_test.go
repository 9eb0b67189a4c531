package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hemsd/hemsd/core/metrics"
	"github.com/hemsd/hemsd/core/model"
)

func TestPromSink_RecordRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSink(reg)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}

	rec := metrics.RunRecord{
		RunID:    "run1",
		Trigger:  model.TriggerForceRun,
		RunMode:  "pulse",
		Status:   model.RunSuccess,
		Duration: 42 * time.Second,
		Time:     time.Now(),
	}
	if err := sink.RecordRun(rec); err != nil {
		t.Fatalf("record error: %v", err)
	}

	expected := `
# HELP hemsd_runs_total Total number of finished runs
# TYPE hemsd_runs_total counter
hemsd_runs_total{status="success",trigger="force_run"} 1
`
	if err := testutil.CollectAndCompare(sink.runs, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
	if c := testutil.CollectAndCount(sink.runDuration); c == 0 {
		t.Errorf("run duration not recorded")
	}
}

func TestPromSink_RecordDispatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSink(reg)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}

	rec := metrics.DispatchRecord{
		RunID:      "run1",
		ResourceID: "battery1",
		Kind:       model.DispatchScheduled,
		Status:     model.DispatchSent,
		HTTPStatus: 200,
		Latency:    150 * time.Millisecond,
		Time:       time.Now(),
	}
	if err := sink.RecordDispatch(rec); err != nil {
		t.Fatalf("record error: %v", err)
	}

	expected := `
# HELP hemsd_dispatch_events_total Total number of terminal dispatch ledger entries
# TYPE hemsd_dispatch_events_total counter
hemsd_dispatch_events_total{kind="scheduled",resource_id="battery1",status="sent"} 1
`
	if err := testutil.CollectAndCompare(sink.dispatches, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
	if c := testutil.CollectAndCount(sink.dispatchLatency); c == 0 {
		t.Errorf("latency not recorded")
	}
}

func TestPromSink_ZeroLatencySkipsHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSink(reg)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	rec := metrics.DispatchRecord{ResourceID: "battery1", Kind: model.DispatchScheduled, Status: model.DispatchSkippedNoTarget}
	if err := sink.RecordDispatch(rec); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if c := testutil.CollectAndCount(sink.dispatchLatency); c != 0 {
		t.Errorf("latency recorded for zero duration")
	}
}

func TestPromSink_DoubleRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPromSink(reg); err != nil {
		t.Fatalf("first sink: %v", err)
	}
	sink, err := NewPromSink(reg)
	if err != nil {
		t.Fatalf("second sink: %v", err)
	}
	if err := sink.RecordRun(metrics.RunRecord{Trigger: model.TriggerAutomatic, Status: model.RunFailed}); err != nil {
		t.Fatalf("record error: %v", err)
	}
}
