package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/hemsd/hemsd/core/metrics"
	"github.com/hemsd/hemsd/infra/logger"
)

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// InfluxSink writes run and dispatch records to InfluxDB.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

var _ metrics.Sink = (*InfluxSink)(nil)

// NewInfluxSink creates a sink for the given InfluxDB endpoint.
func NewInfluxSink(cfg InfluxConfig) *InfluxSink {
	base := strings.TrimSuffix(cfg.URL, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a NopSink
// when the health check fails, so a missing Influx never blocks startup.
func NewInfluxSinkWithFallback(cfg InfluxConfig) metrics.Sink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return metrics.NopSink{}
	}
	return sink
}

// RecordRun writes one run point.
func (s *InfluxSink) RecordRun(rec metrics.RunRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("hemsd_run").
		AddTag("trigger", string(rec.Trigger)).
		AddTag("status", string(rec.Status)).
		AddField("run_id", rec.RunID).
		AddField("run_mode", rec.RunMode).
		AddField("duration_seconds", rec.Duration.Seconds()).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordDispatch writes one dispatch point.
func (s *InfluxSink) RecordDispatch(rec metrics.DispatchRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("hemsd_dispatch").
		AddTag("resource_id", rec.ResourceID).
		AddTag("kind", string(rec.Kind)).
		AddTag("status", string(rec.Status)).
		AddField("run_id", rec.RunID).
		AddField("http_status", rec.HTTPStatus).
		AddField("latency_seconds", rec.Latency.Seconds()).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close shuts down the underlying client.
func (s *InfluxSink) Close() { s.client.Close() }
