package metrics

import "github.com/hemsd/hemsd/core/metrics"

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	sinks []metrics.Sink
}

var _ metrics.Sink = (*MultiSink)(nil)

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...metrics.Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// RecordRun forwards to all sinks, returning the first error encountered.
func (m *MultiSink) RecordRun(rec metrics.RunRecord) error {
	for _, s := range m.sinks {
		if err := s.RecordRun(rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordDispatch forwards to all sinks, returning the first error encountered.
func (m *MultiSink) RecordDispatch(rec metrics.DispatchRecord) error {
	for _, s := range m.sinks {
		if err := s.RecordDispatch(rec); err != nil {
			return err
		}
	}
	return nil
}
