// Package telemetry exposes the metrics-only half of the ambient
// OpenTelemetry setup the pack's services use: no tracer, no OTLP
// exporter wiring here since nothing in this build exports spans or
// pushes metrics off-box, just the meter indirection so driver code can
// record counters against whatever MeterProvider the embedding process
// installs (or the no-op default).
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Meter returns the meter for the given instrumentation scope, mirroring
// the teacher's own Meter(name) accessor.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Counters are the backup-driver instruments recorded during a run.
type Counters struct {
	FilesBackedUp  metric.Int64Counter
	BytesWritten   metric.Int64Counter
	BlocksSkipped  metric.Int64Counter
	WalWaitSeconds metric.Float64Counter
}

// NewCounters registers the backup-driver instrument set against meter.
func NewCounters(meter metric.Meter) (Counters, error) {
	var c Counters
	var err error
	if c.FilesBackedUp, err = meter.Int64Counter("pgbackup.files_backed_up"); err != nil {
		return Counters{}, err
	}
	if c.BytesWritten, err = meter.Int64Counter("pgbackup.bytes_written"); err != nil {
		return Counters{}, err
	}
	if c.BlocksSkipped, err = meter.Int64Counter("pgbackup.blocks_skipped"); err != nil {
		return Counters{}, err
	}
	if c.WalWaitSeconds, err = meter.Float64Counter("pgbackup.wal_wait_seconds"); err != nil {
		return Counters{}, err
	}
	return c, nil
}
