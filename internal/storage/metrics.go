package storage

import (
	"context"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// RegisterPoolMetrics registers observable gauges for connection pool health.
// Call once after telemetry.Init; with OTel disabled the callbacks are no-ops.
func (db *DB) RegisterPoolMetrics() {
	meter := otel.GetMeterProvider().Meter("factline/storage")

	totalConns, err1 := meter.Int64ObservableGauge("db.pool.connections_total")
	idleConns, err2 := meter.Int64ObservableGauge("db.pool.connections_idle")
	acquiredConns, err3 := meter.Int64ObservableGauge("db.pool.connections_acquired")
	if err1 != nil || err2 != nil || err3 != nil {
		db.logger.Warn("failed to create pool metric instruments")
		return
	}

	_, err := meter.RegisterCallback(
		func(_ context.Context, o otelmetric.Observer) error {
			stat := db.pool.Stat()
			o.ObserveInt64(totalConns, int64(stat.TotalConns()))
			o.ObserveInt64(idleConns, int64(stat.IdleConns()))
			o.ObserveInt64(acquiredConns, int64(stat.AcquiredConns()))
			return nil
		},
		totalConns, idleConns, acquiredConns,
	)
	if err != nil {
		db.logger.Warn("failed to register pool metrics callback", "error", err)
	}
}
