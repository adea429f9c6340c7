package database

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kostush/purchase-gateway-sub005/pkg/database"

// Store systems reported in the db.system span attribute.
const (
	SystemPostgres = "postgresql"
	SystemRedis    = "redis"
)

var slowOps struct {
	mu        sync.RWMutex
	threshold time.Duration
	logger    *slog.Logger
}

// SetSlowOperationLogging logs any traced operation slower than threshold.
// A zero threshold disables it.
func SetSlowOperationLogging(threshold time.Duration, logger *slog.Logger) {
	slowOps.mu.Lock()
	defer slowOps.mu.Unlock()
	slowOps.threshold = threshold
	slowOps.logger = logger
}

func slowOpSettings() (time.Duration, *slog.Logger) {
	slowOps.mu.RLock()
	defer slowOps.mu.RUnlock()
	return slowOps.threshold, slowOps.logger
}

// TraceOp starts a client span for a store operation. Call the returned
// function with the operation's error when it finishes:
//
//	ctx, end := database.TraceOp(ctx, database.SystemRedis, "SaveSession", "EVALSHA cas")
//	defer func() { end(err) }()
func TraceOp(ctx context.Context, system, operation, statement string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", system),
			attribute.String("db.operation", operation),
			attribute.String("db.statement", statement),
		),
	)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		threshold, logger := slowOpSettings()
		if threshold <= 0 || logger == nil {
			return
		}
		if elapsed := time.Since(start); elapsed >= threshold {
			logger.WarnContext(ctx, "slow store operation",
				slog.String("system", system),
				slog.String("operation", operation),
				slog.Duration("duration", elapsed),
			)
		}
	}
}
