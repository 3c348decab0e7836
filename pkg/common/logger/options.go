package logger

import (
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log"
)

// Option configures optional sinks of a Logger.
type Option func(*options)

type options struct {
	extra []slog.Handler
}

// WithOTelExport also sends every record through the otel slog bridge, so
// records reach the collector with the trace and span ids of their context.
// provider may be nil to use the global LoggerProvider, which InitTelemetry
// sets; records logged before that are dropped by the global no-op provider.
func WithOTelExport(scope string, provider log.LoggerProvider) Option {
	return func(o *options) {
		var bridgeOpts []otelslog.Option
		if provider != nil {
			bridgeOpts = append(bridgeOpts, otelslog.WithLoggerProvider(provider))
		}
		o.extra = append(o.extra, otelslog.NewHandler(scope, bridgeOpts...))
	}
}
