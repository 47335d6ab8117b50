package difftree

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type options struct {
	lock           *Lock
	presenter      Presenter
	logger         *slog.Logger
	nameFormat     NameFormat
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// Option configures a Synchronizer.
type Option func(*options)

// WithLock shares l with other subsystems that touch the backing state.
// By default each Synchronizer gets its own Lock.
func WithLock(l *Lock) Option {
	return func(o *options) { o.lock = l }
}

// WithPresenter attaches the view that renders the tree.
func WithPresenter(p Presenter) Option {
	return func(o *options) { o.presenter = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNameFormat sets how dirty node names are decorated. Defaults to BracketName.
func WithNameFormat(f NameFormat) Option {
	return func(o *options) { o.nameFormat = f }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
