package engine

import (
	"github.com/sergey-melnychuk/yalskv/pkg/common/log"
	"github.com/sergey-melnychuk/yalskv/pkg/stats"
	"github.com/sergey-melnychuk/yalskv/pkg/telemetry"
)

// Option configures optional collaborators of an Engine
type Option func(*options)

type options struct {
	logger    log.Logger
	telemetry telemetry.Telemetry
	stats     *stats.AtomicCollector
}

// WithLogger sets the logger; by default one is built from Config.LogLevel
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTelemetry sets where operation metrics and reduce spans go. The engine
// does not shut it down.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) {
		o.telemetry = tel
	}
}

// WithStats shares a stats collector with the caller
func WithStats(collector *stats.AtomicCollector) Option {
	return func(o *options) {
		o.stats = collector
	}
}
