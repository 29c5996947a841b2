// Package observability wires logging and metrics from application config.
package observability

import (
	"github.com/smallbiznis/invora/internal/config"
	"github.com/smallbiznis/invora/internal/observability/logger"
	"github.com/smallbiznis/invora/internal/observability/metrics"
	"go.uber.org/fx"
)

// Module provides the zap logger and the otel meter.
var Module = fx.Module("observability",
	fx.Provide(
		provideLoggerConfig,
		logger.New,
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
	),
)

func provideLoggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
		Version:     cfg.AppVersion,
		Level:       cfg.LogLevel,
	}
}

func provideMetricsConfig(cfg config.Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.MetricsEnabled,
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExporterProtocol: cfg.OTLPProtocol,
		ServiceName:      cfg.AppName,
	}
}
