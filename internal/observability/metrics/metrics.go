// Package metrics exposes application-level instruments for the invoice
// pipeline.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
}

// Metrics exposes counters for the extraction pipeline.
type Metrics struct {
	claims             metric.Int64Counter
	claimConflicts     metric.Int64Counter
	versionConflicts   metric.Int64Counter
	stateTransitions   metric.Int64Counter
	validationFailures metric.Int64Counter
	providerFailures   metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "invora"
	}
	meter := provider.Meter(name)

	claims, err := meter.Int64Counter("invora_extraction_claims_total")
	if err != nil {
		return nil, err
	}
	claimConflicts, err := meter.Int64Counter("invora_claim_conflicts_total")
	if err != nil {
		return nil, err
	}
	versionConflicts, err := meter.Int64Counter("invora_review_version_conflicts_total")
	if err != nil {
		return nil, err
	}
	stateTransitions, err := meter.Int64Counter("invora_state_transitions_total")
	if err != nil {
		return nil, err
	}
	validationFailures, err := meter.Int64Counter("invora_validation_failures_total")
	if err != nil {
		return nil, err
	}
	providerFailures, err := meter.Int64Counter("invora_provider_failures_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		claims:             claims,
		claimConflicts:     claimConflicts,
		versionConflicts:   versionConflicts,
		stateTransitions:   stateTransitions,
		validationFailures: validationFailures,
		providerFailures:   providerFailures,
	}, nil
}

// IncClaim records a successful extraction claim.
func (m *Metrics) IncClaim(ctx context.Context) {
	if m == nil {
		return
	}
	m.claims.Add(ctx, 1)
}

// IncClaimConflict records a lost claim race.
func (m *Metrics) IncClaimConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.claimConflicts.Add(ctx, 1)
}

// IncVersionConflict records a stale review-version update.
func (m *Metrics) IncVersionConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.versionConflicts.Add(ctx, 1)
}

// IncStateTransition records an accepted state change.
func (m *Metrics) IncStateTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// IncValidationFailure records a failed aggregation check.
func (m *Metrics) IncValidationFailure(ctx context.Context, check string) {
	if m == nil {
		return
	}
	m.validationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("check", check),
	))
}

// IncProviderFailure records an upstream extraction/correction failure.
func (m *Metrics) IncProviderFailure(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.providerFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}
