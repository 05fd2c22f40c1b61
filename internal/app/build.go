package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ent0n29/realtime-gateway/internal/clinic"
	"github.com/ent0n29/realtime-gateway/internal/config"
	"github.com/ent0n29/realtime-gateway/internal/gatewayerr"
	"github.com/ent0n29/realtime-gateway/internal/httpapi"
	"github.com/ent0n29/realtime-gateway/internal/issuer"
	"github.com/ent0n29/realtime-gateway/internal/logging"
	"github.com/ent0n29/realtime-gateway/internal/observability"
	"github.com/ent0n29/realtime-gateway/internal/relay"
	"github.com/ent0n29/realtime-gateway/internal/session"
	"github.com/ent0n29/realtime-gateway/internal/upstream"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Registry *session.Registry
	Metrics  *observability.Metrics
	Backends BackendInfo

	// Cleanup releases external resources (tracing exporter, DB, Redis, NATS).
	Cleanup func(ctx context.Context) error
}

// Handler returns the routed HTTP handler.
func (b *BuildResult) Handler() http.Handler {
	return b.API.Router()
}

func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	shutdownTracing, err := observability.SetupTracing(ctx, cfg, logging.Component(log, "tracing"))
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}

	b, err := resolveBackends(ctx, cfg, log)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, err
	}

	clinicSvc := clinic.NewService(b.store, b.publisher, logging.Component(log, "clinic"))
	var tools relay.ToolRunner
	if cfg.ClinicToolsEnabled {
		tools = clinic.NewTools(clinicSvc, logging.Component(log, "tools"))
	}

	iss := issuer.New(issuer.Config{
		BaseURL:         cfg.OpenAIBaseURL,
		APIKey:          cfg.OpenAIAPIKey,
		Organization:    cfg.OpenAIOrganization,
		Project:         cfg.OpenAIProject,
		DefaultModel:    cfg.DefaultModel,
		DefaultVoice:    cfg.DefaultVoice,
		Timeout:         cfg.IssuerTimeout,
		PromptRedaction: cfg.LogPromptRedaction,
	}, nil, logging.Component(log, "issuer"), metrics, b.publisher)

	dialer := upstream.NewWebSocketDialer(upstream.Config{
		URL:             cfg.OpenAIRealtimeURL,
		APIKey:          cfg.OpenAIAPIKey,
		Organization:    cfg.OpenAIOrganization,
		Project:         cfg.OpenAIProject,
		AuthMode:        cfg.UpstreamAuthMode,
		DialTimeout:     cfg.UpstreamDialTimeout,
		MaxMessageBytes: cfg.RelayMaxMessageBytes,
	}, iss)

	registry := session.NewRegistry(cfg.MaxSessions)
	registry.SetHooks(
		func(session.Info) { metrics.SessionOpened() },
		func(info session.Info) { metrics.SessionClosed(gatewayerr.CloseLabel(info.CloseCode)) },
	)

	ready := map[string]httpapi.ReadinessCheck{
		"clinic_store": func(ctx context.Context) error {
			_, err := clinicSvc.ListDoctors(ctx, clinic.DoctorFilter{Limit: 1})
			return err
		},
	}
	if b.redis != nil {
		ready["redis"] = func(ctx context.Context) error {
			return b.redis.Ping(ctx).Err()
		}
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Issuer:   iss,
		Registry: registry,
		Relay: relay.Deps{
			Dialer:   dialer,
			Registry: registry,
			Tools:    tools,
			Metrics:  metrics,
			Events:   b.publisher,
			Log:      logging.Component(log, "relay"),
		},
		Clinic:  clinicSvc,
		Limiter: b.limiter,
		Metrics: metrics,
		Log:     logging.Component(log, "http"),
		Ready:   ready,
	})

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := b.close(); err != nil {
			errs = append(errs, err)
		}
		if err := shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Registry: registry,
		Metrics:  metrics,
		Backends: b.info,
		Cleanup:  cleanup,
	}, nil
}
