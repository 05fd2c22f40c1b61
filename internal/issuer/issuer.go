// Package issuer obtains short-lived client credentials from the realtime provider.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ent0n29/realtime-gateway/internal/events"
	"github.com/ent0n29/realtime-gateway/internal/gatewayerr"
	"github.com/ent0n29/realtime-gateway/internal/observability"
	"github.com/ent0n29/realtime-gateway/internal/policy"
	"github.com/ent0n29/realtime-gateway/internal/realtime"
	"github.com/ent0n29/realtime-gateway/internal/reliability"
)

const (
	defaultExpiry   = 60 * time.Second
	maxErrorBodyLen = 64 << 10
)

type Config struct {
	BaseURL         string
	APIKey          string
	Organization    string
	Project         string
	DefaultModel    string
	DefaultVoice    string
	Timeout         time.Duration
	PromptRedaction string
}

type Issuer struct {
	cfg     Config
	client  *http.Client
	log     zerolog.Logger
	metrics *observability.Metrics
	events  events.Publisher
	now     func() time.Time
}

type sessionRequest struct {
	Model        string `json:"model"`
	Voice        string `json:"voice,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

type sessionResponse struct {
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

type providerError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// New creates an Issuer. A nil client gets one bounded by cfg.Timeout.
func New(cfg Config, client *http.Client, log zerolog.Logger, metrics *observability.Metrics, pub events.Publisher) *Issuer {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = realtime.DefaultModel
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = realtime.DefaultVoice
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Issuer{
		cfg:     cfg,
		client:  client,
		log:     log,
		metrics: metrics,
		events:  pub,
		now:     time.Now,
	}
}

// Resolve applies the configured default model and voice.
func (i *Issuer) Resolve(d realtime.Descriptor) realtime.Descriptor {
	return d.WithDefaults(i.cfg.DefaultModel, i.cfg.DefaultVoice)
}

// IssueCredential requests a credential for d after applying defaults.
// Nothing is cached; each call makes one provider request.
func (i *Issuer) IssueCredential(ctx context.Context, d realtime.Descriptor) (realtime.Credential, error) {
	d = i.Resolve(d)
	if err := d.Validate(); err != nil {
		return realtime.Credential{}, gatewayerr.BadRequest(err.Error())
	}

	ctx, span := observability.Tracer().Start(ctx, "issuer.issue")
	defer span.End()
	span.SetAttributes(attribute.String("realtime.model", d.Model), attribute.String("realtime.voice", d.Voice))

	start := i.now()
	cred, err := i.issue(ctx, d)
	elapsed := i.now().Sub(start)
	if err != nil {
		kind := gatewayerr.KindOf(err)
		i.metrics.CredentialIssued(kind.String(), elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		i.log.Warn().
			Err(err).
			Str("model", d.Model).
			Str("kind", kind.String()).
			Dur("latency", elapsed).
			Msg("credential issuance failed")
		return realtime.Credential{}, err
	}

	i.metrics.CredentialIssued("ok", elapsed)
	i.log.Info().
		Str("model", d.Model).
		Str("voice", d.Voice).
		Dur("latency", elapsed).
		Time("expires_at", cred.ExpiresAt).
		Msg("credential issued")
	if d.SystemPrompt != "" {
		i.log.Debug().
			Str("model", d.Model).
			Str("system_prompt", policy.PromptForLog(i.cfg.PromptRedaction, d.SystemPrompt)).
			Msg("credential instructions")
	}
	if i.events != nil {
		i.events.Publish(ctx, events.New(events.TypeCredentialIssued, "", map[string]any{
			"model":      d.Model,
			"voice":      d.Voice,
			"expires_at": cred.ExpiresAt.UTC().Format(time.RFC3339),
		}))
	}
	return cred, nil
}

func (i *Issuer) issue(ctx context.Context, d realtime.Descriptor) (realtime.Credential, error) {
	body, err := json.Marshal(sessionRequest{
		Model:        d.Model,
		Voice:        d.Voice,
		Instructions: d.SystemPrompt,
	})
	if err != nil {
		return realtime.Credential{}, gatewayerr.Wrap(gatewayerr.KindInternal, err, "encode session request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.cfg.BaseURL+"/realtime/sessions", bytes.NewReader(body))
	if err != nil {
		return realtime.Credential{}, gatewayerr.Wrap(gatewayerr.KindInternal, err, "build session request")
	}
	req.Header.Set("Authorization", "Bearer "+i.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if i.cfg.Organization != "" {
		req.Header.Set("OpenAI-Organization", i.cfg.Organization)
	}
	if i.cfg.Project != "" {
		req.Header.Set("OpenAI-Project", i.cfg.Project)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return realtime.Credential{}, gatewayerr.Wrap(gatewayerr.KindUpstreamUnavailable, err, "provider unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	if err != nil {
		return realtime.Credential{}, gatewayerr.Wrap(gatewayerr.KindUpstreamUnavailable, err, "read provider response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return realtime.Credential{}, statusError(resp.StatusCode, raw)
	}

	var parsed sessionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return realtime.Credential{}, gatewayerr.Wrap(gatewayerr.KindInternal, err, "decode provider response")
	}
	if parsed.ClientSecret == nil || strings.TrimSpace(parsed.ClientSecret.Value) == "" {
		return realtime.Credential{}, gatewayerr.New(gatewayerr.KindInternal, "provider response missing client_secret")
	}

	now := i.now()
	expiresAt := now.Add(defaultExpiry)
	if parsed.ClientSecret.ExpiresAt > 0 {
		expiresAt = time.Unix(parsed.ClientSecret.ExpiresAt, 0)
	}
	cred := realtime.Credential{Value: parsed.ClientSecret.Value, ExpiresAt: expiresAt.UTC()}
	if cred.Expired(now) {
		return realtime.Credential{}, gatewayerr.New(gatewayerr.KindInternal, "provider returned an expired credential")
	}
	return cred, nil
}

func statusError(status int, body []byte) error {
	msg := providerMessage(body)
	kind := gatewayerr.KindUpstreamRejected
	if reliability.IsRetryableHTTPStatus(status) {
		kind = gatewayerr.KindUpstreamUnavailable
	}
	return &gatewayerr.Error{
		Kind:    kind,
		Message: msg,
		Status:  status,
		Err:     fmt.Errorf("provider status %d", status),
	}
}

func providerMessage(body []byte) string {
	var pe providerError
	if err := json.Unmarshal(body, &pe); err == nil && pe.Error != nil && pe.Error.Message != "" {
		return pe.Error.Message
	}
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "provider returned no detail"
	}
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}

