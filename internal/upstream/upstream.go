// Package upstream opens provider realtime WebSocket connections.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/realtime-gateway/internal/gatewayerr"
	"github.com/ent0n29/realtime-gateway/internal/realtime"
	"github.com/ent0n29/realtime-gateway/internal/reliability"
)

// Auth modes.
const (
	AuthAPIKey    = "apikey"
	AuthEphemeral = "ephemeral"
)

// Conn is the subset of *websocket.Conn the relay uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens an upstream realtime connection for a descriptor.
type Dialer interface {
	Dial(ctx context.Context, d realtime.Descriptor) (Conn, error)
}

// CredentialSource issues ephemeral credentials for the ephemeral auth mode.
type CredentialSource interface {
	IssueCredential(ctx context.Context, d realtime.Descriptor) (realtime.Credential, error)
}

type Config struct {
	URL             string
	APIKey          string
	Organization    string
	Project         string
	AuthMode        string
	DialTimeout     time.Duration
	MaxMessageBytes int64
}

// WebSocketDialer dials the provider with gorilla/websocket.
type WebSocketDialer struct {
	cfg    Config
	creds  CredentialSource
	dialer *websocket.Dialer
}

func NewWebSocketDialer(cfg Config, creds CredentialSource) *WebSocketDialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = AuthAPIKey
	}
	return &WebSocketDialer{
		cfg:   cfg,
		creds: creds,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, desc realtime.Descriptor) (Conn, error) {
	target, err := d.endpoint(desc.Model)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, err, "invalid upstream url")
	}

	token := d.cfg.APIKey
	if d.cfg.AuthMode == AuthEphemeral {
		if d.creds == nil {
			return nil, gatewayerr.New(gatewayerr.KindInternal, "ephemeral auth without credential source")
		}
		cred, err := d.creds.IssueCredential(ctx, desc)
		if err != nil {
			return nil, fmt.Errorf("issue upstream credential: %w", err)
		}
		token = cred.Value
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("OpenAI-Beta", "realtime=v1")
	if d.cfg.Organization != "" {
		headers.Set("OpenAI-Organization", d.cfg.Organization)
	}
	if d.cfg.Project != "" {
		headers.Set("OpenAI-Project", d.cfg.Project)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := d.dialer.DialContext(dialCtx, target, headers)
	if err != nil {
		return nil, classifyDialError(err, resp)
	}
	if d.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(d.cfg.MaxMessageBytes)
	}
	return conn, nil
}

func (d *WebSocketDialer) endpoint(model string) (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func classifyDialError(err error, resp *http.Response) error {
	if resp == nil {
		return gatewayerr.Wrap(gatewayerr.KindUpstreamUnavailable, err, "upstream unreachable")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	msg := handshakeMessage(resp.StatusCode, body)
	kind := gatewayerr.KindUpstreamUnavailable
	if reliability.IsRejectionHTTPStatus(resp.StatusCode) {
		kind = gatewayerr.KindUpstreamRejected
	}
	return &gatewayerr.Error{Kind: kind, Message: msg, Status: resp.StatusCode, Err: err}
}

func handshakeMessage(status int, body []byte) string {
	var pe struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &pe); err == nil && pe.Error != nil && pe.Error.Message != "" {
		return pe.Error.Message
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 {
		return text
	}
	return fmt.Sprintf("upstream handshake failed with status %d", status)
}
