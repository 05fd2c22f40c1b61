package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/realtime-gateway/internal/gatewayerr"
	"github.com/ent0n29/realtime-gateway/internal/realtime"
	"github.com/ent0n29/realtime-gateway/internal/relay"
)

type clientSecret struct {
	Value     string `json:"value"`
	ExpiresAt string `json:"expires_at"`
}

// createSessionResponse is returned by POST /sessions.
type createSessionResponse struct {
	ClientSecret clientSecret `json:"client_secret"`
	Model        string       `json:"model"`
	Voice        string       `json:"voice"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	desc, err := readDescriptor(w, r)
	if err != nil {
		s.respondGatewayError(w, r, err)
		return
	}
	resolved := s.issuer.Resolve(desc)
	cred, err := s.issuer.IssueCredential(r.Context(), desc)
	if err != nil {
		s.respondGatewayError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, createSessionResponse{
		ClientSecret: clientSecret{
			Value:     cred.Value,
			ExpiresAt: cred.ExpiresAt.UTC().Format(time.RFC3339),
		},
		Model: resolved.Model,
		Voice: resolved.Voice,
	})
}

// readDescriptor parses an optional descriptor body. An empty body selects
// the defaults.
func readDescriptor(w http.ResponseWriter, r *http.Request) (realtime.Descriptor, error) {
	if r.Body == nil {
		return realtime.Descriptor{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return realtime.Descriptor{}, gatewayerr.BadRequest("request body too large")
		}
		return realtime.Descriptor{}, gatewayerr.Wrap(gatewayerr.KindBadRequest, err, "could not read request body")
	}
	if strings.TrimSpace(string(body)) == "" {
		return realtime.Descriptor{}, nil
	}
	desc, err := realtime.ParseDescriptor(body)
	if err != nil {
		return realtime.Descriptor{}, gatewayerr.Wrap(gatewayerr.KindBadRequest, err, "request body must be a JSON session descriptor")
	}
	return desc, nil
}

// handleProxy upgrades to a WebSocket and runs one relay session on it.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("websocket upgrade failed")
		return
	}
	if s.cfg.RelayMaxMessageBytes > 0 {
		conn.SetReadLimit(s.cfg.RelayMaxMessageBytes)
	}
	relay.New(r.Context(), conn, clientIP(r), s.relayCfg, s.relay).Run()
}
