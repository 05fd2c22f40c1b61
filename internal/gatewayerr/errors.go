// Package gatewayerr defines the failure taxonomy shared by the HTTP and
// WebSocket surfaces of the gateway.
package gatewayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway failure.
type Kind int

const (
	// KindInternal is an unexpected local fault. Clients only see a generic reason.
	KindInternal Kind = iota
	// KindBadRequest is a malformed or incomplete client request.
	KindBadRequest
	// KindUpstreamUnavailable is a transient provider or network outage.
	KindUpstreamUnavailable
	// KindUpstreamRejected means the provider declined the request.
	KindUpstreamRejected
)

// WebSocket close codes used by the relay (RFC 6455 section 7.4.1).
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
)

// maxCloseReason is the largest reason a close frame can carry.
const maxCloseReason = 123

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamRejected:
		return "upstream_rejected"
	default:
		return "internal_error"
	}
}

// Error carries a Kind plus a short human-readable message.
type Error struct {
	Kind    Kind
	Message string
	// Status is the upstream HTTP status when the failure came from the provider.
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func BadRequest(message string) *Error {
	return New(KindBadRequest, message)
}

// KindOf returns the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// Retryable reports whether the client may retry with a new request or session.
func Retryable(err error) bool {
	return KindOf(err) == KindUpstreamUnavailable
}

// HTTPStatus maps a Kind to the status returned by the HTTP surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUpstreamRejected:
		return http.StatusBadGateway
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CloseCode maps a Kind to the WebSocket close code sent to the client.
func CloseCode(kind Kind) int {
	if kind == KindBadRequest {
		return ClosePolicyViolation
	}
	return CloseInternalError
}

// CloseLabel names a close code for metrics and logs.
func CloseLabel(code int) string {
	switch code {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going_away"
	case ClosePolicyViolation:
		return "policy_violation"
	case CloseInternalError:
		return "internal_error"
	case CloseTryAgainLater:
		return "try_again_later"
	case 0:
		return "none"
	default:
		return "other"
	}
}

// PublicMessage is the reason shown to clients. Internal details never leak.
func PublicMessage(err error) string {
	var ge *Error
	if !errors.As(err, &ge) || ge.Kind == KindInternal {
		return "internal error"
	}
	msg := ge.Message
	if msg == "" {
		msg = ge.Kind.String()
	}
	return msg
}

// CloseReason trims a reason so it fits in a close frame.
func CloseReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	// Avoid splitting a UTF-8 sequence.
	for cut > 0 && reason[cut]&0xC0 == 0x80 {
		cut--
	}
	return reason[:cut]
}
