package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a dispatch failure for the downstream error body and the
// log record.
type Kind string

// Dispatch error kinds.
const (
	KindClientError   Kind = "client_error"
	KindGatewayError  Kind = "gateway_error"
	KindUpstreamError Kind = "upstream_error"
	KindNoCredential  Kind = "no_credential"
	KindNoModel       Kind = "no_model"
	KindTimeout       Kind = "timeout"
	KindCancelled     Kind = "cancelled"
	KindImageFetch    Kind = "image_fetch_error"
)

// Error is a classified dispatch failure.
type Error struct {
	Kind    Kind
	Message string

	// UpstreamStatus is the provider's HTTP status when one was received.
	UpstreamStatus int

	err error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus maps the error kind onto the downstream response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindClientError, KindImageFetch:
		return http.StatusBadRequest
	case KindNoModel:
		return http.StatusNotFound
	case KindNoCredential:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindCancelled:
		// Client closed the connection; the status is never delivered.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// errf builds a classified error with a formatted message.
func errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapErr classifies an underlying error, folding in context states.
func wrapErr(ctx context.Context, kind Kind, err error, message string) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		kind = KindCancelled
	}
	return &Error{Kind: kind, Message: message, err: err}
}

// classifyStatus maps an upstream status code and error body text onto an
// error kind. A 400 whose body mentions "json" is the caller violating the
// provider's JSON mode, so it stays a client error.
func classifyStatus(status int, body string) Kind {
	switch {
	case status >= 500:
		return KindUpstreamError
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(body), "json"):
		return KindClientError
	default:
		return KindGatewayError
	}
}

// retriable reports whether a failed attempt should advance to the next
// mapping. Network failures and 5xx retry; of the 4xx family only 429 and
// 408 are transient.
func retriable(e *Error) bool {
	if e.Kind == KindTimeout || e.Kind == KindCancelled ||
		e.Kind == KindClientError || e.Kind == KindNoCredential || e.Kind == KindImageFetch {
		return false
	}
	if e.UpstreamStatus == 0 {
		// Network-level failure before any status arrived.
		return e.Kind == KindUpstreamError || e.Kind == KindGatewayError
	}
	return e.UpstreamStatus >= 500 ||
		e.UpstreamStatus == http.StatusTooManyRequests ||
		e.UpstreamStatus == http.StatusRequestTimeout
}
