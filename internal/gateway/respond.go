package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/inknowing/dialogued/internal/fault"
	"github.com/inknowing/dialogued/internal/observe"
)

// errorEnvelope is the REST error body. The same fields flatten into the
// error frame on the socket surface.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind      fault.Kind `json:"kind"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`

	// ResetAt accompanies QuotaExhausted.
	ResetAt *time.Time `json:"resetAt,omitempty"`

	// RequestID accompanies Internal so a support ticket can be matched to
	// the server-side log line.
	RequestID string `json:"requestId,omitempty"`
}

// faultToBody renders a fault as the envelope's inner body.
func faultToBody(ferr *fault.Error) errorBody {
	body := errorBody{
		Kind:      ferr.Kind,
		Message:   ferr.Message,
		Retryable: ferr.Kind.Retryable(),
	}
	if !ferr.ResetAt.IsZero() {
		t := ferr.ResetAt
		body.ResetAt = &t
	}
	return body
}

// httpStatus maps a fault kind to its REST status code.
func httpStatus(kind fault.Kind) int {
	switch kind {
	case fault.Auth:
		return http.StatusUnauthorized
	case fault.Forbidden:
		return http.StatusForbidden
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Validation:
		return http.StatusBadRequest
	case fault.QuotaExhausted:
		return http.StatusTooManyRequests
	case fault.SessionExpired:
		return http.StatusGone
	case fault.ProviderTimeout:
		return http.StatusGatewayTimeout
	case fault.ProviderError, fault.ProviderPartial:
		return http.StatusBadGateway
	case fault.ProviderPoolExhausted, fault.BackpressureTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as the error envelope. Untyped errors become an
// opaque Internal envelope; their cause is logged with the correlation id,
// never sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ferr *fault.Error
	if !errors.As(err, &ferr) {
		observe.Logger(r.Context()).Error("gateway: unclassified error",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		ferr = fault.New(fault.Internal, "internal error")
	}

	body := faultToBody(ferr)
	if ferr.Kind == fault.Internal {
		body.RequestID = observe.CorrelationID(r.Context())
	}
	if ferr.RetryAfter > 0 {
		secs := int(ferr.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	writeJSON(w, httpStatus(ferr.Kind), errorEnvelope{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("gateway: response encode failed", "error", err)
	}
}

// decodeJSON parses the request body into v. The body is size-capped;
// malformed JSON maps to a Validation fault.
func decodeJSON(r *http.Request, w http.ResponseWriter, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Wrap(fault.Validation, "malformed request body", err)
	}
	return nil
}
