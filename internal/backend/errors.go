package backend

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/penginpenguin/cocrea/internal/llm"
	"github.com/penginpenguin/cocrea/internal/rpc"
)

// mapError translates runtime, transport and network errors into
// llm.ProviderError values.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pe *llm.ProviderError
	if errors.As(err, &pe) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return llm.NewProviderError(llm.ErrCodeTimeout, "request timed out or cancelled", err)
	}

	var se api.StatusError
	if errors.As(err, &se) {
		return statusError(se.StatusCode, se.ErrorMessage, err)
	}

	var re *rpc.Error
	if errors.As(err, &re) {
		return llm.NewProviderError(llm.ErrCodeServerError, re.Message, err)
	}

	// Streaming endpoints report failures as a bare {"error": ...} line.
	msg := err.Error()
	if lower := strings.ToLower(msg); strings.Contains(lower, "not found") && strings.Contains(lower, "model") {
		return llm.NewProviderError(llm.ErrCodeModelNotFound, msg, err)
	}
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "dial tcp") {
		return llm.NewProviderError(llm.ErrCodeServerError, "runtime unreachable", err)
	}

	return llm.NewProviderError(llm.ErrCodeServerError, msg, err)
}

// statusError classifies an HTTP status from a runtime API.
func statusError(code int, message string, err error) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return llm.NewProviderError(llm.ErrCodeAuthentication, message, err)
	case code == http.StatusNotFound:
		return llm.NewProviderError(llm.ErrCodeModelNotFound, message, err)
	case code >= 500:
		return llm.NewProviderError(llm.ErrCodeServerError, message, err)
	default:
		return llm.NewProviderError(llm.ErrCodeInvalidRequest, message, err)
	}
}
