package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shpitdev/partcopy/pkg/pipeline/core"
	"github.com/shpitdev/partcopy/pkg/pipeline/redact"
)

// errorEnvelope is the error body shape returned by the inference service.
type errorEnvelope struct {
	Error string `json:"error"`
}

// HTTPError is a sanitized summary of a non-2xx response.
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string
	Message    string

	// Snippet is a redacted, truncated hint for bodies without an error envelope.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "ollama http error"
	}
	parts := []string{
		fmt.Sprintf("ollama api error: op=%s status=%s", strings.TrimSpace(e.Op), strings.TrimSpace(e.Status)),
	}
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, "error="+strings.TrimSpace(e.Message))
	}
	if strings.TrimSpace(e.Snippet) != "" {
		parts = append(parts, "body="+strings.TrimSpace(e.Snippet))
	}
	return strings.Join(parts, " ")
}

func newHTTPError(op string, resp *http.Response, body []byte) error {
	h := &HTTPError{Op: op}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
	}

	var env errorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil && strings.TrimSpace(env.Error) != "" {
		h.Message = redact.Diagnostic(env.Error, 256)
		return h
	}
	h.Snippet = redact.Diagnostic(string(body), 256)
	return h
}

// classify tags a transport or HTTP failure with its FailureKind.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ge *core.GenerationError
	if errors.As(err, &ge) {
		return err
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusRequestTimeout || he.StatusCode == http.StatusGatewayTimeout:
			return core.Fail(core.FailureTimeout, err)
		case he.StatusCode == http.StatusTooManyRequests || he.StatusCode/100 == 5:
			return core.Fail(core.FailureServerError, err)
		default:
			return core.Fail(core.FailureRejected, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return core.Fail(core.FailureCancelled, err)
	}
	return core.Fail(core.KindOf(err), err)
}
