package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

// maxErrorBody bounds how much of an error response is kept in messages.
const maxErrorBody = 512

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// httpJSON is the shared request path of the REST adapters.
type httpJSON struct {
	provider string
	client   HTTPDoer
	headers  map[string]string
}

func (h httpJSON) do(ctx context.Context, method, url string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", h.provider, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return fmt.Errorf("build %s request: %w", h.provider, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := h.client.Do(req)
	if err != nil {
		return transportError(ctx, h.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(h.provider, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.NewStageError(models.KindProviderUnavailable, "", h.provider,
			fmt.Errorf("decode %s response: %w", h.provider, err))
	}
	return nil
}

// statusError maps an HTTP status to the error taxonomy. 429 stays distinct
// from hard failures so callers can back off.
func statusError(provider string, code int, body string) error {
	cause := fmt.Errorf("http %d: %s", code, body)
	switch {
	case code == http.StatusTooManyRequests:
		return models.NewStageError(models.KindProviderRateLimited, "", provider, cause)
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusPaymentRequired:
		return models.NewStageError(models.KindProviderAuthError, "", provider, cause)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return models.NewStageError(models.KindProviderTimeout, "", provider, cause)
	default:
		return models.NewStageError(models.KindProviderUnavailable, "", provider, cause)
	}
}

func transportError(ctx context.Context, provider string, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return models.NewStageError(models.KindProviderTimeout, "", provider, err)
	case errors.As(err, &ne) && ne.Timeout():
		return models.NewStageError(models.KindProviderTimeout, "", provider, err)
	case errors.Is(err, context.Canceled):
		return models.NewStageError(models.KindCancelled, "", provider, err)
	default:
		return models.NewStageError(models.KindProviderUnavailable, "", provider, err)
	}
}

// rankRelevance turns a 1-based provider position into a score in (0, 1].
func rankRelevance(pos, n int) float64 {
	if n <= 0 || pos <= 0 {
		return DefaultRelevance
	}
	return 1 - float64(pos-1)/float64(n)
}

// DefaultRelevance is used when a provider reports neither score nor rank.
const DefaultRelevance = 0.5
