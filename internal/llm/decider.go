// Package llm implements the HTTP client for the LLM decision service.
//
// The decision service holds the prompts and provider credentials; the
// control plane sends it the session history plus the active agent
// kind and gets back exactly one structured step. Transient upstream
// failures (rate limits, brief outages) are retried with exponential
// backoff; anything else fails the call immediately.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/loomhq/loom/control-plane/pkg/models"
)

// UpstreamUnavailableError reports that the decision service stayed
// unreachable through all retries.
type UpstreamUnavailableError struct {
	Endpoint string
	Err      error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("decision service %s unavailable: %v", e.Endpoint, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// decideRequest is the wire form sent to the decision service.
type decideRequest struct {
	Agent models.AgentKind `json:"agent"`
	Turns []models.Turn    `json:"turns"`
}

// HTTPDecider calls the decision service over HTTP.
type HTTPDecider struct {
	endpoint string
	client   *http.Client
}

// NewHTTPDecider creates a decider client for the given endpoint.
func NewHTTPDecider(endpoint string, timeout time.Duration) *HTTPDecider {
	return &HTTPDecider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Decide asks the decision service for the agent's next step.
// Retries cover 429 and 5xx gateway-style failures plus network
// errors; other 4xx responses are permanent because resending the
// same request cannot change the verdict.
func (d *HTTPDecider) Decide(ctx context.Context, agent models.AgentKind, turns []models.Turn) (models.Step, error) {
	body, err := json.Marshal(decideRequest{Agent: agent, Turns: turns})
	if err != nil {
		return nil, fmt.Errorf("decider: encode request: %w", err)
	}

	var step models.Step
	operation := func() error {
		step, err = d.decideOnce(ctx, body)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, &UpstreamUnavailableError{Endpoint: d.endpoint, Err: err}
	}
	return step, nil
}

func (d *HTTPDecider) decideOnce(ctx context.Context, body []byte) (models.Step, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decider: create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", d.endpoint).Msg("Decision service request failed, retrying")
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("decider: read response: %w", err)
	}

	if retryable(httpResp.StatusCode) {
		log.Warn().
			Int("status", httpResp.StatusCode).
			Str("endpoint", d.endpoint).
			Msg("Decision service returned retryable status")
		return nil, fmt.Errorf("decider: status %d", httpResp.StatusCode)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, backoff.Permanent(fmt.Errorf("decider: status %d: %s", httpResp.StatusCode, string(respBody)))
	}

	step, err := models.DecodeStep(respBody)
	if err != nil {
		// A malformed step is a contract violation, not a transient
		// fault. Retrying the identical request would replay it.
		return nil, backoff.Permanent(fmt.Errorf("decider: %w", err))
	}
	return step, nil
}

// retryable reports whether a status code is worth another attempt.
func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusBadGateway:
		return true
	}
	return false
}
