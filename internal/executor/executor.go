// Package executor implements the HTTP client for the workspace-side
// tool executor.
//
// Dispatch is fire-and-acknowledge: the executor accepts the call and
// returns 202, then performs the work next to the workspace and posts
// the result back on the control plane's tool-results callback. The
// correlation broker pairs that callback with the waiting turn.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loomhq/loom/control-plane/pkg/models"
)

// ToolExecutionError reports that the executor refused or failed to
// accept a dispatch.
type ToolExecutionError struct {
	CallID   string
	ToolName string
	Detail   string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool call %s (%s) failed: %s", e.CallID, e.ToolName, e.Detail)
}

// HTTPExecutor dispatches tool calls to the executor service.
type HTTPExecutor struct {
	endpoint string
	client   *http.Client
}

// NewHTTPExecutor creates an executor client for the given endpoint.
func NewHTTPExecutor(endpoint string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Dispatch hands the call to the executor. Acceptance is 2xx; any
// other response is a ToolExecutionError carrying the executor's
// explanation.
func (e *HTTPExecutor) Dispatch(ctx context.Context, call *models.ToolCallRequest) error {
	body, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("executor: encode call: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("executor: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return &ToolExecutionError{CallID: call.CallID, ToolName: call.ToolName, Detail: err.Error()}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(httpResp.Body)
		return &ToolExecutionError{
			CallID:   call.CallID,
			ToolName: call.ToolName,
			Detail:   fmt.Sprintf("status %d: %s", httpResp.StatusCode, string(respBody)),
		}
	}

	log.Debug().
		Str("call_id", call.CallID).
		Str("session_id", call.SessionID).
		Str("tool", call.ToolName).
		Msg("Tool call dispatched")
	return nil
}
