// Package executor provides engine.Executor implementations.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"plangate/internal/engine"
)

const defaultTimeout = 5 * time.Minute

// HTTP posts each execution request as JSON to URL and expects a JSON reply
// with a result or an error. Any non-2xx response is a failed execution.
type HTTP struct {
	URL     string
	Token   string
	Timeout time.Duration
	Client  *http.Client
}

type httpRequest struct {
	PlanID      string          `json:"plan_id"`
	TaskID      string          `json:"task_id"`
	ExecutionID string          `json:"execution_id"`
	SessionID   string          `json:"session_id,omitempty"`
	Agent       string          `json:"agent"`
	ToolName    string          `json:"tool_name"`
	Params      json.RawMessage `json:"params,omitempty"`
	RiskLevel   string          `json:"risk_level"`
}

type httpReply struct {
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

func (h HTTP) Execute(ctx context.Context, req engine.ExecutionRequest) (engine.ExecutionResult, error) {
	if strings.TrimSpace(h.URL) == "" {
		return engine.ExecutionResult{}, errors.New("executor url not configured")
	}
	data, err := json.Marshal(httpRequest{
		PlanID:      req.PlanID,
		TaskID:      req.TaskID,
		ExecutionID: req.ExecutionID,
		SessionID:   req.SessionID,
		Agent:       req.Agent,
		ToolName:    req.ToolName,
		Params:      req.Params,
		RiskLevel:   string(req.RiskLevel),
	})
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	client := h.Client
	if client == nil {
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(data))
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-Plangate-Execution", req.ExecutionID)
	if h.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+h.Token)
	}
	started := time.Now()
	res, err := client.Do(hreq)
	if err != nil {
		return engine.ExecutionResult{}, fmt.Errorf("execute %s: %w", req.ToolName, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return engine.ExecutionResult{}, fmt.Errorf("execute %s: status %d: %s", req.ToolName, res.StatusCode, strings.TrimSpace(string(body)))
	}
	var reply httpReply
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &reply); err != nil {
			return engine.ExecutionResult{}, fmt.Errorf("execute %s: decode reply: %w", req.ToolName, err)
		}
	}
	if reply.DurationMs == 0 {
		reply.DurationMs = time.Since(started).Milliseconds()
	}
	if reply.Error != "" {
		return engine.ExecutionResult{DurationMs: reply.DurationMs}, errors.New(reply.Error)
	}
	return engine.ExecutionResult{Result: reply.Result, DurationMs: reply.DurationMs}, nil
}

// Echo succeeds immediately and returns the request parameters as the
// result. It is the default for local runs without a tool runner.
type Echo struct {
	Logger *slog.Logger
}

func (e Echo) Execute(ctx context.Context, req engine.ExecutionRequest) (engine.ExecutionResult, error) {
	if e.Logger != nil {
		e.Logger.Info("echo execution", "plan_id", req.PlanID, "task_id", req.TaskID, "tool", req.ToolName)
	}
	result, err := json.Marshal(map[string]any{"tool_name": req.ToolName, "agent": req.Agent, "params": req.Params})
	if err != nil {
		return engine.ExecutionResult{}, err
	}
	return engine.ExecutionResult{Result: result}, ctx.Err()
}
