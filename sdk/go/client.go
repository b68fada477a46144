// Package plangatesdk is a small client for the plangate ops API.
package plangatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a plangate server.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type TaskInput struct {
	TaskID              string         `json:"task_id"`
	Description         string         `json:"description"`
	Agent               string         `json:"agent"`
	ToolName            string         `json:"tool_name,omitempty"`
	ToolParams          map[string]any `json:"tool_params,omitempty"`
	Dependencies        []string       `json:"dependencies,omitempty"`
	EstimatedCost       float64        `json:"estimated_cost,omitempty"`
	EstimatedDurationMs int64          `json:"estimated_duration_ms,omitempty"`
	RiskLevel           string         `json:"risk_level"`
}

type PlanInput struct {
	ID               string      `json:"id,omitempty"`
	UserID           string      `json:"user_id"`
	ProjectID        string      `json:"project_id"`
	SessionID        string      `json:"session_id,omitempty"`
	Request          string      `json:"request"`
	RequiresApproval bool        `json:"requires_approval,omitempty"`
	ApprovalReason   string      `json:"approval_reason,omitempty"`
	Tasks            []TaskInput `json:"tasks"`
}

// Plan is the API plan model (partial).
type Plan struct {
	ID               string  `json:"id"`
	UserID           string  `json:"user_id"`
	ProjectID        string  `json:"project_id"`
	Request          string  `json:"request"`
	Status           string  `json:"status"`
	EstimatedCost    float64 `json:"estimated_cost"`
	RequiresApproval bool    `json:"requires_approval"`
	Error            string  `json:"error,omitempty"`
	Version          int64   `json:"version"`
}

type Task struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	Agent        string          `json:"agent"`
	ToolName     string          `json:"tool_name,omitempty"`
	Dependencies []string        `json:"dependencies"`
	RiskLevel    string          `json:"risk_level"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type Execution struct {
	ID                string          `json:"id"`
	TaskRowID         string          `json:"task_row_id,omitempty"`
	ToolName          string          `json:"tool_name"`
	Status            string          `json:"status"`
	Result            json.RawMessage `json:"result,omitempty"`
	Error             string          `json:"error,omitempty"`
	ErrorType         string          `json:"error_type,omitempty"`
	ApprovalRequestID string          `json:"approval_request_id,omitempty"`
	ExecutionTimeMs   int64           `json:"execution_time_ms"`
	DurationMs        int64           `json:"execution_duration_ms"`
}

type ApprovalRequest struct {
	ID          string `json:"id"`
	PlanID      string `json:"plan_id"`
	SubjectKind string `json:"subject_kind"`
	SubjectID   string `json:"subject_id"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Decision    string `json:"decision,omitempty"`
}

// PlanView is a plan with its tasks, executions and approval requests.
type PlanView struct {
	Plan       Plan              `json:"plan"`
	Tasks      []Task            `json:"tasks"`
	Executions []Execution       `json:"executions"`
	Approvals  []ApprovalRequest `json:"approvals"`
}

// Task returns the task with the given plan-local id.
func (v PlanView) Task(taskID string) (Task, bool) {
	for _, t := range v.Tasks {
		if t.TaskID == taskID {
			return t, true
		}
	}
	return Task{}, false
}

type OutboxEvent struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
}

type OutboxPage struct {
	Items  []OutboxEvent  `json:"items"`
	Counts map[string]int `json:"counts"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// server's error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// CreatePlan stores a plan; with advance set it is also scheduled.
func (c *Client) CreatePlan(ctx context.Context, in PlanInput, advance bool) (PlanView, error) {
	endpoint := "plans"
	if advance {
		endpoint += "?advance=true"
	}
	var resp PlanView
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp, err
}

func (c *Client) GetPlan(ctx context.Context, planID string) (PlanView, error) {
	var resp PlanView
	err := c.do(ctx, http.MethodGet, "plans/"+url.PathEscape(planID), nil, &resp)
	return resp, err
}

// ListPlans lists plans, optionally filtered by status and project.
func (c *Client) ListPlans(ctx context.Context, status, projectID string, limit int) ([]Plan, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Plan `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("plans", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) AdvancePlan(ctx context.Context, planID string) (PlanView, error) {
	var resp PlanView
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("plans/%s/advance", url.PathEscape(planID)), nil, &resp)
	return resp, err
}

func (c *Client) CancelPlan(ctx context.Context, planID, reason string) (PlanView, error) {
	var resp PlanView
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("plans/%s/cancel", url.PathEscape(planID)), body, &resp)
	return resp, err
}

// PendingApprovals lists pending requests, optionally for one plan.
func (c *Client) PendingApprovals(ctx context.Context, planID string) ([]ApprovalRequest, error) {
	q := url.Values{"status": {"pending"}}
	if planID != "" {
		q.Set("plan_id", planID)
	}
	var resp struct {
		Items []ApprovalRequest `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("approvals", q), nil, &resp)
	return resp.Items, err
}

// Approve resolves a request as approved.
func (c *Client) Approve(ctx context.Context, requestID, reason string) (ApprovalRequest, error) {
	return c.resolve(ctx, requestID, "approve", reason)
}

// Reject resolves a request as rejected.
func (c *Client) Reject(ctx context.Context, requestID, reason string) (ApprovalRequest, error) {
	return c.resolve(ctx, requestID, "reject", reason)
}

func (c *Client) resolve(ctx context.Context, requestID, action, reason string) (ApprovalRequest, error) {
	body := map[string]any{"action": action, "reason": reason}
	var resp ApprovalRequest
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/resolve", url.PathEscape(requestID)), body, &resp)
	return resp, err
}

func (c *Client) Outbox(ctx context.Context, status string, limit int) (OutboxPage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp OutboxPage
	err := c.do(ctx, http.MethodGet, withQuery("outbox", q), nil, &resp)
	return resp, err
}

func (c *Client) RequeueOutbox(ctx context.Context, id int64) (OutboxEvent, error) {
	var resp OutboxEvent
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("outbox/%d/requeue", id), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
