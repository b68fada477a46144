package domain

import (
	"encoding/json"
	"time"
)

type PlanStatus string

const (
	PlanCreated          PlanStatus = "created"
	PlanPlanning         PlanStatus = "planning"
	PlanAwaitingApproval PlanStatus = "awaiting_approval"
	PlanExecuting        PlanStatus = "executing"
	PlanCompleted        PlanStatus = "completed"
	PlanFailed           PlanStatus = "failed"
	PlanCancelled        PlanStatus = "cancelled"
)

func (s PlanStatus) IsTerminal() bool {
	return s == PlanCompleted || s == PlanFailed || s == PlanCancelled
}

type TaskStatus string

const (
	TaskPending          TaskStatus = "pending"
	TaskBlocked          TaskStatus = "blocked"
	TaskReady            TaskStatus = "ready"
	TaskAwaitingApproval TaskStatus = "awaiting_approval"
	TaskApproved         TaskStatus = "approved"
	TaskRejected         TaskStatus = "rejected"
	TaskRunning          TaskStatus = "running"
	TaskCompleted        TaskStatus = "completed"
	TaskFailed           TaskStatus = "failed"
	TaskSkipped          TaskStatus = "skipped"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskRejected:
		return true
	}
	return false
}

// IsFailure reports whether the status poisons dependents.
func (s TaskStatus) IsFailure() bool {
	return s == TaskFailed || s == TaskRejected || s == TaskSkipped
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

type TaskPlan struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	ProjectID           string     `json:"project_id"`
	SessionID           string     `json:"session_id,omitempty"`
	Request             string     `json:"request"`
	Status              PlanStatus `json:"status"`
	EstimatedCost       float64    `json:"estimated_cost"`
	EstimatedDurationMs int64      `json:"estimated_duration_ms"`
	RequiresApproval    bool       `json:"requires_approval"`
	ApprovalReason      string     `json:"approval_reason,omitempty"`
	Error               string     `json:"error,omitempty"`
	Version             int64      `json:"version"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

type TaskPlanTask struct {
	ID                  string          `json:"id"`
	PlanID              string          `json:"plan_id"`
	TaskID              string          `json:"task_id"`
	Description         string          `json:"description"`
	Agent               string          `json:"agent"`
	ToolName            string          `json:"tool_name,omitempty"`
	ToolParams          json.RawMessage `json:"tool_params,omitempty"`
	Dependencies        []string        `json:"dependencies"`
	EstimatedCost       float64         `json:"estimated_cost"`
	EstimatedDurationMs int64           `json:"estimated_duration_ms"`
	RiskLevel           RiskLevel       `json:"risk_level"`
	Status              TaskStatus      `json:"status"`
	Result              json.RawMessage `json:"result,omitempty"`
	Error               string          `json:"error,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionApproved  ExecutionStatus = "approved"
	ExecutionRejected  ExecutionStatus = "rejected"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionRejected
}

// ToolExecution records one invocation attempt of a tool on behalf of a task.
// CompletedAt is set iff Status is terminal.
type ToolExecution struct {
	ID                string          `json:"id"`
	PlanID            string          `json:"plan_id,omitempty"`
	TaskRowID         string          `json:"task_row_id,omitempty"`
	SessionID         string          `json:"session_id,omitempty"`
	ApprovalRequestID string          `json:"approval_request_id,omitempty"`
	ToolName          string          `json:"tool_name"`
	ToolParams        json.RawMessage `json:"tool_params,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	RiskLevel         RiskLevel       `json:"risk_level"`
	RequiresApproval  bool            `json:"requires_approval"`
	Status            ExecutionStatus `json:"status"`
	Error             string          `json:"error,omitempty"`
	ErrorType         string          `json:"error_type,omitempty"`
	ExecutionTimeMs   int64           `json:"execution_time_ms"`
	CreatedAt         time.Time       `json:"created_at"`
	ApprovedAt        *time.Time      `json:"approved_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Duration is completed_at - created_at, zero while the execution is incomplete.
func (e ToolExecution) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.CreatedAt)
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

type ApprovalAction string

const (
	ActionApprove ApprovalAction = "approve"
	ActionReject  ApprovalAction = "reject"
	ActionExpire  ApprovalAction = "expire"
)

type SubjectKind string

const (
	SubjectPlan SubjectKind = "plan"
	SubjectTask SubjectKind = "task"
)

type ApprovalRequest struct {
	ID          string          `json:"id"`
	PlanID      string          `json:"plan_id"`
	SubjectKind SubjectKind     `json:"subject_kind"`
	SubjectID   string          `json:"subject_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      ApprovalStatus  `json:"status"`
	Decision    string          `json:"decision,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

// ApprovalLog is the append-only audit row written for every resolution.
type ApprovalLog struct {
	ID        int64          `json:"id"`
	RequestID string         `json:"request_id"`
	Action    ApprovalAction `json:"action"`
	Reason    string         `json:"reason,omitempty"`
	Actor     string         `json:"actor"`
	CreatedAt time.Time      `json:"created_at"`
}

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxPublishing OutboxStatus = "publishing"
	OutboxPublished  OutboxStatus = "published"
	OutboxFailed     OutboxStatus = "failed"
	OutboxDead       OutboxStatus = "dead"
)

type OutboxEvent struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	UserID        string          `json:"user_id,omitempty"`
	ProjectID     string          `json:"project_id,omitempty"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        OutboxStatus    `json:"status"`
	RetryCount    int             `json:"retry_count"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}
