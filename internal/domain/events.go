package domain

// Aggregate types used on outbox rows.
const (
	AggregatePlan      = "plan"
	AggregateTask      = "task"
	AggregateExecution = "execution"
	AggregateApproval  = "approval"
)

// Event types written to the outbox. Each persisted status transition writes exactly one.
const (
	EventPlanCreated          = "plan_created"
	EventPlanPlanning         = "plan_planning"
	EventPlanExecuting        = "plan_executing"
	EventPlanCompleted        = "plan_completed"
	EventPlanFailed           = "plan_failed"
	EventPlanCancelled        = "plan_cancelled"

	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskSkipped   = "task_skipped"

	EventApprovalRequested = "approval_requested"
	EventApprovalGranted   = "approval_granted"
	EventApprovalRejected  = "approval_rejected"
	EventApprovalExpired   = "approval_expired"

	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
)
