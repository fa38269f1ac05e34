package websocket

// Client requests.
const (
	ActionHealthCheck = "health.check"

	// Subscriptions. Execution subscriptions replay the persisted
	// trajectory from the requested index before going live.
	ActionExecutionSubscribe   = "execution.subscribe"
	ActionExecutionUnsubscribe = "execution.unsubscribe"
	ActionWorkflowSubscribe    = "workflow.subscribe"
	ActionWorkflowUnsubscribe  = "workflow.unsubscribe"
	ActionProjectSubscribe     = "project.subscribe"
	ActionProjectUnsubscribe   = "project.unsubscribe"
)

// Server notifications.
const (
	ActionExecutionTrajectory = "execution.trajectory"
	ActionExecutionStatus     = "execution.status"
	ActionWorkflowEvent       = "workflow.event"
)

// Error codes.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)

// SubscribeRequest is the payload of every subscribe and unsubscribe
// action. ExecutionID or WorkflowID scope the subscription; with neither,
// the whole project's activity streams.
type SubscribeRequest struct {
	ProjectID   string `json:"project_id"`
	ExecutionID string `json:"execution_id,omitempty"`
	WorkflowID  string `json:"workflow_id,omitempty"`

	// FromIndex is where trajectory replay starts for execution
	// subscriptions. Negative skips replay entirely.
	FromIndex int64 `json:"from_index,omitempty"`
}
