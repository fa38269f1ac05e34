package v1

// CreateExecutionRequest starts an agent execution.
type CreateExecutionRequest struct {
	IssueID        string `json:"issue_id,omitempty"`
	AgentType      string `json:"agent_type,omitempty"`
	Mode           string `json:"mode,omitempty" binding:"omitempty,oneof=worktree local"`
	Prompt         string `json:"prompt,omitempty"`
	TargetBranch   string `json:"target_branch,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty" binding:"omitempty,oneof=interactive auto-approve"`
}

// FollowUpRequest continues a terminal execution in the same worktree.
type FollowUpRequest struct {
	Prompt    string `json:"prompt" binding:"required"`
	AgentType string `json:"agent_type,omitempty"`
}

// PermissionResponseRequest answers a pending permission prompt.
type PermissionResponseRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	OptionID  string `json:"option_id" binding:"required"`
}

// TrajectoryPage is one window of an execution's trajectory log.
type TrajectoryPage struct {
	ExecutionID string        `json:"execution_id"`
	Entries     []interface{} `json:"entries"`
	FromIndex   int64         `json:"from_index"`
	NextIndex   int64         `json:"next_index"`
}
