package v1

// CreateWorkflowRequest builds a workflow from issues or a spec.
type CreateWorkflowRequest struct {
	Title      string   `json:"title" binding:"required,max=500"`
	IssueIDs   []string `json:"issue_ids,omitempty"`
	SpecID     string   `json:"spec_id,omitempty"`
	BaseBranch string   `json:"base_branch,omitempty"`

	Parallelism      string `json:"parallelism,omitempty" binding:"omitempty,oneof=sequential parallel"`
	MaxParallel      int    `json:"max_parallel,omitempty"`
	OnFailure        string `json:"on_failure,omitempty" binding:"omitempty,oneof=pause continue abort"`
	DefaultAgentType string `json:"default_agent_type,omitempty"`
	AutonomyLevel    string `json:"autonomy_level,omitempty" binding:"omitempty,oneof=human_in_the_loop autonomous"`
}

// StartWorkflowRequest starts a created workflow. Orchestrated mode hands
// DAG progression to an orchestrator agent instead of the built-in driver.
type StartWorkflowRequest struct {
	Orchestrated bool   `json:"orchestrated,omitempty"`
	AgentType    string `json:"agent_type,omitempty"`
}

// UserDecisionRequest answers a pending escalation.
type UserDecisionRequest struct {
	Option  string                 `json:"option,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}
