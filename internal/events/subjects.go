// Package events provides event types and subject naming for the Grove event system.
package events

import "fmt"

// Event types published on execution subjects.
const (
	ExecutionCreated       = "execution.created"
	ExecutionStatusChanged = "execution.status_changed"
	ExecutionTrajectory    = "execution.trajectory"
	ExecutionCompleted     = "execution.completed"
)

// Event types published on workflow subjects.
const (
	WorkflowCreated       = "workflow.created"
	WorkflowStatusChanged = "workflow.status_changed"
	WorkflowStepChanged   = "workflow.step_changed"
	WorkflowEventQueued   = "workflow.event_queued"
)

// Event types for issues and specs.
const (
	IssueCreated = "issue.created"
	IssueUpdated = "issue.updated"
	IssueDeleted = "issue.deleted"
	SpecCreated  = "spec.created"
	SpecUpdated  = "spec.updated"
	SpecDeleted  = "spec.deleted"
)

// ExecutionTrajectorySubject is the subject carrying normalized trajectory
// entries for a single execution.
func ExecutionTrajectorySubject(projectID, executionID string) string {
	return fmt.Sprintf("project.%s.execution.%s.trajectory", projectID, executionID)
}

// ExecutionStatusSubject carries lifecycle status transitions for a single
// execution.
func ExecutionStatusSubject(projectID, executionID string) string {
	return fmt.Sprintf("project.%s.execution.%s.status", projectID, executionID)
}

// ExecutionSubjects matches every subject of one execution.
func ExecutionSubjects(projectID, executionID string) string {
	return fmt.Sprintf("project.%s.execution.%s.>", projectID, executionID)
}

// ProjectExecutionWildcard matches status subjects of all executions in a project.
func ProjectExecutionWildcard(projectID string) string {
	return fmt.Sprintf("project.%s.execution.*.status", projectID)
}

// WorkflowEventsSubject carries workflow lifecycle and step events.
func WorkflowEventsSubject(projectID, workflowID string) string {
	return fmt.Sprintf("project.%s.workflow.%s.events", projectID, workflowID)
}

// ProjectWorkflowWildcard matches event subjects of all workflows in a project.
func ProjectWorkflowWildcard(projectID string) string {
	return fmt.Sprintf("project.%s.workflow.*.events", projectID)
}

// EntitySubject carries CRUD notifications for stored entities (issues, specs).
func EntitySubject(projectID, entityType string) string {
	return fmt.Sprintf("project.%s.entity.%s", projectID, entityType)
}
