package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

func (s *Server) registerTools(m *server.MCPServer) {
	m.AddTool(
		mcp.NewTool("workflow_status",
			mcp.WithDescription("Return the workflow's steps and the set of steps whose dependencies are satisfied. Call this before starting work to see what can run."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow being orchestrated")),
		),
		s.workflowStatusHandler(),
	)

	m.AddTool(
		mcp.NewTool("execute_issue",
			mcp.WithDescription("Start the workflow step bound to an issue. Returns the child execution's id. Only steps whose dependencies are completed should be started."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow being orchestrated")),
			mcp.WithString("issue_id", mcp.Required(), mcp.Description("The issue to execute (id or key)")),
			mcp.WithString("agent_type", mcp.Description("Agent to run the step with; defaults to the workflow's agent")),
		),
		s.executeIssueHandler(),
	)

	m.AddTool(
		mcp.NewTool("execution_status",
			mcp.WithDescription("Return the current state of one execution: status, exit code, error, changed files."),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The execution to inspect")),
		),
		s.executionStatusHandler(),
	)

	m.AddTool(
		mcp.NewTool("execution_trajectory",
			mcp.WithDescription("Return trajectory entries of an execution, oldest first."),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The execution to read")),
			mcp.WithNumber("from_index", mcp.Description("First entry index to return, default 0")),
			mcp.WithNumber("limit", mcp.Description("Maximum entries to return, default all")),
		),
		s.executionTrajectoryHandler(),
	)

	m.AddTool(
		mcp.NewTool("execution_changes",
			mcp.WithDescription("Return the commits and files an execution changed in its workspace."),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The execution to inspect")),
		),
		s.executionChangesHandler(),
	)

	m.AddTool(
		mcp.NewTool("execution_cancel",
			mcp.WithDescription("Cancel a running execution."),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The execution to cancel")),
		),
		s.executionCancelHandler(),
	)

	m.AddTool(
		mcp.NewTool("workflow_complete",
			mcp.WithDescription("Terminally settle the workflow. Call this exactly once, when every step is done or the workflow cannot proceed."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow being orchestrated")),
			mcp.WithString("status", mcp.Required(), mcp.Description("completed or failed")),
			mcp.WithString("summary", mcp.Description("Short human-readable outcome summary")),
		),
		s.workflowCompleteHandler(),
	)

	m.AddTool(
		mcp.NewTool("escalate_to_user",
			mcp.WithDescription("Ask a human for a decision. In autonomous workflows the first option is chosen immediately and returned; otherwise follow up with await_event on user_decision."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow being orchestrated")),
			mcp.WithString("message", mcp.Required(), mcp.Description("The question for the user")),
			mcp.WithArray("options", mcp.Description("Choices the user can pick from")),
		),
		s.escalateHandler(),
	)

	m.AddTool(
		mcp.NewTool("notify_user",
			mcp.WithDescription("Send an informational message to the user. Does not wait for anything."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow being orchestrated")),
			mcp.WithString("level", mcp.Description("info, warning or error; default info")),
			mcp.WithString("message", mcp.Required(), mcp.Description("The message text")),
		),
		s.notifyHandler(),
	)

	m.AddTool(
		mcp.NewTool("await_event",
			mcp.WithDescription("Park until one of the event types arrives on the workflow or the timeout elapses. Returns the resolution (matched or timeout) and the matching event's payload."),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The workflow being orchestrated")),
			mcp.WithArray("event_types", mcp.Required(), mcp.Description("Event types to wait for, e.g. user_decision")),
			mcp.WithNumber("timeout_seconds", mcp.Required(), mcp.Description("Upper bound on the wait")),
		),
		s.awaitEventHandler(),
	)

	s.log.Info("registered workflow tools", zap.Int("count", 10))
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(formatted))
}

func (s *Server) workflowStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		report, err := s.wfs.WorkflowStatus(ctx, workflowID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read workflow: %v", err)), nil
		}
		return jsonResult(report), nil
	}
}

func (s *Server) executeIssueHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		issueID, err := req.RequireString("issue_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agentType := req.GetString("agent_type", "")

		execID, err := s.wfs.ExecuteIssue(ctx, workflowID, issueID, agentType)
		if err != nil {
			s.log.Warn("execute_issue failed",
				zap.String("workflow_id", workflowID), zap.String("issue_id", issueID), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("failed to start issue: %v", err)), nil
		}
		return jsonResult(map[string]string{"execution_id": execID}), nil
	}
}

func (s *Server) executionStatusHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		executionID, err := req.RequireString("execution_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		exec, err := s.execs.Get(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read execution: %v", err)), nil
		}
		return jsonResult(exec), nil
	}
}

func (s *Server) executionTrajectoryHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		executionID, err := req.RequireString("execution_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		fromIndex := int64(req.GetFloat("from_index", 0))
		limit := int(req.GetFloat("limit", 0))

		entries, err := s.logs.Read(executionID, fromIndex, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read trajectory: %v", err)), nil
		}
		return jsonResult(entries), nil
	}
}

func (s *Server) executionChangesHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		executionID, err := req.RequireString("execution_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		exec, err := s.execs.Get(ctx, executionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to read execution: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"base_commit":   exec.BaseCommit,
			"after_commit":  exec.AfterCommit,
			"files_changed": exec.FilesChanged,
			"branch_name":   exec.BranchName,
		}), nil
	}
}

func (s *Server) executionCancelHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		executionID, err := req.RequireString("execution_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := s.execs.Cancel(ctx, executionID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to cancel execution: %v", err)), nil
		}
		return mcp.NewToolResultText("cancellation requested"), nil
	}
}

func (s *Server) workflowCompleteHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		summary := req.GetString("summary", "")

		if err := s.wfs.Complete(ctx, workflowID, status, summary); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to complete workflow: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("workflow settled as %s", status)), nil
	}
}

func (s *Server) escalateHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		options := req.GetStringSlice("options", nil)

		res, err := s.wfs.EscalateToUser(ctx, workflowID, message, options)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to escalate: %v", err)), nil
		}
		if res.AutoResolved {
			return jsonResult(map[string]interface{}{
				"auto_resolved": true,
				"decision":      json.RawMessage(res.Decision),
			}), nil
		}
		return jsonResult(map[string]interface{}{
			"auto_resolved": false,
			"event_id":      res.EventID,
			"hint":          "await_event on user_decision to receive the answer",
		}), nil
	}
}

func (s *Server) notifyHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		level := req.GetString("level", "info")

		if err := s.wfs.NotifyUser(ctx, workflowID, level, message); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to notify: %v", err)), nil
		}
		return mcp.NewToolResultText("delivered"), nil
	}
}

func (s *Server) awaitEventHandler() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		eventTypes := req.GetStringSlice("event_types", nil)
		if len(eventTypes) == 0 {
			return mcp.NewToolResultError("event_types must name at least one event type"), nil
		}
		seconds := req.GetFloat("timeout_seconds", 0)
		if seconds <= 0 {
			return mcp.NewToolResultError("timeout_seconds must be positive"), nil
		}

		res, err := s.wfs.AwaitEvent(ctx, workflowID, eventTypes, time.Duration(seconds*float64(time.Second)))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("await failed: %v", err)), nil
		}
		out := map[string]interface{}{"resolution": res.Resolution}
		if res.MatchedType != "" {
			out["matched_type"] = res.MatchedType
		}
		if len(res.Payload) > 0 {
			out["payload"] = json.RawMessage(res.Payload)
		}
		return jsonResult(out), nil
	}
}

// EnvForWorkflow is the environment orchestrator executions receive so the
// agent can reach this server.
func (s *Server) EnvForWorkflow(workflowID string) map[string]string {
	return map[string]string{
		"GROVE_MCP_SSE_URL":  s.SSEEndpoint(),
		"GROVE_MCP_HTTP_URL": s.StreamableHTTPEndpoint(),
		"GROVE_WORKFLOW_ID":  workflowID,
	}
}
