package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/opline/opline/internal/domain/workflow"
	"github.com/opline/opline/internal/port/checkpoint"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	tools := []mcpserver.ServerTool{
		s.runOperationTool(),
		s.continueOperationTool(),
		s.runWorkflowTool(),
		s.resumeWorkflowTool(),
		s.listWorkflowsTool(),
	}
	s.mcpServer.AddTools(tools...)
	s.tools = make(map[string]mcpserver.ServerTool, len(tools))
	for _, t := range tools {
		s.tools[t.Tool.Name] = t
	}
}

func (s *Server) runOperationTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("run_operation",
		mcplib.WithDescription("Run a registered operation. The result carries continuation tokens for the follow-up actions it offers."),
		mcplib.WithString("command",
			mcplib.Required(),
			mcplib.Description("Command group, e.g. search or edit"),
		),
		mcplib.WithString("action",
			mcplib.Required(),
			mcplib.Description("Action within the command group"),
		),
		mcplib.WithObject("params",
			mcplib.Description("Operation parameters"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleRunOperation,
	}
}

func (s *Server) continueOperationTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("continue_operation",
		mcplib.WithDescription("Resolve a continuation token with a chosen follow-up action. Guarded actions additionally need confirm=true in params."),
		mcplib.WithString("token",
			mcplib.Required(),
			mcplib.Description("Continuation token from a previous result"),
		),
		mcplib.WithString("action",
			mcplib.Required(),
			mcplib.Description("ID of the follow-up action to take"),
		),
		mcplib.WithObject("params",
			mcplib.Description("Extra parameters merged over the token's"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleContinueOperation,
	}
}

func (s *Server) runWorkflowTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("run_workflow",
		mcplib.WithDescription("Start a YAML workflow definition. Runs until completion or the first checkpoint."),
		mcplib.WithString("definition",
			mcplib.Required(),
			mcplib.Description("YAML workflow definition"),
		),
		mcplib.WithObject("params",
			mcplib.Description("Workflow parameters, bound as ${params.*}"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleRunWorkflow,
	}
}

func (s *Server) resumeWorkflowTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("resume_workflow",
		mcplib.WithDescription("Answer the checkpoint a suspended workflow is waiting at"),
		mcplib.WithString("workflow_id",
			mcplib.Required(),
			mcplib.Description("The workflow instance ID"),
		),
		mcplib.WithString("step_id",
			mcplib.Required(),
			mcplib.Description("The checkpoint step the decision targets"),
		),
		mcplib.WithString("option_id",
			mcplib.Required(),
			mcplib.Description("The chosen option ID"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleResumeWorkflow,
	}
}

func (s *Server) listWorkflowsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_workflows",
		mcplib.WithDescription("List in-flight and recent workflow instances"),
		mcplib.WithString("status",
			mcplib.Description("Filter by status, e.g. awaiting-checkpoint"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListWorkflows,
	}
}

func (s *Server) handleRunOperation(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	command, _ := args["command"].(string)
	actionID, _ := args["action"].(string)
	if command == "" || actionID == "" {
		return mcplib.NewToolResultError("command and action are required"), nil
	}
	params, _ := args["params"].(map[string]any)

	env, err := s.resolver.Invoke(ctx, command, actionID, params)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("operation failed", err), nil
	}
	return envelopeResult(env)
}

func (s *Server) handleContinueOperation(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	tok, _ := args["token"].(string)
	actionID, _ := args["action"].(string)
	if tok == "" || actionID == "" {
		return mcplib.NewToolResultError("token and action are required"), nil
	}
	params, _ := args["params"].(map[string]any)

	env, err := s.resolver.Resolve(ctx, tok, actionID, params)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("resolution failed", err), nil
	}
	return envelopeResult(env)
}

func (s *Server) handleRunWorkflow(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	definition, _ := args["definition"].(string)
	if definition == "" {
		return mcplib.NewToolResultError("definition is required"), nil
	}
	params, _ := args["params"].(map[string]any)

	def, err := s.engine.ParseDefinition([]byte(definition))
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("invalid workflow definition", err), nil
	}

	m, err := s.engine.Start(ctx, def, params)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("workflow failed to start", err), nil
	}
	return manifestResult(m)
}

func (s *Server) handleResumeWorkflow(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	args := req.GetArguments()
	workflowID, _ := args["workflow_id"].(string)
	stepID, _ := args["step_id"].(string)
	optionID, _ := args["option_id"].(string)
	if workflowID == "" || stepID == "" || optionID == "" {
		return mcplib.NewToolResultError("workflow_id, step_id and option_id are required"), nil
	}

	m, err := s.engine.Resume(ctx, workflow.Decision{
		WorkflowID:       workflowID,
		CheckpointStepID: stepID,
		ChosenOptionID:   optionID,
	})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("resume failed", err), nil
	}
	return manifestResult(m)
}

func (s *Server) handleListWorkflows(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	status, _ := req.GetArguments()["status"].(string)

	list, err := s.engine.List(ctx, checkpoint.Filter{Status: workflow.Status(status)})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list workflows", err), nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal workflows", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func envelopeResult(env any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func manifestResult(m *workflow.Manifest) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal manifest", err), nil
	}
	return toolResultJSON(string(data)), nil
}
