package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/shibaleo/mcpist-sub002/internal/authz"
	"github.com/shibaleo/mcpist-sub002/internal/registry"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// batchDeniedMessage is deliberately vague: the caller is not told which
// tool was blocked. The specifics go to the security log only.
const batchDeniedMessage = "batch rejected: one or more tools are not permitted"

type batchArgs struct {
	Commands string `json:"commands"`
}

type batchCommand struct {
	Module string         `json:"module"`
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
	TaskID string         `json:"task_id"`
}

// batchTaskResult is one per-task entry of the batch response.
type batchTaskResult struct {
	TaskID string `json:"task_id,omitempty"`
	Module string `json:"module"`
	Tool   string `json:"tool"`
	Status string `json:"status"` // "ok" or "error"
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handleBatch(ctx context.Context, id json.RawMessage, raw json.RawMessage) *models.MCPResponse {
	var args batchArgs
	if err := json.Unmarshal(raw, &args); err != nil || args.Commands == "" {
		return models.NewError(id, models.RPCInvalidParams, "batch requires a commands string")
	}

	// Malformed lines are skipped, not rejected: the commands string is a
	// newline-delimited stream and partial noise is tolerated.
	commands := parseBatchCommands(args.Commands)
	if len(commands) > registry.MaxBatchCommands {
		return models.NewError(id, models.RPCInvalidParams,
			fmt.Sprintf("batch too large: %d commands (max %d)", len(commands), registry.MaxBatchCommands))
	}
	if len(commands) == 0 {
		return models.NewError(id, models.RPCInvalidParams, "batch contains no valid commands")
	}

	uc := authz.UserContextFrom(ctx)
	requestID := authz.RequestIDFrom(ctx)

	// Pre-flight is all-or-nothing: any denied command rejects the whole
	// batch before anything executes.
	var denied []string
	for _, cmd := range commands {
		toolID := registry.ToolID(cmd.Module, cmd.Tool)
		if err := authz.CanAccessTool(uc, cmd.Module, toolID, 0); err != nil {
			denied = append(denied, toolID+"("+err.Code+")")
		}
	}
	if len(denied) > 0 {
		log.Warn().
			Str("event", "security").
			Str("user_id", uc.UserID).
			Str("request_id", requestID).
			Strs("denied_tools", denied).
			Msg("batch pre-flight denied")
		return models.NewError(id, models.RPCPermissionDenied, batchDeniedMessage)
	}

	if uc.DailyLimit > 0 && uc.DailyUsed+len(commands) > uc.DailyLimit {
		return models.NewError(id, models.RPCUsageLimitExceeded, s.accessMessage(authz.ErrUsageLimitExceeded(), "", ""))
	}

	// Execution-time failures are per-task and do not abort siblings.
	results := make([]batchTaskResult, 0, len(commands))
	var details []models.UsageDetail
	for _, cmd := range commands {
		res := batchTaskResult{TaskID: cmd.TaskID, Module: cmd.Module, Tool: cmd.Tool}
		mod, ok := s.registry.Get(cmd.Module)
		if !ok {
			res.Status = "error"
			res.Error = "unknown module: " + cmd.Module
			results = append(results, res)
			continue
		}
		text, err := s.execute(ctx, uc.UserID, mod, cmd.Tool, cmd.Params, "")
		if err != nil {
			res.Status = "error"
			res.Error = err.Error()
		} else {
			res.Status = "ok"
			res.Output = text
			details = append(details, models.UsageDetail{
				Module: cmd.Module,
				Tool:   cmd.Tool,
				TaskID: cmd.TaskID,
			})
		}
		results = append(results, res)
	}

	// One usage row per successful sub-task, all sharing this request id.
	for _, d := range details {
		s.recorder.Record(uc.UserID, models.MetaToolBatch, requestID, []models.UsageDetail{d})
	}

	body, _ := json.Marshal(results)
	return models.NewResult(id, models.TextResult(string(body)))
}

// parseBatchCommands splits the newline-delimited JSON stream, skipping
// blank and malformed lines.
func parseBatchCommands(commands string) []batchCommand {
	var out []batchCommand
	for _, line := range strings.Split(commands, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var cmd batchCommand
		if err := json.Unmarshal([]byte(line), &cmd); err != nil || cmd.Module == "" || cmd.Tool == "" {
			continue
		}
		out = append(out, cmd)
	}
	return out
}
