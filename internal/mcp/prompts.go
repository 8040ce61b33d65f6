package mcp

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/rs/zerolog/log"

	"github.com/shibaleo/mcpist-sub002/internal/authz"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// promptArgPattern matches {{name}} placeholders in prompt content.
var promptArgPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

func (s *Server) handlePromptsList(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	uc := authz.UserContextFrom(ctx)
	prompts, err := s.prompts.ListPrompts(ctx, uc.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", uc.UserID).Msg("list prompts")
		return models.NewError(req.ID, models.RPCInternalError, "internal error")
	}

	infos := make([]models.MCPPromptInfo, 0, len(prompts))
	for _, p := range prompts {
		if !p.Enabled {
			continue
		}
		infos = append(infos, models.MCPPromptInfo{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   promptArguments(p.Content),
		})
	}
	return models.NewResult(req.ID, map[string]any{"prompts": infos})
}

type promptsGetParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

func (s *Server) handlePromptsGet(ctx context.Context, req *models.MCPRequest) *models.MCPResponse {
	var params promptsGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return models.NewError(req.ID, models.RPCInvalidParams, "prompts/get requires a name")
	}

	uc := authz.UserContextFrom(ctx)
	prompt, err := s.prompts.GetPromptByName(ctx, uc.UserID, params.Name)
	if err != nil || !prompt.Enabled {
		return models.NewError(req.ID, models.RPCInvalidParams, "unknown prompt: "+params.Name)
	}

	rendered := renderPrompt(prompt.Content, params.Arguments)
	return models.NewResult(req.ID, map[string]any{
		"description": prompt.Description,
		"messages": []models.MCPPromptMessage{
			{Role: "user", Content: models.MCPContent{Type: "text", Text: rendered}},
		},
	})
}

// promptArguments derives the argument list from the {{name}} placeholders
// in the content.
func promptArguments(content string) []models.MCPPromptArgument {
	seen := map[string]bool{}
	var out []models.MCPPromptArgument
	for _, m := range promptArgPattern.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, models.MCPPromptArgument{Name: name, Required: true})
	}
	return out
}

// renderPrompt substitutes {{name}} placeholders with the supplied
// arguments. Unmatched placeholders are left verbatim.
func renderPrompt(content string, args map[string]string) string {
	if len(args) == 0 {
		return content
	}
	return promptArgPattern.ReplaceAllStringFunc(content, func(m string) string {
		name := promptArgPattern.FindStringSubmatch(m)[1]
		if v, ok := args[name]; ok {
			return v
		}
		return m
	})
}
