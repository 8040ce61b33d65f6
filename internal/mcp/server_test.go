package mcp_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shibaleo/mcpist-sub002/internal/authz"
	"github.com/shibaleo/mcpist-sub002/internal/crypto"
	"github.com/shibaleo/mcpist-sub002/internal/mcp"
	"github.com/shibaleo/mcpist-sub002/internal/registry"
	"github.com/shibaleo/mcpist-sub002/internal/registry/registrytest"
	"github.com/shibaleo/mcpist-sub002/internal/store"
	"github.com/shibaleo/mcpist-sub002/internal/tokenbroker"
	"github.com/shibaleo/mcpist-sub002/internal/usage"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

type fixture struct {
	store    *store.MemoryStore
	notion   *registrytest.StubModule
	recorder *usage.Recorder
	server   *mcp.Server
	uc       *models.UserContext
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	s := store.NewMemoryStore()

	// Stored API-key credential so dispatch finds secret material without
	// any refresh traffic.
	plaintext, _ := json.Marshal(models.CredentialData{
		AuthType: models.AuthAPIKey,
		APIKey:   "notion-secret",
	})
	blob, err := cipher.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	err = s.UpsertCredential(context.Background(), &models.Credential{
		UserID:        "u1",
		ModuleName:    "notion",
		EncryptedBlob: blob,
		KeyVersion:    crypto.CurrentKeyVersion,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	notion := registrytest.NewStubModule("notion")
	reg := registry.New(notion)
	recorder := usage.New(s)
	broker := tokenbroker.New(s, cipher)

	return &fixture{
		store:    s,
		notion:   notion,
		recorder: recorder,
		server:   mcp.NewServer(reg, broker, s, recorder, "test", ""),
		uc: &models.UserContext{
			UserID:        "u1",
			AccountStatus: models.AccountActive,
			DailyUsed:     5,
			DailyLimit:    50,
			EnabledTools: map[string][]string{
				"notion": {"notion:search"},
			},
		},
	}
}

func (f *fixture) ctx() context.Context {
	ctx := authz.WithUserContext(context.Background(), f.uc)
	return authz.WithRequestID(ctx, "req-fixture")
}

func (f *fixture) call(t *testing.T, method string, params any) *models.MCPResponse {
	t.Helper()
	req := &models.MCPRequest{Jsonrpc: "2.0", Method: method, ID: json.RawMessage(`1`)}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		req.Params = raw
	}
	return f.server.HandleRequest(f.ctx(), req)
}

func (f *fixture) toolCall(t *testing.T, name string, args any) *models.MCPResponse {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	return f.call(t, "tools/call", models.MCPToolCallParams{Name: name, Arguments: raw})
}

func (f *fixture) usageRows(t *testing.T) []models.UsageRecord {
	t.Helper()
	f.recorder.Flush()
	rows, err := f.store.ListUsageBetween(context.Background(), "u1",
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func toolResult(t *testing.T, resp *models.MCPResponse) *models.MCPToolResult {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	res, ok := resp.Result.(*models.MCPToolResult)
	if !ok {
		t.Fatalf("result type = %T", resp.Result)
	}
	return res
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)
	resp := f.call(t, "initialize", map[string]any{})
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["protocolVersion"] != mcp.ProtocolVersion {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]any)
	if info["name"] != mcp.ServerName {
		t.Errorf("serverInfo = %v", info)
	}
}

func TestInitializedNotification(t *testing.T) {
	f := newFixture(t)
	req := &models.MCPRequest{Jsonrpc: "2.0", Method: "notifications/initialized"}
	if resp := f.server.HandleRequest(f.ctx(), req); resp != nil {
		t.Errorf("notification produced a response: %+v", resp)
	}
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	if resp := f.call(t, "ping", nil); resp.Error != nil {
		t.Errorf("ping error = %+v", resp.Error)
	}
}

func TestMethodNotFound(t *testing.T) {
	f := newFixture(t)
	resp := f.call(t, "resources/list", nil)
	if resp.Error == nil || resp.Error.Code != models.RPCMethodNotFound {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestToolsList_ThreeMetaTools(t *testing.T) {
	f := newFixture(t)
	resp := f.call(t, "tools/list", nil)
	tools := resp.Result.(map[string]any)["tools"].([]models.MCPToolInfo)
	if len(tools) != 3 {
		t.Fatalf("tools = %d, want exactly 3 meta-tools", len(tools))
	}
}

func TestRun_Success(t *testing.T) {
	f := newFixture(t)
	resp := f.toolCall(t, "run", map[string]any{
		"module": "notion",
		"tool":   "search",
		"params": map[string]any{"q": "todo"},
	})
	res := toolResult(t, resp)
	if res.IsError || len(res.Content) == 0 || res.Content[0].Text == "" {
		t.Fatalf("result = %+v", res)
	}

	rows := f.usageRows(t)
	if len(rows) != 1 {
		t.Fatalf("usage rows = %d, want 1", len(rows))
	}
	rec := rows[0]
	if rec.MetaTool != models.MetaToolRun || rec.RequestID != "req-fixture" {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Details) != 1 || rec.Details[0].Module != "notion" || rec.Details[0].Tool != "search" {
		t.Errorf("details = %+v", rec.Details)
	}
	if f.notion.Calls.Load() != 1 {
		t.Errorf("module calls = %d", f.notion.Calls.Load())
	}
}

func TestRun_DisabledTool(t *testing.T) {
	f := newFixture(t)
	resp := f.toolCall(t, "run", map[string]any{
		"module": "notion",
		"tool":   "delete_page",
		"params": map[string]any{"page_id": "p1"},
	})
	if resp.Error == nil || resp.Error.Code != models.RPCPermissionDenied {
		t.Fatalf("error = %+v", resp.Error)
	}
	if want := "Tool 'notion:delete_page' is not enabled for your account"; resp.Error.Message != want {
		t.Errorf("message = %q, want %q", resp.Error.Message, want)
	}
	if rows := f.usageRows(t); len(rows) != 0 {
		t.Errorf("usage rows = %d, want none on denial", len(rows))
	}
}

func TestRun_ModuleNotEnabled(t *testing.T) {
	f := newFixture(t)
	resp := f.toolCall(t, "run", map[string]any{"module": "github", "tool": "search"})
	if resp.Error == nil || resp.Error.Code != models.RPCPermissionDenied {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestRun_QuotaExceeded(t *testing.T) {
	f := newFixture(t)
	f.uc.DailyUsed = 50
	resp := f.toolCall(t, "run", map[string]any{
		"module": "notion",
		"tool":   "search",
	})
	if resp.Error == nil || resp.Error.Code != models.RPCUsageLimitExceeded {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestRun_Formats(t *testing.T) {
	f := newFixture(t)

	// Default format routes through the compact projection.
	res := toolResult(t, f.toolCall(t, "run", map[string]any{
		"module": "notion",
		"tool":   "search",
	}))
	if !strings.Contains(res.Content[0].Text, "ok: true") {
		t.Errorf("compact output = %q", res.Content[0].Text)
	}

	// format=json returns the raw provider JSON.
	res = toolResult(t, f.toolCall(t, "run", map[string]any{
		"module": "notion",
		"tool":   "search",
		"format": "json",
	}))
	if !strings.HasPrefix(res.Content[0].Text, "{") {
		t.Errorf("json output = %q", res.Content[0].Text)
	}
}

func TestRun_ExecutionErrorIsResult(t *testing.T) {
	f := newFixture(t)
	f.notion.RunFunc = func(ctx context.Context, tool string, params map[string]any) (string, error) {
		return "", context.DeadlineExceeded
	}
	resp := f.toolCall(t, "run", map[string]any{"module": "notion", "tool": "search"})
	res := toolResult(t, resp)
	if !res.IsError {
		t.Fatalf("execution failure not surfaced as isError result: %+v", res)
	}
	if rows := f.usageRows(t); len(rows) != 0 {
		t.Errorf("usage rows = %d, want none on failure", len(rows))
	}
}

func TestGetModuleSchema(t *testing.T) {
	f := newFixture(t)
	resp := f.toolCall(t, "get_module_schema", map[string]any{"module": "notion"})
	res := toolResult(t, resp)

	var schemas []struct {
		Module string               `json:"module"`
		Tools  []models.MCPToolInfo `json:"tools"`
	}
	if err := json.Unmarshal([]byte(res.Content[0].Text), &schemas); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(schemas) != 1 || schemas[0].Module != "notion" {
		t.Fatalf("schemas = %+v", schemas)
	}
	// Only the enabled tool is listed.
	if len(schemas[0].Tools) != 1 || schemas[0].Tools[0].Name != "search" {
		t.Errorf("tools = %+v", schemas[0].Tools)
	}
}

func TestGetModuleSchema_InaccessibleOmitted(t *testing.T) {
	f := newFixture(t)
	resp := f.toolCall(t, "get_module_schema", map[string]any{"module": []string{"notion", "github"}})
	res := toolResult(t, resp)
	var schemas []map[string]any
	if err := json.Unmarshal([]byte(res.Content[0].Text), &schemas); err != nil {
		t.Fatal(err)
	}
	if len(schemas) != 1 {
		t.Errorf("schemas = %+v, want the inaccessible module omitted", schemas)
	}
}

func TestBatch_TooLarge(t *testing.T) {
	f := newFixture(t)
	lines := make([]string, 11)
	for i := range lines {
		lines[i] = `{"module":"notion","tool":"search"}`
	}
	resp := f.toolCall(t, "batch", map[string]any{"commands": strings.Join(lines, "\n")})
	if resp.Error == nil || resp.Error.Code != models.RPCInvalidParams {
		t.Fatalf("error = %+v", resp.Error)
	}
	if want := "batch too large: 11 commands (max 10)"; resp.Error.Message != want {
		t.Errorf("message = %q, want %q", resp.Error.Message, want)
	}
}

func TestBatch_MalformedLinesSkipped(t *testing.T) {
	f := newFixture(t)
	commands := strings.Join([]string{
		`{"module":"notion","tool":"search","task_id":"a"}`,
		`{not json`,
		"",
		`{"tool":"missing-module"}`,
		`{"module":"notion","tool":"search","task_id":"b"}`,
	}, "\n")
	resp := f.toolCall(t, "batch", map[string]any{"commands": commands})
	res := toolResult(t, resp)

	var results []map[string]any
	if err := json.Unmarshal([]byte(res.Content[0].Text), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("results = %d, want only the 2 well-formed commands", len(results))
	}
}

func TestBatch_PartialDenial(t *testing.T) {
	f := newFixture(t)

	// The specifics of the denial go to the security log only.
	var logged bytes.Buffer
	orig := log.Logger
	log.Logger = zerolog.New(&logged)
	t.Cleanup(func() { log.Logger = orig })

	commands := `{"module":"notion","tool":"search"}` + "\n" +
		`{"module":"notion","tool":"delete_page"}`
	resp := f.toolCall(t, "batch", map[string]any{"commands": commands})
	if resp.Error == nil || resp.Error.Code != models.RPCPermissionDenied {
		t.Fatalf("error = %+v", resp.Error)
	}
	// The public message never names the blocked tool.
	if want := "batch rejected: one or more tools are not permitted"; resp.Error.Message != want {
		t.Errorf("message = %q, want %q", resp.Error.Message, want)
	}
	if strings.Contains(resp.Error.Message, "delete_page") {
		t.Error("denial message leaks the blocked tool")
	}
	for _, want := range []string{
		`"event":"security"`,
		`"denied_tools":["notion:delete_page(TOOL_DISABLED)"]`,
	} {
		if !strings.Contains(logged.String(), want) {
			t.Errorf("security log missing %s: %s", want, logged.String())
		}
	}
	if rows := f.usageRows(t); len(rows) != 0 {
		t.Errorf("usage rows = %d, want none", len(rows))
	}
	if f.notion.Calls.Load() != 0 {
		t.Errorf("module calls = %d, want none before pre-flight passes", f.notion.Calls.Load())
	}
}

// An exhausted quota is a usage-limit failure, not a permission failure.
// Pre-flight only checks enablement; the quota is judged once, against the
// whole batch.
func TestBatch_OverQuotaIsUsageLimitError(t *testing.T) {
	f := newFixture(t)
	f.uc.DailyUsed = 51
	resp := f.toolCall(t, "batch", map[string]any{
		"commands": `{"module":"notion","tool":"search"}`,
	})
	if resp.Error == nil || resp.Error.Code != models.RPCUsageLimitExceeded {
		t.Fatalf("error = %+v, want usage limit exceeded", resp.Error)
	}
	if f.notion.Calls.Load() != 0 {
		t.Errorf("module calls = %d, want none", f.notion.Calls.Load())
	}
}

func TestBatch_AggregateQuota(t *testing.T) {
	f := newFixture(t)
	f.uc.DailyUsed = 49
	commands := `{"module":"notion","tool":"search"}` + "\n" +
		`{"module":"notion","tool":"search"}`
	resp := f.toolCall(t, "batch", map[string]any{"commands": commands})
	if resp.Error == nil || resp.Error.Code != models.RPCUsageLimitExceeded {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestBatch_Success(t *testing.T) {
	f := newFixture(t)
	f.uc.EnabledTools["notion"] = []string{"notion:search", "notion:delete_page"}
	commands := `{"module":"notion","tool":"search","task_id":"t1"}` + "\n" +
		`{"module":"notion","tool":"delete_page","params":{"page_id":"p1"},"task_id":"t2"}`
	resp := f.toolCall(t, "batch", map[string]any{"commands": commands})
	res := toolResult(t, resp)

	var results []struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(res.Content[0].Text), &results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].TaskID != "t1" || results[1].Status != "ok" {
		t.Errorf("results = %+v", results)
	}

	// One usage row per successful sub-task, sharing the request id.
	rows := f.usageRows(t)
	if len(rows) != 2 {
		t.Fatalf("usage rows = %d, want 2", len(rows))
	}
	for _, rec := range rows {
		if rec.MetaTool != models.MetaToolBatch || rec.RequestID != "req-fixture" {
			t.Errorf("record = %+v", rec)
		}
	}
}

func TestBatch_PerTaskExecutionErrors(t *testing.T) {
	f := newFixture(t)
	f.uc.EnabledTools["notion"] = []string{"notion:search", "notion:delete_page"}
	f.notion.RunFunc = func(ctx context.Context, tool string, params map[string]any) (string, error) {
		if tool == "delete_page" {
			return "", context.DeadlineExceeded
		}
		return `{"ok":true}`, nil
	}
	commands := `{"module":"notion","tool":"search","task_id":"t1"}` + "\n" +
		`{"module":"notion","tool":"delete_page","task_id":"t2"}`
	res := toolResult(t, f.toolCall(t, "batch", map[string]any{"commands": commands}))

	var results []struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(res.Content[0].Text), &results); err != nil {
		t.Fatal(err)
	}
	if results[0].Status != "ok" || results[1].Status != "error" {
		t.Errorf("results = %+v", results)
	}
	// Only the successful sub-task is recorded.
	if rows := f.usageRows(t); len(rows) != 1 {
		t.Errorf("usage rows = %d, want 1", len(rows))
	}
}

func TestPrompts(t *testing.T) {
	f := newFixture(t)
	err := f.store.CreatePrompt(context.Background(), &models.Prompt{
		ID:          "p1",
		UserID:      "u1",
		Name:        "daily-review",
		Description: "Review notes",
		Content:     "Summarize my notes about {{topic}} from {{date}}.",
		Enabled:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = f.store.CreatePrompt(context.Background(), &models.Prompt{
		ID: "p2", UserID: "u1", Name: "disabled-one", Content: "x", Enabled: false,
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := f.call(t, "prompts/list", nil)
	prompts := resp.Result.(map[string]any)["prompts"].([]models.MCPPromptInfo)
	if len(prompts) != 1 || prompts[0].Name != "daily-review" {
		t.Fatalf("prompts = %+v", prompts)
	}
	if len(prompts[0].Arguments) != 2 {
		t.Errorf("arguments = %+v, want topic and date", prompts[0].Arguments)
	}

	resp = f.call(t, "prompts/get", map[string]any{
		"name":      "daily-review",
		"arguments": map[string]string{"topic": "launch", "date": "2026-08-24"},
	})
	if resp.Error != nil {
		t.Fatalf("error = %+v", resp.Error)
	}
	messages := resp.Result.(map[string]any)["messages"].([]models.MCPPromptMessage)
	if len(messages) != 1 || messages[0].Role != "user" {
		t.Fatalf("messages = %+v", messages)
	}
	if want := "Summarize my notes about launch from 2026-08-24."; messages[0].Content.Text != want {
		t.Errorf("rendered = %q", messages[0].Content.Text)
	}

	// Disabled and unknown prompts are invalid params.
	for _, name := range []string{"disabled-one", "nope"} {
		resp = f.call(t, "prompts/get", map[string]any{"name": name})
		if resp.Error == nil || resp.Error.Code != models.RPCInvalidParams {
			t.Errorf("prompts/get(%s) error = %+v", name, resp.Error)
		}
	}
}
