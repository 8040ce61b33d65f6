package api_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shibaleo/mcpist-sub002/internal/api"
	"github.com/shibaleo/mcpist-sub002/internal/authz"
	"github.com/shibaleo/mcpist-sub002/internal/crypto"
	"github.com/shibaleo/mcpist-sub002/internal/keys"
	"github.com/shibaleo/mcpist-sub002/internal/mcp"
	"github.com/shibaleo/mcpist-sub002/internal/ratelimit"
	"github.com/shibaleo/mcpist-sub002/internal/registry"
	"github.com/shibaleo/mcpist-sub002/internal/registry/registrytest"
	"github.com/shibaleo/mcpist-sub002/internal/store"
	"github.com/shibaleo/mcpist-sub002/internal/tokenbroker"
	"github.com/shibaleo/mcpist-sub002/internal/usage"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// fixture stands up the full management router over a memory store, with
// real gateway-token verification against a test JWKS origin.
type fixture struct {
	svc      *keys.Service
	store    *store.MemoryStore
	recorder *usage.Recorder
	srv      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	seed, err := keys.GenerateSeed()
	if err != nil {
		t.Fatal(err)
	}
	svc, err := keys.NewService(seed, "srv-1")
	if err != nil {
		t.Fatal(err)
	}
	origin := httptest.NewServer(svc.JWKSHandler())
	t.Cleanup(origin.Close)

	cipher, err := crypto.NewCipher(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	if err != nil {
		t.Fatal(err)
	}

	s := store.NewMemoryStore()
	reg := registry.New(registrytest.NewStubModule("notion"))
	if err := reg.Sync(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	recorder := usage.New(s)
	broker := tokenbroker.New(s, cipher)
	server := mcp.NewServer(reg, broker, s, recorder, "test", "")

	srv := httptest.NewServer(api.NewRouter(api.RouterDeps{
		Handlers:   api.NewHandlers(s, reg, cipher, svc, recorder),
		Authorizer: authz.New(s, keys.NewRemoteJWKS(origin.URL)),
		Limiter:    ratelimit.NewWithPolicy(1000, time.Second),
		Transport:  mcp.NewTransport(server),
		Keys:       svc,
		Version:    "test",
	}))
	t.Cleanup(srv.Close)

	return &fixture{svc: svc, store: s, recorder: recorder, srv: srv}
}

func (f *fixture) seedUser(t *testing.T, id string, role models.Role) string {
	t.Helper()
	f.store.SeedUser(&models.User{
		ID:            id,
		Email:         id + "@example.com",
		AccountStatus: models.AccountActive,
		PlanID:        store.DefaultPlanID,
		Role:          role,
	})
	tok, err := f.svc.MintGatewayToken(id, "", "")
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(authz.GatewayTokenHeader, token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestRegister_Idempotent(t *testing.T) {
	f := newFixture(t)

	userIDs := make(map[string]bool)
	for i := 0; i < 3; i++ {
		tok, err := f.svc.MintGatewayToken("", "auth0|alice", "alice@example.com")
		if err != nil {
			t.Fatal(err)
		}
		resp := f.do(t, http.MethodPost, "/v1/me/register", tok, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("register #%d status = %d", i, resp.StatusCode)
		}
		var user models.User
		decode(t, resp, &user)
		if user.Email != "alice@example.com" {
			t.Errorf("email = %q", user.Email)
		}
		userIDs[user.ID] = true
	}
	if len(userIDs) != 1 {
		t.Errorf("repeated registration produced %d distinct users", len(userIDs))
	}
}

func TestPutCredential_SeedsDefaultToolSettings(t *testing.T) {
	f := newFixture(t)
	tok := f.seedUser(t, "u1", models.RoleUser)

	resp := f.do(t, http.MethodPut, "/v1/me/credentials/notion", tok,
		`{"auth_type":"api_key","api_key":"sk-secret"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put credential status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/v1/me/modules/config", tok, "")
	var body struct {
		Modules []struct {
			Name   string `json:"name"`
			Linked bool   `json:"linked"`
			Tools  []struct {
				ID        string `json:"id"`
				Enabled   bool   `json:"enabled"`
				Dangerous bool   `json:"dangerous"`
			} `json:"tools"`
		} `json:"modules"`
	}
	decode(t, resp, &body)
	if len(body.Modules) != 1 || body.Modules[0].Name != "notion" {
		t.Fatalf("modules = %+v", body.Modules)
	}
	if !body.Modules[0].Linked {
		t.Error("module not marked linked after credential put")
	}
	// Read-only tools enable by default, destructive ones stay off.
	for _, tool := range body.Modules[0].Tools {
		switch tool.ID {
		case "notion:search":
			if !tool.Enabled || tool.Dangerous {
				t.Errorf("search = %+v", tool)
			}
		case "notion:delete_page":
			if tool.Enabled || !tool.Dangerous {
				t.Errorf("delete_page = %+v", tool)
			}
		default:
			t.Errorf("unexpected tool %q", tool.ID)
		}
	}
}

func TestGetCredential_BlobNeverLeaves(t *testing.T) {
	f := newFixture(t)
	tok := f.seedUser(t, "u1", models.RoleUser)

	f.do(t, http.MethodPut, "/v1/me/credentials/notion", tok,
		`{"auth_type":"api_key","api_key":"sk-secret"}`)

	resp := f.do(t, http.MethodGet, "/v1/me/credentials/notion", tok, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var raw map[string]any
	decode(t, resp, &raw)
	blob, _ := json.Marshal(raw)
	if strings.Contains(string(blob), "sk-secret") || raw["encrypted_blob"] != nil {
		t.Errorf("credential response leaks secret material: %s", blob)
	}
	if raw["module_name"] != "notion" {
		t.Errorf("module_name = %v", raw["module_name"])
	}
}

func TestUpdateModuleDescription_Limit(t *testing.T) {
	f := newFixture(t)
	tok := f.seedUser(t, "u1", models.RoleUser)

	long, _ := json.Marshal(strings.Repeat("x", 257))
	resp := f.do(t, http.MethodPut, "/v1/me/modules/notion/description", tok,
		`{"description":`+string(long)+`}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("257-char description status = %d, want 400", resp.StatusCode)
	}

	ok, _ := json.Marshal(strings.Repeat("x", 256))
	resp = f.do(t, http.MethodPut, "/v1/me/modules/notion/description", tok,
		`{"description":`+string(ok)+`}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("256-char description status = %d, want 200", resp.StatusCode)
	}
}

func TestAPIKeys_IssueListDelete(t *testing.T) {
	f := newFixture(t)
	tok := f.seedUser(t, "u1", models.RoleUser)

	resp := f.do(t, http.MethodPost, "/v1/me/apikeys", tok, `{"display_name":"ci"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created struct {
		ID     string `json:"id"`
		APIKey string `json:"api_key"`
	}
	decode(t, resp, &created)
	if !strings.HasPrefix(created.APIKey, models.APIKeyPrefix) {
		t.Errorf("api key = %q, want %q prefix", created.APIKey, models.APIKeyPrefix)
	}

	// The key itself is returned once; the list carries metadata only.
	resp = f.do(t, http.MethodGet, "/v1/me/apikeys", tok, "")
	var list struct {
		APIKeys []map[string]any `json:"api_keys"`
	}
	decode(t, resp, &list)
	if len(list.APIKeys) != 1 {
		t.Fatalf("api_keys = %+v", list.APIKeys)
	}
	raw, _ := json.Marshal(list.APIKeys[0])
	if strings.Contains(string(raw), created.APIKey) {
		t.Error("list response contains the full api key")
	}

	resp = f.do(t, http.MethodDelete, "/v1/me/apikeys/"+created.ID, tok, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodGet, "/v1/me/apikeys", tok, "")
	decode(t, resp, &list)
	if len(list.APIKeys) != 0 {
		t.Errorf("api_keys after delete = %+v", list.APIKeys)
	}
}

func TestGetUsage(t *testing.T) {
	f := newFixture(t)
	tok := f.seedUser(t, "u1", models.RoleUser)

	f.recorder.Record("u1", models.MetaToolRun, "req-1", []models.UsageDetail{
		{Module: "notion", Tool: "notion:search"},
	})
	f.recorder.Flush()

	today := time.Now().UTC().Format("2006-01-02")
	tomorrow := time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")
	resp := f.do(t, http.MethodGet, "/v1/me/usage?start="+today+"&end="+tomorrow, tok, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var summary models.UsageSummary
	decode(t, resp, &summary)
	if summary.TotalUsed != 1 || summary.ByModule["notion"] != 1 {
		t.Errorf("summary = %+v", summary)
	}

	resp = f.do(t, http.MethodGet, "/v1/me/usage?start=bogus&end="+tomorrow, tok, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad start status = %d, want 400", resp.StatusCode)
	}
}

func TestAdmin_RoleRequired(t *testing.T) {
	f := newFixture(t)
	userTok := f.seedUser(t, "u1", models.RoleUser)
	adminTok := f.seedUser(t, "a1", models.RoleAdmin)

	resp := f.do(t, http.MethodGet, "/v1/admin/oauth/apps", userTok, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", resp.StatusCode)
	}
	var errBody struct {
		Error string `json:"error"`
	}
	decode(t, resp, &errBody)
	if errBody.Error != authz.CodeForbidden {
		t.Errorf("error = %q", errBody.Error)
	}

	resp = f.do(t, http.MethodGet, "/v1/admin/oauth/apps", adminTok, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin status = %d", resp.StatusCode)
	}
}

func TestAdmin_OAuthAppSecretHandling(t *testing.T) {
	f := newFixture(t)
	adminTok := f.seedUser(t, "a1", models.RoleAdmin)

	// A new provider needs a secret.
	resp := f.do(t, http.MethodPut, "/v1/admin/oauth/apps/notion", adminTok,
		`{"client_id":"cid"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing secret status = %d, want 400", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPut, "/v1/admin/oauth/apps/notion", adminTok,
		`{"client_id":"cid","client_secret":"shh","token_url":"https://idp/token","enabled":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var raw map[string]any
	decode(t, resp, &raw)
	blob, _ := json.Marshal(raw)
	if strings.Contains(string(blob), "shh") {
		t.Errorf("response leaks client secret: %s", blob)
	}

	// An omitted secret on update preserves the stored one.
	resp = f.do(t, http.MethodPut, "/v1/admin/oauth/apps/notion", adminTok,
		`{"client_id":"cid-2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	app, err := f.store.GetOAuthApp(context.Background(), "notion")
	if err != nil {
		t.Fatal(err)
	}
	if app.ClientID != "cid-2" || app.EncryptedClientSecret == "" {
		t.Errorf("app after update = %+v", app)
	}
}

func TestPrompts_CRUDAndNameConflict(t *testing.T) {
	f := newFixture(t)
	tok := f.seedUser(t, "u1", models.RoleUser)

	resp := f.do(t, http.MethodPost, "/v1/me/prompts", tok,
		`{"name":"daily","content":"Summarize {{topic}}","enabled":true}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created models.Prompt
	decode(t, resp, &created)

	resp = f.do(t, http.MethodPost, "/v1/me/prompts", tok,
		`{"name":"daily","content":"other","enabled":true}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate name status = %d, want 409", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPut, "/v1/me/prompts/"+created.ID, tok,
		`{"name":"daily","content":"Summarize {{topic}} briefly","enabled":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("update status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodDelete, "/v1/me/prompts/"+created.ID, tok, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodGet, "/v1/me/prompts/"+created.ID, tok, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", resp.StatusCode)
	}
}
