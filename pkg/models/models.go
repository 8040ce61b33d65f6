// Package models defines the shared domain types for the mcpist gateway:
// users, plans, modules, credentials, API keys, usage records and prompts.
package models

import (
	"time"
)

// ── User ─────────────────────────────────────────────────────

type AccountStatus string

const (
	AccountPreActive AccountStatus = "pre_active"
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is an end user of the gateway. Created on first successful
// authentication against the external IdP.
type User struct {
	ID            string         `json:"id"`
	ExternalID    string         `json:"external_id"`
	Email         string         `json:"email"`
	AccountStatus AccountStatus  `json:"account_status"`
	PlanID        string         `json:"plan_id"`
	Role          Role           `json:"role"`
	Settings      map[string]any `json:"settings,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Plan is read-only master data describing usage entitlements.
type Plan struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DailyLimit int    `json:"daily_limit"`
}

// ── Modules & Tools ──────────────────────────────────────────

type ModuleStatus string

const (
	ModuleActive     ModuleStatus = "active"
	ModuleBeta       ModuleStatus = "beta"
	ModuleDeprecated ModuleStatus = "deprecated"
)

// ToolAnnotations carry the MCP semantic hints for a tool. Each field is
// optional; absent means the MCP default (readOnly=false, destructive=true,
// idempotent=false, openWorld=true).
type ToolAnnotations struct {
	ReadOnlyHint    *bool `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool `json:"openWorldHint,omitempty"`
}

// ReadOnly reports the effective readOnlyHint.
func (a ToolAnnotations) ReadOnly() bool {
	return a.ReadOnlyHint != nil && *a.ReadOnlyHint
}

// Destructive reports the effective destructiveHint.
func (a ToolAnnotations) Destructive() bool {
	return a.DestructiveHint == nil || *a.DestructiveHint
}

// ToolDescriptor describes one operation of a module. Immutable.
type ToolDescriptor struct {
	ID           string            `json:"id"` // "{module}:{name}"
	Name         string            `json:"name"`
	Descriptions map[string]string `json:"descriptions,omitempty"`
	Annotations  ToolAnnotations   `json:"annotations"`
	InputSchema  map[string]any    `json:"input_schema"`
}

// Description returns the descriptor text for a language, falling back to
// English, falling back to any.
func (t ToolDescriptor) Description(lang string) string {
	if d, ok := t.Descriptions[lang]; ok {
		return d
	}
	if d, ok := t.Descriptions["en"]; ok {
		return d
	}
	for _, d := range t.Descriptions {
		return d
	}
	return ""
}

// ModuleMeta is the serialized module shape upserted into the database at
// boot so the console can render tool metadata without calling the server.
type ModuleMeta struct {
	Name         string            `json:"name"`
	Status       ModuleStatus      `json:"status"`
	Tools        []ToolDescriptor  `json:"tools"`
	Descriptions map[string]string `json:"descriptions,omitempty"`
}

// ── Per-user tool configuration ──────────────────────────────

// ToolSetting enables or disables a single tool for a user. Rows exist only
// for tools the user has seen (seeded on first credential link).
type ToolSetting struct {
	UserID   string `json:"user_id"`
	ModuleID string `json:"module_id"`
	ToolID   string `json:"tool_id"` // "{module}:{name}"
	Enabled  bool   `json:"enabled"`
}

// ModuleSetting is an optional user-supplied module annotation.
type ModuleSetting struct {
	UserID      string `json:"user_id"`
	ModuleID    string `json:"module_id"`
	Description string `json:"description"` // ≤256 chars
}

// ToolSettingsMap folds a settings list into module → tool_id → enabled.
// Later entries for the same (module, tool) pair win.
func ToolSettingsMap(settings []ToolSetting) map[string]map[string]bool {
	m := make(map[string]map[string]bool)
	for _, s := range settings {
		tools, ok := m[s.ModuleID]
		if !ok {
			tools = make(map[string]bool)
			m[s.ModuleID] = tools
		}
		tools[s.ToolID] = s.Enabled
	}
	return m
}

// ── Credentials ──────────────────────────────────────────────

type AuthType string

const (
	AuthOAuth1 AuthType = "oauth1"
	AuthOAuth2 AuthType = "oauth2"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
)

// Credential is the stored, encrypted secret material for one
// (user, module) pair. EncryptedBlob is AEAD ciphertext with a key-version
// prefix; the plaintext shape is CredentialData.
type Credential struct {
	UserID        string    `json:"user_id"`
	ModuleName    string    `json:"module_name"`
	EncryptedBlob string    `json:"-"`
	KeyVersion    string    `json:"key_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// CredentialData is the decrypted credential payload. The field set depends
// on AuthType; unknown provider-specific fields ride along in Extra.
type CredentialData struct {
	AuthType     AuthType       `json:"auth_type"`
	AccessToken  string         `json:"access_token,omitempty"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	TokenType    string         `json:"token_type,omitempty"`
	Scope        string         `json:"scope,omitempty"`
	ExpiresAt    int64          `json:"expires_at,omitempty"` // Unix seconds; 0 = never
	APIKey       string         `json:"api_key,omitempty"`
	Username     string         `json:"username,omitempty"`
	Password     string         `json:"password,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Expired reports whether the credential expires within skew of now.
// Credentials without an expiry never expire.
func (c CredentialData) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return time.Unix(c.ExpiresAt, 0).Before(now.Add(skew))
}

// OAuthApp holds the per-provider OAuth client used for token refresh.
type OAuthApp struct {
	Provider              string `json:"provider"`
	ClientID              string `json:"client_id"`
	EncryptedClientSecret string `json:"-"`
	RedirectURI           string `json:"redirect_uri"`
	TokenURL              string `json:"token_url"`
	Enabled               bool   `json:"enabled"`
}

// ── API Keys ─────────────────────────────────────────────────

// APIKeyPrefix is prepended to the signed JWT to form the presented key.
const APIKeyPrefix = "mpt_"

// APIKey is the server-side metadata row for an issued key. The key itself
// is an Ed25519-signed JWT and is never stored.
type APIKey struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	JWTKid      string     `json:"jwt_kid"`
	KeyPrefix   string     `json:"key_prefix"`
	DisplayName string     `json:"display_name"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ── Usage ────────────────────────────────────────────────────

type MetaTool string

const (
	MetaToolRun   MetaTool = "run"
	MetaToolBatch MetaTool = "batch"
)

// UsageDetail records one executed (module, tool) inside an invocation.
type UsageDetail struct {
	Module string `json:"module"`
	Tool   string `json:"tool"`
	TaskID string `json:"task_id,omitempty"`
}

// UsageRecord is one append-only tool-invocation row.
type UsageRecord struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	MetaTool  MetaTool      `json:"meta_tool"`
	RequestID string        `json:"request_id"`
	Details   []UsageDetail `json:"details"`
	CreatedAt time.Time     `json:"created_at"`
}

// UsageSummary aggregates records over a [start, end) date range.
type UsageSummary struct {
	TotalUsed int            `json:"total_used"`
	ByModule  map[string]int `json:"by_module"`
	Period    UsagePeriod    `json:"period"`
}

type UsagePeriod struct {
	Start string `json:"start"` // YYYY-MM-DD inclusive
	End   string `json:"end"`   // YYYY-MM-DD exclusive
}

// ── Prompts ──────────────────────────────────────────────────

// Prompt is a user-defined prompt exposed via MCP prompts/list|get.
type Prompt struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ModuleID    string    `json:"module_id,omitempty"`
	Name        string    `json:"name"` // unique per user
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ── Derived per-request context ──────────────────────────────

// UserContext is the per-request authorization snapshot computed by the
// Authorizer from live DB reads. Never cached across requests.
type UserContext struct {
	UserID             string              `json:"user_id"`
	AccountStatus      AccountStatus       `json:"account_status"`
	Role               Role                `json:"role"`
	PlanID             string              `json:"plan_id"`
	DailyUsed          int                 `json:"daily_used"`
	DailyLimit         int                 `json:"daily_limit"`
	EnabledTools       map[string][]string `json:"enabled_tools"` // module → ["module:tool", ...]
	ModuleDescriptions map[string]string   `json:"module_descriptions,omitempty"`
}

// EnabledModules returns the module names with at least one enabled tool,
// i.e. exactly the key set of EnabledTools.
func (uc *UserContext) EnabledModules() []string {
	mods := make([]string, 0, len(uc.EnabledTools))
	for m := range uc.EnabledTools {
		mods = append(mods, m)
	}
	return mods
}

// IsAdmin reports whether the caller holds the admin role.
func (uc *UserContext) IsAdmin() bool {
	return uc.Role == RoleAdmin
}

// ToolEnabled reports whether the exact "module:tool" id is enabled.
func (uc *UserContext) ToolEnabled(module, toolID string) bool {
	for _, id := range uc.EnabledTools[module] {
		if id == toolID {
			return true
		}
	}
	return false
}
