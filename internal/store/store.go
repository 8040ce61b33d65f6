// Package store provides the storage interface and implementations for the
// mcpist gateway. The in-memory store backs tests and local development;
// PostgreSQL is the system of record in production.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the primary storage interface. All handler and service code
// depends on this interface, making it easy to swap between in-memory
// (tests) and PostgreSQL (production) implementations.
type Store interface {
	UserStore
	PlanStore
	ModuleMetaStore
	CredentialStore
	ToolSettingStore
	ModuleSettingStore
	OAuthAppStore
	APIKeyStore
	UsageStore
	PromptStore

	// LoadUserContext assembles the per-request authorization snapshot
	// (profile, plan limit, today's usage, enabled tools, module
	// descriptions) from live reads in a single transaction.
	LoadUserContext(ctx context.Context, userID string) (*models.UserContext, error)

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Users & Plans ───────────────────────────────────────────

type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error)

	// UpsertUserByExternalID returns the existing user for the external id
	// or creates one. Repeated calls for the same external id are
	// idempotent and never create duplicate rows.
	UpsertUserByExternalID(ctx context.Context, externalID, email string) (*models.User, error)

	UpdateUserSettings(ctx context.Context, id string, settings map[string]any) error
}

type PlanStore interface {
	GetPlan(ctx context.Context, id string) (*models.Plan, error)
}

// ── Module metadata ─────────────────────────────────────────

type ModuleMetaStore interface {
	// UpsertModuleMeta replaces the serialized module table at boot so the
	// console can show tool metadata without calling the server.
	UpsertModuleMeta(ctx context.Context, metas []models.ModuleMeta) error
	ListModuleMeta(ctx context.Context) ([]models.ModuleMeta, error)
}

// ── Credentials ─────────────────────────────────────────────

type CredentialStore interface {
	GetCredential(ctx context.Context, userID, module string) (*models.Credential, error)

	// UpsertCredential writes the credential row. On first link (insert,
	// not update) the provided default tool settings are seeded in the
	// same transaction.
	UpsertCredential(ctx context.Context, cred *models.Credential, defaults []models.ToolSetting) error

	// UpdateCredentialBlob rewrites only the encrypted blob, used by token
	// refresh. Last write wins.
	UpdateCredentialBlob(ctx context.Context, userID, module, blob, keyVersion string) error

	ListCredentialModules(ctx context.Context, userID string) ([]string, error)
	DeleteCredential(ctx context.Context, userID, module string) error

	// ListAllCredentials returns metadata rows (no blobs decrypted) for
	// the admin consents view.
	ListAllCredentials(ctx context.Context) ([]models.Credential, error)
}

// ── Tool & module settings ──────────────────────────────────

type ToolSettingStore interface {
	ListToolSettings(ctx context.Context, userID string) ([]models.ToolSetting, error)

	// UpdateToolSettings flips the enabled flag on existing rows. Tool ids
	// without a row are ignored (a setting exists only for tools the user
	// has seen).
	UpdateToolSettings(ctx context.Context, userID, module string, enabled, disabled []string) error
}

type ModuleSettingStore interface {
	ListModuleSettings(ctx context.Context, userID string) ([]models.ModuleSetting, error)
	UpsertModuleSetting(ctx context.Context, setting *models.ModuleSetting) error
}

// ── OAuth apps ──────────────────────────────────────────────

type OAuthAppStore interface {
	GetOAuthApp(ctx context.Context, provider string) (*models.OAuthApp, error)
	ListOAuthApps(ctx context.Context) ([]models.OAuthApp, error)
	UpsertOAuthApp(ctx context.Context, app *models.OAuthApp) error
	DeleteOAuthApp(ctx context.Context, provider string) error
}

// ── API keys ────────────────────────────────────────────────

type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*models.APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error)

	// DeleteAPIKey removes the key within the user's scope. Deletion is
	// immediate; revocation caches are invalidated by the caller.
	DeleteAPIKey(ctx context.Context, userID, id string) error

	TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error
}

// ── Usage ───────────────────────────────────────────────────

type UsageStore interface {
	// InsertUsageRecord appends one row. No transaction; duplicates for
	// the same request_id are tolerated.
	InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error

	CountUsageBetween(ctx context.Context, userID string, start, end time.Time) (int, error)
	ListUsageBetween(ctx context.Context, userID string, start, end time.Time) ([]models.UsageRecord, error)
}

// ── Prompts ─────────────────────────────────────────────────

type PromptStore interface {
	ListPrompts(ctx context.Context, userID string) ([]models.Prompt, error)
	GetPrompt(ctx context.Context, userID, id string) (*models.Prompt, error)
	GetPromptByName(ctx context.Context, userID, name string) (*models.Prompt, error)
	CreatePrompt(ctx context.Context, prompt *models.Prompt) error
	UpdatePrompt(ctx context.Context, prompt *models.Prompt) error
	DeletePrompt(ctx context.Context, userID, id string) error
}
