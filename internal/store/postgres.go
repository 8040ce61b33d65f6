// Package store — PostgreSQL Store implementation backed by pgx.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and verifies reachability.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }
func (p *PostgresStore) Close() error                   { p.pool.Close(); return nil }

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ── Users & plans ───────────────────────────────────────────

const userColumns = `id, external_id, email, account_status, plan_id, role, settings, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var settings []byte
	err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.AccountStatus, &u.PlanID,
		&u.Role, &settings, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &u.Settings); err != nil {
			return nil, fmt.Errorf("decode user settings: %w", err)
		}
	}
	return &u, nil
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return scanUser(p.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresStore) GetUserByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	return scanUser(p.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID))
}

func (p *PostgresStore) UpsertUserByExternalID(ctx context.Context, externalID, email string) (*models.User, error) {
	// ON CONFLICT DO NOTHING + follow-up select keeps repeated registration
	// idempotent under concurrency.
	_, err := p.pool.Exec(ctx, `
		INSERT INTO users (external_id, email, account_status, plan_id, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_id) DO NOTHING`,
		externalID, email, models.AccountActive, DefaultPlanID, models.RoleUser)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return p.GetUserByExternalID(ctx, externalID)
}

func (p *PostgresStore) UpdateUserSettings(ctx context.Context, id string, settings map[string]any) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE users SET settings = $2, updated_at = now() WHERE id = $1`, id, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	var plan models.Plan
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, daily_limit FROM plans WHERE id = $1`, id).
		Scan(&plan.ID, &plan.Name, &plan.DailyLimit)
	if err != nil {
		return nil, notFound(err)
	}
	return &plan, nil
}

// ── Module metadata ─────────────────────────────────────────

func (p *PostgresStore) UpsertModuleMeta(ctx context.Context, metas []models.ModuleMeta) error {
	for _, meta := range metas {
		tools, err := json.Marshal(meta.Tools)
		if err != nil {
			return fmt.Errorf("encode tools for %s: %w", meta.Name, err)
		}
		descriptions, err := json.Marshal(meta.Descriptions)
		if err != nil {
			return fmt.Errorf("encode descriptions for %s: %w", meta.Name, err)
		}
		_, err = p.pool.Exec(ctx, `
			INSERT INTO modules (name, status, tools, descriptions, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (name) DO UPDATE
			SET status = EXCLUDED.status, tools = EXCLUDED.tools,
			    descriptions = EXCLUDED.descriptions, updated_at = now()`,
			meta.Name, meta.Status, tools, descriptions)
		if err != nil {
			return fmt.Errorf("upsert module %s: %w", meta.Name, err)
		}
	}
	return nil
}

func (p *PostgresStore) ListModuleMeta(ctx context.Context) ([]models.ModuleMeta, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT name, status, tools, descriptions FROM modules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ModuleMeta
	for rows.Next() {
		var meta models.ModuleMeta
		var tools, descriptions []byte
		if err := rows.Scan(&meta.Name, &meta.Status, &tools, &descriptions); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(tools, &meta.Tools); err != nil {
			return nil, fmt.Errorf("decode tools for %s: %w", meta.Name, err)
		}
		if len(descriptions) > 0 {
			if err := json.Unmarshal(descriptions, &meta.Descriptions); err != nil {
				return nil, fmt.Errorf("decode descriptions for %s: %w", meta.Name, err)
			}
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// ── Credentials ─────────────────────────────────────────────

func (p *PostgresStore) GetCredential(ctx context.Context, userID, module string) (*models.Credential, error) {
	var c models.Credential
	err := p.pool.QueryRow(ctx, `
		SELECT user_id, module_name, encrypted_blob, key_version, created_at, updated_at
		FROM credentials WHERE user_id = $1 AND module_name = $2`, userID, module).
		Scan(&c.UserID, &c.ModuleName, &c.EncryptedBlob, &c.KeyVersion, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (p *PostgresStore) UpsertCredential(ctx context.Context, cred *models.Credential, defaults []models.ToolSetting) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO credentials (user_id, module_name, encrypted_blob, key_version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, module_name) DO UPDATE
		SET encrypted_blob = EXCLUDED.encrypted_blob,
		    key_version = EXCLUDED.key_version,
		    updated_at = now()
		RETURNING (xmax = 0)`,
		cred.UserID, cred.ModuleName, cred.EncryptedBlob, cred.KeyVersion).
		Scan(&inserted)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}

	// First link seeds default tool settings in the same transaction.
	if inserted {
		for _, s := range defaults {
			_, err := tx.Exec(ctx, `
				INSERT INTO tool_settings (user_id, module_id, tool_id, enabled)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (user_id, module_id, tool_id) DO NOTHING`,
				s.UserID, s.ModuleID, s.ToolID, s.Enabled)
			if err != nil {
				return fmt.Errorf("seed tool setting %s: %w", s.ToolID, err)
			}
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) UpdateCredentialBlob(ctx context.Context, userID, module, blob, keyVersion string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE credentials SET encrypted_blob = $3, key_version = $4, updated_at = now()
		WHERE user_id = $1 AND module_name = $2`, userID, module, blob, keyVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListCredentialModules(ctx context.Context, userID string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT module_name FROM credentials WHERE user_id = $1 ORDER BY module_name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteCredential(ctx context.Context, userID, module string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM credentials WHERE user_id = $1 AND module_name = $2`, userID, module)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListAllCredentials(ctx context.Context) ([]models.Credential, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT user_id, module_name, key_version, created_at, updated_at
		FROM credentials ORDER BY user_id, module_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Credential
	for rows.Next() {
		var c models.Credential
		if err := rows.Scan(&c.UserID, &c.ModuleName, &c.KeyVersion, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ── Tool & module settings ──────────────────────────────────

func (p *PostgresStore) ListToolSettings(ctx context.Context, userID string) ([]models.ToolSetting, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT user_id, module_id, tool_id, enabled
		FROM tool_settings WHERE user_id = $1 ORDER BY tool_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ToolSetting
	for rows.Next() {
		var s models.ToolSetting
		if err := rows.Scan(&s.UserID, &s.ModuleID, &s.ToolID, &s.Enabled); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateToolSettings(ctx context.Context, userID, module string, enabled, disabled []string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if len(enabled) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE tool_settings SET enabled = true
			WHERE user_id = $1 AND module_id = $2 AND tool_id = ANY($3)`,
			userID, module, enabled)
		if err != nil {
			return err
		}
	}
	if len(disabled) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE tool_settings SET enabled = false
			WHERE user_id = $1 AND module_id = $2 AND tool_id = ANY($3)`,
			userID, module, disabled)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) ListModuleSettings(ctx context.Context, userID string) ([]models.ModuleSetting, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT user_id, module_id, description
		FROM module_settings WHERE user_id = $1 ORDER BY module_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ModuleSetting
	for rows.Next() {
		var s models.ModuleSetting
		if err := rows.Scan(&s.UserID, &s.ModuleID, &s.Description); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertModuleSetting(ctx context.Context, setting *models.ModuleSetting) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO module_settings (user_id, module_id, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, module_id) DO UPDATE SET description = EXCLUDED.description`,
		setting.UserID, setting.ModuleID, setting.Description)
	return err
}

// ── OAuth apps ──────────────────────────────────────────────

func (p *PostgresStore) GetOAuthApp(ctx context.Context, provider string) (*models.OAuthApp, error) {
	var a models.OAuthApp
	err := p.pool.QueryRow(ctx, `
		SELECT provider, client_id, encrypted_client_secret, redirect_uri, token_url, enabled
		FROM oauth_apps WHERE provider = $1`, provider).
		Scan(&a.Provider, &a.ClientID, &a.EncryptedClientSecret, &a.RedirectURI, &a.TokenURL, &a.Enabled)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (p *PostgresStore) ListOAuthApps(ctx context.Context) ([]models.OAuthApp, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT provider, client_id, redirect_uri, token_url, enabled
		FROM oauth_apps ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OAuthApp
	for rows.Next() {
		var a models.OAuthApp
		if err := rows.Scan(&a.Provider, &a.ClientID, &a.RedirectURI, &a.TokenURL, &a.Enabled); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertOAuthApp(ctx context.Context, app *models.OAuthApp) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO oauth_apps (provider, client_id, encrypted_client_secret, redirect_uri, token_url, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider) DO UPDATE
		SET client_id = EXCLUDED.client_id,
		    encrypted_client_secret = EXCLUDED.encrypted_client_secret,
		    redirect_uri = EXCLUDED.redirect_uri,
		    token_url = EXCLUDED.token_url,
		    enabled = EXCLUDED.enabled`,
		app.Provider, app.ClientID, app.EncryptedClientSecret, app.RedirectURI, app.TokenURL, app.Enabled)
	return err
}

func (p *PostgresStore) DeleteOAuthApp(ctx context.Context, provider string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM oauth_apps WHERE provider = $1`, provider)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ── API keys ────────────────────────────────────────────────

func (p *PostgresStore) CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, jwt_kid, key_prefix, display_name, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		apiKey.ID, apiKey.UserID, apiKey.JWTKid, apiKey.KeyPrefix,
		apiKey.DisplayName, apiKey.ExpiresAt, apiKey.CreatedAt)
	return err
}

func (p *PostgresStore) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	var k models.APIKey
	err := p.pool.QueryRow(ctx, `
		SELECT id, user_id, jwt_kid, key_prefix, display_name, expires_at, last_used_at, created_at
		FROM api_keys WHERE id = $1`, id).
		Scan(&k.ID, &k.UserID, &k.JWTKid, &k.KeyPrefix, &k.DisplayName,
			&k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &k, nil
}

func (p *PostgresStore) ListAPIKeys(ctx context.Context, userID string) ([]models.APIKey, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, jwt_kid, key_prefix, display_name, expires_at, last_used_at, created_at
		FROM api_keys WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.JWTKid, &k.KeyPrefix, &k.DisplayName,
			&k.ExpiresAt, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteAPIKey(ctx context.Context, userID, id string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, usedAt)
	return err
}

// ── Usage ───────────────────────────────────────────────────

func (p *PostgresStore) InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("encode usage details: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO usage_records (id, user_id, meta_tool, request_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.UserID, rec.MetaTool, rec.RequestID, details, rec.CreatedAt)
	return err
}

func (p *PostgresStore) CountUsageBetween(ctx context.Context, userID string, start, end time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `
		SELECT count(*) FROM usage_records
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3`,
		userID, start, end).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListUsageBetween(ctx context.Context, userID string, start, end time.Time) ([]models.UsageRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, meta_tool, request_id, details, created_at
		FROM usage_records
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at`, userID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		var details []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.MetaTool, &rec.RequestID,
			&details, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(details, &rec.Details); err != nil {
			return nil, fmt.Errorf("decode usage details: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ── Prompts ─────────────────────────────────────────────────

const promptColumns = `id, user_id, module_id, name, description, content, enabled, created_at, updated_at`

func scanPrompt(row pgx.Row) (*models.Prompt, error) {
	var pr models.Prompt
	err := row.Scan(&pr.ID, &pr.UserID, &pr.ModuleID, &pr.Name, &pr.Description,
		&pr.Content, &pr.Enabled, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &pr, nil
}

func (p *PostgresStore) ListPrompts(ctx context.Context, userID string) ([]models.Prompt, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Prompt
	for rows.Next() {
		var pr models.Prompt
		if err := rows.Scan(&pr.ID, &pr.UserID, &pr.ModuleID, &pr.Name, &pr.Description,
			&pr.Content, &pr.Enabled, &pr.CreatedAt, &pr.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetPrompt(ctx context.Context, userID, id string) (*models.Prompt, error) {
	return scanPrompt(p.pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE user_id = $1 AND id = $2`, userID, id))
}

func (p *PostgresStore) GetPromptByName(ctx context.Context, userID, name string) (*models.Prompt, error) {
	return scanPrompt(p.pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM prompts WHERE user_id = $1 AND name = $2`, userID, name))
}

func (p *PostgresStore) CreatePrompt(ctx context.Context, prompt *models.Prompt) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO prompts (id, user_id, module_id, name, description, content, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		prompt.ID, prompt.UserID, prompt.ModuleID, prompt.Name, prompt.Description,
		prompt.Content, prompt.Enabled, prompt.CreatedAt, prompt.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdatePrompt(ctx context.Context, prompt *models.Prompt) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE prompts
		SET module_id = $3, name = $4, description = $5, content = $6, enabled = $7, updated_at = now()
		WHERE user_id = $1 AND id = $2`,
		prompt.UserID, prompt.ID, prompt.ModuleID, prompt.Name, prompt.Description,
		prompt.Content, prompt.Enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeletePrompt(ctx context.Context, userID, id string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM prompts WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ── User context ────────────────────────────────────────────

func (p *PostgresStore) LoadUserContext(ctx context.Context, userID string) (*models.UserContext, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	user, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		return nil, err
	}

	var dailyLimit int
	err = tx.QueryRow(ctx,
		`SELECT daily_limit FROM plans WHERE id = $1`, user.PlanID).Scan(&dailyLimit)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	dayStart := midnightUTC(time.Now())
	var used int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM usage_records
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3`,
		userID, dayStart, dayStart.Add(24*time.Hour)).Scan(&used)
	if err != nil {
		return nil, err
	}

	enabled := make(map[string][]string)
	rows, err := tx.Query(ctx, `
		SELECT module_id, tool_id FROM tool_settings
		WHERE user_id = $1 AND enabled ORDER BY tool_id`, userID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var module, toolID string
		if err := rows.Scan(&module, &toolID); err != nil {
			rows.Close()
			return nil, err
		}
		enabled[module] = append(enabled[module], toolID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	descriptions := make(map[string]string)
	rows, err = tx.Query(ctx,
		`SELECT module_id, description FROM module_settings WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var module, desc string
		if err := rows.Scan(&module, &desc); err != nil {
			rows.Close()
			return nil, err
		}
		descriptions[module] = desc
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &models.UserContext{
		UserID:             user.ID,
		AccountStatus:      user.AccountStatus,
		Role:               user.Role,
		PlanID:             user.PlanID,
		DailyUsed:          used,
		DailyLimit:         dailyLimit,
		EnabledTools:       enabled,
		ModuleDescriptions: descriptions,
	}, nil
}
