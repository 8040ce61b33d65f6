// Package store — in-memory Store implementation.
// Used in tests and local development when PostgreSQL is not available.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// DefaultPlanID is assigned to users created on first authentication.
const DefaultPlanID = "free"

// MemoryStore implements Store with in-memory maps guarded by a single
// read/write lock.
type MemoryStore struct {
	mu             sync.RWMutex
	users          map[string]*models.User          // key: id
	usersByExt     map[string]string                // external_id → id
	plans          map[string]*models.Plan          // key: id
	moduleMeta     map[string]*models.ModuleMeta    // key: name
	credentials    map[string]*models.Credential    // key: user|module
	toolSettings   map[string]*models.ToolSetting   // key: user|module|tool_id
	moduleSettings map[string]*models.ModuleSetting // key: user|module
	oauthApps      map[string]*models.OAuthApp      // key: provider
	apiKeys        map[string]*models.APIKey        // key: id
	usage          []*models.UsageRecord            // append-only
	prompts        map[string]*models.Prompt        // key: id
}

// NewMemoryStore creates an empty in-memory store with the default plan
// seeded.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		users:          make(map[string]*models.User),
		usersByExt:     make(map[string]string),
		plans:          make(map[string]*models.Plan),
		moduleMeta:     make(map[string]*models.ModuleMeta),
		credentials:    make(map[string]*models.Credential),
		toolSettings:   make(map[string]*models.ToolSetting),
		moduleSettings: make(map[string]*models.ModuleSetting),
		oauthApps:      make(map[string]*models.OAuthApp),
		apiKeys:        make(map[string]*models.APIKey),
		prompts:        make(map[string]*models.Prompt),
	}
	m.plans[DefaultPlanID] = &models.Plan{ID: DefaultPlanID, Name: "Free", DailyLimit: 50}
	return m
}

func key2(a, b string) string    { return a + "|" + b }
func key3(a, b, c string) string { return a + "|" + b + "|" + c }

// SeedPlan registers a plan (tests, master data loading).
func (m *MemoryStore) SeedPlan(plan *models.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[plan.ID] = plan
}

// SeedUser registers a user directly (tests).
func (m *MemoryStore) SeedUser(user *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	if user.ExternalID != "" {
		m.usersByExt[user.ExternalID] = user.ID
	}
}

// ── Users & plans ───────────────────────────────────────────

func (m *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByExternalID(_ context.Context, externalID string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usersByExt[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *MemoryStore) UpsertUserByExternalID(_ context.Context, externalID, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.usersByExt[externalID]; ok {
		cp := *m.users[id]
		return &cp, nil
	}
	now := time.Now().UTC()
	u := &models.User{
		ID:            uuid.New().String(),
		ExternalID:    externalID,
		Email:         email,
		AccountStatus: models.AccountActive,
		PlanID:        DefaultPlanID,
		Role:          models.RoleUser,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.users[u.ID] = u
	m.usersByExt[externalID] = u.ID
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) UpdateUserSettings(_ context.Context, id string, settings map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Settings = settings
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetPlan(_ context.Context, id string) (*models.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ── Module metadata ─────────────────────────────────────────

func (m *MemoryStore) UpsertModuleMeta(_ context.Context, metas []models.ModuleMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range metas {
		meta := metas[i]
		m.moduleMeta[meta.Name] = &meta
	}
	return nil
}

func (m *MemoryStore) ListModuleMeta(_ context.Context) ([]models.ModuleMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ModuleMeta, 0, len(m.moduleMeta))
	for _, meta := range m.moduleMeta {
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ── Credentials ─────────────────────────────────────────────

func (m *MemoryStore) GetCredential(_ context.Context, userID, module string) (*models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[key2(userID, module)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpsertCredential(_ context.Context, cred *models.Credential, defaults []models.ToolSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(cred.UserID, cred.ModuleName)
	now := time.Now().UTC()
	if existing, ok := m.credentials[k]; ok {
		existing.EncryptedBlob = cred.EncryptedBlob
		existing.KeyVersion = cred.KeyVersion
		existing.UpdatedAt = now
		return nil
	}
	cp := *cred
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.credentials[k] = &cp
	// First link: seed default tool settings for this module.
	for _, s := range defaults {
		setting := s
		m.toolSettings[key3(setting.UserID, setting.ModuleID, setting.ToolID)] = &setting
	}
	return nil
}

func (m *MemoryStore) UpdateCredentialBlob(_ context.Context, userID, module, blob, keyVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[key2(userID, module)]
	if !ok {
		return ErrNotFound
	}
	c.EncryptedBlob = blob
	c.KeyVersion = keyVersion
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListCredentialModules(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, c := range m.credentials {
		if c.UserID == userID {
			out = append(out, c.ModuleName)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) DeleteCredential(_ context.Context, userID, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key2(userID, module)
	if _, ok := m.credentials[k]; !ok {
		return ErrNotFound
	}
	delete(m.credentials, k)
	return nil
}

func (m *MemoryStore) ListAllCredentials(_ context.Context) ([]models.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Credential, 0, len(m.credentials))
	for _, c := range m.credentials {
		cp := *c
		cp.EncryptedBlob = "" // metadata only
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ModuleName < out[j].ModuleName
	})
	return out, nil
}

// ── Tool & module settings ──────────────────────────────────

func (m *MemoryStore) ListToolSettings(_ context.Context, userID string) ([]models.ToolSetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ToolSetting
	for _, s := range m.toolSettings {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolID < out[j].ToolID })
	return out, nil
}

func (m *MemoryStore) UpdateToolSettings(_ context.Context, userID, module string, enabled, disabled []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range enabled {
		if s, ok := m.toolSettings[key3(userID, module, id)]; ok {
			s.Enabled = true
		}
	}
	for _, id := range disabled {
		if s, ok := m.toolSettings[key3(userID, module, id)]; ok {
			s.Enabled = false
		}
	}
	return nil
}

func (m *MemoryStore) ListModuleSettings(_ context.Context, userID string) ([]models.ModuleSetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ModuleSetting
	for _, s := range m.moduleSettings {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out, nil
}

func (m *MemoryStore) UpsertModuleSetting(_ context.Context, setting *models.ModuleSetting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *setting
	m.moduleSettings[key2(setting.UserID, setting.ModuleID)] = &cp
	return nil
}

// ── OAuth apps ──────────────────────────────────────────────

func (m *MemoryStore) GetOAuthApp(_ context.Context, provider string) (*models.OAuthApp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.oauthApps[provider]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListOAuthApps(_ context.Context) ([]models.OAuthApp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.OAuthApp, 0, len(m.oauthApps))
	for _, a := range m.oauthApps {
		cp := *a
		cp.EncryptedClientSecret = ""
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (m *MemoryStore) UpsertOAuthApp(_ context.Context, app *models.OAuthApp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *app
	m.oauthApps[app.Provider] = &cp
	return nil
}

func (m *MemoryStore) DeleteOAuthApp(_ context.Context, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.oauthApps[provider]; !ok {
		return ErrNotFound
	}
	delete(m.oauthApps, provider)
	return nil
}

// ── API keys ────────────────────────────────────────────────

func (m *MemoryStore) CreateAPIKey(_ context.Context, apiKey *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *apiKey
	m.apiKeys[apiKey.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAPIKey(_ context.Context, id string) (*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) ListAPIKeys(_ context.Context, userID string) ([]models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.APIKey
	for _, k := range m.apiKeys {
		if k.UserID == userID {
			out = append(out, *k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteAPIKey(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok || k.UserID != userID {
		return ErrNotFound
	}
	delete(m.apiKeys, id)
	return nil
}

func (m *MemoryStore) TouchAPIKey(_ context.Context, id string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	k.LastUsedAt = &usedAt
	return nil
}

// ── Usage ───────────────────────────────────────────────────

func (m *MemoryStore) InsertUsageRecord(_ context.Context, rec *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.usage = append(m.usage, &cp)
	return nil
}

func (m *MemoryStore) CountUsageBetween(_ context.Context, userID string, start, end time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, rec := range m.usage {
		if rec.UserID == userID && !rec.CreatedAt.Before(start) && rec.CreatedAt.Before(end) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListUsageBetween(_ context.Context, userID string, start, end time.Time) ([]models.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.UsageRecord
	for _, rec := range m.usage {
		if rec.UserID == userID && !rec.CreatedAt.Before(start) && rec.CreatedAt.Before(end) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// ── Prompts ─────────────────────────────────────────────────

func (m *MemoryStore) ListPrompts(_ context.Context, userID string) ([]models.Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Prompt
	for _, p := range m.prompts {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) GetPrompt(_ context.Context, userID, id string) (*models.Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prompts[id]
	if !ok || p.UserID != userID {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPromptByName(_ context.Context, userID, name string) (*models.Prompt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.prompts {
		if p.UserID == userID && p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreatePrompt(_ context.Context, prompt *models.Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.prompts {
		if p.UserID == prompt.UserID && p.Name == prompt.Name {
			return errors.New("prompt name already exists")
		}
	}
	cp := *prompt
	m.prompts[prompt.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdatePrompt(_ context.Context, prompt *models.Prompt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.prompts[prompt.ID]
	if !ok || existing.UserID != prompt.UserID {
		return ErrNotFound
	}
	cp := *prompt
	cp.UpdatedAt = time.Now().UTC()
	m.prompts[prompt.ID] = &cp
	return nil
}

func (m *MemoryStore) DeletePrompt(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prompts[id]
	if !ok || p.UserID != userID {
		return ErrNotFound
	}
	delete(m.prompts, id)
	return nil
}

// ── User context ────────────────────────────────────────────

func (m *MemoryStore) LoadUserContext(ctx context.Context, userID string) (*models.UserContext, error) {
	m.mu.RLock()
	user, ok := m.users[userID]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrNotFound
	}
	plan := m.plans[user.PlanID]
	m.mu.RUnlock()

	dailyLimit := 0
	if plan != nil {
		dailyLimit = plan.DailyLimit
	}

	dayStart := midnightUTC(time.Now())
	used, err := m.CountUsageBetween(ctx, userID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}

	settings, err := m.ListToolSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	enabled := make(map[string][]string)
	for module, tools := range models.ToolSettingsMap(settings) {
		for toolID, on := range tools {
			if on {
				enabled[module] = append(enabled[module], toolID)
			}
		}
		sort.Strings(enabled[module])
		if len(enabled[module]) == 0 {
			delete(enabled, module)
		}
	}

	moduleSettings, err := m.ListModuleSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	descriptions := make(map[string]string, len(moduleSettings))
	for _, s := range moduleSettings {
		descriptions[s.ModuleID] = s.Description
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

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }
