package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shibaleo/mcpist-sub002/internal/authz"
	"github.com/shibaleo/mcpist-sub002/internal/crypto"
	"github.com/shibaleo/mcpist-sub002/internal/keys"
	"github.com/shibaleo/mcpist-sub002/internal/registry"
	"github.com/shibaleo/mcpist-sub002/internal/store"
	"github.com/shibaleo/mcpist-sub002/internal/usage"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// maxModuleDescription bounds the user-supplied module annotation.
const maxModuleDescription = 256

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Registry *registry.Registry
	Cipher   *crypto.Cipher
	Keys     *keys.Service
	Recorder *usage.Recorder
}

// NewHandlers creates a Handlers instance.
func NewHandlers(s store.Store, reg *registry.Registry, cipher *crypto.Cipher, svc *keys.Service, rec *usage.Recorder) *Handlers {
	return &Handlers{Store: s, Registry: reg, Cipher: cipher, Keys: svc, Recorder: rec}
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	respondError(w, http.StatusInternalServerError, authz.CodeInternal, "internal error")
}

// ── Profile ──────────────────────────────────────────────────

func (h *Handlers) GetProfile(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	user, err := h.Store.GetUser(r.Context(), uc.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (h *Handlers) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	var settings map[string]any
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if err := h.Store.UpdateUserSettings(r.Context(), uc.UserID, settings); err != nil {
		storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

// Register completes first login. The authorizer already upserted the user
// row from the gateway token, so repeated calls are idempotent and always
// return the same user id.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	user, err := h.Store.GetUser(r.Context(), uc.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// ── Credentials ──────────────────────────────────────────────

func (h *Handlers) ListCredentials(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	modules, err := h.Store.ListCredentialModules(r.Context(), uc.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	if modules == nil {
		modules = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"modules": modules})
}

func (h *Handlers) GetCredential(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	module := chi.URLParam(r, "module")
	cred, err := h.Store.GetCredential(r.Context(), uc.UserID, module)
	if err != nil {
		storeError(w, err)
		return
	}
	// Credential marshals without the blob; only metadata leaves the server.
	respondJSON(w, http.StatusOK, cred)
}

// PutCredential stores secret material for one module. On first link the
// module's default tool settings are seeded in the same transaction.
func (h *Handlers) PutCredential(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	module := chi.URLParam(r, "module")

	var data models.CredentialData
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || data.AuthType == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "auth_type is required")
		return
	}
	plaintext, err := json.Marshal(data)
	if err != nil {
		respondError(w, http.StatusInternalServerError, authz.CodeInternal, "internal error")
		return
	}
	blob, err := h.Cipher.Encrypt(plaintext)
	if err != nil {
		respondError(w, http.StatusInternalServerError, authz.CodeInternal, "internal error")
		return
	}

	cred := &models.Credential{
		UserID:        uc.UserID,
		ModuleName:    module,
		EncryptedBlob: blob,
		KeyVersion:    crypto.CurrentKeyVersion,
	}
	defaults := h.Registry.DefaultToolSettings(uc.UserID, module)
	if err := h.Store.UpsertCredential(r.Context(), cred, defaults); err != nil {
		storeError(w, err)
		return
	}

	log.Info().Str("user_id", uc.UserID).Str("module", module).Msg("credential linked")
	respondJSON(w, http.StatusOK, map[string]any{"module": module, "auth_type": data.AuthType})
}

func (h *Handlers) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	module := chi.URLParam(r, "module")
	if err := h.Store.DeleteCredential(r.Context(), uc.UserID, module); err != nil {
		storeError(w, err)
		return
	}
	log.Info().Str("user_id", uc.UserID).Str("module", module).Msg("credential unlinked")
	w.WriteHeader(http.StatusNoContent)
}

// ── Module configuration ─────────────────────────────────────

type moduleConfig struct {
	Name        string              `json:"name"`
	Status      models.ModuleStatus `json:"status"`
	Description string              `json:"description,omitempty"`
	Linked      bool                `json:"linked"`
	Tools       []moduleConfigTool  `json:"tools"`
}

type moduleConfigTool struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Dangerous bool   `json:"dangerous"`
}

func (h *Handlers) GetModulesConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uc := authz.UserContextFrom(ctx)

	metas, err := h.Store.ListModuleMeta(ctx)
	if err != nil {
		storeError(w, err)
		return
	}
	settings, err := h.Store.ListToolSettings(ctx, uc.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	moduleSettings, err := h.Store.ListModuleSettings(ctx, uc.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	linked, err := h.Store.ListCredentialModules(ctx, uc.UserID)
	if err != nil {
		storeError(w, err)
		return
	}

	enabled := models.ToolSettingsMap(settings)
	descriptions := make(map[string]string, len(moduleSettings))
	for _, ms := range moduleSettings {
		descriptions[ms.ModuleID] = ms.Description
	}
	linkedSet := make(map[string]bool, len(linked))
	for _, m := range linked {
		linkedSet[m] = true
	}

	out := make([]moduleConfig, 0, len(metas))
	for _, meta := range metas {
		mc := moduleConfig{
			Name:        meta.Name,
			Status:      meta.Status,
			Description: descriptions[meta.Name],
			Linked:      linkedSet[meta.Name],
		}
		for _, t := range meta.Tools {
			mc.Tools = append(mc.Tools, moduleConfigTool{
				ID:        t.ID,
				Name:      t.Name,
				Enabled:   enabled[meta.Name][t.ID],
				Dangerous: registry.IsDangerous(t),
			})
		}
		out = append(out, mc)
	}
	respondJSON(w, http.StatusOK, map[string]any{"modules": out})
}

func (h *Handlers) UpdateModuleTools(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	module := chi.URLParam(r, "name")

	var req struct {
		EnabledTools  []string `json:"enabled_tools"`
		DisabledTools []string `json:"disabled_tools"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if err := h.Store.UpdateToolSettings(r.Context(), uc.UserID, module, req.EnabledTools, req.DisabledTools); err != nil {
		storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"module":   module,
		"enabled":  req.EnabledTools,
		"disabled": req.DisabledTools,
	})
}

func (h *Handlers) UpdateModuleDescription(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	module := chi.URLParam(r, "name")

	var req struct {
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if len(req.Description) > maxModuleDescription {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "description too long (max 256 characters)")
		return
	}
	setting := &models.ModuleSetting{
		UserID:      uc.UserID,
		ModuleID:    module,
		Description: req.Description,
	}
	if err := h.Store.UpsertModuleSetting(r.Context(), setting); err != nil {
		storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, setting)
}

// ── API keys ─────────────────────────────────────────────────

func (h *Handlers) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	rows, err := h.Store.ListAPIKeys(r.Context(), uc.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	if rows == nil {
		rows = []models.APIKey{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"api_keys": rows})
}

// CreateAPIKey issues a signed key. The key itself is returned exactly
// once; only metadata is stored.
func (h *Handlers) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())

	var req struct {
		DisplayName string     `json:"display_name"`
		ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}

	id := uuid.NewString()
	token, err := h.Keys.GenerateAPIKeyJWT(uc.UserID, id, req.ExpiresAt)
	if err != nil {
		respondError(w, http.StatusInternalServerError, authz.CodeInternal, "internal error")
		return
	}
	key := models.APIKeyPrefix + token

	row := &models.APIKey{
		ID:          id,
		UserID:      uc.UserID,
		JWTKid:      h.Keys.Kid(),
		KeyPrefix:   key[:len(models.APIKeyPrefix)+8] + "…",
		DisplayName: req.DisplayName,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.Store.CreateAPIKey(r.Context(), row); err != nil {
		storeError(w, err)
		return
	}

	log.Info().Str("user_id", uc.UserID).Str("api_key_id", id).Msg("api key issued")
	respondJSON(w, http.StatusCreated, map[string]any{
		"id":           id,
		"api_key":      key,
		"key_prefix":   row.KeyPrefix,
		"display_name": row.DisplayName,
		"expires_at":   row.ExpiresAt,
	})
}

func (h *Handlers) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.Store.DeleteAPIKey(r.Context(), uc.UserID, id); err != nil {
		storeError(w, err)
		return
	}
	log.Info().Str("user_id", uc.UserID).Str("api_key_id", id).Msg("api key revoked")
	w.WriteHeader(http.StatusNoContent)
}

// ── Prompts ──────────────────────────────────────────────────

func (h *Handlers) ListPrompts(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	prompts, err := h.Store.ListPrompts(r.Context(), uc.UserID)
	if err != nil {
		storeError(w, err)
		return
	}
	if prompts == nil {
		prompts = []models.Prompt{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"prompts": prompts})
}

func (h *Handlers) CreatePrompt(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	var prompt models.Prompt
	if err := json.NewDecoder(r.Body).Decode(&prompt); err != nil || prompt.Name == "" || prompt.Content == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "name and content are required")
		return
	}
	prompt.ID = uuid.NewString()
	prompt.UserID = uc.UserID
	prompt.CreatedAt = time.Now().UTC()
	prompt.UpdatedAt = prompt.CreatedAt

	if err := h.Store.CreatePrompt(r.Context(), &prompt); err != nil {
		// Prompt names are unique per user.
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, prompt)
}

func (h *Handlers) GetPrompt(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	prompt, err := h.Store.GetPrompt(r.Context(), uc.UserID, chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, prompt)
}

func (h *Handlers) UpdatePrompt(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	id := chi.URLParam(r, "id")

	var prompt models.Prompt
	if err := json.NewDecoder(r.Body).Decode(&prompt); err != nil || prompt.Name == "" || prompt.Content == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "name and content are required")
		return
	}
	prompt.ID = id
	prompt.UserID = uc.UserID
	prompt.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdatePrompt(r.Context(), &prompt); err != nil {
		storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, prompt)
}

func (h *Handlers) DeletePrompt(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())
	if err := h.Store.DeletePrompt(r.Context(), uc.UserID, chi.URLParam(r, "id")); err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Usage ────────────────────────────────────────────────────

func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	uc := authz.UserContextFrom(r.Context())

	start, err := time.ParseInLocation("2006-01-02", r.URL.Query().Get("start"), time.UTC)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "start must be YYYY-MM-DD")
		return
	}
	end, err := time.ParseInLocation("2006-01-02", r.URL.Query().Get("end"), time.UTC)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "end must be YYYY-MM-DD")
		return
	}
	summary, err := h.Recorder.Summary(r.Context(), uc.UserID, start, end)
	if err != nil {
		storeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// ── Admin: OAuth apps & consents ─────────────────────────────

func (h *Handlers) ListOAuthApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.Store.ListOAuthApps(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	if apps == nil {
		apps = []models.OAuthApp{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"apps": apps})
}

// UpsertOAuthApp writes the per-provider OAuth client. An omitted
// client_secret preserves the stored one.
func (h *Handlers) UpsertOAuthApp(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var req struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		RedirectURI  string `json:"redirect_uri"`
		TokenURL     string `json:"token_url"`
		Enabled      bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientID == "" {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "client_id is required")
		return
	}

	app := &models.OAuthApp{
		Provider:    provider,
		ClientID:    req.ClientID,
		RedirectURI: req.RedirectURI,
		TokenURL:    req.TokenURL,
		Enabled:     req.Enabled,
	}
	if req.ClientSecret != "" {
		blob, err := h.Cipher.Encrypt([]byte(req.ClientSecret))
		if err != nil {
			respondError(w, http.StatusInternalServerError, authz.CodeInternal, "internal error")
			return
		}
		app.EncryptedClientSecret = blob
	} else {
		existing, err := h.Store.GetOAuthApp(r.Context(), provider)
		if err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "client_secret is required for a new provider")
			return
		}
		app.EncryptedClientSecret = existing.EncryptedClientSecret
	}

	if err := h.Store.UpsertOAuthApp(r.Context(), app); err != nil {
		storeError(w, err)
		return
	}
	log.Info().Str("provider", provider).Msg("oauth app configured")
	respondJSON(w, http.StatusOK, app)
}

func (h *Handlers) DeleteOAuthApp(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteOAuthApp(r.Context(), chi.URLParam(r, "provider")); err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListConsents returns credential metadata rows across all users. Blobs
// are never decrypted here.
func (h *Handlers) ListConsents(w http.ResponseWriter, r *http.Request) {
	creds, err := h.Store.ListAllCredentials(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}
	if creds == nil {
		creds = []models.Credential{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"consents": creds})
}
