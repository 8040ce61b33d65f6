package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shibaleo/mcpist-sub002/internal/store"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

func TestUpsertUserByExternalID_Idempotent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	first, err := s.UpsertUserByExternalID(ctx, "auth0|abc", "a@example.com")
	if err != nil {
		t.Fatalf("UpsertUserByExternalID() error = %v", err)
	}
	if first.AccountStatus != models.AccountActive {
		t.Errorf("new user status = %q, want active", first.AccountStatus)
	}
	if first.PlanID != store.DefaultPlanID {
		t.Errorf("new user plan = %q, want %q", first.PlanID, store.DefaultPlanID)
	}

	for i := 0; i < 3; i++ {
		again, err := s.UpsertUserByExternalID(ctx, "auth0|abc", "a@example.com")
		if err != nil {
			t.Fatalf("repeat upsert error = %v", err)
		}
		if again.ID != first.ID {
			t.Errorf("repeat upsert id = %q, want %q", again.ID, first.ID)
		}
	}

	other, _ := s.UpsertUserByExternalID(ctx, "auth0|xyz", "b@example.com")
	if other.ID == first.ID {
		t.Error("distinct external ids mapped to the same user")
	}
}

func TestUpsertCredential_SeedsDefaultsOnFirstLinkOnly(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	cred := &models.Credential{
		UserID: "u1", ModuleName: "notion",
		EncryptedBlob: "v1:AAAA", KeyVersion: "v1",
	}
	defaults := []models.ToolSetting{
		{UserID: "u1", ModuleID: "notion", ToolID: "notion:search", Enabled: true},
		{UserID: "u1", ModuleID: "notion", ToolID: "notion:delete_page", Enabled: false},
	}
	if err := s.UpsertCredential(ctx, cred, defaults); err != nil {
		t.Fatalf("UpsertCredential() error = %v", err)
	}

	settings, _ := s.ListToolSettings(ctx, "u1")
	if len(settings) != 2 {
		t.Fatalf("seeded settings = %d, want 2", len(settings))
	}
	m := models.ToolSettingsMap(settings)
	if !m["notion"]["notion:search"] || m["notion"]["notion:delete_page"] {
		t.Errorf("seeded enablement = %v", m["notion"])
	}

	// User enables the dangerous tool; a re-link must not reset it.
	if err := s.UpdateToolSettings(ctx, "u1", "notion", []string{"notion:delete_page"}, nil); err != nil {
		t.Fatal(err)
	}
	cred2 := &models.Credential{
		UserID: "u1", ModuleName: "notion",
		EncryptedBlob: "v1:BBBB", KeyVersion: "v1",
	}
	if err := s.UpsertCredential(ctx, cred2, defaults); err != nil {
		t.Fatal(err)
	}
	settings, _ = s.ListToolSettings(ctx, "u1")
	if m := models.ToolSettingsMap(settings); !m["notion"]["notion:delete_page"] {
		t.Error("re-link reset user tool settings")
	}
	got, _ := s.GetCredential(ctx, "u1", "notion")
	if got.EncryptedBlob != "v1:BBBB" {
		t.Errorf("re-link blob = %q, want updated", got.EncryptedBlob)
	}
}

func TestUpdateToolSettings_IgnoresUnseenTools(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	// No credential was ever linked, so no setting rows exist.
	if err := s.UpdateToolSettings(ctx, "u1", "github", []string{"github:create_issue"}, nil); err != nil {
		t.Fatalf("UpdateToolSettings() error = %v", err)
	}
	settings, _ := s.ListToolSettings(ctx, "u1")
	if len(settings) != 0 {
		t.Errorf("settings created for unseen tool: %v", settings)
	}
}

func TestLoadUserContext(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	user, _ := s.UpsertUserByExternalID(ctx, "ext-1", "u@example.com")
	defaults := []models.ToolSetting{
		{UserID: user.ID, ModuleID: "notion", ToolID: "notion:search", Enabled: true},
		{UserID: user.ID, ModuleID: "notion", ToolID: "notion:delete_page", Enabled: false},
	}
	s.UpsertCredential(ctx, &models.Credential{
		UserID: user.ID, ModuleName: "notion", EncryptedBlob: "v1:AA", KeyVersion: "v1",
	}, defaults)
	s.UpsertModuleSetting(ctx, &models.ModuleSetting{
		UserID: user.ID, ModuleID: "notion", Description: "my workspace",
	})
	s.InsertUsageRecord(ctx, &models.UsageRecord{
		UserID: user.ID, MetaTool: models.MetaToolRun, RequestID: "req-1",
		Details: []models.UsageDetail{{Module: "notion", Tool: "search"}},
	})

	uc, err := s.LoadUserContext(ctx, user.ID)
	if err != nil {
		t.Fatalf("LoadUserContext() error = %v", err)
	}
	if uc.DailyUsed != 1 {
		t.Errorf("DailyUsed = %d, want 1", uc.DailyUsed)
	}
	if uc.DailyLimit != 50 {
		t.Errorf("DailyLimit = %d, want 50 (free plan)", uc.DailyLimit)
	}
	if got := uc.EnabledTools["notion"]; len(got) != 1 || got[0] != "notion:search" {
		t.Errorf("EnabledTools[notion] = %v, want [notion:search]", got)
	}
	// enabled_modules is exactly the key set of enabled_tools.
	if mods := uc.EnabledModules(); len(mods) != 1 || mods[0] != "notion" {
		t.Errorf("EnabledModules() = %v, want [notion]", mods)
	}
	if uc.ModuleDescriptions["notion"] != "my workspace" {
		t.Errorf("ModuleDescriptions = %v", uc.ModuleDescriptions)
	}
}

func TestLoadUserContext_ModuleWithAllToolsDisabledIsAbsent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	user, _ := s.UpsertUserByExternalID(ctx, "ext-2", "")
	s.UpsertCredential(ctx, &models.Credential{
		UserID: user.ID, ModuleName: "jira", EncryptedBlob: "v1:AA", KeyVersion: "v1",
	}, []models.ToolSetting{
		{UserID: user.ID, ModuleID: "jira", ToolID: "jira:delete_issue", Enabled: false},
	})

	uc, _ := s.LoadUserContext(ctx, user.ID)
	if _, ok := uc.EnabledTools["jira"]; ok {
		t.Errorf("module with no enabled tools present in EnabledTools: %v", uc.EnabledTools)
	}
}

func TestCountUsageBetween_HalfOpenRange(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	for i, at := range []time.Time{
		base.AddDate(0, 0, -1), base, base.AddDate(0, 0, 1), base.AddDate(0, 0, 2),
	} {
		s.InsertUsageRecord(ctx, &models.UsageRecord{
			ID: string(rune('a' + i)), UserID: "u1", MetaTool: models.MetaToolRun,
			RequestID: "r", CreatedAt: at,
			Details: []models.UsageDetail{{Module: "m", Tool: "t"}},
		})
	}

	start := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC)
	n, err := s.CountUsageBetween(ctx, "u1", start, end)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CountUsageBetween() = %d, want 2 (half-open range)", n)
	}
}

func TestDeleteCredential_Unconditional(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	s.UpsertCredential(ctx, &models.Credential{
		UserID: "u1", ModuleName: "github", EncryptedBlob: "v1:AA", KeyVersion: "v1",
	}, nil)
	if err := s.DeleteCredential(ctx, "u1", "github"); err != nil {
		t.Fatalf("DeleteCredential() error = %v", err)
	}
	if _, err := s.GetCredential(ctx, "u1", "github"); err != store.ErrNotFound {
		t.Errorf("GetCredential() after delete error = %v, want ErrNotFound", err)
	}
	// Deleting another user's credential is out of scope.
	if err := s.DeleteCredential(ctx, "u2", "github"); err != store.ErrNotFound {
		t.Errorf("cross-user delete error = %v, want ErrNotFound", err)
	}
}

func TestPrompt_NameUniquePerUser(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	p := &models.Prompt{ID: "p1", UserID: "u1", Name: "daily-summary", Content: "…", Enabled: true}
	if err := s.CreatePrompt(ctx, p); err != nil {
		t.Fatal(err)
	}
	dup := &models.Prompt{ID: "p2", UserID: "u1", Name: "daily-summary", Content: "…"}
	if err := s.CreatePrompt(ctx, dup); err == nil {
		t.Error("duplicate prompt name for the same user accepted")
	}
	// Same name for a different user is fine.
	other := &models.Prompt{ID: "p3", UserID: "u2", Name: "daily-summary", Content: "…"}
	if err := s.CreatePrompt(ctx, other); err != nil {
		t.Errorf("same name, different user rejected: %v", err)
	}
}

func TestAPIKey_DeleteScopedToUser(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	s.CreateAPIKey(ctx, &models.APIKey{ID: "k1", UserID: "u1", DisplayName: "laptop", CreatedAt: time.Now()})
	if err := s.DeleteAPIKey(ctx, "u2", "k1"); err != store.ErrNotFound {
		t.Errorf("cross-user api key delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteAPIKey(ctx, "u1", "k1"); err != nil {
		t.Errorf("DeleteAPIKey() error = %v", err)
	}
	if _, err := s.GetAPIKey(ctx, "k1"); err != store.ErrNotFound {
		t.Errorf("GetAPIKey() after delete = %v, want ErrNotFound", err)
	}
}
