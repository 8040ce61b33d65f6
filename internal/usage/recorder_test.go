package usage_test

import (
	"context"
	"testing"
	"time"

	"github.com/shibaleo/mcpist-sub002/internal/store"
	"github.com/shibaleo/mcpist-sub002/internal/usage"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

func TestRecord_AppendsRow(t *testing.T) {
	s := store.NewMemoryStore()
	r := usage.New(s)

	r.Record("u1", models.MetaToolRun, "req-1", []models.UsageDetail{
		{Module: "notion", Tool: "search"},
	})
	r.Flush()

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	n, err := s.CountUsageBetween(context.Background(), "u1", start, end)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
	records, _ := s.ListUsageBetween(context.Background(), "u1", start, end)
	rec := records[0]
	if rec.ID == "" || rec.RequestID != "req-1" || rec.MetaTool != models.MetaToolRun {
		t.Errorf("record = %+v", rec)
	}
}

func TestSummary_CountsRowsAndModules(t *testing.T) {
	s := store.NewMemoryStore()
	r := usage.New(s)

	// One run and one batch with three sub-tasks: total_used counts rows,
	// by_module counts details.
	r.Record("u1", models.MetaToolRun, "req-1", []models.UsageDetail{
		{Module: "notion", Tool: "search"},
	})
	r.Record("u1", models.MetaToolBatch, "req-2", []models.UsageDetail{
		{Module: "notion", Tool: "search", TaskID: "a"},
		{Module: "notion", Tool: "get_page", TaskID: "b"},
		{Module: "github", Tool: "list_issues", TaskID: "c"},
	})
	r.Record("u2", models.MetaToolRun, "req-3", []models.UsageDetail{
		{Module: "notion", Tool: "search"},
	})
	r.Flush()

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	sum, err := r.Summary(context.Background(), "u1", start, end)
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalUsed != 2 {
		t.Errorf("TotalUsed = %d, want 2 rows", sum.TotalUsed)
	}
	if sum.ByModule["notion"] != 3 || sum.ByModule["github"] != 1 {
		t.Errorf("ByModule = %v", sum.ByModule)
	}
}

func TestSummary_HalfOpenRange(t *testing.T) {
	s := store.NewMemoryStore()
	boundary := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	insert := func(id string, at time.Time) {
		err := s.InsertUsageRecord(context.Background(), &models.UsageRecord{
			ID:        id,
			UserID:    "u1",
			MetaTool:  models.MetaToolRun,
			CreatedAt: at,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	insert("before", boundary.Add(-time.Second))
	insert("at-end", boundary) // end is exclusive
	insert("inside", boundary.Add(-12*time.Hour))

	sum, err := usage.New(s).Summary(context.Background(), "u1", boundary.AddDate(0, 0, -1), boundary)
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalUsed != 2 {
		t.Errorf("TotalUsed = %d, want 2 (end exclusive)", sum.TotalUsed)
	}
	if sum.Period.Start != "2026-08-23" || sum.Period.End != "2026-08-24" {
		t.Errorf("Period = %+v", sum.Period)
	}
}
