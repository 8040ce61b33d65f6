// Package usage records tool invocations and aggregates them for the
// usage dashboard and daily quota accounting.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shibaleo/mcpist-sub002/internal/store"
	"github.com/shibaleo/mcpist-sub002/pkg/models"
)

// writeTimeout bounds one background insert.
const writeTimeout = 5 * time.Second

// Recorder appends usage rows asynchronously so recording never adds
// latency to the tool-call path.
type Recorder struct {
	store store.UsageStore
	wg    sync.WaitGroup
	now   func() time.Time
}

// New creates a Recorder.
func New(s store.UsageStore) *Recorder {
	return &Recorder{store: s, now: time.Now}
}

// Record appends one usage row in the background. Failures are logged and
// dropped; a lost row costs one unit of quota accounting, never a failed
// tool call.
func (r *Recorder) Record(userID string, metaTool models.MetaTool, requestID string, details []models.UsageDetail) {
	rec := &models.UsageRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		MetaTool:  metaTool,
		RequestID: requestID,
		Details:   details,
		CreatedAt: r.now().UTC(),
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := r.store.InsertUsageRecord(ctx, rec); err != nil {
			log.Error().Err(err).
				Str("user_id", userID).
				Str("request_id", requestID).
				Msg("usage record write failed")
		}
	}()
}

// Flush waits for in-flight writes. Used on shutdown and in tests.
func (r *Recorder) Flush() {
	r.wg.Wait()
}

// Summary aggregates usage rows over [start, end) in UTC days. TotalUsed is
// the row count; ByModule counts each detail entry under its module.
func (r *Recorder) Summary(ctx context.Context, userID string, start, end time.Time) (*models.UsageSummary, error) {
	records, err := r.store.ListUsageBetween(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	byModule := make(map[string]int)
	for _, rec := range records {
		for _, d := range rec.Details {
			byModule[d.Module]++
		}
	}
	return &models.UsageSummary{
		TotalUsed: len(records),
		ByModule:  byModule,
		Period: models.UsagePeriod{
			Start: start.UTC().Format("2006-01-02"),
			End:   end.UTC().Format("2006-01-02"),
		},
	}, nil
}
