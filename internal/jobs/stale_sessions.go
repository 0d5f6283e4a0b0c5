package jobs

import (
	"context"
	"log"
	"time"

	"github.com/Dhairya10/primed-api/internal/store"
)

// StaleSessionCleanupJob abandons in_progress sessions whose process died
// without finalizing, so they do not count as live forever.
type StaleSessionCleanupJob struct {
	store    *store.Store
	interval time.Duration
	maxAge   time.Duration
}

func NewStaleSessionCleanupJob(st *store.Store, interval, maxAge time.Duration) *StaleSessionCleanupJob {
	return &StaleSessionCleanupJob{store: st, interval: interval, maxAge: maxAge}
}

func (j *StaleSessionCleanupJob) Run(ctx context.Context) error {
	n, err := j.store.MarkStaleSessions(ctx, j.maxAge)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("🧹 [STALE-SESSIONS] Abandoned %d stale sessions", n)
	}
	return nil
}

func (j *StaleSessionCleanupJob) GetNextRunTime() time.Time {
	return time.Now().Add(j.interval)
}
