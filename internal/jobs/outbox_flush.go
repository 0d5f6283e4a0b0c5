package jobs

import (
	"context"
	"log"
	"time"

	"github.com/Dhairya10/primed-api/internal/outbox"
)

// OutboxFlushJob periodically retries session results whose database write
// failed at finalization time.
type OutboxFlushJob struct {
	outbox   *outbox.Outbox
	interval time.Duration
}

func NewOutboxFlushJob(o *outbox.Outbox, interval time.Duration) *OutboxFlushJob {
	return &OutboxFlushJob{outbox: o, interval: interval}
}

func (j *OutboxFlushJob) Run(ctx context.Context) error {
	pending := j.outbox.Len()
	if pending == 0 {
		return nil
	}
	flushed := j.outbox.Flush(ctx)
	log.Printf("📦 [OUTBOX-FLUSH] Flushed %d of %d pending results", flushed, pending)
	return nil
}

func (j *OutboxFlushJob) GetNextRunTime() time.Time {
	return time.Now().Add(j.interval)
}
