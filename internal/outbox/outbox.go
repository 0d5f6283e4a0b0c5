// Package outbox holds session results whose database write failed, and
// retries them with backoff. A crash still loses the buffer; this covers
// transient database outages without failing finalization.
package outbox

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Dhairya10/primed-api/internal/models"
)

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = 10 * time.Minute
	maxAttempts = 20
)

var metricPending = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "outbox_pending_results",
	Help: "Session results waiting for a successful database write.",
})

// Persister is the database write the outbox retries.
type Persister interface {
	CompleteSession(ctx context.Context, sessionID uuid.UUID, update models.SessionUpdate) error
}

type entry struct {
	update      models.SessionUpdate
	attempts    int
	nextAttempt time.Time
}

// Outbox is a bounded-intent retry buffer keyed by session id. A newer
// result for the same session replaces the older one.
type Outbox struct {
	persister Persister

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

func New(persister Persister) *Outbox {
	return &Outbox{
		persister: persister,
		entries:   make(map[uuid.UUID]*entry),
	}
}

// Put records a failed write for retry.
func (o *Outbox) Put(sessionID uuid.UUID, update models.SessionUpdate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[sessionID] = &entry{
		update:      update,
		nextAttempt: time.Now().Add(baseBackoff),
	}
	metricPending.Set(float64(len(o.entries)))
	log.Printf("📦 Queued session %s result for retry (%d pending)", sessionID, len(o.entries))
}

// Len returns the number of pending results.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Flush retries every due entry once. Successes are removed; failures get
// exponential backoff until maxAttempts, after which the result is dropped
// with a log. Returns how many writes succeeded.
func (o *Outbox) Flush(ctx context.Context) int {
	o.mu.Lock()
	due := make(map[uuid.UUID]models.SessionUpdate)
	now := time.Now()
	for id, e := range o.entries {
		if !e.nextAttempt.After(now) {
			due[id] = e.update
		}
	}
	o.mu.Unlock()

	flushed := 0
	for id, update := range due {
		err := o.persister.CompleteSession(ctx, id, update)

		o.mu.Lock()
		e, ok := o.entries[id]
		if !ok {
			o.mu.Unlock()
			continue
		}
		if err != nil {
			e.attempts++
			if e.attempts >= maxAttempts {
				delete(o.entries, id)
				log.Printf("❌ Dropping session %s result after %d failed attempts: %v", id, e.attempts, err)
			} else {
				backoff := baseBackoff << e.attempts
				if backoff > maxBackoff || backoff <= 0 {
					backoff = maxBackoff
				}
				e.nextAttempt = time.Now().Add(backoff)
				log.Printf("⚠️ Retry %d for session %s failed: %v", e.attempts, id, err)
			}
		} else {
			delete(o.entries, id)
			flushed++
			log.Printf("✅ Flushed session %s result after retry", id)
		}
		metricPending.Set(float64(len(o.entries)))
		o.mu.Unlock()

		if ctx.Err() != nil {
			break
		}
	}
	return flushed
}
