package voice

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Timers schedules the two wall-clock limits of a session: the hard cutoff
// and the wrap-up warning. Both fire independently of session activity; a
// quiet session times out at the same point as a busy one. The finalizer
// must call Stop so neither timer wakes up against an already-finalized
// session.
type Timers struct {
	hard     *time.Timer
	warning  *time.Timer
	stopOnce sync.Once
}

// StartTimers arms both timers for the session.
//
// The hard cutoff fires after maxDuration and, if the session is still
// active, deactivates it and closes the agent input stream, the same
// graceful stop a client end_session performs. The warning fires after
// warningOffset and injects a system-authored wrap-up instruction into the
// live conversation; it never terminates anything. A non-positive
// warningOffset disables the warning.
func StartTimers(session *Session, maxDuration, warningOffset time.Duration) *Timers {
	t := &Timers{}

	t.hard = time.AfterFunc(maxDuration, func() {
		if session.Deactivate() {
			log.Printf("⏰ Session %s reached max duration, closing", session.SessionID)
			session.CloseInput()
		}
	})

	if warningOffset > 0 {
		t.warning = time.AfterFunc(warningOffset, func() {
			if !session.Active() {
				return
			}
			warning := fmt.Sprintf(
				"[SYSTEM: %d minutes remaining before hard session cutoff at %d minutes. Please wrap up and call end_interview.]",
				int((maxDuration-warningOffset).Minutes()), int(maxDuration.Minutes()),
			)
			if err := session.Stream.SendText(warning); err != nil {
				log.Printf("⚠️ Failed to send timeout warning for %s: %v", session.SessionID, err)
				return
			}
			log.Printf("⏳ Sent timeout warning for session %s", session.SessionID)
		})
	}

	return t
}

// Stop cancels both timers. Safe to call multiple times and after firing.
func (t *Timers) Stop() {
	t.stopOnce.Do(func() {
		t.hard.Stop()
		if t.warning != nil {
			t.warning.Stop()
		}
	})
}
