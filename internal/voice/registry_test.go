package voice

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRegistryCreateAndEnd(t *testing.T) {
	r := NewRegistry(5)
	id := uuid.New()

	s, err := r.Create(id, uuid.New(), uuid.New(), &fakeStream{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 live session, got %d", r.Count())
	}
	if r.Get(id) != s {
		t.Error("Get should return the created session")
	}

	s.AddInputTranscription("hello", true)
	result, err := r.End(id)
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("expected 0 live sessions after End, got %d", r.Count())
	}
	if len(result.Turns) != 1 {
		t.Errorf("expected 1 turn in result, got %d", len(result.Turns))
	}
	if result.DurationSeconds < 0 {
		t.Errorf("negative duration %d", result.DurationSeconds)
	}
}

func TestRegistryEndTwice(t *testing.T) {
	r := NewRegistry(5)
	id := uuid.New()
	if _, err := r.Create(id, uuid.New(), uuid.New(), &fakeStream{}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := r.End(id); err != nil {
		t.Fatalf("first End failed: %v", err)
	}
	_, err := r.End(id)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second End should fail with ErrSessionNotFound, got %v", err)
	}
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(2)
	for i := 0; i < 2; i++ {
		if _, err := r.Create(uuid.New(), uuid.New(), uuid.New(), &fakeStream{}); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}

	_, err := r.Create(uuid.New(), uuid.New(), uuid.New(), &fakeStream{})
	if !errors.Is(err, ErrSessionLimitReached) {
		t.Fatalf("expected ErrSessionLimitReached, got %v", err)
	}
	if r.Count() != 2 {
		t.Errorf("rejected admission must not change count, got %d", r.Count())
	}
}

func TestRegistryReconnectSupersedes(t *testing.T) {
	r := NewRegistry(1)
	id := uuid.New()

	oldStream := &fakeStream{}
	old, err := r.Create(id, uuid.New(), uuid.New(), oldStream)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Reconnect under the same id while at capacity: the stale entry is
	// evicted, so admission succeeds.
	fresh, err := r.Create(id, uuid.New(), uuid.New(), &fakeStream{})
	if err != nil {
		t.Fatalf("reconnect Create failed: %v", err)
	}
	if old.Active() {
		t.Error("superseded session should be deactivated")
	}
	if oldStream.closed() != 1 {
		t.Errorf("superseded stream should be closed once, got %d", oldStream.closed())
	}
	if !fresh.Active() {
		t.Error("fresh session should be active")
	}
	if r.Get(id) != fresh {
		t.Error("registry should hold the fresh session")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 live session, got %d", r.Count())
	}
}

func TestRegistryEndResultSortsInterleavedTurns(t *testing.T) {
	r := NewRegistry(5)
	id := uuid.New()
	s, err := r.Create(id, uuid.New(), uuid.New(), &fakeStream{})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	now := time.Now().UTC()
	s.turns = []Turn{
		{Role: "assistant", Text: "b", Timestamp: now.Add(time.Second)},
		{Role: "user", Text: "a", Timestamp: now},
	}

	result, err := r.End(id)
	if err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if result.Turns[0].Text != "a" || result.Turns[1].Text != "b" {
		t.Errorf("turns not sorted by timestamp: %+v", result.Turns)
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry(5)
	streams := make([]*fakeStream, 3)
	sessions := make([]*Session, 3)
	for i := range streams {
		streams[i] = &fakeStream{}
		s, err := r.Create(uuid.New(), uuid.New(), uuid.New(), streams[i])
		if err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
		sessions[i] = s
	}

	r.CloseAll()

	for i, s := range sessions {
		if s.Active() {
			t.Errorf("session %d still active after CloseAll", i)
		}
		if streams[i].closed() != 1 {
			t.Errorf("stream %d closed %d times", i, streams[i].closed())
		}
	}
}
