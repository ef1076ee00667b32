package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/store"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo needed in tests
)

func TestAppendBoundsHistory(t *testing.T) {
	s := newSession("c1", 4, 8, time.Minute, time.Now)
	for i := 0; i < 10; i++ {
		s.Append(llm.Message{Role: llm.RoleUser, Content: string(rune('a' + i))})
	}

	h := s.History()
	if len(h) != 4 {
		t.Fatalf("history length = %d, want 4", len(h))
	}
	// Oldest entries drop first.
	if h[0].Content != "g" || h[3].Content != "j" {
		t.Errorf("history = %q..%q, want g..j", h[0].Content, h[3].Content)
	}
}

func TestHistoryReturnsCopy(t *testing.T) {
	s := newSession("c1", 10, 8, time.Minute, time.Now)
	s.Append(llm.Message{Role: llm.RoleUser, Content: "hi"})

	h := s.History()
	h[0].Content = "mutated"
	if s.History()[0].Content != "hi" {
		t.Error("History exposed internal slice")
	}
}

func TestRecentEntitiesRing(t *testing.T) {
	s := newSession("c1", 10, 3, time.Minute, time.Now)
	for _, id := range []string{"light.a", "light.b", "light.c", "light.d"} {
		s.TouchEntity(id, id, "turn_on")
	}

	got := s.RecentEntities()
	if len(got) != 3 {
		t.Fatalf("recent length = %d, want capacity 3", len(got))
	}
	// Newest first; the oldest reference (light.a) is evicted.
	want := []string{"light.d", "light.c", "light.b"}
	for i := range want {
		if got[i].EntityID != want[i] {
			t.Errorf("recent[%d] = %s, want %s", i, got[i].EntityID, want[i])
		}
	}
}

func TestAcquireCreatesAndRefreshes(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st := NewStore(10, 8, time.Minute, nil, nil)
	st.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	s1, release := st.Acquire(ctx, "c1")
	s1.Append(llm.Message{Role: llm.RoleUser, Content: "hi"})
	release()

	// Within the TTL the same session comes back.
	now = now.Add(30 * time.Second)
	s2, release := st.Acquire(ctx, "c1")
	if len(s2.History()) != 1 {
		t.Error("session not reused within TTL")
	}
	release()

	// Acquire refreshed the expiry, so another 50s is still inside it.
	now = now.Add(50 * time.Second)
	s3, release := st.Acquire(ctx, "c1")
	if len(s3.History()) != 1 {
		t.Error("Acquire did not slide the expiry")
	}
	release()
}

func TestAcquireExpiredStartsFresh(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st := NewStore(10, 8, time.Minute, nil, nil)
	st.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	s1, release := st.Acquire(ctx, "c1")
	s1.Append(llm.Message{Role: llm.RoleUser, Content: "hi"})
	s1.FollowUps = 2
	release()

	now = now.Add(2 * time.Minute)
	s2, release := st.Acquire(ctx, "c1")
	defer release()
	if len(s2.History()) != 0 || s2.FollowUps != 0 {
		t.Error("expired session not replaced with a fresh one")
	}
}

func TestAcquireSerializesTurns(t *testing.T) {
	st := NewStore(10, 8, time.Minute, nil, nil)
	ctx := context.Background()

	_, release := st.Acquire(ctx, "c1")

	acquired := make(chan struct{})
	go func() {
		_, r2 := st.Acquire(ctx, "c1")
		close(acquired)
		r2()
	}()

	select {
	case <-acquired:
		t.Fatal("second turn acquired the session while the first held it")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second turn never acquired the session after release")
	}
}

func TestDropAndPrune(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	st := NewStore(10, 8, time.Minute, nil, nil)
	st.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	_, r1 := st.Acquire(ctx, "c1")
	r1()
	_, r2 := st.Acquire(ctx, "c2")
	r2()

	st.Drop(ctx, "c1")
	if _, ok := st.sessions["c1"]; ok {
		t.Error("Drop left the session in place")
	}

	now = now.Add(2 * time.Minute)
	if dropped := st.Prune(); dropped != 1 {
		t.Errorf("Prune dropped %d, want 1", dropped)
	}
}

func testKV(t *testing.T) store.Store {
	t.Helper()
	kv, err := store.NewSQLiteStore("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestAcquireRestoresSavedSession(t *testing.T) {
	kv := testKV(t)
	ctx := context.Background()
	st := NewStore(10, 4, time.Hour, kv, nil)

	s, release := st.Acquire(ctx, "c1")
	s.ActiveUser = "alice"
	s.FollowUps = 2
	s.Append(
		llm.Message{Role: llm.RoleUser, Content: "turn on the light"},
		llm.Message{Role: llm.RoleAssistant, Content: "done"},
	)
	s.TouchEntity("light.kitchen", "Kitchen Light", "turn_on")
	s.TouchEntity("light.hall", "Hall Light", "turn_off")
	if err := st.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	release()

	// A fresh store, as after a restart, restores on first acquire.
	st2 := NewStore(10, 4, time.Hour, kv, nil)
	got, release := st2.Acquire(ctx, "c1")
	defer release()
	if got.ActiveUser != "alice" || got.FollowUps != 2 {
		t.Errorf("restored session = user %q followups %d", got.ActiveUser, got.FollowUps)
	}
	h := got.History()
	if len(h) != 2 || h[1].Content != "done" {
		t.Errorf("restored history = %+v", h)
	}
	recent := got.RecentEntities()
	if len(recent) != 2 || recent[0].EntityID != "light.hall" || recent[1].EntityID != "light.kitchen" {
		t.Errorf("restored recent entities = %+v", recent)
	}
}

func TestAcquireIgnoresExpiredSnapshot(t *testing.T) {
	kv := testKV(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	st := NewStore(10, 4, time.Minute, kv, nil)
	st.nowFunc = func() time.Time { return now }
	s, release := st.Acquire(ctx, "c1")
	s.Append(llm.Message{Role: llm.RoleUser, Content: "hi"})
	if err := st.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	release()

	// Past the snapshot's expiry a restart must not resurrect it.
	st2 := NewStore(10, 4, time.Minute, kv, nil)
	st2.nowFunc = func() time.Time { return now.Add(time.Hour) }
	got, release := st2.Acquire(ctx, "c1")
	defer release()
	if len(got.History()) != 0 {
		t.Error("expired snapshot restored")
	}
}

func TestAcquireMissingSnapshotStartsFresh(t *testing.T) {
	kv := testKV(t)
	st := NewStore(10, 4, time.Hour, kv, nil)

	got, release := st.Acquire(context.Background(), "absent")
	defer release()
	if len(got.History()) != 0 || got.FollowUps != 0 {
		t.Error("acquire without snapshot did not start fresh")
	}
}

func TestDropDeletesSnapshot(t *testing.T) {
	kv := testKV(t)
	ctx := context.Background()
	st := NewStore(10, 4, time.Hour, kv, nil)

	s, release := st.Acquire(ctx, "c1")
	s.Append(llm.Message{Role: llm.RoleUser, Content: "hi"})
	if err := st.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	release()

	st.Drop(ctx, "c1")

	// Neither memory nor the snapshot survives a drop.
	got, release := st.Acquire(ctx, "c1")
	defer release()
	if len(got.History()) != 0 {
		t.Error("dropped conversation resurrected from snapshot")
	}
}
