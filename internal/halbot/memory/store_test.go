package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStore_GetOrCreateIsLazy(t *testing.T) {
	s := NewStore()
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}
	s.GetOrCreate("!room:test")
	s.GetOrCreate("!room:test")
	if s.Len() != 1 {
		t.Fatalf("expected 1 conversation, got %d", s.Len())
	}

	// Any read creates the conversation too.
	if _, err := s.Snapshot(context.Background(), "!other:test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 conversations, got %d", s.Len())
	}
}

func TestStore_ReferenceScenario(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	const id = "!room:test"

	for _, c := range []int{40, 30} {
		if _, err := s.EvictAndAppend(ctx, id, exchange("q", "a", c), 100, KeepOnExactFit); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	total, _ := s.TotalHistoryTokens(ctx, id)
	if total != 70 {
		t.Fatalf("expected 70 stored tokens, got %d", total)
	}

	newest := exchange("q3", "a3", 50)
	evicted, err := s.EvictAndAppend(ctx, id, newest, 100, KeepOnExactFit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evicted != 1 {
		t.Errorf("expected 1 eviction, got %d", evicted)
	}

	snap, _ := s.Snapshot(ctx, id)
	if len(snap.History) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(snap.History))
	}
	if snap.History[0].TokenCost != 30 || snap.History[1].TokenCost != 50 {
		t.Errorf("unexpected costs: %d, %d", snap.History[0].TokenCost, snap.History[1].TokenCost)
	}
	if snap.History[1].ID != newest.ID {
		t.Error("newest exchange should be last")
	}
	if snap.TotalTokens() != 80 {
		t.Errorf("expected total 80, got %d", snap.TotalTokens())
	}
}

func TestStore_UnlimitedNeverEvicts(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	for i := 0; i < 50; i++ {
		evicted, _ := s.EvictAndAppend(ctx, "c", exchange("q", "a", 10_000), 0, KeepOnExactFit)
		if evicted != 0 {
			t.Fatalf("turn %d: unexpected eviction", i)
		}
	}
	total, _ := s.TotalHistoryTokens(ctx, "c")
	if total != 500_000 {
		t.Fatalf("expected 500000 tokens, got %d", total)
	}
}

func TestStore_SnapshotDoesNotAlias(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.AppendPersona(ctx, "c", "be terse")
	s.EvictAndAppend(ctx, "c", exchange("q", "a", 5), 0, KeepOnExactFit)

	snap, _ := s.Snapshot(ctx, "c")
	snap.Persona[0].Content = "tampered"
	snap.History[0].User.Content = "tampered"
	snap.History = append(snap.History, exchange("x", "y", 1))

	again, _ := s.Snapshot(ctx, "c")
	if again.Persona[0].Content != "be terse" || again.History[0].User.Content != "q" {
		t.Fatal("snapshot mutation leaked into the store")
	}
	if len(again.History) != 1 {
		t.Fatalf("expected 1 exchange, got %d", len(again.History))
	}
}

func TestStore_PersonaAppendOrderAndRole(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.AppendPersona(ctx, "c", "first")
	s.AppendPersona(ctx, "c", "second")

	snap, _ := s.Snapshot(ctx, "c")
	if len(snap.Persona) != 2 || snap.Persona[0].Content != "first" || snap.Persona[1].Content != "second" {
		t.Fatalf("unexpected persona: %+v", snap.Persona)
	}
	for _, p := range snap.Persona {
		if p.Role != RoleSystem || p.Author != "" {
			t.Errorf("persona message must be system with no author: %+v", p)
		}
	}
}

func TestStore_IdempotentClears(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.AppendPersona(ctx, "c", "p")
	s.EvictAndAppend(ctx, "c", exchange("q", "a", 5), 0, KeepOnExactFit)

	if had, err := s.ClearHistory(ctx, "c"); err != nil || !had {
		t.Fatalf("first ClearHistory: had=%v err=%v", had, err)
	}
	if had, err := s.ClearHistory(ctx, "c"); err != nil || had {
		t.Fatalf("second ClearHistory: had=%v err=%v", had, err)
	}
	if had, err := s.ClearPersona(ctx, "c"); err != nil || !had {
		t.Fatalf("first ClearPersona: had=%v err=%v", had, err)
	}
	if had, err := s.ClearPersona(ctx, "c"); err != nil || had {
		t.Fatalf("second ClearPersona: had=%v err=%v", had, err)
	}

	snap, _ := s.Snapshot(ctx, "c")
	if len(snap.Persona) != 0 || len(snap.History) != 0 {
		t.Fatalf("expected empty conversation, got %+v", snap)
	}
	if s.Len() != 1 {
		t.Fatal("clearing must not remove the conversation entry")
	}
}

func TestStore_ClearHistoryKeepsPersona(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.AppendPersona(ctx, "c", "p")
	s.EvictAndAppend(ctx, "c", exchange("q", "a", 5), 0, KeepOnExactFit)
	s.ClearHistory(ctx, "c")

	snap, _ := s.Snapshot(ctx, "c")
	if len(snap.Persona) != 1 {
		t.Fatal("persona must survive a history clear")
	}
}

func TestStore_AcquireIsExclusive(t *testing.T) {
	s := NewStore()
	sess, err := s.Acquire(context.Background(), "c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Acquire(ctx, "c"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded while held, got %v", err)
	}

	// Other conversations are independent.
	other, err := s.Acquire(context.Background(), "d")
	if err != nil {
		t.Fatalf("unexpected error acquiring another conversation: %v", err)
	}
	other.Release()

	sess.Release()
	sess.Release() // idempotent

	again, err := s.Acquire(context.Background(), "c")
	if err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
	again.Release()
}

func TestStore_ConcurrentAppendsSerialised(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	const workers, perWorker = 8, 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				sess, err := s.Acquire(ctx, "c")
				if err != nil {
					t.Error(err)
					return
				}
				// Read-modify-write across the section: cost derived from
				// the current total must never race.
				total := sess.TotalTokens()
				sess.EvictAndAppend(exchange("q", "a", total%3+1), 0, KeepOnExactFit)
				sess.Release()
			}
		}()
	}
	wg.Wait()

	snap, _ := s.Snapshot(ctx, "c")
	if len(snap.History) != workers*perWorker {
		t.Fatalf("expected %d exchanges, got %d", workers*perWorker, len(snap.History))
	}
	seen := make(map[string]bool, len(snap.History))
	for _, ex := range snap.History {
		if seen[ex.ID.String()] {
			t.Fatal("duplicate exchange identity")
		}
		seen[ex.ID.String()] = true
	}
}
