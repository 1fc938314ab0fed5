package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *testClock) {
	clock := &testClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(StoreOptions{
		TTL:    10 * time.Minute,
		Now:    clock.Now,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return s, clock
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := newTestStore()
	if f, ok := s.Get("nope"); ok || f != nil {
		t.Errorf("expected no flow, got %+v", f)
	}
}

func TestStore_SetReplacesWithoutMerge(t *testing.T) {
	s, clock := newTestStore()

	first := New(KindSessionSetup, "T", "alice", clock.Now())
	first.Machine = "devbox"
	first.Present(StepSelectRepo, []string{"api", "web"})
	s.Set("T", first)

	second := New(KindTaskSetup, "T", "bob", clock.Now())
	s.Set("T", second)

	got, ok := s.Get("T")
	if !ok {
		t.Fatal("expected a flow")
	}
	if got.Kind != KindTaskSetup || got.Step != StepSelectMachine {
		t.Errorf("got %s/%s, want the second flow", got.Kind, got.Step)
	}
	if got.Machine != "" || len(got.Candidates) != 0 {
		t.Errorf("fields of the first flow leaked into the second: %+v", got)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s, clock := newTestStore()
	s.Set("T", New(KindSessionSetup, "T", "", clock.Now()))

	got, _ := s.Get("T")
	got.Machine = "mutated"

	again, _ := s.Get("T")
	if again.Machine != "" {
		t.Error("Get exposed the stored flow")
	}
}

func TestStore_SetFillsCreatedAtAndThreadKey(t *testing.T) {
	s, clock := newTestStore()
	s.Set("T", &Flow{Kind: KindSessionSetup, Step: StepSelectMachine})

	got, ok := s.Get("T")
	if !ok {
		t.Fatal("expected a flow")
	}
	if !got.CreatedAt.Equal(clock.Now()) || got.ThreadKey != "T" {
		t.Errorf("unexpected flow %+v", got)
	}
}

func TestStore_Clear(t *testing.T) {
	s, clock := newTestStore()
	s.Set("T", New(KindSessionSetup, "T", "", clock.Now()))

	if !s.Clear("T") {
		t.Error("Clear should report an existing flow")
	}
	if _, ok := s.Get("T"); ok {
		t.Error("flow still present after Clear")
	}
	if s.Clear("T") {
		t.Error("second Clear should report nothing")
	}

	// The thread can start over.
	s.Set("T", New(KindTaskSetup, "T", "", clock.Now()))
	if got, ok := s.Get("T"); !ok || got.Kind != KindTaskSetup {
		t.Error("Set after Clear did not store the flow")
	}
}

func TestStore_SweepExpired(t *testing.T) {
	s, clock := newTestStore()
	now := clock.Now()

	s.Set("old", New(KindSessionSetup, "old", "", now.Add(-11*time.Minute)))
	s.Set("fresh", New(KindSessionSetup, "fresh", "", now.Add(-9*time.Minute)))

	midDialog := New(KindTaskSetup, "mid", "", now.Add(-30*time.Minute))
	midDialog.Step = StepAwaitDescription
	s.Set("mid", midDialog)

	if n := s.SweepExpired(now); n != 2 {
		t.Errorf("SweepExpired() = %d, want 2", n)
	}
	if _, ok := s.Get("old"); ok {
		t.Error("11-minute-old flow survived the sweep")
	}
	if _, ok := s.Get("mid"); ok {
		t.Error("expired flow frozen mid-dialog survived the sweep")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("9-minute-old flow was swept")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestStore_GetTreatsExpiredAsAbsent(t *testing.T) {
	s, clock := newTestStore()
	s.Set("T", New(KindSessionSetup, "T", "", clock.Now()))

	clock.Advance(10*time.Minute + time.Second)
	if _, ok := s.Get("T"); ok {
		t.Error("expired flow returned before the sweep")
	}
}

func TestStore_Update(t *testing.T) {
	s, clock := newTestStore()
	f := New(KindSessionSetup, "T", "", clock.Now())
	f.Present(StepSelectMachine, []string{"mac", "linux"})
	s.Set("T", f)

	got, err := s.Update("T", func(f *Flow) error {
		machine, err := f.Resolve(1)
		if err != nil {
			return err
		}
		f.Machine = machine
		f.Advance()
		return nil
	})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if got.Machine != "linux" || got.Step != StepSelectRepo {
		t.Errorf("unexpected result %+v", got)
	}

	stored, _ := s.Get("T")
	if stored.Machine != "linux" || stored.Step != StepSelectRepo {
		t.Errorf("update not stored: %+v", stored)
	}
}

func TestStore_UpdateErrorLeavesFlowUntouched(t *testing.T) {
	s, clock := newTestStore()
	f := New(KindSessionSetup, "T", "", clock.Now())
	f.Present(StepSelectMachine, []string{"mac"})
	s.Set("T", f)

	_, err := s.Update("T", func(f *Flow) error {
		f.Machine = "half-written"
		_, err := f.Resolve(5)
		return err
	})
	if !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("expected ErrNoCandidate, got %v", err)
	}

	stored, _ := s.Get("T")
	if stored.Machine != "" || stored.Step != StepSelectMachine {
		t.Errorf("failed update was stored: %+v", stored)
	}
}

func TestStore_UpdateMissingOrExpired(t *testing.T) {
	s, clock := newTestStore()
	noop := func(*Flow) error { return nil }

	if _, err := s.Update("none", noop); !errors.Is(err, ErrNoFlow) {
		t.Errorf("missing flow: got %v", err)
	}

	s.Set("T", New(KindSessionSetup, "T", "", clock.Now()))
	clock.Advance(11 * time.Minute)
	if _, err := s.Update("T", noop); !errors.Is(err, ErrNoFlow) {
		t.Errorf("expired flow: got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expired flow not removed on update, Len() = %d", s.Len())
	}
}

func TestStore_UpdateToDoneClears(t *testing.T) {
	s, clock := newTestStore()
	f := New(KindTaskSetup, "T", "", clock.Now())
	f.Step = StepAwaitDescription
	s.Set("T", f)

	got, err := s.Update("T", func(f *Flow) error {
		f.Advance()
		return nil
	})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if !got.Done() {
		t.Errorf("expected done flow, got step %s", got.Step)
	}
	if _, ok := s.Get("T"); ok {
		t.Error("finished flow should be cleared")
	}
}

func TestStore_ConcurrentThreads(t *testing.T) {
	s, clock := newTestStore()
	const threads = 50

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("thread-%d", i)
			f := New(KindSessionSetup, key, "", clock.Now())
			f.Present(StepSelectMachine, []string{"a", "b"})
			s.Set(key, f)
			for j := 0; j < 20; j++ {
				_, _ = s.Update(key, func(f *Flow) error {
					f.Machine = fmt.Sprintf("m%d", j)
					return nil
				})
				s.SweepExpired(clock.Now())
			}
		}(i)
	}
	wg.Wait()

	if s.Len() != threads {
		t.Fatalf("Len() = %d, want %d", s.Len(), threads)
	}
	for i := 0; i < threads; i++ {
		got, ok := s.Get(fmt.Sprintf("thread-%d", i))
		if !ok || got.Machine != "m19" {
			t.Errorf("thread %d: got %+v", i, got)
		}
	}
}

func TestStore_SweepRacesSet(t *testing.T) {
	s, clock := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for ctx.Err() == nil {
			s.SweepExpired(clock.Now())
		}
	}()

	// A sweep may detach a freshly created, still empty entry; Set must
	// notice and retry rather than write into the detached entry.
	for i := 0; i < 500; i++ {
		s.Set("T", New(KindSessionSetup, "T", "", clock.Now()))
		if _, ok := s.Get("T"); !ok {
			t.Fatalf("iteration %d: flow lost right after Set", i)
		}
		s.Clear("T")
	}
}

func TestStore_RunSweeperStopsOnCancel(t *testing.T) {
	s, _ := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunSweeper(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunSweeper did not return after cancel")
	}
}

func TestStore_RunSweeperRemovesExpired(t *testing.T) {
	s, clock := newTestStore()
	s.Set("T", New(KindSessionSetup, "T", "", clock.Now().Add(-time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunSweeper(ctx, time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not remove the expired flow")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
