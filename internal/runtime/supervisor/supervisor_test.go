package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRunsAndWaits(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var ran atomic.Bool
	s.Go("once", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !ran.Load() {
		t.Fatal("goroutine never ran")
	}
}

func TestGoCapturesFirstError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	want := errors.New("boom")
	s.Go("failing", func(ctx context.Context) error { return want })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, want) {
		t.Fatalf("Wait = %v, want wrapped %v", err, want)
	}
}

func TestGoRecoverFromPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("panicky", func(ctx context.Context) error { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil {
		t.Fatal("panic should surface as the first error")
	}

	snap := s.Snapshot()
	if len(snap.Loops) == 0 {
		t.Fatal("no loop stats recorded")
	}
	var panics uint64
	for _, l := range snap.Loops {
		panics += l.Panics
	}
	if panics != 1 {
		t.Fatalf("panics = %d, want 1", panics)
	}
}

func TestContextCancelIsCleanExit(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("waiting", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait after cancel = %v, want nil", err)
	}
}

func TestGoRestartRestartsOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flappy", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}

	snap := s.Snapshot()
	for _, l := range snap.Loops {
		if l.Name == "flappy" && l.Restarts != 2 {
			t.Fatalf("restarts = %d, want 2", l.Restarts)
		}
	}
}

func TestGoRestartStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	started := make(chan struct{})
	var once atomic.Bool
	s.GoRestart("loop", func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	block := make(chan struct{})
	defer close(block)
	s.Go("stuck", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
}

func TestSnapshotCountsStarts(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("a", func(ctx context.Context) error { return nil })
	s.Go("b", func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Wait(ctx)

	snap := s.Snapshot()
	if snap.Started != 2 {
		t.Fatalf("Started = %d, want 2", snap.Started)
	}
	if snap.Active != 0 {
		t.Fatalf("Active = %d, want 0", snap.Active)
	}
	if len(snap.Loops) != 2 {
		t.Fatalf("Loops = %d, want 2", len(snap.Loops))
	}
}
