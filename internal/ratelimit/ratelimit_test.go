package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestCheckExhaustsQuota(t *testing.T) {
	t.Parallel()
	lim := New(10, time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lim.SetNow(fixedClock(base))

	allowed, denied := 0, 0
	for i := 0; i < 12; i++ {
		d, err := lim.Check("acct-1")
		if err != nil {
			t.Fatalf("Check error: %v", err)
		}
		if d.Allowed {
			allowed++
			if err := lim.RecordSend("acct-1"); err != nil {
				t.Fatalf("RecordSend error: %v", err)
			}
		} else {
			denied++
			if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
				t.Fatalf("RetryAfter = %v, want within (0, 1m]", d.RetryAfter)
			}
		}
	}
	if allowed != 10 || denied != 2 {
		t.Fatalf("allowed=%d denied=%d, want 10/2", allowed, denied)
	}
	if rem := lim.Remaining("acct-1"); rem != 0 {
		t.Fatalf("Remaining = %d, want 0", rem)
	}
}

func TestWindowResetRestoresQuota(t *testing.T) {
	t.Parallel()
	lim := New(2, time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	lim.SetNow(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		d, _ := lim.Check("acct")
		if !d.Allowed {
			t.Fatalf("send %d unexpectedly denied", i)
		}
		lim.RecordSend("acct")
	}
	d, _ := lim.Check("acct")
	if d.Allowed {
		t.Fatal("expected denial after quota exhausted")
	}
	want := time.Minute
	if d.RetryAfter != want {
		t.Fatalf("RetryAfter = %v, want %v", d.RetryAfter, want)
	}

	// Partway through the window the retry hint shrinks accordingly.
	now = base.Add(40 * time.Second)
	d, _ = lim.Check("acct")
	if d.Allowed {
		t.Fatal("expected denial mid-window")
	}
	if d.RetryAfter != 20*time.Second {
		t.Fatalf("RetryAfter = %v, want 20s", d.RetryAfter)
	}

	now = base.Add(time.Minute)
	d, _ = lim.Check("acct")
	if !d.Allowed {
		t.Fatal("expected fresh quota after window reset")
	}
}

func TestAccountsAreIndependent(t *testing.T) {
	t.Parallel()
	lim := New(1, time.Minute)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lim.SetNow(fixedClock(base))

	d, _ := lim.Check("a")
	if !d.Allowed {
		t.Fatal("account a should be allowed")
	}
	lim.RecordSend("a")

	if d, _ := lim.Check("a"); d.Allowed {
		t.Fatal("account a should be exhausted")
	}
	if d, _ := lim.Check("b"); !d.Allowed {
		t.Fatal("account b must not be affected by account a")
	}
}

func TestReleaseReturnsSlot(t *testing.T) {
	t.Parallel()
	lim := New(1, time.Minute)
	lim.SetNow(fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	d, _ := lim.Check("acct")
	if !d.Allowed {
		t.Fatal("first check should pass")
	}
	// The reservation holds the slot until settled.
	if d, _ := lim.Check("acct"); d.Allowed {
		t.Fatal("reserved slot should block a second check")
	}
	lim.Release("acct")
	if d, _ := lim.Check("acct"); !d.Allowed {
		t.Fatal("released slot should be available again")
	}
}

func TestConcurrentChecksNeverOversell(t *testing.T) {
	t.Parallel()
	const limit = 25
	lim := New(limit, time.Minute)
	lim.SetNow(fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := lim.Check("acct")
			if err != nil {
				t.Errorf("Check error: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
				lim.RecordSend("acct")
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != limit {
		t.Fatalf("allowed %d sends, want exactly %d", got, limit)
	}
}

func TestEmptyAccountRejected(t *testing.T) {
	t.Parallel()
	lim := New(5, time.Minute)
	if _, err := lim.Check("  "); err == nil {
		t.Fatal("expected error for blank account id")
	}
	if err := lim.RecordSend(""); err == nil {
		t.Fatal("expected error for empty account id")
	}
}

func TestDefaultsApplied(t *testing.T) {
	t.Parallel()
	lim := New(0, 0)
	if lim.Limit() != 10 {
		t.Fatalf("Limit = %d, want 10", lim.Limit())
	}
	if lim.Window() != time.Minute {
		t.Fatalf("Window = %v, want 1m", lim.Window())
	}
}
