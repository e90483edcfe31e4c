package locks

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawmem/internal/memerr"
)

func TestAcquireConflict(t *testing.T) {
	locks := NewSessionLocks()

	release, err := locks.Acquire("p1", "s1", OpCompression)
	if err != nil {
		t.Fatalf("first Acquire() failed: %v", err)
	}
	defer release()

	// Same session, same op.
	if _, err := locks.Acquire("p1", "s1", OpCompression); !memerr.HasCode(err, memerr.CodeCompressionInProgress) {
		t.Errorf("second Acquire() err = %v, want compression_in_progress", err)
	}
	// A different operation type keys its own lock.
	releaseExp, err := locks.Acquire("p1", "s1", OpExport)
	if err != nil {
		t.Errorf("different op on locked session: %v", err)
	} else {
		releaseExp()
	}
	// Non-compression ops conflict as resource_locked.
	releaseComp, err := locks.Acquire("p1", "s1", OpComposition)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := locks.Acquire("p1", "s1", OpComposition); !memerr.HasCode(err, memerr.CodeResourceLocked) {
		t.Errorf("composition conflict err = %v, want resource_locked", err)
	}
	releaseComp()
	// Different session is independent.
	release2, err := locks.Acquire("p1", "s2", OpCompression)
	if err != nil {
		t.Errorf("other session Acquire() failed: %v", err)
	} else {
		release2()
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	locks := NewSessionLocks()
	release, err := locks.Acquire("p1", "s1", OpImport)
	if err != nil {
		t.Fatal(err)
	}
	release()
	release2, err := locks.Acquire("p1", "s1", OpComposition)
	if err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
	release2()
}

func TestStaleLockBroken(t *testing.T) {
	locks := NewSessionLocks()
	now := time.Now()
	locks.now = func() time.Time { return now }

	if _, err := locks.Acquire("p1", "s1", OpCompression); err != nil {
		t.Fatal(err)
	}
	// Holder never released; advance past the staleness window.
	now = now.Add(staleAfter + time.Second)

	release, err := locks.Acquire("p1", "s1", OpCompression)
	if err != nil {
		t.Fatalf("stale lock not broken: %v", err)
	}
	release()
}

func TestSweep(t *testing.T) {
	locks := NewSessionLocks()
	now := time.Now()
	locks.now = func() time.Time { return now }

	locks.Acquire("p1", "old", OpCompression)
	now = now.Add(staleAfter + time.Second)
	locks.Acquire("p1", "fresh", OpCompression)

	if n := locks.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if !locks.Held("p1", "fresh") {
		t.Errorf("fresh lock swept")
	}
	if locks.Held("p1", "old") {
		t.Errorf("stale lock survived sweep")
	}
}

func TestAcquireWithTimeout(t *testing.T) {
	locks := NewSessionLocks()
	release, err := locks.Acquire("p1", "s1", OpCompression)
	if err != nil {
		t.Fatal(err)
	}

	// Release shortly after; the waiter's backoff retry should win.
	go func() {
		time.Sleep(150 * time.Millisecond)
		release()
	}()

	got, err := locks.AcquireWithTimeout(context.Background(), "p1", "s1", OpCompression, 3*time.Second)
	if err != nil {
		t.Fatalf("AcquireWithTimeout() failed: %v", err)
	}
	got()
}

func TestAcquireWithTimeoutExpires(t *testing.T) {
	locks := NewSessionLocks()
	release, err := locks.Acquire("p1", "s1", OpCompression)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = locks.AcquireWithTimeout(context.Background(), "p1", "s1", OpCompression, 250*time.Millisecond)
	if !memerr.HasCode(err, memerr.CodeLockTimeout) {
		t.Errorf("err = %v, want lock_timeout", err)
	}
}
