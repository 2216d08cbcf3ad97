package lock

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegistry_TryAcquireRelease(t *testing.T) {
	r := NewRegistry()

	if !r.TryAcquire("graph1") {
		t.Fatal("expected first TryAcquire to succeed")
	}
	if r.TryAcquire("graph1") {
		t.Fatal("expected second TryAcquire on held key to fail")
	}

	r.Release("graph1")
	if !r.TryAcquire("graph1") {
		t.Fatal("expected TryAcquire after Release to succeed")
	}
	r.Release("graph1")
}

func TestRegistry_DifferentKeys(t *testing.T) {
	r := NewRegistry()

	if !r.TryAcquire("graph1") {
		t.Fatal("expected graph1 acquire to succeed")
	}
	// graph2 is independent of graph1
	if !r.TryAcquire("graph2") {
		t.Fatal("expected graph2 acquire to succeed while graph1 held")
	}

	r.Release("graph1")
	r.Release("graph2")
}

func TestRegistry_ReleaseUnheldNoop(t *testing.T) {
	r := NewRegistry()
	r.Release("never-held")
	if r.Held("never-held") {
		t.Fatal("expected key to remain unheld")
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var acquired int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryAcquire("shared") {
				atomic.AddInt64(&acquired, 1)
			}
		}()
	}
	wg.Wait()

	// Exactly one goroutine may win while the lock is never released.
	if acquired != 1 {
		t.Errorf("expected exactly 1 successful acquire, got %d", acquired)
	}
	if !r.Held("shared") {
		t.Error("expected shared to be held")
	}
}

func TestFileLock_TryLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock(); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock(); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock(); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}

func TestFileLock_DoubleUnlockSafe(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "daemon.lock")

	fl := NewFileLock(lockPath)
	fl.TryLock()
	fl.Unlock()
	// Double unlock should be safe
	if err := fl.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}
}
