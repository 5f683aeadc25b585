package filelock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLookupReturnsSameEntry(t *testing.T) {
	reg := NewRegistry()

	const workers = 16
	entries := make([]*entry, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i] = reg.lookup("shared/report.txt")
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if entries[i] != entries[0] {
			t.Fatalf("lookup returned distinct entries for the same path")
		}
	}

	if got := reg.Snapshot().TotalFileLocks; got != 1 {
		t.Errorf("expected 1 lock in registry, got %d", got)
	}
}

func TestConcurrentReaders(t *testing.T) {
	reg := NewRegistry()
	path := "docs/manual.pdf"

	const readers = 5
	guards := make([]*Guard, readers)
	for i := range guards {
		guards[i] = reg.AcquireRead(path)
	}

	if got := reg.ActiveCount(path); got != readers {
		t.Errorf("expected %d active operations, got %d", readers, got)
	}
	if !reg.InUse(path) {
		t.Error("path should be in use while read guards are held")
	}

	for _, g := range guards {
		g.Release()
	}

	if got := reg.ActiveCount(path); got != 0 {
		t.Errorf("expected 0 active operations after release, got %d", got)
	}
	if reg.InUse(path) {
		t.Error("path should be idle after all guards released")
	}
}

func TestWriterExcludesReaders(t *testing.T) {
	reg := NewRegistry()
	path := "data.bin"

	write := reg.AcquireWrite(path)

	acquired := make(chan struct{})
	go func() {
		g := reg.AcquireRead(path)
		close(acquired)
		g.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired lock while writer held it")
	case <-time.After(50 * time.Millisecond):
	}

	write.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("reader never acquired lock after writer released")
	}
}

// TestFairOrdering verifies that a writer queued behind active readers is
// granted before a reader that arrived after it, and that the active count
// drains to zero before the writer runs.
func TestFairOrdering(t *testing.T) {
	reg := NewRegistry()
	path := "queue.dat"

	r1 := reg.AcquireRead(path)

	var order []string
	var mu sync.Mutex
	record := func(who string) {
		mu.Lock()
		order = append(order, who)
		mu.Unlock()
	}

	var activeAtWriterGrant int32

	writerHeld := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		g := reg.AcquireWrite(path)
		atomic.StoreInt32(&activeAtWriterGrant, int32(reg.ActiveCount(path)))
		record("writer")
		close(writerHeld)
		g.Release()
		close(writerDone)
	}()

	// Give the writer time to enqueue behind r1.
	time.Sleep(50 * time.Millisecond)

	lateReaderDone := make(chan struct{})
	go func() {
		g := reg.AcquireRead(path)
		record("late-reader")
		g.Release()
		close(lateReaderDone)
	}()

	time.Sleep(50 * time.Millisecond)

	select {
	case <-writerHeld:
		t.Fatal("writer ran while the first reader still held the lock")
	default:
	}

	r1.Release()

	<-writerDone
	<-lateReaderDone

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "writer" || order[1] != "late-reader" {
		t.Fatalf("expected writer before late reader, got order %v", order)
	}

	// The writer is counted as the only active operation once granted.
	if n := atomic.LoadInt32(&activeAtWriterGrant); n != 1 {
		t.Errorf("expected writer to be the sole active operation, got %d", n)
	}
}

func TestGuardReleaseIdempotent(t *testing.T) {
	reg := NewRegistry()
	g := reg.AcquireWrite("once.txt")

	g.Release()
	g.Release()

	if reg.ActiveCount("once.txt") != 0 {
		t.Error("double release corrupted the active count")
	}

	// The lock must still be acquirable.
	g2 := reg.AcquireWrite("once.txt")
	g2.Release()
}

func TestSnapshot(t *testing.T) {
	reg := NewRegistry()

	a := reg.AcquireRead("a.txt")
	b := reg.AcquireRead("a.txt")
	c := reg.AcquireWrite("b.txt")
	reg.AcquireRead("c.txt").Release()

	stats := reg.Snapshot()
	if stats.TotalFileLocks != 3 {
		t.Errorf("expected 3 locks, got %d", stats.TotalFileLocks)
	}
	if stats.TotalActiveOperations != 3 {
		t.Errorf("expected 3 active operations, got %d", stats.TotalActiveOperations)
	}
	if stats.FilesInUse != 2 {
		t.Errorf("expected 2 files in use, got %d", stats.FilesInUse)
	}

	a.Release()
	b.Release()
	c.Release()
}
