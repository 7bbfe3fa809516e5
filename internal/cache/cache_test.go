package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCacheSetGetFreshAndStale(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	if err := store.Set(ctx, "k1", []byte(`{"v":1}`), 50*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	res, err := store.Get(ctx, "k1", time.Minute)
	if err != nil {
		t.Fatalf("Get fresh failed: %v", err)
	}
	if !res.Hit || res.Stale {
		t.Fatalf("expected fresh hit, got %+v", res)
	}

	time.Sleep(80 * time.Millisecond)
	res, err = store.Get(ctx, "k1", time.Minute)
	if err != nil {
		t.Fatalf("Get stale failed: %v", err)
	}
	if !res.Hit || !res.Stale || res.TooStale || !res.Usable() {
		t.Fatalf("expected stale within budget, got %+v", res)
	}
}

func TestCacheTooStale(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	if err := store.Set(ctx, "k2", []byte(`{"v":2}`), 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	res, err := store.Get(ctx, "k2", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.TooStale || res.Usable() {
		t.Fatalf("expected too stale, got %+v", res)
	}
}

func TestCacheJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	if err := store.SetJSON(ctx, "price:BNB", map[string]float64{"price": 567.23}, time.Minute); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}
	var got map[string]float64
	res, err := store.GetJSON(ctx, "price:BNB", 0, &got)
	if err != nil || !res.Hit {
		t.Fatalf("GetJSON failed: res=%+v err=%v", res, err)
	}
	if got["price"] != 567.23 {
		t.Fatalf("unexpected value: %v", got)
	}
	miss, err := store.GetJSON(ctx, "price:NOPE", 0, &got)
	if err != nil || miss.Hit {
		t.Fatalf("expected miss, got %+v err=%v", miss, err)
	}
}

func TestCacheConcurrentOpenAndSet(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cache.db")
	lockPath := filepath.Join(tmp, "cache.lock")

	const workers = 8
	const iterations = 20

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			store, err := Open(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()

			for i := 0; i < iterations; i++ {
				key := fmt.Sprintf("worker-%d-key-%d", workerID, i)
				if err := store.Set(context.Background(), key, []byte(`{"ok":true}`), time.Minute); err != nil {
					errCh <- fmt.Errorf("worker %d set iter %d: %w", workerID, i, err)
					return
				}
				res, err := store.Get(context.Background(), key, time.Minute)
				if err != nil {
					errCh <- fmt.Errorf("worker %d get iter %d: %w", workerID, i, err)
					return
				}
				if !res.Hit {
					errCh <- fmt.Errorf("worker %d get iter %d: expected hit", workerID, i)
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}
