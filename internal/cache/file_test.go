package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreRoundTripAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	key := DataKey("weather_news", "abc")
	if err := store.Put(ctx, key, []byte(`{"temp":21}`), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}

	// 重新打开同一目录，条目必须仍然可见。
	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	value, hit, err := reopened.Get(ctx, key)
	if err != nil || !hit {
		t.Fatalf("get after reopen: hit=%v err=%v", hit, err)
	}
	if string(value) != `{"temp":21}` {
		t.Fatalf("unexpected value: %s", value)
	}
}

func TestFileStoreExpiry(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	current := time.Now()
	store.now = func() time.Time { return current }

	key := DataKey("news", "p1")
	if err := store.Put(ctx, key, []byte("v"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	current = current.Add(2 * time.Minute)
	if _, hit, err := store.Get(ctx, key); err != nil || hit {
		t.Fatalf("expected miss past TTL, hit=%v err=%v", hit, err)
	}
}

func TestFileStoreValidationEntriesOmitExpiry(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := store.Put(ctx, ValidationKey("cafe"), []byte("true"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "validation_cache.json"))
	if err != nil {
		t.Fatalf("read validation cache file: %v", err)
	}
	var doc map[string]map[string]map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	entry := doc["entries"][ValidationKey("cafe")]
	if entry == nil {
		t.Fatal("validation entry missing from file")
	}
	if _, present := entry["expires_at"]; present {
		t.Fatal("validation entries must not carry expires_at")
	}
}

func TestFileStoreNamespaceFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := store.Put(ctx, ValidationKey("h"), []byte("true"), 0); err != nil {
		t.Fatalf("put validation: %v", err)
	}
	if err := store.Put(ctx, DataKey("a", "h"), []byte("d"), time.Hour); err != nil {
		t.Fatalf("put data: %v", err)
	}
	for _, name := range []string{"validation_cache.json", "data_cache.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected namespace file %s: %v", name, err)
		}
	}
}

func TestFileStoreSweep(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	current := time.Now()
	store.now = func() time.Time { return current }

	if err := store.Put(ctx, DataKey("a", "1"), []byte("x"), time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, DataKey("b", "2"), []byte("y"), time.Hour); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, ValidationKey("keep"), []byte("true"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	current = current.Add(30 * time.Minute)
	reclaimed, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed entry, got %d", reclaimed)
	}
	if _, hit, _ := store.Get(ctx, ValidationKey("keep")); !hit {
		t.Fatal("sweep must never touch entries without expiry")
	}
	if _, hit, _ := store.Get(ctx, DataKey("b", "2")); !hit {
		t.Fatal("sweep removed a live entry")
	}
}
