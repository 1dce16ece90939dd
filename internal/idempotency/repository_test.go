package idempotency

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"uuid", "3f2504e0-4f89-11d3-9a0c-0305e82c3301", nil},
		{"max length", strings.Repeat("a", MaxKeyLength), nil},
		{"empty", "", ErrInvalidKey},
		{"too long", strings.Repeat("a", MaxKeyLength+1), ErrKeyTooLong},
		{"space", "conv 1", ErrInvalidKey},
		{"newline", "conv\n1", ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKey(tt.key); !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestHashRequest(t *testing.T) {
	base := HashRequest("POST", "/api/monetization/conversions", []byte(`{"link_id":"a"}`))
	if len(base) != 64 {
		t.Fatalf("HashRequest() length = %d, want 64", len(base))
	}
	if again := HashRequest("POST", "/api/monetization/conversions", []byte(`{"link_id":"a"}`)); again != base {
		t.Error("HashRequest() is not deterministic")
	}
	if other := HashRequest("POST", "/api/monetization/conversions", []byte(`{"link_id":"b"}`)); other == base {
		t.Error("different bodies produced the same hash")
	}
	if other := HashRequest("POST", "/api/monetization/conversion", []byte(`s{"link_id":"a"}`)); other == base {
		t.Error("route/body boundary is ambiguous")
	}
}

func TestInMemoryRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository(time.Hour)

	if _, err := repo.Get(ctx, "k1"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get() on empty repo = %v, want ErrKeyNotFound", err)
	}

	rec := &Record{Key: "k1", Method: "POST", Route: "/conversions", RequestHash: "h"}
	if err := repo.Reserve(ctx, rec); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := repo.Reserve(ctx, rec); !errors.Is(err, ErrKeyExists) {
		t.Errorf("second Reserve() = %v, want ErrKeyExists", err)
	}

	got, err := repo.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusProcessing || got.CreatedAt.IsZero() {
		t.Errorf("reserved record = %+v", got)
	}

	if err := repo.Complete(ctx, "k1", 201, `{"ok":true}`); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, _ = repo.Get(ctx, "k1")
	if got.Status != StatusCompleted || got.ResponseStatusCode != 201 || got.ResponseBody != `{"ok":true}` {
		t.Errorf("completed record = %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.ResponseBody = "tampered"
	again, _ := repo.Get(ctx, "k1")
	if again.ResponseBody != `{"ok":true}` {
		t.Error("Get() returned a shared pointer")
	}

	if err := repo.Release(ctx, "k1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := repo.Reserve(ctx, rec); err != nil {
		t.Errorf("Reserve() after Release() = %v", err)
	}
	if err := repo.Complete(ctx, "missing", 200, ""); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Complete(missing) = %v, want ErrKeyNotFound", err)
	}
}

func TestInMemoryRepository_Expiry(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository(time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	if err := repo.Reserve(ctx, &Record{Key: "old"}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(30 * time.Minute)
	if err := repo.Reserve(ctx, &Record{Key: "fresh"}); err != nil {
		t.Fatal(err)
	}
	now = now.Add(45 * time.Minute)

	if _, err := repo.Get(ctx, "old"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expired key Get() = %v, want ErrKeyNotFound", err)
	}
	if err := repo.Reserve(ctx, &Record{Key: "old"}); err != nil {
		t.Errorf("expired key should be reservable again, got %v", err)
	}
	now = now.Add(2 * time.Hour)
	if deleted := repo.DeleteExpired(); deleted != 2 {
		t.Errorf("DeleteExpired() = %d, want 2", deleted)
	}
}

func TestInMemoryRepository_ConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository(0)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.Reserve(ctx, &Record{Key: "same"}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("%d goroutines reserved the same key, want 1", wins.Load())
	}
}

func TestRunPeriodicCleanup_Stop(t *testing.T) {
	repo := NewInMemoryRepository(time.Millisecond)
	if err := repo.Reserve(context.Background(), &Record{Key: "k"}); err != nil {
		t.Fatal(err)
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		RunPeriodicCleanup(repo, 5*time.Millisecond, nil, stop)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPeriodicCleanup did not stop")
	}
	if repo.DeleteExpired() != 0 {
		t.Error("expired key survived the periodic cleanup")
	}
}

// TestRedisRepository requires Redis on localhost:6379 and is skipped otherwise.
func TestRedisRepository(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer client.Close()

	ctx = context.Background()
	repo := NewRedisRepository(client, time.Minute)
	key := "test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	defer client.Del(ctx, redisKeyPrefix+key)

	if err := repo.Reserve(ctx, &Record{Key: key, RequestHash: "h"}); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := repo.Reserve(ctx, &Record{Key: key}); !errors.Is(err, ErrKeyExists) {
		t.Errorf("second Reserve() = %v, want ErrKeyExists", err)
	}
	if err := repo.Complete(ctx, key, 201, "{}"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	got, err := repo.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusCompleted || got.ResponseStatusCode != 201 || got.RequestHash != "h" {
		t.Errorf("Get() = %+v", got)
	}
	if ttl := client.TTL(ctx, redisKeyPrefix+key).Val(); ttl <= 0 {
		t.Errorf("TTL after Complete() = %v, want preserved", ttl)
	}
	if err := repo.Release(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Get(ctx, key); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() after Release() = %v", err)
	}
}
