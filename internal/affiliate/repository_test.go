package affiliate

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/autocash/internal/money"
)

func newLink(id string, active bool) *Link {
	now := time.Now().UTC()
	return &Link{
		LinkID:         id,
		Name:           "Link " + id,
		DestinationURL: "https://shop.example.com/" + id,
		CommissionType: CommissionPercentage,
		IsActive:       active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestInMemoryRepository_CreateGet(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if err := repo.Create(ctx, newLink("amazon123", true)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, newLink("amazon123", true)); !errors.Is(err, ErrLinkExists) {
		t.Errorf("Create() duplicate error = %v, want ErrLinkExists", err)
	}

	got, err := repo.Get(ctx, "amazon123")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.DestinationURL != "https://shop.example.com/amazon123" {
		t.Errorf("DestinationURL = %q", got.DestinationURL)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrLinkNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrLinkNotFound", err)
	}
}

func TestInMemoryRepository_UpdateKeepsCounters(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	repo.Create(ctx, newLink("l1", true))
	repo.RecordClick(ctx, "l1", time.Now())

	upd := newLink("l1", false)
	upd.Name = "Renamed"
	upd.Clicks = 999
	if err := repo.Update(ctx, upd); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, _ := repo.Get(ctx, "l1")
	if got.Name != "Renamed" || got.IsActive {
		t.Errorf("Update() did not apply editable fields: %+v", got)
	}
	if got.Clicks != 1 {
		t.Errorf("Update() changed Clicks to %d, want 1", got.Clicks)
	}

	if err := repo.Update(ctx, newLink("missing", true)); !errors.Is(err, ErrLinkNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrLinkNotFound", err)
	}
}

func TestInMemoryRepository_Counters(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	repo.Create(ctx, newLink("l1", true))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := repo.RecordClick(ctx, "l1", at); err != nil {
		t.Fatalf("RecordClick() error = %v", err)
	}
	if err := repo.RecordConversion(ctx, "l1", 2500); err != nil {
		t.Fatalf("RecordConversion() error = %v", err)
	}

	got, _ := repo.Get(ctx, "l1")
	if got.Clicks != 1 || got.Conversions != 1 || got.Revenue != 2500 {
		t.Errorf("counters = %d/%d/%d, want 1/1/2500", got.Clicks, got.Conversions, got.Revenue)
	}
	if got.LastClickAt == nil || !got.LastClickAt.Equal(at) {
		t.Errorf("LastClickAt = %v, want %v", got.LastClickAt, at)
	}

	if err := repo.RecordClick(ctx, "missing", at); !errors.Is(err, ErrLinkNotFound) {
		t.Errorf("RecordClick(missing) error = %v", err)
	}
}

func TestInMemoryRepository_RevenueOverflow(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	repo.Create(ctx, newLink("l1", true))

	const near = money.Cents(math.MaxInt64 - 50)
	if err := repo.RecordConversion(ctx, "l1", near); err != nil {
		t.Fatalf("RecordConversion() error = %v", err)
	}
	if err := repo.RecordConversion(ctx, "l1", 100); !errors.Is(err, money.ErrOverflow) {
		t.Fatalf("RecordConversion() error = %v, want ErrOverflow", err)
	}

	got, _ := repo.Get(ctx, "l1")
	if got.Revenue != near || got.Conversions != 1 {
		t.Errorf("counters = %d/%d, want 1/%d unchanged", got.Conversions, got.Revenue, near)
	}
}

func TestInMemoryRepository_ConcurrentConversions(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	repo.Create(ctx, newLink("l1", true))

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.RecordConversion(ctx, "l1", money.FromFloat(0.1)); err != nil {
				t.Errorf("RecordConversion() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := repo.Get(ctx, "l1")
	if got.Conversions != n {
		t.Errorf("Conversions = %d, want %d", got.Conversions, n)
	}
	if got.Revenue != money.Cents(n*10) {
		t.Errorf("Revenue = %d, want %d", got.Revenue, n*10)
	}
}

func TestInMemoryRepository_Top(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c", "off"} {
		repo.Create(ctx, newLink(id, id != "off"))
	}
	repo.RecordConversion(ctx, "a", 1000)
	repo.RecordConversion(ctx, "b", 1000)
	repo.RecordConversion(ctx, "c", 500)
	repo.RecordConversion(ctx, "off", 99999)
	repo.RecordClick(ctx, "c", time.Now())

	got, err := repo.Top(ctx, OrderRevenue, 2)
	if err != nil {
		t.Fatalf("Top() error = %v", err)
	}
	if len(got) != 2 || got[0].LinkID != "a" || got[1].LinkID != "b" {
		t.Errorf("Top(revenue) = %v, want [a b]", ids(got))
	}

	got, _ = repo.Top(ctx, OrderClicks, 0)
	if len(got) != 3 || got[0].LinkID != "c" {
		t.Errorf("Top(clicks) = %v, want c first and no inactive links", ids(got))
	}
}

func TestInMemoryRepository_List(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	repo.Create(ctx, newLink("z", true))
	repo.Create(ctx, newLink("y", false))

	all, _ := repo.List(ctx, false)
	if len(all) != 2 || all[0].LinkID != "y" {
		t.Errorf("List(all) = %v", ids(all))
	}
	active, _ := repo.List(ctx, true)
	if len(active) != 1 || active[0].LinkID != "z" {
		t.Errorf("List(active) = %v", ids(active))
	}
}

func TestInMemoryRepository_CloneIsolation(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	repo.Create(ctx, newLink("l1", true))

	clone := repo.Clone()
	clone.RecordClick(ctx, "l1", time.Now())

	orig, _ := repo.Get(ctx, "l1")
	if orig.Clicks != 0 {
		t.Errorf("original Clicks = %d after clone mutation, want 0", orig.Clicks)
	}
}

func ids(links []*Link) []string {
	out := make([]string, len(links))
	for i, l := range links {
		out[i] = l.LinkID
	}
	return out
}
