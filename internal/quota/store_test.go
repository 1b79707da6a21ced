package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/transubtil/sharebox/internal/logging"
	"github.com/transubtil/sharebox/internal/sharing"
)

func newTestStore(t *testing.T, maxActive int) *Store {
	t.Helper()
	logging.InitNop()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := sharing.OpenDB("sqlite3", fmt.Sprintf("file:quota_%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	for i := 0; i < 2; i++ {
		if err := Migrate(context.Background(), db); err != nil {
			t.Fatalf("Migrate #%d: %v", i+1, err)
		}
	}
	return NewStore(db, maxActive)
}

func TestReserveUpToLimit(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.Reserve(ctx, "alice"); err != nil {
			t.Fatalf("Reserve #%d: %v", i+1, err)
		}
	}
	if err := s.Reserve(ctx, "alice"); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("third Reserve: got %v, want ErrQuotaExceeded", err)
	}

	// Other owners have their own budget.
	if err := s.Reserve(ctx, "bob"); err != nil {
		t.Errorf("Reserve for bob: %v", err)
	}

	if err := s.Release(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.Reserve(ctx, "alice"); err != nil {
		t.Errorf("Reserve after Release: %v", err)
	}
	if n, _ := s.Active(ctx, "alice"); n != 2 {
		t.Errorf("active = %d, want 2", n)
	}
}

func TestReserveUnlimited(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := s.Reserve(ctx, "alice"); err != nil {
			t.Fatalf("Reserve #%d: %v", i+1, err)
		}
	}
	if n, _ := s.Active(ctx, "alice"); n != 50 {
		t.Errorf("active = %d, want 50", n)
	}
}

func TestReserveConcurrent(t *testing.T) {
	s := newTestStore(t, 3)

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Reserve(context.Background(), "alice")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrQuotaExceeded):
				rejected.Add(1)
			default:
				t.Errorf("Reserve: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 3 || rejected.Load() != 7 {
		t.Errorf("ok=%d rejected=%d, want 3/7", ok.Load(), rejected.Load())
	}
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	s := newTestStore(t, 1)
	ctx := context.Background()

	if err := s.Release(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.Reserve(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	s.Release(ctx, "alice")
	s.Release(ctx, "alice")
	if n, _ := s.Active(ctx, "alice"); n != 0 {
		t.Errorf("active = %d, want 0", n)
	}
	if err := s.Reserve(ctx, "alice"); err != nil {
		t.Errorf("Reserve: %v", err)
	}
	if err := s.Reserve(ctx, "alice"); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("second Reserve: got %v, want ErrQuotaExceeded", err)
	}
}

func TestSubmissionLifecycle(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()
	base := time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

	for i, id := range []string{"s1", "s2"} {
		if err := s.Reserve(ctx, "alice"); err != nil {
			t.Fatal(err)
		}
		err := s.Record(ctx, &Submission{
			ID:          id,
			OwnerID:     "alice",
			Category:    "images",
			Path:        "/images/" + id + ".png",
			ContentType: "image/png",
			Size:        int64(100 * (i + 1)),
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Record(%s): %v", id, err)
		}
	}

	subs, err := s.List(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 || subs[0].ID != "s2" || subs[1].ID != "s1" {
		t.Fatalf("unexpected listing %+v", subs)
	}
	if !subs[1].CreatedAt.Equal(base) || subs[1].Size != 100 {
		t.Errorf("unexpected fields %+v", subs[1])
	}

	if subs, _ := s.List(ctx, "bob"); len(subs) != 0 {
		t.Errorf("bob sees %d submissions", len(subs))
	}
	if _, err := s.Get(ctx, "s1", "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get by other owner: got %v, want ErrNotFound", err)
	}
	if err := s.Remove(ctx, "s1", "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove by other owner: got %v, want ErrNotFound", err)
	}

	if err := s.Remove(ctx, "s1", "alice"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n, _ := s.Active(ctx, "alice"); n != 1 {
		t.Errorf("active = %d after Remove, want 1", n)
	}
	if err := s.Remove(ctx, "s1", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove: got %v, want ErrNotFound", err)
	}
	if n, _ := s.Active(ctx, "alice"); n != 1 {
		t.Errorf("active = %d after repeated Remove, want 1", n)
	}
}
