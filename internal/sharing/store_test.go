package sharing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/transubtil/sharebox/internal/logging"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	logging.InitNop()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := OpenDB("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Migrations are idempotent.
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	return NewSQLStore(db)
}

func testLink(token string, created time.Time) *ShareLink {
	return &ShareLink{
		ID:        "id-" + token,
		Token:     token,
		FilePath:  "/docs/" + token + ".pdf",
		FileName:  token + ".pdf",
		FileSize:  42,
		OwnerID:   "alice",
		CreatedAt: created,
		IsActive:  true,
	}
}

func intPtr(n int) *int { return &n }

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := created.Add(time.Hour)

	in := testLink("abc", created)
	in.ExpiresAt = &expires
	in.PasswordHash = "hash"
	in.MaxDownloads = intPtr(3)

	out, err := s.Insert(ctx, in)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if out.ID != in.ID || out.Token != "abc" || !out.IsActive {
		t.Errorf("Insert returned %+v", out)
	}

	got, err := s.GetByToken(ctx, "abc")
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, expires)
	}
	if got.PasswordHash != "hash" || got.MaxDownloads == nil || *got.MaxDownloads != 3 {
		t.Errorf("unexpected restrictions %+v", got)
	}
	if got.LastAccessedAt != nil || got.DownloadCount != 0 {
		t.Errorf("unexpected usage %+v", got)
	}
}

func TestGetByTokenMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetByToken(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestInsertDuplicateToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.Insert(ctx, testLink("dup", now)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	second := testLink("dup", now)
	second.ID = "other-id"
	if _, err := s.Insert(ctx, second); !errors.Is(err, ErrTokenTaken) {
		t.Errorf("err = %v, want ErrTokenTaken", err)
	}

	exists, err := s.TokenExists(ctx, "dup")
	if err != nil || !exists {
		t.Errorf("TokenExists(dup) = %v, %v", exists, err)
	}
	exists, err = s.TokenExists(ctx, "fresh")
	if err != nil || exists {
		t.Errorf("TokenExists(fresh) = %v, %v", exists, err)
	}
}

func TestUpdateByToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, err := s.Insert(ctx, testLink("tok", now)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	accessed := now.Add(time.Minute)
	if err := s.UpdateByToken(ctx, "tok", LinkUpdate{DownloadCount: intPtr(7), LastAccessedAt: &accessed}); err != nil {
		t.Fatalf("UpdateByToken: %v", err)
	}
	got, _ := s.GetByToken(ctx, "tok")
	if got.DownloadCount != 7 || got.LastAccessedAt == nil || !got.LastAccessedAt.Equal(accessed) {
		t.Errorf("after update: %+v", got)
	}

	// Nil fields are untouched.
	if err := s.UpdateByToken(ctx, "tok", LinkUpdate{}); err != nil {
		t.Fatalf("UpdateByToken(empty): %v", err)
	}
	got, _ = s.GetByToken(ctx, "tok")
	if got.DownloadCount != 7 || got.LastAccessedAt == nil {
		t.Errorf("empty update changed fields: %+v", got)
	}

	if err := s.UpdateByToken(ctx, "missing", LinkUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestIncrementDownloadsRespectsQuota(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	l := testLink("quota", now)
	l.MaxDownloads = intPtr(3)
	if _, err := s.Insert(ctx, l); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.IncrementDownloads(ctx, "quota", now)
			if err != nil {
				t.Errorf("IncrementDownloads: %v", err)
				return
			}
			if ok {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 {
		t.Errorf("succeeded = %d, want 3", succeeded)
	}
	got, _ := s.GetByToken(ctx, "quota")
	if got.DownloadCount != 3 {
		t.Errorf("DownloadCount = %d, want 3", got.DownloadCount)
	}
}

func TestIncrementDownloadsUnlimitedAndInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.Insert(ctx, testLink("open", now)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	for i := 0; i < 5; i++ {
		if ok, err := s.IncrementDownloads(ctx, "open", now); err != nil || !ok {
			t.Fatalf("IncrementDownloads #%d = %v, %v", i, ok, err)
		}
	}

	off := testLink("off", now)
	off.IsActive = false
	if _, err := s.Insert(ctx, off); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if ok, err := s.IncrementDownloads(ctx, "off", now); err != nil || ok {
		t.Errorf("IncrementDownloads(inactive) = %v, %v, want false", ok, err)
	}
	if ok, err := s.IncrementDownloads(ctx, "missing", now); err != nil || ok {
		t.Errorf("IncrementDownloads(missing) = %v, %v, want false", ok, err)
	}
}

func TestListByOwnerNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, tok := range []string{"first", "second", "third"} {
		if _, err := s.Insert(ctx, testLink(tok, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	other := testLink("bobs", base)
	other.OwnerID = "bob"
	if _, err := s.Insert(ctx, other); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	links, err := s.ListByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	var got []string
	for _, l := range links {
		got = append(got, l.Token)
	}
	if strings.Join(got, ",") != "third,second,first" {
		t.Errorf("order = %v", got)
	}

	none, err := s.ListByOwner(ctx, "carol")
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("ListByOwner(carol) = %v, %v, want empty slice", none, err)
	}
}

func TestOwnerScopedMutations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Insert(ctx, testLink("mine", time.Now().UTC())); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.SetActive(ctx, "id-mine", "bob", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetActive(other owner) = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "id-mine", "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(other owner) = %v, want ErrNotFound", err)
	}

	if err := s.SetActive(ctx, "id-mine", "alice", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	n, err := s.CountActive(ctx)
	if err != nil || n != 0 {
		t.Errorf("CountActive = %d, %v, want 0", n, err)
	}

	if err := s.Delete(ctx, "id-mine", "alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "id-mine", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestDeleteExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	for tok, exp := range map[string]*time.Time{"old": &past, "later": &future, "never": nil, "edge": &now} {
		l := testLink(tok, now.Add(-time.Hour))
		l.ExpiresAt = exp
		if _, err := s.Insert(ctx, l); err != nil {
			t.Fatalf("Insert(%s): %v", tok, err)
		}
	}

	removed, err := s.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	tokens := map[string]bool{}
	for _, l := range removed {
		tokens[l.Token] = true
		if l.ExpiresAt == nil {
			t.Errorf("removed link %s has no expiry", l.Token)
		}
	}
	if len(removed) != 2 || !tokens["old"] || !tokens["edge"] {
		t.Errorf("removed = %v, want old and edge", tokens)
	}

	for _, tok := range []string{"later", "never"} {
		if _, err := s.GetByToken(ctx, tok); err != nil {
			t.Errorf("GetByToken(%s): %v", tok, err)
		}
	}
}
