package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transubtil/sharebox/internal/remote"
)

func TestSearchNestedCaseInsensitive(t *testing.T) {
	c, _ := newTestCatalog(t, Options{})
	ctx := context.Background()
	upload(t, c, "finance/2024/q3/Quarterly-Report.txt", "numbers")
	upload(t, c, "finance/2024/notes.txt", "notes")

	res, err := c.Search(ctx, "/", "report")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("expected 1 match, got %d: %+v", len(res.Matches), res.Matches)
	}
	m := res.Matches[0]
	if m.Name != "Quarterly-Report.txt" {
		t.Errorf("name = %s", m.Name)
	}
	if m.RelativePath != "finance/2024/q3/Quarterly-Report.txt" {
		t.Errorf("relative path = %s", m.RelativePath)
	}
	if m.Path != "/finance/2024/q3/Quarterly-Report.txt" {
		t.Errorf("path = %s", m.Path)
	}
	if res.Truncated {
		t.Error("unexpected truncation")
	}

	// Relative to a sub-root.
	res, err = c.Search(ctx, "finance", "REPORT")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 1 || res.Matches[0].RelativePath != "2024/q3/Quarterly-Report.txt" {
		t.Errorf("unexpected matches %+v", res.Matches)
	}
}

func TestSearchAfterRename(t *testing.T) {
	c, _ := newTestCatalog(t, Options{})
	ctx := context.Background()
	upload(t, c, "finance/2024/q3/Quarterly-Report.txt", "numbers")

	if err := c.Move(ctx, "finance/2024/q3/Quarterly-Report.txt", "finance/2024/q3/Quarterly-Summary.txt"); err != nil {
		t.Fatal(err)
	}
	res, err := c.Search(ctx, "/", "report")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 0 {
		t.Errorf("expected no matches, got %+v", res.Matches)
	}
}

func TestSearchMatchesDirectories(t *testing.T) {
	c, _ := newTestCatalog(t, Options{})
	upload(t, c, "Reports/a.txt", "a")

	res, err := c.Search(context.Background(), "/", "report")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 1 || !res.Matches[0].IsDir() {
		t.Errorf("expected the directory to match, got %+v", res.Matches)
	}
}

func TestSearchDepthCapReported(t *testing.T) {
	c, _ := newTestCatalog(t, Options{SearchMaxDepth: 2})
	ctx := context.Background()
	upload(t, c, "a/shallow-hit.txt", "1")
	upload(t, c, "a/b/c/deep-hit.txt", "2")

	res, err := c.Search(ctx, "/", "hit")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Error("expected truncation to be reported")
	}
	if len(res.Matches) != 1 || res.Matches[0].Name != "shallow-hit.txt" {
		t.Errorf("unexpected matches %+v", res.Matches)
	}
	if res.MaxDepth != 2 {
		t.Errorf("max depth = %d", res.MaxDepth)
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	c, _ := newTestCatalog(t, Options{})
	if _, err := c.Search(context.Background(), "/", "  "); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestSearchMissingRoot(t *testing.T) {
	c, _ := newTestCatalog(t, Options{})
	upload(t, c, "x.txt", "x")
	if _, err := c.Search(context.Background(), "nowhere", "x"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSearchDoesNotFollowSymlinkLoop(t *testing.T) {
	c, srv := newTestCatalog(t, Options{SearchMaxDepth: 1000})
	upload(t, c, "a/needle.txt", "n")
	if err := srv.Symlink("/srv/admin", "/srv/admin/a/loop"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := c.Search(ctx, "/", "needle")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Matches) != 1 || res.Matches[0].RelativePath != "a/needle.txt" {
		t.Errorf("unexpected matches %+v", res.Matches)
	}
	if res.Truncated {
		t.Error("symlinked directory should not count towards the depth cap")
	}

	// The link itself is still reported when its name matches.
	res, err = c.Search(ctx, "/", "loop")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Matches) != 1 || res.Matches[0].IsDir() {
		t.Errorf("expected the link as a non-directory match, got %+v", res.Matches)
	}
}
