package catalog

import (
	"context"
	"errors"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/transubtil/sharebox/internal/remote"
)

// ErrEmptyQuery is returned by Search when the query is blank.
var ErrEmptyQuery = errors.New("search query is empty")

// Match is a search hit.
type Match struct {
	remote.FileEntry
	// RelativePath is the hit's path relative to the search root.
	RelativePath string `json:"relative_path"`
}

// SearchResult holds the hits of a Search. Truncated is set when some
// directories were not descended because of the depth cap.
type SearchResult struct {
	Matches   []Match `json:"matches"`
	Truncated bool    `json:"truncated"`
	MaxDepth  int     `json:"max_depth"`
}

// Search walks every directory below root and returns entries whose name
// contains query, case-insensitively. Symlinks are never followed, each
// directory is listed at most once and the walk stops descending at the
// configured depth. Directories of one level are listed concurrently.
func (c *Catalog) Search(ctx context.Context, root, query string) (SearchResult, error) {
	res := SearchResult{Matches: []Match{}, MaxDepth: c.opts.SearchMaxDepth}

	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return res, ErrEmptyQuery
	}
	base, err := c.resolve(root)
	if err != nil {
		return res, err
	}

	// The root must exist and be a directory.
	var info os.FileInfo
	err = c.session.Do(ctx, "search", func(conn remote.Conn) error {
		var err error
		info, err = conn.Stat(base)
		return err
	})
	if err != nil {
		return res, err
	}
	if !info.IsDir() {
		return res, nil
	}

	var mu sync.Mutex
	visited := map[string]bool{base: true}
	level := []string{base}

	for depth := 1; len(level) > 0; depth++ {
		var next []string
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.opts.SearchWorkers)

		for _, dir := range level {
			g.Go(func() error {
				var infos []os.FileInfo
				err := c.session.Do(gctx, "search", func(conn remote.Conn) error {
					var err error
					infos, err = conn.ReadDir(dir)
					return err
				})
				if errors.Is(err, remote.ErrNotFound) {
					// Removed while we were walking.
					return nil
				}
				if err != nil {
					return err
				}

				mu.Lock()
				defer mu.Unlock()
				for _, fi := range infos {
					child := path.Join(dir, fi.Name())
					if strings.Contains(strings.ToLower(fi.Name()), needle) {
						res.Matches = append(res.Matches, Match{
							FileEntry:    c.entry(fi, child),
							RelativePath: relTo(base, child),
						})
					}
					if !fi.IsDir() || fi.Mode()&os.ModeSymlink != 0 {
						continue
					}
					if depth >= c.opts.SearchMaxDepth {
						res.Truncated = true
						continue
					}
					if visited[child] {
						continue
					}
					visited[child] = true
					next = append(next, child)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return res, err
		}
		level = next
	}

	if res.Truncated {
		c.log.Warn("search truncated at depth cap",
			zap.String("root", base),
			zap.String("query", query),
			zap.Int("max_depth", c.opts.SearchMaxDepth))
	}

	sort.Slice(res.Matches, func(i, j int) bool {
		return res.Matches[i].RelativePath < res.Matches[j].RelativePath
	})
	return res, nil
}

func relTo(base, p string) string {
	if base == "/" {
		return strings.TrimPrefix(p, "/")
	}
	return strings.TrimPrefix(p, base+"/")
}
