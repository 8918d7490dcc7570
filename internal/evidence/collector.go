// Package evidence hashes output files, records per-task execution evidence
// and optionally archives both to an S3-compatible bucket.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/taskexec/internal/logging"
)

const (
	DefaultHashWorkers = 4
	digestCacheSize    = 4096
)

type cachedDigest struct {
	size    int64
	modTime time.Time
	digest  string
}

// Collector computes SHA-256 digests of files matched by doublestar globs.
// It is safe for concurrent use and meant to be shared by every run of a
// process: digests of files whose size and mtime are unchanged are served
// from an LRU, and concurrent runs hashing the same file share one read.
type Collector struct {
	workDir  string
	workers  int
	cache    *lru.Cache[string, cachedDigest]
	flight   singleflight.Group
	hashFile func(path string) (string, error)
	logger   *logging.Logger
}

func NewCollector(workDir string, workers int, logger *logging.Logger) (*Collector, error) {
	if workers <= 0 {
		workers = DefaultHashWorkers
	}
	cache, err := lru.New[string, cachedDigest](digestCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create digest cache: %w", err)
	}
	return &Collector{
		workDir:  workDir,
		workers:  workers,
		cache:    cache,
		hashFile: HashFile,
		logger:   logger.With("evidence"),
	}, nil
}

// Collect returns path -> hex digest for every regular file existing now that
// matches any glob. Paths are relative to the work dir when inside it. Globs
// matching nothing are skipped.
func (c *Collector) Collect(ctx context.Context, globs []string) (map[string]string, error) {
	files, err := c.Expand(globs)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	digests := make(map[string]string, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, abs := range files {
		abs := abs
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			digest, err := c.Digest(abs)
			if err != nil {
				if os.IsNotExist(err) {
					c.logger.Debugf("evidence_vanished path=%s", abs)
					return nil
				}
				return err
			}
			mu.Lock()
			digests[c.relative(abs)] = digest
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hash evidence: %w", err)
	}
	c.logger.Infof("evidence_collected globs=%d files=%d", len(globs), len(digests))
	return digests, nil
}

// Expand resolves globs to a sorted, de-duplicated list of absolute paths of
// existing regular files.
func (c *Collector) Expand(globs []string) ([]string, error) {
	seen := make(map[string]bool)
	for _, pattern := range globs {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(c.workDir, pattern)
		}
		matches, err := doublestar.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("evidence glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			c.logger.Debugf("evidence_glob_empty pattern=%s", pattern)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			seen[filepath.Clean(m)] = true
		}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// Digest returns the hex SHA-256 of the file at abs, streaming its content.
// Concurrent requests for the same path share one read.
func (c *Collector) Digest(abs string) (string, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if d, ok := c.cache.Get(abs); ok && d.size == info.Size() && d.modTime.Equal(info.ModTime()) {
		return d.digest, nil
	}

	v, err, _ := c.flight.Do(abs, func() (any, error) {
		digest, err := c.hashFile(abs)
		if err != nil {
			return "", err
		}
		c.cache.Add(abs, cachedDigest{size: info.Size(), modTime: info.ModTime(), digest: digest})
		return digest, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Collector) relative(abs string) string {
	rel, err := filepath.Rel(c.workDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return abs
	}
	return filepath.ToSlash(rel)
}

// HashFile streams path through SHA-256.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
