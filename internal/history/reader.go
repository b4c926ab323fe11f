package history

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100

	listWorkers = 8
)

type cached struct {
	modTime time.Time
	size    int64
	summary *Summary
}

// Reader serves sessions from a directory of <id>.jsonl files. Summaries
// are cached per file and revalidated against mtime and size.
type Reader struct {
	dir string
	log *slog.Logger

	mu    sync.Mutex
	cache map[string]cached
}

func NewReader(dir string, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{dir: filepath.Clean(dir), log: log, cache: make(map[string]cached)}
}

func (r *Reader) Dir() string { return r.dir }

// Path returns the file backing a session id, rejecting ids that would
// escape the sessions directory.
func (r *Reader) Path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", ErrNotFound
	}
	return filepath.Join(r.dir, id+".jsonl"), nil
}

func (r *Reader) Load(id string) (*Session, error) {
	path, err := r.Path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer f.Close()
	s, err := Parse(id, f)
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return s, nil
}

// List returns up to limit sessions, most recently updated first.
func (r *Reader) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Summary{}, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	p := pool.NewWithResults[*Summary]().WithContext(ctx).WithMaxGoroutines(listWorkers)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		p.Go(func(ctx context.Context) (*Summary, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return r.summary(name), nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(results))
	for _, s := range results {
		if s != nil {
			out = append(out, *s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return deref(out[i].UpdatedAt) > deref(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// summary returns the cached summary for a file, or nil when the file is
// unreadable or holds no records.
func (r *Reader) summary(name string) *Summary {
	path := filepath.Join(r.dir, name)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil
	}

	r.mu.Lock()
	c, ok := r.cache[path]
	r.mu.Unlock()
	if ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		return c.summary
	}

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	s, err := Summarize(strings.TrimSuffix(name, ".jsonl"), f)
	if err != nil {
		r.log.Warn("summarize session", "file", name, "error", err)
		return nil
	}

	r.mu.Lock()
	r.cache[path] = cached{modTime: info.ModTime(), size: info.Size(), summary: s}
	r.mu.Unlock()
	return s
}

func (r *Reader) invalidate(path string) {
	r.mu.Lock()
	delete(r.cache, path)
	r.mu.Unlock()
}

// Cached reports how many summaries are held.
func (r *Reader) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Watch drops cache entries as session files change. It blocks until ctx
// is done.
func (r *Reader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(r.dir); err != nil {
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}
	r.log.Debug("watching sessions", "dir", r.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Create) {
				r.invalidate(filepath.Clean(ev.Name))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("session watcher", "error", err)
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
