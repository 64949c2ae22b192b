package corpus

import (
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
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshInterval bounds how stale the cached corpus may be when the
// directory watcher misses an event (e.g. edits over NFS).
const DefaultRefreshInterval = 30 * time.Second

// Corpus loads and caches the knowledge directory.
type Corpus struct {
	root      string
	refresh   time.Duration
	logger    *slog.Logger
	reload    singleflight.Group
	watcher   *fsnotify.Watcher
	watchDone chan struct{}

	mu       sync.Mutex
	entries  []Entry
	loadedAt time.Time
	dirty    bool
}

// Option configures a Corpus.
type Option func(*Corpus)

// WithRefreshInterval overrides the cache refresh interval.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Corpus) { c.refresh = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Corpus) { c.logger = logger }
}

// New creates a corpus rooted at dir. The directory is created if missing.
func New(root string, opts ...Option) (*Corpus, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("corpus root: %w", err)
	}
	c := &Corpus{
		root:    root,
		refresh: DefaultRefreshInterval,
		logger:  slog.Default(),
		dirty:   true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Watch starts a filesystem watcher that invalidates the cache on any write
// under the corpus root. Optional; without it the refresh interval alone
// bounds staleness.
func (c *Corpus) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("corpus watch: %w", err)
	}
	if err := w.Add(c.root); err != nil {
		w.Close()
		return fmt.Errorf("corpus watch %s: %w", c.root, err)
	}
	// Watch existing subdirectories too; fsnotify is not recursive.
	_ = filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != c.root {
			_ = w.Add(path)
		}
		return nil
	})

	c.watcher = w
	c.watchDone = make(chan struct{})
	go func() {
		defer close(c.watchDone)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					c.Invalidate()
					if ev.Op&fsnotify.Create != 0 {
						if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
							_ = w.Add(ev.Name)
						}
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Warn("corpus watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (c *Corpus) Close() error {
	if c.watcher == nil {
		return nil
	}
	err := c.watcher.Close()
	<-c.watchDone
	return err
}

// Invalidate marks the cache stale; the next read reloads from disk.
func (c *Corpus) Invalidate() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

// Entries returns all corpus entries, sorted by ID. The cached copy is
// served while fresh; concurrent reloads collapse into one disk scan.
func (c *Corpus) Entries() ([]Entry, error) {
	c.mu.Lock()
	fresh := !c.dirty && time.Since(c.loadedAt) < c.refresh
	entries := c.entries
	c.mu.Unlock()
	if fresh {
		return entries, nil
	}

	v, err, _ := c.reload.Do("load", func() (any, error) {
		loaded, err := c.load()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries = loaded
		c.loadedAt = time.Now()
		c.dirty = false
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Entry), nil
}

func (c *Corpus) load() ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		rel, err := filepath.Rel(c.root, path)
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		entry, err := ParseEntry(filepath.ToSlash(rel), string(raw))
		if err != nil {
			c.logger.Warn("corpus entry skipped", "error", err)
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("corpus load: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Get returns the entry with the given ID, or false if absent.
func (c *Corpus) Get(id string) (Entry, bool, error) {
	entries, err := c.Entries()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Size returns the number of entries.
func (c *Corpus) Size() (int, error) {
	entries, err := c.Entries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Append writes a new entry. Entries are immutable: writing over an existing
// ID is an error. Nested IDs create intermediate directories.
func (c *Corpus) Append(entry Entry) error {
	rel := filepath.FromSlash(entry.ID)
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("corpus append: invalid id %q", entry.ID)
	}
	path := filepath.Join(c.root, rel)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("corpus append: entry %s already exists", entry.ID)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("corpus append: %w", err)
	}
	if err := os.WriteFile(path, []byte(entry.Format()), 0o644); err != nil {
		return fmt.Errorf("corpus append: %w", err)
	}
	c.Invalidate()
	return nil
}
