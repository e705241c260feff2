// Package tokencache is a read-through cache over accounts/<project>/*.json
// credential files, invalidated by a filesystem watcher and by the
// management API's mutating endpoints. It reuses the teacher's generic
// pkg/cache.TTLMap for entry storage and pkg/cache.SaveJSON for
// credential-file writes; reads go through os.ReadFile.
package tokencache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lkarlslund/sessionrelay/pkg/cache"
)

const (
	entryTTL    = 5 * time.Minute
	dirScanTTL  = 30 * time.Second
)

type dirState struct {
	mu       sync.Mutex
	files    []string
	lastScan time.Time
	watcher  *fsnotify.Watcher
}

// Cache is a process-wide read-through cache of credential directories.
type Cache struct {
	rootDir string

	entries *cache.TTLMap[string, json.RawMessage]

	mu   sync.Mutex
	dirs map[string]*dirState

	onLog func(format string, args ...any)
}

func New(rootDir string) *Cache {
	return &Cache{
		rootDir: rootDir,
		entries: cache.NewTTLMap[string, json.RawMessage](),
		dirs:    map[string]*dirState{},
	}
}

// SetLogger installs a printf-style sink for watcher diagnostics; nil disables logging.
func (c *Cache) SetLogger(fn func(format string, args ...any)) {
	c.onLog = fn
}

func (c *Cache) logf(format string, args ...any) {
	if c.onLog != nil {
		c.onLog(format, args...)
	}
}

func entryKey(project, filename string) string {
	return project + "/" + filename
}

func (c *Cache) projectDir(project string) string {
	return filepath.Join(c.rootDir, project)
}

// GetToken returns the raw JSON contents of accounts/<project>/<filename>,
// reading through to disk when the cached entry is stale or absent. A
// missing file returns (nil, nil) and evicts any stale cache entry.
func (c *Cache) GetToken(project, filename string) (json.RawMessage, error) {
	key := entryKey(project, filename)
	if v, ok := c.entries.GetFresh(key, time.Now()); ok {
		return v, nil
	}
	path := filepath.Join(c.projectDir(project), filename)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.entries.Delete(key)
			return nil, nil
		}
		return nil, err
	}
	raw := json.RawMessage(append([]byte(nil), b...))
	c.entries.SetWithTTL(key, raw, time.Now(), entryTTL)
	return raw, nil
}

// GetTokenList returns the cached directory listing (*.json basenames) for
// project, rescanning when the scan timestamp is stale. It lazily installs a
// filesystem watcher on first access.
func (c *Cache) GetTokenList(project string) ([]string, error) {
	d := c.dirStateFor(project)
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.lastScan.IsZero() && time.Since(d.lastScan) < dirScanTTL {
		return append([]string(nil), d.files...), nil
	}
	files, err := c.scanDir(project)
	if err != nil {
		return nil, err
	}
	d.files = files
	d.lastScan = time.Now()
	c.ensureWatcherLocked(project, d)
	return append([]string(nil), files...), nil
}

func (c *Cache) scanDir(project string) ([]string, error) {
	dir := c.projectDir(project)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".json") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetAllTokens concatenates GetToken over GetTokenList.
func (c *Cache) GetAllTokens(project string) (map[string]json.RawMessage, error) {
	files, err := c.GetTokenList(project)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(files))
	for _, f := range files {
		v, err := c.GetToken(project, f)
		if err != nil {
			continue
		}
		if v != nil {
			out[f] = v
		}
	}
	return out, nil
}

// SaveToken writes value as accounts/<project>/<filename>, creating the
// project directory if needed, and invalidates the cached entry so the next
// GetToken rereads it. Used by adapter login/save flows and the management
// surface's tokens/add endpoint.
func (c *Cache) SaveToken(project, filename string, value any) error {
	dir := c.projectDir(project)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	path := filepath.Join(dir, filename)
	if err := cache.SaveJSON(path, value); err != nil {
		return err
	}
	c.InvalidateToken(project, filename)
	c.InvalidateProject(project)
	return nil
}

// DeleteToken removes accounts/<project>/<filename> and invalidates the
// cache. A missing file is not an error.
func (c *Cache) DeleteToken(project, filename string) error {
	path := filepath.Join(c.projectDir(project), filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	c.InvalidateToken(project, filename)
	c.InvalidateProject(project)
	return nil
}

// InvalidateToken evicts the cached entry for (project, filename).
func (c *Cache) InvalidateToken(project, filename string) {
	c.entries.Delete(entryKey(project, filename))
}

// InvalidateProject evicts every entry for project and forces a re-scan.
func (c *Cache) InvalidateProject(project string) {
	d := c.dirStateFor(project)
	d.mu.Lock()
	d.lastScan = time.Time{}
	files := append([]string(nil), d.files...)
	d.mu.Unlock()
	for _, f := range files {
		c.entries.Delete(entryKey(project, f))
	}
}

// PreloadProject eagerly populates every entry for project.
func (c *Cache) PreloadProject(project string) {
	files, err := c.GetTokenList(project)
	if err != nil {
		return
	}
	for _, f := range files {
		_, _ = c.GetToken(project, f)
	}
}

func (c *Cache) dirStateFor(project string) *dirState {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.dirs[project]
	if !ok {
		d = &dirState{}
		c.dirs[project] = d
	}
	return d
}

// ensureWatcherLocked installs an fsnotify watcher on the project directory
// if one isn't already running. Caller must hold d.mu.
func (c *Cache) ensureWatcherLocked(project string, d *dirState) {
	if d.watcher != nil {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		c.logf("tokencache: watcher init failed for %s: %v", project, err)
		return
	}
	dir := c.projectDir(project)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		c.logf("tokencache: mkdir %s failed: %v", dir, err)
	}
	if err := w.Add(dir); err != nil {
		c.logf("tokencache: watch %s failed: %v", dir, err)
		_ = w.Close()
		return
	}
	d.watcher = w
	go c.watchLoop(project, d, w)
}

// watchLoop is grounded on other_examples/sususu98-CLIProxyAPI__watcher.go:
// every *.json event under the project dir invalidates the specific filename
// and resets lastScan so the next GetTokenList rescans. Events are not
// debounced and file contents are not hashed, so a no-op write also
// invalidates the entry.
func (c *Cache) watchLoop(project string, d *dirState, w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			filename := filepath.Base(ev.Name)
			c.InvalidateToken(project, filename)
			d.mu.Lock()
			d.lastScan = time.Time{}
			d.mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logf("tokencache: watcher error for %s: %v", project, err)
		}
	}
}

// Close tears down every active watcher.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.dirs {
		d.mu.Lock()
		if d.watcher != nil {
			_ = d.watcher.Close()
			d.watcher = nil
		}
		d.mu.Unlock()
	}
}
