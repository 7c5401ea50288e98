// Package dircache implements the LRU of sorted directory entries spec §4.4
// names: DirCache for unversioned listings, VersionsDirCache which also
// folds in .versions/ contents. Both are validated by (ino, mtimeNs) and
// bounded by an approximate memory budget; oversized directories simply
// aren't cached, and the listing engine falls back to streaming opendir.
//
// Grounded on scttfrdmn-objectfs/internal/cache/lru.go (container/list +
// map, weighted eviction, stats), repurposed here from byte-range content
// caching to directory-entry-list caching.
package dircache

import (
	"container/list"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// Entry describes a single child of a cached directory.
type Entry struct {
	Name  string
	IsDir bool
}

const minItemSize = 64 // accounting floor per cached directory, like the teacher's weighted cache

// dirEntries is the cached payload plus the validator fields.
type dirEntries struct {
	ino     uint64
	mtimeNs int64
	entries []Entry
	usage   int64
	elem    *list.Element
}

// Loader produces the sorted entry list for dir when the cache must
// (re)populate it. Returning (nil, false, nil) tells the cache "this
// directory is too large to cache", matching spec §4.4's explicit-optional
// behavior.
type Loader func(dir string) (entries []Entry, cacheable bool, err error)

// Cache is a memory-bounded LRU of directory entry lists validated by
// (ino, mtimeNs).
type Cache struct {
	mu          sync.Mutex
	capacity    int64
	currentSize int64
	items       map[string]*dirEntries
	evictList   *list.List
	loader      Loader
	minDirSize  int64
	maxDirSize  int64

	loadingMu sync.Mutex
	loading   map[string]*sync.WaitGroup
}

// New builds a Cache bounded by maxTotalSize bytes (approximate), refusing
// to cache directories smaller than minDirSize or larger than maxDirSize
// entries.
func New(maxTotalSize, minDirSize, maxDirSize int64, loader Loader) *Cache {
	return &Cache{
		capacity:   maxTotalSize,
		items:      make(map[string]*dirEntries),
		evictList:  list.New(),
		loader:     loader,
		minDirSize: minDirSize,
		maxDirSize: maxDirSize,
		loading:    make(map[string]*sync.WaitGroup),
	}
}

// Get returns the sorted entry list for dir, loading and validating it as
// needed. ok is false when the directory was not (or could not be) cached;
// the returned entries are then still the directory's freshly loaded list.
func (c *Cache) Get(dir string) (entries []Entry, ok bool, err error) {
	var st unix.Stat_t
	if err := unix.Stat(dir, &st); err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	item, found := c.items[dir]
	if found && item.ino == st.Ino && item.mtimeNs == st.Mtim.Nano() {
		c.evictList.MoveToFront(item.elem)
		entries := item.entries
		c.mu.Unlock()
		return entries, true, nil
	}
	c.mu.Unlock()

	return c.load(dir, st)
}

// load (re)populates dir, collapsing concurrent loaders for the same key
// into a single filesystem read.
func (c *Cache) load(dir string, st unix.Stat_t) ([]Entry, bool, error) {
	c.loadingMu.Lock()
	if wg, inFlight := c.loading[dir]; inFlight {
		c.loadingMu.Unlock()
		wg.Wait()
		c.mu.Lock()
		item, found := c.items[dir]
		c.mu.Unlock()
		if found {
			return item.entries, true, nil
		}
		// The finished load was not stored (outside the size bounds), so
		// read the directory for this caller as well.
		entries, _, err := c.loader(dir)
		return entries, false, err
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.loading[dir] = wg
	c.loadingMu.Unlock()

	defer func() {
		c.loadingMu.Lock()
		delete(c.loading, dir)
		c.loadingMu.Unlock()
		wg.Done()
	}()

	entries, cacheable, err := c.loader(dir)
	if err != nil {
		return nil, false, err
	}
	if !cacheable || int64(len(entries)) > c.maxDirSize || int64(len(entries)) < c.minDirSize {
		c.mu.Lock()
		c.removeLocked(dir)
		c.mu.Unlock()
		// The entries are still usable for this call, but the directory was
		// not stored: callers must not assume a later Get will hit cache.
		return entries, false, nil
	}

	usage := int64(minItemSize)
	for _, e := range entries {
		usage += int64(len(e.Name)) + 4
	}

	c.mu.Lock()
	c.removeLocked(dir)
	elem := c.evictList.PushFront(dir)
	c.items[dir] = &dirEntries{
		ino:     st.Ino,
		mtimeNs: st.Mtim.Nano(),
		entries: entries,
		usage:   usage,
		elem:    elem,
	}
	c.currentSize += usage
	c.evictIfNeeded()
	c.mu.Unlock()

	return entries, true, nil
}

func (c *Cache) removeLocked(dir string) {
	if item, ok := c.items[dir]; ok {
		c.currentSize -= item.usage
		c.evictList.Remove(item.elem)
		delete(c.items, dir)
	}
}

func (c *Cache) evictIfNeeded() {
	for c.currentSize > c.capacity && c.evictList.Len() > 0 {
		back := c.evictList.Back()
		if back == nil {
			return
		}
		dir := back.Value.(string)
		c.removeLocked(dir)
	}
}

// Invalidate drops any cached entry for dir, used when a caller knows the
// directory changed out from under a stale stat (e.g. after a publish).
func (c *Cache) Invalidate(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(dir)
}

// SortedReaddirLoader is the default Loader: readdir sorted by name. It
// always reports the list as cacheable; the Cache itself applies its
// minDirSize/maxDirSize bounds.
func SortedReaddirLoader(dir string) ([]Entry, bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, false, err
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		fi, err := os.Lstat(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: name, IsDir: fi.IsDir()})
	}
	return entries, true, nil
}

// VersionsLoader wraps a base Loader to additionally fold in .versions/
// contents, sorted by name_without_version ascending then by embedded
// mtime descending, so the newest version of a key comes first (spec §4.4).
func VersionsLoader(base Loader, nameWithoutVersion func(string) (string, bool), embeddedMtime func(string) (int64, bool)) Loader {
	return func(dir string) ([]Entry, bool, error) {
		entries, cacheable, err := base(dir)
		if err != nil {
			return nil, false, err
		}
		if !cacheable {
			return entries, false, nil
		}

		versionsDir := filepath.Join(dir, ".versions")
		vEntries, _, vErr := SortedReaddirLoader(versionsDir)
		if vErr != nil {
			return entries, true, nil // no .versions/ dir: fine, nothing to fold in
		}

		merged := append(append([]Entry{}, entries...), vEntries...)
		sort.SliceStable(merged, func(i, j int) bool {
			ni, oki := nameWithoutVersion(merged[i].Name)
			nj, okj := nameWithoutVersion(merged[j].Name)
			if !oki {
				ni = merged[i].Name
			}
			if !okj {
				nj = merged[j].Name
			}
			if ni != nj {
				return ni < nj
			}
			mi, _ := embeddedMtime(merged[i].Name)
			mj, _ := embeddedMtime(merged[j].Name)
			return mi > mj // newest first
		})
		return merged, true, nil
	}
}
