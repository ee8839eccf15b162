package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const pinFileName = ".pinned.json"

// PinnedFile is one entry of the pinned command's listing.
type PinnedFile struct {
	Path        string `json:"path"`
	FileName    string `json:"file_name"`
	TorrentName string `json:"torrent_name"`
	Size        int64  `json:"size"`
}

// PinStore is the persistent set of fully-prioritized file paths for one
// torrent. The mutex guards both the in-memory set and the on-disk file:
// updates mutate memory, then rename the rewritten file into place before
// releasing the lock.
type PinStore struct {
	mu   sync.Mutex
	path string
	set  map[string]bool
}

// LoadPinStore reads cache_dir/.pinned.json. A missing, truncated or
// invalid file degrades to an empty set with a warning; paths that no
// longer resolve in the index are dropped with a warning.
func LoadPinStore(cacheDir string, ix *PathIndex) *PinStore {
	ps := &PinStore{
		path: filepath.Join(cacheDir, pinFileName),
		set:  map[string]bool{},
	}
	data, err := os.ReadFile(ps.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[pins] unreadable %s: %v, starting empty", ps.path, err)
		}
		return ps
	}
	var paths []string
	if err := json.Unmarshal(data, &paths); err != nil {
		log.Printf("[pins] invalid %s: %v, starting empty", ps.path, err)
		return ps
	}
	for _, p := range paths {
		if ix != nil {
			if _, err := ix.File(p); err != nil {
				log.Printf("[pins] stale pin %q dropped: %v", p, err)
				continue
			}
		}
		ps.set[p] = true
	}
	return ps
}

// Add inserts a path and persists the set. Idempotent.
func (ps *PinStore) Add(path string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.set[path] {
		return nil
	}
	ps.set[path] = true
	return ps.saveLocked()
}

// Remove deletes a path and persists the set. Removing an absent path is
// a no-op.
func (ps *PinStore) Remove(path string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.set[path] {
		return nil
	}
	delete(ps.set, path)
	return ps.saveLocked()
}

func (ps *PinStore) Contains(path string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.set[path]
}

// Paths returns the pinned paths in lexicographic order.
func (ps *PinStore) Paths() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]string, 0, len(ps.set))
	for p := range ps.set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (ps *PinStore) saveLocked() error {
	paths := make([]string, 0, len(ps.set))
	for p := range ps.set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	data, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	return writeFileAtomic(ps.path, data, 0o644)
}
