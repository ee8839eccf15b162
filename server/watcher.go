package server

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watchInterval  = 2 * time.Second
	maxLoadBackoff = 60 * time.Second
)

type pendingLoad struct {
	lastSize int64
	attempts int
	nextTry  time.Time
	lastErr  string
}

// torrentLoader is the slice of the manager the watcher drives.
type torrentLoader interface {
	AddTorrentFile(path string) (string, error)
	RemoveBySource(path string)
}

// Watcher keeps the manager in sync with a directory of .torrent files.
// The poll loop is authoritative: each tick diffs a directory snapshot
// against the loaded set, processing removals before additions so a
// rename-in-place always tears down the old path first; the new path loads
// once its size has held across two scans, one tick later at the earliest.
// fsnotify events only pull the next tick forward.
type Watcher struct {
	dir     string
	manager torrentLoader

	kick    chan struct{}
	closed  chan struct{}
	loaded  map[string]bool // source path -> loaded
	pending map[string]*pendingLoad
}

func NewWatcher(dir string, manager torrentLoader) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Watcher{
		dir:     dir,
		manager: manager,
		kick:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		loaded:  map[string]bool{},
		pending: map[string]*pendingLoad{},
	}, nil
}

// Run polls until Close. It also registers an fsnotify watch when the
// platform provides one; a failure there only costs latency.
func (w *Watcher) Run() {
	log.Printf("[watcher] watching %s", w.dir)
	if fsw, err := fsnotify.NewWatcher(); err == nil {
		if err := fsw.Add(w.dir); err == nil {
			go w.pumpEvents(fsw)
			defer fsw.Close()
		} else {
			log.Printf("[watcher] fsnotify add: %v, poll only", err)
			fsw.Close()
		}
	} else {
		log.Printf("[watcher] fsnotify: %v, poll only", err)
	}

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		w.scan()
		select {
		case <-ticker.C:
		case <-w.kick:
		case <-w.closed:
			return
		}
	}
}

func (w *Watcher) Close() {
	select {
	case <-w.closed:
	default:
		close(w.closed)
	}
}

func (w *Watcher) pumpEvents(fsw *fsnotify.Watcher) {
	for {
		select {
		case _, ok := <-fsw.Events:
			if !ok {
				return
			}
			select {
			case w.kick <- struct{}{}:
			default:
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Println("[watcher] fsnotify:", err)
		case <-w.closed:
			return
		}
	}
}

func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("[watcher] scan %s: %v", w.dir, err)
		return
	}
	present := map[string]bool{}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".torrent") {
			continue
		}
		present[filepath.Join(w.dir, ent.Name())] = true
	}

	// removals first, so a renamed file is torn down before its new name
	// is picked up
	for path := range w.loaded {
		if !present[path] {
			log.Printf("[watcher] removed %s", filepath.Base(path))
			delete(w.loaded, path)
			w.manager.RemoveBySource(path)
		}
	}
	for path := range w.pending {
		if !present[path] {
			delete(w.pending, path)
		}
	}

	for path := range present {
		if w.loaded[path] {
			continue
		}
		w.tryLoad(path)
	}
}

// tryLoad loads a candidate once its size has settled across two scans,
// backing off exponentially on load failures.
func (w *Watcher) tryLoad(path string) {
	st, err := os.Stat(path)
	if err != nil {
		return
	}
	pend := w.pending[path]
	if pend == nil {
		w.pending[path] = &pendingLoad{lastSize: st.Size()}
		return
	}
	if st.Size() == 0 || st.Size() != pend.lastSize {
		pend.lastSize = st.Size()
		return
	}
	if !pend.nextTry.IsZero() && time.Now().Before(pend.nextTry) {
		return
	}

	if _, err := w.manager.AddTorrentFile(path); err != nil {
		pend.attempts++
		delay := watchInterval << uint(minInt(pend.attempts-1, 5))
		if delay > maxLoadBackoff {
			delay = maxLoadBackoff
		}
		pend.nextTry = time.Now().Add(delay)
		if pend.lastErr != err.Error() {
			pend.lastErr = err.Error()
			log.Printf("[watcher] load %s: %v", filepath.Base(path), err)
		}
		return
	}
	delete(w.pending, path)
	w.loaded[path] = true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
