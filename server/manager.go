// Package server hosts the daemon side of torrentfs: the multi-torrent
// manager, the watch-directory poller, the source plugins and the RPC
// server that thin clients talk to.
package server

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	eglog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"golang.org/x/sync/errgroup"

	"github.com/RetronetBR/torrentfs/engine"
)

// ErrTorrentRequired is returned when a per-torrent command arrives with
// no torrent token.
var ErrTorrentRequired = errors.New("torrent required")

// NotFoundError reports an unresolvable torrent token.
type NotFoundError struct {
	Token string
}

func (e *NotFoundError) Error() string { return "torrent not found: " + e.Token }

// AmbiguousError reports a name shared by several loaded torrents.
type AmbiguousError struct {
	Name string
}

func (e *AmbiguousError) Error() string { return "torrent name ambiguous: " + e.Name }

const shortIDLen = 8

// Manager owns the shared BitTorrent session and the registry of per
// torrent engines. Registry reads vastly outnumber mutations, so a
// reader/writer lock guards it.
type Manager struct {
	cfg    *engine.Config
	client *torrent.Client

	mu      sync.RWMutex
	engines map[string]*engine.Engine // id -> engine
	byName  map[string][]string       // plain name -> ids, insertion order

	checkSlot   chan struct{} // bounds concurrent hash checks, nil = unlimited
	prefetchSem chan struct{} // bounds concurrent prefetch scans
}

func NewManager(cfg *engine.Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		return nil, fmt.Errorf("manager: cache root: %w", err)
	}

	tc := torrent.NewDefaultClientConfig()
	tc.DataDir = cfg.CacheRoot
	tc.ListenPort = cfg.IncomingPort
	tc.Seed = true
	tc.Debug = cfg.EngineDebug
	if cfg.MuteEngineLog {
		discard := eglog.NewLogger()
		discard.SetHandlers(eglog.DiscardHandler)
		tc.Logger = discard
	}
	tc.UploadRateLimiter = cfg.UploadLimiter()
	tc.DownloadRateLimiter = cfg.DownloadLimiter()

	client, err := torrent.NewClient(tc)
	if err != nil {
		return nil, fmt.Errorf("manager: session: %w", err)
	}

	m := &Manager{
		cfg:     cfg,
		client:  client,
		engines: map[string]*engine.Engine{},
		byName:  map[string][]string{},
	}
	if n := cfg.Checking.MaxActive; n > 0 {
		m.checkSlot = make(chan struct{}, n)
	}
	workers := cfg.Prefetch.Workers
	if workers <= 0 {
		workers = 4
	}
	m.prefetchSem = make(chan struct{}, workers)
	return m, nil
}

// Config exposes the live configuration for the config command.
func (m *Manager) Config() *engine.Config { return m.cfg }

// Client exposes the shared session to the source plugins.
func (m *Manager) Client() *torrent.Client { return m.client }

// AddTorrentFile loads a .torrent file, creating its engine and cache
// subdirectory. Loading an already-registered infohash is a no-op.
func (m *Manager) AddTorrentFile(path string) (string, error) {
	if st, err := os.Stat(path); err == nil {
		if softCap := int64(m.cfg.MaxMetadataMB) << 20; softCap > 0 && st.Size() > softCap {
			log.Printf("[manager] %s metadata is %d bytes, above the %d MiB soft cap",
				filepath.Base(path), st.Size(), m.cfg.MaxMetadataMB)
		}
	}
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return "", fmt.Errorf("manager: load %s: %w", path, err)
	}
	id := mi.HashInfoBytes().HexString()

	m.mu.RLock()
	_, loaded := m.engines[id]
	m.mu.RUnlock()
	if loaded {
		return id, nil
	}

	cacheDir := filepath.Join(m.cfg.CacheRoot, id)
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("manager: cache dir: %w", err)
	}
	pc, err := storage.NewBoltPieceCompletion(cacheDir)
	if err != nil {
		return "", fmt.Errorf("manager: piece completion db: %w", err)
	}

	spec := torrent.TorrentSpecFromMetaInfo(mi)
	store := storage.NewFileWithCompletion(cacheDir, pc)
	spec.Storage = store
	spec.Trackers = m.resolveTrackerTiers(spec.Trackers)

	t, _, err := m.client.AddTorrentSpec(spec)
	if err != nil {
		return "", fmt.Errorf("manager: add torrent: %w", err)
	}
	<-t.GotInfo()

	plainName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	m.mu.Lock()
	if _, raced := m.engines[id]; raced {
		m.mu.Unlock()
		return id, nil
	}
	name := plainName
	if len(m.byName[plainName]) > 0 {
		name = fmt.Sprintf("%s__%s", plainName, id[:shortIDLen])
	}
	eng, err := engine.New(m.cfg, t, engine.Options{
		ID:            id,
		Name:          name,
		CacheDir:      cacheDir,
		SourcePath:    path,
		SkipCheck:     m.cfg.SkipCheck,
		CheckingSlot:  m.checkSlot,
		StorageCloser: store,
	})
	if err != nil {
		m.mu.Unlock()
		t.Drop()
		return "", err
	}
	m.engines[id] = eng
	m.byName[plainName] = append(m.byName[plainName], id)
	m.mu.Unlock()

	log.Printf("[manager] loaded %s as %q (%s)", filepath.Base(path), name, id[:shortIDLen])
	if m.cfg.Prefetch.OnStart {
		go m.withPrefetchSlot(eng.PrefetchOnStart)
	}
	return id, nil
}

func (m *Manager) resolveTrackerTiers(tiers [][]string) [][]string {
	var out [][]string
	for _, tier := range tiers {
		var resolved []string
		for _, u := range tier {
			resolved = append(resolved, m.cfg.ResolveAlias(u)...)
		}
		if len(resolved) > 0 {
			out = append(out, resolved)
		}
	}
	return out
}

// withPrefetchSlot runs fn under the global prefetch worker cap.
func (m *Manager) withPrefetchSlot(fn func()) {
	m.prefetchSem <- struct{}{}
	defer func() { <-m.prefetchSem }()
	fn()
}

// Resolve maps a torrent token to an engine: exact id first, then unique
// plain name, then the name__<short-id> disambiguated form.
func (m *Manager) Resolve(token string) (*engine.Engine, error) {
	if token == "" {
		return nil, ErrTorrentRequired
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if eng, ok := m.engines[token]; ok {
		return eng, nil
	}
	if ids, ok := m.byName[token]; ok {
		if len(ids) == 1 {
			return m.engines[ids[0]], nil
		}
		return nil, &AmbiguousError{Name: token}
	}
	if i := strings.LastIndex(token, "__"); i > 0 {
		plain, short := token[:i], token[i+2:]
		for _, id := range m.byName[plain] {
			if strings.HasPrefix(id, short) {
				return m.engines[id], nil
			}
		}
	}
	return nil, &NotFoundError{Token: token}
}

// Engines snapshots the registry in stable id order.
func (m *Manager) Engines() []*engine.Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*engine.Engine, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.engines[id])
	}
	return out
}

// ListTorrents is the torrents command payload.
func (m *Manager) ListTorrents() []map[string]interface{} {
	var out []map[string]interface{}
	for _, eng := range m.Engines() {
		out = append(out, map[string]interface{}{
			"id":           eng.ID,
			"name":         eng.Name,
			"torrent_name": eng.TorrentName,
			"cache":        eng.CacheDir,
		})
	}
	return out
}

// Remove tears an engine down: outstanding reads fail, resume data is
// saved, the handle leaves the session, and optionally the cache
// subdirectory is wiped (rename first, so a half-removed dir never
// collides with a reload).
func (m *Manager) Remove(token string, wipeCache bool) error {
	eng, err := m.Resolve(token)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.engines, eng.ID)
	for plain, ids := range m.byName {
		for i, id := range ids {
			if id == eng.ID {
				m.byName[plain] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(m.byName[plain]) == 0 {
			delete(m.byName, plain)
		}
	}
	m.mu.Unlock()

	eng.Close()
	if wipeCache {
		wipeDir(eng.CacheDir)
	}
	log.Printf("[manager] removed %q (%s), wipe=%v", eng.Name, eng.ID[:shortIDLen], wipeCache)
	return nil
}

// RemoveBySource tears down the engine loaded from a watched .torrent
// path. Used by the watcher on file removal; unknown paths are ignored.
func (m *Manager) RemoveBySource(path string) {
	m.mu.RLock()
	var victim *engine.Engine
	for _, eng := range m.engines {
		if eng.SourcePath == path {
			victim = eng
			break
		}
	}
	m.mu.RUnlock()
	if victim == nil {
		return
	}
	if err := m.Remove(victim.ID, true); err != nil {
		log.Printf("[manager] remove %s: %v", path, err)
	}
}

func wipeDir(dir string) {
	doomed := filepath.Join(filepath.Dir(dir), ".removing-"+filepath.Base(dir))
	if err := os.Rename(dir, doomed); err != nil {
		// best effort: fall back to in-place removal
		doomed = dir
	}
	if err := os.RemoveAll(doomed); err != nil {
		log.Printf("[manager] wipe %s: %v", dir, err)
	}
}

// CacheSize reports logical bytes (completed payload across torrents) and
// disk bytes (a stat walk of the cache root).
func (m *Manager) CacheSize() (logical, disk int64) {
	for _, eng := range m.Engines() {
		have, _ := eng.HaveFraction()
		logical += have
	}
	filepath.Walk(m.cfg.CacheRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			disk += info.Size()
		}
		return nil
	})
	return
}

// PruneCache removes cache_root/<id> directories owned by no loaded
// torrent. dry_run returns the candidate split without touching disk.
func (m *Manager) PruneCache(dryRun bool) (removed, skipped []string) {
	entries, err := os.ReadDir(m.cfg.CacheRoot)
	if err != nil {
		log.Printf("[manager] prune: %v", err)
		return nil, nil
	}
	m.mu.RLock()
	loaded := make(map[string]bool, len(m.engines))
	for id := range m.engines {
		loaded[id] = true
	}
	m.mu.RUnlock()

	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		name := ent.Name()
		if strings.HasPrefix(name, ".removing-") || strings.HasPrefix(name, ".") {
			continue
		}
		if loaded[name] {
			skipped = append(skipped, name)
			continue
		}
		removed = append(removed, name)
		if !dryRun {
			wipeDir(filepath.Join(m.cfg.CacheRoot, name))
		}
	}
	sort.Strings(removed)
	sort.Strings(skipped)
	return
}

// StatusAll aggregates per-torrent status reports.
func (m *Manager) StatusAll() (totals map[string]interface{}, statuses []*engine.Status) {
	var size, downloaded, uploaded int64
	var downRate, upRate float32
	peers := 0
	for _, eng := range m.Engines() {
		st := eng.Status()
		statuses = append(statuses, st)
		size += st.Size
		downloaded += st.Downloaded
		uploaded += st.Uploaded
		downRate += st.DownloadRate
		upRate += st.UploadRate
		peers += st.ActivePeers
	}
	totals = map[string]interface{}{
		"torrents":      len(statuses),
		"size":          size,
		"downloaded":    downloaded,
		"uploaded":      uploaded,
		"download_rate": downRate,
		"upload_rate":   upRate,
		"active_peers":  peers,
	}
	return
}

// Downloads lists in-progress files per torrent, capped by maxFiles.
func (m *Manager) Downloads(maxFiles int) []map[string]interface{} {
	var out []map[string]interface{}
	for _, eng := range m.Engines() {
		st := eng.Status()
		var files []engine.FileStatus
		for _, f := range st.Files {
			if f.HaveBytes == 0 || f.HaveBytes == f.Size {
				continue
			}
			files = append(files, f)
			if maxFiles > 0 && len(files) >= maxFiles {
				break
			}
		}
		if len(files) == 0 {
			continue
		}
		out = append(out, map[string]interface{}{
			"id":    eng.ID,
			"name":  eng.Name,
			"files": files,
		})
	}
	return out
}

// PeersAll lists swarm peers per torrent.
func (m *Manager) PeersAll() []map[string]interface{} {
	var out []map[string]interface{}
	for _, eng := range m.Engines() {
		out = append(out, map[string]interface{}{
			"id":    eng.ID,
			"name":  eng.Name,
			"peers": eng.Peers(),
		})
	}
	return out
}

// PinsAll enumerates pins across torrents.
func (m *Manager) PinsAll() []engine.PinnedFile {
	var out []engine.PinnedFile
	for _, eng := range m.Engines() {
		out = append(out, eng.Pins()...)
	}
	return out
}

// ReannounceAll nudges every torrent's trackers.
func (m *Manager) ReannounceAll() {
	for _, eng := range m.Engines() {
		eng.Reannounce()
	}
}

// CheckingSlot exposes the shared hash-check bound for recheck requests.
func (m *Manager) CheckingSlot() chan struct{} { return m.checkSlot }

// Close tears engines down in parallel and shuts the session.
func (m *Manager) Close() {
	var g errgroup.Group
	for _, eng := range m.Engines() {
		eng := eng
		g.Go(func() error {
			eng.Close()
			return nil
		})
	}
	g.Wait()
	m.client.Close()
}

// waitInfo blocks until a handle has metadata or the timeout fires.
func waitInfo(t *torrent.Torrent, timeout time.Duration) error {
	select {
	case <-t.GotInfo():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for metadata")
	}
}
