package engine

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
)

// Engine owns one torrent: its session handle, path index, priority
// ledger, read scheduler, prefetcher and pin store. The manager creates
// one per loaded .torrent and routes RPC operations to it.
type Engine struct {
	ID          string // full infohash hex
	Name        string // registry name (basename of the source file)
	TorrentName string // metadata-provided name
	CacheDir    string
	SourcePath  string // the .torrent file this engine was loaded from

	cfg   *Config
	t     *torrent.Torrent
	ctrl  pieceController
	ix    *PathIndex
	led   *ledger
	sched *scheduler
	pf    *prefetcher
	pins  *PinStore
	notif *notifier

	mu       sync.Mutex
	paused   bool
	checking bool
	lastErr  error

	closed        chan struct{}
	closeOnce     sync.Once
	storageCloser io.Closer

	statsMu    sync.Mutex
	lastSample time.Time
	lastDown   int64
	lastUp     int64
	downRate   float32
	upRate     float32
}

// Options carries per-engine creation parameters resolved by the manager.
type Options struct {
	ID         string
	Name       string
	CacheDir   string
	SourcePath string
	SkipCheck  bool

	// CheckingSlot bounds concurrent hash checks across the manager; nil
	// means unlimited.
	CheckingSlot chan struct{}

	// StorageCloser releases the torrent's storage backend (file handles,
	// completion db) when the engine closes.
	StorageCloser io.Closer
}

// New builds an engine around a handle whose info is already available.
// It indexes the file list, restores pins and resume data, elevates pinned
// files, and starts the alert pump and resume saver.
func New(cfg *Config, t *torrent.Torrent, opts Options) (*Engine, error) {
	info := t.Info()
	if info == nil {
		return nil, fmt.Errorf("engine: torrent %s has no metadata", opts.ID)
	}

	ctrl := torrentController{t: t}
	ix := NewPathIndex(info.PieceLength)
	for i, f := range t.Files() {
		if err := ix.AddFile(f.DisplayPath(), i, f.Length(), f.Offset()); err != nil {
			return nil, fmt.Errorf("engine: index %q: %w", f.DisplayPath(), err)
		}
	}

	led := newLedger(ctrl)
	notif := newNotifier()

	e := &Engine{
		ID:            opts.ID,
		Name:          opts.Name,
		TorrentName:   info.Name,
		CacheDir:      opts.CacheDir,
		SourcePath:    opts.SourcePath,
		cfg:           cfg,
		t:             t,
		ctrl:          ctrl,
		ix:            ix,
		led:           led,
		notif:         notif,
		closed:        make(chan struct{}),
		storageCloser: opts.StorageCloser,
	}
	e.sched = newScheduler(ctrl, led, notif, cfg.ReadGap())
	e.pf = newPrefetcher(cfg.Prefetch, ix, led, ctrl)
	e.pins = LoadPinStore(opts.CacheDir, ix)

	// re-elevate persisted pins
	for _, path := range e.pins.Paths() {
		if f, err := ix.File(path); err == nil {
			led.setPin(path, span{p0: f.FirstPiece, p1: f.LastPiece})
		}
	}

	go e.pumpAlerts()
	go e.resumeLoop(time.Duration(cfg.Resume.SaveIntervalS) * time.Second)

	resume := loadResume(opts.CacheDir)
	needCheck := !opts.SkipCheck && resume == nil && t.BytesCompleted() > 0
	if needCheck {
		go e.runCheck(opts.CheckingSlot)
	}
	return e, nil
}

// pumpAlerts drains the session's piece state change subscription into the
// notifier so blocked readers wake exactly when pieces land.
func (e *Engine) pumpAlerts() {
	sub := e.t.SubscribePieceStateChanges()
	defer sub.Close()
	for {
		select {
		case _, ok := <-sub.Values:
			if !ok {
				return
			}
			e.notif.broadcast()
		case <-e.t.Closed():
			e.notif.fail(&TorrentError{Msg: "torrent closed"})
			return
		case <-e.closed:
			return
		}
	}
}

// runCheck verifies cached data, holding a manager checking slot if one is
// configured.
func (e *Engine) runCheck(slot chan struct{}) {
	if slot != nil {
		select {
		case slot <- struct{}{}:
			defer func() { <-slot }()
		case <-e.closed:
			return
		}
	}
	e.mu.Lock()
	e.checking = true
	e.mu.Unlock()
	log.Println("checking cached data for", e.ID)
	e.t.VerifyData()
	e.mu.Lock()
	e.checking = false
	e.mu.Unlock()
	e.notif.broadcast()
}

// Close cancels outstanding reads, saves resume data and releases the
// handle and its storage. Cache wiping is the manager's job.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.notif.fail(&TorrentError{Msg: "torrent removed"})
		if err := e.SaveResume(); err != nil {
			log.Printf("[resume] final save %s: %v", e.ID, err)
		}
		e.t.Drop()
		if e.storageCloser != nil {
			e.storageCloser.Close()
		}
	})
}

// Index exposes the path index to the manager and prefetch pool.
func (e *Engine) Index() *PathIndex { return e.ix }

// List returns directory children.
func (e *Engine) List(path string) ([]DirEntry, error) {
	return e.ix.List(path)
}

// Stat returns file or directory metadata.
func (e *Engine) Stat(path string) (Entry, error) {
	return e.ix.Stat(path)
}

// FileInfo reports piece layout and availability for one file.
func (e *Engine) FileInfo(path string) (*FileInfo, error) {
	f, err := e.ix.File(path)
	if err != nil {
		return nil, err
	}
	fi := &FileInfo{
		Path:        f.Path,
		Size:        f.Size,
		Offset:      f.Offset,
		PieceLength: e.ix.PieceLength(),
		FirstPiece:  f.FirstPiece,
		LastPiece:   f.LastPiece,
		NumPieces:   f.LastPiece - f.FirstPiece + 1,
		Pinned:      e.pins.Contains(f.Path),
	}
	for p := f.FirstPiece; p <= f.LastPiece; p++ {
		if e.ctrl.pieceComplete(p) {
			fi.HavePieces++
		}
	}
	return fi, nil
}

// PrefetchInfo reports computed head/tail ranges for one file.
func (e *Engine) PrefetchInfo(path string) (*PrefetchInfo, error) {
	f, err := e.ix.File(path)
	if err != nil {
		return nil, err
	}
	info := e.pf.Info(f)
	return &info, nil
}

// Prefetch elevates head/tail ranges for a file, or walks a directory
// subtree under the configured bounds.
func (e *Engine) Prefetch(path string) error {
	ent, err := e.ix.Lookup(path)
	if err != nil {
		return err
	}
	if ent.Type == "dir" {
		_, err := e.pf.Dir(path)
		return err
	}
	e.pf.File(ent.File)
	return nil
}

// PrefetchOnStart runs the start-time sweep from the torrent root.
func (e *Engine) PrefetchOnStart() {
	n, err := e.pf.Dir("")
	if err != nil {
		log.Printf("prefetch on start %s: %v", e.ID, err)
		return
	}
	log.Printf("prefetch on start %s: %d files", e.ID, n)
}

// Pin raises all pieces of a file to top priority and persists the
// intent.
func (e *Engine) Pin(path string) error {
	f, err := e.ix.File(path)
	if err != nil {
		return err
	}
	if err := e.pins.Add(f.Path); err != nil {
		return err
	}
	e.led.setPin(f.Path, span{p0: f.FirstPiece, p1: f.LastPiece})
	return nil
}

// Unpin removes the persistent pin and releases its priority claim.
// Pieces still covered by reads or prefetch keep their elevation.
func (e *Engine) Unpin(path string) error {
	f, err := e.ix.File(path)
	if err != nil {
		return err
	}
	if err := e.pins.Remove(f.Path); err != nil {
		return err
	}
	e.led.removePin(f.Path)
	return nil
}

// Pins enumerates stored pins.
func (e *Engine) Pins() []PinnedFile {
	var out []PinnedFile
	for _, path := range e.pins.Paths() {
		f, err := e.ix.File(path)
		if err != nil {
			continue
		}
		out = append(out, PinnedFile{
			Path:        path,
			FileName:    baseName(path),
			TorrentName: e.TorrentName,
			Size:        f.Size,
		})
	}
	return out
}

// Read serves the read contract: validate, clamp to EOF, then either wait
// for the span (auto/sync) or return the available prefix (async). cancel
// fires when the client connection drops.
func (e *Engine) Read(path string, off, length int64, mode string, timeoutS *float64, cancel <-chan struct{}) ([]byte, error) {
	if off < 0 || length <= 0 || length > MaxReadBytes {
		return nil, ErrReadSizeInvalid
	}
	if err := e.notif.fatal(); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = ModeAuto
	}
	f, err := e.ix.File(path)
	if err != nil {
		return nil, err
	}
	if off >= f.Size {
		return []byte{}, nil
	}
	if off+length > f.Size {
		length = f.Size - off
	}

	p0, p1, offInP0 := e.ix.PiecesFor(f, off, length)

	switch mode {
	case ModeAsync, "nowait":
		avail := e.sched.availablePrefix(p0, p1, offInP0, length, e.ix.PieceLength())
		if avail == 0 {
			return nil, ErrWouldBlock
		}
		return e.readBytes(f, off, avail)
	case ModeAuto, ModeSync:
		var timeout *time.Duration
		if timeoutS != nil {
			d := time.Duration(*timeoutS * float64(time.Second))
			timeout = &d
		}
		r := e.sched.acquire(path, off, length, mode, p0, p1)
		err := e.sched.wait(r, timeout, cancel)
		switch {
		case err == nil:
			e.sched.release(r, readComplete)
		case err == ErrTimeout:
			e.sched.release(r, readTimeout)
			return nil, err
		case err == ErrCancelled:
			e.sched.release(r, readCancelled)
			return nil, err
		default:
			e.sched.release(r, readCancelled)
			return nil, err
		}
		return e.readBytes(f, off, length)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrReadSizeInvalid, mode)
	}
}

// readBytes copies from local storage through the torrent's file reader.
// Callers only invoke it for ranges whose pieces are already complete, so
// the reader never blocks for long.
func (e *Engine) readBytes(f *FileEntry, off, length int64) ([]byte, error) {
	tf := e.t.Files()[f.Index]
	r := tf.NewReader()
	defer r.Close()
	r.SetReadahead(length)
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s@%d: %w", f.Path, off, err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read %s@%d: %w", f.Path, off, err)
	}
	return buf, nil
}

// Stop pauses data transfer without dropping the handle.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.t.DisallowDataDownload()
}

// Resume re-enables data transfer after Stop.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.t.AllowDataDownload()
	e.led.Apply()
}

// Recheck forces a full hash re-verification.
func (e *Engine) Recheck(slot chan struct{}) {
	go e.runCheck(slot)
}

// Reannounce re-submits the announce list to the session, restarting
// scrapers for any trackers that were dropped.
func (e *Engine) Reannounce() {
	mi := e.t.Metainfo()
	if len(mi.AnnounceList) > 0 {
		e.t.AddTrackers(mi.AnnounceList)
	} else if mi.Announce != "" {
		e.t.AddTrackers([][]string{{mi.Announce}})
	}
}

// TrackerURLs lists the torrent's announce list tiers flattened.
func (e *Engine) TrackerURLs() []string {
	mi := e.t.Metainfo()
	var out []string
	seen := map[string]bool{}
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	add(mi.Announce)
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

// AddTrackers appends tracker URLs as a new tier, resolving config
// aliases. Returns the added and skipped (already known or unresolvable)
// sets.
func (e *Engine) AddTrackers(urls []string) (added, skipped []string) {
	known := map[string]bool{}
	for _, u := range e.TrackerURLs() {
		known[u] = true
	}
	var tier []string
	for _, raw := range urls {
		resolved := e.cfg.ResolveAlias(raw)
		if len(resolved) == 0 {
			skipped = append(skipped, raw)
			continue
		}
		for _, u := range resolved {
			if known[u] {
				skipped = append(skipped, u)
				continue
			}
			known[u] = true
			tier = append(tier, u)
			added = append(added, u)
		}
	}
	if len(tier) > 0 {
		e.t.AddTrackers([][]string{tier})
	}
	return added, skipped
}

// Peers lists the known swarm.
func (e *Engine) Peers() []PeerView {
	var out []PeerView
	for _, p := range e.t.KnownSwarm() {
		view := PeerView{
			Source:             string(p.Source),
			SupportsEncryption: p.SupportsEncryption,
		}
		if p.Addr != nil {
			view.Addr = p.Addr.String()
		}
		out = append(out, view)
	}
	return out
}

// State reports the lifecycle state string.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.lastErr != nil || e.notif.fatal() != nil:
		return StateError
	case e.checking:
		return StateChecking
	case e.paused:
		return StatePaused
	case e.t.BytesMissing() == 0:
		return StateSeeding
	default:
		return StateDownloading
	}
}

// Status assembles the status report.
func (e *Engine) Status() *Status {
	stats := e.t.Stats()
	downloaded := stats.BytesReadData.Int64()
	uploaded := stats.BytesWrittenData.Int64()
	downRate, upRate := e.updateRates(downloaded, uploaded)

	st := &Status{
		ID:          e.ID,
		Name:        e.Name,
		TorrentName: e.TorrentName,
		State:       e.State(),
		Progress:    percent(e.t.BytesCompleted(), e.t.Length()),

		PieceLength: e.ix.PieceLength(),
		NumPieces:   e.ctrl.numPieces(),

		Size:       e.t.Length(),
		Downloaded: downloaded,
		Uploaded:   uploaded,

		DownloadRate: downRate,
		UploadRate:   upRate,

		ActivePeers: stats.ActivePeers,
		TotalPeers:  stats.TotalPeers,

		OutstandingReads: e.sched.outstanding(),
	}
	if err := e.notif.fatal(); err != nil {
		st.Error = err.Error()
	}
	for p := 0; p < st.NumPieces; p++ {
		if e.ctrl.pieceComplete(p) {
			st.HavePieces++
		}
	}
	for _, tf := range e.t.Files() {
		st.Files = append(st.Files, FileStatus{
			Path:      tf.DisplayPath(),
			Size:      tf.Length(),
			HaveBytes: tf.BytesCompleted(),
			Percent:   percent(tf.BytesCompleted(), tf.Length()),
		})
	}
	return st
}

// InfohashSummary is the infohash command payload.
func (e *Engine) InfohashSummary() map[string]interface{} {
	return map[string]interface{}{
		"infohash":     e.ID,
		"name":         e.Name,
		"torrent_name": e.TorrentName,
	}
}

// Summary is the torrent-info command payload.
func (e *Engine) Summary() map[string]interface{} {
	info := e.t.Info()
	return map[string]interface{}{
		"id":           e.ID,
		"name":         e.Name,
		"torrent_name": e.TorrentName,
		"cache":        e.CacheDir,
		"piece_length": info.PieceLength,
		"num_pieces":   e.ctrl.numPieces(),
		"total_bytes":  e.t.Length(),
		"num_files":    len(e.ix.Files()),
		"trackers":     e.TrackerURLs(),
	}
}

// HaveFraction reports completed bytes over total, for cache accounting.
func (e *Engine) HaveFraction() (have, total int64) {
	return e.t.BytesCompleted(), e.t.Length()
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
