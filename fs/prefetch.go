//go:build !windows

package torrentfs

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/RetronetBR/torrentfs/rpc"
)

const (
	prefetchQueueMax  = 8
	prefetchRecentTTL = 30 * time.Second
)

var mediaExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true,
	".m4v": true, ".webm": true, ".mp3": true, ".flac": true,
	".aac": true, ".ogg": true, ".wav": true,
}

type prefetchJob struct {
	torrent string
	dir     string
	entries []listEntry
}

// readdirPrefetcher turns directory listings into prefetch RPCs from a
// single worker goroutine, so a burst of readdirs cannot stampede the
// daemon. Directories prefetched within the TTL are skipped.
type readdirPrefetcher struct {
	client   *rpc.Client
	maxFiles int
	mode     string // "media" | "all"

	mu     sync.Mutex
	queue  []prefetchJob
	recent map[string]time.Time
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func newReaddirPrefetcher(client *rpc.Client, maxFiles int, mode string) *readdirPrefetcher {
	if mode == "" {
		mode = "media"
	}
	p := &readdirPrefetcher{
		client:   client,
		maxFiles: maxFiles,
		mode:     mode,
		recent:   map[string]time.Time{},
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	go p.worker()
	return p
}

func (p *readdirPrefetcher) close() {
	p.once.Do(func() { close(p.closed) })
}

// schedule enqueues one listing, dropping it when the queue is full or
// the directory was handled recently.
func (p *readdirPrefetcher) schedule(torrent, dir string, entries []listEntry) {
	key := torrent + "\x00" + dir
	p.mu.Lock()
	defer p.mu.Unlock()
	if at, ok := p.recent[key]; ok && time.Since(at) < prefetchRecentTTL {
		return
	}
	if len(p.queue) >= prefetchQueueMax {
		return
	}
	p.recent[key] = time.Now()
	p.queue = append(p.queue, prefetchJob{torrent: torrent, dir: dir, entries: entries})
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *readdirPrefetcher) worker() {
	for {
		select {
		case <-p.wake:
		case <-p.closed:
			return
		}
		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			job := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			p.run(job)
		}
	}
}

func (p *readdirPrefetcher) run(job prefetchJob) {
	prefetched := 0
	for _, ent := range job.entries {
		if ent.Type != "file" {
			continue
		}
		if p.mode == "media" && !mediaExtensions[strings.ToLower(filepath.Ext(ent.Name))] {
			continue
		}
		if prefetched >= p.maxFiles {
			return
		}
		path := ent.Name
		if job.dir != "" {
			path = job.dir + "/" + ent.Name
		}
		p.client.Call(rpc.Request{Cmd: "prefetch", Torrent: job.torrent, Path: path})
		prefetched++

		select {
		case <-p.closed:
			return
		default:
		}
	}
}
