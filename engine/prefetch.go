package engine

import (
	"time"
)

const mib = 1 << 20

// normPct maps both percent conventions onto a fraction: values above 1
// are read as 0-100 percentages.
func normPct(v float64) float64 {
	if v > 1 {
		return v / 100
	}
	return v
}

// headBytes computes the head range size for a file under a profile.
func headBytes(p ProfileConfig, size int64) int64 {
	want := int64(normPct(p.StartPct) * float64(size))
	b := clampI64(want, int64(p.StartMinMB*mib), int64(p.StartMaxMB*mib))
	if b > size {
		b = size
	}
	return b
}

// tailBytes computes the tail range size for a file under a profile.
func tailBytes(p ProfileConfig, size int64) int64 {
	want := int64(normPct(p.EndPct) * float64(size))
	b := clampI64(want, int64(p.EndMinMB*mib), int64(p.EndMaxMB*mib))
	if b > size {
		b = size
	}
	return b
}

// PrefetchInfo reports the computed ranges and their availability for one
// file, as surfaced by the prefetch-info command.
type PrefetchInfo struct {
	HeadBytes  int64 `json:"head_bytes"`
	TailBytes  int64 `json:"tail_bytes"`
	HeadPieces int   `json:"head_pieces"`
	TailPieces int   `json:"tail_pieces"`
	HaveHead   int   `json:"have_head"`
	HaveTail   int   `json:"have_tail"`
}

// prefetcher plans and applies head/tail piece elevation for files of one
// torrent. Plans run on the manager's shared worker pool; batches pace
// themselves with the configured sleeps so bulk priority updates do not
// starve reads.
type prefetcher struct {
	cfg  PrefetchConfig
	ix   *PathIndex
	led  *ledger
	ctrl pieceController

	budget int64 // remaining bytes allowed for this torrent
}

func newPrefetcher(cfg PrefetchConfig, ix *PathIndex, led *ledger, ctrl pieceController) *prefetcher {
	budget := int64(cfg.MaxMB) * mib
	if cfg.MaxMB <= 0 {
		budget = 1 << 62
	}
	return &prefetcher{cfg: cfg, ix: ix, led: led, ctrl: ctrl, budget: budget}
}

func (pf *prefetcher) profileFor(path string) (ProfileConfig, bool) {
	if isMediaPath(path, pf.cfg.MediaExtensions) {
		return pf.cfg.Media, true
	}
	return pf.cfg.Other, false
}

// ranges computes the head/tail spans for a file entry.
func (pf *prefetcher) ranges(f *FileEntry) (head, tail span, hb, tb int64) {
	profile, _ := pf.profileFor(f.Path)
	hb = headBytes(profile, f.Size)
	tb = tailBytes(profile, f.Size)
	if hb > 0 {
		p0, p1, _ := pf.ix.PiecesFor(f, 0, hb)
		head = span{p0: p0, p1: p1}
	}
	if tb > 0 {
		p0, p1, _ := pf.ix.PiecesFor(f, f.Size-tb, tb)
		tail = span{p0: p0, p1: p1}
	}
	return
}

// Info computes the prefetch-info view for a file.
func (pf *prefetcher) Info(f *FileEntry) PrefetchInfo {
	head, tail, hb, tb := pf.ranges(f)
	info := PrefetchInfo{HeadBytes: hb, TailBytes: tb}
	if hb > 0 {
		for p := head.p0; p <= head.p1; p++ {
			info.HeadPieces++
			if pf.ctrl.pieceComplete(p) {
				info.HaveHead++
			}
		}
	}
	if tb > 0 {
		for p := tail.p0; p <= tail.p1; p++ {
			info.TailPieces++
			if pf.ctrl.pieceComplete(p) {
				info.HaveTail++
			}
		}
	}
	return info
}

// eligible applies the prefetch mode filter: media mode skips files whose
// extension is not in the media list, all mode takes everything.
func (pf *prefetcher) eligible(f *FileEntry) bool {
	if pf.cfg.Mode == "all" {
		return true
	}
	return isMediaPath(f.Path, pf.cfg.MediaExtensions)
}

// File elevates one file's head and tail ranges, debiting the torrent's
// byte budget. Returns false when the budget is exhausted.
func (pf *prefetcher) File(f *FileEntry) bool {
	head, tail, hb, tb := pf.ranges(f)
	cost := hb + tb
	if cost == 0 {
		return true
	}
	if pf.budget <= 0 {
		return false
	}
	pf.budget -= cost

	spans := make([]span, 0, 2)
	if hb > 0 {
		spans = append(spans, head)
	}
	if tb > 0 {
		spans = append(spans, tail)
	}
	pf.led.setPrefetch(f.Path, spans)
	return true
}

// drop releases a file's prefetch elevation.
func (pf *prefetcher) drop(path string) {
	pf.led.setPrefetch(path, nil)
}

// Dir walks a directory subtree and prefetches eligible files, bounded by
// max_files and max_dirs and paced by the configured sleeps.
func (pf *prefetcher) Dir(path string) (files int, err error) {
	type frame struct{ path string }
	queue := []frame{{path}}
	dirs := 0
	batch := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		dirs++
		if pf.cfg.MaxDirs > 0 && dirs > pf.cfg.MaxDirs {
			break
		}
		entries, lerr := pf.ix.List(cur.path)
		if lerr != nil {
			return files, lerr
		}
		for _, de := range entries {
			child := de.Name
			if cur.path != "" {
				child = cur.path + "/" + de.Name
			}
			if de.Type == "dir" {
				queue = append(queue, frame{child})
				continue
			}
			if pf.cfg.MaxFiles > 0 && files >= pf.cfg.MaxFiles {
				return files, nil
			}
			f, ferr := pf.ix.File(child)
			if ferr != nil {
				continue
			}
			if !pf.eligible(f) {
				continue
			}
			if !pf.File(f) {
				return files, nil
			}
			files++
			batch++
			if pf.cfg.BatchSize > 0 && batch >= pf.cfg.BatchSize {
				batch = 0
				sleepMS(pf.cfg.BatchSleepMS)
			} else {
				sleepMS(pf.cfg.SleepMS)
			}
		}
		sleepMS(pf.cfg.ScanSleepMS)
	}
	return files, nil
}

func sleepMS(ms int) {
	if ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}
