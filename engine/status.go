package engine

import (
	"time"
)

// Torrent lifecycle states surfaced by status.
const (
	StateChecking    = "checking_files"
	StateDownloading = "downloading"
	StateSeeding     = "seeding"
	StatePaused      = "paused"
	StateError       = "error"
)

// FileStatus is per-file progress within a status report.
type FileStatus struct {
	Path      string  `json:"path"`
	Size      int64   `json:"size"`
	HaveBytes int64   `json:"have_bytes"`
	Percent   float32 `json:"percent"`
}

// Status is the per-torrent status report.
type Status struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	TorrentName string  `json:"torrent_name"`
	State       string  `json:"state"`
	Error       string  `json:"error,omitempty"`
	Progress    float32 `json:"progress"`

	PieceLength int64 `json:"piece_length"`
	NumPieces   int   `json:"num_pieces"`
	HavePieces  int   `json:"have_pieces"`

	Size       int64 `json:"size"`
	Downloaded int64 `json:"downloaded"`
	Uploaded   int64 `json:"uploaded"`

	DownloadRate float32 `json:"download_rate"`
	UploadRate   float32 `json:"upload_rate"`

	ActivePeers int `json:"active_peers"`
	TotalPeers  int `json:"total_peers"`

	OutstandingReads int          `json:"outstanding_reads"`
	Files            []FileStatus `json:"files"`
}

// FileInfo is the file-info command's view of one file's piece layout.
type FileInfo struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Offset      int64  `json:"offset"`
	PieceLength int64  `json:"piece_length"`
	FirstPiece  int    `json:"first_piece"`
	LastPiece   int    `json:"last_piece"`
	NumPieces   int    `json:"num_pieces"`
	HavePieces  int    `json:"have_pieces"`
	Pinned      bool   `json:"pinned"`
}

// PeerView is one swarm peer in the peers listing.
type PeerView struct {
	Addr               string `json:"addr"`
	Source             string `json:"source"`
	SupportsEncryption bool   `json:"supports_encryption"`
}

func percent(n, total int64) float32 {
	if total == 0 {
		return float32(0)
	}
	return float32(int(float64(10000)*(float64(n)/float64(total)))) / 100
}

// updateRates samples byte counters against the previous sample, the same
// delta arithmetic the web engine used for its per-torrent rate fields.
func (e *Engine) updateRates(downloaded, uploaded int64) (downRate, upRate float32) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	now := time.Now()
	if !e.lastSample.IsZero() {
		dtinv := float32(time.Second) / float32(now.Sub(e.lastSample))
		e.downRate = float32(downloaded-e.lastDown) * dtinv
		e.upRate = float32(uploaded-e.lastUp) * dtinv
	}
	e.lastDown = downloaded
	e.lastUp = uploaded
	e.lastSample = now
	return e.downRate, e.upRate
}
