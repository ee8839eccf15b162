package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const resumeFileName = "resume.json"

// resumeData is the periodic engine snapshot written next to the pin
// file. The authoritative piece-completion state lives in the storage
// completion db; this blob lets a restarted daemon decide whether a hash
// check is needed and report progress before the first sweep.
type resumeData struct {
	InfoHash       string    `json:"infohash"`
	NumPieces      int       `json:"num_pieces"`
	Bitfield       []byte    `json:"bitfield"`
	CompletedBytes int64     `json:"completed_bytes"`
	SavedAt        time.Time `json:"saved_at"`
}

func resumePath(cacheDir string) string {
	return filepath.Join(cacheDir, resumeFileName)
}

func loadResume(cacheDir string) *resumeData {
	data, err := os.ReadFile(resumePath(cacheDir))
	if err != nil {
		return nil
	}
	rd := &resumeData{}
	if err := json.Unmarshal(data, rd); err != nil {
		log.Printf("[resume] invalid %s: %v, ignored", resumePath(cacheDir), err)
		return nil
	}
	return rd
}

func (e *Engine) snapshotResume() *resumeData {
	n := e.ctrl.numPieces()
	rd := &resumeData{
		InfoHash:  e.ID,
		NumPieces: n,
		Bitfield:  make([]byte, (n+7)/8),
		SavedAt:   time.Now(),
	}
	for i := 0; i < n; i++ {
		if e.ctrl.pieceComplete(i) {
			rd.Bitfield[i/8] |= 1 << uint(i%8)
		}
	}
	rd.CompletedBytes = e.t.BytesCompleted()
	return rd
}

// SaveResume writes the resume snapshot atomically.
func (e *Engine) SaveResume() error {
	data, err := json.Marshal(e.snapshotResume())
	if err != nil {
		return err
	}
	return writeFileAtomic(resumePath(e.CacheDir), data, 0o644)
}

// resumeLoop periodically saves resume data until the engine closes.
// Interval 0 disables periodic saving; Close still writes a final
// snapshot.
func (e *Engine) resumeLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.SaveResume(); err != nil {
				log.Printf("[resume] save %s: %v", e.ID, err)
			}
		case <-e.closed:
			return
		}
	}
}
