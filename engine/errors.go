package engine

import "errors"

// Path resolution errors. The RPC layer maps these onto wire tokens.
var (
	ErrFileNotFound  = errors.New("file not found")
	ErrNotADirectory = errors.New("not a directory")
	ErrIsADirectory  = errors.New("is a directory")
	ErrPathUnsafe    = errors.New("unsafe path")
)

// Read scheduling errors.
var (
	ErrReadSizeInvalid = errors.New("invalid read size")
	ErrWouldBlock      = errors.New("no data available")
	ErrTimeout         = errors.New("timed out waiting for pieces")
	ErrCancelled       = errors.New("read cancelled")
	ErrEngineClosed    = errors.New("engine closed")
)

// TorrentError carries a fatal session-reported condition into read paths
// and status reporting.
type TorrentError struct {
	Msg string
}

func (e *TorrentError) Error() string { return "torrent error: " + e.Msg }
