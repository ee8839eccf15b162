package rpc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Error tokens carried in the response "error" field. Parameterized tokens
// append ":<detail>" via Errorf.
const (
	ErrTorrentRequired      = "TorrentRequired"
	ErrTorrentNotFound      = "TorrentNotFound"
	ErrTorrentNameAmbiguous = "TorrentNameAmbiguous"
	ErrReadSizeInvalid      = "ReadSizeInvalid"
	ErrUnknownCommand       = "UnknownCommand"
	ErrBadRequest           = "BadRequest"

	ErrFileNotFound  = "FileNotFound"
	ErrNotADirectory = "NotADirectory"
	ErrIsADirectory  = "IsADirectory"
	ErrPathUnsafe    = "PathUnsafe"

	ErrWouldBlock   = "WouldBlock"
	ErrTimeout      = "Timeout"
	ErrCancelled    = "Cancelled"
	ErrTorrentError = "TorrentError"
	ErrIOError      = "IOError"
)

// Errorf builds a parameterized error token, e.g.
// Errorf(ErrTorrentNotFound, "movie") -> "TorrentNotFound:movie".
func Errorf(token string, detail interface{}) string {
	return fmt.Sprintf("%s:%v", token, detail)
}

// Token returns the bare token of a wire error string.
func Token(errStr string) string {
	if i := strings.IndexByte(errStr, ':'); i >= 0 {
		return errStr[:i]
	}
	return errStr
}

// Request is the client->daemon envelope. Fields beyond Cmd are
// command-specific; zero values are omitted on the wire.
type Request struct {
	ID      string `json:"id,omitempty"`
	Cmd     string `json:"cmd"`
	Torrent string `json:"torrent,omitempty"`

	Path     string   `json:"path,omitempty"`
	Offset   int64    `json:"offset,omitempty"`
	Size     int64    `json:"size,omitempty"`
	Mode     string   `json:"mode,omitempty"`
	TimeoutS *float64 `json:"timeout_s,omitempty"`

	DryRun   bool `json:"dry_run,omitempty"`
	MaxFiles int  `json:"max_files,omitempty"`

	Source   string   `json:"source,omitempty"`
	Magnet   string   `json:"magnet,omitempty"`
	Trackers []string `json:"trackers,omitempty"`
	KeepPins *bool    `json:"keep_pins,omitempty"`
}

// Response is the daemon->client envelope. Command-specific result fields
// are flattened alongside the envelope keys, so it is modelled as a map.
type Response map[string]interface{}

func (r Response) OK() bool {
	ok, _ := r["ok"].(bool)
	return ok
}

func (r Response) Error() string {
	s, _ := r["error"].(string)
	return s
}

// DataLen returns the declared binary tail length of a read response.
func (r Response) DataLen() int64 {
	switch v := r["data_len"].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// Ok builds a success envelope echoing id, merging extra result fields.
func Ok(id string, extra map[string]interface{}) Response {
	resp := Response{"id": id, "ok": true}
	for k, v := range extra {
		resp[k] = v
	}
	return resp
}

// Fail builds an error envelope echoing id.
func Fail(id, errStr string) Response {
	return Response{"id": id, "ok": false, "error": errStr}
}
