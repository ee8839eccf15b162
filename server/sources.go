package server

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
)

const metadataFetchTimeout = 90 * time.Second

// Source resolves one family of torrent sources (magnet links, archive.org
// items, plain URLs) into a .torrent file placed in the watched directory,
// where the watcher turns it into an engine.
type Source interface {
	Name() string
	CanHandle(src string) bool
	// Resolve fetches the source and returns the infohash of the written
	// .torrent.
	Resolve(src string) (string, error)
}

// SourceRegistry dispatches source-add requests to the first plugin that
// claims the URI.
type SourceRegistry struct {
	plugins []Source
}

// NewSourceRegistry wires the built-in plugins: magnet, archive.org and
// HTTP(S) metainfo URLs.
func NewSourceRegistry(manager *Manager, watchDir string) *SourceRegistry {
	return &SourceRegistry{
		plugins: []Source{
			&magnetSource{manager: manager, watchDir: watchDir},
			&archiveSource{watchDir: watchDir},
			&urlSource{watchDir: watchDir},
		},
	}
}

func (r *SourceRegistry) Plugins() []string {
	var out []string
	for _, p := range r.plugins {
		out = append(out, p.Name())
	}
	return out
}

func (r *SourceRegistry) Add(src string) (string, error) {
	if src == "" {
		return "", fmt.Errorf("empty source")
	}
	for _, p := range r.plugins {
		if p.CanHandle(src) {
			id, err := p.Resolve(src)
			if err != nil {
				return "", fmt.Errorf("source %s: %w", p.Name(), err)
			}
			return id, nil
		}
	}
	return "", fmt.Errorf("no source plugin for %q", src)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// writeTorrentFile places metainfo into the watched directory under a
// stable, filesystem-safe name derived from the torrent name and
// infohash.
func writeTorrentFile(watchDir, name string, mi *metainfo.MetaInfo) (string, error) {
	id := mi.HashInfoBytes().HexString()
	base := unsafeNameChars.ReplaceAllString(name, "_")
	if base == "" || base == "_" {
		base = id[:shortIDLen]
	}
	path := filepath.Join(watchDir, base+".torrent")
	if _, err := os.Stat(path); err == nil {
		// name already taken: qualify with the short id
		path = filepath.Join(watchDir, fmt.Sprintf("%s-%s.torrent", base, id[:shortIDLen]))
	}

	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(watchDir, ".source-*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	log.Printf("[source] wrote %s", filepath.Base(path))
	return id, nil
}

// magnetSource fetches metadata for a magnet link through the shared
// session, then hands the resulting .torrent to the watcher.
type magnetSource struct {
	manager  *Manager
	watchDir string
}

func (s *magnetSource) Name() string { return "magnet" }

func (s *magnetSource) CanHandle(src string) bool {
	return strings.HasPrefix(src, "magnet:")
}

func (s *magnetSource) Resolve(src string) (string, error) {
	t, err := s.manager.Client().AddMagnet(src)
	if err != nil {
		return "", err
	}
	if err := waitInfo(t, metadataFetchTimeout); err != nil {
		t.Drop()
		return "", err
	}
	mi := t.Metainfo()
	name := t.Name()
	t.Drop()
	return writeTorrentFile(s.watchDir, name, &mi)
}

// urlSource downloads a .torrent over HTTP(S) and validates it before
// placing it in the watched directory.
type urlSource struct {
	watchDir string
}

func (s *urlSource) Name() string { return "url" }

func (s *urlSource) CanHandle(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

func (s *urlSource) Resolve(src string) (string, error) {
	return fetchTorrentURL(src, s.watchDir)
}

// archiveSource maps "archive:<item>" onto the archive.org torrent URL
// for that item.
type archiveSource struct {
	watchDir string
}

func (s *archiveSource) Name() string { return "archive.org" }

func (s *archiveSource) CanHandle(src string) bool {
	return strings.HasPrefix(src, "archive:")
}

func (s *archiveSource) Resolve(src string) (string, error) {
	item := strings.TrimPrefix(src, "archive:")
	if item == "" {
		return "", fmt.Errorf("empty archive item")
	}
	url := fmt.Sprintf("https://archive.org/download/%s/%s_archive.torrent", item, item)
	return fetchTorrentURL(url, s.watchDir)
}

func fetchTorrentURL(url, watchDir string) (string, error) {
	client := &http.Client{Timeout: metadataFetchTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 128<<20))
	if err != nil {
		return "", err
	}
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("not a torrent: %w", err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return "", fmt.Errorf("bad torrent info: %w", err)
	}
	return writeTorrentFile(watchDir, info.Name, mi)
}
