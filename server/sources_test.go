package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/require"
)

func sampleMetaInfo(t *testing.T, name string) *metainfo.MetaInfo {
	t.Helper()
	root := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.bin"), []byte("source payload"), 0o644))
	info := metainfo.Info{PieceLength: 16384}
	require.NoError(t, info.BuildFromFilePath(root))
	mi := &metainfo.MetaInfo{}
	var err error
	mi.InfoBytes, err = bencode.Marshal(info)
	require.NoError(t, err)
	return mi
}

func TestWriteTorrentFile(t *testing.T) {
	watchDir := t.TempDir()
	mi := sampleMetaInfo(t, "My Torrent: weird/name?")

	id, err := writeTorrentFile(watchDir, "My Torrent: weird/name?", mi)
	require.NoError(t, err)
	require.Equal(t, mi.HashInfoBytes().HexString(), id)

	entries, err := os.ReadDir(watchDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	require.Regexp(t, `^[A-Za-z0-9._-]+\.torrent$`, name)

	// the written file round-trips as valid metainfo
	loaded, err := metainfo.LoadFromFile(filepath.Join(watchDir, name))
	require.NoError(t, err)
	require.Equal(t, id, loaded.HashInfoBytes().HexString())
}

func TestWriteTorrentFileNameCollision(t *testing.T) {
	watchDir := t.TempDir()
	mi1 := sampleMetaInfo(t, "payload-a")
	mi2 := sampleMetaInfo(t, "payload-b")

	_, err := writeTorrentFile(watchDir, "same", mi1)
	require.NoError(t, err)
	_, err = writeTorrentFile(watchDir, "same", mi2)
	require.NoError(t, err)

	entries, err := os.ReadDir(watchDir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestSourceRegistryDispatch(t *testing.T) {
	m := newTestManager(t)
	reg := NewSourceRegistry(m, t.TempDir())

	require.Equal(t, []string{"magnet", "archive.org", "url"}, reg.Plugins())

	_, err := reg.Add("")
	require.Error(t, err)
	_, err = reg.Add("ftp://example.com/x.torrent")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no source plugin")
}

func TestSourcePluginRouting(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"magnet:?xt=urn:btih:deadbeef", "magnet"},
		{"archive:some-item", "archive.org"},
		{"https://example.com/a.torrent", "url"},
		{"http://example.com/a.torrent", "url"},
	}
	m := newTestManager(t)
	reg := NewSourceRegistry(m, t.TempDir())
	for _, tt := range tests {
		var got string
		for _, p := range reg.plugins {
			if p.CanHandle(tt.src) {
				got = p.Name()
				break
			}
		}
		if got != tt.want {
			t.Errorf("CanHandle(%q) routed to %q, want %q", tt.src, got, tt.want)
		}
	}
}
