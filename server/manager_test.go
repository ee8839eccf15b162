package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/require"

	"github.com/RetronetBR/torrentfs/engine"
)

// writeSampleTorrent builds a small single-payload torrent on disk and
// writes its .torrent under torrentPath.
func writeSampleTorrent(t *testing.T, torrentPath, payloadName, content string) string {
	t.Helper()
	payloadDir := t.TempDir()
	root := filepath.Join(payloadDir, payloadName)
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data.bin"), []byte(content), 0o644))

	info := metainfo.Info{PieceLength: 16384}
	require.NoError(t, info.BuildFromFilePath(root))
	mi := &metainfo.MetaInfo{}
	var err error
	mi.InfoBytes, err = bencode.Marshal(info)
	require.NoError(t, err)

	f, err := os.Create(torrentPath)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, mi.Write(f))
	return mi.HashInfoBytes().HexString()
}

func testManagerConfig(t *testing.T) *engine.Config {
	t.Helper()
	return &engine.Config{
		CacheRoot:     t.TempDir(),
		IncomingPort:  0,
		MuteEngineLog: true,
		MaxMetadataMB: 100,
		SkipCheck:     true,
		Prefetch: engine.PrefetchConfig{
			Mode:     "media",
			Workers:  2,
			MaxMB:    64,
			MaxFiles: 16,
			MaxDirs:  8,
		},
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(testManagerConfig(t))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestManagerResolution(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()

	moviePath := filepath.Join(dir, "movie.torrent")
	id1 := writeSampleTorrent(t, moviePath, "payload-one", "first torrent content")
	gotID, err := m.AddTorrentFile(moviePath)
	require.NoError(t, err)
	require.Equal(t, id1, gotID)

	// unique name resolves
	eng, err := m.Resolve("movie")
	require.NoError(t, err)
	require.Equal(t, id1, eng.ID)

	// exact id resolves
	eng, err = m.Resolve(id1)
	require.NoError(t, err)
	require.Equal(t, id1, eng.ID)

	// a second torrent with the same basename makes the name ambiguous
	dir2 := t.TempDir()
	movie2Path := filepath.Join(dir2, "movie.torrent")
	id2 := writeSampleTorrent(t, movie2Path, "payload-two", "second torrent, different bytes")
	_, err = m.AddTorrentFile(movie2Path)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	_, err = m.Resolve("movie")
	var amb *AmbiguousError
	require.ErrorAs(t, err, &amb)
	require.Equal(t, "movie", amb.Name)

	// ids keep resolving despite the collision
	eng, err = m.Resolve(id2)
	require.NoError(t, err)
	require.Equal(t, id2, eng.ID)
	require.Equal(t, "movie__"+id2[:shortIDLen], eng.Name)

	// the disambiguated form resolves
	eng, err = m.Resolve("movie__" + id2[:shortIDLen])
	require.NoError(t, err)
	require.Equal(t, id2, eng.ID)

	// unknown tokens and the empty token fail with typed errors
	_, err = m.Resolve("nope")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	_, err = m.Resolve("")
	require.ErrorIs(t, err, ErrTorrentRequired)
}

func TestManagerAddIdempotent(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "one.torrent")
	id := writeSampleTorrent(t, path, "idem-payload", "same bytes")

	got1, err := m.AddTorrentFile(path)
	require.NoError(t, err)
	got2, err := m.AddTorrentFile(path)
	require.NoError(t, err)
	require.Equal(t, id, got1)
	require.Equal(t, got1, got2)
	require.Len(t, m.Engines(), 1)
}

func TestManagerListTorrents(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "listed.torrent")
	id := writeSampleTorrent(t, path, "listed-payload", "bytes")
	_, err := m.AddTorrentFile(path)
	require.NoError(t, err)

	ts := m.ListTorrents()
	require.Len(t, ts, 1)
	require.Equal(t, id, ts[0]["id"])
	require.Equal(t, "listed", ts[0]["name"])
	require.Equal(t, "listed-payload", ts[0]["torrent_name"])
}

func TestManagerRemoveWipesCache(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "victim.torrent")
	id := writeSampleTorrent(t, path, "victim-payload", "bytes")
	_, err := m.AddTorrentFile(path)
	require.NoError(t, err)

	cacheDir := filepath.Join(m.cfg.CacheRoot, id)
	_, err = os.Stat(cacheDir)
	require.NoError(t, err)

	require.NoError(t, m.Remove(id, true))
	_, err = os.Stat(cacheDir)
	require.True(t, os.IsNotExist(err))
	_, err = m.Resolve(id)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestPruneCache(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "kept.torrent")
	id := writeSampleTorrent(t, path, "kept-payload", "bytes")
	_, err := m.AddTorrentFile(path)
	require.NoError(t, err)

	// orphan cache dirs not owned by any loaded torrent
	for _, orphan := range []string{"deadbeef01", "deadbeef02"} {
		require.NoError(t, os.MkdirAll(filepath.Join(m.cfg.CacheRoot, orphan), 0o755))
	}

	removed, skipped := m.PruneCache(true)
	require.Equal(t, []string{"deadbeef01", "deadbeef02"}, removed)
	require.Equal(t, []string{id}, skipped)
	// dry run leaves the filesystem untouched
	for _, orphan := range removed {
		_, err := os.Stat(filepath.Join(m.cfg.CacheRoot, orphan))
		require.NoError(t, err)
	}

	removed, _ = m.PruneCache(false)
	require.Equal(t, []string{"deadbeef01", "deadbeef02"}, removed)
	for _, orphan := range removed {
		_, err := os.Stat(filepath.Join(m.cfg.CacheRoot, orphan))
		require.True(t, os.IsNotExist(err), orphan)
	}
	// the loaded torrent's dir survives
	_, err = os.Stat(filepath.Join(m.cfg.CacheRoot, id))
	require.NoError(t, err)
}

func TestCacheSize(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(t.TempDir(), "sized.torrent")
	writeSampleTorrent(t, path, "sized-payload", "some sized bytes here")
	_, err := m.AddTorrentFile(path)
	require.NoError(t, err)

	logical, disk := m.CacheSize()
	require.GreaterOrEqual(t, logical, int64(0))
	// the bolt completion db alone guarantees nonzero disk usage
	require.Greater(t, disk, int64(0))
}
