package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/stretchr/testify/require"
)

// testPayload is the content set used by the offline engine tests.
var testPayload = map[string]string{
	"a/b.txt": "0123456789",
	"a/c.bin": "the quick brown fox jumps over the lazy dog",
	"d.md":    "notes",
}

// makeTestTorrent materializes the payload under dir/sample and returns
// its metainfo with a small piece length.
func makeTestTorrent(t *testing.T, dir string) *metainfo.MetaInfo {
	t.Helper()
	root := filepath.Join(dir, "sample")
	for path, content := range testPayload {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	info := metainfo.Info{PieceLength: 16384}
	require.NoError(t, info.BuildFromFilePath(root))
	mi := &metainfo.MetaInfo{}
	var err error
	mi.InfoBytes, err = bencode.Marshal(info)
	require.NoError(t, err)
	return mi
}

func newTestClient(t *testing.T, dataDir string) *torrent.Client {
	t.Helper()
	tc := torrent.NewDefaultClientConfig()
	tc.DataDir = dataDir
	tc.ListenPort = 0
	tc.NoDHT = true
	tc.DisableTrackers = true
	tc.DisableUTP = true
	tc.NoDefaultPortForwarding = true
	tc.Seed = false
	client, err := torrent.NewClient(tc)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func testConfig() *Config {
	return &Config{
		Prefetch: PrefetchConfig{
			Mode:            "media",
			MaxMB:           64,
			MaxFiles:        16,
			MaxDirs:         8,
			MediaExtensions: []string{".mkv", ".mp4"},
			Media:           mediaProfile(),
			Other: ProfileConfig{
				StartPct: 0.02, StartMinMB: 0.25, StartMaxMB: 1,
				EndPct: 0.01, EndMinMB: 0.25, EndMaxMB: 1,
			},
		},
	}
}

// newTestEngine loads the sample torrent. withData controls whether the
// payload exists in the cache (and is hash-verified) or the cache starts
// cold.
func newTestEngine(t *testing.T, withData bool) *Engine {
	t.Helper()
	cacheDir := t.TempDir()
	var mi *metainfo.MetaInfo
	if withData {
		mi = makeTestTorrent(t, cacheDir)
	} else {
		mi = makeTestTorrent(t, t.TempDir())
	}

	client := newTestClient(t, cacheDir)
	pc, err := storage.NewBoltPieceCompletion(cacheDir)
	require.NoError(t, err)
	spec := torrent.TorrentSpecFromMetaInfo(mi)
	spec.Storage = storage.NewFileWithCompletion(cacheDir, pc)
	tor, _, err := client.AddTorrentSpec(spec)
	require.NoError(t, err)
	<-tor.GotInfo()

	if withData {
		tor.VerifyData()
	}

	eng, err := New(testConfig(), tor, Options{
		ID:        mi.HashInfoBytes().HexString(),
		Name:      "sample",
		CacheDir:  cacheDir,
		SkipCheck: true,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng
}

func TestEngineListAndStat(t *testing.T) {
	eng := newTestEngine(t, true)

	entries, err := eng.List("")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Name)
	require.Equal(t, "dir", entries[0].Type)
	require.Equal(t, int64(len(testPayload["a/b.txt"])+len(testPayload["a/c.bin"])), entries[0].Size)

	ent, err := eng.Stat("a/c.bin")
	require.NoError(t, err)
	require.Equal(t, "file", ent.Type)
	require.Equal(t, int64(len(testPayload["a/c.bin"])), ent.Size)

	_, err = eng.Stat("missing")
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestEngineReadRoundTrip(t *testing.T) {
	eng := newTestEngine(t, true)

	for path, content := range testPayload {
		data, err := eng.Read(path, 0, 1000, ModeSync, nil, nil)
		require.NoError(t, err, path)
		require.Equal(t, content, string(data), path)
	}

	// bounded reads never cross EOF
	data, err := eng.Read("d.md", 0, 1000, ModeAuto, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "notes", string(data))
	data, err = eng.Read("d.md", 5, 1, ModeAuto, nil, nil)
	require.NoError(t, err)
	require.Len(t, data, 0)

	// offsets inside the file
	data, err = eng.Read("a/c.bin", 4, 5, ModeAuto, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "quick", string(data))

	// async succeeds once pieces are local
	data, err = eng.Read("a/b.txt", 2, 4, ModeAsync, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "2345", string(data))
}

func TestEngineReadValidation(t *testing.T) {
	eng := newTestEngine(t, true)

	_, err := eng.Read("d.md", -1, 10, ModeAuto, nil, nil)
	require.ErrorIs(t, err, ErrReadSizeInvalid)
	_, err = eng.Read("d.md", 0, 0, ModeAuto, nil, nil)
	require.ErrorIs(t, err, ErrReadSizeInvalid)
	_, err = eng.Read("d.md", 0, MaxReadBytes+1, ModeAuto, nil, nil)
	require.ErrorIs(t, err, ErrReadSizeInvalid)
	_, err = eng.Read("a", 0, 10, ModeAuto, nil, nil)
	require.ErrorIs(t, err, ErrIsADirectory)
	_, err = eng.Read("../x", 0, 10, ModeAuto, nil, nil)
	require.ErrorIs(t, err, ErrPathUnsafe)
}

func TestEngineColdCacheReads(t *testing.T) {
	eng := newTestEngine(t, false)

	// nothing local: async refuses, auto times out
	_, err := eng.Read("a/b.txt", 0, 4, ModeAsync, nil, nil)
	require.ErrorIs(t, err, ErrWouldBlock)

	timeout := 0.05
	start := time.Now()
	_, err = eng.Read("a/b.txt", 0, 4, ModeAuto, &timeout, nil)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 5*time.Second)

	// cancellation unblocks a waiting read
	cancel := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		_, err := eng.Read("a/b.txt", 0, 4, ModeSync, nil, cancel)
		errc <- err
	}()
	close(cancel)
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled read never returned")
	}
}

func TestEnginePinPersistsAcrossRestart(t *testing.T) {
	eng := newTestEngine(t, true)
	require.NoError(t, eng.Pin("a/b.txt"))

	pins := eng.Pins()
	require.Len(t, pins, 1)
	require.Equal(t, "a/b.txt", pins[0].Path)
	require.Equal(t, "b.txt", pins[0].FileName)

	// a fresh store over the same cache dir sees the pin
	reloaded := LoadPinStore(eng.CacheDir, eng.Index())
	require.True(t, reloaded.Contains("a/b.txt"))

	require.NoError(t, eng.Unpin("a/b.txt"))
	require.Empty(t, eng.Pins())
}

func TestEngineFileInfo(t *testing.T) {
	eng := newTestEngine(t, true)
	fi, err := eng.FileInfo("a/c.bin")
	require.NoError(t, err)
	require.Equal(t, int64(16384), fi.PieceLength)
	require.Equal(t, int64(len(testPayload["a/c.bin"])), fi.Size)
	require.Equal(t, fi.NumPieces, fi.HavePieces)
	require.Equal(t, fi.LastPiece-fi.FirstPiece+1, fi.NumPieces)

	_, err = eng.FileInfo("a")
	require.ErrorIs(t, err, ErrIsADirectory)
}

func TestEngineStatus(t *testing.T) {
	eng := newTestEngine(t, true)
	st := eng.Status()
	require.Equal(t, "sample", st.TorrentName)
	require.Equal(t, StateSeeding, st.State)
	require.Equal(t, st.NumPieces, st.HavePieces)
	require.Len(t, st.Files, 3)
	for _, f := range st.Files {
		require.Equal(t, f.Size, f.HaveBytes, f.Path)
	}

	eng.Stop()
	require.Equal(t, StatePaused, eng.Status().State)
	eng.Resume()
	require.NotEqual(t, StatePaused, eng.Status().State)
}

func TestEngineResumeSnapshot(t *testing.T) {
	eng := newTestEngine(t, true)
	require.NoError(t, eng.SaveResume())

	rd := loadResume(eng.CacheDir)
	require.NotNil(t, rd)
	require.Equal(t, eng.ID, rd.InfoHash)
	require.Equal(t, int64(16384), eng.Index().PieceLength())
	for i := 0; i < rd.NumPieces; i++ {
		require.NotZero(t, rd.Bitfield[i/8]&(1<<uint(i%8)), "piece %d missing from bitfield", i)
	}
}

func TestEngineReadClosedFails(t *testing.T) {
	eng := newTestEngine(t, false)
	eng.Close()

	_, err := eng.Read("a/b.txt", 0, 4, ModeSync, nil, nil)
	var te *TorrentError
	require.True(t, errors.As(err, &te), "got %v", err)
}

func TestEnginePrefetchElevates(t *testing.T) {
	eng := newTestEngine(t, false)
	require.NoError(t, eng.Prefetch("a/c.bin"))
	f, err := eng.Index().File("a/c.bin")
	require.NoError(t, err)
	require.Equal(t, LevelPrefetch, eng.led.Level(f.FirstPiece))

	info, err := eng.PrefetchInfo("a/c.bin")
	require.NoError(t, err)
	require.Equal(t, f.Size, info.HeadBytes) // clamp cannot exceed the file
}
