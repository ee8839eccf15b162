//go:build !windows

// Package torrentfs mounts a running torrentfsd daemon as a read-only
// FUSE filesystem. The root lists loaded torrents; everything below
// proxies list/stat/read RPCs.
package torrentfs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/anacrolix/fuse"
	fusefs "github.com/anacrolix/fuse/fs"

	"github.com/RetronetBR/torrentfs/rpc"
)

const (
	defaultMode = 0o555
	attrTTL     = 2 * time.Second
)

// TorrentFS is the filesystem host. It owns the RPC client, a small
// attribute cache and the readdir prefetch queue.
type TorrentFS struct {
	client *rpc.Client

	readTimeoutS float64

	mu        sync.Mutex
	attrCache map[string]attrCacheEntry

	prefetch *readdirPrefetcher

	destroyed chan struct{}
	once      sync.Once
}

type attrCacheEntry struct {
	typ     string
	size    int64
	expires time.Time
}

// Options configures the mount.
type Options struct {
	Socket          string
	ReadTimeoutS    float64
	ReaddirPrefetch int    // files per listing to prefetch, 0 = off
	PrefetchMode    string // "media" | "all"
}

func New(opts Options) *TorrentFS {
	tfs := &TorrentFS{
		client:       rpc.NewClient(opts.Socket),
		readTimeoutS: opts.ReadTimeoutS,
		attrCache:    map[string]attrCacheEntry{},
		destroyed:    make(chan struct{}),
	}
	if tfs.readTimeoutS <= 0 {
		tfs.readTimeoutS = 60
	}
	if opts.ReaddirPrefetch > 0 {
		tfs.prefetch = newReaddirPrefetcher(tfs.client, opts.ReaddirPrefetch, opts.PrefetchMode)
	}
	return tfs
}

var (
	_ fusefs.FS          = (*TorrentFS)(nil)
	_ fusefs.FSDestroyer = (*TorrentFS)(nil)
)

func (tfs *TorrentFS) Root() (fusefs.Node, error) {
	return rootNode{fs: tfs}, nil
}

func (tfs *TorrentFS) Destroy() {
	tfs.once.Do(func() {
		close(tfs.destroyed)
		if tfs.prefetch != nil {
			tfs.prefetch.close()
		}
	})
}

func (tfs *TorrentFS) cachedAttr(key string) (attrCacheEntry, bool) {
	tfs.mu.Lock()
	defer tfs.mu.Unlock()
	ent, ok := tfs.attrCache[key]
	if !ok || time.Now().After(ent.expires) {
		return attrCacheEntry{}, false
	}
	return ent, true
}

func (tfs *TorrentFS) storeAttr(key, typ string, size int64) {
	tfs.mu.Lock()
	tfs.attrCache[key] = attrCacheEntry{typ: typ, size: size, expires: time.Now().Add(attrTTL)}
	tfs.mu.Unlock()
}

// stat resolves a path inside a torrent, consulting the attribute cache.
func (tfs *TorrentFS) stat(torrent, path string) (typ string, size int64, err error) {
	key := torrent + "\x00" + path
	if ent, ok := tfs.cachedAttr(key); ok {
		return ent.typ, ent.size, nil
	}
	resp, err := tfs.client.Call(rpc.Request{Cmd: "stat", Torrent: torrent, Path: path})
	if err != nil {
		return "", 0, err
	}
	if !resp.OK() {
		return "", 0, wireError(resp.Error())
	}
	st, _ := resp["stat"].(map[string]interface{})
	typ, _ = st["type"].(string)
	if v, ok := st["size"].(float64); ok {
		size = int64(v)
	}
	tfs.storeAttr(key, typ, size)
	return typ, size, nil
}

func (tfs *TorrentFS) list(torrent, path string) ([]listEntry, error) {
	resp, err := tfs.client.Call(rpc.Request{Cmd: "list", Torrent: torrent, Path: path})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, wireError(resp.Error())
	}
	raw, _ := resp["entries"].([]interface{})
	out := make([]listEntry, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		ent := listEntry{}
		ent.Name, _ = m["name"].(string)
		ent.Type, _ = m["type"].(string)
		if v, ok := m["size"].(float64); ok {
			ent.Size = int64(v)
		}
		out = append(out, ent)
	}
	return out, nil
}

type listEntry struct {
	Name string
	Type string
	Size int64
}

// wireError maps daemon error tokens onto FUSE errnos.
func wireError(errStr string) error {
	switch rpc.Token(errStr) {
	case rpc.ErrFileNotFound, rpc.ErrTorrentNotFound:
		return fuse.ENOENT
	case rpc.ErrNotADirectory:
		return fuse.Errno(syscall.ENOTDIR)
	case rpc.ErrIsADirectory:
		return fuse.Errno(syscall.EISDIR)
	case rpc.ErrWouldBlock:
		return fuse.Errno(syscall.EAGAIN)
	case rpc.ErrTimeout:
		return fuse.EIO
	case rpc.ErrCancelled:
		return fuse.EINTR
	default:
		return fuse.EIO
	}
}

// rootNode lists loaded torrents as top-level directories.
type rootNode struct {
	fs *TorrentFS
}

var (
	_ fusefs.HandleReadDirAller = rootNode{}
	_ fusefs.NodeStringLookuper = rootNode{}
)

func (rn rootNode) Attr(ctx context.Context, attr *fuse.Attr) error {
	attr.Mode = os.ModeDir | defaultMode
	return nil
}

func (rn rootNode) torrents() ([]string, error) {
	resp, err := rn.fs.client.Call(rpc.Request{Cmd: "torrents"})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, wireError(resp.Error())
	}
	raw, _ := resp["torrents"].([]interface{})
	var names []string
	for _, t := range raw {
		if m, ok := t.(map[string]interface{}); ok {
			if name, _ := m["name"].(string); name != "" {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

func (rn rootNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	names, err := rn.torrents()
	if err != nil {
		return nil, err
	}
	dirents := make([]fuse.Dirent, 0, len(names))
	for _, name := range names {
		dirents = append(dirents, fuse.Dirent{Name: name, Type: fuse.DT_Dir})
	}
	return dirents, nil
}

func (rn rootNode) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	names, err := rn.torrents()
	if err != nil {
		return nil, err
	}
	for _, have := range names {
		if have == name {
			return dirNode{node{fs: rn.fs, torrent: name, path: ""}}, nil
		}
	}
	return nil, fuse.ENOENT
}

type node struct {
	fs      *TorrentFS
	torrent string
	path    string
}

func (n node) childPath(name string) string {
	if n.path == "" {
		return name
	}
	return n.path + "/" + name
}

type dirNode struct {
	node
}

var (
	_ fusefs.HandleReadDirAller = dirNode{}
	_ fusefs.NodeStringLookuper = dirNode{}
)

func (dn dirNode) Attr(ctx context.Context, attr *fuse.Attr) error {
	attr.Mode = os.ModeDir | defaultMode
	return nil
}

func (dn dirNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries, err := dn.fs.list(dn.torrent, dn.path)
	if err != nil {
		return nil, err
	}
	dirents := make([]fuse.Dirent, 0, len(entries))
	for _, ent := range entries {
		de := fuse.Dirent{Name: ent.Name}
		if ent.Type == "dir" {
			de.Type = fuse.DT_Dir
		} else {
			de.Type = fuse.DT_File
		}
		dirents = append(dirents, de)
	}
	if dn.fs.prefetch != nil {
		dn.fs.prefetch.schedule(dn.torrent, dn.path, entries)
	}
	return dirents, nil
}

func (dn dirNode) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	child := dn.childPath(name)
	typ, size, err := dn.fs.stat(dn.torrent, child)
	if err != nil {
		return nil, err
	}
	if typ == "dir" {
		return dirNode{node{fs: dn.fs, torrent: dn.torrent, path: child}}, nil
	}
	return fileNode{node: node{fs: dn.fs, torrent: dn.torrent, path: child}, size: size}, nil
}

type fileNode struct {
	node
	size int64
}

var _ fusefs.HandleReader = fileNode{}

func (fn fileNode) Attr(ctx context.Context, attr *fuse.Attr) error {
	attr.Mode = defaultMode
	attr.Size = uint64(fn.size)
	return nil
}

func (fn fileNode) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	if req.Dir {
		return fuse.EIO
	}
	timeout := fn.fs.readTimeoutS
	call := rpc.Request{
		Cmd:      "read",
		Torrent:  fn.torrent,
		Path:     fn.path,
		Offset:   req.Offset,
		Size:     int64(req.Size),
		Mode:     "auto",
		TimeoutS: &timeout,
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		r, data, err := fn.fs.client.CallRead(call)
		if err != nil {
			done <- result{nil, fmt.Errorf("read rpc: %w", err)}
			return
		}
		if !r.OK() {
			done <- result{nil, wireError(r.Error())}
			return
		}
		done <- result{data, nil}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if _, ok := res.err.(fuse.Errno); ok {
				return res.err
			}
			return fuse.EIO
		}
		resp.Data = res.data
		return nil
	case <-ctx.Done():
		return fuse.EINTR
	case <-fn.fs.destroyed:
		return fuse.EIO
	}
}
