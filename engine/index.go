package engine

import (
	"sort"
	"strings"
)

// FileEntry describes one file of a torrent: its torrent-relative path,
// ordinal position, byte extent within the concatenated storage and the
// piece span that extent occupies.
type FileEntry struct {
	Path   string
	Index  int
	Size   int64
	Offset int64

	FirstPiece    int
	LastPiece     int
	FirstPieceOff int64
	LastPieceOff  int64
}

// Entry carries the result of a path lookup: either a file or an inferred
// directory with its aggregate size.
type Entry struct {
	Type string // "dir" | "file"
	Size int64
	File *FileEntry // nil for directories
}

// DirEntry is one child in a directory listing.
type DirEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

const noEntry = int32(-1)

type indexNode struct {
	name     string
	isDir    bool
	children map[string]int32
	entry    int32 // index into PathIndex.entries, noEntry for dirs
	size     int64 // file size, or sum of descendant file sizes
}

// PathIndex maps torrent-relative paths to file entries. Nodes live in an
// arena indexed by int32 ids; directories are inferred from path prefixes.
// Built once at torrent-ready time, read-only afterwards.
type PathIndex struct {
	pieceLength int64
	nodes       []indexNode
	entries     []FileEntry
}

func NewPathIndex(pieceLength int64) *PathIndex {
	return &PathIndex{
		pieceLength: pieceLength,
		nodes:       []indexNode{{isDir: true, children: map[string]int32{}, entry: noEntry}},
	}
}

// NormalizePath collapses duplicate separators and rejects absolute paths
// and dot segments. The empty path denotes the torrent root.
func NormalizePath(path string) (string, error) {
	if strings.HasPrefix(path, "/") {
		return "", ErrPathUnsafe
	}
	var parts []string
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "":
			// collapsed "//" or trailing slash
		case ".", "..":
			return "", ErrPathUnsafe
		default:
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, "/"), nil
}

// AddFile registers a file. Parent directories are created on demand.
// Offset is the file's byte position within the concatenated storage.
func (ix *PathIndex) AddFile(path string, fileIndex int, size, offset int64) error {
	path, err := NormalizePath(path)
	if err != nil {
		return err
	}
	if path == "" {
		return ErrPathUnsafe
	}

	entry := FileEntry{
		Path:   path,
		Index:  fileIndex,
		Size:   size,
		Offset: offset,
	}
	if ix.pieceLength > 0 {
		entry.FirstPiece = int(offset / ix.pieceLength)
		entry.FirstPieceOff = offset % ix.pieceLength
		end := offset + size
		if size > 0 {
			end--
		}
		entry.LastPiece = int(end / ix.pieceLength)
		entry.LastPieceOff = end % ix.pieceLength
	}
	ix.entries = append(ix.entries, entry)
	entryID := int32(len(ix.entries) - 1)

	parts := strings.Split(path, "/")
	cur := int32(0)
	for _, part := range parts[:len(parts)-1] {
		ix.nodes[cur].size += size
		next, ok := ix.nodes[cur].children[part]
		if !ok {
			ix.nodes = append(ix.nodes, indexNode{
				name:     part,
				isDir:    true,
				children: map[string]int32{},
				entry:    noEntry,
			})
			next = int32(len(ix.nodes) - 1)
			ix.nodes[cur].children[part] = next
		}
		cur = next
	}
	ix.nodes[cur].size += size

	leafName := parts[len(parts)-1]
	ix.nodes = append(ix.nodes, indexNode{
		name:  leafName,
		entry: entryID,
		size:  size,
	})
	ix.nodes[cur].children[leafName] = int32(len(ix.nodes) - 1)
	return nil
}

func (ix *PathIndex) walk(path string) (int32, error) {
	path, err := NormalizePath(path)
	if err != nil {
		return 0, err
	}
	if path == "" {
		return 0, nil
	}
	cur := int32(0)
	for _, part := range strings.Split(path, "/") {
		if !ix.nodes[cur].isDir {
			return 0, ErrNotADirectory
		}
		next, ok := ix.nodes[cur].children[part]
		if !ok {
			return 0, ErrFileNotFound
		}
		cur = next
	}
	return cur, nil
}

// Lookup resolves an exact path to a file or directory entry.
func (ix *PathIndex) Lookup(path string) (Entry, error) {
	id, err := ix.walk(path)
	if err != nil {
		return Entry{}, err
	}
	n := &ix.nodes[id]
	if n.isDir {
		return Entry{Type: "dir", Size: n.size}, nil
	}
	return Entry{Type: "file", Size: n.size, File: &ix.entries[n.entry]}, nil
}

// List returns the children of a directory in lexicographic order.
func (ix *PathIndex) List(path string) ([]DirEntry, error) {
	id, err := ix.walk(path)
	if err != nil {
		return nil, err
	}
	n := &ix.nodes[id]
	if !n.isDir {
		return nil, ErrNotADirectory
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]DirEntry, 0, len(names))
	for _, name := range names {
		child := &ix.nodes[n.children[name]]
		typ := "file"
		if child.isDir {
			typ = "dir"
		}
		out = append(out, DirEntry{Name: name, Type: typ, Size: child.size})
	}
	return out, nil
}

// Stat resolves path metadata. Directory size is the sum of descendant
// file sizes.
func (ix *PathIndex) Stat(path string) (Entry, error) {
	return ix.Lookup(path)
}

// File resolves a path that must be a regular file.
func (ix *PathIndex) File(path string) (*FileEntry, error) {
	ent, err := ix.Lookup(path)
	if err != nil {
		return nil, err
	}
	if ent.Type == "dir" {
		return nil, ErrIsADirectory
	}
	return ent.File, nil
}

// Files enumerates all registered entries in torrent order.
func (ix *PathIndex) Files() []FileEntry {
	return ix.entries
}

// PieceLength reports the torrent's piece size.
func (ix *PathIndex) PieceLength() int64 { return ix.pieceLength }

// PiecesFor maps a byte range of a file onto its piece span. Returns the
// first and last piece indexes and the byte offset within the first piece.
// The range is assumed already clamped to the file extent.
func (ix *PathIndex) PiecesFor(f *FileEntry, off, length int64) (p0, p1 int, offInP0 int64) {
	global := f.Offset + off
	p0 = int(global / ix.pieceLength)
	offInP0 = global % ix.pieceLength
	end := global + length
	if length > 0 {
		end--
	}
	p1 = int(end / ix.pieceLength)
	return
}
