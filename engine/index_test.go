package engine

import (
	"errors"
	"reflect"
	"testing"
)

func buildTestIndex(t *testing.T) *PathIndex {
	t.Helper()
	ix := NewPathIndex(64)
	files := []struct {
		path string
		size int64
	}{
		{"a/b.txt", 10},
		{"a/c.bin", 100},
		{"d.md", 5},
	}
	var off int64
	for i, f := range files {
		if err := ix.AddFile(f.path, i, f.size, off); err != nil {
			t.Fatalf("AddFile(%q) error = %v", f.path, err)
		}
		off += f.size
	}
	return ix
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"empty", "", "", nil},
		{"plain", "a/b.txt", "a/b.txt", nil},
		{"doubleslash", "a//b.txt", "a/b.txt", nil},
		{"trailing", "a/", "a", nil},
		{"absolute", "/etc/passwd", "", ErrPathUnsafe},
		{"dotdot", "a/../b", "", ErrPathUnsafe},
		{"dot", "./a", "", ErrPathUnsafe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePath(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NormalizePath(%q) error = %v, want %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestListRoot(t *testing.T) {
	ix := buildTestIndex(t)
	got, err := ix.List("")
	if err != nil {
		t.Fatalf("List(\"\") error = %v", err)
	}
	want := []DirEntry{
		{Name: "a", Type: "dir", Size: 110},
		{Name: "d.md", Type: "file", Size: 5},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("List(\"\") = %+v, want %+v", got, want)
	}
}

func TestLookupErrors(t *testing.T) {
	ix := buildTestIndex(t)
	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{"missing", "nope", ErrFileNotFound},
		{"missing nested", "a/nope", ErrFileNotFound},
		{"file as dir", "d.md/x", ErrNotADirectory},
		{"unsafe", "../d.md", ErrPathUnsafe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ix.Lookup(tt.path); !errors.Is(err, tt.wantErr) {
				t.Errorf("Lookup(%q) error = %v, want %v", tt.path, err, tt.wantErr)
			}
		})
	}

	if _, err := ix.List("d.md"); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("List(file) error = %v, want ErrNotADirectory", err)
	}
	if _, err := ix.File("a"); !errors.Is(err, ErrIsADirectory) {
		t.Errorf("File(dir) error = %v, want ErrIsADirectory", err)
	}
}

func TestStatDirAggregates(t *testing.T) {
	ix := buildTestIndex(t)
	ent, err := ix.Stat("a")
	if err != nil {
		t.Fatal(err)
	}
	if ent.Type != "dir" || ent.Size != 110 {
		t.Errorf("Stat(a) = %+v, want dir size 110", ent)
	}
	ent, err = ix.Stat("a/c.bin")
	if err != nil {
		t.Fatal(err)
	}
	if ent.Type != "file" || ent.Size != 100 || ent.File == nil {
		t.Errorf("Stat(a/c.bin) = %+v, want file size 100", ent)
	}
}

// Every path surfaced by List resolves via Lookup to the same entry.
func TestListLookupAgree(t *testing.T) {
	ix := buildTestIndex(t)
	entries, err := ix.List("a")
	if err != nil {
		t.Fatal(err)
	}
	for _, de := range entries {
		ent, err := ix.Lookup("a/" + de.Name)
		if err != nil {
			t.Fatalf("Lookup(a/%s) error = %v", de.Name, err)
		}
		if ent.Type != de.Type || ent.Size != de.Size {
			t.Errorf("Lookup(a/%s) = %+v disagrees with List entry %+v", de.Name, ent, de)
		}
	}
}

func TestPiecesFor(t *testing.T) {
	// piece length 64; files at offsets: a/b.txt@0 (10), a/c.bin@10 (100), d.md@110 (5)
	ix := buildTestIndex(t)
	cbin, err := ix.File("a/c.bin")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name        string
		off, length int64
		p0, p1      int
		offInP0     int64
	}{
		{"head", 0, 10, 0, 0, 10},
		{"spanning", 0, 100, 0, 1, 10},
		{"tail", 90, 10, 1, 1, 36},
		{"single byte", 54, 1, 1, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p0, p1, off := ix.PiecesFor(cbin, tt.off, tt.length)
			if p0 != tt.p0 || p1 != tt.p1 || off != tt.offInP0 {
				t.Errorf("PiecesFor(off=%d,len=%d) = (%d,%d,%d), want (%d,%d,%d)",
					tt.off, tt.length, p0, p1, off, tt.p0, tt.p1, tt.offInP0)
			}
		})
	}

	if cbin.FirstPiece != 0 || cbin.LastPiece != 1 {
		t.Errorf("entry piece span = [%d,%d], want [0,1]", cbin.FirstPiece, cbin.LastPiece)
	}
}
