package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", []byte{}},
		{"small", []byte(`{"cmd":"hello"}`)},
		{"binaryish", []byte{0, 1, 2, 0xff, 0xfe}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.payload); err != nil {
				t.Fatalf("WriteFrame() error = %v", err)
			}
			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame() error = %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("ReadFrame() = %q, want %q", got, tt.payload)
			}
		})
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameBytes+1)
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ReadFrame() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameBytes+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("WriteFrame() error = %v, want ErrFrameTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("oversized frame wrote %d bytes, want 0", buf.Len())
	}
}

func TestJSONHeaderThenRawTail(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello, swarm")
	if err := WriteJSON(&buf, Ok("1", map[string]interface{}{"data_len": len(payload)})); err != nil {
		t.Fatal(err)
	}
	if err := WriteRaw(&buf, payload); err != nil {
		t.Fatal(err)
	}

	var resp Response
	if err := ReadJSON(&buf, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK() {
		t.Fatalf("resp not ok: %v", resp)
	}
	if got := resp.DataLen(); got != int64(len(payload)) {
		t.Fatalf("DataLen() = %d, want %d", got, len(payload))
	}
	tail, err := ReadRaw(&buf, resp.DataLen())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tail, payload) {
		t.Errorf("tail = %q, want %q", tail, payload)
	}
}

func TestErrorTokens(t *testing.T) {
	tests := []struct {
		name  string
		got   string
		want  string
		token string
	}{
		{"plain", ErrTimeout, "Timeout", "Timeout"},
		{"parameterized", Errorf(ErrTorrentNotFound, "movie"), "TorrentNotFound:movie", "TorrentNotFound"},
		{"ambiguous", Errorf(ErrTorrentNameAmbiguous, "movie"), "TorrentNameAmbiguous:movie", "TorrentNameAmbiguous"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
			if Token(tt.got) != tt.token {
				t.Errorf("Token(%q) = %q, want %q", tt.got, Token(tt.got), tt.token)
			}
		})
	}
}
