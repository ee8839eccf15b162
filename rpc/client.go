package rpc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SocketCandidates returns the socket path resolution chain:
// $TORRENTFSD_SOCKET, then $XDG_RUNTIME_DIR/torrentfsd.sock, then
// /tmp/torrentfsd.sock. An explicit path short-circuits the chain.
func SocketCandidates(explicit string) []string {
	if explicit != "" {
		return []string{explicit}
	}
	var out []string
	if s := os.Getenv("TORRENTFSD_SOCKET"); s != "" {
		out = append(out, s)
	}
	if d := os.Getenv("XDG_RUNTIME_DIR"); d != "" {
		out = append(out, filepath.Join(d, "torrentfsd.sock"))
	}
	return append(out, "/tmp/torrentfsd.sock")
}

// Client is a thin connection-per-call RPC client used by the CLI and the
// FUSE driver. Each call opens a fresh connection; the daemon handles
// connections independently, so concurrent calls do not serialize.
type Client struct {
	sockets []string
	timeout time.Duration

	mu     sync.Mutex
	nextID uint64
}

func NewClient(socket string) *Client {
	return &Client{
		sockets: SocketCandidates(socket),
		timeout: 10 * time.Second,
	}
}

// SetDialTimeout overrides the per-connection dial timeout.
func (c *Client) SetDialTimeout(d time.Duration) { c.timeout = d }

func (c *Client) dial() (net.Conn, error) {
	var lastErr error
	for _, path := range c.sockets {
		conn, err := net.DialTimeout("unix", path, c.timeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no socket candidates")
	}
	return nil, fmt.Errorf("rpc: dial daemon: %w", lastErr)
}

func (c *Client) id() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return fmt.Sprintf("c%d-%d", os.Getpid(), c.nextID)
}

// Call performs one framed JSON round trip.
func (c *Client) Call(req Request) (Response, error) {
	resp, _, err := c.do(req, false)
	return resp, err
}

// CallRead performs a read round trip: framed JSON header followed by
// data_len raw bytes on the same connection.
func (c *Client) CallRead(req Request) (Response, []byte, error) {
	return c.do(req, true)
}

func (c *Client) do(req Request, wantBytes bool) (Response, []byte, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()

	if req.ID == "" {
		req.ID = c.id()
	}
	if err := WriteJSON(conn, &req); err != nil {
		return nil, nil, err
	}
	var resp Response
	if err := ReadJSON(conn, &resp); err != nil {
		return nil, nil, err
	}
	var data []byte
	if wantBytes && resp.OK() {
		if n := resp.DataLen(); n > 0 {
			data, err = ReadRaw(conn, n)
			if err != nil {
				return resp, nil, fmt.Errorf("rpc: read payload tail: %w", err)
			}
		}
	}
	return resp, data, nil
}
