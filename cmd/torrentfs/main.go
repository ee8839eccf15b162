// Command torrentfs is the control CLI for a running torrentfsd daemon.
// It speaks the framed-JSON RPC over the local socket; directory-wide
// pin/unpin iterate client-side under --max-files/--max-depth bounds, while
// prefetch on a directory is sent as one command that the daemon walks
// under its own configured prefetch bounds.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/RetronetBR/torrentfs/rpc"
)

var VERSION = "0.0.0-src" //set with ldflags

func usage() {
	fmt.Fprintf(os.Stderr, `torrentfs %s - torrentfsd control client

usage: torrentfs [flags] <command> [args]

daemon:
  hello | torrents | config | cache-size | status-all
  prune-cache [--dry-run]
  downloads | peers-all | pinned-all | reannounce-all
  source-add <uri> | add-magnet <magnet>

per torrent (needs --torrent):
  status | peers | reannounce | stop | resume | recheck
  infohash | torrent-info | trackers | add-tracker <url...>
  remove-torrent
  ls [path] | stat <path> | du [path]
  file-info <path> | prefetch-info <path>
  cat <path> | read <path> <offset> <size>
  pin <path> | unpin <path> | pinned
  pin-dir <path> | unpin-dir <path> | prefetch <path>

flags:
`, VERSION)
	flag.PrintDefaults()
}

type cli struct {
	client   *rpc.Client
	torrent  string
	jsonOut  bool
	dryRun   bool
	maxFiles int
	maxDepth int
	mode     string
	timeoutS float64
}

func main() {
	var (
		socket   = flag.String("socket", "", "daemon socket path (defaults to the standard chain)")
		torrent  = flag.String("torrent", "", "torrent id or name for per-torrent commands")
		jsonOut  = flag.Bool("json", false, "print raw JSON responses")
		dryRun   = flag.Bool("dry-run", false, "prune-cache: only list candidates")
		maxFiles = flag.Int("max-files", 0, "directory commands: file limit (0 = unlimited)")
		maxDepth = flag.Int("max-depth", -1, "directory commands: depth limit (-1 = unlimited)")
		mode     = flag.String("mode", "auto", "read mode: auto|sync|async")
		timeout  = flag.Float64("timeout", 30, "read timeout in seconds (0 = wait forever)")
	)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	c := &cli{
		client:   rpc.NewClient(*socket),
		torrent:  *torrent,
		jsonOut:  *jsonOut,
		dryRun:   *dryRun,
		maxFiles: *maxFiles,
		maxDepth: *maxDepth,
		mode:     *mode,
		timeoutS: *timeout,
	}
	if err := c.run(flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "torrentfs:", err)
		os.Exit(1)
	}
}

func (c *cli) run(cmd string, args []string) error {
	switch cmd {
	case "hello", "torrents":
		resp, err := c.call(rpc.Request{Cmd: cmd})
		if err != nil {
			return err
		}
		return c.printTorrents(resp)
	case "config":
		return c.simple(rpc.Request{Cmd: "config"})
	case "cache-size":
		resp, err := c.call(rpc.Request{Cmd: "cache-size"})
		if err != nil {
			return err
		}
		if c.jsonOut {
			return printJSON(resp)
		}
		fmt.Printf("logical: %s\ndisk:    %s\n",
			humanize.IBytes(uint64(num(resp["logical_bytes"]))),
			humanize.IBytes(uint64(num(resp["disk_bytes"]))))
		return nil
	case "status-all", "downloads", "peers-all", "pinned-all":
		return c.simple(rpc.Request{Cmd: cmd, MaxFiles: c.maxFiles})
	case "reannounce-all":
		return c.simple(rpc.Request{Cmd: "reannounce-all"})
	case "prune-cache":
		resp, err := c.call(rpc.Request{Cmd: "prune-cache", DryRun: c.dryRun})
		if err != nil {
			return err
		}
		if c.jsonOut {
			return printJSON(resp)
		}
		fmt.Println("removed:", resp["removed"])
		fmt.Println("skipped:", resp["skipped"])
		return nil
	case "source-add":
		if len(args) != 1 {
			return fmt.Errorf("usage: source-add <uri>")
		}
		return c.simple(rpc.Request{Cmd: "source-add", Source: args[0]})
	case "add-magnet":
		if len(args) != 1 {
			return fmt.Errorf("usage: add-magnet <magnet>")
		}
		return c.simple(rpc.Request{Cmd: "add-magnet", Magnet: args[0]})

	case "status", "peers", "reannounce", "stop", "resume", "recheck",
		"infohash", "torrent-info", "trackers", "remove-torrent", "pinned":
		return c.simple(rpc.Request{Cmd: cmd, Torrent: c.torrent})

	case "add-tracker":
		if len(args) == 0 {
			return fmt.Errorf("usage: add-tracker <url...>")
		}
		return c.simple(rpc.Request{Cmd: "add-tracker", Torrent: c.torrent, Trackers: args})

	case "ls":
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		resp, err := c.call(rpc.Request{Cmd: "list", Torrent: c.torrent, Path: path})
		if err != nil {
			return err
		}
		if c.jsonOut {
			return printJSON(resp)
		}
		entries, _ := resp["entries"].([]interface{})
		for _, e := range entries {
			m, _ := e.(map[string]interface{})
			typ, _ := m["type"].(string)
			name, _ := m["name"].(string)
			if typ == "dir" {
				name += "/"
			}
			fmt.Printf("%10s  %s\n", humanize.IBytes(uint64(num(m["size"]))), name)
		}
		return nil
	case "stat", "file-info", "prefetch-info":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <path>", cmd)
		}
		return c.simple(rpc.Request{Cmd: cmd, Torrent: c.torrent, Path: args[0]})
	case "du":
		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		resp, err := c.call(rpc.Request{Cmd: "stat", Torrent: c.torrent, Path: path})
		if err != nil {
			return err
		}
		st, _ := resp["stat"].(map[string]interface{})
		fmt.Printf("%s\t%s\n", humanize.IBytes(uint64(num(st["size"]))), path)
		return nil

	case "cat":
		if len(args) != 1 {
			return fmt.Errorf("usage: cat <path>")
		}
		return c.cat(args[0])
	case "read":
		if len(args) != 3 {
			return fmt.Errorf("usage: read <path> <offset> <size>")
		}
		off, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad offset: %w", err)
		}
		size, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bad size: %w", err)
		}
		data, err := c.readChunk(args[0], off, size)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err

	case "pin", "unpin", "prefetch":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <path>", cmd)
		}
		return c.simple(rpc.Request{Cmd: cmd, Torrent: c.torrent, Path: args[0]})
	case "pin-dir", "unpin-dir":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <path>", cmd)
		}
		wire := "pin"
		if cmd == "unpin-dir" {
			wire = "unpin"
		}
		applied, errs := c.walkAndApply(args[0], wire)
		fmt.Printf("%s: %d applied, %d errors\n", cmd, applied, len(errs))
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, " ", e)
		}
		if len(errs) > 0 {
			return fmt.Errorf("%d paths failed", len(errs))
		}
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (c *cli) call(req rpc.Request) (rpc.Response, error) {
	resp, err := c.client.Call(req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%s", resp.Error())
	}
	return resp, nil
}

// simple runs one request and pretty-prints the response body.
func (c *cli) simple(req rpc.Request) error {
	resp, err := c.call(req)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func (c *cli) printTorrents(resp rpc.Response) error {
	if c.jsonOut {
		return printJSON(resp)
	}
	torrents, _ := resp["torrents"].([]interface{})
	if len(torrents) == 0 {
		fmt.Println("no torrents loaded")
		return nil
	}
	for _, t := range torrents {
		m, _ := t.(map[string]interface{})
		fmt.Printf("%s  %s\n", m["id"], m["name"])
	}
	return nil
}

func (c *cli) timeoutPtr() *float64 {
	if c.timeoutS <= 0 {
		return nil
	}
	t := c.timeoutS
	return &t
}

func (c *cli) readChunk(path string, off, size int64) ([]byte, error) {
	resp, data, err := c.client.CallRead(rpc.Request{
		Cmd:      "read",
		Torrent:  c.torrent,
		Path:     path,
		Offset:   off,
		Size:     size,
		Mode:     c.mode,
		TimeoutS: c.timeoutPtr(),
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%s", resp.Error())
	}
	return data, nil
}

// cat streams a whole file to stdout in bounded chunks.
func (c *cli) cat(path string) error {
	resp, err := c.call(rpc.Request{Cmd: "stat", Torrent: c.torrent, Path: path})
	if err != nil {
		return err
	}
	st, _ := resp["stat"].(map[string]interface{})
	if typ, _ := st["type"].(string); typ != "file" {
		return fmt.Errorf("%s is not a file", path)
	}
	size := num(st["size"])
	const chunk = 4 << 20
	for off := int64(0); off < size; {
		want := size - off
		if want > chunk {
			want = chunk
		}
		data, err := c.readChunk(path, off, want)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return fmt.Errorf("short read at offset %d", off)
		}
		if _, err := os.Stdout.Write(data); err != nil {
			return err
		}
		off += int64(len(data))
	}
	return nil
}

// walkAndApply recursively applies a per-file command below a directory,
// bounded by --max-files and --max-depth.
func (c *cli) walkAndApply(root, wireCmd string) (applied int, errs []string) {
	type frame struct {
		path  string
		depth int
	}
	stack := []frame{{root, 0}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		resp, err := c.call(rpc.Request{Cmd: "stat", Torrent: c.torrent, Path: cur.path})
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", cur.path, err))
			continue
		}
		st, _ := resp["stat"].(map[string]interface{})
		typ, _ := st["type"].(string)

		if typ == "file" {
			if _, err := c.call(rpc.Request{Cmd: wireCmd, Torrent: c.torrent, Path: cur.path}); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", cur.path, err))
				continue
			}
			applied++
			if c.maxFiles > 0 && applied >= c.maxFiles {
				return
			}
			continue
		}

		if c.maxDepth >= 0 && cur.depth > c.maxDepth {
			continue
		}
		lresp, err := c.call(rpc.Request{Cmd: "list", Torrent: c.torrent, Path: cur.path})
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", cur.path, err))
			continue
		}
		entries, _ := lresp["entries"].([]interface{})
		// push in reverse so traversal stays lexicographic
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			m, _ := e.(map[string]interface{})
			if name, _ := m["name"].(string); name != "" {
				names = append(names, name)
			}
		}
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
		for _, name := range names {
			child := name
			if cur.path != "" {
				child = cur.path + "/" + name
			}
			stack = append(stack, frame{child, cur.depth + 1})
		}
	}
	return
}

func num(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
