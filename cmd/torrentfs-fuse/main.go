//go:build !windows

// Command torrentfs-fuse mounts a running torrentfsd daemon as a
// read-only filesystem.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/anacrolix/fuse"
	fusefs "github.com/anacrolix/fuse/fs"

	torrentfs "github.com/RetronetBR/torrentfs/fs"
)

func main() {
	var (
		socket          = flag.String("socket", "", "daemon socket path (defaults to the standard chain)")
		readTimeout     = flag.Float64("read-timeout", 60, "per-read piece wait in seconds")
		readdirPrefetch = flag.Int("readdir-prefetch", 0, "prefetch up to N files per directory listing (0 = off)")
		prefetchMode    = flag.String("readdir-prefetch-mode", "media", "readdir prefetch filter: media|all")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: torrentfs-fuse [flags] <mountpoint>\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	mountDir := flag.Arg(0)

	if err := mainErr(mountDir, torrentfs.Options{
		Socket:          *socket,
		ReadTimeoutS:    *readTimeout,
		ReaddirPrefetch: *readdirPrefetch,
		PrefetchMode:    *prefetchMode,
	}); err != nil {
		log.Fatal("[torrentfs-fuse] ", err)
	}
}

func mainErr(mountDir string, opts torrentfs.Options) error {
	conn, err := fuse.Mount(mountDir, fuse.ReadOnly())
	if err != nil {
		return fmt.Errorf("mounting: %w", err)
	}
	defer fuse.Unmount(mountDir)
	defer conn.Close()

	tfs := torrentfs.New(opts)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigc {
			tfs.Destroy()
			if err := fuse.Unmount(mountDir); err != nil {
				log.Print(err)
			}
		}
	}()

	if err := fusefs.Serve(conn, tfs); err != nil {
		return fmt.Errorf("serving fuse fs: %w", err)
	}
	<-conn.Ready
	if err := conn.MountError; err != nil {
		return fmt.Errorf("mount error: %w", err)
	}
	return nil
}
