package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jpillora/opts"

	"github.com/RetronetBR/torrentfs/engine"
	"github.com/RetronetBR/torrentfs/rpc"
	"github.com/RetronetBR/torrentfs/server"
)

var VERSION = "0.0.0-src" //set with ldflags

type daemon struct {
	Torrent    []string `help:"load this .torrent file at startup (repeatable)"`
	TorrentDir string   `help:"watched directory of .torrent files"`
	Cache      string   `help:"cache root directory"`
	Socket     string   `help:"RPC socket path" env:"TORRENTFSD_SOCKET"`
	Prefetch   bool     `help:"prefetch head/tail ranges when torrents load"`
	SkipCheck  bool     `help:"skip hash checking of existing cache data"`
	Config     string   `help:"configuration file path" env:"TORRENTFSD_CONFIG"`
}

func main() {
	d := daemon{}
	o := opts.New(&d)
	o.Version(VERSION)
	o.SetLineWidth(96)
	o.Parse()

	if err := d.run(); err != nil {
		log.Fatal("[torrentfsd] ", err)
	}
}

func (d *daemon) run() error {
	cfg, err := engine.InitConf(d.Config)
	if err != nil {
		return err
	}
	// flags override the config file
	if d.TorrentDir != "" {
		if cfg.WatchDirectory, err = filepath.Abs(d.TorrentDir); err != nil {
			return err
		}
	}
	if d.Cache != "" {
		if cfg.CacheRoot, err = filepath.Abs(d.Cache); err != nil {
			return err
		}
	}
	if d.Socket != "" {
		cfg.Socket = d.Socket
	}
	if d.Prefetch {
		cfg.Prefetch.OnStart = true
	}
	if d.SkipCheck {
		cfg.SkipCheck = true
	}
	socketPath := rpc.SocketCandidates(cfg.Socket)[0]

	manager, err := server.NewManager(cfg)
	if err != nil {
		return err
	}

	for _, path := range d.Torrent {
		if _, err := manager.AddTorrentFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}

	watcher, err := server.NewWatcher(cfg.WatchDirectory, manager)
	if err != nil {
		return err
	}
	go watcher.Run()

	sources := server.NewSourceRegistry(manager, cfg.WatchDirectory)
	srv := server.NewServer(socketPath, manager, sources)

	// teardown in reverse construction order on the first signal
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		log.Printf("[torrentfsd] %s, shutting down", sig)
		srv.Close()
		watcher.Close()
		manager.Close()
		os.Exit(0)
	}()

	return srv.Run()
}
