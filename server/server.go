package server

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"os"

	"github.com/RetronetBR/torrentfs/engine"
	"github.com/RetronetBR/torrentfs/rpc"
)

// Server accepts RPC connections on a local stream socket. Each
// connection gets its own worker; within a connection commands run
// strictly in arrival order, so a slow read only delays that client.
type Server struct {
	socketPath string
	manager    *Manager
	sources    *SourceRegistry

	ln     net.Listener
	closed chan struct{}
}

func NewServer(socketPath string, manager *Manager, sources *SourceRegistry) *Server {
	return &Server{
		socketPath: socketPath,
		manager:    manager,
		sources:    sources,
		closed:     make(chan struct{}),
	}
}

// Run binds the socket and serves until Close.
func (s *Server) Run() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		os.Remove(s.socketPath)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	os.Chmod(s.socketPath, 0o660)
	s.ln = ln
	log.Printf("[rpc] listening on %s", s.socketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			log.Println("[rpc] accept:", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}
	if s.ln != nil {
		s.ln.Close()
	}
	os.Remove(s.socketPath)
}

// handleConn runs one connection. A pump goroutine reads frames so a
// dropped client wakes any command blocked mid-read through the cancel
// channel; the worker drains the frame queue sequentially.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	cancel := make(chan struct{})
	frames := make(chan []byte)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(frames)
		defer close(cancel)
		for {
			b, err := rpc.ReadFrame(conn)
			if err != nil {
				return
			}
			select {
			case frames <- b:
			case <-done:
				return
			case <-s.closed:
				return
			}
		}
	}()

	for b := range frames {
		req, err := decodeRequest(b)
		if err != nil {
			// decoding errors poison the stream; close the connection
			log.Println("[rpc] bad frame:", err)
			return
		}
		resp, tail := s.dispatch(req, cancel)
		if err := rpc.WriteJSON(conn, resp); err != nil {
			return
		}
		if tail != nil {
			if err := rpc.WriteRaw(conn, tail); err != nil {
				return
			}
		}
	}
}

func decodeRequest(b []byte) (rpc.Request, error) {
	var req rpc.Request
	err := json.Unmarshal(b, &req)
	return req, err
}

// dispatch executes one command. The returned tail, when non-nil, is the
// raw payload the read command appends after its JSON header.
func (s *Server) dispatch(req rpc.Request, cancel <-chan struct{}) (rpc.Response, []byte) {
	switch req.Cmd {

	case "hello":
		return rpc.Ok(req.ID, map[string]interface{}{
			"name":     "torrentfsd",
			"torrents": s.manager.ListTorrents(),
		}), nil

	case "torrents":
		return rpc.Ok(req.ID, map[string]interface{}{
			"torrents": s.manager.ListTorrents(),
		}), nil

	case "config":
		return rpc.Ok(req.ID, map[string]interface{}{
			"config": s.manager.Config(),
		}), nil

	case "status-all":
		totals, statuses := s.manager.StatusAll()
		return rpc.Ok(req.ID, map[string]interface{}{
			"totals":   totals,
			"torrents": statuses,
		}), nil

	case "reannounce-all":
		s.manager.ReannounceAll()
		return rpc.Ok(req.ID, nil), nil

	case "cache-size":
		logical, disk := s.manager.CacheSize()
		return rpc.Ok(req.ID, map[string]interface{}{
			"logical_bytes": logical,
			"disk_bytes":    disk,
		}), nil

	case "prune-cache":
		removed, skipped := s.manager.PruneCache(req.DryRun)
		return rpc.Ok(req.ID, map[string]interface{}{
			"removed": emptyNotNil(removed),
			"skipped": emptyNotNil(skipped),
		}), nil

	case "downloads":
		return rpc.Ok(req.ID, map[string]interface{}{
			"torrents": s.manager.Downloads(req.MaxFiles),
		}), nil

	case "peers-all":
		return rpc.Ok(req.ID, map[string]interface{}{
			"torrents": s.manager.PeersAll(),
		}), nil

	case "pinned-all":
		return rpc.Ok(req.ID, map[string]interface{}{
			"pins": s.manager.PinsAll(),
		}), nil

	case "remove-torrent":
		if err := s.manager.Remove(req.Torrent, false); err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, nil), nil

	case "source-add":
		id, err := s.sources.Add(req.Source)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, map[string]interface{}{"id": id}), nil

	case "add-magnet":
		id, err := s.sources.Add(req.Magnet)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, map[string]interface{}{"id": id}), nil

	case "status":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, map[string]interface{}{"status": eng.Status()}), nil

	case "reannounce":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		eng.Reannounce()
		return rpc.Ok(req.ID, nil), nil

	case "stop":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		eng.Stop()
		return rpc.Ok(req.ID, nil), nil

	case "resume":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		eng.Resume()
		return rpc.Ok(req.ID, nil), nil

	case "recheck":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		eng.Recheck(s.manager.CheckingSlot())
		return rpc.Ok(req.ID, nil), nil

	case "infohash":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, map[string]interface{}{"info": eng.InfohashSummary()}), nil

	case "torrent-info":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, map[string]interface{}{"info": eng.Summary()}), nil

	case "trackers":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, map[string]interface{}{"trackers": eng.TrackerURLs()}), nil

	case "add-tracker":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		added, skipped := eng.AddTrackers(req.Trackers)
		return rpc.Ok(req.ID, map[string]interface{}{
			"added":   emptyNotNil(added),
			"skipped": emptyNotNil(skipped),
		}), nil

	case "peers":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, map[string]interface{}{"peers": eng.Peers()}), nil

	case "list":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		entries, err := eng.List(req.Path)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, map[string]interface{}{"entries": entries}), nil

	case "stat":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		ent, err := eng.Stat(req.Path)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		st := map[string]interface{}{"type": ent.Type, "size": ent.Size}
		if ent.File != nil {
			st["file_index"] = ent.File.Index
		}
		return rpc.Ok(req.ID, map[string]interface{}{"stat": st}), nil

	case "file-info":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		info, err := eng.FileInfo(req.Path)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, map[string]interface{}{"info": info}), nil

	case "prefetch-info":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		info, err := eng.PrefetchInfo(req.Path)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, map[string]interface{}{"info": info}), nil

	case "prefetch":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		var perr error
		s.manager.withPrefetchSlot(func() {
			perr = eng.Prefetch(req.Path)
		})
		if perr != nil {
			return s.fail(req.ID, perr), nil
		}
		return rpc.Ok(req.ID, nil), nil

	case "pin":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		if err := eng.Pin(req.Path); err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, nil), nil

	case "unpin":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		if err := eng.Unpin(req.Path); err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, nil), nil

	case "pinned":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, map[string]interface{}{"pins": eng.Pins()}), nil

	case "read":
		eng, err := s.manager.Resolve(req.Torrent)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		data, err := eng.Read(req.Path, req.Offset, req.Size, req.Mode, req.TimeoutS, cancel)
		if err != nil {
			return s.fail(req.ID, err), nil
		}
		return rpc.Ok(req.ID, map[string]interface{}{"data_len": len(data)}), data

	default:
		return rpc.Fail(req.ID, rpc.Errorf(rpc.ErrUnknownCommand, req.Cmd)), nil
	}
}

// fail translates internal errors onto wire tokens.
func (s *Server) fail(id string, err error) rpc.Response {
	return rpc.Fail(id, errorToken(err))
}

func errorToken(err error) string {
	var nf *NotFoundError
	var amb *AmbiguousError
	var te *engine.TorrentError
	switch {
	case errors.Is(err, ErrTorrentRequired):
		return rpc.ErrTorrentRequired
	case errors.As(err, &nf):
		return rpc.Errorf(rpc.ErrTorrentNotFound, nf.Token)
	case errors.As(err, &amb):
		return rpc.Errorf(rpc.ErrTorrentNameAmbiguous, amb.Name)
	case errors.Is(err, engine.ErrFileNotFound):
		return rpc.ErrFileNotFound
	case errors.Is(err, engine.ErrNotADirectory):
		return rpc.ErrNotADirectory
	case errors.Is(err, engine.ErrIsADirectory):
		return rpc.ErrIsADirectory
	case errors.Is(err, engine.ErrPathUnsafe):
		return rpc.ErrPathUnsafe
	case errors.Is(err, engine.ErrReadSizeInvalid):
		return rpc.ErrReadSizeInvalid
	case errors.Is(err, engine.ErrWouldBlock):
		return rpc.ErrWouldBlock
	case errors.Is(err, engine.ErrTimeout):
		return rpc.ErrTimeout
	case errors.Is(err, engine.ErrCancelled):
		return rpc.ErrCancelled
	case errors.As(err, &te):
		return rpc.Errorf(rpc.ErrTorrentError, te.Msg)
	default:
		return rpc.Errorf(rpc.ErrIOError, err.Error())
	}
}

func emptyNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
