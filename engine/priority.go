package engine

import (
	"sync"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/types"
)

// Level is the piece priority ladder used across reads, pins and prefetch.
// Levels combine by elementwise max; the winner is translated to a session
// priority when applied.
type Level uint8

const (
	LevelOff      Level = 0
	LevelDefault  Level = 1
	LevelPrefetch Level = 6
	LevelTop      Level = 7
)

// deadlineWindow is how many missing pieces of an active read are marked
// most-urgent at once; pieces past the window stay queued behind them so
// the swarm is asked for data in stream order.
const deadlineWindow = 4

type span struct {
	p0, p1 int // inclusive
}

func (s span) contains(piece int) bool { return piece >= s.p0 && piece <= s.p1 }

// pieceController is the slice of the session handle the priority and
// scheduling machinery needs. *torrent.Torrent satisfies it via
// torrentController; tests substitute a fake swarm.
type pieceController interface {
	numPieces() int
	pieceComplete(piece int) bool
	setPiecePriority(piece int, pri types.PiecePriority)
}

type torrentController struct {
	t *torrent.Torrent
}

func (c torrentController) numPieces() int { return c.t.NumPieces() }

func (c torrentController) pieceComplete(piece int) bool {
	return c.t.PieceState(piece).Complete
}

func (c torrentController) setPiecePriority(piece int, pri types.PiecePriority) {
	c.t.Piece(piece).SetPriority(pri)
}

// ledger is the per-torrent authority on piece priorities. It records
// every source of demand (outstanding reads, pins, prefetch ranges, and
// the residual floor left behind by finished reads) and recomputes the
// effective per-piece priority as the elementwise max, diffing against the
// last applied state so only changed pieces touch the session.
type ledger struct {
	mu   sync.Mutex
	ctrl pieceController

	reads    map[uint64]span
	pins     map[string]span
	prefetch map[string][]span
	residual []bool

	applied []types.PiecePriority
}

func newLedger(ctrl pieceController) *ledger {
	n := ctrl.numPieces()
	applied := make([]types.PiecePriority, n)
	for i := range applied {
		applied[i] = torrent.PiecePriorityNone
	}
	return &ledger{
		ctrl:     ctrl,
		reads:    map[uint64]span{},
		pins:     map[string]span{},
		prefetch: map[string][]span{},
		residual: make([]bool, n),
		applied:  applied,
	}
}

func (l *ledger) addRead(id uint64, s span) {
	l.mu.Lock()
	l.reads[id] = s
	l.mu.Unlock()
	l.Apply()
}

// removeRead drops a read's demand, leaving the default-priority floor on
// the pieces it touched. Pieces still covered by a pin, a prefetch range
// or another read keep their elevated priority through the max combinator.
func (l *ledger) removeRead(id uint64) {
	l.mu.Lock()
	if s, ok := l.reads[id]; ok {
		delete(l.reads, id)
		for p := s.p0; p <= s.p1 && p < len(l.residual); p++ {
			l.residual[p] = true
		}
	}
	l.mu.Unlock()
	l.Apply()
}

func (l *ledger) setPin(path string, s span) {
	l.mu.Lock()
	l.pins[path] = s
	l.mu.Unlock()
	l.Apply()
}

func (l *ledger) removePin(path string) {
	l.mu.Lock()
	delete(l.pins, path)
	l.mu.Unlock()
	l.Apply()
}

func (l *ledger) setPrefetch(path string, spans []span) {
	l.mu.Lock()
	l.prefetch[path] = spans
	l.mu.Unlock()
	l.Apply()
}

// Covered reports whether any pin or prefetch range includes the piece.
func (l *ledger) Covered(piece int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.pins {
		if s.contains(piece) {
			return true
		}
	}
	for _, spans := range l.prefetch {
		for _, s := range spans {
			if s.contains(piece) {
				return true
			}
		}
	}
	return false
}

// Level reports the effective demand level for a piece.
func (l *ledger) Level(piece int) Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.levelLocked(piece)
}

func (l *ledger) levelLocked(piece int) Level {
	level := LevelOff
	if piece < len(l.residual) && l.residual[piece] {
		level = LevelDefault
	}
	for _, spans := range l.prefetch {
		for _, s := range spans {
			if s.contains(piece) && level < LevelPrefetch {
				level = LevelPrefetch
			}
		}
	}
	for _, s := range l.pins {
		if s.contains(piece) && level < LevelTop {
			level = LevelTop
		}
	}
	for _, s := range l.reads {
		if s.contains(piece) {
			return LevelTop
		}
	}
	return level
}

// Apply recomputes effective priorities and pushes changed pieces to the
// session. Read-demand pieces are staggered: the first deadlineWindow
// missing pieces (in piece order) are marked Now, later ones Next, which
// realizes the earlier-deadline-first ordering of streaming reads. Other
// pieces map top to Readahead and prefetch to High, keeping pins above
// prefetch in the session's own ordering.
func (l *ledger) Apply() {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.applied)
	nowBudget := deadlineWindow
	for piece := 0; piece < n; piece++ {
		inRead := false
		for _, s := range l.reads {
			if s.contains(piece) {
				inRead = true
				break
			}
		}

		var want types.PiecePriority
		switch {
		case inRead && !l.ctrl.pieceComplete(piece):
			if nowBudget > 0 {
				nowBudget--
				want = torrent.PiecePriorityNow
			} else {
				want = torrent.PiecePriorityNext
			}
		default:
			switch l.levelLocked(piece) {
			case LevelTop:
				want = torrent.PiecePriorityReadahead
			case LevelPrefetch:
				want = torrent.PiecePriorityHigh
			case LevelDefault:
				want = torrent.PiecePriorityNormal
			default:
				want = torrent.PiecePriorityNone
			}
		}

		if l.applied[piece] != want {
			l.applied[piece] = want
			l.ctrl.setPiecePriority(piece, want)
		}
	}
}
