// Package scheduler holds torrent-wide piece/block bookkeeping: which
// pieces are complete, which blocks are in flight for the rest, which
// peer is currently filling which piece, and the selection policy that
// decides a peer's next piece. It implements peer.Handler, splitting
// piece selection and block ingestion into two explicit entry points.
package scheduler

import (
	"crypto/sha1"
	"math/rand"
	"sort"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"bittorrent/bitfield"
	"bittorrent/metainfo"
	"bittorrent/peer"
)

type block struct {
	begin int
	data  []byte
}

// CompletionCallbacks are the two progress notification hooks a caller
// may supply.
type CompletionCallbacks struct {
	// OnCompletedPiece fires once per piece, in commitment order.
	OnCompletedPiece func(index int, data []byte)
	// OnCompletedTorrent fires at most once, with pieces concatenated in
	// index order.
	OnCompletedTorrent func(image []byte)
}

// Scheduler holds a torrent's piece/block state. It is touched only
// from the single supervisor event-loop goroutine; it holds no locks.
type Scheduler struct {
	meta *metainfo.Metainfo

	complete      map[int][]byte
	inProgress    map[int][]block
	pieceRequests map[int]*peer.Session
	peers         []*peer.Session

	blockLength int
	rng         *rand.Rand

	callbacks  CompletionCallbacks
	isComplete *atomic.Bool

	log *zap.Logger
}

// New constructs a Scheduler for a torrent described by meta. rngSeed
// makes the random fallback candidate in select_piece reproducible in
// tests; production callers may pass time-derived entropy captured
// before the event loop starts.
func New(meta *metainfo.Metainfo, blockLength int, callbacks CompletionCallbacks, rngSeed int64, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		meta:          meta,
		complete:      make(map[int][]byte),
		inProgress:    make(map[int][]block),
		pieceRequests: make(map[int]*peer.Session),
		blockLength:   blockLength,
		rng:           rand.New(rand.NewSource(rngSeed)),
		callbacks:     callbacks,
		isComplete:    atomic.NewBool(false),
		log:           log,
	}
}

// AddPeer registers a session so commit can find and clear any stale
// piece request it holds on another peer's behalf.
func (s *Scheduler) AddPeer(p *peer.Session) {
	s.peers = append(s.peers, p)
}

// IsComplete reports whether every piece has been committed. Backed by
// an atomic.Bool so a status collaborator on another goroutine (e.g. a
// progress reporter) can poll it without touching the event-loop's
// exclusive state.
func (s *Scheduler) IsComplete() bool { return s.isComplete.Load() }

// CompletedPieceCount reports how many pieces have committed, for
// progress reporting.
func (s *Scheduler) CompletedPieceCount() int { return len(s.complete) }

// SelectPiece implements peer.Handler: ascending unrequested pieces
// first, falling back to a random still-incomplete piece the peer has.
func (s *Scheduler) SelectPiece(p *peer.Session) (int, bool) {
	n := s.meta.PieceCount()

	for i := 0; i < n; i++ {
		if s.isUnrequested(i) && p.PeerHas.Test(uint(i)) {
			s.pieceRequests[i] = p
			return i, true
		}
	}

	candidates := bitfield.Candidates(p.PeerHas, func(i int) bool {
		_, done := s.complete[i]
		return done
	}, n)
	if len(candidates) == 0 {
		return 0, false
	}
	idx := candidates[s.rng.Intn(len(candidates))]
	s.pieceRequests[idx] = p
	return idx, true
}

func (s *Scheduler) isUnrequested(i int) bool {
	if _, done := s.complete[i]; done {
		return false
	}
	_, requested := s.pieceRequests[i]
	return !requested
}

// HandleBlock implements peer.Handler, assembling and committing blocks
// as they arrive.
func (s *Scheduler) HandleBlock(p *peer.Session, pieceIndex, begin int, data []byte) {
	if _, done := s.complete[pieceIndex]; done {
		return // discard; piece already committed
	}

	for _, b := range s.inProgress[pieceIndex] {
		if b.begin == begin {
			p.RequestNextBlock(pieceIndex, begin) // idempotent re-delivery
			return
		}
	}

	cp := append([]byte(nil), data...)
	s.inProgress[pieceIndex] = append(s.inProgress[pieceIndex], block{begin: begin, data: cp})

	var total int
	for _, b := range s.inProgress[pieceIndex] {
		total += len(b.data)
	}

	expected := s.meta.ExpectedPieceLength(pieceIndex)
	if int64(total) < expected {
		p.RequestNextBlock(pieceIndex, begin)
		return
	}

	s.commit(pieceIndex, p)
}

func (s *Scheduler) commit(pieceIndex int, fromPeer *peer.Session) {
	buffered := s.inProgress[pieceIndex]
	sorted := append([]block(nil), buffered...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].begin < sorted[j].begin })

	assembled := make([]byte, 0, s.meta.ExpectedPieceLength(pieceIndex))
	for _, b := range sorted {
		assembled = append(assembled, b.data...)
	}

	sum := sha1.Sum(assembled)
	if sum != s.meta.Pieces[pieceIndex] {
		s.log.Warn("piece hash mismatch, resetting", zap.Int("piece", pieceIndex))
		delete(s.inProgress, pieceIndex)
		delete(s.pieceRequests, pieceIndex)
		fromPeer.RequestedPiece = nil
		return
	}

	s.complete[pieceIndex] = assembled
	delete(s.inProgress, pieceIndex)
	delete(s.pieceRequests, pieceIndex)

	if s.callbacks.OnCompletedPiece != nil {
		s.callbacks.OnCompletedPiece(pieceIndex, assembled)
	}

	fromPeer.RequestedPiece = nil
	fromPeer.Drive()

	// A peer other than the one that completed this piece may still be
	// holding it as its own requested_piece (e.g. left over from a
	// hash-mismatch reset that happened before this peer re-won the
	// piece). Clear it so that peer is re-driven on its next message.
	for _, other := range s.peers {
		if other == fromPeer {
			continue
		}
		if other.RequestedPiece != nil && *other.RequestedPiece == pieceIndex {
			other.RequestedPiece = nil
		}
	}

	if len(s.complete) == s.meta.PieceCount() {
		s.finish()
	}
}

func (s *Scheduler) finish() {
	if !s.isComplete.CAS(false, true) {
		return
	}

	image := make([]byte, 0, s.meta.TotalLength())
	for i := 0; i < s.meta.PieceCount(); i++ {
		image = append(image, s.complete[i]...)
	}

	if s.callbacks.OnCompletedTorrent != nil {
		s.callbacks.OnCompletedTorrent(image)
	}
}

// PeerStopped implements peer.Handler: release any outstanding piece
// claim so select_piece can hand that piece to another peer, and drop
// the session from the registry commit sweeps.
func (s *Scheduler) PeerStopped(p *peer.Session) {
	for idx, holder := range s.pieceRequests {
		if holder == p {
			delete(s.pieceRequests, idx)
		}
	}
	for i, other := range s.peers {
		if other == p {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			break
		}
	}
}
