// Package supervisor hosts the connection lifecycle: it turns a
// tracker's peer list into a capped set of live TCP sessions, promotes
// a replacement when one fails or runs out of useful work, and drives
// the whole event loop from a single goroutine so PeerSession and
// Scheduler never need locks. One consumer goroutine owns all
// decisions; per-peer goroutines are demoted to pure byte producers.
package supervisor

import (
	"context"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"bittorrent/config"
	"bittorrent/internal/bterr"
	"bittorrent/metainfo"
	"bittorrent/peer"
	"bittorrent/scheduler"
	"bittorrent/tracker"
)

// idleCheckInterval is how often the event loop sweeps connected peers
// for cfg.IdleTimeout expiry. Independent of IdleTimeout itself so the
// sweep stays cheap even when IdleTimeout is configured very small.
const idleCheckInterval = 10 * time.Second

// Dialer opens the TCP connection to a peer. Production code uses
// net.Dialer.DialContext; tests inject a fake.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

type peerRecord struct {
	addr      string
	session   *peer.Session
	connected bool
	failed    bool
}

type event struct {
	idx  int
	data []byte
	err  error
}

// Supervisor owns the capped set of live peer connections for one torrent.
type Supervisor struct {
	meta    *metainfo.Metainfo
	cfg     config.Config
	tracker *tracker.Client
	sched   *scheduler.Scheduler
	dial    Dialer
	clk     clock.Clock
	log     *zap.Logger

	records []*peerRecord
	// active is touched only from the single event-loop goroutine today,
	// but is kept atomic so a future status collaborator (e.g. a progress
	// reporter polling ActivePeerCount from another goroutine) never
	// races with it.
	active *atomic.Int32

	events chan event
	stop   chan struct{}
}

// New constructs a Supervisor. dial and clk may be nil to use
// production defaults (net.Dialer.DialContext and the real clock).
func New(meta *metainfo.Metainfo, cfg config.Config, trackerClient *tracker.Client, sched *scheduler.Scheduler, dial Dialer, clk clock.Clock, log *zap.Logger) *Supervisor {
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		meta:    meta,
		cfg:     cfg,
		tracker: trackerClient,
		sched:   sched,
		dial:    dial,
		clk:     clk,
		log:     log,
		active:  atomic.NewInt32(0),
		events:  make(chan event, 64),
		stop:    make(chan struct{}),
	}
}

// handlerAdapter forwards SelectPiece/HandleBlock to the scheduler and
// additionally routes PeerStopped through the supervisor's own
// replacement policy, since the scheduler alone has no notion of
// concurrent connection slots.
type handlerAdapter struct {
	sched     *scheduler.Scheduler
	onStopped func(p *peer.Session)
}

func (h *handlerAdapter) SelectPiece(p *peer.Session) (int, bool) { return h.sched.SelectPiece(p) }

func (h *handlerAdapter) HandleBlock(p *peer.Session, pieceIndex, begin int, data []byte) {
	h.sched.HandleBlock(p, pieceIndex, begin, data)
}

func (h *handlerAdapter) PeerStopped(p *peer.Session) {
	h.sched.PeerStopped(p)
	if h.onStopped != nil {
		h.onStopped(p)
	}
}

// Start announces to the tracker, registers the discovered peers, opens
// the first MaxPeers sessions, then runs the event loop until the
// torrent completes, ctx is cancelled, or Stop is called.
func (s *Supervisor) Start(ctx context.Context) error {
	peers, err := s.tracker.Announce(s.meta, s.cfg.PeerID, s.cfg.ListenPort)
	if err != nil {
		return err
	}
	s.registerPeers(peers)

	for i := range s.records {
		if int(s.active.Load()) >= s.cfg.MaxPeers {
			break
		}
		s.connect(ctx, i)
	}

	return s.loop(ctx)
}

// Stop ends the event loop started by Start.
func (s *Supervisor) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

func (s *Supervisor) registerPeers(peers []tracker.Peer) {
	for _, p := range peers {
		s.records = append(s.records, &peerRecord{addr: p.String()})
	}
}

func (s *Supervisor) connect(ctx context.Context, idx int) {
	rec := s.records[idx]
	rec.connected = true
	s.active.Inc()

	adapter := &handlerAdapter{sched: s.sched, onStopped: func(p *peer.Session) {
		s.retirePeer(idx)
		s.promoteReplacement(ctx)
	}}
	sess := peer.NewSession(rec.addr, s.meta.InfoHash, s.cfg.PeerID, s.cfg.BlockLength, s.meta, adapter, s.clk, s.log)
	rec.session = sess
	s.sched.AddPeer(sess)

	go s.runConnection(ctx, idx, rec)
}

func (s *Supervisor) runConnection(ctx context.Context, idx int, rec *peerRecord) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := s.dial(dialCtx, "tcp", rec.addr)
	cancel()
	if err != nil {
		s.events <- event{idx: idx, err: err}
		return
	}

	if err := rec.session.Attach(conn); err != nil {
		s.events <- event{idx: idx, err: err}
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.events <- event{idx: idx, data: append([]byte(nil), buf[:n]...)}
		}
		if err != nil {
			s.events <- event{idx: idx, err: err}
			return
		}
	}
}

func (s *Supervisor) loop(ctx context.Context) error {
	ticker := s.clk.Ticker(idleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-ticker.C:
			s.closeIdlePeers(ctx)
			if s.sched.IsComplete() {
				s.closeAll()
				return nil
			}
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
			if s.sched.IsComplete() {
				s.closeAll()
				return nil
			}
		}
	}
}

// closeIdlePeers retires every connected session that has produced no
// readable data for cfg.IdleTimeout and promotes a replacement for each.
func (s *Supervisor) closeIdlePeers(ctx context.Context) {
	for i, rec := range s.records {
		if !rec.connected || rec.failed || rec.session == nil {
			continue
		}
		if rec.session.IsIdle(s.cfg.IdleTimeout) {
			rec.session.Close(bterr.ErrIdleTimeout)
			s.retirePeer(i)
			s.promoteReplacement(ctx)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev event) {
	rec := s.records[ev.idx]
	if rec.failed {
		return // already retired; a late event from its goroutine
	}
	if ev.err != nil {
		s.retirePeer(ev.idx)
		s.promoteReplacement(ctx)
		return
	}
	if err := rec.session.Feed(ev.data); err != nil {
		rec.session.Close(err)
		s.retirePeer(ev.idx)
		s.promoteReplacement(ctx)
	}
}

// retirePeer marks a peer permanently unusable and releases any piece
// claim it held in the scheduler. Idempotent.
func (s *Supervisor) retirePeer(idx int) {
	rec := s.records[idx]
	if rec.failed {
		return
	}
	if rec.session != nil {
		rec.session.Close(nil)
		s.sched.PeerStopped(rec.session)
	}
	if rec.connected {
		s.active.Dec()
	}
	rec.failed = true
	rec.connected = false
}

// promoteReplacement runs whenever a peer stops: if the torrent isn't
// already complete and active peers are below the cap, scan ALL
// unconnected, non-failed peers in order and connect the first one.
// Must scan the whole list, not just the entries beyond the initial
// max_peers slice, or a peer discovered late can never be tried.
func (s *Supervisor) promoteReplacement(ctx context.Context) {
	if s.sched.IsComplete() {
		return
	}
	if int(s.active.Load()) >= s.cfg.MaxPeers {
		return
	}
	for i, rec := range s.records {
		if !rec.connected && !rec.failed {
			s.connect(ctx, i)
			return
		}
	}
}

func (s *Supervisor) closeAll() {
	for _, rec := range s.records {
		if rec.session != nil {
			rec.session.Close(nil)
		}
	}
}

// ActivePeerCount reports the number of currently connected, non-failed
// sessions; it must never exceed cfg.MaxPeers.
func (s *Supervisor) ActivePeerCount() int { return int(s.active.Load()) }
