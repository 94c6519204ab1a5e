// Package peer implements the per-connection BitTorrent wire protocol
// engine: handshake framing, length-prefixed message framing, and the
// small state machine driven by remote messages and local choices. It
// knows nothing of piece selection or torrent-wide bookkeeping; those
// decisions are delegated to an injected Handler, so a Session calls
// back into its owner for every piece/block decision instead of making
// one itself.
package peer

import (
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
	"go.uber.org/zap"

	"bittorrent/bitfield"
	"bittorrent/internal/bterr"
)

// State is a Session's position in the connection state machine.
// Closed is terminal; there are no transitions out of it.
type State int

const (
	Dialing State = iota
	AwaitingHandshake
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Dialing:
		return "dialing"
	case AwaitingHandshake:
		return "awaiting_handshake"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// PieceSizer is the subset of metainfo.Metainfo a session needs to pace
// block requests. metainfo.Metainfo satisfies this interface directly.
type PieceSizer interface {
	ExpectedPieceLength(i int) int64
	PieceCount() int
}

// Handler is the torrent-wide callback surface a session drives. The
// scheduler package implements it.
type Handler interface {
	// SelectPiece chooses the next piece to request from this session.
	// ok is false when this peer has nothing useful left to request.
	SelectPiece(p *Session) (index int, ok bool)
	// HandleBlock forwards a received block to torrent-wide piece
	// assembly.
	HandleBlock(p *Session, pieceIndex, begin int, block []byte)
	// PeerStopped notifies that the session ended; the supervisor may
	// promote a replacement peer.
	PeerStopped(p *Session)
}

// Session is one peer's connection state plus the protocol engine
// driving it. A Session is only ever touched from the single
// event-loop goroutine that owns it; it holds no locks.
type Session struct {
	Endpoint  string
	PeerID    [20]byte // valid once HasPeerID is true
	HasPeerID bool

	PeerHas *bitset.BitSet

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	RequestedPiece *int

	conn  net.Conn
	state State

	handshakeSent bool
	recvBuffer    []byte

	infoHash    [20]byte
	localPeerID [20]byte
	blockLength int

	sizer   PieceSizer
	handler Handler

	clk          clock.Clock
	lastActivity time.Time

	log *zap.Logger
}

// NewSession constructs a session in the Dialing state. Call Attach once
// the TCP connection is established.
func NewSession(
	endpoint string,
	infoHash, localPeerID [20]byte,
	blockLength int,
	sizer PieceSizer,
	handler Handler,
	clk clock.Clock,
	log *zap.Logger,
) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		Endpoint:       endpoint,
		PeerHas:        bitfield.New(sizer.PieceCount()),
		AmChoking:      true,
		AmInterested:   false,
		PeerChoking:    true,
		PeerInterested: false,
		state:          Dialing,
		infoHash:       infoHash,
		localPeerID:    localPeerID,
		blockLength:    blockLength,
		sizer:          sizer,
		handler:        handler,
		clk:            clk,
		lastActivity:   clk.Now(),
		log:            log.With(zap.String("peer", endpoint)),
	}
}

// State returns the session's current position in the state machine.
func (s *Session) State() State { return s.state }

// Attach binds the session to an established TCP connection and sends
// the outbound handshake immediately.
func (s *Session) Attach(conn net.Conn) error {
	s.conn = conn
	s.state = AwaitingHandshake
	s.lastActivity = s.clk.Now()
	return s.sendHandshake()
}

func (s *Session) sendHandshake() error {
	if s.handshakeSent {
		return nil
	}
	_, err := s.conn.Write(encodeHandshake(s.infoHash, s.localPeerID))
	s.handshakeSent = true
	if err != nil {
		s.log.Debug("handshake write failed", zap.Error(err))
	}
	return err
}

// Close transitions the session to Closed and closes its transport. It
// is idempotent.
func (s *Session) Close(reason error) {
	if s.state == Closed {
		return
	}
	s.state = Closed
	s.RequestedPiece = nil
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if reason != nil {
		s.log.Debug("session closed", zap.Error(reason))
	}
}

// IsIdle reports whether the session has produced no readable data for
// at least timeout. A session that has never received data counts from
// its creation.
func (s *Session) IsIdle(timeout time.Duration) bool {
	return s.clk.Now().Sub(s.lastActivity) >= timeout
}

// Feed appends newly read bytes and parses as many complete frames as
// are available, dispatching their effects. It returns an error on a
// protocol violation (unrecognized handshake, unknown message id); the
// caller must then Close the session and notify the handler.
func (s *Session) Feed(data []byte) error {
	s.lastActivity = s.clk.Now()
	s.recvBuffer = append(s.recvBuffer, data...)

	for len(s.recvBuffer) > 0 {
		var consumed int
		var err error

		if s.state == AwaitingHandshake {
			consumed, err = s.feedHandshake()
		} else {
			consumed, err = s.feedMessage()
		}
		if err != nil {
			return err
		}
		if consumed == 0 {
			break
		}
		s.recvBuffer = s.recvBuffer[consumed:]
	}
	return nil
}

func (s *Session) feedHandshake() (int, error) {
	_, remotePeerID, consumed, err := decodeHandshake(s.recvBuffer)
	if err != nil {
		return 0, bterr.Wrap(bterr.ErrUnrecognizedProtocol, "%s: %v", s.Endpoint, err)
	}
	if consumed == 0 {
		return 0, nil
	}
	s.PeerID = remotePeerID
	s.HasPeerID = true
	s.state = Active
	s.log.Debug("handshake complete")
	s.Drive()
	return consumed, nil
}

func (s *Session) feedMessage() (int, error) {
	msg, consumed, err := decodeFrame(s.recvBuffer)
	if err != nil {
		return 0, err
	}
	if consumed == 0 {
		return 0, nil
	}
	if msg == nil { // keep-alive
		return consumed, nil
	}
	if err := s.handleMessage(msg); err != nil {
		return 0, err
	}
	return consumed, nil
}

func (s *Session) handleMessage(msg *message) error {
	switch msg.ID {
	case MsgChoke:
		s.PeerChoking = true
	case MsgUnchoke:
		s.PeerChoking = false
		s.Drive()
	case MsgInterested:
		s.PeerInterested = true
	case MsgNotInterested:
		s.PeerInterested = false
	case MsgHave:
		if len(msg.Payload) != 4 {
			return bterr.Wrap(bterr.ErrUnknownMessageID, "%s: malformed have payload", s.Endpoint)
		}
		idx := beUint32(msg.Payload)
		s.PeerHas.Set(uint(idx))
	case MsgBitfield:
		s.PeerHas = bitfield.DecodeWire(msg.Payload, s.sizer.PieceCount())
	case MsgRequest:
		// ignored: this client is download-only.
	case MsgPiece:
		if len(msg.Payload) < 8 {
			return bterr.Wrap(bterr.ErrUnknownMessageID, "%s: malformed piece payload", s.Endpoint)
		}
		index := int(beUint32(msg.Payload[0:4]))
		begin := int(beUint32(msg.Payload[4:8]))
		block := msg.Payload[8:]
		s.handler.HandleBlock(s, index, begin, block)
	case MsgCancel:
		// ignored.
	case MsgPort:
		// ignored.
	default:
		return bterr.Wrap(bterr.ErrUnknownMessageID, "%s: id=%d", s.Endpoint, msg.ID)
	}
	return nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Drive runs the peer-side decision table: initiate handshake if not
// yet started; show interest if choked; otherwise, if not already
// filling a piece, pick one and request its first block. It is invoked
// on a successful inbound handshake, on unchoke, and by the handler
// after it commits a piece this session completed.
func (s *Session) Drive() {
	switch {
	case s.state != Active:
		_ = s.sendHandshake()
	case s.PeerChoking:
		s.sendMessage(MsgInterested, nil)
	case s.RequestedPiece != nil:
		// already filling a piece; wait for it to complete.
	default:
		idx, ok := s.handler.SelectPiece(s)
		if !ok {
			s.Close(bterr.ErrNoUnrequestedPieces)
			s.handler.PeerStopped(s)
			return
		}
		piece := idx
		s.RequestedPiece = &piece
		s.RequestFirstBlock(idx)
	}
}

// RequestFirstBlock requests the block at begin=0 of pieceIndex.
func (s *Session) RequestFirstBlock(pieceIndex int) {
	s.requestBlockAt(pieceIndex, 0)
}

// RequestNextBlock requests the block immediately following the one
// that began at afterBegin, clamped so it never reads past the end of
// the piece. sizer is queried by piece index, not piece length, since
// only the final piece's length can differ from the rest.
func (s *Session) RequestNextBlock(pieceIndex, afterBegin int) {
	s.requestBlockAt(pieceIndex, afterBegin+s.blockLength)
}

func (s *Session) requestBlockAt(pieceIndex, begin int) {
	pieceLen := s.sizer.ExpectedPieceLength(pieceIndex)
	if int64(begin) >= pieceLen {
		return // piece already fully requested
	}
	remaining := pieceLen - int64(begin)
	length := int64(s.blockLength)
	if remaining < length {
		length = remaining
	}
	if s.state != Active {
		panic(bterr.Wrap(bterr.ErrSendBeforeHandshake, "%s: request", s.Endpoint))
	}
	if s.PeerChoking {
		return // silently suppressed
	}
	if s.conn != nil {
		_, _ = s.conn.Write(encodeRequest(uint32(pieceIndex), uint32(begin), uint32(length)))
	}
}

// sendMessage writes a non-request message to the peer. Any send
// attempted before the handshake completes is a programming error.
func (s *Session) sendMessage(id MessageID, payload []byte) {
	if s.state != Active {
		panic(bterr.Wrap(bterr.ErrSendBeforeHandshake, "%s: id=%s", s.Endpoint, id))
	}
	if s.conn == nil {
		return
	}
	_, _ = s.conn.Write(encodeMessage(id, payload))
}
