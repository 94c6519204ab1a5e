package peer

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records everything written to it and never blocks; Feed is
// used to deliver inbound bytes directly, so Read is never exercised.
type fakeConn struct {
	net.Conn
	written [][]byte
}

func (c *fakeConn) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	c.written = append(c.written, cp)
	return len(b), nil
}

func (c *fakeConn) Close() error { return nil }

type fakeSizer struct {
	pieceCount  int
	pieceLength int64
	totalLength int64
}

func (f fakeSizer) PieceCount() int { return f.pieceCount }

func (f fakeSizer) ExpectedPieceLength(i int) int64 {
	if i < f.pieceCount-1 {
		return f.pieceLength
	}
	last := f.totalLength - int64(f.pieceCount-1)*f.pieceLength
	return last
}

type fakeHandler struct {
	selectIdx   int
	selectOK    bool
	blocks      []blockCall
	stoppedPeer *Session
}

type blockCall struct {
	piece, begin int
	data         []byte
}

func (h *fakeHandler) SelectPiece(p *Session) (int, bool) {
	return h.selectIdx, h.selectOK
}

func (h *fakeHandler) HandleBlock(p *Session, pieceIndex, begin int, block []byte) {
	h.blocks = append(h.blocks, blockCall{pieceIndex, begin, append([]byte(nil), block...)})
}

func (h *fakeHandler) PeerStopped(p *Session) {
	h.stoppedPeer = p
}

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "01234567890123456789")
	copy(peerID[:], "98765432109876543210")

	wire := encodeHandshake(infoHash, peerID)
	assert.Len(t, wire, handshakeLen)

	gotHash, gotPeerID, consumed, err := decodeHandshake(wire)
	require.NoError(t, err)
	assert.Equal(t, handshakeLen, consumed)
	assert.Equal(t, infoHash, gotHash)
	assert.Equal(t, peerID, gotPeerID)
}

func TestDecodeHandshakeShortBuffer(t *testing.T) {
	var infoHash, peerID [20]byte
	wire := encodeHandshake(infoHash, peerID)

	_, _, consumed, err := decodeHandshake(wire[:10])
	require.NoError(t, err)
	assert.Equal(t, 0, consumed)
}

func TestDecodeHandshakeBadProtocol(t *testing.T) {
	wire := []byte{19}
	wire = append(wire, "Not The Right String"[:19]...)
	wire = append(wire, make([]byte, 48)...)

	_, _, _, err := decodeHandshake(wire)
	assert.Error(t, err)
}

func TestDecodeFrameKeepAlive(t *testing.T) {
	msg, consumed, err := decodeFrame([]byte{0, 0, 0, 0, 9, 9})
	require.NoError(t, err)
	assert.Equal(t, 4, consumed)
	assert.Nil(t, msg)
}

func TestDecodeFramePartial(t *testing.T) {
	full := encodeMessage(MsgInterested, nil)
	msg, consumed, err := decodeFrame(full[:2])
	require.NoError(t, err)
	assert.Equal(t, 0, consumed)
	assert.Nil(t, msg)
}

func TestDecodeFrameMultipleInOneRead(t *testing.T) {
	buf := append(encodeMessage(MsgUnchoke, nil), encodeMessage(MsgInterested, nil)...)

	msg1, consumed1, err := decodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, MsgUnchoke, msg1.ID)

	msg2, consumed2, err := decodeFrame(buf[consumed1:])
	require.NoError(t, err)
	assert.Equal(t, MsgInterested, msg2.ID)
	assert.Equal(t, len(buf), consumed1+consumed2)
}

func TestDecodeFrameHavePayload(t *testing.T) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, 7)
	wire := encodeMessage(MsgHave, payload)

	msg, consumed, err := decodeFrame(wire)
	require.NoError(t, err)
	assert.Equal(t, len(wire), consumed)
	assert.Equal(t, MsgHave, msg.ID)
	assert.Equal(t, uint32(7), beUint32(msg.Payload))
}

func baseSession(t *testing.T, sizer fakeSizer, handler Handler) (*Session, *fakeConn) {
	t.Helper()
	var infoHash, localID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(localID[:], "bbbbbbbbbbbbbbbbbbbb")
	s := NewSession("peer:6881", infoHash, localID, 4, sizer, handler, clock.NewMock(), nil)
	conn := &fakeConn{}
	require.NoError(t, s.Attach(conn))
	return s, conn
}

func remoteHandshake(t *testing.T, s *Session) []byte {
	t.Helper()
	var remotePeerID [20]byte
	copy(remotePeerID[:], "cccccccccccccccccccc")
	return encodeHandshake(s.infoHash, remotePeerID)
}

func TestSessionAttachSendsHandshake(t *testing.T) {
	sizer := fakeSizer{pieceCount: 1, pieceLength: 8, totalLength: 8}
	s, conn := baseSession(t, sizer, &fakeHandler{})

	require.Len(t, conn.written, 1)
	assert.Equal(t, AwaitingHandshake, s.State())
	_, _, consumed, err := decodeHandshake(conn.written[0])
	require.NoError(t, err)
	assert.Equal(t, handshakeLen, consumed)
}

func TestSessionBecomesActiveAndSendsInterestedWhileChoked(t *testing.T) {
	sizer := fakeSizer{pieceCount: 1, pieceLength: 8, totalLength: 8}
	s, conn := baseSession(t, sizer, &fakeHandler{})

	err := s.Feed(remoteHandshake(t, s))
	require.NoError(t, err)

	assert.Equal(t, Active, s.State())
	require.Len(t, conn.written, 2) // outbound handshake, then interested
	msg, consumed, err := decodeFrame(conn.written[1])
	require.NoError(t, err)
	assert.Equal(t, len(conn.written[1]), consumed)
	assert.Equal(t, MsgInterested, msg.ID)
}

func TestSessionRequestsFirstBlockAfterUnchoke(t *testing.T) {
	sizer := fakeSizer{pieceCount: 2, pieceLength: 8, totalLength: 16}
	handler := &fakeHandler{selectIdx: 0, selectOK: true}
	s, conn := baseSession(t, sizer, handler)

	require.NoError(t, s.Feed(remoteHandshake(t, s)))
	require.NoError(t, s.Feed(encodeMessage(MsgUnchoke, nil)))

	require.NotNil(t, s.RequestedPiece)
	assert.Equal(t, 0, *s.RequestedPiece)

	last := conn.written[len(conn.written)-1]
	msg, _, err := decodeFrame(last)
	require.NoError(t, err)
	assert.Equal(t, MsgRequest, msg.ID)
	assert.Equal(t, uint32(0), beUint32(msg.Payload[0:4]))
	assert.Equal(t, uint32(0), beUint32(msg.Payload[4:8]))
	assert.Equal(t, uint32(4), beUint32(msg.Payload[8:12]))
}

func TestSessionRequestSuppressedWhilePeerChoking(t *testing.T) {
	sizer := fakeSizer{pieceCount: 1, pieceLength: 8, totalLength: 8}
	handler := &fakeHandler{selectIdx: 0, selectOK: true}
	s, conn := baseSession(t, sizer, handler)
	require.NoError(t, s.Feed(remoteHandshake(t, s)))

	before := len(conn.written)
	s.RequestedPiece = nil
	s.RequestFirstBlock(0)
	assert.Len(t, conn.written, before, "request must be suppressed while peer is choking")
}

func TestSessionFinalBlockClampedToRemainder(t *testing.T) {
	sizer := fakeSizer{pieceCount: 1, pieceLength: 10, totalLength: 10}
	handler := &fakeHandler{selectIdx: 0, selectOK: true}
	s, conn := baseSession(t, sizer, handler)
	require.NoError(t, s.Feed(remoteHandshake(t, s)))
	require.NoError(t, s.Feed(encodeMessage(MsgUnchoke, nil)))

	s.RequestNextBlock(0, 4) // begin=4+4=8, blockLength=4, only 2 bytes remain

	last := conn.written[len(conn.written)-1]
	msg, _, err := decodeFrame(last)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), beUint32(msg.Payload[4:8]))
	assert.Equal(t, uint32(2), beUint32(msg.Payload[8:12]))
}

func TestSessionPieceMessageForwardedToHandler(t *testing.T) {
	sizer := fakeSizer{pieceCount: 1, pieceLength: 8, totalLength: 8}
	handler := &fakeHandler{}
	s, _ := baseSession(t, sizer, handler)
	require.NoError(t, s.Feed(remoteHandshake(t, s)))

	payload := make([]byte, 8+3)
	binary.BigEndian.PutUint32(payload[0:4], 0)
	binary.BigEndian.PutUint32(payload[4:8], 0)
	copy(payload[8:], []byte("xyz"))

	require.NoError(t, s.Feed(encodeMessage(MsgPiece, payload)))
	require.Len(t, handler.blocks, 1)
	assert.Equal(t, 0, handler.blocks[0].piece)
	assert.Equal(t, 0, handler.blocks[0].begin)
	assert.Equal(t, []byte("xyz"), handler.blocks[0].data)
}

func TestSessionNoUnrequestedPiecesClosesAndNotifies(t *testing.T) {
	sizer := fakeSizer{pieceCount: 1, pieceLength: 8, totalLength: 8}
	handler := &fakeHandler{selectOK: false}
	s, _ := baseSession(t, sizer, handler)
	require.NoError(t, s.Feed(remoteHandshake(t, s)))

	require.NoError(t, s.Feed(encodeMessage(MsgUnchoke, nil)))

	assert.Equal(t, Closed, s.State())
	assert.Same(t, s, handler.stoppedPeer)
}

func TestSessionUnknownMessageIDIsAnError(t *testing.T) {
	sizer := fakeSizer{pieceCount: 1, pieceLength: 8, totalLength: 8}
	s, _ := baseSession(t, sizer, &fakeHandler{})
	require.NoError(t, s.Feed(remoteHandshake(t, s)))

	err := s.Feed(encodeMessage(MessageID(200), nil))
	assert.Error(t, err)
}

func TestSessionIsIdle(t *testing.T) {
	sizer := fakeSizer{pieceCount: 1, pieceLength: 8, totalLength: 8}
	mockClock := clock.NewMock()
	var infoHash, localID [20]byte
	s := NewSession("peer:6881", infoHash, localID, 4, sizer, &fakeHandler{}, mockClock, nil)
	require.NoError(t, s.Attach(&fakeConn{}))

	assert.False(t, s.IsIdle(time.Second))
	mockClock.Add(2 * time.Second)
	assert.True(t, s.IsIdle(time.Second))
}
