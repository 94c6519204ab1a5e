package peer

import (
	"fmt"
)

const (
	protocolString = "BitTorrent protocol"
	handshakeLen   = 1 + len(protocolString) + 8 + 20 + 20 // 68
)

// encodeHandshake builds the 68-byte outbound handshake:
// <pstrlen><pstr><reserved 8 zero bytes><info_hash><peer_id>.
func encodeHandshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, 0, handshakeLen)
	buf = append(buf, byte(len(protocolString)))
	buf = append(buf, protocolString...)
	buf = append(buf, make([]byte, 8)...)
	buf = append(buf, infoHash[:]...)
	buf = append(buf, peerID[:]...)
	return buf
}

// decodeHandshake validates and parses an inbound handshake. It returns
// the number of bytes consumed (0 if data is too short to decide yet).
func decodeHandshake(data []byte) (infoHash, remotePeerID [20]byte, consumed int, err error) {
	if len(data) < 1 {
		return infoHash, remotePeerID, 0, nil
	}
	pstrlen := int(data[0])
	total := 1 + pstrlen + 8 + 20 + 20
	if len(data) < total {
		return infoHash, remotePeerID, 0, nil
	}
	if pstrlen != len(protocolString) || string(data[1:1+pstrlen]) != protocolString {
		return infoHash, remotePeerID, 0, fmt.Errorf("unrecognized protocol string %q", data[1:1+pstrlen])
	}
	off := 1 + pstrlen + 8
	copy(infoHash[:], data[off:off+20])
	copy(remotePeerID[:], data[off+20:off+40])
	return infoHash, remotePeerID, total, nil
}
