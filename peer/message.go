package peer

import (
	"encoding/binary"
	"fmt"
)

// MessageID enumerates the post-handshake message ids.
type MessageID uint8

const (
	MsgChoke MessageID = iota
	MsgUnchoke
	MsgInterested
	MsgNotInterested
	MsgHave
	MsgBitfield
	MsgRequest
	MsgPiece
	MsgCancel
	MsgPort
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not_interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	case MsgPort:
		return "port"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// message is a decoded post-handshake frame.
type message struct {
	ID      MessageID
	Payload []byte
}

// encodeMessage renders a message with its 4-byte big-endian length
// prefix (length counts the id byte plus payload).
func encodeMessage(id MessageID, payload []byte) []byte {
	length := uint32(1 + len(payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(id)
	copy(buf[5:], payload)
	return buf
}

func encodeRequest(index, begin, length uint32) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return encodeMessage(MsgRequest, payload)
}

// decodeFrame implements the length-prefixed framing parser of spec
// §4.3: it buffers partial reads, returning (nil, 0, nil) when fewer
// than 4+length bytes are available, and returns the number of bytes
// consumed on success so the caller can advance its buffer. A
// zero-length frame is a keep-alive and decodes to a nil message with a
// non-zero consumed count.
func decodeFrame(data []byte) (msg *message, consumed int, err error) {
	if len(data) < 4 {
		return nil, 0, nil
	}
	length := binary.BigEndian.Uint32(data[0:4])
	if length == 0 {
		return nil, 4, nil
	}
	total := 4 + int(length)
	if len(data) < total {
		return nil, 0, nil
	}
	id := MessageID(data[4])
	payload := data[5:total]
	return &message{ID: id, Payload: payload}, total, nil
}
