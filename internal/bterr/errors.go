// Package bterr defines the sentinel error kinds shared across the torrent
// core, and the policy each one implies (fatal to the torrent, close the
// session, or reset a piece). Callers distinguish kinds with errors.Is,
// not by string matching.
package bterr

import "github.com/pkg/errors"

// Sentinel kinds. Wrap with errors.Wrap/errors.Wrapf to attach context;
// unwrap with errors.Is against these values.
var (
	// ErrMalformedMetainfo: MetainfoParser, fatal to the torrent.
	ErrMalformedMetainfo = errors.New("malformed metainfo")

	// ErrAnnounceFailed: TrackerClient, fatal to the torrent (tracker
	// rejected the announce with a failure reason).
	ErrAnnounceFailed = errors.New("tracker announce failed")

	// ErrMalformedAnnounceResponse: TrackerClient, fatal to the torrent.
	ErrMalformedAnnounceResponse = errors.New("malformed announce response")

	// ErrUnrecognizedProtocol: PeerSession handshake, closes the session.
	ErrUnrecognizedProtocol = errors.New("unrecognized protocol in handshake")

	// ErrUnknownMessageID: PeerSession, closes the session.
	ErrUnknownMessageID = errors.New("unknown message id")

	// ErrSendBeforeHandshake: programming error, fatal.
	ErrSendBeforeHandshake = errors.New("send attempted before handshake completed")

	// ErrPieceHashMismatch: PieceScheduler, resets the piece.
	ErrPieceHashMismatch = errors.New("piece hash mismatch")

	// ErrNoUnrequestedPieces: PieceScheduler, per peer; closes that peer.
	ErrNoUnrequestedPieces = errors.New("no unrequested pieces available from peer")

	// ErrIdleTimeout: ConnectionSupervisor watchdog, closes the session.
	ErrIdleTimeout = errors.New("peer session idle timeout")
)

// Wrap attaches a contextual message to a sentinel kind while preserving it
// for errors.Is.
func Wrap(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}
