// Package tracker performs one HTTP GET against a torrent's announce
// URL and decodes the bencoded response into a peer list. HTTP-only,
// single-announce: no UDP trackers, no multi-tracker aggregation.
package tracker

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
	"go.uber.org/zap"

	"bittorrent/internal/bterr"
	"bittorrent/metainfo"
)

const requestTimeout = 15 * time.Second

// Peer is one entry of an announce response's peer list.
type Peer struct {
	IP   net.IP
	Port int
	// ID is the peer's 20-byte identifier, when the tracker used the
	// dictionary peer model; absent (all-zero) for compact responses.
	ID [20]byte
}

func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port))
}

// Client issues tracker announces over HTTP.
type Client struct {
	httpClient *http.Client
	log        *zap.Logger
}

// New constructs a Client. log may be nil.
func New(log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{httpClient: &http.Client{Timeout: requestTimeout}, log: log}
}

// Announce performs the single GET and returns the discovered peer
// list.
func (c *Client) Announce(meta *metainfo.Metainfo, peerID [20]byte, port int) ([]Peer, error) {
	u, err := url.Parse(meta.Announce)
	if err != nil {
		return nil, bterr.Wrap(bterr.ErrAnnounceFailed, "parsing announce url: %v", err)
	}

	q := u.Query()
	q.Set("info_hash", string(meta.InfoHash[:]))
	q.Set("peer_id", string(peerID[:]))
	q.Set("port", strconv.Itoa(port))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", strconv.FormatInt(meta.TotalLength(), 10))
	// url.Values.Encode percent-encodes each value byte-for-byte, which is
	// exactly what info_hash and peer_id require: raw bytes, never
	// re-hashed or hex-encoded.
	u.RawQuery = q.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, bterr.Wrap(bterr.ErrAnnounceFailed, "building request: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, bterr.Wrap(bterr.ErrAnnounceFailed, "contacting tracker: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, bterr.Wrap(bterr.ErrAnnounceFailed, "tracker returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, bterr.Wrap(bterr.ErrAnnounceFailed, "reading response body: %v", err)
	}

	peers, interval, err := decodeResponse(body)
	if err != nil {
		return nil, err
	}

	c.log.Info("tracker announce complete",
		zap.Int("peers", len(peers)),
		zap.Int("interval_seconds", interval))

	return peers, nil
}

func decodeResponse(body []byte) ([]Peer, int, error) {
	decoded, err := bencode.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, 0, bterr.Wrap(bterr.ErrMalformedAnnounceResponse, "decoding bencode: %v", err)
	}

	top, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, 0, bterr.Wrap(bterr.ErrMalformedAnnounceResponse, "top-level value is not a dictionary")
	}

	if reason, present := top["failure reason"]; present {
		return nil, 0, bterr.Wrap(bterr.ErrAnnounceFailed, "%v", reason)
	}

	var interval int
	if iv, present := top["interval"]; present {
		switch v := iv.(type) {
		case int64:
			interval = int(v)
		case int:
			interval = v
		}
	}

	peersRaw, present := top["peers"]
	if !present {
		return nil, 0, bterr.Wrap(bterr.ErrMalformedAnnounceResponse, "missing peers key")
	}

	var peers []Peer
	switch v := peersRaw.(type) {
	case string:
		peers, err = decodeCompactPeers([]byte(v))
		if err != nil {
			return nil, 0, err
		}
	case []interface{}:
		peers, err = decodeDictPeers(v)
		if err != nil {
			return nil, 0, err
		}
	default:
		return nil, 0, bterr.Wrap(bterr.ErrMalformedAnnounceResponse, "peers is neither a string nor a list")
	}

	return peers, interval, nil
}

// decodeCompactPeers parses the 6-bytes-per-peer encoding: 4 bytes
// big-endian IPv4, 2 bytes big-endian port.
func decodeCompactPeers(raw []byte) ([]Peer, error) {
	if len(raw)%6 != 0 {
		return nil, bterr.Wrap(bterr.ErrMalformedAnnounceResponse, "compact peers length %d is not a multiple of 6", len(raw))
	}
	var peers []Peer
	for i := 0; i+6 <= len(raw); i += 6 {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := int(binary.BigEndian.Uint16(raw[i+4 : i+6]))
		if port <= 0 {
			continue
		}
		peers = append(peers, Peer{IP: ip, Port: port})
	}
	return peers, nil
}

func decodeDictPeers(list []interface{}) ([]Peer, error) {
	var peers []Peer
	for _, raw := range list {
		d, ok := raw.(map[string]interface{})
		if !ok {
			return nil, bterr.Wrap(bterr.ErrMalformedAnnounceResponse, "peer entry is not a dictionary")
		}
		ipStr, ok := d["ip"].(string)
		if !ok || ipStr == "" {
			continue // discarded silently
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		var port int
		switch pv := d["port"].(type) {
		case int64:
			port = int(pv)
		case int:
			port = pv
		}
		if port <= 0 {
			continue
		}
		p := Peer{IP: ip, Port: port}
		if idRaw, ok := d["peer_id"].(string); ok && len(idRaw) == 20 {
			copy(p.ID[:], idRaw)
		}
		peers = append(peers, p)
	}
	return peers, nil
}
