// Package config holds the process-wide, read-only-after-init configuration
// threaded into the supervisor at boot. There is no ambient global state;
// every component that needs a setting receives this value explicitly.
package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
)

const (
	defaultMaxPeers     = 8
	defaultBlockLength  = 1 << 14 // 16 KiB
	defaultIdleTimeout  = 120 * time.Second
	defaultDialTimeout  = 10 * time.Second
	defaultListenPort   = 6881
	peerIDClientTag     = "-GT0104-"
	peerIDLength        = 20
)

// Config is the immutable, process-wide configuration for a torrent client.
// Zero-value fields are filled in by Default/applyDefaults.
type Config struct {
	// MaxPeers caps the number of concurrently active peer sessions per
	// torrent.
	MaxPeers int `yaml:"max_peers"`

	// BlockLength is the size, in bytes, of each block requested within
	// a piece.
	BlockLength int `yaml:"block_length"`

	// IdleTimeout closes a peer session that has produced no readable
	// data for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// DialTimeout bounds the TCP connect step of a peer session.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ListenPort is reported to the tracker in the announce request; this
	// client never actually listens (download-only).
	ListenPort int `yaml:"listen_port"`

	// PeerID is the 20-byte identifier sent in every handshake and
	// announce request. Generated once per process if left empty.
	PeerID [20]byte `yaml:"-"`
}

// Default returns a Config with every field set to its documented default,
// including a freshly generated PeerID.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// FromYAML decodes a Config from YAML bytes, applying defaults for any
// field the document leaves unset.
func FromYAML(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("decoding config yaml: %w", err)
	}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.MaxPeers <= 0 {
		c.MaxPeers = defaultMaxPeers
	}
	if c.BlockLength <= 0 {
		c.BlockLength = defaultBlockLength
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ListenPort <= 0 {
		c.ListenPort = defaultListenPort
	}
	if c.PeerID == ([20]byte{}) {
		c.PeerID = generatePeerID()
	}
}

// generatePeerID builds a 20-byte peer id: an 8-byte client tag followed by
// 12 bytes derived from a random UUID.
func generatePeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDClientTag)

	u := uuid.New()
	copy(id[len(peerIDClientTag):], u[:peerIDLength-len(peerIDClientTag)])

	return id
}
