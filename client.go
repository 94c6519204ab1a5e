// Package bittorrent wires the core components — metainfo parsing,
// tracker announce, peer sessions, piece scheduling, and connection
// supervision — into the single entry point a collaborator needs: give
// it a parsed Metainfo and a Config, get back a completed torrent via
// callbacks. The only file I/O a caller performs is handing this
// package a parsed Metainfo; everything from tracker announce onward
// is owned here.
package bittorrent

import (
	"context"

	"go.uber.org/zap"

	"bittorrent/config"
	"bittorrent/metainfo"
	"bittorrent/scheduler"
	"bittorrent/supervisor"
	"bittorrent/tracker"
)

// Client runs a single torrent's core download pipeline end to end.
type Client struct {
	cfg config.Config
	log *zap.Logger
}

// NewClient constructs a Client. log may be nil.
func NewClient(cfg config.Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{cfg: cfg, log: log}
}

// Download announces meta to its tracker, opens peer sessions up to
// cfg.MaxPeers, and drives the scheduler to completion, invoking
// callbacks as pieces and the whole torrent commit. It blocks until the
// torrent completes, ctx is cancelled, or the tracker announce fails.
func (c *Client) Download(ctx context.Context, meta *metainfo.Metainfo, callbacks scheduler.CompletionCallbacks) error {
	rngSeed := int64(meta.PieceCount()) + int64(len(meta.Name))
	sched := scheduler.New(meta, c.cfg.BlockLength, callbacks, rngSeed, c.log)
	trackerClient := tracker.New(c.log)

	sup := supervisor.New(meta, c.cfg, trackerClient, sched, nil, nil, c.log)
	return sup.Start(ctx)
}
