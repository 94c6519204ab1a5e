// Command go-torrent is the thin collaborator that exercises the core
// end to end: it parses CLI flags, opens one or two .torrent files,
// drives bittorrent.Client.Download for each in turn, and writes the
// assembled image to disk. Argument parsing, progress rendering, and
// file output live here and only here; none of it reaches into the
// core packages' decision logic.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin"
	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"bittorrent"
	"bittorrent/config"
	"bittorrent/metainfo"
	"bittorrent/scheduler"
)

var (
	app = kingpin.New("go-torrent", "Single-peer, download-only BitTorrent client")

	torrentPath = app.Arg("torrent", "Path to a .torrent file").Required().String()
	secondPath  = app.Arg("torrent2", "Optional second .torrent file, downloaded after the first").String()
	outDir      = app.Flag("out", "Output directory").Short('o').Default(".").String()
	maxPeers    = app.Flag("max-peers", "Override the configured peer cap").Int()
	verbose     = app.Flag("verbose", "Enable debug logging").Short('v').Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := newLogger(*verbose)
	defer log.Sync()

	cfg := config.Default()
	if *maxPeers > 0 {
		cfg.MaxPeers = *maxPeers
	}

	paths := []string{*torrentPath}
	if *secondPath != "" {
		paths = append(paths, *secondPath)
	}

	client := bittorrent.NewClient(cfg, log)
	for _, p := range paths {
		if err := downloadOne(client, p, *outDir, log); err != nil {
			colorstring.Printf("[red]%s: %v[reset]\n", p, err)
			os.Exit(1)
		}
	}
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	log, err := cfg.Build()
	if err != nil {
		log = zap.NewNop()
	}
	return log
}

func downloadOne(client *bittorrent.Client, torrentPath, outDir string, log *zap.Logger) error {
	f, err := os.Open(torrentPath)
	if err != nil {
		return fmt.Errorf("opening torrent file: %w", err)
	}
	defer f.Close()

	meta, err := metainfo.Parse(f, log)
	if err != nil {
		return fmt.Errorf("parsing metainfo: %w", err)
	}

	colorstring.Printf("[blue]%s[reset]: %d pieces, %d bytes\n", meta.Name, meta.PieceCount(), meta.TotalLength())
	bar := progressbar.DefaultBytes(meta.TotalLength(), meta.Name)

	callbacks := scheduler.CompletionCallbacks{
		OnCompletedPiece: func(index int, data []byte) {
			bar.Add(len(data))
		},
		OnCompletedTorrent: func(image []byte) {
			bar.Finish()
			if err := writeOutput(outDir, meta, image); err != nil {
				colorstring.Printf("[red]writing output: %v[reset]\n", err)
			}
		},
	}

	ctx := context.Background()
	if err := client.Download(ctx, meta, callbacks); err != nil {
		return fmt.Errorf("download: %w", err)
	}

	colorstring.Printf("[green]%s: complete[reset]\n", meta.Name)
	return nil
}

// writeOutput lays out the assembled image: single-file torrents write
// <name> at outDir's root; multi-file torrents create a <name>/
// directory and write each entry at its declared relative path.
func writeOutput(outDir string, meta *metainfo.Metainfo, image []byte) error {
	if !meta.Layout.Multi {
		dst := filepath.Join(outDir, meta.Name)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return os.WriteFile(dst, image, 0o644)
	}

	root := filepath.Join(outDir, meta.Name)
	var offset int64
	for _, entry := range meta.Layout.Entries {
		dst := filepath.Join(root, filepath.FromSlash(entry.Path))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dst, image[offset:offset+entry.Length], 0o644); err != nil {
			return err
		}
		offset += entry.Length
	}
	return nil
}
