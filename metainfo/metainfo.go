// Package metainfo decodes a torrent descriptor (a bencoded .torrent file)
// into a validated, immutable Metainfo: a generic bencode decode pass
// followed by a byte-exact info-hash pass over the raw info dictionary,
// assembled into a tagged single_file/multi_file layout.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/jackpal/bencode-go"
	"go.uber.org/zap"

	"bittorrent/internal/bterr"
)

const sha1Size = 20

// FileEntry is one file of a multi-file torrent's layout.
type FileEntry struct {
	// Path is the file's path relative to the torrent's name directory,
	// joined with "/" regardless of host OS.
	Path string
	// Length is the file's length in bytes.
	Length int64
}

// Layout is a tagged single_file/multi_file union. Exactly one of the
// two shapes is populated, as indicated by Multi.
type Layout struct {
	Multi bool
	// SingleLength is valid when !Multi.
	SingleLength int64
	// Entries is valid when Multi.
	Entries []FileEntry
}

// Metainfo is the validated, immutable result of parsing a torrent
// descriptor.
type Metainfo struct {
	Announce    string
	InfoHash    [sha1Size]byte
	Name        string
	PieceLength int64
	Pieces      [][sha1Size]byte
	Layout      Layout
}

// TotalLength is the sum of all file lengths in the torrent.
func (m *Metainfo) TotalLength() int64 {
	if !m.Layout.Multi {
		return m.Layout.SingleLength
	}
	var total int64
	for _, e := range m.Layout.Entries {
		total += e.Length
	}
	return total
}

// PieceCount is the number of pieces in the torrent.
func (m *Metainfo) PieceCount() int {
	return len(m.Pieces)
}

// ExpectedPieceLength returns the length piece i is expected to have once
// assembled: piece_length for every piece but the last, whose length is
// whatever remains of the total.
func (m *Metainfo) ExpectedPieceLength(i int) int64 {
	if i == m.PieceCount()-1 {
		return m.TotalLength() - int64(m.PieceCount()-1)*m.PieceLength
	}
	return m.PieceLength
}

// Parse decodes and validates a torrent descriptor. log may be nil.
func Parse(r io.Reader, log *zap.Logger) (*Metainfo, error) {
	if log == nil {
		log = zap.NewNop()
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "reading torrent descriptor: %v", err)
	}

	top, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "decoding bencode: %v", err)
	}

	topDict, ok := top.(map[string]interface{})
	if !ok {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "top-level value is not a dictionary")
	}

	announce, err := stringField(topDict, "announce")
	if err != nil {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "announce: %v", err)
	}
	if u, err := url.Parse(announce); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "announce is not a well-formed URL: %q", announce)
	}

	if encRaw, present := topDict["encoding"]; present {
		enc, ok := encRaw.(string)
		if !ok || !strings.EqualFold(enc, "utf-8") {
			return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "unsupported encoding: %v", encRaw)
		}
	}

	infoRaw, present := topDict["info"]
	if !present {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "missing info dictionary")
	}
	infoDict, ok := infoRaw.(map[string]interface{})
	if !ok {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "info is not a dictionary")
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "locating info dictionary bytes: %v", err)
	}
	infoHash := sha1.Sum(infoBytes)

	name, err := stringField(infoDict, "name")
	if err != nil {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "info.name: %v", err)
	}

	pieceLength, err := intField(infoDict, "piece length")
	if err != nil || pieceLength <= 0 {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "info.piece length: %v", err)
	}

	piecesRaw, present := infoDict["pieces"]
	if !present {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "missing info.pieces")
	}
	piecesStr, ok := piecesRaw.(string)
	if !ok || len(piecesStr) == 0 || len(piecesStr)%sha1Size != 0 {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "info.pieces is not a non-empty multiple of %d bytes", sha1Size)
	}
	pieces := make([][sha1Size]byte, len(piecesStr)/sha1Size)
	for i := range pieces {
		copy(pieces[i][:], piecesStr[i*sha1Size:(i+1)*sha1Size])
	}

	layout, err := parseLayout(infoDict)
	if err != nil {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo, "file layout: %v", err)
	}

	m := &Metainfo{
		Announce:    announce,
		InfoHash:    infoHash,
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
		Layout:      layout,
	}

	total := m.TotalLength()
	pc := int64(m.PieceCount())
	if !((pc-1)*pieceLength < total && total <= pc*pieceLength) {
		return nil, bterr.Wrap(bterr.ErrMalformedMetainfo,
			"piece layout invariant violated: pieces=%d piece_length=%d total=%d", pc, pieceLength, total)
	}

	log.Info("parsed metainfo",
		zap.String("name", m.Name),
		zap.Int("pieces", m.PieceCount()),
		zap.Int64("total_length", total))

	return m, nil
}

func parseLayout(infoDict map[string]interface{}) (Layout, error) {
	filesRaw, hasFiles := infoDict["files"]
	if hasFiles {
		filesList, ok := filesRaw.([]interface{})
		if !ok || len(filesList) == 0 {
			return Layout{}, fmt.Errorf("info.files present but not a non-empty list")
		}
		entries := make([]FileEntry, 0, len(filesList))
		for _, raw := range filesList {
			fd, ok := raw.(map[string]interface{})
			if !ok {
				return Layout{}, fmt.Errorf("file entry is not a dictionary")
			}
			length, err := intField(fd, "length")
			if err != nil {
				return Layout{}, fmt.Errorf("file entry length: %w", err)
			}
			pathRaw, present := fd["path"]
			if !present {
				return Layout{}, fmt.Errorf("file entry missing path")
			}
			pathList, ok := pathRaw.([]interface{})
			if !ok || len(pathList) == 0 {
				return Layout{}, fmt.Errorf("file entry path is not a non-empty list")
			}
			rel, err := joinPathComponents(pathList)
			if err != nil {
				return Layout{}, err
			}
			entries = append(entries, FileEntry{Path: rel, Length: length})
		}
		return Layout{Multi: true, Entries: entries}, nil
	}

	length, err := intField(infoDict, "length")
	if err != nil {
		return Layout{}, fmt.Errorf("neither info.length nor info.files present: %w", err)
	}
	return Layout{Multi: false, SingleLength: length}, nil
}

func joinPathComponents(components []interface{}) (string, error) {
	parts := make([]string, 0, len(components))
	for _, c := range components {
		s, ok := c.(string)
		if !ok || s == "" {
			return "", fmt.Errorf("invalid path component: %v", c)
		}
		if s == ".." || path.IsAbs(s) || strings.Contains(s, "\x00") {
			return "", fmt.Errorf("illegal path component: %q", s)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "/"), nil
}

func stringField(d map[string]interface{}, key string) (string, error) {
	raw, present := d[key]
	if !present {
		return "", fmt.Errorf("missing %q", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%q is not a string", key)
	}
	return s, nil
}

func intField(d map[string]interface{}, key string) (int64, error) {
	raw, present := d[key]
	if !present {
		return 0, fmt.Errorf("missing %q", key)
	}
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%q is not an integer", key)
	}
}
