package metainfo

import (
	"bytes"
	"fmt"
	"strconv"
)

// extractInfoBytes returns the exact byte slice of the source that
// corresponds to the value of the top-level "info" key, without
// re-encoding the decoded dictionary: bencoding is not canonicalizing
// under all decoders, so the info-hash must be computed over the
// original bytes, not a re-encode of the parsed structure.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}

	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		b := data[i]

		switch {
		case b == 'd' || b == 'l':
			depth++
		case b == 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case b == 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at offset %d", i)
			}
			i = j
		case b >= '0' && b <= '9':
			j := i
			for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
			}
			if j < len(data) && data[j] == ':' {
				length, err := strconv.Atoi(string(data[i:j]))
				if err != nil {
					return nil, fmt.Errorf("invalid string length at offset %d-%d", i, j)
				}
				j++
				i = j + length - 1
			}
		}
	}
	return nil, fmt.Errorf("unterminated info dictionary")
}
