// Package sha256 fingerprints page bodies for the search index.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256. Runs of whitespace are
// collapsed to a single space before hashing, so reformatting a page does
// not rewrite its index entry.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	d := sha256.New()
	for i, field := range bytes.Fields(data) {
		if i > 0 {
			d.Write([]byte{' '})
		}
		d.Write(field)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}
