// Package sha256 computes the digests recorded for export artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Hasher implements crawler.Hasher.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Writer digests everything written through it and counts the bytes.
type Writer struct {
	h hash.Hash
	n int64
}

// NewWriter returns an empty digest Writer.
func NewWriter() *Writer {
	return &Writer{h: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.h.Write(p)
	w.n += int64(n)
	return n, err
}

// Sum is the hex digest of the bytes written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Size is the number of bytes written so far.
func (w *Writer) Size() int64 { return w.n }

// Reader wraps r so that every byte read is digested.
func (w *Writer) Reader(r io.Reader) io.Reader {
	return io.TeeReader(r, w)
}
