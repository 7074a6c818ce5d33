// Package sha256 fingerprints export artifacts while they are written.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Writer forwards writes to an underlying writer and hashes the bytes that
// were accepted.
type Writer struct {
	dst io.Writer
	h   hash.Hash
	n   int64
}

// NewWriter hashes everything written through it into dst. A nil dst only hashes.
func NewWriter(dst io.Writer) *Writer {
	if dst == nil {
		dst = io.Discard
	}
	return &Writer{dst: dst, h: sha256.New()}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	w.h.Write(p[:n])
	w.n += int64(n)
	return n, err
}

// Sum returns the hex digest of the bytes written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int64 {
	return w.n
}

// Sum hashes data in one call.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
