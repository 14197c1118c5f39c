// Package digest implements the digesting upload entity (C3): a
// stream-wrapping io.WriterTo that computes a running MD5 digest and
// byte count as the wrapped entity is written to a sink.
package digest

import (
	"crypto/md5" //nolint:gosec // MD5 is the store's integrity checksum, not used for security
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Entity wraps an io.Reader and, on WriteTo, streams it to the
// destination while updating a running digest and byte counter. The
// digest is valid only after a successful WriteTo.
type Entity struct {
	source   io.Reader
	digester hash.Hash
	written  int64
	done     bool
}

// New wraps source in a digesting entity using MD5.
func New(source io.Reader) *Entity {
	return &Entity{source: source, digester: md5.New()} //nolint:gosec
}

// WriteTo streams the wrapped source into w, updating the digest and
// byte counter as it goes. Repeatability mirrors the wrapped reader:
// if source cannot be re-read, neither can this entity.
func (e *Entity) WriteTo(w io.Writer) (int64, error) {
	mw := io.MultiWriter(w, e.digester)
	n, err := io.Copy(mw, e.source)
	e.written += n
	if err != nil {
		return n, fmt.Errorf("digesting entity: write failed after %d bytes: %w", n, err)
	}
	e.done = true
	return n, nil
}

// Digest returns the hex-encoded MD5 digest of the bytes written so
// far. It is only meaningful once WriteTo has completed successfully.
func (e *Entity) Digest() (string, error) {
	if !e.done {
		return "", fmt.Errorf("digesting entity: digest requested before writeTo completed")
	}
	return hex.EncodeToString(e.digester.Sum(nil)), nil
}

// ByteCount returns the number of bytes streamed so far.
func (e *Entity) ByteCount() int64 {
	return e.written
}
