// Package rangereader implements the range-seekable reader (C5): a
// read-only seekable byte channel backed by HTTP range GETs. The open
// response is lazily established on first read or size query; seeking
// to a new position returns a fresh Reader and leaves the old open
// response valid until closed.
package rangereader

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/guided-traffic/mantaclient/merrors"
	"github.com/guided-traffic/mantaclient/object"
)

// Doer is the minimal HTTP surface rangereader needs; *http.Client
// satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Reader is a read-only seekable channel over one object's bytes.
// The open flag and response reference use atomics rather than a
// mutex: there is a single writer (the goroutine that first calls
// Read or Size) and the rest is a one-shot initializer with ordinary
// happens-before visibility via the atomic store.
type Reader struct {
	client   Doer
	url      string
	position int64

	opened   atomic.Bool
	resp     atomic.Pointer[http.Response]
	openErr  error
}

// New returns a Reader positioned at the start of url. No request is
// issued until the first Read or Size call.
func New(client Doer, url string) *Reader {
	return &Reader{client: client, url: url}
}

func (r *Reader) ensureOpen() error {
	if r.opened.Load() {
		return r.openErr
	}
	if !r.opened.CompareAndSwap(false, true) {
		// Another goroutine won the race; this type is not meant to
		// be shared across goroutines, but CAS keeps a single
		// connection from being opened twice if it is.
		return r.openErr
	}

	req, err := http.NewRequest(http.MethodGet, r.url, nil)
	if err != nil {
		r.openErr = merrors.IOError("building range request", err)
		return r.openErr
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", r.position))

	resp, err := r.client.Do(req)
	if err != nil {
		r.openErr = merrors.IOError("opening range reader", err)
		return r.openErr
	}
	if resp.StatusCode >= 400 {
		body := make([]byte, 512)
		n, _ := resp.Body.Read(body)
		_ = resp.Body.Close()
		r.openErr = merrors.HTTPResponse(http.MethodGet, r.url, resp.StatusCode, resp.Status, nil, resp.Header, body[:n], resp.Header.Get("X-Request-Id"))
		return r.openErr
	}
	if resp.Header.Get("Content-Type") == object.DirectoryContentType {
		_ = resp.Body.Close()
		r.openErr = merrors.New(merrors.KindIO, "cannot open a range reader on a directory object")
		return r.openErr
	}

	r.resp.Store(resp)
	return nil
}

// Read implements io.Reader, tracking absolute position and returning
// io.EOF at end of stream.
func (r *Reader) Read(p []byte) (int, error) {
	if err := r.ensureOpen(); err != nil {
		return 0, err
	}
	resp := r.resp.Load()
	n, err := resp.Body.Read(p)
	r.position += int64(n)
	return n, err
}

// Size returns the object's total size, read from the open response's
// Content-Length (adjusted for the current range start). It fails if
// the server omitted Content-Length.
func (r *Reader) Size() (int64, error) {
	if err := r.ensureOpen(); err != nil {
		return 0, err
	}
	resp := r.resp.Load()
	cl := resp.Header.Get("Content-Length")
	if cl == "" {
		return 0, merrors.New(merrors.KindIO, "server response did not include Content-Length")
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil {
		return 0, merrors.IOError("parsing Content-Length", err)
	}
	// The open response started at r.position (the reader's starting
	// offset at the time the range GET was issued), so total size is
	// that offset plus however many bytes remain in this range.
	return r.position + n, nil
}

// Position returns a new Reader over the same object starting at
// newPos; the receiver's open response, if any, is left untouched
// and remains valid until explicitly closed.
func (r *Reader) Position(newPos int64) *Reader {
	return &Reader{client: r.client, url: r.url, position: newPos}
}

// Close releases the underlying HTTP response, if one was opened.
func (r *Reader) Close() error {
	if resp := r.resp.Load(); resp != nil {
		return resp.Body.Close()
	}
	return nil
}

// Write always fails: this channel is read-only.
func (r *Reader) Write([]byte) (int, error) {
	return 0, merrors.New(merrors.KindIO, "range reader is not writable")
}

// Truncate always fails: this channel is read-only.
func (r *Reader) Truncate(int64) error {
	return merrors.New(merrors.KindIO, "range reader is not writable")
}

var _ io.ReadCloser = (*Reader)(nil)
