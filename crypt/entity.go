// Package crypt implements the encrypting entity (C7): a streaming
// authenticated-encryption overlay for an upload body. AEAD suites
// emit their tag at stream end; non-AEAD (CTR) suites run an
// encrypt-then-MAC scheme where an HMAC over IV‖ciphertext is
// appended once, after the last plaintext byte.
package crypt

import (
	stdcipher "crypto/cipher"
	"fmt"
	"io"

	"github.com/guided-traffic/mantaclient/cipher"
)

// Entity wraps a plaintext source and streams ciphertext to a sink on
// WriteTo. Content length is always reported as unknown (-1 →
// chunked), since ciphertext length depends on AEAD tag inclusion.
type Entity struct {
	suite   cipher.Suite
	key     []byte
	iv      []byte
	source  io.Reader
	aad     []byte
	wantLen int64 // -1 if the wrapped entity declared no length

	consumed int64
}

// New wraps source for streaming encryption under suite with key and
// associated data aad. If iv is nil, a fresh one is generated (the
// usual single-part case); a non-nil iv is used as given, and the
// keystream starts at that IV's counter value.
func New(suite cipher.Suite, key, iv []byte, source io.Reader, aad []byte, wantLen int64) (*Entity, error) {
	if len(key) != suite.KeyLength {
		return nil, fmt.Errorf("crypt: key length %d does not match suite %s (want %d)", len(key), suite.ID, suite.KeyLength)
	}
	if iv == nil {
		generated, err := suite.GenerateIV()
		if err != nil {
			return nil, err
		}
		iv = generated
	}
	return &Entity{suite: suite, key: key, iv: iv, source: source, aad: aad, wantLen: wantLen}, nil
}

// IV returns the IV this entity is using (generated or supplied).
// Exposed for metadata extraction — exactly one IV is recorded per
// object, not per part.
func (e *Entity) IV() []byte { return e.iv }

// WriteTo streams source → cipher → w. For AEAD suites the tag is
// appended by the AEAD seal once the whole plaintext has been read.
// For non-AEAD suites, w receives raw ciphertext only: the caller is
// responsible for also feeding the ciphertext through an HMAC and
// appending the trailer (see MACWriter and TeeEncryptTo), since the
// MAC covers IV‖ciphertext rather than plaintext alone.
func (e *Entity) WriteTo(w io.Writer) (int64, error) {
	if e.suite.AEAD {
		return e.writeAEAD(w)
	}
	return e.writeCTR(w)
}

func (e *Entity) writeAEAD(w io.Writer) (int64, error) {
	aead, err := e.suite.NewAEAD(e.key)
	if err != nil {
		return 0, fmt.Errorf("crypt: creating AEAD: %w", err)
	}
	plaintext, err := io.ReadAll(e.source)
	if err != nil {
		return 0, fmt.Errorf("crypt: reading plaintext: %w", err)
	}
	e.consumed = int64(len(plaintext))
	if err := e.checkLength(); err != nil {
		return 0, err
	}
	ciphertext := aead.Seal(nil, e.iv, plaintext, e.aad)
	n, err := w.Write(ciphertext)
	return int64(n), err
}

func (e *Entity) writeCTR(w io.Writer) (int64, error) {
	stream, err := e.suite.NewStream(e.key, e.iv)
	if err != nil {
		return 0, fmt.Errorf("crypt: creating stream cipher: %w", err)
	}
	return e.streamCopy(stream, w)
}

func (e *Entity) streamCopy(stream stdcipher.Stream, w io.Writer) (int64, error) {
	const bufSize = 32 * 1024
	buf := make([]byte, bufSize)
	out := make([]byte, bufSize)
	var total int64
	for {
		n, readErr := e.source.Read(buf)
		if n > 0 {
			stream.XORKeyStream(out[:n], buf[:n])
			written, writeErr := w.Write(out[:n])
			total += int64(written)
			if writeErr != nil {
				return total, fmt.Errorf("crypt: writing ciphertext: %w", writeErr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, fmt.Errorf("crypt: reading plaintext: %w", readErr)
		}
	}
	e.consumed = total
	if err := e.checkLength(); err != nil {
		return total, err
	}
	return total, nil
}

func (e *Entity) checkLength() error {
	if e.wantLen >= 0 && e.consumed != e.wantLen {
		return fmt.Errorf("crypt: wrapped entity declared length %d but %d plaintext bytes were consumed", e.wantLen, e.consumed)
	}
	return nil
}
