package crypt

import (
	"fmt"
	"hash"
	"io"

	"github.com/guided-traffic/mantaclient/cipher"
)

// MACWriter feeds everything written to it through an encrypt-then-MAC
// authenticator, covering IV‖ciphertext as the spec requires. Create
// one per object (not per part); NewMACWriter has already fed the IV
// in, so Write only each part's ciphertext as it is produced, then
// call Sum at object completion to get the trailer to append.
type MACWriter struct {
	h hash.Hash
}

// NewMACWriter builds a MACWriter for suite using a subkey derived
// from key via HKDF (so the MAC does not reuse the stream cipher's
// key material directly), and seeds it with iv as the spec's "MAC
// covers IV‖ciphertext" requires.
func NewMACWriter(suite cipher.Suite, key, iv []byte) (*MACWriter, error) {
	if suite.AEAD {
		return nil, fmt.Errorf("crypt: MACWriter is only used for non-AEAD (encrypt-then-MAC) suites")
	}
	macKey, err := deriveMACKey(key, iv)
	if err != nil {
		return nil, err
	}
	h, err := suite.NewAuthenticator(macKey)
	if err != nil {
		return nil, fmt.Errorf("crypt: creating authenticator: %w", err)
	}
	if _, err := h.Write(iv); err != nil {
		return nil, fmt.Errorf("crypt: seeding authenticator with IV: %w", err)
	}
	return &MACWriter{h: h}, nil
}

// Write feeds ciphertext bytes into the running MAC.
func (m *MACWriter) Write(p []byte) (int, error) {
	return m.h.Write(p)
}

// Sum returns the final HMAC trailer, appended once after the last
// ciphertext byte of the whole object.
func (m *MACWriter) Sum() []byte {
	return m.h.Sum(nil)
}

// TeeEncryptTo wraps w so that every byte written to it is also fed
// into mac, letting a single Entity.WriteTo call both emit ciphertext
// and accumulate the trailing MAC in one pass.
func TeeEncryptTo(w io.Writer, mac *MACWriter) io.Writer {
	return io.MultiWriter(w, mac)
}
