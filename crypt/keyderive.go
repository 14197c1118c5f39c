package crypt

import (
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"

	"github.com/guided-traffic/mantaclient/merrors"
)

// macKeyInfo is the fixed HKDF context string separating the
// authenticator's derived key from the stream cipher's key, so a
// single DEK yields two independent-looking subkeys instead of
// reusing the same key material for both encryption and the MAC.
const macKeyInfo = "mantaclient-encrypt-then-mac-v1"

// deriveMACKey derives a SHA-256-HMAC-sized subkey from dek using the
// object's IV as the HKDF salt, so every object's MAC key differs
// even when dek is reused across objects (the pre-shared-key case).
func deriveMACKey(dek, iv []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, dek, iv, []byte(macKeyInfo))
	key := make([]byte, sha256.Size)
	if _, err := reader.Read(key); err != nil {
		return nil, merrors.Crypto("deriving MAC subkey", err)
	}
	return key, nil
}
