// Package cipher implements the cipher catalog (C6): a registry of
// supported ciphers keyed by canonical identifier, exposing the
// layout parameters (block size, IV length, tag/HMAC length, AEAD-ness)
// and factories the encrypting entity and MPU overlay need.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
)

// ID is a canonical cipher identifier, e.g. "AES256/CTR/NoPadding".
type ID string

const (
	AES128CTR ID = "AES128/CTR/NoPadding"
	AES192CTR ID = "AES192/CTR/NoPadding"
	AES256CTR ID = "AES256/CTR/NoPadding"
	AES128GCM ID = "AES128/GCM/NoPadding"
	AES256GCM ID = "AES256/GCM/NoPadding"
)

// Suite describes one catalog entry: its layout parameters and the
// factories needed to drive encryption/decryption.
type Suite struct {
	ID               ID
	KeyLength        int // bytes
	BlockSize        int // bytes; alignment unit for MultipartOutputStream
	IVLength         int // bytes
	AuthTagLength    int // bytes; AEAD tag length, or HMAC trailer length
	AEAD             bool
	MaxPlaintextSize int64

	// NewStream returns a keystream cipher.Stream seeded with iv,
	// only valid for non-AEAD (CTR) suites.
	NewStream func(key, iv []byte) (stdcipher.Stream, error)

	// NewAEAD returns an AEAD primitive for AEAD suites.
	NewAEAD func(key []byte) (stdcipher.AEAD, error)

	// NewAuthenticator returns the encrypt-then-MAC hash.Hash for
	// non-AEAD suites; the MAC covers IV‖ciphertext.
	NewAuthenticator func(key []byte) (hash.Hash, error)

	// CiphertextOffset computes, for a random-access (CTR) cipher,
	// the ciphertext byte offset for a given plaintext offset and the
	// counter-block adjustment needed to resume the keystream there.
	// Non-random-access suites leave this nil.
	CiphertextOffset func(plaintextOffset int64) (ciphertextOffset int64, blockOffset int64)
}

var catalog = map[ID]Suite{}

func register(s Suite) { catalog[s.ID] = s }

func init() {
	register(Suite{
		ID: AES128CTR, KeyLength: 16, BlockSize: aes.BlockSize, IVLength: aes.BlockSize,
		AuthTagLength: sha256.Size, AEAD: false, MaxPlaintextSize: ctrMaxPlaintext,
		NewStream:        newCTRStream,
		NewAuthenticator: newHMACSHA256,
		CiphertextOffset: identityOffset,
	})
	register(Suite{
		ID: AES192CTR, KeyLength: 24, BlockSize: aes.BlockSize, IVLength: aes.BlockSize,
		AuthTagLength: sha256.Size, AEAD: false, MaxPlaintextSize: ctrMaxPlaintext,
		NewStream:        newCTRStream,
		NewAuthenticator: newHMACSHA256,
		CiphertextOffset: identityOffset,
	})
	register(Suite{
		ID: AES256CTR, KeyLength: 32, BlockSize: aes.BlockSize, IVLength: aes.BlockSize,
		AuthTagLength: sha256.Size, AEAD: false, MaxPlaintextSize: ctrMaxPlaintext,
		NewStream:        newCTRStream,
		NewAuthenticator: newHMACSHA256,
		CiphertextOffset: identityOffset,
	})
	register(Suite{
		ID: AES128GCM, KeyLength: 16, BlockSize: 1, IVLength: 12,
		AuthTagLength: 16, AEAD: true, MaxPlaintextSize: gcmMaxPlaintext,
		NewAEAD: newGCM,
	})
	register(Suite{
		ID: AES256GCM, KeyLength: 32, BlockSize: 1, IVLength: 12,
		AuthTagLength: 16, AEAD: true, MaxPlaintextSize: gcmMaxPlaintext,
		NewAEAD: newGCM,
	})
}

// CTR is a random-access stream cipher, but crypto/cipher's CTR
// implementation only ever starts a keystream at a block boundary: a
// seek to a non-aligned plaintext offset must fetch ciphertext from
// the start of its containing block and discard the leading bytes of
// the decoded block, rather than fetching from the requested offset
// directly.
const ctrMaxPlaintext = 1<<48 - 1

// GCM's recommended safe limit for a single key/IV pair.
const gcmMaxPlaintext = (1<<32 - 2) * aes.BlockSize

func identityOffset(plaintextOffset int64) (int64, int64) {
	block := plaintextOffset / aes.BlockSize
	return block * aes.BlockSize, block
}

func newCTRStream(key, iv []byte) (stdcipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return stdcipher.NewCTR(block, iv), nil
}

func newGCM(key []byte) (stdcipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return stdcipher.NewGCM(block)
}

func newHMACSHA256(key []byte) (hash.Hash, error) {
	return hmac.New(sha256.New, key), nil
}

// Lookup returns the catalog entry for id.
func Lookup(id ID) (Suite, error) {
	s, ok := catalog[id]
	if !ok {
		return Suite{}, fmt.Errorf("cipher: unsupported cipher %q", id)
	}
	return s, nil
}

// GenerateIV returns a fresh random IV of the suite's IV length.
func (s Suite) GenerateIV() ([]byte, error) {
	iv := make([]byte, s.IVLength)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("cipher: generating IV: %w", err)
	}
	return iv, nil
}

// GenerateKey returns a fresh random key of the suite's key length.
func (s Suite) GenerateKey() ([]byte, error) {
	key := make([]byte, s.KeyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("cipher: generating key: %w", err)
	}
	return key, nil
}

// AdjustIVForOffset returns an IV whose counter is advanced by
// blockOffset 16-byte blocks, for resuming a CTR stream mid-object
// (used by the range-seekable reader and by part-continuation in the
// encrypted MPU overlay).
func AdjustIVForOffset(iv []byte, blockOffset int64) []byte {
	adjusted := make([]byte, len(iv))
	copy(adjusted, iv)
	// The whole IV is treated as one big-endian counter, with the
	// carry running through every byte, the same way CTR mode in
	// crypto/cipher increments its counter block.
	carry := blockOffset
	for i := len(adjusted) - 1; i >= 0 && carry != 0; i-- {
		sum := int64(adjusted[i]) + carry
		adjusted[i] = byte(sum & 0xff)
		carry = sum >> 8
	}
	return adjusted
}
