// Package keywrap optionally wraps the per-object data-encryption key
// (DEK) the client generates for client-side encryption under a
// longer-lived key-encryption key (KEK), using Tink's AEAD primitive.
// This is the one piece of key management this library does take a
// position on: storing a DEK in the clear in object metadata would
// defeat client-side encryption entirely, so a wrapped DEK travels
// with the object instead. Sourcing or rotating the KEK itself (from
// a KMS, an HSM, or an operator-managed keyset file) remains the
// caller's concern.
package keywrap

import (
	"bytes"

	"github.com/google/tink/go/aead"
	"github.com/google/tink/go/insecurecleartextkeyset"
	"github.com/google/tink/go/keyset"
	"github.com/google/tink/go/tink"

	"github.com/guided-traffic/mantaclient/merrors"
)

// KEK wraps and unwraps data-encryption keys with a Tink AEAD
// primitive backed by a local keyset handle.
type KEK struct {
	aead tink.AEAD
}

// NewKEK builds a KEK from a cleartext Tink keyset (JSON, as produced
// by tinkey or GenerateLocalKeyset). Loading keysets from a
// KMS-wrapped source is out of scope here.
func NewKEK(keysetJSON []byte) (*KEK, error) {
	handle, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(bytes.NewReader(keysetJSON)))
	if err != nil {
		return nil, merrors.Crypto("reading Tink keyset", err)
	}
	a, err := aead.New(handle)
	if err != nil {
		return nil, merrors.Crypto("creating Tink AEAD primitive", err)
	}
	return &KEK{aead: a}, nil
}

// GenerateLocalKeyset creates a brand-new AES-256-GCM Tink keyset,
// serialized as cleartext JSON, for local testing and single-operator
// deployments that have no KMS.
func GenerateLocalKeyset() ([]byte, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, merrors.Crypto("generating Tink keyset", err)
	}
	buf := &bytes.Buffer{}
	if err := insecurecleartextkeyset.Write(handle, keyset.NewJSONWriter(buf)); err != nil {
		return nil, merrors.Crypto("serializing Tink keyset", err)
	}
	return buf.Bytes(), nil
}

// Wrap seals dek under the KEK. associatedData is bound into the
// ciphertext (the object path, so a wrapped key cannot be replayed
// onto a different object).
func (k *KEK) Wrap(dek, associatedData []byte) ([]byte, error) {
	wrapped, err := k.aead.Encrypt(dek, associatedData)
	if err != nil {
		return nil, merrors.Crypto("wrapping data encryption key", err)
	}
	return wrapped, nil
}

// Unwrap recovers the DEK sealed by Wrap.
func (k *KEK) Unwrap(wrapped, associatedData []byte) ([]byte, error) {
	dek, err := k.aead.Decrypt(wrapped, associatedData)
	if err != nil {
		return nil, merrors.Crypto("unwrapping data encryption key", err)
	}
	return dek, nil
}
