package keywrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateLocalKeysetProducesAUsableKEK(t *testing.T) {
	keysetJSON, err := GenerateLocalKeyset()
	require.NoError(t, err)
	assert.NotEmpty(t, keysetJSON)

	kek, err := NewKEK(keysetJSON)
	require.NoError(t, err)
	assert.NotNil(t, kek)
}

func TestWrapUnwrapRoundTrips(t *testing.T) {
	keysetJSON, err := GenerateLocalKeyset()
	require.NoError(t, err)
	kek, err := NewKEK(keysetJSON)
	require.NoError(t, err)

	dek := []byte("a 32-byte data encryption key!!!")
	aad := []byte("/user/stor/obj")

	wrapped, err := kek.Wrap(dek, aad)
	require.NoError(t, err)
	assert.NotEqual(t, dek, wrapped)

	unwrapped, err := kek.Unwrap(wrapped, aad)
	require.NoError(t, err)
	assert.Equal(t, dek, unwrapped)
}

func TestUnwrapFailsWithWrongAssociatedData(t *testing.T) {
	keysetJSON, err := GenerateLocalKeyset()
	require.NoError(t, err)
	kek, err := NewKEK(keysetJSON)
	require.NoError(t, err)

	wrapped, err := kek.Wrap([]byte("some data key material"), []byte("/user/stor/obj-a"))
	require.NoError(t, err)

	_, err = kek.Unwrap(wrapped, []byte("/user/stor/obj-b"))
	assert.Error(t, err)
}

func TestUnwrapFailsWithDifferentKeyset(t *testing.T) {
	keysetA, err := GenerateLocalKeyset()
	require.NoError(t, err)
	kekA, err := NewKEK(keysetA)
	require.NoError(t, err)

	keysetB, err := GenerateLocalKeyset()
	require.NoError(t, err)
	kekB, err := NewKEK(keysetB)
	require.NoError(t, err)

	wrapped, err := kekA.Wrap([]byte("secret key material here"), []byte("aad"))
	require.NoError(t, err)

	_, err = kekB.Unwrap(wrapped, []byte("aad"))
	assert.Error(t, err)
}

func TestNewKEKRejectsGarbageKeyset(t *testing.T) {
	_, err := NewKEK([]byte("not a keyset"))
	assert.Error(t, err)
}
