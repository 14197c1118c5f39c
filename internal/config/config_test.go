package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultsFillsSaneValues(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 24, cfg.Pool.MaxConnections)
	assert.True(t, cfg.VerifyUploads)
	assert.Equal(t, AuthMandatory, cfg.Encryption.AuthenticationMode)
}

func TestDefaultsLeavesEncryptionDisabledByDefault(t *testing.T) {
	cfg := Defaults()
	assert.False(t, cfg.Encryption.Enabled)
	assert.Empty(t, cfg.Encryption.KEKKeysetJSON)
	assert.Empty(t, cfg.Encryption.PrivateKeyBytes)
}
