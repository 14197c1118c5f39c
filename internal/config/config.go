// Package config defines the client's configuration surface.
// Loading this struct from files, environment variables, or Java
// properties files is explicitly out of scope for this library (a
// collaborator's job); callers are expected to populate Config
// themselves, optionally using viper/mapstructure the way this
// struct's tags are laid out for.
package config

// AuthenticationMode controls how strict client-side-encryption
// download verification is.
type AuthenticationMode string

const (
	// AuthMandatory refuses to decrypt any object without a verified
	// AEAD tag or HMAC trailer.
	AuthMandatory AuthenticationMode = "mandatory"
	// AuthOptional permits downloading unauthenticated ciphertext
	// (non-AEAD objects with no HMAC) with a logged warning.
	AuthOptional AuthenticationMode = "optional"
)

// EncryptionConfig groups the client-side-encryption collaborator
// settings named in spec.md §6.
type EncryptionConfig struct {
	Enabled                    bool               `mapstructure:"client_encryption_enabled"`
	Algorithm                  string             `mapstructure:"encryption_algorithm"`
	AuthenticationMode         AuthenticationMode `mapstructure:"encryption_authentication_mode"`
	PermitUnencryptedDownloads bool               `mapstructure:"permit_unencrypted_downloads"`
	KeyID                      string             `mapstructure:"encryption_key_id"`
	PrivateKeyBytes            []byte             `mapstructure:"encryption_private_key_bytes"`
	PrivateKeyPath             string             `mapstructure:"encryption_private_key_path"`

	// KEKKeysetJSON, if set, is a cleartext Tink keyset (see
	// keywrap.GenerateLocalKeyset) used to wrap/unwrap a fresh,
	// randomly generated data key per object instead of reusing
	// PrivateKeyBytes as a single static key for every object.
	KEKKeysetJSON []byte `mapstructure:"encryption_kek_keyset"`

	// MetadataKeyPrefix follows the teacher's tri-state pointer
	// convention: nil means "use the default", "" means "no prefix",
	// any other value is used verbatim. For CSE this is always "m-"
	// per spec.md §6 and is not actually overridable; kept for parity
	// with the ambient config shape other metadata-bearing components
	// use.
	MetadataKeyPrefix *string `mapstructure:"metadata_key_prefix"`
}

// RetryConfig configures C2's retry policy.
type RetryConfig struct {
	MaxRetries int `mapstructure:"retry_count" validate:"min=0,max=10"`
}

// PoolConfig configures C2's connection pool.
type PoolConfig struct {
	MaxConnections int `mapstructure:"max_connections" validate:"min=1"`
}

// Config is the client's top-level configuration. Populating it
// (from a file, environment, or in code) is the caller's
// responsibility; this library only defines and consumes the shape.
type Config struct {
	MantaURL     string `mapstructure:"manta_url"`
	MantaUser    string `mapstructure:"manta_user"`
	MantaKeyPath string `mapstructure:"manta_key_path"`
	MantaKeyID   string `mapstructure:"manta_key_id"` // fingerprint

	HTTPTimeoutSeconds int `mapstructure:"http_timeout"`

	Retry RetryConfig `mapstructure:"retry"`
	Pool  PoolConfig  `mapstructure:"pool"`

	VerifyUploads bool `mapstructure:"verify_uploads"`

	Encryption EncryptionConfig `mapstructure:"encryption"`
}

// Defaults returns a Config with the reference client's default
// values filled in; callers overlay their own settings on top.
func Defaults() *Config {
	return &Config{
		HTTPTimeoutSeconds: 0,
		Retry:              RetryConfig{MaxRetries: 3},
		Pool:               PoolConfig{MaxConnections: 24},
		VerifyUploads:      true,
		Encryption: EncryptionConfig{
			AuthenticationMode: AuthMandatory,
		},
	}
}
