// Package signer implements the HTTP Signer (C1): it canonicalizes an
// outbound request and signs it with the caller's asymmetric private
// key, producing an Authorization header in the HTTP Signatures
// scheme. Signing is otherwise pure over request state plus
// wall-clock time, aside from recording the signed-bytes metric.
package signer

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck // DSA keys are still encountered in the wild for this signature scheme
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/mantaclient/internal/telemetry"
	"github.com/guided-traffic/mantaclient/merrors"
)

// Algorithm identifies the signing algorithm derived from the key
// type, per the HTTP Signatures "algorithm" parameter.
type Algorithm string

const (
	AlgorithmRSASHA256 Algorithm = "rsa-sha256"
	AlgorithmDSASHA256 Algorithm = "dsa-sha256"
	AlgorithmECDSASHA256 Algorithm = "ecdsa-sha256"
)

// DefaultSignedHeaders is the minimal header set the signer covers
// when the caller does not request a richer set: the store only
// requires "date" to be signed.
var DefaultSignedHeaders = []string{"date"}

// Signer produces a new Authorization header for an outbound request.
// Construction is the only place this type can fail; signing itself
// never returns a construction-class error.
type Signer struct {
	login       string
	keyID       string // fingerprint, e.g. "ab:cd:..."
	algorithm   Algorithm
	signer      crypto.Signer
	dsaKey      *dsa.PrivateKey // set only when algorithm is dsa-sha256
	signHeaders []string
	logger      *logrus.Entry
}

// Option configures optional Signer behavior.
type Option func(*Signer)

// WithSignedHeaders overrides the set of pseudo-headers and headers
// the signer covers. The store requires at least "date"; callers may
// add "(request-target)" and "host" for a stricter signature.
func WithSignedHeaders(headers ...string) Option {
	return func(s *Signer) { s.signHeaders = headers }
}

// NewFromPath loads a PEM private key from disk and builds a Signer.
// Failures (missing/unreadable key, unsupported algorithm, malformed
// fingerprint) are fatal at construction.
func NewFromPath(login, keyPath, fingerprint string, opts ...Option) (*Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, merrors.Crypto(fmt.Sprintf("reading private key %s", keyPath), err)
	}
	return NewFromBytes(login, data, fingerprint, nil, opts...)
}

// NewFromBytes builds a Signer from an in-memory PEM-encoded private
// key, optionally protected by a passphrase.
func NewFromBytes(login string, pemBytes []byte, fingerprint string, passphrase []byte, opts ...Option) (*Signer, error) {
	if login == "" {
		return nil, merrors.Crypto("signer requires a login", nil)
	}
	if err := validateFingerprint(fingerprint); err != nil {
		return nil, err
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, merrors.Crypto("no PEM block found in key data", nil)
	}

	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy PEM encryption still seen in the wild
		if len(passphrase) == 0 {
			return nil, merrors.Crypto("private key is encrypted but no passphrase was supplied", nil)
		}
		decrypted, err := x509.DecryptPEMBlock(block, passphrase) //nolint:staticcheck
		if err != nil {
			return nil, merrors.Crypto("decrypting private key with supplied passphrase", err).
				WithContext("passphrase", merrors.Redact(passphrase))
		}
		der = decrypted
	}

	s := &Signer{
		login:       login,
		keyID:       fingerprint,
		signHeaders: DefaultSignedHeaders,
		logger:      logrus.WithField("component", "signer"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadKey(block.Type, der); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"login":     login,
		"key_id":    fingerprint,
		"algorithm": s.algorithm,
	}).Info("signer initialized")
	return s, nil
}

func (s *Signer) loadKey(blockType string, der []byte) error {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		s.signer = key
		s.algorithm = AlgorithmRSASHA256
		return nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		s.signer = key
		s.algorithm = AlgorithmECDSASHA256
		return nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch k := key.(type) {
		case *rsa.PrivateKey:
			s.signer = k
			s.algorithm = AlgorithmRSASHA256
			return nil
		case *ecdsa.PrivateKey:
			s.signer = k
			s.algorithm = AlgorithmECDSASHA256
			return nil
		default:
			return merrors.Crypto(fmt.Sprintf("unsupported PKCS8 key type %T", key), nil)
		}
	}
	if key, err := parseDSAPrivateKey(der); err == nil {
		s.dsaKey = key
		s.algorithm = AlgorithmDSASHA256
		return nil
	}
	return merrors.Crypto(fmt.Sprintf("unrecognized or unsupported private key (block type %q)", blockType), nil)
}

// dsaPrivateKeyASN1 mirrors the OpenSSL "DSA PRIVATE KEY" DER layout
// (SEQUENCE of version, p, q, g, pub, priv). The standard library
// parses PKCS1/EC/PKCS8 keys but has no exported DSA equivalent, so
// this unmarshals the structure directly the same way x509's own
// key parsers do internally.
type dsaPrivateKeyASN1 struct {
	Version   int
	P, Q, G   *big.Int
	Y         *big.Int
	X         *big.Int
}

func parseDSAPrivateKey(der []byte) (*dsa.PrivateKey, error) {
	var raw dsaPrivateKeyASN1
	if rest, err := asn1.Unmarshal(der, &raw); err != nil || len(rest) != 0 {
		return nil, merrors.Crypto("not a DSA private key", err)
	}
	if raw.P == nil || raw.Q == nil || raw.G == nil || raw.Y == nil || raw.X == nil {
		return nil, merrors.Crypto("DSA private key is missing required fields", nil)
	}
	return &dsa.PrivateKey{
		PublicKey: dsa.PublicKey{
			Parameters: dsa.Parameters{P: raw.P, Q: raw.Q, G: raw.G},
			Y:          raw.Y,
		},
		X: raw.X,
	}, nil
}

func validateFingerprint(fp string) error {
	if fp == "" {
		return merrors.Crypto("fingerprint must not be empty", nil)
	}
	parts := strings.Split(fp, ":")
	if len(parts) < 2 {
		return merrors.Crypto(fmt.Sprintf("malformed fingerprint %q", fp), nil)
	}
	for _, p := range parts {
		if len(p) == 0 {
			return merrors.Crypto(fmt.Sprintf("malformed fingerprint %q", fp), nil)
		}
	}
	return nil
}

// Sign canonicalizes req and sets its Authorization header. It is
// safe to call concurrently from multiple goroutines as long as req
// is not shared across them, and is re-invoked on every retry because
// the Date header (and thus the signature) changes each time.
func (s *Signer) Sign(req *http.Request) error {
	now := time.Now().UTC().Format(http.TimeFormat)
	req.Header.Set("Date", now)
	if req.Host == "" {
		req.Host = req.URL.Host
	}

	signingString, err := s.buildSigningString(req)
	if err != nil {
		return err
	}
	telemetry.BytesSignedTotal.Add(float64(len(signingString)))

	signature, err := s.sign([]byte(signingString))
	if err != nil {
		return merrors.Crypto("signing request", err)
	}

	auth := fmt.Sprintf(
		`Signature keyId="/%s/keys/%s",algorithm=%q,headers=%q,signature=%q`,
		s.login, s.keyID, s.algorithm, strings.Join(s.signHeaders, " "),
		base64.StdEncoding.EncodeToString(signature),
	)
	req.Header.Set("Authorization", auth)
	return nil
}

func (s *Signer) buildSigningString(req *http.Request) (string, error) {
	lines := make([]string, 0, len(s.signHeaders))
	for _, h := range s.signHeaders {
		switch strings.ToLower(h) {
		case "(request-target)":
			lines = append(lines, fmt.Sprintf("(request-target): %s %s", strings.ToLower(req.Method), req.URL.RequestURI()))
		case "host":
			lines = append(lines, fmt.Sprintf("host: %s", req.Host))
		default:
			v := req.Header.Get(h)
			if v == "" {
				return "", merrors.Crypto(fmt.Sprintf("cannot sign missing header %q", h), nil)
			}
			lines = append(lines, fmt.Sprintf("%s: %s", strings.ToLower(h), v))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (s *Signer) sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	switch s.algorithm {
	case AlgorithmRSASHA256:
		return rsa.SignPKCS1v15(rand.Reader, s.signer.(*rsa.PrivateKey), crypto.SHA256, digest[:])
	case AlgorithmECDSASHA256:
		return s.signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	case AlgorithmDSASHA256:
		r, sVal, err := dsa.Sign(rand.Reader, s.dsaKey, digest[:])
		if err != nil {
			return nil, err
		}
		return asn1.Marshal(struct{ R, S *big.Int }{r, sVal})
	default:
		return nil, fmt.Errorf("unsupported algorithm %s", s.algorithm)
	}
}

// Algorithm returns the signing algorithm selected at construction.
func (s *Signer) Algorithm() Algorithm { return s.algorithm }

// KeyID returns the fingerprint used in the Authorization header.
func (s *Signer) KeyID() string { return s.keyID }
