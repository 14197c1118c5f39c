package signer

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck // exercising the legacy DSA signing path
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"net/http"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/mantaclient/merrors"
)

func generateRSAPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block), key
}

func TestSignSetsDateAndAuthorizationHeader(t *testing.T) {
	keyPEM, pub := generateRSAPEM(t)
	s, err := NewFromBytes("testuser", keyPEM, "aa:bb:cc:dd", nil)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmRSASHA256, s.Algorithm())

	req, err := http.NewRequest(http.MethodGet, "https://example.test/testuser/stor/obj", nil)
	require.NoError(t, err)

	require.NoError(t, s.Sign(req))

	assert.NotEmpty(t, req.Header.Get("Date"))
	auth := req.Header.Get("Authorization")
	require.NotEmpty(t, auth)

	re := regexp.MustCompile(`Signature keyId="/testuser/keys/aa:bb:cc:dd",algorithm="rsa-sha256",headers="date",signature="([^"]+)"`)
	matches := re.FindStringSubmatch(auth)
	require.Len(t, matches, 2)

	sig, err := base64.StdEncoding.DecodeString(matches[1])
	require.NoError(t, err)

	signingString := "date: " + req.Header.Get("Date")
	digest := sha256.Sum256([]byte(signingString))
	assert.NoError(t, rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig))
}

func TestSignWithRequestTargetAndHost(t *testing.T) {
	keyPEM, _ := generateRSAPEM(t)
	s, err := NewFromBytes("testuser", keyPEM, "aa:bb:cc:dd", nil, WithSignedHeaders("(request-target)", "host", "date"))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, "https://example.test/testuser/stor/obj", nil)
	require.NoError(t, err)
	require.NoError(t, s.Sign(req))

	auth := req.Header.Get("Authorization")
	assert.True(t, strings.Contains(auth, `headers="(request-target) host date"`))
}

func generateDSAPEM(t *testing.T) ([]byte, *dsa.PublicKey) {
	t.Helper()
	var params dsa.Parameters
	require.NoError(t, dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160))
	var priv dsa.PrivateKey
	priv.Parameters = params
	require.NoError(t, dsa.GenerateKey(&priv, rand.Reader))

	der, err := asn1.Marshal(dsaPrivateKeyASN1{
		Version: 0,
		P:       priv.P,
		Q:       priv.Q,
		G:       priv.G,
		Y:       priv.Y,
		X:       priv.X,
	})
	require.NoError(t, err)
	block := &pem.Block{Type: "DSA PRIVATE KEY", Bytes: der}
	return pem.EncodeToMemory(block), &priv.PublicKey
}

func TestSignWithDSAKey(t *testing.T) {
	keyPEM, pub := generateDSAPEM(t)
	s, err := NewFromBytes("testuser", keyPEM, "aa:bb:cc", nil)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmDSASHA256, s.Algorithm())

	req, err := http.NewRequest(http.MethodGet, "https://example.test/testuser/stor/obj", nil)
	require.NoError(t, err)
	require.NoError(t, s.Sign(req))

	auth := req.Header.Get("Authorization")
	re := regexp.MustCompile(`algorithm="dsa-sha256".*signature="([^"]+)"`)
	matches := re.FindStringSubmatch(auth)
	require.Len(t, matches, 2)
	sigDER, err := base64.StdEncoding.DecodeString(matches[1])
	require.NoError(t, err)

	var sig struct{ R, S *big.Int }
	_, err = asn1.Unmarshal(sigDER, &sig)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("date: " + req.Header.Get("Date")))
	assert.True(t, dsa.Verify(pub, digest[:], sig.R, sig.S))
}

func TestNewFromBytesRedactsPassphraseOnDecryptFailure(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der := x509.MarshalPKCS1PrivateKey(key)
	block, err := x509.EncryptPEMBlock(rand.Reader, "RSA PRIVATE KEY", der, []byte("correct-horse"), x509.PEMCipherAES256) //nolint:staticcheck
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(block)

	_, err = NewFromBytes("testuser", keyPEM, "aa:bb:cc", []byte("wrong-passphrase"))
	require.Error(t, err)
	merr, ok := err.(*merrors.Error)
	require.True(t, ok)
	assert.Equal(t, "?", merr.Context["passphrase"])
}

func TestValidateFingerprintRejectsMalformed(t *testing.T) {
	assert.Error(t, validateFingerprint(""))
	assert.Error(t, validateFingerprint("nodashesatall"))
	assert.Error(t, validateFingerprint("aa::bb"))
	assert.NoError(t, validateFingerprint("aa:bb:cc"))
}

func TestNewFromBytesRejectsEmptyLogin(t *testing.T) {
	keyPEM, _ := generateRSAPEM(t)
	_, err := NewFromBytes("", keyPEM, "aa:bb", nil)
	assert.Error(t, err)
}
