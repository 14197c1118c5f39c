// Package manta is the public client facade: it wires the signer,
// transport, HTTP helper, MPU managers, and client-side-encryption
// layer into a single entry point, mirroring the way the reference
// implementation's Manager composes its specialized components.
package manta

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/mantaclient/cipher"
	"github.com/guided-traffic/mantaclient/cmpu"
	"github.com/guided-traffic/mantaclient/crypt"
	"github.com/guided-traffic/mantaclient/httpclient"
	"github.com/guided-traffic/mantaclient/internal/config"
	"github.com/guided-traffic/mantaclient/keywrap"
	"github.com/guided-traffic/mantaclient/merrors"
	"github.com/guided-traffic/mantaclient/mpu"
	"github.com/guided-traffic/mantaclient/object"
	"github.com/guided-traffic/mantaclient/rangereader"
	"github.com/guided-traffic/mantaclient/signer"
	"github.com/guided-traffic/mantaclient/transport"
)

// Client is the top-level entry point: every outbound request goes
// through the signer and the pooled/retrying transport; multipart and
// encrypted-multipart uploads are exposed directly for callers who
// need fine-grained control, while PutObject/GetObject cover the
// common single-shot case.
type Client struct {
	cfg    *config.Config
	home   string // "/<user>/stor"
	signer *signer.Signer
	http   *httpclient.Client
	MPU    *mpu.Manager
	CMPU   *cmpu.Manager
	kek    *keywrap.KEK // nil unless a KEK keyset was configured
	logger *logrus.Entry
}

// HeaderWrappedKey is the metadata header carrying the KEK-wrapped
// per-object data key, when a KEK is configured.
const HeaderWrappedKey = "m-encrypt-wrapped-key"

// New builds a Client from cfg and a pre-constructed Signer (keys are
// always supplied by the caller; key management is out of scope).
func New(cfg *config.Config, sign *signer.Signer) (*Client, error) {
	if cfg == nil {
		return nil, merrors.New(merrors.KindIO, "configuration cannot be nil")
	}
	if cfg.MantaUser == "" {
		return nil, merrors.New(merrors.KindIO, "MantaUser must be set")
	}

	pool := transport.DefaultPoolConfig()
	if cfg.Pool.MaxConnections > 0 {
		pool.MaxConnections = cfg.Pool.MaxConnections
	}
	httpCli := transport.NewHTTPClient(pool)
	httpCli.Transport = transport.NewRetryRoundTripper(httpCli.Transport, cfg.Retry.MaxRetries, sign.Sign)

	home := "/" + cfg.MantaUser + "/stor"
	hc := httpclient.New(httpCli, sign, cfg.MantaURL, cfg.VerifyUploads)
	mpuMgr := mpu.New(hc, "/"+cfg.MantaUser)
	cmpuMgr := cmpu.New(mpuMgr)

	var kek *keywrap.KEK
	if len(cfg.Encryption.KEKKeysetJSON) > 0 {
		var err error
		kek, err = keywrap.NewKEK(cfg.Encryption.KEKKeysetJSON)
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		cfg: cfg, home: home, signer: sign, http: hc, MPU: mpuMgr, CMPU: cmpuMgr, kek: kek,
		logger: logrus.WithField("component", "client"),
	}, nil
}

// Path joins the account home with the given store-relative path
// segment, applying the percent-encoding rules from spec.md §6.
func (c *Client) Path(p string) string {
	return c.home + object.EncodePath(p)
}

// PutResult is returned from PutObject.
type PutResult struct {
	ETag               string
	EncryptionMetadata map[string]string // empty unless CSE was used
}

// PutObject uploads a single-part object at path from exactly one of
// src's data sources. If client-side encryption is enabled in the
// client's config, the body is transparently wrapped in the
// encrypting entity (C7) before it is sent, and the resulting
// encryption metadata is attached as headers. Stream, Bytes and Text
// sources are accepted; an object.FilePath source is rejected with an
// error and no request is made.
func (c *Client) PutObject(ctx context.Context, path string, src object.DataSource, headers map[string]string, meta *object.Metadata) (*PutResult, error) {
	reader, size, err := sourceToReader(src)
	if err != nil {
		return nil, err
	}

	mergedHeaders := map[string]string{}
	for k, v := range headers {
		mergedHeaders[k] = v
	}
	if meta != nil {
		for k, v := range meta.Headers() {
			mergedHeaders[k] = v
		}
	}

	var encMeta map[string]string
	if c.cfg.Encryption.Enabled {
		encrypted, wrapMeta, err := c.encryptWhole(reader, size, path)
		if err != nil {
			return nil, err
		}
		reader = encrypted
		size = -1 // ciphertext length is unknown ahead of time (tag/padding)
		encMeta = wrapMeta
		for k, v := range wrapMeta {
			mergedHeaders[k] = v
		}
	}

	result, err := c.http.Put(ctx, c.Path(path), reader, "application/octet-stream", size, mergedHeaders, 204)
	if err != nil {
		return nil, err
	}
	return &PutResult{ETag: result.ETag, EncryptionMetadata: encMeta}, nil
}

func (c *Client) encryptWhole(plaintext io.Reader, size int64, objectKey string) (io.Reader, map[string]string, error) {
	suite, err := cipher.Lookup(cipher.ID(c.cfg.Encryption.Algorithm))
	if err != nil {
		return nil, nil, merrors.Crypto("resolving configured encryption algorithm", err)
	}
	key, wrappedKey, err := c.deriveObjectKey(suite, objectKey)
	if err != nil {
		return nil, nil, err
	}

	entity, err := crypt.New(suite, key, nil, plaintext, []byte(objectKey), size)
	if err != nil {
		return nil, nil, err
	}

	buf := &bytes.Buffer{}
	var macSum []byte
	if suite.AEAD {
		if _, err := entity.WriteTo(buf); err != nil {
			return nil, nil, err
		}
	} else {
		mac, err := crypt.NewMACWriter(suite, key, entity.IV())
		if err != nil {
			return nil, nil, err
		}
		tee := crypt.TeeEncryptTo(buf, mac)
		if _, err := entity.WriteTo(tee); err != nil {
			return nil, nil, err
		}
		macSum = mac.Sum()
		buf.Write(macSum)
	}

	meta := map[string]string{
		cmpu.HeaderKeyID:  c.cfg.Encryption.KeyID,
		cmpu.HeaderCipher: string(suite.ID),
		cmpu.HeaderIV:     base64.StdEncoding.EncodeToString(entity.IV()),
	}
	if wrappedKey != nil {
		meta[HeaderWrappedKey] = base64.StdEncoding.EncodeToString(wrappedKey)
	}
	if size >= 0 {
		meta[cmpu.HeaderPlaintextContentLength] = strconv.FormatInt(size, 10)
	}
	if suite.AEAD {
		meta[cmpu.HeaderAEADTagLength] = strconv.Itoa(suite.AuthTagLength)
	} else {
		meta[cmpu.HeaderHMAC] = hex.EncodeToString(macSum)
	}
	return buf, meta, nil
}

// deriveObjectKey returns the per-object data-encryption key to use
// and, when a KEK is configured, that key wrapped for storage in
// object metadata. Without a KEK, the client falls back to a single
// pre-shared key from configuration (PrivateKeyBytes) — workable, but
// every object then shares one key, which is why configuring a KEK is
// the preferred path.
func (c *Client) deriveObjectKey(suite cipher.Suite, objectKey string) (key, wrappedKey []byte, err error) {
	if c.kek == nil {
		if len(c.cfg.Encryption.PrivateKeyBytes) != suite.KeyLength {
			return nil, nil, merrors.Crypto(fmt.Sprintf("no KEK configured and PrivateKeyBytes is not a valid %s key", suite.ID), nil)
		}
		return c.cfg.Encryption.PrivateKeyBytes, nil, nil
	}
	key, err = suite.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	wrappedKey, err = c.kek.Wrap(key, []byte(objectKey))
	if err != nil {
		return nil, nil, err
	}
	return key, wrappedKey, nil
}

func sourceToReader(src object.DataSource) (io.Reader, int64, error) {
	switch s := src.(type) {
	case object.Stream:
		return s.Reader, s.Length, nil
	case object.Bytes:
		return bytes.NewReader(s.Data), int64(len(s.Data)), nil
	case object.Text:
		return bytes.NewReader([]byte(s.Data)), int64(len(s.Data)), nil
	case object.FilePath:
		return nil, 0, merrors.New(merrors.KindIO, "file-backed data sources must be opened by the caller and passed as object.Stream")
	default:
		return nil, 0, merrors.New(merrors.KindIO, fmt.Sprintf("unsupported data source %T", src))
	}
}

// GetObject fetches and, if the object carries encryption metadata,
// decrypts the whole object.
func (c *Client) GetObject(ctx context.Context, path string) (io.ReadCloser, object.Headers, error) {
	resp, err := c.http.Get(ctx, c.Path(path))
	if err != nil {
		return nil, object.Headers{}, err
	}

	hdrs := headersFrom(resp)
	if hdrs.IsDirectory() {
		resp.Body.Close()
		return nil, hdrs, merrors.New(merrors.KindIO, "object is a directory; use LIST instead of GET")
	}

	if !hasEncryptionMetadata(resp.Header) {
		return resp.Body, hdrs, nil
	}

	plain, err := c.decryptWhole(resp.Body, resp.Header, path)
	if err != nil {
		resp.Body.Close()
		return nil, hdrs, err
	}
	return io.NopCloser(plain), hdrs, nil
}

func headersFrom(resp *http.Response) object.Headers {
	return object.Headers{
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		ETag:          resp.Header.Get("ETag"),
		ContentMD5:    resp.Header.Get("Content-MD5"),
	}
}

func hasEncryptionMetadata(h http.Header) bool {
	return h.Get(cmpu.HeaderCipher) != ""
}

func (c *Client) decryptWhole(body io.Reader, headers http.Header, objectPath string) (io.Reader, error) {
	suite, err := cipher.Lookup(cipher.ID(headers.Get(cmpu.HeaderCipher)))
	if err != nil {
		return nil, merrors.Crypto("resolving object's cipher from metadata", err)
	}
	iv, err := base64.StdEncoding.DecodeString(headers.Get(cmpu.HeaderIV))
	if err != nil {
		return nil, merrors.Crypto("decoding IV from metadata", err)
	}

	key, err := c.resolveDEK(headers, objectPath)
	if err != nil {
		return nil, err
	}

	ciphertext, err := io.ReadAll(body)
	if err != nil {
		return nil, merrors.IOError("reading ciphertext", err)
	}

	if suite.AEAD {
		aead, err := suite.NewAEAD(key)
		if err != nil {
			return nil, merrors.Crypto("creating AEAD for decryption", err)
		}
		plain, err := aead.Open(nil, iv, ciphertext, []byte(objectPath))
		if err != nil {
			return nil, merrors.Crypto("authentication failed decrypting object", err)
		}
		return bytes.NewReader(plain), nil
	}

	trailerLen := sha256Size
	if len(ciphertext) < trailerLen {
		return nil, merrors.Multipart("ciphertext shorter than the HMAC trailer", nil)
	}
	body2, trailer := ciphertext[:len(ciphertext)-trailerLen], ciphertext[len(ciphertext)-trailerLen:]

	if err := c.verifyHMAC(suite, key, iv, body2, trailer, headers); err != nil {
		return nil, err
	}

	stream, err := suite.NewStream(key, iv)
	if err != nil {
		return nil, merrors.Crypto("creating decryption stream", err)
	}
	plain := make([]byte, len(body2))
	stream.XORKeyStream(plain, body2)
	return bytes.NewReader(plain), nil
}

const sha256Size = 32

func (c *Client) verifyHMAC(suite cipher.Suite, key, iv, ciphertext, trailer []byte, headers http.Header) error {
	mac, err := crypt.NewMACWriter(suite, key, iv)
	if err != nil {
		return err
	}
	if _, err := mac.Write(ciphertext); err != nil {
		return err
	}
	computed := mac.Sum()
	if !hmacEqual(computed, trailer) {
		if c.cfg.Encryption.AuthenticationMode == config.AuthOptional {
			c.logger.Warn("HMAC verification failed but authentication mode is optional; returning plaintext anyway")
			return nil
		}
		return merrors.Crypto("HMAC verification failed", nil)
	}
	return nil
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// resolveDEK recovers the per-object data-encryption key: by
// unwrapping the object's wrapped-key header against the configured
// KEK if one is present, or by falling back to a single pre-shared
// key from configuration otherwise. Sourcing the KEK itself (from a
// KMS, an HSM, or an operator-managed keyset file) is the caller's
// concern; see package keywrap.
func (c *Client) resolveDEK(headers http.Header, objectPath string) ([]byte, error) {
	if wrapped := headers.Get(HeaderWrappedKey); wrapped != "" {
		if c.kek == nil {
			return nil, merrors.Crypto("object's data key is wrapped but no KEK is configured", nil)
		}
		raw, err := base64.StdEncoding.DecodeString(wrapped)
		if err != nil {
			return nil, merrors.Crypto("decoding wrapped data key", err)
		}
		return c.kek.Unwrap(raw, []byte(objectPath))
	}
	if len(c.cfg.Encryption.PrivateKeyBytes) == 0 {
		return nil, merrors.Crypto("no decryption key material configured", nil)
	}
	return c.cfg.Encryption.PrivateKeyBytes, nil
}

// GetObjectRange performs a byte-range GET and decrypts just that
// window, without downloading or decrypting the rest of the object.
// Only supported for non-AEAD (CTR) ciphers, which are random-access
// by construction; AEAD objects must be fetched and verified whole.
func (c *Client) GetObjectRange(ctx context.Context, path string, offset, length int64) (io.Reader, error) {
	headResp, err := c.http.Head(ctx, c.Path(path))
	if err != nil {
		return nil, err
	}
	headResp.Body.Close()

	if !hasEncryptionMetadata(headResp.Header) {
		return c.plainRange(ctx, path, offset, length)
	}

	suite, err := cipher.Lookup(cipher.ID(headResp.Header.Get(cmpu.HeaderCipher)))
	if err != nil {
		return nil, merrors.Crypto("resolving object's cipher from metadata", err)
	}
	if suite.AEAD {
		return nil, merrors.Crypto("AEAD-encrypted objects do not support partial range decryption", nil)
	}
	iv, err := base64.StdEncoding.DecodeString(headResp.Header.Get(cmpu.HeaderIV))
	if err != nil {
		return nil, merrors.Crypto("decoding IV from metadata", err)
	}
	key, err := c.resolveDEK(headResp.Header, path)
	if err != nil {
		return nil, err
	}

	ciphertextOffset, blockOffset := suite.CiphertextOffset(offset)
	adjustedIV := cipher.AdjustIVForOffset(iv, blockOffset)

	rr := rangereader.New(c.http.SignedDoer(), c.http.URL(c.Path(path)))
	rr = rr.Position(ciphertextOffset)
	// Skip whatever lead-in bytes fall between the block boundary and
	// the requested offset, then stream exactly `length` decrypted
	// bytes.
	leadIn := offset - (blockOffset * int64(suite.BlockSize))

	stream, err := suite.NewStream(key, adjustedIV)
	if err != nil {
		return nil, merrors.Crypto("creating decryption stream", err)
	}

	limited := io.LimitReader(rr, leadIn+length)
	ciphertext, err := io.ReadAll(limited)
	if err != nil {
		return nil, merrors.IOError("reading ranged ciphertext", err)
	}
	plain := make([]byte, len(ciphertext))
	stream.XORKeyStream(plain, ciphertext)
	if int64(len(plain)) < leadIn {
		return bytes.NewReader(nil), nil
	}
	end := leadIn + length
	if end > int64(len(plain)) {
		end = int64(len(plain))
	}
	return bytes.NewReader(plain[leadIn:end]), nil
}

func (c *Client) plainRange(ctx context.Context, path string, offset, length int64) (io.Reader, error) {
	rr := rangereader.New(c.http.SignedDoer(), c.http.URL(c.Path(path)))
	reader := rr.Position(offset)
	limited := io.LimitReader(reader, length)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, merrors.IOError("reading ranged plaintext", err)
	}
	return bytes.NewReader(data), nil
}

// HeadObject returns an object's response headers without fetching
// its body.
func (c *Client) HeadObject(ctx context.Context, path string) (map[string]string, error) {
	resp, err := c.http.Head(ctx, c.Path(path))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		out[k] = resp.Header.Get(k)
	}
	return out, nil
}

// Delete removes an object. A 404 response is surfaced to the caller
// except when tolerating it is the caller's explicit choice (e.g. the
// tail of a recursive delete, which is a collaborator's concern and
// out of scope here).
func (c *Client) Delete(ctx context.Context, path string) error {
	resp, err := c.http.Delete(ctx, c.Path(path), 204)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
