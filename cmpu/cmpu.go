// Package cmpu implements the Encrypted MPU Manager (C10): a
// client-side-encryption overlay on top of mpu.Manager that threads a
// single per-object cipher stream and MAC across independently
// uploaded parts, and records the resulting cryptographic metadata on
// the object at completion.
//
// Cipher state for one upload is sequential by construction: parts
// must be encrypted in ascending part-number order on a single
// goroutine. Concurrent UploadPart calls for the same upload are
// refused at run time with an error rather than silently serialized,
// since queuing them could reorder the keystream.
package cmpu

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	stdcipher "crypto/cipher"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/mantaclient/cipher"
	"github.com/guided-traffic/mantaclient/crypt"
	"github.com/guided-traffic/mantaclient/internal/telemetry"
	"github.com/guided-traffic/mantaclient/merrors"
	"github.com/guided-traffic/mantaclient/mpu"
	"github.com/guided-traffic/mantaclient/multipartstream"
)

// Metadata header names recorded on the finished object, per spec §6.
const (
	HeaderKeyID                   = "m-encrypt-key-id"
	HeaderCipher                  = "m-encrypt-cipher"
	HeaderIV                      = "m-encrypt-iv"
	HeaderPlaintextContentLength  = "m-encrypt-plaintext-content-length"
	HeaderAEADTagLength           = "m-encrypt-aead-tag-length"
	HeaderHMAC                    = "m-encrypt-hmac"
)

// session holds the encryption context for one in-progress encrypted
// MPU: exactly one IV per object, a continuing keystream, and a
// running encrypt-then-MAC accumulator. Owned exclusively by Manager
// for the session's lifetime.
type session struct {
	mu sync.Mutex

	suite  cipher.Suite
	key    []byte
	keyID  string
	iv     []byte
	stream stdcipher.Stream
	mac    *crypt.MACWriter
	mpStream *multipartstream.Stream

	parts        map[int]mpu.Part
	plaintextLen int64
	maxPart      int
}

// Manager overlays base with CSE. It holds (does not own) base.
type Manager struct {
	base *mpu.Manager

	mu       sync.Mutex
	sessions map[uuid.UUID]*session

	logger *logrus.Entry
}

// New builds a Manager overlaying base.
func New(base *mpu.Manager) *Manager {
	return &Manager{base: base, sessions: make(map[uuid.UUID]*session), logger: logrus.WithField("component", "encrypted_mpu_manager")}
}

// Initiate starts a new encrypted MPU: it generates a fresh IV,
// initializes the cipher for suiteID, and initiates the underlying
// server-side MPU. Only CTR-style (non-AEAD, random-access) suites
// are supported here, since independently-uploaded parts need a
// resumable keystream; AEAD suites have no such continuation and must
// be used only for single-part (whole-object) encryption.
func (m *Manager) Initiate(ctx context.Context, path, keyID string, suiteID cipher.ID, key []byte, headers map[string]string) (*mpu.Upload, error) {
	suite, err := cipher.Lookup(suiteID)
	if err != nil {
		return nil, merrors.Crypto("looking up cipher suite", err)
	}
	if suite.AEAD {
		return nil, merrors.Crypto(fmt.Sprintf("cipher %s is AEAD and cannot be resumed across multipart parts", suiteID), nil)
	}
	if len(key) != suite.KeyLength {
		return nil, merrors.Crypto(fmt.Sprintf("key length %d does not match suite %s", len(key), suiteID), nil)
	}

	upload, err := m.base.Initiate(ctx, path, nil, headers)
	if err != nil {
		return nil, err
	}

	iv, err := suite.GenerateIV()
	if err != nil {
		return nil, err
	}
	stream, err := suite.NewStream(key, iv)
	if err != nil {
		return nil, merrors.Crypto("initializing cipher stream", err)
	}
	mac, err := crypt.NewMACWriter(suite, key, iv)
	if err != nil {
		return nil, err
	}
	mpStream, err := multipartstream.New(suite.BlockSize)
	if err != nil {
		return nil, err
	}

	sess := &session{
		suite: suite, key: key, keyID: keyID, iv: iv, stream: stream, mac: mac, mpStream: mpStream,
		parts: make(map[int]mpu.Part),
	}

	m.mu.Lock()
	m.sessions[upload.ID] = sess
	m.mu.Unlock()
	telemetry.ActiveMultipartUploads.Inc()

	m.logger.WithFields(logrus.Fields{"upload_id": upload.ID, "cipher": suiteID}).Debug("initiated encrypted multipart upload")
	return upload, nil
}

func (m *Manager) session(id uuid.UUID) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, merrors.Multipart(fmt.Sprintf("no encryption context for upload %s", id), nil)
	}
	return sess, nil
}

// UploadPart encrypts plaintext using the upload's continuing cipher
// stream and uploads the resulting ciphertext. Plaintext must be
// supplied in ascending part-number order; a concurrent call for the
// same upload fails fast rather than serializing, since the
// underlying keystream is not safe for concurrent use.
func (m *Manager) UploadPart(ctx context.Context, upload *mpu.Upload, partNumber int, plaintext io.Reader, plaintextSize int64) (*mpu.Part, error) {
	sess, err := m.session(upload.ID)
	if err != nil {
		return nil, err
	}
	if !sess.mu.TryLock() {
		return nil, merrors.Multipart("concurrent part encryption is not permitted for the same upload", nil)
	}
	defer sess.mu.Unlock()

	buf := &bytes.Buffer{}
	sess.mpStream.SetNext(buf)

	const chunkSize = 32 * 1024
	plain := make([]byte, chunkSize)
	ct := make([]byte, chunkSize)
	var read int64
	for {
		n, rerr := plaintext.Read(plain)
		if n > 0 {
			sess.stream.XORKeyStream(ct[:n], plain[:n])
			if _, werr := sess.mac.Write(ct[:n]); werr != nil {
				return nil, merrors.Crypto("updating MAC", werr)
			}
			if _, werr := sess.mpStream.Write(ct[:n]); werr != nil {
				return nil, merrors.IOError("buffering ciphertext for part boundary", werr)
			}
			read += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, merrors.IOError("reading plaintext part", rerr)
		}
	}

	part, err := m.base.UploadPart(ctx, upload, partNumber, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return nil, err
	}

	sess.parts[partNumber] = *part
	sess.plaintextLen += read
	if partNumber > sess.maxPart {
		sess.maxPart = partNumber
	}
	telemetry.MultipartPartsTotal.WithLabelValues("true").Inc()
	return part, nil
}

// Complete seals the remaining cipher output (any buffered ciphertext
// tail plus the HMAC trailer) as a synthetic final part, commits the
// underlying MPU, and returns the encryption metadata headers to
// record on the finished object.
func (m *Manager) Complete(ctx context.Context, upload *mpu.Upload) (map[string]string, error) {
	sess, err := m.session(upload.ID)
	if err != nil {
		return nil, err
	}
	if !sess.mu.TryLock() {
		return nil, merrors.Multipart("concurrent completion is not permitted for the same upload", nil)
	}
	defer sess.mu.Unlock()

	finalPartNumber := sess.maxPart + 1
	if finalPartNumber > mpu.MaxPartNumber {
		return nil, merrors.Multipart(fmt.Sprintf("part count %d leaves no room for the synthetic trailer part", sess.maxPart), nil)
	}

	tail := &bytes.Buffer{}
	sess.mpStream.SetNext(tail)
	if err := sess.mpStream.ForceFlush(); err != nil {
		return nil, merrors.Crypto("flushing final ciphertext block", err)
	}
	trailer := sess.mac.Sum()
	tail.Write(trailer)

	parts := make([]mpu.Part, 0, len(sess.parts)+1)
	for _, p := range sess.parts {
		parts = append(parts, p)
	}
	if tail.Len() > 0 {
		tailPart, err := m.base.UploadPart(ctx, upload, finalPartNumber, bytes.NewReader(tail.Bytes()), int64(tail.Len()))
		if err != nil {
			return nil, err
		}
		parts = append(parts, *tailPart)
	}

	if err := m.base.Complete(ctx, upload, parts); err != nil {
		return nil, err
	}

	metadata := map[string]string{
		HeaderKeyID:                  sess.keyID,
		HeaderCipher:                 string(sess.suite.ID),
		HeaderIV:                     base64.StdEncoding.EncodeToString(sess.iv),
		HeaderPlaintextContentLength: strconv.FormatInt(sess.plaintextLen, 10),
		HeaderHMAC:                   hex.EncodeToString(trailer),
	}

	m.mu.Lock()
	delete(m.sessions, upload.ID)
	m.mu.Unlock()
	telemetry.ActiveMultipartUploads.Dec()

	m.logger.WithFields(logrus.Fields{"upload_id": upload.ID, "plaintext_length": sess.plaintextLen}).Debug("completed encrypted multipart upload")
	return metadata, nil
}

// Abort cancels the underlying MPU and discards the encryption
// context.
func (m *Manager) Abort(ctx context.Context, upload *mpu.Upload) error {
	if err := m.base.Abort(ctx, upload); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, upload.ID)
	m.mu.Unlock()
	telemetry.ActiveMultipartUploads.Dec()
	return nil
}
