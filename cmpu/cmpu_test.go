package cmpu

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/mantaclient/cipher"
	"github.com/guided-traffic/mantaclient/crypt"
	"github.com/guided-traffic/mantaclient/httpclient"
	"github.com/guided-traffic/mantaclient/mpu"
)

type noopSigner struct{}

func (noopSigner) Sign(*http.Request) error { return nil }

// fakeStore is a minimal in-memory double for the server-side MPU
// HTTP contract, just enough for the encrypted overlay's tests.
type fakeStore struct {
	mu    sync.Mutex
	id    uuid.UUID
	parts map[int][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{id: uuid.New(), parts: map[int][]byte{}}
}

func (s *fakeStore) handler(home string) http.HandlerFunc {
	partsDir := home + "/uploads/" + s.id.String()
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == home+"/uploads":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(struct {
				ID             string `json:"id"`
				PartsDirectory string `json:"partsDirectory"`
			}{ID: s.id.String(), PartsDirectory: partsDir})
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, partsDir+"/"):
			var n int
			fmt.Sscanf(strings.TrimPrefix(r.URL.Path, partsDir+"/"), "%d", &n)
			body := &bytes.Buffer{}
			body.ReadFrom(r.Body)
			s.parts[n] = body.Bytes()
			w.Header().Set("ETag", fmt.Sprintf("etag-%d", n))
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == partsDir+"/commit":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == partsDir+"/abort":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

// reassembledCiphertext concatenates parts in ascending part-number
// order, as the store would when serving the finished object.
func (s *fakeStore) reassembledCiphertext() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	numbers := make([]int, 0, len(s.parts))
	for n := range s.parts {
		numbers = append(numbers, n)
	}
	for i := 0; i < len(numbers); i++ {
		for j := i + 1; j < len(numbers); j++ {
			if numbers[j] < numbers[i] {
				numbers[i], numbers[j] = numbers[j], numbers[i]
			}
		}
	}
	var out bytes.Buffer
	for _, n := range numbers {
		out.Write(s.parts[n])
	}
	return out.Bytes()
}

func newTestManager(t *testing.T, store *fakeStore, home string) *Manager {
	srv := httptest.NewServer(store.handler(home))
	t.Cleanup(srv.Close)
	hc := httpclient.New(srv.Client(), noopSigner{}, srv.URL, false)
	return New(mpu.New(hc, home))
}

func TestInitiateRejectsAEADSuite(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, "/user/stor")

	suite, err := cipher.Lookup(cipher.AES128GCM)
	require.NoError(t, err)
	key, err := suite.GenerateKey()
	require.NoError(t, err)

	_, err = m.Initiate(t.Context(), "/user/stor/obj", "key-1", cipher.AES128GCM, key, nil)
	assert.Error(t, err)
}

func TestInitiateRejectsWrongKeyLength(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, "/user/stor")
	_, err := m.Initiate(t.Context(), "/user/stor/obj", "key-1", cipher.AES256CTR, make([]byte, 4), nil)
	assert.Error(t, err)
}

func TestEncryptedRoundTripAcrossMultipleParts(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, "/user/stor")

	suite, err := cipher.Lookup(cipher.AES256CTR)
	require.NoError(t, err)
	key, err := suite.GenerateKey()
	require.NoError(t, err)

	upload, err := m.Initiate(t.Context(), "/user/stor/obj", "key-1", cipher.AES256CTR, key, nil)
	require.NoError(t, err)

	part1Plain := strings.Repeat("A", 5*1024*1024)
	part2Plain := "tail bytes that are not block aligned"

	_, err = m.UploadPart(t.Context(), upload, 1, strings.NewReader(part1Plain), int64(len(part1Plain)))
	require.NoError(t, err)
	_, err = m.UploadPart(t.Context(), upload, 2, strings.NewReader(part2Plain), int64(len(part2Plain)))
	require.NoError(t, err)

	metadata, err := m.Complete(t.Context(), upload)
	require.NoError(t, err)
	assert.Equal(t, "key-1", metadata[HeaderKeyID])
	assert.Equal(t, string(cipher.AES256CTR), metadata[HeaderCipher])
	assert.Equal(t, fmt.Sprintf("%d", len(part1Plain)+len(part2Plain)), metadata[HeaderPlaintextContentLength])

	iv, err := base64.StdEncoding.DecodeString(metadata[HeaderIV])
	require.NoError(t, err)
	wantTrailer, err := hex.DecodeString(metadata[HeaderHMAC])
	require.NoError(t, err)

	ciphertext := store.reassembledCiphertext()
	require.True(t, len(ciphertext) >= len(wantTrailer))
	body, trailer := ciphertext[:len(ciphertext)-len(wantTrailer)], ciphertext[len(ciphertext)-len(wantTrailer):]
	assert.Equal(t, wantTrailer, trailer)

	mac, err := crypt.NewMACWriter(suite, key, iv)
	require.NoError(t, err)
	_, err = mac.Write(body)
	require.NoError(t, err)
	assert.Equal(t, wantTrailer, mac.Sum())

	stream, err := suite.NewStream(key, iv)
	require.NoError(t, err)
	recovered := make([]byte, len(body))
	stream.XORKeyStream(recovered, body)
	assert.Equal(t, part1Plain+part2Plain, string(recovered))
}

func TestConcurrentUploadPartIsRefused(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, "/user/stor")

	suite, err := cipher.Lookup(cipher.AES256CTR)
	require.NoError(t, err)
	key, err := suite.GenerateKey()
	require.NoError(t, err)
	upload, err := m.Initiate(t.Context(), "/user/stor/obj", "key-1", cipher.AES256CTR, key, nil)
	require.NoError(t, err)

	sess, err := m.session(upload.ID)
	require.NoError(t, err)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	_, err = m.UploadPart(t.Context(), upload, 1, strings.NewReader("x"), 1)
	assert.Error(t, err)
}

func TestAbortDiscardsSession(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, "/user/stor")
	suite, err := cipher.Lookup(cipher.AES256CTR)
	require.NoError(t, err)
	key, err := suite.GenerateKey()
	require.NoError(t, err)
	upload, err := m.Initiate(t.Context(), "/user/stor/obj", "key-1", cipher.AES256CTR, key, nil)
	require.NoError(t, err)

	require.NoError(t, m.Abort(t.Context(), upload))
	_, err = m.session(upload.ID)
	assert.Error(t, err)
}
