package mpu

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guided-traffic/mantaclient/httpclient"
)

type noopSigner struct{}

func (noopSigner) Sign(*http.Request) error { return nil }

// fakeStore implements just enough of the MPU HTTP contract for a
// Manager to drive a full initiate → upload → complete lifecycle, and
// to independently service state queries set directly by a test.
type fakeStore struct {
	mu    sync.Mutex
	id    uuid.UUID
	parts map[int]string // part number -> etag
	state string
	typ   string
}

func newFakeStore() *fakeStore {
	return &fakeStore{id: uuid.New(), parts: map[int]string{}, state: "CREATED"}
}

func (s *fakeStore) handler(home string) http.HandlerFunc {
	partsDir := home + "/uploads/" + s.id.String()
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case r.Method == http.MethodPost && r.URL.Path == home+"/uploads":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(initiateResponse{ID: s.id.String(), PartsDirectory: partsDir})
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, partsDir+"/"):
			var n int
			fmt.Sscanf(strings.TrimPrefix(r.URL.Path, partsDir+"/"), "%d", &n)
			etag := fmt.Sprintf("etag-%d", n)
			s.parts[n] = etag
			w.Header().Set("ETag", etag)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == partsDir+"/state":
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(stateResponse{State: s.state, Type: s.typ})
		case r.Method == http.MethodGet && r.URL.Path == partsDir:
			for n := range s.parts {
				json.NewEncoder(w).Encode(struct {
					Name string `json:"name"`
					ETag string `json:"etag"`
				}{Name: fmt.Sprintf("%d", n), ETag: s.parts[n]})
			}
		case r.Method == http.MethodPost && r.URL.Path == partsDir+"/abort":
			s.state = "ABORTED_DONE"
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == partsDir+"/commit":
			s.state = "COMPLETED_DONE"
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestManager(t *testing.T, store *fakeStore, home string) *Manager {
	srv := httptest.NewServer(store.handler(home))
	t.Cleanup(srv.Close)
	hc := httpclient.New(srv.Client(), noopSigner{}, srv.URL, false)
	return New(hc, home)
}

func TestInitiateReturnsUploadHandle(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, "/user/stor")

	upload, err := m.Initiate(t.Context(), "/user/stor/obj", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, store.id, upload.ID)
	assert.Equal(t, "/user/stor/obj", upload.ObjectPath)
}

func TestUploadPartRejectsOutOfRangePartNumber(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, "/user/stor")
	upload, err := m.Initiate(t.Context(), "/user/stor/obj", nil, nil)
	require.NoError(t, err)

	_, err = m.UploadPart(t.Context(), upload, 0, strings.NewReader("x"), 1)
	assert.Error(t, err)
	_, err = m.UploadPart(t.Context(), upload, MaxPartNumber+1, strings.NewReader("x"), 1)
	assert.Error(t, err)
}

func TestUploadPartListAndComplete(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, "/user/stor")
	upload, err := m.Initiate(t.Context(), "/user/stor/obj", nil, nil)
	require.NoError(t, err)

	p1, err := m.UploadPart(t.Context(), upload, 1, strings.NewReader(strings.Repeat("a", MinPartSize)), MinPartSize)
	require.NoError(t, err)
	p2, err := m.UploadPart(t.Context(), upload, 2, strings.NewReader("tail"), 4)
	require.NoError(t, err)

	parts, err := m.ValidateSequentialParts(t.Context(), upload)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, 1, parts[0].Number)
	assert.Equal(t, 2, parts[1].Number)

	require.NoError(t, m.Complete(t.Context(), upload, []Part{*p2, *p1}))
	assert.Equal(t, "COMPLETED_DONE", store.state)
}

func TestValidateSequentialPartsDetectsGap(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, "/user/stor")
	upload, err := m.Initiate(t.Context(), "/user/stor/obj", nil, nil)
	require.NoError(t, err)

	_, err = m.UploadPart(t.Context(), upload, 1, strings.NewReader("a"), 1)
	require.NoError(t, err)
	_, err = m.UploadPart(t.Context(), upload, 3, strings.NewReader("b"), 1)
	require.NoError(t, err)

	_, err = m.ValidateSequentialParts(t.Context(), upload)
	assert.Error(t, err)
}

func TestGetStatusMapsFinalizingSubtypes(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, "/user/stor")
	upload, err := m.Initiate(t.Context(), "/user/stor/obj", nil, nil)
	require.NoError(t, err)

	store.state, store.typ = "FINALIZING", "COMMIT"
	state, err := m.GetStatus(t.Context(), upload)
	require.NoError(t, err)
	assert.Equal(t, StateCommitting, state)

	store.typ = "ABORT"
	state, err = m.GetStatus(t.Context(), upload)
	require.NoError(t, err)
	assert.Equal(t, StateAborting, state)
}

func TestAbort(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(t, store, "/user/stor")
	upload, err := m.Initiate(t.Context(), "/user/stor/obj", nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.Abort(t.Context(), upload))
	assert.Equal(t, "ABORTED_DONE", store.state)
}

func TestWaitForCompletionReturnsOnceNoLongerFinalizing(t *testing.T) {
	store := newFakeStore()
	store.state = "FINALIZING"
	store.typ = "COMMIT"
	m := newTestManager(t, store, "/user/stor")
	upload, err := m.Initiate(t.Context(), "/user/stor/obj", nil, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		store.mu.Lock()
		store.state = "DONE"
		store.mu.Unlock()
	}()

	state, err := m.WaitForCompletion(t.Context(), upload, 5*time.Millisecond, 50, nil)
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state)
}

func TestWaitForCompletionTimesOut(t *testing.T) {
	store := newFakeStore()
	store.state = "FINALIZING"
	store.typ = "COMMIT"
	m := newTestManager(t, store, "/user/stor")
	upload, err := m.Initiate(t.Context(), "/user/stor/obj", nil, nil)
	require.NoError(t, err)

	var timedOut bool
	_, err = m.WaitForCompletion(t.Context(), upload, time.Millisecond, 3, func() { timedOut = true })
	assert.Error(t, err)
	assert.True(t, timedOut)
}
