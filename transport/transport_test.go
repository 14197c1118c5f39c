package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRoundTripper struct {
	attempts   int
	failTimes  int
	failErr    error
	lastHeader string
}

func (f *fakeRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	f.attempts++
	f.lastHeader = req.Header.Get("Date")
	if f.attempts <= f.failTimes {
		return nil, f.failErr
	}
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusOK)
	return rec.Result(), nil
}

func TestRetryRoundTripperRetriesAndResigns(t *testing.T) {
	inner := &fakeRoundTripper{failTimes: 2, failErr: errors.New("connection reset")}
	var resignCalls int
	resign := func(req *http.Request) error {
		resignCalls++
		req.Header.Set("Date", "resigned-date")
		return nil
	}

	rt := NewRetryRoundTripper(inner, 3, resign)
	req, err := http.NewRequest(http.MethodGet, "http://example.test/obj", nil)
	require.NoError(t, err)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, inner.attempts)
	assert.Equal(t, 2, resignCalls)
	assert.Equal(t, "resigned-date", inner.lastHeader)
}

func TestRetryRoundTripperGivesUpOnNonRetriableError(t *testing.T) {
	inner := &fakeRoundTripper{failTimes: 1, failErr: &net.DNSError{IsNotFound: true}}
	rt := NewRetryRoundTripper(inner, 3, func(*http.Request) error { return nil })

	req, err := http.NewRequest(http.MethodGet, "http://example.test/obj", nil)
	require.NoError(t, err)

	_, err = rt.RoundTrip(req)
	assert.Error(t, err)
	assert.Equal(t, 1, inner.attempts)
}

func TestIsRetriableClassification(t *testing.T) {
	assert.False(t, isRetriable(nil))
	assert.False(t, isRetriable(context.Canceled))
	assert.False(t, isRetriable(&net.DNSError{IsNotFound: true}))
	assert.True(t, isRetriable(errors.New("temporary read failure")))
}

func TestIsIdempotentClassification(t *testing.T) {
	assert.True(t, isIdempotent(http.MethodGet))
	assert.True(t, isIdempotent(http.MethodHead))
	assert.True(t, isIdempotent(http.MethodPut))
	assert.True(t, isIdempotent(http.MethodDelete))
	assert.False(t, isIdempotent(http.MethodPost))
}

func TestRetryRoundTripperDoesNotRetryPost(t *testing.T) {
	inner := &fakeRoundTripper{failTimes: 2, failErr: errors.New("connection reset")}
	rt := NewRetryRoundTripper(inner, 3, func(*http.Request) error { return nil })

	req, err := http.NewRequest(http.MethodPost, "http://example.test/uploads", nil)
	require.NoError(t, err)

	_, err = rt.RoundTrip(req)
	assert.Error(t, err)
	assert.Equal(t, 1, inner.attempts)
}

func TestDefaultPoolConfigHasSaneDefaults(t *testing.T) {
	cfg := DefaultPoolConfig()
	assert.Equal(t, 24, cfg.MaxConnections)
	assert.Greater(t, cfg.ConnectTimeout.Seconds(), float64(0))
}
