// Package httpclient implements the HTTP Helper (C4): verb-level
// methods over a signed, pooled transport, with status-code
// contracts and MD5 checksum validation on PUT.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/mantaclient/digest"
	"github.com/guided-traffic/mantaclient/merrors"
)

// Signer is the subset of signer.Signer that httpclient depends on.
type Signer interface {
	Sign(*http.Request) error
}

// Client issues signed HTTP requests against the store and enforces
// its status-code and checksum contracts.
type Client struct {
	httpClient      *http.Client
	signer          Signer
	baseURL         string
	validateUploads bool
	logger          *logrus.Entry
}

// New builds a Client. baseURL is "scheme://host" with no trailing
// slash; validateUploads enables client-side MD5 comparison on PUT.
func New(httpClient *http.Client, signer Signer, baseURL string, validateUploads bool) *Client {
	return &Client{
		httpClient:      httpClient,
		signer:          signer,
		baseURL:         baseURL,
		validateUploads: validateUploads,
		logger:          logrus.WithField("component", "httpclient"),
	}
}

// PutResult carries the rich outcome of a PUT: the response, the
// ETag, and whether the client performed checksum validation.
type PutResult struct {
	Response *http.Response
	ETag     string
	ClientMD5 string
	ServerMD5 string
	Validated bool
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, merrors.IOError("building request", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, expectedStatus int) (*http.Response, error) {
	if err := c.signer.Sign(req); err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, merrors.IOError(fmt.Sprintf("%s %s", req.Method, req.URL), err)
	}

	if expectedStatus != 0 && resp.StatusCode != expectedStatus {
		return nil, c.errorFromResponse(req, resp)
	}
	if expectedStatus == 0 && resp.StatusCode >= 400 {
		return nil, c.errorFromResponse(req, resp)
	}
	return resp, nil
}

func (c *Client) errorFromResponse(req *http.Request, resp *http.Response) error {
	body := make([]byte, 4096)
	n, _ := io.ReadFull(resp.Body, body)
	_ = resp.Body.Close()
	return merrors.HTTPResponse(req.Method, req.URL.String(), resp.StatusCode, resp.Status, req.Header, resp.Header, body[:n], resp.Header.Get("X-Request-Id"))
}

// URL resolves a store-relative path to an absolute URL against this
// client's base URL, for collaborators (the range-seekable reader)
// that need to issue their own requests through SignedDoer.
func (c *Client) URL(path string) string {
	return c.baseURL + path
}

// signedDoer adapts a Client into rangereader.Doer by signing each
// request before dispatching it on the pooled transport.
type signedDoer struct{ c *Client }

func (d signedDoer) Do(req *http.Request) (*http.Response, error) {
	if err := d.c.signer.Sign(req); err != nil {
		return nil, err
	}
	return d.c.httpClient.Do(req)
}

// SignedDoer returns a Doer that signs every request it dispatches,
// for collaborators that build their own *http.Request (the
// range-seekable reader) rather than going through Get/Put/etc.
func (c *Client) SignedDoer() interface{ Do(*http.Request) (*http.Response, error) } {
	return signedDoer{c: c}
}

// Head issues a HEAD; any status >= 400 is an error.
func (c *Client) Head(ctx context.Context, path string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodHead, path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, 0)
}

// Get issues a GET; any status >= 400 is an error.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, 0)
}

// Delete issues a DELETE, expecting expectedStatus (0 means "any <400").
func (c *Client) Delete(ctx context.Context, path string, expectedStatus int) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, expectedStatus)
	if err != nil {
		// 404 on a delete tail is tolerated by callers that recurse;
		// the helper itself still reports it so callers can choose.
		return resp, err
	}
	return resp, nil
}

// Post issues a POST with body, expecting expectedStatus (0 means
// "any <400").
func (c *Client) Post(ctx context.Context, path string, body io.Reader, contentType string, expectedStatus int) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.do(req, expectedStatus)
}

// Put issues a PUT. When validateUploads is enabled and body is
// non-nil, the request entity is wrapped in a digesting entity, and
// on success the server-provided MD5 (if any) is compared to the
// client digest; a mismatch fails with a checksum error. A missing
// server digest skips validation with a warning rather than failing.
func (c *Client) Put(ctx context.Context, path string, body io.Reader, contentType string, contentLength int64, headers map[string]string, expectedStatus int) (*PutResult, error) {
	var digester *digest.Entity
	var reqBody io.Reader = body

	if c.validateUploads && body != nil {
		digester = digest.New(body)
		buf := &bytes.Buffer{}
		if _, err := digester.WriteTo(buf); err != nil {
			return nil, merrors.IOError("digesting upload body", err)
		}
		reqBody = buf
	}

	req, err := c.newRequest(ctx, http.MethodPut, path, reqBody)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if contentLength >= 0 {
		req.ContentLength = contentLength
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.do(req, expectedStatus)
	if err != nil {
		return nil, err
	}

	result := &PutResult{Response: resp, ETag: resp.Header.Get("ETag")}

	if digester != nil {
		clientDigest, derr := digester.Digest()
		if derr != nil {
			return result, nil
		}
		result.ClientMD5 = clientDigest
		serverDigest := resp.Header.Get("Computed-MD5")
		if serverDigest == "" {
			serverDigest = resp.Header.Get("Content-MD5")
		}
		if serverDigest == "" {
			c.logger.WithField("path", path).Warn("server omitted MD5, skipping checksum validation")
			return result, nil
		}
		result.ServerMD5 = serverDigest
		if serverDigest != clientDigest {
			return result, merrors.Checksum(clientDigest, serverDigest).WithContext("path", path)
		}
		result.Validated = true
	}

	return result, nil
}
