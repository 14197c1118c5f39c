// Package mpu implements the server-side Multipart Upload manager
// (C9): the state machine and HTTP contract for initiating, uploading
// parts to, listing, polling, committing, and aborting a remotely
// assembled object.
package mpu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/guided-traffic/mantaclient/httpclient"
	"github.com/guided-traffic/mantaclient/merrors"
)

// State is one node of the MPU lifecycle state machine:
// CREATED → FINALIZING(COMMIT|ABORT) → {COMPLETED, ABORTED}.
type State string

const (
	StateCreated    State = "CREATED"
	StateCommitting State = "COMMITTING"
	StateAborting   State = "ABORTING"
	StateCompleted  State = "COMPLETED"
	StateAborted    State = "ABORTED"
	StateUnknown    State = "UNKNOWN"
)

// MinPartSize is the minimum size of any part but the last.
const MinPartSize = 5 * 1024 * 1024

// MaxPartNumber is the highest 1-based part number the store accepts.
const MaxPartNumber = 10_000

// Upload is an in-progress server-side multipart assembly.
type Upload struct {
	ID             uuid.UUID
	ObjectPath     string
	PartsDirectory string
}

// Part is the tuple the store returns when it accepts a part PUT.
type Part struct {
	Number int
	Path   string
	ETag   string
}

// Manager drives the C9 HTTP contract described in spec.md §4.9/§6.
type Manager struct {
	client *httpclient.Client
	home   string // e.g. "/user" — the account's top-level home
	logger *logrus.Entry
}

// New builds a Manager. home is the account home directory the store
// namespaces uploads under (<home>/uploads).
func New(client *httpclient.Client, home string) *Manager {
	return &Manager{client: client, home: home, logger: logrus.WithField("component", "mpu_manager")}
}

type initiateRequest struct {
	ObjectPath string            `json:"objectPath"`
	Headers    map[string]string `json:"headers,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type initiateResponse struct {
	ID             string `json:"id"`
	PartsDirectory string `json:"partsDirectory"`
}

// Initiate starts a new MPU for path, returning the Upload handle.
func (m *Manager) Initiate(ctx context.Context, path string, metadata, headers map[string]string) (*Upload, error) {
	reqBody, err := json.Marshal(initiateRequest{ObjectPath: path, Headers: headers, Metadata: metadata})
	if err != nil {
		return nil, merrors.Multipart("marshaling initiate request", err)
	}

	resp, err := m.client.Post(ctx, m.home+"/uploads", bytes.NewReader(reqBody), "application/json", 201)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed initiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, merrors.Multipart("parsing initiate response", err).WithContext("cause", "JsonParse")
	}
	if parsed.ID == "" || parsed.PartsDirectory == "" {
		return nil, merrors.Multipart("initiate response missing required fields", nil).WithContext("cause", "MissingField")
	}
	id, err := uuid.Parse(parsed.ID)
	if err != nil {
		return nil, merrors.Multipart("initiate response returned a malformed id", err).WithContext("cause", "JsonParse")
	}

	upload := &Upload{ID: id, ObjectPath: path, PartsDirectory: parsed.PartsDirectory}
	m.logger.WithFields(logrus.Fields{"upload_id": id, "object_path": path}).Debug("initiated multipart upload")
	return upload, nil
}

// UploadPart PUTs one part's bytes, validating the part number range.
// A known-length part smaller than MinPartSize is not rejected; it is
// only logged as a warning.
func (m *Manager) UploadPart(ctx context.Context, upload *Upload, partNumber int, body io.Reader, size int64) (*Part, error) {
	if partNumber < 1 || partNumber > MaxPartNumber {
		return nil, merrors.Multipart(fmt.Sprintf("part number %d out of range [1, %d]", partNumber, MaxPartNumber), nil)
	}
	if size >= 0 && size < MinPartSize {
		m.logger.WithFields(logrus.Fields{"upload_id": upload.ID, "part_number": partNumber, "size": size}).
			Warn("part is smaller than the minimum part size; this is only valid for the final part")
	}

	path := fmt.Sprintf("%s/%d", upload.PartsDirectory, partNumber)
	result, err := m.client.Put(ctx, path, body, "application/octet-stream", size, nil, 204)
	if err != nil {
		return nil, err
	}
	if result.ETag == "" {
		return nil, merrors.Multipart("store did not return an ETag for uploaded part", nil)
	}
	return &Part{Number: partNumber, Path: path, ETag: result.ETag}, nil
}

// GetPart HEADs the given part, returning nil if the part does not
// exist. The upload's state document is not read; the returned Part's
// Path is the part's own path in the parts directory.
func (m *Manager) GetPart(ctx context.Context, upload *Upload, partNumber int) (*Part, error) {
	path := fmt.Sprintf("%s/%d", upload.PartsDirectory, partNumber)
	resp, err := m.client.Head(ctx, path)
	if err != nil {
		if merr, ok := err.(*merrors.Error); ok && merr.StatusCode == 404 {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()
	return &Part{Number: partNumber, Path: path, ETag: resp.Header.Get("ETag")}, nil
}

// ListParts returns the parts currently accepted for upload, in
// ascending part-number order.
func (m *Manager) ListParts(ctx context.Context, upload *Upload) ([]Part, error) {
	resp, err := m.client.Get(ctx, upload.PartsDirectory)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parts []Part
	dec := json.NewDecoder(resp.Body)
	for dec.More() {
		var entry struct {
			Name string `json:"name"`
			ETag string `json:"etag"`
		}
		if err := dec.Decode(&entry); err != nil {
			return nil, merrors.Multipart("parsing parts listing", err).WithContext("cause", "JsonParse")
		}
		var num int
		if _, err := fmt.Sscanf(entry.Name, "%d", &num); err != nil {
			continue // skip non-numeric entries such as "state"
		}
		parts = append(parts, Part{Number: num, Path: upload.PartsDirectory + "/" + entry.Name, ETag: entry.ETag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts, nil
}

type stateResponse struct {
	State      string `json:"state"`
	Type       string `json:"type"`
	ObjectPath string `json:"objectPath"`
}

// GetStatus maps the store's state document to a lifecycle State.
func (m *Manager) GetStatus(ctx context.Context, upload *Upload) (State, error) {
	resp, err := m.client.Get(ctx, upload.PartsDirectory+"/state")
	if err != nil {
		return StateUnknown, err
	}
	defer resp.Body.Close()

	var parsed stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return StateUnknown, merrors.Multipart("parsing state document", err).WithContext("cause", "JsonParse")
	}

	switch parsed.State {
	case "CREATED":
		return StateCreated, nil
	case "FINALIZING":
		switch parsed.Type {
		case "COMMIT":
			return StateCommitting, nil
		case "ABORT":
			return StateAborting, nil
		default:
			return StateUnknown, nil
		}
	default:
		return StateUnknown, nil
	}
}

// Abort cancels the upload. Once it succeeds the parts directory is
// eventually reclaimed by the store; a subsequent Complete must fail.
func (m *Manager) Abort(ctx context.Context, upload *Upload) error {
	resp, err := m.client.Post(ctx, upload.PartsDirectory+"/abort", nil, "", 204)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	m.logger.WithField("upload_id", upload.ID).Debug("aborted multipart upload")
	return nil
}

type commitRequest struct {
	Parts []string `json:"parts"`
}

// Complete commits the upload from parts, which may be given in any
// order: they are sorted by part number before their ETags are listed
// in the commit body. This is irreversible once accepted.
func (m *Manager) Complete(ctx context.Context, upload *Upload, parts []Part) error {
	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	etags := make([]string, len(sorted))
	for i, p := range sorted {
		etags[i] = p.ETag
	}
	body, err := json.Marshal(commitRequest{Parts: etags})
	if err != nil {
		return merrors.Multipart("marshaling commit request", err)
	}

	resp, err := m.client.Post(ctx, upload.PartsDirectory+"/commit", bytes.NewReader(body), "application/json", 204)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	m.logger.WithFields(logrus.Fields{"upload_id": upload.ID, "part_count": len(parts)}).Debug("committed multipart upload")
	return nil
}

// ValidateSequentialParts collects the uploaded parts and fails if
// there is a gap or duplicate in the 1-based numbering.
func (m *Manager) ValidateSequentialParts(ctx context.Context, upload *Upload) ([]Part, error) {
	parts, err := m.ListParts(ctx, upload)
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	for i, p := range parts {
		if seen[p.Number] {
			return nil, merrors.Multipart(fmt.Sprintf("duplicate part number %d", p.Number), nil)
		}
		seen[p.Number] = true
		if i > 0 && p.Number != parts[i-1].Number+1 {
			return nil, merrors.Multipart(fmt.Sprintf("gap in part numbering: part %d followed by part %d", parts[i-1].Number, p.Number), nil)
		}
	}
	return parts, nil
}

// WaitForCompletion polls GetStatus every interval, up to maxPolls
// times, until the upload leaves the FINALIZING states. onTimeout is
// invoked if maxPolls is exhausted first.
func (m *Manager) WaitForCompletion(ctx context.Context, upload *Upload, interval time.Duration, maxPolls int, onTimeout func()) (State, error) {
	for i := 0; i < maxPolls; i++ {
		state, err := m.GetStatus(ctx, upload)
		if err != nil {
			return StateUnknown, err
		}
		if state != StateCommitting && state != StateAborting {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return StateUnknown, ctx.Err()
		case <-time.After(interval):
		}
	}
	if onTimeout != nil {
		onTimeout()
	}
	return StateUnknown, merrors.Multipart("timed out waiting for multipart upload to finalize", nil)
}
