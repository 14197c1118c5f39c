// Package object implements the client's object model (C11): paths,
// headers, user metadata, and the directory/snaplink conventions the
// store uses to distinguish object kinds by content-type.
package object

import (
	"net/url"
	"strings"
)

// DirectoryContentType is the sentinel content-type the store returns
// for directory objects. An object whose response carries this
// content-type has no body-bearing operations other than LIST.
const DirectoryContentType = "application/json; type=directory"

// LinkContentType is the content-type used when creating a snaplink:
// an atomic server-side "copy by reference" to an existing object.
const LinkContentType = "application/json; type=link"

// MetadataPrefix is the reserved prefix for user metadata header
// keys, matched case-insensitively.
const MetadataPrefix = "m-"

// EncodePath splits p on "/", percent-encodes each non-empty segment
// as UTF-8 (every byte outside A-Z a-z 0-9 - _ . ~ becomes %XX, a
// space becomes %20), and rejoins with "/". Empty segments (e.g. from
// "//") are elided, and the result always starts with "/".
func EncodePath(p string) string {
	segments := strings.Split(p, "/")
	encoded := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		encoded = append(encoded, strings.ReplaceAll(url.QueryEscape(seg), "+", "%20"))
	}
	return "/" + strings.Join(encoded, "/")
}

// DecodePath is the inverse of EncodePath's percent-encoding step; it
// does not restore elided empty segments, since EncodePath never
// produces one to begin with.
func DecodePath(p string) (string, error) {
	segments := strings.Split(p, "/")
	decoded := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		d, err := url.PathUnescape(seg)
		if err != nil {
			return "", err
		}
		decoded = append(decoded, d)
	}
	return "/" + strings.Join(decoded, "/"), nil
}

// Metadata is a case-insensitive key/value map of user metadata.
// Keys are normalized to lower-case internally; callers may pass
// keys with or without the reserved "m-" prefix.
type Metadata struct {
	values map[string]string
}

// NewMetadata returns an empty Metadata map.
func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string]string)}
}

func normalizeKey(key string) string {
	key = strings.ToLower(key)
	if !strings.HasPrefix(key, MetadataPrefix) {
		key = MetadataPrefix + key
	}
	return key
}

// Set stores value under key, adding the reserved prefix if absent.
func (m *Metadata) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[normalizeKey(key)] = value
}

// Get returns the value for key and whether it was present.
func (m *Metadata) Get(key string) (string, bool) {
	v, ok := m.values[normalizeKey(key)]
	return v, ok
}

// Headers returns the metadata as a flat map of wire header names,
// suitable for merging into an HTTP request's headers.
func (m *Metadata) Headers() map[string]string {
	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// Headers holds the HTTP headers attached to an object: content-type,
// content-length, etag, and content-md5 at minimum, plus whatever
// else the store returned.
type Headers struct {
	ContentType   string
	ContentLength int64
	ETag          string
	ContentMD5    string
	Location      string // set on snaplinks
	Extra         map[string]string
}

// IsDirectory reports whether h describes a directory object.
func (h Headers) IsDirectory() bool {
	return h.ContentType == DirectoryContentType
}

// Object is a reference to a virtual file (or directory) in the
// store. Paths always start with "/"; a nil DataSource means the
// object carries no body (directories, or objects not yet fetched).
type Object struct {
	Path     string
	Headers  Headers
	Metadata *Metadata
	Source   DataSource
}

// New returns an Object for path with empty metadata.
func New(path string) *Object {
	return &Object{Path: path, Metadata: NewMetadata()}
}

// NewSnaplink returns an Object representing a snaplink: creating it
// with PUT produces an atomic server-side copy-by-reference at path
// pointing at target.
func NewSnaplink(path, target string) *Object {
	o := New(path)
	o.Headers.ContentType = LinkContentType
	o.Headers.Location = target
	return o
}

// DataSource is implemented by the one permitted body source for a
// PUT: a stream, a file path, a byte slice, or a string. Exactly one
// data source is permitted per PUT. The concrete types (Stream,
// FilePath, Bytes, Text) live in sources.go.
type DataSource interface {
	isDataSource()
}
