package object

import "io"

// Stream wraps an io.Reader as a PUT data source. If Length is
// non-negative and client-side encryption is enabled, the encrypting
// entity validates that exactly that many bytes were consumed; the
// digesting entity does not check it.
type Stream struct {
	Reader io.Reader
	Length int64 // -1 if unknown
}

func (Stream) isDataSource() {}

// FilePath is a PUT data source backed by a path on local disk.
type FilePath struct {
	Path string
}

func (FilePath) isDataSource() {}

// Bytes is a PUT data source backed by an in-memory byte slice.
type Bytes struct {
	Data []byte
}

func (Bytes) isDataSource() {}

// Text is a PUT data source backed by a UTF-8 string.
type Text struct {
	Data string
}

func (Text) isDataSource() {}
