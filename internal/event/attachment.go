package event

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNoAttachment is returned when an event has no attachment under a key.
var ErrNoAttachment = errors.New("event: no such attachment")

// Attachment references binary data owned by a producer (Path set, Blob
// empty) or by a buffer (Blob set).
type Attachment struct {
	// Path is the producer path in reference mode, or the location of the
	// buffer's copy for file-backed blobs.
	Path string `json:"path,omitempty"`
	// Blob identifies the buffer-owned copy. Empty in reference mode.
	Blob string `json:"blob,omitempty"`
	// Size in bytes.
	Size int64 `json:"size"`
	// Digest is the hex sha256 of the content, recorded when copied.
	Digest string `json:"digest,omitempty"`

	open func() (io.ReadCloser, error)
}

// Owned reports whether the buffer holds a private copy.
func (a Attachment) Owned() bool { return a.Blob != "" }

// WithOpener returns a copy of a whose content is read through open instead
// of Path. Engines that keep blobs outside the filesystem use this.
func (a Attachment) WithOpener(open func() (io.ReadCloser, error)) Attachment {
	a.open = open
	return a
}

// Open returns a reader over the attachment bytes.
func (a Attachment) Open() (io.ReadCloser, error) {
	if a.open != nil {
		return a.open()
	}
	if a.Path == "" {
		return nil, fmt.Errorf("event: attachment has no location")
	}
	return os.Open(a.Path)
}

// ResolveAttachment opens the attachment stored under key.
func ResolveAttachment(ev Event, key string) (io.ReadCloser, error) {
	a, ok := ev.Attachments[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoAttachment, key)
	}
	return a.Open()
}

// Stat checks that a referenced attachment file is still a readable
// regular file and returns its current size.
func (a Attachment) Stat() (int64, error) { return checkReadable(a.Path) }

// checkReadable verifies path is a regular file that can be opened and
// returns its size.
func checkReadable(path string) (int64, error) {
	if path == "" {
		return 0, fmt.Errorf("empty path")
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if !st.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", path)
	}
	return st.Size(), nil
}
