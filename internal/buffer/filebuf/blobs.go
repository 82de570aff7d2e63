package filebuf

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/rzbill/flobuf/internal/event"
	"github.com/rzbill/flobuf/pkg/id"
)

const tmpSuffix = ".tmp"

// blobStore holds private attachment copies under blobs/{id}.
type blobStore struct {
	dir   string
	gen   *id.Generator
	fsync bool
}

func (s *blobStore) path(name string) string { return filepath.Join(s.dir, name) }

// copyIn copies the attachment's content into a new blob. srcErr reports
// a problem reading the producer's data, err a storage failure.
func (s *blobStore) copyIn(a event.Attachment) (name string, size int64, digest string, srcErr, err error) {
	rc, err := a.Open()
	if err != nil {
		return "", 0, "", err, nil
	}
	defer rc.Close()
	src := &sourceReader{r: rc}

	name = s.gen.Next().String()
	tmp := s.path(name + tmpSuffix)
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, "", nil, errors.Wrap(err, "create blob")
	}
	h := sha256.New()
	size, err = io.Copy(io.MultiWriter(out, h), src)
	if err == nil && s.fsync {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		if src.err != nil {
			return "", 0, "", src.err, nil
		}
		return "", 0, "", nil, errors.Wrap(err, "copy attachment")
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		_ = os.Remove(tmp)
		return "", 0, "", nil, errors.Wrap(err, "publish blob")
	}
	return name, size, hex.EncodeToString(h.Sum(nil)), nil, nil
}

// sourceReader remembers read failures so they are not mistaken for
// storage errors.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

func (s *blobStore) remove(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove blob %s", name)
	}
	return nil
}

func (s *blobStore) syncDir() error {
	if !s.fsync {
		return nil
	}
	return syncDir(s.dir)
}

// sweep removes temp files and blobs not in keep. It returns the number of
// files removed.
func (s *blobStore) sweep(keep map[string]struct{}) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, errors.Wrap(err, "list blobs")
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, tmpSuffix) {
			if _, ok := keep[name]; ok {
				continue
			}
		}
		if err := s.remove(name); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
