package filebuf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	cursorVersion = 1
	cursorSuffix  = ".cursor"
)

// cursorFile is the persisted form of consumers/{id}.cursor.
type cursorFile struct {
	Version     int      `json:"version"`
	Consumer    string   `json:"consumer"`
	Cursors     []uint64 `json:"cursors"`
	UpdatedAtMs int64    `json:"updatedAtMs"`
}

// consumer is the in-memory cursor of one registered consumer. mu
// serializes Consume/Ack for the id.
type consumer struct {
	id      string
	mu      sync.Mutex
	cursors []uint64
	gone    bool // deregistered; guarded by mu
}

func cursorPath(dir, consumerID string) string {
	return filepath.Join(dir, consumerID+cursorSuffix)
}

func writeCursor(dir, consumerID string, cursors []uint64, fsync bool) error {
	b, err := json.Marshal(cursorFile{
		Version:     cursorVersion,
		Consumer:    consumerID,
		Cursors:     cursors,
		UpdatedAtMs: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return writeFileAtomic(cursorPath(dir, consumerID), b, fsync)
}

func readCursor(path string, levels int) (cursorFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return cursorFile{}, errors.Wrap(err, "read cursor")
	}
	var cf cursorFile
	if err := json.Unmarshal(b, &cf); err != nil {
		return cursorFile{}, fmt.Errorf("parse cursor %s: %w", filepath.Base(path), err)
	}
	if cf.Version != cursorVersion {
		return cursorFile{}, fmt.Errorf("cursor %s: unsupported version %d", filepath.Base(path), cf.Version)
	}
	if len(cf.Cursors) != levels {
		return cursorFile{}, fmt.Errorf("cursor %s: %d levels, buffer has %d", filepath.Base(path), len(cf.Cursors), levels)
	}
	return cf, nil
}

// listCursorFiles returns consumer ids found in dir and removes stale temp
// files.
func listCursorFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "list consumers")
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, tmpSuffix):
			_ = os.Remove(filepath.Join(dir, name))
		case strings.HasSuffix(name, cursorSuffix):
			ids = append(ids, strings.TrimSuffix(name, cursorSuffix))
		}
	}
	return ids, nil
}
