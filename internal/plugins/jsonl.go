package plugins

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// inputLine is one line of a JSON-lines input file. Attachments map keys
// to paths readable by the input.
type inputLine struct {
	Fields      map[string]any    `json:"fields"`
	Attachments map[string]string `json:"attachments,omitempty"`
}

// outputLine is one line written by the JSON-lines output.
type outputLine struct {
	Level       int                         `json:"level"`
	Offset      uint64                      `json:"offset"`
	Producer    string                      `json:"producer,omitempty"`
	Fields      map[string]any              `json:"fields"`
	Attachments map[string]outputAttachment `json:"attachments,omitempty"`
}

type outputAttachment struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
	Path   string `json:"path,omitempty"`
}

func fileTag(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file:" + path
}

func readOffset(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
}

func writeOffset(path string, off int64) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(off, 10)+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func decodeLine(b []byte) (inputLine, error) {
	var l inputLine
	err := json.Unmarshal(b, &l)
	return l, err
}
