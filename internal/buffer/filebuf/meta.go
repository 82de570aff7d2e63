package filebuf

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/rzbill/flobuf/internal/errs"
)

const metaVersion = 1

// metaFile is meta.json. Collected holds, per level, the offset below which
// attachments were garbage collected; it never decreases.
type metaFile struct {
	Version   int      `json:"version"`
	Levels    int      `json:"levels"`
	Collected []uint64 `json:"collected"`
}

func loadOrInitMeta(dir string, levels int, fsync bool) (metaFile, error) {
	const op = "filebuf.open"
	path := filepath.Join(dir, "meta.json")
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		m := metaFile{Version: metaVersion, Levels: levels, Collected: make([]uint64, levels)}
		return m, writeMeta(dir, m, fsync)
	}
	if err != nil {
		return metaFile{}, errors.Wrap(err, "read meta.json")
	}
	var m metaFile
	if err := json.Unmarshal(b, &m); err != nil {
		return metaFile{}, errs.E(errs.KindCorruption, op, errors.Wrap(err, "parse meta.json"))
	}
	if m.Version != metaVersion {
		return metaFile{}, errs.Errorf(errs.KindConfig, op, "meta.json version %d not supported", m.Version)
	}
	if m.Levels != levels {
		return metaFile{}, errs.Errorf(errs.KindConfig, op,
			"buffer was created with %d levels, classifier has %d", m.Levels, levels)
	}
	if len(m.Collected) != levels {
		m.Collected = make([]uint64, levels)
	}
	return m, nil
}

func writeMeta(dir string, m metaFile, fsync bool) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "meta.json"), b, fsync)
}
