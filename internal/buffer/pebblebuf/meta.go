package pebblebuf

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rzbill/flobuf/internal/errs"
	"github.com/rzbill/flobuf/internal/eventlog"
	pebblestore "github.com/rzbill/flobuf/internal/storage/pebble"
)

const metaVersion = 1

// Meta describes a buffer namespace. Levels is fixed at creation.
type Meta struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Levels      int    `json:"levels"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// ensureMeta creates the namespace meta record if absent and checks the
// level count otherwise.
func ensureMeta(db *pebblestore.DB, name string, levels int) (Meta, error) {
	const op = "pebblebuf.open"
	key := eventlog.KeyNamespaceMeta(name)
	b, err := db.Get(key)
	switch {
	case err == nil:
		var m Meta
		if err := json.Unmarshal(b, &m); err != nil {
			return Meta{}, errs.E(errs.KindCorruption, op, err)
		}
		if m.Version != metaVersion {
			return Meta{}, errs.Errorf(errs.KindConfig, op, "meta version %d not supported", m.Version)
		}
		if m.Levels != levels {
			return Meta{}, errs.Errorf(errs.KindConfig, op,
				"buffer %q was created with %d levels, classifier has %d", name, m.Levels, levels)
		}
		return m, nil
	case errors.Is(err, pebblestore.ErrNotFound):
	default:
		return Meta{}, errs.FromIO(op, err)
	}

	m := Meta{Name: name, Version: metaVersion, Levels: levels, CreatedAtMs: time.Now().UnixMilli()}
	raw, err := json.Marshal(m)
	if err != nil {
		return Meta{}, err
	}
	if err := db.Set(key, raw); err != nil {
		return Meta{}, errs.FromIO(op, err)
	}
	return m, nil
}
