package buffer

import (
	"fmt"
	"sort"

	"github.com/rzbill/flobuf/internal/errs"
)

// Position is an offset within one priority level. Consumer cursors hold
// the next unread position per level.
type Position struct {
	Level  int
	Offset uint64
}

// Next returns the position right after p.
func (p Position) Next() Position { return Position{Level: p.Level, Offset: p.Offset + 1} }

func (p Position) String() string { return fmt.Sprintf("%d:%d", p.Level, p.Offset) }

// AckPositions folds a batch into the highest next-unread position per
// level, in level order.
func AckPositions(ds []Delivery) []Position {
	best := map[int]uint64{}
	for _, d := range ds {
		n := d.Position.Offset + 1
		if cur, ok := best[d.Position.Level]; !ok || n > cur {
			best[d.Position.Level] = n
		}
	}
	out := make([]Position, 0, len(best))
	for lvl, off := range best {
		out = append(out, Position{Level: lvl, Offset: off})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

// Advance applies positions to cursors. It validates every position against
// the per-level end offsets first and returns the updated copy and whether
// anything moved; on error cursors are left untouched.
func Advance(op string, cursors []uint64, ends []uint64, positions []Position) ([]uint64, bool, error) {
	for _, p := range positions {
		if p.Level < 0 || p.Level >= len(cursors) {
			return cursors, false, errs.Errorf(errs.KindConsumer, op, "unknown level %d", p.Level)
		}
		if p.Offset > ends[p.Level] {
			return cursors, false, errs.Errorf(errs.KindConsumer, op,
				"position %s beyond end of data (%d)", p, ends[p.Level])
		}
	}
	out := append([]uint64(nil), cursors...)
	moved := false
	for _, p := range positions {
		if p.Offset > out[p.Level] {
			out[p.Level] = p.Offset
			moved = true
		}
	}
	return out, moved, nil
}

// Watermarks returns the per-level minimum over cursors. With no cursors
// every level's watermark is its base, so nothing is collectable.
func Watermarks(bases []uint64, cursors map[string][]uint64) []uint64 {
	wm := append([]uint64(nil), bases...)
	first := true
	for _, c := range cursors {
		for lvl := range wm {
			if first || c[lvl] < wm[lvl] {
				wm[lvl] = c[lvl]
			}
		}
		first = false
	}
	for lvl := range wm {
		if wm[lvl] < bases[lvl] {
			wm[lvl] = bases[lvl]
		}
	}
	return wm
}
