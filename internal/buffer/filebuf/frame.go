package filebuf

import (
	"encoding/binary"
	"fmt"

	"github.com/rzbill/flobuf/internal/eventlog"
	"github.com/rzbill/flobuf/pkg/id"
)

// Partition file layout:
//
//	magic(8) | base(8 BE) | frame*
//	frame  = len(4 BE) | record
//	record = eventlog codec over header and payload
//	header = flags(1) | batch(16) | first(8 BE) | count(4 BE) | producer
//	payload = (uvarint len | stored event)*

const (
	fileMagic      = "FLOBUFP1"
	fileHeaderSize = 16
	frameLenSize   = 4
	frameHdrFixed  = 1 + 16 + 8 + 4

	// maxFrameSize bounds a single frame so a corrupt length prefix cannot
	// trigger a huge allocation during recovery.
	maxFrameSize = 1 << 30
)

const flagMulti = 1 << 0

type frameHeader struct {
	multi    bool
	batch    id.ID
	first    uint64
	count    uint32
	producer string
}

func encodeFileHeader(base uint64) []byte {
	b := make([]byte, fileHeaderSize)
	copy(b, fileMagic)
	binary.BigEndian.PutUint64(b[8:], base)
	return b
}

func decodeFileHeader(b []byte) (uint64, error) {
	if len(b) < fileHeaderSize || string(b[:8]) != fileMagic {
		return 0, fmt.Errorf("bad partition header: %w", eventlog.ErrCorrupt)
	}
	return binary.BigEndian.Uint64(b[8:16]), nil
}

// encodeFrame returns the length-prefixed frame for events.
func encodeFrame(h frameHeader, events [][]byte) []byte {
	hdr := make([]byte, 0, frameHdrFixed+len(h.producer))
	var flags byte
	if h.multi {
		flags |= flagMulti
	}
	hdr = append(hdr, flags)
	hdr = append(hdr, h.batch[:]...)
	hdr = binary.BigEndian.AppendUint64(hdr, h.first)
	hdr = binary.BigEndian.AppendUint32(hdr, h.count)
	hdr = append(hdr, h.producer...)

	size := 0
	for _, ev := range events {
		size += binary.MaxVarintLen64 + len(ev)
	}
	payload := make([]byte, 0, size)
	for _, ev := range events {
		payload = binary.AppendUvarint(payload, uint64(len(ev)))
		payload = append(payload, ev...)
	}

	out := make([]byte, frameLenSize, frameLenSize+eventlog.RecordSize(hdr, payload))
	out = eventlog.AppendEncoded(out, hdr, payload)
	binary.BigEndian.PutUint32(out, uint32(len(out)-frameLenSize))
	return out
}

// decodeFrame parses a record (without its length prefix). Returned event
// slices alias rec.
func decodeFrame(rec []byte) (frameHeader, [][]byte, error) {
	dec, err := eventlog.DecodeRecord(rec)
	if err != nil {
		return frameHeader{}, nil, err
	}
	hdr := dec.Header
	if len(hdr) < frameHdrFixed {
		return frameHeader{}, nil, fmt.Errorf("short frame header: %w", eventlog.ErrCorrupt)
	}
	var h frameHeader
	h.multi = hdr[0]&flagMulti != 0
	copy(h.batch[:], hdr[1:17])
	h.first = binary.BigEndian.Uint64(hdr[17:25])
	h.count = binary.BigEndian.Uint32(hdr[25:29])
	h.producer = string(hdr[29:])

	events := make([][]byte, 0, h.count)
	p := dec.Payload
	for len(p) > 0 {
		n, k := binary.Uvarint(p)
		if k <= 0 || n > uint64(len(p)-k) {
			return frameHeader{}, nil, fmt.Errorf("bad event length: %w", eventlog.ErrCorrupt)
		}
		events = append(events, p[k:k+int(n)])
		p = p[k+int(n):]
	}
	if uint32(len(events)) != h.count {
		return frameHeader{}, nil, fmt.Errorf("frame holds %d events, header says %d: %w", len(events), h.count, eventlog.ErrCorrupt)
	}
	return h, events, nil
}
