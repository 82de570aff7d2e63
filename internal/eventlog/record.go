package eventlog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Record encoding: uvarint headerLen | header | payload | crc32c(header|payload)

// ErrCorrupt reports a record that fails length or checksum validation.
var ErrCorrupt = errors.New("eventlog: corrupt record")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeRecord returns a new encoded record.
func EncodeRecord(header, payload []byte) []byte {
	return AppendEncoded(make([]byte, 0, RecordSize(header, payload)), header, payload)
}

// AppendEncoded appends the encoding of header and payload to dst.
func AppendEncoded(dst, header, payload []byte) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	dst = append(dst, tmp[:n]...)
	dst = append(dst, header...)
	dst = append(dst, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(dst, crc)
}

// RecordSize is the encoded length of a record.
func RecordSize(header, payload []byte) int {
	var tmp [binary.MaxVarintLen64]byte
	return binary.PutUvarint(tmp[:], uint64(len(header))) + len(header) + len(payload) + 4
}

// Decoded is a validated record. Header and Payload alias the input.
type Decoded struct {
	Header  []byte
	Payload []byte
}

// DecodeRecord validates and splits b. The returned slices alias b.
func DecodeRecord(b []byte) (Decoded, error) {
	if len(b) < 1+4 {
		return Decoded{}, ErrCorrupt
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 {
		return Decoded{}, ErrCorrupt
	}
	if hlen > uint64(len(b)) || n+int(hlen)+4 > len(b) {
		return Decoded{}, ErrCorrupt
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return Decoded{}, ErrCorrupt
	}
	return Decoded{Header: header, Payload: payload}, nil
}
