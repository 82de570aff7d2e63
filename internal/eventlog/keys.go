package eventlog

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - ns/{ns}/meta
// - ns/{ns}/consumer/{group}
// - ns/{ns}/log/{topic}/{part_be4}/m
// - ns/{ns}/log/{topic}/{part_be4}/e/{seq_be8}
// - ns/{ns}/log/{topic}/{part_be4}/a/{seq_be8}/{key}
// - ns/{ns}/cursor/{topic}/{group}/{part_be4}

var (
	sep         = byte('/')
	nsPrefix    = []byte("ns/")
	logSeg      = []byte("/log/")
	cursorSeg   = []byte("/cursor/")
	consumerSeg = []byte("/consumer/")
	nsMetaSeg   = []byte("/meta")
	metaSuffix  = []byte("/m")
	entrySeg    = []byte("/e/")
	attachSeg   = []byte("/a/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func partitionPrefix(namespace, topic string, partition uint32, extra int) []byte {
	k := make([]byte, 0, len(namespace)+len(topic)+16+extra)
	k = append(k, nsPrefix...)
	k = append(k, namespace...)
	k = append(k, logSeg...)
	k = append(k, topic...)
	k = append(k, sep)
	return appendBE4(k, partition)
}

// KeyNamespaceMeta builds the namespace-wide metadata key.
func KeyNamespaceMeta(namespace string) []byte {
	k := make([]byte, 0, len(namespace)+16)
	k = append(k, nsPrefix...)
	k = append(k, namespace...)
	return append(k, nsMetaSeg...)
}

// KeyConsumer builds the registry key for a consumer group.
func KeyConsumer(namespace, group string) []byte {
	k := KeyConsumerPrefix(namespace)
	return append(k, group...)
}

// KeyConsumerPrefix returns the range prefix of all registered groups.
func KeyConsumerPrefix(namespace string) []byte {
	k := make([]byte, 0, len(namespace)+32)
	k = append(k, nsPrefix...)
	k = append(k, namespace...)
	return append(k, consumerSeg...)
}

// KeyLogMeta builds the partition metadata key.
func KeyLogMeta(namespace, topic string, partition uint32) []byte {
	k := partitionPrefix(namespace, topic, partition, len(metaSuffix))
	return append(k, metaSuffix...)
}

// KeyLogEntry builds the entry key with a big-endian sequence for proper ordering.
func KeyLogEntry(namespace, topic string, partition uint32, seq uint64) []byte {
	k := partitionPrefix(namespace, topic, partition, 16)
	k = append(k, entrySeg...)
	return appendBE8(k, seq)
}

// KeyEntryAttachment builds the key holding attachment bytes of one entry.
// Keys sort by sequence, so a range delete over [a/{lo}, a/{hi}) drops the
// attachments of every entry in [lo, hi).
func KeyEntryAttachment(namespace, topic string, partition uint32, seq uint64, key string) []byte {
	k := keyAttachmentSeq(namespace, topic, partition, seq, len(key)+1)
	k = append(k, sep)
	return append(k, key...)
}

func keyAttachmentSeq(namespace, topic string, partition uint32, seq uint64, extra int) []byte {
	k := partitionPrefix(namespace, topic, partition, 16+extra)
	k = append(k, attachSeg...)
	return appendBE8(k, seq)
}

// KeyCursor builds the durable cursor key for a group and partition.
func KeyCursor(namespace, topic, group string, partition uint32) []byte {
	k := make([]byte, 0, len(namespace)+len(topic)+len(group)+48)
	k = append(k, nsPrefix...)
	k = append(k, namespace...)
	k = append(k, cursorSeg...)
	k = append(k, topic...)
	k = append(k, sep)
	k = append(k, group...)
	k = append(k, sep)
	return appendBE4(k, partition)
}

// PrefixEnd returns the smallest key greater than every key with prefix p.
func PrefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
