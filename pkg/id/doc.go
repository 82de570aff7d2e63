// Package id provides a 128-bit, lexicographically sortable identifier.
//
// The ID is 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence], so
// byte-wise (and hex) comparison follows generation order. The buffer engines
// use it for attachment blob names and for batch identifiers in the commit
// journal.
//
//	g := id.NewGenerator()
//	blob := g.Next().String() // 32 hex chars, filename-safe
package id
