// Package crc32c computes masked CRC32C (Castagnoli) checksums for on-disk
// records. Stored CRCs are masked so a file that embeds CRCs never contains
// the raw checksum of its own bytes.
package crc32c

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

// Value returns the CRC32C of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, table)
}

// Extend returns the CRC32C of the concatenation of A and data, where crc is
// the CRC32C of A.
func Extend(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, table, data)
}

// Mask rotates the checksum and adds a constant before storage.
func Mask(crc uint32) uint32 {
	return (crc>>15 | crc<<17) + maskDelta
}

// Unmask reverses Mask.
func Unmask(masked uint32) uint32 {
	rot := masked - maskDelta
	return rot>>17 | rot<<15
}
