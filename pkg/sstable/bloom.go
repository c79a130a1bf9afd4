package sstable

import "encoding/binary"

// Bloom filter over the user-key portion of a table's entries. The last byte
// of the encoding stores the number of probes so readers stay compatible
// when bits-per-key changes.

func bloomHash(data []byte) uint32 {
	const (
		seed = 0xbc9f1d34
		m    = 0xc6a4a793
	)
	h := uint32(seed) ^ uint32(len(data))*m
	for len(data) >= 4 {
		h += binary.LittleEndian.Uint32(data)
		h *= m
		h ^= h >> 16
		data = data[4:]
	}
	switch len(data) {
	case 3:
		h += uint32(data[2]) << 16
		fallthrough
	case 2:
		h += uint32(data[1]) << 8
		fallthrough
	case 1:
		h += uint32(data[0])
		h *= m
		h ^= h >> 24
	}
	return h
}

func buildBloomFilter(keys [][]byte, bitsPerKey int) []byte {
	// Probe count that minimizes the false positive rate: bits/key * ln(2).
	k := bitsPerKey * 69 / 100
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	bits := len(keys) * bitsPerKey
	if bits < 64 {
		bits = 64
	}
	nBytes := (bits + 7) / 8
	bits = nBytes * 8

	filter := make([]byte, nBytes+1)
	filter[nBytes] = byte(k)

	for _, key := range keys {
		h := bloomHash(key)
		delta := h>>17 | h<<15
		for j := 0; j < k; j++ {
			pos := h % uint32(bits)
			filter[pos/8] |= 1 << (pos % 8)
			h += delta
		}
	}
	return filter
}

func bloomMayContain(filter, key []byte) bool {
	if len(filter) < 2 {
		return true
	}
	nBytes := len(filter) - 1
	bits := uint32(nBytes * 8)
	k := int(filter[nBytes])
	if k > 30 {
		// Reserved for future encodings; treat as a match.
		return true
	}

	h := bloomHash(key)
	delta := h>>17 | h<<15
	for j := 0; j < k; j++ {
		pos := h % bits
		if filter[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}
