package sstore

import (
	"encoding/binary"
)

// KVPair is one live entry of a collection, as yielded by Each.
type KVPair struct {
	Key   []byte
	Value []byte
	// Created is the time of the last Put of Key, in unix nanoseconds.
	Created int64
}

// encodeKey frames key as it is stored in the heap: uvarint(len) || key.
func encodeKey(key []byte) []byte {
	buf := make([]byte, binary.MaxVarintLen32+len(key))
	n := binary.PutUvarint(buf, uint64(len(key)))
	n += copy(buf[n:], key)
	return buf[:n]
}

// keyRecordSize is the heap footprint of a key framed by encodeKey.
func keyRecordSize(keyLen uint64) uint64 {
	var tmp [binary.MaxVarintLen64]byte
	return uint64(binary.PutUvarint(tmp[:], keyLen)) + keyLen
}

// valueSize is the number of heap bytes reserved for a value of length n.
// Empty values still take one byte so that a written slot never has a
// zero dataSector.
func valueSize(n uint32) uint32 {
	if n == 0 {
		return 1
	}
	return n
}
