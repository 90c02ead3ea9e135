package types

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Hash identifies blocks and content-addressed state nodes.
type Hash = chainhash.Hash

const HashSize = chainhash.HashSize

// HashFromUint64 writes n big-endian into the low 8 bytes of an otherwise zero hash.
func HashFromUint64(n uint64) Hash {
	var h Hash
	binary.BigEndian.PutUint64(h[HashSize-8:], n)
	return h
}

// NodeKey returns the content address of value.
func NodeKey(value []byte) Hash {
	return chainhash.HashH(value)
}
