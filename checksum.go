package vaultdb

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
)

// checksumSize is the width, in bytes, of a page or record checksum.
const checksumSize = 8

// checksum hashes data under the selected algorithm and returns a 64-bit
// digest, matching the width reserved at the end of each node page.
func checksum(alg int, data []byte) uint64 {
	if alg == AlgBlake2b {
		h, _ := blake2b.New(8, nil)
		h.Write(data)
		return binary.BigEndian.Uint64(h.Sum(nil))
	}
	return xxh3.Hash(data)
}
