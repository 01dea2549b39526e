package crypto

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the length in bytes of a hashgraph event or state hash.
const HashSize = 48

// Hash is a 384-bit digest, the default identity for events and Merkle
// nodes throughout the node.
type Hash [HashSize]byte

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// BytesToHash truncates or zero-pads b to HashSize bytes.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) >= HashSize {
		copy(h[:], b[len(b)-HashSize:])
	} else {
		copy(h[HashSize-len(b):], b)
	}
	return h
}

// HashAlgorithm identifies which digest function produced a Hash.
type HashAlgorithm int

const (
	// SHA384 is the default hash algorithm (stdlib crypto/sha512.Sum384).
	SHA384 HashAlgorithm = iota
	// BLAKE2b384 is the pluggable alternate algorithm.
	BLAKE2b384
)

// String returns the algorithm's name.
func (a HashAlgorithm) String() string {
	switch a {
	case SHA384:
		return "sha384"
	case BLAKE2b384:
		return "blake2b384"
	default:
		return fmt.Sprintf("algorithm(%d)", int(a))
	}
}

// Hasher computes the configured digest over a sequence of byte slices.
// It lets the event model and Merkle tree stay agnostic to which algorithm
// is in effect for a given roster/network.
type Hasher interface {
	Algorithm() HashAlgorithm
	Sum(data ...[]byte) Hash
}

// sha384Hasher is the default Hasher.
type sha384Hasher struct{}

func (sha384Hasher) Algorithm() HashAlgorithm { return SHA384 }

func (sha384Hasher) Sum(data ...[]byte) Hash {
	h := sha512.New384()
	for _, b := range data {
		h.Write(b)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// blake2bHasher is the alternate Hasher, used when a roster opts into
// BLAKE2b-384 instead of the SHA-384 default.
type blake2bHasher struct{}

func (blake2bHasher) Algorithm() HashAlgorithm { return BLAKE2b384 }

func (blake2bHasher) Sum(data ...[]byte) Hash {
	h, err := blake2b.New384(nil)
	if err != nil {
		// blake2b.New384 only errors on a bad key, and we pass nil.
		panic(fmt.Sprintf("crypto: blake2b.New384: %v", err))
	}
	for _, b := range data {
		h.Write(b)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// DefaultHasher returns the process-wide default Hasher (SHA-384).
func DefaultHasher() Hasher { return sha384Hasher{} }

// NewHasher returns the Hasher for the given algorithm.
func NewHasher(alg HashAlgorithm) Hasher {
	switch alg {
	case BLAKE2b384:
		return blake2bHasher{}
	default:
		return sha384Hasher{}
	}
}
