// Package secret implements the preimage/hash commitment primitive shared
// by every escrow: a random secret, its hash under a chosen algorithm, and
// constant-time verification that a claimed preimage matches a commitment.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Size is the fixed length, in bytes, of both secrets and hashes.
const Size = 32

// HashAlgorithm selects the commitment function used to derive a Hash from
// a Secret. The algorithm used for an order is fixed at order creation
// and carried in the order record so claim-side adapters know how to
// check it. The l1utxo HTLC script checks the preimage with OP_SHA256
// only, so a Blake2b256 escrow on that ledger cannot be claimed.
type HashAlgorithm string

const (
	SHA256     HashAlgorithm = "sha256"
	Blake2b256 HashAlgorithm = "blake2b256"
)

// Valid reports whether a is one of the supported algorithms.
func (a HashAlgorithm) Valid() bool {
	switch a {
	case SHA256, Blake2b256:
		return true
	default:
		return false
	}
}

// Secret is the preimage. Keep it out of logs: only its Hash is safe to
// record until the coordinator has observed it revealed on-chain.
type Secret [Size]byte

// Hash is a commitment to a Secret under some HashAlgorithm.
type Hash [Size]byte

func (s Secret) String() string { return hex.EncodeToString(s[:]) }
func (h Hash) String() string   { return hex.EncodeToString(h[:]) }

// Generate returns a new cryptographically random Secret.
func Generate() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return Secret{}, fmt.Errorf("secret: generate: %w", err)
	}
	return s, nil
}

// Hash commits to s under algo.
func (algo HashAlgorithm) Hash(s Secret) (Hash, error) {
	switch algo {
	case SHA256:
		return Hash(sha256.Sum256(s[:])), nil
	case Blake2b256:
		sum := blake2b.Sum256(s[:])
		return Hash(sum), nil
	default:
		return Hash{}, fmt.Errorf("secret: unsupported hash algorithm %q", algo)
	}
}

// Verify reports whether preimage hashes to want under algo, in constant
// time with respect to the comparison itself. A hashing failure (unknown
// algorithm) is treated as a verification failure, not an error, since
// callers only ever need a yes/no answer at the point they call this.
func Verify(algo HashAlgorithm, preimage Secret, want Hash) bool {
	got, err := algo.Hash(preimage)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// ParseHash decodes a hex-encoded hash, as found in order records or
// on-chain event logs.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("secret: parse hash: %w", err)
	}
	if len(b) != Size {
		return Hash{}, fmt.Errorf("secret: parse hash: want %d bytes, got %d", Size, len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// ParseSecret decodes a hex-encoded preimage.
func ParseSecret(s string) (Secret, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Secret{}, fmt.Errorf("secret: parse secret: %w", err)
	}
	if len(b) != Size {
		return Secret{}, fmt.Errorf("secret: parse secret: want %d bytes, got %d", Size, len(b))
	}
	var s32 Secret
	copy(s32[:], b)
	return s32, nil
}
