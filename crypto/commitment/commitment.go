// Package commitment implements the binding key commitment used by the
// listing reveal guard. A commitment is keccak256(key || salt) with the salt
// fixed at 32 bytes so the key/salt boundary is unambiguous without length
// prefixing.
package commitment

import (
	"crypto/subtle"
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SaltLength is the required salt size in bytes. Fixing the salt size keeps
// the unprefixed concatenation collision-free across (key, salt) splits.
const SaltLength = 32

// DigestLength is the commitment size in bytes (keccak256 output).
const DigestLength = 32

var ErrInvalidSalt = errors.New("commitment: salt must be exactly 32 bytes")

// Commit computes the binding commitment over key and salt. The function is
// pure and deterministic.
func Commit(key, salt []byte) ([32]byte, error) {
	var digest [32]byte
	if len(salt) != SaltLength {
		return digest, ErrInvalidSalt
	}
	sum := ethcrypto.Keccak256(key, salt)
	copy(digest[:], sum)
	return digest, nil
}

// Verify reports whether the supplied key and salt open the commitment. The
// comparison is constant-time.
func Verify(key, salt []byte, digest [32]byte) bool {
	computed, err := Commit(key, salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(computed[:], digest[:]) == 1
}
