package beacon

import (
	"strconv"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// MaskBlockSize is the size of one mask block (keccak256 output).
const MaskBlockSize = 32

// DeriveMask computes the symmetric mask block for a round: the keccak256
// digest of the round's decimal string representation.
//
// This is an MVP construction. Anyone who can hash can compute the mask for
// any round, so it hides nothing from an adversary; real deployments seal the
// key with TlockBox instead and keep the mask path for offline testing.
func DeriveMask(round uint64) [MaskBlockSize]byte {
	var mask [MaskBlockSize]byte
	copy(mask[:], ethcrypto.Keccak256([]byte(strconv.FormatUint(round, 10))))
	return mask
}

// MaskKey XORs the key with the round mask, reusing the mask block cyclically
// for keys longer than one block.
func MaskKey(key []byte, round uint64) []byte {
	mask := DeriveMask(round)
	out := make([]byte, len(key))
	for i := range key {
		out[i] = key[i] ^ mask[i%MaskBlockSize]
	}
	return out
}

// UnmaskKey recovers the key from its masked form. XOR is self-inverse, so
// this is MaskKey under another name kept for call-site clarity.
func UnmaskKey(masked []byte, round uint64) []byte {
	return MaskKey(masked, round)
}
