package beacon

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaskRoundTrip(t *testing.T) {
	keys := [][]byte{
		nil,
		[]byte{0x00},
		[]byte("short"),
		bytes.Repeat([]byte{0xAB}, MaskBlockSize),
		bytes.Repeat([]byte("0123456789abcdef"), 9), // longer than one block
	}
	for _, key := range keys {
		for _, round := range []uint64{0, 1, 42, 9_876_543_210} {
			masked := MaskKey(key, round)
			require.Len(t, masked, len(key))
			require.Equal(t, key, append([]byte(nil), UnmaskKey(masked, round)...))
		}
	}
}

func TestMaskDependsOnRound(t *testing.T) {
	key := bytes.Repeat([]byte{0x5A}, 48)
	require.NotEqual(t, MaskKey(key, 1), MaskKey(key, 2))
}

func TestDeriveMaskMatchesDecimalRepresentation(t *testing.T) {
	// Rounds with the same digits in different bases must not collide:
	// the derivation hashes the decimal string, so 0x10 (16) and 10 differ.
	require.NotEqual(t, DeriveMask(16), DeriveMask(10))
	require.Equal(t, DeriveMask(7), DeriveMask(7))
}

func TestMaskBoxRoundTrip(t *testing.T) {
	var box TimelockBox = MaskBox{Round: 1234}
	sealed, err := box.Seal([]byte("dead man switch key"), 1234)
	require.NoError(t, err)
	opened, err := box.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("dead man switch key"), opened)
}

func TestQuicknetTlockBoxTargetsQuicknet(t *testing.T) {
	var box TimelockBox = NewQuicknetTlockBox()
	require.Equal(t, QuicknetChainHash, box.(*TlockBox).ChainHash)
}
