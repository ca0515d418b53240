package beacon

import (
	"bytes"
	"fmt"

	"github.com/drand/tlock"
	thttp "github.com/drand/tlock/networks/http"
)

// TimelockBox seals key bytes to a beacon round. Sealing happens off-ledger;
// the engine only stores whatever bytes the seller produced.
type TimelockBox interface {
	// Seal locks the key so it becomes recoverable once the round opens.
	Seal(key []byte, round uint64) ([]byte, error)
	// Open recovers the key. For the production box this fails until the
	// round's randomness has been published.
	Open(sealed []byte) ([]byte, error)
}

// MaskBox is the MVP box backed by the round-derived XOR mask. The mask
// carries no round information in the sealed bytes (the listing stores the
// round explicitly), so Open requires Round to be set on construction.
type MaskBox struct {
	Round uint64
}

func (b MaskBox) Seal(key []byte, round uint64) ([]byte, error) {
	return MaskKey(key, round), nil
}

func (b MaskBox) Open(sealed []byte) ([]byte, error) {
	return UnmaskKey(sealed, b.Round), nil
}

// TlockBox seals keys with real identity-based time-lock encryption against
// a drand network, via the tlock library.
type TlockBox struct {
	BaseURL   string
	ChainHash string
}

// NewQuicknetTlockBox returns a box locked to the public quicknet network.
func NewQuicknetTlockBox() *TlockBox {
	return &TlockBox{BaseURL: "https://api.drand.sh", ChainHash: QuicknetChainHash}
}

func (b *TlockBox) network() (*thttp.Network, error) {
	return thttp.NewNetwork(b.BaseURL, b.ChainHash)
}

func (b *TlockBox) Seal(key []byte, round uint64) ([]byte, error) {
	network, err := b.network()
	if err != nil {
		return nil, fmt.Errorf("beacon: tlock network: %w", err)
	}
	var sealed bytes.Buffer
	if err := tlock.New(network).Encrypt(&sealed, bytes.NewReader(key), round); err != nil {
		return nil, fmt.Errorf("beacon: tlock seal: %w", err)
	}
	return sealed.Bytes(), nil
}

func (b *TlockBox) Open(sealed []byte) ([]byte, error) {
	network, err := b.network()
	if err != nil {
		return nil, fmt.Errorf("beacon: tlock network: %w", err)
	}
	var key bytes.Buffer
	if err := tlock.New(network).Decrypt(&key, bytes.NewReader(sealed)); err != nil {
		return nil, fmt.Errorf("beacon: tlock open: %w", err)
	}
	return key.Bytes(), nil
}
