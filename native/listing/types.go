package listing

import (
	"fmt"
	"math/big"
)

// Status represents the lifecycle states of a listing.
type Status uint8

const (
	StatusCreated Status = iota
	StatusPurchased
	StatusRevealed
	StatusRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusPurchased, StatusRevealed, StatusRefunded:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusPurchased:
		return "purchased"
	case StatusRevealed:
		return "revealed"
	case StatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusRevealed || s == StatusRefunded
}

// Listing is a single time-locked content offer. Identifiers are sequential
// starting at 1 and never reused. Times are seconds since epoch.
type Listing struct {
	ID             uint64
	Seller         [20]byte
	Price          *big.Int
	ReleaseTime    uint64
	RevealDeadline uint64
	CipherURI      string
	CipherHash     [32]byte
	KeyCommitment  [32]byte
	Deposit        *big.Int
	KeyRevealed    bool
	RevealedKey    []byte

	// Beacon-variant fields, meaningful only when TimelockEnabled.
	TimelockEnabled      bool
	DrandRound           uint64
	TimelockEncryptedKey []byte

	// DepositForfeited flips true on the first refund payout and permanently
	// closes the reveal path: the collateral is spent and cannot also be
	// returned to the seller.
	DepositForfeited bool

	CreatedAt uint64
	Status    Status
}

// Clone returns a deep copy of the listing so callers can safely mutate the
// copy without affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Price != nil {
		clone.Price = new(big.Int).Set(l.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	if l.Deposit != nil {
		clone.Deposit = new(big.Int).Set(l.Deposit)
	} else {
		clone.Deposit = big.NewInt(0)
	}
	clone.RevealedKey = append([]byte(nil), l.RevealedKey...)
	clone.TimelockEncryptedKey = append([]byte(nil), l.TimelockEncryptedKey...)
	return &clone
}

// SanitizeListing validates and normalises a listing record, returning a
// cloned instance with non-nil amounts. The original value is not mutated.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("nil listing")
	}
	clone := l.Clone()
	if clone.Price.Sign() < 0 {
		return nil, fmt.Errorf("listing price must be non-negative")
	}
	if clone.Deposit.Sign() < 0 {
		return nil, fmt.Errorf("listing deposit must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid listing status: %d", clone.Status)
	}
	if clone.KeyRevealed && len(clone.RevealedKey) == 0 {
		return nil, fmt.Errorf("revealed listing missing key bytes")
	}
	return clone, nil
}
