package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"vaultmarket/core/types"
)

const (
	TypeListingCreated   = "listing.created"
	TypeListingPurchased = "listing.purchased"
	TypeListingRefunded  = "listing.refunded"
	TypeListingRevealed  = "listing.key_revealed"
)

type ListingCreated struct {
	ID          uint64
	Seller      [20]byte
	ReleaseTime uint64
	Timelocked  bool
}

func (ListingCreated) EventType() string { return TypeListingCreated }

func (e ListingCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeListingCreated,
		Attributes: map[string]string{
			"id":          strconv.FormatUint(e.ID, 10),
			"seller":      hex.EncodeToString(e.Seller[:]),
			"releaseTime": strconv.FormatUint(e.ReleaseTime, 10),
			"timelocked":  strconv.FormatBool(e.Timelocked),
		},
	}
}

type ListingPurchased struct {
	ID    uint64
	Buyer [20]byte
	Value *big.Int
}

func (ListingPurchased) EventType() string { return TypeListingPurchased }

func (e ListingPurchased) Event() *types.Event {
	return &types.Event{
		Type: TypeListingPurchased,
		Attributes: map[string]string{
			"id":    strconv.FormatUint(e.ID, 10),
			"buyer": hex.EncodeToString(e.Buyer[:]),
			"value": formatAmount(e.Value),
		},
	}
}

type ListingRefunded struct {
	ID    uint64
	Buyer [20]byte
	Value *big.Int
}

func (ListingRefunded) EventType() string { return TypeListingRefunded }

func (e ListingRefunded) Event() *types.Event {
	return &types.Event{
		Type: TypeListingRefunded,
		Attributes: map[string]string{
			"id":    strconv.FormatUint(e.ID, 10),
			"buyer": hex.EncodeToString(e.Buyer[:]),
			"value": formatAmount(e.Value),
		},
	}
}

type ListingKeyRevealed struct {
	ID uint64
}

func (ListingKeyRevealed) EventType() string { return TypeListingRevealed }

func (e ListingKeyRevealed) Event() *types.Event {
	return &types.Event{
		Type: TypeListingRevealed,
		Attributes: map[string]string{
			"id": strconv.FormatUint(e.ID, 10),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
