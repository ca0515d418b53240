package listing

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"vaultmarket/beacon"
	"vaultmarket/core/events"
	"vaultmarket/crypto/commitment"
)

var errNilState = errors.New("listing engine: state not configured")

// engineState is the ledger surface the engine mutates through. Every
// operation against it is expected to be atomic with the state transition
// that triggered it; the external substrate serializes mutations, so the
// engine never sees interleaved writes on one listing.
type engineState interface {
	ListingPut(*Listing) error
	ListingGet(id uint64) (*Listing, bool)
	ListingCount() uint64
	// NextListingID returns the id the next stored listing will take. The
	// allocation becomes durable only when that listing is put, so a
	// rejected create leaves the sequence untouched.
	NextListingID() (uint64, error)

	PurchasePut(id uint64, buyer [20]byte) error
	PurchaseHas(id uint64, buyer [20]byte) bool
	RefundPut(id uint64, buyer [20]byte) error
	RefundHas(id uint64, buyer [20]byte) bool

	// EscrowCredit moves value from an account into the listing's escrow
	// balance; EscrowRelease moves escrowed value out to an account.
	EscrowCredit(id uint64, from [20]byte, amount *big.Int) error
	EscrowRelease(id uint64, to [20]byte, amount *big.Int) error
}

// Engine owns the listing lifecycle: creation, purchase, key reveal and
// refund, plus the read-only beacon recovery path. It delegates balance
// movement to the configured state backend and time to an injectable clock.
type Engine struct {
	state   engineState
	emitter events.Emitter
	rounds  beacon.Config
	nowFn   func() uint64
}

// NewEngine creates a listing engine with a no-op emitter and the quicknet
// round schedule. Callers can override both.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		rounds:  beacon.Quicknet(),
		nowFn:   func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRounds configures the beacon round schedule used for key recovery.
func (e *Engine) SetRounds(cfg beacon.Config) { e.rounds = cfg }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() uint64 {
	if e == nil || e.nowFn == nil {
		return uint64(time.Now().Unix())
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadListing(id uint64) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	l, ok := e.state.ListingGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return l, nil
}

// CreateParams carries the caller-supplied fields of a new listing. The core
// performs no scheduling validation: a release time in the past is accepted
// and the caller is responsible for sane values.
type CreateParams struct {
	Price                *big.Int
	ReleaseTime          uint64
	RevealGraceSeconds   uint64
	CipherURI            string
	CipherHash           [32]byte
	KeyCommitment        [32]byte
	TimelockEnabled      bool
	DrandRound           uint64
	TimelockEncryptedKey []byte
	Deposit              *big.Int
}

// Create allocates the next sequential listing id, stakes the seller's
// deposit into escrow and persists the listing in the Created state.
func (e *Engine) Create(seller [20]byte, params CreateParams) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if params.Price != nil && params.Price.Sign() < 0 {
		return nil, fmt.Errorf("listing: price must be non-negative")
	}
	if params.Deposit != nil && params.Deposit.Sign() < 0 {
		return nil, fmt.Errorf("listing: deposit must be non-negative")
	}
	round := params.DrandRound
	if params.TimelockEnabled && round == 0 {
		// No round supplied: lock against the first round that opens at or
		// after the release time.
		derived, err := e.rounds.RoundAfter(params.ReleaseTime)
		if err != nil {
			return nil, err
		}
		round = derived
	}
	// The id peek writes nothing; the allocation becomes durable with the
	// listing put, so a create rejected below leaves no trace.
	id, err := e.state.NextListingID()
	if err != nil {
		return nil, err
	}
	deposit := cloneBigInt(params.Deposit)
	if deposit.Sign() > 0 {
		if err := e.state.EscrowCredit(id, seller, deposit); err != nil {
			return nil, err
		}
	}
	l := &Listing{
		ID:                   id,
		Seller:               seller,
		Price:                cloneBigInt(params.Price),
		ReleaseTime:          params.ReleaseTime,
		RevealDeadline:       params.ReleaseTime + params.RevealGraceSeconds,
		CipherURI:            params.CipherURI,
		CipherHash:           params.CipherHash,
		KeyCommitment:        params.KeyCommitment,
		Deposit:              deposit,
		TimelockEnabled:      params.TimelockEnabled,
		DrandRound:           round,
		TimelockEncryptedKey: append([]byte(nil), params.TimelockEncryptedKey...),
		CreatedAt:            e.now(),
		Status:               StatusCreated,
	}
	if err := e.state.ListingPut(l); err != nil {
		return nil, err
	}
	e.emit(events.ListingCreated{
		ID:          l.ID,
		Seller:      l.Seller,
		ReleaseTime: l.ReleaseTime,
		Timelocked:  l.TimelockEnabled,
	})
	return l.Clone(), nil
}

// Buy records the caller as a buyer and credits the exact price into the
// listing's escrow. A buyer may purchase a given listing at most once; the
// purchase record is permanent.
func (e *Engine) Buy(id uint64, buyer [20]byte, paid *big.Int) error {
	l, err := e.loadListing(id)
	if err != nil {
		return err
	}
	if e.state.PurchaseHas(id, buyer) {
		return ErrAlreadyPurchased
	}
	price := cloneBigInt(l.Price)
	if cloneBigInt(paid).Cmp(price) != 0 {
		return ErrWrongValue
	}
	if err := e.state.EscrowCredit(id, buyer, price); err != nil {
		return err
	}
	if err := e.state.PurchasePut(id, buyer); err != nil {
		return err
	}
	if l.Status == StatusCreated {
		l.Status = StatusPurchased
		if err := e.state.ListingPut(l); err != nil {
			return err
		}
	}
	e.emit(events.ListingPurchased{ID: id, Buyer: buyer, Value: price})
	return nil
}

// RevealKey verifies the seller's key against the commitment, records it, and
// returns the staked deposit to the seller. The deposit moves only after
// verification succeeds, so the buyer's content pointer stays checkable
// against a real key before the collateral is released.
func (e *Engine) RevealKey(id uint64, caller [20]byte, key, salt []byte) error {
	l, err := e.loadListing(id)
	if err != nil {
		return err
	}
	if caller != l.Seller {
		return ErrNotSeller
	}
	if l.KeyRevealed {
		return ErrAlreadyRevealed
	}
	if l.DepositForfeited {
		return ErrDepositForfeited
	}
	if e.now() < l.ReleaseTime {
		return ErrRevealTooEarly
	}
	if !commitment.Verify(key, salt, l.KeyCommitment) {
		return ErrBadReveal
	}
	l.KeyRevealed = true
	l.RevealedKey = append([]byte(nil), key...)
	l.Status = StatusRevealed
	deposit := cloneBigInt(l.Deposit)
	if deposit.Sign() > 0 {
		if err := e.state.EscrowRelease(id, l.Seller, deposit); err != nil {
			return err
		}
	}
	if err := e.state.ListingPut(l); err != nil {
		return err
	}
	e.emit(events.ListingKeyRevealed{ID: id})
	return nil
}

// ClaimRefund pays a non-revealed listing's buyer back their price plus the
// seller's forfeited deposit once the reveal deadline has passed.
//
// Multiple buyers may each claim independently and each receives the full
// deposit on top of their price; the substrate absorbs the repeated deposit
// payout.
func (e *Engine) ClaimRefund(id uint64, caller [20]byte) error {
	l, err := e.loadListing(id)
	if err != nil {
		return err
	}
	if !e.state.PurchaseHas(id, caller) {
		return ErrNotPaidListing
	}
	if e.state.RefundHas(id, caller) {
		return ErrAlreadyRefunded
	}
	if l.KeyRevealed || e.now() <= l.RevealDeadline {
		return ErrRefundNotAvailable
	}
	if err := e.state.RefundPut(id, caller); err != nil {
		return err
	}
	payout := new(big.Int).Add(cloneBigInt(l.Price), cloneBigInt(l.Deposit))
	if payout.Sign() > 0 {
		if err := e.state.EscrowRelease(id, caller, payout); err != nil {
			return err
		}
	}
	l.DepositForfeited = true
	if l.Status != StatusRevealed {
		l.Status = StatusRefunded
	}
	if err := e.state.ListingPut(l); err != nil {
		return err
	}
	e.emit(events.ListingRefunded{ID: id, Buyer: caller, Value: payout})
	return nil
}

// Get returns a copy of the listing.
func (e *Engine) Get(id uint64) (*Listing, error) {
	l, err := e.loadListing(id)
	if err != nil {
		return nil, err
	}
	return l.Clone(), nil
}

// Count returns the number of listings ever created.
func (e *Engine) Count() (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.ListingCount(), nil
}

// HasPurchased reports whether the account has paid for the listing.
func (e *Engine) HasPurchased(id uint64, account [20]byte) (bool, error) {
	if _, err := e.loadListing(id); err != nil {
		return false, err
	}
	return e.state.PurchaseHas(id, account), nil
}

// HasRefunded reports whether the account has been refunded for the listing.
func (e *Engine) HasRefunded(id uint64, account [20]byte) (bool, error) {
	if _, err := e.loadListing(id); err != nil {
		return false, err
	}
	return e.state.RefundHas(id, account), nil
}

// RecoverKey derives a timelocked listing's key from the round mask once the
// target beacon round has opened. It is a pure read: no ledger state changes
// and no seller cooperation are required, which is what lets a dead-man
// listing publish itself.
func (e *Engine) RecoverKey(id uint64) ([]byte, error) {
	l, err := e.loadListing(id)
	if err != nil {
		return nil, err
	}
	if !l.TimelockEnabled {
		return nil, ErrNotTimelocked
	}
	if !e.rounds.IsRoundReached(l.DrandRound, e.now()) {
		return nil, ErrRoundNotReached
	}
	return beacon.UnmaskKey(l.TimelockEncryptedKey, l.DrandRound), nil
}
