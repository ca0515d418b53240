// Package state persists market state in a key-value ledger: listings,
// purchase and refund membership, account balances and per-listing escrow
// holdings. Records are RLP encoded under prefixed keys.
package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"vaultmarket/core/types"
	"vaultmarket/native/listing"
	"vaultmarket/storage"
)

var (
	keyListingSeq    = []byte("listing/seq")
	prefixListing    = []byte("listing/item/")
	prefixPurchase   = []byte("listing/purchase/")
	prefixRefund     = []byte("listing/refund/")
	prefixAccount    = []byte("account/")
	prefixEscrowHeld = []byte("listing/escrow/")
)

// Manager implements the listing engine's state surface over a
// storage.Database. Mutating operations are serialized by the caller (the
// RPC module runs one engine operation at a time); the manager's own mutex
// only guards the composite read-modify-write of individual records.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

// NewManager creates a state manager backed by the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// storedListing is the RLP wire form of a listing. RLP has no signed
// integers, so amounts are non-negative big.Ints by construction
// (SanitizeListing enforces that on every put).
type storedListing struct {
	ID                   uint64
	Seller               [20]byte
	Price                *big.Int
	ReleaseTime          uint64
	RevealDeadline       uint64
	CipherURI            string
	CipherHash           [32]byte
	KeyCommitment        [32]byte
	Deposit              *big.Int
	KeyRevealed          bool
	RevealedKey          []byte
	TimelockEnabled      bool
	DrandRound           uint64
	TimelockEncryptedKey []byte
	DepositForfeited     bool
	CreatedAt            uint64
	Status               uint8
}

// heldBalance carries a sign bit: a listing's escrow balance can go negative
// when the forfeited deposit is paid out to more than one refunding buyer.
type heldBalance struct {
	Negative  bool
	Magnitude *big.Int
}

func listingKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append(append([]byte(nil), prefixListing...), buf[:]...)
}

func membershipKey(prefix []byte, id uint64, account [20]byte) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	key := append(append([]byte(nil), prefix...), buf[:]...)
	return append(key, account[:]...)
}

func accountKey(addr [20]byte) []byte {
	return append(append([]byte(nil), prefixAccount...), addr[:]...)
}

func escrowKey(id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append(append([]byte(nil), prefixEscrowHeld...), buf[:]...)
}

func (m *Manager) errNil() error {
	if m == nil || m.db == nil {
		return errors.New("state: manager not configured")
	}
	return nil
}

// ListingPut sanitizes and persists a listing record.
func (m *Manager) ListingPut(l *listing.Listing) error {
	if err := m.errNil(); err != nil {
		return err
	}
	sanitized, err := listing.SanitizeListing(l)
	if err != nil {
		return err
	}
	record := storedListing{
		ID:                   sanitized.ID,
		Seller:               sanitized.Seller,
		Price:                sanitized.Price,
		ReleaseTime:          sanitized.ReleaseTime,
		RevealDeadline:       sanitized.RevealDeadline,
		CipherURI:            sanitized.CipherURI,
		CipherHash:           sanitized.CipherHash,
		KeyCommitment:        sanitized.KeyCommitment,
		Deposit:              sanitized.Deposit,
		KeyRevealed:          sanitized.KeyRevealed,
		RevealedKey:          sanitized.RevealedKey,
		TimelockEnabled:      sanitized.TimelockEnabled,
		DrandRound:           sanitized.DrandRound,
		TimelockEncryptedKey: sanitized.TimelockEncryptedKey,
		DepositForfeited:     sanitized.DepositForfeited,
		CreatedAt:            sanitized.CreatedAt,
		Status:               uint8(sanitized.Status),
	}
	encoded, err := rlp.EncodeToBytes(&record)
	if err != nil {
		return fmt.Errorf("state: encode listing %d: %w", sanitized.ID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.db.Put(listingKey(sanitized.ID), encoded); err != nil {
		return err
	}
	// Commit the sequence advance together with the record.
	if sanitized.ID > m.readSeq() {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], sanitized.ID)
		return m.db.Put(keyListingSeq, buf[:])
	}
	return nil
}

// ListingGet loads a listing by id.
func (m *Manager) ListingGet(id uint64) (*listing.Listing, bool) {
	if m.errNil() != nil {
		return nil, false
	}
	encoded, err := m.db.Get(listingKey(id))
	if err != nil {
		return nil, false
	}
	var record storedListing
	if err := rlp.DecodeBytes(encoded, &record); err != nil {
		return nil, false
	}
	return &listing.Listing{
		ID:                   record.ID,
		Seller:               record.Seller,
		Price:                record.Price,
		ReleaseTime:          record.ReleaseTime,
		RevealDeadline:       record.RevealDeadline,
		CipherURI:            record.CipherURI,
		CipherHash:           record.CipherHash,
		KeyCommitment:        record.KeyCommitment,
		Deposit:              record.Deposit,
		KeyRevealed:          record.KeyRevealed,
		RevealedKey:          record.RevealedKey,
		TimelockEnabled:      record.TimelockEnabled,
		DrandRound:           record.DrandRound,
		TimelockEncryptedKey: record.TimelockEncryptedKey,
		DepositForfeited:     record.DepositForfeited,
		CreatedAt:            record.CreatedAt,
		Status:               listing.Status(record.Status),
	}, true
}

// ListingCount returns the number of listings ever created.
func (m *Manager) ListingCount() uint64 {
	if m.errNil() != nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readSeq()
}

// NextListingID returns the next sequential listing id, starting at 1.
// Identifiers are never reused. Nothing is written here: the sequence
// advances when the listing is stored, so an operation rejected after the
// peek leaves no trace in the ledger.
func (m *Manager) NextListingID() (uint64, error) {
	if err := m.errNil(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readSeq() + 1, nil
}

func (m *Manager) readSeq() uint64 {
	encoded, err := m.db.Get(keyListingSeq)
	if err != nil || len(encoded) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(encoded)
}

// PurchasePut records (id, buyer) in the purchase set. Membership is
// permanent.
func (m *Manager) PurchasePut(id uint64, buyer [20]byte) error {
	if err := m.errNil(); err != nil {
		return err
	}
	return m.db.Put(membershipKey(prefixPurchase, id, buyer), []byte{1})
}

// PurchaseHas reports purchase membership for (id, buyer).
func (m *Manager) PurchaseHas(id uint64, buyer [20]byte) bool {
	if m.errNil() != nil {
		return false
	}
	ok, err := m.db.Has(membershipKey(prefixPurchase, id, buyer))
	return err == nil && ok
}

// RefundPut records (id, buyer) in the refund set.
func (m *Manager) RefundPut(id uint64, buyer [20]byte) error {
	if err := m.errNil(); err != nil {
		return err
	}
	return m.db.Put(membershipKey(prefixRefund, id, buyer), []byte{1})
}

// RefundHas reports refund membership for (id, buyer).
func (m *Manager) RefundHas(id uint64, buyer [20]byte) bool {
	if m.errNil() != nil {
		return false
	}
	ok, err := m.db.Has(membershipKey(prefixRefund, id, buyer))
	return err == nil && ok
}

// GetAccount loads an account, returning a zero-balance account when absent.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	if err := m.errNil(); err != nil {
		return nil, err
	}
	encoded, err := m.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	if err != nil {
		return nil, err
	}
	var acc types.Account
	if err := rlp.DecodeBytes(encoded, &acc); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return &acc, nil
}

// PutAccount persists an account record.
func (m *Manager) PutAccount(addr [20]byte, acc *types.Account) error {
	if err := m.errNil(); err != nil {
		return err
	}
	if acc == nil {
		acc = &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	if acc.Balance.Sign() < 0 {
		return fmt.Errorf("state: account balance must be non-negative")
	}
	encoded, err := rlp.EncodeToBytes(acc)
	if err != nil {
		return err
	}
	return m.db.Put(accountKey(addr), encoded)
}

// Mint credits freshly issued value to an account. Used by the daemon's
// genesis allocation and by tests.
func (m *Manager) Mint(addr [20]byte, amount *big.Int) error {
	if err := m.errNil(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: mint amount must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return m.PutAccount(addr, acc)
}

// EscrowCredit moves value from an account into the listing's escrow
// balance. The debit fails without any state change when the account cannot
// cover the amount.
func (m *Manager) EscrowCredit(id uint64, from [20]byte, amount *big.Int) error {
	if err := m.errNil(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: escrow credit must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, err := m.GetAccount(from)
	if err != nil {
		return err
	}
	if acc.Balance.Cmp(amount) < 0 {
		return listing.ErrInsufficientFunds
	}
	acc.Balance = new(big.Int).Sub(acc.Balance, amount)
	if err := m.PutAccount(from, acc); err != nil {
		return err
	}
	held := m.escrowHeld(id)
	return m.putEscrowHeld(id, new(big.Int).Add(held, amount))
}

// EscrowRelease moves escrowed value out to an account. The listing balance
// may go negative: the refund path pays the forfeited deposit to every
// refunding buyer and the ledger substrate absorbs the shortfall.
func (m *Manager) EscrowRelease(id uint64, to [20]byte, amount *big.Int) error {
	if err := m.errNil(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: escrow release must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, err := m.GetAccount(to)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	if err := m.PutAccount(to, acc); err != nil {
		return err
	}
	held := m.escrowHeld(id)
	return m.putEscrowHeld(id, new(big.Int).Sub(held, amount))
}

// EscrowHeld returns the listing's current escrow balance.
func (m *Manager) EscrowHeld(id uint64) *big.Int {
	if m.errNil() != nil {
		return big.NewInt(0)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.escrowHeld(id)
}

func (m *Manager) escrowHeld(id uint64) *big.Int {
	encoded, err := m.db.Get(escrowKey(id))
	if err != nil {
		return big.NewInt(0)
	}
	var held heldBalance
	if err := rlp.DecodeBytes(encoded, &held); err != nil || held.Magnitude == nil {
		return big.NewInt(0)
	}
	value := new(big.Int).Set(held.Magnitude)
	if held.Negative {
		value.Neg(value)
	}
	return value
}

func (m *Manager) putEscrowHeld(id uint64, value *big.Int) error {
	held := heldBalance{Magnitude: new(big.Int).Abs(value), Negative: value.Sign() < 0}
	encoded, err := rlp.EncodeToBytes(&held)
	if err != nil {
		return err
	}
	return m.db.Put(escrowKey(id), encoded)
}
