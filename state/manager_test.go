package state

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"vaultmarket/native/listing"
	"vaultmarket/storage"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func testManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(storage.NewMemDB())
}

func sampleListing(id uint64) *listing.Listing {
	return &listing.Listing{
		ID:                   id,
		Seller:               testAddr(0x01),
		Price:                big.NewInt(100),
		ReleaseTime:          1000,
		RevealDeadline:       4600,
		CipherURI:            "ipfs://bafy.../blob",
		CipherHash:           [32]byte{0xAA},
		KeyCommitment:        [32]byte{0xBB},
		Deposit:              big.NewInt(50),
		TimelockEnabled:      true,
		DrandRound:           77,
		TimelockEncryptedKey: []byte{0x01, 0x02, 0x03},
		CreatedAt:            500,
		Status:               listing.StatusCreated,
	}
}

func TestListingPersistenceRoundTrip(t *testing.T) {
	m := testManager(t)
	want := sampleListing(1)
	require.NoError(t, m.ListingPut(want))

	got, ok := m.ListingGet(1)
	require.True(t, ok)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Seller, got.Seller)
	require.Equal(t, 0, want.Price.Cmp(got.Price))
	require.Equal(t, want.RevealDeadline, got.RevealDeadline)
	require.Equal(t, want.CipherURI, got.CipherURI)
	require.Equal(t, want.CipherHash, got.CipherHash)
	require.Equal(t, want.KeyCommitment, got.KeyCommitment)
	require.Equal(t, want.TimelockEnabled, got.TimelockEnabled)
	require.Equal(t, want.DrandRound, got.DrandRound)
	require.Equal(t, want.TimelockEncryptedKey, got.TimelockEncryptedKey)
	require.Equal(t, want.Status, got.Status)
}

func TestListingGetMissing(t *testing.T) {
	m := testManager(t)
	_, ok := m.ListingGet(9)
	require.False(t, ok)
}

func TestListingPutRejectsInvalid(t *testing.T) {
	m := testManager(t)
	bad := sampleListing(1)
	bad.Price = big.NewInt(-1)
	require.Error(t, m.ListingPut(bad))
	require.Error(t, m.ListingPut(nil))
}

func TestListingIDAdvancesOnPut(t *testing.T) {
	m := testManager(t)

	// Peeking writes nothing: the same id comes back until a listing lands.
	for i := 0; i < 3; i++ {
		id, err := m.NextListingID()
		require.NoError(t, err)
		require.Equal(t, uint64(1), id)
	}
	require.Equal(t, uint64(0), m.ListingCount())

	require.NoError(t, m.ListingPut(sampleListing(1)))
	require.Equal(t, uint64(1), m.ListingCount())

	id, err := m.NextListingID()
	require.NoError(t, err)
	require.Equal(t, uint64(2), id)
}

func TestSequenceSurvivesReopen(t *testing.T) {
	db := storage.NewMemDB()
	m := NewManager(db)
	require.NoError(t, m.ListingPut(sampleListing(1)))
	require.NoError(t, m.ListingPut(sampleListing(2)))

	reopened := NewManager(db)
	id, err := reopened.NextListingID()
	require.NoError(t, err)
	require.Equal(t, uint64(3), id)
	require.Equal(t, uint64(2), reopened.ListingCount())
}

func TestMembershipSets(t *testing.T) {
	m := testManager(t)
	buyer := testAddr(0x02)
	other := testAddr(0x03)

	require.False(t, m.PurchaseHas(1, buyer))
	require.NoError(t, m.PurchasePut(1, buyer))
	require.True(t, m.PurchaseHas(1, buyer))
	require.False(t, m.PurchaseHas(1, other))
	require.False(t, m.PurchaseHas(2, buyer))

	require.False(t, m.RefundHas(1, buyer))
	require.NoError(t, m.RefundPut(1, buyer))
	require.True(t, m.RefundHas(1, buyer))
	require.False(t, m.RefundHas(1, other))
}

func TestEscrowCreditChecksBalance(t *testing.T) {
	m := testManager(t)
	payer := testAddr(0x02)
	require.NoError(t, m.Mint(payer, big.NewInt(100)))

	err := m.EscrowCredit(1, payer, big.NewInt(150))
	require.ErrorIs(t, err, listing.ErrInsufficientFunds)

	// Failed credit left both sides untouched.
	acc, err := m.GetAccount(payer)
	require.NoError(t, err)
	require.Equal(t, 0, acc.Balance.Cmp(big.NewInt(100)))
	require.Equal(t, 0, m.EscrowHeld(1).Sign())

	require.NoError(t, m.EscrowCredit(1, payer, big.NewInt(60)))
	acc, err = m.GetAccount(payer)
	require.NoError(t, err)
	require.Equal(t, 0, acc.Balance.Cmp(big.NewInt(40)))
	require.Equal(t, 0, m.EscrowHeld(1).Cmp(big.NewInt(60)))
}

func TestEscrowReleaseAllowsOverdraw(t *testing.T) {
	m := testManager(t)
	payer := testAddr(0x02)
	buyer := testAddr(0x04)
	require.NoError(t, m.Mint(payer, big.NewInt(50)))
	require.NoError(t, m.EscrowCredit(1, payer, big.NewInt(50)))

	// Two releases of 40 against 50 held: the second drives the listing's
	// escrow balance negative, matching the repeated deposit payout.
	require.NoError(t, m.EscrowRelease(1, buyer, big.NewInt(40)))
	require.NoError(t, m.EscrowRelease(1, buyer, big.NewInt(40)))

	acc, err := m.GetAccount(buyer)
	require.NoError(t, err)
	require.Equal(t, 0, acc.Balance.Cmp(big.NewInt(80)))
	require.Equal(t, 0, m.EscrowHeld(1).Cmp(big.NewInt(-30)))
}

func TestAccountsDefaultToZero(t *testing.T) {
	m := testManager(t)
	acc, err := m.GetAccount(testAddr(0x0F))
	require.NoError(t, err)
	require.NotNil(t, acc.Balance)
	require.Equal(t, 0, acc.Balance.Sign())
}

func TestFailedCreateLeavesNoState(t *testing.T) {
	m := testManager(t)
	seller := testAddr(0x01)

	engine := listing.NewEngine()
	engine.SetState(m)
	engine.SetNowFunc(func() uint64 { return 500 })

	// Unfunded seller: the deposit debit is rejected and nothing may land
	// in the ledger, not even the sequence advance.
	_, err := engine.Create(seller, listing.CreateParams{
		Price:              big.NewInt(100),
		ReleaseTime:        1000,
		RevealGraceSeconds: 60,
		Deposit:            big.NewInt(50),
	})
	require.ErrorIs(t, err, listing.ErrInsufficientFunds)

	count, err := engine.Count()
	require.NoError(t, err)
	require.Equal(t, uint64(0), count)
	_, ok := m.ListingGet(1)
	require.False(t, ok)
	require.Equal(t, 0, m.EscrowHeld(1).Sign())

	// The next successful create still takes id 1.
	require.NoError(t, m.Mint(seller, big.NewInt(50)))
	created, err := engine.Create(seller, listing.CreateParams{
		Price:              big.NewInt(100),
		ReleaseTime:        1000,
		RevealGraceSeconds: 60,
		Deposit:            big.NewInt(50),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), created.ID)
	require.Equal(t, uint64(1), m.ListingCount())
}

func TestManagerBacksListingEngine(t *testing.T) {
	m := testManager(t)
	seller := testAddr(0x01)
	buyer := testAddr(0x02)
	require.NoError(t, m.Mint(seller, big.NewInt(50)))
	require.NoError(t, m.Mint(buyer, big.NewInt(100)))

	engine := listing.NewEngine()
	engine.SetState(m)
	engine.SetNowFunc(func() uint64 { return 500 })

	created, err := engine.Create(seller, listing.CreateParams{
		Price:              big.NewInt(100),
		ReleaseTime:        1000,
		RevealGraceSeconds: 60,
		Deposit:            big.NewInt(50),
	})
	require.NoError(t, err)
	require.NoError(t, engine.Buy(created.ID, buyer, big.NewInt(100)))

	engine.SetNowFunc(func() uint64 { return 1061 })
	require.NoError(t, engine.ClaimRefund(created.ID, buyer))

	acc, err := m.GetAccount(buyer)
	require.NoError(t, err)
	require.Equal(t, 0, acc.Balance.Cmp(big.NewInt(150)))

	stored, ok := m.ListingGet(created.ID)
	require.True(t, ok)
	require.Equal(t, listing.StatusRefunded, stored.Status)
	require.True(t, stored.DepositForfeited)
}
