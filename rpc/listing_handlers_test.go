package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"vaultmarket/beacon"
	"vaultmarket/native/listing"
	"vaultmarket/state"
	"vaultmarket/storage"
)

const (
	testSeller = "0x0101010101010101010101010101010101010101"
	testBuyer  = "0x0202020202020202020202020202020202020202"
)

func newTestServer(t *testing.T) (*Server, *state.Manager, *listing.Engine) {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	engine := listing.NewEngine()
	engine.SetState(manager)
	engine.SetNowFunc(func() uint64 { return 500 })

	seller, err := parseAddress(testSeller)
	require.NoError(t, err)
	buyer, err := parseAddress(testBuyer)
	require.NoError(t, err)
	require.NoError(t, manager.Mint(seller, big.NewInt(1000)))
	require.NoError(t, manager.Mint(buyer, big.NewInt(1000)))

	return NewServer(engine, nil, nil), manager, engine
}

func callRPC(t *testing.T, server *Server, method string, params interface{}) (*RPCResponse, int) {
	t.Helper()
	return callRPCWithToken(t, server, method, params, "")
}

func callRPCWithToken(t *testing.T, server *Server, method string, params interface{}, token string) (*RPCResponse, int) {
	t.Helper()
	raw := []json.RawMessage{}
	if params != nil {
		encoded, err := json.Marshal(params)
		require.NoError(t, err)
		raw = append(raw, encoded)
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: raw, ID: 1})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var resp RPCResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp, rec.Code
}

func createViaRPC(t *testing.T, server *Server, params listingCreateParams) *listingJSON {
	t.Helper()
	resp, status := callRPC(t, server, "listing_create", params)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	encoded, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var created listingJSON
	require.NoError(t, json.Unmarshal(encoded, &created))
	return &created
}

func TestListingCreateAndGet(t *testing.T) {
	server, _, _ := newTestServer(t)

	created := createViaRPC(t, server, listingCreateParams{
		Seller:             testSeller,
		Price:              "100",
		ReleaseTime:        1000,
		RevealGraceSeconds: 3600,
		CipherURI:          "ipfs://bafy.../payload",
		Deposit:            "50",
	})
	require.Equal(t, uint64(1), created.ID)
	require.Equal(t, "created", created.Status)
	require.Equal(t, uint64(4600), created.RevealDeadline)

	resp, status := callRPC(t, server, "listing_get", listingIDParams{ID: 1})
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	resp, status = callRPC(t, server, "listing_count", nil)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)
}

func TestListingGetNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp, status := callRPC(t, server, "listing_get", listingIDParams{ID: 42})
	require.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeListingNotFound, resp.Error.Code)
}

func TestListingBuyFlowAndErrorMapping(t *testing.T) {
	server, _, _ := newTestServer(t)
	created := createViaRPC(t, server, listingCreateParams{
		Seller:             testSeller,
		Price:              "100",
		ReleaseTime:        1000,
		RevealGraceSeconds: 3600,
		Deposit:            "50",
	})

	resp, status := callRPC(t, server, "listing_buy", listingBuyParams{ID: created.ID, Buyer: testBuyer, Value: "99"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, codeListingInvalidParams, resp.Error.Code)

	resp, status = callRPC(t, server, "listing_buy", listingBuyParams{ID: created.ID, Buyer: testBuyer, Value: "100"})
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	resp, status = callRPC(t, server, "listing_buy", listingBuyParams{ID: created.ID, Buyer: testBuyer, Value: "100"})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeListingConflict, resp.Error.Code)

	resp, status = callRPC(t, server, "listing_isPurchased", listingMembershipParams{ID: created.ID, Account: testBuyer})
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)
	require.Equal(t, map[string]interface{}{"member": true}, resp.Result)
}

func TestListingRevealForbiddenForStranger(t *testing.T) {
	server, _, engine := newTestServer(t)
	created := createViaRPC(t, server, listingCreateParams{
		Seller:             testSeller,
		Price:              "100",
		ReleaseTime:        400,
		RevealGraceSeconds: 3600,
		Deposit:            "0",
	})
	engine.SetNowFunc(func() uint64 { return 450 })

	resp, status := callRPC(t, server, "listing_reveal", listingRevealParams{
		ID:     created.ID,
		Caller: testBuyer,
		Key:    "0xdeadbeef",
		Salt:   "0x" + fmt.Sprintf("%064x", 0),
	})
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, codeListingForbidden, resp.Error.Code)
}

func TestListingRecoverKeyViaRPC(t *testing.T) {
	server, _, engine := newTestServer(t)
	rounds := beacon.Config{Genesis: 0, Period: 30}
	engine.SetRounds(rounds)

	key := []byte("timelocked key")
	const round = 10
	created := createViaRPC(t, server, listingCreateParams{
		Seller:               testSeller,
		Price:                "0",
		ReleaseTime:          rounds.TimeForRound(round),
		RevealGraceSeconds:   60,
		TimelockEnabled:      true,
		DrandRound:           round,
		TimelockEncryptedKey: encodeOptionalHex(beacon.MaskKey(key, round)),
		Deposit:              "0",
	})

	engine.SetNowFunc(func() uint64 { return rounds.TimeForRound(round) - 1 })
	resp, status := callRPC(t, server, "listing_recoverKey", listingIDParams{ID: created.ID})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, codeListingConflict, resp.Error.Code)

	engine.SetNowFunc(func() uint64 { return rounds.TimeForRound(round) })
	resp, status = callRPC(t, server, "listing_recoverKey", listingIDParams{ID: created.ID})
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)
	require.Equal(t, map[string]interface{}{"key": encodeOptionalHex(key)}, resp.Result)
}

func TestAuthTokenGuardsMutations(t *testing.T) {
	t.Setenv(AuthTokenEnv, "sekrit")
	manager := state.NewManager(storage.NewMemDB())
	engine := listing.NewEngine()
	engine.SetState(manager)
	server := NewServer(engine, nil, nil)

	resp, status := callRPC(t, server, "listing_create", listingCreateParams{Seller: testSeller})
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	resp, status = callRPCWithToken(t, server, "listing_create", listingCreateParams{Seller: testSeller}, "wrong")
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	// The correct token passes the auth gate.
	resp, status = callRPCWithToken(t, server, "listing_create", listingCreateParams{Seller: testSeller}, "sekrit")
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)

	// Reads stay open.
	resp, status = callRPC(t, server, "listing_count", nil)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)
}

func TestUnknownMethod(t *testing.T) {
	server, _, _ := newTestServer(t)
	resp, status := callRPC(t, server, "listing_destroy", nil)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestRejectsNonPost(t *testing.T) {
	server, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLatestRoundUsesBeaconClient(t *testing.T) {
	doer := roundDoer{round: 777}
	client := beacon.NewClient("https://relay.test", doer)
	manager := state.NewManager(storage.NewMemDB())
	engine := listing.NewEngine()
	engine.SetState(manager)
	server := NewServer(engine, client, nil)

	resp, status := callRPC(t, server, "listing_latestRound", nil)
	require.Equal(t, http.StatusOK, status)
	require.Nil(t, resp.Error)
	require.Equal(t, map[string]interface{}{"round": float64(777)}, resp.Result)
}

type roundDoer struct {
	round uint64
}

func (d roundDoer) Do(req *http.Request) (*http.Response, error) {
	body := fmt.Sprintf(`{"round": %d, "randomness": "00"}`, d.round)
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewBufferString(body))}, nil
}
