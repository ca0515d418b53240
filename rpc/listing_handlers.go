package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vaultmarket/native/listing"
)

const (
	codeListingInvalidParams = -32021
	codeListingNotFound      = -32022
	codeListingForbidden     = -32023
	codeListingConflict      = -32024
	codeListingInternal      = -32025
	codeListingUnavailable   = -32026
)

const beaconRequestTimeout = 10 * time.Second

type listingCreateParams struct {
	Seller               string `json:"seller"`
	Price                string `json:"price"`
	ReleaseTime          uint64 `json:"releaseTime"`
	RevealGraceSeconds   uint64 `json:"revealGraceSeconds"`
	CipherURI            string `json:"cipherUri"`
	CipherHash           string `json:"cipherHash"`
	KeyCommitment        string `json:"keyCommitment,omitempty"`
	TimelockEnabled      bool   `json:"timelockEnabled"`
	DrandRound           uint64 `json:"drandRound,omitempty"`
	TimelockEncryptedKey string `json:"timelockEncryptedKey,omitempty"`
	Deposit              string `json:"deposit"`
}

type listingBuyParams struct {
	ID    uint64 `json:"id"`
	Buyer string `json:"buyer"`
	Value string `json:"value"`
}

type listingRevealParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
	Key    string `json:"key"`
	Salt   string `json:"salt"`
}

type listingRefundParams struct {
	ID     uint64 `json:"id"`
	Caller string `json:"caller"`
}

type listingIDParams struct {
	ID uint64 `json:"id"`
}

type listingMembershipParams struct {
	ID      uint64 `json:"id"`
	Account string `json:"account"`
}

type listingJSON struct {
	ID                   uint64 `json:"id"`
	Seller               string `json:"seller"`
	Price                string `json:"price"`
	ReleaseTime          uint64 `json:"releaseTime"`
	RevealDeadline       uint64 `json:"revealDeadline"`
	CipherURI            string `json:"cipherUri"`
	CipherHash           string `json:"cipherHash"`
	KeyCommitment        string `json:"keyCommitment"`
	Deposit              string `json:"deposit"`
	KeyRevealed          bool   `json:"keyRevealed"`
	RevealedKey          string `json:"revealedKey,omitempty"`
	TimelockEnabled      bool   `json:"timelockEnabled"`
	DrandRound           uint64 `json:"drandRound,omitempty"`
	TimelockEncryptedKey string `json:"timelockEncryptedKey,omitempty"`
	DepositForfeited     bool   `json:"depositForfeited"`
	CreatedAt            uint64 `json:"createdAt"`
	Status               string `json:"status"`
}

func listingToJSON(l *listing.Listing) *listingJSON {
	return &listingJSON{
		ID:                   l.ID,
		Seller:               "0x" + hex.EncodeToString(l.Seller[:]),
		Price:                l.Price.String(),
		ReleaseTime:          l.ReleaseTime,
		RevealDeadline:       l.RevealDeadline,
		CipherURI:            l.CipherURI,
		CipherHash:           "0x" + hex.EncodeToString(l.CipherHash[:]),
		KeyCommitment:        "0x" + hex.EncodeToString(l.KeyCommitment[:]),
		Deposit:              l.Deposit.String(),
		KeyRevealed:          l.KeyRevealed,
		RevealedKey:          encodeOptionalHex(l.RevealedKey),
		TimelockEnabled:      l.TimelockEnabled,
		DrandRound:           l.DrandRound,
		TimelockEncryptedKey: encodeOptionalHex(l.TimelockEncryptedKey),
		DepositForfeited:     l.DepositForfeited,
		CreatedAt:            l.CreatedAt,
		Status:               l.Status.String(),
	}
}

func encodeOptionalHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(b)
}

func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return amount, nil
}

// writeEngineError maps the engine's sentinel errors to module error codes.
func (s *Server) writeEngineError(w http.ResponseWriter, req *RPCRequest, err error) {
	status := http.StatusInternalServerError
	code := codeListingInternal
	switch {
	case errors.Is(err, listing.ErrNotFound):
		status, code = http.StatusNotFound, codeListingNotFound
	case errors.Is(err, listing.ErrNotSeller):
		status, code = http.StatusForbidden, codeListingForbidden
	case errors.Is(err, listing.ErrRevealTooEarly),
		errors.Is(err, listing.ErrRefundNotAvailable),
		errors.Is(err, listing.ErrRoundNotReached):
		status, code = http.StatusConflict, codeListingConflict
	case errors.Is(err, listing.ErrAlreadyRevealed),
		errors.Is(err, listing.ErrAlreadyPurchased),
		errors.Is(err, listing.ErrAlreadyRefunded),
		errors.Is(err, listing.ErrDepositForfeited):
		status, code = http.StatusConflict, codeListingConflict
	case errors.Is(err, listing.ErrBadReveal),
		errors.Is(err, listing.ErrWrongValue),
		errors.Is(err, listing.ErrNotPaidListing),
		errors.Is(err, listing.ErrNotTimelocked),
		errors.Is(err, listing.ErrInsufficientFunds):
		status, code = http.StatusBadRequest, codeListingInvalidParams
	}
	s.metrics.ObserveError(req.Method, strconv.Itoa(code))
	writeError(w, status, req.ID, code, err.Error(), nil)
}

func decodeSingleParam(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func (s *Server) handleListingCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params listingCreateParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseAddress(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	price, err := parseAmount(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	deposit, err := parseAmount(params.Deposit)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	cipherHash, err := parseHash(params.CipherHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	keyCommitment, err := parseHash(params.KeyCommitment)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	sealedKey, err := parseHexBytes(params.TimelockEncryptedKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}

	s.mu.Lock()
	created, err := s.engine.Create(seller, listing.CreateParams{
		Price:                price,
		ReleaseTime:          params.ReleaseTime,
		RevealGraceSeconds:   params.RevealGraceSeconds,
		CipherURI:            strings.TrimSpace(params.CipherURI),
		CipherHash:           cipherHash,
		KeyCommitment:        keyCommitment,
		TimelockEnabled:      params.TimelockEnabled,
		DrandRound:           params.DrandRound,
		TimelockEncryptedKey: sealedKey,
		Deposit:              deposit,
	})
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	s.log.Info("listing created", "id", created.ID, "timelocked", created.TimelockEnabled)
	writeResult(w, req.ID, listingToJSON(created))
}

func (s *Server) handleListingBuy(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params listingBuyParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseAddress(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	value, err := parseAmount(params.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}

	s.mu.Lock()
	err = s.engine.Buy(params.ID, buyer, value)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleListingReveal(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params listingRevealParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	key, err := parseHexBytes(params.Key)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	salt, err := parseHexBytes(params.Salt)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}

	s.mu.Lock()
	err = s.engine.RevealKey(params.ID, caller, key, salt)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	s.log.Info("listing key revealed", "id", params.ID)
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleListingClaimRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.requireAuth(r); authErr != nil {
		writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
		return
	}
	var params listingRefundParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}

	s.mu.Lock()
	err = s.engine.ClaimRefund(params.ID, caller)
	s.mu.Unlock()
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	s.log.Info("listing refunded", "id", params.ID)
	writeResult(w, req.ID, map[string]bool{"ok": true})
}

func (s *Server) handleListingGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params listingIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	l, err := s.engine.Get(params.ID)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, listingToJSON(l))
}

func (s *Server) handleListingCount(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	count, err := s.engine.Count()
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"count": count})
}

func (s *Server) handleListingIsPurchased(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMembership(w, req, s.engine.HasPurchased)
}

func (s *Server) handleListingIsRefunded(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMembership(w, req, s.engine.HasRefunded)
}

func (s *Server) handleMembership(w http.ResponseWriter, req *RPCRequest, query func(uint64, [20]byte) (bool, error)) {
	var params listingMembershipParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	account, err := parseAddress(params.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	member, err := query(params.ID, account)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]bool{"member": member})
}

func (s *Server) handleListingRecoverKey(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params listingIDParams
	if err := decodeSingleParam(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeListingInvalidParams, "invalid_params", err.Error())
		return
	}
	key, err := s.engine.RecoverKey(params.ID)
	if err != nil {
		s.writeEngineError(w, req, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"key": encodeOptionalHex(key)})
}

func (s *Server) handleListingLatestRound(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.beacon == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeListingUnavailable, "beacon client not configured", nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), beaconRequestTimeout)
	defer cancel()
	round, err := s.beacon.LatestRound(ctx)
	if err != nil {
		s.metrics.ObserveError(req.Method, strconv.Itoa(codeListingUnavailable))
		writeError(w, http.StatusServiceUnavailable, req.ID, codeListingUnavailable, err.Error(), nil)
		return
	}
	writeResult(w, req.ID, map[string]uint64{"round": round})
}
