package rpc

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"vaultmarket/beacon"
	"vaultmarket/native/listing"
	"vaultmarket/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// AuthTokenEnv names the environment variable holding the bearer token that
// guards mutating methods. An empty value disables auth (local development).
const AuthTokenEnv = "VAULTMARKET_RPC_TOKEN"

// Server exposes the listing engine over JSON-RPC 2.0. Mutating methods run
// one at a time under the server mutex, matching the one-operation-per-slot
// execution model the engine assumes.
type Server struct {
	mu      sync.Mutex
	engine  *listing.Engine
	beacon  *beacon.Client
	log     *slog.Logger
	metrics *observability.ModuleMetrics

	authToken string
}

// NewServer wires a server around the engine. The beacon client may be nil;
// listing_latestRound then reports an error instead of a round.
func NewServer(engine *listing.Engine, beaconClient *beacon.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    engine,
		beacon:    beaconClient,
		log:       logger,
		metrics:   observability.Metrics(),
		authToken: strings.TrimSpace(os.Getenv(AuthTokenEnv)),
	}
}

// Handler returns the root JSON-RPC handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing authorization header"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid token"}
	}
	return nil
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, nil, codeInvalidRequest, "POST required", nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "unable to read request body", nil)
		return
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, nil, codeInvalidRequest, "request body too large", nil)
		return
	}
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON-RPC request", err.Error())
		return
	}

	started := time.Now()
	rec := &recordingWriter{ResponseWriter: w}
	s.dispatch(rec, r, &req)
	outcome := "ok"
	if rec.failed {
		outcome = "error"
	}
	s.metrics.ObserveRequest(req.Method, outcome, time.Since(started))
}

type recordingWriter struct {
	http.ResponseWriter
	failed bool
}

func (rw *recordingWriter) WriteHeader(status int) {
	if status >= http.StatusBadRequest {
		rw.failed = true
	}
	rw.ResponseWriter.WriteHeader(status)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "listing_create":
		s.handleListingCreate(w, r, req)
	case "listing_buy":
		s.handleListingBuy(w, r, req)
	case "listing_reveal":
		s.handleListingReveal(w, r, req)
	case "listing_claimRefund":
		s.handleListingClaimRefund(w, r, req)
	case "listing_get":
		s.handleListingGet(w, r, req)
	case "listing_count":
		s.handleListingCount(w, r, req)
	case "listing_isPurchased":
		s.handleListingIsPurchased(w, r, req)
	case "listing_isRefunded":
		s.handleListingIsRefunded(w, r, req)
	case "listing_recoverKey":
		s.handleListingRecoverKey(w, r, req)
	case "listing_latestRound":
		s.handleListingLatestRound(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
}

func parseAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address: %w", err)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("invalid address length: %d bytes", len(decoded))
	}
	copy(addr[:], decoded)
	return addr, nil
}

func parseHash(value string) ([32]byte, error) {
	var hash [32]byte
	if strings.TrimSpace(value) == "" {
		return hash, nil
	}
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return hash, fmt.Errorf("invalid hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("invalid hash length: %d bytes", len(decoded))
	}
	copy(hash[:], decoded)
	return hash, nil
}

func parseHexBytes(value string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if trimmed == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return decoded, nil
}
