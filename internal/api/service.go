// Package api provides the HTTP handlers for creating agreements, staking,
// verifying periods and querying the ledger.
//
// All amounts are shopspring/decimal and travel as JSON strings or numbers.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/fault"
	"github.com/dsla/sla-engine/internal/metrics"
	"github.com/dsla/sla-engine/internal/model"
	"github.com/dsla/sla-engine/internal/protocol"
	"github.com/dsla/sla-engine/internal/stake"
)

// AccountHeader carries the caller's account address.
const AccountHeader = "X-Account"

var errMissingAccount = fault.New(fault.Authorization, "api: X-Account header is required")

// Service exposes a protocol registry over HTTP.
type Service struct {
	proto *protocol.Registry
}

// NewService creates a new API service.
func NewService(proto *protocol.Registry) *Service {
	return &Service{proto: proto}
}

// --- Request types ---

// PeriodsRequest is the JSON body for period initialization and extension.
type PeriodsRequest struct {
	Starts []int64 `json:"starts"`
	Ends   []int64 `json:"ends"`
}

// TokenRequest is the JSON body naming a token.
type TokenRequest struct {
	Symbol string `json:"symbol"`
}

// AmountRequest is the JSON body for mint and approve.
type AmountRequest struct {
	Account model.Address   `json:"account"` // recipient or spender
	Amount  decimal.Decimal `json:"amount"`
}

// MessengerRequest is the JSON body for messenger registration.
type MessengerRequest struct {
	Address   model.Address `json:"address"`
	Owner     model.Address `json:"owner"`
	Precision int64         `json:"precision"`
	SpecURL   string        `json:"spec_url"`
}

// CreateSLARequest is the JSON body for POST /slas.
type CreateSLARequest struct {
	SLOValue         decimal.Decimal `json:"slo_value"`
	ComparisonType   string          `json:"comparison_type"` // e.g. "GreaterOrEqualTo"
	Messenger        model.Address   `json:"messenger"`
	PeriodType       string          `json:"period_type"` // e.g. "Daily"
	InitialPeriodID  uint64          `json:"initial_period_id"`
	FinalPeriodID    uint64          `json:"final_period_id"`
	Leverage         int64           `json:"leverage"`
	WhitelistEnabled bool            `json:"whitelist_enabled"`
	IPFSHash         string          `json:"ipfs_hash"`
	Tokens           []string        `json:"tokens"`
}

// WhitelistRequest is the JSON body for whitelist updates.
type WhitelistRequest struct {
	Accounts []model.Address `json:"accounts"`
	Remove   bool            `json:"remove"`
}

// StakeRequest is the JSON body for stake and withdraw.
type StakeRequest struct {
	Token  string          `json:"token"`
	Side   model.Side      `json:"side"` // "OK" (provider) or "KO" (user)
	Amount decimal.Decimal `json:"amount"`
}

// StakeResponse reports the D-Token shares minted or burned.
type StakeResponse struct {
	AgreementID uint64          `json:"agreement_id"`
	Token       string          `json:"token"`
	Side        model.Side      `json:"side"`
	Amount      decimal.Decimal `json:"amount"`
	Shares      decimal.Decimal `json:"shares"`
}

// PeriodRequest is the JSON body for SLI requests.
type PeriodRequest struct {
	PeriodID uint64 `json:"period_id"`
}

// FulfillRequest is the JSON body for SLI delivery.
type FulfillRequest struct {
	PeriodID uint64          `json:"period_id"`
	SLI      decimal.Decimal `json:"sli"`
}

// --- Periods ---

// InitializePeriods handles POST /api/v1/periods/{type}/initialize
func (s *Service) InitializePeriods(w http.ResponseWriter, r *http.Request) {
	s.periods(w, r, s.proto.InitializePeriods)
}

// AddPeriods handles POST /api/v1/periods/{type}/add
func (s *Service) AddPeriods(w http.ResponseWriter, r *http.Request) {
	s.periods(w, r, s.proto.AddPeriods)
}

func (s *Service) periods(w http.ResponseWriter, r *http.Request, apply func(model.Address, model.PeriodType, []int64, []int64) error) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	pt, err := model.ParsePeriodType(chi.URLParam(r, "type"))
	if err != nil {
		writeMessage(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req PeriodsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := apply(caller, pt, req.Starts, req.Ends); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// GetPeriod handles GET /api/v1/periods/{type}/{periodID}
func (s *Service) GetPeriod(w http.ResponseWriter, r *http.Request) {
	pt, err := model.ParsePeriodType(chi.URLParam(r, "type"))
	if err != nil {
		writeMessage(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, ok := uintParam(w, r, "periodID")
	if !ok {
		return
	}
	p, err := s.proto.Period(pt, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Tokens and parameters ---

// CreateToken handles POST /api/v1/tokens
func (s *Service) CreateToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req TokenRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.proto.CreateToken(r.Context(), caller, req.Symbol); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"symbol": req.Symbol})
}

// ListTokens handles GET /api/v1/tokens
func (s *Service) ListTokens(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.proto.AllowedTokens())
}

// Mint handles POST /api/v1/tokens/{symbol}/mint
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.proto.Mint(caller, chi.URLParam(r, "symbol"), req.Account, req.Amount); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// Approve handles POST /api/v1/tokens/{symbol}/approve. An empty account
// approves the stake registry custody.
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.proto.Approve(caller, chi.URLParam(r, "symbol"), req.Account, req.Amount); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// GetBalance handles GET /api/v1/tokens/{symbol}/balances/{account}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	bal, err := s.proto.Balance(symbol, model.Address(chi.URLParam(r, "account")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": symbol, "balance": bal})
}

// GetDToken handles GET /api/v1/dtokens/{ticker}
func (s *Service) GetDToken(w http.ResponseWriter, r *http.Request) {
	dt, err := s.proto.DToken(chi.URLParam(r, "ticker"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dt)
}

// GetDTokenBalance handles GET /api/v1/dtokens/{ticker}/balances/{account}
func (s *Service) GetDTokenBalance(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	bal, err := s.proto.DTokenBalance(ticker, model.Address(chi.URLParam(r, "account")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": ticker, "balance": bal})
}

// GetParameters handles GET /api/v1/parameters
func (s *Service) GetParameters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.proto.Parameters())
}

// SetParameters handles PUT /api/v1/parameters
func (s *Service) SetParameters(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var p stake.Parameters
	if !decode(w, r, &p) {
		return
	}
	if err := s.proto.SetParameters(caller, p); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.proto.Parameters())
}

// --- Messengers ---

// RegisterMessenger handles POST /api/v1/messengers
func (s *Service) RegisterMessenger(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req MessengerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Owner == "" {
		req.Owner = caller
	}
	id, err := s.proto.RegisterMessenger(caller, req.Address, req.Owner, req.Precision, req.SpecURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

// ModifyMessenger handles PUT /api/v1/messengers/{messengerID}
func (s *Service) ModifyMessenger(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, ok := uintParam(w, r, "messengerID")
	if !ok {
		return
	}
	var req MessengerRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.proto.ModifyMessenger(caller, req.SpecURL, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// ListMessengers handles GET /api/v1/messengers?offset=&limit=
func (s *Service) ListMessengers(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = s.proto.MessengersLength()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":      s.proto.MessengersLength(),
		"messengers": s.proto.Messengers(offset, limit),
	})
}

// --- Agreements ---

// CreateSLA handles POST /api/v1/slas
func (s *Service) CreateSLA(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	var req CreateSLARequest
	if !decode(w, r, &req) {
		return
	}
	ct, err := model.ParseComparisonType(req.ComparisonType)
	if err != nil {
		writeMessage(w, err.Error(), http.StatusBadRequest)
		return
	}
	pt, err := model.ParsePeriodType(req.PeriodType)
	if err != nil {
		writeMessage(w, err.Error(), http.StatusBadRequest)
		return
	}

	st, err := s.proto.CreateSLA(r.Context(), caller, protocol.CreateRequest{
		SLOValue:         req.SLOValue,
		ComparisonType:   ct,
		Messenger:        req.Messenger,
		PeriodType:       pt,
		InitialPeriodID:  req.InitialPeriodID,
		FinalPeriodID:    req.FinalPeriodID,
		Leverage:         req.Leverage,
		WhitelistEnabled: req.WhitelistEnabled,
		IPFSHash:         req.IPFSHash,
		Tokens:           req.Tokens,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// ListSLAs handles GET /api/v1/slas
// Returns every agreement, optionally filtered by ?owner=<account>.
func (s *Service) ListSLAs(w http.ResponseWriter, r *http.Request) {
	details := s.proto.GetSLADetailsArrays()
	if owner := r.URL.Query().Get("owner"); owner != "" {
		filtered := []model.SLADetails{}
		for _, d := range details {
			if d.Static.Owner == model.Address(owner) {
				filtered = append(filtered, d)
			}
		}
		details = filtered
	}
	writeJSON(w, http.StatusOK, details)
}

// GetSLA handles GET /api/v1/slas/{slaID}
func (s *Service) GetSLA(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "slaID")
	if !ok {
		return
	}
	st, err := s.proto.GetSLAStaticDetails(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetSLADynamic handles GET /api/v1/slas/{slaID}/dynamic
func (s *Service) GetSLADynamic(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "slaID")
	if !ok {
		return
	}
	dyn, err := s.proto.GetSLADynamicDetails(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dyn)
}

// GetDTokens handles GET /api/v1/slas/{slaID}/dtokens
func (s *Service) GetDTokens(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "slaID")
	if !ok {
		return
	}
	dts, err := s.proto.GetDTokensDetails(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dts)
}

// GetSLAHistory handles GET /api/v1/slas/{slaID}/history
// Returns the journal entries of one agreement.
func (s *Service) GetSLAHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "slaID")
	if !ok {
		return
	}
	if _, err := s.proto.GetSLAStaticDetails(id); err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.proto.History(r.Context(), id)
	if err != nil {
		writeMessage(w, "failed to get agreement history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetSnapshot handles GET /api/v1/snapshots/{slaID}
// Returns the persisted snapshot of one agreement.
func (s *Service) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := uintParam(w, r, "slaID")
	if !ok {
		return
	}
	snap, err := s.proto.Snapshot(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListSnapshots handles GET /api/v1/snapshots
func (s *Service) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := s.proto.Snapshots(r.Context())
	if err != nil {
		writeMessage(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// AddAllowedToken handles POST /api/v1/slas/{slaID}/tokens
func (s *Service) AddAllowedToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, ok := uintParam(w, r, "slaID")
	if !ok {
		return
	}
	var req TokenRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.proto.AddAllowedToken(r.Context(), caller, id, req.Symbol); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// UpdateWhitelist handles POST /api/v1/slas/{slaID}/whitelist
func (s *Service) UpdateWhitelist(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, ok := uintParam(w, r, "slaID")
	if !ok {
		return
	}
	var req WhitelistRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.proto.UpdateWhitelist(caller, id, req.Accounts, req.Remove); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// Stake handles POST /api/v1/slas/{slaID}/stake
func (s *Service) Stake(w http.ResponseWriter, r *http.Request) {
	s.position(w, r, s.proto.Stake)
}

// Withdraw handles POST /api/v1/slas/{slaID}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.position(w, r, s.proto.Withdraw)
}

func (s *Service) position(w http.ResponseWriter, r *http.Request, apply func(context.Context, model.Address, uint64, string, model.Side, decimal.Decimal) (decimal.Decimal, error)) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, ok := uintParam(w, r, "slaID")
	if !ok {
		return
	}
	var req StakeRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Side.Valid() {
		writeMessage(w, "side must be OK or KO", http.StatusBadRequest)
		return
	}
	shares, err := apply(r.Context(), caller, id, req.Token, req.Side, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StakeResponse{
		AgreementID: id,
		Token:       req.Token,
		Side:        req.Side,
		Amount:      req.Amount,
		Shares:      shares,
	})
}

// RequestSLI handles POST /api/v1/slas/{slaID}/request
func (s *Service) RequestSLI(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, ok := uintParam(w, r, "slaID")
	if !ok {
		return
	}
	var req PeriodRequest
	if !decode(w, r, &req) {
		return
	}
	issued, err := s.proto.RequestSLI(r.Context(), caller, id, req.PeriodID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, issued)
}

// FulfillSLI handles POST /api/v1/slas/{slaID}/fulfill, the messenger
// callback. The caller must be the messenger bound to the agreement.
func (s *Service) FulfillSLI(w http.ResponseWriter, r *http.Request) {
	s.fulfill(w, r, s.proto.FulfillSLI)
}

// DeliverSLI handles POST /api/v1/slas/{slaID}/deliver, used by the owner
// of an in-process messenger.
func (s *Service) DeliverSLI(w http.ResponseWriter, r *http.Request) {
	s.fulfill(w, r, s.proto.DeliverSLI)
}

func (s *Service) fulfill(w http.ResponseWriter, r *http.Request, apply func(context.Context, model.Address, uint64, uint64, decimal.Decimal) error) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, ok := uintParam(w, r, "slaID")
	if !ok {
		return
	}
	var req FulfillRequest
	if !decode(w, r, &req) {
		return
	}
	if err := apply(r.Context(), caller, id, req.PeriodID, req.SLI); err != nil {
		writeError(w, r, err)
		return
	}
	dyn, err := s.proto.GetSLADynamicDetails(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dyn)
}

// ReturnLockedValue handles POST /api/v1/slas/{slaID}/return-locked
func (s *Service) ReturnLockedValue(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, ok := uintParam(w, r, "slaID")
	if !ok {
		return
	}
	amount, err := s.proto.ReturnLockedValue(r.Context(), caller, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agreement_id": id, "amount": amount})
}

// --- Accounts ---

// GetAccountHistory handles GET /api/v1/accounts/{account}/history
func (s *Service) GetAccountHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.proto.AccountHistory(r.Context(), model.Address(chi.URLParam(r, "account")))
	if err != nil {
		writeMessage(w, "failed to get account history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetAccountPositions handles GET /api/v1/accounts/{account}/positions
// Returns staked, withdrawn and net flows per agreement, token and side.
func (s *Service) GetAccountPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.proto.Positions(r.Context(), model.Address(chi.URLParam(r, "account")))
	if err != nil {
		writeMessage(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetAccountSLAs handles GET /api/v1/accounts/{account}/slas
func (s *Service) GetAccountSLAs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.proto.UserSLAs(model.Address(chi.URLParam(r, "account"))))
}

// --- helpers ---

func callerOf(w http.ResponseWriter, r *http.Request) (model.Address, bool) {
	caller := r.Header.Get(AccountHeader)
	if caller == "" {
		writeError(w, r, errMissingAccount)
		return "", false
	}
	return model.Address(caller), true
}

func uintParam(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeMessage(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a ledger rejection to its HTTP status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := statusOf(kind)
	metrics.Rejections.WithLabelValues(kind.String()).Inc()

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeMessage(w, "internal error", status)
		return
	}
	slog.Warn("request rejected",
		"method", r.Method,
		"path", r.URL.Path,
		"caller", r.Header.Get(AccountHeader),
		"kind", kind.String(),
		"err", err,
	)
	writeMessage(w, err.Error(), status)
}

func statusOf(kind fault.Kind) int {
	switch kind {
	case fault.Validation:
		return http.StatusBadRequest
	case fault.Authorization:
		return http.StatusForbidden
	case fault.State:
		return http.StatusConflict
	case fault.Invariant:
		return http.StatusUnprocessableEntity
	case fault.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeMessage writes a JSON error response.
func writeMessage(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
