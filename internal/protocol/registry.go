// Package protocol is the SLA registry: it creates agreements, serializes
// every entrypoint of the ledger core, journals committed transitions and
// exposes the read API.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/fault"
	"github.com/dsla/sla-engine/internal/messenger"
	"github.com/dsla/sla-engine/internal/metrics"
	"github.com/dsla/sla-engine/internal/model"
	"github.com/dsla/sla-engine/internal/period"
	"github.com/dsla/sla-engine/internal/sla"
	"github.com/dsla/sla-engine/internal/slo"
	"github.com/dsla/sla-engine/internal/stake"
	"github.com/dsla/sla-engine/internal/store"
	"github.com/dsla/sla-engine/internal/token"
)

var (
	ErrUnknownAgreement     = fault.New(fault.NotFound, "protocol: unknown agreement")
	ErrInvalidPeriodRange   = fault.New(fault.Validation, "protocol: initial period is after final period")
	ErrDuplicateToken       = fault.New(fault.Validation, "protocol: token listed twice")
	ErrNotMessengerOperator = fault.New(fault.Authorization, "protocol: only the messenger owner can deliver SLIs")
)

// Config wires a Registry.
type Config struct {
	// Address is the registry's identity towards the SLO and stake registries.
	Address    model.Address
	Periods    *period.Registry
	SLOs       *slo.Registry
	Ledger     *stake.Registry
	Messengers *messenger.Registry
	Tokens     *token.Registry
	Store      store.Store
	Events     Publisher
	Clock      func() time.Time
}

// Registry is the SLA registry. One mutex serializes every mutating
// entrypoint so each call is atomic end to end.
type Registry struct {
	mu         sync.RWMutex
	cfg        Config
	agreements []*sla.Agreement
}

// New creates a registry.
func New(cfg Config) *Registry {
	if cfg.Events == nil {
		cfg.Events = nopPublisher{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Registry{cfg: cfg}
}

// CreateRequest describes a new agreement.
type CreateRequest struct {
	SLOValue         decimal.Decimal
	ComparisonType   model.ComparisonType
	Messenger        model.Address
	PeriodType       model.PeriodType
	InitialPeriodID  uint64
	FinalPeriodID    uint64
	Leverage         int64
	WhitelistEnabled bool
	IPFSHash         string
	// Tokens are opened for staking at creation, in order.
	Tokens []string
}

// CreateSLA validates req, locks DepositPerPeriod for every period of the
// range from caller and creates the agreement. caller must have approved
// the ledger custody for the deposit.
func (r *Registry) CreateSLA(ctx context.Context, caller model.Address, req CreateRequest) (model.SLAStaticDetails, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.cfg.Messengers.Get(req.Messenger)
	if err != nil {
		return model.SLAStaticDetails{}, err
	}
	if !req.PeriodType.Valid() {
		return model.SLAStaticDetails{}, fmt.Errorf("%w: %d", period.ErrInvalidPeriodType, int(req.PeriodType))
	}
	for _, id := range []uint64{req.InitialPeriodID, req.FinalPeriodID} {
		if !r.cfg.Periods.IsValidPeriod(req.PeriodType, id) {
			return model.SLAStaticDetails{}, fmt.Errorf("%w: %s %d", period.ErrInvalidPeriodID, req.PeriodType, id)
		}
	}
	if req.InitialPeriodID > req.FinalPeriodID {
		return model.SLAStaticDetails{}, fmt.Errorf("%w: %d > %d", ErrInvalidPeriodRange, req.InitialPeriodID, req.FinalPeriodID)
	}
	if err := r.cfg.Ledger.CheckLeverage(req.Leverage); err != nil {
		return model.SLAStaticDetails{}, err
	}
	if !req.ComparisonType.Valid() {
		return model.SLAStaticDetails{}, fmt.Errorf("%w: %d", slo.ErrInvalidComparison, int(req.ComparisonType))
	}
	if req.SLOValue.IsNegative() {
		return model.SLAStaticDetails{}, fmt.Errorf("%w: %s", slo.ErrInvalidValue, req.SLOValue)
	}
	params := r.cfg.Ledger.Parameters()
	if len(req.Tokens) > params.MaxTokenLength {
		return model.SLAStaticDetails{}, fmt.Errorf("%w: %d", stake.ErrTooManyTokens, params.MaxTokenLength)
	}
	seen := make(map[string]bool, len(req.Tokens))
	for _, t := range req.Tokens {
		if seen[t] {
			return model.SLAStaticDetails{}, fmt.Errorf("%w: %s", ErrDuplicateToken, t)
		}
		seen[t] = true
		if !r.cfg.Ledger.IsAllowedToken(t) {
			return model.SLAStaticDetails{}, fmt.Errorf("%w: %s", stake.ErrTokenNotAllowed, t)
		}
	}

	id := uint64(len(r.agreements))
	periods := req.FinalPeriodID - req.InitialPeriodID + 1
	deposit := params.DepositPerPeriod.Mul(decimal.NewFromInt(int64(periods)))

	// The deposit transfer is the only step that can still fail.
	if err := r.cfg.Ledger.LockValue(r.cfg.Address, id, caller, deposit, int(periods)); err != nil {
		return model.SLAStaticDetails{}, err
	}
	if err := r.cfg.Ledger.RegisterAgreement(r.cfg.Address, id, caller, req.Leverage); err != nil {
		return model.SLAStaticDetails{}, fmt.Errorf("%w: register agreement %d: %v", stake.ErrCustodyShortfall, id, err)
	}
	if err := r.cfg.SLOs.Register(r.cfg.Address, id, req.SLOValue, req.ComparisonType); err != nil {
		return model.SLAStaticDetails{}, err
	}

	now := r.cfg.Clock()
	ag := sla.New(sla.Config{
		ID:               id,
		Owner:            caller,
		Messenger:        m,
		PeriodType:       req.PeriodType,
		SLO:              model.SLO{Value: req.SLOValue, ComparisonType: req.ComparisonType},
		InitialPeriodID:  req.InitialPeriodID,
		FinalPeriodID:    req.FinalPeriodID,
		Leverage:         req.Leverage,
		WhitelistEnabled: req.WhitelistEnabled,
		IPFSHash:         req.IPFSHash,
		CreatedAt:        now.UTC(),
		Registrar:        r.cfg.Address,
		Periods:          r.cfg.Periods,
		SLOs:             r.cfg.SLOs,
		Ledger:           r.cfg.Ledger,
		Clock:            r.cfg.Clock,
	})
	for _, t := range req.Tokens {
		if err := ag.AddAllowedToken(caller, t); err != nil {
			return model.SLAStaticDetails{}, err
		}
	}
	r.agreements = append(r.agreements, ag)

	r.record(ctx, model.LedgerEntry{
		AgreementID: id,
		Account:     caller,
		Kind:        model.EntryLock,
		Token:       r.cfg.Ledger.ProtocolToken().Symbol(),
		Amount:      deposit,
	})
	r.snapshot(ctx, ag)
	r.publish(Event{Type: EventSLACreated, AgreementID: ptr(id), Account: caller, Amount: deposit.String()})
	metrics.AgreementsCreated.Inc()

	slog.Info("sla created",
		"agreement", id,
		"owner", caller,
		"messenger", req.Messenger,
		"period_type", req.PeriodType.String(),
		"initial_period", req.InitialPeriodID,
		"final_period", req.FinalPeriodID,
		"leverage", req.Leverage,
		"deposit", deposit.String(),
	)
	return r.static(ag), nil
}

// AllowToken sanctions symbol protocol-wide. Owner only.
func (r *Registry) AllowToken(ctx context.Context, caller model.Address, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.cfg.Ledger.AddAllowedToken(caller, symbol); err != nil {
		return err
	}
	r.publish(Event{Type: EventTokenAllowed, Account: caller, Token: symbol})
	return nil
}

// SetParameters replaces the staking parameters used by new agreements.
func (r *Registry) SetParameters(caller model.Address, p stake.Parameters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Ledger.SetParameters(caller, p)
}

// InitializePeriods defines the first periods of pt.
func (r *Registry) InitializePeriods(caller model.Address, pt model.PeriodType, starts, ends []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.cfg.Periods.Initialize(caller, pt, starts, ends); err != nil {
		return err
	}
	r.publish(Event{Type: EventPeriodInitialized, Account: caller, Detail: fmt.Sprintf("%s:%d", pt, len(starts))})
	return nil
}

// AddPeriods appends periods to pt.
func (r *Registry) AddPeriods(caller model.Address, pt model.PeriodType, starts, ends []int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.cfg.Periods.AddPeriods(caller, pt, starts, ends); err != nil {
		return err
	}
	r.publish(Event{Type: EventPeriodModified, Account: caller, Detail: fmt.Sprintf("%s:%d", pt, len(starts))})
	return nil
}

// RegisterMessenger registers an in-process messenger whose fulfillments
// are delivered by its owner through DeliverSLI.
func (r *Registry) RegisterMessenger(caller, address, owner model.Address, precision int64, specURL string) (uint64, error) {
	m := messenger.NewManual(address, owner, precision)
	id, err := r.cfg.Messengers.Register(caller, m, specURL)
	if err != nil {
		return 0, err
	}
	m.Bind(r)
	return id, nil
}

// AddMessenger registers an externally driven messenger (e.g. NATS).
func (r *Registry) AddMessenger(caller model.Address, m messenger.Messenger, specURL string) (uint64, error) {
	return r.cfg.Messengers.Register(caller, m, specURL)
}

// ModifyMessenger updates a messenger's spec URL.
func (r *Registry) ModifyMessenger(caller model.Address, specURL string, id uint64) error {
	return r.cfg.Messengers.Modify(caller, specURL, id)
}

// AddAllowedToken opens symbol for staking in agreement id.
func (r *Registry) AddAllowedToken(ctx context.Context, caller model.Address, id uint64, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ag, err := r.agreement(id)
	if err != nil {
		return err
	}
	if err := ag.AddAllowedToken(caller, symbol); err != nil {
		return err
	}
	r.snapshot(ctx, ag)
	r.publish(Event{Type: EventTokenAllowed, AgreementID: ptr(id), Account: caller, Token: symbol})
	return nil
}

// UpdateWhitelist adds (or removes) accounts on agreement id's whitelist.
func (r *Registry) UpdateWhitelist(caller model.Address, id uint64, accounts []model.Address, remove bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ag, err := r.agreement(id)
	if err != nil {
		return err
	}
	if remove {
		return ag.RemoveUsersFromWhitelist(caller, accounts)
	}
	return ag.AddUsersToWhitelist(caller, accounts)
}

// IsWhitelisted reports whether account may stake in agreement id.
func (r *Registry) IsWhitelisted(id uint64, account model.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ag, err := r.agreement(id)
	if err != nil {
		return false, err
	}
	return ag.IsWhitelisted(account), nil
}

// Stake stakes amount of symbol on side of agreement id. Returns the
// D-Token shares minted.
func (r *Registry) Stake(ctx context.Context, caller model.Address, id uint64, symbol string, side model.Side, amount decimal.Decimal) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ag, err := r.agreement(id)
	if err != nil {
		return decimal.Zero, err
	}
	shares, err := ag.StakeTokens(caller, amount, symbol, side)
	if err != nil {
		return decimal.Zero, err
	}

	r.record(ctx, model.LedgerEntry{
		AgreementID: id,
		Account:     caller,
		Kind:        model.EntryStake,
		Token:       symbol,
		Side:        side,
		Amount:      amount,
	})
	r.snapshot(ctx, ag)
	r.publish(Event{Type: EventStaked, AgreementID: ptr(id), Account: caller, Token: symbol, Side: side, Amount: amount.String()})
	metrics.StakesTotal.WithLabelValues(string(side)).Inc()
	metrics.StakeVolume.WithLabelValues(symbol, string(side)).Add(amount.InexactFloat64())
	return shares, nil
}

// Withdraw returns amount of symbol from side of agreement id to caller.
// Returns the D-Token shares burned.
func (r *Registry) Withdraw(ctx context.Context, caller model.Address, id uint64, symbol string, side model.Side, amount decimal.Decimal) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ag, err := r.agreement(id)
	if err != nil {
		return decimal.Zero, err
	}

	var burned decimal.Decimal
	switch side {
	case model.SideLong:
		burned, err = ag.WithdrawProviderTokens(caller, amount, symbol)
	case model.SideShort:
		burned, err = ag.WithdrawUserTokens(caller, amount, symbol)
	default:
		err = fmt.Errorf("%w: %q", stake.ErrInvalidSide, side)
	}
	if err != nil {
		return decimal.Zero, err
	}

	r.record(ctx, model.LedgerEntry{
		AgreementID: id,
		Account:     caller,
		Kind:        model.EntryWithdraw,
		Token:       symbol,
		Side:        side,
		Amount:      amount,
	})
	r.snapshot(ctx, ag)
	r.publish(Event{Type: EventWithdrawn, AgreementID: ptr(id), Account: caller, Token: symbol, Side: side, Amount: amount.String()})
	metrics.WithdrawalsTotal.WithLabelValues(string(side)).Inc()
	return burned, nil
}

// RequestSLI asks agreement id's messenger for periodID. caller is
// credited with the verifier reward once the period is fulfilled.
func (r *Registry) RequestSLI(ctx context.Context, caller model.Address, id, periodID uint64) (messenger.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ag, err := r.agreement(id)
	if err != nil {
		return messenger.Request{}, err
	}
	req, err := ag.RequestSLI(ctx, caller, periodID)
	if err != nil {
		return messenger.Request{}, err
	}

	r.record(ctx, model.LedgerEntry{
		AgreementID: id,
		Account:     caller,
		Kind:        model.EntryRequest,
		Amount:      decimal.Zero,
		PeriodID:    ptr(periodID),
	})
	r.publish(Event{Type: EventRequestIssued, AgreementID: ptr(id), PeriodID: ptr(periodID), Account: caller, Detail: req.RequestID})
	metrics.SLIRequests.Inc()
	return req, nil
}

// FulfillSLI is the messenger callback. caller must be the messenger bound
// to agreement id.
func (r *Registry) FulfillSLI(ctx context.Context, caller model.Address, id, periodID uint64, sli decimal.Decimal) error {
	start := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	ag, err := r.agreement(id)
	if err != nil {
		return err
	}
	v, err := ag.FulfillSLI(caller, periodID, sli)
	if err != nil {
		return err
	}

	entries := []model.LedgerEntry{{
		AgreementID: id,
		Account:     caller,
		Kind:        model.EntryVerify,
		Amount:      sli,
		PeriodID:    ptr(periodID),
	}}
	for _, mv := range v.Movements {
		entries = append(entries, model.LedgerEntry{
			AgreementID: id,
			Account:     r.cfg.Ledger.Custody(),
			Kind:        model.EntrySettle,
			Token:       mv.Token,
			Side:        mv.To,
			Amount:      mv.Amount,
			PeriodID:    ptr(periodID),
		})
	}
	dist := v.Distribution
	if dist.Paid {
		symbol := r.cfg.Ledger.ProtocolToken().Symbol()
		payouts := []struct {
			account model.Address
			kind    model.EntryKind
			amount  decimal.Decimal
		}{
			{r.cfg.Ledger.Owner(), model.EntryReward, dist.Platform},
			{ag.Messenger().Owner(), model.EntryReward, dist.Messenger},
			{v.Verifier, model.EntryReward, dist.User},
			{r.cfg.Ledger.Custody(), model.EntryBurn, dist.Burned},
		}
		for _, p := range payouts {
			if !p.amount.IsPositive() {
				continue
			}
			entries = append(entries, model.LedgerEntry{
				AgreementID: id,
				Account:     p.account,
				Kind:        p.kind,
				Token:       symbol,
				Amount:      p.amount,
				PeriodID:    ptr(periodID),
			})
		}
	}
	r.record(ctx, entries...)
	r.snapshot(ctx, ag)

	r.publish(Event{
		Type:        EventFulfillmentReceived,
		AgreementID: ptr(id),
		PeriodID:    ptr(periodID),
		Account:     caller,
		Amount:      sli.String(),
		Detail:      string(v.Outcome.Status),
	})
	result := "skipped"
	if dist.Paid {
		result = "paid"
	}
	r.publish(Event{Type: EventRewardsDistributed, AgreementID: ptr(id), PeriodID: ptr(periodID), Account: v.Verifier, Detail: result})

	metrics.Verifications.WithLabelValues(string(v.Outcome.Status)).Inc()
	metrics.RewardsDistributed.WithLabelValues(result).Inc()
	metrics.VerificationLatency.Observe(time.Since(start).Seconds())
	return nil
}

// DeliverSLI lets the owner of an in-process messenger deliver the SLI of
// a requested period. For other messengers caller must be the messenger
// itself.
func (r *Registry) DeliverSLI(ctx context.Context, caller model.Address, id, periodID uint64, sli decimal.Decimal) error {
	r.mu.RLock()
	ag, err := r.agreement(id)
	r.mu.RUnlock()
	if err != nil {
		return err
	}

	manual, ok := ag.Messenger().(*messenger.Manual)
	if !ok {
		return r.FulfillSLI(ctx, caller, id, periodID, sli)
	}
	if caller != manual.Owner() {
		return ErrNotMessengerOperator
	}
	return manual.Fulfill(ctx, id, periodID, sli)
}

// ReturnLockedValue releases what remains of agreement id's deposit to
// its owner, once.
func (r *Registry) ReturnLockedValue(ctx context.Context, caller model.Address, id uint64) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ag, err := r.agreement(id)
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := ag.ReturnLockedValue(caller)
	if err != nil {
		return decimal.Zero, err
	}

	r.record(ctx, model.LedgerEntry{
		AgreementID: id,
		Account:     caller,
		Kind:        model.EntryReturn,
		Token:       r.cfg.Ledger.ProtocolToken().Symbol(),
		Amount:      amount,
	})
	r.snapshot(ctx, ag)
	r.publish(Event{Type: EventLockedValueReturned, AgreementID: ptr(id), Account: caller, Amount: amount.String()})
	metrics.LockedValueReturned.Inc()
	return amount, nil
}

// Due is a period ready to be requested.
type Due struct {
	AgreementID uint64
	PeriodID    uint64
}

// DueVerifications lists agreements whose next verifiable period has
// ended at now and has no outstanding request.
func (r *Registry) DueVerifications(now time.Time) []Due {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []Due
	for _, ag := range r.agreements {
		next := ag.NextVerifiablePeriod()
		if !ag.IsAllowedPeriod(next) || ag.IsRequested(next) {
			continue
		}
		st := ag.Static()
		finished, err := r.cfg.Periods.IsFinished(st.PeriodType, next, now)
		if err != nil || !finished {
			continue
		}
		due = append(due, Due{AgreementID: ag.ID(), PeriodID: next})
	}
	return due
}

// agreement must be called with mu held.
func (r *Registry) agreement(id uint64) (*sla.Agreement, error) {
	if id >= uint64(len(r.agreements)) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAgreement, id)
	}
	return r.agreements[id], nil
}

// record journals entries. The in-process state is already committed, so
// a store failure is logged rather than returned.
func (r *Registry) record(ctx context.Context, entries ...model.LedgerEntry) {
	ctx = context.WithoutCancel(ctx)
	now := r.cfg.Clock().UTC()
	for i := range entries {
		e := &entries[i]
		e.ID = uuid.New().String()
		e.Timestamp = now
		if err := r.cfg.Store.InsertLedgerEntry(ctx, e); err != nil {
			slog.Error("failed to journal entry",
				"agreement", e.AgreementID,
				"kind", string(e.Kind),
				"err", err,
			)
		}
	}
}

// snapshot persists the agreement's details and refreshes gauges.
func (r *Registry) snapshot(ctx context.Context, ag *sla.Agreement) {
	details := r.details(ag)
	if err := r.cfg.Store.SaveAgreement(context.WithoutCancel(ctx), &details); err != nil {
		slog.Error("failed to save agreement snapshot", "agreement", ag.ID(), "err", err)
	}

	active := 0
	for _, a := range r.agreements {
		if !a.ContractFinished() {
			active++
		}
	}
	metrics.ActiveAgreements.Set(float64(active))
}

func (r *Registry) publish(e Event) {
	e.Timestamp = r.cfg.Clock().UTC()
	r.cfg.Events.Publish(e)
}
