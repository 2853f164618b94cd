// Package sla implements the agreement state machine: staking gates,
// strictly sequential SLI verification and the finish condition.
//
// An Agreement is not safe for concurrent use. The protocol registry
// serializes every call.
package sla

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/fault"
	"github.com/dsla/sla-engine/internal/messenger"
	"github.com/dsla/sla-engine/internal/model"
	"github.com/dsla/sla-engine/internal/stake"
)

var (
	ErrNotOwner                = fault.New(fault.Authorization, "sla: only the SLA owner can do this")
	ErrNotWhitelisted          = fault.New(fault.Authorization, "sla: user not whitelisted")
	ErrNotMessenger            = fault.New(fault.Authorization, "sla: only the bound messenger can fulfill")
	ErrInvalidSLI              = fault.New(fault.Validation, "sla: SLI must not be negative")
	ErrInvalidAccount          = fault.New(fault.Validation, "sla: invalid account")
	ErrPeriodNotAllowed        = fault.New(fault.Validation, "sla: period outside the agreement range")
	ErrNotNextVerifiablePeriod = fault.New(fault.State, "sla: not the next verifiable period")
	ErrPeriodNotFinished       = fault.New(fault.State, "sla: period not finished")
	ErrAlreadyVerified         = fault.New(fault.State, "sla: period already verified")
	ErrNotRequested            = fault.New(fault.State, "sla: SLI not requested for period")
	ErrFinished                = fault.New(fault.State, "sla: agreement finished")
	ErrProviderLockUp          = fault.New(fault.State, "sla: provider lock-up until the next verification")
)

// PeriodSource resolves period boundaries.
type PeriodSource interface {
	StartAndEnd(pt model.PeriodType, id uint64) (model.Period, error)
	IsFinished(pt model.PeriodType, id uint64, now time.Time) (bool, error)
}

// SLOEvaluator judges delivered SLIs against the agreement's objective.
type SLOEvaluator interface {
	IsRespected(agreementID uint64, sli decimal.Decimal) (bool, error)
	Deviation(agreementID uint64, sli decimal.Decimal, precision int64) (decimal.Decimal, error)
}

// Ledger is the part of the stake registry an agreement drives.
type Ledger interface {
	CreateDTokens(caller model.Address, agreementID uint64, symbol string) error
	Stake(caller model.Address, agreementID uint64, symbol string, account model.Address, side model.Side, amount decimal.Decimal) (decimal.Decimal, error)
	Withdraw(caller model.Address, agreementID uint64, symbol string, account model.Address, side model.Side, amount decimal.Decimal) (decimal.Decimal, error)
	Settle(caller model.Address, agreementID uint64, respected bool, deviation decimal.Decimal, precision int64) ([]stake.Movement, error)
	DistributeVerificationRewards(caller model.Address, agreementID, periodID uint64, verifier, messengerOwner model.Address) (stake.Distribution, error)
	IsDistributed(agreementID, periodID uint64) bool
	ReturnLockedValue(caller model.Address, agreementID uint64, ag stake.AgreementStatus, requester model.Address) (decimal.Decimal, error)
}

// Config describes a new agreement and its collaborators.
type Config struct {
	ID               uint64
	Owner            model.Address
	Messenger        messenger.Messenger
	PeriodType       model.PeriodType
	SLO              model.SLO
	InitialPeriodID  uint64
	FinalPeriodID    uint64
	Leverage         int64
	WhitelistEnabled bool
	IPFSHash         string
	CreatedAt        time.Time

	// Registrar is the address the agreement acts as towards the ledger.
	Registrar model.Address
	Periods   PeriodSource
	SLOs      SLOEvaluator
	Ledger    Ledger
	Clock     func() time.Time
}

// Agreement is one SLA.
type Agreement struct {
	cfg Config

	nextVerifiable uint64
	outcomes       []model.PeriodOutcome
	requested      map[uint64]model.Address
	whitelist      map[model.Address]bool
	// providerLocks holds, per provider, the verification cursor at their
	// last long stake.
	providerLocks map[model.Address]uint64
}

// New creates an agreement. Range and leverage validation is done by the
// creation flow.
func New(cfg Config) *Agreement {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Agreement{
		cfg:            cfg,
		nextVerifiable: cfg.InitialPeriodID,
		requested:      make(map[uint64]model.Address),
		whitelist:      make(map[model.Address]bool),
		providerLocks:  make(map[model.Address]uint64),
	}
}

func (a *Agreement) ID() uint64                     { return a.cfg.ID }
func (a *Agreement) Owner() model.Address           { return a.cfg.Owner }
func (a *Agreement) Messenger() messenger.Messenger { return a.cfg.Messenger }
func (a *Agreement) NextVerifiablePeriod() uint64   { return a.nextVerifiable }

// IsAllowedPeriod reports whether id lies in [initial, final].
func (a *Agreement) IsAllowedPeriod(id uint64) bool {
	return id >= a.cfg.InitialPeriodID && id <= a.cfg.FinalPeriodID
}

// ContractFinished is true once every period has been verified or the
// final period has ended, whichever comes first.
func (a *Agreement) ContractFinished() bool {
	if a.nextVerifiable > a.cfg.FinalPeriodID {
		return true
	}
	p, err := a.cfg.Periods.StartAndEnd(a.cfg.PeriodType, a.cfg.FinalPeriodID)
	if err != nil {
		return false
	}
	return a.cfg.Clock().Unix() > p.End
}

// IsWhitelisted reports whether account may stake. The owner always may,
// and everyone may when the whitelist is disabled.
func (a *Agreement) IsWhitelisted(account model.Address) bool {
	if !a.cfg.WhitelistEnabled || account == a.cfg.Owner {
		return true
	}
	return a.whitelist[account]
}

// AddUsersToWhitelist allows accounts to stake.
func (a *Agreement) AddUsersToWhitelist(caller model.Address, accounts []model.Address) error {
	if err := a.checkWhitelistInput(caller, accounts); err != nil {
		return err
	}
	for _, acct := range accounts {
		a.whitelist[acct] = true
	}
	slog.Info("whitelist extended", "agreement", a.cfg.ID, "count", len(accounts))
	return nil
}

// RemoveUsersFromWhitelist revokes accounts. Unknown accounts are ignored.
func (a *Agreement) RemoveUsersFromWhitelist(caller model.Address, accounts []model.Address) error {
	if err := a.checkWhitelistInput(caller, accounts); err != nil {
		return err
	}
	for _, acct := range accounts {
		delete(a.whitelist, acct)
	}
	slog.Info("whitelist reduced", "agreement", a.cfg.ID, "count", len(accounts))
	return nil
}

func (a *Agreement) checkWhitelistInput(caller model.Address, accounts []model.Address) error {
	if caller != a.cfg.Owner {
		return ErrNotOwner
	}
	for _, acct := range accounts {
		if acct == "" {
			return ErrInvalidAccount
		}
	}
	return nil
}

// AddAllowedToken opens a pool for symbol, creating its D-Token pair.
func (a *Agreement) AddAllowedToken(caller model.Address, symbol string) error {
	if caller != a.cfg.Owner {
		return ErrNotOwner
	}
	return a.cfg.Ledger.CreateDTokens(a.cfg.Registrar, a.cfg.ID, symbol)
}

// StakeTokens stakes amount of symbol on side for caller.
func (a *Agreement) StakeTokens(caller model.Address, amount decimal.Decimal, symbol string, side model.Side) (decimal.Decimal, error) {
	if !a.IsWhitelisted(caller) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNotWhitelisted, caller)
	}
	if a.ContractFinished() {
		return decimal.Zero, ErrFinished
	}

	shares, err := a.cfg.Ledger.Stake(a.cfg.Registrar, a.cfg.ID, symbol, caller, side, amount)
	if err != nil {
		return decimal.Zero, err
	}
	if side == model.SideLong {
		a.providerLocks[caller] = a.nextVerifiable
	}
	return shares, nil
}

// WithdrawProviderTokens returns long-side stake. Until the agreement is
// finished a provider must wait for one verification after their last stake.
func (a *Agreement) WithdrawProviderTokens(caller model.Address, amount decimal.Decimal, symbol string) (decimal.Decimal, error) {
	if !a.ContractFinished() {
		if lockedAt, ok := a.providerLocks[caller]; ok && a.nextVerifiable <= lockedAt {
			return decimal.Zero, ErrProviderLockUp
		}
	}
	return a.cfg.Ledger.Withdraw(a.cfg.Registrar, a.cfg.ID, symbol, caller, model.SideLong, amount)
}

// WithdrawUserTokens returns short-side stake, bounded by the caller's
// D-Token balance.
func (a *Agreement) WithdrawUserTokens(caller model.Address, amount decimal.Decimal, symbol string) (decimal.Decimal, error) {
	return a.cfg.Ledger.Withdraw(a.cfg.Registrar, a.cfg.ID, symbol, caller, model.SideShort, amount)
}

// RequestSLI asks the bound messenger for the SLI of periodID, which must
// be the next verifiable period and must have ended. A repeated request
// keeps the first requester as the verifier.
func (a *Agreement) RequestSLI(ctx context.Context, caller model.Address, periodID uint64) (messenger.Request, error) {
	if !a.IsAllowedPeriod(periodID) {
		return messenger.Request{}, fmt.Errorf("%w: %d", ErrPeriodNotAllowed, periodID)
	}
	if periodID != a.nextVerifiable {
		return messenger.Request{}, fmt.Errorf("%w: got %d, next is %d", ErrNotNextVerifiablePeriod, periodID, a.nextVerifiable)
	}
	finished, err := a.cfg.Periods.IsFinished(a.cfg.PeriodType, periodID, a.cfg.Clock())
	if err != nil {
		return messenger.Request{}, err
	}
	if !finished {
		return messenger.Request{}, fmt.Errorf("%w: %d", ErrPeriodNotFinished, periodID)
	}

	verifier, ok := a.requested[periodID]
	if !ok {
		verifier = caller
	}
	req := messenger.Request{
		RequestID:   uuid.New().String(),
		AgreementID: a.cfg.ID,
		PeriodID:    periodID,
		Requester:   verifier,
	}
	if err := a.cfg.Messenger.RequestSLI(ctx, req); err != nil {
		return messenger.Request{}, fmt.Errorf("sla %d: messenger request failed: %w", a.cfg.ID, err)
	}
	a.requested[periodID] = verifier

	slog.Info("sli requested",
		"agreement", a.cfg.ID,
		"period", periodID,
		"requester", caller,
		"request_id", req.RequestID,
	)
	return req, nil
}

// Verification is the result of one accepted fulfillment.
type Verification struct {
	Outcome      model.PeriodOutcome `json:"outcome"`
	Verifier     model.Address       `json:"verifier"`
	Movements    []stake.Movement    `json:"movements"`
	Distribution stake.Distribution  `json:"distribution"`
}

// FulfillSLI records the SLI delivered by the bound messenger for the
// requested next verifiable period, settles the pools, pays verification
// rewards and advances the cursor.
func (a *Agreement) FulfillSLI(caller model.Address, periodID uint64, sli decimal.Decimal) (Verification, error) {
	m := a.cfg.Messenger
	if caller != m.Address() {
		return Verification{}, ErrNotMessenger
	}
	if sli.IsNegative() {
		return Verification{}, fmt.Errorf("%w: %s", ErrInvalidSLI, sli)
	}
	if periodID < a.nextVerifiable && a.IsAllowedPeriod(periodID) {
		return Verification{}, fmt.Errorf("%w: %d", ErrAlreadyVerified, periodID)
	}
	if periodID != a.nextVerifiable || !a.IsAllowedPeriod(periodID) {
		return Verification{}, fmt.Errorf("%w: got %d, next is %d", ErrNotNextVerifiablePeriod, periodID, a.nextVerifiable)
	}
	verifier, ok := a.requested[periodID]
	if !ok {
		return Verification{}, fmt.Errorf("%w: %d", ErrNotRequested, periodID)
	}

	respected, err := a.cfg.SLOs.IsRespected(a.cfg.ID, sli)
	if err != nil {
		return Verification{}, err
	}
	deviation, err := a.cfg.SLOs.Deviation(a.cfg.ID, sli, m.Precision())
	if err != nil {
		return Verification{}, err
	}
	// Nothing below may fail once rewards are paid.
	if a.cfg.Ledger.IsDistributed(a.cfg.ID, periodID) {
		return Verification{}, fmt.Errorf("%w: %d", stake.ErrAlreadyDistributed, periodID)
	}

	dist, err := a.cfg.Ledger.DistributeVerificationRewards(a.cfg.Registrar, a.cfg.ID, periodID, verifier, m.Owner())
	if err != nil {
		return Verification{}, err
	}
	moves, err := a.cfg.Ledger.Settle(a.cfg.Registrar, a.cfg.ID, respected, deviation, m.Precision())
	if err != nil {
		return Verification{}, err
	}

	status := model.NotRespected
	if respected {
		status = model.Respected
	}
	outcome := model.PeriodOutcome{
		PeriodID:  periodID,
		Timestamp: a.cfg.Clock().UTC(),
		SLI:       sli,
		Status:    status,
		Deviation: deviation,
	}
	a.outcomes = append(a.outcomes, outcome)
	a.nextVerifiable++
	delete(a.requested, periodID)

	slog.Info("sli verified",
		"agreement", a.cfg.ID,
		"period", periodID,
		"sli", sli.String(),
		"status", string(status),
		"deviation", deviation.String(),
	)
	return Verification{Outcome: outcome, Verifier: verifier, Movements: moves, Distribution: dist}, nil
}

// ReturnLockedValue releases the remaining deposit to the owner.
func (a *Agreement) ReturnLockedValue(caller model.Address) (decimal.Decimal, error) {
	return a.cfg.Ledger.ReturnLockedValue(a.cfg.Registrar, a.cfg.ID, a, caller)
}

// IsRequested reports whether an SLI request is outstanding for periodID.
func (a *Agreement) IsRequested(periodID uint64) bool {
	_, ok := a.requested[periodID]
	return ok
}

// Outcomes returns the verified periods in order.
func (a *Agreement) Outcomes() []model.PeriodOutcome {
	return append([]model.PeriodOutcome(nil), a.outcomes...)
}

// Static returns the immutable details. LockedValue is left to the caller.
func (a *Agreement) Static() model.SLAStaticDetails {
	return model.SLAStaticDetails{
		ID:               a.cfg.ID,
		Owner:            a.cfg.Owner,
		Messenger:        a.cfg.Messenger.Address(),
		PeriodType:       a.cfg.PeriodType,
		SLO:              a.cfg.SLO,
		InitialPeriodID:  a.cfg.InitialPeriodID,
		FinalPeriodID:    a.cfg.FinalPeriodID,
		Leverage:         a.cfg.Leverage,
		WhitelistEnabled: a.cfg.WhitelistEnabled,
		IPFSHash:         a.cfg.IPFSHash,
		CreatedAt:        a.cfg.CreatedAt,
	}
}
