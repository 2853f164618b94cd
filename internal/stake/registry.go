// Package stake is the ledger core: the allowed-token list, the collateral
// locked by agreement creators, the long/short stake pools of every
// agreement with their derivative D-Tokens, and verification rewards.
//
// All underlying tokens staked or locked sit in the registry's custody
// address. Pool totals and D-Token supplies only change together.
package stake

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/dtoken"
	"github.com/dsla/sla-engine/internal/fault"
	"github.com/dsla/sla-engine/internal/model"
	"github.com/dsla/sla-engine/internal/token"
)

var (
	ErrNotOwner            = fault.New(fault.Authorization, "stake: caller is not the owner")
	ErrNotRegistrar        = fault.New(fault.Authorization, "stake: caller is not the SLA registry")
	ErrNotAgreementOwner   = fault.New(fault.Authorization, "stake: only the SLA owner can do this")
	ErrInvalidParameter    = fault.New(fault.Validation, "stake: invalid parameter")
	ErrInvalidAmount       = fault.New(fault.Validation, "stake: amount must be a positive integer")
	ErrInvalidSide         = fault.New(fault.Validation, "stake: invalid position side")
	ErrInvalidLeverage     = fault.New(fault.Validation, "stake: incorrect leverage")
	ErrStakeTooSmall       = fault.New(fault.Validation, "stake: amount too small to mint a share")
	ErrUnknownAgreement    = fault.New(fault.NotFound, "stake: unknown agreement")
	ErrAlreadyAllowed      = fault.New(fault.State, "stake: token already allowed")
	ErrTokenNotAllowed     = fault.New(fault.State, "stake: token not allowed at registry")
	ErrTokenNotInAgreement = fault.New(fault.State, "stake: token not allowed for agreement")
	ErrTooManyTokens       = fault.New(fault.State, "stake: max token length reached")
	ErrAgreementExists     = fault.New(fault.State, "stake: agreement already registered")
	ErrAlreadyDistributed  = fault.New(fault.State, "stake: period rewards already distributed")
	ErrNotFinished         = fault.New(fault.State, "stake: only for finished contract")
	ErrNothingLocked       = fault.New(fault.State, "stake: locked value is empty")
	ErrInsufficientShares  = fault.New(fault.Validation, "stake: insufficient D-Token balance")
	ErrInsufficientPool    = fault.New(fault.Validation, "stake: withdrawal exceeds pool")
	ErrRewardsMismatch     = fault.New(fault.Invariant, "stake: reward components should sum to the deposit")
	ErrLeverageCapExceeded = fault.New(fault.Invariant, "stake: stake exceeds leveraged cap")
	ErrCustodyShortfall    = fault.New(fault.Invariant, "stake: custody balance below ledger total")
	ErrPoolDrained         = fault.New(fault.Invariant, "stake: pool is empty but its D-Tokens are outstanding")
)

// AgreementStatus is what the registry needs to know about an agreement
// before releasing its locked value.
type AgreementStatus interface {
	Owner() model.Address
	ContractFinished() bool
}

// TokenLookup resolves underlying tokens by symbol.
type TokenLookup interface {
	Lookup(symbol string) (token.Fungible, error)
}

type pool struct {
	token   token.Fungible
	totals  map[model.Side]decimal.Decimal
	dTokens map[model.Side]*token.Token
}

type agreementLedger struct {
	id       uint64
	owner    model.Address
	leverage int64
	order    []string
	pools    map[string]*pool
}

type lock struct {
	owner    model.Address
	amount   decimal.Decimal
	periods  int
	verified int
	params   Parameters
}

type periodKey struct {
	agreementID uint64
	periodID    uint64
}

// Registry is the stake registry.
type Registry struct {
	mu         sync.RWMutex
	owner      model.Address
	registrar  model.Address
	custody    model.Address
	protocol   token.Fungible
	tokens     TokenLookup
	params     Parameters
	limiter    *LeverageLimiter
	allowed    map[string]bool
	agreements map[uint64]*agreementLedger
	locks      map[uint64]*lock
	verified   map[periodKey]bool
}

// Config wires a Registry.
type Config struct {
	Owner     model.Address // protocol owner, receives platform rewards
	Registrar model.Address // the SLA registry allowed to drive agreements
	Custody   model.Address // address holding staked and locked tokens
	Protocol  token.Fungible
	Tokens    TokenLookup
	Params    Parameters
}

// NewRegistry creates a registry. The protocol token is allowed by default.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		owner:      cfg.Owner,
		registrar:  cfg.Registrar,
		custody:    cfg.Custody,
		protocol:   cfg.Protocol,
		tokens:     cfg.Tokens,
		params:     cfg.Params,
		limiter:    NewLeverageLimiter(cfg.Params.MaxLeverage),
		allowed:    map[string]bool{cfg.Protocol.Symbol(): true},
		agreements: make(map[uint64]*agreementLedger),
		locks:      make(map[uint64]*lock),
		verified:   make(map[periodKey]bool),
	}
	return r, nil
}

// Custody returns the address holding staked and locked tokens.
func (r *Registry) Custody() model.Address { return r.custody }

// Owner returns the protocol owner.
func (r *Registry) Owner() model.Address { return r.owner }

// ProtocolToken returns the token used for deposits and rewards.
func (r *Registry) ProtocolToken() token.Fungible { return r.protocol }

// Parameters returns the current staking parameters.
func (r *Registry) Parameters() Parameters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.params
}

// SetParameters replaces the staking parameters for future agreements.
func (r *Registry) SetParameters(caller model.Address, p Parameters) error {
	if caller != r.owner {
		return ErrNotOwner
	}
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.params = p
	r.limiter = NewLeverageLimiter(p.MaxLeverage)

	slog.Info("staking parameters updated",
		"deposit_per_period", p.DepositPerPeriod.String(),
		"max_leverage", p.MaxLeverage,
		"max_token_length", p.MaxTokenLength,
	)
	return nil
}

// CheckLeverage validates a leverage against the current maximum.
func (r *Registry) CheckLeverage(leverage int64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter.CheckLeverage(leverage)
}

// AddAllowedToken sanctions symbol for use in agreements.
func (r *Registry) AddAllowedToken(caller model.Address, symbol string) error {
	if caller != r.owner {
		return ErrNotOwner
	}
	if _, err := r.tokens.Lookup(symbol); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.allowed[symbol] {
		return fmt.Errorf("%w: %s", ErrAlreadyAllowed, symbol)
	}
	r.allowed[symbol] = true

	slog.Info("token allowed", "token", symbol)
	return nil
}

// IsAllowedToken reports whether symbol is sanctioned.
func (r *Registry) IsAllowedToken(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowed[symbol]
}

// AllowedTokens returns the sanctioned symbols in lexical order.
func (r *Registry) AllowedTokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.allowed))
	for s := range r.allowed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// RegisterAgreement opens the pools of a new agreement.
func (r *Registry) RegisterAgreement(caller model.Address, agreementID uint64, owner model.Address, leverage int64) error {
	if caller != r.registrar {
		return ErrNotRegistrar
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.limiter.CheckLeverage(leverage); err != nil {
		return err
	}
	if _, ok := r.agreements[agreementID]; ok {
		return fmt.Errorf("%w: %d", ErrAgreementExists, agreementID)
	}
	r.agreements[agreementID] = &agreementLedger{
		id:       agreementID,
		owner:    owner,
		leverage: leverage,
		pools:    make(map[string]*pool),
	}
	return nil
}

// LockValue moves amount of the protocol token from owner into custody
// for agreementID, snapshotting the current parameters. owner must have
// approved the custody address. A zero amount records an empty lock.
// It may precede RegisterAgreement so that a failed transfer leaves no
// agreement behind.
func (r *Registry) LockValue(caller model.Address, agreementID uint64, owner model.Address, amount decimal.Decimal, periods int) error {
	if caller != r.registrar {
		return ErrNotRegistrar
	}
	if amount.IsNegative() || !amount.IsInteger() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.locks[agreementID]; ok {
		return fmt.Errorf("%w: %d", ErrAgreementExists, agreementID)
	}
	if amount.IsPositive() {
		if err := r.protocol.TransferFrom(r.custody, owner, r.custody, amount); err != nil {
			return err
		}
	}
	r.locks[agreementID] = &lock{owner: owner, amount: amount, periods: periods, params: r.params}

	slog.Info("value locked", "agreement", agreementID, "owner", owner, "amount", amount.String())
	return nil
}

// LockedValue returns the collateral still locked for agreementID.
func (r *Registry) LockedValue(agreementID uint64) decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.locks[agreementID]; ok {
		return l.amount
	}
	return decimal.Zero
}

// AgreementParameters returns the parameter snapshot taken at lock time.
func (r *Registry) AgreementParameters(agreementID uint64) (Parameters, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.locks[agreementID]
	if !ok {
		return Parameters{}, fmt.Errorf("%w: %d", ErrUnknownAgreement, agreementID)
	}
	return l.params, nil
}

// CreateDTokens allows symbol in agreementID and creates its long/short
// D-Token pair.
func (r *Registry) CreateDTokens(caller model.Address, agreementID uint64, symbol string) error {
	if caller != r.registrar {
		return ErrNotRegistrar
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ag, ok := r.agreements[agreementID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAgreement, agreementID)
	}
	if !r.allowed[symbol] {
		return fmt.Errorf("%w: %s", ErrTokenNotAllowed, symbol)
	}
	if _, ok := ag.pools[symbol]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAllowed, symbol)
	}
	maxTokens := r.params.MaxTokenLength
	if l, ok := r.locks[agreementID]; ok {
		maxTokens = l.params.MaxTokenLength
	}
	if len(ag.order) >= maxTokens {
		return fmt.Errorf("%w: %d", ErrTooManyTokens, maxTokens)
	}
	underlying, err := r.tokens.Lookup(symbol)
	if err != nil {
		return err
	}

	p := &pool{
		token:   underlying,
		totals:  map[model.Side]decimal.Decimal{model.SideLong: decimal.Zero, model.SideShort: decimal.Zero},
		dTokens: make(map[model.Side]*token.Token, 2),
	}
	for _, side := range []model.Side{model.SideLong, model.SideShort} {
		p.dTokens[side] = token.New(dtoken.Format(symbol, side, agreementID), dtoken.Address(symbol, side, agreementID), r.custody)
	}
	ag.pools[symbol] = p
	ag.order = append(ag.order, symbol)

	slog.Info("dtokens created", "agreement", agreementID, "token", symbol)
	return nil
}

// AgreementTokens returns the symbols allowed in agreementID, in the order
// they were added.
func (r *Registry) AgreementTokens(agreementID uint64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ag, ok := r.agreements[agreementID]
	if !ok {
		return nil
	}
	return append([]string(nil), ag.order...)
}

// Stake moves amount of symbol from account into custody and mints the
// side's D-Tokens to account. Returns the minted shares.
func (r *Registry) Stake(caller model.Address, agreementID uint64, symbol string, account model.Address, side model.Side, amount decimal.Decimal) (decimal.Decimal, error) {
	if caller != r.registrar {
		return decimal.Zero, ErrNotRegistrar
	}
	if !token.ValidAmount(amount) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if !side.Valid() {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ag, p, err := r.poolOf(agreementID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if side == model.SideShort {
		if err := r.limiter.CheckShort(p.totals[model.SideLong], p.totals[model.SideShort], amount, ag.leverage); err != nil {
			return decimal.Zero, err
		}
	}

	dt := p.dTokens[side]
	if p.totals[side].IsZero() && dt.TotalSupply().IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPoolDrained, dt.Symbol())
	}
	shares := sharesToMint(amount, p.totals[side], dt.TotalSupply())
	if !shares.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrStakeTooSmall, amount)
	}

	// Transfer-in first: if it fails nothing has been mutated.
	if err := p.token.TransferFrom(r.custody, account, r.custody, amount); err != nil {
		return decimal.Zero, err
	}
	if err := dt.Mint(r.custody, account, shares); err != nil {
		return decimal.Zero, fmt.Errorf("%w: mint %s: %v", ErrCustodyShortfall, dt.Symbol(), err)
	}
	p.totals[side] = p.totals[side].Add(amount)

	slog.Info("stake added",
		"agreement", agreementID,
		"token", symbol,
		"account", account,
		"side", string(side),
		"amount", amount.String(),
		"shares", shares.String(),
	)
	return shares, nil
}

// Withdraw burns account's D-Tokens worth amount of the side's pool and
// returns amount of symbol to account. Returns the burned shares.
// Lock-up rules are the caller's responsibility.
func (r *Registry) Withdraw(caller model.Address, agreementID uint64, symbol string, account model.Address, side model.Side, amount decimal.Decimal) (decimal.Decimal, error) {
	if caller != r.registrar {
		return decimal.Zero, ErrNotRegistrar
	}
	if !token.ValidAmount(amount) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if !side.Valid() {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, p, err := r.poolOf(agreementID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	total := p.totals[side]
	if amount.GreaterThan(total) {
		return decimal.Zero, fmt.Errorf("%w: %s > %s", ErrInsufficientPool, amount, total)
	}
	dt := p.dTokens[side]
	burn := sharesToBurn(amount, total, dt.TotalSupply())
	if bal := dt.BalanceOf(account); bal.LessThan(burn) {
		return decimal.Zero, fmt.Errorf("%w: holds %s, needs %s", ErrInsufficientShares, bal, burn)
	}
	if p.token.BalanceOf(r.custody).LessThan(amount) {
		return decimal.Zero, ErrCustodyShortfall
	}

	if err := dt.BurnFrom(r.custody, account, burn); err != nil {
		return decimal.Zero, err
	}
	if err := p.token.Transfer(r.custody, account, amount); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrCustodyShortfall, err)
	}
	p.totals[side] = total.Sub(amount)

	slog.Info("stake withdrawn",
		"agreement", agreementID,
		"token", symbol,
		"account", account,
		"side", string(side),
		"amount", amount.String(),
		"shares", burn.String(),
	)
	return burn, nil
}

// Movement is a pool transfer caused by settling a verified period.
type Movement struct {
	Token  string          `json:"token"`
	From   model.Side      `json:"from"`
	To     model.Side      `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// Settle moves stake between the pools of agreementID after a period is
// verified. When the SLO was respected the provider side earns
// short*deviation/precision from the user side; otherwise users are
// compensated short*leverage*deviation/precision from the provider side.
// Each movement leaves at least one unit in the paying pool, so shares
// still outstanding on that side keep a nonzero backing.
func (r *Registry) Settle(caller model.Address, agreementID uint64, respected bool, deviation decimal.Decimal, precision int64) ([]Movement, error) {
	if caller != r.registrar {
		return nil, ErrNotRegistrar
	}
	if precision <= 0 {
		return nil, fmt.Errorf("%w: precision=%d", ErrInvalidParameter, precision)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ag, ok := r.agreements[agreementID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAgreement, agreementID)
	}

	prec := decimal.NewFromInt(precision)
	var moves []Movement
	for _, symbol := range ag.order {
		p := ag.pools[symbol]
		long, short := p.totals[model.SideLong], p.totals[model.SideShort]

		var m Movement
		if respected {
			amt := quo(short.Mul(deviation), prec)
			m = Movement{Token: symbol, From: model.SideShort, To: model.SideLong, Amount: decimal.Min(amt, payable(short))}
		} else {
			amt := quo(short.Mul(decimal.NewFromInt(ag.leverage)).Mul(deviation), prec)
			m = Movement{Token: symbol, From: model.SideLong, To: model.SideShort, Amount: decimal.Min(amt, payable(long))}
		}
		if !m.Amount.IsPositive() {
			continue
		}
		p.totals[m.From] = p.totals[m.From].Sub(m.Amount)
		p.totals[m.To] = p.totals[m.To].Add(m.Amount)
		moves = append(moves, m)
	}
	return moves, nil
}

// Distribution is the verification reward payout of one period.
type Distribution struct {
	AgreementID uint64          `json:"agreement_id"`
	PeriodID    uint64          `json:"period_id"`
	Paid        bool            `json:"paid"`
	Platform    decimal.Decimal `json:"platform"`
	Messenger   decimal.Decimal `json:"messenger"`
	User        decimal.Decimal `json:"user"`
	Burned      decimal.Decimal `json:"burned"`
}

// DistributeVerificationRewards pays the per-period deposit of agreementID
// out of its locked value: platform reward to the protocol owner,
// messenger reward to messengerOwner, user reward to verifier, and burns
// the rest. It runs at most once per period. If the lock no longer holds
// a full deposit (it was returned early), the period is recorded with
// Paid=false.
func (r *Registry) DistributeVerificationRewards(caller model.Address, agreementID, periodID uint64, verifier, messengerOwner model.Address) (Distribution, error) {
	if caller != r.registrar {
		return Distribution{}, ErrNotRegistrar
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := periodKey{agreementID, periodID}
	if r.verified[key] {
		return Distribution{}, fmt.Errorf("%w: agreement %d period %d", ErrAlreadyDistributed, agreementID, periodID)
	}
	l, ok := r.locks[agreementID]
	if !ok {
		return Distribution{}, fmt.Errorf("%w: %d", ErrUnknownAgreement, agreementID)
	}

	dist := Distribution{AgreementID: agreementID, PeriodID: periodID}
	ps := l.params
	if l.amount.LessThan(ps.DepositPerPeriod) || !ps.DepositPerPeriod.IsPositive() {
		r.verified[key] = true
		l.verified++
		slog.Warn("verification rewards skipped", "agreement", agreementID, "period", periodID, "locked", l.amount.String())
		return dist, nil
	}
	if r.protocol.BalanceOf(r.custody).LessThan(ps.DepositPerPeriod) {
		return Distribution{}, ErrCustodyShortfall
	}

	burned := ps.BurnedByVerification
	platform := ps.PlatformReward
	if !ps.BurnEnabled {
		platform = platform.Add(burned)
		burned = decimal.Zero
	}
	payouts := []struct {
		to     model.Address
		amount decimal.Decimal
	}{
		{r.owner, platform},
		{messengerOwner, ps.MessengerReward},
		{verifier, ps.UserReward},
	}
	for _, p := range payouts {
		if !p.amount.IsPositive() {
			continue
		}
		if err := r.protocol.Transfer(r.custody, p.to, p.amount); err != nil {
			return Distribution{}, fmt.Errorf("%w: %v", ErrCustodyShortfall, err)
		}
	}
	if burned.IsPositive() {
		if err := r.protocol.Burn(r.custody, burned); err != nil {
			return Distribution{}, fmt.Errorf("%w: %v", ErrCustodyShortfall, err)
		}
	}

	l.amount = l.amount.Sub(ps.DepositPerPeriod)
	l.verified++
	r.verified[key] = true

	dist.Paid = true
	dist.Platform = platform
	dist.Messenger = ps.MessengerReward
	dist.User = ps.UserReward
	dist.Burned = burned

	slog.Info("verification rewards distributed",
		"agreement", agreementID,
		"period", periodID,
		"verifier", verifier,
		"remaining_locked", l.amount.String(),
	)
	return dist, nil
}

// IsDistributed reports whether rewards of the period were handled.
func (r *Registry) IsDistributed(agreementID, periodID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.verified[periodKey{agreementID, periodID}]
}

// ReturnLockedValue sends what remains of the lock back to its owner.
// Only the agreement owner may ask, only once the agreement is finished,
// and only while something is locked.
func (r *Registry) ReturnLockedValue(caller model.Address, agreementID uint64, ag AgreementStatus, requester model.Address) (decimal.Decimal, error) {
	if caller != r.registrar {
		return decimal.Zero, ErrNotRegistrar
	}
	if requester != ag.Owner() {
		return decimal.Zero, ErrNotAgreementOwner
	}
	if !ag.ContractFinished() {
		return decimal.Zero, ErrNotFinished
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[agreementID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrUnknownAgreement, agreementID)
	}
	if !l.amount.IsPositive() {
		return decimal.Zero, ErrNothingLocked
	}
	amount := l.amount
	if err := r.protocol.Transfer(r.custody, l.owner, amount); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrCustodyShortfall, err)
	}
	l.amount = decimal.Zero

	slog.Info("locked value returned", "agreement", agreementID, "owner", l.owner, "amount", amount.String())
	return amount, nil
}

// Pools returns the pool totals of agreementID in token order.
func (r *Registry) Pools(agreementID uint64) []model.TokenPool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ag, ok := r.agreements[agreementID]
	if !ok {
		return nil
	}
	out := make([]model.TokenPool, 0, len(ag.order))
	for _, s := range ag.order {
		p := ag.pools[s]
		out = append(out, model.TokenPool{
			Token:      s,
			LongTotal:  p.totals[model.SideLong],
			ShortTotal: p.totals[model.SideShort],
		})
	}
	return out
}

// PoolTotal returns one side's total of a pool.
func (r *Registry) PoolTotal(agreementID uint64, symbol string, side model.Side) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, p, err := r.poolOf(agreementID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return p.totals[side], nil
}

// DTokens describes the D-Tokens of agreementID.
func (r *Registry) DTokens(agreementID uint64) []model.DTokenDetails {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ag, ok := r.agreements[agreementID]
	if !ok {
		return nil
	}
	var out []model.DTokenDetails
	for _, s := range ag.order {
		p := ag.pools[s]
		for _, side := range []model.Side{model.SideLong, model.SideShort} {
			dt := p.dTokens[side]
			out = append(out, model.DTokenDetails{
				Token:       s,
				Side:        side,
				Symbol:      dt.Symbol(),
				Address:     dt.Address(),
				TotalSupply: dt.TotalSupply(),
				Pool:        p.totals[side],
			})
		}
	}
	return out
}

// ShareBalance returns account's D-Token balance on one side of a pool.
func (r *Registry) ShareBalance(agreementID uint64, symbol string, side model.Side, account model.Address) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, p, err := r.poolOf(agreementID, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	dt, ok := p.dTokens[side]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	return dt.BalanceOf(account), nil
}

// poolOf must be called with mu held.
func (r *Registry) poolOf(agreementID uint64, symbol string) (*agreementLedger, *pool, error) {
	ag, ok := r.agreements[agreementID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownAgreement, agreementID)
	}
	p, ok := ag.pools[symbol]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTokenNotInAgreement, symbol)
	}
	return ag, p, nil
}

// sharesToMint is amount when the pool is empty, else floor(amount*supply/pool).
func sharesToMint(amount, poolTotal, supply decimal.Decimal) decimal.Decimal {
	if supply.IsZero() || poolTotal.IsZero() {
		return amount
	}
	return quo(amount.Mul(supply), poolTotal)
}

// sharesToBurn is ceil(amount*supply/pool) so withdrawals never round in
// the withdrawer's favour.
func sharesToBurn(amount, poolTotal, supply decimal.Decimal) decimal.Decimal {
	q, rem := amount.Mul(supply).QuoRem(poolTotal, 0)
	if !rem.IsZero() {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q
}

// payable is what a pool holding total can pay out in one settlement.
func payable(total decimal.Decimal) decimal.Decimal {
	if !total.IsPositive() {
		return decimal.Zero
	}
	return total.Sub(decimal.NewFromInt(1))
}

// quo is integer division truncating toward zero.
func quo(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, 0)
	return q
}
