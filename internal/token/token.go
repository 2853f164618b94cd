// Package token implements the fungible-token capability consumed by the
// ledger: the protocol token, every allowed collateral token and the
// derivative D-Tokens are all instances of Token.
//
// Balances are integral base units held in shopspring/decimal.
package token

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/fault"
	"github.com/dsla/sla-engine/internal/model"
)

var (
	ErrInvalidAmount         = fault.New(fault.Validation, "token: amount must be a positive integer")
	ErrInsufficientBalance   = fault.New(fault.Validation, "token: transfer amount exceeds balance")
	ErrInsufficientAllowance = fault.New(fault.Validation, "token: transfer amount exceeds allowance")
	ErrNotMinter             = fault.New(fault.Authorization, "token: caller is not the minter")
	ErrUnknownToken          = fault.New(fault.NotFound, "token: unknown token")
	ErrDuplicateToken        = fault.New(fault.State, "token: symbol already registered")
)

// Fungible is the standard token surface the ledger relies on.
type Fungible interface {
	Symbol() string
	Address() model.Address
	BalanceOf(account model.Address) decimal.Decimal
	TotalSupply() decimal.Decimal
	Transfer(from, to model.Address, amount decimal.Decimal) error
	TransferFrom(spender, from, to model.Address, amount decimal.Decimal) error
	Approve(owner, spender model.Address, amount decimal.Decimal) error
	Mint(caller, to model.Address, amount decimal.Decimal) error
	Burn(from model.Address, amount decimal.Decimal) error
}

// ValidAmount reports whether d is a strictly positive integral amount.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.IsInteger()
}

// Token is an in-memory ERC-20 style ledger.
type Token struct {
	mu         sync.RWMutex
	symbol     string
	address    model.Address
	minter     model.Address
	supply     decimal.Decimal
	balances   map[model.Address]decimal.Decimal
	allowances map[model.Address]map[model.Address]decimal.Decimal
}

// New creates a token. Only minter may call Mint.
func New(symbol string, address, minter model.Address) *Token {
	return &Token{
		symbol:     symbol,
		address:    address,
		minter:     minter,
		balances:   make(map[model.Address]decimal.Decimal),
		allowances: make(map[model.Address]map[model.Address]decimal.Decimal),
	}
}

func (t *Token) Symbol() string         { return t.symbol }
func (t *Token) Address() model.Address { return t.address }
func (t *Token) Minter() model.Address  { return t.minter }

func (t *Token) BalanceOf(account model.Address) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances[account]
}

func (t *Token) TotalSupply() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.supply
}

func (t *Token) Allowance(owner, spender model.Address) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allowances[owner][spender]
}

func (t *Token) Transfer(from, to model.Address, amount decimal.Decimal) error {
	if !ValidAmount(amount) {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

func (t *Token) TransferFrom(spender, from, to model.Address, amount decimal.Decimal) error {
	if !ValidAmount(amount) {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := t.allowances[from][spender]
	if allowed.LessThan(amount) {
		return fmt.Errorf("%w: %s allows %s, need %s", ErrInsufficientAllowance, from, allowed, amount)
	}
	if err := t.move(from, to, amount); err != nil {
		return err
	}
	t.allowances[from][spender] = allowed.Sub(amount)
	return nil
}

// Approve sets the allowance of spender over owner's balance. Zero revokes.
func (t *Token) Approve(owner, spender model.Address, amount decimal.Decimal) error {
	if amount.IsNegative() || !amount.IsInteger() {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[model.Address]decimal.Decimal)
	}
	t.allowances[owner][spender] = amount
	return nil
}

func (t *Token) Mint(caller, to model.Address, amount decimal.Decimal) error {
	if caller != t.minter {
		return ErrNotMinter
	}
	if !ValidAmount(amount) {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.balances[to] = t.balances[to].Add(amount)
	t.supply = t.supply.Add(amount)
	return nil
}

// Burn destroys amount from the holder's own balance.
func (t *Token) Burn(from model.Address, amount decimal.Decimal) error {
	if !ValidAmount(amount) {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	bal := t.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, burn %s", ErrInsufficientBalance, from, bal, amount)
	}
	t.balances[from] = bal.Sub(amount)
	t.supply = t.supply.Sub(amount)
	return nil
}

// BurnFrom lets the minter destroy a holder's balance (D-Token redemption).
func (t *Token) BurnFrom(caller, from model.Address, amount decimal.Decimal) error {
	if caller != t.minter {
		return ErrNotMinter
	}
	return t.Burn(from, amount)
}

// move must be called with mu held.
func (t *Token) move(from, to model.Address, amount decimal.Decimal) error {
	bal := t.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientBalance, from, bal, amount)
	}
	t.balances[from] = bal.Sub(amount)
	t.balances[to] = t.balances[to].Add(amount)
	return nil
}

// Registry holds every token known to the engine, keyed by symbol.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// NewRegistry creates an empty token registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Create registers a new token under symbol.
func (r *Registry) Create(symbol string, minter model.Address) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tokens[symbol]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateToken, symbol)
	}
	t := New(symbol, model.Address("token:"+symbol), minter)
	r.tokens[symbol] = t
	return t, nil
}

// Get returns the token registered under symbol.
func (r *Registry) Get(symbol string) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tokens[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}
	return t, nil
}

// Lookup is Get behind the Fungible interface.
func (r *Registry) Lookup(symbol string) (Fungible, error) {
	t, err := r.Get(symbol)
	if err != nil {
		return nil, err
	}
	return t, nil
}
