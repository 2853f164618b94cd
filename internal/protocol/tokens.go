package protocol

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/model"
	"github.com/dsla/sla-engine/internal/stake"
)

// CreateToken registers a collateral token minted by the protocol owner
// and sanctions it for agreements.
func (r *Registry) CreateToken(ctx context.Context, caller model.Address, symbol string) error {
	if caller != r.cfg.Ledger.Owner() {
		return stake.ErrNotOwner
	}
	if _, err := r.cfg.Tokens.Get(symbol); err != nil {
		if _, err := r.cfg.Tokens.Create(symbol, caller); err != nil {
			return err
		}
	}
	return r.AllowToken(ctx, caller, symbol)
}

// Mint issues amount of symbol to account. caller must be the minter.
func (r *Registry) Mint(caller model.Address, symbol string, to model.Address, amount decimal.Decimal) error {
	t, err := r.cfg.Tokens.Get(symbol)
	if err != nil {
		return err
	}
	return t.Mint(caller, to, amount)
}

// Approve sets caller's allowance for spender. An empty spender approves
// the ledger custody, which stakes and deposits are pulled by.
func (r *Registry) Approve(caller model.Address, symbol string, spender model.Address, amount decimal.Decimal) error {
	t, err := r.cfg.Tokens.Get(symbol)
	if err != nil {
		return err
	}
	if spender == "" {
		spender = r.cfg.Ledger.Custody()
	}
	return t.Approve(caller, spender, amount)
}

// Balance returns account's balance of symbol.
func (r *Registry) Balance(symbol string, account model.Address) (decimal.Decimal, error) {
	t, err := r.cfg.Tokens.Get(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return t.BalanceOf(account), nil
}
