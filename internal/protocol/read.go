package protocol

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/dtoken"
	"github.com/dsla/sla-engine/internal/model"
	"github.com/dsla/sla-engine/internal/sla"
	"github.com/dsla/sla-engine/internal/stake"
)

// GetSLAStaticDetails returns the immutable details of agreement id.
func (r *Registry) GetSLAStaticDetails(id uint64) (model.SLAStaticDetails, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ag, err := r.agreement(id)
	if err != nil {
		return model.SLAStaticDetails{}, err
	}
	return r.static(ag), nil
}

// GetSLADynamicDetails returns the verification cursor, pools and
// outcomes of agreement id.
func (r *Registry) GetSLADynamicDetails(id uint64) (model.SLADynamicDetails, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ag, err := r.agreement(id)
	if err != nil {
		return model.SLADynamicDetails{}, err
	}
	return r.dynamic(ag), nil
}

// GetSLADetailsArrays returns the details of every agreement in id order.
func (r *Registry) GetSLADetailsArrays() []model.SLADetails {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.SLADetails, 0, len(r.agreements))
	for _, ag := range r.agreements {
		out = append(out, r.details(ag))
	}
	return out
}

// GetDTokensDetails describes the D-Tokens of agreement id.
func (r *Registry) GetDTokensDetails(id uint64) ([]model.DTokenDetails, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, err := r.agreement(id); err != nil {
		return nil, err
	}
	out := r.cfg.Ledger.DTokens(id)
	if out == nil {
		out = []model.DTokenDetails{}
	}
	return out, nil
}

// DToken describes the D-Token named by ticker, e.g. "DSLA-KO-3".
func (r *Registry) DToken(ticker string) (model.DTokenDetails, error) {
	tk, err := dtoken.Parse(ticker)
	if err != nil {
		return model.DTokenDetails{}, err
	}
	dts, err := r.GetDTokensDetails(tk.AgreementID)
	if err != nil {
		return model.DTokenDetails{}, err
	}
	for _, dt := range dts {
		if dt.Symbol == tk.Symbol {
			return dt, nil
		}
	}
	return model.DTokenDetails{}, fmt.Errorf("%w: %s", stake.ErrTokenNotInAgreement, tk.Token)
}

// DTokenBalance returns account's share balance of the D-Token named by
// ticker.
func (r *Registry) DTokenBalance(ticker string, account model.Address) (decimal.Decimal, error) {
	tk, err := dtoken.Parse(ticker)
	if err != nil {
		return decimal.Zero, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, err := r.agreement(tk.AgreementID); err != nil {
		return decimal.Zero, err
	}
	return r.cfg.Ledger.ShareBalance(tk.AgreementID, tk.Token, tk.Side, account)
}

// AllSLAs returns every agreement id.
func (r *Registry) AllSLAs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint64, len(r.agreements))
	for i, ag := range r.agreements {
		ids[i] = ag.ID()
	}
	return ids
}

// UserSLAs returns the ids of agreements created by owner.
func (r *Registry) UserSLAs(owner model.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := []uint64{}
	for _, ag := range r.agreements {
		if ag.Owner() == owner {
			ids = append(ids, ag.ID())
		}
	}
	return ids
}

// Period returns the boundaries of one period.
func (r *Registry) Period(pt model.PeriodType, id uint64) (model.Period, error) {
	return r.cfg.Periods.StartAndEnd(pt, id)
}

// Messengers lists registered messengers.
func (r *Registry) Messengers(offset, limit int) []model.MessengerInfo {
	return r.cfg.Messengers.List(offset, limit)
}

// MessengersLength returns the number of registered messengers.
func (r *Registry) MessengersLength() int {
	return r.cfg.Messengers.Length()
}

// AllowedTokens returns the protocol-wide allowed symbols.
func (r *Registry) AllowedTokens() []string {
	return r.cfg.Ledger.AllowedTokens()
}

// Parameters returns the current staking parameters.
func (r *Registry) Parameters() stake.Parameters {
	return r.cfg.Ledger.Parameters()
}

// History returns the journal of agreement id.
func (r *Registry) History(ctx context.Context, id uint64) ([]model.LedgerEntry, error) {
	entries, err := r.cfg.Store.GetLedgerEntriesByAgreement(ctx, id)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

// AccountHistory returns every journal entry involving account.
func (r *Registry) AccountHistory(ctx context.Context, account model.Address) ([]model.LedgerEntry, error) {
	entries, err := r.cfg.Store.GetLedgerEntriesByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	return entries, nil
}

// Positions returns account's net staked amounts per pool side.
func (r *Registry) Positions(ctx context.Context, account model.Address) ([]model.Position, error) {
	positions, err := r.cfg.Store.GetAccountPositions(ctx, account)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return positions, nil
}

func (r *Registry) static(ag *sla.Agreement) model.SLAStaticDetails {
	st := ag.Static()
	st.LockedValue = r.cfg.Ledger.LockedValue(ag.ID())
	return st
}

func (r *Registry) dynamic(ag *sla.Agreement) model.SLADynamicDetails {
	pools := r.cfg.Ledger.Pools(ag.ID())
	if pools == nil {
		pools = []model.TokenPool{}
	}
	outcomes := ag.Outcomes()
	if outcomes == nil {
		outcomes = []model.PeriodOutcome{}
	}
	return model.SLADynamicDetails{
		ID:                   ag.ID(),
		NextVerifiablePeriod: ag.NextVerifiablePeriod(),
		Finished:             ag.ContractFinished(),
		LockedValue:          r.cfg.Ledger.LockedValue(ag.ID()),
		Pools:                pools,
		Outcomes:             outcomes,
	}
}

func (r *Registry) details(ag *sla.Agreement) model.SLADetails {
	return model.SLADetails{Static: r.static(ag), Dynamic: r.dynamic(ag)}
}

// Snapshot returns the persisted details of agreement id, served through
// the store (and its cache) rather than the in-process state.
func (r *Registry) Snapshot(ctx context.Context, id uint64) (*model.SLADetails, error) {
	return r.cfg.Store.GetAgreement(ctx, id)
}

// Snapshots returns every persisted agreement snapshot.
func (r *Registry) Snapshots(ctx context.Context) ([]model.SLADetails, error) {
	list, err := r.cfg.Store.ListAgreements(ctx)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []model.SLADetails{}
	}
	return list, nil
}
