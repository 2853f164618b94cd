package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dsla/sla-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	agreements map[uint64]model.SLADetails
	ledger     []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agreements: make(map[uint64]model.SLADetails),
	}
}

func (s *MemoryStore) SaveAgreement(_ context.Context, sla *model.SLADetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agreements[sla.Static.ID] = cloneDetails(*sla)
	return nil
}

func (s *MemoryStore) GetAgreement(_ context.Context, id uint64) (*model.SLADetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sla, ok := s.agreements[id]
	if !ok {
		return nil, fmt.Errorf("%w: agreement %d", ErrNotFound, id)
	}
	out := cloneDetails(sla)
	return &out, nil
}

func (s *MemoryStore) ListAgreements(_ context.Context) ([]model.SLADetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SLADetails, 0, len(s.agreements))
	for _, sla := range s.agreements {
		out = append(out, cloneDetails(sla))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Static.ID < out[j].Static.ID })
	return out, nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.ledger {
		if e.ID == entry.ID {
			return fmt.Errorf("ledger entry %s already exists", entry.ID)
		}
	}
	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByAgreement(_ context.Context, agreementID uint64) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AgreementID == agreementID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, account model.Address) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Account == account {
			result = append(result, e)
		}
	}
	return result, nil
}

// GetAccountPositions aggregates stake and withdraw entries into flows
// per (agreement, token, side).
func (s *MemoryStore) GetAccountPositions(_ context.Context, account model.Address) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type posKey struct {
		agreementID uint64
		token       string
		side        model.Side
	}
	agg := make(map[posKey]*model.Position)

	for _, e := range s.ledger {
		if e.Account != account || (e.Kind != model.EntryStake && e.Kind != model.EntryWithdraw) {
			continue
		}
		k := posKey{e.AgreementID, e.Token, e.Side}
		p, ok := agg[k]
		if !ok {
			p = &model.Position{AgreementID: k.agreementID, Account: account, Token: k.token, Side: k.side}
			agg[k] = p
		}
		if e.Kind == model.EntryStake {
			p.Staked = p.Staked.Add(e.Amount)
		} else {
			p.Withdrawn = p.Withdrawn.Add(e.Amount)
		}
	}

	positions := make([]model.Position, 0, len(agg))
	for _, p := range agg {
		p.Net = p.Staked.Sub(p.Withdrawn)
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool {
		a, b := positions[i], positions[j]
		if a.AgreementID != b.AgreementID {
			return a.AgreementID < b.AgreementID
		}
		if a.Token != b.Token {
			return a.Token < b.Token
		}
		return a.Side < b.Side
	})
	return positions, nil
}

// cloneDetails copies the slices of a snapshot to avoid external mutation.
func cloneDetails(sla model.SLADetails) model.SLADetails {
	sla.Dynamic.Pools = append([]model.TokenPool(nil), sla.Dynamic.Pools...)
	sla.Dynamic.Outcomes = append([]model.PeriodOutcome(nil), sla.Dynamic.Outcomes...)
	return sla
}
