package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dsla/sla-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the
// cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) SaveAgreement(ctx context.Context, sla *model.SLADetails) error {
	if err := s.primary.SaveAgreement(ctx, sla); err != nil {
		return err
	}
	s.cacheAgreement(ctx, sla)
	return nil
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if err := s.primary.InsertLedgerEntry(ctx, entry); err != nil {
		return err
	}
	// Invalidate position cache for this account.
	s.rdb.Del(ctx, positionsKey(entry.Account))
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetAgreement(ctx context.Context, id uint64) (*model.SLADetails, error) {
	data, err := s.rdb.Get(ctx, agreementKey(id)).Bytes()
	if err == nil {
		var sla model.SLADetails
		if json.Unmarshal(data, &sla) == nil {
			return &sla, nil
		}
	}

	// Cache miss: read from primary.
	sla, err := s.primary.GetAgreement(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheAgreement(ctx, sla)
	return sla, nil
}

func (s *CachedStore) GetAccountPositions(ctx context.Context, account model.Address) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(account)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.GetAccountPositions(ctx, account)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(account), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAgreements(ctx context.Context) ([]model.SLADetails, error) {
	return s.primary.ListAgreements(ctx)
}

func (s *CachedStore) GetLedgerEntriesByAgreement(ctx context.Context, agreementID uint64) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAgreement(ctx, agreementID)
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, account model.Address) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAccount(ctx, account)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAgreement(ctx context.Context, sla *model.SLADetails) {
	if data, err := json.Marshal(sla); err == nil {
		s.rdb.Set(ctx, agreementKey(sla.Static.ID), data, s.ttl)
	}
}

func agreementKey(id uint64) string             { return fmt.Sprintf("sla:agreement:%d", id) }
func positionsKey(account model.Address) string { return fmt.Sprintf("sla:positions:%s", account) }
