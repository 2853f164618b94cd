package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/model"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestMemoryStore_AgreementSnapshots(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetAgreement(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	snap := &model.SLADetails{
		Static:  model.SLAStaticDetails{ID: 1, Owner: "owner"},
		Dynamic: model.SLADynamicDetails{ID: 1, Pools: []model.TokenPool{{Token: "DSLA", LongTotal: d(10)}}},
	}
	if err := s.SaveAgreement(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	snap.Dynamic.Pools[0].LongTotal = d(99)

	got, err := s.GetAgreement(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Dynamic.Pools[0].LongTotal.Equal(d(10)) {
		t.Errorf("snapshot was mutated through the caller's slice: %s", got.Dynamic.Pools[0].LongTotal)
	}

	_ = s.SaveAgreement(ctx, &model.SLADetails{Static: model.SLAStaticDetails{ID: 0}})
	list, _ := s.ListAgreements(ctx)
	if len(list) != 2 || list[0].Static.ID != 0 || list[1].Static.ID != 1 {
		t.Errorf("expected agreements ordered by id, got %+v", list)
	}
}

func TestMemoryStore_PositionsFromJournal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	entries := []model.LedgerEntry{
		{ID: "1", AgreementID: 0, Account: "alice", Kind: model.EntryStake, Token: "DSLA", Side: model.SideLong, Amount: d(100), Timestamp: now},
		{ID: "2", AgreementID: 0, Account: "alice", Kind: model.EntryWithdraw, Token: "DSLA", Side: model.SideLong, Amount: d(40), Timestamp: now},
		{ID: "3", AgreementID: 0, Account: "alice", Kind: model.EntryReward, Token: "DSLA", Amount: d(250), Timestamp: now},
		{ID: "4", AgreementID: 1, Account: "alice", Kind: model.EntryStake, Token: "DSLA", Side: model.SideShort, Amount: d(5), Timestamp: now},
		{ID: "5", AgreementID: 0, Account: "bob", Kind: model.EntryStake, Token: "DSLA", Side: model.SideShort, Amount: d(7), Timestamp: now},
	}
	for i := range entries {
		if err := s.InsertLedgerEntry(ctx, &entries[i]); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.InsertLedgerEntry(ctx, &entries[0]); err == nil {
		t.Error("expected duplicate id to be rejected")
	}

	positions, err := s.GetAccountPositions(ctx, "alice")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(positions))
	}
	if !positions[0].Staked.Equal(d(100)) || !positions[0].Withdrawn.Equal(d(40)) ||
		!positions[0].Net.Equal(d(60)) || positions[0].Side != model.SideLong {
		t.Errorf("expected 100 in, 40 out long on agreement 0, got %+v", positions[0])
	}
	if positions[1].AgreementID != 1 || !positions[1].Net.Equal(d(5)) {
		t.Errorf("expected 5 short on agreement 1, got %+v", positions[1])
	}

	byAgreement, _ := s.GetLedgerEntriesByAgreement(ctx, 0)
	if len(byAgreement) != 4 {
		t.Errorf("expected 4 entries for agreement 0, got %d", len(byAgreement))
	}
	byAccount, _ := s.GetLedgerEntriesByAccount(ctx, "bob")
	if len(byAccount) != 1 {
		t.Errorf("expected 1 entry for bob, got %d", len(byAccount))
	}
}

func TestMemoryStore_PositionsAfterSettlementGains(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	entries := []model.LedgerEntry{
		{ID: "1", AgreementID: 0, Account: "provider", Kind: model.EntryStake, Token: "DSLA", Side: model.SideLong, Amount: d(100), Timestamp: now},
		{ID: "2", AgreementID: 0, Account: "stake-registry", Kind: model.EntrySettle, Token: "DSLA", Side: model.SideLong, Amount: d(50), Timestamp: now},
		{ID: "3", AgreementID: 0, Account: "provider", Kind: model.EntryWithdraw, Token: "DSLA", Side: model.SideLong, Amount: d(150), Timestamp: now},
	}
	for i := range entries {
		if err := s.InsertLedgerEntry(ctx, &entries[i]); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	positions, err := s.GetAccountPositions(ctx, "provider")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	p := positions[0]
	if !p.Staked.Equal(d(100)) || !p.Withdrawn.Equal(d(150)) || !p.Net.Equal(d(-50)) {
		t.Errorf("expected 100 staked, 150 withdrawn, net -50, got %+v", p)
	}
}
