package messenger

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/model"
)

func TestRegister_AssignsSequentialIDs(t *testing.T) {
	r := NewRegistry()
	for i, addr := range []model.Address{"m0", "m1", "m2"} {
		id, err := r.Register("op", NewManual(addr, "op", 10000), "ipfs://spec")
		if err != nil {
			t.Fatalf("register %s: %v", addr, err)
		}
		if id != uint64(i) {
			t.Errorf("expected id %d, got %d", i, id)
		}
	}
	if r.Length() != 3 {
		t.Errorf("expected length 3, got %d", r.Length())
	}
}

func TestRegister_Rejections(t *testing.T) {
	r := NewRegistry()

	for _, p := range []int64{0, 150, -100} {
		_, err := r.Register("op", NewManual("m", "op", p), "")
		if !errors.Is(err, ErrInvalidPrecision) {
			t.Errorf("precision %d: expected ErrInvalidPrecision, got %v", p, err)
		}
	}
	if _, err := r.Register("mallory", NewManual("m", "op", 100), ""); !errors.Is(err, ErrNotMessengerOwner) {
		t.Errorf("expected ErrNotMessengerOwner, got %v", err)
	}
	if _, err := r.Register("op", NewManual("", "op", 100), ""); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := r.Register("op", NewManual("m", "op", 100), ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Register("op", NewManual("m", "op", 100), ""); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestModify(t *testing.T) {
	r := NewRegistry()
	id, _ := r.Register("op", NewManual("m", "op", 10000), "old")

	if err := r.Modify("mallory", "new", id); !errors.Is(err, ErrNotRegistrant) {
		t.Errorf("expected ErrNotRegistrant, got %v", err)
	}
	if err := r.Modify("op", "new", 7); !errors.Is(err, ErrInvalidMessengerID) {
		t.Errorf("expected ErrInvalidMessengerID, got %v", err)
	}
	if err := r.Modify("op", "new", id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := r.List(0, 1)[0].SpecURL; got != "new" {
		t.Errorf("expected spec url 'new', got %q", got)
	}
}

func TestList_Pagination(t *testing.T) {
	r := NewRegistry()
	for _, addr := range []model.Address{"a", "b", "c", "d", "e"} {
		_, _ = r.Register("op", NewManual(addr, "op", 100), "")
	}

	tests := []struct {
		offset, limit int
		want          []model.Address
	}{
		{0, 2, []model.Address{"a", "b"}},
		{3, 10, []model.Address{"d", "e"}},
		{5, 1, nil},
		{99, 1, nil},
		{-1, 2, nil},
		{0, 0, nil},
	}
	for _, tt := range tests {
		got := r.List(tt.offset, tt.limit)
		if got == nil {
			t.Fatalf("List(%d,%d) returned nil, want empty slice", tt.offset, tt.limit)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("List(%d,%d) returned %d items, want %d", tt.offset, tt.limit, len(got), len(tt.want))
		}
		for i := range got {
			if got[i].Address != tt.want[i] {
				t.Errorf("List(%d,%d)[%d] = %s, want %s", tt.offset, tt.limit, i, got[i].Address, tt.want[i])
			}
		}
	}
}

type recordingFulfiller struct {
	calls []Fulfillment
	err   error
}

func (f *recordingFulfiller) FulfillSLI(_ context.Context, caller model.Address, agreementID, periodID uint64, sli decimal.Decimal) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, Fulfillment{AgreementID: agreementID, PeriodID: periodID, SLI: sli})
	return nil
}

func TestManual_RequestThenFulfill(t *testing.T) {
	m := NewManual("m", "op", 10000)
	f := &recordingFulfiller{}
	m.Bind(f)

	ctx := context.Background()
	if err := m.Fulfill(ctx, 1, 0, decimal.NewFromInt(100)); !errors.Is(err, ErrNoPendingRequest) {
		t.Errorf("expected ErrNoPendingRequest, got %v", err)
	}

	_ = m.RequestSLI(ctx, Request{AgreementID: 1, PeriodID: 0})
	_ = m.RequestSLI(ctx, Request{AgreementID: 0, PeriodID: 3})
	if p := m.Pending(); len(p) != 2 || p[0].AgreementID != 0 {
		t.Fatalf("unexpected pending %+v", p)
	}

	f.err = errors.New("rejected")
	if err := m.Fulfill(ctx, 1, 0, decimal.NewFromInt(100)); err == nil {
		t.Fatal("expected fulfiller error")
	}
	if len(m.Pending()) != 2 {
		t.Error("rejected fulfillment should keep the request pending")
	}

	f.err = nil
	if err := m.Fulfill(ctx, 1, 0, decimal.NewFromInt(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.calls) != 1 || len(m.Pending()) != 1 {
		t.Errorf("expected 1 delivered call and 1 pending, got %d/%d", len(f.calls), len(m.Pending()))
	}
}
