package chores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dsla/sla-engine/internal/messenger"
	"github.com/dsla/sla-engine/internal/model"
	"github.com/dsla/sla-engine/internal/protocol"
	"github.com/dsla/sla-engine/internal/stake"
	"github.com/shopspring/decimal"
)

type fakeProtocol struct {
	due      []protocol.Due
	fail     map[uint64]error
	seenAt   time.Time
	requests []protocol.Due
	callers  []model.Address
}

func (f *fakeProtocol) DueVerifications(now time.Time) []protocol.Due {
	f.seenAt = now
	return f.due
}

func (f *fakeProtocol) RequestSLI(_ context.Context, caller model.Address, id, periodID uint64) (messenger.Request, error) {
	if err := f.fail[id]; err != nil {
		return messenger.Request{}, err
	}
	f.requests = append(f.requests, protocol.Due{AgreementID: id, PeriodID: periodID})
	f.callers = append(f.callers, caller)
	return messenger.Request{AgreementID: id, PeriodID: periodID, Requester: caller}, nil
}

func TestVerifyDue_RequestsEveryDuePeriod(t *testing.T) {
	now := time.Unix(5000, 0)
	fp := &fakeProtocol{due: []protocol.Due{{AgreementID: 0, PeriodID: 3}, {AgreementID: 2, PeriodID: 0}}}
	job := &VerifyDue{Protocol: fp, Account: "keeper", Clock: func() time.Time { return now }}

	issued, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if issued != 2 {
		t.Errorf("expected 2 requests, got %d", issued)
	}
	if !fp.seenAt.Equal(now) {
		t.Errorf("expected injected clock, got %v", fp.seenAt)
	}
	for _, c := range fp.callers {
		if c != "keeper" {
			t.Errorf("expected requests as keeper, got %s", c)
		}
	}
}

func TestVerifyDue_ContinuesPastFailures(t *testing.T) {
	boom := errors.New("messenger offline")
	fp := &fakeProtocol{
		due:  []protocol.Due{{AgreementID: 0}, {AgreementID: 1}, {AgreementID: 2}},
		fail: map[uint64]error{1: boom},
	}
	job := &VerifyDue{Protocol: fp, Account: "keeper"}

	issued, err := job.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to wrap %v, got %v", boom, err)
	}
	if issued != 2 || len(fp.requests) != 2 {
		t.Errorf("expected 2 successful requests, got %d", issued)
	}
}

func TestVerifyDue_StopsOnCancelledContext(t *testing.T) {
	fp := &fakeProtocol{due: []protocol.Due{{AgreementID: 0}, {AgreementID: 1}}}
	job := &VerifyDue{Protocol: fp, Account: "keeper"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	issued, err := job.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if issued != 0 {
		t.Errorf("expected no requests, got %d", issued)
	}
}

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	if _, err := NewScheduler("every now and then", &VerifyDue{Protocol: &fakeProtocol{}}, 0); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestScheduler_RunNow(t *testing.T) {
	fp := &fakeProtocol{due: []protocol.Due{{AgreementID: 4, PeriodID: 1}}}
	s, err := NewScheduler("@every 1h", &VerifyDue{Protocol: fp, Account: "keeper"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Start()
	defer s.Stop()

	s.RunNow()
	if len(fp.requests) != 1 || fp.requests[0] != (protocol.Due{AgreementID: 4, PeriodID: 1}) {
		t.Errorf("unexpected requests: %+v", fp.requests)
	}
}

func TestVerifyDue_AgainstProtocol(t *testing.T) {
	now := time.Unix(1500, 0)
	proto, err := protocol.Bootstrap(protocol.BootstrapConfig{
		Owner:         "owner",
		ProtocolToken: "DSLA",
		Params:        stake.DefaultParameters(),
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := proto.InitializePeriods("owner", model.Daily, []int64{1000, 2000}, []int64{1999, 2999}); err != nil {
		t.Fatalf("periods: %v", err)
	}
	if _, err := proto.RegisterMessenger("op", "oracle", "op", 10000, ""); err != nil {
		t.Fatalf("messenger: %v", err)
	}
	if err := proto.Mint("owner", "DSLA", "owner", decimal.NewFromInt(5000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := proto.Approve("owner", "DSLA", "", decimal.NewFromInt(5000)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := proto.CreateSLA(context.Background(), "owner", protocol.CreateRequest{
		SLOValue:       decimal.NewFromInt(1),
		ComparisonType: model.GreaterOrEqualTo,
		Messenger:      "oracle",
		PeriodType:     model.Daily,
		FinalPeriodID:  1,
		Leverage:       1,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	job := &VerifyDue{Protocol: proto, Account: "keeper", Clock: func() time.Time { return now }}
	if issued, err := job.Run(context.Background()); err != nil || issued != 0 {
		t.Fatalf("expected nothing due inside period 0, got %d %v", issued, err)
	}

	now = time.Unix(2500, 0)
	if issued, err := job.Run(context.Background()); err != nil || issued != 1 {
		t.Fatalf("expected period 0 to be requested, got %d %v", issued, err)
	}
	if issued, _ := job.Run(context.Background()); issued != 0 {
		t.Errorf("expected no duplicate request, got %d", issued)
	}
}
