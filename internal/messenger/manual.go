package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/fault"
	"github.com/dsla/sla-engine/internal/model"
)

// ErrNoPendingRequest is returned by Fulfill when nothing was requested
// for the agreement period.
var ErrNoPendingRequest = fault.New(fault.State, "messenger: no pending request for period")

type pendingKey struct {
	agreementID uint64
	periodID    uint64
}

// Manual is an in-process messenger. Requests queue up until an operator
// (or a test) delivers the value with Fulfill.
type Manual struct {
	address   model.Address
	owner     model.Address
	precision int64

	mu        sync.Mutex
	fulfiller Fulfiller
	pending   map[pendingKey]Request
}

// NewManual creates an in-process messenger.
func NewManual(address, owner model.Address, precision int64) *Manual {
	return &Manual{
		address:   address,
		owner:     owner,
		precision: precision,
		pending:   make(map[pendingKey]Request),
	}
}

func (m *Manual) Address() model.Address { return m.address }
func (m *Manual) Owner() model.Address   { return m.owner }
func (m *Manual) Precision() int64       { return m.precision }

// Bind sets the fulfiller that receives delivered values.
func (m *Manual) Bind(f Fulfiller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fulfiller = f
}

// RequestSLI queues req. A repeated request for the same period replaces
// the previous one.
func (m *Manual) RequestSLI(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending[pendingKey{req.AgreementID, req.PeriodID}] = req
	slog.Debug("sli requested", "messenger", m.address, "agreement", req.AgreementID, "period", req.PeriodID)
	return nil
}

// Pending returns queued requests ordered by agreement then period.
func (m *Manual) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, 0, len(m.pending))
	for _, r := range m.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgreementID != out[j].AgreementID {
			return out[i].AgreementID < out[j].AgreementID
		}
		return out[i].PeriodID < out[j].PeriodID
	})
	return out
}

// Fulfill delivers sli for a pending request. The request stays pending if
// the fulfiller rejects the value.
func (m *Manual) Fulfill(ctx context.Context, agreementID, periodID uint64, sli decimal.Decimal) error {
	m.mu.Lock()
	key := pendingKey{agreementID, periodID}
	_, ok := m.pending[key]
	f := m.fulfiller
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: agreement %d period %d", ErrNoPendingRequest, agreementID, periodID)
	}
	if f == nil {
		return fmt.Errorf("messenger %s: no fulfiller bound", m.address)
	}
	if err := f.FulfillSLI(ctx, m.address, agreementID, periodID, sli); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.pending, key)
	m.mu.Unlock()
	return nil
}
