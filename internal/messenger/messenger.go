// Package messenger models the oracle adapters that deliver SLI values.
//
// A Messenger receives fire-and-forget SLI requests and, some time later,
// delivers the value back through a Fulfiller. The registry keeps the list
// of adapters agreements may bind to.
package messenger

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/model"
)

// Request asks a messenger for the SLI of one agreement period.
type Request struct {
	RequestID   string        `json:"request_id"`
	AgreementID uint64        `json:"agreement_id"`
	PeriodID    uint64        `json:"period_id"`
	Requester   model.Address `json:"requester"`
}

// Fulfillment is the value delivered for a Request.
type Fulfillment struct {
	RequestID   string          `json:"request_id,omitempty"`
	AgreementID uint64          `json:"agreement_id"`
	PeriodID    uint64          `json:"period_id"`
	SLI         decimal.Decimal `json:"sli"`
}

// Messenger is the oracle capability an agreement is bound to.
type Messenger interface {
	Address() model.Address
	Owner() model.Address
	// Precision is the fixed-point scale of delivered SLIs (10000 = 100.00%).
	Precision() int64
	RequestSLI(ctx context.Context, req Request) error
}

// Fulfiller accepts fulfillments. The protocol implements it; caller is
// the messenger address delivering the value.
type Fulfiller interface {
	FulfillSLI(ctx context.Context, caller model.Address, agreementID, periodID uint64, sli decimal.Decimal) error
}
