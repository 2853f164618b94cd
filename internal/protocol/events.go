package protocol

import (
	"time"

	"github.com/dsla/sla-engine/internal/model"
)

// EventType names a protocol event.
type EventType string

const (
	EventPeriodInitialized   EventType = "PeriodInitialized"
	EventPeriodModified      EventType = "PeriodModified"
	EventSLACreated          EventType = "SLACreated"
	EventTokenAllowed        EventType = "TokenAllowed"
	EventStaked              EventType = "Staked"
	EventWithdrawn           EventType = "Withdrawn"
	EventRequestIssued       EventType = "RequestIssued"
	EventFulfillmentReceived EventType = "FulfillmentReceived"
	EventRewardsDistributed  EventType = "RewardsDistributed"
	EventLockedValueReturned EventType = "LockedValueReturned"
)

// Event is broadcast after a committed transition.
type Event struct {
	Type        EventType     `json:"type"`
	AgreementID *uint64       `json:"agreement_id,omitempty"`
	PeriodID    *uint64       `json:"period_id,omitempty"`
	Account     model.Address `json:"account,omitempty"`
	Token       string        `json:"token,omitempty"`
	Side        model.Side    `json:"side,omitempty"`
	Amount      string        `json:"amount,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Publisher fans events out to observers. Publish must not block.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

func ptr(v uint64) *uint64 { return &v }
