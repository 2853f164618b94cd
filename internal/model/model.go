// Package model defines the core domain types shared across the SLA engine.
// All token amounts and SLO/SLI values use shopspring/decimal, never float64
// for money. Token amounts are expressed in base units and must be integral.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Address identifies an account, a token holder or a contract-like actor
// (the stake registry custody, an agreement, a messenger).
type Address string

// Side is the staking position within an agreement.
// Long ("OK") is the provider side betting the SLO holds; Short ("KO") is the
// user side betting it breaks.
type Side string

const (
	SideLong  Side = "OK"
	SideShort Side = "KO"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// ComparisonType is the operator applied between an SLI and its SLO.
type ComparisonType int

const (
	EqualTo ComparisonType = iota
	NotEqualTo
	SmallerThan
	SmallerOrEqualTo
	GreaterThan
	GreaterOrEqualTo
)

var comparisonNames = []string{
	"EqualTo", "NotEqualTo", "SmallerThan", "SmallerOrEqualTo", "GreaterThan", "GreaterOrEqualTo",
}

func (c ComparisonType) String() string {
	if c < 0 || int(c) >= len(comparisonNames) {
		return fmt.Sprintf("ComparisonType(%d)", int(c))
	}
	return comparisonNames[c]
}

// Valid reports whether c is a known comparison.
func (c ComparisonType) Valid() bool { return c >= EqualTo && c <= GreaterOrEqualTo }

// ParseComparisonType accepts the canonical names, case-insensitively.
func ParseComparisonType(s string) (ComparisonType, error) {
	for i, name := range comparisonNames {
		if strings.EqualFold(name, s) {
			return ComparisonType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown comparison type %q", s)
}

// PeriodType is the granularity of a period list in the period registry.
type PeriodType int

const (
	Hourly PeriodType = iota
	Daily
	Weekly
	BiWeekly
	Monthly
	Yearly
)

var periodTypeNames = []string{"Hourly", "Daily", "Weekly", "BiWeekly", "Monthly", "Yearly"}

func (p PeriodType) String() string {
	if p < 0 || int(p) >= len(periodTypeNames) {
		return fmt.Sprintf("PeriodType(%d)", int(p))
	}
	return periodTypeNames[p]
}

// Valid reports whether p is a known period type.
func (p PeriodType) Valid() bool { return p >= Hourly && p <= Yearly }

// ParsePeriodType accepts the canonical names, case-insensitively.
func ParsePeriodType(s string) (PeriodType, error) {
	for i, name := range periodTypeNames {
		if strings.EqualFold(name, s) {
			return PeriodType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown period type %q", s)
}

// Period is a closed interval [Start, End] of unix seconds.
type Period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Status is the verification outcome of one agreement period.
type Status string

const (
	NotVerified  Status = "NotVerified"
	Respected    Status = "Respected"
	NotRespected Status = "NotRespected"
)

// PeriodOutcome records the SLI delivered for one period.
type PeriodOutcome struct {
	PeriodID  uint64          `json:"period_id"`
	Timestamp time.Time       `json:"timestamp"`
	SLI       decimal.Decimal `json:"sli"`
	Status    Status          `json:"status"`
	Deviation decimal.Decimal `json:"deviation"`
}

// SLO is the objective bound to one agreement.
type SLO struct {
	Value          decimal.Decimal `json:"value"`
	ComparisonType ComparisonType  `json:"comparison_type"`
}

// EntryKind tags a journal entry.
type EntryKind string

const (
	EntryLock     EntryKind = "lock"
	EntryReturn   EntryKind = "return"
	EntryStake    EntryKind = "stake"
	EntryWithdraw EntryKind = "withdraw"
	EntryReward   EntryKind = "reward"
	EntryBurn     EntryKind = "burn"
	EntrySettle   EntryKind = "settle"
	EntryVerify   EntryKind = "verify"
	EntryRequest  EntryKind = "request"
)

// LedgerEntry is an immutable journal record of a committed transition.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID          string          `json:"id" db:"id"`
	AgreementID uint64          `json:"agreement_id" db:"agreement_id"`
	Account     Address         `json:"account" db:"account"`
	Kind        EntryKind       `json:"kind" db:"kind"`
	Token       string          `json:"token,omitempty" db:"token"`
	Side        Side            `json:"side,omitempty" db:"side"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	PeriodID    *uint64         `json:"period_id,omitempty" db:"period_id"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// SLAStaticDetails is the immutable part of an agreement.
type SLAStaticDetails struct {
	ID               uint64          `json:"id"`
	Owner            Address         `json:"owner"`
	Messenger        Address         `json:"messenger"`
	PeriodType       PeriodType      `json:"period_type"`
	SLO              SLO             `json:"slo"`
	InitialPeriodID  uint64          `json:"initial_period_id"`
	FinalPeriodID    uint64          `json:"final_period_id"`
	Leverage         int64           `json:"leverage"`
	WhitelistEnabled bool            `json:"whitelist_enabled"`
	IPFSHash         string          `json:"ipfs_hash,omitempty"`
	LockedValue      decimal.Decimal `json:"locked_value"`
	CreatedAt        time.Time       `json:"created_at"`
}

// TokenPool is the long/short pool of one allowed token.
type TokenPool struct {
	Token      string          `json:"token"`
	LongTotal  decimal.Decimal `json:"long_total"`
	ShortTotal decimal.Decimal `json:"short_total"`
}

// SLADynamicDetails is the mutable part of an agreement.
type SLADynamicDetails struct {
	ID                   uint64          `json:"id"`
	NextVerifiablePeriod uint64          `json:"next_verifiable_period"`
	Finished             bool            `json:"finished"`
	LockedValue          decimal.Decimal `json:"locked_value"`
	Pools                []TokenPool     `json:"pools"`
	Outcomes             []PeriodOutcome `json:"outcomes"`
}

// SLADetails aggregates static and dynamic details, used for list views.
type SLADetails struct {
	Static  SLAStaticDetails  `json:"static"`
	Dynamic SLADynamicDetails `json:"dynamic"`
}

// DTokenDetails describes one derivative token of an agreement.
type DTokenDetails struct {
	Token       string          `json:"token"`
	Side        Side            `json:"side"`
	Symbol      string          `json:"symbol"`
	Address     Address         `json:"address"`
	TotalSupply decimal.Decimal `json:"total_supply"`
	Pool        decimal.Decimal `json:"pool"`
}

// MessengerInfo is a registered oracle adapter.
type MessengerInfo struct {
	ID        uint64  `json:"id"`
	Address   Address `json:"address"`
	Owner     Address `json:"owner"`
	Precision int64   `json:"precision"`
	SpecURL   string  `json:"spec_url"`
}

// Position is an account's journaled flow on one side of one token pool.
// Settlement moves value between pools without touching accounts, so Net
// goes negative once a winning side withdraws its gains.
type Position struct {
	AgreementID uint64          `json:"agreement_id"`
	Account     Address         `json:"account"`
	Token       string          `json:"token"`
	Side        Side            `json:"side"`
	Staked      decimal.Decimal `json:"staked"`    // Σ stake
	Withdrawn   decimal.Decimal `json:"withdrawn"` // Σ withdraw
	Net         decimal.Decimal `json:"net"`       // Staked - Withdrawn
}
