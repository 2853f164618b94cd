// Package slo stores the service-level objective of every agreement and
// evaluates delivered SLI values against it.
package slo

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/dsla/sla-engine/internal/fault"
	"github.com/dsla/sla-engine/internal/model"
)

// DefaultPrecision is the fixed-point scale of deviations when the
// messenger does not declare its own (10000 = 100.00%).
const DefaultPrecision int64 = 10000

var (
	ErrNotRegistrar      = fault.New(fault.Authorization, "slo: caller is not the SLA registry")
	ErrAlreadyRegistered = fault.New(fault.State, "slo: SLO already registered for agreement")
	ErrUnknownAgreement  = fault.New(fault.NotFound, "slo: no SLO registered for agreement")
	ErrInvalidComparison = fault.New(fault.Validation, "slo: invalid comparison type")
	ErrInvalidValue      = fault.New(fault.Validation, "slo: value must not be negative")
	ErrInvalidPrecision  = fault.New(fault.Validation, "slo: precision must be positive")
)

// Registry binds one SLO to each agreement. Only the registrar (the SLA
// registry creation flow) may register.
type Registry struct {
	mu        sync.RWMutex
	registrar model.Address
	slos      map[uint64]model.SLO
}

// NewRegistry creates a registry writable only by registrar.
func NewRegistry(registrar model.Address) *Registry {
	return &Registry{
		registrar: registrar,
		slos:      make(map[uint64]model.SLO),
	}
}

// Register binds value/ct to agreementID, once.
func (r *Registry) Register(caller model.Address, agreementID uint64, value decimal.Decimal, ct model.ComparisonType) error {
	if caller != r.registrar {
		return ErrNotRegistrar
	}
	if !ct.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidComparison, int(ct))
	}
	if value.IsNegative() {
		return ErrInvalidValue
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slos[agreementID]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyRegistered, agreementID)
	}
	r.slos[agreementID] = model.SLO{Value: value, ComparisonType: ct}
	return nil
}

// Get returns the SLO of agreementID.
func (r *Registry) Get(agreementID uint64) (model.SLO, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.slos[agreementID]
	if !ok {
		return model.SLO{}, fmt.Errorf("%w: %d", ErrUnknownAgreement, agreementID)
	}
	return s, nil
}

// IsRespected applies the agreement's comparison to sli.
func (r *Registry) IsRespected(agreementID uint64, sli decimal.Decimal) (bool, error) {
	s, err := r.Get(agreementID)
	if err != nil {
		return false, err
	}
	return IsRespected(s, sli), nil
}

// Deviation returns the normalized distance between sli and the agreement's SLO.
func (r *Registry) Deviation(agreementID uint64, sli decimal.Decimal, precision int64) (decimal.Decimal, error) {
	s, err := r.Get(agreementID)
	if err != nil {
		return decimal.Zero, err
	}
	return Deviation(s, sli, precision)
}

// IsRespected reports whether sli satisfies s.
func IsRespected(s model.SLO, sli decimal.Decimal) bool {
	switch s.ComparisonType {
	case model.EqualTo:
		return sli.Equal(s.Value)
	case model.NotEqualTo:
		return !sli.Equal(s.Value)
	case model.SmallerThan:
		return sli.LessThan(s.Value)
	case model.SmallerOrEqualTo:
		return sli.LessThanOrEqual(s.Value)
	case model.GreaterThan:
		return sli.GreaterThan(s.Value)
	case model.GreaterOrEqualTo:
		return sli.GreaterThanOrEqual(s.Value)
	}
	return false
}

// Deviation computes floor(|sli - slo| * precision / ((slo + sli) / 2)).
// Both divisions truncate toward zero. A zero midpoint yields zero.
func Deviation(s model.SLO, sli decimal.Decimal, precision int64) (decimal.Decimal, error) {
	if precision <= 0 {
		return decimal.Zero, ErrInvalidPrecision
	}
	mid := quo(s.Value.Add(sli), decimal.NewFromInt(2))
	if mid.IsZero() {
		return decimal.Zero, nil
	}
	num := sli.Sub(s.Value).Abs().Mul(decimal.NewFromInt(precision))
	return quo(num, mid), nil
}

// quo is integer division truncating toward zero.
func quo(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, 0)
	return q
}
