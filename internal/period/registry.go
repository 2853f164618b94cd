// Package period implements the period registry: ordered, contiguous time
// windows per period type, against which agreements are verified.
package period

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dsla/sla-engine/internal/fault"
	"github.com/dsla/sla-engine/internal/model"
)

var (
	ErrNotOwner           = fault.New(fault.Authorization, "period: caller is not the owner")
	ErrInvalidPeriodType  = fault.New(fault.Validation, "period: invalid period type")
	ErrAlreadyInitialized = fault.New(fault.State, "period: period type already initialized")
	ErrNotInitialized     = fault.New(fault.State, "period: period type not initialized")
	ErrLengthMismatch     = fault.New(fault.Validation, "period: start and end arrays should have the same length")
	ErrEmptyInput         = fault.New(fault.Validation, "period: arrays should not be empty")
	ErrInvalidOrdering    = fault.New(fault.Invariant, "period: periods should be ordered and contiguous")
	ErrInvalidPeriodID    = fault.New(fault.Validation, "period: invalid period id")
)

// Registry stores the period lists. Lists are append-only once initialized.
type Registry struct {
	mu      sync.RWMutex
	owner   model.Address
	periods map[model.PeriodType][]model.Period
}

// NewRegistry creates a registry administered by owner.
func NewRegistry(owner model.Address) *Registry {
	return &Registry{
		owner:   owner,
		periods: make(map[model.PeriodType][]model.Period),
	}
}

// Owner returns the registry administrator.
func (r *Registry) Owner() model.Address { return r.owner }

// Initialize sets the first period list of a type. It can only run once per type.
func (r *Registry) Initialize(caller model.Address, pt model.PeriodType, starts, ends []int64) error {
	if err := r.checkAdmin(caller, pt); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.periods[pt]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, pt)
	}
	periods, err := buildPeriods(nil, starts, ends)
	if err != nil {
		return err
	}
	r.periods[pt] = periods

	slog.Info("periods initialized", "period_type", pt.String(), "count", len(periods))
	return nil
}

// AddPeriods appends periods that continue the existing list of a type.
func (r *Registry) AddPeriods(caller model.Address, pt model.PeriodType, starts, ends []int64) error {
	if err := r.checkAdmin(caller, pt); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.periods[pt]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInitialized, pt)
	}
	added, err := buildPeriods(&existing[len(existing)-1], starts, ends)
	if err != nil {
		return err
	}
	r.periods[pt] = append(existing, added...)

	slog.Info("periods added", "period_type", pt.String(), "added", len(added), "count", len(r.periods[pt]))
	return nil
}

// IsInitialized reports whether a list exists for pt.
func (r *Registry) IsInitialized(pt model.PeriodType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.periods[pt]
	return ok
}

// IsValidPeriod reports whether id indexes an existing period of pt.
func (r *Registry) IsValidPeriod(pt model.PeriodType, id uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return id < uint64(len(r.periods[pt]))
}

// StartAndEnd returns the bounds of period id.
func (r *Registry) StartAndEnd(pt model.PeriodType, id uint64) (model.Period, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.periods[pt]
	if id >= uint64(len(list)) {
		return model.Period{}, fmt.Errorf("%w: %s #%d", ErrInvalidPeriodID, pt, id)
	}
	return list[id], nil
}

// HasStarted reports whether now is at or after the period start.
func (r *Registry) HasStarted(pt model.PeriodType, id uint64, now time.Time) (bool, error) {
	p, err := r.StartAndEnd(pt, id)
	if err != nil {
		return false, err
	}
	return now.Unix() >= p.Start, nil
}

// IsFinished reports whether now is strictly after the period end.
func (r *Registry) IsFinished(pt model.PeriodType, id uint64, now time.Time) (bool, error) {
	p, err := r.StartAndEnd(pt, id)
	if err != nil {
		return false, err
	}
	return now.Unix() > p.End, nil
}

// Periods returns a copy of the list for pt.
func (r *Registry) Periods(pt model.PeriodType) []model.Period {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Period, len(r.periods[pt]))
	copy(out, r.periods[pt])
	return out
}

// Definitions returns the number of periods per initialized type.
func (r *Registry) Definitions() map[model.PeriodType]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make(map[model.PeriodType]int, len(r.periods))
	for pt, list := range r.periods {
		defs[pt] = len(list)
	}
	return defs
}

func (r *Registry) checkAdmin(caller model.Address, pt model.PeriodType) error {
	if caller != r.owner {
		return ErrNotOwner
	}
	if !pt.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPeriodType, int(pt))
	}
	return nil
}

// buildPeriods validates starts/ends and, when last is non-nil, that the
// first new period starts right after it.
func buildPeriods(last *model.Period, starts, ends []int64) ([]model.Period, error) {
	if len(starts) != len(ends) {
		return nil, fmt.Errorf("%w: %d starts, %d ends", ErrLengthMismatch, len(starts), len(ends))
	}
	if len(starts) == 0 {
		return nil, ErrEmptyInput
	}

	periods := make([]model.Period, len(starts))
	prev := last
	for i := range starts {
		if starts[i] >= ends[i] {
			return nil, fmt.Errorf("%w: period %d start %d >= end %d", ErrInvalidOrdering, i, starts[i], ends[i])
		}
		if prev != nil && starts[i] != prev.End+1 {
			return nil, fmt.Errorf("%w: period %d starts at %d, expected %d", ErrInvalidOrdering, i, starts[i], prev.End+1)
		}
		periods[i] = model.Period{Start: starts[i], End: ends[i]}
		prev = &periods[i]
	}
	return periods, nil
}
