package stake

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// LeverageLimiter enforces the leveraged cap on the short side of a pool:
//
//	shortTotal(token) <= longTotal(token) * leverage
//
// The cap is checked when stake is added, never retroactively: a provider
// withdrawal may leave a pool above its cap, it only blocks new short stake.
type LeverageLimiter struct {
	// MaxLeverage is the highest leverage an agreement may be created with.
	MaxLeverage int64
}

// NewLeverageLimiter creates a limiter with maxLeverage clamped to
// [1, LeverageCeiling].
func NewLeverageLimiter(maxLeverage int64) *LeverageLimiter {
	if maxLeverage < 1 {
		maxLeverage = 1
	}
	if maxLeverage > LeverageCeiling {
		maxLeverage = LeverageCeiling
	}
	return &LeverageLimiter{MaxLeverage: maxLeverage}
}

// CheckLeverage validates an agreement's leverage: 1 <= leverage <= MaxLeverage.
func (l *LeverageLimiter) CheckLeverage(leverage int64) error {
	if leverage < 1 || leverage > l.MaxLeverage {
		return fmt.Errorf("%w: %d (max %d)", ErrInvalidLeverage, leverage, l.MaxLeverage)
	}
	return nil
}

// CheckShort validates adding delta to the short side of a pool.
func (l *LeverageLimiter) CheckShort(longTotal, shortTotal, delta decimal.Decimal, leverage int64) error {
	limit := longTotal.Mul(decimal.NewFromInt(leverage))
	newShort := shortTotal.Add(delta)
	if newShort.GreaterThan(limit) {
		return fmt.Errorf("%w: short %s would exceed %s", ErrLeverageCapExceeded, newShort, limit)
	}
	return nil
}
