package stake

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Parameters are the protocol-wide staking settings. A snapshot is taken
// when an agreement locks its deposit, so later changes never affect
// existing agreements.
type Parameters struct {
	// DepositPerPeriod is the protocol-token deposit locked per period.
	DepositPerPeriod decimal.Decimal `json:"deposit_per_period"`
	// The four verification reward components; they must sum to DepositPerPeriod.
	PlatformReward       decimal.Decimal `json:"platform_reward"`
	MessengerReward      decimal.Decimal `json:"messenger_reward"`
	UserReward           decimal.Decimal `json:"user_reward"`
	BurnedByVerification decimal.Decimal `json:"burned_by_verification"`

	MaxLeverage    int64 `json:"max_leverage"`
	MaxTokenLength int   `json:"max_token_length"`
	// BurnEnabled routes BurnedByVerification to the platform owner when false.
	BurnEnabled bool `json:"burn_enabled"`
}

// LeverageCeiling bounds MaxLeverage.
const LeverageCeiling int64 = 100

// DefaultParameters mirrors the protocol's launch settings.
func DefaultParameters() Parameters {
	return Parameters{
		DepositPerPeriod:     decimal.NewFromInt(1000),
		PlatformReward:       decimal.NewFromInt(250),
		MessengerReward:      decimal.NewFromInt(250),
		UserReward:           decimal.NewFromInt(250),
		BurnedByVerification: decimal.NewFromInt(250),
		MaxLeverage:          LeverageCeiling,
		MaxTokenLength:       1,
		BurnEnabled:          true,
	}
}

// Validate checks integrality, signs and the reward-sum invariant.
func (p Parameters) Validate() error {
	named := []struct {
		name string
		v    decimal.Decimal
	}{
		{"deposit_per_period", p.DepositPerPeriod},
		{"platform_reward", p.PlatformReward},
		{"messenger_reward", p.MessengerReward},
		{"user_reward", p.UserReward},
		{"burned_by_verification", p.BurnedByVerification},
	}
	for _, n := range named {
		if n.v.IsNegative() || !n.v.IsInteger() {
			return fmt.Errorf("%w: %s=%s", ErrInvalidParameter, n.name, n.v)
		}
	}
	if p.MaxLeverage < 1 || p.MaxLeverage > LeverageCeiling {
		return fmt.Errorf("%w: max_leverage=%d", ErrInvalidParameter, p.MaxLeverage)
	}
	if p.MaxTokenLength < 1 {
		return fmt.Errorf("%w: max_token_length=%d", ErrInvalidParameter, p.MaxTokenLength)
	}

	sum := p.PlatformReward.Add(p.MessengerReward).Add(p.UserReward).Add(p.BurnedByVerification)
	if !sum.Equal(p.DepositPerPeriod) {
		return fmt.Errorf("%w: components sum to %s, deposit is %s", ErrRewardsMismatch, sum, p.DepositPerPeriod)
	}
	return nil
}
