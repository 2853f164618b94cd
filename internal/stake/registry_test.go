package stake

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsla/sla-engine/internal/model"
	"github.com/dsla/sla-engine/internal/token"
)

const (
	owner     model.Address = "owner"
	registrar model.Address = "sla-registry"
	custody   model.Address = "stake-registry"
	provider  model.Address = "provider"
	user      model.Address = "user"
	verifier  model.Address = "verifier"
	msgOwner  model.Address = "messenger-owner"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fixture struct {
	tokens *token.Registry
	dsla   *token.Token
	dai    *token.Token
	reg    *Registry
}

func newFixture(t *testing.T, params Parameters) *fixture {
	t.Helper()
	tokens := token.NewRegistry()
	dsla, err := tokens.Create("DSLA", owner)
	require.NoError(t, err)
	dai, err := tokens.Create("DAI", owner)
	require.NoError(t, err)

	for _, acct := range []model.Address{owner, provider, user} {
		require.NoError(t, dsla.Mint(owner, acct, d(1_000_000)))
		require.NoError(t, dai.Mint(owner, acct, d(1_000_000)))
		require.NoError(t, dsla.Approve(acct, custody, d(1_000_000)))
		require.NoError(t, dai.Approve(acct, custody, d(1_000_000)))
	}

	reg, err := NewRegistry(Config{
		Owner:     owner,
		Registrar: registrar,
		Custody:   custody,
		Protocol:  dsla,
		Tokens:    tokens,
		Params:    params,
	})
	require.NoError(t, err)
	return &fixture{tokens: tokens, dsla: dsla, dai: dai, reg: reg}
}

// agreement registers agreement 0 with leverage, a deposit for periods and
// the DSLA pool.
func (f *fixture) agreement(t *testing.T, leverage int64, periods int) {
	t.Helper()
	require.NoError(t, f.reg.RegisterAgreement(registrar, 0, owner, leverage))
	deposit := f.reg.Parameters().DepositPerPeriod.Mul(d(int64(periods)))
	require.NoError(t, f.reg.LockValue(registrar, 0, owner, deposit, periods))
	require.NoError(t, f.reg.CreateDTokens(registrar, 0, "DSLA"))
}

type status struct {
	owner    model.Address
	finished bool
}

func (s status) Owner() model.Address   { return s.owner }
func (s status) ContractFinished() bool { return s.finished }

func TestParameters_Validate(t *testing.T) {
	p := DefaultParameters()
	require.NoError(t, p.Validate())

	p.UserReward = d(251)
	assert.ErrorIs(t, p.Validate(), ErrRewardsMismatch)

	p = DefaultParameters()
	p.MaxLeverage = 0
	assert.ErrorIs(t, p.Validate(), ErrInvalidParameter)

	p = DefaultParameters()
	p.MaxLeverage = 500
	assert.ErrorIs(t, p.Validate(), ErrInvalidParameter)

	p.MaxLeverage = LeverageCeiling
	require.NoError(t, p.Validate())

	p = DefaultParameters()
	p.PlatformReward = decimal.RequireFromString("250.5")
	assert.ErrorIs(t, p.Validate(), ErrInvalidParameter)
}

func TestAddAllowedToken(t *testing.T) {
	f := newFixture(t, DefaultParameters())

	assert.True(t, f.reg.IsAllowedToken("DSLA"), "protocol token is allowed by default")
	assert.ErrorIs(t, f.reg.AddAllowedToken(user, "DAI"), ErrNotOwner)
	require.NoError(t, f.reg.AddAllowedToken(owner, "DAI"))
	assert.ErrorIs(t, f.reg.AddAllowedToken(owner, "DAI"), ErrAlreadyAllowed)
	assert.ErrorIs(t, f.reg.AddAllowedToken(owner, "USDC"), token.ErrUnknownToken)
	assert.Equal(t, []string{"DAI", "DSLA"}, f.reg.AllowedTokens())
}

func TestSetParameters_RejectsLeverageAboveCeiling(t *testing.T) {
	f := newFixture(t, DefaultParameters())

	p := DefaultParameters()
	p.MaxLeverage = 500
	assert.ErrorIs(t, f.reg.SetParameters(owner, p), ErrInvalidParameter)
	assert.ErrorIs(t, f.reg.CheckLeverage(101), ErrInvalidLeverage)
	assert.Equal(t, LeverageCeiling, NewLeverageLimiter(500).MaxLeverage)
}

func TestRegisterAgreement_Leverage(t *testing.T) {
	f := newFixture(t, DefaultParameters())

	assert.ErrorIs(t, f.reg.RegisterAgreement(registrar, 0, owner, 0), ErrInvalidLeverage)
	assert.ErrorIs(t, f.reg.RegisterAgreement(registrar, 0, owner, 101), ErrInvalidLeverage)
	assert.ErrorIs(t, f.reg.RegisterAgreement(user, 0, owner, 1), ErrNotRegistrar)
	require.NoError(t, f.reg.RegisterAgreement(registrar, 0, owner, 100))
	assert.ErrorIs(t, f.reg.RegisterAgreement(registrar, 0, owner, 1), ErrAgreementExists)
}

func TestLockValue_MovesDepositIntoCustody(t *testing.T) {
	f := newFixture(t, DefaultParameters())
	f.agreement(t, 1, 3)

	assert.True(t, f.reg.LockedValue(0).Equal(d(3000)))
	assert.True(t, f.dsla.BalanceOf(custody).Equal(d(3000)))
	assert.True(t, f.dsla.BalanceOf(owner).Equal(d(997_000)))
}

func TestCreateDTokens(t *testing.T) {
	f := newFixture(t, DefaultParameters())
	f.agreement(t, 1, 1)

	assert.ErrorIs(t, f.reg.CreateDTokens(registrar, 0, "DSLA"), ErrAlreadyAllowed)
	assert.ErrorIs(t, f.reg.CreateDTokens(registrar, 0, "DAI"), ErrTokenNotAllowed)
	require.NoError(t, f.reg.AddAllowedToken(owner, "DAI"))
	assert.ErrorIs(t, f.reg.CreateDTokens(registrar, 0, "DAI"), ErrTooManyTokens)

	dts := f.reg.DTokens(0)
	require.Len(t, dts, 2)
	assert.Equal(t, "DSLA-OK-0", dts[0].Symbol)
	assert.Equal(t, "DSLA-KO-0", dts[1].Symbol)
}

func TestStake_MintsSharesAndEnforcesCap(t *testing.T) {
	f := newFixture(t, DefaultParameters())
	f.agreement(t, 1, 1)

	_, err := f.reg.Stake(registrar, 0, "DSLA", user, model.SideShort, d(100))
	assert.ErrorIs(t, err, ErrLeverageCapExceeded, "short stake needs provider cover")

	shares, err := f.reg.Stake(registrar, 0, "DSLA", provider, model.SideLong, d(100))
	require.NoError(t, err)
	assert.True(t, shares.Equal(d(100)))

	_, err = f.reg.Stake(registrar, 0, "DSLA", user, model.SideShort, d(100))
	require.NoError(t, err)
	_, err = f.reg.Stake(registrar, 0, "DSLA", user, model.SideShort, d(1))
	assert.ErrorIs(t, err, ErrLeverageCapExceeded)

	_, err = f.reg.Stake(registrar, 0, "DSLA", user, model.SideShort, d(0))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.reg.Stake(registrar, 0, "DSLA", user, model.Side("XX"), d(1))
	assert.ErrorIs(t, err, ErrInvalidSide)
	_, err = f.reg.Stake(registrar, 0, "DAI", user, model.SideLong, d(1))
	assert.ErrorIs(t, err, ErrTokenNotInAgreement)

	pools := f.reg.Pools(0)
	require.Len(t, pools, 1)
	assert.True(t, pools[0].LongTotal.Equal(d(100)))
	assert.True(t, pools[0].ShortTotal.Equal(d(100)))
	// 1000 deposit + 200 staked
	assert.True(t, f.dsla.BalanceOf(custody).Equal(d(1200)))
}

func TestStake_FailedTransferLeavesPoolUntouched(t *testing.T) {
	f := newFixture(t, DefaultParameters())
	f.agreement(t, 1, 1)

	_, err := f.reg.Stake(registrar, 0, "DSLA", "pauper", model.SideLong, d(10))
	assert.ErrorIs(t, err, token.ErrInsufficientAllowance)
	assert.True(t, f.reg.Pools(0)[0].LongTotal.IsZero())
	assert.True(t, f.reg.DTokens(0)[0].TotalSupply.IsZero())
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t, DefaultParameters())
	f.agreement(t, 1, 1)

	_, err := f.reg.Stake(registrar, 0, "DSLA", provider, model.SideLong, d(300))
	require.NoError(t, err)

	_, err = f.reg.Withdraw(registrar, 0, "DSLA", user, model.SideLong, d(10))
	assert.ErrorIs(t, err, ErrInsufficientShares)
	_, err = f.reg.Withdraw(registrar, 0, "DSLA", provider, model.SideLong, d(301))
	assert.ErrorIs(t, err, ErrInsufficientPool)

	burned, err := f.reg.Withdraw(registrar, 0, "DSLA", provider, model.SideLong, d(100))
	require.NoError(t, err)
	assert.True(t, burned.Equal(d(100)))

	bal, err := f.reg.ShareBalance(0, "DSLA", model.SideLong, provider)
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(200)))
	assert.True(t, f.dsla.BalanceOf(provider).Equal(d(1_000_000-200)))
}

func TestSettle_RespectedMovesShortToLong(t *testing.T) {
	f := newFixture(t, DefaultParameters())
	f.agreement(t, 2, 1)

	_, err := f.reg.Stake(registrar, 0, "DSLA", provider, model.SideLong, d(1000))
	require.NoError(t, err)
	_, err = f.reg.Stake(registrar, 0, "DSLA", user, model.SideShort, d(1000))
	require.NoError(t, err)

	// deviation 103 / 10000 of 1000 = 10.3, truncated to 10
	moves, err := f.reg.Settle(registrar, 0, true, d(103), 10000)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, model.SideShort, moves[0].From)
	assert.True(t, moves[0].Amount.Equal(d(10)))

	p := f.reg.Pools(0)[0]
	assert.True(t, p.LongTotal.Equal(d(1010)))
	assert.True(t, p.ShortTotal.Equal(d(990)))
}

func TestSettle_BreachedAppliesLeverageAndCaps(t *testing.T) {
	f := newFixture(t, DefaultParameters())
	f.agreement(t, 2, 1)

	_, err := f.reg.Stake(registrar, 0, "DSLA", provider, model.SideLong, d(100))
	require.NoError(t, err)
	_, err = f.reg.Stake(registrar, 0, "DSLA", user, model.SideShort, d(200))
	require.NoError(t, err)

	// 200 * 2 * 5000 / 10000 = 200, capped one short of the long pool of 100
	moves, err := f.reg.Settle(registrar, 0, false, d(5000), 10000)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.True(t, moves[0].Amount.Equal(d(99)))

	p := f.reg.Pools(0)[0]
	assert.True(t, p.LongTotal.Equal(d(1)))
	assert.True(t, p.ShortTotal.Equal(d(299)))

	// user now owns the whole short pool
	burned, err := f.reg.Withdraw(registrar, 0, "DSLA", user, model.SideShort, d(299))
	require.NoError(t, err)
	assert.True(t, burned.Equal(d(200)))
}

func TestSettle_NewStakeAfterWipeOutKeepsItsValue(t *testing.T) {
	f := newFixture(t, DefaultParameters())
	f.agreement(t, 2, 1)

	_, err := f.reg.Stake(registrar, 0, "DSLA", provider, model.SideLong, d(100))
	require.NoError(t, err)
	_, err = f.reg.Stake(registrar, 0, "DSLA", user, model.SideShort, d(200))
	require.NoError(t, err)
	_, err = f.reg.Settle(registrar, 0, false, d(5000), 10000)
	require.NoError(t, err)

	// long pool holds 1 backing 100 shares, so 100 more buys 10000 shares
	shares, err := f.reg.Stake(registrar, 0, "DSLA", owner, model.SideLong, d(100))
	require.NoError(t, err)
	assert.True(t, shares.Equal(d(10000)))

	// the wiped-out provider cannot reach into the new stake
	_, err = f.reg.Withdraw(registrar, 0, "DSLA", provider, model.SideLong, d(50))
	assert.ErrorIs(t, err, ErrInsufficientShares)

	before := f.dsla.BalanceOf(owner)
	_, err = f.reg.Withdraw(registrar, 0, "DSLA", owner, model.SideLong, d(100))
	require.NoError(t, err)
	assert.True(t, f.dsla.BalanceOf(owner).Sub(before).Equal(d(100)))

	_, err = f.reg.Withdraw(registrar, 0, "DSLA", provider, model.SideLong, d(1))
	require.NoError(t, err)
	p := f.reg.Pools(0)[0]
	assert.True(t, p.LongTotal.IsZero())
	for _, dt := range f.reg.DTokens(0) {
		if dt.Side == model.SideLong {
			assert.True(t, dt.TotalSupply.IsZero(), "pool and supply drain together")
		}
	}
}

func TestDistributeVerificationRewards(t *testing.T) {
	f := newFixture(t, DefaultParameters())
	f.agreement(t, 1, 2)
	supply := f.dsla.TotalSupply()

	dist, err := f.reg.DistributeVerificationRewards(registrar, 0, 0, verifier, msgOwner)
	require.NoError(t, err)
	assert.True(t, dist.Paid)
	assert.True(t, f.dsla.BalanceOf(verifier).Equal(d(250)))
	assert.True(t, f.dsla.BalanceOf(msgOwner).Equal(d(250)))
	assert.True(t, f.dsla.BalanceOf(owner).Equal(d(1_000_000-2000+250)))
	assert.True(t, f.dsla.TotalSupply().Equal(supply.Sub(d(250))))
	assert.True(t, f.reg.LockedValue(0).Equal(d(1000)))

	_, err = f.reg.DistributeVerificationRewards(registrar, 0, 0, verifier, msgOwner)
	assert.ErrorIs(t, err, ErrAlreadyDistributed)
	assert.True(t, f.reg.IsDistributed(0, 0))
}

func TestDistributeVerificationRewards_BurnDisabled(t *testing.T) {
	p := DefaultParameters()
	p.BurnEnabled = false
	f := newFixture(t, p)
	f.agreement(t, 1, 1)
	supply := f.dsla.TotalSupply()

	dist, err := f.reg.DistributeVerificationRewards(registrar, 0, 0, verifier, msgOwner)
	require.NoError(t, err)
	assert.True(t, dist.Burned.IsZero())
	assert.True(t, dist.Platform.Equal(d(500)))
	assert.True(t, f.dsla.TotalSupply().Equal(supply))
}

func TestReturnLockedValue(t *testing.T) {
	f := newFixture(t, DefaultParameters())
	f.agreement(t, 1, 2)

	_, err := f.reg.ReturnLockedValue(registrar, 0, status{owner, false}, owner)
	assert.ErrorIs(t, err, ErrNotFinished)
	_, err = f.reg.ReturnLockedValue(registrar, 0, status{owner, true}, user)
	assert.ErrorIs(t, err, ErrNotAgreementOwner)

	amount, err := f.reg.ReturnLockedValue(registrar, 0, status{owner, true}, owner)
	require.NoError(t, err)
	assert.True(t, amount.Equal(d(2000)))
	assert.True(t, f.dsla.BalanceOf(owner).Equal(d(1_000_000)))

	_, err = f.reg.ReturnLockedValue(registrar, 0, status{owner, true}, owner)
	assert.ErrorIs(t, err, ErrNothingLocked)

	// a late verification still records the period but pays nothing
	dist, err := f.reg.DistributeVerificationRewards(registrar, 0, 1, verifier, msgOwner)
	require.NoError(t, err)
	assert.False(t, dist.Paid)
	assert.True(t, f.reg.IsDistributed(0, 1))
}

func TestProperty_ShortNeverExceedsLeveragedLong(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("accepted short stake stays within long*leverage", prop.ForAll(
		func(leverage int64, long int64, shorts []int64) bool {
			f := newFixture(t, DefaultParameters())
			if err := f.reg.RegisterAgreement(registrar, 0, owner, leverage); err != nil {
				return false
			}
			if err := f.reg.LockValue(registrar, 0, owner, decimal.Zero, 1); err != nil {
				return false
			}
			if err := f.reg.CreateDTokens(registrar, 0, "DSLA"); err != nil {
				return false
			}
			if _, err := f.reg.Stake(registrar, 0, "DSLA", provider, model.SideLong, d(long)); err != nil {
				return false
			}
			for _, s := range shorts {
				_, _ = f.reg.Stake(registrar, 0, "DSLA", user, model.SideShort, d(s))
				p := f.reg.Pools(0)[0]
				if p.ShortTotal.GreaterThan(p.LongTotal.Mul(d(leverage))) {
					return false
				}
			}
			return true
		},
		gen.Int64Range(1, 10),
		gen.Int64Range(1, 1000),
		gen.SliceOfN(8, gen.Int64Range(1, 2000)),
	))

	properties.TestingRun(t)
}

func TestProperty_RewardsConserveDeposit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("payouts plus burn equal the deposit", prop.ForAll(
		func(platform, messenger, usr, burned int64) bool {
			p := DefaultParameters()
			p.PlatformReward, p.MessengerReward, p.UserReward, p.BurnedByVerification = d(platform), d(messenger), d(usr), d(burned)
			p.DepositPerPeriod = d(platform + messenger + usr + burned)
			f := newFixture(t, p)
			f.agreement(t, 1, 1)

			dist, err := f.reg.DistributeVerificationRewards(registrar, 0, 0, verifier, msgOwner)
			if err != nil {
				return false
			}
			total := dist.Platform.Add(dist.Messenger).Add(dist.User).Add(dist.Burned)
			return total.Equal(p.DepositPerPeriod) && f.reg.LockedValue(0).IsZero()
		},
		gen.Int64Range(0, 500),
		gen.Int64Range(0, 500),
		gen.Int64Range(0, 500),
		gen.Int64Range(1, 500),
	))

	properties.TestingRun(t)
}
