package risk

import (
	"fmt"

	"github.com/rustyeddy/paperbot/market"
)

// HardCap is the largest fraction of equity a single position may commit.
// No configuration can raise it.
const HardCap = 0.02

// Profile selects the default risk fraction when none is configured.
type Profile string

const (
	Conservative Profile = "conservative"
	Standard     Profile = "standard"
	Aggressive   Profile = "aggressive"
)

func (p Profile) DefaultFraction() float64 {
	switch p {
	case Conservative:
		return 0.0025
	case Aggressive:
		return 0.01
	}
	return 0.005
}

func (p Profile) Valid() bool {
	switch p {
	case "", Conservative, Standard, Aggressive:
		return true
	}
	return false
}

// LeveragePolicy decides what happens to a request above the asset cap.
type LeveragePolicy string

const (
	// ClampLeverage lowers the request to the cap. The caller logs it.
	ClampLeverage LeveragePolicy = "clamp"
	// RejectLeverage refuses the order with LEVERAGE_EXCEEDED.
	RejectLeverage LeveragePolicy = "reject"
)

// Policy is the per-account risk configuration.
type Policy struct {
	Profile Profile `yaml:"risk_profile" json:"risk_profile"`

	// RiskFraction of equity per position. Zero means the profile default.
	RiskFraction   float64 `yaml:"risk_fraction" json:"risk_fraction"`
	RiskCeilingPct float64 `yaml:"risk_ceiling_pct" json:"risk_ceiling_pct"`

	// MaxLossPerTrade is an absolute ceiling in account currency. Zero
	// disables it.
	MaxLossPerTrade float64 `yaml:"max_loss_per_trade" json:"max_loss_per_trade"`

	MaxOpenPositions int `yaml:"max_concurrent_positions" json:"max_concurrent_positions"`
	MaxDailyOrders   int `yaml:"max_daily_orders" json:"max_daily_orders"`

	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
	MinSize       float64 `yaml:"min_size" json:"min_size"`

	RequestedLeverage float64                       `yaml:"requested_leverage" json:"requested_leverage"`
	LeverageCaps      map[market.AssetClass]float64 `yaml:"leverage_caps" json:"leverage_caps"`
	LeveragePolicy    LeveragePolicy                `yaml:"leverage_policy" json:"leverage_policy"`

	// RewardRatio sets take-profit distance as a multiple of stop distance.
	RewardRatio float64 `yaml:"reward_ratio" json:"reward_ratio"`
}

// DefaultPolicy is the standard profile with conservative limits.
func DefaultPolicy() Policy {
	return Policy{
		Profile:           Standard,
		RiskCeilingPct:    HardCap,
		MaxLossPerTrade:   50,
		MaxOpenPositions:  3,
		MaxDailyOrders:    10,
		MinConfidence:     0.5,
		RequestedLeverage: 1,
		LeveragePolicy:    ClampLeverage,
		RewardRatio:       2,
	}
}

// Validate fails closed: an inconsistent policy is an error, never adjusted.
func (p Policy) Validate() error {
	if !p.Profile.Valid() {
		return fmt.Errorf("unknown risk_profile %q", p.Profile)
	}
	if p.RiskFraction < 0 {
		return fmt.Errorf("risk_fraction must be non-negative")
	}
	if p.RiskCeilingPct < 0 || p.RiskCeilingPct > HardCap {
		return fmt.Errorf("risk_ceiling_pct %.4f must be between 0 and %.2f", p.RiskCeilingPct, HardCap)
	}
	if p.RiskFraction > p.ceiling() {
		return fmt.Errorf("risk_fraction %.4f exceeds risk_ceiling_pct %.4f", p.RiskFraction, p.ceiling())
	}
	if p.MaxLossPerTrade < 0 {
		return fmt.Errorf("max_loss_per_trade must be non-negative")
	}
	if p.MaxOpenPositions < 1 {
		return fmt.Errorf("max_concurrent_positions must be >= 1")
	}
	if p.MaxDailyOrders < 1 {
		return fmt.Errorf("max_daily_orders must be >= 1")
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be between 0 and 1")
	}
	if p.RequestedLeverage != 0 && p.RequestedLeverage < 1 {
		return fmt.Errorf("requested_leverage must be >= 1")
	}
	for class, c := range p.LeverageCaps {
		if c < 1 {
			return fmt.Errorf("leverage cap for %s must be >= 1", class)
		}
	}
	switch p.LeveragePolicy {
	case "", ClampLeverage, RejectLeverage:
	default:
		return fmt.Errorf("unknown leverage_policy %q", p.LeveragePolicy)
	}
	if p.RewardRatio < 0 {
		return fmt.Errorf("reward_ratio must be non-negative")
	}
	return nil
}

func (p Policy) ceiling() float64 {
	if p.RiskCeilingPct > 0 {
		return p.RiskCeilingPct
	}
	return HardCap
}

// EffectiveFraction is min(risk_fraction, ceiling, HardCap).
func (p Policy) EffectiveFraction() float64 {
	f := p.RiskFraction
	if f == 0 {
		f = p.Profile.DefaultFraction()
	}
	return min(f, p.ceiling(), HardCap)
}

// LeverageCap for an asset class: the venue cap, lowered by any account
// override.
func (p Policy) LeverageCap(class market.AssetClass, venueCap float64) float64 {
	if c, ok := p.LeverageCaps[class]; ok && c < venueCap {
		return c
	}
	return venueCap
}
