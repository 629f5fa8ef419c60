package market

import "fmt"

// AssetClass groups symbols that share leverage and stop-loss parameters.
type AssetClass string

const (
	// Forex majors and similar low-volatility, deep markets.
	Forex AssetClass = "forex"
	// Crypto majors.
	Crypto AssetClass = "crypto"
	// Speculative or illiquid assets (small caps, new listings).
	Speculative AssetClass = "speculative"
)

// AssetParams are the per-asset-class risk parameters of a venue.
type AssetParams struct {
	MaxLeverage float64 `yaml:"max_leverage" json:"max_leverage"`
	StopLossPct float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`

	// SlippageBps is the fixed adverse fill penalty in basis points.
	// Zero for liquid assets.
	SlippageBps float64 `yaml:"slippage_bps" json:"slippage_bps"`

	// FeeRate is charged on notional when a trade closes.
	FeeRate float64 `yaml:"fee_rate" json:"fee_rate"`
}

// Venue is read-only configuration shared by every worker trading on it.
type Venue struct {
	ID           string                     `yaml:"id" json:"id"`
	Name         string                     `yaml:"name" json:"name"`
	AssetClasses map[AssetClass]AssetParams `yaml:"asset_classes" json:"asset_classes"`
	Symbols      map[string]AssetClass      `yaml:"symbols" json:"symbols"`
}

// Params resolves the asset parameters for a symbol.
func (v Venue) Params(symbol string) (AssetClass, AssetParams, error) {
	class, ok := v.Symbols[symbol]
	if !ok {
		return "", AssetParams{}, fmt.Errorf("venue %s: unknown symbol %q", v.ID, symbol)
	}
	p, ok := v.AssetClasses[class]
	if !ok {
		return "", AssetParams{}, fmt.Errorf("venue %s: symbol %q has unsupported asset class %q", v.ID, symbol, class)
	}
	return class, p, nil
}

// Validate checks the venue is internally consistent.
func (v Venue) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("venue id is required")
	}
	if len(v.AssetClasses) == 0 {
		return fmt.Errorf("venue %s: at least one asset class is required", v.ID)
	}
	for class, p := range v.AssetClasses {
		if p.MaxLeverage < 1 {
			return fmt.Errorf("venue %s: %s max_leverage must be >= 1", v.ID, class)
		}
		if p.StopLossPct <= 0 || p.StopLossPct >= 1 {
			return fmt.Errorf("venue %s: %s stop_loss_pct must be between 0 and 1", v.ID, class)
		}
		if p.SlippageBps < 0 || p.FeeRate < 0 {
			return fmt.Errorf("venue %s: %s slippage_bps and fee_rate must be non-negative", v.ID, class)
		}
	}
	for sym, class := range v.Symbols {
		if _, ok := v.AssetClasses[class]; !ok {
			return fmt.Errorf("venue %s: symbol %s uses unknown asset class %q", v.ID, sym, class)
		}
	}
	return nil
}

// DefaultAssetClasses mirrors the caps used for paper venues: 3x for
// low-volatility assets, 5x for higher-volatility, 1x for speculative.
func DefaultAssetClasses() map[AssetClass]AssetParams {
	return map[AssetClass]AssetParams{
		Forex:       {MaxLeverage: 3, StopLossPct: 0.015},
		Crypto:      {MaxLeverage: 5, StopLossPct: 0.03},
		Speculative: {MaxLeverage: 1, StopLossPct: 0.08, SlippageBps: 25},
	}
}
