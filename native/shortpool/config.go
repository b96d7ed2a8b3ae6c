package shortpool

// Config captures the runtime configuration for the shortpool module.
type Config struct {
	Ticker                  string `toml:"Ticker"`
	ModuleAccount           string `toml:"ModuleAccount"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	Paused                  bool   `toml:"Paused"`
}

// RiskParameters groups the safety limits applied to short positions.
type RiskParameters struct {
	// LiquidationThresholdBps is the margin ratio, in basis points, below
	// which a position becomes eligible for forced liquidation. The default
	// of 4000 liquidates once a position has lost 60% of its collateral value.
	LiquidationThresholdBps uint64
}

const defaultLiquidationThresholdBps = 4_000

// EnsureDefaults fills unset parameters with the module defaults.
func (p *RiskParameters) EnsureDefaults() {
	if p == nil {
		return
	}
	if p.LiquidationThresholdBps == 0 {
		p.LiquidationThresholdBps = defaultLiquidationThresholdBps
	}
}
