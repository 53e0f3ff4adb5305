package config

import "fmt"

const maxBps = 10_000

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("configuration is missing")
	}
	if c.Protocol.Governance == "" {
		return fmt.Errorf("protocol: governance account required")
	}
	if err := c.Reputation.validate(); err != nil {
		return fmt.Errorf("reputation: %w", err)
	}
	if err := c.Lending.validate(); err != nil {
		return fmt.Errorf("lending: %w", err)
	}
	if err := c.Pool.validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.Flash.validate(); err != nil {
		return fmt.Errorf("flash: %w", err)
	}
	if err := c.Delegation.validate(c.Reputation); err != nil {
		return fmt.Errorf("delegation: %w", err)
	}
	if err := c.Gateway.validate(); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

func (r Reputation) validate() error {
	if r.MaxScore == 0 {
		return fmt.Errorf("max_score must be positive")
	}
	if r.InitialScore == 0 || r.InitialScore > r.MaxScore {
		return fmt.Errorf("initial_score must be within 1..max_score")
	}
	if r.VolumeNormalizer == 0 {
		return fmt.Errorf("volume_normalizer must be positive")
	}
	if r.MinRateBps > r.MaxRateBps || r.MaxRateBps > maxBps {
		return fmt.Errorf("rates must satisfy min <= max <= %d", maxBps)
	}
	return nil
}

func (l Lending) validate() error {
	if l.BlocksPerYear == 0 {
		return fmt.Errorf("blocks_per_year must be positive")
	}
	if l.LiquidationRatioPct == 0 {
		return fmt.Errorf("liquidation_ratio_pct must be positive")
	}
	if l.DefaultMinCollateral < l.LiquidationRatioPct {
		return fmt.Errorf("default_min_collateral_pct below liquidation_ratio_pct")
	}
	if l.EscrowAccount == "" {
		return fmt.Errorf("escrow_account required")
	}
	if l.NFTMaxLTVBps == 0 || l.NFTMaxLTVBps > maxBps {
		return fmt.Errorf("nft_max_ltv_bps must be within 1..%d", maxBps)
	}
	if l.NFTDefaultRateBps > maxBps {
		return fmt.Errorf("nft_default_rate_bps exceeds %d", maxBps)
	}
	return nil
}

func (p Pool) validate() error {
	if len(p.Assets) == 0 {
		return fmt.Errorf("at least one asset required")
	}
	if p.KinkBps == 0 || p.KinkBps >= maxBps {
		return fmt.Errorf("kink_bps must be within 1..%d", maxBps-1)
	}
	if !(p.BaseRateBps <= p.TargetRateBps && p.TargetRateBps <= p.MaxRateBps) {
		return fmt.Errorf("rate curve must be non-decreasing: base <= target <= max")
	}
	if p.UtilizationCapBps == 0 || p.UtilizationCapBps > maxBps {
		return fmt.Errorf("utilization_cap_bps must be within 1..%d", maxBps)
	}
	if p.ReserveFactorBps > maxBps {
		return fmt.Errorf("reserve_factor_bps exceeds %d", maxBps)
	}
	if p.AccountPrefix == "" {
		return fmt.Errorf("account_prefix required")
	}
	return nil
}

func (f Flash) validate() error {
	if f.FeeBps > maxBps {
		return fmt.Errorf("fee_bps exceeds %d", maxBps)
	}
	if f.MaxPerEpoch > 0 && f.EpochBlocks == 0 {
		return fmt.Errorf("epoch_blocks required when max_per_epoch is set")
	}
	return nil
}

func (d Delegation) validate(r Reputation) error {
	if d.MinDelegatorScore > r.MaxScore {
		return fmt.Errorf("min_delegator_score exceeds max_score")
	}
	if d.MaxFeeBps > maxBps || d.DefaultFeeBps > d.MaxFeeBps {
		return fmt.Errorf("fees must satisfy default <= max <= %d", maxBps)
	}
	if d.DefaultRateBps > maxBps {
		return fmt.Errorf("default_rate_bps exceeds %d", maxBps)
	}
	return nil
}

func (g Gateway) validate() error {
	if g.RequestsPerMinute < 0 || g.Burst < 0 {
		return fmt.Errorf("rate limits must be non-negative")
	}
	if g.Listen != "" && g.RequestTimeoutMs == 0 {
		return fmt.Errorf("request_timeout_ms required when listen is set")
	}
	return nil
}
