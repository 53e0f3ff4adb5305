package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config bundles every tunable coefficient of the protocol. The UI-derived
// values in Default are illustrative starting points, not fixed law.
type Config struct {
	Protocol   Protocol   `toml:"protocol"`
	Reputation Reputation `toml:"reputation"`
	Lending    Lending    `toml:"lending"`
	Pool       Pool       `toml:"pool"`
	Flash      Flash      `toml:"flash"`
	Delegation Delegation `toml:"delegation"`
	Pauses     Pauses     `toml:"pauses"`
	Gateway    Gateway    `toml:"gateway"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Protocol: Protocol{
			Governance: "governance",
			MaxRetries: 3,
		},
		Reputation: Reputation{
			InitialScore:     500,
			MaxScore:         1000,
			RepayBase:        10,
			MaxRepayBonus:    50,
			VolumeNormalizer: 1_000,
			DefaultPenalty:   150,
			CooldownBlocks:   4_320,
			BaseLimit:        1_000_000,
			MinRateBps:       600,
			MaxRateBps:       1_600,
		},
		Lending: Lending{
			BlocksPerYear:          52_560,
			LiquidationRatioPct:    110,
			DefaultMinCollateral:   150,
			DefaultLenderFloor:     0,
			EnforceBorrowingLimit:  true,
			EscrowAccount:          "module:lending:escrow",
			NFTMaxLTVBps:           5_000,
			NFTLiquidationRatioPct: 160,
			NFTDefaultRateBps:      850,
		},
		Pool: Pool{
			Assets:            []string{"STX"},
			BaseRateBps:       200,
			TargetRateBps:     1_000,
			MaxRateBps:        6_000,
			KinkBps:           8_000,
			UtilizationCapBps: 9_500,
			ReserveFactorBps:  1_000,
			AccountPrefix:     "module:pool:",
		},
		Flash: Flash{
			Enabled:     true,
			FeeBps:      9,
			MaxPerEpoch: 0,
			EpochBlocks: 144,
		},
		Delegation: Delegation{
			MinDelegatorScore: 500,
			DefaultFeeBps:     100,
			MaxFeeBps:         10_000,
			DefaultRateBps:    1_000,
			MaxDurationBlocks: 52_560,
		},
		Gateway: Gateway{
			JWTSecretEnv:      "BITTRUST_JWT_SECRET",
			Issuer:            "bittrust",
			RequestsPerMinute: 600,
			Burst:             20,
			RequestTimeoutMs:  5_000,
		},
	}
}

// Load reads the TOML configuration at path on top of Default. A missing file
// yields the defaults. Unknown keys are rejected so typos do not silently fall
// back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Protocol.Governance = strings.TrimSpace(c.Protocol.Governance)
	c.Lending.EscrowAccount = strings.TrimSpace(c.Lending.EscrowAccount)
	c.Gateway.Listen = strings.TrimSpace(c.Gateway.Listen)
	assets := make([]string, 0, len(c.Pool.Assets))
	seen := make(map[string]struct{}, len(c.Pool.Assets))
	for _, asset := range c.Pool.Assets {
		normalized := strings.ToUpper(strings.TrimSpace(asset))
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		assets = append(assets, normalized)
	}
	c.Pool.Assets = assets
}

// PoolAccount returns the module account holding asset's pool liquidity.
func (c *Config) PoolAccount(asset string) string {
	return c.Pool.AccountPrefix + strings.ToUpper(strings.TrimSpace(asset))
}
