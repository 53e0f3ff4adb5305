package protocol

import (
	"fmt"
	"math/big"

	"bittrust/config"
	"bittrust/core/ledger"
	nativecommon "bittrust/native/common"
	"bittrust/native/delegation"
	"bittrust/native/flash"
	"bittrust/native/lending"
	"bittrust/native/pool"
	"bittrust/native/reputation"
)

// settings are the engine parameters derived once from the configuration.
type settings struct {
	reputation reputation.Params
	lending    lending.Params
	pool       pool.Params
	model      *pool.InterestModel
	flash      flash.Params
	delegation delegation.Params
	pauses     nativecommon.Pauses
	maxRetries int
}

func deriveSettings(cfg *config.Config) (*settings, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rc := cfg.Reputation
	s := &settings{
		reputation: reputation.Params{
			InitialScore:     rc.InitialScore,
			MaxScore:         rc.MaxScore,
			RepayBase:        rc.RepayBase,
			MaxRepayBonus:    rc.MaxRepayBonus,
			VolumeNormalizer: rc.VolumeNormalizer,
			DefaultPenalty:   rc.DefaultPenalty,
			CooldownBlocks:   rc.CooldownBlocks,
			BaseLimit:        new(big.Int).SetUint64(rc.BaseLimit),
			MinRate:          ledger.Bps(rc.MinRateBps),
			MaxRate:          ledger.Bps(rc.MaxRateBps),
		},
		lending: lending.Params{
			BlocksPerYear:         cfg.Lending.BlocksPerYear,
			LiquidationRatio:      ledger.Percent(cfg.Lending.LiquidationRatioPct),
			DefaultMinCollateral:  ledger.Percent(cfg.Lending.DefaultMinCollateral),
			DefaultLenderFloor:    cfg.Lending.DefaultLenderFloor,
			EnforceBorrowingLimit: cfg.Lending.EnforceBorrowingLimit,
			EscrowAccount:         cfg.Lending.EscrowAccount,
			NFTMaxLTV:             ledger.Bps(cfg.Lending.NFTMaxLTVBps),
			NFTLiquidationRatio:   ledger.Percent(cfg.Lending.NFTLiquidationRatioPct),
			NFTDefaultRate:        ledger.Bps(cfg.Lending.NFTDefaultRateBps),
		},
		pool: pool.Params{
			Assets:         append([]string(nil), cfg.Pool.Assets...),
			UtilizationCap: ledger.Bps(cfg.Pool.UtilizationCapBps),
			ReserveFactor:  ledger.Bps(cfg.Pool.ReserveFactorBps),
			BlocksPerYear:  cfg.Lending.BlocksPerYear,
			AccountPrefix:  cfg.Pool.AccountPrefix,
			Governance:     cfg.Protocol.Governance,
		},
		model: pool.NewKinkedModel(
			ledger.Bps(cfg.Pool.BaseRateBps),
			ledger.Bps(cfg.Pool.TargetRateBps),
			ledger.Bps(cfg.Pool.MaxRateBps),
			ledger.Bps(cfg.Pool.KinkBps),
		),
		flash: flash.Params{
			Enabled: cfg.Flash.Enabled,
			Fee:     ledger.Bps(cfg.Flash.FeeBps),
			Quota: nativecommon.Quota{
				MaxVolumePerEpoch: cfg.Flash.MaxPerEpoch,
				EpochBlocks:       cfg.Flash.EpochBlocks,
			},
		},
		delegation: delegation.Params{
			MinDelegatorScore: cfg.Delegation.MinDelegatorScore,
			DefaultFee:        ledger.Bps(cfg.Delegation.DefaultFeeBps),
			MaxFee:            ledger.Bps(cfg.Delegation.MaxFeeBps),
			DefaultRate:       ledger.Bps(cfg.Delegation.DefaultRateBps),
			MaxDuration:       cfg.Delegation.MaxDurationBlocks,
			DefaultPenalty:    rc.DefaultPenalty,
		},
		pauses: nativecommon.Pauses{
			nativecommon.ModuleLending:    cfg.Pauses.Lending,
			nativecommon.ModulePool:       cfg.Pauses.Pool,
			nativecommon.ModuleFlash:      cfg.Pauses.Flash,
			nativecommon.ModuleDelegation: cfg.Pauses.Delegation,
		},
		maxRetries: int(cfg.Protocol.MaxRetries),
	}
	if err := s.reputation.Validate(); err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}
	if err := s.lending.Validate(); err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}
	if err := s.delegation.Validate(); err != nil {
		return nil, fmt.Errorf("protocol: %w", err)
	}
	return s, nil
}
