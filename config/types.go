package config

// Reputation tunes the credit score model.
type Reputation struct {
	InitialScore     uint64 `toml:"InitialScore"`
	MaxScore         uint64 `toml:"MaxScore"`
	RepayBase        uint64 `toml:"RepayBase"`
	MaxRepayBonus    uint64 `toml:"MaxRepayBonus"`
	VolumeNormalizer uint64 `toml:"VolumeNormalizer"`
	DefaultPenalty   uint64 `toml:"DefaultPenalty"`
	CooldownBlocks   uint64 `toml:"CooldownBlocks"`
	// BaseLimit is the borrowing limit of an account at the initial score.
	BaseLimit  uint64 `toml:"BaseLimit"`
	MinRateBps uint64 `toml:"MinRateBps"`
	MaxRateBps uint64 `toml:"MaxRateBps"`
}

// Lending tunes bilateral and NFT-collateralised loans.
type Lending struct {
	BlocksPerYear          uint64 `toml:"BlocksPerYear"`
	LiquidationRatioPct    uint64 `toml:"LiquidationRatioPct"`
	DefaultMinCollateral   uint64 `toml:"DefaultMinCollateralPct"`
	DefaultLenderFloor     uint64 `toml:"DefaultLenderFloor"`
	EnforceBorrowingLimit  bool   `toml:"EnforceBorrowingLimit"`
	EscrowAccount          string `toml:"EscrowAccount"`
	NFTMaxLTVBps           uint64 `toml:"NFTMaxLTVBps"`
	NFTLiquidationRatioPct uint64 `toml:"NFTLiquidationRatioPct"`
	NFTDefaultRateBps      uint64 `toml:"NFTDefaultRateBps"`
}

// Pool tunes the liquidity pools and their kinked rate curve.
type Pool struct {
	Assets            []string `toml:"Assets"`
	BaseRateBps       uint64   `toml:"BaseRateBps"`
	TargetRateBps     uint64   `toml:"TargetRateBps"`
	MaxRateBps        uint64   `toml:"MaxRateBps"`
	KinkBps           uint64   `toml:"KinkBps"`
	UtilizationCapBps uint64   `toml:"UtilizationCapBps"`
	ReserveFactorBps  uint64   `toml:"ReserveFactorBps"`
	AccountPrefix     string   `toml:"AccountPrefix"`
}

// Flash tunes flash loans.
type Flash struct {
	Enabled bool   `toml:"Enabled"`
	FeeBps  uint64 `toml:"FeeBps"`
	// MaxPerEpoch caps the flash volume one account may move per epoch; zero
	// disables the quota.
	MaxPerEpoch uint64 `toml:"MaxPerEpoch"`
	EpochBlocks uint64 `toml:"EpochBlocks"`
}

// Delegation tunes credit delegation.
type Delegation struct {
	MinDelegatorScore uint64 `toml:"MinDelegatorScore"`
	DefaultFeeBps     uint64 `toml:"DefaultFeeBps"`
	MaxFeeBps         uint64 `toml:"MaxFeeBps"`
	DefaultRateBps    uint64 `toml:"DefaultRateBps"`
	MaxDurationBlocks uint64 `toml:"MaxDurationBlocks"`
}

// Pauses switches individual modules off.
type Pauses struct {
	Lending    bool `toml:"Lending"`
	Pool       bool `toml:"Pool"`
	Flash      bool `toml:"Flash"`
	Delegation bool `toml:"Delegation"`
}

// Protocol carries the cross-module settings.
type Protocol struct {
	// Governance is the only account allowed to withdraw pool reserves.
	Governance string `toml:"Governance"`
	MaxRetries uint64 `toml:"MaxRetries"`
	// AllowMigrate opens a store written under another schema version.
	AllowMigrate bool `toml:"AllowMigrate"`
}

// Gateway configures the daemon's HTTP surface. An empty Listen address keeps
// it off.
type Gateway struct {
	Listen string `toml:"Listen"`
	// JWTSecretEnv names the environment variable holding the HMAC secret that
	// signs bearer tokens. Mutating routes stay closed without it.
	JWTSecretEnv      string  `toml:"JWTSecretEnv"`
	Issuer            string  `toml:"Issuer"`
	Audience          string  `toml:"Audience"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
	RequestTimeoutMs  uint64  `toml:"RequestTimeoutMs"`
}
