package types

import (
	"fmt"
	"math/big"

	"bittrust/core/ledger"
)

// Account is the reputation record kept for every participant. Balances live
// in the bank ledger; this record only carries credit history.
type Account struct {
	ID            string        `json:"id"`
	Score         uint64        `json:"score"`
	Volume        *big.Int      `json:"volume"`
	Defaults      uint64        `json:"defaults"`
	Repayments    uint64        `json:"repayments"`
	CooldownUntil ledger.Height `json:"cooldownUntil"`
	CreatedBlock  ledger.Height `json:"createdBlock"`
	Version       uint64        `json:"version" rlp:"-"`
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Volume = ledger.Copy(a.Volume)
	return &clone
}

// InCooldown reports whether borrowing is frozen at height.
func (a *Account) InCooldown(height ledger.Height) bool {
	return a != nil && height < a.CooldownUntil
}

// LoanStatus enumerates the loan lifecycle.
type LoanStatus uint8

const (
	LoanPending LoanStatus = iota
	LoanActive
	LoanRepaid
	LoanDefaulted
	LoanLiquidated
)

func (s LoanStatus) String() string {
	switch s {
	case LoanPending:
		return "Pending"
	case LoanActive:
		return "Active"
	case LoanRepaid:
		return "Repaid"
	case LoanDefaulted:
		return "Defaulted"
	case LoanLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// MarshalText renders the status by name in JSON snapshots.
func (s LoanStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a status name written by MarshalText.
func (s *LoanStatus) UnmarshalText(text []byte) error {
	for _, status := range []LoanStatus{LoanPending, LoanActive, LoanRepaid, LoanDefaulted, LoanLiquidated} {
		if status.String() == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("types: unknown loan status %q", text)
}

// Terminal reports whether no further transition is allowed.
func (s LoanStatus) Terminal() bool {
	return s == LoanRepaid || s == LoanDefaulted || s == LoanLiquidated
}

// Loan is a bilateral or pool-funded loan.
type Loan struct {
	ID       string `json:"id"`
	Lender   string `json:"lender"`
	Borrower string `json:"borrower"`
	// Guarantor is the delegator backing a delegated draw.
	Guarantor    string `json:"guarantor,omitempty"`
	DelegationID string `json:"delegationId,omitempty"`
	// Asset denominates principal and collateral. Pool-funded loans draw from
	// and repay into the pool of the same asset.
	Asset            string         `json:"asset"`
	PoolFunded       bool           `json:"poolFunded,omitempty"`
	Principal        *big.Int       `json:"principal"`
	Collateral       *big.Int       `json:"collateral"`
	CollateralNFT    string         `json:"collateralNft,omitempty"`
	CollateralValue  *big.Int       `json:"collateralValue"`
	RateBps          ledger.Bps     `json:"rateBps"`
	StartBlock       ledger.Height  `json:"startBlock"`
	DurationBlocks   uint64         `json:"durationBlocks"`
	MinCollateralPct ledger.Percent `json:"minCollateralRatio"`
	LiquidationPct   ledger.Percent `json:"liquidationRatio"`
	Repaid           *big.Int       `json:"repaid"`
	InterestPaid     *big.Int       `json:"interestPaid"`
	PrincipalPaid    *big.Int       `json:"principalPaid"`
	Status           LoanStatus     `json:"status"`
	ClosedBlock      ledger.Height  `json:"closedBlock"`
	Version          uint64         `json:"version" rlp:"-"`
}

// Clone returns a deep copy of the loan.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	clone.Principal = ledger.Copy(l.Principal)
	clone.Collateral = ledger.Copy(l.Collateral)
	clone.CollateralValue = ledger.Copy(l.CollateralValue)
	clone.Repaid = ledger.Copy(l.Repaid)
	clone.InterestPaid = ledger.Copy(l.InterestPaid)
	clone.PrincipalPaid = ledger.Copy(l.PrincipalPaid)
	return &clone
}

// Deadline is the last block at which the loan is still on time.
func (l *Loan) Deadline() ledger.Height {
	return ledger.Deadline(l.StartBlock, l.DurationBlocks)
}

// OutstandingPrincipal returns principal not yet repaid.
func (l *Loan) OutstandingPrincipal() *big.Int {
	return ledger.SubFloor(l.Principal, l.PrincipalPaid)
}

// Delegated reports whether the loan was drawn against a delegation.
func (l *Loan) Delegated() bool { return l.DelegationID != "" }

// Pool is the per-asset liquidity pool. SupplyIndex is the accrual index that
// converts depositor shares into owed amounts.
type Pool struct {
	Asset            string        `json:"asset"`
	TotalDeposited   *big.Int      `json:"totalDeposited"`
	TotalBorrowed    *big.Int      `json:"totalBorrowed"`
	ReserveBalance   *big.Int      `json:"reserveBalance"`
	TotalShares      *big.Int      `json:"totalShares"`
	SupplyIndex      *big.Int      `json:"supplyIndex"`
	BorrowIndex      *big.Int      `json:"borrowIndex"`
	LastAccrualBlock ledger.Height `json:"lastAccrualBlock"`
	// LoanPrincipal is the part of TotalBorrowed lent to fixed-rate loans.
	// It is excluded from index accrual; those loans pay their own interest.
	LoanPrincipal *big.Int `json:"loanPrincipal"`
	Version       uint64   `json:"version" rlp:"-"`
}

// Clone returns a deep copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.TotalDeposited = ledger.Copy(p.TotalDeposited)
	clone.TotalBorrowed = ledger.Copy(p.TotalBorrowed)
	clone.ReserveBalance = ledger.Copy(p.ReserveBalance)
	clone.TotalShares = ledger.Copy(p.TotalShares)
	clone.SupplyIndex = ledger.Copy(p.SupplyIndex)
	clone.BorrowIndex = ledger.Copy(p.BorrowIndex)
	clone.LoanPrincipal = ledger.Copy(p.LoanPrincipal)
	return &clone
}

// Equal compares the accounting fields bit for bit, ignoring the version.
func (p *Pool) Equal(other *Pool) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.Asset == other.Asset &&
		ledger.Copy(p.TotalDeposited).Cmp(ledger.Copy(other.TotalDeposited)) == 0 &&
		ledger.Copy(p.TotalBorrowed).Cmp(ledger.Copy(other.TotalBorrowed)) == 0 &&
		ledger.Copy(p.ReserveBalance).Cmp(ledger.Copy(other.ReserveBalance)) == 0 &&
		ledger.Copy(p.TotalShares).Cmp(ledger.Copy(other.TotalShares)) == 0 &&
		ledger.Copy(p.SupplyIndex).Cmp(ledger.Copy(other.SupplyIndex)) == 0 &&
		ledger.Copy(p.BorrowIndex).Cmp(ledger.Copy(other.BorrowIndex)) == 0 &&
		ledger.Copy(p.LoanPrincipal).Cmp(ledger.Copy(other.LoanPrincipal)) == 0 &&
		p.LastAccrualBlock == other.LastAccrualBlock
}

// IndexedBorrowed returns the borrowed amount that accrues through BorrowIndex.
func (p *Pool) IndexedBorrowed() *big.Int {
	return ledger.SubFloor(p.TotalBorrowed, p.LoanPrincipal)
}

// Available returns the liquidity that may leave the pool without breaking
// TotalBorrowed <= TotalDeposited - ReserveBalance.
func (p *Pool) Available() *big.Int {
	free := ledger.SubFloor(p.TotalDeposited, p.ReserveBalance)
	return ledger.SubFloor(free, p.TotalBorrowed)
}

// PoolPosition tracks one account inside one pool.
type PoolPosition struct {
	Asset      string   `json:"asset"`
	Account    string   `json:"account"`
	Shares     *big.Int `json:"shares"`
	ScaledDebt *big.Int `json:"scaledDebt"`
	Version    uint64   `json:"version" rlp:"-"`
}

// Clone returns a deep copy of the position.
func (p *PoolPosition) Clone() *PoolPosition {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Shares = ledger.Copy(p.Shares)
	clone.ScaledDebt = ledger.Copy(p.ScaledDebt)
	return &clone
}

// Delegation extends a delegator's borrowing capacity to a delegatee.
type Delegation struct {
	ID           string        `json:"id"`
	Delegator    string        `json:"delegator"`
	Delegatee    string        `json:"delegatee"`
	Asset        string        `json:"asset"`
	Limit        *big.Int      `json:"limit"`
	Used         *big.Int      `json:"used"`
	FeeBps       ledger.Bps    `json:"feeBps"`
	ExpiryBlock  ledger.Height `json:"expiryBlock"`
	CreatedBlock ledger.Height `json:"createdBlock"`
	Suspended    bool          `json:"suspended"`
	Version      uint64        `json:"version" rlp:"-"`
}

// Clone returns a deep copy of the delegation.
func (d *Delegation) Clone() *Delegation {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Limit = ledger.Copy(d.Limit)
	clone.Used = ledger.Copy(d.Used)
	return &clone
}

// Expired reports whether the delegation is inert at height.
func (d *Delegation) Expired(height ledger.Height) bool {
	return height > d.ExpiryBlock
}

// Remaining returns the usable limit at height; zero once expired or suspended.
func (d *Delegation) Remaining(height ledger.Height) *big.Int {
	if d.Expired(height) || d.Suspended {
		return big.NewInt(0)
	}
	return ledger.SubFloor(d.Limit, d.Used)
}

// NFT records custody of a collateral token. Metadata lives outside the core.
type NFT struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Version uint64 `json:"version" rlp:"-"`
}
