package lending

import (
	"math/big"

	"bittrust/core/ledger"
	"bittrust/core/types"
)

// Terms describe a fungible-collateral loan between two accounts.
type Terms struct {
	Lender     string
	Borrower   string
	Asset      string
	Principal  *big.Int
	Collateral *big.Int
	// MinCollateral is the required collateral ratio in percent; zero uses the
	// configured default.
	MinCollateral ledger.Percent
	Rate          ledger.Bps
	Duration      uint64
}

// NFTTerms describe a loan secured by an escrowed NFT.
type NFTTerms struct {
	Lender         string
	Borrower       string
	Asset          string
	Principal      *big.Int
	NFTID          string
	AppraisedValue *big.Int
	// Rate of zero applies the NFT default rate.
	Rate     ledger.Bps
	Duration uint64
}

// PoolTerms describe a loan funded by a liquidity pool on behalf of a
// delegation.
type PoolTerms struct {
	Borrower     string
	Guarantor    string
	DelegationID string
	Asset        string
	Principal    *big.Int
	Rate         ledger.Bps
	Duration     uint64
}

// Receipt is the outcome of a loan-scoped mutation. Receipts are stored per
// (loan, operation, seq) and replayed for duplicate submissions.
type Receipt struct {
	LoanID    string
	Status    types.LoanStatus
	Interest  *big.Int
	Principal *big.Int
	Refund    *big.Int
	Fee       *big.Int
	// Triggered reports whether a liquidation check closed the loan.
	Triggered bool
}

func newReceipt(loan *types.Loan) *Receipt {
	return &Receipt{
		LoanID:    loan.ID,
		Status:    loan.Status,
		Interest:  big.NewInt(0),
		Principal: big.NewInt(0),
		Refund:    big.NewInt(0),
		Fee:       big.NewInt(0),
	}
}

// Stats summarises an account's loans. Pending requests are left out;
// Defaults counts both defaulted and liquidated borrowings.
type Stats struct {
	TotalBorrowed  *big.Int `json:"totalBorrowed"`
	TotalLent      *big.Int `json:"totalLent"`
	ActiveBorrowed int      `json:"activeBorrowed"`
	ActiveLent     int      `json:"activeLent"`
	TotalRepaid    *big.Int `json:"totalRepaid"`
	Defaults       int      `json:"defaults"`
}

func newStats() *Stats {
	return &Stats{
		TotalBorrowed: big.NewInt(0),
		TotalLent:     big.NewInt(0),
		TotalRepaid:   big.NewInt(0),
	}
}

// Guarantor is told about repayments and defaults of delegated loans.
type Guarantor interface {
	// SettleRepayment releases principal from the backing delegation and
	// returns the fee owed to the delegator out of interest.
	SettleRepayment(loan *types.Loan, principal, interest *big.Int) (*big.Int, error)
	// SettleDefault releases the delegation and penalises the delegator.
	SettleDefault(loan *types.Loan, outstanding *big.Int) error
}
