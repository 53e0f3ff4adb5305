package protocol

import (
	"math/big"

	"bittrust/core/ledger"
	"bittrust/core/types"
	"bittrust/native/flash"
	"bittrust/native/lending"
	"bittrust/native/pool"
	"bittrust/native/reputation"
)

// Receipt is the common part of every committed operation.
type Receipt struct {
	Op       string        `json:"op"`
	Height   ledger.Height `json:"height"`
	Attempts int           `json:"attempts"`
	Events   []types.Event `json:"events"`
}

type RecordOutcomeRequest struct {
	Height  ledger.Height
	Account string
	Outcome reputation.Outcome
	Amount  *big.Int
}

type AccountReceipt struct {
	Receipt
	Account *types.Account `json:"account"`
}

type CreateLoanRequest struct {
	Height ledger.Height
	Terms  lending.Terms
}

type CreateNFTLoanRequest struct {
	Height ledger.Height
	Terms  lending.NFTTerms
}

type AcceptLoanRequest struct {
	Height ledger.Height
	LoanID string
	Lender string
	Seq    uint64
}

type RepayRequest struct {
	Height ledger.Height
	LoanID string
	// Payer defaults to the borrower.
	Payer  string
	Amount *big.Int
	// Seq makes the repayment idempotent per loan; zero disables replay
	// protection.
	Seq uint64
}

type LiquidationRequest struct {
	Height          ledger.Height
	LoanID          string
	CollateralValue *big.Int
	Seq             uint64
}

type ExpireRequest struct {
	Height ledger.Height
	LoanID string
	Seq    uint64
}

type LoanReceipt struct {
	Receipt
	Loan       *types.Loan      `json:"loan"`
	Settlement *lending.Receipt `json:"settlement,omitempty"`
}

type RegisterNFTRequest struct {
	Height ledger.Height
	NFTID  string
	Owner  string
}

type NFTReceipt struct {
	Receipt
	NFT *types.NFT `json:"nft"`
}

type LenderFloorRequest struct {
	Height ledger.Height
	Lender string
	Floor  uint64
}

// PoolRequest drives Deposit, Withdraw, Borrow and RepayPool. Withdraw takes
// Amount in shares.
type PoolRequest struct {
	Height  ledger.Height
	Account string
	Asset   string
	Amount  *big.Int
}

type AccrueRequest struct {
	Height ledger.Height
	Asset  string
}

type WithdrawReserveRequest struct {
	Height    ledger.Height
	Caller    string
	Asset     string
	Recipient string
	Amount    *big.Int
}

type PoolReceipt struct {
	Receipt
	// Amount is the shares minted, the amount withdrawn or the debt repaid,
	// depending on the operation.
	Amount  *big.Int       `json:"amount,omitempty"`
	RateBps ledger.Bps     `json:"rateBps,omitempty"`
	Pool    *pool.Snapshot `json:"pool"`
}

type FlashRequest struct {
	Height   ledger.Height
	Target   string
	Asset    string
	Amount   *big.Int
	Receiver flash.Receiver
}

type FlashReceipt struct {
	Receipt
	Result *flash.Result `json:"result"`
}

type CreateDelegationRequest struct {
	Height      ledger.Height
	Delegator   string
	Delegatee   string
	Asset       string
	Limit       *big.Int
	FeeBps      ledger.Bps
	ExpiryBlock ledger.Height
}

type DrawRequest struct {
	Height       ledger.Height
	DelegationID string
	Caller       string
	Amount       *big.Int
	RateBps      ledger.Bps
	Duration     uint64
}

type RevokeRequest struct {
	Height       ledger.Height
	DelegationID string
	Caller       string
}

type DelegationReceipt struct {
	Receipt
	Delegation *types.Delegation `json:"delegation"`
	Loan       *types.Loan       `json:"loan,omitempty"`
}

// FundRequest credits a balance from outside the protocol, as genesis
// allocations and test fixtures do.
type FundRequest struct {
	Height  ledger.Height
	Account string
	Asset   string
	Amount  *big.Int
}

type FundReceipt struct {
	Receipt
	Balance *big.Int `json:"balance"`
}

// AdvanceClockRequest moves the protocol clock to Height.
type AdvanceClockRequest struct {
	Caller string
	Height ledger.Height
}

type ClockReceipt struct {
	Receipt
	Previous ledger.Height `json:"previous"`
}

// AccountView is the reputation snapshot of an account.
type AccountView struct {
	Account         *types.Account `json:"account"`
	BorrowingLimit  *big.Int       `json:"borrowingLimit"`
	RecommendedRate ledger.Bps     `json:"recommendedRateBps"`
	InCooldown      bool           `json:"inCooldown"`
}

// LoanView is a loan with what it owes at the queried height.
type LoanView struct {
	Loan         *types.Loan `json:"loan"`
	InterestDue  *big.Int    `json:"interestDue"`
	PrincipalDue *big.Int    `json:"principalDue"`
}

// DelegationView is a delegation with its usable remainder and draws.
type DelegationView struct {
	Delegation *types.Delegation `json:"delegation"`
	Usable     *big.Int          `json:"usable"`
	Loans      []string          `json:"loans"`
}

// AccountLoansView lists an account's loans on both sides of the book.
type AccountLoansView struct {
	Borrowed []*LoanView    `json:"borrowed"`
	Lent     []*LoanView    `json:"lent"`
	Stats    *lending.Stats `json:"stats"`
}

type AccountDelegationsView struct {
	Granted  []*DelegationView `json:"granted"`
	Received []*DelegationView `json:"received"`
}
