package events

import (
	"math/big"

	"bittrust/core/types"
)

const (
	TypeLoanRequested  = "loan.requested"
	TypeLoanActivated  = "loan.activated"
	TypeLoanRepayment  = "loan.repayment"
	TypeLoanRepaid     = "loan.repaid"
	TypeLoanDefaulted  = "loan.defaulted"
	TypeLoanLiquidated = "loan.liquidated"
)

// LoanTransition captures a loan lifecycle change.
type LoanTransition struct {
	Type     string
	LoanID   string
	Lender   string
	Borrower string
	Amount   *big.Int
	Status   types.LoanStatus
}

func (e LoanTransition) EventType() string { return e.Type }

func (e LoanTransition) Event() *types.Event {
	attrs := map[string]string{
		"loanId":   e.LoanID,
		"lender":   e.Lender,
		"borrower": e.Borrower,
		"status":   e.Status.String(),
	}
	if e.Amount != nil {
		attrs["amount"] = formatAmount(e.Amount)
	}
	return &types.Event{Type: e.Type, Attributes: attrs}
}

// LoanRepayment reports how a payment was split.
type LoanRepayment struct {
	LoanID    string
	Payer     string
	Interest  *big.Int
	Principal *big.Int
	Refund    *big.Int
	Fee       *big.Int
}

func (LoanRepayment) EventType() string { return TypeLoanRepayment }

func (e LoanRepayment) Event() *types.Event {
	attrs := map[string]string{
		"loanId":    e.LoanID,
		"payer":     e.Payer,
		"interest":  formatAmount(e.Interest),
		"principal": formatAmount(e.Principal),
	}
	if e.Refund != nil && e.Refund.Sign() > 0 {
		attrs["refund"] = formatAmount(e.Refund)
	}
	if e.Fee != nil && e.Fee.Sign() > 0 {
		attrs["delegatorFee"] = formatAmount(e.Fee)
	}
	return &types.Event{Type: TypeLoanRepayment, Attributes: attrs}
}
