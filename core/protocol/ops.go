package protocol

import (
	"context"
	"math/big"
	"strings"

	coreerrors "bittrust/core/errors"
	"bittrust/core/events"
	"bittrust/core/ledger"
	"bittrust/core/types"
	"bittrust/native/bank"
	nativecommon "bittrust/native/common"
	"bittrust/native/lending"
	"bittrust/native/pool"
	"bittrust/observability"
)

const moduleReputation = "reputation"

// RecordOutcome folds an externally observed loan outcome into an account's
// reputation.
func (p *Protocol) RecordOutcome(ctx context.Context, req RecordOutcomeRequest) (*AccountReceipt, error) {
	out := &AccountReceipt{}
	receipt, err := p.run(ctx, moduleReputation, "recordOutcome", req.Height, func(e *engines) error {
		account, err := e.reputation.RecordOutcome(req.Account, req.Outcome, ledger.Copy(req.Amount))
		out.Account = account
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Receipt = receipt
	p.logAccount("reputation outcome recorded", out.Account.ID, out.Account.Score)
	return out, nil
}

// CreateLoan opens a collateralised loan that the lender funds immediately.
func (p *Protocol) CreateLoan(ctx context.Context, req CreateLoanRequest) (*LoanReceipt, error) {
	return p.loanOp(ctx, "createLoan", req.Height, func(e *engines) (*types.Loan, *lending.Receipt, error) {
		loan, err := e.lending.CreateLoan(req.Terms)
		return loan, nil, err
	})
}

// RequestLoan records a pending loan for the lender to accept.
func (p *Protocol) RequestLoan(ctx context.Context, req CreateLoanRequest) (*LoanReceipt, error) {
	return p.loanOp(ctx, "requestLoan", req.Height, func(e *engines) (*types.Loan, *lending.Receipt, error) {
		loan, err := e.lending.RequestLoan(req.Terms)
		return loan, nil, err
	})
}

func (p *Protocol) AcceptLoan(ctx context.Context, req AcceptLoanRequest) (*LoanReceipt, error) {
	return p.loanOp(ctx, "acceptLoan", req.Height, func(e *engines) (*types.Loan, *lending.Receipt, error) {
		settlement, err := e.lending.AcceptLoan(req.LoanID, req.Lender, req.Seq)
		return reload(e, req.LoanID, settlement, err)
	})
}

func (p *Protocol) CreateNFTLoan(ctx context.Context, req CreateNFTLoanRequest) (*LoanReceipt, error) {
	return p.loanOp(ctx, "createNftLoan", req.Height, func(e *engines) (*types.Loan, *lending.Receipt, error) {
		loan, err := e.lending.CreateNFTLoan(req.Terms)
		return loan, nil, err
	})
}

// Repay applies a repayment. Duplicate (loan, seq) submissions return the
// original settlement.
func (p *Protocol) Repay(ctx context.Context, req RepayRequest) (*LoanReceipt, error) {
	return p.loanOp(ctx, "repay", req.Height, func(e *engines) (*types.Loan, *lending.Receipt, error) {
		settlement, err := e.lending.Repay(req.LoanID, req.Payer, ledger.Copy(req.Amount), req.Seq)
		return reload(e, req.LoanID, settlement, err)
	})
}

// CheckLiquidation liquidates the loan when the reported collateral value has
// fallen below its liquidation ratio. Settlement.Triggered reports whether it
// did.
func (p *Protocol) CheckLiquidation(ctx context.Context, req LiquidationRequest) (*LoanReceipt, error) {
	return p.loanOp(ctx, "checkLiquidation", req.Height, func(e *engines) (*types.Loan, *lending.Receipt, error) {
		settlement, err := e.lending.CheckLiquidation(req.LoanID, ledger.Copy(req.CollateralValue), req.Seq)
		return reload(e, req.LoanID, settlement, err)
	})
}

// Expire defaults a loan that is past its deadline.
func (p *Protocol) Expire(ctx context.Context, req ExpireRequest) (*LoanReceipt, error) {
	return p.loanOp(ctx, "expire", req.Height, func(e *engines) (*types.Loan, *lending.Receipt, error) {
		settlement, err := e.lending.Expire(req.LoanID, req.Seq)
		return reload(e, req.LoanID, settlement, err)
	})
}

func (p *Protocol) RegisterNFT(ctx context.Context, req RegisterNFTRequest) (*NFTReceipt, error) {
	out := &NFTReceipt{}
	receipt, err := p.run(ctx, nativecommon.ModuleLending, "registerNft", req.Height, func(e *engines) error {
		nft, err := e.lending.RegisterNFT(req.NFTID, req.Owner)
		out.NFT = nft
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Receipt = receipt
	return out, nil
}

// SetLenderFloor stores the minimum borrower score a lender accepts.
func (p *Protocol) SetLenderFloor(ctx context.Context, req LenderFloorRequest) (*Receipt, error) {
	receipt, err := p.run(ctx, nativecommon.ModuleLending, "setLenderFloor", req.Height, func(e *engines) error {
		return e.lending.SetLenderFloor(req.Lender, req.Floor)
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (p *Protocol) loanOp(ctx context.Context, op string, height ledger.Height, fn func(*engines) (*types.Loan, *lending.Receipt, error)) (*LoanReceipt, error) {
	out := &LoanReceipt{}
	receipt, err := p.run(ctx, nativecommon.ModuleLending, op, height, func(e *engines) error {
		loan, settlement, err := fn(e)
		out.Loan, out.Settlement = loan, settlement
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Receipt = receipt
	return out, nil
}

func reload(e *engines, loanID string, settlement *lending.Receipt, err error) (*types.Loan, *lending.Receipt, error) {
	if err != nil {
		return nil, nil, err
	}
	loan, err := e.lending.Loan(loanID)
	return loan, settlement, err
}

// Deposit supplies liquidity and mints shares.
func (p *Protocol) Deposit(ctx context.Context, req PoolRequest) (*PoolReceipt, error) {
	return p.poolOp(ctx, "deposit", req.Height, req.Asset, func(e *engines, out *PoolReceipt) error {
		shares, err := e.pools.Deposit(req.Account, req.Asset, ledger.Copy(req.Amount))
		out.Amount = shares
		return err
	})
}

// Withdraw burns req.Amount shares and pays out what they are worth.
func (p *Protocol) Withdraw(ctx context.Context, req PoolRequest) (*PoolReceipt, error) {
	return p.poolOp(ctx, "withdraw", req.Height, req.Asset, func(e *engines, out *PoolReceipt) error {
		owed, err := e.pools.Withdraw(req.Account, req.Asset, ledger.Copy(req.Amount))
		out.Amount = owed
		return err
	})
}

// Borrow draws from the pool at the variable rate.
func (p *Protocol) Borrow(ctx context.Context, req PoolRequest) (*PoolReceipt, error) {
	return p.poolOp(ctx, "borrow", req.Height, req.Asset, func(e *engines, out *PoolReceipt) error {
		rate, err := e.pools.Borrow(req.Account, req.Asset, ledger.Copy(req.Amount))
		out.Amount, out.RateBps = ledger.Copy(req.Amount), rate
		return err
	})
}

// RepayPool repays variable-rate pool debt.
func (p *Protocol) RepayPool(ctx context.Context, req PoolRequest) (*PoolReceipt, error) {
	return p.poolOp(ctx, "repay", req.Height, req.Asset, func(e *engines, out *PoolReceipt) error {
		paid, err := e.pools.Repay(req.Account, req.Asset, ledger.Copy(req.Amount))
		out.Amount = paid
		return err
	})
}

// AccrueInterest advances the pool indexes to req.Height.
func (p *Protocol) AccrueInterest(ctx context.Context, req AccrueRequest) (*PoolReceipt, error) {
	return p.poolOp(ctx, "accrue", req.Height, req.Asset, func(e *engines, _ *PoolReceipt) error {
		_, err := e.pools.AccrueInterest(req.Asset)
		return err
	})
}

// WithdrawReserve pays reserve out of the pool; governance only.
func (p *Protocol) WithdrawReserve(ctx context.Context, req WithdrawReserveRequest) (*PoolReceipt, error) {
	return p.poolOp(ctx, "withdrawReserve", req.Height, req.Asset, func(e *engines, out *PoolReceipt) error {
		out.Amount = ledger.Copy(req.Amount)
		return e.pools.WithdrawReserve(req.Caller, req.Asset, req.Recipient, ledger.Copy(req.Amount))
	})
}

func (p *Protocol) poolOp(ctx context.Context, op string, height ledger.Height, asset string, fn func(*engines, *PoolReceipt) error) (*PoolReceipt, error) {
	out := &PoolReceipt{}
	receipt, err := p.run(ctx, nativecommon.ModulePool, op, height, func(e *engines) error {
		if err := fn(e, out); err != nil {
			return err
		}
		snapshot, err := e.pools.Snapshot(asset)
		out.Pool = snapshot
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Receipt = receipt
	p.publishPool(out.Pool)
	return out, nil
}

func (p *Protocol) publishPool(s *pool.Snapshot) {
	if s == nil {
		return
	}
	observability.Pools().RecordPool(s.Asset,
		uint64(decimalBps(s.Utilization)),
		uint64(decimalBps(s.BorrowAPR)),
		parseInt(s.TotalDeposited),
		parseInt(s.TotalBorrowed),
		parseInt(s.ReserveBalance))
}

// ExecuteFlash lends pool liquidity to req.Receiver for one callback. A
// receiver that does not return amount plus fee leaves no trace and yields
// FlashLoanNotRepaid.
func (p *Protocol) ExecuteFlash(ctx context.Context, req FlashRequest) (*FlashReceipt, error) {
	out := &FlashReceipt{}
	receipt, err := p.run(ctx, nativecommon.ModuleFlash, "execute", req.Height, func(e *engines) error {
		result, err := e.flash.ExecuteFlash(ctx, req.Target, req.Asset, ledger.Copy(req.Amount), req.Receiver)
		out.Result = result
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Receipt = receipt
	observability.Pools().RecordFlash(out.Result.Asset, out.Result.Amount, out.Result.Fee)
	return out, nil
}

func (p *Protocol) CreateDelegation(ctx context.Context, req CreateDelegationRequest) (*DelegationReceipt, error) {
	out := &DelegationReceipt{}
	receipt, err := p.run(ctx, nativecommon.ModuleDelegation, "create", req.Height, func(e *engines) error {
		d, err := e.delegation.CreateDelegation(req.Delegator, req.Delegatee, req.Asset, ledger.Copy(req.Limit), req.FeeBps, req.ExpiryBlock)
		out.Delegation = d
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Receipt = receipt
	return out, nil
}

// DrawDelegatedLoan opens a pool-funded loan for the delegatee.
func (p *Protocol) DrawDelegatedLoan(ctx context.Context, req DrawRequest) (*DelegationReceipt, error) {
	out := &DelegationReceipt{}
	receipt, err := p.run(ctx, nativecommon.ModuleDelegation, "draw", req.Height, func(e *engines) error {
		loan, err := e.delegation.DrawDelegatedLoan(req.DelegationID, req.Caller, ledger.Copy(req.Amount), req.RateBps, req.Duration)
		if err != nil {
			return err
		}
		out.Loan = loan
		out.Delegation, err = e.delegation.Delegation(req.DelegationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Receipt = receipt
	return out, nil
}

func (p *Protocol) RevokeDelegation(ctx context.Context, req RevokeRequest) (*DelegationReceipt, error) {
	out := &DelegationReceipt{}
	receipt, err := p.run(ctx, nativecommon.ModuleDelegation, "revoke", req.Height, func(e *engines) error {
		d, err := e.delegation.Revoke(req.DelegationID, req.Caller)
		out.Delegation = d
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Receipt = receipt
	return out, nil
}

// Fund credits req.Amount to an account.
func (p *Protocol) Fund(ctx context.Context, req FundRequest) (*FundReceipt, error) {
	out := &FundReceipt{}
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	receipt, err := p.run(ctx, "bank", "fund", req.Height, func(e *engines) error {
		if asset == "" || strings.TrimSpace(req.Account) == "" {
			return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "fund: account and asset required")
		}
		if err := ledger.ValidatePositive(req.Amount); err != nil {
			return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "fund: %v", err)
		}
		b := bank.New(e.tx)
		if err := b.Credit(asset, req.Account, req.Amount); err != nil {
			return err
		}
		e.events.Emit(events.Transfer{Asset: asset, To: req.Account, Amount: new(big.Int).Set(req.Amount)})
		balance, err := b.Balance(asset, req.Account)
		out.Balance = balance
		return err
	})
	if err != nil {
		return nil, err
	}
	out.Receipt = receipt
	return out, nil
}

// Account returns the reputation view of id at height.
func (p *Protocol) Account(ctx context.Context, height ledger.Height, id string) (*AccountView, error) {
	var view *AccountView
	err := p.view(ctx, height, func(e *engines) error {
		account, err := e.reputation.Account(id)
		if err != nil {
			return err
		}
		view = &AccountView{
			Account:         account,
			BorrowingLimit:  e.reputation.LimitFor(account),
			RecommendedRate: e.reputation.RateFor(account.Score),
			InCooldown:      account.InCooldown(height),
		}
		return nil
	})
	return view, err
}

// Loan returns the loan with its dues at height.
func (p *Protocol) Loan(ctx context.Context, height ledger.Height, id string) (*LoanView, error) {
	var view *LoanView
	err := p.view(ctx, height, func(e *engines) error {
		loan, err := e.lending.Loan(id)
		if err != nil {
			return err
		}
		view = loanView(e, loan)
		return nil
	})
	return view, err
}

// AccountLoans lists the loans id borrowed and lent, with dues at height and
// the account's lending stats.
func (p *Protocol) AccountLoans(ctx context.Context, height ledger.Height, id string) (*AccountLoansView, error) {
	var view *AccountLoansView
	err := p.view(ctx, height, func(e *engines) error {
		borrowed, err := e.lending.Borrowed(id)
		if err != nil {
			return err
		}
		lent, err := e.lending.Lent(id)
		if err != nil {
			return err
		}
		stats, err := e.lending.Stats(id)
		if err != nil {
			return err
		}
		view = &AccountLoansView{
			Borrowed: make([]*LoanView, 0, len(borrowed)),
			Lent:     make([]*LoanView, 0, len(lent)),
			Stats:    stats,
		}
		for _, loan := range borrowed {
			view.Borrowed = append(view.Borrowed, loanView(e, loan))
		}
		for _, loan := range lent {
			view.Lent = append(view.Lent, loanView(e, loan))
		}
		return nil
	})
	return view, err
}

// Stats returns the lending roll-up of id.
func (p *Protocol) Stats(ctx context.Context, height ledger.Height, id string) (*lending.Stats, error) {
	var stats *lending.Stats
	err := p.view(ctx, height, func(e *engines) error {
		var err error
		stats, err = e.lending.Stats(id)
		return err
	})
	return stats, err
}

func loanView(e *engines, loan *types.Loan) *LoanView {
	view := &LoanView{Loan: loan, InterestDue: big.NewInt(0), PrincipalDue: big.NewInt(0)}
	if loan.Status == types.LoanActive {
		view.InterestDue, view.PrincipalDue = e.lending.Owed(loan)
	}
	return view
}

// Pool renders the pool for asset as if accrued to height.
func (p *Protocol) Pool(ctx context.Context, height ledger.Height, asset string) (*pool.Snapshot, error) {
	var snapshot *pool.Snapshot
	err := p.view(ctx, height, func(e *engines) error {
		var err error
		snapshot, err = e.pools.Snapshot(asset)
		return err
	})
	return snapshot, err
}

// Position renders account's stake in the asset pool as if accrued to height.
func (p *Protocol) Position(ctx context.Context, height ledger.Height, asset, account string) (*pool.Holding, error) {
	var holding *pool.Holding
	err := p.view(ctx, height, func(e *engines) error {
		var err error
		holding, err = e.pools.Holding(asset, account)
		return err
	})
	return holding, err
}

func (p *Protocol) Delegation(ctx context.Context, height ledger.Height, id string) (*DelegationView, error) {
	var view *DelegationView
	err := p.view(ctx, height, func(e *engines) error {
		d, err := e.delegation.Delegation(id)
		if err != nil {
			return err
		}
		view, err = delegationView(e, d)
		return err
	})
	return view, err
}

// AccountDelegations lists the delegations id granted and received.
func (p *Protocol) AccountDelegations(ctx context.Context, height ledger.Height, id string) (*AccountDelegationsView, error) {
	var view *AccountDelegationsView
	err := p.view(ctx, height, func(e *engines) error {
		granted, err := e.delegation.GrantedBy(id)
		if err != nil {
			return err
		}
		received, err := e.delegation.GrantedTo(id)
		if err != nil {
			return err
		}
		view = &AccountDelegationsView{
			Granted:  make([]*DelegationView, 0, len(granted)),
			Received: make([]*DelegationView, 0, len(received)),
		}
		for _, d := range granted {
			v, err := delegationView(e, d)
			if err != nil {
				return err
			}
			view.Granted = append(view.Granted, v)
		}
		for _, d := range received {
			v, err := delegationView(e, d)
			if err != nil {
				return err
			}
			view.Received = append(view.Received, v)
		}
		return nil
	})
	return view, err
}

func delegationView(e *engines, d *types.Delegation) (*DelegationView, error) {
	loans, err := e.delegation.Loans(d.ID)
	if err != nil {
		return nil, err
	}
	return &DelegationView{Delegation: d, Usable: e.delegation.Usable(d), Loans: loans}, nil
}

func (p *Protocol) Balance(ctx context.Context, asset, id string) (*big.Int, error) {
	var balance *big.Int
	err := p.view(ctx, 0, func(e *engines) error {
		var err error
		balance, err = e.tx.Balance(strings.ToUpper(strings.TrimSpace(asset)), id)
		return err
	})
	return balance, err
}
