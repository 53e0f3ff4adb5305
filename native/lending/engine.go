// Package lending implements the loan state machine: bilateral loans secured
// by fungible collateral or an escrowed NFT, and pool-funded loans drawn
// against a credit delegation.
package lending

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/google/uuid"

	coreerrors "bittrust/core/errors"
	"bittrust/core/events"
	"bittrust/core/ledger"
	"bittrust/core/types"
	"bittrust/native/bank"
	nativecommon "bittrust/native/common"
	"bittrust/native/reputation"
	"bittrust/observability/logging"
)

var errNilState = errors.New("lending engine: state not configured")

const moduleName = nativecommon.ModuleLending

const loanSequence = "loan"

// Idempotency records are scoped by operation.
const (
	opAccept    = "accept"
	opRepay     = "repay"
	opLiquidate = "liquidate"
	opExpire    = "expire"
)

var loanNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("bittrust:loan"))

type engineState interface {
	Loan(id string) (*types.Loan, error)
	PutLoan(loan *types.Loan) error
	LoansOf(borrower string) ([]string, error)
	LoansFundedBy(lender string) ([]string, error)
	LoanOp(loanID, op string, seq uint64, out interface{}) (bool, error)
	PutLoanOp(loanID, op string, seq uint64, record interface{}) error
	LenderFloor(lender string) (uint64, bool, error)
	PutLenderFloor(lender string, floor uint64) error
	NFT(id string) (*types.NFT, error)
	PutNFT(nft *types.NFT) error
	NextSequence(name string) (uint64, error)
	Balance(asset, id string) (*big.Int, error)
	SetBalance(asset, id string, amount *big.Int) error
}

type scorer interface {
	Account(id string) (*types.Account, error)
	Touch(id string) (*types.Account, error)
	LimitFor(account *types.Account) *big.Int
	RecordOutcome(id string, outcome reputation.Outcome, amount *big.Int) (*types.Account, error)
}

type liquidity interface {
	Account(asset string) string
	Disburse(asset, recipient string, amount *big.Int) error
	Settle(asset, payer string, principal, interest *big.Int) error
	WriteOff(asset string, amount *big.Int) error
}

// Engine orchestrates the loan lifecycle.
type Engine struct {
	state     engineState
	bank      *bank.Bank
	params    Params
	height    ledger.Height
	scores    scorer
	pools     liquidity
	guarantor Guarantor
	emitter   events.Emitter
	pauses    nativecommon.PauseView
	logger    *slog.Logger
}

// NewEngine constructs a loan engine.
func NewEngine(params Params) *Engine {
	return &Engine{params: params, emitter: events.NoopEmitter{}, logger: slog.Default()}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) {
	e.state = state
	if state == nil {
		e.bank = nil
		return
	}
	e.bank = bank.New(state)
}

func (e *Engine) SetBlockHeight(height ledger.Height) { e.height = height }

// SetReputation wires the score source and outcome sink.
func (e *Engine) SetReputation(s scorer) { e.scores = s }

// SetPools wires the liquidity pools that fund delegated loans.
func (e *Engine) SetPools(p liquidity) { e.pools = p }

// SetGuarantor wires the delegation engine.
func (e *Engine) SetGuarantor(g Guarantor) { e.guarantor = g }

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Params returns the active risk settings.
func (e *Engine) Params() Params { return e.params }

// SetLenderFloor records the minimum borrower score lender accepts.
func (e *Engine) SetLenderFloor(lender string, floor uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(lender) == "" {
		return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "lending: lender required")
	}
	return e.state.PutLenderFloor(lender, floor)
}

// RegisterNFT records custody of an NFT for owner so that it can later be
// pledged. Metadata stays with the external NFT registry.
func (e *Engine) RegisterNFT(id, owner string) (*types.NFT, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	id, owner = strings.TrimSpace(id), strings.TrimSpace(owner)
	if id == "" || owner == "" {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "lending: nft id and owner required")
	}
	existing, err := e.state.NFT(id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "lending: nft %s already registered", id)
	}
	nft := &types.NFT{ID: id, Owner: owner}
	if err := e.state.PutNFT(nft); err != nil {
		return nil, err
	}
	return nft, nil
}

// Loan returns the loan with id.
func (e *Engine) Loan(id string) (*types.Loan, error) {
	if e.state == nil {
		return nil, errNilState
	}
	loan, err := e.state.Loan(id)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, coreerrors.Wrap(coreerrors.ErrNotFound, "lending: loan %s", id)
	}
	return loan, nil
}

// Owed returns the interest and principal still due at the engine height.
func (e *Engine) Owed(loan *types.Loan) (interest, principal *big.Int) {
	elapsed := ledger.NewClock(e.height).Elapsed(loan.StartBlock)
	accrued := ledger.SimpleInterest(loan.Principal, loan.RateBps, elapsed, e.params.BlocksPerYear)
	return ledger.SubFloor(accrued, loan.InterestPaid), loan.OutstandingPrincipal()
}

// Borrowed lists the loans account requested or drew, oldest first.
func (e *Engine) Borrowed(account string) ([]*types.Loan, error) {
	if e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.LoansOf(strings.TrimSpace(account))
	if err != nil {
		return nil, err
	}
	return e.loadAll(ids)
}

// Lent lists the loans offered to or funded by account, oldest first.
func (e *Engine) Lent(account string) ([]*types.Loan, error) {
	if e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.LoansFundedBy(strings.TrimSpace(account))
	if err != nil {
		return nil, err
	}
	return e.loadAll(ids)
}

func (e *Engine) loadAll(ids []string) ([]*types.Loan, error) {
	loans := make([]*types.Loan, 0, len(ids))
	for _, id := range ids {
		loan, err := e.Loan(id)
		if err != nil {
			return nil, err
		}
		loans = append(loans, loan)
	}
	return loans, nil
}

// Stats rolls up the loan history of account on both sides of the book.
func (e *Engine) Stats(account string) (*Stats, error) {
	borrowed, err := e.Borrowed(account)
	if err != nil {
		return nil, err
	}
	lent, err := e.Lent(account)
	if err != nil {
		return nil, err
	}
	stats := newStats()
	for _, loan := range borrowed {
		if loan.Status == types.LoanPending {
			continue
		}
		stats.TotalBorrowed.Add(stats.TotalBorrowed, loan.Principal)
		stats.TotalRepaid.Add(stats.TotalRepaid, loan.Repaid)
		switch loan.Status {
		case types.LoanActive:
			stats.ActiveBorrowed++
		case types.LoanDefaulted, types.LoanLiquidated:
			stats.Defaults++
		}
	}
	for _, loan := range lent {
		if loan.Status == types.LoanPending {
			continue
		}
		stats.TotalLent.Add(stats.TotalLent, loan.Principal)
		if loan.Status == types.LoanActive {
			stats.ActiveLent++
		}
	}
	return stats, nil
}

// RequestLoan records a Pending loan offer from borrower. It activates when
// the lender accepts it.
func (e *Engine) RequestLoan(terms Terms) (*types.Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	loan, err := e.newLoan(terms)
	if err != nil {
		return nil, err
	}
	if ledger.RatioBelow(loan.Collateral, loan.Principal, loan.MinCollateralPct) {
		return nil, insufficientCollateral(loan)
	}
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.LoanTransition{
		Type:     events.TypeLoanRequested,
		LoanID:   loan.ID,
		Lender:   loan.Lender,
		Borrower: loan.Borrower,
		Amount:   loan.Principal,
		Status:   loan.Status,
	})
	return loan, nil
}

// AcceptLoan funds a Pending loan. An open request (no lender named) may be
// accepted by anyone other than the borrower.
func (e *Engine) AcceptLoan(loanID, lender string, seq uint64) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if replay, ok, err := e.replay(loanID, opAccept, seq); err != nil || ok {
		return replay, err
	}
	loan, err := e.Loan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != types.LoanPending {
		return nil, coreerrors.Wrap(coreerrors.ErrLoanNotActive, "lending: loan %s is %s", loan.ID, loan.Status)
	}
	lender = strings.TrimSpace(lender)
	if loan.Lender != "" && loan.Lender != lender {
		return nil, coreerrors.Wrap(coreerrors.ErrUnauthorized, "lending: loan %s is offered to %s", loan.ID, loan.Lender)
	}
	if lender == "" || lender == loan.Borrower {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "lending: lender must differ from borrower")
	}
	loan.Lender = lender
	if err := e.activate(loan); err != nil {
		return nil, err
	}
	return e.record(loan, opAccept, seq, newReceipt(loan))
}

// CreateLoan opens and funds a loan in one step.
func (e *Engine) CreateLoan(terms Terms) (*types.Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	loan, err := e.newLoan(terms)
	if err != nil {
		return nil, err
	}
	if loan.Lender == "" {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "lending: lender required")
	}
	if err := e.activate(loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// CreateNFTLoan opens and funds a loan secured by an NFT held by the borrower.
func (e *Engine) CreateNFTLoan(terms NFTTerms) (*types.Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := validAmount(terms.AppraisedValue); err != nil {
		return nil, err
	}
	nft, err := e.state.NFT(strings.TrimSpace(terms.NFTID))
	if err != nil {
		return nil, err
	}
	if nft == nil {
		return nil, coreerrors.Wrap(coreerrors.ErrNotFound, "lending: nft %s", terms.NFTID)
	}
	if nft.Owner != strings.TrimSpace(terms.Borrower) {
		return nil, coreerrors.Wrap(coreerrors.ErrUnauthorized, "lending: nft %s not held by %s", nft.ID, terms.Borrower)
	}
	rate := terms.Rate
	if rate == 0 {
		rate = e.params.NFTDefaultRate
	}
	loan, err := e.newLoan(Terms{
		Lender:     terms.Lender,
		Borrower:   terms.Borrower,
		Asset:      terms.Asset,
		Principal:  terms.Principal,
		Collateral: big.NewInt(0),
		Rate:       rate,
		Duration:   terms.Duration,
	})
	if err != nil {
		return nil, err
	}
	if loan.Lender == "" {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "lending: lender required")
	}
	loan.CollateralNFT = nft.ID
	loan.CollateralValue = ledger.Copy(terms.AppraisedValue)
	loan.MinCollateralPct = ledger.Percent(100 * ledger.BasisPoints / uint64(e.params.NFTMaxLTV))
	loan.LiquidationPct = e.params.NFTLiquidationRatio
	if loan.Principal.Cmp(ledger.MulBps(loan.CollateralValue, e.params.NFTMaxLTV)) > 0 {
		return nil, coreerrors.Wrap(coreerrors.ErrInsufficientCollateral,
			"lending: principal %s above %d bps of appraised %s", loan.Principal, e.params.NFTMaxLTV, loan.CollateralValue)
	}
	if err := e.activate(loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// OpenPoolLoan funds a loan out of the asset's pool on behalf of a delegation.
// The delegatee posts no collateral; the guarantor's delegation backs it.
func (e *Engine) OpenPoolLoan(terms PoolTerms) (*types.Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.pools == nil {
		return nil, coreerrors.Wrap(coreerrors.ErrInternal, "lending: pools not configured")
	}
	loan, err := e.newLoan(Terms{
		Lender:     e.pools.Account(terms.Asset),
		Borrower:   terms.Borrower,
		Asset:      terms.Asset,
		Principal:  terms.Principal,
		Collateral: big.NewInt(0),
		Rate:       terms.Rate,
		Duration:   terms.Duration,
	})
	if err != nil {
		return nil, err
	}
	loan.PoolFunded = true
	loan.Guarantor = terms.Guarantor
	loan.DelegationID = terms.DelegationID
	loan.MinCollateralPct = 0

	borrower, err := e.scores.Touch(loan.Borrower)
	if err != nil {
		return nil, err
	}
	if borrower.InCooldown(e.height) {
		return nil, coreerrors.Wrap(coreerrors.ErrReputationTooLow, "lending: %s cooling down until %d", borrower.ID, borrower.CooldownUntil)
	}
	if err := e.pools.Disburse(loan.Asset, loan.Borrower, loan.Principal); err != nil {
		return nil, err
	}
	loan.Status = types.LoanActive
	loan.StartBlock = e.height
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	e.emitTransition(events.TypeLoanActivated, loan, loan.Principal)
	return loan, nil
}

// Repay applies amount from payer: accrued interest first, then principal.
// Anything above the amount owed is left with the payer and reported as the
// refund. A full repayment closes the loan and releases its collateral.
func (e *Engine) Repay(loanID, payer string, amount *big.Int, seq uint64) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := validPositive(amount); err != nil {
		return nil, err
	}
	if replay, ok, err := e.replay(loanID, opRepay, seq); err != nil || ok {
		return replay, err
	}
	loan, err := e.activeLoan(loanID)
	if err != nil {
		return nil, err
	}
	payer = strings.TrimSpace(payer)
	if payer == "" {
		payer = loan.Borrower
	}

	interestDue, principalDue := e.Owed(loan)
	toInterest := ledger.Min(amount, interestDue)
	toPrincipal := ledger.Min(new(big.Int).Sub(amount, toInterest), principalDue)
	paid := new(big.Int).Add(toInterest, toPrincipal)
	receipt := newReceipt(loan)
	receipt.Interest = toInterest
	receipt.Principal = toPrincipal
	receipt.Refund = new(big.Int).Sub(amount, paid)

	if loan.PoolFunded {
		fee := big.NewInt(0)
		if loan.Delegated() && e.guarantor != nil {
			fee, err = e.guarantor.SettleRepayment(loan, toPrincipal, toInterest)
			if err != nil {
				return nil, err
			}
			fee = ledger.Min(fee, toInterest)
		}
		if fee.Sign() > 0 {
			if err := e.bank.Transfer(loan.Asset, payer, loan.Guarantor, fee); err != nil {
				return nil, err
			}
		}
		if err := e.pools.Settle(loan.Asset, payer, toPrincipal, new(big.Int).Sub(toInterest, fee)); err != nil {
			return nil, err
		}
		receipt.Fee = fee
	} else if err := e.bank.Transfer(loan.Asset, payer, loan.Lender, paid); err != nil {
		return nil, err
	}

	loan.Repaid = new(big.Int).Add(loan.Repaid, paid)
	loan.InterestPaid = new(big.Int).Add(loan.InterestPaid, toInterest)
	loan.PrincipalPaid = new(big.Int).Add(loan.PrincipalPaid, toPrincipal)
	e.emitter.Emit(events.LoanRepayment{
		LoanID:    loan.ID,
		Payer:     payer,
		Interest:  toInterest,
		Principal: toPrincipal,
		Refund:    receipt.Refund,
		Fee:       receipt.Fee,
	})

	if toInterest.Cmp(interestDue) == 0 && toPrincipal.Cmp(principalDue) == 0 {
		if err := e.release(loan, loan.Borrower); err != nil {
			return nil, err
		}
		outcome := reputation.OutcomeRepaid
		if ledger.NewClock(e.height).After(loan.Deadline()) {
			outcome = reputation.OutcomeRepaidLate
		}
		e.close(loan, types.LoanRepaid)
		if _, err := e.scores.RecordOutcome(loan.Borrower, outcome, loan.Principal); err != nil {
			return nil, err
		}
		e.emitTransition(events.TypeLoanRepaid, loan, loan.Repaid)
	}
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	receipt.Status = loan.Status
	return e.record(loan, opRepay, seq, receipt)
}

// CheckLiquidation liquidates the loan when value*100 falls below the
// outstanding principal times the liquidation ratio. Accrued interest does not
// count toward the threshold. Collateral goes to the lender.
func (e *Engine) CheckLiquidation(loanID string, value *big.Int, seq uint64) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := validAmount(value); err != nil {
		return nil, err
	}
	if replay, ok, err := e.replay(loanID, opLiquidate, seq); err != nil || ok {
		return replay, err
	}
	loan, err := e.activeLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.CollateralNFT == "" && loan.Collateral.Sign() == 0 {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "lending: loan %s carries no collateral", loan.ID)
	}
	_, principalDue := e.Owed(loan)
	receipt := newReceipt(loan)
	if !ledger.RatioBelow(value, principalDue, loan.LiquidationPct) {
		return e.record(loan, opLiquidate, seq, receipt)
	}

	if err := e.fail(loan, types.LoanLiquidated, principalDue); err != nil {
		return nil, err
	}
	e.logger.Info("loan liquidated",
		slog.String("loan", loan.ID),
		slog.String("collateralValue", value.String()),
		slog.String("principalDue", principalDue.String()))
	receipt.Status = loan.Status
	receipt.Triggered = true
	return e.record(loan, opLiquidate, seq, receipt)
}

// Expire defaults a loan whose deadline has passed.
func (e *Engine) Expire(loanID string, seq uint64) (*Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if replay, ok, err := e.replay(loanID, opExpire, seq); err != nil || ok {
		return replay, err
	}
	loan, err := e.activeLoan(loanID)
	if err != nil {
		return nil, err
	}
	if !ledger.NewClock(e.height).After(loan.Deadline()) {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "lending: loan %s due at block %d", loan.ID, loan.Deadline())
	}
	_, principalDue := e.Owed(loan)
	if err := e.fail(loan, types.LoanDefaulted, principalDue); err != nil {
		return nil, err
	}
	e.logger.Info("loan defaulted",
		slog.String("loan", loan.ID),
		logging.MaskField("borrower", loan.Borrower),
		slog.Uint64("deadline", uint64(loan.Deadline())))
	receipt := newReceipt(loan)
	receipt.Status = loan.Status
	receipt.Triggered = true
	return e.record(loan, opExpire, seq, receipt)
}

func (e *Engine) newLoan(terms Terms) (*types.Loan, error) {
	borrower := strings.TrimSpace(terms.Borrower)
	lender := strings.TrimSpace(terms.Lender)
	asset := strings.ToUpper(strings.TrimSpace(terms.Asset))
	if borrower == "" || asset == "" {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "lending: borrower and asset required")
	}
	if lender == borrower {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "lending: lender must differ from borrower")
	}
	if err := validPositive(terms.Principal); err != nil {
		return nil, err
	}
	collateral := ledger.Copy(terms.Collateral)
	if err := validAmount(collateral); err != nil {
		return nil, err
	}
	if err := terms.Rate.Validate(); err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "%v", err)
	}
	if terms.Duration == 0 {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "lending: duration must be positive")
	}
	minRatio := terms.MinCollateral
	if minRatio == 0 {
		minRatio = e.params.DefaultMinCollateral
	}
	seq, err := e.state.NextSequence(loanSequence)
	if err != nil {
		return nil, err
	}
	return &types.Loan{
		ID:               uuid.NewSHA1(loanNamespace, []byte(fmt.Sprintf("%d", seq))).String(),
		Lender:           lender,
		Borrower:         borrower,
		Asset:            asset,
		Principal:        new(big.Int).Set(terms.Principal),
		Collateral:       collateral,
		CollateralValue:  new(big.Int).Set(collateral),
		RateBps:          terms.Rate,
		StartBlock:       e.height,
		DurationBlocks:   terms.Duration,
		MinCollateralPct: minRatio,
		LiquidationPct:   e.params.LiquidationRatio,
		Repaid:           big.NewInt(0),
		InterestPaid:     big.NewInt(0),
		PrincipalPaid:    big.NewInt(0),
		Status:           types.LoanPending,
	}, nil
}

// activate runs the admission checks, moves funds and collateral, and marks
// the loan Active.
func (e *Engine) activate(loan *types.Loan) error {
	if loan.CollateralNFT == "" && ledger.RatioBelow(loan.Collateral, loan.Principal, loan.MinCollateralPct) {
		return insufficientCollateral(loan)
	}
	borrower, err := e.scores.Touch(loan.Borrower)
	if err != nil {
		return err
	}
	floor, ok, err := e.state.LenderFloor(loan.Lender)
	if err != nil {
		return err
	}
	if !ok {
		floor = e.params.DefaultLenderFloor
	}
	if borrower.Score < floor {
		return coreerrors.Wrap(coreerrors.ErrReputationTooLow, "lending: score %d below lender floor %d", borrower.Score, floor)
	}
	if borrower.InCooldown(e.height) {
		return coreerrors.Wrap(coreerrors.ErrReputationTooLow, "lending: %s cooling down until %d", borrower.ID, borrower.CooldownUntil)
	}
	if e.params.EnforceBorrowingLimit {
		if limit := e.scores.LimitFor(borrower); loan.Principal.Cmp(limit) > 0 {
			return coreerrors.Wrap(coreerrors.ErrReputationTooLow, "lending: principal %s above borrowing limit %s", loan.Principal, limit)
		}
	}

	if err := e.bank.Transfer(loan.Asset, loan.Lender, loan.Borrower, loan.Principal); err != nil {
		return err
	}
	if loan.CollateralNFT != "" {
		if err := e.moveNFT(loan.CollateralNFT, loan.Borrower, e.params.EscrowAccount); err != nil {
			return err
		}
	} else if err := e.bank.Transfer(loan.Asset, loan.Borrower, e.params.EscrowAccount, loan.Collateral); err != nil {
		return err
	}

	loan.Status = types.LoanActive
	loan.StartBlock = e.height
	if err := e.state.PutLoan(loan); err != nil {
		return err
	}
	e.emitTransition(events.TypeLoanActivated, loan, loan.Principal)
	return nil
}

// fail closes loan as Defaulted or Liquidated: collateral goes to the lender,
// pool-funded principal is written off and the borrower is penalised.
func (e *Engine) fail(loan *types.Loan, status types.LoanStatus, outstanding *big.Int) error {
	if loan.PoolFunded {
		if err := e.pools.WriteOff(loan.Asset, outstanding); err != nil {
			return err
		}
		if loan.Delegated() && e.guarantor != nil {
			if err := e.guarantor.SettleDefault(loan, outstanding); err != nil {
				return err
			}
		}
	}
	if err := e.release(loan, loan.Lender); err != nil {
		return err
	}
	e.close(loan, status)
	if _, err := e.scores.RecordOutcome(loan.Borrower, reputation.OutcomeDefaulted, loan.Principal); err != nil {
		return err
	}
	if err := e.state.PutLoan(loan); err != nil {
		return err
	}
	eventType := events.TypeLoanDefaulted
	if status == types.LoanLiquidated {
		eventType = events.TypeLoanLiquidated
	}
	e.emitTransition(eventType, loan, outstanding)
	return nil
}

// release hands the escrowed collateral to recipient.
func (e *Engine) release(loan *types.Loan, recipient string) error {
	if loan.CollateralNFT != "" {
		return e.moveNFT(loan.CollateralNFT, e.params.EscrowAccount, recipient)
	}
	return e.bank.Transfer(loan.Asset, e.params.EscrowAccount, recipient, loan.Collateral)
}

func (e *Engine) moveNFT(id, from, to string) error {
	nft, err := e.state.NFT(id)
	if err != nil {
		return err
	}
	if nft == nil {
		return coreerrors.Wrap(coreerrors.ErrNotFound, "lending: nft %s", id)
	}
	if nft.Owner != from {
		return coreerrors.Wrap(coreerrors.ErrUnauthorized, "lending: nft %s held by %s, not %s", id, nft.Owner, from)
	}
	nft.Owner = to
	return e.state.PutNFT(nft)
}

func (e *Engine) close(loan *types.Loan, status types.LoanStatus) {
	loan.Status = status
	loan.ClosedBlock = e.height
}

func (e *Engine) activeLoan(id string) (*types.Loan, error) {
	loan, err := e.Loan(id)
	if err != nil {
		return nil, err
	}
	if loan.Status != types.LoanActive {
		return nil, coreerrors.Wrap(coreerrors.ErrLoanNotActive, "lending: loan %s is %s", loan.ID, loan.Status)
	}
	return loan, nil
}

// replay returns the stored receipt of (loanID, op, seq). Seq zero opts out.
func (e *Engine) replay(loanID, op string, seq uint64) (*Receipt, bool, error) {
	if seq == 0 {
		return nil, false, nil
	}
	receipt := new(Receipt)
	ok, err := e.state.LoanOp(loanID, op, seq, receipt)
	if err != nil || !ok {
		return nil, false, err
	}
	return receipt, true, nil
}

func (e *Engine) record(loan *types.Loan, op string, seq uint64, receipt *Receipt) (*Receipt, error) {
	if seq > 0 {
		if err := e.state.PutLoanOp(loan.ID, op, seq, receipt); err != nil {
			return nil, err
		}
	}
	return receipt, nil
}

func (e *Engine) emitTransition(eventType string, loan *types.Loan, amount *big.Int) {
	e.emitter.Emit(events.LoanTransition{
		Type:     eventType,
		LoanID:   loan.ID,
		Lender:   loan.Lender,
		Borrower: loan.Borrower,
		Amount:   amount,
		Status:   loan.Status,
	})
}

func (e *Engine) ready() error {
	if e.state == nil {
		return errNilState
	}
	if e.scores == nil {
		return coreerrors.Wrap(coreerrors.ErrInternal, "lending: reputation not configured")
	}
	return nativecommon.Guard(e.pauses, moduleName)
}

func insufficientCollateral(loan *types.Loan) error {
	return coreerrors.Wrap(coreerrors.ErrInsufficientCollateral,
		"lending: collateral %s below %d%% of principal %s", loan.Collateral, loan.MinCollateralPct, loan.Principal)
}

func validAmount(amount *big.Int) error {
	if err := ledger.ValidateAmount(amount); err != nil {
		return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "lending: %v", err)
	}
	return nil
}

func validPositive(amount *big.Int) error {
	if err := ledger.ValidatePositive(amount); err != nil {
		return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "lending: %v", err)
	}
	return nil
}
