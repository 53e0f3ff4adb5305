// Package pool implements the per-asset liquidity pools: share accounting for
// depositors, index-based variable borrowing, the kinked rate curve and the
// governance-owned reserve.
package pool

import (
	"errors"
	"log/slog"
	"math/big"
	"strings"

	coreerrors "bittrust/core/errors"
	"bittrust/core/events"
	"bittrust/core/ledger"
	"bittrust/core/types"
	"bittrust/native/bank"
	nativecommon "bittrust/native/common"
)

var errNilState = errors.New("pool engine: state not configured")

const moduleName = nativecommon.ModulePool

type engineState interface {
	Pool(asset string) (*types.Pool, error)
	PutPool(pool *types.Pool) error
	PoolPosition(asset, account string) (*types.PoolPosition, error)
	PutPoolPosition(pos *types.PoolPosition) error
	Balance(asset, id string) (*big.Int, error)
	SetBalance(asset, id string, amount *big.Int) error
}

// limiter caps the outstanding pool debt of an account.
type limiter interface {
	BorrowingLimit(id string) (*big.Int, error)
}

// Params configures the pools.
type Params struct {
	Assets         []string
	UtilizationCap ledger.Bps
	ReserveFactor  ledger.Bps
	BlocksPerYear  uint64
	AccountPrefix  string
	Governance     string
}

// Engine orchestrates the state transitions of every pool.
type Engine struct {
	state   engineState
	bank    *bank.Bank
	params  Params
	model   *InterestModel
	height  ledger.Height
	emitter events.Emitter
	pauses  nativecommon.PauseView
	limiter limiter
	logger  *slog.Logger
}

// NewEngine constructs a pool engine priced by model.
func NewEngine(params Params, model *InterestModel) *Engine {
	return &Engine{
		params:  params,
		model:   model.Clone(),
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
	}
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

// SetBlockHeight records the block height used when computing accrual deltas.
func (e *Engine) SetBlockHeight(height ledger.Height) { e.height = height }

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetLimiter gates direct pool borrowing by the account's borrowing limit.
func (e *Engine) SetLimiter(l limiter) { e.limiter = l }

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Model returns a copy of the rate curve.
func (e *Engine) Model() *InterestModel { return e.model.Clone() }

// Account returns the module account that holds the asset's liquidity.
func (e *Engine) Account(asset string) string {
	return e.params.AccountPrefix + normalize(asset)
}

// Supported reports whether asset has a pool.
func (e *Engine) Supported(asset string) bool {
	asset = normalize(asset)
	for _, candidate := range e.params.Assets {
		if normalize(candidate) == asset {
			return true
		}
	}
	return false
}

// Pool loads the pool for asset, creating an unsaved empty pool the first
// time a configured asset is touched.
func (e *Engine) Pool(asset string) (*types.Pool, error) {
	if e.state == nil {
		return nil, errNilState
	}
	asset = normalize(asset)
	if !e.Supported(asset) {
		return nil, coreerrors.Wrap(coreerrors.ErrNotFound, "pool: no pool for asset %q", asset)
	}
	p, err := e.state.Pool(asset)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &types.Pool{
			Asset:            asset,
			TotalDeposited:   big.NewInt(0),
			TotalBorrowed:    big.NewInt(0),
			ReserveBalance:   big.NewInt(0),
			TotalShares:      big.NewInt(0),
			SupplyIndex:      ledger.NewRay(),
			BorrowIndex:      ledger.NewRay(),
			LastAccrualBlock: e.height,
			LoanPrincipal:    big.NewInt(0),
		}
	}
	fillPool(p)
	return p, nil
}

// Position returns the account's position, zeroed when absent.
func (e *Engine) Position(asset, account string) (*types.PoolPosition, error) {
	if e.state == nil {
		return nil, errNilState
	}
	pos, err := e.state.PoolPosition(normalize(asset), account)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &types.PoolPosition{
			Asset:      normalize(asset),
			Account:    account,
			Shares:     big.NewInt(0),
			ScaledDebt: big.NewInt(0),
		}
	}
	return pos, nil
}

// Debt returns the account's current variable debt including accrued interest.
func (e *Engine) Debt(asset, account string) (*big.Int, error) {
	p, err := e.accrued(asset)
	if err != nil {
		return nil, err
	}
	pos, err := e.Position(asset, account)
	if err != nil {
		return nil, err
	}
	return ledger.RayMul(pos.ScaledDebt, p.BorrowIndex), nil
}

// Deposit transfers amount from account into the pool and mints shares at the
// current supply index.
func (e *Engine) Deposit(account, asset string, amount *big.Int) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if err := validPositive(amount); err != nil {
		return nil, err
	}
	p, err := e.accrued(asset)
	if err != nil {
		return nil, err
	}
	shares := ledger.RayDivDown(amount, p.SupplyIndex)
	if shares.Sign() == 0 {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "pool: deposit of %s mints no shares", amount)
	}
	if err := e.bank.Transfer(p.Asset, account, e.Account(p.Asset), amount); err != nil {
		return nil, err
	}
	pos, err := e.Position(p.Asset, account)
	if err != nil {
		return nil, err
	}
	pos.Shares = new(big.Int).Add(pos.Shares, shares)
	p.TotalShares = new(big.Int).Add(p.TotalShares, shares)
	p.TotalDeposited = new(big.Int).Add(p.TotalDeposited, amount)

	if err := e.persist(p, pos); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.PoolActivity{Type: events.TypePoolDeposit, Asset: p.Asset, Account: account, Amount: amount, Shares: shares})
	return shares, nil
}

// Withdraw burns shares and pays out shares*SupplyIndex. Only liquidity that is
// neither lent out nor reserved may leave.
func (e *Engine) Withdraw(account, asset string, shares *big.Int) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if err := validPositive(shares); err != nil {
		return nil, err
	}
	p, err := e.accrued(asset)
	if err != nil {
		return nil, err
	}
	pos, err := e.Position(p.Asset, account)
	if err != nil {
		return nil, err
	}
	if pos.Shares.Cmp(shares) < 0 {
		return nil, coreerrors.Wrap(coreerrors.ErrInsufficientBalance, "pool: %s holds %s shares, asked %s", account, pos.Shares, shares)
	}
	owed := ledger.RayMulDown(shares, p.SupplyIndex)
	if available := p.Available(); available.Cmp(owed) < 0 {
		return nil, coreerrors.Wrap(coreerrors.ErrInsufficientLiquidity, "pool %s: %s available, %s owed", p.Asset, available, owed)
	}
	if err := e.bank.Transfer(p.Asset, e.Account(p.Asset), account, owed); err != nil {
		return nil, err
	}
	pos.Shares = new(big.Int).Sub(pos.Shares, shares)
	p.TotalShares = new(big.Int).Sub(p.TotalShares, shares)
	p.TotalDeposited = new(big.Int).Sub(p.TotalDeposited, owed)

	if err := e.persist(p, pos); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.PoolActivity{Type: events.TypePoolWithdraw, Asset: p.Asset, Account: account, Amount: owed, Shares: shares})
	return owed, nil
}

// Borrow lends amount at the variable rate and returns the rate charged after
// the draw.
func (e *Engine) Borrow(account, asset string, amount *big.Int) (ledger.Bps, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	if err := validPositive(amount); err != nil {
		return 0, err
	}
	p, err := e.accrued(asset)
	if err != nil {
		return 0, err
	}
	if err := e.CheckCapacity(p, amount); err != nil {
		return 0, err
	}
	pos, err := e.Position(p.Asset, account)
	if err != nil {
		return 0, err
	}
	if e.limiter != nil {
		limit, err := e.limiter.BorrowingLimit(account)
		if err != nil {
			return 0, err
		}
		debt := new(big.Int).Add(ledger.RayMul(pos.ScaledDebt, p.BorrowIndex), amount)
		if debt.Cmp(limit) > 0 {
			return 0, coreerrors.Wrap(coreerrors.ErrReputationTooLow, "pool: debt %s above borrowing limit %s", debt, limit)
		}
	}
	if err := e.bank.Transfer(p.Asset, e.Account(p.Asset), account, amount); err != nil {
		return 0, err
	}
	pos.ScaledDebt = new(big.Int).Add(pos.ScaledDebt, ledger.RayDiv(amount, p.BorrowIndex))
	p.TotalBorrowed = new(big.Int).Add(p.TotalBorrowed, amount)

	if err := e.persist(p, pos); err != nil {
		return 0, err
	}
	rate := ToBps(e.model.BorrowAPR(p.TotalBorrowed, p.TotalDeposited))
	e.emitter.Emit(events.PoolActivity{Type: events.TypePoolBorrow, Asset: p.Asset, Account: account, Amount: amount, RateBps: uint64(rate)})
	return rate, nil
}

// Repay pays down the account's variable debt and returns the amount applied.
// Payments above the debt are not taken.
func (e *Engine) Repay(account, asset string, amount *big.Int) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if err := validPositive(amount); err != nil {
		return nil, err
	}
	p, err := e.accrued(asset)
	if err != nil {
		return nil, err
	}
	pos, err := e.Position(p.Asset, account)
	if err != nil {
		return nil, err
	}
	debt := ledger.RayMul(pos.ScaledDebt, p.BorrowIndex)
	if debt.Sign() == 0 {
		return nil, coreerrors.Wrap(coreerrors.ErrNotFound, "pool: %s has no debt in %s", account, p.Asset)
	}
	paid := ledger.Min(amount, debt)
	if err := e.bank.Transfer(p.Asset, account, e.Account(p.Asset), paid); err != nil {
		return nil, err
	}
	if paid.Cmp(debt) == 0 {
		pos.ScaledDebt = big.NewInt(0)
	} else {
		pos.ScaledDebt = ledger.SubFloor(pos.ScaledDebt, ledger.RayDivDown(paid, p.BorrowIndex))
	}
	p.TotalBorrowed = ledger.SubFloor(p.TotalBorrowed, paid)

	if err := e.persist(p, pos); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.PoolActivity{Type: events.TypePoolRepay, Asset: p.Asset, Account: account, Amount: paid})
	return paid, nil
}

// Disburse funds a fixed-rate loan out of the pool.
func (e *Engine) Disburse(asset, recipient string, amount *big.Int) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := validPositive(amount); err != nil {
		return err
	}
	p, err := e.accrued(asset)
	if err != nil {
		return err
	}
	if err := e.CheckCapacity(p, amount); err != nil {
		return err
	}
	if err := e.bank.Transfer(p.Asset, e.Account(p.Asset), recipient, amount); err != nil {
		return err
	}
	p.TotalBorrowed = new(big.Int).Add(p.TotalBorrowed, amount)
	p.LoanPrincipal = new(big.Int).Add(p.LoanPrincipal, amount)
	if err := e.persist(p, nil); err != nil {
		return err
	}
	e.emitter.Emit(events.PoolActivity{Type: events.TypePoolBorrow, Asset: p.Asset, Account: recipient, Amount: amount})
	return nil
}

// Settle takes a fixed-rate loan repayment from payer. Principal restores
// liquidity; interest is split between the reserve and depositors.
func (e *Engine) Settle(asset, payer string, principal, interest *big.Int) error {
	principal, interest = ledger.Copy(principal), ledger.Copy(interest)
	if err := ledger.ValidateAmount(principal); err != nil {
		return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "pool: %v", err)
	}
	if err := ledger.ValidateAmount(interest); err != nil {
		return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "pool: %v", err)
	}
	p, err := e.accrued(asset)
	if err != nil {
		return err
	}
	total := new(big.Int).Add(principal, interest)
	if err := e.bank.Transfer(p.Asset, payer, e.Account(p.Asset), total); err != nil {
		return err
	}
	p.TotalBorrowed = ledger.SubFloor(p.TotalBorrowed, principal)
	p.LoanPrincipal = ledger.SubFloor(p.LoanPrincipal, principal)
	e.distribute(p, interest)
	if err := e.persist(p, nil); err != nil {
		return err
	}
	e.emitter.Emit(events.PoolActivity{Type: events.TypePoolRepay, Asset: p.Asset, Account: payer, Amount: total})
	return nil
}

// WriteOff removes defaulted fixed-rate principal from the books. The reserve
// absorbs the loss first, depositors the remainder.
func (e *Engine) WriteOff(asset string, amount *big.Int) error {
	if err := ledger.ValidateAmount(amount); err != nil {
		return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "pool: %v", err)
	}
	if amount.Sign() == 0 {
		return nil
	}
	p, err := e.accrued(asset)
	if err != nil {
		return err
	}
	loss := ledger.Min(amount, p.LoanPrincipal)
	fromReserve := ledger.Min(loss, p.ReserveBalance)
	fromDepositors := new(big.Int).Sub(loss, fromReserve)

	claims := ledger.RayMulDown(p.TotalShares, p.SupplyIndex)
	if fromDepositors.Sign() > 0 && claims.Sign() > 0 {
		remaining := ledger.SubFloor(claims, fromDepositors)
		p.SupplyIndex = scaleIndex(p.SupplyIndex, remaining, claims)
	}
	p.ReserveBalance = new(big.Int).Sub(p.ReserveBalance, fromReserve)
	p.TotalDeposited = ledger.SubFloor(p.TotalDeposited, loss)
	p.TotalBorrowed = ledger.SubFloor(p.TotalBorrowed, loss)
	p.LoanPrincipal = new(big.Int).Sub(p.LoanPrincipal, loss)

	if err := e.persist(p, nil); err != nil {
		return err
	}
	e.logger.Warn("pool write-off",
		slog.String("asset", p.Asset),
		slog.String("amount", loss.String()),
		slog.String("fromReserve", fromReserve.String()))
	e.emitter.Emit(events.PoolActivity{Type: events.TypePoolWriteOff, Asset: p.Asset, Amount: loss})
	return nil
}

// CollectFee books a fee that already arrived in the pool account as reserve.
func (e *Engine) CollectFee(asset string, fee *big.Int) error {
	if err := ledger.ValidateAmount(fee); err != nil {
		return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "pool: %v", err)
	}
	p, err := e.Pool(asset)
	if err != nil {
		return err
	}
	p.TotalDeposited = new(big.Int).Add(p.TotalDeposited, fee)
	p.ReserveBalance = new(big.Int).Add(p.ReserveBalance, fee)
	return e.persist(p, nil)
}

// WithdrawReserve pays reserve out to recipient. Only governance may call it.
func (e *Engine) WithdrawReserve(caller, asset, recipient string, amount *big.Int) error {
	if caller != e.params.Governance || caller == "" {
		return coreerrors.Wrap(coreerrors.ErrUnauthorized, "pool: %s may not withdraw reserves", caller)
	}
	if err := validPositive(amount); err != nil {
		return err
	}
	p, err := e.accrued(asset)
	if err != nil {
		return err
	}
	if p.ReserveBalance.Cmp(amount) < 0 {
		return coreerrors.Wrap(coreerrors.ErrInsufficientLiquidity, "pool %s: reserve %s below %s", p.Asset, p.ReserveBalance, amount)
	}
	if err := e.bank.Transfer(p.Asset, e.Account(p.Asset), recipient, amount); err != nil {
		return err
	}
	p.ReserveBalance = new(big.Int).Sub(p.ReserveBalance, amount)
	p.TotalDeposited = new(big.Int).Sub(p.TotalDeposited, amount)
	if err := e.persist(p, nil); err != nil {
		return err
	}
	e.emitter.Emit(events.PoolActivity{Type: events.TypePoolReserveWithdraw, Asset: p.Asset, Account: recipient, Amount: amount})
	return nil
}

// AccrueInterest advances the pool's indexes to the current height and
// persists the result.
func (e *Engine) AccrueInterest(asset string) (*types.Pool, error) {
	p, err := e.accrued(asset)
	if err != nil {
		return nil, err
	}
	if err := e.persist(p, nil); err != nil {
		return nil, err
	}
	return p, nil
}

// CheckCapacity verifies that lending amount out of p keeps utilisation under
// the cap and the pool invariant intact.
func (e *Engine) CheckCapacity(p *types.Pool, amount *big.Int) error {
	borrowed := new(big.Int).Add(p.TotalBorrowed, amount)
	lhs := new(big.Int).Mul(borrowed, big.NewInt(ledger.BasisPoints))
	rhs := new(big.Int).Mul(p.TotalDeposited, new(big.Int).SetUint64(uint64(e.params.UtilizationCap)))
	if lhs.Cmp(rhs) > 0 {
		return coreerrors.Wrap(coreerrors.ErrPoolUtilizationExceeded, "pool %s: %s of %s borrowed after draw", p.Asset, borrowed, p.TotalDeposited)
	}
	if available := p.Available(); available.Cmp(amount) < 0 {
		return coreerrors.Wrap(coreerrors.ErrInsufficientLiquidity, "pool %s: %s available, %s requested", p.Asset, available, amount)
	}
	return nil
}

// CheckInvariant reports a breach of TotalBorrowed <= TotalDeposited - Reserve.
func CheckInvariant(p *types.Pool) error {
	free := new(big.Int).Sub(ledger.Copy(p.TotalDeposited), ledger.Copy(p.ReserveBalance))
	if ledger.Copy(p.TotalBorrowed).Cmp(free) > 0 {
		return coreerrors.Wrap(coreerrors.ErrInternal, "pool %s: borrowed %s exceeds deposited %s minus reserve %s",
			p.Asset, p.TotalBorrowed, p.TotalDeposited, p.ReserveBalance)
	}
	return nil
}

// Cash returns the asset balance held by the pool account.
func (e *Engine) Cash(asset string) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.bank.Balance(normalize(asset), e.Account(asset))
}

func (e *Engine) guard() error {
	if e.state == nil {
		return errNilState
	}
	return nativecommon.Guard(e.pauses, moduleName)
}

func (e *Engine) accrued(asset string) (*types.Pool, error) {
	p, err := e.Pool(asset)
	if err != nil {
		return nil, err
	}
	var delta uint64
	if e.height > p.LastAccrualBlock {
		delta = uint64(e.height - p.LastAccrualBlock)
	}
	if delta == 0 {
		return p, nil
	}
	result := Accrue(p, e.model, e.params.ReserveFactor, delta, e.params.BlocksPerYear)
	p.LastAccrualBlock = e.height
	if result.Interest.Sign() > 0 {
		e.emitter.Emit(events.PoolAccrued{
			Asset:       p.Asset,
			Elapsed:     delta,
			Interest:    result.Interest,
			Reserve:     result.Reserve,
			SupplyIndex: p.SupplyIndex,
			BorrowIndex: p.BorrowIndex,
		})
	}
	return p, nil
}

// distribute books interest that arrived as cash. The reserve takes its
// factor and depositors the rest through the supply index.
func (e *Engine) distribute(p *types.Pool, interest *big.Int) {
	if interest.Sign() == 0 {
		return
	}
	reserve := ledger.MulBps(interest, e.params.ReserveFactor)
	net := new(big.Int).Sub(interest, reserve)
	claims := ledger.RayMulDown(p.TotalShares, p.SupplyIndex)
	if claims.Sign() == 0 {
		reserve = interest
	} else {
		p.SupplyIndex = scaleIndex(p.SupplyIndex, new(big.Int).Add(claims, net), claims)
	}
	p.TotalDeposited = new(big.Int).Add(p.TotalDeposited, interest)
	p.ReserveBalance = new(big.Int).Add(p.ReserveBalance, reserve)
}

func (e *Engine) persist(p *types.Pool, pos *types.PoolPosition) error {
	if err := CheckInvariant(p); err != nil {
		return err
	}
	if pos != nil {
		if err := e.state.PutPoolPosition(pos); err != nil {
			return err
		}
	}
	return e.state.PutPool(p)
}

// scaleIndex returns floor(index * num / den).
func scaleIndex(index, num, den *big.Int) *big.Int {
	out := new(big.Int).Mul(index, num)
	return out.Quo(out, den)
}

func fillPool(p *types.Pool) {
	for _, field := range []**big.Int{&p.TotalDeposited, &p.TotalBorrowed, &p.ReserveBalance, &p.TotalShares, &p.LoanPrincipal} {
		if *field == nil {
			*field = big.NewInt(0)
		}
	}
	if p.SupplyIndex == nil || p.SupplyIndex.Sign() == 0 {
		p.SupplyIndex = ledger.NewRay()
	}
	if p.BorrowIndex == nil || p.BorrowIndex.Sign() == 0 {
		p.BorrowIndex = ledger.NewRay()
	}
}

func validPositive(amount *big.Int) error {
	if err := ledger.ValidatePositive(amount); err != nil {
		return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "pool: %v", err)
	}
	return nil
}

func normalize(asset string) string { return strings.ToUpper(strings.TrimSpace(asset)) }
