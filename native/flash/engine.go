// Package flash lends pool liquidity for the duration of a single synchronous
// callback. Either the pool ends the callback holding at least its starting
// cash plus the fee, or every effect of the callback is rolled back.
package flash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	coreerrors "bittrust/core/errors"
	"bittrust/core/events"
	"bittrust/core/ledger"
	"bittrust/core/types"
	"bittrust/native/bank"
	nativecommon "bittrust/native/common"
	"bittrust/observability/logging"
)

var errNilState = errors.New("flash engine: state not configured")

const moduleName = nativecommon.ModuleFlash

type engineState interface {
	Balance(asset, id string) (*big.Int, error)
	SetBalance(asset, id string, amount *big.Int) error
	QuotaUsage(module, account string, out interface{}) (bool, error)
	PutQuotaUsage(module, account string, usage interface{}) error
	Snapshot() int
	RevertToSnapshot(id int)
	SupportsSavepoints() bool
}

type liquidity interface {
	Account(asset string) string
	AccrueInterest(asset string) (*types.Pool, error)
	CheckCapacity(p *types.Pool, amount *big.Int) error
	Cash(asset string) (*big.Int, error)
	CollectFee(asset string, fee *big.Int) error
}

// recorder is implemented by emitters that can drop events emitted inside a
// reverted savepoint.
type recorder interface {
	Mark() int
	Truncate(mark int)
}

// Params configures flash lending.
type Params struct {
	Enabled bool
	Fee     ledger.Bps
	Quota   nativecommon.Quota
}

// Result describes a settled flash loan.
type Result struct {
	Asset  string
	Target string
	Amount *big.Int
	Fee    *big.Int
}

// Engine executes flash loans against the liquidity pools.
type Engine struct {
	state    engineState
	bank     *bank.Bank
	pools    liquidity
	params   Params
	height   ledger.Height
	emitter  events.Emitter
	pauses   nativecommon.PauseView
	logger   *slog.Logger
	inFlight bool
}

// NewEngine constructs a flash engine drawing on pools.
func NewEngine(params Params, pools liquidity) *Engine {
	return &Engine{params: params, pools: pools, emitter: events.NoopEmitter{}, logger: slog.Default()}
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

// Fee returns the fee charged on amount.
func (e *Engine) Fee(amount *big.Int) *big.Int { return ledger.MulBps(amount, e.params.Fee) }

// ExecuteFlash lends amount of asset to target, invokes receiver and settles.
// A receiver error, a panic, a cancelled context or a short repayment all
// revert the savepoint and leave pools and balances bit-identical.
func (e *Engine) ExecuteFlash(ctx context.Context, target, asset string, amount *big.Int, receiver Receiver) (*Result, error) {
	if e.state == nil || e.pools == nil {
		return nil, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if !e.params.Enabled {
		return nil, coreerrors.Wrap(coreerrors.ErrPaused, "flash loans disabled")
	}
	if e.inFlight || inFlash(ctx) {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "flash: re-entrant flash loan")
	}
	if !e.state.SupportsSavepoints() {
		return nil, coreerrors.Wrap(coreerrors.ErrInternal, "flash: store cannot provide savepoints")
	}
	target = strings.TrimSpace(target)
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if target == "" || receiver == nil {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "flash: target and receiver required")
	}
	if err := ledger.ValidatePositive(amount); err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "flash: %v", err)
	}
	usage, err := e.checkQuota(target, amount)
	if err != nil {
		return nil, err
	}

	e.inFlight = true
	defer func() { e.inFlight = false }()

	savepoint := e.state.Snapshot()
	mark := 0
	rec, canTruncate := e.emitter.(recorder)
	if canTruncate {
		mark = rec.Mark()
	}
	rollback := func(cause error) error {
		e.state.RevertToSnapshot(savepoint)
		if canTruncate {
			rec.Truncate(mark)
		}
		e.logger.Debug("flash loan reverted",
			slog.String("asset", asset),
			logging.MaskField("target", target),
			slog.String("amount", amount.String()),
			slog.Any("cause", cause))
		return cause
	}

	p, err := e.pools.AccrueInterest(asset)
	if err != nil {
		return nil, rollback(err)
	}
	if err := e.pools.CheckCapacity(p, amount); err != nil {
		return nil, rollback(err)
	}
	poolAccount := e.pools.Account(asset)
	before, err := e.pools.Cash(asset)
	if err != nil {
		return nil, rollback(err)
	}
	fee := e.Fee(amount)
	required := new(big.Int).Add(before, fee)

	if err := e.bank.Transfer(asset, poolAccount, target, amount); err != nil {
		return nil, rollback(err)
	}
	fc := &Context{asset: asset, target: target, pool: poolAccount, amount: amount, fee: fee, bank: e.bank}
	if err := invoke(withFlash(ctx), receiver, fc); err != nil {
		return nil, rollback(coreerrors.Wrap(coreerrors.ErrFlashLoanNotRepaid, "receiver failed: %v", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, rollback(err)
	}

	after, err := e.pools.Cash(asset)
	if err != nil {
		return nil, rollback(err)
	}
	if after.Cmp(required) < 0 {
		return nil, rollback(coreerrors.Wrap(coreerrors.ErrFlashLoanNotRepaid,
			"pool %s holds %s, needs %s", asset, after, required))
	}
	if surplus := new(big.Int).Sub(after, required); surplus.Sign() > 0 {
		if err := e.bank.Transfer(asset, poolAccount, target, surplus); err != nil {
			return nil, rollback(err)
		}
	}
	if err := e.pools.CollectFee(asset, fee); err != nil {
		return nil, rollback(err)
	}
	if usage != nil {
		if err := e.state.PutQuotaUsage(moduleName, target, usage); err != nil {
			return nil, rollback(err)
		}
	}

	e.emitter.Emit(events.FlashLoanExecuted{Asset: asset, Target: target, Amount: amount, Fee: fee})
	return &Result{Asset: asset, Target: target, Amount: new(big.Int).Set(amount), Fee: fee}, nil
}

// checkQuota returns the updated counters, or nil when the quota is unbounded.
func (e *Engine) checkQuota(target string, amount *big.Int) (*nativecommon.QuotaNow, error) {
	q := e.params.Quota
	if q.Unbounded() {
		return nil, nil
	}
	var prev nativecommon.QuotaNow
	if _, err := e.state.QuotaUsage(moduleName, target, &prev); err != nil {
		return nil, err
	}
	next, err := nativecommon.CheckQuota(q, q.Epoch(e.height), prev, 1, nativecommon.VolumeOf(amount))
	if err != nil {
		return nil, fmt.Errorf("flash: %s: %w", target, err)
	}
	return &next, nil
}

func invoke(ctx context.Context, receiver Receiver, fc *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("receiver panicked: %v", r)
		}
	}()
	return receiver.OnFlashLoan(ctx, fc)
}
