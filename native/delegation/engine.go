// Package delegation lets a reputable account extend part of its borrowing
// capacity to another account. Draws are funded by the liquidity pools; the
// delegator earns a share of interest and absorbs a reputation penalty when
// a draw defaults.
package delegation

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
	nativecommon "bittrust/native/common"
	"bittrust/native/lending"
	"bittrust/observability/logging"
)

var errNilState = errors.New("delegation engine: state not configured")

var delegationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("bittrust:delegation"))

const (
	moduleName         = nativecommon.ModuleDelegation
	delegationSequence = "delegation"
	penaltyReason      = "delegateeDefault"
)

type engineState interface {
	Delegation(id string) (*types.Delegation, error)
	PutDelegation(d *types.Delegation) error
	DelegationsBy(delegator string) ([]string, error)
	DelegationsTo(delegatee string) ([]string, error)
	LinkDelegationLoan(id, loanID string) error
	DelegationLoans(id string) ([]string, error)
	NextSequence(name string) (uint64, error)
}

type scorer interface {
	Account(id string) (*types.Account, error)
	LimitFor(account *types.Account) *big.Int
	Penalize(id string, points uint64, reason string) (*types.Account, error)
}

type originator interface {
	OpenPoolLoan(terms lending.PoolTerms) (*types.Loan, error)
}

// Engine manages credit delegations. It implements lending.Guarantor so the
// loan engine can settle delegated draws through it.
type Engine struct {
	state   engineState
	scores  scorer
	loans   originator
	params  Params
	height  ledger.Height
	emitter events.Emitter
	pauses  nativecommon.PauseView
	logger  *slog.Logger
}

var _ lending.Guarantor = (*Engine)(nil)

// NewEngine constructs a delegation engine.
func NewEngine(params Params) *Engine {
	return &Engine{params: params, emitter: events.NoopEmitter{}, logger: slog.Default()}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

func (e *Engine) SetBlockHeight(height ledger.Height) { e.height = height }

// SetReputation wires the score source used for capacity checks and penalties.
func (e *Engine) SetReputation(s scorer) { e.scores = s }

// SetLoans wires the loan engine that originates delegated draws.
func (e *Engine) SetLoans(l originator) { e.loans = l }

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

func (e *Engine) Params() Params { return e.params }

// Delegation loads a delegation. Missing ids report NotFound.
func (e *Engine) Delegation(id string) (*types.Delegation, error) {
	if e.state == nil {
		return nil, errNilState
	}
	d, err := e.state.Delegation(strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, coreerrors.Wrap(coreerrors.ErrNotFound, "delegation %s", id)
	}
	return d, nil
}

// Usable returns the amount still drawable against d at the current height.
// Expired and suspended delegations are inert.
func (e *Engine) Usable(d *types.Delegation) *big.Int {
	if d == nil || d.Suspended || e.expired(d) {
		return big.NewInt(0)
	}
	return ledger.SubFloor(d.Limit, d.Used)
}

// CreateDelegation records a new delegation from delegator to delegatee.
// A zero fee selects the default fee.
func (e *Engine) CreateDelegation(delegator, delegatee, asset string, limit *big.Int, fee ledger.Bps, expiry ledger.Height) (*types.Delegation, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	delegator = strings.TrimSpace(delegator)
	delegatee = strings.TrimSpace(delegatee)
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if delegator == "" || delegatee == "" || asset == "" {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "delegation: delegator, delegatee and asset required")
	}
	if delegator == delegatee {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "delegation: cannot delegate to self")
	}
	if err := ledger.ValidatePositive(limit); err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "delegation: %v", err)
	}
	if fee == 0 {
		fee = e.params.DefaultFee
	}
	if fee > e.params.MaxFee {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "delegation: fee %d above max %d", fee, e.params.MaxFee)
	}
	if expiry <= e.height {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "delegation: expiry %d not after height %d", expiry, e.height)
	}
	if uint64(expiry-e.height) > e.params.MaxDuration {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "delegation: lifetime %d above max %d", expiry-e.height, e.params.MaxDuration)
	}

	account, err := e.scores.Account(delegator)
	if err != nil {
		return nil, err
	}
	if account.Score < e.params.MinDelegatorScore {
		return nil, coreerrors.Wrap(coreerrors.ErrInsufficientReputation, "delegation: %s scores %d, floor %d", delegator, account.Score, e.params.MinDelegatorScore)
	}
	committed, err := e.committed(delegator)
	if err != nil {
		return nil, err
	}
	capacity := e.scores.LimitFor(account)
	if total := new(big.Int).Add(committed, limit); total.Cmp(capacity) > 0 {
		return nil, coreerrors.Wrap(coreerrors.ErrLimitExceedsCapacity,
			"delegation: limit %s plus %s already delegated exceeds %s capacity %s", limit, committed, delegator, capacity)
	}

	seq, err := e.state.NextSequence(delegationSequence)
	if err != nil {
		return nil, err
	}
	d := &types.Delegation{
		ID:           uuid.NewSHA1(delegationNamespace, []byte(fmt.Sprintf("%d", seq))).String(),
		Delegator:    delegator,
		Delegatee:    delegatee,
		Asset:        asset,
		Limit:        new(big.Int).Set(limit),
		Used:         big.NewInt(0),
		FeeBps:       fee,
		ExpiryBlock:  expiry,
		CreatedBlock: e.height,
	}
	if err := e.state.PutDelegation(d); err != nil {
		return nil, err
	}
	e.emit(events.TypeDelegationCreated, d, d.Limit)
	return d, nil
}

// DrawDelegatedLoan opens a pool-funded loan for the delegatee against the
// delegation. A zero rate selects the default rate; a zero duration runs the
// loan to the delegation's expiry.
func (e *Engine) DrawDelegatedLoan(id, caller string, amount *big.Int, rate ledger.Bps, duration uint64) (*types.Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.loans == nil {
		return nil, coreerrors.Wrap(coreerrors.ErrInternal, "delegation: loan engine not configured")
	}
	if err := ledger.ValidatePositive(amount); err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "delegation: %v", err)
	}
	d, err := e.Delegation(id)
	if err != nil {
		return nil, err
	}
	if caller = strings.TrimSpace(caller); caller != "" && caller != d.Delegatee {
		return nil, coreerrors.Wrap(coreerrors.ErrUnauthorized, "delegation: %s is not the delegatee of %s", caller, d.ID)
	}
	if e.expired(d) {
		return nil, coreerrors.Wrap(coreerrors.ErrDelegationExpired, "delegation %s expired at %d", d.ID, d.ExpiryBlock)
	}
	if d.Suspended {
		return nil, coreerrors.Wrap(coreerrors.ErrInsufficientReputation, "delegation %s suspended", d.ID)
	}
	used := new(big.Int).Add(d.Used, amount)
	if used.Cmp(d.Limit) > 0 {
		return nil, coreerrors.Wrap(coreerrors.ErrDelegationLimitExceeded, "delegation %s: %s used of %s, %s requested", d.ID, d.Used, d.Limit, amount)
	}
	if rate == 0 {
		rate = e.params.DefaultRate
	}
	if duration == 0 {
		duration = uint64(d.ExpiryBlock - e.height)
		if duration == 0 {
			duration = 1
		}
	}

	loan, err := e.loans.OpenPoolLoan(lending.PoolTerms{
		Borrower:     d.Delegatee,
		Guarantor:    d.Delegator,
		DelegationID: d.ID,
		Asset:        d.Asset,
		Principal:    amount,
		Rate:         rate,
		Duration:     duration,
	})
	if err != nil {
		return nil, err
	}
	d.Used = used
	if err := e.state.PutDelegation(d); err != nil {
		return nil, err
	}
	if err := e.state.LinkDelegationLoan(d.ID, loan.ID); err != nil {
		return nil, err
	}
	e.emit(events.TypeDelegationDrawn, d, amount)
	return loan, nil
}

// Revoke stops further draws by lowering the limit to what is in use.
// Outstanding draws keep running.
func (e *Engine) Revoke(id, caller string) (*types.Delegation, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	d, err := e.Delegation(id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(caller) != d.Delegator {
		return nil, coreerrors.Wrap(coreerrors.ErrUnauthorized, "delegation: %s may not revoke %s", caller, d.ID)
	}
	d.Limit = ledger.Copy(d.Used)
	if err := e.state.PutDelegation(d); err != nil {
		return nil, err
	}
	e.emit(events.TypeDelegationRevoked, d, nil)
	return d, nil
}

// GrantedBy lists the delegations created by delegator.
func (e *Engine) GrantedBy(delegator string) ([]*types.Delegation, error) {
	if e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.DelegationsBy(strings.TrimSpace(delegator))
	if err != nil {
		return nil, err
	}
	return e.load(ids)
}

// GrantedTo lists the delegations extended to delegatee.
func (e *Engine) GrantedTo(delegatee string) ([]*types.Delegation, error) {
	if e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.DelegationsTo(strings.TrimSpace(delegatee))
	if err != nil {
		return nil, err
	}
	return e.load(ids)
}

func (e *Engine) load(ids []string) ([]*types.Delegation, error) {
	out := make([]*types.Delegation, 0, len(ids))
	for _, id := range ids {
		d, err := e.state.Delegation(id)
		if err != nil {
			return nil, err
		}
		if d != nil {
			out = append(out, d)
		}
	}
	return out, nil
}

// Loans lists the loans drawn against a delegation.
func (e *Engine) Loans(id string) ([]string, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.state.DelegationLoans(id)
}

// SettleRepayment frees the repaid principal for redrawing and returns the
// delegator's share of interest.
func (e *Engine) SettleRepayment(loan *types.Loan, principal, interest *big.Int) (*big.Int, error) {
	d, err := e.forLoan(loan)
	if err != nil {
		return nil, err
	}
	if principal.Sign() > 0 {
		d.Used = ledger.SubFloor(d.Used, principal)
		if err := e.state.PutDelegation(d); err != nil {
			return nil, err
		}
		e.emit(events.TypeDelegationRestored, d, principal)
	}
	return ledger.MulBps(interest, d.FeeBps), nil
}

// SettleDefault releases the defaulted draw from the delegation and charges
// the delegator DefaultPenalty scaled by the draw's share of the limit.
func (e *Engine) SettleDefault(loan *types.Loan, outstanding *big.Int) error {
	d, err := e.forLoan(loan)
	if err != nil {
		return err
	}
	owed := ledger.SubFloor(loan.Principal, loan.PrincipalPaid)
	d.Used = ledger.SubFloor(d.Used, owed)
	if err := e.state.PutDelegation(d); err != nil {
		return err
	}
	points := e.penalty(loan.Principal, d.Limit)
	e.logger.Warn("delegated loan defaulted",
		slog.String("delegation", d.ID),
		logging.MaskField("delegator", d.Delegator),
		slog.String("loan", loan.ID),
		slog.String("outstanding", ledger.Copy(outstanding).String()),
		slog.Uint64("penalty", points))
	e.emit(events.TypeDelegationPenalized, d, outstanding)
	// Penalize emits ReputationChanged, which revalidates d through
	// OnReputationChanged; d must already be stored.
	_, err = e.scores.Penalize(d.Delegator, points, penaltyReason)
	return err
}

// OnReputationChanged revalidates every delegation granted by the account
// whose score moved. Below the floor they are suspended. Capacity is handed
// out oldest first: each limit is cut to max(used, capacity left after the
// earlier grants).
func (e *Engine) OnReputationChanged(ev events.Event) error {
	changed, ok := ev.(events.ReputationChanged)
	if !ok || e.state == nil || e.scores == nil {
		return nil
	}
	ids, err := e.state.DelegationsBy(changed.Account)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	account, err := e.scores.Account(changed.Account)
	if err != nil {
		return err
	}
	remaining := e.scores.LimitFor(account)
	suspend := account.Score < e.params.MinDelegatorScore
	for _, id := range ids {
		d, err := e.state.Delegation(id)
		if err != nil {
			return err
		}
		if d == nil {
			continue
		}
		ceiling := remaining
		if d.Used.Cmp(ceiling) > 0 {
			ceiling = d.Used
		}
		revised := d.Limit.Cmp(ceiling) > 0
		if revised {
			d.Limit = new(big.Int).Set(ceiling)
		}
		remaining = ledger.SubFloor(remaining, e.commitment(d))
		if !revised && d.Suspended == suspend {
			continue
		}
		eventType := events.TypeDelegationRevised
		if !suspend && d.Suspended && !revised {
			eventType = events.TypeDelegationRestored
		}
		d.Suspended = suspend
		if err := e.state.PutDelegation(d); err != nil {
			return err
		}
		e.emit(eventType, d, nil)
	}
	return nil
}

// committed sums the capacity delegator has already extended.
func (e *Engine) committed(delegator string) (*big.Int, error) {
	granted, err := e.GrantedBy(delegator)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, d := range granted {
		total.Add(total, e.commitment(d))
	}
	return total, nil
}

// commitment is the share of the delegator's capacity d holds: its limit while
// live, only its outstanding draws once expired.
func (e *Engine) commitment(d *types.Delegation) *big.Int {
	if e.expired(d) {
		return ledger.Copy(d.Used)
	}
	return ledger.Copy(d.Limit)
}

func (e *Engine) penalty(principal, limit *big.Int) uint64 {
	full := e.params.DefaultPenalty
	if limit == nil || limit.Sign() <= 0 {
		return full
	}
	scaled := new(big.Int).Mul(new(big.Int).SetUint64(full), ledger.Copy(principal))
	scaled.Quo(scaled, limit)
	if !scaled.IsUint64() || scaled.Uint64() > full {
		return full
	}
	if scaled.Sign() == 0 {
		return 1
	}
	return scaled.Uint64()
}

func (e *Engine) forLoan(loan *types.Loan) (*types.Delegation, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if loan == nil || !loan.Delegated() {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "delegation: loan is not delegated")
	}
	return e.Delegation(loan.DelegationID)
}

func (e *Engine) expired(d *types.Delegation) bool {
	return ledger.NewClock(e.height).After(d.ExpiryBlock)
}

func (e *Engine) ready() error {
	if e.state == nil {
		return errNilState
	}
	if e.scores == nil {
		return coreerrors.Wrap(coreerrors.ErrInternal, "delegation: reputation not configured")
	}
	return nativecommon.Guard(e.pauses, moduleName)
}

func (e *Engine) emit(eventType string, d *types.Delegation, amount *big.Int) {
	if amount != nil {
		amount = new(big.Int).Set(amount)
	}
	e.emitter.Emit(events.DelegationActivity{
		Type:         eventType,
		DelegationID: d.ID,
		Delegator:    d.Delegator,
		Delegatee:    d.Delegatee,
		Amount:       amount,
		Limit:        ledger.Copy(d.Limit),
		Used:         ledger.Copy(d.Used),
		ExpiryBlock:  d.ExpiryBlock,
		Suspended:    d.Suspended,
	})
}
