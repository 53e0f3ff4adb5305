// Package reputation maintains the credit score of every account and derives
// the borrowing limit and recommended rate from it.
package reputation

import (
	"errors"
	"log/slog"
	"math/big"
	"strings"

	coreerrors "bittrust/core/errors"
	"bittrust/core/events"
	"bittrust/core/ledger"
	"bittrust/core/types"
	"bittrust/observability/logging"
)

var errNilState = errors.New("reputation engine: state not configured")

type engineState interface {
	Account(id string) (*types.Account, error)
	PutAccount(account *types.Account) error
}

// Engine applies loan outcomes to account scores. It is the only writer of
// reputation records.
type Engine struct {
	state   engineState
	params  Params
	height  ledger.Height
	emitter events.Emitter
	logger  *slog.Logger
}

// NewEngine constructs an engine using the supplied coefficients.
func NewEngine(params Params) *Engine {
	if params.BaseLimit == nil {
		params.BaseLimit = big.NewInt(0)
	}
	return &Engine{params: params, emitter: events.NoopEmitter{}, logger: slog.Default()}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetBlockHeight records the height used for cool-down bookkeeping.
func (e *Engine) SetBlockHeight(height ledger.Height) { e.height = height }

// SetEmitter routes ReputationChanged events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Params returns the active coefficients.
func (e *Engine) Params() Params { return e.params }

// Account returns the stored record for id, or a fresh unsaved record at the
// initial score when the account has never interacted.
func (e *Engine) Account(id string) (*types.Account, error) {
	if e.state == nil {
		return nil, errNilState
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "reputation: account id required")
	}
	account, err := e.state.Account(id)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = &types.Account{
			ID:           id,
			Score:        e.params.InitialScore,
			Volume:       big.NewInt(0),
			CreatedBlock: e.height,
		}
	}
	return account, nil
}

// Touch creates the record for id on first interaction.
func (e *Engine) Touch(id string) (*types.Account, error) {
	account, err := e.Account(id)
	if err != nil {
		return nil, err
	}
	if account.Version == 0 {
		if err := e.state.PutAccount(account); err != nil {
			return nil, err
		}
	}
	return account, nil
}

// Score returns the account score; unknown accounts report the initial score.
func (e *Engine) Score(id string) (uint64, error) {
	account, err := e.Account(id)
	if err != nil {
		return 0, err
	}
	return account.Score, nil
}

// RecordOutcome folds a loan outcome into the borrower's record.
func (e *Engine) RecordOutcome(id string, outcome Outcome, amount *big.Int) (*types.Account, error) {
	if err := ledger.ValidateAmount(amount); err != nil {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "reputation: %v", err)
	}
	account, err := e.Account(id)
	if err != nil {
		return nil, err
	}
	old := account.Score

	switch outcome {
	case OutcomeRepaid:
		account.Score = e.capScore(old + e.repayBonus(amount))
		account.Volume = new(big.Int).Add(account.Volume, amount)
		account.Repayments++
	case OutcomeRepaidLate:
		account.Volume = new(big.Int).Add(account.Volume, amount)
		account.Repayments++
	case OutcomeDefaulted:
		account.Score = subFloor(old, e.params.DefaultPenalty)
		account.Defaults++
		account.CooldownUntil = ledger.Deadline(e.height, e.params.CooldownBlocks)
		e.logger.Info("reputation default recorded",
			logging.MaskField("account", account.ID),
			slog.Uint64("score", account.Score),
			slog.Uint64("cooldownUntil", uint64(account.CooldownUntil)))
	default:
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "reputation: unknown outcome %d", outcome)
	}

	if err := e.state.PutAccount(account); err != nil {
		return nil, err
	}
	if account.Score != old || outcome == OutcomeDefaulted {
		e.emitter.Emit(events.ReputationChanged{
			Account:       account.ID,
			OldScore:      old,
			NewScore:      account.Score,
			Reason:        outcome.String(),
			CooldownUntil: account.CooldownUntil,
		})
	}
	return account, nil
}

// Penalize lowers the score by points without starting a cool-down. It is
// used for partial penalties such as a delegator whose delegatee defaulted.
func (e *Engine) Penalize(id string, points uint64, reason string) (*types.Account, error) {
	account, err := e.Account(id)
	if err != nil {
		return nil, err
	}
	old := account.Score
	account.Score = subFloor(old, points)
	if err := e.state.PutAccount(account); err != nil {
		return nil, err
	}
	if account.Score != old {
		e.emitter.Emit(events.ReputationChanged{
			Account:       account.ID,
			OldScore:      old,
			NewScore:      account.Score,
			Reason:        reason,
			CooldownUntil: account.CooldownUntil,
		})
	}
	return account, nil
}

// BorrowingLimit returns floor(BaseLimit * (score/500)^1.5), or zero while the
// account is cooling down after a default.
func (e *Engine) BorrowingLimit(id string) (*big.Int, error) {
	account, err := e.Account(id)
	if err != nil {
		return nil, err
	}
	return e.LimitFor(account), nil
}

// LimitFor evaluates the borrowing limit of an already loaded account.
func (e *Engine) LimitFor(account *types.Account) *big.Int {
	if account == nil || account.InCooldown(e.height) {
		return big.NewInt(0)
	}
	return ledger.PowThreeHalves(e.params.BaseLimit, account.Score, referenceScore)
}

// RecommendedRate returns the rate for the account's current score.
func (e *Engine) RecommendedRate(id string) (ledger.Bps, error) {
	score, err := e.Score(id)
	if err != nil {
		return 0, err
	}
	return e.RateFor(score), nil
}

// RateFor interpolates linearly from MaxRate at score 0 to MinRate at the
// maximum score.
func (e *Engine) RateFor(score uint64) ledger.Bps {
	if e.params.MaxScore == 0 {
		return e.params.MaxRate
	}
	if score > e.params.MaxScore {
		score = e.params.MaxScore
	}
	spread := uint64(e.params.MaxRate - e.params.MinRate)
	return e.params.MaxRate - ledger.Bps(score*spread/e.params.MaxScore)
}

func (e *Engine) repayBonus(amount *big.Int) uint64 {
	bonus := new(big.Int).Quo(amount, new(big.Int).SetUint64(e.params.VolumeNormalizer))
	bonus.Add(bonus, new(big.Int).SetUint64(e.params.RepayBase))
	limit := new(big.Int).SetUint64(e.params.MaxRepayBonus)
	if bonus.Cmp(limit) > 0 {
		return e.params.MaxRepayBonus
	}
	return bonus.Uint64()
}

func (e *Engine) capScore(score uint64) uint64 {
	if score > e.params.MaxScore {
		return e.params.MaxScore
	}
	return score
}

func subFloor(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
