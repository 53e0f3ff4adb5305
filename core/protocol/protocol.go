// Package protocol is the in-process surface of the lending protocol. Every
// operation runs in its own state transaction with freshly wired engines and
// commits atomically; version conflicts are retried.
package protocol

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bittrust/config"
	coreerrors "bittrust/core/errors"
	"bittrust/core/events"
	"bittrust/core/ledger"
	"bittrust/core/state"
	"bittrust/native/delegation"
	"bittrust/native/flash"
	"bittrust/native/lending"
	"bittrust/native/pool"
	"bittrust/native/reputation"
	"bittrust/observability"
	"bittrust/observability/logging"
	"bittrust/observability/otel"
	"bittrust/storage"
)

var errNilDatabase = errors.New("protocol: database required")

// Protocol owns the committed ledger and the engine settings.
type Protocol struct {
	state    *state.Manager
	settings *settings
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New builds a protocol over db from a validated configuration. A nil logger
// selects slog.Default().
func New(cfg *config.Config, db storage.Database, logger *slog.Logger) (*Protocol, error) {
	if db == nil {
		return nil, errNilDatabase
	}
	if cfg == nil {
		cfg = config.Default()
	}
	s, err := deriveSettings(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	manager := state.NewManager(db)
	if err := manager.EnsureSchema(cfg.Protocol.AllowMigrate); err != nil {
		return nil, err
	}
	return &Protocol{
		state:    manager,
		settings: s,
		logger:   logger.With(slog.String("component", "protocol")),
		tracer:   otel.Tracer(),
	}, nil
}

// engines is one operation's view of the protocol: every engine bound to the
// same transaction, height and dispatcher.
type engines struct {
	tx         *state.Tx
	events     *events.Dispatcher
	reputation *reputation.Engine
	pools      *pool.Engine
	lending    *lending.Engine
	flash      *flash.Engine
	delegation *delegation.Engine
}

func (p *Protocol) wire(tx *state.Tx, height ledger.Height) *engines {
	s := p.settings
	d := events.NewDispatcher()

	rep := reputation.NewEngine(s.reputation)
	rep.SetState(tx)
	rep.SetBlockHeight(height)
	rep.SetEmitter(d)
	rep.SetLogger(p.logger)

	pools := pool.NewEngine(s.pool, s.model)
	pools.SetState(tx)
	pools.SetBlockHeight(height)
	pools.SetEmitter(d)
	pools.SetPauses(s.pauses)
	pools.SetLimiter(rep)
	pools.SetLogger(p.logger)

	loans := lending.NewEngine(s.lending)
	loans.SetState(tx)
	loans.SetBlockHeight(height)
	loans.SetReputation(rep)
	loans.SetPools(pools)
	loans.SetEmitter(d)
	loans.SetPauses(s.pauses)
	loans.SetLogger(p.logger)

	fl := flash.NewEngine(s.flash, pools)
	fl.SetState(tx)
	fl.SetBlockHeight(height)
	fl.SetEmitter(d)
	fl.SetPauses(s.pauses)
	fl.SetLogger(p.logger)

	del := delegation.NewEngine(s.delegation)
	del.SetState(tx)
	del.SetBlockHeight(height)
	del.SetReputation(rep)
	del.SetLoans(loans)
	del.SetEmitter(d)
	del.SetPauses(s.pauses)
	del.SetLogger(p.logger)

	loans.SetGuarantor(del)
	d.Subscribe(events.TypeReputationChanged, del.OnReputationChanged)

	return &engines{tx: tx, events: d, reputation: rep, pools: pools, lending: loans, flash: fl, delegation: del}
}

// run executes fn in a fresh transaction and commits it. Only
// ConcurrentModification is retried, up to MaxRetries times; every other
// failure discards the transaction and is returned unchanged.
func (p *Protocol) run(ctx context.Context, module, op string, height ledger.Height, fn func(*engines) error) (Receipt, error) {
	ctx, span := p.tracer.Start(ctx, module+"."+op, trace.WithAttributes(
		attribute.String("module", module),
		attribute.Int64("height", int64(height)),
	))
	defer span.End()

	start := time.Now()
	receipt, err := p.execute(ctx, module, op, height, fn)
	observability.ModuleMetrics().Observe(module, op, err, time.Since(start))
	if err != nil {
		kind := string(coreerrors.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		p.logger.Debug("operation rejected",
			slog.String("op", op),
			slog.String("module", module),
			slog.Uint64("height", uint64(height)),
			slog.String("kind", kind),
			slog.Any("error", err))
		return receipt, err
	}
	span.SetAttributes(attribute.Int("attempts", receipt.Attempts), attribute.Int("events", len(receipt.Events)))
	for _, ev := range receipt.Events {
		observability.Events().RecordEvent(ev.Type)
	}
	return receipt, nil
}

func (p *Protocol) execute(ctx context.Context, module, op string, height ledger.Height, fn func(*engines) error) (Receipt, error) {
	limit := p.settings.maxRetries + 1
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Receipt{}, err
		}
		tx := p.state.Begin()
		eng := p.wire(tx, height)
		err := fn(eng)
		if err == nil {
			err = eng.events.Err()
		}
		if err == nil {
			// A cancelled caller never commits.
			err = ctx.Err()
		}
		if err == nil {
			err = tx.Commit()
		} else {
			tx.Discard()
		}
		if err == nil {
			return Receipt{Op: op, Height: height, Attempts: attempt, Events: eng.events.Recorded()}, nil
		}
		if !coreerrors.Retryable(err) || attempt >= limit {
			return Receipt{}, err
		}
		observability.ModuleMetrics().RecordRetry(module, op)
		p.logger.Debug("retrying after concurrent modification",
			slog.String("op", op),
			slog.Int("attempt", attempt))
	}
}

// view runs fn against a transaction that is always discarded.
func (p *Protocol) view(ctx context.Context, height ledger.Height, fn func(*engines) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := p.state.Begin()
	defer tx.Discard()
	return fn(p.wire(tx, height))
}

// logAccount reports a reputation mutation with the account masked.
func (p *Protocol) logAccount(msg, account string, score uint64) {
	p.logger.Info(msg, logging.MaskField("account", account), slog.Uint64("score", score))
}
