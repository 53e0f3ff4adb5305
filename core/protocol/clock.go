package protocol

import (
	"context"
	"strings"

	coreerrors "bittrust/core/errors"
	"bittrust/core/ledger"
)

const moduleClock = "clock"

// Height returns the protocol clock. Untrusted surfaces execute writes at
// this height instead of one named by the caller.
func (p *Protocol) Height(ctx context.Context) (ledger.Height, error) {
	var height ledger.Height
	err := p.view(ctx, 0, func(e *engines) error {
		h, err := e.tx.ClockHeight()
		height = ledger.Height(h)
		return err
	})
	return height, err
}

// AdvanceClock moves the protocol clock to req.Height. Only governance may
// move it, and never backwards.
func (p *Protocol) AdvanceClock(ctx context.Context, req AdvanceClockRequest) (*ClockReceipt, error) {
	out := &ClockReceipt{}
	receipt, err := p.run(ctx, moduleClock, "advanceClock", req.Height, func(e *engines) error {
		governance := p.settings.pool.Governance
		if governance == "" || strings.TrimSpace(req.Caller) != governance {
			return coreerrors.Wrap(coreerrors.ErrUnauthorized, "clock: %s may not advance the clock", req.Caller)
		}
		current, err := e.tx.ClockHeight()
		if err != nil {
			return err
		}
		if uint64(req.Height) < current {
			return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "clock: height %d behind current %d", req.Height, current)
		}
		out.Previous = ledger.Height(current)
		return e.tx.PutClockHeight(uint64(req.Height))
	})
	if err != nil {
		return nil, err
	}
	out.Receipt = receipt
	return out, nil
}
