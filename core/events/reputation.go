package events

import (
	"strconv"

	"bittrust/core/ledger"
	"bittrust/core/types"
)

const (
	// TypeReputationChanged is emitted whenever an account score moves.
	TypeReputationChanged = "reputation.changed"
)

// ReputationChanged reports a score update. The delegation engine listens for
// it to revalidate the account's outstanding delegations.
type ReputationChanged struct {
	Account       string
	OldScore      uint64
	NewScore      uint64
	Reason        string
	CooldownUntil ledger.Height
}

func (ReputationChanged) EventType() string { return TypeReputationChanged }

func (e ReputationChanged) Event() *types.Event {
	attrs := map[string]string{
		"account":  e.Account,
		"oldScore": formatUint(e.OldScore),
		"newScore": formatUint(e.NewScore),
		"delta":    strconv.FormatInt(int64(e.NewScore)-int64(e.OldScore), 10),
		"reason":   e.Reason,
	}
	if e.CooldownUntil > 0 {
		attrs["cooldownUntil"] = formatHeight(e.CooldownUntil)
	}
	return &types.Event{Type: TypeReputationChanged, Attributes: attrs}
}
