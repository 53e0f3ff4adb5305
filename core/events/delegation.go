package events

import (
	"math/big"

	"bittrust/core/ledger"
	"bittrust/core/types"
)

const (
	TypeDelegationCreated   = "delegation.created"
	TypeDelegationDrawn     = "delegation.drawn"
	TypeDelegationRestored  = "delegation.restored"
	TypeDelegationRevised   = "delegation.revised"
	TypeDelegationRevoked   = "delegation.revoked"
	TypeDelegationPenalized = "delegation.penalized"
)

// DelegationActivity reports a change to a delegation.
type DelegationActivity struct {
	Type         string
	DelegationID string
	Delegator    string
	Delegatee    string
	Amount       *big.Int
	Limit        *big.Int
	Used         *big.Int
	ExpiryBlock  ledger.Height
	Suspended    bool
}

func (e DelegationActivity) EventType() string { return e.Type }

func (e DelegationActivity) Event() *types.Event {
	attrs := map[string]string{
		"delegationId": e.DelegationID,
		"delegator":    e.Delegator,
		"delegatee":    e.Delegatee,
	}
	if e.Amount != nil {
		attrs["amount"] = formatAmount(e.Amount)
	}
	if e.Limit != nil {
		attrs["limit"] = formatAmount(e.Limit)
	}
	if e.Used != nil {
		attrs["used"] = formatAmount(e.Used)
	}
	if e.ExpiryBlock > 0 {
		attrs["expiryBlock"] = formatHeight(e.ExpiryBlock)
	}
	if e.Suspended {
		attrs["suspended"] = "true"
	}
	return &types.Event{Type: e.Type, Attributes: attrs}
}
