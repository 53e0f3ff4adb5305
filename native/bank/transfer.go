// Package bank moves balances between accounts. Every engine routes value
// through it so that no engine edits balances directly.
package bank

import (
	"math/big"
	"strings"

	coreerrors "bittrust/core/errors"
	"bittrust/core/ledger"
)

// balances abstracts the subset of the state transaction used by the bank.
type balances interface {
	Balance(asset, id string) (*big.Int, error)
	SetBalance(asset, id string, amount *big.Int) error
}

// Bank applies transfers against a state transaction.
type Bank struct {
	state balances
}

// New returns a bank bound to state.
func New(state balances) *Bank { return &Bank{state: state} }

// Balance returns the balance of id in asset.
func (b *Bank) Balance(asset, id string) (*big.Int, error) {
	return b.state.Balance(asset, id)
}

// Transfer moves amount of asset from one account to another. Zero amounts are
// a no-op.
func (b *Bank) Transfer(asset, from, to string, amount *big.Int) error {
	if err := ledger.ValidateAmount(amount); err != nil {
		return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "bank: %v", err)
	}
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "bank: transfer endpoints required")
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	if err := b.Debit(asset, from, amount); err != nil {
		return err
	}
	return b.Credit(asset, to, amount)
}

// Credit adds amount to id.
func (b *Bank) Credit(asset, id string, amount *big.Int) error {
	if err := ledger.ValidateAmount(amount); err != nil {
		return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "bank: %v", err)
	}
	current, err := b.state.Balance(asset, id)
	if err != nil {
		return err
	}
	return b.state.SetBalance(asset, id, new(big.Int).Add(current, amount))
}

// Debit removes amount from id, failing when the balance is short.
func (b *Bank) Debit(asset, id string, amount *big.Int) error {
	if err := ledger.ValidateAmount(amount); err != nil {
		return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "bank: %v", err)
	}
	current, err := b.state.Balance(asset, id)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return coreerrors.Wrap(coreerrors.ErrInsufficientBalance, "bank: %s holds %s %s, needs %s", id, current, strings.ToUpper(asset), amount)
	}
	return b.state.SetBalance(asset, id, new(big.Int).Sub(current, amount))
}
