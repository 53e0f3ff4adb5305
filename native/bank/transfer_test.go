package bank

import (
	"errors"
	"math/big"
	"testing"

	coreerrors "bittrust/core/errors"
)

type memBalances map[string]*big.Int

func (m memBalances) Balance(asset, id string) (*big.Int, error) {
	if v, ok := m[asset+"/"+id]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (m memBalances) SetBalance(asset, id string, amount *big.Int) error {
	m[asset+"/"+id] = new(big.Int).Set(amount)
	return nil
}

func TestTransfer(t *testing.T) {
	state := memBalances{"STX/alice": big.NewInt(100)}
	b := New(state)

	if err := b.Transfer("STX", "alice", "bob", big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	alice, _ := b.Balance("STX", "alice")
	bob, _ := b.Balance("STX", "bob")
	if alice.Int64() != 60 || bob.Int64() != 40 {
		t.Fatalf("unexpected balances alice=%s bob=%s", alice, bob)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	state := memBalances{"STX/alice": big.NewInt(10)}
	b := New(state)
	err := b.Transfer("STX", "alice", "bob", big.NewInt(11))
	if !errors.Is(err, coreerrors.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if bob, _ := b.Balance("STX", "bob"); bob.Sign() != 0 {
		t.Fatalf("failed transfer credited bob: %s", bob)
	}
}

func TestTransferRejectsInvalidAmounts(t *testing.T) {
	b := New(memBalances{})
	if err := b.Transfer("STX", "a", "b", big.NewInt(-1)); !errors.Is(err, coreerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for negative amount, got %v", err)
	}
	if err := b.Transfer("STX", "", "b", big.NewInt(1)); !errors.Is(err, coreerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty sender, got %v", err)
	}
	if err := b.Transfer("STX", "a", "b", big.NewInt(0)); err != nil {
		t.Fatalf("zero transfer must be a no-op, got %v", err)
	}
}
