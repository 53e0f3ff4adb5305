package state

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"bittrust/core/types"
)

// Account loads the reputation record for id. Missing accounts return nil.
func (tx *Tx) Account(id string) (*types.Account, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("state: account id required")
	}
	account := new(types.Account)
	ok, version, err := tx.KVGet(AccountKey(id), account)
	if err != nil || !ok {
		return nil, err
	}
	if account.Volume == nil {
		account.Volume = big.NewInt(0)
	}
	account.Version = version
	return account, nil
}

// PutAccount persists the reputation record.
func (tx *Tx) PutAccount(account *types.Account) error {
	if account == nil {
		return fmt.Errorf("state: nil account")
	}
	if strings.TrimSpace(account.ID) == "" {
		return fmt.Errorf("state: account id required")
	}
	return tx.KVPut(AccountKey(account.ID), account)
}

// Balance returns the spendable balance of id in asset.
func (tx *Tx) Balance(asset, id string) (*big.Int, error) {
	balance := new(big.Int)
	ok, _, err := tx.KVGet(BalanceKey(asset, id), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// SetBalance overwrites the balance of id in asset. Values outside the unsigned
// 256-bit range are rejected.
func (tx *Tx) SetBalance(asset, id string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: balance must not be negative")
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return fmt.Errorf("state: balance overflow")
	}
	return tx.KVPut(BalanceKey(asset, id), amount)
}

// NextSequence increments and returns the named counter.
func (tx *Tx) NextSequence(name string) (uint64, error) {
	var current uint64
	if _, _, err := tx.KVGet(SequenceKey(name), &current); err != nil {
		return 0, err
	}
	current++
	if err := tx.KVPut(SequenceKey(name), current); err != nil {
		return 0, err
	}
	return current, nil
}
