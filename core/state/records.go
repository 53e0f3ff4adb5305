package state

import (
	"fmt"
	"math/big"

	"bittrust/core/types"
)

// Loan loads a loan by id. Missing loans return nil.
func (tx *Tx) Loan(id string) (*types.Loan, error) {
	loan := new(types.Loan)
	ok, version, err := tx.KVGet(LoanKey(id), loan)
	if err != nil || !ok {
		return nil, err
	}
	loan.Version = version
	return loan, nil
}

// PutLoan persists the loan and indexes it under its borrower and, once one is
// known, its lender.
func (tx *Tx) PutLoan(loan *types.Loan) error {
	if loan == nil || loan.ID == "" {
		return fmt.Errorf("state: loan id required")
	}
	if err := tx.KVPut(LoanKey(loan.ID), loan); err != nil {
		return err
	}
	if err := tx.KVAppend(BorrowerLoanIndexKey(loan.Borrower), []byte(loan.ID)); err != nil {
		return err
	}
	if loan.Lender == "" {
		return nil
	}
	return tx.KVAppend(LenderLoanIndexKey(loan.Lender), []byte(loan.ID))
}

// LoansOf lists loan ids borrowed by account.
func (tx *Tx) LoansOf(borrower string) ([]string, error) {
	return tx.idList(BorrowerLoanIndexKey(borrower))
}

// LoansFundedBy lists loan ids offered to or funded by lender.
func (tx *Tx) LoansFundedBy(lender string) ([]string, error) {
	return tx.idList(LenderLoanIndexKey(lender))
}

func (tx *Tx) idList(key []byte) ([]string, error) {
	var raw [][]byte
	if err := tx.KVGetList(key, &raw); err != nil {
		return nil, err
	}
	ids := make([]string, len(raw))
	for i := range raw {
		ids[i] = string(raw[i])
	}
	return ids, nil
}

// LoanOp loads the stored outcome of an idempotent loan operation.
func (tx *Tx) LoanOp(loanID, op string, seq uint64, out interface{}) (bool, error) {
	ok, _, err := tx.KVGet(LoanOpKey(loanID, op, seq), out)
	return ok, err
}

// PutLoanOp records the outcome of an idempotent loan operation.
func (tx *Tx) PutLoanOp(loanID, op string, seq uint64, record interface{}) error {
	return tx.KVPut(LoanOpKey(loanID, op, seq), record)
}

// ClockHeight returns the protocol clock. An unset clock reads as zero.
func (tx *Tx) ClockHeight() (uint64, error) {
	var height uint64
	_, _, err := tx.KVGet(ClockKey(), &height)
	return height, err
}

// PutClockHeight stores the protocol clock.
func (tx *Tx) PutClockHeight(height uint64) error {
	return tx.KVPut(ClockKey(), height)
}

// LenderFloor returns the minimum borrower score configured by lender.
func (tx *Tx) LenderFloor(lender string) (uint64, bool, error) {
	var floor uint64
	ok, _, err := tx.KVGet(LenderFloorKey(lender), &floor)
	return floor, ok, err
}

// PutLenderFloor stores the lender's minimum borrower score.
func (tx *Tx) PutLenderFloor(lender string, floor uint64) error {
	return tx.KVPut(LenderFloorKey(lender), floor)
}

// Pool loads the pool for asset. Missing pools return nil.
func (tx *Tx) Pool(asset string) (*types.Pool, error) {
	pool := new(types.Pool)
	ok, version, err := tx.KVGet(PoolKey(asset), pool)
	if err != nil || !ok {
		return nil, err
	}
	pool.Version = version
	return pool, nil
}

// PutPool persists the pool.
func (tx *Tx) PutPool(pool *types.Pool) error {
	if pool == nil || pool.Asset == "" {
		return fmt.Errorf("state: pool asset required")
	}
	return tx.KVPut(PoolKey(pool.Asset), pool)
}

// PoolPosition loads the position of account in asset's pool.
func (tx *Tx) PoolPosition(asset, account string) (*types.PoolPosition, error) {
	pos := new(types.PoolPosition)
	ok, version, err := tx.KVGet(PoolPositionKey(asset, account), pos)
	if err != nil || !ok {
		return nil, err
	}
	if pos.Shares == nil {
		pos.Shares = big.NewInt(0)
	}
	if pos.ScaledDebt == nil {
		pos.ScaledDebt = big.NewInt(0)
	}
	pos.Version = version
	return pos, nil
}

// PutPoolPosition persists the position.
func (tx *Tx) PutPoolPosition(pos *types.PoolPosition) error {
	if pos == nil || pos.Asset == "" || pos.Account == "" {
		return fmt.Errorf("state: pool position requires asset and account")
	}
	return tx.KVPut(PoolPositionKey(pos.Asset, pos.Account), pos)
}

// Delegation loads a delegation by id. Missing delegations return nil.
func (tx *Tx) Delegation(id string) (*types.Delegation, error) {
	d := new(types.Delegation)
	ok, version, err := tx.KVGet(DelegationKey(id), d)
	if err != nil || !ok {
		return nil, err
	}
	d.Version = version
	return d, nil
}

// PutDelegation persists the delegation and indexes both parties.
func (tx *Tx) PutDelegation(d *types.Delegation) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("state: delegation id required")
	}
	if err := tx.KVPut(DelegationKey(d.ID), d); err != nil {
		return err
	}
	if err := tx.KVAppend(DelegatorIndexKey(d.Delegator), []byte(d.ID)); err != nil {
		return err
	}
	return tx.KVAppend(DelegateeIndexKey(d.Delegatee), []byte(d.ID))
}

// DelegationsBy lists delegation ids granted by delegator.
func (tx *Tx) DelegationsBy(delegator string) ([]string, error) {
	return tx.idList(DelegatorIndexKey(delegator))
}

// NFT loads the custody record for an NFT id.
func (tx *Tx) NFT(id string) (*types.NFT, error) {
	nft := new(types.NFT)
	ok, version, err := tx.KVGet(NFTKey(id), nft)
	if err != nil || !ok {
		return nil, err
	}
	nft.Version = version
	return nft, nil
}

// PutNFT persists the custody record.
func (tx *Tx) PutNFT(nft *types.NFT) error {
	if nft == nil || nft.ID == "" {
		return fmt.Errorf("state: nft id required")
	}
	return tx.KVPut(NFTKey(nft.ID), nft)
}

// QuotaUsage decodes the quota counters of account in module into out.
func (tx *Tx) QuotaUsage(module, account string, out interface{}) (bool, error) {
	ok, _, err := tx.KVGet(QuotaKey(module, account), out)
	return ok, err
}

// PutQuotaUsage stores the quota counters of account in module.
func (tx *Tx) PutQuotaUsage(module, account string, usage interface{}) error {
	return tx.KVPut(QuotaKey(module, account), usage)
}

// LinkDelegationLoan indexes a loan drawn against delegation id.
func (tx *Tx) LinkDelegationLoan(id, loanID string) error {
	return tx.KVAppend(DelegationLoansKey(id), []byte(loanID))
}

// DelegationLoans lists loan ids drawn against delegation id.
func (tx *Tx) DelegationLoans(id string) ([]string, error) {
	return tx.idList(DelegationLoansKey(id))
}

// DelegationsTo lists delegation ids granted to delegatee.
func (tx *Tx) DelegationsTo(delegatee string) ([]string, error) {
	return tx.idList(DelegateeIndexKey(delegatee))
}
