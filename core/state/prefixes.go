package state

import (
	"fmt"
	"strings"
)

var (
	accountPrefix        = "account/"
	balancePrefix        = "balance/"
	loanPrefix           = "loan/"
	loanOpPrefix         = "loan-op/"
	borrowerLoanIndex    = "loan-index/borrower/"
	lenderLoanIndex      = "loan-index/lender/"
	lenderFloorPrefix    = "lender-floor/"
	poolPrefix           = "pool/"
	poolPositionPrefix   = "pool-position/"
	delegationPrefix     = "delegation/"
	delegatorIndexPrefix = "delegation-index/delegator/"
	delegateeIndexPrefix = "delegation-index/delegatee/"
	delegationLoanPrefix = "delegation-loans/"
	nftPrefix            = "nft/"
	sequencePrefix       = "seq/"
	quotaPrefix          = "quota/"
	clockKey             = "clock/height"
)

// NormalizeAsset upper-cases and trims an asset symbol.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func AccountKey(id string) []byte { return []byte(accountPrefix + id) }

func BalanceKey(asset, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", balancePrefix, NormalizeAsset(asset), id))
}

func LoanKey(id string) []byte { return []byte(loanPrefix + id) }

// LoanOpKey scopes an idempotency record to one operation kind on a loan, so
// a repay and an expire carrying the same sequence never share a receipt.
func LoanOpKey(loanID, op string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%d", loanOpPrefix, loanID, op, seq))
}

func BorrowerLoanIndexKey(borrower string) []byte { return []byte(borrowerLoanIndex + borrower) }

func LenderLoanIndexKey(lender string) []byte { return []byte(lenderLoanIndex + lender) }

func LenderFloorKey(lender string) []byte { return []byte(lenderFloorPrefix + lender) }

func PoolKey(asset string) []byte { return []byte(poolPrefix + NormalizeAsset(asset)) }

func PoolPositionKey(asset, account string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", poolPositionPrefix, NormalizeAsset(asset), account))
}

func DelegationKey(id string) []byte { return []byte(delegationPrefix + id) }

func DelegatorIndexKey(delegator string) []byte { return []byte(delegatorIndexPrefix + delegator) }

func DelegateeIndexKey(delegatee string) []byte { return []byte(delegateeIndexPrefix + delegatee) }

func DelegationLoansKey(id string) []byte { return []byte(delegationLoanPrefix + id) }

func NFTKey(id string) []byte { return []byte(nftPrefix + id) }

func SequenceKey(name string) []byte { return []byte(sequencePrefix + name) }

func ClockKey() []byte { return []byte(clockKey) }

func QuotaKey(module, account string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", quotaPrefix, module, account))
}
