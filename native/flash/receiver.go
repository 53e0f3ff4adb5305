package flash

import (
	"context"
	"math/big"

	coreerrors "bittrust/core/errors"
	"bittrust/native/bank"
)

// Receiver is the borrower-side callback of a flash loan. It runs
// synchronously inside the lending transaction and must return the amount
// plus fee to the pool before it returns.
type Receiver interface {
	OnFlashLoan(ctx context.Context, fc *Context) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, fc *Context) error

// OnFlashLoan implements Receiver.
func (f ReceiverFunc) OnFlashLoan(ctx context.Context, fc *Context) error { return f(ctx, fc) }

// Context exposes the loan and the target's balances to the receiver. Every
// movement is bound to the enclosing transaction and reverted with it.
type Context struct {
	asset  string
	target string
	pool   string
	amount *big.Int
	fee    *big.Int
	bank   *bank.Bank
}

func (c *Context) Asset() string { return c.asset }
func (c *Context) Target() string { return c.target }
func (c *Context) Amount() *big.Int { return new(big.Int).Set(c.amount) }
func (c *Context) Fee() *big.Int { return new(big.Int).Set(c.fee) }
func (c *Context) Owed() *big.Int { return new(big.Int).Add(c.amount, c.fee) }
func (c *Context) PoolAccount() string { return c.pool }

// Balance returns the balance of id in the loan asset.
func (c *Context) Balance(id string) (*big.Int, error) {
	return c.bank.Balance(c.asset, id)
}

// Transfer moves funds out of the target account.
func (c *Context) Transfer(to string, amount *big.Int) error {
	return c.bank.Transfer(c.asset, c.target, to, amount)
}

// Repay returns amount from the target to the pool.
func (c *Context) Repay(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return coreerrors.Wrap(coreerrors.ErrInvalidArgument, "flash: repayment must be positive")
	}
	return c.bank.Transfer(c.asset, c.target, c.pool, amount)
}

type flashKey struct{}

func withFlash(ctx context.Context) context.Context {
	return context.WithValue(ctx, flashKey{}, true)
}

func inFlash(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	active, _ := ctx.Value(flashKey{}).(bool)
	return active
}
