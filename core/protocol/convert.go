package protocol

import (
	"math/big"

	"github.com/shopspring/decimal"

	"bittrust/core/ledger"
)

var bpsScale = decimal.NewFromInt(ledger.BasisPoints)

// decimalBps converts a rendered ratio such as "0.800000" to basis points,
// rounding down. Unparseable input reads as zero.
func decimalBps(ratio string) ledger.Bps {
	d, err := decimal.NewFromString(ratio)
	if err != nil || d.Sign() <= 0 {
		return 0
	}
	return ledger.Bps(d.Mul(bpsScale).Floor().IntPart())
}

func parseInt(raw string) *big.Int {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
