package ledger

import "math/big"

var (
	// Ray is the 1e27 fixed point unit used by accrual indexes.
	Ray     = mustBigInt("1000000000000000000000000000")
	halfRay = new(big.Int).Rsh(Ray, 1)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// NewRay returns a fresh copy of the unit index.
func NewRay() *big.Int { return new(big.Int).Set(Ray) }

// RayMul returns a*b/RAY rounded half up.
func RayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	return product.Quo(product, Ray)
}

// RayDiv returns a*RAY/b rounded half up. Division by zero yields zero.
func RayDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, Ray)
	numerator.Add(numerator, halfUp(b))
	return numerator.Quo(numerator, b)
}

// RayDivDown returns floor(a*RAY/b). Used when minting claims so that rounding
// never favours the caller.
func RayDivDown(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, Ray)
	return numerator.Quo(numerator, b)
}

// RayMulDown returns floor(a*b/RAY).
func RayMulDown(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, Ray)
}

// RatToRay converts r to ray precision, rounding half up.
func RatToRay(r *big.Rat) *big.Int {
	if r == nil {
		return NewRay()
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(Ray))
	num := scaled.Num()
	den := scaled.Denom()
	return new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
}

// RateFactor returns 1 + rate*delta/blocksPerYear in ray precision.
func RateFactor(rate *big.Rat, delta, blocksPerYear uint64) *big.Int {
	if rate == nil || rate.Sign() == 0 || delta == 0 || blocksPerYear == 0 {
		return NewRay()
	}
	perPeriod := new(big.Rat).Set(rate)
	perPeriod.Quo(perPeriod, new(big.Rat).SetUint64(blocksPerYear))
	perPeriod.Mul(perPeriod, new(big.Rat).SetUint64(delta))
	return RatToRay(new(big.Rat).Add(big.NewRat(1, 1), perPeriod))
}

// AccruedOver returns floor(amount * rate * delta / blocksPerYear).
func AccruedOver(amount *big.Int, rate *big.Rat, delta, blocksPerYear uint64) *big.Int {
	if amount == nil || amount.Sign() == 0 || rate == nil || rate.Sign() == 0 || delta == 0 || blocksPerYear == 0 {
		return big.NewInt(0)
	}
	interest := new(big.Rat).Mul(rate, new(big.Rat).SetInt(amount))
	interest.Mul(interest, new(big.Rat).SetUint64(delta))
	interest.Quo(interest, new(big.Rat).SetUint64(blocksPerYear))
	if interest.Sign() <= 0 {
		return big.NewInt(0)
	}
	return new(big.Int).Quo(interest.Num(), interest.Denom())
}

func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	return half.Rsh(half, 1)
}
