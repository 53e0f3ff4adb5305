package pool

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	coreerrors "bittrust/core/errors"
	"bittrust/core/ledger"
	"bittrust/core/state"
	"bittrust/core/types"
	nativecommon "bittrust/native/common"
	"bittrust/storage"
)

type fixedLimiter struct{ limit *big.Int }

func (f fixedLimiter) BorrowingLimit(string) (*big.Int, error) { return new(big.Int).Set(f.limit), nil }

func testParams() Params {
	return Params{
		Assets:         []string{"STX"},
		UtilizationCap: 9_500,
		ReserveFactor:  1_000,
		BlocksPerYear:  1_000,
		AccountPrefix:  "module:pool:",
		Governance:     "gov",
	}
}

func testModel() *InterestModel { return NewKinkedModel(200, 1_000, 6_000, 8_000) }

func newTestEngine(t *testing.T) (*Engine, *state.Tx) {
	t.Helper()
	tx := state.NewManager(storage.NewMemDB()).Begin()
	engine := NewEngine(testParams(), testModel())
	engine.SetState(tx)
	for _, id := range []string{"lp", "borrower", "lp2"} {
		if err := tx.SetBalance("STX", id, big.NewInt(1_000_000)); err != nil {
			t.Fatalf("fund %s: %v", id, err)
		}
	}
	return engine, tx
}

func mustPool(t *testing.T, e *Engine) *types.Pool {
	t.Helper()
	p, err := e.Pool("STX")
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return p
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	engine, tx := newTestEngine(t)
	shares, err := engine.Deposit("lp", "stx", big.NewInt(100_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if shares.Int64() != 100_000 {
		t.Fatalf("expected 1:1 shares at unit index, got %s", shares)
	}
	cash, _ := engine.Cash("STX")
	if cash.Int64() != 100_000 {
		t.Fatalf("expected pool cash 100000, got %s", cash)
	}
	owed, err := engine.Withdraw("lp", "STX", shares)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if owed.Int64() != 100_000 {
		t.Fatalf("expected 100000 back, got %s", owed)
	}
	balance, _ := tx.Balance("STX", "lp")
	if balance.Int64() != 1_000_000 {
		t.Fatalf("expected lp balance restored, got %s", balance)
	}
	if _, err := engine.Withdraw("lp", "STX", big.NewInt(1)); !errors.Is(err, coreerrors.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient shares, got %v", err)
	}
}

func TestUnknownAssetRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	if _, err := engine.Deposit("lp", "DOGE", big.NewInt(1)); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBorrowUtilizationCap(t *testing.T) {
	engine, _ := newTestEngine(t)
	if _, err := engine.Deposit("lp", "STX", big.NewInt(100_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Borrow("borrower", "STX", big.NewInt(96_000)); !errors.Is(err, coreerrors.ErrPoolUtilizationExceeded) {
		t.Fatalf("expected utilization error, got %v", err)
	}
	rate, err := engine.Borrow("borrower", "STX", big.NewInt(95_000))
	if err != nil {
		t.Fatalf("borrow at cap: %v", err)
	}
	// 95% utilisation: 1000 + 5000 * 15/20 = 4750 bps
	if rate != 4_750 {
		t.Fatalf("expected 4750 bps, got %d", rate)
	}
}

func TestWithdrawBlockedByBorrowedLiquidity(t *testing.T) {
	engine, _ := newTestEngine(t)
	shares, err := engine.Deposit("lp", "STX", big.NewInt(100_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Borrow("borrower", "STX", big.NewInt(80_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := engine.Withdraw("lp", "STX", shares); !errors.Is(err, coreerrors.ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	if _, err := engine.Withdraw("lp", "STX", big.NewInt(20_000)); err != nil {
		t.Fatalf("withdraw free liquidity: %v", err)
	}
}

func TestInterestCurve(t *testing.T) {
	model := testModel()
	cases := []struct {
		borrowed int64
		want     ledger.Bps
	}{
		{0, 200},
		{40_000, 600},
		{80_000, 1_000},
		{90_000, 3_500},
		{100_000, 6_000},
	}
	for _, tc := range cases {
		got := ToBps(model.BorrowAPR(big.NewInt(tc.borrowed), big.NewInt(100_000)))
		if got != tc.want {
			t.Fatalf("borrowed %d: expected %d bps, got %d", tc.borrowed, tc.want, got)
		}
	}
}

func TestAccrueInterest(t *testing.T) {
	engine, _ := newTestEngine(t)
	if _, err := engine.Deposit("lp", "STX", big.NewInt(100_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Borrow("borrower", "STX", big.NewInt(80_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	engine.SetBlockHeight(100)
	p, err := engine.AccrueInterest("STX")
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	// 80000 * 10% * 100/1000 = 800 interest, 10% of it skimmed.
	if p.TotalBorrowed.Int64() != 80_800 || p.TotalDeposited.Int64() != 100_800 || p.ReserveBalance.Int64() != 80 {
		t.Fatalf("unexpected totals: borrowed=%s deposited=%s reserve=%s", p.TotalBorrowed, p.TotalDeposited, p.ReserveBalance)
	}
	// 1 + 0.1*0.8*0.9*0.1 = 1.0072
	wantSupply := new(big.Int).Div(new(big.Int).Mul(ledger.Ray, big.NewInt(10_072)), big.NewInt(10_000))
	if p.SupplyIndex.Cmp(wantSupply) != 0 {
		t.Fatalf("expected supply index %s, got %s", wantSupply, p.SupplyIndex)
	}
	debt, err := engine.Debt("STX", "borrower")
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if debt.Int64() != 80_800 {
		t.Fatalf("expected debt 80800, got %s", debt)
	}

	snap, err := engine.Snapshot("STX")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.SupplyIndex != "1.007200000000" {
		t.Fatalf("unexpected supply index rendering %q", snap.SupplyIndex)
	}
}

func TestHoldingReflectsAccrual(t *testing.T) {
	engine, _ := newTestEngine(t)
	shares, err := engine.Deposit("lp", "STX", big.NewInt(100_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Borrow("borrower", "STX", big.NewInt(80_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	engine.SetBlockHeight(100)
	lp, err := engine.Holding("stx", "lp")
	if err != nil {
		t.Fatalf("holding: %v", err)
	}
	if lp.Asset != "STX" || lp.Shares != shares.String() || lp.Value != "100720" || lp.Debt != "0" {
		t.Fatalf("unexpected lp holding %+v", lp)
	}
	borrower, _ := engine.Holding("STX", "borrower")
	if borrower.Debt != "80800" || borrower.Shares != "0" {
		t.Fatalf("unexpected borrower holding %+v", borrower)
	}
	if p := mustPool(t, engine); p.LastAccrualBlock != 0 {
		t.Fatalf("holding must not persist the accrual, last accrual %d", p.LastAccrualBlock)
	}
	if _, err := engine.Holding("DOGE", "lp"); err == nil {
		t.Fatalf("expected unsupported asset error")
	}
}

func TestAccrueDeterministic(t *testing.T) {
	base := &types.Pool{
		Asset:          "STX",
		TotalDeposited: big.NewInt(1_000_003),
		TotalBorrowed:  big.NewInt(777_777),
		ReserveBalance: big.NewInt(12),
		TotalShares:    big.NewInt(999_999),
		SupplyIndex:    ledger.NewRay(),
		BorrowIndex:    ledger.NewRay(),
		LoanPrincipal:  big.NewInt(0),
	}
	a, b := base.Clone(), base.Clone()
	Accrue(a, testModel(), 1_000, 37, 52_560)
	Accrue(b, testModel(), 1_000, 37, 52_560)
	if !a.Equal(b) {
		t.Fatalf("identical inputs produced different pools")
	}
	if a.Equal(base) {
		t.Fatalf("accrual did not move the pool")
	}
}

func TestReserveSkimClamped(t *testing.T) {
	p := &types.Pool{
		Asset:          "STX",
		TotalDeposited: big.NewInt(1_000),
		TotalBorrowed:  big.NewInt(990),
		ReserveBalance: big.NewInt(10),
		TotalShares:    big.NewInt(1_000),
		SupplyIndex:    ledger.NewRay(),
		BorrowIndex:    ledger.NewRay(),
		LoanPrincipal:  big.NewInt(0),
	}
	result := Accrue(p, testModel(), 5_000, 1_000, 1_000)
	if result.Interest.Sign() == 0 {
		t.Fatalf("expected interest")
	}
	if result.Reserve.Sign() != 0 {
		t.Fatalf("expected skim clamped to zero free liquidity, got %s", result.Reserve)
	}
	if err := CheckInvariant(p); err != nil {
		t.Fatalf("invariant broken: %v", err)
	}
}

func TestPoolInvariantUnderRandomOperations(t *testing.T) {
	engine, _ := newTestEngine(t)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		engine.SetBlockHeight(ledger.Height(i * 3))
		amount := big.NewInt(rng.Int63n(20_000) + 1)
		var err error
		switch rng.Intn(5) {
		case 0, 1:
			_, err = engine.Deposit("lp", "STX", amount)
		case 2:
			_, err = engine.Borrow("borrower", "STX", amount)
		case 3:
			_, err = engine.Repay("borrower", "STX", amount)
		case 4:
			_, err = engine.Withdraw("lp", "STX", amount)
		}
		if coreerrors.Is(err, coreerrors.KindInternal) {
			t.Fatalf("step %d: %v", i, err)
		}
		if err := CheckInvariant(mustPool(t, engine)); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestBorrowGatedByLimiter(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.SetLimiter(fixedLimiter{limit: big.NewInt(50)})
	if _, err := engine.Deposit("lp", "STX", big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Borrow("borrower", "STX", big.NewInt(51)); !errors.Is(err, coreerrors.ErrReputationTooLow) {
		t.Fatalf("expected reputation error, got %v", err)
	}
	if _, err := engine.Borrow("borrower", "STX", big.NewInt(50)); err != nil {
		t.Fatalf("borrow within limit: %v", err)
	}
}

func TestRepayCapsAtDebt(t *testing.T) {
	engine, tx := newTestEngine(t)
	if _, err := engine.Deposit("lp", "STX", big.NewInt(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := engine.Borrow("borrower", "STX", big.NewInt(1_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	paid, err := engine.Repay("borrower", "STX", big.NewInt(5_000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if paid.Int64() != 1_000 {
		t.Fatalf("expected only the debt to be taken, got %s", paid)
	}
	balance, _ := tx.Balance("STX", "borrower")
	if balance.Int64() != 1_000_000 {
		t.Fatalf("unexpected borrower balance %s", balance)
	}
	if _, err := engine.Repay("borrower", "STX", big.NewInt(1)); !errors.Is(err, coreerrors.ErrNotFound) {
		t.Fatalf("expected no debt, got %v", err)
	}
}

func TestSettleAndWriteOff(t *testing.T) {
	engine, _ := newTestEngine(t)
	if _, err := engine.Deposit("lp", "STX", big.NewInt(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := engine.Disburse("STX", "borrower", big.NewInt(1_000)); err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if err := engine.Settle("STX", "borrower", big.NewInt(500), big.NewInt(100)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	p := mustPool(t, engine)
	if p.TotalBorrowed.Int64() != 500 || p.LoanPrincipal.Int64() != 500 {
		t.Fatalf("unexpected borrowed after settle: %s/%s", p.TotalBorrowed, p.LoanPrincipal)
	}
	if p.ReserveBalance.Int64() != 10 || p.TotalDeposited.Int64() != 10_100 {
		t.Fatalf("unexpected reserve/deposits: %s/%s", p.ReserveBalance, p.TotalDeposited)
	}
	if p.SupplyIndex.Cmp(ledger.Ray) <= 0 {
		t.Fatalf("expected depositors to earn settled interest")
	}

	if err := engine.WriteOff("STX", big.NewInt(500)); err != nil {
		t.Fatalf("write off: %v", err)
	}
	p = mustPool(t, engine)
	if p.TotalBorrowed.Sign() != 0 || p.ReserveBalance.Sign() != 0 || p.TotalDeposited.Int64() != 9_600 {
		t.Fatalf("unexpected pool after write-off: %+v", p)
	}
	if err := CheckInvariant(p); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestWithdrawReserveGovernanceOnly(t *testing.T) {
	engine, tx := newTestEngine(t)
	if _, err := engine.Deposit("lp", "STX", big.NewInt(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := tx.SetBalance("STX", engine.Account("STX"), big.NewInt(10_050)); err != nil {
		t.Fatalf("seed fee: %v", err)
	}
	if err := engine.CollectFee("STX", big.NewInt(50)); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if err := engine.WithdrawReserve("lp", "STX", "lp", big.NewInt(10)); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := engine.WithdrawReserve("gov", "STX", "treasury", big.NewInt(51)); !errors.Is(err, coreerrors.ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient reserve, got %v", err)
	}
	if err := engine.WithdrawReserve("gov", "STX", "treasury", big.NewInt(50)); err != nil {
		t.Fatalf("withdraw reserve: %v", err)
	}
	balance, _ := tx.Balance("STX", "treasury")
	if balance.Int64() != 50 {
		t.Fatalf("expected treasury to hold 50, got %s", balance)
	}
}

func TestPausedPool(t *testing.T) {
	engine, _ := newTestEngine(t)
	engine.SetPauses(nativecommon.Pauses{nativecommon.ModulePool: true})
	if _, err := engine.Deposit("lp", "STX", big.NewInt(1)); !errors.Is(err, coreerrors.ErrPaused) {
		t.Fatalf("expected paused, got %v", err)
	}
}
