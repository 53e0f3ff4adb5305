package delegation

import (
	"bytes"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	coreerrors "bittrust/core/errors"
	"bittrust/core/events"
	"bittrust/core/ledger"
	"bittrust/core/state"
	"bittrust/core/types"
	"bittrust/native/lending"
	"bittrust/native/pool"
	"bittrust/native/reputation"
	"bittrust/storage"
)

type harness struct {
	tx         *state.Tx
	dispatcher *events.Dispatcher
	reputation *reputation.Engine
	pools      *pool.Engine
	loans      *lending.Engine
	engine     *Engine
}

func newHarness(t *testing.T, params Params) *harness {
	t.Helper()
	tx := state.NewManager(storage.NewMemDB()).Begin()
	d := events.NewDispatcher()

	rep := reputation.NewEngine(reputation.DefaultParams())
	rep.SetState(tx)
	rep.SetEmitter(d)

	pools := pool.NewEngine(pool.Params{
		Assets:         []string{"STX"},
		UtilizationCap: 9_500,
		ReserveFactor:  1_000,
		BlocksPerYear:  50,
		AccountPrefix:  "module:pool:",
		Governance:     "gov",
	}, pool.NewKinkedModel(200, 1_000, 6_000, 8_000))
	pools.SetState(tx)
	pools.SetEmitter(d)

	lendingParams := lending.DefaultParams()
	lendingParams.BlocksPerYear = 50
	loans := lending.NewEngine(lendingParams)
	loans.SetState(tx)
	loans.SetReputation(rep)
	loans.SetPools(pools)
	loans.SetEmitter(d)

	engine := NewEngine(params)
	engine.SetState(tx)
	engine.SetReputation(rep)
	engine.SetLoans(loans)
	engine.SetEmitter(d)
	loans.SetGuarantor(engine)
	d.Subscribe(events.TypeReputationChanged, engine.OnReputationChanged)

	h := &harness{tx: tx, dispatcher: d, reputation: rep, pools: pools, loans: loans, engine: engine}
	for id, amount := range map[string]int64{"lp": 100_000, "eve": 500} {
		if err := tx.SetBalance("STX", id, big.NewInt(amount)); err != nil {
			t.Fatalf("fund %s: %v", id, err)
		}
	}
	if _, err := pools.Deposit("lp", "STX", big.NewInt(100_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return h
}

func (h *harness) at(height ledger.Height) {
	h.reputation.SetBlockHeight(height)
	h.pools.SetBlockHeight(height)
	h.loans.SetBlockHeight(height)
	h.engine.SetBlockHeight(height)
}

func (h *harness) delegation(t *testing.T, id string) *types.Delegation {
	t.Helper()
	d, err := h.engine.Delegation(id)
	if err != nil {
		t.Fatalf("delegation %s: %v", id, err)
	}
	return d
}

func (h *harness) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := h.tx.Balance("STX", id)
	if err != nil {
		t.Fatalf("balance %s: %v", id, err)
	}
	return b.Int64()
}

func TestCreateDelegationChecks(t *testing.T) {
	h := newHarness(t, DefaultParams())
	if _, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(1_000_001), 0, 100); !errors.Is(err, coreerrors.ErrLimitExceedsCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if _, err := h.reputation.Penalize("dan", 1, "test"); err != nil {
		t.Fatalf("penalize: %v", err)
	}
	if _, err := h.engine.CreateDelegation("dan", "eve", "STX", big.NewInt(1), 0, 100); !errors.Is(err, coreerrors.ErrInsufficientReputation) {
		t.Fatalf("expected insufficient reputation, got %v", err)
	}

	cases := map[string]func() error{
		"self": func() error {
			_, err := h.engine.CreateDelegation("dora", "dora", "STX", big.NewInt(1), 0, 100)
			return err
		},
		"zero limit": func() error {
			_, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(0), 0, 100)
			return err
		},
		"past expiry": func() error {
			_, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(1), 0, 0)
			return err
		},
		"fee above max": func() error {
			_, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(1), 10_001, 100)
			return err
		},
		"lifetime above max": func() error {
			_, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(1), 0, 52_561)
			return err
		},
	}
	for name, create := range cases {
		if err := create(); !errors.Is(err, coreerrors.ErrInvalidArgument) {
			t.Fatalf("%s: expected invalid argument, got %v", name, err)
		}
	}

	d, err := h.engine.CreateDelegation("dora", "eve", "stx", big.NewInt(1_000_000), 0, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Asset != "STX" || d.FeeBps != 100 || d.Used.Sign() != 0 {
		t.Fatalf("unexpected delegation %+v", d)
	}
	granted, err := h.engine.GrantedTo("eve")
	if err != nil || len(granted) != 1 || granted[0].ID != d.ID {
		t.Fatalf("expected delegation indexed for eve, got %v %v", granted, err)
	}
}

func TestCapacityIsSharedAcrossDelegations(t *testing.T) {
	h := newHarness(t, DefaultParams())
	first, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(600_000), 0, 100)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := h.engine.CreateDelegation("dora", "fay", "STX", big.NewInt(500_000), 0, 100); !errors.Is(err, coreerrors.ErrLimitExceedsCapacity) {
		t.Fatalf("expected aggregate capacity error, got %v", err)
	}
	if _, err := h.engine.CreateDelegation("dora", "fay", "STX", big.NewInt(400_000), 0, 100); err != nil {
		t.Fatalf("second within capacity: %v", err)
	}
	if _, err := h.engine.CreateDelegation("dora", "gus", "STX", big.NewInt(1), 0, 100); !errors.Is(err, coreerrors.ErrLimitExceedsCapacity) {
		t.Fatalf("capacity is exhausted, got %v", err)
	}

	if _, err := h.engine.DrawDelegatedLoan(first.ID, "eve", big.NewInt(1_000), 0, 0); err != nil {
		t.Fatalf("draw: %v", err)
	}
	if _, err := h.engine.Revoke(first.ID, "dora"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := h.engine.CreateDelegation("dora", "gus", "STX", big.NewInt(599_000), 0, 100); err != nil {
		t.Fatalf("revoked capacity should be free again: %v", err)
	}
	if _, err := h.engine.CreateDelegation("dora", "gus", "STX", big.NewInt(1), 0, 100); !errors.Is(err, coreerrors.ErrLimitExceedsCapacity) {
		t.Fatalf("outstanding draw keeps its share, got %v", err)
	}

	h.at(101)
	if _, err := h.engine.CreateDelegation("dora", "gus", "STX", big.NewInt(999_000), 0, 200); err != nil {
		t.Fatalf("expired grants only hold their draws: %v", err)
	}
	granted, err := h.engine.GrantedBy("dora")
	if err != nil || len(granted) != 4 {
		t.Fatalf("expected 4 grants, got %d (%v)", len(granted), err)
	}
}

func TestDrawNeverExceedsLimit(t *testing.T) {
	h := newHarness(t, DefaultParams())
	d, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(10_000), 0, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.engine.DrawDelegatedLoan(d.ID, "eve", big.NewInt(6_000), 0, 0); err != nil {
		t.Fatalf("draw: %v", err)
	}
	if _, err := h.engine.DrawDelegatedLoan(d.ID, "eve", big.NewInt(4_001), 0, 0); !errors.Is(err, coreerrors.ErrDelegationLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
	if _, err := h.engine.DrawDelegatedLoan(d.ID, "mallory", big.NewInt(1), 0, 0); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized caller, got %v", err)
	}
	loan, err := h.engine.DrawDelegatedLoan(d.ID, "eve", big.NewInt(4_000), 0, 0)
	if err != nil {
		t.Fatalf("draw to limit: %v", err)
	}
	if loan.Guarantor != "dora" || loan.DelegationID != d.ID || !loan.PoolFunded {
		t.Fatalf("loan not tied to delegation: %+v", loan)
	}
	if loan.RateBps != 1_000 || loan.DurationBlocks != 100 {
		t.Fatalf("expected default rate and duration to expiry, got %d/%d", loan.RateBps, loan.DurationBlocks)
	}
	got := h.delegation(t, d.ID)
	if got.Used.Cmp(got.Limit) != 0 {
		t.Fatalf("expected fully used delegation, got %s of %s", got.Used, got.Limit)
	}
	if h.engine.Usable(got).Sign() != 0 {
		t.Fatalf("expected nothing usable")
	}
	ids, _ := h.engine.Loans(d.ID)
	if len(ids) != 2 {
		t.Fatalf("expected 2 linked loans, got %d", len(ids))
	}
	if h.balance(t, "eve") != 10_500 {
		t.Fatalf("expected delegatee funded from pool, got %d", h.balance(t, "eve"))
	}
}

func TestDrawAfterExpiryFails(t *testing.T) {
	h := newHarness(t, DefaultParams())
	d, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(10_000), 0, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	h.at(100)
	if _, err := h.engine.DrawDelegatedLoan(d.ID, "eve", big.NewInt(1), 0, 0); err != nil {
		t.Fatalf("draw at expiry: %v", err)
	}
	h.at(101)
	if _, err := h.engine.DrawDelegatedLoan(d.ID, "eve", big.NewInt(1), 0, 0); !errors.Is(err, coreerrors.ErrDelegationExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if h.engine.Usable(h.delegation(t, d.ID)).Sign() != 0 {
		t.Fatalf("expired delegation should be inert")
	}
}

func TestRepaymentRoutesFeeToDelegator(t *testing.T) {
	h := newHarness(t, DefaultParams())
	d, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(10_000), 1_000, 200)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loan, err := h.engine.DrawDelegatedLoan(d.ID, "eve", big.NewInt(1_000), 1_000, 100)
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	h.at(50)
	receipt, err := h.loans.Repay(loan.ID, "eve", big.NewInt(1_100), 1)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if receipt.Status != types.LoanRepaid || receipt.Interest.Int64() != 100 || receipt.Fee.Int64() != 10 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if got := h.balance(t, "dora"); got != 10 {
		t.Fatalf("expected delegator fee 10, got %d", got)
	}
	if got := h.balance(t, "eve"); got != 400 {
		t.Fatalf("expected delegatee left with 400, got %d", got)
	}
	cash, _ := h.pools.Cash("STX")
	if cash.Int64() != 100_090 {
		t.Fatalf("expected pool cash 100090, got %s", cash)
	}
	if used := h.delegation(t, d.ID).Used; used.Sign() != 0 {
		t.Fatalf("expected repaid principal released, used %s", used)
	}
	eve, _ := h.reputation.Score("eve")
	dora, _ := h.reputation.Score("dora")
	if eve != 511 || dora != 500 {
		t.Fatalf("expected only delegatee score to move, got eve %d dora %d", eve, dora)
	}
}

func TestDefaultPenalizesDelegatorAndWritesOff(t *testing.T) {
	h := newHarness(t, DefaultParams())
	d, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(10_000), 0, 200)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loan, err := h.engine.DrawDelegatedLoan(d.ID, "eve", big.NewInt(5_000), 0, 10)
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	before, _ := h.pools.Pool("STX")

	h.at(11)
	if _, err := h.loans.Expire(loan.ID, 1); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := h.dispatcher.Err(); err != nil {
		t.Fatalf("handler: %v", err)
	}
	dora, _ := h.reputation.Score("dora")
	if dora != 425 {
		t.Fatalf("expected delegator penalty of 75, got score %d", dora)
	}
	eve, _ := h.reputation.Score("eve")
	if eve != 350 {
		t.Fatalf("expected delegatee default penalty, got %d", eve)
	}
	after, _ := h.pools.Pool("STX")
	if diff := new(big.Int).Sub(before.TotalDeposited, after.TotalDeposited); diff.Int64() != 5_000 {
		t.Fatalf("expected 5000 written off, got %s", diff)
	}
	if after.TotalBorrowed.Sign() != 0 || after.LoanPrincipal.Sign() != 0 {
		t.Fatalf("expected no borrowings left, got %s/%s", after.TotalBorrowed, after.LoanPrincipal)
	}
	got := h.delegation(t, d.ID)
	if got.Used.Sign() != 0 || !got.Suspended {
		t.Fatalf("expected released and suspended delegation, got %+v", got)
	}
	if err := pool.CheckInvariant(after); err != nil {
		t.Fatalf("invariant: %v", err)
	}
}

func TestPenaltyIsProportionalWithFloor(t *testing.T) {
	e := NewEngine(DefaultParams())
	cases := []struct {
		principal, limit int64
		want             uint64
	}{
		{5_000, 10_000, 75},
		{10_000, 10_000, 150},
		{1, 1_000_000, 1},
		{20_000, 10_000, 150},
		{1, 0, 150},
	}
	for _, tc := range cases {
		if got := e.penalty(big.NewInt(tc.principal), big.NewInt(tc.limit)); got != tc.want {
			t.Fatalf("penalty(%d, %d) = %d, want %d", tc.principal, tc.limit, got, tc.want)
		}
	}
}

func TestReputationChangeRevalidates(t *testing.T) {
	params := DefaultParams()
	params.MinDelegatorScore = 450
	h := newHarness(t, params)
	d, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(800_000), 0, 200)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.reputation.Penalize("dora", 100, "test"); err != nil {
		t.Fatalf("penalize: %v", err)
	}
	capacity, _ := h.reputation.BorrowingLimit("dora")
	got := h.delegation(t, d.ID)
	if !got.Suspended || got.Limit.Cmp(capacity) != 0 {
		t.Fatalf("expected suspension and limit %s, got %+v", capacity, got)
	}
	if _, err := h.engine.DrawDelegatedLoan(d.ID, "eve", big.NewInt(1), 0, 0); !errors.Is(err, coreerrors.ErrInsufficientReputation) {
		t.Fatalf("expected suspended draw rejected, got %v", err)
	}

	if _, err := h.reputation.RecordOutcome("dora", reputation.OutcomeRepaid, big.NewInt(40_000)); err != nil {
		t.Fatalf("record: %v", err)
	}
	got = h.delegation(t, d.ID)
	if got.Suspended {
		t.Fatalf("expected delegation restored at score 450")
	}
	if got.Limit.Cmp(capacity) != 0 {
		t.Fatalf("limit must not grow back, got %s", got.Limit)
	}
	if _, err := h.engine.DrawDelegatedLoan(d.ID, "eve", big.NewInt(1), 0, 0); err != nil {
		t.Fatalf("draw after restore: %v", err)
	}
}

func TestRevalidationSharesCapacityOldestFirst(t *testing.T) {
	params := DefaultParams()
	params.MinDelegatorScore = 300
	h := newHarness(t, params)
	older, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(600_000), 0, 200)
	if err != nil {
		t.Fatalf("older: %v", err)
	}
	newer, err := h.engine.CreateDelegation("dora", "fay", "STX", big.NewInt(400_000), 0, 200)
	if err != nil {
		t.Fatalf("newer: %v", err)
	}
	if _, err := h.reputation.Penalize("dora", 100, "test"); err != nil {
		t.Fatalf("penalize: %v", err)
	}
	capacity, _ := h.reputation.BorrowingLimit("dora")
	if capacity.Cmp(big.NewInt(600_000)) <= 0 || capacity.Cmp(big.NewInt(1_000_000)) >= 0 {
		t.Fatalf("unexpected capacity at score 400: %s", capacity)
	}

	a := h.delegation(t, older.ID)
	b := h.delegation(t, newer.ID)
	if a.Suspended || b.Suspended {
		t.Fatalf("score 400 is above the floor")
	}
	if a.Limit.Int64() != 600_000 {
		t.Fatalf("oldest grant should keep its limit, got %s", a.Limit)
	}
	want := new(big.Int).Sub(capacity, big.NewInt(600_000))
	if b.Limit.Cmp(want) != 0 {
		t.Fatalf("expected newer limit %s, got %s", want, b.Limit)
	}
	if total := new(big.Int).Add(a.Limit, b.Limit); total.Cmp(capacity) > 0 {
		t.Fatalf("limits %s exceed capacity %s", total, capacity)
	}
}

func TestDefaultLogMasksDelegator(t *testing.T) {
	h := newHarness(t, DefaultParams())
	var buf bytes.Buffer
	h.engine.SetLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	d, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(10_000), 0, 200)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	loan, err := h.engine.DrawDelegatedLoan(d.ID, "eve", big.NewInt(1_000), 0, 10)
	if err != nil {
		t.Fatalf("draw: %v", err)
	}
	h.at(11)
	if _, err := h.loans.Expire(loan.ID, 0); err != nil {
		t.Fatalf("expire: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "delegated loan defaulted") {
		t.Fatalf("expected default log, got %s", out)
	}
	if strings.Contains(out, `"dora"`) {
		t.Fatalf("delegator id leaked into logs: %s", out)
	}
}

func TestRevoke(t *testing.T) {
	h := newHarness(t, DefaultParams())
	d, err := h.engine.CreateDelegation("dora", "eve", "STX", big.NewInt(10_000), 0, 200)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.engine.DrawDelegatedLoan(d.ID, "eve", big.NewInt(3_000), 0, 0); err != nil {
		t.Fatalf("draw: %v", err)
	}
	if _, err := h.engine.Revoke(d.ID, "eve"); !errors.Is(err, coreerrors.ErrUnauthorized) {
		t.Fatalf("expected only delegator may revoke, got %v", err)
	}
	revoked, err := h.engine.Revoke(d.ID, "dora")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Limit.Int64() != 3_000 {
		t.Fatalf("expected limit lowered to used, got %s", revoked.Limit)
	}
	if _, err := h.engine.DrawDelegatedLoan(d.ID, "eve", big.NewInt(1), 0, 0); !errors.Is(err, coreerrors.ErrDelegationLimitExceeded) {
		t.Fatalf("expected revoked delegation exhausted, got %v", err)
	}
}
