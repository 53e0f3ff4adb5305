package lending

import (
	"bytes"
	"errors"
	"log/slog"
	"math/big"
	"math/rand"
	"strings"
	"testing"

	coreerrors "bittrust/core/errors"
	"bittrust/core/events"
	"bittrust/core/ledger"
	"bittrust/core/state"
	"bittrust/core/types"
	nativecommon "bittrust/native/common"
	"bittrust/native/reputation"
	"bittrust/observability/logging"
	"bittrust/storage"
)

type harness struct {
	tx         *state.Tx
	engine     *Engine
	reputation *reputation.Engine
	dispatcher *events.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tx := state.NewManager(storage.NewMemDB()).Begin()
	dispatcher := events.NewDispatcher()

	rep := reputation.NewEngine(reputation.DefaultParams())
	rep.SetState(tx)
	rep.SetEmitter(dispatcher)

	params := DefaultParams()
	params.BlocksPerYear = 50
	engine := NewEngine(params)
	engine.SetState(tx)
	engine.SetReputation(rep)
	engine.SetEmitter(dispatcher)

	h := &harness{tx: tx, engine: engine, reputation: rep, dispatcher: dispatcher}
	h.fund(t, "alice", 10_000)
	h.fund(t, "bob", 2_000)
	h.fund(t, "carol", 10_000)
	return h
}

func (h *harness) fund(t *testing.T, id string, amount int64) {
	t.Helper()
	if err := h.tx.SetBalance("STX", id, big.NewInt(amount)); err != nil {
		t.Fatalf("fund %s: %v", id, err)
	}
}

func (h *harness) at(height ledger.Height) {
	h.engine.SetBlockHeight(height)
	h.reputation.SetBlockHeight(height)
}

func (h *harness) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := h.tx.Balance("STX", id)
	if err != nil {
		t.Fatalf("balance %s: %v", id, err)
	}
	return b.Int64()
}

func standardTerms() Terms {
	return Terms{
		Lender:        "alice",
		Borrower:      "bob",
		Asset:         "STX",
		Principal:     big.NewInt(1_000),
		Collateral:    big.NewInt(1_500),
		MinCollateral: 150,
		Rate:          1_000,
		Duration:      100,
	}
}

func (h *harness) openStandard(t *testing.T) *types.Loan {
	t.Helper()
	loan, err := h.engine.CreateLoan(standardTerms())
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	return loan
}

func TestScenarioRepaidWithInterest(t *testing.T) {
	h := newHarness(t)
	loan := h.openStandard(t)
	if loan.Status != types.LoanActive {
		t.Fatalf("expected active loan, got %s", loan.Status)
	}
	if h.balance(t, h.engine.Params().EscrowAccount) != 1_500 {
		t.Fatalf("collateral not escrowed")
	}

	h.at(50)
	receipt, err := h.engine.Repay(loan.ID, "bob", big.NewInt(1_100), 0)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if receipt.Interest.Int64() != 100 || receipt.Principal.Int64() != 1_000 || receipt.Refund.Sign() != 0 {
		t.Fatalf("unexpected split: %+v", receipt)
	}
	if receipt.Status != types.LoanRepaid {
		t.Fatalf("expected repaid, got %s", receipt.Status)
	}
	if got := h.balance(t, "alice"); got != 10_000-1_000+1_100 {
		t.Fatalf("lender should have received 1100, balance %d", got)
	}
	if got := h.balance(t, "bob"); got != 2_000+1_000-1_100 {
		t.Fatalf("borrower should hold collateral back, balance %d", got)
	}
	score, _ := h.reputation.Score("bob")
	if score != 511 {
		t.Fatalf("expected 511, got %d", score)
	}
}

func TestOverpaymentRefunded(t *testing.T) {
	h := newHarness(t)
	loan := h.openStandard(t)
	h.at(50)
	receipt, err := h.engine.Repay(loan.ID, "bob", big.NewInt(1_500), 0)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if receipt.Refund.Int64() != 400 {
		t.Fatalf("expected 400 refund, got %s", receipt.Refund)
	}
	stored, _ := h.engine.Loan(loan.ID)
	if stored.Repaid.Int64() != 1_100 {
		t.Fatalf("repaid must not exceed principal plus interest, got %s", stored.Repaid)
	}
	if _, err := h.engine.Repay(loan.ID, "bob", big.NewInt(1), 0); !errors.Is(err, coreerrors.ErrLoanNotActive) {
		t.Fatalf("expected loan not active, got %v", err)
	}
}

func TestRepaidNeverExceedsOwed(t *testing.T) {
	h := newHarness(t)
	h.fund(t, "bob", 1_000_000)
	loan := h.openStandard(t)
	rng := rand.New(rand.NewSource(3))
	height := ledger.Height(0)
	for i := 0; i < 50; i++ {
		height += ledger.Height(rng.Intn(5))
		h.at(height)
		current, _ := h.engine.Loan(loan.ID)
		if current.Status != types.LoanActive {
			break
		}
		if _, err := h.engine.Repay(loan.ID, "bob", big.NewInt(rng.Int63n(300)+1), 0); err != nil {
			t.Fatalf("repay %d: %v", i, err)
		}
		current, _ = h.engine.Loan(loan.ID)
		accrued := ledger.SimpleInterest(current.Principal, current.RateBps, uint64(height), 50)
		bound := new(big.Int).Add(current.Principal, accrued)
		if current.Repaid.Cmp(bound) > 0 {
			t.Fatalf("repaid %s exceeds bound %s", current.Repaid, bound)
		}
	}
}

func TestCreateLoanChecks(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Terms)
		setup  func(*testing.T, *harness)
		want   error
	}{
		{
			name:   "thin collateral",
			mutate: func(tr *Terms) { tr.Collateral = big.NewInt(1_499) },
			want:   coreerrors.ErrInsufficientCollateral,
		},
		{
			name: "lender floor",
			setup: func(t *testing.T, h *harness) {
				if err := h.engine.SetLenderFloor("alice", 600); err != nil {
					t.Fatalf("floor: %v", err)
				}
			},
			want: coreerrors.ErrReputationTooLow,
		},
		{
			name: "borrowing limit",
			mutate: func(tr *Terms) {
				tr.Principal = big.NewInt(1_000_001)
				tr.Collateral = big.NewInt(2_000_000)
			},
			want: coreerrors.ErrReputationTooLow,
		},
		{
			name:   "self loan",
			mutate: func(tr *Terms) { tr.Lender = "bob" },
			want:   coreerrors.ErrInvalidArgument,
		},
		{
			name:   "zero duration",
			mutate: func(tr *Terms) { tr.Duration = 0 },
			want:   coreerrors.ErrInvalidArgument,
		},
		{
			name:   "lender short of funds",
			mutate: func(tr *Terms) { tr.Lender = "dave" },
			want:   coreerrors.ErrInsufficientBalance,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			if tc.setup != nil {
				tc.setup(t, h)
			}
			terms := standardTerms()
			if tc.mutate != nil {
				tc.mutate(&terms)
			}
			if _, err := h.engine.CreateLoan(terms); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestCooldownBlocksBorrowing(t *testing.T) {
	h := newHarness(t)
	if _, err := h.reputation.RecordOutcome("bob", reputation.OutcomeDefaulted, big.NewInt(1)); err != nil {
		t.Fatalf("default: %v", err)
	}
	if _, err := h.engine.CreateLoan(standardTerms()); !errors.Is(err, coreerrors.ErrReputationTooLow) {
		t.Fatalf("expected cool-down rejection, got %v", err)
	}
}

func TestIdempotentRepay(t *testing.T) {
	h := newHarness(t)
	loan := h.openStandard(t)
	h.at(10)
	first, err := h.engine.Repay(loan.ID, "bob", big.NewInt(300), 7)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	before := h.balance(t, "bob")
	second, err := h.engine.Repay(loan.ID, "bob", big.NewInt(300), 7)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.Interest.Cmp(first.Interest) != 0 || second.Principal.Cmp(first.Principal) != 0 {
		t.Fatalf("replay returned a different receipt: %+v vs %+v", second, first)
	}
	if h.balance(t, "bob") != before {
		t.Fatalf("duplicate submission moved funds")
	}
	if _, err := h.engine.Repay(loan.ID, "bob", big.NewInt(300), 8); err != nil {
		t.Fatalf("new seq must apply: %v", err)
	}
	if h.balance(t, "bob") != before-300 {
		t.Fatalf("expected second payment to apply")
	}
}

func TestCheckLiquidation(t *testing.T) {
	h := newHarness(t)
	loan := h.openStandard(t)

	receipt, err := h.engine.CheckLiquidation(loan.ID, big.NewInt(1_100), 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if receipt.Triggered || receipt.Status != types.LoanActive {
		t.Fatalf("110%% must not liquidate: %+v", receipt)
	}
	receipt, err = h.engine.CheckLiquidation(loan.ID, big.NewInt(1_099), 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !receipt.Triggered || receipt.Status != types.LoanLiquidated {
		t.Fatalf("expected liquidation: %+v", receipt)
	}
	if got := h.balance(t, "alice"); got != 10_000-1_000+1_500 {
		t.Fatalf("lender should receive collateral, balance %d", got)
	}
	score, _ := h.reputation.Score("bob")
	if score != 350 {
		t.Fatalf("expected 350 after liquidation, got %d", score)
	}
	if _, err := h.engine.CheckLiquidation(loan.ID, big.NewInt(0), 0); !errors.Is(err, coreerrors.ErrLoanNotActive) {
		t.Fatalf("terminal loans are immutable, got %v", err)
	}
}

func TestLiquidationIgnoresAccruedInterest(t *testing.T) {
	h := newHarness(t)
	loan := h.openStandard(t)
	h.at(50)
	interest, principal := h.engine.Owed(loan)
	if interest.Int64() != 100 || principal.Int64() != 1_000 {
		t.Fatalf("expected 100 interest on 1000 principal, got %s/%s", interest, principal)
	}

	// 1150 is above 110% of principal but below 110% of principal plus interest.
	receipt, err := h.engine.CheckLiquidation(loan.ID, big.NewInt(1_150), 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if receipt.Triggered || receipt.Status != types.LoanActive {
		t.Fatalf("interest must not count toward the threshold: %+v", receipt)
	}

	if _, err := h.engine.Repay(loan.ID, "bob", big.NewInt(600), 0); err != nil {
		t.Fatalf("repay: %v", err)
	}
	receipt, err = h.engine.CheckLiquidation(loan.ID, big.NewInt(550), 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if receipt.Triggered {
		t.Fatalf("threshold should follow outstanding principal 500: %+v", receipt)
	}
	receipt, err = h.engine.CheckLiquidation(loan.ID, big.NewInt(549), 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !receipt.Triggered || receipt.Status != types.LoanLiquidated {
		t.Fatalf("expected liquidation below 110%% of 500: %+v", receipt)
	}
}

func TestIdempotencyScopedByOperation(t *testing.T) {
	h := newHarness(t)
	loan := h.openStandard(t)
	h.at(10)
	repaid, err := h.engine.Repay(loan.ID, "bob", big.NewInt(300), 1)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Status != types.LoanActive {
		t.Fatalf("partial repayment should leave the loan active, got %s", repaid.Status)
	}

	h.at(101)
	expired, err := h.engine.Expire(loan.ID, 1)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if !expired.Triggered || expired.Status != types.LoanDefaulted {
		t.Fatalf("expire with a reused seq replayed the repay receipt: %+v", expired)
	}
	stored, _ := h.engine.Loan(loan.ID)
	if stored.Status != types.LoanDefaulted {
		t.Fatalf("expected stored loan defaulted, got %s", stored.Status)
	}
	again, err := h.engine.Repay(loan.ID, "bob", big.NewInt(300), 1)
	if err != nil || again.Status != types.LoanActive || again.Principal.Cmp(repaid.Principal) != 0 {
		t.Fatalf("repay seq 1 should still replay its own receipt, got %+v, %v", again, err)
	}
}

func TestAccountLoansAndStats(t *testing.T) {
	h := newHarness(t)
	first := h.openStandard(t)
	h.at(50)
	if _, err := h.engine.Repay(first.ID, "bob", big.NewInt(1_100), 0); err != nil {
		t.Fatalf("repay: %v", err)
	}
	toCarol := standardTerms()
	toCarol.Borrower = "carol"
	if _, err := h.engine.CreateLoan(toCarol); err != nil {
		t.Fatalf("carol loan: %v", err)
	}
	defaulting := h.openStandard(t)
	request := standardTerms()
	request.Lender = "carol"
	request.Principal = big.NewInt(500)
	request.Collateral = big.NewInt(750)
	pending, err := h.engine.RequestLoan(request)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	h.at(151)
	if _, err := h.engine.Expire(defaulting.ID, 0); err != nil {
		t.Fatalf("expire: %v", err)
	}

	borrowed, err := h.engine.Borrowed("bob")
	if err != nil {
		t.Fatalf("borrowed: %v", err)
	}
	if len(borrowed) != 3 || borrowed[0].ID != first.ID || borrowed[1].ID != defaulting.ID || borrowed[2].ID != pending.ID {
		t.Fatalf("unexpected borrowed list: %d loans", len(borrowed))
	}
	lent, err := h.engine.Lent("carol")
	if err != nil || len(lent) != 1 || lent[0].ID != pending.ID {
		t.Fatalf("expected carol to see the pending request, got %d (%v)", len(lent), err)
	}

	bob, err := h.engine.Stats("bob")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if bob.TotalBorrowed.Int64() != 2_000 || bob.TotalRepaid.Int64() != 1_100 ||
		bob.ActiveBorrowed != 0 || bob.Defaults != 1 || bob.TotalLent.Sign() != 0 {
		t.Fatalf("unexpected bob stats: %+v", bob)
	}
	alice, _ := h.engine.Stats("alice")
	if alice.TotalLent.Int64() != 3_000 || alice.ActiveLent != 1 || alice.TotalBorrowed.Sign() != 0 {
		t.Fatalf("unexpected alice stats: %+v", alice)
	}
	carol, _ := h.engine.Stats("carol")
	if carol.TotalBorrowed.Int64() != 1_000 || carol.ActiveBorrowed != 1 || carol.TotalLent.Sign() != 0 || carol.ActiveLent != 0 {
		t.Fatalf("pending offers must not count as lent: %+v", carol)
	}
}

func TestExpire(t *testing.T) {
	h := newHarness(t)
	loan := h.openStandard(t)
	h.at(100)
	if _, err := h.engine.Expire(loan.ID, 0); !errors.Is(err, coreerrors.ErrInvalidArgument) {
		t.Fatalf("loan is still on time at its deadline, got %v", err)
	}
	h.at(101)
	receipt, err := h.engine.Expire(loan.ID, 1)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if receipt.Status != types.LoanDefaulted {
		t.Fatalf("expected defaulted, got %s", receipt.Status)
	}
	if got := h.balance(t, "alice"); got != 10_500 {
		t.Fatalf("lender should receive collateral, balance %d", got)
	}
	account, _ := h.reputation.Account("bob")
	if account.Score != 350 || account.CooldownUntil != 101+4_320 {
		t.Fatalf("unexpected borrower record: %+v", account)
	}
	replay, err := h.engine.Expire(loan.ID, 1)
	if err != nil || replay.Status != types.LoanDefaulted {
		t.Fatalf("expected replayed receipt, got %+v, %v", replay, err)
	}
}

func TestDefaultLogsMaskAccounts(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h.engine.SetLogger(logger)
	h.reputation.SetLogger(logger)
	loan := h.openStandard(t)
	h.at(101)
	if _, err := h.engine.Expire(loan.ID, 0); err != nil {
		t.Fatalf("expire: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "loan defaulted") || !strings.Contains(out, "reputation default recorded") {
		t.Fatalf("expected default logs, got %s", out)
	}
	if strings.Contains(out, `"bob"`) {
		t.Fatalf("borrower id leaked into logs: %s", out)
	}
	if !strings.Contains(out, logging.RedactedValue) {
		t.Fatalf("expected redacted placeholder: %s", out)
	}
}

func TestLateRepaymentKeepsScore(t *testing.T) {
	h := newHarness(t)
	loan := h.openStandard(t)
	h.at(120)
	if _, err := h.engine.Repay(loan.ID, "bob", big.NewInt(2_000), 0); err != nil {
		t.Fatalf("repay: %v", err)
	}
	score, _ := h.reputation.Score("bob")
	if score != 500 {
		t.Fatalf("late repayment must not raise the score, got %d", score)
	}
}

func TestRequestAcceptFlow(t *testing.T) {
	h := newHarness(t)
	terms := standardTerms()
	terms.Lender = ""
	loan, err := h.engine.RequestLoan(terms)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if loan.Status != types.LoanPending {
		t.Fatalf("expected pending, got %s", loan.Status)
	}
	if _, err := h.engine.Repay(loan.ID, "bob", big.NewInt(1), 0); !errors.Is(err, coreerrors.ErrLoanNotActive) {
		t.Fatalf("pending loans cannot be repaid, got %v", err)
	}
	if _, err := h.engine.AcceptLoan(loan.ID, "bob", 0); !errors.Is(err, coreerrors.ErrInvalidArgument) {
		t.Fatalf("borrower cannot fund own request, got %v", err)
	}
	h.at(5)
	receipt, err := h.engine.AcceptLoan(loan.ID, "carol", 0)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if receipt.Status != types.LoanActive {
		t.Fatalf("expected active, got %s", receipt.Status)
	}
	stored, _ := h.engine.Loan(loan.ID)
	if stored.Lender != "carol" || stored.StartBlock != 5 {
		t.Fatalf("unexpected loan after accept: %+v", stored)
	}
	if _, err := h.engine.AcceptLoan(loan.ID, "alice", 0); !errors.Is(err, coreerrors.ErrLoanNotActive) {
		t.Fatalf("second accept must fail, got %v", err)
	}
}

func TestNFTLoanLifecycle(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.RegisterNFT("punk-1", "bob"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := h.engine.RegisterNFT("punk-1", "carol"); !errors.Is(err, coreerrors.ErrInvalidArgument) {
		t.Fatalf("duplicate registration must fail, got %v", err)
	}
	terms := NFTTerms{
		Lender:         "alice",
		Borrower:       "bob",
		Asset:          "STX",
		Principal:      big.NewInt(501),
		NFTID:          "punk-1",
		AppraisedValue: big.NewInt(1_000),
		Duration:       100,
	}
	if _, err := h.engine.CreateNFTLoan(terms); !errors.Is(err, coreerrors.ErrInsufficientCollateral) {
		t.Fatalf("expected LTV rejection, got %v", err)
	}
	terms.Principal = big.NewInt(500)
	loan, err := h.engine.CreateNFTLoan(terms)
	if err != nil {
		t.Fatalf("nft loan: %v", err)
	}
	if loan.RateBps != 850 || loan.LiquidationPct != 160 {
		t.Fatalf("unexpected nft defaults: rate %d liq %d", loan.RateBps, loan.LiquidationPct)
	}
	nft, _ := h.tx.NFT("punk-1")
	if nft.Owner != h.engine.Params().EscrowAccount {
		t.Fatalf("nft not escrowed, owner %s", nft.Owner)
	}

	receipt, err := h.engine.CheckLiquidation(loan.ID, big.NewInt(799), 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !receipt.Triggered {
		t.Fatalf("expected liquidation below 160%%")
	}
	nft, _ = h.tx.NFT("punk-1")
	if nft.Owner != "alice" {
		t.Fatalf("nft should go to the lender, owner %s", nft.Owner)
	}
}

func TestNFTReleasedOnRepayment(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.RegisterNFT("punk-2", "bob"); err != nil {
		t.Fatalf("register: %v", err)
	}
	loan, err := h.engine.CreateNFTLoan(NFTTerms{
		Lender:         "alice",
		Borrower:       "bob",
		Asset:          "STX",
		Principal:      big.NewInt(400),
		NFTID:          "punk-2",
		AppraisedValue: big.NewInt(1_000),
		Duration:       100,
	})
	if err != nil {
		t.Fatalf("nft loan: %v", err)
	}
	if _, err := h.engine.Repay(loan.ID, "bob", big.NewInt(400), 0); err != nil {
		t.Fatalf("repay: %v", err)
	}
	nft, _ := h.tx.NFT("punk-2")
	if nft.Owner != "bob" {
		t.Fatalf("nft should return to borrower, owner %s", nft.Owner)
	}
}

func TestPausedLending(t *testing.T) {
	h := newHarness(t)
	h.engine.SetPauses(nativecommon.Pauses{nativecommon.ModuleLending: true})
	if _, err := h.engine.CreateLoan(standardTerms()); !errors.Is(err, coreerrors.ErrPaused) {
		t.Fatalf("expected paused, got %v", err)
	}
}

func TestLoanEvents(t *testing.T) {
	h := newHarness(t)
	loan := h.openStandard(t)
	h.at(50)
	if _, err := h.engine.Repay(loan.ID, "bob", big.NewInt(1_100), 0); err != nil {
		t.Fatalf("repay: %v", err)
	}
	var kinds []string
	for _, ev := range h.dispatcher.Recorded() {
		kinds = append(kinds, ev.Type)
	}
	want := []string{events.TypeLoanActivated, events.TypeLoanRepayment, events.TypeReputationChanged, events.TypeLoanRepaid}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
}
