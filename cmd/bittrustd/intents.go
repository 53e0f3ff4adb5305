package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	coreerrors "bittrust/core/errors"
	"bittrust/core/ledger"
	"bittrust/core/protocol"
	"bittrust/native/flash"
	"bittrust/native/lending"
	"bittrust/native/reputation"
)

// Scenario is a YAML list of protocol operations executed in order.
type Scenario struct {
	Steps []Step `yaml:"steps"`
}

// Step is one operation. Only the fields its op reads need to be set; amounts
// are decimal strings.
type Step struct {
	Op     string        `yaml:"op"`
	Height ledger.Height `yaml:"height"`

	Account   string `yaml:"account"`
	Asset     string `yaml:"asset"`
	Amount    string `yaml:"amount"`
	Outcome   string `yaml:"outcome"`
	Lender    string `yaml:"lender"`
	Borrower  string `yaml:"borrower"`
	Payer     string `yaml:"payer"`
	LoanID    string `yaml:"loan"`
	Seq       uint64 `yaml:"seq"`
	Recipient string `yaml:"recipient"`
	Caller    string `yaml:"caller"`

	Collateral    string `yaml:"collateral"`
	MinCollateral uint64 `yaml:"minCollateralPct"`
	RateBps       uint64 `yaml:"rateBps"`
	Duration      uint64 `yaml:"duration"`
	NFT           string `yaml:"nft"`
	Appraisal     string `yaml:"appraisal"`
	Floor         uint64 `yaml:"floor"`

	Delegator  string        `yaml:"delegator"`
	Delegatee  string        `yaml:"delegatee"`
	Delegation string        `yaml:"delegation"`
	Limit      string        `yaml:"limit"`
	FeeBps     uint64        `yaml:"feeBps"`
	Expiry     ledger.Height `yaml:"expiry"`

	// Repay is what the scripted flash receiver hands back; empty repays
	// amount plus fee.
	Repay string `yaml:"repay"`
}

// Result is one line of runner output.
type Result struct {
	Step    int         `json:"step"`
	Op      string      `json:"op"`
	Receipt interface{} `json:"receipt,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

// LoadScenario decodes the scenario at path, rejecting unknown keys.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	return DecodeScenario(f)
}

func DecodeScenario(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	for i, step := range s.Steps {
		if strings.TrimSpace(step.Op) == "" {
			return nil, fmt.Errorf("step %d: op required", i)
		}
	}
	return &s, nil
}

// Runner executes scenarios against a protocol and writes one JSON result per
// step. Loan and delegation ids produced by earlier steps can be referenced as
// "$<step index>".
type Runner struct {
	p         *protocol.Protocol
	out       *json.Encoder
	keepGoing bool
	ids       map[int]string
}

func NewRunner(p *protocol.Protocol, w io.Writer, keepGoing bool) *Runner {
	return &Runner{p: p, out: json.NewEncoder(w), keepGoing: keepGoing, ids: make(map[int]string)}
}

// Run executes every step. Without keepGoing the first failing step stops the
// run and its error is returned after its result line is written.
func (r *Runner) Run(ctx context.Context, s *Scenario) error {
	for i, step := range s.Steps {
		receipt, id, err := r.execute(ctx, step)
		result := Result{Step: i, Op: step.Op, Receipt: receipt}
		if err != nil {
			result.Receipt = nil
			result.Error = err.Error()
			result.Kind = string(coreerrors.KindOf(err))
		}
		if id != "" {
			r.ids[i] = id
		}
		if encErr := r.out.Encode(result); encErr != nil {
			return encErr
		}
		if err != nil && !r.keepGoing {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return nil
}

func (r *Runner) ref(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "$") {
		return raw, nil
	}
	var idx int
	if _, err := fmt.Sscanf(raw, "$%d", &idx); err != nil {
		return "", coreerrors.Wrap(coreerrors.ErrInvalidArgument, "bad reference %q", raw)
	}
	id, ok := r.ids[idx]
	if !ok {
		return "", coreerrors.Wrap(coreerrors.ErrInvalidArgument, "step %d produced no id", idx)
	}
	return id, nil
}

func parseAmount(raw, field string, required bool) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "%s required", field)
		}
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "%s: %q is not an integer", field, raw)
	}
	return v, nil
}

func parseOutcome(raw string) (reputation.Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "repaid":
		return reputation.OutcomeRepaid, nil
	case "repaidlate", "late":
		return reputation.OutcomeRepaidLate, nil
	case "defaulted", "liquidated":
		return reputation.OutcomeDefaulted, nil
	default:
		return 0, coreerrors.Wrap(coreerrors.ErrInvalidArgument, "unknown outcome %q", raw)
	}
}

// scriptedReceiver repays a fixed amount, or what is owed, from the target.
func scriptedReceiver(repay *big.Int) flash.Receiver {
	return flash.ReceiverFunc(func(_ context.Context, fc *flash.Context) error {
		owed := fc.Owed()
		if repay != nil {
			owed = repay
		}
		if owed.Sign() == 0 {
			return nil
		}
		return fc.Repay(owed)
	})
}

func (r *Runner) execute(ctx context.Context, s Step) (interface{}, string, error) {
	amount, err := parseAmount(s.Amount, "amount", false)
	if err != nil {
		return nil, "", err
	}
	loanID, err := r.ref(s.LoanID)
	if err != nil {
		return nil, "", err
	}
	delegationID, err := r.ref(s.Delegation)
	if err != nil {
		return nil, "", err
	}

	switch strings.ToLower(strings.TrimSpace(s.Op)) {
	case "fund":
		out, err := r.p.Fund(ctx, protocol.FundRequest{Height: s.Height, Account: s.Account, Asset: s.Asset, Amount: amount})
		return out, "", err
	case "recordoutcome":
		outcome, err := parseOutcome(s.Outcome)
		if err != nil {
			return nil, "", err
		}
		out, err := r.p.RecordOutcome(ctx, protocol.RecordOutcomeRequest{Height: s.Height, Account: s.Account, Outcome: outcome, Amount: amount})
		return out, "", err
	case "createloan", "requestloan":
		collateral, err := parseAmount(s.Collateral, "collateral", false)
		if err != nil {
			return nil, "", err
		}
		req := protocol.CreateLoanRequest{Height: s.Height, Terms: lending.Terms{
			Lender:        s.Lender,
			Borrower:      s.Borrower,
			Asset:         s.Asset,
			Principal:     amount,
			Collateral:    collateral,
			MinCollateral: ledger.Percent(s.MinCollateral),
			Rate:          ledger.Bps(s.RateBps),
			Duration:      s.Duration,
		}}
		call := r.p.CreateLoan
		if strings.EqualFold(s.Op, "requestloan") {
			call = r.p.RequestLoan
		}
		out, err := call(ctx, req)
		if err != nil {
			return nil, "", err
		}
		return out, out.Loan.ID, nil
	case "acceptloan":
		out, err := r.p.AcceptLoan(ctx, protocol.AcceptLoanRequest{Height: s.Height, LoanID: loanID, Lender: s.Lender, Seq: s.Seq})
		return out, "", err
	case "registernft":
		out, err := r.p.RegisterNFT(ctx, protocol.RegisterNFTRequest{Height: s.Height, NFTID: s.NFT, Owner: s.Account})
		return out, "", err
	case "createnftloan":
		appraisal, err := parseAmount(s.Appraisal, "appraisal", true)
		if err != nil {
			return nil, "", err
		}
		out, err := r.p.CreateNFTLoan(ctx, protocol.CreateNFTLoanRequest{Height: s.Height, Terms: lending.NFTTerms{
			Lender:         s.Lender,
			Borrower:       s.Borrower,
			Asset:          s.Asset,
			Principal:      amount,
			NFTID:          s.NFT,
			AppraisedValue: appraisal,
			Rate:           ledger.Bps(s.RateBps),
			Duration:       s.Duration,
		}})
		if err != nil {
			return nil, "", err
		}
		return out, out.Loan.ID, nil
	case "setlenderfloor":
		out, err := r.p.SetLenderFloor(ctx, protocol.LenderFloorRequest{Height: s.Height, Lender: s.Lender, Floor: s.Floor})
		return out, "", err
	case "repay":
		out, err := r.p.Repay(ctx, protocol.RepayRequest{Height: s.Height, LoanID: loanID, Payer: s.Payer, Amount: amount, Seq: s.Seq})
		return out, "", err
	case "checkliquidation":
		out, err := r.p.CheckLiquidation(ctx, protocol.LiquidationRequest{Height: s.Height, LoanID: loanID, CollateralValue: amount, Seq: s.Seq})
		return out, "", err
	case "expire":
		out, err := r.p.Expire(ctx, protocol.ExpireRequest{Height: s.Height, LoanID: loanID, Seq: s.Seq})
		return out, "", err
	case "deposit", "withdraw", "borrow", "repaypool":
		req := protocol.PoolRequest{Height: s.Height, Account: s.Account, Asset: s.Asset, Amount: amount}
		var out *protocol.PoolReceipt
		switch strings.ToLower(s.Op) {
		case "deposit":
			out, err = r.p.Deposit(ctx, req)
		case "withdraw":
			out, err = r.p.Withdraw(ctx, req)
		case "borrow":
			out, err = r.p.Borrow(ctx, req)
		default:
			out, err = r.p.RepayPool(ctx, req)
		}
		return out, "", err
	case "accrue":
		out, err := r.p.AccrueInterest(ctx, protocol.AccrueRequest{Height: s.Height, Asset: s.Asset})
		return out, "", err
	case "withdrawreserve":
		out, err := r.p.WithdrawReserve(ctx, protocol.WithdrawReserveRequest{Height: s.Height, Caller: s.Caller, Asset: s.Asset, Recipient: s.Recipient, Amount: amount})
		return out, "", err
	case "flash":
		repay, err := parseAmount(s.Repay, "repay", false)
		if err != nil {
			return nil, "", err
		}
		out, err := r.p.ExecuteFlash(ctx, protocol.FlashRequest{
			Height:   s.Height,
			Target:   s.Account,
			Asset:    s.Asset,
			Amount:   amount,
			Receiver: scriptedReceiver(repay),
		})
		return out, "", err
	case "createdelegation":
		limit, err := parseAmount(s.Limit, "limit", true)
		if err != nil {
			return nil, "", err
		}
		out, err := r.p.CreateDelegation(ctx, protocol.CreateDelegationRequest{
			Height:      s.Height,
			Delegator:   s.Delegator,
			Delegatee:   s.Delegatee,
			Asset:       s.Asset,
			Limit:       limit,
			FeeBps:      ledger.Bps(s.FeeBps),
			ExpiryBlock: s.Expiry,
		})
		if err != nil {
			return nil, "", err
		}
		return out, out.Delegation.ID, nil
	case "draw":
		out, err := r.p.DrawDelegatedLoan(ctx, protocol.DrawRequest{
			Height:       s.Height,
			DelegationID: delegationID,
			Caller:       s.Caller,
			Amount:       amount,
			RateBps:      ledger.Bps(s.RateBps),
			Duration:     s.Duration,
		})
		if err != nil {
			return nil, "", err
		}
		return out, out.Loan.ID, nil
	case "revoke":
		out, err := r.p.RevokeDelegation(ctx, protocol.RevokeRequest{Height: s.Height, DelegationID: delegationID, Caller: s.Caller})
		return out, "", err
	case "account":
		out, err := r.p.Account(ctx, s.Height, s.Account)
		return out, "", err
	case "loan":
		out, err := r.p.Loan(ctx, s.Height, loanID)
		return out, "", err
	case "pool":
		out, err := r.p.Pool(ctx, s.Height, s.Asset)
		return out, "", err
	case "delegationview":
		out, err := r.p.Delegation(ctx, s.Height, delegationID)
		return out, "", err
	case "balance":
		out, err := r.p.Balance(ctx, s.Asset, s.Account)
		return out, "", err
	default:
		return nil, "", coreerrors.Wrap(coreerrors.ErrInvalidArgument, "unknown op %q", s.Op)
	}
}
