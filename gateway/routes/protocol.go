package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	coreerrors "bittrust/core/errors"
	"bittrust/core/ledger"
	"bittrust/core/protocol"
	"bittrust/gateway/middleware"
	"bittrust/native/lending"
)

const protocolRequestLimit = 1 << 16

type protocolRoutes struct {
	p       *protocol.Protocol
	timeout time.Duration
}

func (pr *protocolRoutes) context(parent context.Context) (context.Context, context.CancelFunc) {
	if pr.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, pr.timeout)
}

// amount is a non-negative integer carried as a JSON string so large values
// survive JavaScript clients.
type amount string

func (a amount) parse(field string) (*big.Int, error) {
	raw := strings.TrimSpace(string(a))
	if raw == "" {
		return nil, fmt.Errorf("%s required", field)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%s: %q is not an integer", field, raw)
	}
	return v, nil
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Kind: string(coreerrors.KindInvalidArgument)})
}

func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusGatewayTimeout
	}
	switch coreerrors.KindOf(err) {
	case coreerrors.KindInvalidArgument:
		return http.StatusBadRequest
	case coreerrors.KindNotFound:
		return http.StatusNotFound
	case coreerrors.KindUnauthorized:
		return http.StatusForbidden
	case coreerrors.KindPaused:
		return http.StatusServiceUnavailable
	case coreerrors.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case coreerrors.KindConcurrentModification:
		return http.StatusConflict
	case coreerrors.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeProtocolError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Kind: string(coreerrors.KindOf(err))}
	if status == http.StatusInternalServerError {
		body.Error = http.StatusText(status)
	}
	writeJSON(w, status, body)
}

func decode(r *http.Request, out interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, protocolRequestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func heightParam(r *http.Request) (ledger.Height, bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("height"))
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("height: %w", err)
	}
	return ledger.Height(v), true, nil
}

// viewHeight is the ?height of a read, defaulting to the protocol clock. On
// failure it has already written the response.
func (pr *protocolRoutes) viewHeight(ctx context.Context, w http.ResponseWriter, r *http.Request) (ledger.Height, bool) {
	height, ok, err := heightParam(r)
	if err != nil {
		writeBadRequest(w, err)
		return 0, false
	}
	if ok {
		return height, true
	}
	return pr.clock(ctx, w)
}

// clock is the height every write executes at. Request bodies cannot name one.
func (pr *protocolRoutes) clock(ctx context.Context, w http.ResponseWriter) (ledger.Height, bool) {
	height, err := pr.p.Height(ctx)
	if err != nil {
		writeProtocolError(w, err)
		return 0, false
	}
	return height, true
}

func caller(r *http.Request) string {
	id, _ := middleware.Caller(r.Context())
	return id
}

func (pr *protocolRoutes) currentClock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.clock(ctx, w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]ledger.Height{"height": height})
}

type clockBody struct {
	Height ledger.Height `json:"height"`
}

func (pr *protocolRoutes) advanceClock(w http.ResponseWriter, r *http.Request) {
	var body clockBody
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	receipt, err := pr.p.AdvanceClock(ctx, protocol.AdvanceClockRequest{Caller: caller(r), Height: body.Height})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (pr *protocolRoutes) account(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.viewHeight(ctx, w, r)
	if !ok {
		return
	}
	view, err := pr.p.Account(ctx, height, chi.URLParam(r, "id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (pr *protocolRoutes) accountLoans(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.viewHeight(ctx, w, r)
	if !ok {
		return
	}
	view, err := pr.p.AccountLoans(ctx, height, chi.URLParam(r, "id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (pr *protocolRoutes) accountStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.viewHeight(ctx, w, r)
	if !ok {
		return
	}
	stats, err := pr.p.Stats(ctx, height, chi.URLParam(r, "id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (pr *protocolRoutes) accountDelegations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.viewHeight(ctx, w, r)
	if !ok {
		return
	}
	view, err := pr.p.AccountDelegations(ctx, height, chi.URLParam(r, "id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (pr *protocolRoutes) balance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	balance, err := pr.p.Balance(ctx, chi.URLParam(r, "asset"), chi.URLParam(r, "id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (pr *protocolRoutes) loan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.viewHeight(ctx, w, r)
	if !ok {
		return
	}
	view, err := pr.p.Loan(ctx, height, chi.URLParam(r, "id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type requestLoanBody struct {
	// Lender is optional; an empty lender leaves the request open to anyone.
	Lender        string `json:"lender"`
	Asset         string `json:"asset"`
	Principal     amount `json:"principal"`
	Collateral    amount `json:"collateral"`
	MinCollateral uint64 `json:"minCollateralPct"`
	RateBps       uint64 `json:"rateBps"`
	Duration      uint64 `json:"duration"`
}

// requestLoan records a Pending loan with the caller as borrower. Nothing
// moves until a lender accepts it.
func (pr *protocolRoutes) requestLoan(w http.ResponseWriter, r *http.Request) {
	var body requestLoanBody
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	principal, err := body.Principal.parse("principal")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	collateral, err := body.Collateral.parse("collateral")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.clock(ctx, w)
	if !ok {
		return
	}
	receipt, err := pr.p.RequestLoan(ctx, protocol.CreateLoanRequest{Height: height, Terms: lending.Terms{
		Lender:        body.Lender,
		Borrower:      caller(r),
		Asset:         body.Asset,
		Principal:     principal,
		Collateral:    collateral,
		MinCollateral: ledger.Percent(body.MinCollateral),
		Rate:          ledger.Bps(body.RateBps),
		Duration:      body.Duration,
	}})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

type seqBody struct {
	Seq uint64 `json:"seq"`
}

// acceptLoan funds a Pending loan with the caller as lender.
func (pr *protocolRoutes) acceptLoan(w http.ResponseWriter, r *http.Request) {
	var body seqBody
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.clock(ctx, w)
	if !ok {
		return
	}
	receipt, err := pr.p.AcceptLoan(ctx, protocol.AcceptLoanRequest{
		Height: height,
		LoanID: chi.URLParam(r, "id"),
		Lender: caller(r),
		Seq:    body.Seq,
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type repayBody struct {
	Amount amount `json:"amount"`
	Seq    uint64 `json:"seq"`
}

func (pr *protocolRoutes) repayLoan(w http.ResponseWriter, r *http.Request) {
	var body repayBody
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	value, err := body.Amount.parse("amount")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.clock(ctx, w)
	if !ok {
		return
	}
	receipt, err := pr.p.Repay(ctx, protocol.RepayRequest{
		Height: height,
		LoanID: chi.URLParam(r, "id"),
		Payer:  caller(r),
		Amount: value,
		Seq:    body.Seq,
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (pr *protocolRoutes) expireLoan(w http.ResponseWriter, r *http.Request) {
	var body seqBody
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.clock(ctx, w)
	if !ok {
		return
	}
	receipt, err := pr.p.Expire(ctx, protocol.ExpireRequest{Height: height, LoanID: chi.URLParam(r, "id"), Seq: body.Seq})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (pr *protocolRoutes) pool(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.viewHeight(ctx, w, r)
	if !ok {
		return
	}
	snapshot, err := pr.p.Pool(ctx, height, chi.URLParam(r, "asset"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (pr *protocolRoutes) position(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.viewHeight(ctx, w, r)
	if !ok {
		return
	}
	holding, err := pr.p.Position(ctx, height, chi.URLParam(r, "asset"), chi.URLParam(r, "id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holding)
}

type poolBody struct {
	Amount amount `json:"amount"`
}

type poolCall func(*protocol.Protocol, context.Context, protocol.PoolRequest) (*protocol.PoolReceipt, error)

var (
	poolDeposit  poolCall = (*protocol.Protocol).Deposit
	poolWithdraw poolCall = (*protocol.Protocol).Withdraw
	poolBorrow   poolCall = (*protocol.Protocol).Borrow
	poolRepay    poolCall = (*protocol.Protocol).RepayPool
)

func (pr *protocolRoutes) poolAction(call poolCall) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body poolBody
		if err := decode(r, &body); err != nil {
			writeBadRequest(w, err)
			return
		}
		value, err := body.Amount.parse("amount")
		if err != nil {
			writeBadRequest(w, err)
			return
		}
		ctx, cancel := pr.context(r.Context())
		defer cancel()
		height, ok := pr.clock(ctx, w)
		if !ok {
			return
		}
		receipt, err := call(pr.p, ctx, protocol.PoolRequest{
			Height:  height,
			Account: caller(r),
			Asset:   chi.URLParam(r, "asset"),
			Amount:  value,
		})
		if err != nil {
			writeProtocolError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, receipt)
	}
}

type reserveBody struct {
	Recipient string `json:"recipient"`
	Amount    amount `json:"amount"`
}

func (pr *protocolRoutes) withdrawReserve(w http.ResponseWriter, r *http.Request) {
	var body reserveBody
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	value, err := body.Amount.parse("amount")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.clock(ctx, w)
	if !ok {
		return
	}
	receipt, err := pr.p.WithdrawReserve(ctx, protocol.WithdrawReserveRequest{
		Height:    height,
		Caller:    caller(r),
		Asset:     chi.URLParam(r, "asset"),
		Recipient: body.Recipient,
		Amount:    value,
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (pr *protocolRoutes) delegation(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.viewHeight(ctx, w, r)
	if !ok {
		return
	}
	view, err := pr.p.Delegation(ctx, height, chi.URLParam(r, "id"))
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type createDelegationBody struct {
	Delegatee   string        `json:"delegatee"`
	Asset       string        `json:"asset"`
	Limit       amount        `json:"limit"`
	FeeBps      uint64        `json:"feeBps"`
	ExpiryBlock ledger.Height `json:"expiryBlock"`
}

func (pr *protocolRoutes) createDelegation(w http.ResponseWriter, r *http.Request) {
	var body createDelegationBody
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	limit, err := body.Limit.parse("limit")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.clock(ctx, w)
	if !ok {
		return
	}
	receipt, err := pr.p.CreateDelegation(ctx, protocol.CreateDelegationRequest{
		Height:      height,
		Delegator:   caller(r),
		Delegatee:   body.Delegatee,
		Asset:       body.Asset,
		Limit:       limit,
		FeeBps:      ledger.Bps(body.FeeBps),
		ExpiryBlock: body.ExpiryBlock,
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

type drawBody struct {
	Amount   amount `json:"amount"`
	RateBps  uint64 `json:"rateBps"`
	Duration uint64 `json:"duration"`
}

func (pr *protocolRoutes) drawDelegation(w http.ResponseWriter, r *http.Request) {
	var body drawBody
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	value, err := body.Amount.parse("amount")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.clock(ctx, w)
	if !ok {
		return
	}
	receipt, err := pr.p.DrawDelegatedLoan(ctx, protocol.DrawRequest{
		Height:       height,
		DelegationID: chi.URLParam(r, "id"),
		Caller:       caller(r),
		Amount:       value,
		RateBps:      ledger.Bps(body.RateBps),
		Duration:     body.Duration,
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (pr *protocolRoutes) revokeDelegation(w http.ResponseWriter, r *http.Request) {
	var body struct{}
	if err := decode(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := pr.context(r.Context())
	defer cancel()
	height, ok := pr.clock(ctx, w)
	if !ok {
		return
	}
	receipt, err := pr.p.RevokeDelegation(ctx, protocol.RevokeRequest{
		Height:       height,
		DelegationID: chi.URLParam(r, "id"),
		Caller:       caller(r),
	})
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
