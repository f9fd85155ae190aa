package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/harborpay/corebank/internal/bank/eligibility"
	"github.com/harborpay/corebank/internal/bank/ledger"
	"github.com/harborpay/corebank/internal/bank/payment"
	"github.com/harborpay/corebank/internal/bank/pinauth"
	"github.com/harborpay/corebank/internal/bank/store"
	"github.com/harborpay/corebank/internal/platform/auth"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps core errors onto HTTP statuses. Unknown errors are
// logged and surfaced as 500 without leaking internals.
func writeDomainError(w http.ResponseWriter, err error) {
	var insufficient *ledger.InsufficientFundsError
	var locked *pinauth.LockedError
	switch {
	case errors.As(err, &insufficient):
		writeError(w, http.StatusUnprocessableEntity, insufficient.Error())
	case errors.As(err, &locked):
		writeError(w, http.StatusLocked, locked.Error())
	case errors.Is(err, eligibility.ErrAccountLocked),
		errors.Is(err, ledger.ErrAccountLocked):
		writeError(w, http.StatusLocked, err.Error())
	case errors.Is(err, eligibility.ErrIdentityNotVerified),
		errors.Is(err, eligibility.ErrTransactionsDisabled):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, pinauth.ErrPINIncorrect),
		errors.Is(err, pinauth.ErrNoPINConfigured):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, payment.ErrNotOwner),
		errors.Is(err, ledger.ErrOwnershipMismatch):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, payment.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payment.ErrCodeExpired),
		errors.Is(err, payment.ErrCodeIncorrect):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrProfileNotFound),
		errors.Is(err, store.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrRetryExhausted),
		errors.Is(err, pinauth.ErrRetryExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("level=error component=server msg=\"unhandled domain error\" err=%v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func callerFor(w http.ResponseWriter, r *http.Request) (auth.Caller, bool) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing caller")
		return auth.Caller{}, false
	}
	return caller, true
}

type initiateRequest struct {
	AccountID   string `json:"account_id"`
	AmountMinor int64  `json:"amount_minor"`
	Kind        string `json:"kind"`
}

type initiateResponse struct {
	TransactionID string    `json:"transaction_id"`
	MaskedContact string    `json:"masked_contact"`
	ExpireAt      time.Time `json:"expire_at"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFor(w, r)
	if !ok {
		return
	}
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.Payments.Initiate(r.Context(), caller.UserID, req.AccountID, req.AmountMinor, store.TransactionKind(req.Kind))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, initiateResponse{
		TransactionID: res.TransactionID,
		MaskedContact: res.MaskedContact,
		ExpireAt:      res.ExpireAt,
	})
}

type confirmRequest struct {
	Code string `json:"code"`
}

type confirmResponse struct {
	TransactionID     string `json:"transaction_id"`
	Status            string `json:"status"`
	BalanceAfterMinor int64  `json:"balance_after_minor"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFor(w, r)
	if !ok {
		return
	}
	transactionID := chi.URLParam(r, "transactionID")
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	balanceAfter, err := s.Payments.Confirm(r.Context(), caller.UserID, transactionID, req.Code)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{
		TransactionID:     transactionID,
		Status:            string(store.TransactionSuccess),
		BalanceAfterMinor: balanceAfter,
	})
}

type resendResponse struct {
	MaskedContact string    `json:"masked_contact"`
	ExpireAt      time.Time `json:"expire_at"`
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFor(w, r)
	if !ok {
		return
	}
	res, err := s.Payments.Resend(r.Context(), caller.UserID, chi.URLParam(r, "transactionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resendResponse{MaskedContact: res.MaskedContact, ExpireAt: res.ExpireAt})
}

type directDebitRequest struct {
	AccountID   string `json:"account_id"`
	AmountMinor int64  `json:"amount_minor"`
	Kind        string `json:"kind"`
	PIN         string `json:"pin,omitempty"`
}

func (s *Server) handleDirectDebit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFor(w, r)
	if !ok {
		return
	}
	var req directDebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.Payments.DirectDebit(r.Context(), payment.DirectDebitRequest{
		UserID:      caller.UserID,
		AccountID:   req.AccountID,
		AmountMinor: req.AmountMinor,
		Kind:        store.TransactionKind(req.Kind),
		PIN:         req.PIN,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{
		TransactionID:     res.TransactionID,
		Status:            string(store.TransactionSuccess),
		BalanceAfterMinor: res.BalanceAfterMinor,
	})
}

type accountResponse struct {
	AccountID    string `json:"account_id"`
	OwnerID      string `json:"owner_id"`
	BalanceMinor int64  `json:"balance_minor"`
	Status       string `json:"status"`
	Demo         bool   `json:"demo"`
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFor(w, r)
	if !ok {
		return
	}
	acct, err := s.Store.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if acct.OwnerID != caller.UserID && !caller.IsStaff() {
		writeError(w, http.StatusForbidden, "account does not belong to the caller")
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		AccountID:    acct.AccountID,
		OwnerID:      acct.OwnerID,
		BalanceMinor: acct.BalanceMinor,
		Status:       string(acct.Status),
		Demo:         acct.Demo,
	})
}

type transactionResponse struct {
	TransactionID string     `json:"transaction_id"`
	AccountID     string     `json:"account_id"`
	AmountMinor   int64      `json:"amount_minor"`
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	FailReason    string     `json:"fail_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFor(w, r)
	if !ok {
		return
	}
	accountID := chi.URLParam(r, "accountID")
	acct, err := s.Store.GetAccount(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if acct.OwnerID != caller.UserID && !caller.IsStaff() {
		writeError(w, http.StatusForbidden, "account does not belong to the caller")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	txns, err := s.Store.ListTransactionsByAccount(r.Context(), accountID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		tr := transactionResponse{
			TransactionID: t.TransactionID,
			AccountID:     t.AccountID,
			AmountMinor:   t.AmountMinor,
			Kind:          string(t.Kind),
			Status:        string(t.Status),
			FailReason:    t.FailReason,
			CreatedAt:     t.CreatedAt,
		}
		if !t.ConfirmedAt.IsZero() {
			confirmed := t.ConfirmedAt
			tr.ConfirmedAt = &confirmed
		}
		out = append(out, tr)
	}
	writeJSON(w, http.StatusOK, out)
}

type authorizationResponse struct {
	UserID     string `json:"user_id"`
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleAuthorization(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFor(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if userID != caller.UserID && !caller.IsStaff() {
		writeError(w, http.StatusForbidden, "cannot query another user's authorization")
		return
	}
	err := s.Gate.Check(r.Context(), userID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, authorizationResponse{UserID: userID, Authorized: true})
	case errors.Is(err, eligibility.ErrAccountLocked),
		errors.Is(err, eligibility.ErrIdentityNotVerified),
		errors.Is(err, eligibility.ErrTransactionsDisabled):
		writeJSON(w, http.StatusOK, authorizationResponse{UserID: userID, Authorized: false, Reason: err.Error()})
	default:
		writeDomainError(w, err)
	}
}

func (s *Server) handleAdminUnlock(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFor(w, r)
	if !ok {
		return
	}
	if !caller.IsStaff() {
		writeError(w, http.StatusForbidden, "staff role required")
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := s.PINs.AdminUnlock(r.Context(), userID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"user_id": userID, "status": string(store.AccountActive)})
}
