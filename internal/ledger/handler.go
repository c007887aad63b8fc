package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/penbosso/IntLearn-sub000/internal/platform/httpx"
	"github.com/penbosso/IntLearn-sub000/internal/shared"
)

// IdempotencyPort guards retried POSTs carrying an Idempotency-Key header.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// Handler wires ledger endpoints.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	idempotency IdempotencyPort
	validator   *validator.Validate
	heartbeat   time.Duration
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, idempotency IdempotencyPort) *Handler {
	return &Handler{
		logger:      logger,
		service:     service,
		idempotency: idempotency,
		validator:   httpx.NewValidator(),
		heartbeat:   25 * time.Second,
	}
}

// MountRoutes registers request/response ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/accounts", h.listAccounts)
		r.Post("/accounts", h.createAccount)
		r.Get("/accounts/{id}", h.getAccount)
		r.Delete("/accounts/{id}", h.deleteAccount)
		r.Get("/accounts/{id}/transactions", h.listTransactions)
		r.Post("/accounts/{id}/transactions", h.recordTransaction)
		r.Post("/receivables", h.createReceivable)
		r.Post("/receivables/{id}/settle", h.settleReceivable)
		r.Post("/transfers", h.transfer)
		r.Get("/liquidity", h.liquidity)
	})
}

// MountStream registers the long-lived live-query route. It must be mounted
// outside request timeouts.
func (h *Handler) MountStream(r chi.Router) {
	r.Get("/ledger/accounts/stream", h.streamAccounts)
}

type accountResponse struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Balance       string  `json:"balance"`
	Type          string  `json:"type"`
	ParentID      *string `json:"parentId"`
	Status        string  `json:"status"`
	InitialAmount *string `json:"initialAmount,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	CreatedBy     string  `json:"createdBy"`
}

func toAccountResponse(a Account) accountResponse {
	out := accountResponse{
		ID:        a.ID,
		Name:      a.Name,
		Balance:   a.Balance.StringFixed(2),
		Type:      string(a.Type),
		ParentID:  a.ParentID,
		Status:    string(a.Status),
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339Nano),
		CreatedBy: a.CreatedBy,
	}
	if a.InitialAmount != nil {
		v := a.InitialAmount.StringFixed(2)
		out.InitialAmount = &v
	}
	return out
}

func toAccountResponses(accounts []Account) []accountResponse {
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccountResponse(a))
	}
	return out
}

type transactionResponse struct {
	ID             string `json:"id"`
	AccountID      string `json:"accountId"`
	Type           string `json:"type"`
	Amount         string `json:"amount"`
	Note           string `json:"note"`
	RunningBalance string `json:"runningBalance"`
	TransferID     string `json:"transferId,omitempty"`
	Direction      string `json:"direction,omitempty"`
	CreatedAt      string `json:"createdAt"`
	CreatedBy      string `json:"createdBy"`
	CreatedByName  string `json:"createdByName"`
}

func toTransactionResponse(t Transaction) transactionResponse {
	return transactionResponse{
		ID:             t.ID,
		AccountID:      t.AccountID,
		Type:           string(t.Type),
		Amount:         t.Amount.StringFixed(2),
		Note:           t.Note,
		RunningBalance: t.RunningBalance.StringFixed(2),
		TransferID:     t.TransferID,
		Direction:      string(t.Direction),
		CreatedAt:      t.CreatedAt.UTC().Format(time.RFC3339Nano),
		CreatedBy:      t.CreatedBy,
		CreatedByName:  t.CreatedByName,
	}
}

type treeNodeResponse struct {
	Account  accountResponse   `json:"account"`
	Children []accountResponse `json:"children"`
	Rollup   string            `json:"rollup"`
	Orphaned bool              `json:"orphaned,omitempty"`
}

type createAccountRequest struct {
	Name           string  `json:"name" validate:"required,max=120"`
	InitialBalance string  `json:"initialBalance"`
	ParentID       *string `json:"parentId" validate:"omitempty,min=1"`
}

type recordTransactionRequest struct {
	Type   string `json:"type" validate:"required,oneof=income expense"`
	Amount string `json:"amount" validate:"required"`
	Note   string `json:"note" validate:"required,max=500"`
}

type createReceivableRequest struct {
	CustomerName  string `json:"customerName" validate:"required,max=120"`
	InvoiceAmount string `json:"invoiceAmount" validate:"required"`
	ParentID      string `json:"parentId" validate:"required"`
}

type settleRequest struct {
	PaymentAmount string `json:"paymentAmount" validate:"required"`
}

type transferRequest struct {
	FromAccountID string `json:"fromAccountId" validate:"required"`
	ToAccountID   string `json:"toAccountId" validate:"required"`
	Amount        string `json:"amount" validate:"required"`
	Note          string `json:"note" validate:"max=500"`
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (shared.Identity, bool) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		h.fail(w, r, shared.ErrUnauthorized)
		return shared.Identity{}, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := httpx.Classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "ledger request failed",
			slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

// guard reserves the request's idempotency key. The returned release undoes
// the reservation when the operation fails so the client may retry.
func (h *Handler) guard(r *http.Request, module string) (func(error), error) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" || h.idempotency == nil {
		return func(error) {}, nil
	}
	if err := h.idempotency.CheckAndInsert(r.Context(), key, module); err != nil {
		return nil, err
	}
	return func(opErr error) {
		if opErr == nil {
			return
		}
		if err := h.idempotency.Delete(context.WithoutCancel(r.Context()), key, module); err != nil {
			h.logger.WarnContext(r.Context(), "release idempotency key", slog.String("module", module), slog.Any("error", err))
		}
	}, nil
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("view") == "tree" {
		nodes, err := h.service.AccountTree(r.Context())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		out := make([]treeNodeResponse, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, treeNodeResponse{
				Account:  toAccountResponse(n.Account),
				Children: toAccountResponses(n.Children),
				Rollup:   n.Rollup.StringFixed(2),
				Orphaned: n.Orphaned,
			})
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"items": out})
		return
	}
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": toAccountResponses(accounts)})
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createAccountRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	input := CreateAccountInput{Name: req.Name, ParentID: req.ParentID}
	if req.InitialBalance != "" {
		amount, err := ParseAmount("initialBalance", req.InitialBalance)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		input.InitialBalance = amount
	}
	release, err := h.guard(r, "ledger.account")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	account, err := h.service.CreateAccount(r.Context(), actor, input)
	release(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAccountResponse(account))
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteAccount(r.Context(), actor, chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := h.service.ListTransactions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	pg := shared.NewPagination(page, perPage, len(txns))
	start, end := pg.Bounds()
	items := make([]transactionResponse, 0, end-start)
	for _, t := range txns[start:end] {
		items = append(items, toTransactionResponse(t))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "pagination": pg})
}

func (h *Handler) recordTransaction(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req recordTransactionRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := ParseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	release, err := h.guard(r, "ledger.transaction")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	txn, err := h.service.RecordTransaction(r.Context(), actor, RecordTransactionInput{
		AccountID: chi.URLParam(r, "id"),
		Type:      TransactionType(req.Type),
		Amount:    amount,
		Note:      req.Note,
	})
	release(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransactionResponse(txn))
}

func (h *Handler) createReceivable(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createReceivableRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := ParseAmount("invoiceAmount", req.InvoiceAmount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	release, err := h.guard(r, "ledger.receivable")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	account, err := h.service.CreateReceivable(r.Context(), actor, CreateReceivableInput{
		CustomerName:  req.CustomerName,
		InvoiceAmount: amount,
		ParentID:      req.ParentID,
	})
	release(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAccountResponse(account))
}

func (h *Handler) settleReceivable(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req settleRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := ParseAmount("paymentAmount", req.PaymentAmount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	release, err := h.guard(r, "ledger.settle")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	account, err := h.service.SettleReceivable(r.Context(), actor, SettleReceivableInput{
		ReceivableID:  chi.URLParam(r, "id"),
		PaymentAmount: amount,
	})
	release(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(account))
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := httpx.Bind(r, h.validator, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := ParseAmount("amount", req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	release, err := h.guard(r, "ledger.transfer")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.service.Transfer(r.Context(), actor, TransferInput{
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        amount,
		Note:          req.Note,
	})
	release(err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"transferId": result.TransferID,
		"debit":      toTransactionResponse(result.Debit),
		"credit":     toTransactionResponse(result.Credit),
	})
}

func (h *Handler) liquidity(w http.ResponseWriter, r *http.Request) {
	liq, err := h.service.CompanyLiquidity(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"total":    liq.Total.StringFixed(2),
		"accounts": liq.Accounts,
		"asOf":     liq.AsOf.UTC().Format(time.RFC3339Nano),
	})
}

// streamAccounts serves the live accounts query as server-sent events.
func (h *Handler) streamAccounts(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.fail(w, r, errors.New("ledger: streaming unsupported"))
		return
	}
	updates, err := h.service.WatchAccounts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, update); err != nil {
				h.logger.DebugContext(r.Context(), "ledger stream closed", slog.Any("error", err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, update AccountsUpdate) error {
	event := "accounts"
	var payload any = map[string]any{
		"items": toAccountResponses(update.Accounts),
		"at":    update.At.UTC().Format(time.RFC3339Nano),
	}
	if update.Err != nil {
		event = "error"
		payload = map[string]string{"detail": "live query failed"}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
	return err
}
