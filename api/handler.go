// Package api serves the ledger over HTTP: the provider webhook, operator
// adjustments and read-only account statements.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/balance"
	"github.com/xraph/balance/account"
	"github.com/xraph/balance/admin"
	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Ledger is the subset of *balance.Ledger the handlers call.
type Ledger interface {
	ApplyCallback(ctx context.Context, cb balance.Callback) balance.Ack
	GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error)
	ListEntries(ctx context.Context, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error)
}

// Adjuster applies operator adjustments.
type Adjuster interface {
	Adjust(ctx context.Context, req admin.Request) (*admin.Response, error)
}

// Handler holds the HTTP handlers.
type Handler struct {
	ledger Ledger
	admin  Adjuster
	logger *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a Handler.
func NewHandler(l Ledger, a Adjuster, opts ...Option) *Handler {
	h := &Handler{ledger: l, admin: a, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ──────────────────────────────────────────────────
// Webhook
// ──────────────────────────────────────────────────

type callbackRequest struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Prize     string `json:"prize,omitempty"`
}

type ackResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// handleCallback always answers 200 so providers do not redeliver.
// Anything that went wrong is logged and reported through plugin hooks.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, ackResponse{Acknowledged: true})

	var req callbackRequest
	if err := decode(r, &req); err != nil {
		h.logger.Warn("malformed callback acknowledged", "error", err)
		return
	}

	outcome := order.Outcome(strings.ToLower(strings.TrimSpace(req.Status)))
	if outcome != order.OutcomeSuccess && outcome != order.OutcomeFailure {
		h.logger.Warn("callback with unknown status acknowledged",
			"reference", req.Reference,
			"status", req.Status,
		)
		return
	}

	cb := balance.Callback{Reference: strings.TrimSpace(req.Reference), Outcome: outcome}
	if req.Prize != "" {
		cb.Metadata = map[string]string{"prize": req.Prize}
	}

	ack := h.ledger.ApplyCallback(r.Context(), cb)
	h.logger.Debug("callback acknowledged",
		"reference", cb.Reference,
		"outcome", outcome,
		"status", ack.Status,
	)
}

// ──────────────────────────────────────────────────
// Admin
// ──────────────────────────────────────────────────

type adjustmentRequest struct {
	UserID string         `json:"userId"`
	Amount json.Number    `json:"amount"`
	Action balance.Action `json:"action"`
	Note   string         `json:"note"`
}

// OperatorHeader names the operator performing an adjustment. It is set
// by the authenticating proxy in front of this service.
const OperatorHeader = "X-Operator"

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, &balance.ValidationError{Field: "body", Message: err.Error()})
		return
	}

	resp, err := h.admin.Adjust(r.Context(), admin.Request{
		UserID:   strings.TrimSpace(req.UserID),
		Amount:   req.Amount.String(),
		Action:   req.Action,
		Note:     req.Note,
		Operator: r.Header.Get(OperatorHeader),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ──────────────────────────────────────────────────
// Accounts
// ──────────────────────────────────────────────────

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := id.ParseAccountID(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, &balance.ValidationError{Field: "accountID", Message: err.Error()})
		return
	}
	a, err := h.ledger.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	accountID, err := id.ParseAccountID(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, &balance.ValidationError{Field: "accountID", Message: err.Error()})
		return
	}

	opts := entry.ListOpts{Kind: entry.Kind(r.URL.Query().Get("kind"))}
	if opts.Limit, err = intParam(r, "limit", 100); err != nil {
		writeError(w, err)
		return
	}
	if opts.Offset, err = intParam(r, "offset", 0); err != nil {
		writeError(w, err)
		return
	}

	if _, err := h.ledger.GetAccount(r.Context(), accountID); err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.ledger.ListEntries(r.Context(), accountID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*entry.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func decode(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(dst)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &balance.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    admin.Kind `json:"kind"`
	Message string     `json:"message"`
}

func statusFor(kind admin.Kind) int {
	switch kind {
	case admin.KindNotFound:
		return http.StatusNotFound
	case admin.KindInsufficientBalance:
		return http.StatusConflict
	case admin.KindValidation:
		return http.StatusUnprocessableEntity
	case admin.KindConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := admin.ErrorKind(err)
	msg := err.Error()
	var ve *balance.ValidationError
	if errors.As(err, &ve) {
		msg = ve.Field + " " + ve.Message
	}
	if kind == admin.KindInternal {
		msg = "internal error"
	}
	writeJSON(w, statusFor(kind), errorBody{Error: errorDetail{Kind: kind, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errchkjson // client went away
}
