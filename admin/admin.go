// Package admin exposes operator balance adjustments on top of the ledger.
//
// Every adjustment must carry a note. Inputs are validated before the
// ledger is touched, and lock conflicts are retried a bounded number of
// times because a conflicted transaction never committed.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/balance"
	"github.com/xraph/balance/account"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/retry"
	"github.com/xraph/balance/types"
)

// Defaults for conflict retries.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 50 * time.Millisecond
)

// Ledger is the subset of *balance.Ledger the service needs.
type Ledger interface {
	GetAccountByUser(ctx context.Context, userID string) (*account.Account, error)
	Adjust(ctx context.Context, accountID id.AccountID, action balance.Action, amount types.Amount, opts ...balance.EntryOption) (*balance.Result, error)
}

// Request is an operator adjustment. Amount is a decimal literal; the
// transport decodes JSON numbers without going through float64.
type Request struct {
	UserID   string         `json:"userId"`
	Amount   string         `json:"amount"`
	Action   balance.Action `json:"action"`
	Note     string         `json:"note"`
	Operator string         `json:"operator,omitempty"`
}

// Response mirrors the ledger result in operator terms.
type Response struct {
	PreviousBalance types.Amount   `json:"previousBalance"`
	NewBalance      types.Amount   `json:"newBalance"`
	Action          balance.Action `json:"action"`
	Amount          types.Amount   `json:"amount"`
	Note            string         `json:"note"`
	EntryID         id.EntryID     `json:"entryId"`
}

// Service applies operator adjustments.
type Service struct {
	ledger      Ledger
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithConflictRetry sets how often a conflicted adjustment is retried.
func WithConflictRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if baseDelay >= 0 {
			s.baseDelay = baseDelay
		}
	}
}

// NewService creates an adjustment service on top of l.
func NewService(l Ledger, opts ...Option) *Service {
	s := &Service{
		ledger:      l,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Adjust validates req, resolves the user's account and applies the
// adjustment.
func (s *Service) Adjust(ctx context.Context, req Request) (*Response, error) {
	amount, err := s.validate(req)
	if err != nil {
		return nil, err
	}
	note := strings.TrimSpace(req.Note)

	acct, err := s.ledger.GetAccountByUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	opts := []balance.EntryOption{
		balance.WithNote(note),
		balance.WithDescription("admin " + string(req.Action)),
	}
	if req.Operator != "" {
		opts = append(opts, balance.WithEntryMetadata(map[string]string{"operator": req.Operator}))
	}

	policy := retry.Policy{
		MaxAttempts: s.maxAttempts,
		Backoff:     retry.Linear(s.baseDelay),
		Retryable: func(err error) bool {
			return errors.Is(err, balance.ErrConcurrencyConflict)
		},
	}
	res, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) (*balance.Result, error) {
		return s.ledger.Adjust(ctx, acct.ID, req.Action, amount, opts...)
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			err = exhausted.Last
		}
		return nil, err
	}

	s.logger.Info("admin adjustment applied",
		"user_id", req.UserID,
		"account_id", acct.ID,
		"operator", req.Operator,
		"action", req.Action,
		"amount", amount,
		"previous_balance", res.PreviousBalance,
		"new_balance", res.NewBalance,
	)

	return &Response{
		PreviousBalance: res.PreviousBalance,
		NewBalance:      res.NewBalance,
		Action:          req.Action,
		Amount:          amount,
		Note:            note,
		EntryID:         res.Entry.ID,
	}, nil
}

func (s *Service) validate(req Request) (types.Amount, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return types.Zero, &balance.ValidationError{Field: "userId", Message: "is required"}
	}
	if !req.Action.Valid() {
		return types.Zero, &balance.ValidationError{Field: "action", Message: "must be one of add, subtract, set"}
	}
	if strings.TrimSpace(req.Note) == "" {
		return types.Zero, &balance.ValidationError{Field: "note", Message: "is required"}
	}
	amount, err := types.ParseAmount(req.Amount, types.ParseOpts{AllowZero: req.Action == balance.ActionSet})
	if err != nil {
		var pe *types.ParseError
		if errors.As(err, &pe) {
			return types.Zero, &balance.ValidationError{Field: "amount", Message: pe.Reason}
		}
		return types.Zero, &balance.ValidationError{Field: "amount", Message: err.Error()}
	}
	return amount, nil
}

// Kind classifies an adjustment failure for callers.
type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindInsufficientBalance Kind = "InsufficientBalance"
	KindValidation          Kind = "Validation"
	KindConflict            Kind = "Conflict"
	KindInternal            Kind = "Internal"
)

// ErrorKind maps err onto a Kind. A nil error has no kind.
func ErrorKind(err error) Kind {
	switch {
	case err == nil:
		return ""
	case balance.IsValidation(err):
		return KindValidation
	case balance.IsNotFound(err):
		return KindNotFound
	case errors.Is(err, balance.ErrInsufficientBalance):
		return KindInsufficientBalance
	case balance.IsRetryable(err):
		return KindConflict
	default:
		return KindInternal
	}
}
