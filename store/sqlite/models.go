package sqlite

import (
	"encoding/json"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/balance/account"
	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/types"
)

// SQLite has no JSON column type, so metadata is stored as TEXT.

func encodeMetadata(md map[string]string) string {
	if len(md) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(md) //nolint:errcheck // map[string]string always marshals
	return string(b)
}

func decodeMetadata(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var md map[string]string
	_ = json.Unmarshal([]byte(s), &md) //nolint:errcheck // best-effort
	return md
}

// ==================== Account models ====================

type accountModel struct {
	grove.BaseModel `grove:"table:balance_accounts"`

	ID        string       `grove:"id,pk"`
	UserID    string       `grove:"user_id"`
	Balance   types.Amount `grove:"balance"`
	Metadata  string       `grove:"metadata"`
	CreatedAt time.Time    `grove:"created_at"`
	UpdatedAt time.Time    `grove:"updated_at"`
}

func toAccountModel(a *account.Account) *accountModel {
	return &accountModel{
		ID:        a.ID.String(),
		UserID:    a.UserID,
		Balance:   a.Balance,
		Metadata:  encodeMetadata(a.Metadata),
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func fromAccountModel(m *accountModel) (*account.Account, error) {
	accountID, err := id.ParseAccountID(m.ID)
	if err != nil {
		return nil, err
	}
	return &account.Account{
		Entity:   types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:       accountID,
		UserID:   m.UserID,
		Balance:  m.Balance,
		Metadata: decodeMetadata(m.Metadata),
	}, nil
}

// ==================== Entry models ====================

type entryModel struct {
	grove.BaseModel `grove:"table:balance_entries"`

	ID            string       `grove:"id,pk"`
	AccountID     string       `grove:"account_id"`
	OrderID       string       `grove:"order_id"`
	Seq           int64        `grove:"seq"`
	Kind          string       `grove:"kind"`
	Amount        types.Amount `grove:"amount"`
	BalanceBefore types.Amount `grove:"balance_before"`
	BalanceAfter  types.Amount `grove:"balance_after"`
	Description   string       `grove:"description"`
	Note          string       `grove:"note"`
	Metadata      string       `grove:"metadata"`
	CreatedAt     time.Time    `grove:"created_at"`
}

func toEntryModel(e *entry.Entry) *entryModel {
	return &entryModel{
		ID:            e.ID.String(),
		AccountID:     e.AccountID.String(),
		OrderID:       e.OrderID.String(),
		Seq:           e.Seq,
		Kind:          string(e.Kind),
		Amount:        e.Amount,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		Description:   e.Description,
		Note:          e.Note,
		Metadata:      encodeMetadata(e.Metadata),
		CreatedAt:     e.CreatedAt,
	}
}

func fromEntryModel(m *entryModel) (*entry.Entry, error) {
	entryID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, err
	}
	accountID, err := id.ParseAccountID(m.AccountID)
	if err != nil {
		return nil, err
	}
	var orderID id.OrderID
	if m.OrderID != "" {
		if orderID, err = id.ParseOrderID(m.OrderID); err != nil {
			return nil, err
		}
	}
	return &entry.Entry{
		ID:            entryID,
		AccountID:     accountID,
		OrderID:       orderID,
		Seq:           m.Seq,
		Kind:          entry.Kind(m.Kind),
		Amount:        m.Amount,
		BalanceBefore: m.BalanceBefore,
		BalanceAfter:  m.BalanceAfter,
		Description:   m.Description,
		Note:          m.Note,
		Metadata:      decodeMetadata(m.Metadata),
		CreatedAt:     m.CreatedAt,
	}, nil
}

func fromEntryModels(models []entryModel) ([]*entry.Entry, error) {
	out := make([]*entry.Entry, len(models))
	for i := range models {
		e, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// ==================== Order models ====================

type orderModel struct {
	grove.BaseModel `grove:"table:balance_orders"`

	ID                    string       `grove:"id,pk"`
	AccountID             string       `grove:"account_id"`
	Type                  string       `grove:"type"`
	Reference             string       `grove:"reference"`
	State                 string       `grove:"state"`
	Price                 types.Amount `grove:"price"`
	Metadata              string       `grove:"metadata"`
	LastCallbackReference string       `grove:"last_callback_reference"`
	SettledAt             *time.Time   `grove:"settled_at"`
	ExpiresAt             *time.Time   `grove:"expires_at"`
	CreatedAt             time.Time    `grove:"created_at"`
	UpdatedAt             time.Time    `grove:"updated_at"`
}

func toOrderModel(o *order.Order) *orderModel {
	return &orderModel{
		ID:                    o.ID.String(),
		AccountID:             o.AccountID.String(),
		Type:                  string(o.Type),
		Reference:             o.Reference,
		State:                 string(o.State),
		Price:                 o.Price,
		Metadata:              encodeMetadata(o.Metadata),
		LastCallbackReference: o.LastCallbackReference,
		SettledAt:             o.SettledAt,
		ExpiresAt:             o.ExpiresAt,
		CreatedAt:             o.CreatedAt,
		UpdatedAt:             o.UpdatedAt,
	}
}

func fromOrderModel(m *orderModel) (*order.Order, error) {
	orderID, err := id.ParseOrderID(m.ID)
	if err != nil {
		return nil, err
	}
	accountID, err := id.ParseAccountID(m.AccountID)
	if err != nil {
		return nil, err
	}
	return &order.Order{
		Entity:                types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:                    orderID,
		AccountID:             accountID,
		Type:                  order.Type(m.Type),
		Reference:             m.Reference,
		State:                 order.State(m.State),
		Price:                 m.Price,
		Metadata:              decodeMetadata(m.Metadata),
		LastCallbackReference: m.LastCallbackReference,
		SettledAt:             m.SettledAt,
		ExpiresAt:             m.ExpiresAt,
	}, nil
}

func fromOrderModels(models []orderModel) ([]*order.Order, error) {
	out := make([]*order.Order, len(models))
	for i := range models {
		o, err := fromOrderModel(&models[i])
		if err != nil {
			return nil, err
		}
		out[i] = o
	}
	return out, nil
}
