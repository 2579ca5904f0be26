package mongo

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/grove"

	"github.com/xraph/balance/account"
	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/types"
)

// Amounts are stored as Decimal128 so aggregation stays exact.

func toDecimal128(a types.Amount) bson.Decimal128 {
	d, err := bson.ParseDecimal128(a.String())
	if err != nil {
		// Amount.String always yields a plain fixed-point literal.
		panic(fmt.Sprintf("balance/mongo: encode amount %s: %v", a, err))
	}
	return d
}

func fromDecimal128(d bson.Decimal128) (types.Amount, error) {
	dec, err := decimal.NewFromString(d.String())
	if err != nil {
		return types.Amount{}, fmt.Errorf("balance/mongo: decode amount %s: %w", d, err)
	}
	return types.FromDecimal(dec), nil
}

// ==================== Account models ====================

type accountModel struct {
	grove.BaseModel `grove:"table:balance_accounts"`

	ID        string            `grove:"id,pk"      bson:"_id"`
	UserID    string            `grove:"user_id"    bson:"user_id"`
	Balance   bson.Decimal128   `grove:"balance"    bson:"balance"`
	Metadata  map[string]string `grove:"metadata"   bson:"metadata,omitempty"`
	LockSeq   int64             `grove:"lock_seq"   bson:"lock_seq"`
	LastSeq   int64             `grove:"last_seq"   bson:"last_seq"`
	CreatedAt time.Time         `grove:"created_at" bson:"created_at"`
	UpdatedAt time.Time         `grove:"updated_at" bson:"updated_at"`
}

func toAccountModel(a *account.Account) *accountModel {
	return &accountModel{
		ID:        a.ID.String(),
		UserID:    a.UserID,
		Balance:   toDecimal128(a.Balance),
		Metadata:  a.Metadata,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func fromAccountModel(m *accountModel) (*account.Account, error) {
	accountID, err := id.ParseAccountID(m.ID)
	if err != nil {
		return nil, err
	}
	bal, err := fromDecimal128(m.Balance)
	if err != nil {
		return nil, err
	}
	return &account.Account{
		Entity:   types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:       accountID,
		UserID:   m.UserID,
		Balance:  bal,
		Metadata: m.Metadata,
	}, nil
}

// ==================== Entry models ====================

type entryModel struct {
	grove.BaseModel `grove:"table:balance_entries"`

	ID            string            `grove:"id,pk"          bson:"_id"`
	AccountID     string            `grove:"account_id"     bson:"account_id"`
	OrderID       string            `grove:"order_id"       bson:"order_id"`
	Seq           int64             `grove:"seq"            bson:"seq"`
	Kind          string            `grove:"kind"           bson:"kind"`
	Amount        bson.Decimal128   `grove:"amount"         bson:"amount"`
	BalanceBefore bson.Decimal128   `grove:"balance_before" bson:"balance_before"`
	BalanceAfter  bson.Decimal128   `grove:"balance_after"  bson:"balance_after"`
	Description   string            `grove:"description"    bson:"description"`
	Note          string            `grove:"note"           bson:"note"`
	Metadata      map[string]string `grove:"metadata"       bson:"metadata,omitempty"`
	CreatedAt     time.Time         `grove:"created_at"     bson:"created_at"`
}

func toEntryModel(e *entry.Entry) *entryModel {
	return &entryModel{
		ID:            e.ID.String(),
		AccountID:     e.AccountID.String(),
		OrderID:       e.OrderID.String(),
		Seq:           e.Seq,
		Kind:          string(e.Kind),
		Amount:        toDecimal128(e.Amount),
		BalanceBefore: toDecimal128(e.BalanceBefore),
		BalanceAfter:  toDecimal128(e.BalanceAfter),
		Description:   e.Description,
		Note:          e.Note,
		Metadata:      e.Metadata,
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
	amount, err := fromDecimal128(m.Amount)
	if err != nil {
		return nil, err
	}
	before, err := fromDecimal128(m.BalanceBefore)
	if err != nil {
		return nil, err
	}
	after, err := fromDecimal128(m.BalanceAfter)
	if err != nil {
		return nil, err
	}
	return &entry.Entry{
		ID:            entryID,
		AccountID:     accountID,
		OrderID:       orderID,
		Seq:           m.Seq,
		Kind:          entry.Kind(m.Kind),
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   m.Description,
		Note:          m.Note,
		Metadata:      m.Metadata,
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

	ID                    string            `grove:"id,pk"                   bson:"_id"`
	AccountID             string            `grove:"account_id"              bson:"account_id"`
	Type                  string            `grove:"type"                    bson:"type"`
	Reference             string            `grove:"reference"               bson:"reference"`
	State                 string            `grove:"state"                   bson:"state"`
	Price                 bson.Decimal128   `grove:"price"                   bson:"price"`
	Metadata              map[string]string `grove:"metadata"                bson:"metadata,omitempty"`
	LastCallbackReference string            `grove:"last_callback_reference" bson:"last_callback_reference"`
	LockSeq               int64             `grove:"lock_seq"                bson:"lock_seq"`
	SettledAt             *time.Time        `grove:"settled_at"              bson:"settled_at,omitempty"`
	ExpiresAt             *time.Time        `grove:"expires_at"              bson:"expires_at,omitempty"`
	CreatedAt             time.Time         `grove:"created_at"              bson:"created_at"`
	UpdatedAt             time.Time         `grove:"updated_at"              bson:"updated_at"`
}

func toOrderModel(o *order.Order) *orderModel {
	return &orderModel{
		ID:                    o.ID.String(),
		AccountID:             o.AccountID.String(),
		Type:                  string(o.Type),
		Reference:             o.Reference,
		State:                 string(o.State),
		Price:                 toDecimal128(o.Price),
		Metadata:              o.Metadata,
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
	price, err := fromDecimal128(m.Price)
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
		Price:                 price,
		Metadata:              m.Metadata,
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
