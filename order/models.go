// Package order defines purchase and topup orders and the state machine
// that settles them.
package order

import (
	"time"

	"github.com/xraph/balance/id"
	"github.com/xraph/balance/types"
)

// Type distinguishes what settlement does to the balance.
type Type string

const (
	// TypePurchase orders are paid for up front; a failed callback returns
	// the price to the account.
	TypePurchase Type = "purchase"
	// TypeTopup orders credit the price once the provider confirms payment.
	TypeTopup Type = "topup"
)

// Valid reports whether t is a known order type.
func (t Type) Valid() bool {
	return t == TypePurchase || t == TypeTopup
}

// Order is a purchase or topup awaiting external fulfillment.
//
// LastCallbackReference and SettledAt are the idempotency markers: once an
// order is terminal they record which provider callback settled it.
type Order struct {
	types.Entity
	ID                    id.OrderID        `json:"id"`
	AccountID             id.AccountID      `json:"account_id"`
	Type                  Type              `json:"type"`
	Reference             string            `json:"reference,omitempty"`
	State                 State             `json:"state"`
	Price                 types.Amount      `json:"price"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	LastCallbackReference string            `json:"last_callback_reference,omitempty"`
	SettledAt             *time.Time        `json:"settled_at,omitempty"`
	ExpiresAt             *time.Time        `json:"expires_at,omitempty"`
}

// SettledBy reports whether a callback with this reference and outcome
// is a redelivery of the one that settled this order. The settled state
// records the outcome, so a contradicting outcome does not match.
func (o *Order) SettledBy(reference string, outcome Outcome) bool {
	return o.State.IsTerminal() && reference != "" &&
		o.LastCallbackReference == reference && o.SettledAt != nil &&
		o.State == outcome.Target()
}

// Expired reports whether the order is still open past its deadline.
func (o *Order) Expired(now time.Time) bool {
	return !o.State.IsTerminal() && o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// Clone returns a deep copy, so stores can hand out orders without
// sharing metadata maps.
func (o *Order) Clone() *Order {
	c := *o
	if o.Metadata != nil {
		c.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	if o.SettledAt != nil {
		t := *o.SettledAt
		c.SettledAt = &t
	}
	if o.ExpiresAt != nil {
		t := *o.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}
