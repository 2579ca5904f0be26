package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/balance"
	"github.com/xraph/balance/account"
	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/types"
)

// tx stages writes until commit. Staged rows are private copies, so a
// rolled back transaction leaves nothing behind.
type tx struct {
	s    *Store
	held map[string]chan struct{}

	accounts    map[string]*account.Account // locked, possibly modified
	newAccounts map[string]*account.Account
	orders      map[string]*order.Order // locked, possibly modified
	newOrders   map[string]*order.Order
	entries     []*entry.Entry
	nextSeq     map[string]int64
}

func newTx(s *Store) *tx {
	return &tx{
		s:           s,
		held:        make(map[string]chan struct{}),
		accounts:    make(map[string]*account.Account),
		newAccounts: make(map[string]*account.Account),
		orders:      make(map[string]*order.Order),
		newOrders:   make(map[string]*order.Order),
		nextSeq:     make(map[string]int64),
	}
}

func (t *tx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch, err := t.s.lockRow(ctx, key)
	if err != nil {
		return err
	}
	t.held[key] = ch
	return nil
}

func (t *tx) release() {
	for key, ch := range t.held {
		<-ch
		delete(t.held, key)
	}
}

func (t *tx) LockAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	key := accountID.String()
	if a, ok := t.accounts[key]; ok {
		return cloneAccount(a), nil
	}
	if a, ok := t.newAccounts[key]; ok {
		t.accounts[key] = a
		return cloneAccount(a), nil
	}
	if err := t.lock(ctx, "acct:"+key); err != nil {
		return nil, err
	}

	// Read after locking so the copy reflects the last commit.
	t.s.mu.RLock()
	a, ok := t.s.accounts[key]
	t.s.mu.RUnlock()
	if !ok {
		return nil, balance.ErrAccountNotFound
	}
	t.accounts[key] = cloneAccount(a)
	return cloneAccount(a), nil
}

func (t *tx) LockOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error) {
	key := orderID.String()
	if o, ok := t.orders[key]; ok {
		return o.Clone(), nil
	}
	if o, ok := t.newOrders[key]; ok {
		t.orders[key] = o
		return o.Clone(), nil
	}
	if err := t.lock(ctx, "ord:"+key); err != nil {
		return nil, err
	}

	t.s.mu.RLock()
	o, ok := t.s.orders[key]
	t.s.mu.RUnlock()
	if !ok {
		return nil, balance.ErrOrderNotFound
	}
	t.orders[key] = o.Clone()
	return o.Clone(), nil
}

func (t *tx) LockOrderByReference(ctx context.Context, reference string) (*order.Order, error) {
	if reference == "" {
		return nil, balance.ErrOrderNotFound
	}
	for _, o := range t.newOrders {
		if o.Reference == reference {
			return t.LockOrder(ctx, o.ID)
		}
	}

	t.s.mu.RLock()
	key, ok := t.s.byRef[reference]
	t.s.mu.RUnlock()
	if !ok {
		return nil, balance.ErrOrderNotFound
	}
	return t.LockOrder(ctx, id.MustParse(key))
}

func (t *tx) InsertAccount(_ context.Context, a *account.Account) error {
	key := a.ID.String()
	t.s.mu.RLock()
	_, exists := t.s.accounts[key]
	_, userTaken := t.s.byUser[a.UserID]
	t.s.mu.RUnlock()

	if exists || t.newAccounts[key] != nil {
		return balance.ErrAlreadyExists
	}
	if a.UserID != "" && userTaken {
		return fmt.Errorf("%w: account for user %q", balance.ErrAlreadyExists, a.UserID)
	}
	t.newAccounts[key] = cloneAccount(a)
	return nil
}

func (t *tx) UpdateBalance(_ context.Context, accountID id.AccountID, bal types.Amount) error {
	a, ok := t.accounts[accountID.String()]
	if !ok {
		return fmt.Errorf("update balance %s: %w", accountID, errNotLocked)
	}
	a.Balance = bal
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *tx) InsertEntry(_ context.Context, e *entry.Entry) error {
	key := e.AccountID.String()
	if _, ok := t.accounts[key]; !ok {
		return fmt.Errorf("insert entry for %s: %w", e.AccountID, errNotLocked)
	}

	seq, ok := t.nextSeq[key]
	if !ok {
		// The account lock keeps other writers off this account's log.
		t.s.mu.RLock()
		seq = int64(len(t.s.entries[key])) + 1
		t.s.mu.RUnlock()
	}
	t.nextSeq[key] = seq + 1

	e.Seq = seq
	t.entries = append(t.entries, cloneEntry(e))
	return nil
}

func (t *tx) InsertOrder(_ context.Context, o *order.Order) error {
	key := o.ID.String()
	t.s.mu.RLock()
	_, exists := t.s.orders[key]
	_, refTaken := t.s.byRef[o.Reference]
	t.s.mu.RUnlock()

	if exists || t.newOrders[key] != nil {
		return balance.ErrAlreadyExists
	}
	if o.Reference != "" {
		if refTaken {
			return balance.ErrReferenceInUse
		}
		for _, staged := range t.newOrders {
			if staged.Reference == o.Reference {
				return balance.ErrReferenceInUse
			}
		}
	}
	t.newOrders[key] = o.Clone()
	return nil
}

func (t *tx) UpdateOrder(_ context.Context, o *order.Order) error {
	key := o.ID.String()
	if _, ok := t.orders[key]; !ok {
		if _, staged := t.newOrders[key]; !staged {
			return fmt.Errorf("update order %s: %w", o.ID, errNotLocked)
		}
	}
	c := o.Clone()
	c.Touch()
	t.orders[key] = c
	if _, staged := t.newOrders[key]; staged {
		t.newOrders[key] = c
	}
	return nil
}

// commit publishes staged writes. Unique constraints are re-checked under
// the write lock since other transactions may have inserted meanwhile.
func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range t.newAccounts {
		if _, exists := s.accounts[a.ID.String()]; exists {
			return balance.ErrAlreadyExists
		}
		if _, taken := s.byUser[a.UserID]; a.UserID != "" && taken {
			return fmt.Errorf("%w: account for user %q", balance.ErrAlreadyExists, a.UserID)
		}
	}
	for _, o := range t.newOrders {
		if _, taken := s.byRef[o.Reference]; o.Reference != "" && taken {
			return balance.ErrReferenceInUse
		}
	}

	for key, a := range t.newAccounts {
		if locked, ok := t.accounts[key]; ok {
			a = locked
		}
		s.accounts[key] = cloneAccount(a)
		if a.UserID != "" {
			s.byUser[a.UserID] = key
		}
	}
	for key, a := range t.accounts {
		if _, isNew := t.newAccounts[key]; isNew {
			continue
		}
		s.accounts[key] = cloneAccount(a)
	}

	for key, o := range t.newOrders {
		if locked, ok := t.orders[key]; ok {
			o = locked
		}
		s.orders[key] = o.Clone()
		if o.Reference != "" {
			s.byRef[o.Reference] = key
		}
	}
	for key, o := range t.orders {
		if _, isNew := t.newOrders[key]; isNew {
			continue
		}
		s.orders[key] = o.Clone()
	}

	for _, e := range t.entries {
		key := e.AccountID.String()
		s.entries[key] = append(s.entries[key], e)
		s.entryByID[e.ID.String()] = e
	}
	return nil
}
