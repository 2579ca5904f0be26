package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/balance"
	"github.com/xraph/balance/account"
	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/store"
	"github.com/xraph/balance/types"
)

func seedAccount(t *testing.T, s *Store, userID string) *account.Account {
	t.Helper()
	a := &account.Account{ID: id.NewAccountID(), UserID: userID, Entity: types.NewEntity()}
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertAccount(ctx, a)
	})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return a
}

func TestRollbackLeavesNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := seedAccount(t, s, "u1")
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockAccount(ctx, a.ID); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, a.ID, types.MustParse("99")); err != nil {
			return err
		}
		e := &entry.Entry{ID: id.NewEntryID(), AccountID: a.ID, Kind: entry.KindCredit, Amount: types.MustParse("99")}
		if err := tx.InsertEntry(ctx, e); err != nil {
			return err
		}
		o := &order.Order{ID: id.NewOrderID(), AccountID: a.ID, Reference: "R1", State: order.StatePending}
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	got, _ := s.GetAccount(ctx, a.ID)
	if !got.Balance.IsZero() {
		t.Errorf("balance = %s after rollback", got.Balance)
	}
	if n, _ := s.CountEntries(ctx, a.ID); n != 0 {
		t.Errorf("entries = %d after rollback", n)
	}
	if _, err := s.GetOrderByReference(ctx, "R1"); !errors.Is(err, balance.ErrOrderNotFound) {
		t.Errorf("order visible after rollback: %v", err)
	}
}

func TestLockTimeoutIsConflict(t *testing.T) {
	ctx := context.Background()
	s := New(WithLockTimeout(20 * time.Millisecond))
	a := seedAccount(t, s, "u1")

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.LockAccount(ctx, a.ID); err != nil {
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockAccount(ctx, a.ID)
		return err
	})
	if !errors.Is(err, balance.ErrConcurrencyConflict) || !balance.IsRetryable(err) {
		t.Errorf("err = %v, want retryable conflict", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("holder: %v", err)
	}

	// The lock is free again once the holder commits.
	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockAccount(ctx, a.ID)
		return err
	})
	if err != nil {
		t.Errorf("relock: %v", err)
	}
}

func TestLocksAreReentrant(t *testing.T) {
	ctx := context.Background()
	s := New(WithLockTimeout(20 * time.Millisecond))
	a := seedAccount(t, s, "u1")

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for range 3 {
			if _, err := tx.LockAccount(ctx, a.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Errorf("relock in same tx: %v", err)
	}
}

func TestEntrySeqIsContiguous(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := seedAccount(t, s, "u1")

	for range 2 {
		err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.LockAccount(ctx, a.ID); err != nil {
				return err
			}
			for range 2 {
				e := &entry.Entry{ID: id.NewEntryID(), AccountID: a.ID, Kind: entry.KindCredit}
				if err := tx.InsertEntry(ctx, e); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("RunInTx: %v", err)
		}
	}

	entries, err := s.ListEntries(ctx, a.ID, entry.ListOpts{})
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d seq = %d", i, e.Seq)
		}
	}

	paged, _ := s.ListEntries(ctx, a.ID, entry.ListOpts{Offset: 1, Limit: 2})
	if len(paged) != 2 || paged[0].Seq != 2 {
		t.Errorf("paged = %+v", paged)
	}
}

func TestWritesRequireLock(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := seedAccount(t, s, "u1")

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateBalance(ctx, a.ID, types.MustParse("1"))
	})
	if !errors.Is(err, errNotLocked) {
		t.Errorf("UpdateBalance without lock: %v", err)
	}
}

func TestUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := seedAccount(t, s, "u1")

	t.Run("user", func(t *testing.T) {
		err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertAccount(ctx, &account.Account{ID: id.NewAccountID(), UserID: "u1"})
		})
		if !errors.Is(err, balance.ErrAlreadyExists) {
			t.Errorf("err = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("reference within one tx", func(t *testing.T) {
		err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			for range 2 {
				o := &order.Order{ID: id.NewOrderID(), AccountID: a.ID, Reference: "R1"}
				if err := tx.InsertOrder(ctx, o); err != nil {
					return err
				}
			}
			return nil
		})
		if !errors.Is(err, balance.ErrReferenceInUse) {
			t.Errorf("err = %v, want ErrReferenceInUse", err)
		}
	})
}

func TestClosedStore(t *testing.T) {
	s := New()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := s.RunInTx(context.Background(), func(context.Context, store.Tx) error { return nil })
	if !errors.Is(err, balance.ErrStoreClosed) {
		t.Errorf("err = %v, want ErrStoreClosed", err)
	}
}
