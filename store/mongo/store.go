package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/balance"
	"github.com/xraph/balance/account"
	"github.com/xraph/balance/entry"
	"github.com/xraph/balance/id"
	"github.com/xraph/balance/order"
	balancestore "github.com/xraph/balance/store"
	"github.com/xraph/balance/types"
)

// Collection name constants.
const (
	colAccounts = "balance_accounts"
	colEntries  = "balance_entries"
	colOrders   = "balance_orders"
)

// compile-time interface check
var _ balancestore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
//
// Transactions need a replica set or sharded cluster. Documents are locked
// by incrementing their lock_seq inside the session, so a second writer
// hits a write conflict and fails with balance.ErrConcurrencyConflict.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all balance collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("balance/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", balance.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Account reads ====================

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	return s.findAccount(ctx, bson.M{"_id": accountID.String()})
}

func (s *Store) GetAccountByUser(ctx context.Context, userID string) (*account.Account, error) {
	return s.findAccount(ctx, bson.M{"user_id": userID})
}

func (s *Store) findAccount(ctx context.Context, filter bson.M) (*account.Account, error) {
	var m accountModel
	if err := s.mdb.NewFind(&m).Filter(filter).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, balance.ErrAccountNotFound
		}
		return nil, mapError(fmt.Errorf("balance/mongo: get account: %w", err))
	}
	return fromAccountModel(&m)
}

func (s *Store) ListAccounts(ctx context.Context, opts account.ListOpts) ([]*account.Account, error) {
	var models []accountModel
	q := s.mdb.NewFind(&models).Sort(bson.D{{Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapError(fmt.Errorf("balance/mongo: list accounts: %w", err))
	}

	result := make([]*account.Account, len(models))
	for i := range models {
		a, err := fromAccountModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = a
	}
	return result, nil
}

// ==================== Entry reads ====================

func (s *Store) GetEntry(ctx context.Context, entryID id.EntryID) (*entry.Entry, error) {
	var m entryModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": entryID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: entry", balance.ErrNotFound)
		}
		return nil, mapError(fmt.Errorf("balance/mongo: get entry: %w", err))
	}
	return fromEntryModel(&m)
}

func (s *Store) ListEntries(ctx context.Context, accountID id.AccountID, opts entry.ListOpts) ([]*entry.Entry, error) {
	var models []entryModel

	filter := bson.M{"account_id": accountID.String()}
	if opts.Kind != "" {
		filter["kind"] = string(opts.Kind)
	}
	if !opts.Start.IsZero() || !opts.End.IsZero() {
		window := bson.M{}
		if !opts.Start.IsZero() {
			window["$gte"] = opts.Start
		}
		if !opts.End.IsZero() {
			window["$lt"] = opts.End
		}
		filter["created_at"] = window
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "seq", Value: 1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapError(fmt.Errorf("balance/mongo: list entries: %w", err))
	}
	return fromEntryModels(models)
}

func (s *Store) ListEntriesByOrder(ctx context.Context, orderID id.OrderID) ([]*entry.Entry, error) {
	var models []entryModel
	err := s.mdb.NewFind(&models).
		Filter(bson.M{"order_id": orderID.String()}).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "seq", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, mapError(fmt.Errorf("balance/mongo: list order entries: %w", err))
	}
	return fromEntryModels(models)
}

func (s *Store) CountEntries(ctx context.Context, accountID id.AccountID) (int64, error) {
	n, err := s.mdb.NewFind((*entryModel)(nil)).
		Filter(bson.M{"account_id": accountID.String()}).
		Count(ctx)
	if err != nil {
		return 0, mapError(fmt.Errorf("balance/mongo: count entries: %w", err))
	}
	return n, nil
}

// ==================== Order reads ====================

func (s *Store) GetOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error) {
	return s.findOrder(ctx, bson.M{"_id": orderID.String()})
}

func (s *Store) GetOrderByReference(ctx context.Context, reference string) (*order.Order, error) {
	return s.findOrder(ctx, bson.M{"reference": reference})
}

func (s *Store) findOrder(ctx context.Context, filter bson.M) (*order.Order, error) {
	var m orderModel
	if err := s.mdb.NewFind(&m).Filter(filter).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, balance.ErrOrderNotFound
		}
		return nil, mapError(fmt.Errorf("balance/mongo: get order: %w", err))
	}
	return fromOrderModel(&m)
}

func (s *Store) ListOrders(ctx context.Context, accountID id.AccountID, opts order.ListOpts) ([]*order.Order, error) {
	var models []orderModel

	filter := bson.M{"account_id": accountID.String()}
	if opts.State != "" {
		filter["state"] = string(opts.State)
	}
	if opts.Type != "" {
		filter["type"] = string(opts.Type)
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapError(fmt.Errorf("balance/mongo: list orders: %w", err))
	}
	return fromOrderModels(models)
}

func (s *Store) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*order.Order, error) {
	var models []orderModel
	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"state":      bson.M{"$in": bson.A{string(order.StatePending), string(order.StateProcessing)}},
			"expires_at": bson.M{"$ne": nil, "$lte": now},
		}).
		Sort(bson.D{{Key: "expires_at", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, mapError(fmt.Errorf("balance/mongo: list expirable orders: %w", err))
	}
	return fromOrderModels(models)
}

// ==================== Transactions ====================

// RunInTx implements store.Store using a multi-document session transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx balancestore.Tx) error) (err error) {
	raw, err := s.mdb.GroveTx(ctx, 0, false)
	if err != nil {
		return mapError(err)
	}
	mtx, ok := raw.(*mongodriver.MongoTx)
	if !ok {
		return fmt.Errorf("balance/mongo: unexpected transaction type %T", raw)
	}
	defer func() {
		if err != nil {
			_ = mtx.Rollback() //nolint:errcheck // the original error wins
		}
	}()

	if err = fn(ctx, &tx{mtx: mtx}); err != nil {
		return mapError(err)
	}
	if err = mtx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

type tx struct {
	mtx *mongodriver.MongoTx
}

func (t *tx) collection(name string) *mongo.Collection {
	return t.mtx.DB().Collection(name)
}

// claim bumps lock_seq on the matched document and decodes it. The write
// marks the document as modified by this transaction until commit.
func (t *tx) claim(ctx context.Context, col string, filter bson.M, dest any) error {
	res := t.collection(col).FindOneAndUpdate(
		t.mtx.SessionContext(ctx),
		filter,
		bson.M{"$inc": bson.M{"lock_seq": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	if err := res.Err(); err != nil {
		return err
	}
	return res.Decode(dest)
}

func (t *tx) LockAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	var m accountModel
	if err := t.claim(ctx, colAccounts, bson.M{"_id": accountID.String()}, &m); err != nil {
		if isNoDocuments(err) {
			return nil, balance.ErrAccountNotFound
		}
		return nil, mapError(fmt.Errorf("balance/mongo: lock account: %w", err))
	}
	return fromAccountModel(&m)
}

func (t *tx) LockOrder(ctx context.Context, orderID id.OrderID) (*order.Order, error) {
	return t.lockOrder(ctx, bson.M{"_id": orderID.String()})
}

func (t *tx) LockOrderByReference(ctx context.Context, reference string) (*order.Order, error) {
	if reference == "" {
		return nil, balance.ErrOrderNotFound
	}
	return t.lockOrder(ctx, bson.M{"reference": reference})
}

func (t *tx) lockOrder(ctx context.Context, filter bson.M) (*order.Order, error) {
	var m orderModel
	if err := t.claim(ctx, colOrders, filter, &m); err != nil {
		if isNoDocuments(err) {
			return nil, balance.ErrOrderNotFound
		}
		return nil, mapError(fmt.Errorf("balance/mongo: lock order: %w", err))
	}
	return fromOrderModel(&m)
}

func (t *tx) InsertAccount(ctx context.Context, a *account.Account) error {
	_, err := t.mtx.NewInsert(toAccountModel(a)).Exec(ctx)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: account for user %q", balance.ErrAlreadyExists, a.UserID)
	}
	if err != nil {
		return mapError(fmt.Errorf("balance/mongo: insert account: %w", err))
	}
	return nil
}

func (t *tx) UpdateBalance(ctx context.Context, accountID id.AccountID, bal types.Amount) error {
	res, err := t.mtx.NewUpdate((*accountModel)(nil)).
		Filter(bson.M{"_id": accountID.String()}).
		Set("balance", toDecimal128(bal)).
		Set("updated_at", now()).
		Exec(ctx)
	if err != nil {
		return mapError(fmt.Errorf("balance/mongo: update balance: %w", err))
	}
	if res.MatchedCount() == 0 {
		return balance.ErrAccountNotFound
	}
	return nil
}

// InsertEntry takes the next Seq from the account's last_seq counter.
func (t *tx) InsertEntry(ctx context.Context, e *entry.Entry) error {
	var counter struct {
		LastSeq int64 `bson:"last_seq"`
	}
	res := t.collection(colAccounts).FindOneAndUpdate(
		t.mtx.SessionContext(ctx),
		bson.M{"_id": e.AccountID.String()},
		bson.M{"$inc": bson.M{"last_seq": 1}},
		options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetProjection(bson.M{"last_seq": 1}),
	)
	if err := res.Err(); err != nil {
		if isNoDocuments(err) {
			return balance.ErrAccountNotFound
		}
		return mapError(fmt.Errorf("balance/mongo: next entry seq: %w", err))
	}
	if err := res.Decode(&counter); err != nil {
		return fmt.Errorf("balance/mongo: decode entry seq: %w", err)
	}
	e.Seq = counter.LastSeq

	if _, err := t.mtx.NewInsert(toEntryModel(e)).Exec(ctx); err != nil {
		return mapError(fmt.Errorf("balance/mongo: insert entry: %w", err))
	}
	return nil
}

func (t *tx) InsertOrder(ctx context.Context, o *order.Order) error {
	_, err := t.mtx.NewInsert(toOrderModel(o)).Exec(ctx)
	if mongo.IsDuplicateKeyError(err) {
		return balance.ErrReferenceInUse
	}
	if err != nil {
		return mapError(fmt.Errorf("balance/mongo: insert order: %w", err))
	}
	return nil
}

func (t *tx) UpdateOrder(ctx context.Context, o *order.Order) error {
	o.Touch()
	m := toOrderModel(o)
	res, err := t.mtx.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		SetUpdate(bson.M{"$set": bson.M{
			"state":                   m.State,
			"metadata":                m.Metadata,
			"last_callback_reference": m.LastCallbackReference,
			"settled_at":              m.SettledAt,
			"expires_at":              m.ExpiresAt,
			"updated_at":              m.UpdatedAt,
		}}).
		Exec(ctx)
	if err != nil {
		return mapError(fmt.Errorf("balance/mongo: update order: %w", err))
	}
	if res.MatchedCount() == 0 {
		return balance.ErrOrderNotFound
	}
	return nil
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// Server error code for a write conflict inside a transaction.
const codeWriteConflict = 112

func mapError(err error) error {
	if err == nil || balance.IsRetryable(err) {
		return err
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		if se.HasErrorLabel("TransientTransactionError") || se.HasErrorCode(codeWriteConflict) {
			return fmt.Errorf("%w: %w", balance.ErrConcurrencyConflict, err)
		}
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %w", balance.ErrStoreUnavailable, err)
	}
	return err
}

// migrationIndexes returns the index definitions for all balance collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAccounts: {
			{
				Keys: bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"user_id": bson.M{"$gt": ""}}),
			},
		},
		colOrders: {
			{
				Keys:    bson.D{{Key: "reference", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "expires_at", Value: 1}}},
		},
		colEntries: {
			{
				Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "order_id", Value: 1}}},
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "kind", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}
}
