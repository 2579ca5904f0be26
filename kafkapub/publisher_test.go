package kafkapub_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/xraph/balance"
	"github.com/xraph/balance/account"
	"github.com/xraph/balance/kafkapub"
	"github.com/xraph/balance/order"
	"github.com/xraph/balance/store/memory"
	"github.com/xraph/balance/types"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) topics() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.msgs))
	for i, m := range w.msgs {
		out[i] = m.Topic
	}
	return out
}

func TestPublishesSettlementFlow(t *testing.T) {
	w := &fakeWriter{}
	pub := kafkapub.New(w,
		kafkapub.WithTopics(map[string]string{kafkapub.EventOrderSettled: "settlements"}),
		kafkapub.WithLogger(slog.New(slog.DiscardHandler)),
	)
	l := balance.New(memory.New(),
		balance.WithLogger(slog.New(slog.DiscardHandler)),
		balance.WithPlugin(pub),
	)
	ctx := context.Background()

	a := &account.Account{UserID: "u1", Balance: types.MustParse("100.00")}
	if err := l.CreateAccount(ctx, a); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := l.PlaceOrder(ctx, a.ID, "R1", types.MustParse("30.00"), nil); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	l.ApplyCallback(ctx, balance.Callback{Reference: "R1", Outcome: order.OutcomeSuccess})

	want := []string{
		kafkapub.EventBalanceChanged, // opening balance
		kafkapub.EventBalanceChanged, // purchase debit
		kafkapub.EventOrderCreated,
		"settlements",
	}
	got := w.topics()
	if len(got) != len(want) {
		t.Fatalf("topics = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("topic[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	for _, m := range w.msgs {
		if string(m.Key) != a.ID.String() {
			t.Errorf("key = %q, want %q", m.Key, a.ID.String())
		}
	}

	var env struct {
		Type string `json:"type"`
		Data struct {
			From  string `json:"from"`
			Order struct {
				Reference string `json:"reference"`
				State     string `json:"state"`
			} `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.msgs[3].Value, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != kafkapub.EventOrderSettled || env.Data.From != "pending" ||
		env.Data.Order.Reference != "R1" || env.Data.Order.State != "completed" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestPublishFailureIsReported(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	pub := kafkapub.New(w, kafkapub.WithLogger(slog.New(slog.DiscardHandler)))

	err := pub.OnOrderCreated(context.Background(), &order.Order{Reference: "R1"})
	if err == nil || !errors.Is(err, w.err) {
		t.Errorf("err = %v, want wrapped broker error", err)
	}
}

func TestShutdownClosesWriter(t *testing.T) {
	w := &fakeWriter{}
	pub := kafkapub.New(w)
	if err := pub.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown: %v", err)
	}
	if !w.closed {
		t.Error("writer not closed")
	}
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	if _, err := kafkapub.NewKafka(nil); err == nil {
		t.Error("expected error without brokers")
	}
}
