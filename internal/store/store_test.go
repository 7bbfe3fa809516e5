package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/funccall"
	"github.com/ggonzalez94/web3chat/internal/logger"
	"github.com/ggonzalez94/web3chat/internal/txqueue"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "web3chat.db"), filepath.Join(dir, "web3chat.lock"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveGetListCalls(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	first := funccall.FunctionCall{
		ID: "fc_1", Name: "send_token", Status: funccall.StatusPending,
		Arguments: map[string]any{"amount": "0.1"}, CreatedAt: now, UpdatedAt: now,
	}
	second := funccall.FunctionCall{
		ID: "fc_2", Name: "get_gas_price", Status: funccall.StatusExecuted,
		Arguments: map[string]any{"chain": "bsc"}, Result: map[string]any{"price": 5.0},
		CreatedAt: now.Add(time.Second), UpdatedAt: now.Add(time.Second),
	}
	for _, fc := range []funccall.FunctionCall{first, second} {
		if err := s.SaveCall(ctx, fc); err != nil {
			t.Fatalf("SaveCall failed: %v", err)
		}
	}

	got, err := s.GetCall(ctx, "fc_1")
	if err != nil {
		t.Fatalf("GetCall failed: %v", err)
	}
	if got.Name != "send_token" || got.Arguments["amount"] != "0.1" {
		t.Fatalf("unexpected call: %+v", got)
	}

	got.Status = funccall.StatusRejected
	if err := s.SaveCall(ctx, got); err != nil {
		t.Fatalf("SaveCall update failed: %v", err)
	}
	rejected, err := s.ListCalls(ctx, string(funccall.StatusRejected), 10)
	if err != nil {
		t.Fatalf("ListCalls failed: %v", err)
	}
	if len(rejected) != 1 || rejected[0].ID != "fc_1" {
		t.Fatalf("unexpected rejected calls: %+v", rejected)
	}
	all, err := s.ListCalls(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListCalls failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "fc_1" || all[1].ID != "fc_2" {
		t.Fatalf("expected creation order, got %+v", all)
	}
}

func TestRestorableCallsKeepNewestAndOpen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	save := func(callID string, status funccall.Status, offset int) {
		t.Helper()
		at := base.Add(time.Duration(offset) * time.Second)
		fc := funccall.FunctionCall{ID: callID, Name: "send_token", Status: status, CreatedAt: at, UpdatedAt: at}
		if err := s.SaveCall(ctx, fc); err != nil {
			t.Fatalf("SaveCall failed: %v", err)
		}
	}
	save("fc_old_pending", funccall.StatusPending, 0)
	save("fc_old_approved", funccall.StatusApproved, 1)
	for i := 0; i < 20; i++ {
		save(fmt.Sprintf("fc_done_%02d", i), funccall.StatusExecuted, 10+i)
	}
	save("fc_newest", funccall.StatusPending, 100)

	recent, err := s.ListCalls(ctx, "", 3)
	if err != nil {
		t.Fatalf("ListCalls failed: %v", err)
	}
	if len(recent) != 3 || recent[0].ID != "fc_done_18" || recent[2].ID != "fc_newest" {
		t.Fatalf("expected newest three in creation order, got %+v", callIDs(recent))
	}

	restorable, err := s.RestorableCalls(ctx, 2)
	if err != nil {
		t.Fatalf("RestorableCalls failed: %v", err)
	}
	want := []string{"fc_old_pending", "fc_old_approved", "fc_done_19", "fc_newest"}
	got := callIDs(restorable)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func callIDs(calls []funccall.FunctionCall) []string {
	ids := make([]string, 0, len(calls))
	for _, fc := range calls {
		ids = append(ids, fc.ID)
	}
	return ids
}

func TestGetMissingCall(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetCall(context.Background(), "fc_missing"); clierr.CodeOf(err) != clierr.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveCallRequiresID(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveCall(context.Background(), funccall.FunctionCall{Name: "x"}); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestObserverPersistsQueueMutations(t *testing.T) {
	s := openTestStore(t)
	obs := &Observer{Store: s, Logger: logger.Discard()}
	q := txqueue.New(txqueue.Config{Observer: obs, Expiry: time.Hour, Logger: logger.Discard()})
	t.Cleanup(q.Close)

	kept := q.AddTransaction(txqueue.Transaction{Hash: "0xabc", ChainID: 56})
	dropped := q.AddToQueue(txqueue.Transaction{Description: "later"})
	if !q.Remove(dropped) {
		t.Fatal("expected remove to succeed")
	}

	txs, err := s.ListTransactions(context.Background())
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txs) != 1 || txs[0].ID != kept || txs[0].Status != txqueue.StatusSuccess {
		t.Fatalf("unexpected persisted transactions: %+v", txs)
	}
	if txs[0].ExplorerURL != "https://bscscan.com/tx/0xabc" {
		t.Fatalf("unexpected explorer url: %s", txs[0].ExplorerURL)
	}

	restored := txqueue.New(txqueue.Config{Expiry: time.Hour, Logger: logger.Discard()})
	t.Cleanup(restored.Close)
	restored.Restore(txs)
	if _, ok := restored.Get(kept); !ok {
		t.Fatal("expected restored queue to contain persisted transaction")
	}

	q.Clear()
	txs, err = s.ListTransactions(context.Background())
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected clear to remove persisted rows, got %d", len(txs))
	}
}

func TestObserverPersistsCalls(t *testing.T) {
	s := openTestStore(t)
	obs := &Observer{Store: s}
	obs.CallSaved(funccall.FunctionCall{ID: "fc_obs", Name: "get_token_price", Status: funccall.StatusPending})
	got, err := s.GetCall(context.Background(), "fc_obs")
	if err != nil {
		t.Fatalf("GetCall failed: %v", err)
	}
	if got.Status != funccall.StatusPending {
		t.Fatalf("unexpected status %s", got.Status)
	}
}
