package core

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/eencloud/goeen/log"
)

func testLogger() *log.Logger {
	return log.NewContext(os.Stderr, "", log.LevelError).GetLogger("core-test", log.LevelError)
}

func newTestStore(t *testing.T) *CacheStore {
	t.Helper()
	store, err := NewCacheStore(t.TempDir(), 1, testLogger())
	if err != nil {
		t.Fatalf("NewCacheStore failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return store
}

func TestCacheStore_PaymentsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	payload := []byte(`{"payments":[{"id":"py_1","amount":550}],"has_more":false}`)
	if err := store.PutPayments("acct_1", "week", payload); err != nil {
		t.Fatalf("PutPayments failed: %v", err)
	}

	got, ok, err := store.GetPayments("acct_1", "week")
	if err != nil {
		t.Fatalf("GetPayments failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected cache hit")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Payload mismatch: got %s", got)
	}
}

func TestCacheStore_MissOnUnknownKey(t *testing.T) {
	store := newTestStore(t)

	_, ok, err := store.GetPayments("acct_unknown", "all")
	if err != nil {
		t.Fatalf("GetPayments failed: %v", err)
	}
	if ok {
		t.Error("Expected cache miss")
	}
}

func TestCacheStore_RangesAreIndependent(t *testing.T) {
	store := newTestStore(t)

	if err := store.PutPayments("acct_1", "week", []byte(`{"week":true}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.PutPayments("acct_1", "month", []byte(`{"month":true}`)); err != nil {
		t.Fatal(err)
	}

	week, ok, _ := store.GetPayments("acct_1", "week")
	if !ok || !bytes.Equal(week, []byte(`{"week":true}`)) {
		t.Errorf("Week cache wrong: %s", week)
	}
	month, ok, _ := store.GetPayments("acct_1", "month")
	if !ok || !bytes.Equal(month, []byte(`{"month":true}`)) {
		t.Errorf("Month cache wrong: %s", month)
	}
}

func TestCacheStore_PayoutsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	payload := []byte(`{"payouts":[],"balance":{"available":1000,"pending":200}}`)
	if err := store.PutPayouts("acct_1", payload); err != nil {
		t.Fatalf("PutPayouts failed: %v", err)
	}

	got, ok, err := store.GetPayouts("acct_1")
	if err != nil {
		t.Fatalf("GetPayouts failed: %v", err)
	}
	if !ok || !bytes.Equal(got, payload) {
		t.Errorf("Payload mismatch: got %s", got)
	}
}

func TestCacheStore_Receipts(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		r := Receipt{
			ID:              []string{"rcpt_a", "rcpt_b", "rcpt_c"}[i],
			MerchantID:      "merchant_1",
			AccountID:       "acct_1",
			AmountMinor:     int64(100 * (i + 1)),
			Currency:        "GBP",
			PaymentIntentID: "pi_1",
			Status:          "succeeded",
			CreatedAt:       base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendReceipt(r); err != nil {
			t.Fatalf("AppendReceipt failed: %v", err)
		}
	}

	receipts, err := store.ListReceipts("acct_1", 10)
	if err != nil {
		t.Fatalf("ListReceipts failed: %v", err)
	}
	if len(receipts) != 3 {
		t.Fatalf("Expected 3 receipts, got %d", len(receipts))
	}

	// Oldest first per key ordering.
	if receipts[0].ID != "rcpt_a" || receipts[2].ID != "rcpt_c" {
		t.Errorf("Receipts out of order: %s ... %s", receipts[0].ID, receipts[2].ID)
	}

	limited, err := store.ListReceipts("acct_1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 receipts with limit, got %d", len(limited))
	}
}

func TestCacheStore_ReceiptsScopedToAccount(t *testing.T) {
	store := newTestStore(t)

	r := Receipt{ID: "rcpt_1", AccountID: "acct_1", AmountMinor: 100, CreatedAt: time.Now()}
	if err := store.AppendReceipt(r); err != nil {
		t.Fatal(err)
	}

	other, err := store.ListReceipts("acct_2", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("Expected no receipts for acct_2, got %d", len(other))
	}
}

func TestCacheStore_SizeCleanupPrunesOldestReceipts(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"rcpt_a", "rcpt_b", "rcpt_c"} {
		r := Receipt{
			ID:          id,
			AccountID:   "acct_1",
			AmountMinor: int64(100 * (i + 1)),
			Status:      "succeeded",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendReceipt(r); err != nil {
			t.Fatalf("AppendReceipt failed: %v", err)
		}
	}

	// Any size at all is over capacity now, so the prune must run.
	store.maxSize = 1
	store.cleanupBySize()

	receipts, err := store.ListReceipts("acct_1", 10)
	if err != nil {
		t.Fatalf("ListReceipts failed: %v", err)
	}
	if len(receipts) >= 3 {
		t.Fatalf("Expected size cleanup to remove receipts, still have %d", len(receipts))
	}
	for _, r := range receipts {
		if r.ID == "rcpt_a" {
			t.Error("Expected oldest receipt to be pruned first")
		}
	}
}

func TestCacheStore_SizeCleanupNoopUnderCapacity(t *testing.T) {
	store := newTestStore(t)

	r := Receipt{ID: "rcpt_1", AccountID: "acct_1", AmountMinor: 100, CreatedAt: time.Now()}
	if err := store.AppendReceipt(r); err != nil {
		t.Fatal(err)
	}

	// Default 1GB cap, a single receipt is nowhere near it.
	store.cleanupBySize()

	receipts, err := store.ListReceipts("acct_1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 {
		t.Errorf("Expected receipt to survive under-capacity maintenance, got %d", len(receipts))
	}
}

func TestCacheStore_StaleLockCleanup(t *testing.T) {
	dir := t.TempDir()

	store, err := NewCacheStore(dir, 1, testLogger())
	if err != nil {
		t.Fatalf("First open failed: %v", err)
	}
	if err := store.PutPayouts("acct_1", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// A leftover LOCK from an ungraceful shutdown must not block reopening.
	if err := os.WriteFile(dir+"/LOCK", []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewCacheStore(dir, 1, testLogger())
	if err != nil {
		t.Fatalf("Reopen with stale lock failed: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	_, ok, err := reopened.GetPayouts("acct_1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("Expected payouts cache to survive reopen")
	}
}
