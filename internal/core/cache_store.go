package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	goeen_log "github.com/eencloud/goeen/log"
)

// Cached lists survive restarts so the payments screen works offline;
// receipts are kept longer for end-of-day reconciliation.
const (
	listTTL    = 72 * time.Hour
	receiptTTL = 30 * 24 * time.Hour
)

// Receipt is the durable record of one completed or failed capture attempt.
type Receipt struct {
	ID              string    `json:"id"`
	MerchantID      string    `json:"merchant_id"`
	AccountID       string    `json:"account_id"`
	AmountMinor     int64     `json:"amount_minor"`
	Currency        string    `json:"currency"`
	PaymentIntentID string    `json:"payment_intent_id"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// CacheStore manages the local badger database: offline copies of the
// payments/payouts listings plus the capture receipt trail.
type CacheStore struct {
	db      *badger.DB
	maxSize int64
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *goeen_log.Logger
}

func NewCacheStore(dir string, maxSizeGB int, logger *goeen_log.Logger) (*CacheStore, error) {
	maxSize := int64(maxSizeGB) * 1024 * 1024 * 1024

	// Check for stale lock file and attempt cleanup
	if err := cleanupStaleLock(dir, logger); err != nil {
		logger.Warningf("Failed to cleanup potential stale lock: %v", err)
	}

	opts := badger.DefaultOptions(dir).
		WithValueLogFileSize(1 << 20). // 1MB value log files
		WithMemTableSize(16 << 20).
		WithNumMemtables(2).
		WithSyncWrites(false).
		WithBlockCacheSize(32 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	store := &CacheStore{
		db:      db,
		maxSize: maxSize,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}

	go store.maintenanceWorker()

	return store, nil
}

type cacheEntry struct {
	Payload   json.RawMessage `json:"payload"`
	StoredAt  time.Time       `json:"stored_at"`
	AccountID string          `json:"account_id"`
}

func paymentsKey(accountID, rng string) []byte {
	return []byte(fmt.Sprintf("payments_%s_%s", accountID, rng))
}

func payoutsKey(accountID string) []byte {
	return []byte(fmt.Sprintf("payouts_%s", accountID))
}

// PutPayments caches a payments listing for an account/range pair, replacing
// whatever was cached before.
func (s *CacheStore) PutPayments(accountID, rng string, payload []byte) error {
	return s.putEntry(paymentsKey(accountID, rng), accountID, payload)
}

// GetPayments returns the cached payments listing, or ok=false when nothing
// usable is cached.
func (s *CacheStore) GetPayments(accountID, rng string) ([]byte, bool, error) {
	return s.getEntry(paymentsKey(accountID, rng))
}

// PutPayouts caches the payouts/balance snapshot for an account.
func (s *CacheStore) PutPayouts(accountID string, payload []byte) error {
	return s.putEntry(payoutsKey(accountID), accountID, payload)
}

// GetPayouts returns the cached payouts/balance snapshot.
func (s *CacheStore) GetPayouts(accountID string) ([]byte, bool, error) {
	return s.getEntry(payoutsKey(accountID))
}

func (s *CacheStore) putEntry(key []byte, accountID string, payload []byte) error {
	entry := cacheEntry{
		Payload:   json.RawMessage(payload),
		StoredAt:  time.Now(),
		AccountID: accountID,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	s.logger.Debugf("Cached %s (%d bytes)", string(key), len(payload))
	return nil
}

func (s *CacheStore) getEntry(key []byte) ([]byte, bool, error) {
	var payload []byte
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var entry cacheEntry
			if err := json.Unmarshal(val, &entry); err != nil {
				return nil // corrupt entry, treat as miss
			}
			if time.Since(entry.StoredAt) > listTTL {
				return nil // stale, treat as miss
			}
			payload = append([]byte{}, entry.Payload...)
			found = true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}

	return payload, found, nil
}

// AppendReceipt stores a capture receipt. Keys are ordered by creation time so
// prefix iteration returns receipts oldest-first.
// Format: "receipt_<accountID>_<timestamp>_<id>"
func (s *CacheStore) AppendReceipt(r Receipt) error {
	key := fmt.Sprintf("receipt_%s_%d_%s", r.AccountID, r.CreatedAt.UnixNano(), r.ID)

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store receipt: %w", err)
	}

	s.logger.Debugf("Stored receipt %s (%s %d)", r.ID, r.Status, r.AmountMinor)
	return nil
}

// ListReceipts returns up to limit receipts for the account, oldest first.
func (s *CacheStore) ListReceipts(accountID string, limit int) ([]Receipt, error) {
	var receipts []Receipt

	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		it := txn.NewIterator(itOpts)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("receipt_%s_", accountID))
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(receipts) < limit; it.Next() {
			item := it.Item()
			var data []byte
			err := item.Value(func(val []byte) error {
				data = append([]byte{}, val...)
				return nil
			})
			if err != nil {
				return err
			}

			var r Receipt
			if err := json.Unmarshal(data, &r); err != nil {
				continue
			}
			receipts = append(receipts, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return receipts, nil
}

func (s *CacheStore) maintenanceWorker() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance()
		}
	}
}

func (s *CacheStore) runMaintenance() {
	s.cleanupByAge()
	s.cleanupBySize()

	if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		s.logger.Errorf("Cache store value log GC failed: %v", err)
	}
}

func (s *CacheStore) cleanupByAge() {
	now := time.Now()
	var keysToDelete [][]byte

	if err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte("receipt_")); it.ValidForPrefix([]byte("receipt_")); it.Next() {
			var r Receipt
			if it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &r) }) == nil {
				if now.Sub(r.CreatedAt) > receiptTTL {
					keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
				}
			}
		}

		for _, prefix := range [][]byte{[]byte("payments_"), []byte("payouts_")} {
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var entry cacheEntry
				if it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &entry) }) == nil {
					if now.Sub(entry.StoredAt) > listTTL {
						keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
					}
				}
			}
		}
		return nil
	}); err != nil {
		s.logger.Errorf("Age cleanup scan failed: %v", err)
		return
	}

	if len(keysToDelete) > 0 {
		if err := s.db.Update(func(txn *badger.Txn) error {
			for _, key := range keysToDelete {
				if err := txn.Delete(key); err != nil {
					s.logger.Errorf("Failed to delete key: %v", err)
				}
			}
			return nil
		}); err != nil {
			s.logger.Errorf("Age cleanup delete failed: %v", err)
		} else {
			s.logger.Infof("Cleaned up %d expired cache items", len(keysToDelete))
		}
	}
}

// cleanupBySize prunes the oldest receipts when the database approaches its
// size cap. Cached listings are left alone since they are overwritten in place.
func (s *CacheStore) cleanupBySize() {
	currentSize := s.getApproximateSize()

	if currentSize > s.maxSize*70/100 && currentSize < s.maxSize*80/100 {
		s.logger.Warningf("Cache store at 70%% capacity (%d MB / %d MB)", currentSize/1024/1024, s.maxSize/1024/1024)
	}

	if currentSize < s.maxSize*80/100 {
		return // Not full enough
	}

	s.logger.Errorf("Cache store at 80%% capacity - starting cleanup (%d MB / %d MB)", currentSize/1024/1024, s.maxSize/1024/1024)
	targetSize := s.maxSize * 60 / 100
	excess := currentSize - targetSize
	var freed int64
	var keysToDelete [][]byte

	// Scan oldest receipts (key-only for speed)
	if err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte("receipt_")); it.ValidForPrefix([]byte("receipt_")); it.Next() {
			if freed >= excess && len(keysToDelete) > 0 {
				break // Target reached
			}
			freed += it.Item().EstimatedSize()
			keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
		}
		return nil
	}); err != nil {
		s.logger.Errorf("Size cleanup scan failed: %v", err)
		return
	}

	if len(keysToDelete) > 0 {
		if err := s.db.Update(func(txn *badger.Txn) error {
			for _, key := range keysToDelete {
				if err := txn.Delete(key); err != nil {
					s.logger.Errorf("Failed to delete key: %v", err)
				}
			}
			return nil
		}); err != nil {
			s.logger.Errorf("Size cleanup delete failed: %v", err)
		} else {
			s.logger.Infof("Size cleanup: deleted %d oldest receipts", len(keysToDelete))
		}
	}
}

func (s *CacheStore) getApproximateSize() int64 {
	lsm, vlog := s.db.Size()
	return lsm + vlog
}

// GetDB returns the underlying Badger database for metrics access
func (s *CacheStore) GetDB() *badger.DB {
	return s.db
}

func (s *CacheStore) Close() error {
	s.cancel()
	return s.db.Close()
}

// cleanupStaleLock attempts to remove stale BadgerDB lock files left behind by
// an ungraceful shutdown. Safe because a live holder would make Open() fail anyway.
func cleanupStaleLock(dir string, logger *goeen_log.Logger) error {
	lockFile := filepath.Join(dir, "LOCK")

	if _, err := os.Stat(lockFile); os.IsNotExist(err) {
		return nil // No lock file, nothing to clean
	}

	logger.Infof("Found potential stale lock file, attempting cleanup: %s", lockFile)

	if err := os.Remove(lockFile); err != nil {
		return fmt.Errorf("failed to remove stale lock file: %w", err)
	}

	return nil
}
