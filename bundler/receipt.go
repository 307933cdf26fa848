package bundler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/storage"
)

// Key namespaces in the persistent store. Staged operations expire after an
// hour, receipts and dead letters after a day (both configurable).
const (
	stagedKeyPrefix     = "op:"
	receiptKeyPrefix    = "receipt:"
	deadLetterKeyPrefix = "deadletter:"
)

// Receipt is the persisted outcome record for one operation after its bundle
// transaction is included. Written once, never mutated, read any number of
// times through the RPC facade until its TTL elapses.
type Receipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Nonce         *hexutil.Big   `json:"nonce"`
	Success       bool           `json:"success"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	TxHash        common.Hash    `json:"transactionHash"`
	BlockHash     common.Hash    `json:"blockHash"`
	BlockNumber   hexutil.Uint64 `json:"blockNumber"`
	Logs          []*types.Log   `json:"logs"`
}

// deadLetterRecord captures an operation dropped after exhausting its
// submission attempts, so operators can inspect what was given up on.
type deadLetterRecord struct {
	Op       *userop.UserOperation `json:"userOperation"`
	Attempts int                   `json:"attempts"`
	Reason   string                `json:"reason"`
}

// ReceiptStore persists staged operations, receipts and dead letters in
// badger, with an in-memory cache in front of receipt reads. Receipts are
// immutable once written so the cache never needs invalidation.
type ReceiptStore struct {
	db         storage.Storage
	cache      *bigcache.BigCache
	stagingTTL time.Duration
	receiptTTL time.Duration
}

func NewReceiptStore(db storage.Storage, cache *bigcache.BigCache, stagingTTL, receiptTTL time.Duration) *ReceiptStore {
	return &ReceiptStore{
		db:         db,
		cache:      cache,
		stagingTTL: stagingTTL,
		receiptTTL: receiptTTL,
	}
}

// StageOperation records an admitted operation under op:<hash> so it survives
// a restart between admission and bundling.
func (s *ReceiptStore) StageOperation(id common.Hash, op *userop.UserOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return s.db.SetWithTTL([]byte(stagedKeyPrefix+id.Hex()), data, s.stagingTTL)
}

// UnstageOperation drops the staged record once the operation has a receipt
// or a dead letter.
func (s *ReceiptStore) UnstageOperation(id common.Hash) error {
	return s.db.Delete([]byte(stagedKeyPrefix + id.Hex()))
}

// StagedOperations returns every operation staged before the last shutdown,
// ready for re-admission. A staged record whose receipt already exists lost
// only its unstage delete; it is cleaned up here instead of re-admitted.
func (s *ReceiptStore) StagedOperations() ([]*PoolEntry, error) {
	items, err := s.db.GetByPrefix([]byte(stagedKeyPrefix))
	if err != nil {
		return nil, err
	}

	var entries []*PoolEntry
	for _, item := range items {
		id := common.HexToHash(strings.TrimPrefix(string(item.Key), stagedKeyPrefix))

		settled, err := s.db.Exist([]byte(receiptKeyPrefix + id.Hex()))
		if err != nil {
			return nil, err
		}
		if settled {
			if err := s.UnstageOperation(id); err != nil {
				return nil, err
			}
			continue
		}

		op := &userop.UserOperation{}
		if err := json.Unmarshal(item.Value, op); err != nil {
			return nil, fmt.Errorf("corrupt staged operation %s: %w", id.Hex(), err)
		}
		entries = append(entries, &PoolEntry{ID: id, Op: op})
	}
	return entries, nil
}

func (s *ReceiptStore) SaveReceipt(r *Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.db.SetWithTTL([]byte(receiptKeyPrefix+r.UserOpHash.Hex()), data, s.receiptTTL); err != nil {
		return err
	}
	if s.cache != nil {
		// Cache write failures only cost a later db read
		_ = s.cache.Set(r.UserOpHash.Hex(), data)
	}
	return nil
}

// GetReceipt returns the receipt for id, or (nil, nil) when none exists.
// A missing receipt is a valid outcome, not an error.
func (s *ReceiptStore) GetReceipt(id common.Hash) (*Receipt, error) {
	var data []byte

	if s.cache != nil {
		if cached, err := s.cache.Get(id.Hex()); err == nil {
			data = cached
		}
	}

	if data == nil {
		stored, err := s.db.GetKey([]byte(receiptKeyPrefix + id.Hex()))
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		data = stored
	}

	receipt := &Receipt{}
	if err := json.Unmarshal(data, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// DeadLetter records an operation dropped after too many failed submission
// attempts.
func (s *ReceiptStore) DeadLetter(entry *PoolEntry, cause error) error {
	record := &deadLetterRecord{
		Op:       entry.Op,
		Attempts: entry.Attempts,
		Reason:   cause.Error(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.SetWithTTL([]byte(deadLetterKeyPrefix+entry.ID.Hex()), data, s.receiptTTL)
}
