package bundler

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-bundler/storage"
)

// memStorage is an in-memory stand-in for the badger store. TTLs are
// recorded but never enforced; tests assert on writes, not on expiry.
type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMemStorage() *memStorage {
	return &memStorage{
		data: make(map[string][]byte),
		ttls: make(map[string]time.Duration),
	}
}

func (s *memStorage) Setup() error { return nil }
func (s *memStorage) Close() error { return nil }

func (s *memStorage) Exist(key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[string(key)]
	return ok, nil
}

func (s *memStorage) GetKey(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return v, nil
}

func (s *memStorage) GetByPrefix(prefix []byte) ([]*storage.KeyValueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*storage.KeyValueItem
	for k, v := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			result = append(result, &storage.KeyValueItem{Key: []byte(k), Value: v})
		}
	}
	return result, nil
}

func (s *memStorage) CountKeysByPrefix(prefix []byte) (int64, error) {
	items, _ := s.GetByPrefix(prefix)
	return int64(len(items)), nil
}

func (s *memStorage) SetWithTTL(key, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = value
	s.ttls[string(key)] = ttl
	return nil
}

func (s *memStorage) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

func (s *memStorage) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

// testOp builds a minimal valid operation whose hash differs per seed.
func testOp(seed byte) *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress(fmt.Sprintf("0x%040x", seed+1)),
		Nonce:                big.NewInt(int64(seed)),
		InitCode:             []byte{},
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6, seed},
		CallGasLimit:         big.NewInt(200_000),
		VerificationGasLimit: big.NewInt(150_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(20_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
		PaymasterAndData:     []byte{},
		Signature:            []byte{0x01, seed},
	}
}

var testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func testOpHash(op *userop.UserOperation) common.Hash {
	return op.Hash(testEntryPoint, big.NewInt(1))
}
