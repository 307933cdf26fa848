package bundler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
)

type fakeTxBackend struct {
	mu          sync.Mutex
	gasEstimate uint64
	estimateErr error
	sendErr     error
	sent        *types.Transaction
	receipt     *types.Receipt
}

func (f *fakeTxBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeTxBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.gasEstimate, nil
}

func (f *fakeTxBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = tx
	f.mu.Unlock()
	return nil
}

func (f *fakeTxBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	r := *f.receipt
	r.TxHash = txHash
	return &r, nil
}

func (f *fakeTxBackend) sentTx() *types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

type fixedQuoter struct{}

func (fixedQuoter) CurrentFees(ctx context.Context) (*big.Int, *big.Int) {
	return big.NewInt(30_000_000_000), big.NewInt(1_000_000_000)
}

func testTransactOpts(t *testing.T) *bind.TransactOpts {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	return opts
}

// opEventLog fabricates the UserOperationEvent the EntryPoint would emit for
// one operation inside a handleOps transaction.
func opEventLog(entry *PoolEntry, success bool) *types.Log {
	word := func(n *big.Int) []byte {
		return common.LeftPadBytes(n.Bytes(), 32)
	}
	successWord := big.NewInt(0)
	if success {
		successWord = big.NewInt(1)
	}

	data := append(word(entry.Op.Nonce), word(successWord)...)
	data = append(data, word(big.NewInt(123_456))...)
	data = append(data, word(big.NewInt(98_765))...)

	return &types.Log{
		Topics: []common.Hash{
			aa.UserOperationEventTopic(),
			entry.ID,
			common.BytesToHash(entry.Op.Sender.Bytes()),
			{},
		},
		Data: data,
	}
}

func newTestRelayer(t *testing.T, backend *fakeTxBackend, store *ReceiptStore, pool *Mempool, maxAttempts int) *Relayer {
	t.Helper()
	return NewRelayer(RelayerConfig{
		Backend:     backend,
		Opts:        testTransactOpts(t),
		Quoter:      fixedQuoter{},
		Pool:        pool,
		Receipts:    store,
		ChainID:     big.NewInt(1),
		EntryPoint:  testEntryPoint,
		Beneficiary: common.HexToAddress("0xbe"),
		WaitTimeout: 2 * time.Second,
		MaxAttempts: maxAttempts,
	})
}

func poolEntries(seeds ...byte) []*PoolEntry {
	entries := make([]*PoolEntry, 0, len(seeds))
	for _, seed := range seeds {
		op := testOp(seed)
		entries = append(entries, &PoolEntry{ID: testOpHash(op), Op: op})
	}
	return entries
}

func TestSubmitEmptyBundleIsNoop(t *testing.T) {
	backend := &fakeTxBackend{}
	relayer := newTestRelayer(t, backend, nil, NewMempool(), 5)

	if err := relayer.Submit(context.Background(), nil); err != nil {
		t.Errorf("empty submit should be a no-op, got %v", err)
	}
	if backend.sentTx() != nil {
		t.Error("no transaction should be sent for an empty bundle")
	}
}

func TestSubmitSuccessWritesReceipts(t *testing.T) {
	entries := poolEntries(1, 2)
	db := newMemStorage()
	store := NewReceiptStore(db, nil, time.Hour, 24*time.Hour)
	for _, entry := range entries {
		if err := store.StageOperation(entry.ID, entry.Op); err != nil {
			t.Fatal(err)
		}
	}

	backend := &fakeTxBackend{
		gasEstimate: 100_000,
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(42),
			BlockHash:   common.HexToHash("0xbb"),
			Logs: []*types.Log{
				opEventLog(entries[0], true),
				opEventLog(entries[1], false),
			},
		},
	}

	pool := NewMempool()
	relayer := newTestRelayer(t, backend, store, pool, 5)
	if err := relayer.Submit(context.Background(), entries); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	tx := backend.sentTx()
	if tx == nil {
		t.Fatal("no transaction sent")
	}
	if tx.To() == nil || *tx.To() != testEntryPoint {
		t.Errorf("transaction targets %v, want entry point", tx.To())
	}
	if tx.Gas() != 120_000 {
		t.Errorf("gas limit %d, want estimate plus buffer 120000", tx.Gas())
	}

	first, err := store.GetReceipt(entries[0].ID)
	if err != nil || first == nil {
		t.Fatalf("missing receipt for first op: %v", err)
	}
	if !first.Success {
		t.Error("first op's receipt should be successful")
	}
	if first.ActualGasCost.ToInt().Int64() != 123_456 {
		t.Errorf("actualGasCost %v, want 123456", first.ActualGasCost)
	}

	second, err := store.GetReceipt(entries[1].ID)
	if err != nil || second == nil {
		t.Fatalf("missing receipt for second op: %v", err)
	}
	if second.Success {
		t.Error("second op's receipt should carry success=false from its event")
	}

	for _, entry := range entries {
		if db.has(stagedKeyPrefix + entry.ID.Hex()) {
			t.Errorf("op %s still staged after receipt", entry.ID.Hex())
		}
	}
	if pool.Size() != 0 {
		t.Errorf("nothing should be requeued on success, pool size=%d", pool.Size())
	}
}

func TestSubmitMissingEventStillWritesReceipt(t *testing.T) {
	entries := poolEntries(1)
	store := NewReceiptStore(newMemStorage(), nil, time.Hour, 24*time.Hour)

	backend := &fakeTxBackend{
		gasEstimate: 100_000,
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(42),
		},
	}

	relayer := newTestRelayer(t, backend, store, NewMempool(), 5)
	if err := relayer.Submit(context.Background(), entries); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	receipt, err := store.GetReceipt(entries[0].ID)
	if err != nil || receipt == nil {
		t.Fatalf("missing receipt: %v", err)
	}
	if receipt.Success {
		t.Error("receipt without an event must be marked unsuccessful")
	}
}

func TestSubmitFailureRequeuesWithoutReceipts(t *testing.T) {
	entries := poolEntries(1, 2)
	store := NewReceiptStore(newMemStorage(), nil, time.Hour, 24*time.Hour)
	pool := NewMempool()

	backend := &fakeTxBackend{
		gasEstimate: 100_000,
		sendErr:     errors.New("nonce too low"),
	}

	relayer := newTestRelayer(t, backend, store, pool, 5)
	if err := relayer.Submit(context.Background(), entries); err == nil {
		t.Fatal("expect submit error")
	}

	if pool.Size() != 2 {
		t.Fatalf("both ops should be requeued, pool size=%d", pool.Size())
	}
	for _, entry := range pool.DrainAll() {
		if entry.Attempts != 1 {
			t.Errorf("requeued entry has attempts=%d, want 1", entry.Attempts)
		}
	}
	if receipt, _ := store.GetReceipt(entries[0].ID); receipt != nil {
		t.Error("no receipt should be written on submission failure")
	}
}

func TestSubmitRevertedTransactionRequeues(t *testing.T) {
	entries := poolEntries(1)
	pool := NewMempool()
	store := NewReceiptStore(newMemStorage(), nil, time.Hour, 24*time.Hour)

	backend := &fakeTxBackend{
		gasEstimate: 100_000,
		receipt: &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			BlockNumber: big.NewInt(42),
		},
	}

	relayer := newTestRelayer(t, backend, store, pool, 5)
	if err := relayer.Submit(context.Background(), entries); err == nil {
		t.Fatal("a reverted bundle transaction must surface as an error")
	}
	if pool.Size() != 1 {
		t.Errorf("reverted bundle should requeue its op, pool size=%d", pool.Size())
	}
}

func TestSubmitDeadLettersAfterMaxAttempts(t *testing.T) {
	entries := poolEntries(1)
	db := newMemStorage()
	store := NewReceiptStore(db, nil, time.Hour, 24*time.Hour)
	pool := NewMempool()

	if err := store.StageOperation(entries[0].ID, entries[0].Op); err != nil {
		t.Fatal(err)
	}

	backend := &fakeTxBackend{
		gasEstimate: 100_000,
		sendErr:     errors.New("insufficient funds"),
	}

	relayer := newTestRelayer(t, backend, store, pool, 1)
	if err := relayer.Submit(context.Background(), entries); err == nil {
		t.Fatal("expect submit error")
	}

	if pool.Size() != 0 {
		t.Errorf("dead-lettered op must not be requeued, pool size=%d", pool.Size())
	}
	if !db.has(deadLetterKeyPrefix + entries[0].ID.Hex()) {
		t.Error("dead letter record missing")
	}
	if db.has(stagedKeyPrefix + entries[0].ID.Hex()) {
		t.Error("dead-lettered op should be unstaged")
	}
}
