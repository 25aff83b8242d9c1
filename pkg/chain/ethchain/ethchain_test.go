package ethchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
	"github.com/uhyunpark/escrowdex/pkg/app/exchange"
)

var chainID = big.NewInt(1337)

// fakeBackend mines every sent transaction immediately unless told otherwise
type fakeBackend struct {
	mu       sync.Mutex
	head     uint64
	blocks   map[uint64]*types.Block
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	nonce    uint64

	revertSends  bool
	pendingPolls int // TransactionReceipt returns NotFound this many times first
	receiptErrs  int // then fails this many times with a transport error
	call         func(msg ethereum.CallMsg) ([]byte, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		blocks:   make(map[uint64]*types.Block),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return chainID, nil }

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeBackend) BlockByNumber(_ context.Context, n *big.Int) (*types.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.blocks[n.Uint64()]; ok {
		return b, nil
	}
	return types.NewBlockWithHeader(&types.Header{Number: n}), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.call == nil {
		return nil, nil
	}
	return f.call(msg)
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	status := types.ReceiptStatusSuccessful
	if f.revertSends {
		status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = &types.Receipt{Status: status, TxHash: tx.Hash()}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingPolls > 0 {
		f.pendingPolls--
		return nil, ethereum.NotFound
	}
	if f.receiptErrs > 0 {
		f.receiptErrs--
		return nil, errors.New("connection reset by peer")
	}
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

// addBlock appends a block holding txs; failed txs get a failed receipt
func (f *fakeBackend) addBlock(txs []*types.Transaction, failed ...*types.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	f.blocks[f.head] = types.NewBlockWithHeader(&types.Header{Number: new(big.Int).SetUint64(f.head)}).
		WithBody(types.Body{Transactions: txs})
	for _, tx := range txs {
		f.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()}
	}
	for _, tx := range failed {
		f.receipts[tx.Hash()].Status = types.ReceiptStatusFailed
	}
}

func signedTx(t *testing.T, key *ecdsa.PrivateKey, nonce uint64, to common.Address, value int64, data []byte) *types.Transaction {
	t.Helper()
	tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2_000_000_000),
		Gas:       30_000,
		To:        &to,
		Value:     big.NewInt(value),
		Data:      data,
	}), types.LatestSignerForChainID(chainID), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func newGateway(t *testing.T, b *fakeBackend) *Gateway {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	return NewGateway(b, key, chainID, time.Millisecond, nil)
}

func returnsBool(ok bool) func(ethereum.CallMsg) ([]byte, error) {
	return func(msg ethereum.CallMsg) ([]byte, error) {
		return ERC20.Methods["transfer"].Outputs.Pack(ok)
	}
}

func TestGatewayTransferFrom(t *testing.T) {
	b := newFakeBackend()
	b.call = returnsBool(true)
	b.pendingPolls = 2
	g := newGateway(t, b)

	token := common.HexToAddress("0x7000000000000000000000000000000000000000")
	owner := common.HexToAddress("0xAA00000000000000000000000000000000000000")
	if err := g.TransferFrom(context.Background(), token, owner, g.Custody(), uint256.NewInt(5)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if len(b.sent) != 1 {
		t.Fatalf("sent %d txs", len(b.sent))
	}

	tx := b.sent[0]
	if *tx.To() != token || tx.Value().Sign() != 0 || tx.ChainId().Cmp(chainID) != 0 {
		t.Errorf("tx to=%s value=%s chain=%s", tx.To().Hex(), tx.Value(), tx.ChainId())
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil || sender != g.Custody() {
		t.Errorf("sender = %s, %v", sender.Hex(), err)
	}

	method, err := ERC20.MethodById(tx.Data()[:4])
	if err != nil || method.Name != "transferFrom" {
		t.Fatalf("method = %v, %v", method, err)
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[0].(common.Address) != owner || args[1].(common.Address) != g.Custody() || args[2].(*big.Int).Int64() != 5 {
		t.Errorf("args = %v", args)
	}
}

func TestGatewayFailures(t *testing.T) {
	token := common.HexToAddress("0x7000000000000000000000000000000000000000")
	to := common.HexToAddress("0xBB00000000000000000000000000000000000000")

	tests := []struct {
		name  string
		setup func(b *fakeBackend)
		want  error
		sends int
	}{
		{"returns false", func(b *fakeBackend) { b.call = returnsBool(false) }, ErrTokenRefuse, 0},
		{"simulation reverts", func(b *fakeBackend) {
			b.call = func(ethereum.CallMsg) ([]byte, error) { return nil, errors.New("execution reverted") }
		}, ErrReverted, 0},
		{"mined reverted", func(b *fakeBackend) { b.call = returnsBool(true); b.revertSends = true }, ErrReverted, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend()
			tt.setup(b)
			g := newGateway(t, b)
			err := g.Transfer(context.Background(), token, to, uint256.NewInt(1))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if len(b.sent) != tt.sends {
				t.Errorf("sent %d txs, want %d", len(b.sent), tt.sends)
			}
		})
	}
}

func TestGatewayBalanceAndSend(t *testing.T) {
	b := newFakeBackend()
	b.call = func(ethereum.CallMsg) ([]byte, error) {
		return ERC20.Methods["balanceOf"].Outputs.Pack(big.NewInt(42))
	}
	g := newGateway(t, b)
	ctx := context.Background()

	bal, err := g.BalanceOf(ctx, common.HexToAddress("0x70"), common.HexToAddress("0xAA"))
	if err != nil || bal.Uint64() != 42 {
		t.Fatalf("balance = %v, %v", bal, err)
	}

	to := common.HexToAddress("0xBB00000000000000000000000000000000000000")
	if err := g.Send(ctx, to, asset.Units(1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(b.sent) != 1 || *b.sent[0].To() != to || b.sent[0].Value().Cmp(asset.Units(1).ToBig()) != 0 {
		t.Errorf("native tx = %+v", b.sent)
	}
	if len(b.sent[0].Data()) != 0 {
		t.Errorf("native tx carries data %x", b.sent[0].Data())
	}
}

type refunds struct {
	fail bool
	paid map[common.Address]uint64
}

func (r *refunds) Send(_ context.Context, to common.Address, amount *uint256.Int) error {
	if r.fail {
		return errors.New("out of gas")
	}
	r.paid[to] += amount.Uint64()
	return nil
}

type memCursor struct {
	c   Cursor
	set bool
}

func (m *memCursor) LoadCursor() (Cursor, bool, error) { return m.c, m.set, nil }
func (m *memCursor) SaveCursor(c Cursor) error {
	m.c, m.set = c, true
	return nil
}

func TestWatcherCreditsAndRefunds(t *testing.T) {
	ctx := context.Background()
	custody := common.HexToAddress("0xC057000000000000000000000000000000000000")
	elsewhere := common.HexToAddress("0xE15E000000000000000000000000000000000000")
	alice, _ := crypto.GenerateKey()
	bob, _ := crypto.GenerateKey()
	aliceAddr, bobAddr := crypto.PubkeyToAddress(alice.PublicKey), crypto.PubkeyToAddress(bob.PublicKey)

	eng, err := exchange.New(exchange.Config{FeeAccount: common.HexToAddress("0xFEE0")})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	b := newFakeBackend()
	deposit := signedTx(t, alice, 0, custody, 5, exchange.DepositSelector)
	direct := signedTx(t, bob, 0, custody, 3, nil)
	other := signedTx(t, alice, 1, elsewhere, 9, exchange.DepositSelector)
	reverted := signedTx(t, alice, 2, custody, 7, exchange.DepositSelector)
	b.addBlock([]*types.Transaction{deposit, direct, other, reverted}, reverted)
	b.addBlock([]*types.Transaction{signedTx(t, bob, 1, custody, 4, exchange.DepositSelector)})

	refund := &refunds{fail: true, paid: make(map[common.Address]uint64)}
	cursor := &memCursor{}
	w := NewWatcher(b, custody, eng, refund, cursor, WatcherConfig{FromBlock: 1, Confirmations: 1}, nil)

	// refund fails: alice's deposit is credited, the position stops at bob's
	if _, err := w.Poll(ctx); err == nil {
		t.Fatal("expected refund error")
	}
	if got := w.Position(); got != (Cursor{Block: 1, Tx: 1}) || cursor.c != got {
		t.Fatalf("position = %+v, stored %+v", got, cursor.c)
	}

	refund.fail = false
	n, err := w.Poll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("poll = %d, %v", n, err)
	}
	if got := eng.BalanceOf(asset.Native, aliceAddr); got.Uint64() != 5 {
		t.Errorf("alice = %s, want 5", got.Dec())
	}
	if refund.paid[bobAddr] != 3 {
		t.Errorf("bob refunded %d, want 3", refund.paid[bobAddr])
	}

	// block 2 needs one confirmation
	if got := eng.BalanceOf(asset.Native, bobAddr); !got.IsZero() {
		t.Errorf("unconfirmed deposit credited: %s", got.Dec())
	}
	b.addBlock(nil)
	if _, err := w.Poll(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := eng.BalanceOf(asset.Native, bobAddr); got.Uint64() != 4 {
		t.Errorf("bob = %s, want 4", got.Dec())
	}
	if eng.LastSeq() != 2 {
		t.Errorf("events = %d, want 2", eng.LastSeq())
	}

	// a restarted watcher resumes from the stored cursor
	restarted := NewWatcher(b, custody, eng, refund, cursor, WatcherConfig{FromBlock: 1, Confirmations: 1}, nil)
	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := restarted.Run(runCtx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if restarted.Position() != (Cursor{Block: 3}) || eng.LastSeq() != 2 {
		t.Errorf("restart rescanned: position %+v, events %d", restarted.Position(), eng.LastSeq())
	}
}

func TestGatewayRetriesFlakyReceipt(t *testing.T) {
	b := newFakeBackend()
	b.receiptErrs = 3
	g := newGateway(t, b)

	to := common.HexToAddress("0xBB00000000000000000000000000000000000000")
	if err := g.Send(context.Background(), to, asset.Units(1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(b.sent) != 1 {
		t.Errorf("sent %d txs, want 1", len(b.sent))
	}
}

func TestGatewayReportsPendingTransfer(t *testing.T) {
	b := newFakeBackend()
	b.receiptErrs = 1 << 30
	g := newGateway(t, b)
	g.SetReceiptTimeout(20 * time.Millisecond)

	to := common.HexToAddress("0xBB00000000000000000000000000000000000000")
	err := g.Send(context.Background(), to, asset.Units(1))
	var perr *exchange.TransferPendingError
	if !errors.As(err, &perr) || !errors.Is(err, exchange.ErrTransferPending) {
		t.Fatalf("err = %v, want a pending transfer", err)
	}
	if len(b.sent) != 1 || perr.Tx != b.sent[0].Hash() {
		t.Errorf("pending tx = %s, sent %d", perr.Tx.Hex(), len(b.sent))
	}
}

func TestUnconfirmedWithdrawKeepsDebit(t *testing.T) {
	ctx := context.Background()
	user := common.HexToAddress("0xAA00000000000000000000000000000000000000")

	tests := []struct {
		name     string
		mined    bool
		wantBal  *uint256.Int
		wantSeqs uint64
	}{
		{"mined later", true, asset.Zero(), 2},
		{"reverted later", false, asset.Units(1), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend()
			b.receiptErrs = 1 << 30
			g := newGateway(t, b)
			g.SetReceiptTimeout(20 * time.Millisecond)

			eng, err := exchange.New(exchange.Config{FeeAccount: common.HexToAddress("0xFEE0")},
				exchange.WithNativePayer(g), exchange.WithCustody(g.Custody()))
			if err != nil {
				t.Fatalf("engine: %v", err)
			}
			if _, err := eng.DepositNative(ctx, user, asset.Units(1)); err != nil {
				t.Fatalf("deposit: %v", err)
			}

			ev, err := eng.WithdrawNative(ctx, user, asset.Units(1))
			if err != nil || ev.Kind != events.KindWithdraw {
				t.Fatalf("withdraw = %+v, %v", ev, err)
			}
			if _, err := eng.WithdrawNative(ctx, user, asset.Units(1)); !errors.Is(err, exchange.ErrInsufficientBalance) {
				t.Fatalf("second withdraw err = %v, want ErrInsufficientBalance", err)
			}
			if len(b.sent) != 1 {
				t.Fatalf("broadcast %d payouts, want 1", len(b.sent))
			}
			pending := eng.PendingTransfers()
			if len(pending) != 1 || pending[0].Tx != b.sent[0].Hash() || pending[0].Seq != ev.Seq {
				t.Fatalf("pending = %+v", pending)
			}

			// nothing to settle while the node cannot be reached
			r := NewReconciler(b, eng, time.Millisecond, nil)
			if _, err := r.Poll(ctx); err == nil {
				t.Fatal("expected receipt error")
			}

			b.mu.Lock()
			b.receiptErrs = 0
			if !tt.mined {
				b.receipts[b.sent[0].Hash()].Status = types.ReceiptStatusFailed
			}
			b.mu.Unlock()

			n, err := r.Poll(ctx)
			if err != nil || n != 1 {
				t.Fatalf("reconcile = %d, %v", n, err)
			}
			if len(eng.PendingTransfers()) != 0 {
				t.Error("transfer still pending")
			}
			if got := eng.BalanceOf(asset.Native, user); !got.Eq(tt.wantBal) {
				t.Errorf("balance = %s, want %s", got.Dec(), tt.wantBal.Dec())
			}
			if eng.LastSeq() != tt.wantSeqs {
				t.Errorf("events = %d, want %d", eng.LastSeq(), tt.wantSeqs)
			}
		})
	}
}
