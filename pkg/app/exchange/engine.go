// Package exchange is the custodial escrow exchange engine: deposits and
// withdrawals against the asset ledger, fill-or-cancel orders, and the
// event log every committed call appends to.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/asset"
	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
	"github.com/uhyunpark/escrowdex/pkg/app/core/ledger"
	"github.com/uhyunpark/escrowdex/pkg/app/core/orders"
	"github.com/uhyunpark/escrowdex/pkg/util"
)

// Config is fixed when the exchange is created
type Config struct {
	FeeAccount common.Address `json:"feeAccount"`
	FeePercent uint64         `json:"feePercent"`
}

// Engine serializes every mutation behind one lock, held across collaborator
// calls, so no call observes or interleaves with another's partial state.
// Each successful mutation appends exactly one event; a failed one changes
// nothing.
type Engine struct {
	mu sync.RWMutex

	cfg     Config
	custody common.Address

	ledger *ledger.Ledger
	orders *orders.Registry
	events *events.Log

	tokens TokenGateway
	native NativePayer
	store  Store
	clock  util.Clock
	log    *zap.SugaredLogger

	pending map[uint64]PendingTransfer // by event Seq

	halted error
}

// Option configures an Engine
type Option func(*Engine)

func WithTokenGateway(g TokenGateway) Option { return func(e *Engine) { e.tokens = g } }
func WithNativePayer(p NativePayer) Option   { return func(e *Engine) { e.native = p } }
func WithStore(s Store) Option               { return func(e *Engine) { e.store = s } }
func WithClock(c util.Clock) Option          { return func(e *Engine) { e.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option { return func(e *Engine) { e.log = l } }

// WithCustody sets the address token deposits are pulled into
func WithCustody(addr common.Address) Option { return func(e *Engine) { e.custody = addr } }

// New creates an engine. With a store, persisted state is loaded and the
// persisted config must equal cfg.
func New(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:    cfg,
		ledger: ledger.New(),
		orders: orders.NewRegistry(),
		events:  events.NewLog(),
		pending: make(map[uint64]PendingTransfer),
		clock:   util.RealClock{},
		log:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store != nil {
		if err := e.restore(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) restore() error {
	state, err := e.store.LoadState()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	if state.Config == nil {
		if err := e.store.SaveConfig(e.cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
	} else if *state.Config != e.cfg {
		return fmt.Errorf("%w: persisted fee account %s / %d%%, configured %s / %d%%",
			ErrConfigMismatch, state.Config.FeeAccount.Hex(), state.Config.FeePercent,
			e.cfg.FeeAccount.Hex(), e.cfg.FeePercent)
	}

	e.ledger.Load(state.Balances)
	e.orders.Load(state.Orders)
	if err := e.events.Load(state.Events); err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}
	for _, p := range state.Pending {
		e.pending[p.Seq] = p
	}

	e.log.Infow("state_restored",
		"balances", len(state.Balances),
		"orders", len(state.Orders),
		"events", len(state.Events),
		"pending", len(state.Pending))
	return nil
}

// engineCall marks contexts handed to collaborators
type engineCall struct{}

// enter takes the write lock. A ctx carrying this engine's marker means a
// collaborator is calling back in mid-operation; that is refused outright.
func (e *Engine) enter(ctx context.Context) (func(), error) {
	if owner, _ := ctx.Value(engineCall{}).(*Engine); owner == e {
		return nil, ErrReentrantCall
	}
	e.mu.Lock()
	if e.halted != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrHalted, e.halted)
	}
	return e.mu.Unlock, nil
}

func (e *Engine) outbound(ctx context.Context) context.Context {
	return context.WithValue(ctx, engineCall{}, e)
}

func (e *Engine) now() int64 {
	return e.clock.Now().Unix()
}

// ==============================
// Deposits and withdrawals
// ==============================

// DepositNative credits native currency attached to the call.
// A zero amount is accepted and still emits a Deposit event.
func (e *Engine) DepositNative(ctx context.Context, user common.Address, amount *uint256.Int) (events.Event, error) {
	unlock, err := e.enter(ctx)
	if err != nil {
		return events.Event{}, err
	}
	defer unlock()

	txn := e.ledger.Begin()
	if err := txn.Credit(asset.Native, user, amount); err != nil {
		return events.Event{}, err
	}
	cs := e.changeset(txn, nil, false, e.transferEvent(events.KindDeposit, txn, asset.Native, user, amount))
	if err := e.persist(cs); err != nil {
		return events.Event{}, err
	}
	return e.apply(txn, cs), nil
}

// DepositToken pulls amount of token from user into custody and credits it.
// The user must have approved the custody account beforehand.
func (e *Engine) DepositToken(ctx context.Context, user, token common.Address, amount *uint256.Int) (events.Event, error) {
	unlock, err := e.enter(ctx)
	if err != nil {
		return events.Event{}, err
	}
	defer unlock()

	if asset.IsNative(token) {
		return events.Event{}, fmt.Errorf("%w: use native deposit", ErrInvalidAsset)
	}
	if e.tokens == nil {
		return events.Event{}, fmt.Errorf("%w: no token gateway configured", ErrExternalTransferFailed)
	}

	// stage first so an overflowing credit fails before any funds move
	txn := e.ledger.Begin()
	if err := txn.Credit(token, user, amount); err != nil {
		return events.Event{}, err
	}
	cs := e.changeset(txn, nil, false, e.transferEvent(events.KindDeposit, txn, token, user, amount))

	if err := e.tokens.TransferFrom(e.outbound(ctx), token, user, e.custody, amount); err != nil {
		var perr *TransferPendingError
		if !errors.As(err, &perr) {
			e.log.Debugw("deposit_transfer_failed", "token", token.Hex(), "user", user.Hex(), "amount", amount.Dec(), "err", err)
			return events.Event{}, fmt.Errorf("%w: transferFrom %s: %v", ErrExternalTransferFailed, token.Hex(), err)
		}
		// credited now, settled once the transaction's outcome is known
		p := pendingFrom(cs.Event, perr.Tx)
		cs.Pending = &p
	}

	if err := e.persist(cs); err != nil {
		if cs.Pending != nil {
			// the pull may still land: no refund
			e.halt(fmt.Errorf("persist pending deposit %s: %w", cs.Pending.Tx.Hex(), err))
			return events.Event{}, err
		}
		// funds are in custody but nothing was recorded: send them back
		if rerr := e.tokens.Transfer(e.outbound(ctx), token, user, amount); rerr != nil {
			e.halt(fmt.Errorf("refund after failed deposit persist: %w", rerr))
		}
		return events.Event{}, err
	}
	ev := e.apply(txn, cs)
	if cs.Pending != nil {
		e.track(*cs.Pending)
	}
	return ev, nil
}

// WithdrawNative debits native currency and sends it to user
func (e *Engine) WithdrawNative(ctx context.Context, user common.Address, amount *uint256.Int) (events.Event, error) {
	return e.withdraw(ctx, user, asset.Native, amount, func(ctx context.Context) error {
		if e.native == nil {
			return fmt.Errorf("no native payer configured")
		}
		return e.native.Send(ctx, user, amount)
	})
}

// WithdrawToken debits token and transfers it to user
func (e *Engine) WithdrawToken(ctx context.Context, user, token common.Address, amount *uint256.Int) (events.Event, error) {
	if asset.IsNative(token) {
		return events.Event{}, fmt.Errorf("%w: use native withdraw", ErrInvalidAsset)
	}
	return e.withdraw(ctx, user, token, amount, func(ctx context.Context) error {
		if e.tokens == nil {
			return fmt.Errorf("no token gateway configured")
		}
		return e.tokens.Transfer(ctx, token, user, amount)
	})
}

// withdraw debits before the outbound transfer. The debit is recorded first
// and reverted if the transfer fails, so funds never leave without a debit.
// A transfer that was broadcast but not confirmed keeps the debit and is
// recorded as pending.
func (e *Engine) withdraw(ctx context.Context, user, assetID common.Address, amount *uint256.Int, send func(context.Context) error) (events.Event, error) {
	unlock, err := e.enter(ctx)
	if err != nil {
		return events.Event{}, err
	}
	defer unlock()

	txn := e.ledger.Begin()
	if err := txn.Debit(assetID, user, amount); err != nil {
		return events.Event{}, err
	}
	cs := e.changeset(txn, nil, false, e.transferEvent(events.KindWithdraw, txn, assetID, user, amount))
	if err := e.persist(cs); err != nil {
		return events.Event{}, err
	}

	if err := send(e.outbound(ctx)); err != nil {
		var perr *TransferPendingError
		if errors.As(err, &perr) {
			p := pendingFrom(cs.Event, perr.Tx)
			if e.store != nil {
				if serr := e.store.SavePending(p); serr != nil {
					e.log.Errorw("pending_not_saved", "seq", p.Seq, "tx", p.Tx.Hex(), "err", serr)
				}
			}
			ev := e.apply(txn, cs)
			e.track(p)
			return ev, nil
		}
		if e.store != nil {
			if rerr := e.store.Revert(cs); rerr != nil {
				e.halt(fmt.Errorf("revert withdraw seq=%d: %w", cs.Event.Seq, rerr))
			}
		}
		e.log.Debugw("withdraw_transfer_failed", "asset", asset.Label(assetID), "user", user.Hex(), "amount", amount.Dec(), "err", err)
		return events.Event{}, fmt.Errorf("%w: %s to %s: %v", ErrExternalTransferFailed, asset.Label(assetID), user.Hex(), err)
	}
	return e.apply(txn, cs), nil
}

// SettleTransfer resolves the pending transfer recorded by event seq. A
// transfer that went through only drops the record. One that did not is
// undone with a compensating event: a failed withdrawal is credited back as
// a Deposit and a failed token deposit is debited as a Withdraw.
func (e *Engine) SettleTransfer(ctx context.Context, seq uint64, succeeded bool) (events.Event, error) {
	unlock, err := e.enter(ctx)
	if err != nil {
		return events.Event{}, err
	}
	defer unlock()

	p, ok := e.pending[seq]
	if !ok {
		return events.Event{}, fmt.Errorf("%w: seq %d", ErrNoPendingTransfer, seq)
	}

	if succeeded {
		if e.store != nil {
			if err := e.store.DeletePending(seq); err != nil {
				return events.Event{}, fmt.Errorf("delete pending %d: %w", seq, err)
			}
		}
		delete(e.pending, seq)
		e.log.Infow("transfer_settled", "seq", seq, "tx", p.Tx.Hex(), "kind", p.Kind)
		return events.Event{}, nil
	}

	txn := e.ledger.Begin()
	kind := events.KindDeposit
	if p.Kind == events.KindWithdraw {
		err = txn.Credit(p.Asset, p.User, p.Amount)
	} else {
		kind = events.KindWithdraw
		err = txn.Debit(p.Asset, p.User, p.Amount)
	}
	if err != nil {
		return events.Event{}, fmt.Errorf("undo transfer %d: %w", seq, err)
	}

	cs := e.changeset(txn, nil, false, e.transferEvent(kind, txn, p.Asset, p.User, p.Amount))
	cs.Settled = seq
	if err := e.persist(cs); err != nil {
		return events.Event{}, err
	}
	delete(e.pending, seq)
	e.log.Warnw("transfer_undone", "seq", seq, "tx", p.Tx.Hex(), "kind", p.Kind, "user", p.User.Hex())
	return e.apply(txn, cs), nil
}

func pendingFrom(ev events.Event, tx common.Hash) PendingTransfer {
	return PendingTransfer{
		Seq:    ev.Seq,
		Kind:   ev.Kind,
		Asset:  ev.Asset,
		User:   ev.User,
		Amount: asset.Clone(ev.Amount),
		Tx:     tx,
	}
}

func (e *Engine) track(p PendingTransfer) {
	e.pending[p.Seq] = p
	e.log.Warnw("transfer_pending",
		"seq", p.Seq,
		"kind", p.Kind,
		"asset", asset.Label(p.Asset),
		"user", p.User.Hex(),
		"amount", p.Amount.Dec(),
		"tx", p.Tx.Hex())
}

// ==============================
// Orders
// ==============================

// MakeOrder records an order offering amountGive of assetGive for amountGet
// of assetGet. The creator's balance is not checked here; a maker who cannot
// cover the order is only rejected when someone tries to fill it.
func (e *Engine) MakeOrder(ctx context.Context, creator, assetGet common.Address, amountGet *uint256.Int, assetGive common.Address, amountGive *uint256.Int) (events.Event, error) {
	unlock, err := e.enter(ctx)
	if err != nil {
		return events.Event{}, err
	}
	defer unlock()

	o := e.orders.Prepare(creator, assetGet, amountGet, assetGive, amountGive, e.now())
	cs := e.changeset(e.ledger.Begin(), &o, true, orderEvent(events.KindOrder, o, o.CreatedAt))
	if err := e.persist(cs); err != nil {
		return events.Event{}, err
	}
	return e.apply(nil, cs), nil
}

// CancelOrder cancels an open order. Only its creator may cancel it.
func (e *Engine) CancelOrder(ctx context.Context, caller common.Address, id uint64) (events.Event, error) {
	unlock, err := e.enter(ctx)
	if err != nil {
		return events.Event{}, err
	}
	defer unlock()

	o, err := e.orders.Get(id)
	if err != nil {
		return events.Event{}, err
	}
	if caller != o.Creator {
		return events.Event{}, fmt.Errorf("%w: order %d belongs to %s, caller %s", ErrUnauthorized, id, o.Creator.Hex(), caller.Hex())
	}
	if err := o.CheckOpen(); err != nil {
		return events.Event{}, err
	}

	o.Cancelled = true
	cs := e.changeset(e.ledger.Begin(), &o, false, orderEvent(events.KindCancel, o, e.now()))
	if err := e.persist(cs); err != nil {
		return events.Event{}, err
	}
	return e.apply(nil, cs), nil
}

// FillOrder executes order id in full against filler. The filler pays
// amountGet plus fee = amountGet*feePercent/100 in assetGet; the creator
// receives exactly amountGet and gives exactly amountGive.
func (e *Engine) FillOrder(ctx context.Context, filler common.Address, id uint64) (events.Event, error) {
	unlock, err := e.enter(ctx)
	if err != nil {
		return events.Event{}, err
	}
	defer unlock()

	o, err := e.orders.Get(id)
	if err != nil {
		return events.Event{}, err
	}
	if err := o.CheckOpen(); err != nil {
		return events.Event{}, err
	}

	fee, err := e.fee(o.AmountGet)
	if err != nil {
		return events.Event{}, err
	}
	total, overflow := new(uint256.Int).AddOverflow(o.AmountGet, fee)
	if overflow {
		return events.Event{}, fmt.Errorf("%w: amountGet %s + fee %s", ErrOverflow, o.AmountGet.Dec(), fee.Dec())
	}

	txn := e.ledger.Begin()
	steps := []func() error{
		func() error { return txn.Debit(o.AssetGet, filler, total) },
		func() error { return txn.Credit(o.AssetGet, o.Creator, o.AmountGet) },
		func() error { return txn.Credit(o.AssetGet, e.cfg.FeeAccount, fee) },
		func() error { return txn.Debit(o.AssetGive, o.Creator, o.AmountGive) },
		func() error { return txn.Credit(o.AssetGive, filler, o.AmountGive) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			e.log.Debugw("fill_rejected", "order", id, "filler", filler.Hex(), "err", err)
			return events.Event{}, fmt.Errorf("fill order %d: %w", id, err)
		}
	}

	o.Filled = true
	ev := orderEvent(events.KindTrade, o, e.now())
	ev.Filler = filler
	cs := e.changeset(txn, &o, false, ev)
	if err := e.persist(cs); err != nil {
		return events.Event{}, err
	}
	return e.apply(txn, cs), nil
}

func (e *Engine) fee(amountGet *uint256.Int) (*uint256.Int, error) {
	scaled, overflow := new(uint256.Int).MulOverflow(amountGet, uint256.NewInt(e.cfg.FeePercent))
	if overflow {
		return nil, fmt.Errorf("%w: fee on %s at %d%%", ErrOverflow, amountGet.Dec(), e.cfg.FeePercent)
	}
	return scaled.Div(scaled, uint256.NewInt(100)), nil
}

// ==============================
// Commit path
// ==============================

func (e *Engine) changeset(txn *ledger.Txn, o *orders.Order, newOrder bool, ev events.Event) Changeset {
	ev.Seq = e.events.NextSeq()
	return Changeset{
		Balances: txn.Changes(),
		Previous: txn.Originals(),
		Order:    o,
		NewOrder: newOrder,
		Event:    ev,
	}
}

func (e *Engine) persist(cs Changeset) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.Commit(cs); err != nil {
		e.log.Errorw("persist_failed", "kind", cs.Event.Kind, "seq", cs.Event.Seq, "err", err)
		return fmt.Errorf("persist %s: %w", cs.Event.Kind, err)
	}
	return nil
}

// apply makes a persisted changeset visible. Nothing here can fail: every
// check already ran under the same lock.
func (e *Engine) apply(txn *ledger.Txn, cs Changeset) events.Event {
	if txn != nil {
		txn.Commit()
	}
	if cs.Order != nil {
		var err error
		switch {
		case cs.NewOrder:
			err = e.orders.Insert(*cs.Order)
		case cs.Order.Filled:
			err = e.orders.MarkFilled(cs.Order.ID)
		case cs.Order.Cancelled:
			err = e.orders.MarkCancelled(cs.Order.ID)
		}
		if err != nil {
			e.halt(fmt.Errorf("apply order %d: %w", cs.Order.ID, err))
		}
	}

	ev := e.events.Append(cs.Event)
	e.log.Infow("event_committed",
		"seq", ev.Seq,
		"kind", ev.Kind,
		"user", ev.User.Hex(),
		"order", ev.OrderID)
	return ev
}

// halt stops all further mutations after state could not be kept consistent
// with the store or a collaborator. Queries keep working.
func (e *Engine) halt(err error) {
	if e.halted == nil {
		e.halted = err
	}
	e.log.Errorw("exchange_halted", "err", err)
}

func (e *Engine) transferEvent(kind events.Kind, txn *ledger.Txn, assetID, user common.Address, amount *uint256.Int) events.Event {
	return events.Event{
		Kind:      kind,
		Timestamp: e.now(),
		Asset:     assetID,
		User:      user,
		Amount:    asset.Clone(amount),
		Balance:   txn.BalanceOf(assetID, user),
	}
}

func orderEvent(kind events.Kind, o orders.Order, ts int64) events.Event {
	return events.Event{
		Kind:       kind,
		Timestamp:  ts,
		User:       o.Creator,
		OrderID:    o.ID,
		AssetGet:   o.AssetGet,
		AmountGet:  asset.Clone(o.AmountGet),
		AssetGive:  o.AssetGive,
		AmountGive: asset.Clone(o.AmountGive),
	}
}
