package main

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/escrowdex/params"
	"github.com/uhyunpark/escrowdex/pkg/api"
	"github.com/uhyunpark/escrowdex/pkg/app/core/events"
	"github.com/uhyunpark/escrowdex/pkg/app/exchange"
	"github.com/uhyunpark/escrowdex/pkg/broadcast"
	"github.com/uhyunpark/escrowdex/pkg/chain/ethchain"
	"github.com/uhyunpark/escrowdex/pkg/chain/memchain"
	"github.com/uhyunpark/escrowdex/pkg/crypto"
	"github.com/uhyunpark/escrowdex/pkg/p2p"
	"github.com/uhyunpark/escrowdex/pkg/storage"
	"github.com/uhyunpark/escrowdex/pkg/transaction"
	"github.com/uhyunpark/escrowdex/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	var logger *zap.Logger
	if cfg.Log.File == "" {
		logger, err = util.NewLogger(cfg.Log.Level)
	} else {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

// chainDeps is the chain collaborator selected by CHAIN_MODE
type chainDeps struct {
	custody common.Address
	tokens  exchange.TokenGateway
	native  exchange.NativePayer

	mem     *memchain.Chain   // memory mode
	backend ethchain.Backend  // eth mode
	gateway *ethchain.Gateway // eth mode
}

func run(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) error {
	// ---- Storage ----
	var (
		store *storage.PebbleStore
		err   error
	)
	if cfg.Storage.DBPath == "" {
		store, err = storage.NewInMemoryPebbleStore(log.Named("storage"))
	} else {
		store, err = storage.NewPebbleStore(cfg.Storage.DBPath, log.Named("storage"))
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// ---- Chain ----
	chain, err := openChain(ctx, cfg, log)
	if err != nil {
		return err
	}

	// ---- Exchange ----
	engine, err := exchange.New(
		exchange.Config{FeeAccount: cfg.Exchange.FeeAccount, FeePercent: cfg.Exchange.FeePercent},
		exchange.WithStore(store),
		exchange.WithTokenGateway(chain.tokens),
		exchange.WithNativePayer(chain.native),
		exchange.WithCustody(chain.custody),
		exchange.WithLogger(log.Named("exchange")),
	)
	if err != nil {
		return fmt.Errorf("start exchange: %w", err)
	}
	if chain.mem != nil {
		chain.mem.SetReceiver(chain.custody, func(ctx context.Context, from common.Address, amount *uint256.Int, data []byte) error {
			_, err := engine.ReceiveNative(ctx, from, amount, data)
			return err
		})
		for _, symbol := range cfg.Chain.DevTokens {
			log.Infow("dev_token_deployed", "symbol", symbol, "address", chain.mem.DeployToken(symbol).Hex())
		}
	}

	// ---- API ----
	domain := crypto.EIP712Domain{
		Name:              cfg.EIP712Name,
		Version:           "1",
		ChainID:           new(big.Int).SetUint64(cfg.Chain.ChainID),
		VerifyingContract: chain.custody,
	}
	verifier := transaction.NewVerifier(domain, transaction.NewNonceTracker(store))
	opts := []api.Option{
		api.WithLogger(log.Named("api")),
		api.WithCORSOrigins(cfg.API.CORSOrigins),
	}
	if cfg.Chain.DevFaucet && chain.mem != nil {
		faucet := memchain.NewFaucet(chain.mem, chain.custody, exchange.DepositSelector, log.Named("faucet"))
		opts = append(opts, api.WithFaucet(faucet))
		log.Warnw("dev_faucet_enabled", "route", "/api/v1/dev/faucet")
	}
	server := api.NewServer(engine, verifier, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx, cfg.API.Addr) })

	// ---- Deposit watcher (eth mode) ----
	if chain.backend != nil {
		watcher := ethchain.NewWatcher(chain.backend, chain.custody, engine, chain.gateway, store,
			ethchain.WatcherConfig{
				FromBlock:     cfg.Chain.WatchFromBlock,
				Confirmations: cfg.Chain.Confirmations,
				PollInterval:  cfg.Chain.PollInterval,
			}, log.Named("watcher"))
		g.Go(func() error { return watcher.Run(gctx) })

		reconciler := ethchain.NewReconciler(chain.backend, engine, cfg.Chain.PollInterval, log.Named("reconciler"))
		g.Go(func() error { return reconciler.Run(gctx) })
	}

	// ---- Gossip ----
	if cfg.P2P.Listen != "" {
		gossip, err := p2p.NewLibp2pNet(gctx, p2p.Libp2pConfig{
			ListenAddr: cfg.P2P.Listen,
			Bootstrap:  cfg.P2P.Bootstrap,
			Logger:     log.Named("p2p"),
		})
		if err != nil {
			return fmt.Errorf("libp2p: %w", err)
		}
		defer gossip.Close()
		gossip.SetHandler(func(from peer.ID, ev events.Event) {
			log.Debugw("peer_event", "peer", from.String(), "seq", ev.Seq, "kind", ev.Kind)
		})
		g.Go(func() error {
			gossip.Follow(gctx, engine.Subscribe(engine.LastSeq()))
			return nil
		})
	}

	// ---- Kafka ----
	if len(cfg.Kafka.Brokers) > 0 {
		b, err := broadcast.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, store, log.Named("kafka"))
		if err != nil {
			return err
		}
		defer b.Close()
		g.Go(func() error { return b.Run(gctx, engine) })
	}

	log.Infow("node_started",
		"mode", cfg.Chain.Mode,
		"custody", chain.custody.Hex(),
		"exchange", engine.Config().String(),
		"events", engine.LastSeq(),
		"orders", engine.OrderCount(),
		"api", cfg.API.Addr)

	return g.Wait()
}

func openChain(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) (*chainDeps, error) {
	switch cfg.Chain.Mode {
	case "eth":
		if cfg.Chain.OperatorKey == "" {
			return nil, fmt.Errorf("OPERATOR_KEY is required in eth mode")
		}
		key, err := crypto.FromPrivateKeyHex(cfg.Chain.OperatorKey)
		if err != nil {
			return nil, fmt.Errorf("OPERATOR_KEY: %w", err)
		}
		client, err := ethchain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return nil, err
		}
		id, err := client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("chain id: %w", err)
		}
		if id.Uint64() != cfg.Chain.ChainID {
			return nil, fmt.Errorf("CHAIN_ID is %d but %s reports %s", cfg.Chain.ChainID, cfg.Chain.RPCURL, id)
		}
		gw := ethchain.NewGateway(client, key.PrivateKey(), id, cfg.Chain.PollInterval, log.Named("ethchain"))
		gw.SetReceiptTimeout(cfg.Chain.ReceiptTimeout)
		return &chainDeps{custody: gw.Custody(), tokens: gw, native: gw, backend: client, gateway: gw}, nil

	default:
		log.Warnw("memory_chain", "msg", "token and native transfers are simulated in process")
		mem := memchain.New(log.Named("memchain"))
		gw := memchain.NewGateway(mem, cfg.Exchange.Custody)
		return &chainDeps{custody: cfg.Exchange.Custody, tokens: gw, native: gw, mem: mem}, nil
	}
}
