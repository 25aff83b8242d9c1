package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Exchange struct {
	FeeAccount common.Address
	FeePercent uint64
	// Custody is the account token deposits are pulled into and withdrawals
	// are paid from. In eth mode the OperatorKey address is used instead.
	Custody common.Address
}

type Storage struct {
	// DBPath is the Pebble directory. Empty keeps all state in memory.
	DBPath string
}

type API struct {
	Addr        string
	CORSOrigins []string
}

type Chain struct {
	Mode           string // "memory" or "eth"
	RPCURL         string
	ChainID        uint64
	OperatorKey    string // hex private key of the custody account
	WatchFromBlock uint64
	PollInterval   time.Duration
	Confirmations  uint64
	ReceiptTimeout time.Duration // how long a payout waits to be mined before it is left pending

	DevFaucet bool     // serve POST /api/v1/dev/faucet, memory mode only
	DevTokens []string // symbols deployed on the memory chain at startup
}

type P2P struct {
	Listen    string
	Bootstrap []string
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Log struct {
	File  string
	Level string
}

type Config struct {
	Exchange   Exchange
	Storage    Storage
	API        API
	Chain      Chain
	P2P        P2P
	Kafka      Kafka
	Log        Log
	EIP712Name string
}

func Default() Config {
	return Config{
		Exchange: Exchange{
			FeeAccount: common.HexToAddress("0x000000000000000000000000000000000000FEE5"),
			FeePercent: 10,
			Custody:    common.HexToAddress("0x0000000000000000000000000000000000C05707"),
		},
		Storage: Storage{DBPath: "data/escrowdex"},
		API: API{
			Addr:        ":8080",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Chain: Chain{
			Mode:           "memory",
			RPCURL:         "http://localhost:8545",
			ChainID:        1337,
			PollInterval:   2 * time.Second,
			Confirmations:  1,
			ReceiptTimeout: 10 * time.Minute,
			DevTokens:      []string{"TKN"},
		},
		Kafka:      Kafka{Topic: "escrowdex.events"},
		Log:        Log{File: "data/node.log", Level: "info"},
		EIP712Name: "EscrowDEX",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("FEE_ACCOUNT"); v != "" {
		if !common.IsHexAddress(v) {
			return cfg, fmt.Errorf("FEE_ACCOUNT: invalid address %q", v)
		}
		cfg.Exchange.FeeAccount = common.HexToAddress(v)
	}
	if v := os.Getenv("FEE_PERCENT"); v != "" {
		pct, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("FEE_PERCENT: %w", err)
		}
		cfg.Exchange.FeePercent = pct
	}
	if v := os.Getenv("CUSTODY_ADDRESS"); v != "" {
		if !common.IsHexAddress(v) {
			return cfg, fmt.Errorf("CUSTODY_ADDRESS: invalid address %q", v)
		}
		cfg.Exchange.Custody = common.HexToAddress(v)
	}

	if v, ok := os.LookupEnv("DB_PATH"); ok {
		cfg.Storage.DBPath = v
	}
	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.API.CORSOrigins = splitList(v)
	}

	cfg.Chain.Mode = getEnv("CHAIN_MODE", cfg.Chain.Mode)
	cfg.Chain.RPCURL = getEnv("ETH_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.OperatorKey = getEnv("OPERATOR_KEY", cfg.Chain.OperatorKey)
	if v := os.Getenv("CHAIN_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("CHAIN_ID: %w", err)
		}
		cfg.Chain.ChainID = id
	}
	if v := os.Getenv("WATCH_FROM_BLOCK"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("WATCH_FROM_BLOCK: %w", err)
		}
		cfg.Chain.WatchFromBlock = n
	}
	if v := os.Getenv("WATCH_POLL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Chain.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("CONFIRMATIONS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("CONFIRMATIONS: %w", err)
		}
		cfg.Chain.Confirmations = n
	}
	if v := os.Getenv("RECEIPT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("RECEIPT_TIMEOUT: %w", err)
		}
		cfg.Chain.ReceiptTimeout = d
	}

	if v := os.Getenv("DEV_FAUCET"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("DEV_FAUCET: %w", err)
		}
		cfg.Chain.DevFaucet = on
	}
	if v, ok := os.LookupEnv("DEV_TOKENS"); ok {
		cfg.Chain.DevTokens = splitList(v)
	}

	cfg.P2P.Listen = getEnv("P2P_LISTEN", cfg.P2P.Listen)
	if v := os.Getenv("P2P_BOOTSTRAP"); v != "" {
		cfg.P2P.Bootstrap = splitList(v)
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.EIP712Name = getEnv("EIP712_NAME", cfg.EIP712Name)

	switch cfg.Chain.Mode {
	case "memory":
	case "eth":
		if cfg.Chain.DevFaucet {
			return cfg, fmt.Errorf("DEV_FAUCET: not available in eth mode")
		}
	default:
		return cfg, fmt.Errorf("CHAIN_MODE: unknown mode %q", cfg.Chain.Mode)
	}
	return cfg, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
