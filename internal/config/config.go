package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/cemeheeb/custodial-raffle/internal/errs"
	"github.com/cemeheeb/custodial-raffle/internal/logger"
)

// EncryptionKeyLength is the exact number of secret bytes the key vault accepts.
const EncryptionKeyLength = 32

// MinGasMultiplier is the lowest safety factor applied to gas estimates.
const MinGasMultiplier = 1.2

// Config holds the process configuration read from the environment.
type Config struct {
	RPCURLs       []string
	ChainID       int64
	RaffleAddress common.Address
	TokenAddress  common.Address

	EncryptionKey     []byte
	AdminEncryptedKey string

	DatabasePath string

	PollInterval   time.Duration
	ReceiptTimeout time.Duration
	RPCTimeout     time.Duration
	GasMultiplier  float64
	RPCRateLimit   float64

	StartBlock    *uint64
	StartLookback uint64
	MaxBlockRange uint64

	Log         logger.Configuration
	MetricsAddr string
}

// Load reads .env (when present) and the environment, then validates the result.
// Every failure is a CONFIGURATION error.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errs.Wrap(err, errs.KindConfiguration, "read .env")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		AdminEncryptedKey: getEnv("ADMIN_ENCRYPTED_KEY", ""),
		DatabasePath:      getEnv("DATABASE_PATH", "raffle.db"),
		Log: logger.Configuration{
			LogFile:   getEnv("LOG_FILE", ""),
			ErrorFile: getEnv("LOG_ERROR_FILE", ""),
			Level:     getEnv("LOG_LEVEL", "info"),
		},
	}

	// an explicitly empty METRICS_ADDR disables the metrics endpoint
	if metricsAddr, ok := os.LookupEnv("METRICS_ADDR"); ok {
		cfg.MetricsAddr = metricsAddr
	} else {
		cfg.MetricsAddr = ":9100"
	}

	rpcURLs := getEnv("RPC_URLS", "")
	if rpcURLs == "" {
		return cfg, configError("RPC_URLS environment variable is required")
	}
	for _, url := range strings.Split(rpcURLs, ",") {
		if url = strings.TrimSpace(url); url != "" {
			cfg.RPCURLs = append(cfg.RPCURLs, url)
		}
	}

	var err error
	if cfg.ChainID, err = parseInt64Env("CHAIN_ID", 11155111); err != nil {
		return cfg, configError("invalid CHAIN_ID: %v", err)
	}
	if cfg.RaffleAddress, err = parseAddressEnv("RAFFLE_CONTRACT_ADDRESS"); err != nil {
		return cfg, err
	}
	if cfg.TokenAddress, err = parseAddressEnv("TOKEN_CONTRACT_ADDRESS"); err != nil {
		return cfg, err
	}

	cfg.EncryptionKey = []byte(os.Getenv("ENCRYPTION_KEY"))

	if cfg.PollInterval, err = parseDurationEnv("POLL_INTERVAL", 5*time.Second); err != nil {
		return cfg, configError("invalid POLL_INTERVAL: %v", err)
	}
	if cfg.ReceiptTimeout, err = parseDurationEnv("RECEIPT_TIMEOUT", 120*time.Second); err != nil {
		return cfg, configError("invalid RECEIPT_TIMEOUT: %v", err)
	}
	if cfg.RPCTimeout, err = parseDurationEnv("RPC_TIMEOUT", 15*time.Second); err != nil {
		return cfg, configError("invalid RPC_TIMEOUT: %v", err)
	}
	if cfg.GasMultiplier, err = parseFloatEnv("GAS_MULTIPLIER", MinGasMultiplier); err != nil {
		return cfg, configError("invalid GAS_MULTIPLIER: %v", err)
	}
	if cfg.RPCRateLimit, err = parseFloatEnv("RPC_RATE_LIMIT", 10); err != nil {
		return cfg, configError("invalid RPC_RATE_LIMIT: %v", err)
	}
	if cfg.StartLookback, err = parseUint64Env("START_LOOKBACK", 100); err != nil {
		return cfg, configError("invalid START_LOOKBACK: %v", err)
	}
	if cfg.MaxBlockRange, err = parseUint64Env("MAX_BLOCK_RANGE", 500); err != nil {
		return cfg, configError("invalid MAX_BLOCK_RANGE: %v", err)
	}
	if os.Getenv("START_BLOCK") != "" {
		startBlock, err := parseUint64Env("START_BLOCK", 0)
		if err != nil {
			return cfg, configError("invalid START_BLOCK: %v", err)
		}
		cfg.StartBlock = &startBlock
	}
	if cfg.Log.Console, err = parseBoolEnv("LOG_CONSOLE", true); err != nil {
		return cfg, configError("invalid LOG_CONSOLE: %v", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if len(c.RPCURLs) == 0 {
		return configError("at least one RPC URL is required")
	}

	if len(c.EncryptionKey) != EncryptionKeyLength {
		return configError("ENCRYPTION_KEY must be exactly %d bytes, got %d", EncryptionKeyLength, len(c.EncryptionKey))
	}

	if c.GasMultiplier < MinGasMultiplier {
		return configError("GAS_MULTIPLIER must be at least %.1f", MinGasMultiplier)
	}

	if c.PollInterval <= 0 || c.ReceiptTimeout <= 0 || c.RPCTimeout <= 0 {
		return configError("POLL_INTERVAL, RECEIPT_TIMEOUT and RPC_TIMEOUT must be positive")
	}

	if c.RPCRateLimit <= 0 {
		return configError("RPC_RATE_LIMIT must be positive")
	}

	if c.MaxBlockRange == 0 {
		return configError("MAX_BLOCK_RANGE must be at least 1")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return configError("invalid LOG_LEVEL: %s (must be one of: debug, info, warn, error)", c.Log.Level)
	}

	return nil
}

func configError(format string, args ...interface{}) error {
	return errs.Newf(errs.KindConfiguration, format, args...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseAddressEnv(key string) (common.Address, error) {
	value := os.Getenv(key)
	if value == "" {
		return common.Address{}, configError("%s environment variable is required", key)
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, configError("%s is not a valid address: %s", key, value)
	}
	return common.HexToAddress(value), nil
}

func parseInt64Env(key string, defaultValue int64) (int64, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.ParseInt(str, 10, 64)
}

func parseUint64Env(key string, defaultValue uint64) (uint64, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.ParseUint(str, 10, 64)
}

func parseFloatEnv(key string, defaultValue float64) (float64, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(str, 64)
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	return strconv.ParseBool(str)
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	str := os.Getenv(key)
	if str == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", str, err)
	}
	return d, nil
}
