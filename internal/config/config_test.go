package config

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cemeheeb/custodial-raffle/internal/errs"
)

const (
	raffleAddress = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	tokenAddress  = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
)

func setRequired(t *testing.T) {
	t.Setenv("RPC_URLS", "http://localhost:8545, http://localhost:8546")
	t.Setenv("RAFFLE_CONTRACT_ADDRESS", raffleAddress)
	t.Setenv("TOKEN_CONTRACT_ADDRESS", tokenAddress)
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
}

func TestFromEnv(t *testing.T) {
	t.Run("defaults are applied", func(t *testing.T) {
		setRequired(t)

		cfg, err := FromEnv()
		require.NoError(t, err)

		assert.Equal(t, []string{"http://localhost:8545", "http://localhost:8546"}, cfg.RPCURLs)
		assert.Equal(t, int64(11155111), cfg.ChainID)
		assert.Equal(t, common.HexToAddress(raffleAddress), cfg.RaffleAddress)
		assert.Equal(t, common.HexToAddress(tokenAddress), cfg.TokenAddress)
		assert.Equal(t, "raffle.db", cfg.DatabasePath)
		assert.Equal(t, 5*time.Second, cfg.PollInterval)
		assert.Equal(t, 120*time.Second, cfg.ReceiptTimeout)
		assert.Equal(t, 1.2, cfg.GasMultiplier)
		assert.Equal(t, uint64(100), cfg.StartLookback)
		assert.Equal(t, uint64(500), cfg.MaxBlockRange)
		assert.Nil(t, cfg.StartBlock)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.True(t, cfg.Log.Console)
	})

	t.Run("overrides are parsed", func(t *testing.T) {
		setRequired(t)
		t.Setenv("CHAIN_ID", "31337")
		t.Setenv("POLL_INTERVAL", "250ms")
		t.Setenv("GAS_MULTIPLIER", "1.5")
		t.Setenv("START_BLOCK", "42")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("LOG_CONSOLE", "false")

		cfg, err := FromEnv()
		require.NoError(t, err)

		assert.Equal(t, int64(31337), cfg.ChainID)
		assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
		assert.Equal(t, 1.5, cfg.GasMultiplier)
		require.NotNil(t, cfg.StartBlock)
		assert.Equal(t, uint64(42), *cfg.StartBlock)
		assert.False(t, cfg.Log.Console)
	})

	t.Run("empty metrics address disables metrics", func(t *testing.T) {
		setRequired(t)
		t.Setenv("METRICS_ADDR", "")

		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Empty(t, cfg.MetricsAddr)
	})

	t.Run("missing rpc urls", func(t *testing.T) {
		setRequired(t)
		t.Setenv("RPC_URLS", "")

		_, err := FromEnv()
		assert.ErrorIs(t, err, errs.ErrConfiguration)
		assert.Contains(t, err.Error(), "RPC_URLS environment variable is required")
	})

	t.Run("encryption key of the wrong length fails fast", func(t *testing.T) {
		for _, key := range []string{"", "short", "0123456789abcdef0123456789abcdef0"} {
			setRequired(t)
			t.Setenv("ENCRYPTION_KEY", key)

			_, err := FromEnv()
			assert.ErrorIs(t, err, errs.ErrConfiguration, key)
			assert.Contains(t, err.Error(), "ENCRYPTION_KEY must be exactly 32 bytes")
		}
	})

	t.Run("gas multiplier below safety factor", func(t *testing.T) {
		setRequired(t)
		t.Setenv("GAS_MULTIPLIER", "1.1")

		_, err := FromEnv()
		assert.ErrorIs(t, err, errs.ErrConfiguration)
	})

	t.Run("invalid contract address", func(t *testing.T) {
		setRequired(t)
		t.Setenv("TOKEN_CONTRACT_ADDRESS", "not-an-address")

		_, err := FromEnv()
		assert.ErrorIs(t, err, errs.ErrConfiguration)
		assert.Contains(t, err.Error(), "TOKEN_CONTRACT_ADDRESS")
	})

	t.Run("invalid log level", func(t *testing.T) {
		setRequired(t)
		t.Setenv("LOG_LEVEL", "verbose")

		_, err := FromEnv()
		assert.ErrorIs(t, err, errs.ErrConfiguration)
		assert.Contains(t, err.Error(), "invalid LOG_LEVEL")
	})
}
