package relayer

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/config"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/executor"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/idempotency"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/watcher"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/watcher/casper"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/watcher/evm"
)

const nodeRPCTimeout = 15 * time.Second

func newIdempotencyStore(cfg *config.Config, bunDB *bun.DB, logger *zap.Logger) (idempotency.Store, func(), error) {
	if cfg.Idempotency.Backend != "redis" {
		logger.Info("Using postgres idempotency store")
		return idempotency.NewPostgresStore(bunDB, cfg.Idempotency.StaleAfter), func() {}, nil
	}

	pool := idempotency.NewRedisPool(cfg.Redis.URL, cfg.Redis.MaxIdle)
	conn := pool.Get()
	_, err := conn.Do("PING")
	_ = conn.Close()
	if err != nil {
		_ = pool.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}

	logger.Info("Using redis idempotency store", zap.String("key_prefix", cfg.Redis.KeyPrefix))
	store := idempotency.NewRedisStore(pool, cfg.Redis.KeyPrefix, cfg.Idempotency.StaleAfter)
	return store, func() { _ = pool.Close() }, nil
}

func newExecutor(cfg *config.Config, logger *zap.Logger) (executor.Executor, error) {
	if cfg.Executor.URL == "" {
		logger.Warn("EXECUTOR_URL is not set, destination actions are only logged")
		return executor.NewDryRun(logger), nil
	}

	exec, err := executor.NewHTTPExecutor(executor.HTTPConfig{
		URL:       cfg.Executor.URL,
		AuthToken: cfg.Executor.AuthToken,
		Timeout:   cfg.Executor.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create executor: %w", err)
	}
	return exec, nil
}

// newWatchers builds the EVM watcher, when a contract is configured, and the
// Casper watcher.
func newWatchers(cfg *config.Config, logger *zap.Logger) ([]watcher.Watcher, error) {
	var watchers []watcher.Watcher

	eth := cfg.Ethereum
	if eth.VaultAddress == "" && eth.WCSPRAddress == "" {
		logger.Warn("No EVM contract addresses configured, EVM watcher disabled")
	} else {
		w, err := evm.New(evm.Config{
			ChainID:        eth.ChainID,
			DstChainID:     cfg.Casper.ChainID,
			VaultAddress:   optionalAddress(eth.VaultAddress),
			WCSPRAddress:   optionalAddress(eth.WCSPRAddress),
			Confirmations:  uint64(eth.Confirmations),
			StartBlock:     eth.StartBlock,
			PollInterval:   eth.PollInterval,
			MaxBlockRange:  eth.MaxBlockRange,
			RequestTimeout: eth.RequestTimeout,
			Reconnect:      watcher.LoopConfig(eth.Reconnect),
		}, evm.Dial(eth.RPC), logger)
		if err != nil {
			return nil, fmt.Errorf("create evm watcher: %w", err)
		}
		watchers = append(watchers, w)
	}

	cspr := cfg.Casper
	w, err := casper.New(casper.Config{
		ChainID:          cspr.ChainID,
		DstChainID:       eth.ChainID,
		EventsURL:        cspr.EventsURL(),
		FinalityDepth:    uint64(cspr.FinalityDepth),
		DeployHashPrefix: cspr.DeployHashPrefix,
		PollInterval:     cspr.PollInterval(),
		StreamIdle:       cspr.StreamIdle,
		RequestTimeout:   nodeRPCTimeout,
		Reconnect:        watcher.LoopConfig(cspr.Reconnect),
	}, casper.NewNodeRPC(cspr.RPCURL(), nodeRPCTimeout), logger)
	if err != nil {
		return nil, fmt.Errorf("create casper watcher: %w", err)
	}
	watchers = append(watchers, w)

	return watchers, nil
}

func optionalAddress(hex string) common.Address {
	if hex == "" {
		return common.Address{}
	}
	return common.HexToAddress(hex)
}
