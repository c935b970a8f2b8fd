// Package evm watches the vault and wrapped CSPR contracts on the EVM chain.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync/atomic"
	"time"

	"github.com/creasty/defaults"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/chainsafe/cspr-bridge-relayer/internal/metrics"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/watcher"
)

// Client is the read-only JSON-RPC surface the watcher needs.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Dialer opens a client for one watcher session.
type Dialer func(ctx context.Context) (Client, error)

// Dial returns a Dialer for an ethclient connection to rpcURL.
func Dial(rpcURL string) Dialer {
	return func(ctx context.Context) (Client, error) {
		c, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
		}
		return c, nil
	}
}

// Config holds the EVM watcher settings.
type Config struct {
	ChainID       string
	DstChainID    string
	VaultAddress  common.Address
	WCSPRAddress  common.Address
	Confirmations uint64
	// StartBlock is the first block scanned when there is no recorded
	// progress; 0 starts at the current safe head.
	StartBlock     uint64
	PollInterval   time.Duration `default:"5s"`
	MaxBlockRange  uint64        `default:"1000"`
	RequestTimeout time.Duration `default:"15s"`
	Reconnect      watcher.LoopConfig
}

// Watcher polls for confirmed bridge logs. A log at block B is emitted only
// once the head is at least B + Confirmations; logs flagged as removed by a
// reorg are dropped.
type Watcher struct {
	cfg      Config
	dial     Dialer
	logger   *zap.Logger
	finality watcher.FinalityPolicy
	decoder  *decoder
	loop     *watcher.Loop
	out      chan watcher.Emission

	// cursor is the last block whose logs were all emitted
	cursor atomic.Uint64
	fresh  atomic.Bool
}

var _ watcher.Watcher = (*Watcher)(nil)

// New creates a stopped watcher.
func New(cfg Config, dial Dialer, logger *zap.Logger) (*Watcher, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply evm watcher defaults: %w", err)
	}
	if cfg.VaultAddress == (common.Address{}) && cfg.WCSPRAddress == (common.Address{}) {
		return nil, fmt.Errorf("at least one of vault or wCSPR address is required")
	}

	dec, err := newDecoder(cfg.ChainID, cfg.DstChainID, cfg.VaultAddress, cfg.WCSPRAddress)
	if err != nil {
		return nil, err
	}

	logger = logger.Named("evm_watcher").With(zap.String("chain_id", cfg.ChainID))
	loop, err := watcher.NewLoop(string(message.ChainEthereum), cfg.Reconnect, logger)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		cfg:      cfg,
		dial:     dial,
		logger:   logger,
		finality: watcher.FinalityPolicy{Depth: cfg.Confirmations},
		decoder:  dec,
		loop:     loop,
		out:      make(chan watcher.Emission, 64),
	}, nil
}

func (w *Watcher) Chain() message.Chain               { return message.ChainEthereum }
func (w *Watcher) ChainID() string                    { return w.cfg.ChainID }
func (w *Watcher) Emissions() <-chan watcher.Emission { return w.out }
func (w *Watcher) State() watcher.State               { return w.loop.State() }

// Start begins polling after cursor.
func (w *Watcher) Start(ctx context.Context, cursor uint64) error {
	switch {
	case cursor > 0:
		w.cursor.Store(cursor)
	case w.cfg.StartBlock > 0:
		w.cursor.Store(w.cfg.StartBlock - 1)
	default:
		w.fresh.Store(true)
	}

	w.logger.Info("Starting EVM watcher",
		zap.Uint64("cursor", w.cursor.Load()),
		zap.Bool("from_safe_head", w.fresh.Load()),
		zap.Uint64("confirmations", w.cfg.Confirmations),
		zap.Stringers("contracts", w.decoder.addresses()))

	return w.loop.Start(ctx, w.session, func() { close(w.out) })
}

// Stop ends polling and closes the emission channel.
func (w *Watcher) Stop() error {
	return w.loop.Stop()
}

func (w *Watcher) session(ctx context.Context, streaming func()) error {
	client, err := w.dialAndCheck(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	streaming()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.poll(ctx, client); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) dialAndCheck(ctx context.Context) (Client, error) {
	dctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	client, err := w.dial(dctx)
	if err != nil {
		return nil, err
	}
	if _, err := client.BlockNumber(dctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}
	return client, nil
}

// poll scans every final block after the cursor.
func (w *Watcher) poll(ctx context.Context, client Client) error {
	rctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	head, err := client.BlockNumber(rctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to get latest block: %w", err)
	}

	safe, ok := w.finality.SafeHead(head)
	if !ok {
		return nil
	}
	if w.fresh.CompareAndSwap(true, false) {
		w.cursor.Store(safe)
		w.logger.Info("No recorded progress, starting at safe head", zap.Uint64("block", safe))
		return watcher.Send(ctx, w.out, watcher.Emission{Cursor: safe})
	}

	for from := w.cursor.Load() + 1; from <= safe; from = w.cursor.Load() + 1 {
		to := from + w.cfg.MaxBlockRange - 1
		if to > safe {
			to = safe
		}
		if err := w.scanRange(ctx, client, from, to); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) scanRange(ctx context.Context, client Client, from, to uint64) error {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: w.decoder.addresses(),
		Topics:    w.decoder.topics(),
	}

	rctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	logs, err := client.FilterLogs(rctx, query)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to filter logs [%d, %d]: %w", from, to, err)
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber == logs[j].BlockNumber {
			return logs[i].Index < logs[j].Index
		}
		return logs[i].BlockNumber < logs[j].BlockNumber
	})

	for _, lg := range logs {
		if lg.Removed || lg.BlockNumber < from || lg.BlockNumber > to {
			continue
		}
		msg, ok, err := w.decoder.decode(lg)
		if err != nil {
			w.logger.Warn("Discarding malformed bridge log",
				zap.String("tx_hash", lg.TxHash.Hex()),
				zap.Uint("log_index", lg.Index),
				zap.Error(err))
			metrics.ErrorsTotal.WithLabelValues("evm_watcher", "decode").Inc()
			continue
		}
		if !ok {
			continue
		}

		w.logger.Info("Bridge event confirmed",
			zap.String("message_id", msg.ID),
			zap.String("kind", string(msg.Kind)),
			zap.String("tx_hash", msg.SrcTxHash),
			zap.Uint64("block", lg.BlockNumber))
		metrics.EventsDetected.WithLabelValues(string(message.ChainEthereum), string(msg.Kind)).Inc()

		// blocks before this log's block are complete
		cursor := w.cursor.Load()
		if lg.BlockNumber > cursor+1 {
			cursor = lg.BlockNumber - 1
		}
		if err := watcher.Send(ctx, w.out, watcher.Emission{Message: msg, Cursor: cursor}); err != nil {
			return err
		}
	}

	if err := watcher.Send(ctx, w.out, watcher.Emission{Cursor: to}); err != nil {
		return err
	}
	w.cursor.Store(to)
	return nil
}
