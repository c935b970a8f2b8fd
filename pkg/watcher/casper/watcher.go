// Package casper watches the Casper node event stream for bridge contract
// events.
package casper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/creasty/defaults"
	"go.uber.org/zap"

	"github.com/chainsafe/cspr-bridge-relayer/internal/metrics"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/watcher"
)

// maxTrackedBlocks bounds the block hash to height index.
const maxTrackedBlocks = 1024

var errNodeShutdown = errors.New("node announced shutdown")

// Config holds the Casper watcher settings.
type Config struct {
	ChainID    string
	DstChainID string
	// EventsURL is the node's main event stream, e.g.
	// http://node:9927/events/main.
	EventsURL     string
	FinalityDepth uint64
	// DeployHashPrefix is reserved for narrowing the watched deploys. It is
	// recorded but not applied.
	DeployHashPrefix string
	PollInterval     time.Duration `default:"5s"`
	StreamIdle       time.Duration `default:"2m"`
	RequestTimeout   time.Duration `default:"15s"`
	Reconnect        watcher.LoopConfig
}

// candidate is a detected bridge event waiting for its block to become final.
type candidate struct {
	msg       *message.BridgeMessage
	blockHash string
	eventID   uint64
}

// Watcher consumes the node SSE stream. A bridge event is emitted once the
// block containing it is at least FinalityDepth blocks below the head; the
// head comes from BlockAdded events and from polling the node JSON-RPC.
type Watcher struct {
	cfg      Config
	rpc      NodeRPC
	http     *http.Client
	logger   *zap.Logger
	finality watcher.FinalityPolicy
	loop     *watcher.Loop
	out      chan watcher.Emission
	// acceptDeploy is the deploy hash filter hook.
	acceptDeploy func(deployHash string) bool

	// The fields below are owned by the session goroutine.

	// lastSeen is the id of the last stream event processed.
	lastSeen uint64
	resume   bool
	// emitted is the last cursor handed out.
	emitted uint64
	head    uint64
	heights map[string]uint64
	pending map[string]*candidate
}

var _ watcher.Watcher = (*Watcher)(nil)

// New creates a stopped watcher.
func New(cfg Config, rpc NodeRPC, logger *zap.Logger) (*Watcher, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply casper watcher defaults: %w", err)
	}
	if _, err := url.Parse(cfg.EventsURL); err != nil || cfg.EventsURL == "" {
		return nil, fmt.Errorf("invalid events url %q", cfg.EventsURL)
	}

	logger = logger.Named("casper_watcher").With(zap.String("chain_id", cfg.ChainID))
	loop, err := watcher.NewLoop(string(message.ChainCasper), cfg.Reconnect, logger)
	if err != nil {
		return nil, err
	}

	return &Watcher{
		cfg: cfg,
		rpc: rpc,
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.RequestTimeout,
			},
		},
		logger:       logger,
		finality:     watcher.FinalityPolicy{Depth: cfg.FinalityDepth},
		loop:         loop,
		out:          make(chan watcher.Emission, 64),
		acceptDeploy: deployFilter(cfg.DeployHashPrefix),
		heights:      map[string]uint64{},
		pending:      map[string]*candidate{},
	}, nil
}

// deployFilter returns the hook for the deploy hash prefix. No filtering
// rule is defined for the prefix yet, so every deploy is accepted.
func deployFilter(string) func(string) bool {
	return func(string) bool { return true }
}

func (w *Watcher) Chain() message.Chain               { return message.ChainCasper }
func (w *Watcher) ChainID() string                    { return w.cfg.ChainID }
func (w *Watcher) Emissions() <-chan watcher.Emission { return w.out }
func (w *Watcher) State() watcher.State               { return w.loop.State() }

// Start connects to the event stream. A non-zero cursor resumes the stream
// from the event after it; otherwise the stream starts live.
func (w *Watcher) Start(ctx context.Context, cursor uint64) error {
	if cursor > 0 {
		w.lastSeen = cursor
		w.emitted = cursor
		w.resume = true
	}

	fields := []zap.Field{
		zap.String("events_url", w.cfg.EventsURL),
		zap.Uint64("cursor", cursor),
		zap.Uint64("finality_depth", w.cfg.FinalityDepth),
	}
	if w.cfg.DeployHashPrefix != "" {
		fields = append(fields, zap.String("deploy_hash_prefix", w.cfg.DeployHashPrefix))
		w.logger.Info("Deploy hash prefix is configured but not applied")
	}
	w.logger.Info("Starting Casper watcher", fields...)

	return w.loop.Start(ctx, w.session, func() { close(w.out) })
}

// Stop closes the stream and the emission channel.
func (w *Watcher) Stop() error {
	return w.loop.Stop()
}

func (w *Watcher) session(ctx context.Context, streaming func()) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	body, err := w.connect(sctx)
	if err != nil {
		return err
	}
	defer body.Close()
	streaming()

	if err := w.refreshHead(ctx); err != nil {
		w.logger.Warn("Failed to get head height", zap.Error(err))
	}

	frames := make(chan frame)
	readErr := make(chan error, 1)
	go func() {
		readErr <- readFrames(sctx, body, frames)
	}()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	idle := time.NewTimer(w.cfg.StreamIdle)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("event stream ended: %w", err)
		case <-idle.C:
			return fmt.Errorf("no events received for %s", w.cfg.StreamIdle)
		case f := <-frames:
			idle.Reset(w.cfg.StreamIdle)
			if err := w.handleFrame(ctx, f); err != nil {
				return err
			}
		case <-ticker.C:
			if err := w.refreshHead(ctx); err != nil {
				w.logger.Warn("Failed to get head height", zap.Error(err))
			}
			w.resolveHeights(ctx)
			if err := w.release(ctx); err != nil {
				return err
			}
			if err := w.checkpoint(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) connect(ctx context.Context) (io.ReadCloser, error) {
	u, err := url.Parse(w.cfg.EventsURL)
	if err != nil {
		return nil, err
	}
	if w.resume {
		q := u.Query()
		q.Set("start_from", strconv.FormatUint(w.lastSeen+1, 10))
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := w.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	w.logger.Info("Connected to event stream", zap.String("url", u.String()))
	return resp.Body, nil
}

func (w *Watcher) handleFrame(ctx context.Context, f frame) error {
	id, hasID := uint64(0), false
	if f.ID != "" {
		if v, err := strconv.ParseUint(f.ID, 10, 64); err == nil {
			id, hasID = v, true
		}
	}
	if !hasID {
		id = w.lastSeen
	}

	ev, err := decodeNodeEvent(f.Data)
	if err != nil {
		w.logger.Warn("Discarding undecodable event", zap.Uint64("event_id", id), zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("casper_watcher", "decode").Inc()
		ev = &nodeEvent{kind: eventIgnored}
	}

	if hasID && id > w.lastSeen {
		w.lastSeen = id
		w.resume = true
	}

	switch ev.kind {
	case eventShutdown:
		return errNodeShutdown
	case eventAPIVersion:
		w.logger.Debug("Event stream handshake")
	case eventBlockAdded:
		w.observeBlock(ev.blockHash, ev.height)
	case eventProcessed:
		w.observeExecution(ev, id)
	}

	if err := w.release(ctx); err != nil {
		return err
	}
	if ev.kind == eventBlockAdded {
		return w.checkpoint(ctx)
	}
	return nil
}

func (w *Watcher) observeBlock(hash string, height uint64) {
	w.heights[hash] = height
	if height > w.head {
		w.head = height
	}

	if len(w.heights) > maxTrackedBlocks {
		held := map[string]bool{}
		for _, c := range w.pending {
			held[c.blockHash] = true
		}
		for h, ht := range w.heights {
			if !held[h] && w.finality.IsFinal(ht, w.head) {
				delete(w.heights, h)
			}
		}
	}
}

func (w *Watcher) observeExecution(ev *nodeEvent, eventID uint64) {
	if !w.acceptDeploy(ev.txHash) {
		return
	}
	if !ev.success {
		w.logger.Debug("Skipping unsuccessful execution",
			zap.String("deploy_hash", ev.txHash),
			zap.String("error", ev.failure))
		return
	}
	if ev.blockHash == "" {
		// its height can never be resolved
		w.logger.Warn("Discarding execution without block hash",
			zap.String("deploy_hash", ev.txHash))
		metrics.ErrorsTotal.WithLabelValues("casper_watcher", "decode").Inc()
		return
	}

	var found []*bridgeEvent
	for _, parsed := range ev.writes {
		be, ok, err := parseBridgeEvent(parsed)
		if !ok {
			continue
		}
		if err != nil {
			w.logger.Warn("Discarding malformed bridge event",
				zap.String("deploy_hash", ev.txHash),
				zap.Error(err))
			metrics.ErrorsTotal.WithLabelValues("casper_watcher", "decode").Inc()
			found = append(found, nil)
			continue
		}
		found = append(found, be)
	}

	for i, be := range found {
		if be == nil {
			continue
		}
		var logIndex *uint64
		if len(found) > 1 {
			logIndex = message.Uint64Ptr(uint64(i))
		}

		msg := message.New(message.ChainCasper, be.kind, w.cfg.ChainID, w.cfg.DstChainID, ev.txHash, logIndex)
		msg.Sender = be.sender
		msg.Recipient = be.recipient
		msg.Asset = be.asset
		msg.Amount = be.amount
		msg.Raw = be.raw

		if _, dup := w.pending[msg.ID]; dup {
			continue
		}
		w.pending[msg.ID] = &candidate{msg: msg, blockHash: ev.blockHash, eventID: eventID}

		w.logger.Info("Bridge event detected, awaiting finality",
			zap.String("message_id", msg.ID),
			zap.String("event", be.name),
			zap.String("deploy_hash", ev.txHash),
			zap.String("block_hash", ev.blockHash))
	}
}

// release emits every pending candidate whose block is final, oldest event
// first.
func (w *Watcher) release(ctx context.Context) error {
	var ready []*candidate
	for _, c := range w.pending {
		height, known := w.heights[c.blockHash]
		if known && w.finality.IsFinal(height, w.head) {
			c.msg.SrcPosition = height
			ready = append(ready, c)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].eventID == ready[j].eventID {
			return ready[i].msg.ID < ready[j].msg.ID
		}
		return ready[i].eventID < ready[j].eventID
	})

	for _, c := range ready {
		delete(w.pending, c.msg.ID)
		cursor := max(w.safeCursor(), w.emitted)
		if err := watcher.Send(ctx, w.out, watcher.Emission{Message: c.msg, Cursor: cursor}); err != nil {
			w.pending[c.msg.ID] = c
			return err
		}
		w.emitted = cursor

		w.logger.Info("Bridge event final",
			zap.String("message_id", c.msg.ID),
			zap.String("kind", string(c.msg.Kind)),
			zap.String("deploy_hash", c.msg.SrcTxHash),
			zap.Uint64("height", c.msg.SrcPosition),
			zap.Uint64("head", w.head))
		metrics.EventsDetected.WithLabelValues(string(message.ChainCasper), string(c.msg.Kind)).Inc()
	}
	return nil
}

// checkpoint emits the safe cursor when it has moved.
func (w *Watcher) checkpoint(ctx context.Context) error {
	cursor := w.safeCursor()
	if cursor <= w.emitted {
		return nil
	}
	if err := watcher.Send(ctx, w.out, watcher.Emission{Cursor: cursor}); err != nil {
		return err
	}
	w.emitted = cursor
	return nil
}

// safeCursor is the highest event id below every pending candidate.
func (w *Watcher) safeCursor() uint64 {
	cursor := w.lastSeen
	for _, c := range w.pending {
		if c.eventID <= cursor {
			if c.eventID == 0 {
				return 0
			}
			cursor = c.eventID - 1
		}
	}
	return cursor
}

func (w *Watcher) refreshHead(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	height, err := w.rpc.LatestHeight(rctx)
	if err != nil {
		return err
	}
	if height > w.head {
		w.head = height
	}
	return nil
}

// resolveHeights looks up blocks of pending candidates whose BlockAdded
// event was not seen on the stream.
func (w *Watcher) resolveHeights(ctx context.Context) {
	unknown := map[string]bool{}
	for _, c := range w.pending {
		if _, known := w.heights[c.blockHash]; !known && c.blockHash != "" {
			unknown[c.blockHash] = true
		}
	}

	for hash := range unknown {
		rctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
		height, err := w.rpc.BlockHeight(rctx, hash)
		cancel()
		if err != nil {
			w.logger.Warn("Failed to resolve block height",
				zap.String("block_hash", hash),
				zap.Error(err))
			continue
		}
		w.observeBlock(hash, height)
	}
}
