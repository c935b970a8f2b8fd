package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/creasty/defaults"
	"go.uber.org/zap"

	"github.com/chainsafe/cspr-bridge-relayer/internal/metrics"
)

// State is the connection state of a watcher.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateBackoff
)

var allStates = []State{StateDisconnected, StateConnecting, StateStreaming, StateBackoff}

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

// ErrAlreadyStarted is returned by Loop.Start on a running loop.
var ErrAlreadyStarted = errors.New("watcher already started")

// Session is one connection lifetime. It must call streaming once the
// connection is established and return when the connection is lost or ctx
// ends.
type Session func(ctx context.Context, streaming func()) error

// LoopConfig bounds the reconnect backoff.
type LoopConfig struct {
	Initial time.Duration `default:"1s"`
	Max     time.Duration `default:"1m"`
}

// Loop drives a Session through Disconnected -> Connecting -> Streaming and,
// after a lost connection, Backoff -> Connecting again until stopped.
type Loop struct {
	chain  string
	cfg    LoopConfig
	logger *zap.Logger

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop creates a stopped loop for chain.
func NewLoop(chain string, cfg LoopConfig, logger *zap.Logger) (*Loop, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply loop defaults: %w", err)
	}
	l := &Loop{chain: chain, cfg: cfg, logger: logger}
	l.setState(StateDisconnected)
	return l, nil
}

// State returns the current state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Start runs session in the background. onExit runs once the loop has
// stopped for good.
func (l *Loop) Start(ctx context.Context, session Session, onExit func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		if onExit != nil {
			defer onExit()
		}
		l.run(ctx, session)
	}()
	return nil
}

// Stop cancels the session and waits for the loop to exit.
func (l *Loop) Stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (l *Loop) run(ctx context.Context, session Session) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.Initial
	b.MaxInterval = l.cfg.Max
	b.MaxElapsedTime = 0
	b.Reset()

	defer l.setState(StateDisconnected)

	for ctx.Err() == nil {
		l.setState(StateConnecting)
		err := session(ctx, func() {
			l.setState(StateStreaming)
			b.Reset()
		})
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		l.setState(StateBackoff)
		metrics.WatcherReconnects.WithLabelValues(l.chain).Inc()
		l.logger.Warn("Watcher session ended, reconnecting",
			zap.Duration("backoff", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *Loop) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.WatcherState.WithLabelValues(l.chain, st.String()).Set(v)
	}
	if prev != s {
		l.logger.Debug("Watcher state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", s))
	}
}
