// Package watcher defines the chain watcher contract shared by the EVM and
// Casper watchers, their common finality policy and the reconnect state
// machine both run on.
package watcher

import (
	"context"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
)

// Emission is one unit of watcher output. Message is nil for a checkpoint.
// Cursor is the chain position that is safe to persist once this emission
// has been handed off: every event at or below it has been emitted.
type Emission struct {
	Message *message.BridgeMessage
	Cursor  uint64
}

// Checkpoint reports whether the emission only advances the cursor.
func (e Emission) Checkpoint() bool {
	return e.Message == nil
}

// Watcher observes one chain and emits each final bridge event once.
//
// Start begins monitoring in the background from cursor, the last position
// already handed off (0 when the chain has no recorded progress). Stop closes
// the connection and ends emission; the Emissions channel is closed once the
// watcher has fully stopped.
type Watcher interface {
	Chain() message.Chain
	ChainID() string
	Start(ctx context.Context, cursor uint64) error
	Stop() error
	Emissions() <-chan Emission
	State() State
}

// FinalityPolicy is the confirmation depth a chain requires before an event
// at a given height is treated as final.
type FinalityPolicy struct {
	Depth uint64
}

// IsFinal reports whether an event at height is final once the chain head is
// at head.
func (p FinalityPolicy) IsFinal(height, head uint64) bool {
	return head >= height+p.Depth
}

// SafeHead returns the highest final height for head. ok is false while the
// chain is shorter than the required depth.
func (p FinalityPolicy) SafeHead(head uint64) (height uint64, ok bool) {
	if head < p.Depth {
		return 0, false
	}
	return head - p.Depth, true
}

// Send delivers e on out unless ctx ends first.
func Send(ctx context.Context, out chan<- Emission, e Emission) error {
	select {
	case out <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
