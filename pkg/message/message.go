// Package message defines the chain-agnostic bridge message relayed between
// the EVM chain and the Casper chain.
package message

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Chain identifies one side of the bridge.
type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainCasper   Chain = "casper"
)

// Counterpart returns the other side of the bridge.
func (c Chain) Counterpart() Chain {
	if c == ChainEthereum {
		return ChainCasper
	}
	return ChainEthereum
}

// Direction is the direction value flows for the transfer an event belongs to.
type Direction string

const (
	DirectionEthToCspr Direction = "ETH_TO_CSPR"
	DirectionCsprToEth Direction = "CSPR_TO_ETH"
)

// Kind is the bridge event kind observed on the source chain.
type Kind string

const (
	KindLock Kind = "lock"
	KindBurn Kind = "burn"
	KindMint Kind = "mint"
)

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLock, KindBurn, KindMint:
		return true
	}
	return false
}

// DirectionFor derives the transfer direction from where an event was observed
// and its kind. Locks and burns start a transfer away from the observing chain;
// a mint completes a transfer that arrived on it.
func DirectionFor(observedOn Chain, kind Kind) Direction {
	away := DirectionEthToCspr
	toward := DirectionCsprToEth
	if observedOn == ChainCasper {
		away, toward = toward, away
	}
	if kind == KindMint {
		return toward
	}
	return away
}

// BridgeMessage is a normalized, confirmed bridge event.
type BridgeMessage struct {
	ID          string          `json:"id"`
	Direction   Direction       `json:"direction"`
	Kind        Kind            `json:"kind"`
	SrcChain    Chain           `json:"src_chain"`
	SrcChainID  string          `json:"src_chain_id"`
	DstChainID  string          `json:"dst_chain_id"`
	SrcTxHash   string          `json:"src_tx_hash"`
	LogIndex    *uint64         `json:"log_index,omitempty"`
	SrcPosition uint64          `json:"src_position"`
	Sender      string          `json:"sender"`
	Recipient   string          `json:"recipient"`
	Asset       string          `json:"asset"`
	Amount      string          `json:"amount"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// ComputeID derives the message identity from the source chain id, the source
// transaction hash and, for log-indexed events, the log index. The hash is
// lower-cased so the id does not depend on how a node formats it.
func ComputeID(srcChainID, srcTxHash string, logIndex *uint64) string {
	parts := []string{srcChainID, strings.ToLower(srcTxHash)}
	if logIndex != nil {
		parts = append(parts, strconv.FormatUint(*logIndex, 10))
	}
	return crypto.Keccak256Hash([]byte(strings.Join(parts, ":"))).Hex()
}

// New builds a message and assigns its id.
func New(
	srcChain Chain,
	kind Kind,
	srcChainID, dstChainID, srcTxHash string,
	logIndex *uint64,
) *BridgeMessage {
	return &BridgeMessage{
		ID:         ComputeID(srcChainID, srcTxHash, logIndex),
		Direction:  DirectionFor(srcChain, kind),
		Kind:       kind,
		SrcChain:   srcChain,
		SrcChainID: srcChainID,
		DstChainID: dstChainID,
		SrcTxHash:  srcTxHash,
		LogIndex:   logIndex,
	}
}

// Validate checks the fields every downstream component relies on.
func (m *BridgeMessage) Validate() error {
	switch {
	case m == nil:
		return fmt.Errorf("nil message")
	case m.ID == "":
		return fmt.Errorf("message id is empty")
	case m.ID != ComputeID(m.SrcChainID, m.SrcTxHash, m.LogIndex):
		return fmt.Errorf("message id %s does not match its source reference", m.ID)
	case !m.Kind.Valid():
		return fmt.Errorf("unknown message kind %q", m.Kind)
	case m.Direction != DirectionEthToCspr && m.Direction != DirectionCsprToEth:
		return fmt.Errorf("unknown message direction %q", m.Direction)
	case m.Recipient == "":
		return fmt.Errorf("message %s has no recipient", m.ID)
	case m.Amount == "":
		return fmt.Errorf("message %s has no amount", m.ID)
	}
	return nil
}

// Uint64Ptr is a convenience for optional log indexes.
func Uint64Ptr(v uint64) *uint64 {
	return &v
}
