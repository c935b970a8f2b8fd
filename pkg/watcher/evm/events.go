package evm

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
)

//go:embed bridge.abi.json
var bridgeABIJSON string

const (
	eventEthLocked = "EthLocked"
	eventBurned    = "Burned"
	eventMinted    = "Minted"
)

// eventSpec ties a bridge event to the contract that must emit it.
type eventSpec struct {
	kind     message.Kind
	asset    string
	contract common.Address
}

// decoder turns vault and wCSPR logs into bridge messages.
type decoder struct {
	abi        abi.ABI
	chainID    string
	dstChainID string
	specs      map[common.Hash]eventSpec
}

func newDecoder(chainID, dstChainID string, vault, wcspr common.Address) (*decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse bridge abi: %w", err)
	}

	d := &decoder{abi: parsed, chainID: chainID, dstChainID: dstChainID, specs: map[common.Hash]eventSpec{}}
	if vault != (common.Address{}) {
		d.specs[parsed.Events[eventEthLocked].ID] = eventSpec{kind: message.KindLock, asset: "ETH", contract: vault}
	}
	if wcspr != (common.Address{}) {
		d.specs[parsed.Events[eventBurned].ID] = eventSpec{kind: message.KindBurn, asset: "CSPR", contract: wcspr}
		d.specs[parsed.Events[eventMinted].ID] = eventSpec{kind: message.KindMint, asset: "CSPR", contract: wcspr}
	}
	return d, nil
}

// addresses returns the contracts to filter on.
func (d *decoder) addresses() []common.Address {
	seen := map[common.Address]bool{}
	var out []common.Address
	for _, spec := range d.specs {
		if !seen[spec.contract] {
			seen[spec.contract] = true
			out = append(out, spec.contract)
		}
	}
	return out
}

// topics returns the event signatures to filter on, as the first topic.
func (d *decoder) topics() [][]common.Hash {
	sigs := make([]common.Hash, 0, len(d.specs))
	for id := range d.specs {
		sigs = append(sigs, id)
	}
	return [][]common.Hash{sigs}
}

// decode builds the bridge message carried by lg. ok is false for logs that
// are not bridge events of the expected contract.
func (d *decoder) decode(lg types.Log) (msg *message.BridgeMessage, ok bool, err error) {
	if len(lg.Topics) == 0 {
		return nil, false, nil
	}
	spec, known := d.specs[lg.Topics[0]]
	if !known || lg.Address != spec.contract {
		return nil, false, nil
	}

	event, err := d.abi.EventByID(lg.Topics[0])
	if err != nil {
		return nil, false, err
	}

	fields := map[string]any{}
	if err := d.abi.UnpackIntoMap(fields, event.Name, lg.Data); err != nil {
		return nil, false, fmt.Errorf("failed to unpack %s data: %w", event.Name, err)
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return nil, false, fmt.Errorf("failed to parse %s topics: %w", event.Name, err)
	}

	msg = message.New(message.ChainEthereum, spec.kind, d.chainID, d.dstChainID,
		lg.TxHash.Hex(), message.Uint64Ptr(uint64(lg.Index)))
	msg.SrcPosition = lg.BlockNumber
	msg.Asset = spec.asset

	var amount *big.Int
	switch event.Name {
	case eventEthLocked:
		msg.Sender = addressField(fields, "sender")
		msg.Recipient = stringField(fields, "recipient")
		amount, _ = fields["amount"].(*big.Int)
	case eventBurned:
		msg.Sender = addressField(fields, "from")
		msg.Recipient = stringField(fields, "recipient")
		amount, _ = fields["amount"].(*big.Int)
	case eventMinted:
		// a mint completes a transfer; the sender is the source transaction
		// on the counterpart chain
		msg.Sender = stringField(fields, "sourceTx")
		msg.Recipient = addressField(fields, "to")
		amount, _ = fields["amount"].(*big.Int)
	}
	if amount == nil {
		return nil, false, fmt.Errorf("%s log without amount", event.Name)
	}
	msg.Amount = amount.String()

	raw, err := json.Marshal(lg)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode raw log: %w", err)
	}
	msg.Raw = raw

	return msg, true, nil
}

func addressField(fields map[string]any, name string) string {
	if addr, ok := fields[name].(common.Address); ok {
		return addr.Hex()
	}
	return ""
}

func stringField(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return s
}
