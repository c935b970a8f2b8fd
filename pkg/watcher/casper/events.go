package casper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
)

type eventKind int

const (
	eventIgnored eventKind = iota
	eventAPIVersion
	eventBlockAdded
	eventProcessed
	eventShutdown
)

// nodeEvent is the part of a node event the watcher acts on.
type nodeEvent struct {
	kind eventKind

	blockHash string
	// height is set for BlockAdded
	height uint64

	txHash  string
	success bool
	failure string
	// writes holds the parsed form of every CLValue written by a successful
	// execution, in effect order.
	writes []json.RawMessage
}

type blockHeader struct {
	Height uint64 `json:"height"`
}

type versionedBlock struct {
	Header   *blockHeader `json:"header"`
	Version1 *struct {
		Header blockHeader `json:"header"`
	} `json:"Version1"`
	Version2 *struct {
		Header blockHeader `json:"header"`
	} `json:"Version2"`
}

func (b *versionedBlock) height() (uint64, bool) {
	switch {
	case b == nil:
		return 0, false
	case b.Header != nil:
		return b.Header.Height, true
	case b.Version2 != nil:
		return b.Version2.Header.Height, true
	case b.Version1 != nil:
		return b.Version1.Header.Height, true
	}
	return 0, false
}

type blockAddedEvent struct {
	BlockHash string          `json:"block_hash"`
	Block     *versionedBlock `json:"block"`
}

type clValue struct {
	Parsed json.RawMessage `json:"parsed"`
}

type deployExecution struct {
	Success *struct {
		Effect struct {
			Transforms []struct {
				Key       string          `json:"key"`
				Transform json.RawMessage `json:"transform"`
			} `json:"transforms"`
		} `json:"effect"`
	} `json:"Success"`
	Failure *struct {
		ErrorMessage string `json:"error_message"`
	} `json:"Failure"`
}

type deployProcessedEvent struct {
	DeployHash      string          `json:"deploy_hash"`
	BlockHash       string          `json:"block_hash"`
	ExecutionResult deployExecution `json:"execution_result"`
}

type transactionProcessedEvent struct {
	TransactionHash map[string]string `json:"transaction_hash"`
	BlockHash       string            `json:"block_hash"`
	ExecutionResult struct {
		Version1 *deployExecution `json:"Version1"`
		Version2 *struct {
			ErrorMessage *string `json:"error_message"`
			Effects      []struct {
				Key  string          `json:"key"`
				Kind json.RawMessage `json:"kind"`
			} `json:"effects"`
		} `json:"Version2"`
	} `json:"execution_result"`
}

// decodeNodeEvent decodes one frame of the node's main event stream.
func decodeNodeEvent(data []byte) (*nodeEvent, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		if name == "Shutdown" {
			return &nodeEvent{kind: eventShutdown}, nil
		}
		return &nodeEvent{kind: eventIgnored}, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	if raw, ok := envelope["BlockAdded"]; ok {
		var ev blockAddedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode BlockAdded: %w", err)
		}
		height, ok := ev.Block.height()
		if !ok {
			return nil, fmt.Errorf("BlockAdded %s has no header height", ev.BlockHash)
		}
		return &nodeEvent{kind: eventBlockAdded, blockHash: ev.BlockHash, height: height}, nil
	}

	if raw, ok := envelope["DeployProcessed"]; ok {
		var ev deployProcessedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode DeployProcessed: %w", err)
		}
		out := &nodeEvent{kind: eventProcessed, blockHash: ev.BlockHash, txHash: ev.DeployHash}
		out.success, out.failure, out.writes = deployWrites(&ev.ExecutionResult)
		return out, nil
	}

	if raw, ok := envelope["TransactionProcessed"]; ok {
		var ev transactionProcessedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode TransactionProcessed: %w", err)
		}
		out := &nodeEvent{kind: eventProcessed, blockHash: ev.BlockHash}
		for _, hash := range ev.TransactionHash {
			out.txHash = hash
		}

		switch result := ev.ExecutionResult; {
		case result.Version2 != nil:
			if result.Version2.ErrorMessage != nil {
				out.failure = *result.Version2.ErrorMessage
				break
			}
			out.success = true
			for _, effect := range result.Version2.Effects {
				if parsed, ok := writtenValue(effect.Kind, "Write", "CLValue"); ok {
					out.writes = append(out.writes, parsed)
				}
			}
		case result.Version1 != nil:
			out.success, out.failure, out.writes = deployWrites(result.Version1)
		default:
			out.failure = "missing execution result"
		}
		return out, nil
	}

	if _, ok := envelope["ApiVersion"]; ok {
		return &nodeEvent{kind: eventAPIVersion}, nil
	}
	return &nodeEvent{kind: eventIgnored}, nil
}

func deployWrites(result *deployExecution) (success bool, failure string, writes []json.RawMessage) {
	if result.Success == nil {
		failure = "missing execution result"
		if result.Failure != nil {
			failure = result.Failure.ErrorMessage
		}
		return false, failure, nil
	}
	for _, t := range result.Success.Effect.Transforms {
		if parsed, ok := writtenValue(t.Transform, "WriteCLValue"); ok {
			writes = append(writes, parsed)
		}
	}
	return true, "", writes
}

// writtenValue follows path through nested single-key objects and returns
// the parsed CLValue at the end. Unit transforms such as "Identity" are plain
// strings and never match.
func writtenValue(raw json.RawMessage, path ...string) (json.RawMessage, bool) {
	for _, key := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, false
		}
		next, ok := obj[key]
		if !ok {
			return nil, false
		}
		raw = next
	}
	var v clValue
	if err := json.Unmarshal(raw, &v); err != nil || len(v.Parsed) == 0 || string(v.Parsed) == "null" {
		return nil, false
	}
	return v.Parsed, true
}

// bridgeEventSpec maps an event_type written by the bridge contracts to the
// message kind and the asset it moves by default.
type bridgeEventSpec struct {
	kind  message.Kind
	asset string
}

var bridgeEvents = map[string]bridgeEventSpec{
	"CSPR_LOCKED_FOR_TARGET": {kind: message.KindLock, asset: "CSPR"},
	"CEETH_BURNED":           {kind: message.KindBurn, asset: "ETH"},
	"CEETH_MINTED":           {kind: message.KindMint, asset: "ETH"},
}

// bridgeEvent is a bridge contract event found in a CLValue write.
type bridgeEvent struct {
	name      string
	kind      message.Kind
	sender    string
	recipient string
	asset     string
	amount    string
	raw       json.RawMessage
}

// parseBridgeEvent inspects a parsed CLValue. The value is either a JSON
// object or a CLValue map rendered as a list of key/value pairs. ok is false
// when the value is not a bridge event; err is set for a bridge event with
// unusable fields.
func parseBridgeEvent(parsed json.RawMessage) (*bridgeEvent, bool, error) {
	fields, ok := parsedFields(parsed)
	if !ok {
		return nil, false, nil
	}

	name, _ := fields["event_type"].(string)
	if name == "" {
		name, _ = fields["name"].(string)
	}
	spec, ok := bridgeEvents[name]
	if !ok {
		return nil, false, nil
	}

	ev := &bridgeEvent{
		name:      name,
		kind:      spec.kind,
		sender:    stringField(fields, "sender"),
		recipient: stringField(fields, "recipient"),
		asset:     stringField(fields, "asset"),
		amount:    stringField(fields, "amount"),
		raw:       parsed,
	}
	if ev.asset == "" {
		ev.asset = spec.asset
	}
	if ev.recipient == "" {
		return nil, true, fmt.Errorf("%s event has no recipient", name)
	}
	if amt, ok := new(big.Int).SetString(ev.amount, 10); !ok || amt.Sign() < 0 {
		return nil, true, fmt.Errorf("%s event has invalid amount %q", name, ev.amount)
	}
	return ev, true, nil
}

func parsedFields(parsed json.RawMessage) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(parsed))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}

	switch t := v.(type) {
	case map[string]any:
		return t, true
	case []any:
		fields := map[string]any{}
		for _, item := range t {
			pair, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			key, ok := pair["key"].(string)
			if !ok {
				return nil, false
			}
			fields[key] = pair["value"]
		}
		return fields, true
	}
	return nil, false
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
