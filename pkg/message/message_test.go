package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeID_Deterministic(t *testing.T) {
	first := ComputeID("1", "0xABC", Uint64Ptr(3))
	// a restarted watcher recomputes the id from the same source event
	second := ComputeID("1", "0xabc", Uint64Ptr(3))

	assert.Equal(t, first, second)
	assert.Len(t, first, 66)
	assert.Equal(t, "0x", first[:2])
}

func TestComputeID_DistinguishesInputs(t *testing.T) {
	base := ComputeID("1", "0xabc", Uint64Ptr(0))

	assert.NotEqual(t, base, ComputeID("1", "0xabc", Uint64Ptr(1)))
	assert.NotEqual(t, base, ComputeID("1", "0xabc", nil))
	assert.NotEqual(t, base, ComputeID("5", "0xabc", Uint64Ptr(0)))
	assert.NotEqual(t, base, ComputeID("1", "0xabd", Uint64Ptr(0)))
}

func TestDirectionFor(t *testing.T) {
	tests := []struct {
		chain Chain
		kind  Kind
		want  Direction
	}{
		{ChainEthereum, KindLock, DirectionEthToCspr},
		{ChainEthereum, KindBurn, DirectionEthToCspr},
		{ChainEthereum, KindMint, DirectionCsprToEth},
		{ChainCasper, KindLock, DirectionCsprToEth},
		{ChainCasper, KindBurn, DirectionCsprToEth},
		{ChainCasper, KindMint, DirectionEthToCspr},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DirectionFor(tt.chain, tt.kind), "%s/%s", tt.chain, tt.kind)
	}
}

func TestNewAndValidate(t *testing.T) {
	msg := New(ChainEthereum, KindLock, "1", "casper-test", "0xabc", Uint64Ptr(2))
	msg.Recipient = "account-hash-01"
	msg.Amount = "1000"

	require.NoError(t, msg.Validate())
	assert.Equal(t, DirectionEthToCspr, msg.Direction)
	assert.Equal(t, ComputeID("1", "0xabc", Uint64Ptr(2)), msg.ID)

	tampered := *msg
	tampered.SrcTxHash = "0xdef"
	assert.Error(t, tampered.Validate())

	noAmount := *msg
	noAmount.Amount = ""
	assert.Error(t, noAmount.Validate())

	badKind := *msg
	badKind.Kind = "swap"
	assert.Error(t, badKind.Validate())
}

func TestBridgeMessage_JSONKeepsRawOpaque(t *testing.T) {
	msg := New(ChainCasper, KindBurn, "casper-test", "1", "abc123", nil)
	msg.Recipient = "0x1111111111111111111111111111111111111111"
	msg.Amount = "5"
	msg.Raw = json.RawMessage(`{"anything":[1,2,3]}`)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded BridgeMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.JSONEq(t, string(msg.Raw), string(decoded.Raw))
	assert.Nil(t, decoded.LogIndex)
	assert.Equal(t, msg.ID, decoded.ID)
}
