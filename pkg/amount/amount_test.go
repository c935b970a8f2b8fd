package amount

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
)

func TestPolicy_Normalize(t *testing.T) {
	p := NewPolicy(
		map[string]int{"ETH": 18, "CSPR": 18},
		map[string]int{"eth": 9, "cspr": 9},
	)

	tests := []struct {
		name    string
		amount  string
		asset   string
		from    message.Chain
		to      message.Chain
		want    string
		wantErr error
	}{
		{"scale down exact", "1500000000000000000", "ETH", message.ChainEthereum, message.ChainCasper, "1500000000", nil},
		{"scale up", "2500000000", "CSPR", message.ChainCasper, message.ChainEthereum, "2500000000000000000", nil},
		{"zero", "0", "ETH", message.ChainEthereum, message.ChainCasper, "0", nil},
		{"lossy", "1000000001", "ETH", message.ChainEthereum, message.ChainCasper, "", ErrLossyConversion},
		{"unknown asset", "1", "USDC", message.ChainEthereum, message.ChainCasper, "", ErrUnknownAsset},
		{"negative", "-5", "ETH", message.ChainEthereum, message.ChainCasper, "", ErrInvalidAmount},
		{"fractional", "1.5", "ETH", message.ChainEthereum, message.ChainCasper, "", ErrInvalidAmount},
		{"garbage", "12abc", "ETH", message.ChainEthereum, message.ChainCasper, "", ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Normalize(tt.amount, tt.asset, tt.from, tt.to)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicy_SameDecimalsIsIdentity(t *testing.T) {
	p := NewPolicy(map[string]int{"ETH": 18}, map[string]int{"ETH": 18})

	huge := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	got, err := p.Normalize(huge, "eth", message.ChainEthereum, message.ChainCasper)
	require.NoError(t, err)
	assert.Equal(t, huge, got)
}
