// Package amount converts base-unit amounts between the decimal bases the two
// chains use for the same asset.
package amount

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
)

var (
	// ErrLossyConversion is returned when scaling down would drop non-zero digits.
	ErrLossyConversion = errors.New("amount cannot be represented in destination units")
	// ErrUnknownAsset is returned when no decimals are configured for an asset.
	ErrUnknownAsset = errors.New("no decimals configured for asset")
	// ErrInvalidAmount is returned for negative, fractional or malformed amounts.
	ErrInvalidAmount = errors.New("invalid base-unit amount")
)

// Policy holds the decimals of every asset on every chain.
type Policy struct {
	decimals map[message.Chain]map[string]int32
}

// NewPolicy builds a policy from per-chain asset decimals. Asset symbols are
// matched case-insensitively.
func NewPolicy(ethereum, casper map[string]int) *Policy {
	p := &Policy{decimals: map[message.Chain]map[string]int32{
		message.ChainEthereum: {},
		message.ChainCasper:   {},
	}}
	for asset, d := range ethereum {
		p.decimals[message.ChainEthereum][strings.ToUpper(asset)] = int32(d)
	}
	for asset, d := range casper {
		p.decimals[message.ChainCasper][strings.ToUpper(asset)] = int32(d)
	}
	return p
}

// Decimals returns the configured decimals of asset on chain.
func (p *Policy) Decimals(chain message.Chain, asset string) (int32, error) {
	d, ok := p.decimals[chain][strings.ToUpper(asset)]
	if !ok {
		return 0, fmt.Errorf("%w: %s on %s", ErrUnknownAsset, asset, chain)
	}
	return d, nil
}

// Normalize rescales a base-unit amount of asset from the source chain's
// decimals to the destination chain's decimals.
func (p *Policy) Normalize(amount, asset string, from, to message.Chain) (string, error) {
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if value.IsNegative() || !value.IsInteger() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	srcDecimals, err := p.Decimals(from, asset)
	if err != nil {
		return "", err
	}
	dstDecimals, err := p.Decimals(to, asset)
	if err != nil {
		return "", err
	}

	scaled := value.Shift(dstDecimals - srcDecimals)
	if !scaled.IsInteger() {
		return "", fmt.Errorf("%w: %s %s from %d to %d decimals", ErrLossyConversion, amount, asset, srcDecimals, dstDecimals)
	}
	return scaled.String(), nil
}
