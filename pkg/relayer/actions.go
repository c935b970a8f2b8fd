package relayer

import (
	"fmt"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/executor"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/message"
)

type route struct {
	direction message.Direction
	kind      message.Kind
}

type destination struct {
	chain  message.Chain
	action executor.ActionKind
}

// routes maps a message to the destination action that completes it. A lock
// is answered by a mint of the wrapped asset, a burn by a release of the
// original asset, and a mint by finalizing the transfer on the chain it
// started from.
var routes = map[route]destination{
	{message.DirectionEthToCspr, message.KindLock}: {message.ChainCasper, executor.ActionMint},
	{message.DirectionEthToCspr, message.KindBurn}: {message.ChainCasper, executor.ActionRelease},
	{message.DirectionEthToCspr, message.KindMint}: {message.ChainEthereum, executor.ActionFinalize},
	{message.DirectionCsprToEth, message.KindLock}: {message.ChainEthereum, executor.ActionMint},
	{message.DirectionCsprToEth, message.KindBurn}: {message.ChainEthereum, executor.ActionRelease},
	{message.DirectionCsprToEth, message.KindMint}: {message.ChainCasper, executor.ActionFinalize},
}

// ResolveAction returns the destination action for msg. The amount is left in
// source units; callers normalize it for the target chain.
func ResolveAction(msg *message.BridgeMessage) (*executor.Action, error) {
	if want := message.DirectionFor(msg.SrcChain, msg.Kind); msg.Direction != want {
		return nil, fmt.Errorf("message %s: %s observed on %s must travel %s, not %s",
			msg.ID, msg.Kind, msg.SrcChain, want, msg.Direction)
	}

	dst, ok := routes[route{msg.Direction, msg.Kind}]
	if !ok {
		return nil, fmt.Errorf("message %s: no action for %s %s", msg.ID, msg.Direction, msg.Kind)
	}

	return &executor.Action{
		TargetChain:   dst.chain,
		TargetChainID: msg.DstChainID,
		Kind:          dst.action,
		Direction:     msg.Direction,
		Recipient:     msg.Recipient,
		Asset:         msg.Asset,
		Amount:        msg.Amount,
		SourceRef:     msg.ID,
	}, nil
}
