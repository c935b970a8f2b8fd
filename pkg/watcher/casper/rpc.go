package casper

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ybbus/jsonrpc"
)

// NodeRPC is the JSON-RPC surface the watcher uses to learn block heights.
type NodeRPC interface {
	// LatestHeight returns the height of the node's highest block.
	LatestHeight(ctx context.Context) (uint64, error)
	// BlockHeight returns the height of the block with the given hash.
	BlockHeight(ctx context.Context, blockHash string) (uint64, error)
}

type getBlockResult struct {
	Block              *blockJSON `json:"block"`
	BlockWithSignature *struct {
		Block *versionedBlock `json:"block"`
	} `json:"block_with_signatures"`
}

type blockJSON struct {
	Header blockHeader `json:"header"`
}

func (r *getBlockResult) height() (uint64, bool) {
	if r.Block != nil {
		return r.Block.Header.Height, true
	}
	if r.BlockWithSignature != nil {
		return r.BlockWithSignature.Block.height()
	}
	return 0, false
}

type nodeRPC struct {
	client jsonrpc.RPCClient
}

// NewNodeRPC creates a client for the node JSON-RPC endpoint.
func NewNodeRPC(endpoint string, timeout time.Duration) NodeRPC {
	return &nodeRPC{
		client: jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{
			HTTPClient: &http.Client{Timeout: timeout},
		}),
	}
}

func (n *nodeRPC) LatestHeight(ctx context.Context) (uint64, error) {
	return n.getBlock(ctx)
}

func (n *nodeRPC) BlockHeight(ctx context.Context, blockHash string) (uint64, error) {
	return n.getBlock(ctx, map[string]any{
		"block_identifier": map[string]string{"Hash": blockHash},
	})
}

// getBlock calls chain_get_block. The client has no context support, so the
// call runs aside and is abandoned when ctx ends; the HTTP client timeout
// bounds it.
func (n *nodeRPC) getBlock(ctx context.Context, params ...any) (uint64, error) {
	type reply struct {
		height uint64
		err    error
	}
	done := make(chan reply, 1)

	go func() {
		var result getBlockResult
		if err := n.client.CallFor(&result, "chain_get_block", params...); err != nil {
			done <- reply{err: fmt.Errorf("chain_get_block failed: %w", err)}
			return
		}
		height, ok := result.height()
		if !ok {
			done <- reply{err: fmt.Errorf("chain_get_block returned no block")}
			return
		}
		done <- reply{height: height}
	}()

	select {
	case r := <-done:
		return r.height, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
