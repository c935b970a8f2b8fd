package casper

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// firstEventID is the id of the first event a FakeNode streams.
const firstEventID = 101

// FakeNode serves a Casper main event stream and the chain_get_block
// JSON-RPC method from memory.
type FakeNode struct {
	mu        sync.Mutex
	events    []string
	head      uint64
	blocks    map[string]uint64
	startFrom []string
	changed   chan struct{}
	drop      chan struct{}

	Events *httptest.Server
	RPC    *httptest.Server
}

func NewFakeNode(t *testing.T) *FakeNode {
	t.Helper()
	n := &FakeNode{
		blocks:  map[string]uint64{},
		changed: make(chan struct{}),
		drop:    make(chan struct{}),
	}
	n.Events = httptest.NewServer(http.HandlerFunc(n.serveEvents))
	n.RPC = httptest.NewServer(http.HandlerFunc(n.serveRPC))
	t.Cleanup(func() {
		n.DropConnections()
		n.Events.Close()
		n.RPC.Close()
	})
	return n
}

// Append adds events to the stream. Their ids follow on from the previous
// events.
func (n *FakeNode) Append(events ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
	close(n.changed)
	n.changed = make(chan struct{})
}

// SetHead sets the height chain_get_block reports for the latest block.
func (n *FakeNode) SetHead(h uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.head = h
}

// AddBlock makes a block hash resolvable over RPC.
func (n *FakeNode) AddBlock(hash string, height uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocks[hash] = height
}

// DropConnections ends every open stream.
func (n *FakeNode) DropConnections() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.drop)
	n.drop = make(chan struct{})
}

// StartFrom returns the start_from value of every stream request so far.
func (n *FakeNode) StartFrom() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.startFrom...)
}

func (n *FakeNode) serveEvents(w http.ResponseWriter, r *http.Request) {
	startFrom := r.URL.Query().Get("start_from")

	n.mu.Lock()
	n.startFrom = append(n.startFrom, startFrom)
	next := len(n.events)
	if startFrom != "" {
		id, err := strconv.Atoi(startFrom)
		if err != nil {
			n.mu.Unlock()
			http.Error(w, "bad start_from", http.StatusBadRequest)
			return
		}
		next = max(id-firstEventID, 0)
	}
	drop := n.drop
	n.mu.Unlock()

	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "data:{\"ApiVersion\":\"1.5.6\"}\n\n")
	flusher.Flush()

	for {
		n.mu.Lock()
		var batch []string
		if next < len(n.events) {
			batch = append(batch, n.events[next:]...)
		}
		changed := n.changed
		n.mu.Unlock()

		select {
		case <-drop:
			return
		default:
		}

		for _, data := range batch {
			fmt.Fprintf(w, "data:%s\nid:%d\n\n", data, next+firstEventID)
			next++
		}
		flusher.Flush()

		select {
		case <-changed:
		case <-drop:
			return
		case <-r.Context().Done():
			return
		}
	}
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params struct {
		BlockIdentifier *struct {
			Hash string `json:"Hash"`
		} `json:"block_identifier"`
	} `json:"params"`
}

func (n *FakeNode) serveRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	n.mu.Lock()
	height, found := n.head, true
	if req.Params.BlockIdentifier != nil {
		height, found = n.blocks[req.Params.BlockIdentifier.Hash]
	}
	n.mu.Unlock()

	switch {
	case req.Method != "chain_get_block":
		reply["error"] = map[string]any{"code": -32601, "message": "method not found"}
	case !found:
		reply["error"] = map[string]any{"code": -32001, "message": "block not known"}
	default:
		reply["result"] = map[string]any{
			"api_version": "1.5.6",
			"block": map[string]any{
				"hash":   "head",
				"header": map[string]any{"height": height},
			},
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

func blockAdded(hash string, height uint64) string {
	return fmt.Sprintf(`{"BlockAdded":{"block_hash":%q,"block":{"hash":%q,"header":{"height":%d}}}}`,
		hash, hash, height)
}

func blockAddedV2(hash string, height uint64) string {
	return fmt.Sprintf(`{"BlockAdded":{"block_hash":%q,"block":{"Version2":{"hash":%q,"header":{"height":%d}}}}}`,
		hash, hash, height)
}

func deployProcessed(deployHash, blockHash string, values ...string) string {
	transforms := []string{`{"key":"hash-00","transform":"Identity"}`}
	for i, v := range values {
		transforms = append(transforms, fmt.Sprintf(
			`{"key":"dictionary-%02d","transform":{"WriteCLValue":{"cl_type":"Any","bytes":"00","parsed":%s}}}`, i, v))
	}
	return fmt.Sprintf(
		`{"DeployProcessed":{"deploy_hash":%q,"account":"01aa","block_hash":%q,"execution_result":{"Success":{"effect":{"operations":[],"transforms":[%s]},"transfers":[],"cost":"100"}}}}`,
		deployHash, blockHash, strings.Join(transforms, ","))
}

func deployFailed(deployHash, blockHash string, values ...string) string {
	transforms := make([]string, 0, len(values))
	for _, v := range values {
		transforms = append(transforms, fmt.Sprintf(
			`{"key":"dictionary-00","transform":{"WriteCLValue":{"cl_type":"Any","bytes":"00","parsed":%s}}}`, v))
	}
	return fmt.Sprintf(
		`{"DeployProcessed":{"deploy_hash":%q,"block_hash":%q,"execution_result":{"Failure":{"effect":{"transforms":[%s]},"error_message":"User error: 1","cost":"100"}}}}`,
		deployHash, blockHash, strings.Join(transforms, ","))
}

func transactionProcessed(txHash, blockHash string, errMsg *string, values ...string) string {
	effects := make([]string, 0, len(values))
	for i, v := range values {
		effects = append(effects, fmt.Sprintf(
			`{"key":"dictionary-%02d","kind":{"Write":{"CLValue":{"cl_type":"Any","bytes":"00","parsed":%s}}}}`, i, v))
	}
	errJSON := "null"
	if errMsg != nil {
		errJSON = strconv.Quote(*errMsg)
	}
	return fmt.Sprintf(
		`{"TransactionProcessed":{"transaction_hash":{"Version1":%q},"block_hash":%q,"execution_result":{"Version2":{"initiator":{"PublicKey":"01aa"},"error_message":%s,"limit":"100","consumed":"90","cost":"100","effects":[%s]}},"messages":[]}}`,
		txHash, blockHash, errJSON, strings.Join(effects, ","))
}

func lockedValue(recipient, amount string) string {
	return fmt.Sprintf(`{"event_type":"CSPR_LOCKED_FOR_TARGET","sender":"account-hash-aa","recipient":%q,"amount":%q}`,
		recipient, amount)
}

func burnedValue(recipient, amount string) string {
	return fmt.Sprintf(`[{"key":"event_type","value":"CEETH_BURNED"},{"key":"sender","value":"account-hash-bb"},{"key":"recipient","value":%q},{"key":"amount","value":%q}]`,
		recipient, amount)
}

func mintedValue(recipient string, amount uint64) string {
	return fmt.Sprintf(`{"event_type":"CEETH_MINTED","sender":"0xsource","recipient":%q,"amount":%d}`,
		recipient, amount)
}
