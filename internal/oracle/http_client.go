package oracle

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/oxen-io/storagesvc/internal/swarm"
	"github.com/oxen-io/storagesvc/internal/transport"
)

// HTTPClient talks to the blockchain daemon's JSON-RPC endpoint over
// HTTP, the network substrate every other peer in this overlay already
// exercises (net/http, matching internal/httpapi and internal/pprofutil
// rather than pulling in a ZMQ binding the pack carries no Go driver
// for).
type HTTPClient struct {
	Addr       string
	HTTPClient *http.Client

	mu       sync.Mutex
	lastSnap swarm.Snapshot
	lastVer  uint64
	haveSnap bool
}

func NewHTTPClient(addr string) *HTTPClient {
	return &HTTPClient{
		Addr:       addr,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: "0", Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Addr, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle: %s returned %d: %s", method, resp.StatusCode, raw)
	}
	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return fmt.Errorf("oracle: decode %s response: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("oracle: %s: %s", method, rr.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rr.Result, out)
}

type serviceNodeEntry struct {
	Pubkey    string `json:"service_node_pubkey"`
	PublicIP  string `json:"public_ip"`
	StoragePort int  `json:"storage_lmq_port"`
	SwarmID   uint64 `json:"swarm_id"`
}

type getServiceNodesResult struct {
	Version      uint64             `json:"block_hash_height"`
	ServiceNodes []serviceNodeEntry `json:"service_node_states"`
}

// Snapshot polls get_service_nodes and translates it into a swarm
// membership snapshot. On a transient failure it returns the
// last-known-good snapshot rather than erroring, matching the
// staleness-tolerant contract oracle.Client documents.
func (c *HTTPClient) Snapshot(ctx context.Context) (swarm.Snapshot, uint64, error) {
	var result getServiceNodesResult
	err := c.call(ctx, "get_service_nodes", map[string]any{"fields": map[string]bool{
		"service_node_pubkey": true,
		"public_ip":           true,
		"storage_lmq_port":    true,
		"swarm_id":            true,
	}}, &result)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.haveSnap {
			return c.lastSnap, c.lastVer, nil
		}
		return swarm.Snapshot{}, 0, err
	}

	peers := make([]swarm.Peer, 0, len(result.ServiceNodes))
	for _, sn := range result.ServiceNodes {
		pub, decErr := hex.DecodeString(sn.Pubkey)
		if decErr != nil || len(pub) == 0 {
			continue
		}
		peers = append(peers, swarm.Peer{
			NodeID: transport.NodeID(ed25519.PublicKey(pub)),
			Pubkey: pub,
			Addr:   fmt.Sprintf("%s:%d", sn.PublicIP, sn.StoragePort),
			Swarm:  swarm.ID(sn.SwarmID),
		})
	}
	snap := swarm.Snapshot{Peers: peers}
	c.lastSnap, c.lastVer, c.haveSnap = snap, result.Version, true
	return snap, result.Version, nil
}

// Request proxies an arbitrary oxend RPC call on behalf of a client
// (the oxend_request endpoint).
func (c *HTTPClient) Request(ctx context.Context, method string, params []byte) ([]byte, error) {
	var parsedParams any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &parsedParams); err != nil {
			return nil, fmt.Errorf("oracle: malformed params: %w", err)
		}
	}
	var raw json.RawMessage
	if err := c.call(ctx, method, parsedParams, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
