package tests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/tolelom/potchat/archive"
	"github.com/tolelom/potchat/consensus"
	"github.com/tolelom/potchat/core"
	"github.com/tolelom/potchat/crypto"
	"github.com/tolelom/potchat/events"
	"github.com/tolelom/potchat/internal/testutil"
	"github.com/tolelom/potchat/rpc"
	"github.com/tolelom/potchat/transport"
)

// rpcCall is a helper that sends a JSON-RPC request and decodes the result.
func rpcCall(t *testing.T, url, method string, params any) json.RawMessage {
	t.Helper()
	body := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	}
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("rpc %s: %v", method, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		t.Fatalf("rpc %s decode: %v (raw: %s)", method, err, raw)
	}
	if rpcResp.Error != nil {
		t.Fatalf("rpc %s error: [%d] %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result
}

// waitChainLength waits until the node's chain reaches at least targetLen.
func waitChainLength(t *testing.T, url string, targetLen int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		result := rpcCall(t, url, "getState", map[string]any{})
		var state consensus.State
		json.Unmarshal(result, &state)
		if state.BlockchainLength >= targetLen {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("timed out waiting for blockchain length")
}

type testNode struct {
	nodeID    string
	rpcURL    string
	transport *transport.Node
	tm        *consensus.TurnManager
	rpcServer *rpc.Server
}

// startCluster wires up n real nodes, each with a live TCP transport and
// HTTP RPC server on an ephemeral port, fully peered with one another.
func startCluster(t *testing.T, n int, turnMs, transitionMs int64) ([]*testNode, func()) {
	t.Helper()

	nodeIDs := make([]string, n)
	privKeys := make(map[string]crypto.PrivateKey, n)
	peerPublicKeys := make(map[string]crypto.PublicKey, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("node%d", i)
		nodeIDs[i] = id
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		privKeys[id] = priv
		peerPublicKeys[id] = pub
	}

	cfg := consensus.Config{
		TurnDurationMs:       turnMs,
		TransitionDurationMs: transitionMs,
		MessageRetentionMs:   60_000,
		CleanupIntervalMs:    30_000,
	}

	var nodes []*testNode
	for _, id := range nodeIDs {
		tnode := transport.NewNode(id, "127.0.0.1:0", nil)
		if err := tnode.Start(); err != nil {
			t.Fatal(err)
		}

		emitter := events.NewEmitter()
		arc := archive.New(testutil.NewMemDB(), emitter)
		tm := consensus.New(id, nodeIDs, peerPublicKeys, privKeys[id], cfg,
			core.NewBlockchain(), core.NewMessagePool(), tnode, emitter)
		tnode.OnMessage(tm.OnMessageReceived)
		tnode.OnBlock(tm.OnBlockReceived)

		handler := rpc.NewHandler(tm, arc)
		rpcServer := rpc.NewServer("127.0.0.1:0", handler, "")
		if err := rpcServer.Start(); err != nil {
			t.Fatal(err)
		}

		nodes = append(nodes, &testNode{
			nodeID:    id,
			rpcURL:    fmt.Sprintf("http://%s/", rpcServer.Addr().String()),
			transport: tnode,
			tm:        tm,
			rpcServer: rpcServer,
		})
	}

	// Fully connect the mesh using each node's actual bound address.
	for _, a := range nodes {
		for _, b := range nodes {
			if a == b {
				continue
			}
			if err := a.transport.AddPeer(b.nodeID, b.transport.Addr().String()); err != nil {
				t.Fatalf("peer %s -> %s: %v", a.nodeID, b.nodeID, err)
			}
		}
	}

	for _, tn := range nodes {
		go tn.tm.Run()
	}

	cleanup := func() {
		for _, tn := range nodes {
			tn.tm.Stop()
			tn.rpcServer.Stop()
			tn.transport.Stop()
		}
	}
	return nodes, cleanup
}

func TestClusterCommitsMessage(t *testing.T) {
	nodes, cleanup := startCluster(t, 2, 150, 50)
	defer cleanup()

	rpcCall(t, nodes[0].rpcURL, "sendMessage", map[string]string{"content": "hello cluster"})
	waitChainLength(t, nodes[0].rpcURL, 2)
}

func TestClusterGetState(t *testing.T) {
	nodes, cleanup := startCluster(t, 1, 150, 50)
	defer cleanup()

	result := rpcCall(t, nodes[0].rpcURL, "getState", map[string]any{})
	var state consensus.State
	if err := json.Unmarshal(result, &state); err != nil {
		t.Fatal(err)
	}
	if state.NodeID != "node0" {
		t.Errorf("node_id: got %s want node0", state.NodeID)
	}
}
