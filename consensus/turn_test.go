package consensus

import (
	"sync"
	"testing"
	"time"

	"github.com/tolelom/potchat/archive"
	"github.com/tolelom/potchat/core"
	"github.com/tolelom/potchat/crypto"
	"github.com/tolelom/potchat/events"
	"github.com/tolelom/potchat/internal/testutil"
)

// fakeTransport delivers broadcasts directly to every registered
// TurnManager in-process, including the sender itself (self-delivery),
// mirroring the loopback guarantee the real transport provides.
type fakeTransport struct {
	mu      sync.Mutex
	targets []*TurnManager
}

func (f *fakeTransport) join(tm *TurnManager) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, tm)
}

func (f *fakeTransport) BroadcastMessage(msg *core.Message) {
	f.mu.Lock()
	targets := append([]*TurnManager(nil), f.targets...)
	f.mu.Unlock()
	for _, tm := range targets {
		tm.OnMessageReceived(msg)
	}
}

func (f *fakeTransport) BroadcastBlock(block *core.Block) {
	f.mu.Lock()
	targets := append([]*TurnManager(nil), f.targets...)
	f.mu.Unlock()
	for _, tm := range targets {
		tm.OnBlockReceived(block)
	}
}

const (
	testTurnDurationMs       = 60
	testTransitionDurationMs = 20
)

func newTestCluster(t *testing.T, nodeIDs []string) ([]*TurnManager, *fakeTransport) {
	t.Helper()
	peerPublicKeys := make(map[string]crypto.PublicKey, len(nodeIDs))
	privKeys := make(map[string]crypto.PrivateKey, len(nodeIDs))
	for _, id := range nodeIDs {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		privKeys[id] = priv
		peerPublicKeys[id] = pub
	}

	transport := &fakeTransport{}
	cfg := Config{
		TurnDurationMs:       testTurnDurationMs,
		TransitionDurationMs: testTransitionDurationMs,
		MessageRetentionMs:   10_000,
		CleanupIntervalMs:    5_000,
	}

	var managers []*TurnManager
	for _, id := range nodeIDs {
		tm := New(id, nodeIDs, peerPublicKeys, privKeys[id], cfg,
			core.NewBlockchain(), core.NewMessagePool(), transport, events.NewEmitter())
		transport.join(tm)
		managers = append(managers, tm)
	}
	return managers, transport
}

func runAll(managers []*TurnManager) func() {
	for _, tm := range managers {
		go tm.Run()
	}
	return func() {
		for _, tm := range managers {
			tm.Stop()
		}
	}
}

func TestTurnManagerStartsInWaitingUnlessLeader(t *testing.T) {
	managers, _ := newTestCluster(t, []string{"a", "b", "c"})
	stop := runAll(managers)
	defer stop()

	time.Sleep(10 * time.Millisecond)

	leaderState := managers[0].GetState()
	if leaderState.Phase != PhaseLeading {
		t.Errorf("leader_index 0 node should start leading, got %s", leaderState.Phase)
	}
	for _, tm := range managers[1:] {
		s := tm.GetState()
		if s.Phase != PhaseWaiting {
			t.Errorf("non-leader node %s should start waiting, got %s", s.NodeID, s.Phase)
		}
	}
}

func TestSendMessageGetsCommitted(t *testing.T) {
	managers, _ := newTestCluster(t, []string{"a", "b"})
	stop := runAll(managers)
	defer stop()

	if _, err := managers[0].SendMessage("hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	deadline := time.Now().Add(time.Duration(testTurnDurationMs+testTransitionDurationMs) * 3 * time.Millisecond)
	for time.Now().Before(deadline) {
		if managers[0].GetBlockchain().Length() > 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if managers[0].GetBlockchain().Length() <= 1 {
		t.Fatal("message should have been committed into a block when the leader's turn ended")
	}
}

func TestLeaderRotates(t *testing.T) {
	managers, _ := newTestCluster(t, []string{"a", "b", "c"})
	stop := runAll(managers)
	defer stop()

	deadline := time.Now().Add(time.Duration(testTurnDurationMs+testTransitionDurationMs) * 3 * time.Millisecond)
	for time.Now().Before(deadline) {
		if managers[1].GetState().Phase == PhaseLeading {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("leadership should have rotated to the second peer by now")
}

// TestLostMessageRecoveryHealsMissedPublish: the leader whose turn it is
// never drains the pool (simulating a crash or a dropped broadcast), and
// the next leader's recovery scan must commit the message itself via a
// single lost_message_recovery block.
func TestLostMessageRecoveryHealsMissedPublish(t *testing.T) {
	managers, _ := newTestCluster(t, []string{"a", "b"})

	// Leader "a" never runs its event loop, so publishPendingMessages
	// never fires for the message "b" is about to send. "b" runs
	// normally and, on entering its own turn, performs the recovery scan.
	go managers[1].Run()
	defer managers[1].Stop()

	// Land the message well inside the recovery window, not at its very
	// edge, so timer jitter can't push window_start past seen_at.
	time.Sleep(time.Duration(testTurnDurationMs/3) * time.Millisecond)

	msg := core.NewMessage("hello from bob", "b", mustKeyFor(t, managers, "b"))
	managers[0].OnMessageReceived(msg) // "a" observes it but will never drain its pool
	managers[1].OnMessageReceived(msg) // "b" observes it too, via the messages topic

	deadline := time.Now().Add(time.Duration(testTurnDurationMs+testTransitionDurationMs) * 6 * time.Millisecond)
	for time.Now().Before(deadline) {
		if managers[1].GetState().Phase == PhaseLeading {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if managers[1].GetState().Phase != PhaseLeading {
		t.Fatal("leadership should have rotated to b by now")
	}

	var recovered *core.Block
	deadline = time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		for _, b := range managers[1].GetBlockchain().Chronological() {
			if b.BlockType == core.BlockLostMessageRecovery {
				recovered = b
			}
		}
		if recovered != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if recovered == nil {
		t.Fatal("b's recovery scan should have produced a lost_message_recovery block")
	}
	if recovered.AuthorID != "b" {
		t.Errorf("recovery block author: got %s want b", recovered.AuthorID)
	}
	if len(recovered.Data.Recovery.RecoveredMessages) != 1 || recovered.Data.Recovery.RecoveredMessages[0].MessageID != msg.MessageID {
		t.Errorf("recovery block should carry bob's message, got %+v", recovered.Data.Recovery)
	}
	if !managers[1].pool.Has(msg.MessageID) {
		t.Fatal("message should still be present in the pool")
	}
}

// mustKeyFor returns the private key newTestCluster generated for nodeID,
// so a test can author a message the cluster's verification will accept.
func mustKeyFor(t *testing.T, managers []*TurnManager, nodeID string) crypto.PrivateKey {
	t.Helper()
	for _, tm := range managers {
		if tm.nodeID == nodeID {
			return tm.privKey
		}
	}
	t.Fatalf("no manager for node %s", nodeID)
	return nil
}

// TestBlockedArchiveWriteDoesNotStallTurnManager: a
// permanently blocked archive storage write must never prevent
// TurnManager from appending a block or advancing phase, because
// Archive's event handler only enqueues and a dedicated goroutine does
// the actual (here: stuck) write.
func TestBlockedArchiveWriteDoesNotStallTurnManager(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	peerPublicKeys := map[string]crypto.PublicKey{"a": pub}

	ft := &fakeTransport{}
	cfg := Config{
		TurnDurationMs:       testTurnDurationMs,
		TransitionDurationMs: testTransitionDurationMs,
		MessageRetentionMs:   10_000,
		CleanupIntervalMs:    5_000,
	}
	emitter := events.NewEmitter()
	blockingDB := testutil.NewBlockingDB(testutil.NewMemDB())
	arc := archive.New(blockingDB, emitter) // every Set() blocks until Release is called

	tm := New("a", []string{"a"}, peerPublicKeys, priv, cfg,
		core.NewBlockchain(), core.NewMessagePool(), ft, emitter)
	ft.join(tm)
	go tm.Run()
	defer tm.Stop()

	if _, err := tm.SendMessage("hello"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Duration(testTurnDurationMs+testTransitionDurationMs) * 5 * time.Millisecond)
	for time.Now().Before(deadline) {
		if tm.GetBlockchain().Length() > 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if tm.GetBlockchain().Length() <= 1 {
		t.Fatal("message should have been committed even though every archive write is permanently blocked")
	}

	blockingDB.Release()
	arc.Stop()
}

func TestInboundMessageFromUnknownAuthorIsDropped(t *testing.T) {
	managers, _ := newTestCluster(t, []string{"a", "b"})
	stop := runAll(managers)
	defer stop()

	strangerPriv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	msg := core.NewMessage("hi", "stranger", strangerPriv)
	managers[0].OnMessageReceived(msg)

	time.Sleep(10 * time.Millisecond)
	if len(managers[0].GetPendingMessages()) != 0 {
		t.Error("message from an unknown author should never enter the pool")
	}
}

func TestInboundMessageWithForgedSignatureIsDropped(t *testing.T) {
	managers, _ := newTestCluster(t, []string{"a", "b"})
	stop := runAll(managers)
	defer stop()

	// Known author, but signed with a key that is not b's registered key.
	forgerPriv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	msg := core.NewMessage("forged", "b", forgerPriv)
	managers[0].OnMessageReceived(msg)

	time.Sleep(10 * time.Millisecond)
	if managers[0].pool.Has(msg.MessageID) {
		t.Error("message with a forged signature should never enter the pool")
	}
}

// TestCrossAuthorMessageCommittedByLeader: a message authored by a
// non-leading peer is drained by whoever is leading when the turn ends:
// the block's author is the leader, the message's author stays the peer.
func TestCrossAuthorMessageCommittedByLeader(t *testing.T) {
	managers, _ := newTestCluster(t, []string{"a", "b"})
	stop := runAll(managers)
	defer stop()

	if _, err := managers[1].SendMessage("hello from b"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Duration(testTurnDurationMs+testTransitionDurationMs) * 3 * time.Millisecond)
	for time.Now().Before(deadline) {
		if managers[0].GetBlockchain().Length() > 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	var committed *core.Block
	for _, b := range managers[0].GetBlockchain().Chronological() {
		if b.BlockType == core.BlockChatMessage {
			committed = b
		}
	}
	if committed == nil {
		t.Fatal("b's message should have been committed during a's turn")
	}
	if committed.AuthorID != "a" {
		t.Errorf("block author: got %s want a (the leader)", committed.AuthorID)
	}
	if committed.Data.Chat.AuthorID != "b" {
		t.Errorf("message author: got %s want b", committed.Data.Chat.AuthorID)
	}
}
