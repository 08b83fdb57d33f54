// Package consensus implements Proof-of-Turn: a deterministic round-robin
// state machine in which exactly one peer at a time (the leader) is
// authorized to drain the message pool into signed blocks. Leaders rotate
// on a fixed timer; each incoming leader first heals the log with any
// message the previous leader failed to commit.
package consensus

import (
	"log"
	"sync"
	"time"

	"github.com/tolelom/potchat/core"
	"github.com/tolelom/potchat/crypto"
	"github.com/tolelom/potchat/events"
)

// Phase is one of the three states a node's turn-rotation loop can be in.
type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseLeading    Phase = "leading"
	PhaseTransition Phase = "transition"
)

// Transport is the narrow broadcast interface TurnManager depends on. A
// concrete implementation lives in package transport; tests may supply an
// in-process fake that calls peer TurnManagers directly.
type Transport interface {
	BroadcastMessage(msg *core.Message)
	BroadcastBlock(block *core.Block)
}

// Config holds the authoritative timing constants. All nodes in one
// deployment must agree on these values; there is no exchange of them at
// runtime.
type Config struct {
	TurnDurationMs       int64
	TransitionDurationMs int64
	MessageRetentionMs   int64
	CleanupIntervalMs    int64
}

// State is the snapshot returned by TurnManager.GetState.
type State struct {
	NodeID           string `json:"node_id"`
	Phase            Phase  `json:"phase"`
	CurrentLeader    string `json:"current_leader"`
	BlockchainLength int    `json:"blockchain_length"`
	PendingMessages  int    `json:"pending_messages"`
}

type eventKind int

const (
	evInboundMessage eventKind = iota
	evInboundBlock
	evTurnTimeout
	evTransitionTimeout
	evCleanup
)

// mailEvent is the single event-sum type posted into a node's serialized
// mailbox. Timer callbacks post events rather than mutating state
// directly, so every state transition happens on the one loop goroutine.
type mailEvent struct {
	kind       eventKind
	message    *core.Message
	block      *core.Block
	generation uint64 // timeout events are ignored unless they match the current generation
}

const mailboxCapacity = 1024

// TurnManager is the per-node turn-rotation state machine: it owns the
// local Blockchain and MessagePool and is the only goroutine that ever
// mutates leader_index, phase or turn_start_time.
type TurnManager struct {
	nodeID         string
	peers          []string
	peerPublicKeys map[string]crypto.PublicKey
	privKey        crypto.PrivateKey
	pubKey         crypto.PublicKey

	cfg Config

	chain     *core.Blockchain
	pool      *core.MessagePool
	transport Transport
	emitter   *events.Emitter

	mailbox chan mailEvent
	done    chan struct{}
	wg      sync.WaitGroup

	stateMu       sync.RWMutex // guards the four fields below; written only by Run's goroutine
	leaderIndex   int
	phase         Phase
	turnStartTime int64
	generation    uint64
}

// New creates a TurnManager for nodeID. peers must be identical (same
// order) on every honest node; peerPublicKeys must contain an entry for
// every peer, including nodeID itself.
func New(
	nodeID string,
	peers []string,
	peerPublicKeys map[string]crypto.PublicKey,
	privKey crypto.PrivateKey,
	cfg Config,
	chain *core.Blockchain,
	pool *core.MessagePool,
	transport Transport,
	emitter *events.Emitter,
) *TurnManager {
	return &TurnManager{
		nodeID:         nodeID,
		peers:          peers,
		peerPublicKeys: peerPublicKeys,
		privKey:        privKey,
		pubKey:         privKey.Public(),
		cfg:            cfg,
		chain:          chain,
		pool:           pool,
		transport:      transport,
		emitter:        emitter,
		mailbox:        make(chan mailEvent, mailboxCapacity),
		done:           make(chan struct{}),
		phase:          PhaseWaiting,
	}
}

// Run starts the node's event loop. It blocks until Stop is called; start
// it in its own goroutine.
func (tm *TurnManager) Run() {
	tm.wg.Add(1)
	defer tm.wg.Done()

	if tm.isLeader(tm.leaderIndex) {
		tm.startTurn()
	} else {
		tm.armWaitingTimer()
	}

	cleanupTicker := time.NewTicker(time.Duration(tm.cfg.CleanupIntervalMs) * time.Millisecond)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-tm.done:
			return
		case ev := <-tm.mailbox:
			tm.handle(ev)
		case <-cleanupTicker.C:
			tm.handle(mailEvent{kind: evCleanup})
		}
	}
}

// Stop shuts down the event loop. In-flight handling runs to completion;
// there is no cooperative cancellation mid-handler.
func (tm *TurnManager) Stop() {
	close(tm.done)
	tm.wg.Wait()
}

// SendMessage authors, signs and broadcasts content. It returns as soon as
// the local broadcast submission succeeds; it does not wait for
// inclusion in a block. Safe to call concurrently from any goroutine; it
// does not touch TurnManager's own mutable state (self-delivery through
// the transport is what gets the message into this node's own pool).
func (tm *TurnManager) SendMessage(content string) (string, error) {
	msg := core.NewMessage(content, tm.nodeID, tm.privKey)
	tm.transport.BroadcastMessage(msg)
	return msg.MessageID, nil
}

// OnMessageReceived is the inbound handler for the messages topic. Safe to
// call from any goroutine (e.g. the transport's read loop); it posts into
// the mailbox rather than touching state directly.
func (tm *TurnManager) OnMessageReceived(msg *core.Message) {
	tm.post(mailEvent{kind: evInboundMessage, message: msg})
}

// OnBlockReceived is the inbound handler for the blocks topic.
func (tm *TurnManager) OnBlockReceived(block *core.Block) {
	tm.post(mailEvent{kind: evInboundBlock, block: block})
}

// GetBlockchain returns the node's local chain. Blockchain is itself
// internally synchronized, so this is safe to call from any goroutine,
// including the RPC server's handler goroutines.
func (tm *TurnManager) GetBlockchain() *core.Blockchain {
	return tm.chain
}

// GetPendingMessages returns the messages currently in the local pool
// that have not yet been committed to a block. MessagePool is itself
// internally synchronized, so this is safe to call concurrently with Run.
func (tm *TurnManager) GetPendingMessages() []*core.Message {
	return tm.pool.Pending()
}

// GetState returns a point-in-time snapshot of the node's turn-rotation
// state. Safe to call concurrently with Run.
func (tm *TurnManager) GetState() State {
	tm.stateMu.RLock()
	leaderIdx, phase := tm.leaderIndex, tm.phase
	tm.stateMu.RUnlock()
	return State{
		NodeID:           tm.nodeID,
		Phase:            phase,
		CurrentLeader:    tm.peers[leaderIdx],
		BlockchainLength: tm.chain.Length(),
		PendingMessages:  tm.pool.PendingCount(),
	}
}

func (tm *TurnManager) post(ev mailEvent) {
	select {
	case tm.mailbox <- ev:
	case <-tm.done:
	default:
		log.Printf("[turn] mailbox full, dropping event kind=%d", ev.kind)
	}
}

func (tm *TurnManager) handle(ev mailEvent) {
	switch ev.kind {
	case evInboundMessage:
		tm.handleInboundMessage(ev.message)
	case evInboundBlock:
		tm.handleInboundBlock(ev.block)
	case evTurnTimeout:
		tm.handleTurnTimeout(ev.generation)
	case evTransitionTimeout:
		tm.handleTransitionTimeout(ev.generation)
	case evCleanup:
		tm.pool.Cleanup(tm.cfg.MessageRetentionMs)
	}
}

func (tm *TurnManager) isLeader(leaderIndex int) bool {
	return len(tm.peers) > 0 && tm.peers[leaderIndex] == tm.nodeID
}

// startTurn runs the recovery scan, then enters the leading phase and arms
// the one-shot turn timer.
func (tm *TurnManager) startTurn() {
	tm.runRecoveryScan()

	tm.stateMu.Lock()
	tm.generation++
	gen := tm.generation
	tm.turnStartTime = nowMs()
	tm.phase = PhaseLeading
	tm.stateMu.Unlock()

	tm.emit(events.EventTurnStarted, map[string]any{"node_id": tm.nodeID})

	time.AfterFunc(time.Duration(tm.cfg.TurnDurationMs)*time.Millisecond, func() {
		tm.post(mailEvent{kind: evTurnTimeout, generation: gen})
	})
}

// handleTurnTimeout drains pending messages into blocks, then enters the
// transition phase. Stale fires (from a timer whose turn already ended)
// are ignored via the generation guard.
func (tm *TurnManager) handleTurnTimeout(generation uint64) {
	tm.stateMu.RLock()
	current := tm.generation
	tm.stateMu.RUnlock()
	if generation != current {
		return
	}
	tm.publishPendingMessages()
	tm.enterTransition()
}

func (tm *TurnManager) enterTransition() {
	tm.stateMu.Lock()
	tm.generation++
	gen := tm.generation
	tm.phase = PhaseTransition
	tm.stateMu.Unlock()

	time.AfterFunc(time.Duration(tm.cfg.TransitionDurationMs)*time.Millisecond, func() {
		tm.post(mailEvent{kind: evTransitionTimeout, generation: gen})
	})
}

func (tm *TurnManager) handleTransitionTimeout(generation uint64) {
	tm.stateMu.RLock()
	current := tm.generation
	tm.stateMu.RUnlock()
	if generation != current {
		return
	}

	tm.stateMu.Lock()
	tm.leaderIndex = (tm.leaderIndex + 1) % len(tm.peers)
	newLeader := tm.peers[tm.leaderIndex]
	tm.stateMu.Unlock()

	tm.emit(events.EventLeaderChanged, map[string]any{"leader": newLeader})

	if newLeader == tm.nodeID {
		tm.startTurn()
		return
	}
	tm.stateMu.Lock()
	tm.phase = PhaseWaiting
	tm.stateMu.Unlock()
	tm.armWaitingTimer()
}

// armWaitingTimer schedules a leadership recheck one full turn+transition
// cycle from now. A node that is not currently leading has no other timer
// driving its local leader_index forward: it relies entirely on the
// shared wall-clock assumption to stay in sync with whichever peer
// actually is leading. Reuses the transition-timeout
// event/handler since the effect (advance leader_index, recheck self,
// re-arm if still not leader) is identical.
func (tm *TurnManager) armWaitingTimer() {
	tm.stateMu.Lock()
	tm.generation++
	gen := tm.generation
	tm.stateMu.Unlock()

	cycle := time.Duration(tm.cfg.TurnDurationMs+tm.cfg.TransitionDurationMs) * time.Millisecond
	time.AfterFunc(cycle, func() {
		tm.post(mailEvent{kind: evTransitionTimeout, generation: gen})
	})
}

// publishPendingMessages drains every currently-pending message (not
// just those seen during this turn) into individual chat_message
// blocks. This mirrors the source protocol's behavior exactly: a node
// that served two non-consecutive turns can publish messages deferred
// from the earlier one. Treated as intended, not a bug (see open question
// 2 in SPEC_FULL.md §9).
func (tm *TurnManager) publishPendingMessages() {
	snapshot := tm.pool.Pending()
	for _, msg := range snapshot {
		prev := tm.chain.Latest()
		block := core.NewMessageBlock(prev, msg, tm.nodeID, tm.privKey)
		if err := tm.chain.AddBlock(block); err != nil {
			log.Printf("[turn] publish pending message %s: %v", msg.MessageID, err)
			continue
		}
		tm.transport.BroadcastBlock(block)
		tm.pool.MarkIncluded(msg.MessageID)
		tm.emit(events.EventBlockAppended, map[string]any{"block": block})
	}
}

// runRecoveryScan heals the log on entering a turn: any message this node
// witnessed during the prior turn+transition window but that never made
// it into a committed block is bundled into one recovery block. The
// committed set only consults blocks from the previous turn window, not
// the entire chain; see open question 6 in SPEC_FULL.md §9 on the weaker,
// per-turn-window dedup the source protocol uses.
func (tm *TurnManager) runRecoveryScan() {
	prevBlocks := tm.chain.BlocksFromPreviousTurn(tm.cfg.TurnDurationMs)
	committed := core.ExtractMessageIDs(prevBlocks)

	windowEnd := nowMs()
	windowStart := windowEnd - tm.cfg.TurnDurationMs - tm.cfg.TransitionDurationMs
	observed := tm.pool.MessagesInTimeRange(windowStart, windowEnd)

	var missing []*core.Message
	for _, m := range observed {
		if _, ok := committed[m.MessageID]; !ok {
			missing = append(missing, m)
		}
	}
	if len(missing) == 0 {
		return
	}

	prev := tm.chain.Latest()
	block := core.NewRecoveryBlock(prev, missing, tm.nodeID, tm.privKey)
	if err := tm.chain.AddBlock(block); err != nil {
		log.Printf("[turn] recovery block: %v", err)
		return
	}
	tm.transport.BroadcastBlock(block)
	for _, m := range missing {
		tm.pool.MarkIncluded(m.MessageID)
	}
	tm.emit(events.EventBlockAppended, map[string]any{"block": block})
}

func (tm *TurnManager) handleInboundMessage(msg *core.Message) {
	pub, ok := tm.peerPublicKeys[msg.AuthorID]
	if !ok {
		log.Printf("[turn] message from unknown author %s dropped", msg.AuthorID)
		return
	}
	if err := msg.Verify(pub); err != nil {
		log.Printf("[turn] message %s failed verification: %v", msg.MessageID, err)
		return
	}
	tm.pool.Add(msg)
	tm.emit(events.EventMessageObserved, map[string]any{"message_id": msg.MessageID})
}

func (tm *TurnManager) handleInboundBlock(block *core.Block) {
	if block.BlockType != core.BlockGenesis {
		pub, ok := tm.peerPublicKeys[block.AuthorID]
		if !ok {
			log.Printf("[turn] block %d from unknown author %s dropped", block.Index, block.AuthorID)
			return
		}
		if err := block.VerifySignature(pub); err != nil {
			log.Printf("[turn] block %d failed signature verification: %v", block.Index, err)
			return
		}
	}
	if err := tm.chain.AddBlock(block); err != nil {
		log.Printf("[turn] block %d rejected: %v", block.Index, err)
		return
	}
	switch block.BlockType {
	case core.BlockChatMessage:
		if block.Data.Chat != nil {
			tm.pool.MarkIncluded(block.Data.Chat.MessageID)
		}
	case core.BlockLostMessageRecovery:
		if block.Data.Recovery != nil {
			for _, m := range block.Data.Recovery.RecoveredMessages {
				tm.pool.MarkIncluded(m.MessageID)
			}
		}
	}
	tm.emit(events.EventBlockAppended, map[string]any{"block": block})
}

func (tm *TurnManager) emit(typ events.EventType, data map[string]any) {
	if tm.emitter == nil {
		return
	}
	tm.emitter.Emit(events.Event{Type: typ, Data: data})
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
