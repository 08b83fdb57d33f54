package transport

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tolelom/potchat/core"
)

// MessageHandler is called for each received peer message.
type MessageHandler func(peer *Peer, msg Message)

// DefaultMaxPeers is the default limit on simultaneous peer connections.
const DefaultMaxPeers = 50

// ChatMessageHandler and BlockHandler are invoked for decoded domain
// payloads, both for messages arriving from a remote peer and for this
// node's own broadcasts (self-delivery/loopback).
type ChatMessageHandler func(*core.Message)
type BlockHandler func(*core.Block)

// Node listens for incoming peers and manages outgoing connections. It
// implements consensus.Transport.
type Node struct {
	nodeID     string
	listenAddr string
	tlsConfig  *tls.Config // nil → plain TCP
	maxPeers   int

	mu       sync.RWMutex
	peers    map[string]*Peer
	handlers map[MsgType]MessageHandler

	onMessage ChatMessageHandler
	onBlock   BlockHandler

	listener net.Listener
	stopCh   chan struct{}
}

// NewNode creates a Node that will listen on listenAddr. If tlsCfg is
// non-nil the listener and outgoing connections use TLS.
func NewNode(nodeID, listenAddr string, tlsCfg *tls.Config) *Node {
	n := &Node{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		tlsConfig:  tlsCfg,
		maxPeers:   DefaultMaxPeers,
		peers:      make(map[string]*Peer),
		handlers:   make(map[MsgType]MessageHandler),
		stopCh:     make(chan struct{}),
	}
	n.Handle(MsgChatMessage, n.handleChatMessage)
	n.Handle(MsgBlock, n.handleBlock)
	return n
}

// OnMessage registers the callback invoked for every chat message this
// node observes, whether received from a peer or broadcast locally.
func (n *Node) OnMessage(h ChatMessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onMessage = h
}

// OnBlock registers the callback invoked for every block this node
// observes, whether received from a peer or broadcast locally.
func (n *Node) OnBlock(h BlockHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onBlock = h
}

// Handle registers a handler for a raw wire message type.
func (n *Node) Handle(typ MsgType, h MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[typ] = h
}

// Start begins accepting connections.
func (n *Node) Start() error {
	var ln net.Listener
	var err error
	if n.tlsConfig != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	return nil
}

// Stop shuts down the node.
func (n *Node) Stop() {
	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		p.Close()
	}
}

// AddPeer dials addr and registers the peer.
func (n *Node) AddPeer(id, addr string) error {
	peer, err := Connect(id, addr, n.tlsConfig)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.peers[id] = peer
	n.mu.Unlock()
	go n.readLoop(peer)

	hello, err := json.Marshal(map[string]string{"node_id": n.nodeID})
	if err != nil {
		log.Printf("[transport] marshal hello: %v", err)
		return nil
	}
	if err := peer.Send(Message{Type: MsgHello, Payload: hello}); err != nil {
		log.Printf("[transport] send hello to %s: %v", id, err)
	}
	return nil
}

// Peer returns the connected peer with the given id, or nil if not found.
func (n *Node) Peer(id string) *Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.peers[id]
}

// Addr returns the listener's bound address. Useful when started on a
// ":0" port and the actual port is needed to wire up peers.
func (n *Node) Addr() net.Addr {
	if n.listener != nil {
		return n.listener.Addr()
	}
	return nil
}

// Broadcast sends msg to all connected peers, one after another. Errors
// writing to an individual peer are logged and otherwise ignored, so a
// disconnected peer does not stop delivery to the rest. Writes have no
// deadline: a peer whose write blocks delays delivery to the peers after it.
func (n *Node) Broadcast(msg Message) {
	n.mu.RLock()
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.RUnlock()
	for _, p := range peers {
		if err := p.Send(msg); err != nil {
			log.Printf("[transport] broadcast to %s: %v", p.ID, err)
		}
	}
}

// BroadcastMessage serializes msg, sends it to every connected peer, and
// delivers it to this node's own handler directly (self-delivery): a
// leader must observe its own broadcasts the same way it observes a
// peer's.
func (n *Node) BroadcastMessage(msg *core.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[transport] marshal message: %v", err)
		return
	}
	n.Broadcast(Message{Type: MsgChatMessage, Payload: data})
	n.mu.RLock()
	h := n.onMessage
	n.mu.RUnlock()
	if h != nil {
		h(msg)
	}
}

// BroadcastBlock serializes block, sends it to every connected peer, and
// delivers it to this node's own handler directly (self-delivery).
func (n *Node) BroadcastBlock(block *core.Block) {
	data, err := json.Marshal(block)
	if err != nil {
		log.Printf("[transport] marshal block: %v", err)
		return
	}
	n.Broadcast(Message{Type: MsgBlock, Payload: data})
	n.mu.RLock()
	h := n.onBlock
	n.mu.RUnlock()
	if h != nil {
		h(block)
	}
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				log.Printf("[transport] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		n.mu.RLock()
		peerCount := len(n.peers)
		n.mu.RUnlock()
		if peerCount >= n.maxPeers {
			log.Printf("[transport] max peers (%d) reached, rejecting %s", n.maxPeers, conn.RemoteAddr())
			conn.Close()
			continue
		}
		peer := NewPeer(conn.RemoteAddr().String(), conn.RemoteAddr().String(), conn)
		n.mu.Lock()
		n.peers[peer.ID] = peer
		n.mu.Unlock()
		go n.readLoop(peer)
	}
}

func (n *Node) readLoop(peer *Peer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[transport] readLoop panic from %s: %v", peer.ID, r)
		}
		peer.Close()
		n.mu.Lock()
		delete(n.peers, peer.ID)
		n.mu.Unlock()
	}()
	for {
		msg, err := peer.Receive()
		if err != nil {
			return
		}
		n.mu.RLock()
		h, ok := n.handlers[msg.Type]
		n.mu.RUnlock()
		if ok {
			h(peer, msg)
		}
	}
}

func (n *Node) handleChatMessage(_ *Peer, msg Message) {
	var m core.Message
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		log.Printf("[transport] unmarshal chat message: %v", err)
		return
	}
	n.mu.RLock()
	h := n.onMessage
	n.mu.RUnlock()
	if h != nil {
		h(&m)
	}
}

func (n *Node) handleBlock(_ *Peer, msg Message) {
	var b core.Block
	if err := json.Unmarshal(msg.Payload, &b); err != nil {
		log.Printf("[transport] unmarshal block: %v", err)
		return
	}
	n.mu.RLock()
	h := n.onBlock
	n.mu.RUnlock()
	if h != nil {
		h(&b)
	}
}
