package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tolelom/potchat/crypto"
)

// BlockType identifies which variant of BlockData a block carries.
type BlockType string

const (
	BlockGenesis             BlockType = "genesis"
	BlockChatMessage         BlockType = "chat_message"
	BlockLostMessageRecovery BlockType = "lost_message_recovery"
	BlockTurnTransition      BlockType = "turn_transition"
)

// GenesisData is the marker payload of the genesis block.
type GenesisData struct {
	Note string `json:"note"`
}

// RecoveryData carries every message a new leader witnessed but found
// uncommitted on entering its turn.
type RecoveryData struct {
	RecoveredMessages []*Message `json:"recovered_messages"`
	Note              string     `json:"note"`
}

// TransitionData records a turn handoff. Defined for completeness; the
// turn-rotation state machine relies on timestamp windows instead of
// explicit transition markers and never produces this block type on its
// hot path (see open question 4 in SPEC_FULL.md §9).
type TransitionData struct {
	From string `json:"from"`
	To   string `json:"to"`
	Note string `json:"note"`
}

// BlockData is a tagged union of the four block payload kinds. Exactly one
// field is populated per block, matching BlockType. Marshalling the whole
// struct (unpopulated fields omitted via `omitempty`) gives a canonical,
// deterministic serialization of whichever variant is present; this is
// the encoding used for hash computation.
type BlockData struct {
	Genesis    *GenesisData    `json:"genesis,omitempty"`
	Chat       *Message        `json:"chat_message,omitempty"`
	Recovery   *RecoveryData   `json:"lost_message_recovery,omitempty"`
	Transition *TransitionData `json:"turn_transition,omitempty"`
}

// Block is a typed, hash-chained, signed container. Signature is stored
// internally in the hex encoding crypto.Sign/Verify use; the base64 wire
// encoding is applied by MarshalJSON/UnmarshalJSON below.
type Block struct {
	Index        int64     `json:"index"`
	Timestamp    int64     `json:"timestamp"`
	BlockType    BlockType `json:"block_type"`
	Data         BlockData `json:"data"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
	AuthorID     string    `json:"author_id"`
	Signature    string    `json:"signature"`
}

// blockWire is the on-the-wire shape of Block: identical fields, but
// Signature is base64. Hash stays lowercase hex.
type blockWire struct {
	Index        int64     `json:"index"`
	Timestamp    int64     `json:"timestamp"`
	BlockType    BlockType `json:"block_type"`
	Data         BlockData `json:"data"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
	AuthorID     string    `json:"author_id"`
	Signature    string    `json:"signature"`
}

// MarshalJSON base64-encodes Signature for the wire.
func (b Block) MarshalJSON() ([]byte, error) {
	sig, err := crypto.EncodeSignatureBase64(b.Signature)
	if err != nil {
		return nil, fmt.Errorf("marshal block %d: %w", b.Index, err)
	}
	return json.Marshal(blockWire{
		Index:        b.Index,
		Timestamp:    b.Timestamp,
		BlockType:    b.BlockType,
		Data:         b.Data,
		PreviousHash: b.PreviousHash,
		Hash:         b.Hash,
		AuthorID:     b.AuthorID,
		Signature:    sig,
	})
}

// UnmarshalJSON decodes the wire's base64 Signature back to this package's
// internal hex representation.
func (b *Block) UnmarshalJSON(data []byte) error {
	var w blockWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	sig, err := crypto.DecodeSignatureBase64(w.Signature)
	if err != nil {
		return fmt.Errorf("unmarshal block %d: %w", w.Index, err)
	}
	b.Index = w.Index
	b.Timestamp = w.Timestamp
	b.BlockType = w.BlockType
	b.Data = w.Data
	b.PreviousHash = w.PreviousHash
	b.Hash = w.Hash
	b.AuthorID = w.AuthorID
	b.Signature = sig
	return nil
}

// blockHashInput mirrors the exact field order spec'd for the hash input:
// index ∥ timestamp ∥ serialize(data) ∥ previous_hash ∥ author_id.
type blockHashInput struct {
	Index        int64     `json:"index"`
	Timestamp    int64     `json:"timestamp"`
	Data         BlockData `json:"data"`
	PreviousHash string    `json:"previous_hash"`
	AuthorID     string    `json:"author_id"`
}

// ComputeHash returns the SHA-256 hash of the canonical header encoding.
// Returns an empty string if marshalling fails (which cannot happen since
// BlockData is built entirely from in-memory fields of known shape).
func (b *Block) ComputeHash() string {
	data, err := json.Marshal(blockHashInput{
		Index:        b.Index,
		Timestamp:    b.Timestamp,
		Data:         b.Data,
		PreviousHash: b.PreviousHash,
		AuthorID:     b.AuthorID,
	})
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// signable returns the pipe-delimited string covered by the block signature.
func (b *Block) signable() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s",
		strconv.FormatInt(b.Index, 10), strconv.FormatInt(b.Timestamp, 10), b.Hash, b.PreviousHash, b.AuthorID)
}

// sign sets Hash and signs the block with the author's private key.
func (b *Block) sign(priv crypto.PrivateKey) {
	b.Hash = b.ComputeHash()
	b.Signature = crypto.Sign(priv, []byte(b.signable()))
}

// VerifySignature checks the block signature against the author's public
// key. It is deliberately not part of Valid: structural validation and
// signature verification are separate concerns, and signature verification
// only runs on ingest paths where the author's key is known.
func (b *Block) VerifySignature(pub crypto.PublicKey) error {
	return crypto.Verify(pub, []byte(b.signable()), b.Signature)
}

// Valid reports whether b correctly follows prev: index continuity,
// previous-hash linkage, and hash recomputation. It does not check the
// signature.
func (b *Block) Valid(prev *Block) error {
	if prev == nil {
		return errors.New("no previous block to validate against")
	}
	if b.Index != prev.Index+1 {
		return fmt.Errorf("block index %d does not follow previous index %d", b.Index, prev.Index)
	}
	if b.PreviousHash != prev.Hash {
		return fmt.Errorf("previous_hash mismatch: got %s want %s", b.PreviousHash, prev.Hash)
	}
	if computed := b.ComputeHash(); b.Hash != computed {
		return fmt.Errorf("block hash mismatch: stored %s computed %s", b.Hash, computed)
	}
	return nil
}

// GenesisPreviousHash is the canonical previous-hash marker for block 0.
const GenesisPreviousHash = "0"

// Genesis returns the canonical genesis block: index 0, timestamp 0,
// author "genesis", no signature. Every call returns the same block with
// the same hash, so every node's chain starts from an identical head.
func Genesis() *Block {
	b := &Block{
		Index:        0,
		Timestamp:    0,
		BlockType:    BlockGenesis,
		Data:         BlockData{Genesis: &GenesisData{Note: "genesis block"}},
		PreviousHash: GenesisPreviousHash,
		AuthorID:     "genesis",
	}
	b.Hash = b.ComputeHash()
	return b
}

func newBlock(prev *Block, blockType BlockType, data BlockData, authorID string) *Block {
	return &Block{
		Index:        prev.Index + 1,
		Timestamp:    time.Now().UnixMilli(),
		BlockType:    blockType,
		Data:         data,
		PreviousHash: prev.Hash,
		AuthorID:     authorID,
	}
}

// NewMessageBlock wraps a single committed chat message.
func NewMessageBlock(prev *Block, msg *Message, authorID string, sk crypto.PrivateKey) *Block {
	b := newBlock(prev, BlockChatMessage, BlockData{Chat: msg}, authorID)
	b.sign(sk)
	return b
}

// NewRecoveryBlock bundles every message the incoming leader witnessed but
// found missing from the chain.
func NewRecoveryBlock(prev *Block, missing []*Message, authorID string, sk crypto.PrivateKey) *Block {
	b := newBlock(prev, BlockLostMessageRecovery, BlockData{Recovery: &RecoveryData{
		RecoveredMessages: missing,
		Note:              "lost-message recovery",
	}}, authorID)
	b.sign(sk)
	return b
}

// NewTransitionBlock records a turn handoff. Provided for completeness and
// testability; the turn-rotation state machine never calls this on its hot
// path (see the design notes on the unused turn_transition block type).
func NewTransitionBlock(prev *Block, from, to, authorID string, sk crypto.PrivateKey) *Block {
	b := newBlock(prev, BlockTurnTransition, BlockData{Transition: &TransitionData{
		From: from,
		To:   to,
		Note: "turn transition",
	}}, authorID)
	b.sign(sk)
	return b
}
