// Package core implements the hash-chained chat log: signed messages, the
// blocks that carry them, and the append-only chain of blocks.
package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tolelom/potchat/crypto"
)

// Message is an authored, signed chat payload with a stable ID. Signature
// is stored internally in the hex encoding crypto.Sign/Verify use; the
// base64 wire encoding is applied by MarshalJSON/UnmarshalJSON below.
type Message struct {
	Content   string `json:"content"`
	AuthorID  string `json:"author_id"`
	Timestamp int64  `json:"timestamp"` // ms since epoch
	MessageID string `json:"message_id"`
	Signature string `json:"signature"`
}

// messageWire is the on-the-wire shape of Message: identical fields, but
// Signature is base64.
type messageWire struct {
	Content   string `json:"content"`
	AuthorID  string `json:"author_id"`
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"message_id"`
	Signature string `json:"signature"`
}

// MarshalJSON base64-encodes Signature for the wire.
func (m Message) MarshalJSON() ([]byte, error) {
	sig, err := crypto.EncodeSignatureBase64(m.Signature)
	if err != nil {
		return nil, fmt.Errorf("marshal message %s: %w", m.MessageID, err)
	}
	return json.Marshal(messageWire{
		Content:   m.Content,
		AuthorID:  m.AuthorID,
		Timestamp: m.Timestamp,
		MessageID: m.MessageID,
		Signature: sig,
	})
}

// UnmarshalJSON decodes the wire's base64 Signature back to this package's
// internal hex representation.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	sig, err := crypto.DecodeSignatureBase64(w.Signature)
	if err != nil {
		return fmt.Errorf("unmarshal message %s: %w", w.MessageID, err)
	}
	m.Content = w.Content
	m.AuthorID = w.AuthorID
	m.Timestamp = w.Timestamp
	m.MessageID = w.MessageID
	m.Signature = sig
	return nil
}

// signable returns the pipe-delimited string covered by the signature.
// It includes MessageID itself, so MessageID must already be set.
func (m *Message) signable() string {
	return fmt.Sprintf("%s|%s|%s|%s", m.Content, m.AuthorID, strconv.FormatInt(m.Timestamp, 10), m.MessageID)
}

// NewMessage creates and signs a message authored by authorID.
func NewMessage(content, authorID string, priv crypto.PrivateKey) *Message {
	m := &Message{
		Content:   content,
		AuthorID:  authorID,
		Timestamp: time.Now().UnixMilli(),
	}
	m.MessageID = crypto.MessageID(m.Content, m.AuthorID, m.Timestamp)
	m.Signature = crypto.Sign(priv, []byte(m.signable()))
	return m
}

// Verify recomputes the signable string and checks the signature, and that
// MessageID matches the content/author/timestamp it was derived from.
func (m *Message) Verify(pub crypto.PublicKey) error {
	want := crypto.MessageID(m.Content, m.AuthorID, m.Timestamp)
	if m.MessageID != want {
		return fmt.Errorf("message_id mismatch: stored %s computed %s", m.MessageID, want)
	}
	return crypto.Verify(pub, []byte(m.signable()), m.Signature)
}
