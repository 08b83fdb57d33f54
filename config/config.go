package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// TLSConfig holds paths to the PEM files needed for mTLS between peers.
// When nil or all paths empty, the node falls back to plain TCP.
type TLSConfig struct {
	CACert   string `json:"ca_cert"`   // CA certificate PEM path
	NodeCert string `json:"node_cert"` // node certificate PEM path
	NodeKey  string `json:"node_key"`  // node private key PEM path
}

// PeerConfig identifies a fixed member of the group: its node ID, dial
// address, and the Ed25519 public key used to verify everything it signs.
// Group membership is closed and defined entirely by this list; there is
// no runtime join protocol.
type PeerConfig struct {
	NodeID       string `json:"node_id"`
	Addr         string `json:"addr"`           // host:port
	PublicKeyHex string `json:"public_key_hex"` // hex-encoded ed25519 public key
}

// Config holds all node configuration. Timing fields default to the
// protocol's standard values when zero; see DefaultConfig.
type Config struct {
	NodeID     string       `json:"node_id"`
	ListenAddr string       `json:"listen_addr"`
	RPCAddr    string       `json:"rpc_addr"`
	Peers      []PeerConfig `json:"peers"` // the full ordered membership, including this node

	TLS          *TLSConfig `json:"tls,omitempty"`            // nil → plain TCP
	RPCAuthToken string     `json:"rpc_auth_token,omitempty"` // empty → no auth

	KeystorePath        string `json:"keystore_path,omitempty"`         // empty → generate an ephemeral key
	KeystorePasswordEnv string `json:"keystore_password_env,omitempty"` // env var holding the keystore password

	ArchivePath string `json:"archive_path,omitempty"` // empty → archive disabled

	TurnDurationMs       int64 `json:"turn_duration_ms"`
	TransitionDurationMs int64 `json:"transition_duration_ms"`
	MessageRetentionMs   int64 `json:"message_retention_ms"`
	CleanupIntervalMs    int64 `json:"cleanup_interval_ms"`
}

// Default timing constants, matching the protocol's reference values.
const (
	DefaultTurnDurationMs       = 30_000
	DefaultTransitionDurationMs = 5_000
	DefaultMessageRetentionMs   = 120_000
	DefaultCleanupIntervalMs    = 60_000
)

// DefaultConfig returns a configuration with local development addresses,
// the protocol's standard timing constants and no peers. With an empty
// peer list it does not pass Validate on its own.
func DefaultConfig() *Config {
	return &Config{
		NodeID:               "node0",
		ListenAddr:           "127.0.0.1:7100",
		RPCAddr:              "127.0.0.1:8545",
		TurnDurationMs:       DefaultTurnDurationMs,
		TransitionDurationMs: DefaultTransitionDurationMs,
		MessageRetentionMs:   DefaultMessageRetentionMs,
		CleanupIntervalMs:    DefaultCleanupIntervalMs,
	}
}

// Load reads a JSON config file from path, fills in zero-valued timing
// fields with their defaults, and validates required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyTimingDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyTimingDefaults() {
	if c.TurnDurationMs == 0 {
		c.TurnDurationMs = DefaultTurnDurationMs
	}
	if c.TransitionDurationMs == 0 {
		c.TransitionDurationMs = DefaultTransitionDurationMs
	}
	if c.MessageRetentionMs == 0 {
		c.MessageRetentionMs = DefaultMessageRetentionMs
	}
	if c.CleanupIntervalMs == 0 {
		c.CleanupIntervalMs = DefaultCleanupIntervalMs
	}
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must not be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.RPCAddr == "" {
		return fmt.Errorf("rpc_addr must not be empty")
	}
	if c.RPCAddr == c.ListenAddr {
		return fmt.Errorf("rpc_addr and listen_addr must not be the same (%s)", c.RPCAddr)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("peers list must not be empty")
	}
	found := false
	for i, p := range c.Peers {
		if p.NodeID == "" {
			return fmt.Errorf("peers[%d]: node_id must not be empty", i)
		}
		if p.NodeID == c.NodeID {
			found = true
		}
		b, err := hex.DecodeString(p.PublicKeyHex)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("peers[%d]: public_key_hex must be 64-char hex (32 bytes ed25519 pubkey), got %q", i, p.PublicKeyHex)
		}
	}
	if !found {
		return fmt.Errorf("peers list must include this node (%s)", c.NodeID)
	}
	if c.TurnDurationMs <= 0 {
		return fmt.Errorf("turn_duration_ms must be positive")
	}
	if c.TransitionDurationMs <= 0 {
		return fmt.Errorf("transition_duration_ms must be positive")
	}
	if c.TLS != nil {
		t := c.TLS
		allSet := t.CACert != "" && t.NodeCert != "" && t.NodeKey != ""
		allEmpty := t.CACert == "" && t.NodeCert == "" && t.NodeKey == ""
		if !allSet && !allEmpty {
			return fmt.Errorf("tls: all three paths (ca_cert, node_cert, node_key) must be set or all empty")
		}
	}
	return nil
}

// PeerIDs returns the ordered list of node IDs across the membership, the
// order that determines leader rotation.
func (c *Config) PeerIDs() []string {
	ids := make([]string, len(c.Peers))
	for i, p := range c.Peers {
		ids[i] = p.NodeID
	}
	return ids
}

// Save writes the config to path as formatted JSON.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
