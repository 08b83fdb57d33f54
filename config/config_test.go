package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.RPCAddr = "127.0.0.1:8545"
	cfg.ListenAddr = "127.0.0.1:7100"
	cfg.Peers = []PeerConfig{
		{NodeID: "node0", Addr: "127.0.0.1:7100", PublicKeyHex: strings.Repeat("ab", 32)},
	}
	return cfg
}

func TestValidateRequiresSelfInPeers(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].NodeID = "someone-else"
	if err := cfg.Validate(); err == nil {
		t.Error("validate should fail when this node is not in its own peer list")
	}
}

func TestValidateRejectsBadPublicKeyHex(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].PublicKeyHex = "not-hex"
	if err := cfg.Validate(); err == nil {
		t.Error("validate should reject a malformed public_key_hex")
	}
}

func TestValidateRejectsSameAddrs(t *testing.T) {
	cfg := validConfig()
	cfg.RPCAddr = cfg.ListenAddr
	if err := cfg.Validate(); err == nil {
		t.Error("validate should reject rpc_addr equal to listen_addr")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := validConfig()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.NodeID != cfg.NodeID || loaded.TurnDurationMs != cfg.TurnDurationMs {
		t.Error("loaded config does not match what was saved")
	}
}

func TestDefaultConfigUsesDefaultTiming(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TurnDurationMs != DefaultTurnDurationMs {
		t.Errorf("turn_duration_ms default: got %d want %d", cfg.TurnDurationMs, DefaultTurnDurationMs)
	}
}
