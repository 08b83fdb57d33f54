// Command potnode starts a Proof-of-Turn chat node.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tolelom/potchat/archive"
	"github.com/tolelom/potchat/config"
	"github.com/tolelom/potchat/consensus"
	"github.com/tolelom/potchat/core"
	"github.com/tolelom/potchat/crypto"
	"github.com/tolelom/potchat/crypto/certgen"
	"github.com/tolelom/potchat/events"
	"github.com/tolelom/potchat/identity"
	"github.com/tolelom/potchat/rpc"
	"github.com/tolelom/potchat/storage"
	"github.com/tolelom/potchat/transport"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	genKey := flag.Bool("genkey", false, "generate a new identity key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	passwordEnv := cfg.KeystorePasswordEnv
	if passwordEnv == "" {
		passwordEnv = "POTCHAT_PASSWORD"
	}
	password := os.Getenv(passwordEnv)
	if password == "" {
		log.Printf("WARNING: %s not set, keystore will use an empty password", passwordEnv)
	}

	// ---- generate key mode ----
	if *genKey {
		priv, _, err := identity.GenerateIdentity()
		if err != nil {
			log.Fatal(err)
		}
		keyPath := cfg.KeystorePath
		if keyPath == "" {
			keyPath = cfg.NodeID + ".key"
		}
		if err := identity.SaveIdentity(keyPath, cfg.NodeID, password, priv); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated identity. Public key: %s\n", priv.Public().Hex())
		fmt.Printf("Saved to: %s\n", keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		if err := certgen.GenerateAll(*genCerts, cfg.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfg.NodeID)
		return
	}

	privKey, err := loadOrGenerateIdentity(cfg, password)
	if err != nil {
		log.Fatalf("identity: %v", err)
	}

	peerPublicKeys := make(map[string]crypto.PublicKey, len(cfg.Peers))
	for _, p := range cfg.Peers {
		b, err := hex.DecodeString(p.PublicKeyHex)
		if err != nil {
			log.Fatalf("peer %s: bad public_key_hex: %v", p.NodeID, err)
		}
		peerPublicKeys[p.NodeID] = crypto.PublicKey(b)
	}

	// ---- events ----
	emitter := events.NewEmitter()

	// ---- archive (optional) ----
	var arc *archive.Archive
	if cfg.ArchivePath != "" {
		db, err := storage.NewLevelDB(cfg.ArchivePath)
		if err != nil {
			log.Fatalf("open archive db: %v", err)
		}
		defer db.Close()
		arc = archive.New(db, emitter)
		defer arc.Stop()
		log.Printf("Archive enabled at %s", cfg.ArchivePath)
	}

	// ---- blockchain and pool ----
	chain := core.NewBlockchain()
	pool := core.NewMessagePool()

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for peer transport")
	}

	// ---- transport ----
	node := transport.NewNode(cfg.NodeID, cfg.ListenAddr, tlsCfg)
	if err := node.Start(); err != nil {
		log.Fatalf("transport start: %v", err)
	}
	defer node.Stop()
	log.Printf("Transport listening on %s", cfg.ListenAddr)

	// ---- consensus ----
	turnCfg := consensus.Config{
		TurnDurationMs:       cfg.TurnDurationMs,
		TransitionDurationMs: cfg.TransitionDurationMs,
		MessageRetentionMs:   cfg.MessageRetentionMs,
		CleanupIntervalMs:    cfg.CleanupIntervalMs,
	}
	tm := consensus.New(cfg.NodeID, cfg.PeerIDs(), peerPublicKeys, privKey, turnCfg, chain, pool, node, emitter)
	node.OnMessage(tm.OnMessageReceived)
	node.OnBlock(tm.OnBlockReceived)

	// ---- connect to peers ----
	for _, p := range cfg.Peers {
		if p.NodeID == cfg.NodeID {
			continue
		}
		if err := node.AddPeer(p.NodeID, p.Addr); err != nil {
			log.Printf("peer %s (%s): %v", p.NodeID, p.Addr, err)
			continue
		}
		log.Printf("Connected to peer %s (%s)", p.NodeID, p.Addr)
	}

	// ---- RPC ----
	rpcHandler := rpc.NewHandler(tm, arc)
	rpcServer := rpc.NewServer(cfg.RPCAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", cfg.RPCAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- turn-rotation loop ----
	go tm.Run()
	defer tm.Stop()
	log.Printf("Turn rotation running (node: %s, peers: %v)", cfg.NodeID, cfg.PeerIDs())

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// Deferred calls run in LIFO: tm.Stop → rpcServer.Stop → node.Stop →
	// arc.Stop (drains the archive queue) → db.Close
}

func loadOrGenerateIdentity(cfg *config.Config, password string) (crypto.PrivateKey, error) {
	if cfg.KeystorePath == "" {
		log.Println("No keystore_path configured; generating an ephemeral identity for this run")
		priv, _, err := identity.GenerateIdentity()
		return priv, err
	}
	if _, err := os.Stat(cfg.KeystorePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("keystore %s does not exist; run with -genkey first", cfg.KeystorePath)
	}
	return identity.LoadIdentity(cfg.KeystorePath, password)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
