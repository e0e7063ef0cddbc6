package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sybtjp/plenum/internal/rbft/clientws"
	"github.com/sybtjp/plenum/internal/rbft/config"
	"github.com/sybtjp/plenum/internal/rbft/crypto"
	"github.com/sybtjp/plenum/internal/rbft/ledger"
	"github.com/sybtjp/plenum/internal/rbft/logging"
	"github.com/sybtjp/plenum/internal/rbft/node"
	"github.com/sybtjp/plenum/internal/rbft/transportp2p"
	"github.com/sybtjp/plenum/internal/rbft/types"
)

const (
	prodInterval = 10 * time.Millisecond
	prodBudget   = 256
	stopTimeout  = 10 * time.Second
)

func main() {
	var (
		cfgPath = flag.String("config", "rbftnode.json", "path to the node config file")
		name    = flag.String("name", "", "override the node name from the config")
		port    = flag.Int("port", 0, "override the p2p listen port from the config")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *name != "" {
		cfg.Self = *name
	}
	if *port != 0 {
		cfg.Network.P2PPort = *port
	}
	if cfg.Self == "" {
		log.Fatal("no node name: set -name or the config's self field")
	}

	if _, err := logging.Init(cfg.LoggingSettings()); err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer logging.Sync()
	logger := logging.Named("rbftnode")

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("node exited", "error", err)
	}
}

// loadOrCreateIdentity reads the node's long-term transport key from its
// keep directory, or generates and persists one on first run. With no
// KeysDir configured the identity is ephemeral and the node's peer ID
// changes on every restart.
func loadOrCreateIdentity(cfg *config.Config) (libp2pcrypto.PrivKey, error) {
	if cfg.KeysDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.KeysDir, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.KeysDir, cfg.Self+".key")
	if raw, err := os.ReadFile(path); err == nil {
		return transportp2p.LoadIdentity(raw)
	}
	priv, _, err := libp2pcrypto.GenerateKeyPair(libp2pcrypto.Ed25519, -1)
	if err != nil {
		return nil, err
	}
	raw, err := transportp2p.MarshalIdentity(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return nil, err
	}
	return priv, nil
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Store.Kind == "file" {
		dir := filepath.Join(cfg.Store.BaseDir, "nodes", cfg.Self)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	recordStore, err := cfg.NewRecordStore(cfg.Self)
	if err != nil {
		return err
	}
	hashStore, err := cfg.NewHashStore(cfg.Self)
	if err != nil {
		return err
	}
	led, err := ledger.New(recordStore, hashStore)
	if err != nil {
		return err
	}

	var auth *crypto.Authenticator
	if cfg.KeyPath != "" {
		ring, err := config.LoadKeyRing(cfg.KeyPath)
		if err != nil {
			return err
		}
		auth = crypto.NewAuthenticator(ring)
	}

	identity, err := loadOrCreateIdentity(cfg)
	if err != nil {
		return err
	}
	host, err := transportp2p.NewHost(ctx, cfg.Network.P2PPort, identity)
	if err != nil {
		return err
	}
	tr, err := transportp2p.New(ctx, host, transportp2p.Config{
		Self:       types.NodeName(cfg.Self),
		Peers:      cfg.Network.PeerNames(),
		Bootstrap:  cfg.Network.Bootstrap,
		StunServer: cfg.Network.StunServer,
	}, logging.Named("transport"))
	if err != nil {
		return err
	}

	gateway := clientws.New(tr, logging.Named("clientws"))
	tr.SetClientSender(gateway.Send)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway.Handler())
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Network.MetricsPort),
		Handler: mux,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("http server failed", "error", err)
		}
	}()

	n := node.New(node.Config{
		Self:            types.NodeName(cfg.Self),
		Names:           cfg.NodeNames(),
		TxnType:         cfg.TxnType,
		OrderedRetryMax: cfg.OrderedRetryMax,
		PerfCheckFreq:   cfg.PerfCheckFreq,
		MonitorConfig:   cfg.MonitorSettings(),
		ClientAuth:      auth,
		Rand:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}, tr, led, logging.Named("node"))
	n.Start()
	logger.Infow("node started", "name", cfg.Self, "peers", len(cfg.Names), "p2pPort", cfg.Network.P2PPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(prodInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.Prod(prodBudget)
		case sig := <-sigCh:
			logger.Infow("shutting down", "signal", sig.String())
			gateway.Close()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer shutCancel()
			httpSrv.Shutdown(shutCtx)
			return n.Stop(shutCtx)
		}
	}
}
