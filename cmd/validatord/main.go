// Command validatord runs a single federated validator node: it ingests
// candidate blocks from the record store's change feed, validates and votes
// on them, assigns and builds transactions into blocks of its own, and
// watches its own liveness.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fedchain/validator/pkg/backlog"
	"github.com/fedchain/validator/pkg/config"
	"github.com/fedchain/validator/pkg/consensus"
	"github.com/fedchain/validator/pkg/crypto"
	"github.com/fedchain/validator/pkg/logging"
	"github.com/fedchain/validator/pkg/model"
	"github.com/fedchain/validator/pkg/monitor"
	"github.com/fedchain/validator/pkg/store"
	"github.com/fedchain/validator/pkg/store/firestorestore"
	"github.com/fedchain/validator/pkg/store/memstore"
	"github.com/fedchain/validator/pkg/voteengine"
)

func main() {
	backendFlag := flag.String("store", "memory", `record store backend: "memory" or "firestore"`)
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	flag.Parse()

	logger := logging.New("validatord")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	pub, err := crypto.PublicKeyFromBase58(cfg.KeypairPublic)
	if err != nil {
		logger.Fatalf("decode KEYPAIR_PUBLIC: %v", err)
	}
	_ = pub // validated for shape; the base58 string itself is the wire identity
	priv, err := crypto.PrivateKeyFromBase58(cfg.KeypairPrivate)
	if err != nil {
		logger.Fatalf("decode KEYPAIR_PRIVATE: %v", err)
	}
	federation := cfg.Federation()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx, *backendFlag)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer closeStore()

	genesisID, err := bootstrapGenesis(ctx, st, federation, cfg.KeypairPublic, priv)
	if err != nil {
		logger.Fatalf("bootstrap genesis: %v", err)
	}

	sink := monitor.New()
	go serveMetrics(*metricsAddr, sink, logger)

	vEngine := voteengine.New(
		voteengine.Config{
			ValidateProcessesNum: cfg.ValidateProcessesNum,
			UngroupProcessesNum:  cfg.UngroupProcessesNum,
			FractionOfCores:      cfg.FractionOfCores,
			PipeMaxSize:          cfg.PipeMaxSize,
		},
		st, federation,
		voteengine.Identity{PublicKey: cfg.KeypairPublic, PrivateKey: priv},
		genesisID, sink, logger,
	)

	bMgr := backlog.New(backlog.Config{
		ReassignDelay: cfg.BacklogReassignDelay,
		StaleAfter:    30 * time.Second,
		TxsLength:     cfg.TxsLength,
		BuildInterval: time.Second,
	}, st, federation, backlog.Identity{PublicKey: cfg.KeypairPublic, PrivateKey: priv}, logger)

	health := consensus.NewHealthMonitor(consensus.DefaultHealthMonitorConfig(), federation, st, logger)
	health.SetOnStallDetected(func(count int, d time.Duration) {
		logger.Printf("ALERT: block production stalled at count=%d for %v", count, d)
	})

	if err := bMgr.Start(ctx); err != nil {
		logger.Fatalf("start backlog manager: %v", err)
	}
	defer bMgr.Stop()

	if err := health.Start(ctx); err != nil {
		logger.Fatalf("start health monitor: %v", err)
	}
	defer health.Stop()

	go heartbeatLoop(ctx, st, cfg.KeypairPublic, logger)

	engineErrCh := make(chan error, 1)
	go func() { engineErrCh <- vEngine.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Printf("received signal %v, shutting down", sig)
		cancel()
		<-engineErrCh
	case err := <-engineErrCh:
		if err != nil {
			logger.Fatalf("vote pipeline exited: %v", err)
		}
	}
}

// openStore constructs the configured record-store backend and returns a
// close func that is always safe to call.
func openStore(ctx context.Context, backend string) (store.Store, func(), error) {
	switch backend {
	case "memory":
		return memstore.New(), func() {}, nil
	case "firestore":
		fsStore, err := firestorestore.New(ctx, firestorestore.DefaultConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("connect firestore: %w", err)
		}
		return fsStore, func() { fsStore.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// bootstrapGenesis writes the distinguished genesis block the first time a
// federation is initialized, or resolves the id of an existing one. A node
// joining a chain some other operator already initialized must be given the
// existing genesis id via GENESIS_BLOCK_ID rather than minting a new one.
func bootstrapGenesis(ctx context.Context, st store.Store, federation []string, self string, sk crypto.PrivateKey) (string, error) {
	count, err := st.CountBlocks(ctx)
	if err != nil {
		return "", fmt.Errorf("count blocks: %w", err)
	}

	if gid := os.Getenv("GENESIS_BLOCK_ID"); gid != "" {
		existing, err := st.GetBlock(ctx, gid)
		if err != nil {
			return "", fmt.Errorf("get genesis block %s: %w", gid, err)
		}
		if existing == nil {
			return "", fmt.Errorf("GENESIS_BLOCK_ID %s not found in store", gid)
		}
		return existing.ID, nil
	}

	if count > 0 {
		return "", fmt.Errorf("store already has %d block(s); set GENESIS_BLOCK_ID instead of re-bootstrapping", count)
	}

	genesis, err := model.NewGenesisBlock(federation, self, sk, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("build genesis block: %w", err)
	}
	if err := st.WriteBlock(ctx, genesis, store.DurabilityHard); err != nil {
		return "", fmt.Errorf("write genesis block: %w", err)
	}
	return genesis.ID, nil
}

func heartbeatLoop(ctx context.Context, st store.Store, self string, logger *log.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		if err := st.Heartbeat(ctx, self); err != nil {
			logger.Printf("heartbeat: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func serveMetrics(addr string, sink *monitor.Sink, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(sink.Registry(), promhttp.HandlerOpts{}))
	logger.Printf("serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Printf("metrics server: %v", err)
	}
}
