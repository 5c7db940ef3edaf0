package main

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/oxen-io/storagesvc/internal/account"
	"github.com/oxen-io/storagesvc/internal/config"
	"github.com/oxen-io/storagesvc/internal/crypto"
	"github.com/oxen-io/storagesvc/internal/debuglog"
	"github.com/oxen-io/storagesvc/internal/handler"
	"github.com/oxen-io/storagesvc/internal/httpapi"
	"github.com/oxen-io/storagesvc/internal/metrics"
	"github.com/oxen-io/storagesvc/internal/oracle"
	"github.com/oxen-io/storagesvc/internal/pow"
	"github.com/oxen-io/storagesvc/internal/pprofutil"
	"github.com/oxen-io/storagesvc/internal/ratelimit"
	"github.com/oxen-io/storagesvc/internal/scheduler"
	"github.com/oxen-io/storagesvc/internal/statsgate"
	"github.com/oxen-io/storagesvc/internal/store"
	"github.com/oxen-io/storagesvc/internal/subscribe"
	"github.com/oxen-io/storagesvc/internal/swarm"
	"github.com/oxen-io/storagesvc/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintf(stderr, "storagesvcd: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(cfg.HomeDir, 0700); err != nil {
		fmt.Fprintf(stderr, "storagesvcd: create home dir: %v\n", err)
		return 1
	}

	nodePub, nodePriv, err := loadOrCreateIdentity(cfg.HomeDir)
	if err != nil {
		fmt.Fprintf(stderr, "storagesvcd: node identity: %v\n", err)
		return 1
	}
	onionPriv, err := loadOrCreateOnionKey(cfg.HomeDir)
	if err != nil {
		fmt.Fprintf(stderr, "storagesvcd: onion identity: %v\n", err)
		return 1
	}

	dbPath := cfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.HomeDir, dbPath)
	}
	st, err := store.Open(dbPath, cfg.StorageCapBytes)
	if err != nil {
		fmt.Fprintf(stderr, "storagesvcd: open store: %v\n", err)
		return 1
	}
	defer st.Close()

	codec := account.NewCodec(cfg.Network)
	swarmMap := swarm.New(0)
	met := metrics.New()
	gate := statsgate.New(cfg.StatsGateKeysHex)
	limiter := ratelimit.New(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	localNodeID := transport.NodeID(nodePub)

	// The peer transport's Handler is wired in after the request handler
	// exists (it needs the subscription registry, which needs a Sender
	// backed by this same server) — see the Handler assignment below.
	peerSrv := transport.NewServer(cfg.PeerAddr, nodePub, nodePriv, nil)
	subs := subscribe.New(pushSender{peerSrv})
	peerClient := transport.NewClient(nodePub, nodePriv)

	h := handler.New(handler.Handler{
		Store:         st,
		Swarm:         swarmMap,
		Subscriptions: subs,
		PoW:           pow.NewValidator(cfg.PoWDifficulty),
		Account:       codec,
		RateLimit:     limiter,
		Metrics:       met,
		Replicator:    handler.NewPeerReplicator(peerClient),
		StatsGate:     gate,
		LocalNodeID:   localNodeID,
	})

	var oracleClient *oracle.HTTPClient
	if cfg.OracleAddr != "" {
		oracleClient = oracle.NewHTTPClient(cfg.OracleAddr)
		h.Oracle = oracleClient
	}

	dispatcher := &peerDispatcher{
		handler:   h,
		onionPriv: onionPriv,
		forwarder: &peerForwarder{swarmMap: swarmMap, client: peerClient},
	}
	peerSrv.Handler = dispatcher.Dispatch

	var refresher scheduler.SwarmRefresher
	if oracleClient != nil {
		r := swarm.NewRefresher(oracleClient, swarmMap)
		r.LocalPubkey = nodePub
		refresher = r
	}
	sched := scheduler.New(st, subs, refresher)
	sched.RateLimit = limiter
	sched.Period = cfg.CleanupPeriod

	httpSrv := httpapi.New(cfg.HTTPAddr, h, codec)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.PprofAddr != "" {
		if err := os.Setenv("STORAGESVC_PPROF_ADDR", cfg.PprofAddr); err == nil {
			if err := pprofutil.StartFromEnv(stderr); err != nil {
				debuglog.Logf("storagesvcd: pprof: %v", err)
			}
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := peerSrv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			errs <- fmt.Errorf("peer transport: %w", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			errs <- fmt.Errorf("http api: %w", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	debuglog.Logf("storagesvcd: node %x listening http=%s peer=%s", localNodeID, cfg.HTTPAddr, cfg.PeerAddr)

	select {
	case <-ctx.Done():
	case err := <-errs:
		fmt.Fprintf(stderr, "storagesvcd: %v\n", err)
		cancel()
	}
	wg.Wait()
	return 0
}

func loadOrCreateIdentity(homeDir string) (pub, priv []byte, err error) {
	pub, priv, err = crypto.LoadKeypair(homeDir)
	if err == nil {
		return pub, priv, nil
	}
	pub, priv, err = crypto.GenKeypair()
	if err != nil {
		return nil, nil, err
	}
	if err := crypto.SaveKeypair(homeDir, pub, priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// loadOrCreateOnionKey persists a dedicated X25519 identity used only
// for onion-layer decryption, distinct from the node's Ed25519 transport
// identity since onion.Peel needs a raw X25519 scalar and this repo
// carries no Ed25519-seed-to-X25519-private derivation.
func loadOrCreateOnionKey(homeDir string) ([]byte, error) {
	path := filepath.Join(homeDir, "onion_priv.hex")
	if raw, err := os.ReadFile(path); err == nil {
		return hex.DecodeString(string(raw))
	}
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	privBytes := key.Bytes()
	if err := os.WriteFile(path, []byte(hex.EncodeToString(privBytes)), 0600); err != nil {
		return nil, err
	}
	return privBytes, nil
}
