// Package config loads the daemon's settings from flags with env-var
// fallbacks and compiled-in defaults, the same layering the teacher repo
// uses for its own daemon flags.
package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oxen-io/storagesvc/internal/account"
)

type Config struct {
	Network account.Network

	HomeDir string

	HTTPAddr     string
	PeerAddr     string
	PprofAddr    string

	DBPath          string
	StorageCapBytes int64

	PoWDifficulty uint64

	CleanupPeriod     time.Duration
	SubscriptionTTL   time.Duration
	StorageTestPeriod time.Duration

	RateLimitPerSecond float64
	RateLimitBurst     int

	StatsGateKeysHex []string

	OracleAddr string
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Parse builds a Config from command-line args, each flag falling back to
// an environment variable and then a compiled-in default.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("storagesvcd", flag.ContinueOnError)

	mainnet := fs.Bool("mainnet", envBool("STORAGESVC_MAINNET", true), "use mainnet account pubkey length/netid (else testnet)")
	home := fs.String("home", envString("STORAGESVC_HOME", "."), "data directory")
	httpAddr := fs.String("http-addr", envString("STORAGESVC_HTTP_ADDR", "127.0.0.1:22021"), "legacy JSON HTTP listen address")
	peerAddr := fs.String("peer-addr", envString("STORAGESVC_PEER_ADDR", "0.0.0.0:22022"), "peer RPC (QUIC) listen address")
	pprofAddr := fs.String("pprof-addr", envString("STORAGESVC_PPROF_ADDR", ""), "optional pprof listen address")
	dbPath := fs.String("db-path", envString("STORAGESVC_DB_PATH", "storage.sqlite3"), "sqlite database path")
	capBytes := fs.Int64("storage-cap-bytes", envInt64("STORAGESVC_STORAGE_CAP_BYTES", 3*1024*1024*1024+512*1024*1024), "max on-disk page usage in bytes")
	difficulty := fs.Int64("pow-difficulty", envInt64("STORAGESVC_POW_DIFFICULTY", 1), "proof-of-work difficulty constant")
	cleanupPeriod := fs.Duration("cleanup-period", envDuration("STORAGESVC_CLEANUP_PERIOD", 10*time.Second), "expiry/subscription sweep tick period")
	subTTL := fs.Duration("subscription-ttl", envDuration("STORAGESVC_SUBSCRIPTION_TTL", 65*time.Minute), "monitor.messages registration lifetime (parsed only; registrations use subscribe.DefaultTTL)")
	storageTestPeriod := fs.Duration("storage-test-period", envDuration("STORAGESVC_STORAGE_TEST_PERIOD", 5*time.Minute), "co-swarm storage audit period (parsed only; no background audit runs)")
	rateLimit := fs.Float64("rate-limit-per-second", envFloat("STORAGESVC_RATE_LIMIT_PER_SECOND", 10), "token bucket refill rate per caller")
	rateBurst := fs.Int("rate-limit-burst", envInt("STORAGESVC_RATE_LIMIT_BURST", 20), "token bucket burst size per caller")
	statsKeys := fs.String("stats-gate-keys", envString("STORAGESVC_STATS_GATE_KEYS", ""), "comma-separated hex Ed25519 pubkeys authorized for get_stats/get_logs")
	oracleAddr := fs.String("oracle-addr", envString("STORAGESVC_ORACLE_ADDR", ""), "blockchain oracle RPC address")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	network := account.Mainnet
	if !*mainnet {
		network = account.Testnet
	}

	var keys []string
	for _, k := range strings.Split(*statsKeys, ",") {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, err := hex.DecodeString(k); err != nil {
			return nil, fmt.Errorf("config: bad stats-gate-keys entry %q: %w", k, err)
		}
		keys = append(keys, k)
	}

	return &Config{
		Network:            network,
		HomeDir:             *home,
		HTTPAddr:            *httpAddr,
		PeerAddr:            *peerAddr,
		PprofAddr:           *pprofAddr,
		DBPath:              *dbPath,
		StorageCapBytes:     *capBytes,
		PoWDifficulty:       uint64(*difficulty),
		CleanupPeriod:       clampCleanup(*cleanupPeriod),
		SubscriptionTTL:     *subTTL,
		StorageTestPeriod:   *storageTestPeriod,
		RateLimitPerSecond:  *rateLimit,
		RateLimitBurst:      clampBurst(*rateBurst),
		StatsGateKeysHex:    keys,
		OracleAddr:          *oracleAddr,
	}, nil
}

func clampCleanup(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func clampBurst(n int) int {
	if n <= 0 {
		return 20
	}
	return n
}
