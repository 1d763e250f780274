package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Consensus struct {
	// CommitteeFile is the YAML validator-set file (see committee.go).
	CommitteeFile string
	// ProposalTimeout is how long a validator waits for the expected
	// proposal before sending NewView.
	ProposalTimeout time.Duration
	// TimeoutDelta is added per consecutive timeout (linear backoff).
	TimeoutDelta        time.Duration
	MaxBlockCommands    int
	BlacklistThreshold  int
	SyncBatchSize       int
	MissingTxTTL        time.Duration
	ForeignCapacity     int
	StakeWeightedLeader bool
}

type Node struct {
	SelfID     string
	ShardGroup uint32
	// Seed derives the BLS key. Dev only: production keys come from a keystore.
	Seed       string
	ListenAddr string
	Bootstrap  []string
	DataDir    string
	APIAddr    string
	LogFile    string
	Verbose    bool
}

type Config struct {
	Consensus Consensus
	Node      Node
}

func Default() Config {
	return Config{
		Consensus: Consensus{
			CommitteeFile:      "committee.yaml",
			ProposalTimeout:    1 * time.Second,
			TimeoutDelta:       500 * time.Millisecond,
			MaxBlockCommands:   256,
			BlacklistThreshold: 5,
			SyncBatchSize:      32,
			MissingTxTTL:       10 * time.Second,
			ForeignCapacity:    1024,
		},
		Node: Node{
			SelfID:     "v0",
			ListenAddr: "/ip4/0.0.0.0/tcp/9000",
			DataDir:    "data",
			APIAddr:    ":8080",
			LogFile:    "data/node.log",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Consensus.CommitteeFile = getEnv("CONSENSUS_COMMITTEE_FILE", cfg.Consensus.CommitteeFile)
	cfg.Consensus.ProposalTimeout = getEnvMillis("CONSENSUS_PROPOSAL_TIMEOUT_MS", cfg.Consensus.ProposalTimeout)
	cfg.Consensus.TimeoutDelta = getEnvMillis("CONSENSUS_TIMEOUT_DELTA_MS", cfg.Consensus.TimeoutDelta)
	cfg.Consensus.MaxBlockCommands = getEnvInt("CONSENSUS_MAX_BLOCK_COMMANDS", cfg.Consensus.MaxBlockCommands)
	cfg.Consensus.BlacklistThreshold = getEnvInt("CONSENSUS_BLACKLIST_THRESHOLD", cfg.Consensus.BlacklistThreshold)
	cfg.Consensus.SyncBatchSize = getEnvInt("CONSENSUS_SYNC_BATCH_SIZE", cfg.Consensus.SyncBatchSize)
	cfg.Consensus.MissingTxTTL = getEnvMillis("CONSENSUS_MISSING_TX_TTL_MS", cfg.Consensus.MissingTxTTL)
	cfg.Consensus.ForeignCapacity = getEnvInt("CONSENSUS_FOREIGN_CAPACITY", cfg.Consensus.ForeignCapacity)
	cfg.Consensus.StakeWeightedLeader = os.Getenv("CONSENSUS_STAKE_WEIGHTED_LEADER") == "true"

	cfg.Node.SelfID = getEnv("NODE_ID", cfg.Node.SelfID)
	cfg.Node.ShardGroup = uint32(getEnvInt("NODE_SHARD_GROUP", int(cfg.Node.ShardGroup)))
	cfg.Node.Seed = getEnv("NODE_SEED", cfg.Node.Seed)
	cfg.Node.ListenAddr = getEnv("LISTEN", cfg.Node.ListenAddr)
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.Verbose = os.Getenv("VERBOSE") == "true"

	// Example: "/ip4/10.0.0.2/tcp/9000/p2p/12D3...,/ip4/10.0.0.3/tcp/9000/p2p/12D3..."
	if bs := os.Getenv("BOOTSTRAP"); bs != "" {
		cfg.Node.Bootstrap = strings.Split(bs, ",")
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
