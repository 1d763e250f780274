package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hypershard/params"
	"github.com/uhyunpark/hypershard/pkg/api"
	"github.com/uhyunpark/hypershard/pkg/consensus"
	"github.com/uhyunpark/hypershard/pkg/crypto"
	"github.com/uhyunpark/hypershard/pkg/epoch"
	"github.com/uhyunpark/hypershard/pkg/mempool"
	"github.com/uhyunpark/hypershard/pkg/p2p"
	"github.com/uhyunpark/hypershard/pkg/storage"
	"github.com/uhyunpark/hypershard/pkg/types"
	"github.com/uhyunpark/hypershard/pkg/util"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envPath string
	root := &cobra.Command{
		Use:           "hypershard",
		Short:         "Sharded HotStuff validator node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envPath, "env", "", "path to .env file (default ./.env)")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run a validator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := params.LoadFromEnv(envPath)
			applyFlags(cmd.Flags(), &cfg)
			return runNode(cmd.Context(), cfg)
		},
	}
	f := run.Flags()
	f.String("id", "", "validator id as listed in the committee file")
	f.Uint32("group", 0, "shard group when the id is not in the current committee")
	f.String("seed", "", "dev seed for the BLS and host keys")
	f.String("listen", "", "libp2p listen multiaddr")
	f.StringSlice("bootstrap", nil, "bootstrap peer multiaddrs")
	f.String("data-dir", "", "pebble data directory")
	f.String("api", "", "HTTP API listen address")
	f.String("committee", "", "committee YAML file")
	f.Bool("verbose", false, "debug logging")
	root.AddCommand(run)

	root.AddCommand(&cobra.Command{
		Use:   "keys <seed>",
		Short: "Print the BLS public key and libp2p peer ID derived from a dev seed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := crypto.NewBLSSignerFromSeed([]byte(args[0]))
			if err != nil {
				return err
			}
			sk, err := p2p.IdentityFromSeed(args[0])
			if err != nil {
				return err
			}
			pid, err := peer.IDFromPrivateKey(sk)
			if err != nil {
				return errors.WithStack(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "public_key: %s\npeer_id: %s\n", hex.EncodeToString(signer.PubkeyBytes()), pid)
			return nil
		},
	})
	return root
}

// applyFlags lets explicitly set flags win over env and .env values.
func applyFlags(f *pflag.FlagSet, cfg *params.Config) {
	if f.Changed("id") {
		cfg.Node.SelfID, _ = f.GetString("id")
	}
	if f.Changed("group") {
		cfg.Node.ShardGroup, _ = f.GetUint32("group")
	}
	if f.Changed("seed") {
		cfg.Node.Seed, _ = f.GetString("seed")
	}
	if f.Changed("listen") {
		cfg.Node.ListenAddr, _ = f.GetString("listen")
	}
	if f.Changed("bootstrap") {
		cfg.Node.Bootstrap, _ = f.GetStringSlice("bootstrap")
	}
	if f.Changed("data-dir") {
		cfg.Node.DataDir, _ = f.GetString("data-dir")
	}
	if f.Changed("api") {
		cfg.Node.APIAddr, _ = f.GetString("api")
	}
	if f.Changed("committee") {
		cfg.Consensus.CommitteeFile, _ = f.GetString("committee")
	}
	if f.Changed("verbose") {
		cfg.Node.Verbose, _ = f.GetBool("verbose")
	}
}

func runNode(parent context.Context, cfg params.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Verbose)
	if err != nil {
		return errors.Wrap(err, "logger")
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar().With("node", cfg.Node.SelfID)

	cf, err := params.LoadCommitteeFile(cfg.Consensus.CommitteeFile)
	if err != nil {
		return err
	}
	epochs, err := epoch.FromCommitteeFile(cf)
	if err != nil {
		return err
	}
	self := types.NodeID(cfg.Node.SelfID)
	group := types.ShardGroup(cfg.Node.ShardGroup)
	if g, ok := epochs.GroupOf(epochs.CurrentEpoch(), self); ok {
		group = g
	}

	seed := cfg.Node.Seed
	if seed == "" {
		seed = cfg.Node.SelfID
	}
	signer, err := crypto.NewBLSSignerFromSeed([]byte(seed))
	if err != nil {
		return err
	}
	hostKey, err := p2p.IdentityFromSeed(seed)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return errors.Wrap(err, "data dir")
	}
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "chain"))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnw("store_close_failed", "err", err)
		}
	}()
	wal, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "events.log"), log.Named("events"))
	if err != nil {
		return errors.Wrap(err, "event log")
	}
	defer func() {
		if err := wal.Close(); err != nil {
			log.Debugw("event_log_close_failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	net, err := p2p.New(ctx, p2p.Config{
		ListenAddr: cfg.Node.ListenAddr,
		Bootstrap:  cfg.Node.Bootstrap,
		Identity:   hostKey,
		ShardGroup: group,
		Logger:     log.Named("p2p"),
	})
	if err != nil {
		return err
	}
	for _, ep := range cf.Epochs {
		if err := net.AddCommittee(epochs.AllMembers(types.Epoch(ep.Epoch))); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mp := mempool.New(epochs.ShardLayout(), group, 0)
	var leader consensus.LeaderStrategy = consensus.RoundRobinLeader{}
	if cfg.Consensus.StakeWeightedLeader {
		leader = consensus.StakeWeightedLeader{}
	}

	var apiServer *api.Server
	engine, err := consensus.NewEngine(consensus.Config{
		Self:       self,
		ShardGroup: group,
		Signer:     signer,
		Epochs:     epochs,
		Store:      store,
		Mempool:    mp,
		Transport:  net,
		Leader:     leader,
		Timers: consensus.PacemakerTimers{
			ProposalTimeout: cfg.Consensus.ProposalTimeout,
			Delta:           cfg.Consensus.TimeoutDelta,
		},
		MaxBlockCommands:   cfg.Consensus.MaxBlockCommands,
		BlacklistThreshold: cfg.Consensus.BlacklistThreshold,
		SyncBatchSize:      cfg.Consensus.SyncBatchSize,
		MissingTxTTL:       cfg.Consensus.MissingTxTTL,
		ForeignCapacity:    cfg.Consensus.ForeignCapacity,
		Metrics:            consensus.NewMetrics(reg, group.String()),
		Logger:             log.Named("consensus"),
		EventLog:           wal,
		OnBlockCommit: func(b *types.Block, qc *types.QuorumCertificate) {
			apiServer.OnBlockCommit(b, qc)
		},
	})
	if err != nil {
		return err
	}
	apiServer = api.NewServer(engine, store, mp, api.Config{
		Addr:     cfg.Node.APIAddr,
		Gatherer: reg,
		Logger:   log.Named("api"),
	})

	log.Infow("node_starting",
		"group", group.String(),
		"epoch", epochs.CurrentEpoch(),
		"peer", net.ID().String(),
		"data_dir", cfg.Node.DataDir,
		"api", cfg.Node.APIAddr,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return net.Run(gctx, engine) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return apiServer.Run(gctx) })
	g.Go(func() error { return advanceOnSignal(gctx, epochs, log) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Infow("node_stopped", "err", err)
	return err
}

// advanceOnSignal moves to the next committee checkpoint on SIGUSR1. It
// stands in for the anchor-chain scanner on dev networks.
func advanceOnSignal(ctx context.Context, epochs *epoch.StaticManager, log *zap.SugaredLogger) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGUSR1)
	defer signal.Stop(sig)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sig:
			ep, ok := epochs.Advance()
			log.Infow("epoch_advance", "epoch", ep, "advanced", ok)
		}
	}
}
