package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegisfabric/aegis/pkg/approval"
	"github.com/aegisfabric/aegis/pkg/audit"
	"github.com/aegisfabric/aegis/pkg/capability"
	"github.com/aegisfabric/aegis/pkg/clock"
	"github.com/aegisfabric/aegis/pkg/config"
	"github.com/aegisfabric/aegis/pkg/control"
	"github.com/aegisfabric/aegis/pkg/membership"
	"github.com/aegisfabric/aegis/pkg/metrics"
	"github.com/aegisfabric/aegis/pkg/node"
	"github.com/aegisfabric/aegis/pkg/obslog"
	"github.com/aegisfabric/aegis/pkg/pki"
	"github.com/aegisfabric/aegis/pkg/plan"
	"github.com/aegisfabric/aegis/pkg/sandbox"
	"github.com/aegisfabric/aegis/pkg/storage"
	"github.com/aegisfabric/aegis/pkg/token"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "aegisd",
	Short:   "aegisd runs a single Execution Node / Membership Authority voter",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("aegisd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("config", "", "path to node config YAML")
	rootCmd.AddCommand(bootstrapCmd, joinCmd, serveCmd)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	return config.Load(path)
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Bootstrap a brand new single-voter Membership Authority",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		obslog.Init(obslog.Config{Level: obslog.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSONOutput})

		authority, _, _, health, err := buildNode(cfg)
		if err != nil {
			return err
		}
		if err := authority.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		if err := authority.RegisterTrustedNode(membership.TrustedNodeDescriptor{
			NodeID:     cfg.NodeID,
			Name:       cfg.NodeID,
			PublicKey:  cfg.Security.SigningKey,
			TrustLevel: 1,
		}); err != nil {
			return fmt.Errorf("register self: %w", err)
		}
		obslog.WithNodeID(cfg.NodeID).Info().Msg("membership authority bootstrapped")
		return serveForever(cfg, health)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join an existing Membership Authority cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		obslog.Init(obslog.Config{Level: obslog.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSONOutput})

		authority, _, _, health, err := buildNode(cfg)
		if err != nil {
			return err
		}
		if err := authority.Join(); err != nil {
			return fmt.Errorf("join: %w", err)
		}
		obslog.WithNodeID(cfg.NodeID).Info().Msg("raft started, waiting for leader to AddVoter this node")
		return serveForever(cfg, health)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve metrics and health endpoints for an already-bootstrapped node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		obslog.Init(obslog.Config{Level: obslog.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSONOutput})
		return serveForever(cfg, metrics.NewHealthChecker(criticalComponents))
	},
}

// criticalComponents lists the components GetReadiness requires to be
// registered and healthy before a node reports "ready".
var criticalComponents = []string{"raft", "sandbox", "audit"}

// buildNode wires the storage, PKI, token, capability, planner,
// sandbox, audit, membership, and control layers for one node from
// cfg, exactly as the Control API and Execution Node need them bound
// together at process start.
func buildNode(cfg *config.Config) (*membership.Authority, *node.Node, *control.API, *metrics.HealthChecker, error) {
	if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create storage dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	secrets, err := secretsManagerFromConfig(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ca := pki.NewCertAuthority(store, secrets)
	if err := ca.LoadFromStore(); err != nil {
		if err := ca.Initialize(); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("initialize CA: %w", err)
		}
	}

	clk := clock.System{}
	signingKey := []byte(cfg.Security.SigningKey)
	tokens := token.NewManager(cfg.NodeID, signingKey, store, clk)

	registry := capability.NewRegistry()
	_ = registry.Register("protocol:handshake", capability.Metadata{
		ID: "protocol:handshake", Name: "Protocol handshake", Category: "protocol", Risk: capability.RiskLow,
	})
	policy := capability.NewEngine(capability.RiskCritical, nil)

	planner := plan.NewPlanner()
	sb := sandbox.New(noopStepRunner, func() int64 { return time.Now().Unix() })

	chain := audit.NewChain(func() int64 { return time.Now().Unix() })

	if err := os.MkdirAll(cfg.Raft.DataDir, 0o755); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create raft data dir: %w", err)
	}
	authority := membership.New(membership.Config{
		NodeID:          cfg.NodeID,
		BindAddr:        cfg.Listen.ProtocolAddr,
		DataDir:         cfg.Raft.DataDir,
		QuorumThreshold: 1,
	}, store, clk)

	n := node.New(node.Config{
		Descriptor:     node.Descriptor{NodeID: cfg.NodeID, Name: cfg.NodeID, TrustLevel: 1},
		Tokens:         tokens,
		Policy:         policy,
		Registry:       registry,
		Planner:        planner,
		Sandbox:        sb,
		Chain:          chain,
		Clock:          clk,
		Approvals:      approval.NewQueue(),
		Checkpoints:    approval.NoopCheckpointProvider{},
		ClusterManager: authority,
	})

	metrics.NewCollector(authority, chain).Start()
	health := metrics.NewHealthChecker(criticalComponents)
	health.SetVersion(Version)
	health.RegisterComponent("raft", true, "bootstrapped")
	health.RegisterComponent("sandbox", true, "ready")
	health.RegisterComponent("audit", true, "ready")

	provenance := control.NewProvenanceRegistry()
	api := control.NewAPI(authority, provenance, chain, clk)

	return authority, n, api, health, nil
}

func noopStepRunner(ctx context.Context, step plan.Step, seed int64) error { return nil }

func secretsManagerFromConfig(cfg *config.Config) (*pki.SecretsManager, error) {
	if cfg.Security.CAPassphrase != "" {
		return pki.NewSecretsManagerFromPassphrase(cfg.Security.CAPassphrase)
	}
	return pki.NewSecretsManager([]byte(cfg.Security.SigningKey))
}

func serveForever(cfg *config.Config, health *metrics.HealthChecker) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.HealthHandler())
	mux.Handle("/ready", health.ReadyHandler())
	mux.Handle("/live", health.LivenessHandler())

	addr := cfg.Listen.ControlAddr
	obslog.WithNodeID(cfg.NodeID).Info().Str("addr", addr).Msg("serving metrics and health endpoints")
	return http.ListenAndServe(addr, mux)
}
