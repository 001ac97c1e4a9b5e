// Epistemd is a calibration daemon for coding agents.
//
// It opens an epistemic measurement window per session, gates risky actions
// on bias-corrected confidence, grounds self-reports against objective
// evidence at close, and persists everything write-through to a fast SQLite
// index and a portable file store.
//
// Usage:
//
//	# Start the daemon with defaults
//	epistemd
//
//	# Custom config file
//	epistemd -config ~/.config/epistemd/config.yaml
//
//	# Reconcile drift between the two storage backends
//	epistemd reconcile
//
//	# Show version information
//	epistemd version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/epistemd/internal/config"
	"github.com/fyrsmithlabs/epistemd/internal/filestore"
	"github.com/fyrsmithlabs/epistemd/internal/logging"
	"github.com/fyrsmithlabs/epistemd/internal/sqlitestore"
	"github.com/fyrsmithlabs/epistemd/pkg/dualstore"
	"github.com/fyrsmithlabs/epistemd/pkg/evidence"
	"github.com/fyrsmithlabs/epistemd/pkg/gate"
	"github.com/fyrsmithlabs/epistemd/pkg/grounding"
	"github.com/fyrsmithlabs/epistemd/pkg/prior"
	"github.com/fyrsmithlabs/epistemd/pkg/server"
	"github.com/fyrsmithlabs/epistemd/pkg/transaction"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/epistemd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	// Handle subcommands
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		case "reconcile":
			if err := runReconcile(*configPath); err != nil {
				log.Fatalf("Reconcile error: %v", err)
			}
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  epistemd             Start the epistemd daemon\n")
			fmt.Fprintf(os.Stderr, "  epistemd reconcile   Reconcile the storage backends\n")
			fmt.Fprintf(os.Stderr, "  epistemd version     Show version information\n")
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("epistemd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the epistemd server and blocks until context is cancelled.
//
// This function initializes all dependencies:
//  1. Loads and validates configuration
//  2. Initializes the logger
//  3. Opens both storage backends and the dual store over them
//  4. Wires priors, evidence sources, grounder, and the manager
//  5. Starts the HTTP server
//  6. Performs graceful shutdown on context cancellation
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logging.Sync(logger) // Best-effort sync on shutdown
	}()

	logger.Info("Starting epistemd",
		zap.Int("port", cfg.Server.Port),
		zap.String("gate_mode", cfg.Gate.Mode),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("Dependencies initialized",
		zap.String("sqlite_path", cfg.Storage.SQLitePath),
		zap.String("file_root", cfg.Storage.FileRoot))

	manager, err := initManager(cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize manager: %w", err)
	}

	srv, err := server.NewServer(manager, logger, &server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info("Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)),
		zap.String("rpc_prefix", "/rpc"),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// runReconcile migrates missing records between the backends and reports
// divergence, then exits.
func runReconcile(configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	report, err := deps.store.Reconcile(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Migrated:  %d\n", report.Migrated)
	fmt.Printf("Skipped:   %d\n", report.Skipped)
	fmt.Printf("Conflicts: %d\n", len(report.Conflicts))
	for _, c := range report.Conflicts {
		fmt.Printf("  %s (fast %s / portable %s)\n", c.Key, c.FastHash, c.PortableHash)
	}
	return nil
}

// dependencies holds the storage stack.
type dependencies struct {
	fast     *sqlitestore.Store
	portable *filestore.Store
	store    *dualstore.Store
}

// Close releases storage resources.
func (d *dependencies) Close() {
	if d.store != nil {
		_ = d.store.Close()
	}
}

// initDependencies opens both backends and the dual store over them.
func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	fast, err := sqlitestore.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	portable, err := filestore.Open(cfg.Storage.FileRoot)
	if err != nil {
		_ = fast.Close()
		return nil, fmt.Errorf("failed to open file store: %w", err)
	}

	store := dualstore.New(fast, portable, logger)
	return &dependencies{fast: fast, portable: portable, store: store}, nil
}

// initManager wires priors, evidence sources, grounder, gate policy, and the
// transaction manager.
func initManager(cfg *config.Config, deps *dependencies, logger *zap.Logger) (*transaction.Manager, error) {
	priors := prior.NewCalculator(prior.NewDualStore(deps.store), logger)

	var sources []evidence.Source
	if len(cfg.Evidence.TestCommand) > 0 {
		sources = append(sources, &evidence.TestSource{
			Command: cfg.Evidence.TestCommand,
			Dir:     cfg.Evidence.WorkDir,
		})
	}
	if cfg.Evidence.RepoPath != "" {
		sources = append(sources, &evidence.DiffSource{RepoPath: cfg.Evidence.RepoPath})
	}
	collector := evidence.NewCollector(sources, cfg.Evidence.SourceTimeout, logger)
	grounder := grounding.NewGrounder(collector, logger)

	policy := gate.StaticPolicy{Mode: gate.Mode(cfg.Gate.Mode)}

	opts := []transaction.ManagerOption{
		transaction.WithReadPreference(dualstore.Preference(cfg.Storage.ReadPreference)),
	}
	if cfg.Evidence.RepoPath != "" {
		opts = append(opts, transaction.WithWorktreeHasher(&evidence.GitWorktreeHasher{
			RepoPath: cfg.Evidence.RepoPath,
		}))
	}

	return transaction.NewManager(deps.store, priors, grounder,
		cfg.Gate.Thresholds, policy, logger, opts...)
}
