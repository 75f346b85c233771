package commands

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JoyciAkira/sgn-core-sub001/config"
	"github.com/JoyciAkira/sgn-core-sub001/db"
	"github.com/JoyciAkira/sgn-core-sub001/errors"
	"github.com/JoyciAkira/sgn-core-sub001/logger"
	"github.com/JoyciAkira/sgn-core-sub001/metrics"
	"github.com/JoyciAkira/sgn-core-sub001/peer"
	"github.com/JoyciAkira/sgn-core-sub001/seen"
	"github.com/JoyciAkira/sgn-core-sub001/server"
	"github.com/JoyciAkira/sgn-core-sub001/store"
	"github.com/JoyciAkira/sgn-core-sub001/trust"
)

// Exit codes reported by serve.
const (
	exitConfigError = 1
	exitPortInUse   = 2
	exitDBFailure   = 3
)

// ServeCmd runs the daemon.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gossip daemon",
	Long: `Run the sgnd daemon: HTTP ingest API plus WebSocket fan-out.

Configuration comes from sgn.toml in the working directory and SGN_*
environment variables (SGN_HTTP_PORT, SGN_DB, SGN_TRUST, SGN_DATA_DIR).

Exit codes: 0 clean shutdown, 1 configuration error, 2 port in use,
3 database open failure.`,
	Run: runServe,
}

var serveConfigFlag string

func init() {
	ServeCmd.Flags().StringVar(&serveConfigFlag, "config", "", "Path to a TOML config file (overrides sgn.toml discovery)")
}

func runServe(cmd *cobra.Command, args []string) {
	os.Exit(serve())
}

// serve is split from runServe so deferred cleanups run before os.Exit.
func serve() int {
	var cfg *config.Config
	var err error
	if serveConfigFlag != "" {
		cfg, err = config.LoadFromFile(serveConfigFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		logger.Errorw("Configuration error", "error", err)
		return exitConfigError
	}

	database, err := db.Open(cfg.DB, logger.Logger)
	if err != nil {
		logger.Errorw("Failed to open database", "path", cfg.DB, "error", err)
		return exitDBFailure
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		logger.Errorw("Failed to migrate database", "error", err)
		return exitDBFailure
	}

	trustStore, err := trust.NewStore(cfg.Trust, logger.Logger)
	if err != nil {
		logger.Errorw("Failed to load trust policy", "path", cfg.Trust, "error", err)
		return exitConfigError
	}

	trustWatcher, err := trust.NewWatcher(trustStore, logger.Logger)
	if err != nil {
		logger.Warnw("Trust file watcher unavailable, relying on /trust/reload", "error", err)
	} else {
		defer trustWatcher.Close()
	}

	kuStore, err := store.New(database, filepath.Join(cfg.DataDir, "blobs"), logger.Logger)
	if err != nil {
		logger.Errorw("Failed to initialize KU store", "error", err)
		return exitDBFailure
	}

	srv := server.New(
		database,
		kuStore,
		trustStore,
		seen.New(seen.DefaultSize, seen.DefaultWindow),
		metrics.New(),
		logger.Logger,
	)
	go srv.Run()

	startRelays(srv, cfg)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infow("Signal received, shutting down", "signal", sig.String())
		if err := srv.Shutdown(); err != nil {
			logger.Warnw("Shutdown error", "error", err)
		}
	}()

	if err := srv.Start(cfg.HTTPPort); err != nil {
		if errors.Is(err, server.ErrPortInUse) {
			logger.Errorw("Port already in use", "port", cfg.HTTPPort)
			return exitPortInUse
		}
		logger.Errorw("Server failed", "error", err)
		return 1
	}

	logger.Infow("Clean shutdown")
	return 0
}

// startRelays spawns one relay goroutine per configured peer. The relay
// subscribes on the remote with a stable id so its cursor survives
// restarts.
func startRelays(srv *server.Server, cfg *config.Config) {
	if len(cfg.Peers) == 0 {
		return
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "sgnd"
	}

	for name, base := range cfg.Peers {
		subscriberID := fmt.Sprintf("relay-%s-%s", host, name)
		relay, err := peer.New(name, base, subscriberID, srv, logger.Logger)
		if err != nil {
			logger.Warnw("Skipping misconfigured peer", "peer", name, "url", base, "error", err)
			continue
		}
		go relay.Run(srv.Context())
		logger.Infow("Peer relay started", "peer", name, "url", base)
	}
}
