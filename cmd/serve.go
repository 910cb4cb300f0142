package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	cfg "github.com/cometbft/cometbft/config"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Poly-pay/polypay-app-sub000/app"
	"github.com/Poly-pay/polypay-app-sub000/audit"
	"github.com/Poly-pay/polypay-app-sub000/consensus"
	"github.com/Poly-pay/polypay-app-sub000/metrics"
	"github.com/Poly-pay/polypay-app-sub000/nullifier"
	"github.com/Poly-pay/polypay-app-sub000/repository"
	"github.com/Poly-pay/polypay-app-sub000/server"
	"github.com/Poly-pay/polypay-app-sub000/srvreg"
	"github.com/Poly-pay/polypay-app-sub000/statemachine"
	"github.com/Poly-pay/polypay-app-sub000/verifier"
	"github.com/Poly-pay/polypay-app-sub000/vkstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transaction API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "5000", "HTTP web server port")
	serveCmd.Flags().Bool("audit", false, "Replicate the audit trail through CometBFT")
	serveCmd.Flags().String("cmt-home", "", "Path to the CometBFT config directory")
	must(settings.BindPFlag("http.port", serveCmd.Flags().Lookup("http-port")))
	must(settings.BindPFlag("audit.enabled", serveCmd.Flags().Lookup("audit")))
	must(settings.BindPFlag("audit.comet_home", serveCmd.Flags().Lookup("cmt-home")))
}

func runServe(cmd *cobra.Command, args []string) error {
	c, logger, err := load()
	if err != nil {
		return err
	}
	if err := c.ValidateServe(); err != nil {
		return err
	}

	m := metrics.New()
	machine := statemachine.New(c.Consensus.DenialQuorum)

	// Connect Postgresql DB
	repo := repository.NewRepository(machine, logger)
	if err := repo.ConnectDB(c.Database.DSN, c.Database.ConnectAttempts, c.Database.ConnectWait); err != nil {
		return err
	}
	if err := repo.Migrate(); err != nil {
		return err
	}
	sqlDB, err := repo.DB().DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	// Verification key cache
	opts := badger.DefaultOptions(c.Badger.Path)
	if c.Badger.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	keyDB, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening key store: %w", err)
	}
	defer func() {
		if err := keyDB.Close(); err != nil {
			logger.Error("Closing key store", "err", err)
		}
	}()

	var auditor consensus.Auditor = audit.Nop{}
	if c.Audit.Enabled {
		node, stop, err := startAuditNode(c.Audit.CometHome, logger)
		if err != nil {
			return err
		}
		defer stop()
		recorder := audit.NewRecorder(cmtrpc.New(node), c.Audit.BroadcastTimeout, logger)
		defer recorder.Close()
		auditor = recorder
	}

	verifierClient := verifier.NewClient(c.Verifier.Client(), logger, m)
	keys := vkstore.NewStore(keyDB, verifierClient, c.Verifier.VKSettleDelay, logger, m)
	ledger := nullifier.NewLedger(repo.DB(), logger)

	service := consensus.NewService(
		repo,
		ledger,
		keys,
		verifierClient,
		machine,
		auditor,
		m,
		consensus.Config{
			MaxPollAttempts: c.Verifier.MaxPollAttempts,
			PollInterval:    c.Verifier.PollInterval,
			ReservationTTL:  c.Consensus.ReservationTTL,
		},
		logger,
	)

	// Initialize Service Registry
	serviceRegistry := srvreg.NewServiceRegistry(service, logger)
	serviceRegistry.RegisterDefaultServices()

	webserver := server.NewWebServer(c.HTTP.Port, logger, serviceRegistry, m, map[string]server.HealthCheck{
		"database": sqlDB.PingContext,
		"keystore": func(context.Context) error {
			if keyDB.IsClosed() {
				return errors.New("key store is closed")
			}
			return nil
		},
	})
	if err := webserver.Start(); err != nil {
		return fmt.Errorf("starting HTTP server: %w", err)
	}

	// Wait for interrupt signal to gracefully shut down the server
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), c.HTTP.ShutdownTimeout)
	defer cancel()
	if err := webserver.Shutdown(ctx); err != nil {
		logger.Error("Shutting down HTTP web server", "err", err)
	}
	logger.Info("HTTP web server gracefully stopped")
	return nil
}

// startAuditNode runs a CometBFT node whose application stores the audit
// trail in its own badger database under homeDir.
func startAuditNode(homeDir string, logger cmtlog.Logger) (*nm.Node, func(), error) {
	config := cfg.DefaultConfig()
	config.SetRoot(homeDir)
	v := viper.New()
	v.SetConfigFile(filepath.Join(homeDir, "config", "config.toml"))
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("reading cometbft config: %w", err)
	}
	if err := v.Unmarshal(config); err != nil {
		return nil, nil, fmt.Errorf("decoding cometbft config: %w", err)
	}
	config.SetRoot(homeDir)
	if err := config.ValidateBasic(); err != nil {
		return nil, nil, fmt.Errorf("invalid cometbft configuration: %w", err)
	}

	db, err := badger.Open(badger.DefaultOptions(filepath.Join(homeDir, "badger")))
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit database: %w", err)
	}
	closeDB := func() {
		if err := db.Close(); err != nil {
			logger.Error("Closing audit database", "err", err)
		}
	}

	application, err := app.NewABCIApplication(db, logger)
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	// Private Validator
	pv := privval.LoadFilePV(
		config.PrivValidatorKeyFile(),
		config.PrivValidatorStateFile(),
	)

	// P2P network identity
	nodeKey, err := p2p.LoadNodeKey(config.NodeKeyFile())
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("failed to load node's key: %w", err)
	}

	node, err := nm.NewNode(
		context.Background(),
		config,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(application),
		nm.DefaultGenesisDocProviderFunc(config),
		cfg.DefaultDBProvider,
		nm.DefaultMetricsProvider(config.Instrumentation),
		logger,
	)
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("creating node: %w", err)
	}
	if err := node.Start(); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("starting node: %w", err)
	}
	logger.Info("Audit node started", "node_id", node.NodeInfo().ID())

	stop := func() {
		if err := node.Stop(); err != nil {
			logger.Error("Stopping audit node", "err", err)
		}
		node.Wait()
		closeDB()
	}
	return node, stop, nil
}
