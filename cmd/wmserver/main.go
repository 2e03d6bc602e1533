// wmserver is the Owl world model server: it listens for solver and client
// connections, keeps the current state of the world in memory, and
// persists history to a relational store.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/OwlPlatform/world-model/config"
	"github.com/OwlPlatform/world-model/engine"
	"github.com/OwlPlatform/world-model/logger"
	"github.com/OwlPlatform/world-model/server"
	"github.com/OwlPlatform/world-model/store"
)

var (
	configPath string
	jsonLogs   bool
)

var rootCmd = &cobra.Command{
	Use:   "wmserver",
	Short: "Owl world model server",
	Long: `wmserver - temporal attribute store for a pervasive-computing world model.

Solvers connect on the solver port (default 7009) to write time-stamped
attribute assertions; clients connect on the client port (default 7010)
for snapshots, historic queries, and streaming subscriptions.

With no configuration file the server runs without persistence. A
configuration file is a key=value text file with '#' comments:

  db_name=world_model
  user=owl
  password=secret
  solver_port=7009
  client_port=7010`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON structured logs")
}

func run() error {
	log := logger.Logger
	cfg, err := config.Load(configPath, log)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var st store.Store
	switch {
	case !cfg.Persistent():
		log.Infow("Running without persistence")
		st = store.NewNull()
	case cfg.DBDriver == "sqlite3":
		st, err = store.NewSQLite(cfg.DBName, log)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
	default:
		st, err = store.NewMySQL(store.MySQLConfig{
			DBName:   cfg.DBName,
			User:     cfg.User,
			Password: cfg.Password,
			Addr:     cfg.DBAddr,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to open mysql store: %w", err)
		}
	}

	eng := engine.New(engine.Options{Store: st, Logger: log})
	eng.Start()

	srv := server.New(eng, server.Options{
		SolverPort: cfg.SolverPort,
		ClientPort: cfg.ClientPort,
		Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		Logger:     log,
	})
	if err := srv.Start(); err != nil {
		eng.Stop()
		return err
	}

	// Shut down cleanly on the first signal; a second one aborts.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Infow("Shutting down", "signal", sig.String())
	go func() {
		<-signals
		log.Errorw("Aborting")
		os.Exit(1)
	}()

	srv.Stop()
	eng.Stop()
	return nil
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
