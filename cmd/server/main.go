/*
main.go - Application entry point

PURPOSE:
  academyd runs the academy credit ledger: the HTTP API, schema migration
  and demo seeding. Handles configuration, dependency wiring and graceful
  shutdown.

COMMANDS:
  serve            Migrate, then serve the API (default)
  migrate          Create or update the schema and exit
  seed SCENARIO    Reset the database and load a demo scenario
  audit            Run one ledger conservation pass and exit

FLAGS:
  --config   Path to a TOML file (optional)

ENVIRONMENT:
  ACADEMY_HTTP_PORT, ACADEMY_DB_DRIVER, ACADEMY_DB_DSN, ACADEMY_LOG_LEVEL,
  ACADEMY_LOG_FORMAT, ACADEMY_TIMEZONE, ACADEMY_AUDIT_INTERVAL. A .env file in the working
  directory is read too.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  academyd serve --config ./academy.toml
  ACADEMY_DB_DSN=":memory:" academyd seed pay-later

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration layering
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/courtside/academy-ledger/api"
	"github.com/courtside/academy-ledger/booking"
	"github.com/courtside/academy-ledger/config"
	"github.com/courtside/academy-ledger/credits"
	"github.com/courtside/academy-ledger/store/sqlite"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "academyd",
	Short: "Sports academy credit ledger and booking engine",
	Long: `academyd keeps the class-credit ledger of a sports academy: package
purchases, bookings, cancellations and pay-later debt, each applied as one
database transaction.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

var seedCmd = &cobra.Command{
	Use:   "seed SCENARIO",
	Short: "Reset the database and load a demo scenario",
	Long:  "Reset the database and load a demo scenario. Destroys existing data.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check every grant against its ledger and exit",
	RunE:  runAudit,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to TOML configuration file")
	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd, auditCmd)

	var names string
	for i, s := range api.Scenarios() {
		if i > 0 {
			names += ", "
		}
		names += s.ID
	}
	seedCmd.Long += "\nScenarios: " + names
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg     config.Config
	logger  *zap.Logger
	store   *sqlite.Store
	service *booking.Service
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.Open(sqlite.Options{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Logger: logger.Named("store"),
	})
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	engine := credits.NewEngine(loc, logger.Named("credits"))
	service := booking.NewService(store, engine, booking.Lookups{
		Sessions: store,
		Catalog:  store,
		Students: store,
	}, store, logger.Named("booking"))

	return &app{cfg: cfg, logger: logger, store: store, service: service}, nil
}

func (a *app) close() {
	a.store.Close()
	a.logger.Sync()
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	handler := api.NewHandler(a.service, a.store, a.logger.Named("api"))

	audit := api.NewLedgerAuditScheduler(a.store, a.service, a.logger.Named("audit"))
	audit.CheckInterval = a.cfg.Engine.AuditInterval.Duration
	audit.Enabled = audit.CheckInterval > 0
	handler.Audit = audit
	audit.Start()
	defer audit.Stop()
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: a.cfg.HTTP.AllowedOrigins})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout: a.cfg.HTTP.WriteTimeout.Duration,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout.Duration,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting",
			zap.Int("port", a.cfg.HTTP.Port),
			zap.String("driver", a.store.Driver()),
			zap.String("timezone", a.service.Engine.Location.String()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-quit:
		a.logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info("server stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("schema up to date", zap.String("driver", a.store.Driver()))
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	if err := api.LoadScenario(cmd.Context(), a.store, a.service, args[0]); err != nil {
		return fmt.Errorf("seed %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Loaded scenario %q\n", args[0])
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	run := api.NewLedgerAuditScheduler(a.store, a.service, a.logger.Named("audit")).RunNow(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "Checked %d grants of %d students: %d drifted, %d errors\n",
		run.Grants, run.Students, len(run.Drifted), run.Errors)
	if len(run.Drifted) > 0 || run.Errors > 0 {
		return fmt.Errorf("ledger audit found %d drifted grants", len(run.Drifted))
	}
	return nil
}
