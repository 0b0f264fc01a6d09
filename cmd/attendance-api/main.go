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

	"github.com/MarcoPoloResearchLab/attendance/backend/internal/attendance"
	"github.com/MarcoPoloResearchLab/attendance/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/attendance/backend/internal/config"
	"github.com/MarcoPoloResearchLab/attendance/backend/internal/database"
	"github.com/MarcoPoloResearchLab/attendance/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/attendance/backend/internal/roster"
	"github.com/MarcoPoloResearchLab/attendance/backend/internal/server"
	"github.com/MarcoPoloResearchLab/attendance/backend/internal/viewcache"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile    string
	rosterFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "attendance-api",
		Short: "Attendance streak and follow-up service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newRosterCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newRosterCommand() *cobra.Command {
	rosterCmd := &cobra.Command{
		Use:   "roster",
		Short: "Manage the class and person directory",
	}
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Upsert classes and persons from a TOML roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRosterImport(cmd.Context(), rosterFile)
		},
	}
	importCmd.Flags().StringVar(&rosterFile, "file", "", "Path to the TOML roster")
	if err := importCmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
	rosterCmd.AddCommand(importCmd)
	return rosterCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().Int("cache-ttl-seconds", defaults.GetInt("cache.ttl_seconds"), "Derived view cache TTL in seconds")
	cmd.PersistentFlags().Int("streak-threshold", defaults.GetInt("report.streak_threshold"), "Default leaderboard streak threshold")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to make credentialed cross-origin requests")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "cache.ttl_seconds", "cache-ttl-seconds")
	bindFlag(cmd, "report.streak_threshold", "streak-threshold")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := attendance.NewGormStore(db)
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	attendanceService, err := attendance.NewService(attendance.ServiceConfig{
		Store: store,
		Cache: viewcache.New(viewcache.Config{
			TTL:    appConfig.CacheTTL,
			Logger: logger,
		}),
		Clock:           time.Now,
		IDProvider:      attendance.NewUUIDProvider(),
		Logger:          logger,
		StreakThreshold: appConfig.StreakThreshold,
		MonthlyWindow:   appConfig.MonthlyMonths,
		ClassTimeout:    appConfig.ClassTimeout,
		Concurrency:     appConfig.ReportConcurrency,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Attendance:       attendanceService,
		Logger:           logger,
		AllowedOrigins:   appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runRosterImport(ctx context.Context, path string) error {
	databasePath := viper.GetString("database.path")
	logger, err := logging.NewLogger(viper.GetString("log.level"), viper.GetString("log.format"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open roster: %w", err)
	}
	defer file.Close()

	parsed, err := roster.Parse(file)
	if err != nil {
		return err
	}

	db, err := database.OpenSQLite(databasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := attendance.NewGormStore(db)
	if err != nil {
		return err
	}
	summary, err := roster.Apply(ctx, store, parsed)
	if err != nil {
		return err
	}
	logger.Info("roster imported",
		zap.String("file", path),
		zap.Int("classes", summary.Classes),
		zap.Int("persons", summary.Persons))
	return nil
}
