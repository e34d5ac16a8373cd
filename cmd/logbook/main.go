// File: cmd/logbook/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/eas-logbook/internal/config"
	"github.com/smartdevs17/eas-logbook/internal/metrics"
	"github.com/smartdevs17/eas-logbook/internal/notification"
	"github.com/smartdevs17/eas-logbook/internal/server"
	"github.com/smartdevs17/eas-logbook/internal/session"
	"github.com/smartdevs17/eas-logbook/internal/storage"
	"github.com/smartdevs17/eas-logbook/internal/telemetry"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

// Application represents the main application
type Application struct {
	config       *config.Config
	logger       *logrus.Logger
	metrics      *metrics.Manager
	storage      storage.Storage
	notification *notification.Manager
	sessions     *session.Registry
	server       *server.HTTPServer
	shutdown     telemetry.Shutdown
}

// NewApplication creates a new application instance. withServer is false
// for one-shot commands.
func NewApplication(cfg *config.Config, withServer bool) (*Application, error) {
	app := &Application{config: cfg}

	if err := app.initializeLogger(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(withServer); err != nil {
		app.Stop()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	logCfg := app.config.Logging
	if app.config.App.Debug {
		logCfg.Level = "debug"
	}

	if err := utils.InitLogger(logCfg.Level, logCfg.Format, logCfg.Output, logCfg.File); err != nil {
		return err
	}

	app.logger = utils.GetLogger()
	app.logger.WithFields(logrus.Fields{
		"level":  logCfg.Level,
		"format": logCfg.Format,
		"output": logCfg.Output,
	}).Debug("Logger initialized")

	return nil
}

// initializeComponents initializes all application components
func (app *Application) initializeComponents(withServer bool) error {
	var err error

	app.shutdown, err = telemetry.InitTracer(app.config.Telemetry, AppVersion)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	app.metrics = metrics.NewManager()
	prom := app.metrics.GetPrometheusMetrics()

	if err := app.initializeStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	app.notification, err = notification.NewManager(app.config.Notifications, app.config.App.Name, prom)
	if err != nil {
		return fmt.Errorf("failed to initialize notification: %w", err)
	}

	app.sessions, err = session.NewRegistry(session.Options{
		Config:   app.config,
		Metrics:  prom,
		Journal:  app.storage,
		Notifier: app.notification,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sessions: %w", err)
	}

	if !withServer {
		return nil
	}

	app.server, err = server.NewHTTPServer(&app.config.Server, server.Dependencies{
		Sessions:     app.sessions,
		Storage:      app.storage,
		Notification: app.notification,
		Metrics:      app.metrics,
		Version:      AppVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	app.logger.Info("All components initialized successfully")
	return nil
}

// initializeStorage opens and migrates the journal
func (app *Application) initializeStorage() error {
	store, err := storage.NewStorage(&app.config.Storage)
	if err != nil {
		return err
	}
	if err := store.Connect(); err != nil {
		return err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return err
	}

	app.storage = storage.NewStorageWithMetrics(store, app.metrics)
	return nil
}

// Start starts the HTTP server
func (app *Application) Start() error {
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
	}).Info("Starting EAS Logbook")

	if err := app.server.Start(); err != nil {
		return err
	}

	// The watcher follows network switches made over the API
	if app.config.Watcher.Enabled {
		if err := app.sessions.StartWatching(context.Background()); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
	}

	app.logger.WithFields(logrus.Fields{
		"server_address": fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		"active_network": app.config.ActiveNetwork,
		"channels":       app.notification.Channels(),
	}).Info("EAS Logbook started successfully")

	return nil
}

// Stop stops the application gracefully, in reverse start order
func (app *Application) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if app.sessions != nil {
		if err := app.sessions.StopWatching(); err != nil {
			app.logger.WithError(err).Error("Failed to stop watcher")
		}
	}
	if app.server != nil {
		if err := app.server.Stop(ctx); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}
	if app.sessions != nil {
		if err := app.sessions.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close sessions")
		}
	}
	if app.notification != nil {
		if err := app.notification.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to stop notification manager")
		}
	}
	if app.storage != nil {
		if err := app.storage.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close storage")
		}
	}
	if app.shutdown != nil {
		if err := app.shutdown(ctx); err != nil {
			app.logger.WithError(err).Error("Failed to flush traces")
		}
	}
}

// CLI Commands

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "logbook",
	Short:   "Geotagged log entries recorded as EAS attestations",
	Long:    `Records location-stamped log entries with optional media as Ethereum Attestation Service attestations and serves them back for list and map views.`,
	Version: AppVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(viper.GetString("env-file")); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
		return nil
	},
}

// loadConfig loads and validates the configuration named by --config,
// applying --network and --debug
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if network := viper.GetUint64("network"); network != 0 {
		cfg.ActiveNetwork = network
	}
	if viper.GetBool("debug") {
		cfg.App.Debug = true
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		app, err := NewApplication(cfg, true)
		if err != nil {
			return fmt.Errorf("failed to create application: %w", err)
		}
		defer app.Stop()

		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

		if err := app.Start(); err != nil {
			return fmt.Errorf("failed to start application: %w", err)
		}

		<-signalChan
		fmt.Println("\nReceived shutdown signal, stopping application...")
		return nil
	},
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("EAS Logbook %s\n", AppVersion)
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

// validateConfigCmd validates the configuration
var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		active, _ := cfg.Network(cfg.ActiveNetwork)
		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Active network: %s (%d)\n", active.Name, cfg.ActiveNetwork)
		fmt.Printf("Networks: %d\n", len(cfg.Networks))
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Upload backend: %s\n", cfg.Upload.Backend)
		fmt.Printf("Wallet configured: %t\n", cfg.Wallet.PrivateKey != "")

		return nil
	},
}

// init initializes the CLI commands
func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the configuration")
	rootCmd.PersistentFlags().Uint64P("network", "n", 0, "chain id to use instead of the configured active network")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")

	for _, name := range []string{"config", "env-file", "network", "log-level", "debug"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	rootCmd.AddCommand(serveCmd, versionCmd, configCmd, attestCmd, showCmd, entriesCmd, networksCmd, maintenanceCmd)
	configCmd.AddCommand(validateConfigCmd)
	maintenanceCmd.AddCommand(cleanupCmd, statsCmd, syncCmd)
}

// main is the entry point
func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
