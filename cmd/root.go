package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/sentinel-blur/internal/config"
	"github.com/andresmejia3/sentinel-blur/internal/logger"
	"github.com/andresmejia3/sentinel-blur/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Options holds shared configuration for the analyze and redact commands
type Options struct {
	InputPath          string
	NumEngines         int
	Workers            int
	DetectionThreshold float64
	FaceMargin         float64
	BlurStrength       int
	Style              string
	WorkerTimeout      string
	// Synthetic swaps ffmpeg and the python detector for in-memory fakes.
	Synthetic bool
}

var (
	// cfg is loaded from the environment before any subcommand runs
	cfg *config.Config
	// appLog is the structured logger shared by subcommands
	appLog *zap.Logger

	dbURL    string
	dataDir  string
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "sentinel-blur",
	Short:   "Face detection and blurring pipeline for uploaded videos",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		// Flags win over the environment
		if dbURL != "" {
			cfg.DatabaseURL = dbURL
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}

		appLog, err = logger.New(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if appLog != nil {
			_ = appLog.Sync()
		}
	},
}

// openStore connects to PostgreSQL. Commands that only work with a database call it.
func openStore(ctx context.Context) (*store.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("no database configured: set DATABASE_URL, POSTGRES_HOST or --db")
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: $DATABASE_URL or built from $POSTGRES_*)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory for uploads and renders (default: $DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: $LOG_LEVEL)")
}
