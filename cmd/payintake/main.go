package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/slabstack/payintake/internal/api"
	"github.com/slabstack/payintake/internal/sms"
	"github.com/slabstack/payintake/internal/store"
	"github.com/slabstack/payintake/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for payintake state data
	DefaultStateDir = "/var/lib/payintake"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "payintake.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(config.StateDir); err != nil {
		slog.Error("Failed to create required directories", "error", err, "state_dir", config.StateDir)
		os.Exit(1)
	}

	storeOpts := buildStoreOptions(flags)
	smsOpts := buildSMSOptions(flags)
	apiOpts := buildAPIOptions(flags, config)

	slog.Info("Bootstrapping payintake with configured modules")
	slog.Debug("Final configuration", "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "stale_window", config.StaleWindow)
	if err := api.Run(storeOpts, smsOpts, apiOpts); err != nil {
		slog.Error("payintake failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("payintake exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	APIAddr       string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	StaleWindow   time.Duration
	SweepSchedule string
	Debug         bool
}

// Flags holds command line flag values
type Flags struct {
	dbDSN      *string
	apiAddr    *string
	twilioSID  *string
	twilioTok  *string
	twilioFrom *string
}

// initializeLogger sets up structured logging; PAYINTAKE_DEBUG enables debug level.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("PAYINTAKE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("PAYINTAKE_STATE_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		StaleWindow:   util.ParseDurationEnv("CONVERSATION_STALE_WINDOW", api.DefaultStaleWindow),
		SweepSchedule: os.Getenv("SWEEP_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PAYINTAKE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"PAYINTAKE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.TwilioToken != "",
		"TWILIO_FROM_NUMBER_SET", config.TwilioFrom != "",
		"CONVERSATION_STALE_WINDOW", config.StaleWindow,
		"SWEEP_SCHEDULE", config.SweepSchedule)

	return config
}

// ensureDirectoriesExist creates the state directory if it is missing.
func ensureDirectoriesExist(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	slog.Debug("state directory ready", "state_dir", stateDir)
	return nil
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDSN:      flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		apiAddr:    flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		twilioSID:  flag.String("twilio-account-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioTok:  flag.String("twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom: flag.String("twilio-from-number", config.TwilioFrom, "Twilio sending number (overrides $TWILIO_FROM_NUMBER)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"twilioSID_set", *flags.twilioSID != "",
		"twilioFrom_set", *flags.twilioFrom != "")

	return flags
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgres", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	} else {
		slog.Debug("No database DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildSMSOptions constructs Twilio configuration options
func buildSMSOptions(flags Flags) []sms.Option {
	var smsOpts []sms.Option
	if *flags.twilioSID != "" {
		smsOpts = append(smsOpts, sms.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioTok != "" {
		smsOpts = append(smsOpts, sms.WithAuthToken(*flags.twilioTok))
	}
	if *flags.twilioFrom != "" {
		smsOpts = append(smsOpts, sms.WithFromNumber(*flags.twilioFrom))
	}
	return smsOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if config.StaleWindow > 0 {
		apiOpts = append(apiOpts, api.WithStaleWindow(config.StaleWindow))
	}
	if config.SweepSchedule != "" {
		apiOpts = append(apiOpts, api.WithSweepSchedule(config.SweepSchedule))
	}
	return apiOpts
}
