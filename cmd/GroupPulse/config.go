package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/delivery"
	"github.com/BTreeMap/GroupPulse/internal/scheduler"
	"github.com/BTreeMap/GroupPulse/internal/store"
	"github.com/BTreeMap/GroupPulse/internal/supervisor"
	"github.com/BTreeMap/GroupPulse/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for GroupPulse state data
	DefaultStateDir = "/var/lib/grouppulse"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "grouppulse.db"
	// DefaultWhatsAppDBFileName holds the device keys of every user connection
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultNotifierDBFileName holds the device keys of the system notifier account
	DefaultNotifierDBFileName = "notifier.db"

	DefaultAPIAddr          = ":8080"
	DefaultTimezone         = "UTC"
	DefaultBlackoutDuration = 25 * time.Hour
	DefaultLogLevel         = "info"

	ProviderWhatsApp = "whatsapp"
	ProviderTwilio   = "twilio"
)

// Config holds environment configuration, overridden by flags.
type Config struct {
	StateDir         string
	DatabaseURL      string
	WhatsAppDSN      string
	NotifierDSN      string
	OpenAIKey        string
	OpenAIModel      string
	APIAddr          string
	OutboundProvider string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	DefaultTimezone  string
	BlackoutStart    string
	BlackoutDuration time.Duration
	DigestCron       string
	ScanPollInterval time.Duration
	StrictOwnership  bool
	LogLevel         string
	QROutput         string
	NumericCode      bool
	ShowUserQR       bool
}

// sqliteDeviceDSN is the whatsmeow device store DSN for a file in dir.
func sqliteDeviceDSN(dir, name string) string {
	return "file:" + filepath.Join(dir, name) + "?_foreign_keys=on"
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := Config{
		StateDir:         util.GetEnv("GROUPPULSE_STATE_DIR", DefaultStateDir),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		NotifierDSN:      os.Getenv("NOTIFIER_DB_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		APIAddr:          util.GetEnv("API_ADDR", DefaultAPIAddr),
		OutboundProvider: strings.ToLower(util.GetEnv("OUTBOUND_PROVIDER", ProviderWhatsApp)),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		DefaultTimezone:  util.GetEnv("DEFAULT_TIMEZONE", DefaultTimezone),
		BlackoutStart:    os.Getenv("BLACKOUT_START"),
		BlackoutDuration: util.ParseDurationEnv("BLACKOUT_DURATION", DefaultBlackoutDuration),
		DigestCron:       util.GetEnv("DIGEST_CRON", scheduler.DefaultDigestExpr),
		ScanPollInterval: util.ParseDurationEnv("SCAN_POLL_INTERVAL", supervisor.DefaultScanPollInterval),
		StrictOwnership:  util.ParseBoolEnv("STRICT_OWNERSHIP", false),
		LogLevel:         util.GetEnv("LOG_LEVEL", DefaultLogLevel),
	}
	cfg.applyStateDirDefaults()

	slog.Debug("environment variables loaded",
		"GROUPPULSE_STATE_DIR", cfg.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"WHATSAPP_DB_DSN_SET", os.Getenv("WHATSAPP_DB_DSN") != "",
		"NOTIFIER_DB_DSN_SET", os.Getenv("NOTIFIER_DB_DSN") != "",
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"API_ADDR", cfg.APIAddr,
		"OUTBOUND_PROVIDER", cfg.OutboundProvider,
		"DEFAULT_TIMEZONE", cfg.DefaultTimezone,
		"BLACKOUT_START", cfg.BlackoutStart,
		"DIGEST_CRON", cfg.DigestCron,
		"STRICT_OWNERSHIP", cfg.StrictOwnership)
	return cfg
}

// applyStateDirDefaults fills unset database DSNs with files in the state directory.
func (c *Config) applyStateDirDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = filepath.Join(c.StateDir, DefaultAppDBFileName)
	}
	if c.WhatsAppDSN == "" {
		c.WhatsAppDSN = sqliteDeviceDSN(c.StateDir, DefaultWhatsAppDBFileName)
	}
	if c.NotifierDSN == "" {
		c.NotifierDSN = sqliteDeviceDSN(c.StateDir, DefaultNotifierDBFileName)
	}
}

// parseCommandLineFlags applies flag overrides on top of the environment configuration.
// DSNs that were derived from the state directory follow a -state-dir override.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, env Config) (Config, error) {
	cfg := env
	derived := Config{StateDir: env.StateDir}
	derived.applyStateDirDefaults()

	fs.StringVar(&cfg.StateDir, "state-dir", env.StateDir, "state directory for GroupPulse data (overrides $GROUPPULSE_STATE_DIR)")
	fs.StringVar(&cfg.DatabaseURL, "db-dsn", env.DatabaseURL, "application database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)")
	fs.StringVar(&cfg.WhatsAppDSN, "whatsapp-db-dsn", env.WhatsAppDSN, "device store DSN for user connections (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&cfg.NotifierDSN, "notifier-db-dsn", env.NotifierDSN, "device store DSN for the notifier account (overrides $NOTIFIER_DB_DSN)")
	fs.StringVar(&cfg.OpenAIKey, "openai-api-key", env.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&cfg.APIAddr, "api-addr", env.APIAddr, "health and metrics API address (overrides $API_ADDR)")
	fs.StringVar(&cfg.OutboundProvider, "outbound-provider", env.OutboundProvider, "outbound transport: whatsapp or twilio (overrides $OUTBOUND_PROVIDER)")
	fs.StringVar(&cfg.DefaultTimezone, "timezone", env.DefaultTimezone, "default IANA time zone (overrides $DEFAULT_TIMEZONE)")
	fs.StringVar(&cfg.BlackoutStart, "blackout-start", env.BlackoutStart, `weekly blackout start, e.g. "Fri 18:00" (overrides $BLACKOUT_START)`)
	fs.DurationVar(&cfg.BlackoutDuration, "blackout-duration", env.BlackoutDuration, "weekly blackout length (overrides $BLACKOUT_DURATION)")
	fs.StringVar(&cfg.DigestCron, "digest-cron", env.DigestCron, "daily digest cron expression (overrides $DIGEST_CRON)")
	fs.DurationVar(&cfg.ScanPollInterval, "scan-poll-interval", env.ScanPollInterval, "scan request poll interval (overrides $SCAN_POLL_INTERVAL)")
	fs.BoolVar(&cfg.StrictOwnership, "strict-ownership", env.StrictOwnership, "never take over sessions owned by a live instance (overrides $STRICT_OWNERSHIP)")
	fs.StringVar(&cfg.LogLevel, "log-level", env.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)")
	fs.StringVar(&cfg.QROutput, "qr-output", "", "path to write the notifier login QR code")
	fs.BoolVar(&cfg.NumericCode, "numeric-code", false, "print the notifier pairing code instead of a QR")
	fs.BoolVar(&cfg.ShowUserQR, "show-user-qr", false, "also render user pairing QR codes to stdout")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.StateDir != env.StateDir {
		moved := Config{StateDir: cfg.StateDir}
		moved.applyStateDirDefaults()
		if cfg.DatabaseURL == derived.DatabaseURL {
			cfg.DatabaseURL = moved.DatabaseURL
		}
		if cfg.WhatsAppDSN == derived.WhatsAppDSN {
			cfg.WhatsAppDSN = moved.WhatsAppDSN
		}
		if cfg.NotifierDSN == derived.NotifierDSN {
			cfg.NotifierDSN = moved.NotifierDSN
		}
		slog.Debug("Updated database DSNs based on state directory", "state_dir", cfg.StateDir)
	}
	cfg.OutboundProvider = strings.ToLower(strings.TrimSpace(cfg.OutboundProvider))
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.OutboundProvider {
	case ProviderWhatsApp, ProviderTwilio:
	default:
		return fmt.Errorf("unknown outbound provider %q (want %s or %s)", c.OutboundProvider, ProviderWhatsApp, ProviderTwilio)
	}
	if _, err := c.location(); err != nil {
		return err
	}
	if _, err := c.blackout(); err != nil {
		return err
	}
	return nil
}

// location loads the default time zone.
func (c Config) location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.DefaultTimezone, err)
	}
	return loc, nil
}

// blackout parses the weekly blackout window in the default time zone.
func (c Config) blackout() (delivery.BlackoutWindow, error) {
	loc, err := c.location()
	if err != nil {
		return delivery.BlackoutWindow{}, err
	}
	return delivery.ParseBlackout(c.BlackoutStart, c.BlackoutDuration, loc)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(c Config) []store.Option {
	if store.DetectDSNType(c.DatabaseURL) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		return []store.Option{store.WithPostgresDSN(c.DatabaseURL)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", c.DatabaseURL)
	return []store.Option{store.WithSQLiteDSN(c.DatabaseURL)}
}

// ensureDirectoriesExist creates the state directory and the parent of a file-based database.
func ensureDirectoriesExist(c Config) error {
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory %s: %w", c.StateDir, err)
	}
	if store.DetectDSNType(c.DatabaseURL) != "postgres" {
		dir := filepath.Dir(strings.TrimPrefix(c.DatabaseURL, "file:"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory %s: %w", dir, err)
		}
	}
	return nil
}

// parseLogLevel maps a level name to slog; unknown names fall back to info.
func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}
