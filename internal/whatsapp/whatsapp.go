// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in GroupPulse.
//
// It provides the per-user chat transport the connection workers drive and the
// system notifier account used to deliver alerts and digests.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/GroupPulse/internal/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow device database
	DefaultSQLitePath = "/var/lib/grouppulse/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = types.DefaultUserServer
)

// Opts holds configuration options for WhatsApp clients.
type Opts struct {
	DBDSN       string // whatsmeow device database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR
	LogLevel    string // whatsmeow log level
}

// Option defines a configuration option for WhatsApp clients.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow device database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the pairing code instead of rendering a QR.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithLogLevel sets the whatsmeow log level (DEBUG, INFO, WARN, ERROR).
func WithLogLevel(level string) Option {
	return func(o *Opts) {
		o.LogLevel = level
	}
}

func applyOpts(opts []Option) Opts {
	cfg := Opts{LogLevel: "WARN"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
		slog.Debug("whatsapp: no device database DSN provided, using default SQLite path", "default_path", cfg.DBDSN)
	}
	return cfg
}

// sqliteMissingForeignKeys reports whether a SQLite DSN lacks the foreign key
// pragma whatsmeow relies on.
func sqliteMissingForeignKeys(dsn string) bool {
	if store.DetectDSNType(dsn) != "sqlite3" {
		return false
	}
	return !strings.Contains(dsn, "foreign_keys")
}

// OpenContainer opens the whatsmeow device store, detecting the driver from the DSN.
// One container holds the devices of every paired user.
func OpenContainer(ctx context.Context, dsn, logLevel string) (*sqlstore.Container, error) {
	driver := store.DetectDSNType(dsn)
	if sqliteMissingForeignKeys(dsn) {
		slog.Warn("whatsapp.OpenContainer: SQLite database does not appear to have foreign keys enabled. "+
			"The whatsmeow library strongly recommends enabling foreign keys for data integrity.",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}
	slog.Debug("whatsapp.OpenContainer: initializing device store", "driver", driver)
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", logLevel, true))
	if err != nil {
		slog.Error("whatsapp.OpenContainer: failed to initialize device store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	return container, nil
}

// PhoneToJID converts an E.164 phone number ("+972 50-000-0000") to a user JID.
func PhoneToJID(phone string) (types.JID, error) {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 7 || len(digits) > 15 {
		return types.EmptyJID, fmt.Errorf("invalid phone number %q", phone)
	}
	return types.NewJID(digits, JIDSuffix), nil
}
