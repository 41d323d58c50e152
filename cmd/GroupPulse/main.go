// Command GroupPulse runs the per-user WhatsApp group monitors, the delivery
// pipeline and the operational API in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/api"
	"github.com/BTreeMap/GroupPulse/internal/delivery"
	"github.com/BTreeMap/GroupPulse/internal/digest"
	"github.com/BTreeMap/GroupPulse/internal/genai"
	"github.com/BTreeMap/GroupPulse/internal/lockfile"
	"github.com/BTreeMap/GroupPulse/internal/messaging"
	"github.com/BTreeMap/GroupPulse/internal/metrics"
	"github.com/BTreeMap/GroupPulse/internal/recovery"
	"github.com/BTreeMap/GroupPulse/internal/scheduler"
	"github.com/BTreeMap/GroupPulse/internal/store"
	"github.com/BTreeMap/GroupPulse/internal/supervisor"
	"github.com/BTreeMap/GroupPulse/internal/twiliowhatsapp"
	"github.com/BTreeMap/GroupPulse/internal/util"
	"github.com/BTreeMap/GroupPulse/internal/whatsapp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 30 * time.Second

func main() {
	env := loadEnvironmentConfig()
	cfg, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], env)
	initializeLogger(cfg.LogLevel)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping GroupPulse", "state_dir", cfg.StateDir, "api_addr", cfg.APIAddr, "outbound", cfg.OutboundProvider)
	if err := run(ctx, cfg); err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintln(os.Stderr, lockErr.Error())
		}
		slog.Error("GroupPulse failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("GroupPulse exited successfully")
}

// initializeLogger installs a text handler at the configured level as the default logger.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg Config) error {
	if err := ensureDirectoriesExist(cfg); err != nil {
		return err
	}
	ownerID := util.GenerateOwnerWorkerID()
	lock, err := lockfile.AcquireLock(cfg.StateDir, ownerID)
	if err != nil {
		return err
	}
	defer lock.Release()

	loc, err := cfg.location()
	if err != nil {
		return err
	}
	blackout, err := cfg.blackout()
	if err != nil {
		return err
	}

	st, err := store.Open(buildStoreOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sender, closeSender, err := buildSender(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSender()

	classifier, err := genai.NewClient(buildGenAIOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}

	mgr := delivery.NewManager(st, sender,
		delivery.WithBlackout(blackout),
		delivery.WithDefaultLocation(loc),
		delivery.WithMetrics(m),
	)

	var factoryOpts []whatsapp.FactoryOption
	if cfg.ShowUserQR {
		factoryOpts = append(factoryOpts, whatsapp.WithQRWriter(os.Stdout))
	}
	transports, err := whatsapp.NewFactory(ctx, cfg.WhatsAppDSN, whatsAppLogLevel(cfg.LogLevel), factoryOpts...)
	if err != nil {
		return fmt.Errorf("open user device store: %w", err)
	}

	sup := supervisor.New(st, transports, classifier, mgr,
		supervisor.WithOwnerID(ownerID),
		supervisor.WithStrictOwnership(cfg.StrictOwnership),
		supervisor.WithScanPolling(cfg.ScanPollInterval, supervisor.DefaultScanBatch),
		supervisor.WithMetrics(m),
	)
	if err := sup.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize supervisor: %w", err)
	}
	defer sup.StopAll()

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(recovery.OutboundRecovery(mgr, recovery.DefaultStaleAfter))
	rm.RegisterRecoverable(recovery.ScanRecovery(st, recovery.DefaultStaleAfter, nil))
	rm.RegisterRecoverable(recovery.InboundRecovery(sup))
	if _, err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}

	sched := scheduler.NewScheduler(scheduler.WithLocation(loc), scheduler.WithMetrics(m))
	defer sched.Stop()
	triggers := scheduler.DefaultTriggers()
	triggers.Digest = cfg.DigestCron
	if err := sched.Register(triggers, mgr, digest.NewService(st, mgr), sup); err != nil {
		return fmt.Errorf("register scheduler triggers: %w", err)
	}

	srv := api.NewServer(sup, st, api.WithAddr(cfg.APIAddr), api.WithGatherer(reg))
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	slog.Info("GroupPulse running", "owner_id", ownerID, "workers", sup.ActiveCount())
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API shutdown failed", "error", err)
	}
	return nil
}

// buildSender creates the outbound transport. The returned func releases it.
func buildSender(ctx context.Context, cfg Config) (messaging.Sender, func(), error) {
	switch cfg.OutboundProvider {
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioToken),
			twiliowhatsapp.WithFromWhats(cfg.TwilioFrom),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("create twilio client: %w", err)
		}
		svc := messaging.NewService(ProviderTwilio, client)
		return svc, svc.Stop, nil
	default:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg)...)
		if err != nil {
			return nil, nil, fmt.Errorf("connect notifier account: %w", err)
		}
		svc := messaging.NewService(ProviderWhatsApp, client)
		return svc, func() {
			svc.Stop()
			client.Close()
		}, nil
	}
}

// buildWhatsAppOptions constructs the notifier account options
func buildWhatsAppOptions(cfg Config) []whatsapp.Option {
	opts := []whatsapp.Option{
		whatsapp.WithDBDSN(cfg.NotifierDSN),
		whatsapp.WithLogLevel(whatsAppLogLevel(cfg.LogLevel)),
	}
	if cfg.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(cfg.QROutput))
	}
	if cfg.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildGenAIOptions constructs classifier options
func buildGenAIOptions(cfg Config) []genai.Option {
	var opts []genai.Option
	if cfg.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(cfg.OpenAIKey))
	}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	return opts
}

// whatsAppLogLevel keeps whatsmeow quieter than the application unless debugging.
func whatsAppLogLevel(level string) string {
	if parseLogLevel(level) <= slog.LevelDebug {
		return "DEBUG"
	}
	return "WARN"
}
