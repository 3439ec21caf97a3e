package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Mindburn-Labs/warden/pkg/actions"
	"github.com/Mindburn-Labs/warden/pkg/api"
	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/egress"
	"github.com/Mindburn-Labs/warden/pkg/netguard"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/policy"
	"github.com/Mindburn-Labs/warden/pkg/signer"
	"github.com/Mindburn-Labs/warden/pkg/signing"
	"github.com/Mindburn-Labs/warden/pkg/tokenstore"
)

const archiveInterval = 5 * time.Minute

func runServe(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := newLogger(stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close(context.Background())

	logger.Info("warden listening", "port", cfg.Port)
	if err := api.ListenAndServe(ctx, ":"+cfg.Port, a.handler); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// app is the wired server and what must be released on shutdown.
type app struct {
	handler http.Handler
	log     *audit.Log
	logger  *slog.Logger

	archiver     *audit.Archiver
	archiveMu    sync.Mutex
	lastArchived uint64

	closers []func(context.Context) error
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	telemetry := observability.Noop()
	if cfg.OTLPEndpoint != "" {
		oc := observability.DefaultConfig()
		oc.Endpoint = cfg.OTLPEndpoint
		oc.Insecure = true
		p, err := observability.New(ctx, oc)
		if err != nil {
			return nil, err
		}
		telemetry = p
		a.closers = append(a.closers, p.Shutdown)
	}

	auditOpts := []audit.Option{
		audit.WithCapacity(cfg.AuditCapacity),
		audit.WithSink(audit.NewSlogSink(logger)),
		audit.WithLogger(logger.With("component", "audit")),
	}
	if cfg.AuditDriver != "" {
		db, dialect, err := openAuditDB(ctx, cfg.AuditDriver, cfg.AuditDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		sink, err := audit.NewSQLSink(ctx, db, dialect)
		if err != nil {
			return nil, err
		}
		last, err := sink.Load(ctx, 1)
		if err != nil {
			return nil, fmt.Errorf("audit: load chain head: %w", err)
		}
		if len(last) == 1 {
			auditOpts = append(auditOpts, audit.WithResume(last[0]))
			a.lastArchived = last[0].Sequence
		}
		auditOpts = append(auditOpts, audit.WithSink(sink))
	}
	a.log = audit.NewLog(auditOpts...)

	if cfg.AuditArchiveBucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("audit archive: %w", err)
		}
		a.archiver = audit.NewArchiver(s3.NewFromConfig(awsCfg), cfg.AuditArchiveBucket, cfg.AuditArchivePrefix)
		go a.archiveLoop(ctx)
	}

	tokens := tokenstore.New()
	resolver := netguard.NewResolver(netguard.WithControlPlanePort(cfg.ControlPlanePort))
	proxy := egress.New(tokens, resolver, a.log,
		egress.WithHostRateLimit(rate.Limit(20), 40),
		egress.WithLogger(logger.With("component", "egress")),
		egress.WithTelemetry(telemetry),
	)

	guardOpts := []actions.Option{
		actions.WithLogger(logger.With("component", "actions")),
		actions.WithTelemetry(telemetry),
	}
	if cfg.ControlPlanePort > 0 {
		guardOpts = append(guardOpts, actions.WithShellRunner(actions.NewControlPlaneRunner(proxy)))
	}
	guard := actions.NewGuard(proxy, a.log, guardOpts...)
	a.closers = append(a.closers, guard.Close)
	if cfg.ActionsFile != "" {
		acts, err := actions.LoadFile(cfg.ActionsFile)
		if err != nil {
			return nil, err
		}
		for _, act := range acts {
			if err := guard.Register(act); err != nil {
				return nil, err
			}
		}
	}

	sgn, err := newSigner(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var ledger signing.Ledger = signing.NewMemoryLedger()
	if cfg.RedisAddr != "" {
		rl := signing.NewRedisLedger(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		a.closers = append(a.closers, func(context.Context) error { return rl.Close() })
		if err := rl.Ping(ctx); err != nil {
			return nil, fmt.Errorf("signing ledger: redis ping failed: %w", err)
		}
		ledger = rl
	}

	pol := policy.Default()
	if cfg.PolicyFile != "" {
		if pol, err = policy.LoadFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}

	svc := signing.New(sgn, a.log,
		signing.WithPolicy(pol),
		signing.WithLedger(ledger),
		signing.WithApprovalTimeout(cfg.ApprovalTimeout),
		signing.WithLogger(logger.With("component", "signing")),
		signing.WithTelemetry(telemetry),
	)

	if cfg.JWTSecret == "" {
		logger.Warn("WARDEN_JWT_SECRET not set: every authenticated route will answer 401")
	}
	srv := api.NewServer(api.Deps{
		Tokens:  tokens,
		Proxy:   proxy,
		Actions: guard,
		Signing: svc,
		Audit:   a.log,
		Auth:    api.NewAuthenticator(cfg.JWTSecret),
		Limiter: api.NewRateLimiter(ctx, 50, 100),
		Logger:  logger,
	})
	a.handler = srv.Handler()

	address, _ := svc.Address(ctx)
	if _, err := a.log.Record(ctx, audit.Entry{
		Type:    audit.EventLifecycle,
		Summary: "warden started",
		Metadata: map[string]any{
			"version":     version,
			"signer":      address,
			"actions":     len(guard.Actions()),
			"redisLedger": cfg.RedisAddr != "",
		},
	}); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

var errNoSignerKey = errors.New("WARDEN_SIGNER_SEED is required: warden does not generate signing keys")

func newSigner(ctx context.Context, cfg *config.Config, logger *slog.Logger) (signer.Signer, error) {
	switch {
	case cfg.UseHSM:
		logger.Warn("WARDEN_SIGNER_HSM uses the in-process software provider; development only")
		return signer.NewHSMSigner(ctx, signer.NewSoftwareProvider(), cfg.SignerLabel)
	case cfg.SignerSeed != "":
		return signer.NewLocalSigner([]byte(cfg.SignerSeed), cfg.SignerLabel)
	default:
		return nil, errNoSignerKey
	}
}

func (a *app) archiveLoop(ctx context.Context) {
	ticker := time.NewTicker(archiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.archive(ctx)
		}
	}
}

// archive uploads entries recorded since the previous upload.
func (a *app) archive(ctx context.Context) {
	if a.archiver == nil {
		return
	}
	a.archiveMu.Lock()
	defer a.archiveMu.Unlock()

	var fresh []audit.Entry
	for _, e := range a.log.Recent(0) {
		if e.Sequence > a.lastArchived {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		return
	}
	key, err := a.archiver.Archive(ctx, fresh)
	if err != nil {
		a.logger.ErrorContext(ctx, "audit archive failed", "error", err)
		return
	}
	a.lastArchived = fresh[len(fresh)-1].Sequence
	a.logger.InfoContext(ctx, "audit archived", "key", key, "entries", len(fresh))
}

// Close records shutdown, flushes the archive and releases resources in
// reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	if a.log != nil && a.handler != nil {
		_, _ = a.log.Record(ctx, audit.Entry{Type: audit.EventLifecycle, Summary: "warden stopping"})
		a.archive(ctx)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}
