package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/api"
	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/policy"
)

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 || args[0] != "check" {
		_, _ = fmt.Fprintln(stderr, "Usage: warden policy check <file>")
		return 2
	}
	p, err := policy.LoadFile(args[1])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "policy ok: %d chain(s), cap %s wei, %d/hour, %d/day\n",
		len(p.AllowedChainIDs), p.MaxTransactionValueWei, p.MaxTransactionsPerHour, p.MaxTransactionsPerDay)
	return 0
}

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "verify" {
		_, _ = fmt.Fprintln(stderr, "Usage: warden audit verify --driver <sqlite|postgres> --dsn <dsn>")
		return 2
	}

	cmd := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		driver     string
		dsn        string
		limit      int
		jsonOutput bool
	)
	cmd.StringVar(&driver, "driver", os.Getenv("WARDEN_AUDIT_DRIVER"), "Audit database driver (sqlite or postgres)")
	cmd.StringVar(&dsn, "dsn", os.Getenv("WARDEN_AUDIT_DSN"), "Audit database DSN")
	cmd.IntVar(&limit, "limit", 10000, "Number of newest entries to verify")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}
	if driver == "" || dsn == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --driver and --dsn are required")
		return 2
	}

	ctx := context.Background()
	db, dialect, err := openAuditDB(ctx, strings.ToLower(driver), dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	sink, err := audit.NewSQLSink(ctx, db, dialect)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	entries, err := sink.Load(ctx, limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: load entries: %v\n", err)
		return 2
	}

	verr := audit.VerifyChain(entries)
	if jsonOutput {
		out := map[string]any{"verified": verr == nil, "entries": len(entries)}
		if verr != nil {
			out["error"] = verr.Error()
		}
		_ = json.NewEncoder(stdout).Encode(out)
	} else if verr == nil {
		_, _ = fmt.Fprintf(stdout, "audit chain ok: %d entries\n", len(entries))
	} else {
		_, _ = fmt.Fprintf(stderr, "audit chain broken: %v\n", verr)
	}
	if verr != nil {
		return 1
	}
	return 0
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		subject string
		roles   string
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "subject", "", "Token subject (REQUIRED)")
	cmd.StringVar(&roles, "role", api.RoleAgent, "Comma separated roles (agent, operator)")
	cmd.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --subject is required")
		return 2
	}

	var list []string
	for _, r := range strings.Split(roles, ",") {
		r = strings.TrimSpace(r)
		switch r {
		case api.RoleAgent, api.RoleOperator:
			list = append(list, r)
		case "":
		default:
			_, _ = fmt.Fprintf(stderr, "Error: unknown role %q\n", r)
			return 2
		}
	}

	tok, err := api.NewAuthenticator(os.Getenv("WARDEN_JWT_SECRET")).Issue(subject, list, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v (set WARDEN_JWT_SECRET)\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}

func openAuditDB(ctx context.Context, driver, dsn string) (*sql.DB, audit.Dialect, error) {
	var dialect audit.Dialect
	switch driver {
	case "sqlite":
		dialect = audit.DialectSQLite
	case "postgres":
		dialect = audit.DialectPostgres
	default:
		return nil, "", fmt.Errorf("unsupported audit driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open audit db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("audit db ping failed: %w", err)
	}
	return db, dialect, nil
}
