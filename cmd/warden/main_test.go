package main

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warden/pkg/api"
	"github.com/Mindburn-Labs/warden/pkg/audit"
	"github.com/Mindburn-Labs/warden/pkg/config"
)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"warden"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_DefaultsToServer(t *testing.T) {
	called := 0
	orig := startServer
	startServer = func(io.Writer, io.Writer) int { called++; return 0 }
	defer func() { startServer = orig }()

	code, _, _ := run()
	assert.Equal(t, 0, code)
	code, _, _ = run("serve")
	assert.Equal(t, 0, code)
	assert.Equal(t, 2, called)
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, stderr := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestRun_HelpAndVersion(t *testing.T) {
	code, stdout, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "USAGE")

	code, stdout, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, version)
}

func TestPolicyCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("version: \"1.0.0\"\nallowed_chain_ids: [1]\nmax_transaction_value_wei: \"1000\"\n"), 0o600))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("max_transaction_value_wei: \"1.5\"\n"), 0o600))

	code, stdout, _ := run("policy", "check", good)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "policy ok")

	code, _, stderr := run("policy", "check", bad)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "max_transaction_value_wei")

	code, _, _ = run("policy")
	assert.Equal(t, 2, code)
}

func TestAuditVerify_SQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	sink, err := audit.NewSQLSink(ctx, db, audit.DialectSQLite)
	require.NoError(t, err)
	log := audit.NewLog(audit.WithSink(sink))
	for i := 0; i < 3; i++ {
		_, err := log.Record(ctx, audit.Entry{Type: audit.EventLifecycle, Summary: "tick", Metadata: map[string]any{"i": i}})
		require.NoError(t, err)
	}

	code, stdout, stderr := run("audit", "verify", "--driver", "sqlite", "--dsn", dsn)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "3 entries")

	_, err = db.ExecContext(ctx, `UPDATE audit_entries SET summary = 'forged' WHERE sequence = 2`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	code, stdout, _ = run("audit", "verify", "--driver", "sqlite", "--dsn", dsn, "--json")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, `"verified":false`)

	code, _, _ = run("audit", "verify")
	assert.Equal(t, 2, code)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("WARDEN_JWT_SECRET", "cli-secret")

	code, stdout, _ := run("token", "--subject", "ops", "--role", "operator,agent", "--ttl", "1h")
	require.Equal(t, 0, code)

	claims, err := api.NewAuthenticator("cli-secret").Validate(strings.TrimSpace(stdout))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
	assert.ElementsMatch(t, []string{api.RoleOperator, api.RoleAgent}, claims.Roles)

	code, _, _ = run("token", "--subject", "x", "--role", "root")
	assert.Equal(t, 2, code)
	code, _, _ = run("token")
	assert.Equal(t, 2, code)

	t.Setenv("WARDEN_JWT_SECRET", "")
	code, _, _ = run("token", "--subject", "x")
	assert.Equal(t, 1, code)
}

func TestBuildApp_WiresPersistentAudit(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{
		Port:            "0",
		AuditCapacity:   100,
		AuditDriver:     "sqlite",
		AuditDSN:        filepath.Join(dir, "audit.db"),
		ApprovalTimeout: time.Minute,
		JWTSecret:       "s3cret",
		SignerSeed:      "0123456789abcdef-seed",
		SignerLabel:     "test",
	}
	logger := newLogger(io.Discard, "error")

	a, err := buildApp(ctx, cfg, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(a.handler)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	srv.Close()
	a.Close(ctx)

	// A restart continues the same chain.
	b, err := buildApp(ctx, cfg, logger)
	require.NoError(t, err)
	b.Close(ctx)

	code, stdout, stderr := run("audit", "verify", "--driver", "sqlite", "--dsn", cfg.AuditDSN)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "4 entries", "start and stop entries from both runs")
}

func TestBuildApp_RejectsBadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"9.0.0\"\nmax_transaction_value_wei: \"1\"\n"), 0o600))

	cfg := &config.Config{AuditCapacity: 10, ApprovalTimeout: time.Minute, PolicyFile: path, SignerSeed: "seed"}
	_, err := buildApp(context.Background(), cfg, newLogger(io.Discard, "error"))
	assert.ErrorContains(t, err, "outside supported range")
}

func TestBuildApp_RequiresSignerSeed(t *testing.T) {
	cfg := &config.Config{AuditCapacity: 10, ApprovalTimeout: time.Minute}
	_, err := buildApp(context.Background(), cfg, newLogger(io.Discard, "error"))
	assert.ErrorIs(t, err, errNoSignerKey)
}
