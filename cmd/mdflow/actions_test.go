package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/mdflow/processor/scheduler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestAuditSummaryActionWritesYesterdaysSummary(t *testing.T) {
	root := t.TempDir()
	action := auditSummaryAction(root, testLogger())

	require.NoError(t, action(context.Background(), "audit_summary", scheduler.Entry{}))

	day := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	path := filepath.Join(root, "summary", fmt.Sprintf("daily_audit_summary_%s.md", day))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Daily Audit Summary")
	assert.Contains(t, string(data), day)
}

func TestAuditPruneActionRemovesExpiredPartitions(t *testing.T) {
	root := t.TempDir()
	expired := filepath.Join(root, "mcp_call", "2020-01")
	require.NoError(t, os.MkdirAll(expired, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(expired, "2020-01-15.jsonl"), []byte("{}\n"), 0o644))
	current := filepath.Join(root, "mcp_call", time.Now().UTC().Format("2006-01"))
	require.NoError(t, os.MkdirAll(current, 0o755))

	action := auditPruneAction(root, testLogger())
	require.NoError(t, action(context.Background(), "audit_prune", scheduler.Entry{}))

	_, err := os.Stat(expired)
	assert.True(t, os.IsNotExist(err), "expired partition must be pruned")
	_, err = os.Stat(current)
	assert.NoError(t, err, "current partition must survive")
}
