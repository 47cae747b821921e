package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/gergy/internal/budget"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func isolatedEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("GERGY_CONFIG_FILE", "")
	t.Setenv("GERGY_STORAGE_ENGINE", "sqlite")
	t.Setenv("GERGY_DATA_PATH", dir)
	t.Setenv("GERGY_CACHE_BACKEND", "memory")
	t.Setenv("GERGY_PATTERN_CATALOG", "")
	return dir
}

func TestPatternsValidate_Embedded(t *testing.T) {
	isolatedEnv(t)

	stdout, _, err := executeCLI(t, "patterns", "validate")
	require.NoError(t, err)

	var summary catalogSummary
	require.NoError(t, json.Unmarshal([]byte(stdout), &summary))
	assert.Equal(t, "embedded", summary.Source)
	assert.Contains(t, summary.Templates, "financial_planning_event")
	assert.Len(t, summary.Templates, 5)
}

func TestPatternsValidate_RejectsBadFile(t *testing.T) {
	dir := isolatedEnv(t)
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("templates:\n  - name: empty\n    base_confidence: 0.5\n"), 0o600))

	_, _, err := executeCLI(t, "patterns", "validate", path)
	require.Error(t, err)
}

func TestProcessThenBudgetStatus(t *testing.T) {
	isolatedEnv(t)

	stdout, _, err := executeCLI(t, "process",
		"--domain", "financial",
		"--session", "s-1",
		"--text", "set a budget for savings and investment of $500",
		"--cost", "2.5",
	)
	require.NoError(t, err)

	var result struct {
		Suggestions  []json.RawMessage `json:"suggestions"`
		BudgetStatus budget.Status     `json:"budget_status"`
		CacheHit     bool              `json:"cache_hit"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.False(t, result.CacheHit)
	assert.True(t, result.BudgetStatus.Admitted)
	assert.InDelta(t, 2.5, result.BudgetStatus.Spent, 1e-9)

	// A new process reads the committed spend back from the store.
	stdout, _, err = executeCLI(t, "budget", "status", "financial")
	require.NoError(t, err)

	var statuses []budget.Status
	require.NoError(t, json.Unmarshal([]byte(stdout), &statuses))
	require.Len(t, statuses, 1)
	assert.InDelta(t, 2.5, statuses[0].Spent, 1e-9)
	assert.InDelta(t, 12.5, statuses[0].Remaining, 1e-9)
}

func TestProcess_RequiresFlags(t *testing.T) {
	isolatedEnv(t)

	_, _, err := executeCLI(t, "process", "--domain", "financial")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "text" not set`)
}

func TestBudgetStatus_AllDomains(t *testing.T) {
	isolatedEnv(t)

	stdout, _, err := executeCLI(t, "budget", "status")
	require.NoError(t, err)

	var statuses []budget.Status
	require.NoError(t, json.Unmarshal([]byte(stdout), &statuses))
	assert.Len(t, statuses, 5)
}

func TestCacheStats_Disabled(t *testing.T) {
	isolatedEnv(t)
	t.Setenv("GERGY_CACHE_BACKEND", "none")

	stdout, _, err := executeCLI(t, "cache", "stats")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"enabled": false`)
}

func TestCacheStats_MemoryBackendIsNotShared(t *testing.T) {
	isolatedEnv(t)
	t.Setenv("GERGY_CACHE_BACKEND", "memory")

	stdout, stderr, err := executeCLI(t, "cache", "stats")
	require.NoError(t, err)

	var report cacheStatsReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, "memory", report.Backend)
	assert.False(t, report.Shared)
	assert.True(t, report.Enabled)
	assert.Contains(t, stderr, "private to this process")

	help, _, err := executeCLI(t, "cache", "stats", "--help")
	require.NoError(t, err)
	assert.Contains(t, help, "not to a running")
}

func TestServe_AnswersPingOverStdio(t *testing.T) {
	isolatedEnv(t)

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	root.SetIn(strings.NewReader(`{"jsonrpc":"2.0","method":"ping","id":1}` + "\n"))
	root.SetOut(stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve", "--metrics-addr", ""})

	require.NoError(t, root.Execute())
	assert.Contains(t, stdout.String(), `"id":1`)
	assert.NotContains(t, stdout.String(), `"error"`)
}

func TestRoot_RejectsUnknownLogLevel(t *testing.T) {
	isolatedEnv(t)

	_, _, err := executeCLI(t, "--log-level", "loud", "budget", "status")
	require.Error(t, err)
}
