package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const landedOrder = `{"customerId":"C1","orderId":"O-1","products":[` +
	`{"productId":"P1","quantity":1,"soldPrice":10.5},{"productId":"P2","quantity":2,"soldPrice":3.25}],` +
	`"salesRepId":"R9","shippingAddress":{"address":"1 Main","attention":"Bo","city":"Austin","state":"TX","zip":73301},` +
	`"submittedAt":"2020-01-15T10:00:00.000+0000"}`

// run executes the root command with args and returns its stdout.
func run(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rc := NewRootCommand(strings.NewReader(""), &stdout, &stderr)
	rc.SetArgs(append([]string{"--data-dir", dataDir, "--env-file", "", "--log-level", "error"}, args...))
	err := rc.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "orderlake version dev")
}

func TestStreamUntilIdleThenInspect(t *testing.T) {
	dataDir := t.TempDir()
	landing := filepath.Join(dataDir, "landing")
	require.NoError(t, os.MkdirAll(landing, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(landing, "001.json"), []byte(landedOrder+"\n"), 0644))

	out, err := run(t, dataDir, "stream", "--until-idle", "--landing-dir", landing)
	require.NoError(t, err)
	assert.Contains(t, out, "line_items")
	assert.Contains(t, out, "IDLE")

	out, err = run(t, dataDir, "tables")
	require.NoError(t, err)
	assert.Contains(t, out, "orders_stream")
	assert.Contains(t, out, "submitted_yyyy_mm")

	out, err = run(t, dataDir, "scan", "line_items", "--limit", "1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	var row map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &row))
	assert.Equal(t, "O-1", row["order_id"])
	assert.Equal(t, filepath.Join(landing, "001.json"), row["ingest_file_name"])

	out, err = run(t, dataDir, "scan", "orders_stream", "--partition", "submitted_yyyy_mm=2020-01")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"))

	out, err = run(t, dataDir, "scan", "orders_stream", "--partition", "submitted_yyyy_mm=2021-06")
	require.NoError(t, err)
	assert.Empty(t, out)

	// A second drain finds nothing new.
	_, err = run(t, dataDir, "stream", "--until-idle", "--landing-dir", landing)
	require.NoError(t, err)
	out, err = run(t, dataDir, "scan", "line_items")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestScanUnknownTable(t *testing.T) {
	_, err := run(t, t.TempDir(), "scan", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestStreamFlagsExclusive(t *testing.T) {
	_, err := run(t, t.TempDir(), "stream", "--once", "--until-idle")
	require.Error(t, err)
}

func TestBatchMissingFiles(t *testing.T) {
	_, err := run(t, t.TempDir(), "batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2017.txt")
}

func TestConfigFileAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "orderlake.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("batch:\n  table: history\n"), 0644))
	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("ORDERLAKE_BATCH_PARSE_FAILURE_POLICY=skip_and_log\n"), 0644))
	t.Setenv("ORDERLAKE_BATCH_PARSE_FAILURE_POLICY", "")
	os.Unsetenv("ORDERLAKE_BATCH_PARSE_FAILURE_POLICY")

	g := &globals{configFile: cfgPath, envFile: envPath, dataDir: dir}
	require.NoError(t, g.load())
	assert.Equal(t, "history", g.cfg.Batch.Table)
	assert.EqualValues(t, "skip_and_log", g.cfg.Batch.ParseFailurePolicy)
	assert.Equal(t, dir, g.cfg.DataDir)
}
