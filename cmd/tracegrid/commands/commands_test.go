package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracegrid/tracegrid/pkg/config"
	"github.com/tracegrid/tracegrid/pkg/model"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func useSQLite(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvStorageDriver, "sqlite")
	t.Setenv(config.EnvSQLitePath, filepath.Join(t.TempDir(), "tracegrid.db"))
	t.Setenv(config.EnvLogLevel, "error")
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const productCommits = `[
  {"commit": {"service_id": "svc-a", "commit_num": 1, "commit_id": "c1", "previous_commit_id": ""},
   "changes": [{"entity_type": "product", "operation": "add", "natural_key": ["p1"],
                "payload": {"product_id": "p1", "product_namespace": "GS1", "owner": "acme"}}]},
  {"commit": {"service_id": "svc-a", "commit_num": 2, "commit_id": "c2", "previous_commit_id": "c1"},
   "changes": [{"entity_type": "product", "operation": "update", "natural_key": ["p1"],
                "payload": {"product_id": "p1", "product_namespace": "GS1", "owner": "globex"}}]}
]`

func head(t *testing.T, service string) model.CommitPosition {
	t.Helper()
	out, err := run(t, "commit", "head", "--service", service, "--json")
	require.NoError(t, err, out)
	var pos model.CommitPosition
	require.NoError(t, json.Unmarshal([]byte(out), &pos), out)
	return pos
}

func TestCommitLifecycle(t *testing.T) {
	useSQLite(t)

	_, err := run(t, "migrate")
	require.NoError(t, err)

	_, err = run(t, "commit", "head", "--service", "svc-a")
	assert.True(t, model.IsNotFound(err), "got %v", err)

	out, err := run(t, "commit", "apply", "-f", writeFile(t, "commits.json", productCommits))
	require.NoError(t, err, out)
	assert.Equal(t, model.CommitPosition{ServiceID: "svc-a", CommitNum: 2, CommitID: "c2"}, head(t, "svc-a"))

	// replaying the feed is a no-op
	_, err = run(t, "commit", "apply", "-f", writeFile(t, "commits.json", productCommits))
	require.NoError(t, err)
	assert.Equal(t, int64(2), head(t, "svc-a").CommitNum)

	// a competing commit 2 replaces the current one
	fork := `{"commit": {"service_id": "svc-a", "commit_num": 2, "commit_id": "c2b", "previous_commit_id": "c1"},
	          "changes": [{"entity_type": "product", "operation": "delete", "natural_key": ["p1"]}]}`
	out, err = run(t, "commit", "apply", "-f", writeFile(t, "fork.json", fork))
	require.NoError(t, err, out)
	assert.Equal(t, "c2b", head(t, "svc-a").CommitID)

	out, err = run(t, "commit", "list", "--service", "svc-a", "--json")
	require.NoError(t, err)
	var page model.Page[model.Commit]
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, "c2b", page.Items[0].CommitID)
	assert.Equal(t, "c1", page.Items[1].CommitID)

	_, err = run(t, "commit", "rollback", "--service", "svc-a", "--to", "1")
	require.NoError(t, err)
	assert.Equal(t, "c1", head(t, "svc-a").CommitID)

	out, err = run(t, "commit", "head", "--service", "svc-a")
	require.NoError(t, err)
	assert.Equal(t, "1 c1\n", out)
}

func TestCommitApplyReportsFailures(t *testing.T) {
	useSQLite(t)

	gap := `{"commit": {"service_id": "svc-a", "commit_num": 5, "commit_id": "c5", "previous_commit_id": "c4"},
	         "changes": []}`
	_, err := run(t, "commit", "apply", "-f", writeFile(t, "gap.json", gap))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c5")

	_, err = run(t, "commit", "apply", "-f", writeFile(t, "bad.json", "{not json"))
	assert.Error(t, err)

	_, err = run(t, "commit", "apply")
	assert.Error(t, err)
}

func TestBatchCommands(t *testing.T) {
	useSQLite(t)

	out, err := run(t, "batch", "submit", "--id", "b1", "--signature", "sig", "--submitter", "pk1")
	require.NoError(t, err)
	assert.Equal(t, "b1 pending\n", out)

	out, err = run(t, "batch", "status", "--id", "b1", "--json")
	require.NoError(t, err)
	var b model.Batch
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	assert.Equal(t, model.BatchPending, b.Status)
	assert.Equal(t, "pk1", b.Submitter)

	_, err = run(t, "batch", "submit", "--id", "b1", "--signature", "other", "--submitter", "pk1")
	assert.True(t, model.IsConflict(err), "got %v", err)

	_, err = run(t, "batch", "status", "--id", "missing")
	assert.True(t, model.IsNotFound(err), "got %v", err)
}

func TestInvalidConfiguration(t *testing.T) {
	t.Setenv(config.EnvStorageDriver, "mysql")
	_, err := run(t, "migrate")
	assert.Error(t, err)
}

func TestServeHelpExplainsCommitIngestion(t *testing.T) {
	out, err := run(t, "serve", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "serve does not ingest ledger commits")
	assert.Contains(t, out, `"tracegrid commit apply"`)
	assert.Contains(t, out, "share a SQL backend")
}
