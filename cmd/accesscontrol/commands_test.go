package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/accesscontrol"
)

func writeConfig(t *testing.T, driver string) string {
	t.Helper()
	dir := t.TempDir()
	b := accesscontrol.NewConfigBuilder().
		Storage(driver, "file:"+filepath.Join(dir, "ac.db")).
		AddRole("loan-approver", "loans", false).
		Bind("grp-loan-approvers", "loan-approver", "loans").
		Allow("loan-approver", "approve", "Loan/*", "loans").
		Allow("loan-approver", "view", "Loan/*", "loans").
		UserAttributes("u1", "loans", map[string]any{"ApprovalLimit": 150000, "Region": "North"}).
		EngineSettings(func(e *accesscontrol.EngineConfig) { e.RecordDecisions = true })
	data, err := b.ToYAML()
	require.NoError(t, err)
	path := filepath.Join(dir, "accesscontrol.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootHelpListsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"check", "batch", "validate", "ledger", "seed"} {
		assert.Contains(t, out, name)
	}
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", "--config", writeConfig(t, accesscontrol.StorageSQLite))
	require.NoError(t, err)
	assert.Contains(t, out, "p=2 g=1 g2=0")
	assert.Contains(t, out, "storage=sqlite")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("cache:\n  backend: memcached\n"), 0o600))
	_, err = execute(t, "validate", "--config", bad)
	require.Error(t, err)
	assert.True(t, accesscontrol.IsInvalidArgument(err))
}

func TestCheckCommandInMemory(t *testing.T) {
	cfg := writeConfig(t, accesscontrol.StorageMemory)
	out, err := execute(t, "check", "--config", cfg, "--user", "u1", "--groups", "grp-loan-approvers",
		"-w", "loans", "--resource", "Loan/1", "--action", "approve", "--entity", `{"RequestedAmount":100000,"Region":"North"}`)
	require.NoError(t, err)
	var res accesscontrol.DecisionResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Allowed, res.Reason)

	out, err = execute(t, "check", "--config", cfg, "--user", "u1", "--groups", "grp-loan-approvers",
		"-w", "loans", "--resource", "Loan/1", "--action", "approve", "--entity", `{"RequestedAmount":600000}`)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "senior management")

	_, err = execute(t, "check", "--config", cfg, "-w", "loans", "--resource", "Loan/1", "--action", "approve")
	assert.True(t, accesscontrol.IsInvalidArgument(err), "caller is required")

	_, err = execute(t, "check", "--config", cfg, "--user", "u1", "--resource", "Loan/1", "--action", "approve", "--entity", "{")
	assert.True(t, accesscontrol.IsInvalidArgument(err))
}

func TestSeedCheckBatchAndTailOnSQLite(t *testing.T) {
	cfg := writeConfig(t, accesscontrol.StorageSQLite)

	out, err := execute(t, "seed", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "seeded 1 roles, 3 tuples")

	out, err = execute(t, "batch", "--config", cfg, "--user", "u1", "--groups", "grp-loan-approvers", "-w", "loans",
		"Loan/1:view", "Loan/2:approve", "Card/1:view", "Loan/3:delete", "Loan/a:b:view")
	require.NoError(t, err)
	var results []accesscontrol.DecisionResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 5)
	assert.Equal(t, []bool{true, true, false, false, true},
		[]bool{results[0].Allowed, results[1].Allowed, results[2].Allowed, results[3].Allowed, results[4].Allowed})
	assert.Equal(t, "Loan/a:b", results[4].Resource)

	out, err = execute(t, "ledger", "tail", "--config", cfg, "--after", "2", "--type", accesscontrol.EventAccessDecision)
	require.NoError(t, err)
	var seqs []int64
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var ev accesscontrol.BusinessEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		assert.Equal(t, "u1", ev.ActorID)
		seqs = append(seqs, ev.SequenceNumber)
	}
	assert.Equal(t, []int64{3, 4, 5}, seqs)
}

func TestParsePairs(t *testing.T) {
	items, err := parsePairs([]string{"Loan/1:approve"})
	require.NoError(t, err)
	assert.Equal(t, accesscontrol.CheckItem{Resource: "Loan/1", Action: "approve"}, items[0])

	for _, bad := range []string{"Loan/1", ":approve", "Loan/1:"} {
		_, err := parsePairs([]string{bad})
		assert.Error(t, err, bad)
	}
}
