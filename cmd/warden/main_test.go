package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/config"
	"warden/internal/ledger"
	"warden/internal/reason"
)

const restartContract = `capability: restart_service
risk_level: medium
requires:
  ops_required: true
  evidence:
    - service.{target}.exists
guarantees:
  - service restarted through the ops channel only
`

const runningNginx = `service: nginx
evidence:
  units:
    - name: nginx.service
      active_state: active
      sub_state: running
inspection:
  completed: true
`

// workspace writes a config whose state lives under a temp dir and returns
// the config path.
func workspace(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.State.Dir = filepath.Join(dir, "state")
	cfg.State.ContractsDir = filepath.Join(dir, "contracts")
	cfg.State.LedgerPath = filepath.Join(dir, "ledger.jsonl")
	cfg.State.JournalPath = filepath.Join(dir, "journal.db")
	cfg.State.LogsDir = filepath.Join(dir, "logs")
	path := filepath.Join(dir, "warden.yaml")
	require.NoError(t, cfg.Save(path))
	require.NoError(t, os.MkdirAll(cfg.State.ContractsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.State.ContractsDir, "restart_service.yaml"), []byte(restartContract), 0644))
	return path, cfg
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestIntentCmd(t *testing.T) {
	cfgPath, _ := workspace(t)
	out, err := run(t, cfgPath, "intent", "--phase", "40", "issue", "the", "artifact")
	require.NoError(t, err)
	assert.Contains(t, out, "GOVERNANCE_ISSUANCE")
	assert.Contains(t, out, "0.91")
}

func TestGateCmd_IssuesAndLedgerVerifies(t *testing.T) {
	cfgPath, cfg := workspace(t)

	out, err := run(t, cfgPath, "gate", "--phase", "40", "--env", "prod", "--issuer", "alice", "issue the artifact")
	require.NoError(t, err)
	assert.Contains(t, out, "admitted")
	assert.Contains(t, out, "execution_governance_artifact_p41")
	assert.Contains(t, out, "(root)")

	out, err = run(t, cfgPath, "ledger", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "intact")

	l, err := ledger.Open(cfg.State.LedgerPath)
	require.NoError(t, err)
	arts := l.Artifacts("prod")
	require.NoError(t, l.Close())
	require.Len(t, arts, 1)
	id := arts[0].ArtifactID

	out, err = run(t, cfgPath, "ledger", "revoke", id, "--env", "prod", "--issuer", "alice", "--reason", "wrong scope")
	require.NoError(t, err)
	assert.Contains(t, out, "revocation")

	_, err = run(t, cfgPath, "ledger", "revoke", id, "--env", "prod", "--issuer", "alice")
	assert.True(t, reason.Is(err, reason.RevocationAlreadyRevoked))

	out, err = run(t, cfgPath, "ledger", "show", "--env", "prod")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "revoked")
}

func TestGateCmd_ExecutionRefused(t *testing.T) {
	cfgPath, cfg := workspace(t)
	out, err := run(t, cfgPath, "gate", "--phase", "40", "--env", "prod", "--issuer", "alice", "restart nginx")
	require.NoError(t, err, "a gate refusal is an answer, not a failure")
	assert.Contains(t, out, "refused")
	assert.Contains(t, out, string(reason.ExecutionSeekingForbidden))

	n, err := ledger.VerifyFile(cfg.State.LedgerPath)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLedgerVerify_DetectsTampering(t *testing.T) {
	cfgPath, cfg := workspace(t)
	_, err := run(t, cfgPath, "ledger", "issue", "--phase", "41", "--contract", "c41", "--env", "prod", "--issuer", "alice")
	require.NoError(t, err)

	data, err := os.ReadFile(cfg.State.LedgerPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.State.LedgerPath, bytes.Replace(data, []byte(`"c41"`), []byte(`"c42"`), 1), 0644))

	out, err := run(t, cfgPath, "ledger", "verify")
	assert.True(t, reason.Is(err, reason.LedgerChainBroken), "%v", err)
	assert.Contains(t, out, "broken")
}

func TestContractsValidate(t *testing.T) {
	cfgPath, cfg := workspace(t)
	out, err := run(t, cfgPath, "contracts", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "restart_service")

	require.NoError(t, os.WriteFile(filepath.Join(cfg.State.ContractsDir, "broken.yaml"), []byte("capability: broken\n"), 0644))
	out, err = run(t, cfgPath, "contracts", "validate")
	assert.True(t, reason.Is(err, reason.CapabilityInvalid))
	assert.Contains(t, out, "FAIL")
}

func TestTaskFlow_ResolveAndExplain(t *testing.T) {
	cfgPath, _ := workspace(t)
	obs := filepath.Join(t.TempDir(), "obs.yaml")
	require.NoError(t, os.WriteFile(obs, []byte(runningNginx), 0644))

	out, err := run(t, cfgPath, "task", "next", "--trace", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "blocked", "an empty graph has nothing to select")

	_, err = run(t, cfgPath, "task", "add", "task-1", "--trace", "t1", "--description", "restart nginx", "--action", "/ops restart nginx")
	require.NoError(t, err)

	out, err = run(t, cfgPath, "task", "next", "--trace", "t1", "--observation", obs)
	require.NoError(t, err)
	assert.Contains(t, out, string(reason.EvidenceMissing), "no evidence yet")

	_, err = run(t, cfgPath, "evidence", "record", "--trace", "t1", "--source", "command", "--ref", "systemctl cat nginx", "--raw", "unit", "service.nginx.exists")
	require.NoError(t, err)

	out, err = run(t, cfgPath, "simulate", "--trace", "t1", "--action", "/ops restart nginx")
	require.NoError(t, err)
	assert.Contains(t, out, "ALLOWED")

	out, err = run(t, cfgPath, "task", "next", "--trace", "t1", "--observation", obs)
	require.NoError(t, err)
	assert.Contains(t, out, "RESOLVED")
	assert.Contains(t, out, "done")

	out, err = run(t, cfgPath, "explain", "task-1", "--trace", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "[EVIDENCE] service.nginx.exists")
	assert.Contains(t, out, "[OUTCOME] RESOLVED")

	out, err = run(t, cfgPath, "task", "list", "--trace", "t1")
	require.NoError(t, err)
	assert.Contains(t, out, "task-1")
}

func TestSimulateCmd_ItemizesRefusal(t *testing.T) {
	cfgPath, _ := workspace(t)
	out, err := run(t, cfgPath, "simulate", "--action", "/exec frobnicate")
	require.NoError(t, err)
	assert.Contains(t, out, "BLOCKED")
	assert.Contains(t, out, string(reason.CapabilityMissing))
}
