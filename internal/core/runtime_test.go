package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"warden/internal/aci"
	"warden/internal/causal"
	"warden/internal/contract"
	"warden/internal/evidence"
	"warden/internal/failmode"
	"warden/internal/journal"
	"warden/internal/ledger"
	"warden/internal/logging"
	"warden/internal/reason"
	"warden/internal/resolution"
	"warden/internal/selector"
	"warden/internal/taskgraph"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

type contracts map[string]*contract.Contract

func (c contracts) Resolve(name string) (*contract.Contract, error) {
	if k, ok := c[name]; ok {
		return k, nil
	}
	return nil, reason.New(reason.CapabilityMissing, "no contract %s", name)
}

func mk(name string, ops bool, ev ...string) *contract.Contract {
	if ev == nil {
		ev = []string{}
	}
	return &contract.Contract{
		Capability: name,
		RiskLevel:  contract.RiskLow,
		Requires:   contract.Requires{OpsRequired: &ops, Evidence: &ev},
		Guarantees: []string{"bounded"},
	}
}

type harness struct {
	rt      *Runtime
	graphs  *taskgraph.FileStore
	journal *journal.SQLiteSink
}

func newHarness(t *testing.T) harness {
	t.Helper()
	dir := t.TempDir()
	n := 0
	sink, err := journal.OpenSQLite(filepath.Join(dir, "journal.db"),
		journal.WithClock(clock),
		journal.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("j-%03d", n)
		}))
	require.NoError(t, err)

	graphs := taskgraph.NewFileStore(filepath.Join(dir, "graphs"))
	rt, err := New(Deps{
		Contracts: contracts{
			"restart_service": mk("restart_service", true, "service.{target}.exists"),
			"inspect_service": mk("inspect_service", false),
		},
		Ledger:  ledger.NewMemory(ledger.WithClock(clock)),
		Graphs:  graphs,
		Journal: sink,
		Now:     clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return harness{rt: rt, graphs: graphs, journal: sink}
}

func (h harness) addTasks(t *testing.T, traceID string, tasks ...taskgraph.NewTask) {
	t.Helper()
	g, err := h.graphs.Load(traceID, taskgraph.WithClock(clock))
	require.NoError(t, err)
	for _, nt := range tasks {
		_, err := g.AddTask(nt)
		require.NoError(t, err)
	}
	require.NoError(t, h.graphs.Save(g))
}

func (h harness) recordEvidence(t *testing.T, traceID, claim string) {
	t.Helper()
	s, err := h.rt.Session(traceID)
	require.NoError(t, err)
	_, err = s.Evidence.Record(claim, evidence.SourceCommand, "systemctl cat nginx", "unit")
	require.NoError(t, err)
}

func restartNginx() taskgraph.NewTask {
	return taskgraph.NewTask{TaskID: "task-1", Description: "restart nginx", Action: "/ops restart nginx"}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	l := ledger.NewMemory()
	g := taskgraph.NewFileStore(t.TempDir())
	cs := contracts{}

	_, err := New(Deps{Ledger: l, Graphs: g})
	assert.ErrorContains(t, err, "contract resolver")
	_, err = New(Deps{Contracts: cs, Graphs: g})
	assert.ErrorContains(t, err, "ledger")
	_, err = New(Deps{Contracts: cs, Ledger: l})
	assert.ErrorContains(t, err, "graph store")

	rt, err := New(Deps{Contracts: cs, Ledger: l, Graphs: g})
	require.NoError(t, err)
	assert.IsType(t, journal.NullSink{}, rt.Journal())
	assert.Equal(t, aci.DefaultLadder().Rungs(), rt.Ladder().Rungs())
	require.NoError(t, rt.Close())
}

func TestSession_RejectsBadTraceID(t *testing.T) {
	h := newHarness(t)
	_, err := h.rt.Session("../escape")
	assert.Error(t, err)

	a, err := h.rt.Session("t1")
	require.NoError(t, err)
	b, err := h.rt.Session("t1")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestHandleTurn_NonIssuanceTurnsIssueNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.rt.HandleTurn(ctx, Turn{TraceID: "t1", Text: "thanks", Phase: 40})
	require.NoError(t, err)
	assert.True(t, res.Gate.Admissible)
	assert.Equal(t, aci.ConversationOnly, res.Gate.ReasonCode)
	assert.Nil(t, res.Artifact)
	assert.Equal(t, 40, res.Phase())

	res, err = h.rt.HandleTurn(ctx, Turn{TraceID: "t1", Text: "restart nginx", Phase: 40, EnvironmentID: "prod", IssuerIdentityID: "op-1"})
	require.NoError(t, err)
	assert.False(t, res.Gate.Admissible)
	assert.Equal(t, reason.ExecutionSeekingForbidden, res.Gate.ReasonCode)
	assert.Nil(t, res.Artifact)

	seq, _ := h.rt.Ledger().Head()
	assert.Zero(t, seq, "refused and conversational turns never touch the ledger")
}

func TestHandleTurn_IssuesAndChainsLineage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	turn := Turn{TraceID: "t1", Text: "issue the artifact", Phase: 40, EnvironmentID: "prod", IssuerIdentityID: "op-1"}

	first, err := h.rt.HandleTurn(ctx, turn)
	require.NoError(t, err)
	require.NotNil(t, first.Artifact)
	assert.Equal(t, 41, first.Phase())
	assert.Equal(t, 41, first.Artifact.PhaseID)
	assert.Equal(t, "execution_governance_artifact_p41", first.Artifact.ContractName)
	assert.Empty(t, first.Artifact.LineageRefs, "nothing live at phase 40 makes a root issuance")
	assert.False(t, first.Artifact.Artifact.ExecutionEnabled)

	turn.Phase = first.Phase()
	second, err := h.rt.HandleTurn(ctx, turn)
	require.NoError(t, err)
	require.NotNil(t, second.Artifact)
	assert.Equal(t, 42, second.Artifact.PhaseID)
	assert.Equal(t, []string{first.Artifact.ArtifactID}, second.Artifact.LineageRefs)

	_, err = h.rt.HandleTurn(ctx, Turn{TraceID: "t1", Text: "issue the artifact", Phase: 40, EnvironmentID: "prod", IssuerIdentityID: "op-1"})
	assert.True(t, reason.Is(err, reason.IssuanceDuplicateForLineage))
}

func TestHandleTurn_AmbiguousLineageIsRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := Turn{TraceID: "t1", Text: "issue the artifact", Phase: 40, EnvironmentID: "prod", IssuerIdentityID: "op-1"}

	a, err := h.rt.HandleTurn(ctx, base)
	require.NoError(t, err)
	alt := base
	alt.ContractName = "alternate_p41"
	_, err = h.rt.HandleTurn(ctx, alt)
	require.NoError(t, err)

	next := base
	next.Phase = 41
	res, err := h.rt.HandleTurn(ctx, next)
	assert.True(t, reason.Is(err, reason.IssuanceLineageAmbiguous))
	assert.Nil(t, res.Artifact)
	assert.True(t, res.Gate.Admissible, "the gate admitted the turn; the ledger refused it")

	next.LineageRefs = []string{a.Artifact.ArtifactID}
	res, err = h.rt.HandleTurn(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, []string{a.Artifact.ArtifactID}, res.Artifact.LineageRefs)
}

func TestHandleTurn_CancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.rt.HandleTurn(ctx, Turn{Text: "thanks", Phase: 40})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdvanceTask_Resolved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addTasks(t, "t1", restartNginx())
	h.recordEvidence(t, "t1", "service.nginx.exists")

	adv, err := h.rt.AdvanceTask(ctx, "t1", failmode.RuntimeContext{}, Observation{
		Evidence: resolution.EvidenceBundle{Units: []resolution.Unit{{Name: "nginx.service", ActiveState: "active", SubState: "running"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, selector.StatusSelected, adv.Selection.Status)
	require.NotNil(t, adv.Outcome)
	assert.Equal(t, resolution.Resolved, adv.Outcome.OutcomeType)
	assert.Equal(t, taskgraph.StatusDone, adv.Status)

	require.NotNil(t, adv.Entry)
	assert.Equal(t, journal.KindResolution, adv.Entry.Kind)
	got, ok, err := h.journal.Resolution(ctx, "t1", "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(resolution.Resolved), got.OutcomeType)
	assert.Equal(t, resolution.RuleServiceLocated, got.RuleID)

	var types []causal.NodeType
	for _, n := range adv.Nodes {
		types = append(types, n.NodeType)
	}
	assert.Equal(t, []causal.NodeType{causal.NodeDecision, causal.NodeEvidence, causal.NodeEvidence, causal.NodeOutcome}, types)

	chain, ok, err := h.rt.Explain("t1", "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, chain, "[EVIDENCE] service.nginx.exists")
	assert.True(t, strings.HasPrefix(chain[len(chain)-1], "[OUTCOME] RESOLVED"), chain[len(chain)-1])

	g, err := h.graphs.Load("t1")
	require.NoError(t, err)
	task, ok := g.Task("task-1")
	require.True(t, ok)
	assert.Equal(t, taskgraph.StatusDone, task.Status, "the new status is saved")

	adv, err = h.rt.AdvanceTask(ctx, "t1", failmode.RuntimeContext{}, Observation{})
	require.NoError(t, err)
	assert.Nil(t, adv.Outcome, "nothing left to select")
}

func TestAdvanceTask_FollowUpKeepsTaskReady(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addTasks(t, "t1", restartNginx())
	h.recordEvidence(t, "t1", "service.nginx.exists")

	adv, err := h.rt.AdvanceTask(ctx, "t1", failmode.RuntimeContext{}, Observation{})
	require.NoError(t, err)
	require.NotNil(t, adv.Outcome)
	assert.Equal(t, resolution.FollowUpInspection, adv.Outcome.OutcomeType)
	assert.Equal(t, taskgraph.StatusReady, adv.Status)
	assert.Equal(t, journal.KindInspection, adv.Entry.Kind)
	assert.Equal(t, "/exec systemctl status nginx --no-pager", adv.Entry.Command)
	require.NotEmpty(t, adv.Nodes)
	last := adv.Nodes[len(adv.Nodes)-1]
	assert.Equal(t, causal.NodeAction, last.NodeType)
	assert.Equal(t, "follow up: /exec systemctl status nginx --no-pager", last.Description)

	_, ok, err := h.journal.Resolution(ctx, "t1", "task-1")
	require.NoError(t, err)
	assert.False(t, ok, "a follow-up is not a resolution")

	// The follow-up ran; the same task is selected again and now resolves.
	adv, err = h.rt.AdvanceTask(ctx, "t1", failmode.RuntimeContext{}, Observation{
		Evidence:   resolution.EvidenceBundle{Ports: []resolution.Port{{Port: 80, Process: "nginx: master"}}},
		Inspection: resolution.Inspection{Commands: []string{"systemctl status nginx --no-pager"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", adv.Selection.Task.TaskID)
	assert.Equal(t, resolution.Resolved, adv.Outcome.OutcomeType)

	entries, err := h.journal.Entries(ctx, "t1")
	require.NoError(t, err)
	var kinds []journal.Kind
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	assert.ElementsMatch(t, []journal.Kind{journal.KindInspection, journal.KindInspection, journal.KindResolution}, kinds)
}

func TestAdvanceTask_BlockedFailsTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addTasks(t, "t1", restartNginx())
	h.recordEvidence(t, "t1", "service.nginx.exists")

	adv, err := h.rt.AdvanceTask(ctx, "t1", failmode.RuntimeContext{}, Observation{
		Evidence:   resolution.EvidenceBundle{Units: []resolution.Unit{{Name: "sshd.service", ActiveState: "active"}}},
		Inspection: resolution.Inspection{Completed: true},
	})
	require.NoError(t, err)
	assert.Equal(t, resolution.Blocked, adv.Outcome.OutcomeType)
	assert.Equal(t, taskgraph.StatusFailed, adv.Status)
	assert.Equal(t, causal.NodeBlocker, adv.Nodes[len(adv.Nodes)-1].NodeType)

	g, err := h.graphs.Load("t1")
	require.NoError(t, err)
	task, _ := g.Task("task-1")
	assert.Equal(t, "BLOCKED by service_not_found: service nginx not found running (next: /ops restart nginx)", task.FailReason)
}

func TestAdvanceTask_BlockedSelection(t *testing.T) {
	h := newHarness(t)
	h.addTasks(t, "t1", restartNginx())

	adv, err := h.rt.AdvanceTask(context.Background(), "t1", failmode.RuntimeContext{}, Observation{})
	require.NoError(t, err)
	assert.Equal(t, selector.StatusBlocked, adv.Selection.Status)
	assert.Nil(t, adv.Outcome)
	assert.Nil(t, adv.Entry)
	require.Len(t, adv.Selection.Reasons, 1)
	assert.Contains(t, adv.Selection.Reasons[0], string(reason.EvidenceMissing))

	g, err := h.graphs.Load("t1")
	require.NoError(t, err)
	task, _ := g.Task("task-1")
	assert.Equal(t, taskgraph.StatusReady, task.Status, "readiness refresh is saved even when nothing runs")
}

func TestExplain_UnknownTask(t *testing.T) {
	h := newHarness(t)
	chain, ok, err := h.rt.Explain("t1", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, chain)
}

func TestAdvanceTask_AuditsSelectionAndResolution(t *testing.T) {
	obs, logs := observer.New(zap.InfoLevel)
	logging.SetLogger(zap.New(obs))
	defer logging.SetLogger(nil)

	events := func(event logging.AuditEventType) []observer.LoggedEntry {
		return logs.FilterField(zap.String("event", string(event))).All()
	}
	running := Observation{
		Evidence: resolution.EvidenceBundle{Units: []resolution.Unit{{Name: "nginx.service", ActiveState: "active", SubState: "running"}}},
	}

	h := newHarness(t)
	ctx := context.Background()
	h.addTasks(t, "t1", restartNginx())

	_, err := h.rt.AdvanceTask(ctx, "t1", failmode.RuntimeContext{}, running)
	require.NoError(t, err)
	require.Len(t, events(logging.AuditTaskBlocked), 1, "no evidence yet")

	h.recordEvidence(t, "t1", "service.nginx.exists")
	_, err = h.rt.AdvanceTask(ctx, "t1", failmode.RuntimeContext{}, running)
	require.NoError(t, err)

	selected := events(logging.AuditTaskSelected)
	require.Len(t, selected, 1)
	assert.Equal(t, "task-1", selected[0].ContextMap()["target"])
	recorded := events(logging.AuditResolutionRecorded)
	require.Len(t, recorded, 1)
	assert.Equal(t, string(resolution.Resolved), recorded[0].ContextMap()["action"])

	// A resolution already journaled for the task is refused and audited.
	_, err = h.journal.RecordResolution(ctx, journal.Entry{TraceID: "t2", TaskID: "task-1", OutcomeType: "BLOCKED", RuleID: "service_not_found"})
	require.NoError(t, err)
	h.addTasks(t, "t2", restartNginx())
	h.recordEvidence(t, "t2", "service.nginx.exists")

	_, err = h.rt.AdvanceTask(ctx, "t2", failmode.RuntimeContext{}, running)
	assert.True(t, reason.Is(err, reason.JournalDuplicateResolution), "got %v", err)
	rejected := events(logging.AuditResolutionRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, string(reason.JournalDuplicateResolution), rejected[0].ContextMap()["code"])
	assert.Len(t, events(logging.AuditResolutionRecorded), 1)
}
