package selector

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/failmode"
	"warden/internal/reason"
	"warden/internal/taskgraph"
)

// verdicts maps task id to the verdict a stub evaluator returns; tasks not
// listed pass.
type verdicts map[string]failmode.Verdict

func (v verdicts) Evaluate(t taskgraph.TaskNode, _ failmode.RuntimeContext) failmode.Verdict {
	if out, ok := v[t.TaskID]; ok {
		return out
	}
	return failmode.Verdict{Code: failmode.Pass}
}

// sameInstant gives every task the same creation time.
func sameInstant() func() time.Time {
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func ticking() func() time.Time {
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Minute)
		return t
	}
}

func add(t *testing.T, g *taskgraph.Graph, id, desc string, deps ...string) {
	t.Helper()
	_, err := g.AddTask(taskgraph.NewTask{TaskID: id, Description: desc, DependsOn: deps})
	require.NoError(t, err)
}

func ready(t *testing.T, g *taskgraph.Graph, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, g.MarkReady(id))
	}
}

func TestSelect_OldestEligible(t *testing.T) {
	g := taskgraph.New("t1", taskgraph.WithClock(ticking()))
	add(t, g, "b-second", "second")
	add(t, g, "a-third", "third")
	ready(t, g, "a-third", "b-second")

	sel := New(verdicts{}).SelectNextTask(g, failmode.RuntimeContext{})
	require.Equal(t, StatusSelected, sel.Status)
	assert.Equal(t, "b-second", sel.Task.TaskID)
	assert.Equal(t, MethodOldest, sel.Method)
}

func TestSelect_ExplicitMentionWins(t *testing.T) {
	g := taskgraph.New("t1", taskgraph.WithClock(ticking()))
	add(t, g, "inspect-nginx", "inspect nginx")
	add(t, g, "rotate-logs", "rotate the logs")
	ready(t, g, "inspect-nginx", "rotate-logs")

	s := New(verdicts{})
	sel := s.SelectNextTask(g, failmode.RuntimeContext{UserInput: "please do rotate-logs now"})
	assert.Equal(t, "rotate-logs", sel.Task.TaskID)
	assert.Equal(t, MethodExplicitMention, sel.Method)

	sel = s.SelectNextTask(g, failmode.RuntimeContext{UserInput: "can you rotate the logs"})
	assert.Equal(t, "rotate-logs", sel.Task.TaskID, "description match counts as a mention")
}

func TestSelect_MentionOfIneligibleTaskIsIgnored(t *testing.T) {
	g := taskgraph.New("t1", taskgraph.WithClock(ticking()))
	add(t, g, "first", "first")
	add(t, g, "risky", "risky")
	ready(t, g, "first", "risky")

	s := New(verdicts{"risky": {Code: reason.IrreversibleNoAck, Detail: "no ack"}})
	sel := s.SelectNextTask(g, failmode.RuntimeContext{UserInput: "do risky"})
	assert.Equal(t, "first", sel.Task.TaskID)
	assert.Equal(t, MethodOldest, sel.Method)
}

func TestSelect_TieBreakDepthThenID(t *testing.T) {
	g := taskgraph.New("t1", taskgraph.WithClock(sameInstant()))
	add(t, g, "root", "root")
	ready(t, g, "root")
	require.NoError(t, g.MarkDone("root"))
	add(t, g, "zz-shallow", "z")
	add(t, g, "aa-deep", "a", "root")
	add(t, g, "mm-shallow", "m")
	ready(t, g, "zz-shallow", "aa-deep", "mm-shallow")

	sel := New(verdicts{}).SelectNextTask(g, failmode.RuntimeContext{})
	assert.Equal(t, "mm-shallow", sel.Task.TaskID)
}

func TestSelect_BlockedReasonsSorted(t *testing.T) {
	g := taskgraph.New("t1", taskgraph.WithClock(ticking()))
	add(t, g, "c-dep", "dep")
	add(t, g, "b-child", "child", "c-dep")
	add(t, g, "a-risky", "risky")
	add(t, g, "d-done", "done")
	ready(t, g, "a-risky", "d-done")
	require.NoError(t, g.MarkDone("d-done"))
	require.NoError(t, g.MarkBlocked("c-dep", "awaiting approval"))

	s := New(verdicts{"a-risky": {Code: reason.ScopeRecursive, Detail: "rm with a recursive flag"}})
	sel := s.SelectNextTask(g, failmode.RuntimeContext{})
	require.Equal(t, StatusBlocked, sel.Status)
	assert.Nil(t, sel.Task)

	want := []string{
		"a-risky: SCOPE_RECURSIVE: rm with a recursive flag",
		"b-child: status is pending",
		"c-dep: status is blocked (awaiting approval)",
	}
	if diff := cmp.Diff(want, sel.Reasons); diff != "" {
		t.Errorf("reasons mismatch (-want +got):\n%s", diff)
	}
}

func TestSelect_EmptyGraph(t *testing.T) {
	sel := New(verdicts{}).SelectNextTask(taskgraph.New("t1"), failmode.RuntimeContext{})
	assert.Equal(t, StatusBlocked, sel.Status)
	assert.Equal(t, []string{"no open tasks"}, sel.Reasons)
}

func TestSelect_Deterministic(t *testing.T) {
	g := taskgraph.New("t1", taskgraph.WithClock(sameInstant()))
	for _, id := range []string{"t3", "t1", "t2"} {
		add(t, g, id, id)
	}
	ready(t, g, "t1", "t2", "t3")
	s := New(verdicts{})
	for i := 0; i < 20; i++ {
		assert.Equal(t, "t1", s.SelectNextTask(g, failmode.RuntimeContext{}).Task.TaskID)
	}
}

func TestSelect_MentionMatchesWholeIDs(t *testing.T) {
	g := taskgraph.New("t1", taskgraph.WithClock(ticking()))
	add(t, g, "task-1", "")
	add(t, g, "task-10", "")
	add(t, g, "task-2", "")
	ready(t, g, "task-1", "task-10", "task-2")
	s := New(verdicts{})

	tests := []struct {
		input  string
		want   string
		method Method
	}{
		{"please run task-10 now", "task-10", MethodExplicitMention},
		{"please run task-1 now", "task-1", MethodExplicitMention},
		{"task-2.", "task-2", MethodExplicitMention},
		{"(task-10)", "task-10", MethodExplicitMention},
		{"run task-100", "task-1", MethodOldest},
		{"subtask-2", "task-1", MethodOldest},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			sel := s.SelectNextTask(g, failmode.RuntimeContext{UserInput: tt.input})
			require.Equal(t, StatusSelected, sel.Status)
			assert.Equal(t, tt.want, sel.Task.TaskID)
			assert.Equal(t, tt.method, sel.Method)
		})
	}
}

func TestSelect_ReasonsOrderedByTaskID(t *testing.T) {
	g := taskgraph.New("t1", taskgraph.WithClock(ticking()))
	add(t, g, "task-1", "")
	add(t, g, "task-10", "")
	add(t, g, "task-2", "")
	ready(t, g, "task-1", "task-10", "task-2")

	s := New(verdicts{
		"task-1":  {Code: reason.ScopeWildcard, Detail: "x"},
		"task-10": {Code: reason.ScopeWildcard, Detail: "y"},
		"task-2":  {Code: reason.ScopeRecursive, Detail: "z"},
	})
	sel := s.SelectNextTask(g, failmode.RuntimeContext{})
	require.Equal(t, StatusBlocked, sel.Status)

	want := []string{
		"task-1: SCOPE_WILDCARD: x",
		"task-10: SCOPE_WILDCARD: y",
		"task-2: SCOPE_RECURSIVE: z",
	}
	if diff := cmp.Diff(want, sel.Reasons); diff != "" {
		t.Errorf("reasons mismatch (-want +got):\n%s", diff)
	}
}
