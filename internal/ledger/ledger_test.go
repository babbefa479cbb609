package ledger

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/reason"
)

var t0 = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func clock() func() time.Time {
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func issue(phase int, contract string, refs ...string) IssueRequest {
	return IssueRequest{
		PhaseID:          phase,
		ContractName:     contract,
		EnvironmentID:    "prod",
		IssuerIdentityID: "op-1",
		LineageRefs:      refs,
	}
}

func mustIssue(t *testing.T, l *Ledger, req IssueRequest) Record {
	t.Helper()
	rec, err := l.AppendIssuedArtifact(req)
	require.NoError(t, err)
	return rec
}

func TestAppendIssuedArtifact_Root(t *testing.T) {
	l := NewMemory(WithClock(clock()))
	rec := mustIssue(t, l, issue(41, "deploy-window"))

	assert.Equal(t, TypeIssuance, rec.RecordType)
	assert.Equal(t, int64(1), rec.Sequence)
	assert.Equal(t, GenesisHash, rec.PrevHash)
	assert.Len(t, rec.RecordHash, 64)
	assert.Equal(t, ArtifactIDFor(rec.TransitionKey), rec.ArtifactID)
	assert.Equal(t, "execution_governance_artifact_p41", rec.Artifact.ArtifactType)
	assert.False(t, rec.Artifact.ExecutionEnabled)
	assert.Equal(t, AuthorityGuarantees{}, rec.Artifact.AuthorityGuarantees)
	assert.True(t, rec.Artifact.ImmutabilityGuarantees.AppendOnly)
	assert.Empty(t, rec.LineageRefs)
	assert.NotNil(t, rec.LineageRefs)

	got, ok := l.Lookup(rec.ArtifactID)
	require.True(t, ok)
	assert.Equal(t, rec.RecordHash, got.RecordHash)
	require.NoError(t, l.Verify())
}

func TestAppendIssuedArtifact_Refusals(t *testing.T) {
	l := NewMemory(WithClock(clock()))
	root := mustIssue(t, l, issue(41, "deploy-window"))
	other := mustIssue(t, l, IssueRequest{PhaseID: 41, ContractName: "deploy-window", EnvironmentID: "staging", IssuerIdentityID: "op-1"})
	gone := mustIssue(t, l, issue(42, "gone"))
	_, err := l.AppendRevocationRecord(RevokeRequest{ArtifactID: gone.ArtifactID, EnvironmentID: "prod", IssuerIdentityID: "op-1"})
	require.NoError(t, err)

	required := issue(42, "rollout")
	required.LineageRequired = true

	cases := []struct {
		name string
		req  IssueRequest
		code reason.Code
	}{
		{"missing contract", issue(42, " "), reason.IssuanceFieldMissing},
		{"missing env", IssueRequest{PhaseID: 42, ContractName: "x", IssuerIdentityID: "op"}, reason.IssuanceFieldMissing},
		{"phase off ladder", issue(12, "x"), reason.IssuancePhaseUnknown},
		{"lineage required", required, reason.IssuanceLineageRequired},
		{"unknown upstream", issue(42, "x", "art_nope"), reason.IssuanceUpstreamNotFound},
		{"revoked upstream", issue(43, "x", gone.ArtifactID), reason.IssuanceUpstreamRevoked},
		{"cross env upstream", issue(42, "x", other.ArtifactID), reason.IssuanceEnvironmentMismatch},
		{"duplicate", issue(41, "deploy-window"), reason.IssuanceDuplicateForLineage},
	}
	before, head := l.Head()
	for _, tc := range cases {
		_, err := l.AppendIssuedArtifact(tc.req)
		assert.Equal(t, tc.code, reason.CodeOf(err), tc.name)
	}
	after, headAfter := l.Head()
	assert.Equal(t, before, after, "refusals must not append")
	assert.Equal(t, head, headAfter)

	// Same contract and phase with a different parent is a new artifact.
	child := mustIssue(t, l, issue(42, "rollout", root.ArtifactID))
	assert.Equal(t, []string{root.ArtifactID}, child.LineageRefs)
}

func TestLineageRefsAreNormalized(t *testing.T) {
	l := NewMemory(WithClock(clock()))
	a := mustIssue(t, l, issue(41, "a"))
	b := mustIssue(t, l, issue(41, "b"))

	rec := mustIssue(t, l, issue(42, "join", b.ArtifactID, " "+a.ArtifactID, b.ArtifactID))
	assert.Equal(t, normalizeRefs([]string{a.ArtifactID, b.ArtifactID}), rec.LineageRefs)

	_, err := l.AppendIssuedArtifact(issue(42, "join", a.ArtifactID, b.ArtifactID))
	assert.True(t, reason.Is(err, reason.IssuanceDuplicateForLineage), "ref order must not matter")
}

func TestResolveLineage_AmbiguityForcesExplicitParent(t *testing.T) {
	l := NewMemory(WithClock(clock()))

	_, err := l.ResolveLineage("prod", 41)
	assert.True(t, reason.Is(err, reason.IssuanceUpstreamNotFound))

	first := mustIssue(t, l, issue(41, "window-a"))
	id, err := l.ResolveLineage("prod", 41)
	require.NoError(t, err)
	assert.Equal(t, first.ArtifactID, id)

	second := mustIssue(t, l, issue(41, "window-b"))
	_, err = l.ResolveLineage("prod", 41)
	assert.True(t, reason.Is(err, reason.IssuanceLineageAmbiguous))

	// An explicit parent still issues.
	child := mustIssue(t, l, issue(42, "rollout", second.ArtifactID))
	assert.Equal(t, []string{second.ArtifactID}, child.LineageRefs)

	// Revoking one sibling makes the other the only live parent again.
	_, err = l.AppendRevocationRecord(RevokeRequest{ArtifactID: first.ArtifactID, EnvironmentID: "prod", IssuerIdentityID: "op-1"})
	require.NoError(t, err)
	id, err = l.ResolveLineage("prod", 41)
	require.NoError(t, err)
	assert.Equal(t, second.ArtifactID, id)

	_, err = l.ResolveLineage("staging", 41)
	assert.True(t, reason.Is(err, reason.IssuanceUpstreamNotFound))
}

func TestAppendRevocationRecord(t *testing.T) {
	l := NewMemory(WithClock(clock()))
	rec := mustIssue(t, l, issue(41, "deploy-window"))

	cases := []struct {
		name string
		req  RevokeRequest
		code reason.Code
	}{
		{"missing id", RevokeRequest{EnvironmentID: "prod", IssuerIdentityID: "op"}, reason.RevocationFieldMissing},
		{"unknown", RevokeRequest{ArtifactID: "art_x", EnvironmentID: "prod", IssuerIdentityID: "op"}, reason.RevocationTargetNotFound},
		{"wrong env", RevokeRequest{ArtifactID: rec.ArtifactID, EnvironmentID: "dev", IssuerIdentityID: "op"}, reason.RevocationEnvironmentMismatch},
	}
	for _, tc := range cases {
		_, err := l.AppendRevocationRecord(tc.req)
		assert.Equal(t, tc.code, reason.CodeOf(err), tc.name)
	}

	req := RevokeRequest{ArtifactID: rec.ArtifactID, EnvironmentID: "prod", IssuerIdentityID: "op", Reason: "window closed"}
	rev, err := l.AppendRevocationRecord(req)
	require.NoError(t, err)
	assert.Equal(t, TypeRevocation, rev.RecordType)
	assert.Equal(t, rec.RecordHash, rev.PrevHash)
	assert.True(t, l.IsRevoked(rec.ArtifactID))

	issued, _ := l.Lookup(rec.ArtifactID)
	assert.False(t, issued.Revoked, "issuance records are never rewritten")

	_, err = l.AppendRevocationRecord(req)
	assert.True(t, reason.Is(err, reason.RevocationAlreadyRevoked))
}

func TestAppendSupersessionRecord(t *testing.T) {
	l := NewMemory(WithClock(clock()))
	old := mustIssue(t, l, issue(41, "window-a"))
	repl := mustIssue(t, l, issue(43, "window-b"))
	planning := mustIssue(t, l, issue(35, "plan"))
	staging := mustIssue(t, l, IssueRequest{PhaseID: 41, ContractName: "w", EnvironmentID: "staging", IssuerIdentityID: "op"})

	sup := func(oldID, newID string) SupersedeRequest {
		return SupersedeRequest{OldArtifactID: oldID, NewArtifactID: newID, EnvironmentID: "prod", IssuerIdentityID: "op"}
	}

	_, err := l.AppendSupersessionRecord(SupersedeRequest{OldArtifactID: old.ArtifactID, EnvironmentID: "prod", IssuerIdentityID: "op"})
	assert.True(t, reason.Is(err, reason.SupersessionFieldMissing))
	_, err = l.AppendSupersessionRecord(sup("art_x", repl.ArtifactID))
	assert.True(t, reason.Is(err, reason.SupersessionOldNotFound))
	_, err = l.AppendSupersessionRecord(sup(old.ArtifactID, "art_x"))
	assert.True(t, reason.Is(err, reason.SupersessionNewNotFound))
	_, err = l.AppendSupersessionRecord(sup(old.ArtifactID, old.ArtifactID))
	assert.True(t, reason.Is(err, reason.SupersessionSelfReference))
	_, err = l.AppendSupersessionRecord(sup(old.ArtifactID, staging.ArtifactID))
	assert.True(t, reason.Is(err, reason.SupersessionEnvironmentMismatch))
	_, err = l.AppendSupersessionRecord(sup(old.ArtifactID, repl.ArtifactID))
	assert.True(t, reason.Is(err, reason.SupersessionOldNotRevoked))

	_, err = l.AppendRevocationRecord(RevokeRequest{ArtifactID: old.ArtifactID, EnvironmentID: "prod", IssuerIdentityID: "op"})
	require.NoError(t, err)

	_, err = l.AppendSupersessionRecord(sup(old.ArtifactID, planning.ArtifactID))
	assert.True(t, reason.Is(err, reason.SupersessionPhaseClassMismatch))

	rec, err := l.AppendSupersessionRecord(sup(old.ArtifactID, repl.ArtifactID))
	require.NoError(t, err)
	assert.Equal(t, TypeSupersession, rec.RecordType)
	got, ok := l.IsSuperseded(old.ArtifactID)
	require.True(t, ok)
	assert.Equal(t, repl.ArtifactID, got)

	_, err = l.AppendSupersessionRecord(sup(old.ArtifactID, repl.ArtifactID))
	assert.True(t, reason.Is(err, reason.SupersessionAlreadyExists))
	require.NoError(t, l.Verify())
}

func TestSupersession_ReplacementRevoked(t *testing.T) {
	l := NewMemory(WithClock(clock()))
	old := mustIssue(t, l, issue(41, "a"))
	repl := mustIssue(t, l, issue(44, "b"))
	for _, id := range []string{old.ArtifactID, repl.ArtifactID} {
		_, err := l.AppendRevocationRecord(RevokeRequest{ArtifactID: id, EnvironmentID: "prod", IssuerIdentityID: "op"})
		require.NoError(t, err)
	}
	_, err := l.AppendSupersessionRecord(SupersedeRequest{OldArtifactID: old.ArtifactID, NewArtifactID: repl.ArtifactID, EnvironmentID: "prod", IssuerIdentityID: "op"})
	assert.True(t, reason.Is(err, reason.SupersessionNewRevoked))
}

func TestOpen_ReplaysAndContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path, WithClock(clock()))
	require.NoError(t, err)
	root := mustIssue(t, l, issue(41, "deploy-window"))
	mustIssue(t, l, issue(42, "rollout", root.ArtifactID))
	_, err = l.AppendRevocationRecord(RevokeRequest{ArtifactID: root.ArtifactID, EnvironmentID: "prod", IssuerIdentityID: "op"})
	require.NoError(t, err)
	seq, head := l.Head()
	require.NoError(t, l.Close())

	n, err := VerifyFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	re, err := Open(path, WithClock(clock()))
	require.NoError(t, err)
	defer re.Close()
	seq2, head2 := re.Head()
	assert.Equal(t, seq, seq2)
	assert.Equal(t, head, head2)
	assert.True(t, re.IsRevoked(root.ArtifactID))

	// Replayed keys still refuse duplicates.
	_, err = re.AppendIssuedArtifact(issue(41, "deploy-window"))
	assert.True(t, reason.Is(err, reason.IssuanceDuplicateForLineage))

	next := mustIssue(t, re, issue(41, "second-window"))
	assert.Equal(t, int64(4), next.Sequence)
	assert.Equal(t, head, next.PrevHash)
	require.NoError(t, re.Verify())
}

func TestVerifyFile_DetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path, WithClock(clock()))
	require.NoError(t, err)
	mustIssue(t, l, issue(41, "deploy-window"))
	mustIssue(t, l, issue(41, "other-window"))
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	edited := bytes.Replace(raw, []byte(`"contract_name":"deploy-window"`), []byte(`"contract_name":"deploy-widow"`), 1)
	require.NotEqual(t, raw, edited)
	require.NoError(t, os.WriteFile(path, edited, 0644))
	_, err = VerifyFile(path)
	assert.True(t, reason.Is(err, reason.LedgerChainBroken), "%v", err)
	_, err = Open(path)
	assert.Error(t, err)

	lines := bytes.SplitAfter(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 2)
	require.NoError(t, os.WriteFile(path, lines[1], 0644))
	_, err = VerifyFile(path)
	assert.True(t, reason.Is(err, reason.LedgerChainBroken), "dropped first record")

	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0644))
	_, err = VerifyFile(path)
	assert.True(t, reason.Is(err, reason.LedgerRecordInvalid))
}

func TestConcurrentIssuanceKeepsChainLinear(t *testing.T) {
	l := NewMemory(WithClock(clock()))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = l.AppendIssuedArtifact(issue(41, "same"))
			_, _ = l.AppendIssuedArtifact(issue(45, string(rune('a'+i))))
		}(i)
	}
	wg.Wait()

	require.NoError(t, l.Verify())
	assert.Len(t, l.Artifacts("prod"), 17, "one winner for the shared key plus sixteen distinct")
}
