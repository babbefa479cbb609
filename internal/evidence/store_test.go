package evidence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/internal/reason"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestRecord_DefaultTTLs(t *testing.T) {
	clk := newClock()
	s := NewMemory("t1", WithClock(clk.Now))

	cases := map[SourceType]int64{
		SourceIntrospection: 300,
		SourceCommand:       300,
		SourceFile:          3600,
		SourceTest:          3600,
		SourceObservation:   60,
	}
	for st, want := range cases {
		rec, err := s.Record("host.uptime."+string(st), st, "ref", "x")
		require.NoError(t, err)
		assert.Equal(t, want, rec.TTLSeconds, st)
		assert.Equal(t, clk.Now().Add(time.Duration(want)*time.Second), rec.ExpiresAt)
	}
}

func TestRecord_RejectsInvalidInput(t *testing.T) {
	s := NewMemory("t1")

	_, err := s.Record("", SourceCommand, "", "x")
	assert.True(t, reason.Is(err, reason.EvidenceInvalid))

	_, err = s.Record("host.x", SourceType("rumour"), "", "x")
	assert.True(t, reason.Is(err, reason.EvidenceInvalid))

	_, err = s.Record("host.x", SourceCommand, "", "x", WithScope("galaxy"))
	assert.True(t, reason.Is(err, reason.EvidenceInvalid))

	_, err = s.Record("host.x", SourceCommand, "", "x", WithTTL(-time.Second))
	assert.True(t, reason.Is(err, reason.EvidenceInvalid))

	assert.Empty(t, s.Claims(), "nothing may be written on rejection")
}

func TestEvaluate_MissingThenOK(t *testing.T) {
	clk := newClock()
	s := NewMemory("t1", WithClock(clk.Now))

	ev := s.Evaluate("service.nginx.running", clk.Now())
	assert.Equal(t, StatusMissing, ev.Status)
	assert.True(t, reason.Is(ev.Err(), reason.EvidenceMissing))

	_, err := s.Record("service.nginx.running", SourceCommand, "systemctl is-active nginx", "active")
	require.NoError(t, err)

	ev = s.Evaluate("service.nginx.running", clk.Now())
	require.True(t, ev.OK())
	assert.NoError(t, ev.Err())
	assert.Equal(t, 0.5, ev.Confidence)
	assert.Equal(t, ScopeService, ev.Record.Scope)
}

func TestEvaluate_CorroborationRaisesConfidence(t *testing.T) {
	clk := newClock()
	s := NewMemory("t1", WithClock(clk.Now))

	_, err := s.Record("port.443.listening", SourceCommand, "ss -ltn", "LISTEN 0.0.0.0:443")
	require.NoError(t, err)
	clk.Advance(10 * time.Second)
	second, err := s.Record("port.443.listening", SourceObservation, "netstat", "LISTEN 0.0.0.0:443")
	require.NoError(t, err)

	ev := s.Evaluate("port.443.listening", clk.Now())
	require.True(t, ev.OK())
	assert.Equal(t, 0.8, ev.Confidence)
	assert.Equal(t, second.Timestamp, ev.Record.Timestamp, "most recent record wins")
}

func TestEvaluate_ShortTTLExpires(t *testing.T) {
	clk := newClock()
	s := NewMemory("t1", WithClock(clk.Now))

	_, err := s.Record("host.disk.free", SourceCommand, "df", "42%", WithTTL(time.Second))
	require.NoError(t, err)
	clk.Advance(5 * time.Second)

	rec, conf := s.Lookup("host.disk.free", clk.Now())
	assert.Nil(t, rec)
	assert.Equal(t, 0.0, conf)

	ev := s.Evaluate("host.disk.free", clk.Now())
	assert.Equal(t, StatusStale, ev.Status)
	assert.Equal(t, 0.0, ev.Confidence)
	assert.True(t, s.NeedsRevalidation("host.disk.free", clk.Now()))
}

func TestEvaluate_DivergentContentIsConflict(t *testing.T) {
	clk := newClock()
	s := NewMemory("t1", WithClock(clk.Now))

	_, err := s.Record("service.nginx.running", SourceCommand, "systemctl", "active")
	require.NoError(t, err)
	_, err = s.Record("service.nginx.running", SourceCommand, "systemctl", "inactive")
	require.NoError(t, err)

	ev := s.Evaluate("service.nginx.running", clk.Now())
	assert.Equal(t, StatusConflict, ev.Status)
	assert.True(t, reason.Is(ev.Err(), reason.EvidenceConflict))

	rec, conf := s.Lookup("service.nginx.running", clk.Now())
	assert.Nil(t, rec)
	assert.Equal(t, 0.0, conf)
}

func TestEvaluate_ConflictClearsOnceOldRecordExpires(t *testing.T) {
	clk := newClock()
	s := NewMemory("t1", WithClock(clk.Now))

	_, err := s.Record("host.load", SourceObservation, "uptime", "0.1")
	require.NoError(t, err)
	clk.Advance(30 * time.Second)
	_, err = s.Record("host.load", SourceCommand, "uptime", "0.9")
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, s.Evaluate("host.load", clk.Now()).Status)

	clk.Advance(31 * time.Second)
	assert.Equal(t, StatusOK, s.Evaluate("host.load", clk.Now()).Status)
}

func TestEvaluate_ScopeMismatch(t *testing.T) {
	clk := newClock()
	s := NewMemory("t1", WithClock(clk.Now))

	_, err := s.Record("service.nginx.running", SourceCommand, "", "active", WithScope(ScopeContainer))
	require.NoError(t, err)
	ev := s.Evaluate("service.nginx.running", clk.Now())
	assert.Equal(t, StatusScope, ev.Status)
	assert.True(t, reason.Is(ev.Err(), reason.EvidenceScope))

	_, err = s.Record("nginx.healthy", SourceCommand, "", "ok", WithScope(ScopeService))
	require.NoError(t, err)
	_, err = s.Record("nginx.healthy", SourceCommand, "", "ok", WithScope(ScopeHost))
	require.NoError(t, err)
	assert.Equal(t, StatusScope, s.Evaluate("nginx.healthy", clk.Now()).Status)
}

func TestEvaluateWithin_MaxAge(t *testing.T) {
	clk := newClock()
	s := NewMemory("t1", WithClock(clk.Now))

	_, err := s.Record("/etc/hosts", SourceFile, "stat", "abc")
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	assert.True(t, s.Evaluate("/etc/hosts", clk.Now()).OK())
	assert.Equal(t, StatusStale, s.EvaluateWithin("/etc/hosts", clk.Now(), time.Minute).Status)
}

func TestInferScope(t *testing.T) {
	cases := map[string]Scope{
		"service:nginx":        ScopeService,
		"container.web.up":     ScopeContainer,
		"/var/log/syslog":      ScopeFile,
		"port.22.open":         ScopeNetwork,
		"listen:0.0.0.0:80":    ScopeNetwork,
		"host.kernel.version":  ScopeHost,
		"docker.redis.healthy": ScopeContainer,
	}
	for claim, want := range cases {
		got, ok := InferScope(claim)
		assert.True(t, ok, claim)
		assert.Equal(t, want, got, claim)
	}
	_, ok := InferScope("nginx.healthy")
	assert.False(t, ok)
}

func TestOpen_ReplaysAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clk := newClock()

	s, err := Open(dir, "trace-1", WithClock(clk.Now))
	require.NoError(t, err)
	_, err = s.Record("service.sshd.running", SourceCommand, "systemctl", "active")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(dir, "trace-1.evidence.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"claim":"service.sshd.running"`)

	reopened, err := Open(dir, "trace-1", WithClock(clk.Now))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []string{"service.sshd.running"}, reopened.Claims())
	assert.True(t, reopened.Evaluate("service.sshd.running", clk.Now()).OK())

	other, err := Open(dir, "trace-2")
	require.NoError(t, err)
	defer other.Close()
	assert.Empty(t, other.Claims(), "traces are isolated")
}

func TestOpen_RejectsBadTraceID(t *testing.T) {
	_, err := Open(t.TempDir(), "../escape")
	assert.True(t, reason.Is(err, reason.TraceIDInvalid))
}
