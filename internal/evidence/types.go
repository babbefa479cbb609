package evidence

import (
	"strings"
	"time"

	"warden/internal/reason"
)

// SourceType classifies where a fact was observed.
type SourceType string

const (
	SourceCommand       SourceType = "command"
	SourceFile          SourceType = "file"
	SourceTest          SourceType = "test"
	SourceObservation   SourceType = "observation"
	SourceIntrospection SourceType = "introspection"
)

var validSourceTypes = map[SourceType]bool{
	SourceCommand:       true,
	SourceFile:          true,
	SourceTest:          true,
	SourceObservation:   true,
	SourceIntrospection: true,
}

// Scope is the blast radius a claim speaks about.
type Scope string

const (
	ScopeHost      Scope = "host"
	ScopeService   Scope = "service"
	ScopeContainer Scope = "container"
	ScopeFile      Scope = "file"
	ScopeNetwork   Scope = "network"
)

var validScopes = map[Scope]bool{
	ScopeHost:      true,
	ScopeService:   true,
	ScopeContainer: true,
	ScopeFile:      true,
	ScopeNetwork:   true,
}

// DefaultTTLs returns the per-source-type TTL applied when a record gives none.
func DefaultTTLs() map[SourceType]time.Duration {
	return map[SourceType]time.Duration{
		SourceIntrospection: 300 * time.Second,
		SourceCommand:       300 * time.Second,
		SourceFile:          3600 * time.Second,
		SourceTest:          3600 * time.Second,
		SourceObservation:   60 * time.Second,
	}
}

// Record is one immutable observation of a claim.
type Record struct {
	Claim       string     `json:"claim"`
	SourceType  SourceType `json:"source_type"`
	SourceRef   string     `json:"source_ref"`
	ContentHash string     `json:"content_hash"`
	Timestamp   time.Time  `json:"timestamp"`
	TTLSeconds  int64      `json:"ttl_seconds"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Scope       Scope      `json:"scope"`
	Confidence  float64    `json:"confidence"`
}

// ValidAt reports whether the record has not yet expired at now.
func (r Record) ValidAt(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Status is the outcome of evaluating a claim.
type Status string

const (
	StatusMissing  Status = "missing"
	StatusStale    Status = "stale"
	StatusConflict Status = "conflict"
	StatusScope    Status = "scope"
	StatusOK       Status = "ok"
)

// Code maps a non-ok status onto its refusal code.
func (s Status) Code() reason.Code {
	switch s {
	case StatusMissing:
		return reason.EvidenceMissing
	case StatusStale:
		return reason.EvidenceStale
	case StatusConflict:
		return reason.EvidenceConflict
	case StatusScope:
		return reason.EvidenceScope
	default:
		return ""
	}
}

// Evaluation is the verdict for one claim at one instant.
type Evaluation struct {
	Claim      string
	Status     Status
	Record     *Record // most recent valid record when Status is ok
	Confidence float64
	Detail     string
}

// OK reports whether the claim is currently trustworthy.
func (e Evaluation) OK() bool { return e.Status == StatusOK }

// Err returns nil for ok evaluations, otherwise a coded refusal.
func (e Evaluation) Err() error {
	if e.OK() {
		return nil
	}
	return reason.New(e.Status.Code(), "claim %q: %s", e.Claim, e.Detail)
}

// InferScope derives the scope a claim name implies. Recognized forms are a
// leading scope word ("service:nginx.running", "container.web.up"), an
// absolute path ("/etc/nginx/nginx.conf") and port/listen claims. The second
// return is false when nothing can be inferred.
func InferScope(claim string) (Scope, bool) {
	c := strings.TrimSpace(strings.ToLower(claim))
	if c == "" {
		return "", false
	}
	if strings.HasPrefix(c, "/") || strings.HasPrefix(c, "~/") {
		return ScopeFile, true
	}
	head := c
	if i := strings.IndexAny(c, ":."); i >= 0 {
		head = c[:i]
	}
	switch head {
	case "host", "service", "container", "file", "network":
		return Scope(head), true
	case "port", "listen", "socket":
		return ScopeNetwork, true
	case "unit", "systemd":
		return ScopeService, true
	case "docker", "pod":
		return ScopeContainer, true
	}
	return "", false
}
