// Package evidence implements the per-trace evidence store: an append-only
// fact log keyed by claim, with TTL expiry, scope checks and conflict
// detection. Records are never edited; a newer observation is a new record.
package evidence

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"warden/internal/canonical"
	"warden/internal/jsonl"
	"warden/internal/logging"
	"warden/internal/reason"
	"warden/internal/traceid"
)

const (
	fileSuffix = ".evidence.jsonl"

	confidenceSingle       = 0.5
	confidenceCorroborated = 0.8
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to timestamp new records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDefaultTTLs overrides default TTLs for the given source types.
func WithDefaultTTLs(ttls map[SourceType]time.Duration) Option {
	return func(s *Store) {
		for k, v := range ttls {
			if v > 0 {
				s.ttls[k] = v
			}
		}
	}
}

// RecordOption adjusts a single Record call.
type RecordOption func(*recordOpts)

type recordOpts struct {
	ttl   time.Duration
	scope Scope
}

// WithTTL overrides the source-type default TTL.
func WithTTL(ttl time.Duration) RecordOption {
	return func(o *recordOpts) { o.ttl = ttl }
}

// WithScope pins the record's scope instead of inferring it from the claim.
func WithScope(scope Scope) RecordOption {
	return func(o *recordOpts) { o.scope = scope }
}

// Store holds the evidence of exactly one trace.
type Store struct {
	traceID string

	mu      sync.RWMutex
	byClaim map[string][]Record
	file    *jsonl.File // nil for in-memory stores

	now  func() time.Time
	ttls map[SourceType]time.Duration
}

func newStore(traceID string, opts []Option) *Store {
	s := &Store{
		traceID: traceID,
		byClaim: make(map[string][]Record),
		now:     time.Now,
		ttls:    DefaultTTLs(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewMemory creates a store that is not backed by a file.
func NewMemory(traceID string, opts ...Option) *Store {
	return newStore(traceID, opts)
}

// Open loads <dir>/<trace>.evidence.jsonl (if present) and appends new
// records to it.
func Open(dir, traceID string, opts ...Option) (*Store, error) {
	path, err := traceid.Path(dir, traceID, fileSuffix)
	if err != nil {
		return nil, err
	}
	s := newStore(traceID, opts)

	err = jsonl.ReadLines(path, func(lineNo int, line []byte) error {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		s.byClaim[rec.Claim] = append(s.byClaim[rec.Claim], rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay evidence: %w", err)
	}

	f, err := jsonl.Open(path)
	if err != nil {
		return nil, err
	}
	s.file = f
	logging.EvidenceDebug("opened evidence for trace %s: %d claims", traceID, len(s.byClaim))
	return s, nil
}

// TraceID returns the trace this store belongs to.
func (s *Store) TraceID() string { return s.traceID }

// Close releases the backing file, if any.
func (s *Store) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Record hashes raw, applies TTL and scope, and appends a new record.
// Invalid input is rejected before anything is written.
func (s *Store) Record(claim string, sourceType SourceType, sourceRef, raw string, opts ...RecordOption) (Record, error) {
	claim = strings.TrimSpace(claim)
	if claim == "" {
		return Record{}, reason.New(reason.EvidenceInvalid, "claim is required")
	}
	if !validSourceTypes[sourceType] {
		return Record{}, reason.New(reason.EvidenceInvalid, "unknown source type %q", sourceType)
	}

	var o recordOpts
	for _, opt := range opts {
		opt(&o)
	}
	ttl := s.ttls[sourceType]
	if o.ttl != 0 {
		if o.ttl < 0 {
			return Record{}, reason.New(reason.EvidenceInvalid, "ttl must be positive, got %v", o.ttl)
		}
		ttl = o.ttl
	}
	scope := o.scope
	if scope == "" {
		if inferred, ok := InferScope(claim); ok {
			scope = inferred
		} else {
			scope = ScopeHost
		}
	}
	if !validScopes[scope] {
		return Record{}, reason.New(reason.EvidenceInvalid, "unknown scope %q", scope)
	}

	ts := s.now().UTC()
	rec := Record{
		Claim:       claim,
		SourceType:  sourceType,
		SourceRef:   sourceRef,
		ContentHash: canonical.HashBytes([]byte(raw)),
		Timestamp:   ts,
		TTLSeconds:  int64(ttl / time.Second),
		ExpiresAt:   ts.Add(ttl),
		Scope:       scope,
		Confidence:  confidenceSingle,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		line, err := canonical.Marshal(rec)
		if err != nil {
			return Record{}, reason.Wrap(reason.EvidenceAppendFailed, err, "encode record")
		}
		if err := s.file.Append(line); err != nil {
			logging.Get(logging.CategoryEvidence).Error("append failed for %s: %v", claim, err)
			return Record{}, reason.Wrap(reason.EvidenceAppendFailed, err, "append record")
		}
	}
	s.byClaim[claim] = append(s.byClaim[claim], rec)
	logging.EvidenceDebug("recorded %s (%s, ttl=%ds, scope=%s)", claim, sourceType, rec.TTLSeconds, scope)
	return rec, nil
}

// Evaluate classifies a claim at now.
func (s *Store) Evaluate(claim string, now time.Time) Evaluation {
	return s.EvaluateWithin(claim, now, 0)
}

// EvaluateWithin is Evaluate with an additional freshness bound: records
// older than maxAge count as expired. maxAge <= 0 disables the bound.
//
// Checks run in order: missing, scope, stale, conflict. Scope is checked
// across every record for the claim, expired ones included.
func (s *Store) EvaluateWithin(claim string, now time.Time, maxAge time.Duration) Evaluation {
	s.mu.RLock()
	records := s.byClaim[claim]
	s.mu.RUnlock()

	ev := Evaluation{Claim: claim, Status: StatusMissing, Detail: "no records"}
	if len(records) == 0 {
		return ev
	}

	if detail, ok := scopeConsistent(claim, records); !ok {
		ev.Status, ev.Detail = StatusScope, detail
		return ev
	}

	valid := validRecords(records, now, maxAge)
	if len(valid) == 0 {
		ev.Status, ev.Detail = StatusStale, fmt.Sprintf("all %d records expired", len(records))
		return ev
	}

	hashes := make(map[string]struct{}, len(valid))
	for _, r := range valid {
		hashes[r.ContentHash] = struct{}{}
	}
	if len(hashes) > 1 {
		ev.Status, ev.Detail = StatusConflict, fmt.Sprintf("%d distinct content hashes among valid records", len(hashes))
		return ev
	}

	latest := valid[0]
	for _, r := range valid[1:] {
		if r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
	}
	conf := confidenceSingle
	if len(valid) >= 2 {
		conf = confidenceCorroborated
	}
	latest.Confidence = conf

	ev.Status = StatusOK
	ev.Record = &latest
	ev.Confidence = conf
	ev.Detail = ""
	return ev
}

// Lookup returns the most recent valid record and its confidence, or nil and
// 0.0 when the claim is not currently trustworthy.
func (s *Store) Lookup(claim string, now time.Time) (*Record, float64) {
	ev := s.Evaluate(claim, now)
	if !ev.OK() {
		return nil, 0.0
	}
	return ev.Record, ev.Confidence
}

// NeedsRevalidation is true whenever the claim does not evaluate ok.
func (s *Store) NeedsRevalidation(claim string, now time.Time) bool {
	return !s.Evaluate(claim, now).OK()
}

// Claims returns every claim with at least one record, sorted.
func (s *Store) Claims() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byClaim))
	for c := range s.byClaim {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Records returns a copy of the records for a claim in append order.
func (s *Store) Records(claim string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.byClaim[claim]...)
}

func scopeConsistent(claim string, records []Record) (string, bool) {
	first := records[0].Scope
	for _, r := range records[1:] {
		if r.Scope != first {
			return fmt.Sprintf("records disagree on scope (%s vs %s)", first, r.Scope), false
		}
	}
	if inferred, ok := InferScope(claim); ok && inferred != first {
		return fmt.Sprintf("claim implies scope %s, records carry %s", inferred, first), false
	}
	return "", true
}

func validRecords(records []Record, now time.Time, maxAge time.Duration) []Record {
	var out []Record
	for _, r := range records {
		if !r.ValidAt(now) {
			continue
		}
		if maxAge > 0 && now.Sub(r.Timestamp) > maxAge {
			continue
		}
		out = append(out, r)
	}
	return out
}
