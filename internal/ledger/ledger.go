// Package ledger is the append-only, hash-chained issuance ledger. It
// records governance artifacts, their revocations and supersessions, and
// refuses any append that would break lineage integrity or repeat an
// earlier operation.
package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"warden/internal/canonical"
	"warden/internal/jsonl"
	"warden/internal/logging"
	"warden/internal/reason"
)

// slowReplay is how long opening a ledger may take before it is logged as slow.
const slowReplay = time.Second

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the recorded_at source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the in-memory index over the record log. All appends go through
// one mutex; there is no cross-process exclusion.
type Ledger struct {
	mu   sync.RWMutex
	file *jsonl.File
	now  func() time.Time

	records    []Record
	artifacts  map[string]int    // artifact id -> index of its issuance record
	revoked    map[string]int    // artifact id -> index of its revocation record
	superseded map[string]string // old artifact id -> replacement
	keys       map[string]bool   // transition keys already used
	headHash   string
}

func newLedger(opts []Option) *Ledger {
	l := &Ledger{
		now:        time.Now,
		artifacts:  make(map[string]int),
		revoked:    make(map[string]int),
		superseded: make(map[string]string),
		keys:       make(map[string]bool),
		headHash:   GenesisHash,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewMemory creates a ledger with no backing file.
func NewMemory(opts ...Option) *Ledger {
	return newLedger(opts)
}

// Open replays and verifies the ledger at path, then opens it for append.
// A broken chain or malformed record refuses to open.
func Open(path string, opts ...Option) (*Ledger, error) {
	timer := logging.StartTimer(logging.CategoryLedger, "Open")
	defer timer.StopWithThreshold(slowReplay)

	l := newLedger(opts)
	if err := replay(path, l.apply); err != nil {
		logging.LedgerError("replay of %s failed: %v", path, err)
		return nil, err
	}
	f, err := jsonl.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	l.file = f
	logging.Ledger("ledger %s open: %d records, %d artifacts", path, len(l.records), len(l.artifacts))
	return l, nil
}

// VerifyFile replays path and checks every link of the hash chain without
// opening it for append. It returns the number of records verified.
func VerifyFile(path string) (int, error) {
	l := newLedger(nil)
	if err := replay(path, l.apply); err != nil {
		return 0, err
	}
	return len(l.records), nil
}

func replay(path string, apply func(Record) error) error {
	return jsonl.ReadLines(path, func(lineNo int, raw []byte) error {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return reason.Wrap(reason.LedgerRecordInvalid, err, "%s:%d", path, lineNo)
		}
		if err := apply(rec); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		return nil
	})
}

// Close releases the backing file, if any.
func (l *Ledger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Head returns the sequence and hash of the last record.
func (l *Ledger) Head() (int64, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.records)), l.headHash
}

// Verify rechecks the in-memory chain.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	prev := GenesisHash
	for i, r := range l.records {
		if err := checkLink(r, int64(i+1), prev); err != nil {
			return err
		}
		prev = r.RecordHash
	}
	return nil
}

func checkLink(r Record, wantSeq int64, prevHash string) error {
	if r.Sequence != wantSeq {
		return reason.New(reason.LedgerChainBroken, "record %d: expected sequence %d", r.Sequence, wantSeq)
	}
	if r.PrevHash != prevHash {
		return reason.New(reason.LedgerChainBroken, "record %d: prev_hash does not match the preceding record", r.Sequence)
	}
	got, err := r.ComputeHash()
	if err != nil {
		return reason.Wrap(reason.LedgerRecordInvalid, err, "record %d", r.Sequence)
	}
	if got != r.RecordHash {
		return reason.New(reason.LedgerChainBroken, "record %d: record_hash mismatch", r.Sequence)
	}
	return nil
}

// apply links r onto the chain and indexes it. Used by replay; the append
// paths build records that already satisfy it.
func (l *Ledger) apply(r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	if err := checkLink(r, int64(len(l.records)+1), l.headHash); err != nil {
		return err
	}
	if l.keys[r.TransitionKey] {
		return reason.New(reason.LedgerRecordInvalid, "record %d repeats transition key", r.Sequence)
	}
	idx := len(l.records)
	switch r.RecordType {
	case TypeIssuance:
		if _, dup := l.artifacts[r.ArtifactID]; dup {
			return reason.New(reason.LedgerRecordInvalid, "record %d reissues %s", r.Sequence, r.ArtifactID)
		}
		l.artifacts[r.ArtifactID] = idx
	case TypeRevocation:
		if _, ok := l.artifacts[r.RevokedArtifactID]; !ok {
			return reason.New(reason.LedgerRecordInvalid, "record %d revokes unknown %s", r.Sequence, r.RevokedArtifactID)
		}
		l.revoked[r.RevokedArtifactID] = idx
	case TypeSupersession:
		l.superseded[r.SupersededArtifactID] = r.ReplacementArtifactID
	}
	l.keys[r.TransitionKey] = true
	l.records = append(l.records, r)
	l.headHash = r.RecordHash
	return nil
}

// seal fills sequence, timestamps and hashes, writes the record, and indexes
// it. Callers hold the write lock and have finished validation.
func (l *Ledger) seal(r Record) (Record, error) {
	r.Sequence = int64(len(l.records) + 1)
	r.RecordedAt = l.now().UTC()
	r.PrevHash = l.headHash
	h, err := r.ComputeHash()
	if err != nil {
		return Record{}, err
	}
	r.RecordHash = h

	if l.file != nil {
		line, err := canonical.Marshal(r)
		if err != nil {
			return Record{}, err
		}
		if err := l.file.Append(line); err != nil {
			return Record{}, err
		}
	}
	if err := l.apply(r); err != nil {
		return Record{}, err
	}
	logging.LedgerDebug("sealed %s #%d %s", r.RecordType, r.Sequence, r.RecordHash[:12])
	return r.clone(), nil
}

// Lookup returns the issuance record of artifactID.
func (l *Ledger) Lookup(artifactID string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.artifacts[artifactID]
	if !ok {
		return Record{}, false
	}
	return l.records[idx].clone(), true
}

// Records returns every record in sequence order.
func (l *Ledger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	for i, r := range l.records {
		out[i] = r.clone()
	}
	return out
}

// IsRevoked reports whether artifactID has a revocation record.
func (l *Ledger) IsRevoked(artifactID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.revoked[artifactID]
	return ok
}

// IsSuperseded returns the replacement of artifactID, if any.
func (l *Ledger) IsSuperseded(artifactID string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	repl, ok := l.superseded[artifactID]
	return repl, ok
}

// Artifacts returns the issuance records in environmentID, or all of them
// when environmentID is empty, ordered by sequence.
func (l *Ledger) Artifacts(environmentID string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var idxs []int
	for _, idx := range l.artifacts {
		if environmentID == "" || l.records[idx].EnvironmentID == environmentID {
			idxs = append(idxs, idx)
		}
	}
	sort.Ints(idxs)
	out := make([]Record, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, l.records[idx].clone())
	}
	return out
}

// ResolveLineage picks the single live artifact of upstreamPhase in
// environmentID. None is ISSUANCE_UPSTREAM_NOT_FOUND; more than one is
// ISSUANCE_LINEAGE_AMBIGUOUS, and the caller must name the parent itself.
func (l *Ledger) ResolveLineage(environmentID string, upstreamPhase int) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var live []string
	for id, idx := range l.artifacts {
		r := l.records[idx]
		if r.EnvironmentID != environmentID || r.PhaseID != upstreamPhase {
			continue
		}
		if _, gone := l.revoked[id]; gone {
			continue
		}
		live = append(live, id)
	}
	sort.Strings(live)
	switch len(live) {
	case 0:
		return "", reason.New(reason.IssuanceUpstreamNotFound, "no live phase %d artifact in %s", upstreamPhase, environmentID)
	case 1:
		return live[0], nil
	default:
		return "", reason.New(reason.IssuanceLineageAmbiguous, "phase %d in %s has %d live artifacts: %v", upstreamPhase, environmentID, len(live), live)
	}
}
