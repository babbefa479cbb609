package ledger

import (
	"fmt"
	"strings"

	"warden/internal/aci"
	"warden/internal/logging"
	"warden/internal/reason"
)

// IssueRequest asks for a new artifact at PhaseID.
type IssueRequest struct {
	PhaseID          int      `json:"phase_id" yaml:"phase_id"`
	ContractName     string   `json:"contract_name" yaml:"contract_name"`
	EnvironmentID    string   `json:"environment_id" yaml:"environment_id"`
	IssuerIdentityID string   `json:"issuer_identity_id" yaml:"issuer_identity_id"`
	LineageRefs      []string `json:"lineage_refs" yaml:"lineage_refs"`
	LineageRequired  bool     `json:"lineage_required" yaml:"lineage_required"`
	// ArtifactType defaults to the ladder's artifact type for PhaseID.
	ArtifactType string `json:"artifact_type,omitempty" yaml:"artifact_type,omitempty"`
}

// RevokeRequest asks to revoke an issued artifact.
type RevokeRequest struct {
	ArtifactID       string `json:"artifact_id" yaml:"artifact_id"`
	EnvironmentID    string `json:"environment_id" yaml:"environment_id"`
	IssuerIdentityID string `json:"issuer_identity_id" yaml:"issuer_identity_id"`
	Reason           string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// SupersedeRequest records that NewArtifactID replaces OldArtifactID.
type SupersedeRequest struct {
	OldArtifactID    string `json:"old_artifact_id" yaml:"old_artifact_id"`
	NewArtifactID    string `json:"new_artifact_id" yaml:"new_artifact_id"`
	EnvironmentID    string `json:"environment_id" yaml:"environment_id"`
	IssuerIdentityID string `json:"issuer_identity_id" yaml:"issuer_identity_id"`
	Reason           string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func blank(fields map[string]string) string {
	var missing []string
	for _, name := range []string{"artifact_id", "old_artifact_id", "new_artifact_id", "contract_name", "environment_id", "issuer_identity_id"} {
		if v, ok := fields[name]; ok && strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	return strings.Join(missing, ", ")
}

// AppendIssuedArtifact validates lineage and appends an issuance record.
// Every check runs before anything is written.
func (l *Ledger) AppendIssuedArtifact(req IssueRequest) (Record, error) {
	if missing := blank(map[string]string{
		"contract_name":      req.ContractName,
		"environment_id":     req.EnvironmentID,
		"issuer_identity_id": req.IssuerIdentityID,
	}); missing != "" {
		return Record{}, l.reject("issue", reason.New(reason.IssuanceFieldMissing, "missing %s", missing))
	}
	class, ok := aci.PhaseClassOf(req.PhaseID)
	if !ok {
		return Record{}, l.reject("issue", reason.New(reason.IssuancePhaseUnknown, "phase %d is not on the ladder", req.PhaseID))
	}
	refs := normalizeRefs(req.LineageRefs)
	if req.LineageRequired && len(refs) == 0 {
		return Record{}, l.reject("issue", reason.New(reason.IssuanceLineageRequired, "phase %d %s requires lineage_refs", req.PhaseID, req.ContractName))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ref := range refs {
		idx, ok := l.artifacts[ref]
		if !ok {
			return Record{}, l.reject("issue", reason.New(reason.IssuanceUpstreamNotFound, "upstream %s", ref))
		}
		if _, gone := l.revoked[ref]; gone {
			return Record{}, l.reject("issue", reason.New(reason.IssuanceUpstreamRevoked, "upstream %s is revoked", ref))
		}
		if env := l.records[idx].EnvironmentID; env != req.EnvironmentID {
			return Record{}, l.reject("issue", reason.New(reason.IssuanceEnvironmentMismatch, "upstream %s is in %s, not %s", ref, env, req.EnvironmentID))
		}
	}

	key, err := IssuanceKey(req.PhaseID, req.ContractName, req.EnvironmentID, refs)
	if err != nil {
		return Record{}, l.reject("issue", reason.Wrap(reason.IssuanceLedgerAppendFailed, err, "compute transition key"))
	}
	if l.keys[key] {
		return Record{}, l.reject("issue", reason.New(reason.IssuanceDuplicateForLineage,
			"phase %d %s in %s with lineage %v was already issued", req.PhaseID, req.ContractName, req.EnvironmentID, refs))
	}

	artifactType := req.ArtifactType
	if artifactType == "" {
		artifactType = aci.ArtifactTypeFor(class, req.PhaseID)
	}
	rec, err := l.seal(Record{
		RecordType:       TypeIssuance,
		EnvironmentID:    req.EnvironmentID,
		IssuerIdentityID: req.IssuerIdentityID,
		TransitionKey:    key,
		Issuance: &Issuance{
			ArtifactID:   ArtifactIDFor(key),
			PhaseID:      req.PhaseID,
			ContractName: req.ContractName,
			LineageRefs:  refs,
			Artifact:     newArtifact(artifactType),
		},
	})
	if err != nil {
		return Record{}, l.reject("issue", reason.Wrap(reason.IssuanceLedgerAppendFailed, err, "append issuance"))
	}
	l.accepted(rec, rec.ArtifactID)
	return rec, nil
}

// AppendRevocationRecord revokes an issued artifact.
func (l *Ledger) AppendRevocationRecord(req RevokeRequest) (Record, error) {
	if missing := blank(map[string]string{
		"artifact_id":        req.ArtifactID,
		"environment_id":     req.EnvironmentID,
		"issuer_identity_id": req.IssuerIdentityID,
	}); missing != "" {
		return Record{}, l.reject("revoke", reason.New(reason.RevocationFieldMissing, "missing %s", missing))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.artifacts[req.ArtifactID]
	if !ok {
		return Record{}, l.reject("revoke", reason.New(reason.RevocationTargetNotFound, "artifact %s", req.ArtifactID))
	}
	if env := l.records[idx].EnvironmentID; env != req.EnvironmentID {
		return Record{}, l.reject("revoke", reason.New(reason.RevocationEnvironmentMismatch, "artifact %s is in %s, not %s", req.ArtifactID, env, req.EnvironmentID))
	}
	if _, gone := l.revoked[req.ArtifactID]; gone {
		return Record{}, l.reject("revoke", reason.New(reason.RevocationAlreadyRevoked, "artifact %s", req.ArtifactID))
	}

	key, err := revocationKey(req.EnvironmentID, req.ArtifactID)
	if err != nil {
		return Record{}, l.reject("revoke", reason.Wrap(reason.RevocationLedgerAppendFailed, err, "compute transition key"))
	}
	rec, err := l.seal(Record{
		RecordType:       TypeRevocation,
		EnvironmentID:    req.EnvironmentID,
		IssuerIdentityID: req.IssuerIdentityID,
		TransitionKey:    key,
		Revocation:       &Revocation{RevokedArtifactID: req.ArtifactID, RevocationReason: req.Reason},
	})
	if err != nil {
		return Record{}, l.reject("revoke", reason.Wrap(reason.RevocationLedgerAppendFailed, err, "append revocation"))
	}
	l.accepted(rec, req.ArtifactID)
	return rec, nil
}

// AppendSupersessionRecord records that a revoked artifact was replaced by a
// live one of the same phase class.
func (l *Ledger) AppendSupersessionRecord(req SupersedeRequest) (Record, error) {
	if missing := blank(map[string]string{
		"old_artifact_id":    req.OldArtifactID,
		"new_artifact_id":    req.NewArtifactID,
		"environment_id":     req.EnvironmentID,
		"issuer_identity_id": req.IssuerIdentityID,
	}); missing != "" {
		return Record{}, l.reject("supersede", reason.New(reason.SupersessionFieldMissing, "missing %s", missing))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	oldIdx, ok := l.artifacts[req.OldArtifactID]
	if !ok {
		return Record{}, l.reject("supersede", reason.New(reason.SupersessionOldNotFound, "artifact %s", req.OldArtifactID))
	}
	newIdx, ok := l.artifacts[req.NewArtifactID]
	if !ok {
		return Record{}, l.reject("supersede", reason.New(reason.SupersessionNewNotFound, "artifact %s", req.NewArtifactID))
	}
	if req.OldArtifactID == req.NewArtifactID {
		return Record{}, l.reject("supersede", reason.New(reason.SupersessionSelfReference, "artifact %s cannot supersede itself", req.OldArtifactID))
	}
	oldRec, newRec := l.records[oldIdx], l.records[newIdx]
	if oldRec.EnvironmentID != req.EnvironmentID || newRec.EnvironmentID != req.EnvironmentID {
		return Record{}, l.reject("supersede", reason.New(reason.SupersessionEnvironmentMismatch,
			"%s is in %s and %s is in %s, request is for %s", req.OldArtifactID, oldRec.EnvironmentID, req.NewArtifactID, newRec.EnvironmentID, req.EnvironmentID))
	}
	if repl, done := l.superseded[req.OldArtifactID]; done {
		return Record{}, l.reject("supersede", reason.New(reason.SupersessionAlreadyExists, "artifact %s already superseded by %s", req.OldArtifactID, repl))
	}
	if _, gone := l.revoked[req.OldArtifactID]; !gone {
		return Record{}, l.reject("supersede", reason.New(reason.SupersessionOldNotRevoked, "artifact %s must be revoked first", req.OldArtifactID))
	}
	if _, gone := l.revoked[req.NewArtifactID]; gone {
		return Record{}, l.reject("supersede", reason.New(reason.SupersessionNewRevoked, "replacement %s is revoked", req.NewArtifactID))
	}
	oldClass, _ := aci.PhaseClassOf(oldRec.PhaseID)
	newClass, _ := aci.PhaseClassOf(newRec.PhaseID)
	if oldClass != newClass {
		return Record{}, l.reject("supersede", reason.New(reason.SupersessionPhaseClassMismatch,
			"%s is %s (phase %d), %s is %s (phase %d)", req.OldArtifactID, oldClass, oldRec.PhaseID, req.NewArtifactID, newClass, newRec.PhaseID))
	}

	key, err := supersessionKey(req.EnvironmentID, req.OldArtifactID, req.NewArtifactID)
	if err != nil {
		return Record{}, l.reject("supersede", reason.Wrap(reason.SupersessionLedgerAppendFailed, err, "compute transition key"))
	}
	rec, err := l.seal(Record{
		RecordType:       TypeSupersession,
		EnvironmentID:    req.EnvironmentID,
		IssuerIdentityID: req.IssuerIdentityID,
		TransitionKey:    key,
		Supersession: &Supersession{
			SupersededArtifactID:  req.OldArtifactID,
			ReplacementArtifactID: req.NewArtifactID,
			SupersessionReason:    req.Reason,
		},
	})
	if err != nil {
		return Record{}, l.reject("supersede", reason.Wrap(reason.SupersessionLedgerAppendFailed, err, "append supersession"))
	}
	l.accepted(rec, fmt.Sprintf("%s->%s", req.OldArtifactID, req.NewArtifactID))
	return rec, nil
}

func (l *Ledger) reject(op string, err error) error {
	code := reason.CodeOf(err)
	logging.LedgerWarn("%s refused: %v", op, err)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditLedgerReject,
		Action:    op,
		Code:      string(code),
		Message:   err.Error(),
	})
	return err
}

func (l *Ledger) accepted(r Record, target string) {
	logging.Ledger("appended %s #%d for %s", r.RecordType, r.Sequence, target)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditLedgerAppend,
		Target:    target,
		Action:    string(r.RecordType),
		Success:   true,
		Fields:    map[string]interface{}{"sequence": r.Sequence, "record_hash": r.RecordHash},
	})
}
