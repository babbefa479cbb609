package ledger

import (
	"sort"
	"strings"
	"time"

	"warden/internal/canonical"
	"warden/internal/reason"
)

// RecordType discriminates ledger records.
type RecordType string

const (
	TypeIssuance     RecordType = "issuance"
	TypeRevocation   RecordType = "revocation"
	TypeSupersession RecordType = "supersession"
)

// GenesisHash is the prev_hash of the first record.
var GenesisHash = strings.Repeat("0", 64)

// artifactIDPrefix is prepended to the first 16 hex chars of the issuance
// transition key.
const artifactIDPrefix = "art_"

// AuthorityGuarantees are what an issued artifact may NOT do. Every field is
// false on every artifact.
type AuthorityGuarantees struct {
	ExecutionAuthority  bool `json:"execution_authority"`
	ApprovalAuthority   bool `json:"approval_authority"`
	DelegationAuthority bool `json:"delegation_authority"`
	SelfIssuance        bool `json:"self_issuance"`
}

// ImmutabilityGuarantees describe how the record may change after write.
type ImmutabilityGuarantees struct {
	AppendOnly        bool `json:"append_only"`
	MutableAfterWrite bool `json:"mutable_after_write"`
	OverwriteAllowed  bool `json:"overwrite_allowed"`
	DeleteAllowed     bool `json:"delete_allowed"`
}

// Artifact is the governance artifact an issuance carries. It never enables
// execution.
type Artifact struct {
	ArtifactType           string                 `json:"artifact_type"`
	ExecutionEnabled       bool                   `json:"execution_enabled"`
	AuthorityGuarantees    AuthorityGuarantees    `json:"authority_guarantees"`
	ImmutabilityGuarantees ImmutabilityGuarantees `json:"immutability_guarantees"`
}

func newArtifact(artifactType string) Artifact {
	return Artifact{
		ArtifactType: artifactType,
		ImmutabilityGuarantees: ImmutabilityGuarantees{
			AppendOnly: true,
		},
	}
}

// Issuance is the payload of an issuance record.
type Issuance struct {
	ArtifactID   string   `json:"artifact_id"`
	PhaseID      int      `json:"phase_id"`
	ContractName string   `json:"contract_name"`
	LineageRefs  []string `json:"lineage_refs"`
	Revoked      bool     `json:"revoked"`
	Artifact     Artifact `json:"artifact"`
}

// Revocation is the payload of a revocation record.
type Revocation struct {
	RevokedArtifactID string `json:"revoked_artifact_id"`
	RevocationReason  string `json:"revocation_reason,omitempty"`
}

// Supersession is the payload of a supersession record.
type Supersession struct {
	SupersededArtifactID  string `json:"superseded_artifact_id"`
	ReplacementArtifactID string `json:"replacement_artifact_id"`
	SupersessionReason    string `json:"supersession_reason,omitempty"`
}

// Record is one line of the ledger. Exactly one of the embedded payloads is
// set, matching RecordType. Records are never modified once appended; the
// Revoked flag of an issuance stays false and revocation state is derived
// from later records.
type Record struct {
	RecordType       RecordType `json:"record_type"`
	Sequence         int64      `json:"sequence"`
	RecordedAt       time.Time  `json:"recorded_at"`
	EnvironmentID    string     `json:"environment_id"`
	IssuerIdentityID string     `json:"issuer_identity_id"`
	TransitionKey    string     `json:"transition_key"`

	*Issuance
	*Revocation
	*Supersession

	PrevHash   string `json:"prev_hash"`
	RecordHash string `json:"record_hash"`
}

// ComputeHash returns the digest of r with RecordHash blanked.
func (r Record) ComputeHash() (string, error) {
	r.RecordHash = ""
	return canonical.Digest(r)
}

// validate checks that the payload matches the record type.
func (r Record) validate() error {
	var ok bool
	switch r.RecordType {
	case TypeIssuance:
		ok = r.Issuance != nil && r.Revocation == nil && r.Supersession == nil && r.ArtifactID != ""
	case TypeRevocation:
		ok = r.Revocation != nil && r.Issuance == nil && r.Supersession == nil && r.RevokedArtifactID != ""
	case TypeSupersession:
		ok = r.Supersession != nil && r.Issuance == nil && r.Revocation == nil &&
			r.SupersededArtifactID != "" && r.ReplacementArtifactID != ""
	}
	if !ok {
		return reason.New(reason.LedgerRecordInvalid, "record %d: payload does not match record_type %q", r.Sequence, r.RecordType)
	}
	if r.TransitionKey == "" || r.EnvironmentID == "" {
		return reason.New(reason.LedgerRecordInvalid, "record %d: transition_key and environment_id are required", r.Sequence)
	}
	return nil
}

// clone returns a deep copy safe to hand to callers.
func (r Record) clone() Record {
	if r.Issuance != nil {
		iss := *r.Issuance
		iss.LineageRefs = append([]string{}, r.Issuance.LineageRefs...)
		r.Issuance = &iss
	}
	if r.Revocation != nil {
		rev := *r.Revocation
		r.Revocation = &rev
	}
	if r.Supersession != nil {
		sup := *r.Supersession
		r.Supersession = &sup
	}
	return r
}

// IssuanceKey is the transition key of an issuance: a digest of phase,
// contract, environment and the sorted lineage.
func IssuanceKey(phaseID int, contractName, environmentID string, lineageRefs []string) (string, error) {
	return canonical.Digest(map[string]interface{}{
		"kind":           string(TypeIssuance),
		"phase_id":       phaseID,
		"contract_name":  contractName,
		"environment_id": environmentID,
		"lineage_refs":   normalizeRefs(lineageRefs),
	})
}

func revocationKey(environmentID, artifactID string) (string, error) {
	return canonical.Digest(map[string]interface{}{
		"kind":                string(TypeRevocation),
		"environment_id":      environmentID,
		"revoked_artifact_id": artifactID,
	})
}

func supersessionKey(environmentID, oldID, newID string) (string, error) {
	return canonical.Digest(map[string]interface{}{
		"kind":                    string(TypeSupersession),
		"environment_id":          environmentID,
		"superseded_artifact_id":  oldID,
		"replacement_artifact_id": newID,
	})
}

// ArtifactIDFor derives an artifact id from its issuance transition key.
func ArtifactIDFor(transitionKey string) string {
	if len(transitionKey) > 16 {
		transitionKey = transitionKey[:16]
	}
	return artifactIDPrefix + transitionKey
}

// normalizeRefs trims, drops empties, dedupes and sorts.
func normalizeRefs(refs []string) []string {
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
