// Package reason defines the closed set of refusal codes used across warden.
// Codes are stable identifiers: callers match on them, never on message text.
package reason

import (
	"errors"
	"fmt"
)

// Code is a stable, enumerable refusal identifier.
type Code string

const (
	// --- Evidence ---
	EvidenceMissing  Code = "EVIDENCE_MISSING"
	EvidenceConflict Code = "EVIDENCE_CONFLICT"
	EvidenceStale    Code = "EVIDENCE_STALE"
	EvidenceScope    Code = "EVIDENCE_SCOPE"
	EvidenceInvalid  Code = "EVIDENCE_INVALID" // malformed record input

	// --- Capability ---
	CapabilityMissing    Code = "CAPABILITY_MISSING"
	CapabilityAmbiguous  Code = "CAPABILITY_AMBIGUOUS"
	CapabilityInvalid    Code = "CAPABILITY_INVALID"
	CapabilityGuarantees Code = "CAPABILITY_GUARANTEES"

	// --- Scope ---
	ScopeWildcard  Code = "SCOPE_WILDCARD"
	ScopeRecursive Code = "SCOPE_RECURSIVE"

	// --- Authority ---
	IrreversibleNoAck Code = "IRREVERSIBLE_NO_ACK"
	AuthorityBoundary Code = "AUTHORITY_BOUNDARY"

	// --- Intent routing ---
	ForbiddenIntentAuthorityLeakage   Code = "FORBIDDEN_INTENT_AUTHORITY_LEAKAGE"
	AmbiguousIntent                   Code = "AMBIGUOUS_INTENT"
	ExecutionSeekingForbidden         Code = "EXECUTION_SEEKING_FORBIDDEN"
	IntentNotAdmissibleAtCurrentPhase Code = "INTENT_NOT_ADMISSIBLE_AT_CURRENT_PHASE"
	NoAdmissiblePhaseTransition       Code = "NO_ADMISSIBLE_PHASE_TRANSITION"
	// Gatekeeper success codes; they never appear on an *Error.
	AdmissiblePhaseTransition Code = "ADMISSIBLE_PHASE_TRANSITION"
	ConversationOnly          Code = "CONVERSATION_ONLY"

	// --- Task graph ---
	TaskNotFound            Code = "TASK_NOT_FOUND"
	TaskDuplicate           Code = "TASK_DUPLICATE"
	TaskTerminal            Code = "TASK_TERMINAL"
	TaskDependencyMissing   Code = "TASK_DEPENDENCY_MISSING"
	TaskDependencyUnmet     Code = "TASK_DEPENDENCY_UNMET"
	TaskDependencyCycle     Code = "TASK_DEPENDENCY_CYCLE"
	TaskBlockReasonRequired Code = "TASK_BLOCK_REASON_REQUIRED"
	TaskInvalidStatus       Code = "TASK_INVALID_STATUS"
	TaskInvalidTransition   Code = "TASK_INVALID_TRANSITION"
	TaskInvalidID           Code = "TASK_INVALID_ID"
	TraceIDInvalid          Code = "TRACE_ID_INVALID"

	// --- Issuance ---
	IssuanceFieldMissing        Code = "ISSUANCE_FIELD_MISSING"
	IssuancePhaseUnknown        Code = "ISSUANCE_PHASE_UNKNOWN"
	IssuanceLineageRequired     Code = "ISSUANCE_LINEAGE_REQUIRED"
	IssuanceLineageAmbiguous    Code = "ISSUANCE_LINEAGE_AMBIGUOUS"
	IssuanceUpstreamNotFound    Code = "ISSUANCE_UPSTREAM_NOT_FOUND"
	IssuanceUpstreamRevoked     Code = "ISSUANCE_UPSTREAM_REVOKED"
	IssuanceEnvironmentMismatch Code = "ISSUANCE_ENVIRONMENT_MISMATCH"
	IssuanceDuplicateForLineage Code = "ISSUANCE_DUPLICATE_FOR_LINEAGE"
	IssuanceLedgerAppendFailed  Code = "ISSUANCE_LEDGER_APPEND_FAILED"

	// --- Revocation ---
	RevocationFieldMissing        Code = "REVOCATION_FIELD_MISSING"
	RevocationTargetNotFound      Code = "REVOCATION_TARGET_NOT_FOUND"
	RevocationEnvironmentMismatch Code = "REVOCATION_ENVIRONMENT_MISMATCH"
	RevocationAlreadyRevoked      Code = "REVOCATION_ALREADY_REVOKED"
	RevocationLedgerAppendFailed  Code = "REVOCATION_LEDGER_APPEND_FAILED"

	// --- Supersession ---
	SupersessionFieldMissing        Code = "SUPERSESSION_FIELD_MISSING"
	SupersessionOldNotFound         Code = "SUPERSESSION_OLD_NOT_FOUND"
	SupersessionNewNotFound         Code = "SUPERSESSION_NEW_NOT_FOUND"
	SupersessionSelfReference       Code = "SUPERSESSION_SELF_REFERENCE"
	SupersessionEnvironmentMismatch Code = "SUPERSESSION_ENVIRONMENT_MISMATCH"
	SupersessionAlreadyExists       Code = "SUPERSESSION_ALREADY_EXISTS"
	SupersessionOldNotRevoked       Code = "SUPERSESSION_OLD_NOT_REVOKED"
	SupersessionNewRevoked          Code = "SUPERSESSION_NEW_REVOKED"
	SupersessionPhaseClassMismatch  Code = "SUPERSESSION_PHASE_CLASS_MISMATCH"
	SupersessionLedgerAppendFailed  Code = "SUPERSESSION_LEDGER_APPEND_FAILED"

	// --- Ledger integrity ---
	LedgerChainBroken   Code = "LEDGER_CHAIN_BROKEN"
	LedgerRecordInvalid Code = "LEDGER_RECORD_INVALID"

	// --- Resolution ---
	ResolutionOutcomeMissing  Code = "RESOLUTION_OUTCOME_MISSING"
	ResolutionOutcomeInvalid  Code = "RESOLUTION_OUTCOME_INVALID"
	ResolutionContractVersion Code = "RESOLUTION_CONTRACT_VERSION"
	ResolutionPolicyInvalid   Code = "RESOLUTION_POLICY_INVALID"

	// --- Journal ---
	JournalDuplicateResolution Code = "JOURNAL_DUPLICATE_RESOLUTION"
	JournalAppendFailed        Code = "JOURNAL_APPEND_FAILED"

	// --- Causal trace / simulation ---
	CausalNodeNotFound    Code = "CAUSAL_NODE_NOT_FOUND"
	CausalDuplicate       Code = "CAUSAL_DUPLICATE"
	CausalInvalid         Code = "CAUSAL_INVALID"
	CausalAppendFailed    Code = "CAUSAL_APPEND_FAILED"
	CausalChainIncomplete Code = "CAUSAL_CHAIN_INCOMPLETE"
	PlanOrderViolation    Code = "PLAN_ORDER_VIOLATION"
	EvidenceAppendFailed  Code = "EVIDENCE_APPEND_FAILED"
)

// All returns the full closed set of reason codes.
func All() []Code {
	return []Code{
		EvidenceMissing, EvidenceConflict, EvidenceStale, EvidenceScope, EvidenceInvalid,
		CapabilityMissing, CapabilityAmbiguous, CapabilityInvalid, CapabilityGuarantees,
		ScopeWildcard, ScopeRecursive,
		IrreversibleNoAck, AuthorityBoundary,
		ForbiddenIntentAuthorityLeakage, AmbiguousIntent, ExecutionSeekingForbidden,
		IntentNotAdmissibleAtCurrentPhase, NoAdmissiblePhaseTransition,
		AdmissiblePhaseTransition, ConversationOnly,
		TaskNotFound, TaskDuplicate, TaskTerminal, TaskDependencyMissing, TaskDependencyUnmet,
		TaskDependencyCycle, TaskBlockReasonRequired, TaskInvalidStatus, TaskInvalidTransition,
		TaskInvalidID, TraceIDInvalid,
		IssuanceFieldMissing, IssuancePhaseUnknown, IssuanceLineageRequired, IssuanceLineageAmbiguous,
		IssuanceUpstreamNotFound, IssuanceUpstreamRevoked, IssuanceEnvironmentMismatch,
		IssuanceDuplicateForLineage, IssuanceLedgerAppendFailed,
		RevocationFieldMissing, RevocationTargetNotFound, RevocationEnvironmentMismatch,
		RevocationAlreadyRevoked, RevocationLedgerAppendFailed,
		SupersessionFieldMissing, SupersessionOldNotFound, SupersessionNewNotFound,
		SupersessionSelfReference, SupersessionEnvironmentMismatch, SupersessionAlreadyExists,
		SupersessionOldNotRevoked, SupersessionNewRevoked, SupersessionPhaseClassMismatch,
		SupersessionLedgerAppendFailed,
		LedgerChainBroken, LedgerRecordInvalid,
		ResolutionOutcomeMissing, ResolutionOutcomeInvalid, ResolutionContractVersion,
		ResolutionPolicyInvalid,
		JournalDuplicateResolution, JournalAppendFailed,
		CausalNodeNotFound, CausalDuplicate, CausalInvalid, CausalAppendFailed,
		CausalChainIncomplete, PlanOrderViolation, EvidenceAppendFailed,
	}
}

// Error is a refusal carrying a stable code and a human-readable detail.
type Error struct {
	Code   Code
	Detail string
	Err    error // underlying cause, if any
}

// New creates a refusal with a formatted detail.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates a refusal that keeps the underlying cause reachable via errors.Unwrap.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the reason code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// Is reports whether err carries the given reason code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
