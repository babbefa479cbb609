package logging

import (
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Admissibility -> safety_check
	AuditSafetyAllow AuditEventType = "safety_allow"
	AuditSafetyBlock AuditEventType = "safety_block"

	// ACI routing
	AuditIntentRouted AuditEventType = "intent_routed"
	AuditPhaseGated   AuditEventType = "phase_gated"

	// Task flow
	AuditTaskSelected AuditEventType = "task_selected"
	AuditTaskBlocked  AuditEventType = "task_blocked"

	// Resolution journal
	AuditResolutionRecorded AuditEventType = "resolution_recorded"
	AuditResolutionRejected AuditEventType = "resolution_rejected"

	// Issuance ledger
	AuditLedgerAppend AuditEventType = "ledger_append"
	AuditLedgerReject AuditEventType = "ledger_reject"
)

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp int64                  `json:"ts"`
	EventType AuditEventType         `json:"event"`
	TraceID   string                 `json:"trace"`
	Target    string                 `json:"target"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Code      string                 `json:"code,omitempty"` // reason code on refusals
	Message   string                 `json:"msg"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// AuditLogger emits audit events to the audit category.
type AuditLogger struct {
	traceID string
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithTrace creates an audit logger scoped to a trace.
func AuditWithTrace(traceID string) *AuditLogger {
	return &AuditLogger{traceID: traceID}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	l := Get(CategoryAudit)
	if l.sugar == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.TraceID == "" {
		event.TraceID = a.traceID
	}

	fields := []zap.Field{
		zap.Int64("ts", event.Timestamp),
		zap.String("event", string(event.EventType)),
		zap.String("trace", event.TraceID),
		zap.String("target", event.Target),
		zap.String("action", event.Action),
		zap.Bool("success", event.Success),
	}
	if event.Code != "" {
		fields = append(fields, zap.String("code", event.Code))
	}
	if len(event.Fields) > 0 {
		fields = append(fields, zap.Any("fields", event.Fields))
	}
	l.sugar.Desugar().Info(event.Message, fields...)
}

// Allow records an admissible decision.
func (a *AuditLogger) Allow(target, action, msg string) {
	a.Log(AuditEvent{EventType: AuditSafetyAllow, Target: target, Action: action, Success: true, Message: msg})
}

// Block records a refusal with its reason code.
func (a *AuditLogger) Block(target, action, code, msg string) {
	a.Log(AuditEvent{EventType: AuditSafetyBlock, Target: target, Action: action, Code: code, Message: msg})
}

// TaskSelected records the selector's pick.
func (a *AuditLogger) TaskSelected(taskID, action, method string) {
	a.Log(AuditEvent{EventType: AuditTaskSelected, Target: taskID, Action: action, Success: true,
		Message: "selected by " + method})
}

// TaskBlocked records that no task was eligible, with every disqualification.
func (a *AuditLogger) TaskBlocked(reasons []string) {
	a.Log(AuditEvent{EventType: AuditTaskBlocked, Message: "no eligible task",
		Fields: map[string]interface{}{"reasons": reasons}})
}

// ResolutionRecorded records a journaled outcome.
func (a *AuditLogger) ResolutionRecorded(taskID, outcome, ruleID string) {
	a.Log(AuditEvent{EventType: AuditResolutionRecorded, Target: taskID, Action: outcome, Success: true,
		Message: "resolved by " + ruleID})
}

// ResolutionRejected records an outcome the journal refused.
func (a *AuditLogger) ResolutionRejected(taskID, outcome, code, msg string) {
	a.Log(AuditEvent{EventType: AuditResolutionRejected, Target: taskID, Action: outcome, Code: code, Message: msg})
}
