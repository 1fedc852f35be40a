// Package observability records the audit trail of access decisions: pairing
// approvals, rejected agent handshakes and config changes.
package observability

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit kinds.
const (
	KindPairing  = "pairing"
	KindSecurity = "security"
	KindConfig   = "config"
)

// AuditEntry is one line of the audit log.
type AuditEntry struct {
	Kind     string
	Action   string // "pairing.approve", "bridge.auth", ...
	Actor    string // peer id, bridge client id or "daemon"
	Outcome  string // "success" or "failure"
	Metadata map[string]interface{}
	At       time.Time
}

// Auditor appends entries to a JSON-lines file.
type Auditor struct {
	mu   sync.Mutex
	out  zerolog.Logger
	file *os.File
}

var discard = &Auditor{out: zerolog.Nop()}

var current atomic.Pointer[Auditor]

func init() {
	current.Store(discard)
}

// Audit returns the process auditor. It drops entries until OpenAuditLog
// succeeds.
func Audit() *Auditor {
	return current.Load()
}

// OpenAuditLog starts appending entries to path and closes the previous
// file, if any.
func OpenAuditLog(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	swap(&Auditor{out: zerolog.New(f), file: f})
	return nil
}

// CloseAuditLog closes the audit file. Later entries are dropped.
func CloseAuditLog() {
	swap(discard)
}

func swap(next *Auditor) {
	if prev := current.Swap(next); prev != next {
		_ = prev.Close()
	}
}

// Record writes e. When ctx carries a recording span the entry is also
// added to it as an event and the line gets the trace id.
func (a *Auditor) Record(ctx context.Context, e AuditEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	var traceID string
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent(e.Action, trace.WithAttributes(
			attribute.String("audit.kind", e.Kind),
			attribute.String("audit.outcome", e.Outcome),
			attribute.String("audit.actor", e.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ev := a.out.Log().
		Time("time", e.At).
		Str("type", e.Kind).
		Str("action", e.Action).
		Str("actor", e.Actor).
		Str("status", e.Outcome)
	if traceID != "" {
		ev = ev.Str("trace_id", traceID)
	}
	if len(e.Metadata) > 0 {
		ev = ev.Dict("metadata", zerolog.Dict().Fields(e.Metadata))
	}
	ev.Send()
}

// Close releases the file. The auditor drops entries afterwards.
func (a *Auditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.out = zerolog.Nop()
	return err
}

// AuditPairing records how a pairing request was resolved.
func AuditPairing(ctx context.Context, action, peer, outcome string, metadata map[string]interface{}) {
	Audit().Record(ctx, AuditEntry{Kind: KindPairing, Action: action, Actor: peer, Outcome: outcome, Metadata: metadata})
}

// AuditSecurity records an authentication decision.
func AuditSecurity(ctx context.Context, action, actor, outcome string, metadata map[string]interface{}) {
	Audit().Record(ctx, AuditEntry{Kind: KindSecurity, Action: action, Actor: actor, Outcome: outcome, Metadata: metadata})
}

// AuditConfig records a config change. Config changes are always recorded
// as successful; failures surface in metadata.
func AuditConfig(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	Audit().Record(ctx, AuditEntry{Kind: KindConfig, Action: action, Actor: actor, Outcome: "success", Metadata: metadata})
}
