// Package audit provides audit logging for key-lifecycle operations
package audit

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// Context keys for key-lifecycle operations
const (
	KeyActor       ContextKey = "actor"           // caller or subsystem requesting the operation
	KeyOperation   ContextKey = "callerOperation" // caller-level operation that led to the event
	KeyEventDomain ContextKey = "eventDomain"     // domain of the triggering event
	KeyReason      ContextKey = "reason"          // rotation reason
	KeyPreview     ContextKey = "preview"         // key preview, never the key
	KeyError       ContextKey = "error"           // error message if operation failed
)
