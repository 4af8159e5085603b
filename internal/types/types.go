// Package types provides domain models shared across Floorkeeper components.
//
// Zero-dependency design: types.go, rules.go and errors.go use only the
// standard library. ID utilities in ids.go import uuid but are isolated for
// selective inclusion.
//
// Enums here mirror the values persisted in the rules table; renumbering an
// existing value is a breaking schema change.
package types

import "time"

// Severity classifies how urgent a triggered rule is.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// String returns the persisted representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// ParseSeverity converts a persisted severity string back to its enum value.
// Unknown values map to SeverityInfo rather than failing; severity only
// affects ordering, never correctness.
func ParseSeverity(s string) Severity {
	switch s {
	case "warning":
		return SeverityWarning
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// TriggerMode determines how a rule is invoked.
type TriggerMode int

const (
	TriggerScheduled TriggerMode = iota // scheduler tick
	TriggerEvent                        // explicit domain event
	TriggerManual                       // operator-initiated preview
)

// String returns the persisted representation of the trigger mode.
func (m TriggerMode) String() string {
	switch m {
	case TriggerEvent:
		return "event"
	case TriggerManual:
		return "manual"
	default:
		return "scheduled"
	}
}

// ParseTriggerMode converts a persisted trigger mode string to its enum value.
func ParseTriggerMode(s string) TriggerMode {
	switch s {
	case "event":
		return TriggerEvent
	case "manual":
		return TriggerManual
	default:
		return TriggerScheduled
	}
}

// AgeUnit is the time unit an age condition's threshold is expressed in.
type AgeUnit string

const (
	AgeSeconds AgeUnit = "seconds"
	AgeMinutes AgeUnit = "minutes"
	AgeHours   AgeUnit = "hours"
	AgeDays    AgeUnit = "days"
	AgeWeeks   AgeUnit = "weeks"
)

// Duration returns the length of one unit. Unknown units fall back to
// seconds so a misconfigured rule degrades rather than divides by zero.
func (u AgeUnit) Duration() time.Duration {
	switch u {
	case AgeMinutes:
		return time.Minute
	case AgeHours:
		return time.Hour
	case AgeDays:
		return 24 * time.Hour
	case AgeWeeks:
		return 7 * 24 * time.Hour
	default:
		return time.Second
	}
}

// ObjectRef identifies a business object by collection type and ID.
type ObjectRef struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// IsZero reports whether the reference is empty (global rules carry none).
func (r ObjectRef) IsZero() bool {
	return r.Collection == "" && r.ID == ""
}

// Resource limits enforced by the engine to bound worst-case work per tick.
const (
	// MaxTargetPageSize caps the number of candidate objects fetched when a
	// rule fans out over a collection. Bounds evaluation cost per rule per
	// tick regardless of collection size.
	MaxTargetPageSize = 1000

	// MaxConditionDepth prevents stack exhaustion on pathological compound
	// trees. Real rules nest two or three levels at most.
	MaxConditionDepth = 16

	// MaxFieldPathSegments bounds dotted-path resolution work.
	MaxFieldPathSegments = 16

	// MaxWebhookResponseBytes truncates captured webhook response bodies
	// before they are stored in the execution record.
	MaxWebhookResponseBytes = 4096

	// MaxExpressionLength bounds restricted expression strings before the
	// grammar check runs.
	MaxExpressionLength = 512
)
