package domain

import "time"

// EscalationReason classifies why a ticket moved up a tier.
type EscalationReason string

const (
	EscalationReasonManual        EscalationReason = "manual"
	EscalationReasonSLABreach     EscalationReason = "sla_breach"
	EscalationReasonLowConfidence EscalationReason = "low_confidence"
	EscalationReasonComplexity    EscalationReason = "complexity"
	EscalationReasonCustomer      EscalationReason = "customer_request"
)

// Valid reports whether r is a known reason.
func (r EscalationReason) Valid() bool {
	switch r {
	case EscalationReasonManual, EscalationReasonSLABreach, EscalationReasonLowConfidence,
		EscalationReasonComplexity, EscalationReasonCustomer:
		return true
	}
	return false
}

// SystemActor is the initiating actor for engine-driven escalations.
const SystemActor = "system"

// EscalationRecord is an immutable tier transition entry.
type EscalationRecord struct {
	Timestamp time.Time        `json:"timestamp"`
	FromTier  Tier             `json:"from_tier"`
	ToTier    Tier             `json:"to_tier"`
	Reason    EscalationReason `json:"reason"`
	Detail    string           `json:"detail,omitempty"`
	ActorID   string           `json:"actor_id"`
	Notes     *string          `json:"notes,omitempty"`
}
