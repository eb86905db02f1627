package incidents

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity ranks incidents. Higher is worse.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity converts the stored form. An empty string yields 0.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(v) {
	case "":
		return 0, nil
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", v)
}

// Escalate raises s by one level, saturating at critical.
func (s Severity) Escalate() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

// MarshalText stores severities by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses severities by name.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Status of an incident.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

// IsTerminal reports whether the incident is closed. Closed incidents are
// never reopened.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// Event types.
const (
	TypeAgentShutdown        = "agent_shutdown"
	TypeAgentUninstall       = "agent_uninstall_attempt"
	TypeConfigTampering      = "config_tampering"
	TypeBinaryTampering      = "binary_tampering"
	TypeHeartbeatLost        = "heartbeat_lost"
	TypeFailedLogin          = "failed_login"
	TypeBruteForceLogin      = "brute_force_login"
	TypeLockedLoginAttempt   = "account_locked_login_attempt"
	TypeAPIRateLimitExceeded = "api_rate_limit_exceeded"
	TypeAPIInvalidKey        = "api_invalid_key"
	TypeAPIPermissionProbing = "api_permission_probing"
)

// Baselines maps each event type to its starting severity.
var Baselines = map[string]Severity{
	TypeAgentShutdown:        SeverityHigh,
	TypeAgentUninstall:       SeverityCritical,
	TypeConfigTampering:      SeverityMedium,
	TypeBinaryTampering:      SeverityCritical,
	TypeHeartbeatLost:        SeverityLow,
	TypeFailedLogin:          SeverityLow,
	TypeBruteForceLogin:      SeverityHigh,
	TypeLockedLoginAttempt:   SeverityMedium,
	TypeAPIRateLimitExceeded: SeverityLow,
	TypeAPIInvalidKey:        SeverityMedium,
	TypeAPIPermissionProbing: SeverityMedium,
}

// Classify returns the baseline for eventType or the hint, whichever is
// higher. Unknown types start at medium.
func Classify(eventType string, hint Severity) Severity {
	base, ok := Baselines[eventType]
	if !ok {
		base = SeverityMedium
	}
	if hint > base {
		return hint
	}
	return base
}

// Sources of security events.
const (
	SourceAgent = "agent"
	SourceAuth  = "auth"
	SourceAPI   = "api"
)

// EvidenceLimit bounds the samples kept on one incident.
const EvidenceLimit = 20

// Evidence is one structured sample attached to an incident.
type Evidence map[string]any

// SecurityEvent is the normalized signal every producer emits.
type SecurityEvent struct {
	Type         string     `json:"type" validate:"required,max=64"`
	SeverityHint Severity   `json:"severity_hint,omitempty"`
	Source       string     `json:"source" validate:"required,oneof=agent auth api"`
	SubjectID    string     `json:"subject_id" validate:"required,max=255"`
	AgentID      *uuid.UUID `json:"agent_id,omitempty"`
	PrincipalID  *int64     `json:"principal_id,omitempty"`
	Evidence     Evidence   `json:"evidence,omitempty"`
	Confidence   float64    `json:"confidence" validate:"gte=0,lte=1"`
	OccurredAt   time.Time  `json:"occurred_at"`
}

// Incident is a correlated record of one or more events.
type Incident struct {
	ID              uuid.UUID  `json:"id"`
	Type            string     `json:"incident_type"`
	SubjectID       string     `json:"subject_id"`
	Severity        Severity   `json:"severity"`
	Status          Status     `json:"status"`
	AgentID         *uuid.UUID `json:"agent_id,omitempty"`
	PrincipalID     *int64     `json:"principal_id,omitempty"`
	Evidence        []Evidence `json:"evidence"`
	Source          string     `json:"detection_source"`
	Confidence      float64    `json:"confidence"`
	OccurrenceCount int        `json:"occurrence_count"`
	Escalated       bool       `json:"escalated"`
	AssignedTo      *int64     `json:"assigned_to,omitempty"`
	ResolvedBy      *int64     `json:"resolved_by,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	FirstDetectedAt time.Time  `json:"first_detected_at"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
}

// absorb folds ev into an open incident and reports whether the severity rose.
func (i *Incident) absorb(ev SecurityEvent, threshold int) (raised bool) {
	i.OccurrenceCount++
	if ev.OccurredAt.After(i.LastSeenAt) {
		i.LastSeenAt = ev.OccurredAt
	}
	if ev.OccurredAt.Before(i.FirstDetectedAt) {
		i.FirstDetectedAt = ev.OccurredAt
	}
	i.Evidence = appendEvidence(i.Evidence, sample(ev))
	if ev.Confidence > i.Confidence {
		i.Confidence = ev.Confidence
	}
	if i.AgentID == nil {
		i.AgentID = ev.AgentID
	}
	if i.PrincipalID == nil {
		i.PrincipalID = ev.PrincipalID
	}

	before := i.Severity
	if s := Classify(ev.Type, ev.SeverityHint); s > i.Severity {
		i.Severity = s
	}
	if !i.Escalated && threshold > 0 && i.OccurrenceCount > threshold {
		i.Severity = i.Severity.Escalate()
		i.Escalated = true
	}
	return i.Severity > before
}

func newIncident(id uuid.UUID, ev SecurityEvent) Incident {
	return Incident{
		ID:              id,
		Type:            ev.Type,
		SubjectID:       ev.SubjectID,
		Severity:        Classify(ev.Type, ev.SeverityHint),
		Status:          StatusOpen,
		AgentID:         ev.AgentID,
		PrincipalID:     ev.PrincipalID,
		Evidence:        []Evidence{sample(ev)},
		Source:          ev.Source,
		Confidence:      ev.Confidence,
		OccurrenceCount: 1,
		FirstDetectedAt: ev.OccurredAt,
		LastSeenAt:      ev.OccurredAt,
	}
}

func sample(ev SecurityEvent) Evidence {
	out := Evidence{"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339Nano)}
	for k, v := range ev.Evidence {
		out[k] = v
	}
	return out
}

func appendEvidence(list []Evidence, e Evidence) []Evidence {
	list = append(list, e)
	if len(list) > EvidenceLimit {
		list = append([]Evidence(nil), list[len(list)-EvidenceLimit:]...)
	}
	return list
}

// NotificationStatus tracks one delivery.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
)

// Notification is an outbox row for one recipient.
type Notification struct {
	ID          uuid.UUID          `json:"id"`
	IncidentID  uuid.UUID          `json:"incident_id"`
	DedupKey    string             `json:"-"`
	Recipient   string             `json:"recipient"`
	Subject     string             `json:"subject"`
	Body        string             `json:"body"`
	Priority    string             `json:"priority"`
	Status      NotificationStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	LastError   string             `json:"last_error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	DeliveredAt *time.Time         `json:"delivered_at,omitempty"`
}

// Message is what a Sender delivers.
type Message struct {
	Recipient string
	Subject   string
	Body      string
	Priority  string
}

// ResolveInput closes an incident.
type ResolveInput struct {
	IncidentID uuid.UUID `validate:"required"`
	ActorID    int64     `validate:"required,gt=0"`
	Status     Status    `validate:"required,oneof=resolved false_positive"`
	Notes      string    `validate:"required,max=4000"`
}

// Filter narrows incident listings.
type Filter struct {
	Status   Status
	Severity Severity
	Type     string
	Limit    int
	Offset   int
}

// IngestResult reports what Ingest did.
type IngestResult struct {
	Incident  Incident `json:"incident"`
	Created   bool     `json:"created"`
	Escalated bool     `json:"escalated"`
}

// Backoff returns the delay before retry n (zero based): base doubled n
// times, capped at ceiling.
func Backoff(n int, base, ceiling time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		if d >= ceiling/2 {
			return ceiling
		}
		d *= 2
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
