package incidents

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TamperEvent normalizes an agent tamper report. The subject is the agent.
func TamperEvent(agentID uuid.UUID, ownerID int64, kind string, details Evidence, at time.Time) SecurityEvent {
	owner := ownerID
	ev := SecurityEvent{
		Type:       kind,
		Source:     SourceAgent,
		SubjectID:  "agent:" + agentID.String(),
		AgentID:    &agentID,
		Evidence:   details,
		Confidence: 1,
		OccurredAt: at,
	}
	if ownerID > 0 {
		ev.PrincipalID = &owner
	}
	return ev
}

// AuthFailure describes one rejected login.
type AuthFailure struct {
	Username       string
	PrincipalID    int64
	RemoteAddr     string
	UserAgent      string
	FailedAttempts int
	LockedUntil    *time.Time
}

// AuthFailureEvent normalizes authentication failures. The subject is the
// username so attacks against unknown accounts still correlate.
func AuthFailureEvent(kind string, f AuthFailure, at time.Time) SecurityEvent {
	ev := SecurityEvent{
		Type:      kind,
		Source:    SourceAuth,
		SubjectID: "user:" + strings.ToLower(f.Username),
		Evidence: Evidence{
			"remote_addr":     f.RemoteAddr,
			"user_agent":      f.UserAgent,
			"failed_attempts": f.FailedAttempts,
		},
		Confidence: 1,
		OccurredAt: at,
	}
	if f.LockedUntil != nil {
		ev.Evidence["locked_until"] = f.LockedUntil.UTC().Format(time.RFC3339)
	}
	if f.PrincipalID > 0 {
		id := f.PrincipalID
		ev.PrincipalID = &id
	}
	return ev
}

// APIAbuse describes a throttled or suspicious API call.
type APIAbuse struct {
	PrincipalID int64
	RemoteAddr  string
	Method      string
	Path        string
	Limit       int
}

// APIAbuseEvent normalizes API abuse. Authenticated callers are keyed by
// principal, anonymous ones by address.
func APIAbuseEvent(kind string, a APIAbuse, at time.Time) SecurityEvent {
	subject := "ip:" + a.RemoteAddr
	var principal *int64
	if a.PrincipalID > 0 {
		id := a.PrincipalID
		principal = &id
		subject = "principal:" + strconv.FormatInt(id, 10)
	}
	return SecurityEvent{
		Type:        kind,
		Source:      SourceAPI,
		SubjectID:   subject,
		PrincipalID: principal,
		Evidence: Evidence{
			"remote_addr": a.RemoteAddr,
			"method":      a.Method,
			"path":        a.Path,
			"limit":       a.Limit,
		},
		Confidence: 0.8,
		OccurredAt: at,
	}
}
