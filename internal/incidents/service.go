package incidents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/watchpost/watchpost/internal/shared"
)

// ErrDeliveryExhausted marks a notification that used its last attempt.
var ErrDeliveryExhausted = errors.New("notification delivery attempts exhausted")

// RepositoryPort abstracts incident persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id uuid.UUID) (Incident, error)
	List(ctx context.Context, filter Filter) ([]Incident, error)
	GetNotification(ctx context.Context, id uuid.UUID) (Notification, error)
	FailedNotifications(ctx context.Context, limit int) ([]Notification, error)
	PendingNotifications(ctx context.Context, olderThan time.Time, limit int) ([]Notification, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	// FindOpenForUpdate locks the open or investigating incident for
	// (incidentType, subject), serializing concurrent correlation.
	FindOpenForUpdate(ctx context.Context, incidentType, subject string) (Incident, bool, error)
	InsertIncident(ctx context.Context, inc Incident) error
	UpdateCorrelation(ctx context.Context, inc Incident) error
	LockIncident(ctx context.Context, id uuid.UUID) (Incident, error)
	UpdateStatus(ctx context.Context, inc Incident) error
	// InsertNotification reports false when a row with the same dedup key exists.
	InsertNotification(ctx context.Context, n Notification) (bool, error)
	LockNotification(ctx context.Context, id uuid.UUID) (Notification, error)
	UpdateNotification(ctx context.Context, n Notification) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// Enqueuer schedules notification delivery in the background.
type Enqueuer interface {
	EnqueueNotification(ctx context.Context, id uuid.UUID) error
	RequeueNotification(ctx context.Context, id uuid.UUID) (bool, error)
}

// Sender delivers one notification attempt.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Observer receives pipeline counts.
type Observer interface {
	ObserveIncident(incidentType, severity string, created bool)
	ObserveNotification(status string)
}

// Config tunes the pipeline.
type Config struct {
	EscalationThreshold int
	Recipients          []string
}

// Service runs the security event and incident pipeline.
type Service struct {
	repo     RepositoryPort
	enqueuer Enqueuer
	sender   Sender
	observer Observer
	cfg      Config
	title    cases.Caser
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService constructs Service.
func NewService(repo RepositoryPort, enqueuer Enqueuer, sender Sender, cfg Config, logger *slog.Logger) *Service {
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		enqueuer: enqueuer,
		sender:   sender,
		cfg:      cfg,
		title:    cases.Title(language.English),
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// SetObserver installs a metrics observer.
func (s *Service) SetObserver(o Observer) {
	s.observer = o
}

// Report ingests ev and swallows the error after logging it. Producers on a
// request path use it so a pipeline failure never fails the request.
func (s *Service) Report(ctx context.Context, ev SecurityEvent) {
	if _, err := s.Ingest(ctx, ev); err != nil {
		s.logger.Error("ingest security event",
			slog.String("type", ev.Type),
			slog.String("subject", ev.SubjectID),
			slog.Any("error", err),
		)
	}
}

// Ingest correlates ev into the open incident for its (type, subject) or
// creates one. Notifications are written to the outbox in the same
// transaction and enqueued after commit.
func (s *Service) Ingest(ctx context.Context, ev SecurityEvent) (IngestResult, error) {
	if err := shared.ValidateStruct(ev); err != nil {
		return IngestResult{}, err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.clock()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()

	var (
		result IngestResult
		outbox []uuid.UUID
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		outbox = outbox[:0]
		inc, found, err := tx.FindOpenForUpdate(ctx, ev.Type, ev.SubjectID)
		if err != nil {
			return err
		}
		notify := false
		if !found {
			inc = newIncident(uuid.New(), ev)
			if err := tx.InsertIncident(ctx, inc); err != nil {
				return err
			}
			if err := tx.RecordAudit(ctx, s.incidentAudit(inc, "incident.create", 0, map[string]any{
				"severity": inc.Severity.String(),
				"source":   inc.Source,
			})); err != nil {
				return err
			}
			result.Created = true
			notify = true
		} else {
			before := inc.Severity
			raised := inc.absorb(ev, s.cfg.EscalationThreshold)
			if err := tx.UpdateCorrelation(ctx, inc); err != nil {
				return err
			}
			if raised {
				if err := tx.RecordAudit(ctx, s.incidentAudit(inc, "incident.escalate", 0, map[string]any{
					"from":             before.String(),
					"to":               inc.Severity.String(),
					"occurrence_count": inc.OccurrenceCount,
				})); err != nil {
					return err
				}
				result.Escalated = true
				notify = true
			}
		}
		result.Incident = inc
		if !notify {
			return nil
		}
		for _, recipient := range s.cfg.Recipients {
			n := s.compose(inc, recipient, result.Created)
			inserted, err := tx.InsertNotification(ctx, n)
			if err != nil {
				return err
			}
			if inserted {
				outbox = append(outbox, n.ID)
			}
		}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	if s.observer != nil {
		s.observer.ObserveIncident(result.Incident.Type, result.Incident.Severity.String(), result.Created)
	}
	if result.Created || result.Escalated {
		s.logger.Info("security incident",
			slog.String("incident_id", result.Incident.ID.String()),
			slog.String("type", result.Incident.Type),
			slog.String("severity", result.Incident.Severity.String()),
			slog.Bool("created", result.Created),
		)
	}
	s.enqueue(ctx, outbox)
	return result, nil
}

// enqueue hands outbox rows to the background queue. Failures leave the rows
// pending for RequeuePending.
func (s *Service) enqueue(ctx context.Context, ids []uuid.UUID) {
	if s.enqueuer == nil {
		return
	}
	for _, id := range ids {
		if err := s.enqueuer.EnqueueNotification(ctx, id); err != nil {
			s.logger.Warn("enqueue notification", slog.String("notification_id", id.String()), slog.Any("error", err))
		}
	}
}

// RequeuePending re-enqueues outbox rows still pending after olderThan and
// returns how many tasks were actually queued. Rows whose task is still live
// are skipped.
func (s *Service) RequeuePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	pending, err := s.repo.PendingNotifications(ctx, s.clock().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	if s.enqueuer == nil {
		return 0, nil
	}
	requeued := 0
	for _, n := range pending {
		queued, err := s.enqueuer.RequeueNotification(ctx, n.ID)
		if err != nil {
			s.logger.Warn("requeue notification", slog.String("notification_id", n.ID.String()), slog.Any("error", err))
			continue
		}
		if queued {
			requeued++
		}
	}
	return requeued, nil
}

func (s *Service) compose(inc Incident, recipient string, created bool) Notification {
	kind := s.title.String(strings.ReplaceAll(inc.Type, "_", " "))
	verb := "detected"
	if !created {
		verb = "escalated"
	}
	subject := fmt.Sprintf("[%s] %s %s", strings.ToUpper(inc.Severity.String()), kind, verb)
	var body strings.Builder
	fmt.Fprintf(&body, "Incident %s %s.\n\n", inc.ID, verb)
	fmt.Fprintf(&body, "Type: %s\nSeverity: %s\nSubject: %s\nSource: %s\n", kind, inc.Severity, inc.SubjectID, inc.Source)
	fmt.Fprintf(&body, "Occurrences: %d\nFirst detected: %s\nLast seen: %s\n",
		inc.OccurrenceCount, inc.FirstDetectedAt.Format(time.RFC3339), inc.LastSeenAt.Format(time.RFC3339))
	if inc.AgentID != nil {
		fmt.Fprintf(&body, "Agent: %s\n", inc.AgentID)
	}
	now := s.clock()
	return Notification{
		ID:         uuid.New(),
		IncidentID: inc.ID,
		DedupKey:   shared.NotificationDedupKey(inc.ID, inc.Severity.String(), recipient),
		Recipient:  recipient,
		Subject:    subject,
		Body:       body.String(),
		Priority:   priorityFor(inc.Severity),
		Status:     NotificationPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func priorityFor(s Severity) string {
	switch {
	case s >= SeverityHigh:
		return "high"
	case s == SeverityMedium:
		return "normal"
	default:
		return "low"
	}
}

// DeliverNotification makes delivery attempt number attempt (one based). A
// failure below maxAttempts is returned for the caller to retry; the last
// failure marks the row failed and returns ErrDeliveryExhausted. Delivery
// does not depend on the incident still being open.
func (s *Service) DeliverNotification(ctx context.Context, id uuid.UUID, attempt, maxAttempts int) error {
	n, err := s.repo.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != NotificationPending {
		return nil
	}
	sendErr := s.sender.Send(ctx, Message{Recipient: n.Recipient, Subject: n.Subject, Body: n.Body, Priority: n.Priority})

	var final NotificationStatus
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		locked, err := tx.LockNotification(ctx, id)
		if err != nil {
			return err
		}
		if locked.Status != NotificationPending {
			final = locked.Status
			return nil
		}
		now := s.clock()
		locked.Attempts++
		locked.UpdatedAt = now
		// A requeued task restarts the asynq counter; the row keeps the tally.
		if locked.Attempts > attempt {
			attempt = locked.Attempts
		}
		switch {
		case sendErr == nil:
			locked.Status = NotificationDelivered
			locked.DeliveredAt = &now
			locked.LastError = ""
		case attempt >= maxAttempts:
			locked.Status = NotificationFailed
			locked.LastError = sendErr.Error()
		default:
			locked.LastError = sendErr.Error()
		}
		final = locked.Status
		if err := tx.UpdateNotification(ctx, locked); err != nil {
			return err
		}
		if locked.Status == NotificationFailed {
			return tx.RecordAudit(ctx, shared.AuditLog{
				Action:   "notification.failed",
				Entity:   "notification",
				EntityID: locked.ID.String(),
				Reason:   locked.LastError,
				Meta: map[string]any{
					"incident_id": locked.IncidentID.String(),
					"recipient":   locked.Recipient,
					"attempts":    locked.Attempts,
				},
				At: now,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if s.observer != nil && final != NotificationPending {
		s.observer.ObserveNotification(string(final))
	}
	switch {
	case sendErr == nil:
		return nil
	case final == NotificationFailed:
		s.logger.Error("notification failed",
			slog.String("notification_id", id.String()),
			slog.Int("attempts", attempt),
			slog.Any("error", sendErr),
		)
		return fmt.Errorf("%w: %v", ErrDeliveryExhausted, sendErr)
	default:
		return fmt.Errorf("deliver notification %s attempt %d: %w", id, attempt, sendErr)
	}
}

// Assign moves an incident to investigating under assignee.
func (s *Service) Assign(ctx context.Context, id uuid.UUID, assignee, actorID int64) (Incident, error) {
	if assignee <= 0 {
		return Incident{}, fmt.Errorf("%w: assignee required", shared.ErrValidation)
	}
	var out Incident
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inc, err := tx.LockIncident(ctx, id)
		if err != nil {
			return err
		}
		if inc.Status.IsTerminal() {
			return &shared.TransitionError{Entity: "incident", ID: id.String(), From: string(inc.Status), To: string(StatusInvestigating)}
		}
		from := inc.Status
		inc.Status = StatusInvestigating
		inc.AssignedTo = &assignee
		if err := tx.UpdateStatus(ctx, inc); err != nil {
			return err
		}
		out = inc
		return tx.RecordAudit(ctx, s.incidentAudit(inc, "incident.assign", actorID, map[string]any{
			"from":     from,
			"assignee": assignee,
		}))
	})
	return out, err
}

// Resolve closes an incident as resolved or false positive. Closed incidents
// cannot be reopened; a later event opens a new incident.
func (s *Service) Resolve(ctx context.Context, input ResolveInput) (Incident, error) {
	input.Notes = strings.TrimSpace(input.Notes)
	if err := shared.ValidateStruct(input); err != nil {
		return Incident{}, err
	}
	var out Incident
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inc, err := tx.LockIncident(ctx, input.IncidentID)
		if err != nil {
			return err
		}
		if inc.Status.IsTerminal() {
			return &shared.TransitionError{Entity: "incident", ID: inc.ID.String(), From: string(inc.Status), To: string(input.Status)}
		}
		from := inc.Status
		now := s.clock()
		actor := input.ActorID
		inc.Status = input.Status
		inc.ResolvedBy = &actor
		inc.ResolutionNotes = input.Notes
		inc.ResolvedAt = &now
		if err := tx.UpdateStatus(ctx, inc); err != nil {
			return err
		}
		out = inc
		return tx.RecordAudit(ctx, s.incidentAudit(inc, "incident."+string(input.Status), actor, map[string]any{
			"from":  from,
			"notes": input.Notes,
		}))
	})
	return out, err
}

// Get loads an incident.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Incident, error) {
	return s.repo.Get(ctx, id)
}

// List returns incidents matching filter, most recently seen first.
func (s *Service) List(ctx context.Context, filter Filter) ([]Incident, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.repo.List(ctx, filter)
}

// FailedNotifications lists notifications that exhausted their attempts.
func (s *Service) FailedNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.FailedNotifications(ctx, limit)
}

func (s *Service) incidentAudit(inc Incident, action string, actorID int64, meta map[string]any) shared.AuditLog {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["incident_type"] = inc.Type
	meta["subject_id"] = inc.SubjectID
	return shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "incident",
		EntityID: inc.ID.String(),
		Meta:     meta,
		At:       s.clock(),
	}
}
