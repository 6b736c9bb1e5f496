package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"taskmirror/internal/crm"
	"taskmirror/internal/database"
	"taskmirror/internal/domain"
	"taskmirror/internal/events"
	"taskmirror/internal/metrics"
	"taskmirror/internal/models"
)

// TaskCreator is the slice of the CRM client the scheduler needs.
type TaskCreator interface {
	CreateTask(ctx context.Context, in crm.CreateTaskRequest) (string, error)
}

// Scheduler turns list entries into planned automation runs and executes
// runs as they come due. Creation is at-least-once: a failed external call
// keeps the run eligible, and the tick guards against double creation by
// checking the mirror for a task already carrying the run id.
type Scheduler struct {
	db         *database.DB
	client     TaskCreator
	bus        domain.EventPublisher
	byList     map[string][]models.TaskAutomation
	tickWindow time.Duration
	logger     zerolog.Logger
}

func NewScheduler(db *database.DB, client TaskCreator, bus domain.EventPublisher, automations []models.TaskAutomation, tickWindow time.Duration, logger zerolog.Logger) *Scheduler {
	byList := make(map[string][]models.TaskAutomation)
	for _, a := range automations {
		if !a.Enabled {
			continue
		}
		byList[a.ListID] = append(byList[a.ListID], a)
	}
	return &Scheduler{
		db:         db,
		client:     client,
		bus:        bus,
		byList:     byList,
		tickWindow: tickWindow,
		logger:     logger.With().Str("component", "automation_scheduler").Logger(),
	}
}

// SubscribeTo wires the scheduler to membership events on the bus.
func (s *Scheduler) SubscribeTo(bus *events.EventBus) {
	bus.Subscribe(events.EventMembershipEntered, func(event *events.Event) error {
		var payload events.MembershipEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		return s.OnEntry(context.Background(), payload)
	})
	bus.Subscribe(events.EventMembershipExited, func(event *events.Event) error {
		var payload events.MembershipEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return err
		}
		return s.OnExit(context.Background(), payload)
	})
}

// OnEntry materializes the full run sequence for every enabled automation
// on the entered list. Planned times are entry time plus the templates'
// cumulative delays. The contact-owner rule resolves now, from the contact
// mirror; previous-task-owner resolves lazily at execution time. Re-entry
// of the same membership is idempotent.
func (s *Scheduler) OnEntry(ctx context.Context, m events.MembershipEventPayload) error {
	automations := s.byList[m.ListID]
	if len(automations) == 0 {
		return nil
	}

	contactOwner := ""
	if contact, err := s.db.GetContact(ctx, m.ObjectID); err == nil {
		contactOwner = contact.OwnerID
	} else if !errors.Is(err, database.ErrNotFound) {
		s.logger.Error().Err(err).Str("contact_id", m.ObjectID).Msg("Contact lookup failed")
	}

	for _, a := range automations {
		runs := make([]models.AutomationRun, 0, len(a.Templates))
		plannedAt := m.EnteredAt
		for position, tmpl := range a.Templates {
			plannedAt = plannedAt.Add(tmpl.Delay)
			run := models.AutomationRun{
				AutomationID: a.ID,
				MembershipID: m.MembershipID,
				ContactID:    m.ObjectID,
				Position:     position,
				Subject:      tmpl.Subject,
				OwnerRule:    tmpl.OwnerRule,
				PlannedAt:    plannedAt,
			}
			if tmpl.OwnerRule == models.OwnerRuleContactOwner {
				run.OwnerID = contactOwner
			}
			runs = append(runs, run)
		}

		created, err := s.db.InsertAutomationRuns(ctx, runs)
		if err != nil {
			return fmt.Errorf("materialize runs for %s/%d: %w", a.ID, m.MembershipID, err)
		}
		if created > 0 {
			s.logger.Info().Str("automation_id", a.ID).Int64("membership_id", m.MembershipID).
				Str("contact_id", m.ObjectID).Int("runs", created).Msg("Automation sequence scheduled")
		}
	}
	return nil
}

// OnExit terminates not-yet-created runs for automations that ask for it.
// Created runs and their tasks are left alone.
func (s *Scheduler) OnExit(ctx context.Context, m events.MembershipEventPayload) error {
	for _, a := range s.byList[m.ListID] {
		if !a.TerminateOnExit {
			continue
		}
		n, err := s.db.TerminateRuns(ctx, m.MembershipID, a.ID)
		if err != nil {
			return fmt.Errorf("terminate runs for %s/%d: %w", a.ID, m.MembershipID, err)
		}
		if n > 0 {
			s.logger.Info().Str("automation_id", a.ID).Int64("membership_id", m.MembershipID).
				Int("terminated", n).Msg("Automation sequence terminated on list exit")
		}
	}
	return nil
}

// Tick executes every run due within the window, plus past-due runs left
// over from earlier failures. Returns how many tasks it created. Before
// selecting due runs it repairs memberships whose entry never materialized
// a sequence: the entry event publishes once, so a failed handler would
// otherwise lose the sequence forever.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	s.backfillSequences(ctx)

	due, err := s.db.GetDueRuns(ctx, now, s.tickWindow)
	if err != nil {
		return 0, fmt.Errorf("select due runs: %w", err)
	}

	created := 0
	for i := range due {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		if s.executeRun(ctx, &due[i]) {
			created++
		}
	}
	return created, nil
}

// backfillSequences re-materializes runs for active memberships that have
// none for an enabled automation. Materialization is idempotent, so a
// membership missing runs for one automation but not another is safe to
// re-enter. Failures are logged and retried on the next tick.
func (s *Scheduler) backfillSequences(ctx context.Context) {
	for listID, automations := range s.byList {
		pending := make(map[int64]models.ListMembership)
		for _, a := range automations {
			missing, err := s.db.MembershipsMissingRuns(ctx, listID, a.ID)
			if err != nil {
				s.logger.Error().Err(err).Str("list_id", listID).Str("automation_id", a.ID).
					Msg("Failed to find memberships missing runs")
				continue
			}
			for _, m := range missing {
				pending[m.ID] = m
			}
		}
		for _, m := range pending {
			payload := events.MembershipEventPayload{
				MembershipID: m.ID,
				ListID:       m.ListID,
				ObjectID:     m.ObjectID,
				EnteredAt:    m.EnteredAt,
			}
			if err := s.OnEntry(ctx, payload); err != nil {
				s.logger.Error().Err(err).Int64("membership_id", m.ID).
					Msg("Failed to backfill automation sequence")
				continue
			}
			s.logger.Warn().Int64("membership_id", m.ID).Str("list_id", listID).
				Msg("Backfilled automation sequence for membership without runs")
		}
	}
}

// executeRun creates one task for one run. Reports whether the run ended
// up in created state (including the recovery path where a mirror task
// from a half-finished earlier tick already exists).
func (s *Scheduler) executeRun(ctx context.Context, run *models.AutomationRun) bool {
	log := s.logger.With().Int64("run_id", run.ID).Str("automation_id", run.AutomationID).
		Int("position", run.Position).Logger()

	// A previous tick may have created the task externally and mirrored it
	// but died before flipping the flag. Never create twice.
	if externalID, exists, err := s.db.TaskExistsForRun(ctx, run.ID); err != nil {
		log.Error().Err(err).Msg("Run idempotency check failed")
		return false
	} else if exists {
		log.Warn().Str("external_id", externalID).Msg("Task already exists for run, repairing flag")
		if err := s.db.MarkRunCreated(ctx, run.ID, run.OwnerID, externalID); err != nil {
			log.Error().Err(err).Msg("Failed to repair run flag")
			return false
		}
		return true
	}

	ownerID := run.OwnerID
	if run.OwnerRule == models.OwnerRulePreviousOwner {
		prev, err := s.db.PreviousRunOwner(ctx, run.MembershipID, run.Position)
		if err != nil {
			s.failRun(ctx, run, fmt.Errorf("resolve previous owner: %w", err))
			return false
		}
		ownerID = prev
	}

	externalID, err := s.client.CreateTask(ctx, crm.CreateTaskRequest{
		Subject:      run.Subject,
		Status:       models.TaskStatusNotStarted,
		DueAt:        run.PlannedAt,
		OwnerID:      ownerID,
		AutomationID: run.AutomationID,
		SequencePos:  run.Position,
		ContactID:    run.ContactID,
	})
	if err != nil {
		s.failRun(ctx, run, err)
		return false
	}

	now := time.Now().UTC()
	task := models.MirrorTask{
		ExternalID:     externalID,
		Subject:        run.Subject,
		Status:         models.TaskStatusNotStarted,
		DueAt:          &run.PlannedAt,
		OwnerID:        ownerID,
		SequencePos:    run.Position,
		AutomationID:   run.AutomationID,
		CreatedByRunID: run.ID,
		ContactID:      run.ContactID,
		LastModified:   now,
	}
	if err := s.db.InsertMirrorTask(ctx, &task); err != nil {
		// The external task exists; the flag flip below still records it,
		// and the next incremental sync backfills the mirror row.
		log.Error().Err(err).Str("external_id", externalID).Msg("Failed to mirror created task")
	}

	if err := s.db.MarkRunCreated(ctx, run.ID, ownerID, externalID); err != nil {
		log.Error().Err(err).Str("external_id", externalID).Msg("Failed to flip run flag")
		return false
	}

	s.recordAttempt(ctx, externalID, models.AttemptStatusOK, nil)
	metrics.IncAutomationRunCreated()
	if s.bus != nil {
		_ = s.bus.PublishJSON(events.EventTaskCreated, events.TaskEventPayload{
			ExternalID:   externalID,
			Subject:      run.Subject,
			Status:       models.TaskStatusNotStarted,
			AutomationID: run.AutomationID,
			Source:       "automation",
		})
	}
	log.Info().Str("external_id", externalID).Str("owner_id", ownerID).
		Time("planned_at", run.PlannedAt).Msg("Automation task created")
	return true
}

func (s *Scheduler) failRun(ctx context.Context, run *models.AutomationRun, cause error) {
	s.logger.Error().Err(cause).Int64("run_id", run.ID).Str("automation_id", run.AutomationID).
		Msg("Automation run failed, eligible on next tick")
	if err := s.db.MarkRunFailed(ctx, run.ID, cause.Error()); err != nil {
		s.logger.Error().Err(err).Int64("run_id", run.ID).Msg("Failed to record run failure")
	}
	// No external id exists yet; key the attempt on the run so repeated
	// failures still aggregate into a flagged issue.
	s.recordAttempt(ctx, fmt.Sprintf("run-%d", run.ID), models.AttemptStatusFailed, cause)
}

func (s *Scheduler) recordAttempt(ctx context.Context, externalID, status string, cause error) {
	attempt := &models.TaskSyncAttempt{
		ExternalID: externalID,
		Action:     models.AttemptActionCreate,
		Status:     status,
	}
	if cause != nil {
		attempt.Error = cause.Error()
	}
	if err := s.db.RecordAttempt(ctx, attempt); err != nil {
		s.logger.Error().Err(err).Msg("Failed to record create attempt")
	}
}
