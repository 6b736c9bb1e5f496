package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taskmirror/internal/crm"
	"taskmirror/internal/database"
	"taskmirror/internal/models"
	syncengine "taskmirror/internal/sync"
)

// handleWebhook accepts a deletion-event batch from the CRM. Always 202 on
// a well-formed batch: delivery is at-least-once and the sender retries
// anything else.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var batch []crm.WebhookEvent
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.webhooks.HandleDeletionEvents(r.Context(), batch); err != nil {
		s.logger.Error().Err(err).Msg("Webhook batch failed")
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(batch)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	report, err := syncengine.ComputeHealth(r.Context(), s.db, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "health computation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleIssues lists external ids needing operator attention: tasks with
// repeated failed attempts in the trailing 24h, with the retry affordance
// at POST /api/v1/tasks/{externalId}/retry.
func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()

	since := time.Now().UTC().Add(-24 * time.Hour)
	flagged, err := s.db.FlaggedExternalIDs(ctx, models.FailureFlagThreshold, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issue query failed")
		return
	}

	type issue struct {
		ExternalID string `json:"external_id"`
		Subject    string `json:"subject,omitempty"`
		Status     string `json:"status,omitempty"`
		Attempts   int    `json:"attempts"`
	}
	issues := make([]issue, 0, len(flagged))
	for _, id := range flagged {
		entry := issue{ExternalID: id}
		if task, err := s.db.GetTask(ctx, id); err == nil {
			entry.Subject = task.Subject
			entry.Status = task.Status
		}
		if n, err := s.db.CountAttempts(ctx, id); err == nil {
			entry.Attempts = n
		}
		issues = append(issues, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

type controlRequest struct {
	Notes  string `json:"notes"`
	Cursor string `json:"cursor"`
	Type   string `json:"type"`
}

func decodeControl(r *http.Request) controlRequest {
	var body controlRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	return body
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body := decodeControl(r)
	if err := s.db.SetPaused(r.Context(), paused, body.Notes); err != nil {
		writeError(w, http.StatusInternalServerError, "update failed")
		return
	}
	s.writeControl(w, r.Context())
}

// handleCursor manages the incremental cursor override: PUT installs a
// rewind point, DELETE clears it, GET shows the gate state.
func (s *Server) handleCursor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		s.writeControl(w, ctx)
	case http.MethodPut:
		body := decodeControl(r)
		cursor, err := time.Parse(time.RFC3339, body.Cursor)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cursor must be RFC3339")
			return
		}
		if err := s.db.SetCursorOverride(ctx, &cursor, body.Notes); err != nil {
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		s.writeControl(w, ctx)
	case http.MethodDelete:
		if err := s.db.ClearCursorOverride(ctx); err != nil {
			writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		s.writeControl(w, ctx)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) writeControl(w http.ResponseWriter, ctx context.Context) {
	control, err := s.db.GetSyncControl(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "control read failed")
		return
	}
	writeJSON(w, http.StatusOK, control)
}

// handleSyncRun launches a sync in the background and returns immediately;
// progress lands in the bookkeeping tables.
func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	syncType := decodeControl(r).Type
	if syncType == "" {
		syncType = models.SyncTypeIncremental
	}
	if syncType != models.SyncTypeFull && syncType != models.SyncTypeIncremental {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown sync type %q", syncType))
		return
	}

	go func() {
		ctx := context.Background()
		var err error
		if syncType == models.SyncTypeFull {
			err = s.runner.RunFullSync(ctx)
		} else {
			err = s.runner.RunIncrementalSync(ctx)
		}
		if err != nil {
			s.logger.Error().Err(err).Str("type", syncType).Msg("Operator-triggered sync failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "type": syncType})
}

func (s *Server) handleTaskRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	externalID, ok := strings.CutSuffix(rest, "/retry")
	if !ok || externalID == "" || strings.Contains(externalID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	err := s.tasks.Retry(r.Context(), externalID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown task")
	case err != nil:
		writeError(w, http.StatusBadGateway, "CRM write failed")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "external_id": externalID})
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	data, filename, err := s.exporter.SyncReport(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Report export failed")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
