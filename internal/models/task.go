package models

import (
	"strings"
	"time"
)

const (
	TaskStatusNotStarted = "NOT_STARTED"
	TaskStatusWaiting    = "WAITING"
	TaskStatusCompleted  = "COMPLETED"
	TaskStatusDeleted    = "DELETED"
)

// MirrorTask is the local copy of a CRM task. ExternalID is the stable key
// into the CRM; LastModified is the watermark incremental sync cursors on.
type MirrorTask struct {
	ExternalID     string     `json:"external_id"`
	Subject        string     `json:"subject"`
	Status         string     `json:"status"`
	DueAt          *time.Time `json:"due_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	OwnerID        string     `json:"owner_id"`
	QueueIDs       string     `json:"queue_ids"` // semicolon-separated CRM queue ids
	SequencePos    int        `json:"sequence_pos"`
	AutomationID   string     `json:"automation_id"`
	CreatedByRunID int64      `json:"created_by_run_id"`
	ContactID      string     `json:"contact_id"`
	DealID         string     `json:"deal_id"`
	CompanyID      string     `json:"company_id"`
	Archived       bool       `json:"archived"`
	PendingPush    bool       `json:"pending_push"`
	LastModified   time.Time  `json:"last_modified"`
	LocalUpdatedAt time.Time  `json:"local_updated_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsOrphan reports whether the task has no contact, deal or company
// association, which makes it a candidate for the orphan sweep.
func (t *MirrorTask) IsOrphan() bool {
	return t.ContactID == "" && t.DealID == "" && t.CompanyID == ""
}

// QueueList splits QueueIDs into individual ids.
func (t *MirrorTask) QueueList() []string {
	if t.QueueIDs == "" {
		return nil
	}
	parts := strings.Split(t.QueueIDs, ";")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
