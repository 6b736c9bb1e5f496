package crm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskmirror/internal/models"
)

// Property names on the CRM task object.
const (
	propSubject        = "task_subject"
	propStatus         = "task_status"
	propDueAt          = "task_due_at"
	propCompletedAt    = "task_completed_at"
	propOwnerID        = "owner_id"
	propQueueIDs       = "queue_membership_ids"
	propSequencePos    = "sequence_position"
	propAutomationID   = "automation_id"
	propLastModified   = "last_modified"
	propContactName    = "firstname"
	propContactSurname = "lastname"
	propContactEmail   = "email"
)

// Mirror field names tracked by conflict resolution and the push worker.
const (
	FieldSubject     = "subject"
	FieldStatus      = "status"
	FieldDueAt       = "due_at"
	FieldCompletedAt = "completed_at"
	FieldOwner       = "owner_id"
)

var fieldProperties = map[string]string{
	FieldSubject:     propSubject,
	FieldStatus:      propStatus,
	FieldDueAt:       propDueAt,
	FieldCompletedAt: propCompletedAt,
	FieldOwner:       propOwnerID,
}

// PropertyFor returns the CRM property name carrying the given mirror field.
func PropertyFor(field string) (string, bool) {
	p, ok := fieldProperties[field]
	return p, ok
}

// FormatTime renders a timestamp in the CRM's wire format.
func FormatTime(t time.Time) string {
	return formatCRMTime(t)
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups,omitempty"`
	Sorts        []sortSpec    `json:"sorts,omitempty"`
	Properties   []string      `json:"properties,omitempty"`
	Limit        int           `json:"limit"`
	After        string        `json:"after,omitempty"`
}

type filterGroup struct {
	Filters []filter `json:"filters"`
}

type filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type sortSpec struct {
	PropertyName string `json:"propertyName"`
	Direction    string `json:"direction"`
}

type searchResponse struct {
	Total   int          `json:"total"`
	Results []crmObject  `json:"results"`
	Paging  *pagingBlock `json:"paging,omitempty"`
}

type pagingBlock struct {
	Next struct {
		After string `json:"after"`
	} `json:"next"`
}

type crmObject struct {
	ID           string            `json:"id"`
	Properties   map[string]string `json:"properties"`
	Associations *associations     `json:"associations,omitempty"`
	Archived     bool              `json:"archived"`
}

type associations struct {
	Contacts  []string `json:"contacts,omitempty"`
	Deals     []string `json:"deals,omitempty"`
	Companies []string `json:"companies,omitempty"`
}

type batchInput struct {
	ID string `json:"id"`
}

type batchRequest struct {
	Inputs     []batchInput `json:"inputs"`
	Properties []string     `json:"properties,omitempty"`
}

type batchResponse struct {
	Results []crmObject `json:"results"`
}

type createRequest struct {
	Properties   map[string]string `json:"properties"`
	Associations *associations     `json:"associations,omitempty"`
}

type patchRequest struct {
	Properties map[string]string `json:"properties"`
}

type ownersResponse struct {
	Results []ownerObject `json:"results"`
	Paging  *pagingBlock  `json:"paging,omitempty"`
}

type ownerObject struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Archived  bool   `json:"archived"`
}

type membershipsResponse struct {
	Results []membershipObject `json:"results"`
	Paging  *pagingBlock       `json:"paging,omitempty"`
}

type membershipObject struct {
	RecordID  string `json:"recordId"`
	Timestamp string `json:"membershipTimestamp"`
}

// ChangeFlagDeleted is the only changeFlag value this system acts on.
const ChangeFlagDeleted = "DELETED"

// WebhookEvent is one entry of an inbound change-notification batch.
// Delivery is at-least-once and event ids repeat, so consumers dedup.
type WebhookEvent struct {
	EventID      string    `json:"eventId"`
	ObjectID     string    `json:"objectId"`
	ObjectTypeID string    `json:"objectTypeId"`
	ChangeFlag   string    `json:"changeFlag"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// DedupKey identifies one delivery for idempotency checks. Some senders
// omit eventId; the object id plus occurrence time stands in.
func (e WebhookEvent) DedupKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	return fmt.Sprintf("%s:%d", e.ObjectID, e.OccurredAt.UnixMilli())
}

// MembershipRecord is one row of a list membership snapshot.
type MembershipRecord struct {
	ObjectID  string
	EnteredAt time.Time
}

// TaskRecord is one parsed task out of a page. A per-record parse failure
// sets Err and leaves Task zero; the page itself is still delivered.
type TaskRecord struct {
	ID   string
	Task models.MirrorTask
	Err  error
}

// ContactRecord is one parsed contact out of a page, same contract as
// TaskRecord.
type ContactRecord struct {
	ID      string
	Contact models.Contact
	Err     error
}

// CreateTaskRequest carries everything needed to materialize a task in the
// CRM, including its object associations.
type CreateTaskRequest struct {
	Subject      string
	Status       string
	DueAt        time.Time
	OwnerID      string
	AutomationID string
	SequencePos  int
	ContactID    string
	DealID       string
	CompanyID    string
}

var taskProperties = []string{
	propSubject, propStatus, propDueAt, propCompletedAt, propOwnerID,
	propQueueIDs, propSequencePos, propAutomationID, propLastModified,
}

func parseTask(obj crmObject) (models.MirrorTask, error) {
	if obj.ID == "" {
		return models.MirrorTask{}, fmt.Errorf("missing object id")
	}
	lastMod, err := parseCRMTime(obj.Properties[propLastModified])
	if err != nil {
		return models.MirrorTask{}, fmt.Errorf("bad %s: %w", propLastModified, err)
	}
	if lastMod == nil {
		return models.MirrorTask{}, fmt.Errorf("missing %s", propLastModified)
	}
	dueAt, err := parseCRMTime(obj.Properties[propDueAt])
	if err != nil {
		return models.MirrorTask{}, fmt.Errorf("bad %s: %w", propDueAt, err)
	}
	completedAt, err := parseCRMTime(obj.Properties[propCompletedAt])
	if err != nil {
		return models.MirrorTask{}, fmt.Errorf("bad %s: %w", propCompletedAt, err)
	}
	seqPos := 0
	if raw := obj.Properties[propSequencePos]; raw != "" {
		seqPos, err = strconv.Atoi(raw)
		if err != nil {
			return models.MirrorTask{}, fmt.Errorf("bad %s: %w", propSequencePos, err)
		}
	}

	task := models.MirrorTask{
		ExternalID:   obj.ID,
		Subject:      obj.Properties[propSubject],
		Status:       obj.Properties[propStatus],
		DueAt:        dueAt,
		CompletedAt:  completedAt,
		OwnerID:      obj.Properties[propOwnerID],
		QueueIDs:     obj.Properties[propQueueIDs],
		SequencePos:  seqPos,
		AutomationID: obj.Properties[propAutomationID],
		Archived:     obj.Archived,
		LastModified: *lastMod,
	}
	if task.Status == "" {
		task.Status = models.TaskStatusNotStarted
	}
	if obj.Associations != nil {
		task.ContactID = firstOf(obj.Associations.Contacts)
		task.DealID = firstOf(obj.Associations.Deals)
		task.CompanyID = firstOf(obj.Associations.Companies)
	}
	return task, nil
}

func parseContact(obj crmObject) (models.Contact, error) {
	if obj.ID == "" {
		return models.Contact{}, fmt.Errorf("missing object id")
	}
	lastMod, err := parseCRMTime(obj.Properties[propLastModified])
	if err != nil {
		return models.Contact{}, fmt.Errorf("bad %s: %w", propLastModified, err)
	}
	contact := models.Contact{
		ExternalID: obj.ID,
		FirstName:  obj.Properties[propContactName],
		LastName:   obj.Properties[propContactSurname],
		Email:      obj.Properties[propContactEmail],
		OwnerID:    obj.Properties[propOwnerID],
	}
	if lastMod != nil {
		contact.LastModified = *lastMod
	}
	return contact, nil
}

// parseCRMTime accepts RFC3339 or epoch milliseconds; the CRM emits both
// depending on the property type.
func parseCRMTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable timestamp %q", raw)
	}
	t := time.UnixMilli(millis).UTC()
	return &t, nil
}

func formatCRMTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func firstOf(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return strings.TrimSpace(ids[0])
}
