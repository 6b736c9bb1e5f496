package models

import "time"

// Owner assignment rules for automation task templates.
const (
	OwnerRuleNone          = "none"
	OwnerRuleContactOwner  = "contact-owner"
	OwnerRulePreviousOwner = "previous-task-owner"
)

// TaskTemplate is one step of an automation sequence. Delay is relative to
// the previous step (cumulative from list entry).
type TaskTemplate struct {
	Subject   string        `yaml:"subject" json:"subject"`
	Delay     time.Duration `yaml:"delay" json:"delay"`
	OwnerRule string        `yaml:"owner_rule" json:"owner_rule"`
}

// TaskAutomation is the configuration of one follow-up sequence bound to a
// CRM list. Managed outside this service; read-only input to the scheduler.
type TaskAutomation struct {
	ID              string         `yaml:"id" json:"id"`
	Name            string         `yaml:"name" json:"name"`
	ListID          string         `yaml:"list_id" json:"list_id"`
	Enabled         bool           `yaml:"enabled" json:"enabled"`
	TerminateOnExit bool           `yaml:"terminate_on_exit" json:"terminate_on_exit"`
	Templates       []TaskTemplate `yaml:"templates" json:"templates"`
}

// AutomationRun is one planned task creation: exactly one row per
// (automation, membership, position). CreatedTask flips false->true exactly
// once; on failure the run keeps CreatedTask=false and stays eligible for
// the next scheduler tick.
type AutomationRun struct {
	ID             int64     `json:"id"`
	AutomationID   string    `json:"automation_id"`
	MembershipID   int64     `json:"membership_id"`
	ContactID      string    `json:"contact_id"`
	Position       int       `json:"position"`
	Subject        string    `json:"subject"`
	OwnerRule      string    `json:"owner_rule"`
	OwnerID        string    `json:"owner_id"`
	PlannedAt      time.Time `json:"planned_at"`
	CreatedTask    bool      `json:"created_task"`
	Terminated     bool      `json:"terminated"`
	FailureReason  string    `json:"failure_reason"`
	TaskExternalID string    `json:"task_external_id"`
	CreatedAt      time.Time `json:"created_at"`
}
