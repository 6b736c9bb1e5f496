package models

import "time"

// ListMembership records one stay of an object on a CRM list. ExitedAt is
// nil while the membership is active; at most one active row may exist per
// (list, object) pair.
type ListMembership struct {
	ID        int64      `json:"id"`
	ListID    string     `json:"list_id"`
	ObjectID  string     `json:"object_id"`
	EnteredAt time.Time  `json:"entered_at"`
	ExitedAt  *time.Time `json:"exited_at"`
}

// Active reports whether the membership has no recorded exit.
func (m *ListMembership) Active() bool {
	return m.ExitedAt == nil
}
