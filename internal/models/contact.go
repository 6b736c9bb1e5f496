package models

import "time"

// Contact is the local copy of a CRM contact, kept so automation owner
// resolution and task associations do not need a CRM round trip.
type Contact struct {
	ExternalID   string    `json:"external_id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Email        string    `json:"email"`
	OwnerID      string    `json:"owner_id"`
	LastModified time.Time `json:"last_modified"`
}

// Owner mirrors a CRM user that tasks can be assigned to.
type Owner struct {
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	TeamID     string `json:"team_id"`
	Archived   bool   `json:"archived"`
}

func (o *Owner) FullName() string {
	switch {
	case o.FirstName != "" && o.LastName != "":
		return o.FirstName + " " + o.LastName
	case o.FirstName != "":
		return o.FirstName
	case o.LastName != "":
		return o.LastName
	default:
		return o.Email
	}
}
