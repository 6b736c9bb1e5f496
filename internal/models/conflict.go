package models

import "time"

const (
	StrategyCRMWins   = "crm-wins"
	StrategyLocalWins = "local-wins"
	StrategyMerge     = "merge"
	StrategyManual    = "manual"

	ConflictStatusOpen     = "open"
	ConflictStatusResolved = "resolved"
)

// Conflict records one CRM-owned field that was mutated locally and also
// changed externally inside the same sync window. At most one open row per
// (external id, field); manual-strategy conflicts stay open until an
// operator resolves them.
type Conflict struct {
	ID         int64      `json:"id"`
	ExternalID string     `json:"external_id"`
	Field      string     `json:"field"`
	LocalValue string     `json:"local_value"`
	CRMValue   string     `json:"crm_value"`
	Strategy   string     `json:"strategy"`
	Status     string     `json:"status"`
	DetectedAt time.Time  `json:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ValidStrategy reports whether s names a known resolution strategy.
func ValidStrategy(s string) bool {
	switch s {
	case StrategyCRMWins, StrategyLocalWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}
