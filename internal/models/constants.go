package models

const (
	// CRMBatchSize is the hard batch ceiling the CRM enforces per request.
	CRMBatchSize = 100

	// DefaultPageCap aborts runaway pagination on the search endpoint.
	DefaultPageCap = 200

	// DefaultRetentionDays keeps sync bookkeeping rows for this long.
	DefaultRetentionDays = 5

	// FailureFlagThreshold marks an external id as needing operator
	// attention after this many failed attempts in 24h.
	FailureFlagThreshold = 3

	// WorkerQueueSize is the in-memory push queue capacity.
	WorkerQueueSize = 128

	// DedupTTLSeconds is how long webhook event ids are remembered.
	DedupTTLSeconds = 24 * 60 * 60
)

// Health status levels reported by the sync health endpoint.
const (
	HealthOK       = "ok"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)
