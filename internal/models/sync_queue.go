package models

// SyncRegistration is the reportable state of a deferred replay registration.
type SyncRegistration struct {
	Tag         string `json:"tag"`
	RetryCount  int    `json:"retry_count"`
	MaxRetries  int    `json:"max_retries"`
	NextRetryAt int64  `json:"next_retry_at"`
	Status      string `json:"status"` // pending, in_progress, failed
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}
