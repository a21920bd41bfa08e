package models

// CacheEntry is a stored HTTP response keyed by request identity within a
// named cache namespace.
type CacheEntry struct {
	CacheName  string `db:"cache_name" json:"cache_name"`
	RequestKey string `db:"request_key" json:"request_key"` // METHOD + " " + absolute URL
	Status     int    `db:"status" json:"status"`
	Header     string `db:"header" json:"header"` // JSON-encoded http.Header
	Body       []byte `db:"body" json:"-"`
	StoredAt   int64  `db:"stored_at" json:"stored_at"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}
