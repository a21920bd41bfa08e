// Package models provides data model definitions for offlinegate.
package models

// PendingRecordStore is the name of the record store holding unsent submissions.
const PendingRecordStore = "Usuarios"

// PendingRecord is a user submission that could not be delivered and awaits replay.
// ID is assigned by the store on insert and grows monotonically.
type PendingRecord struct {
	ID        int64                  `db:"id" json:"id"`
	Payload   map[string]interface{} `db:"payload" json:"payload"`
	CreatedAt int64                  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for PendingRecord.
func (PendingRecord) TableName() string {
	return PendingRecordStore
}

// Field returns a payload field as a string, or "" when absent or not a string.
func (r PendingRecord) Field(name string) string {
	if v, ok := r.Payload[name].(string); ok {
		return v
	}
	return ""
}
