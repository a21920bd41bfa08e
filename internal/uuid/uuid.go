// Package uuid generates identifiers for replay cycles, websocket clients and notifications.
package uuid

import (
	"regexp"

	"github.com/google/uuid"
)

// xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx, y in [89ab]
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Short returns the first 8 characters of id, for log lines.
func Short(id string) string {
	if len(id) < 8 {
		return id
	}
	return id[:8]
}
