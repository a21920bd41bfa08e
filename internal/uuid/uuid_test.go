package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	id := New()
	assert.True(t, IsValid(id), "generated id %q is not a v4 UUID", id)
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"550e8400-e29b-41d4-a716-446655440000", true},
		{"550E8400-E29B-41D4-A716-446655440000", true},
		{"550e8400-e29b-11d4-a716-446655440000", false}, // v1
		{"550e8400-e29b-41d4-c716-446655440000", false}, // bad variant
		{"550e8400e29b41d4a716446655440000", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValid(tt.in), tt.in)
	}
}

func TestShort(t *testing.T) {
	assert.Equal(t, "550e8400", Short("550e8400-e29b-41d4-a716-446655440000"))
	assert.Equal(t, "abc", Short("abc"))
}
