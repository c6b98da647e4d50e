package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAllows(t *testing.T) {
	tests := []struct {
		name    string
		grant   []string
		cap     string
		allowed bool
	}{
		{
			name:    "exact match",
			grant:   []string{"kv:read"},
			cap:     "kv:read",
			allowed: true,
		},
		{
			name:    "not granted",
			grant:   []string{"kv:read"},
			cap:     "discord:create_message",
			allowed: false,
		},
		{
			name:    "wildcard covers domain",
			grant:   []string{"kv:*"},
			cap:     "kv:write",
			allowed: true,
		},
		{
			name:    "wildcard does not cross domains",
			grant:   []string{"kv:*"},
			cap:     "discord:ban",
			allowed: false,
		},
		{
			name:    "empty grant allows nothing",
			grant:   nil,
			cap:     "kv:read",
			allowed: false,
		},
		{
			name:    "malformed capability without domain",
			grant:   []string{"kv:*"},
			cap:     "kvread",
			allowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSet(tt.grant...)
			assert.Equal(t, tt.allowed, s.Allows(tt.cap))
		})
	}
}

func TestSetIntersect(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []string
		expected []string
	}{
		{
			name:     "exact overlap",
			a:        []string{"kv:read", "kv:write"},
			b:        []string{"kv:read"},
			expected: []string{"kv:read"},
		},
		{
			name:     "wildcard narrows to concrete",
			a:        []string{"kv:*"},
			b:        []string{"kv:read"},
			expected: []string{"kv:read"},
		},
		{
			name:     "concrete kept under wildcard restriction",
			a:        []string{"kv:read", "discord:ban"},
			b:        []string{"kv:*"},
			expected: []string{"kv:read"},
		},
		{
			name:     "disjoint grants",
			a:        []string{"discord:ban"},
			b:        []string{"kv:read"},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewSet(tt.a...).Intersect(NewSet(tt.b...))
			assert.ElementsMatch(t, tt.expected, got.Strings())
		})
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate([]string{"kv:read", "discord:create_message"}))
	require.NoError(t, Validate(nil))

	err := Validate([]string{"kv:read", "filesystem:delete"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filesystem:delete")
}

func TestStringsSorted(t *testing.T) {
	s := NewSet("kv:write", "discord:ban", "kv:read")
	assert.Equal(t, []string{"discord:ban", "kv:read", "kv:write"}, s.Strings())
}
