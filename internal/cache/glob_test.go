package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"holders:*", "holders:top:abc", true},
		{"holders:*", "price:abc", false},
		{"token:?:x", "token:1:x", true},
		{"token:[ab]", "token:a", true},
		{"token:[ab]", "token:c", false},
		{"acct:*", "acct:so/l", true},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"bad[", "bad[", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.key))
		})
	}

	assert.True(t, IsPattern("a*"))
	assert.False(t, IsPattern("plain:key"))
}
