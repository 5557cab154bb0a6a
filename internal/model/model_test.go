package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestTableNames 测试表名
func TestTableNames(t *testing.T) {
	assert.Equal(t, "tracker_cache_entries", CacheEntry{}.TableName())
	assert.Equal(t, "tracker_change_hashes", ChangeHash{}.TableName())
}

// TestCacheEntryIsExpired 测试过期判断
func TestCacheEntryIsExpired(t *testing.T) {
	e := &CacheEntry{ExpiresAt: 1000}
	assert.False(t, e.IsExpired(999))
	assert.True(t, e.IsExpired(1000))
	assert.True(t, e.IsExpired(1001))
}
