package repository

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBCounter int64

// setupTestDB 每个测试一个独立的内存 SQLite
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	counter := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:trackerdb%d?mode=memory&cache=shared", counter)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(&pgconn.PgError{Code: pgErrDeadlockDetected}))
	assert.True(t, isRetryableError(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: pgErrSerializationFailure})))
	assert.False(t, isRetryableError(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isRetryableError(errors.New("plain")))
	assert.False(t, isRetryableError(nil))
}

func TestGlobToLike(t *testing.T) {
	tests := []struct {
		pattern string
		like    string
		exact   bool
	}{
		{"holders:*", "holders:%", true},
		{"a?c", "a_c", true},
		{"100%_off*", `100\%\_off%`, true},
		{"tok:[ab]*", "tok:%", false},
	}
	for _, tt := range tests {
		like, exact := globToLike(tt.pattern)
		assert.Equal(t, tt.like, like, tt.pattern)
		assert.Equal(t, tt.exact, exact, tt.pattern)
	}
}
