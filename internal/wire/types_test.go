package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTime(t *testing.T) {
	t.Run("fixed width UTC", func(t *testing.T) {
		in := time.Date(2024, 6, 1, 9, 30, 0, 7_000_000, time.FixedZone("EAT", 3*3600))
		assert.Equal(t, "2024-06-01T06:30:00.007Z", FormatTime(in))
	})

	t.Run("lexicographic order matches chronological order", func(t *testing.T) {
		earlier := time.Date(2024, 1, 1, 23, 59, 59, 999_000_000, time.UTC)
		later := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
		assert.Less(t, FormatTime(earlier), FormatTime(later))
	})
}

func TestParseTime(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		in := time.Date(2024, 6, 1, 12, 0, 0, 123_000_000, time.UTC)

		out, err := ParseTime(FormatTime(in))
		require.NoError(t, err)
		assert.True(t, in.Equal(out))
	})

	t.Run("accepts RFC 3339 fallback", func(t *testing.T) {
		out, err := ParseTime("2024-01-01T00:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), out)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := ParseTime("yesterday")
		assert.Error(t, err)
	})
}

func TestOperationValid(t *testing.T) {
	assert.True(t, OpCreate.Valid())
	assert.True(t, OpUpdate.Valid())
	assert.True(t, OpDelete.Valid())
	assert.False(t, Operation("upsert").Valid())
	assert.False(t, Operation("").Valid())
}

func TestTableTracked(t *testing.T) {
	for _, table := range TrackedTables {
		assert.True(t, TableTracked(table), table)
	}

	assert.False(t, TableTracked("users"))
	assert.False(t, TableTracked(""))
}

func TestTableColumnsCoverTrackedTables(t *testing.T) {
	for _, table := range TrackedTables {
		cols, ok := TableColumns[table]
		require.True(t, ok, table)
		assert.Contains(t, cols, "updated_at", table)
		assert.NotContains(t, cols, "id", table)
	}
}
