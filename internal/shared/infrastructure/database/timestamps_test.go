package database

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamps_SortLexically(t *testing.T) {
	early := time.Date(2026, 3, 2, 9, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	late := early.Add(1500 * time.Microsecond)

	a, b := FormatTimestamp(early), FormatTimestamp(late)
	assert.Equal(t, "2026-03-02T12:00:00.000000Z", a)
	assert.Len(t, b, len(a))
	assert.Less(t, a, b)
}

func TestTimestamps_ParseFormatted(t *testing.T) {
	at := time.Date(2026, 3, 2, 12, 30, 15, 123456000, time.UTC)

	parsed, err := ParseTimestamp(FormatTimestamp(at))
	require.NoError(t, err)
	assert.True(t, at.Equal(parsed))

	null, err := ParseNullTimestamp(sql.NullString{})
	require.NoError(t, err)
	assert.Nil(t, null)

	assert.False(t, FormatNullTimestamp(nil).Valid)
	assert.Equal(t, FormatTimestamp(at), FormatNullTimestamp(&at).String)
}
