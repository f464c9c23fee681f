package changelog

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"torident/internal/types"
)

func testOutcome(n int) types.RotationOutcome {
	return types.RotationOutcome{
		Timestamp:  fmt.Sprintf("2025-01-02 15:04:%02d", n),
		RealIP:     "203.0.113.7",
		OldTorIP:   "198.51.100.1",
		NewTorIP:   fmt.Sprintf("198.51.100.%d", n+2),
		OldCountry: "Germany",
		OldCity:    "Berlin",
		NewCountry: "Netherlands",
		NewCity:    "Amsterdam",
		Changed:    true,
		Note:       "",
	}
}

func newTestLog(t *testing.T) *ChangeLog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity_history.log")
	return New(path, zaptest.NewLogger(t))
}

func TestAppendReadRoundTrip(t *testing.T) {
	log := newTestLog(t)

	outcome := testOutcome(1)
	outcome.Changed = false
	outcome.Note = "Circuit refreshed but exit IP may stay the same (normal sometimes)."

	require.NoError(t, log.Append(outcome))

	records := log.ReadRecent(1)
	require.Len(t, records, 1)
	assert.Equal(t, outcome, records[0])
}

func TestReadRecentOrderAndLimit(t *testing.T) {
	log := newTestLog(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(testOutcome(i)))
	}

	records := log.ReadRecent(3)
	require.Len(t, records, 3)

	// Most recent first.
	assert.Equal(t, testOutcome(4), records[0])
	assert.Equal(t, testOutcome(3), records[1])
	assert.Equal(t, testOutcome(2), records[2])

	assert.Len(t, log.ReadRecent(100), 5)
	assert.Empty(t, log.ReadRecent(0))
}

func TestReadRecentSkipsMalformedLines(t *testing.T) {
	log := newTestLog(t)

	require.NoError(t, log.Append(testOutcome(1)))

	f, err := os.OpenFile(log.path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, log.Append(testOutcome(2)))

	records := log.ReadRecent(10)
	require.Len(t, records, 2)
	assert.Equal(t, testOutcome(2), records[0])
	assert.Equal(t, testOutcome(1), records[1])
}

func TestReadRecentMissingFile(t *testing.T) {
	log := newTestLog(t)
	assert.Empty(t, log.ReadRecent(10))
}

func TestClear(t *testing.T) {
	log := newTestLog(t)

	require.NoError(t, log.Append(testOutcome(1)))
	require.NotEmpty(t, log.ReadRecent(1))

	assert.True(t, log.Clear())
	assert.Empty(t, log.ReadRecent(10))

	// Clearing an already-empty log still succeeds.
	assert.True(t, log.Clear())
}

func TestAppendCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "history.log")
	log := New(path, zaptest.NewLogger(t))

	require.NoError(t, log.Append(testOutcome(1)))
	assert.Len(t, log.ReadRecent(1), 1)
}
