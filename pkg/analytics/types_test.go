package analytics

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventValidation(t *testing.T) {
	long := strings.Repeat("a", 3000)

	pv := PageViewEvent{SessionID: "s1", PagePath: "/" + long, PageTitle: long}
	require.NoError(t, pv.Validate())
	assert.Len(t, pv.PagePath, maxPathLength)
	assert.Len(t, pv.PageTitle, maxTextLength)

	sess := SessionEvent{SessionID: "s1"}
	assert.NoError(t, sess.Validate())
	assert.ErrorIs(t, (&SessionEvent{}).Validate(), ErrInvalidInput)

	end := EndSessionEvent{SessionID: "s1", ExitPage: long}
	require.NoError(t, end.Validate())
	assert.Len(t, end.ExitPage, maxPathLength)
	assert.ErrorIs(t, (&EndSessionEvent{ExitPage: "/"}).Validate(), ErrInvalidInput)
}

func TestSessionFilter_Normalize(t *testing.T) {
	f := SessionFilter{}
	require.NoError(t, f.Normalize())
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, defaultPageLimit, f.Limit)

	f = SessionFilter{Page: 3, Limit: 1000}
	require.NoError(t, f.Normalize())
	assert.Equal(t, maxPageLimit, f.Limit)

	f = SessionFilter{Limit: -5}
	assert.ErrorIs(t, f.Normalize(), ErrInvalidInput)

	f = SessionFilter{Page: math.MaxInt, Limit: 20}
	assert.ErrorIs(t, f.Normalize(), ErrInvalidInput, "offset would overflow")

	f = SessionFilter{Page: math.MaxInt/20 + 1, Limit: 20}
	require.NoError(t, f.Normalize(), "largest page whose offset fits")
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abc", 2))
	// "é" is two bytes; cutting inside it drops the whole rune
	assert.Equal(t, "a", truncate("aé", 2))
}

func TestFlooredSeconds(t *testing.T) {
	start := fixedNow
	assert.Equal(t, int64(12), flooredSeconds(start, start.Add(12999*time.Millisecond)))
	assert.Equal(t, int64(0), flooredSeconds(start, start.Add(-time.Second)))
}

func TestDayBounds(t *testing.T) {
	nairobi, err := time.LoadLocation("Africa/Nairobi")
	require.NoError(t, err)

	// 22:30 UTC is already the next day in Nairobi (UTC+3)
	at := time.Date(2026, 3, 8, 22, 30, 0, 0, time.UTC)
	start, end := dayBounds(at, nairobi)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, nairobi), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}
