package reminder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/calendar"
)

func at(day, hour, minute int) time.Time {
	return time.Date(2025, time.March, day, hour, minute, 0, 0, time.UTC)
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay(" 7:05 ")
	require.NoError(t, err)
	assert.Equal(t, TimeOfDay{Hour: 7, Minute: 5}, tod)
	assert.Equal(t, "07:05", tod.String())

	for _, bad := range []string{"", "0700", "24:00", "12:60", "ab:00", "-1:00"} {
		_, err := ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseSendTimes(t *testing.T) {
	times, err := ParseSendTimes([]string{"19:00", "07:00", "", "14:00", "07:00"})
	require.NoError(t, err)
	assert.Equal(t, []TimeOfDay{{Hour: 7}, {Hour: 14}, {Hour: 19}}, times)

	_, err = ParseSendTimes([]string{"07:00", "noon"})
	assert.Error(t, err)
}

func TestDueSingleSlot(t *testing.T) {
	s := DefaultSchedule(time.UTC)
	// Wednesday 2025-03-12.
	due := s.Due(at(12, 6, 59), at(12, 7, 1))
	require.Len(t, due, 1)
	assert.Equal(t, Occurrence{
		Kind: KindDoseReminder,
		Day:  calendar.Day{Year: 2025, Month: time.March, Day: 12},
		At:   TimeOfDay{Hour: 7},
	}, due[0])
}

func TestDueOnlyLatestSlot(t *testing.T) {
	s := DefaultSchedule(time.UTC)
	due := s.Due(at(12, 6, 0), at(12, 15, 0))
	require.Len(t, due, 1)
	assert.Equal(t, TimeOfDay{Hour: 14}, due[0].At)

	// Tuesday's 19:00 slot has passed by the time the window reaches it.
	due = s.Due(at(11, 20, 0), at(12, 7, 30))
	require.Len(t, due, 1)
	assert.Equal(t, calendar.Day{Year: 2025, Month: time.March, Day: 12}, due[0].Day)
	assert.Equal(t, TimeOfDay{Hour: 7}, due[0].At)
}

func TestDueNothing(t *testing.T) {
	s := DefaultSchedule(time.UTC)
	assert.Empty(t, s.Due(at(12, 7, 1), at(12, 13, 59)))
	assert.Empty(t, s.Due(at(12, 9, 0), at(12, 9, 0)))
	assert.Empty(t, s.Due(at(12, 9, 0), at(12, 8, 0)))
}

func TestDueWeeklyDigest(t *testing.T) {
	s := DefaultSchedule(time.UTC)
	sunday := calendar.Day{Year: 2025, Month: time.March, Day: 16}

	due := s.Due(at(16, 8, 0), at(16, 9, 30))
	require.Len(t, due, 1)
	assert.Equal(t, Occurrence{Kind: KindWeeklyDigest, Day: sunday, At: TimeOfDay{Hour: 9}}, due[0])

	due = s.Due(at(15, 18, 0), at(16, 9, 30))
	require.Len(t, due, 2)
	assert.Equal(t, KindDoseReminder, due[0].Kind)
	assert.Equal(t, TimeOfDay{Hour: 7}, due[0].At)
	assert.Equal(t, KindWeeklyDigest, due[1].Kind)

	// Not on other weekdays.
	assert.NotContains(t, kinds(s.Due(at(12, 8, 0), at(12, 9, 30))), KindWeeklyDigest)
}

func TestDueZeroLast(t *testing.T) {
	s := DefaultSchedule(time.UTC)
	due := s.Due(time.Time{}, at(16, 10, 0))
	// A week is scanned: one reminder for today plus Sunday's digest.
	assert.Equal(t, []Kind{KindDoseReminder, KindWeeklyDigest}, kinds(due))
}

func kinds(occ []Occurrence) []Kind {
	var out []Kind
	for _, o := range occ {
		out = append(out, o.Kind)
	}
	return out
}
