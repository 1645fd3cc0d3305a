package adherence

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WeekdayRates maps a weekday to a miss percentage. It encodes to JSON keyed
// by day name ("Monday") rather than the numeric weekday.
type WeekdayRates map[time.Weekday]float64

// MarshalJSON implements json.Marshaler.
func (r WeekdayRates) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	named := make(map[string]float64, len(r))
	for wd, rate := range r {
		named[wd.String()] = rate
	}
	return json.Marshal(named)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *WeekdayRates) UnmarshalJSON(b []byte) error {
	var named map[string]float64
	if err := json.Unmarshal(b, &named); err != nil {
		return err
	}
	if named == nil {
		*r = nil
		return nil
	}
	out := make(WeekdayRates, len(named))
	for name, rate := range named {
		wd, err := ParseWeekday(name)
		if err != nil {
			return err
		}
		out[wd] = rate
	}
	*r = out
	return nil
}

// ParseWeekday resolves a case-insensitive day name.
func ParseWeekday(name string) (time.Weekday, error) {
	name = strings.TrimSpace(name)
	for _, wd := range Weekdays {
		if strings.EqualFold(wd.String(), name) {
			return wd, nil
		}
	}
	return 0, fmt.Errorf("%q is not a day name", name)
}

// WeekdayAlert flags the weekday with the most misses.
type WeekdayAlert struct {
	Weekday  time.Weekday
	MissRate float64
}

type weekdayAlertJSON struct {
	Weekday  string  `json:"weekday"`
	MissRate float64 `json:"missRate"`
}

// MarshalJSON implements json.Marshaler.
func (a WeekdayAlert) MarshalJSON() ([]byte, error) {
	return json.Marshal(weekdayAlertJSON{Weekday: a.Weekday.String(), MissRate: a.MissRate})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *WeekdayAlert) UnmarshalJSON(b []byte) error {
	var raw weekdayAlertJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	wd, err := ParseWeekday(raw.Weekday)
	if err != nil {
		return err
	}
	a.Weekday, a.MissRate = wd, raw.MissRate
	return nil
}
