package market

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// session hours per exchange, wall clock in the exchange's home zone
type session struct {
	tz        string
	openHour  int
	openMin   int
	closeHour int
	closeMin  int
}

var sessions = map[string]session{
	"NYSE":   {tz: "America/New_York", openHour: 9, openMin: 30, closeHour: 16},
	"NASDAQ": {tz: "America/New_York", openHour: 9, openMin: 30, closeHour: 16},
}

// Calendar answers session queries from a static hours table. Weekends
// are closed; exchange holidays are not modeled.
type Calendar struct {
	locs map[string]*time.Location
}

// NewCalendar loads the timezones the session table references
func NewCalendar() (*Calendar, error) {
	locs := make(map[string]*time.Location)
	for _, s := range sessions {
		if _, ok := locs[s.tz]; ok {
			continue
		}
		loc, err := time.LoadLocation(s.tz)
		if err != nil {
			return nil, fmt.Errorf("failed to load timezone %s: %w", s.tz, err)
		}
		locs[s.tz] = loc
	}
	return &Calendar{locs: locs}, nil
}

// IsOpen reports whether the exchange session is open at the given time
func (c *Calendar) IsOpen(ctx context.Context, exchange string, at time.Time) (bool, error) {
	s, ok := sessions[strings.ToUpper(exchange)]
	if !ok {
		return false, fmt.Errorf("unknown exchange: %s", exchange)
	}

	local := at.In(c.locs[s.tz])
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false, nil
	}

	minutes := local.Hour()*60 + local.Minute()
	openAt := s.openHour*60 + s.openMin
	closeAt := s.closeHour*60 + s.closeMin
	return minutes >= openAt && minutes < closeAt, nil
}
