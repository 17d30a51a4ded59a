package caldav

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// ErrAlarmTimeRangeUnsupported is reported for time-range filters on
// VALARM components. Relative trigger resolution against the parent
// component is not implemented; the failure is a hard error rather than a
// silent non-match.
var ErrAlarmTimeRangeUnsupported = errors.New("caldav: time-range filters on VALARM components are not implemented")

// maxTime stands in for an open end bound. See RFC 4791 section 9.9: the
// start and end attributes are optional, but at least one must be present.
var maxTime = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// resolveTimeRange turns the zero-value open bounds of a decoded filter
// into concrete instants.
func resolveTimeRange(start, end time.Time) (time.Time, time.Time) {
	if end.IsZero() {
		end = maxTime
	}
	return start, end
}

// rangeOverlaps reports whether [cStart, cEnd) intersects [start, end),
// treating a zero-length component as the instant cStart.
func rangeOverlaps(start, end, cStart, cEnd time.Time) bool {
	if cStart.Equal(cEnd) {
		return !cStart.Before(start) && cStart.Before(end)
	}
	return cStart.Before(end) && cEnd.After(start)
}

// compInTimeRange implements the per-component-type tables of RFC 4791
// section 9.9 against the half-open interval [start, end).
func (m *Matcher) compInTimeRange(comp *ical.Component, start, end time.Time) (bool, error) {
	start, end = resolveTimeRange(start, end)

	switch comp.Name {
	case ical.CompEvent:
		return m.eventInTimeRange(comp, start, end)
	case ical.CompToDo:
		return m.todoInTimeRange(comp, start, end)
	case ical.CompJournal:
		return m.journalInTimeRange(comp, start, end)
	case ical.CompFreeBusy:
		return m.freeBusyInTimeRange(comp, start, end)
	case ical.CompAlarm:
		return false, ErrAlarmTimeRangeUnsupported
	}
	return false, nil
}

func (m *Matcher) eventInTimeRange(comp *ical.Component, start, end time.Time) (bool, error) {
	event := ical.Event{Component: comp}
	eventStart, err := event.DateTimeStart(m.location())
	if err != nil {
		return false, err
	}
	// DateTimeEnd handles the DTEND, DURATION, date-only and instant cases
	// in exactly the order the RFC prescribes.
	eventEnd, err := event.DateTimeEnd(m.location())
	if err != nil {
		return false, err
	}

	return m.recurringOverlaps(comp, eventStart, eventEnd.Sub(eventStart), start, end)
}

func (m *Matcher) todoInTimeRange(comp *ical.Component, start, end time.Time) (bool, error) {
	dtstart, hasStart, err := m.propDateTime(comp, ical.PropDateTimeStart)
	if err != nil {
		return false, err
	}
	due, hasDue, err := m.propDateTime(comp, ical.PropDue)
	if err != nil {
		return false, err
	}
	completed, hasCompleted, err := m.propDateTime(comp, ical.PropCompleted)
	if err != nil {
		return false, err
	}
	created, hasCreated, err := m.propDateTime(comp, ical.PropCreated)
	if err != nil {
		return false, err
	}

	var duration time.Duration
	hasDuration := false
	if prop := comp.Props.Get(ical.PropDuration); prop != nil {
		duration, err = prop.Duration()
		if err != nil {
			return false, err
		}
		hasDuration = true
	}

	matchOnce := func(dtstart, due time.Time) bool {
		switch {
		case hasStart && hasDuration:
			span := dtstart.Add(duration)
			return !start.After(span) && (end.After(dtstart) || !end.Before(span))
		case hasStart && hasDue:
			return (start.Before(due) || !start.After(dtstart)) &&
				(end.After(dtstart) || !end.Before(due))
		case hasStart:
			return !start.After(dtstart) && end.After(dtstart)
		case hasDue:
			return start.Before(due) && !end.Before(due)
		case hasCompleted && hasCreated:
			return (!start.After(created) || !start.After(completed)) &&
				(!end.Before(created) || !end.Before(completed))
		case hasCompleted:
			return !start.After(completed) && !end.Before(completed)
		case hasCreated:
			return end.After(created)
		default:
			return true
		}
	}

	if !hasStart {
		return matchOnce(dtstart, due), nil
	}

	set, err := comp.RecurrenceSet(m.location())
	if err != nil {
		return false, err
	}
	if set == nil {
		return matchOnce(dtstart, due), nil
	}

	next := set.Iterator()
	for {
		occ, ok := next()
		if !ok {
			return false, nil
		}
		delta := occ.Sub(dtstart)
		if matchOnce(occ, due.Add(delta)) {
			return true, nil
		}
		// Every later occurrence starts past the range already.
		if occ.After(end) {
			return false, nil
		}
	}
}

func (m *Matcher) journalInTimeRange(comp *ical.Component, start, end time.Time) (bool, error) {
	prop := comp.Props.Get(ical.PropDateTimeStart)
	if prop == nil {
		return false, nil
	}
	dtstart, err := prop.DateTime(m.location())
	if err != nil {
		return false, err
	}

	if prop.ValueType() == ical.ValueDate {
		// Date-only journal entries cover the full day.
		return rangeOverlaps(start, end, dtstart, dtstart.AddDate(0, 0, 1)), nil
	}
	return rangeOverlaps(start, end, dtstart, dtstart), nil
}

func (m *Matcher) freeBusyInTimeRange(comp *ical.Component, start, end time.Time) (bool, error) {
	dtstart, hasStart, err := m.propDateTime(comp, ical.PropDateTimeStart)
	if err != nil {
		return false, err
	}
	dtend, hasEnd, err := m.propDateTime(comp, ical.PropDateTimeEnd)
	if err != nil {
		return false, err
	}
	if hasStart && hasEnd && rangeOverlaps(start, end, dtstart, dtend) {
		return true, nil
	}

	for _, prop := range comp.Props.Values(ical.PropFreeBusy) {
		periods, err := parsePeriods(&prop, m.location())
		if err != nil {
			return false, err
		}
		for _, p := range periods {
			if rangeOverlaps(start, end, p.Start, p.End) {
				return true, nil
			}
		}
	}
	return false, nil
}

// recurringOverlaps tests the component's base occurrence and, if the
// component recurs, every generated occurrence against [start, end). Each
// occurrence keeps the duration of the base occurrence.
func (m *Matcher) recurringOverlaps(comp *ical.Component, baseStart time.Time, duration time.Duration, start, end time.Time) (bool, error) {
	set, err := comp.RecurrenceSet(m.location())
	if err != nil {
		return false, err
	}
	if set == nil {
		return rangeOverlaps(start, end, baseStart, baseStart.Add(duration)), nil
	}

	next := set.Iterator()
	for {
		occ, ok := next()
		if !ok {
			return false, nil
		}
		if !occ.Before(end) {
			// Occurrences are generated in order; nothing later can
			// intersect the range anymore.
			return false, nil
		}
		if rangeOverlaps(start, end, occ, occ.Add(duration)) {
			return true, nil
		}
	}
}

func (m *Matcher) propDateTime(comp *ical.Component, name string) (time.Time, bool, error) {
	prop := comp.Props.Get(name)
	if prop == nil {
		return time.Time{}, false, nil
	}
	t, err := prop.DateTime(m.location())
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// parseDateTime parses an iCalendar DATE or DATE-TIME value, interpreting
// floating values in the given location.
func parseDateTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch len(s) {
	case len("20060102T150405Z"):
		return time.ParseInLocation("20060102T150405Z", s, time.UTC)
	case len("20060102T150405"):
		return time.ParseInLocation("20060102T150405", s, loc)
	case len("20060102"):
		return time.ParseInLocation("20060102", s, loc)
	}
	return time.Time{}, fmt.Errorf("caldav: malformed date-time value %q", s)
}

// parseDuration parses an iCalendar DURATION value (RFC 5545 section
// 3.3.6).
func parseDuration(s string) (time.Duration, error) {
	orig := s
	neg := false
	if strings.HasPrefix(s, "+") {
		s = s[1:]
	} else if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("caldav: malformed duration %q", orig)
	}
	s = s[1:]

	var dur time.Duration
	inTime := false
	for len(s) > 0 {
		if s[0] == 'T' {
			inTime = true
			s = s[1:]
			continue
		}
		i := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == 0 || i == len(s) {
			return 0, fmt.Errorf("caldav: malformed duration %q", orig)
		}
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("caldav: malformed duration %q: %v", orig, err)
		}
		switch s[i] {
		case 'W':
			dur += time.Duration(n) * 7 * 24 * time.Hour
		case 'D':
			dur += time.Duration(n) * 24 * time.Hour
		case 'H':
			if !inTime {
				return 0, fmt.Errorf("caldav: malformed duration %q", orig)
			}
			dur += time.Duration(n) * time.Hour
		case 'M':
			if !inTime {
				return 0, fmt.Errorf("caldav: malformed duration %q", orig)
			}
			dur += time.Duration(n) * time.Minute
		case 'S':
			if !inTime {
				return 0, fmt.Errorf("caldav: malformed duration %q", orig)
			}
			dur += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("caldav: malformed duration %q", orig)
		}
		s = s[i+1:]
	}

	if neg {
		dur = -dur
	}
	return dur, nil
}

// parsePeriods parses the comma-separated PERIOD values of a FREEBUSY
// property. The FBTYPE parameter, when present, labels every period of the
// property instance.
func parsePeriods(prop *ical.Prop, loc *time.Location) ([]Period, error) {
	busyType := BusyTypeBusy
	if fbtype := prop.Params.Get("FBTYPE"); fbtype != "" {
		busyType = BusyType(strings.ToUpper(fbtype))
	}

	var periods []Period
	for _, raw := range strings.Split(prop.Value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := parsePeriod(raw, loc)
		if err != nil {
			return nil, err
		}
		p.BusyType = busyType
		periods = append(periods, p)
	}
	return periods, nil
}

func parsePeriod(s string, loc *time.Location) (Period, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Period{}, fmt.Errorf("caldav: malformed period %q", s)
	}

	start, err := parseDateTime(parts[0], loc)
	if err != nil {
		return Period{}, err
	}

	var end time.Time
	if strings.ContainsRune("+-P", rune(parts[1][0])) {
		dur, err := parseDuration(parts[1])
		if err != nil {
			return Period{}, err
		}
		end = start.Add(dur)
	} else {
		end, err = parseDateTime(parts[1], loc)
		if err != nil {
			return Period{}, err
		}
	}

	if !end.After(start) {
		return Period{}, fmt.Errorf("caldav: period %q ends before it starts", s)
	}
	return Period{Start: start, End: end}, nil
}
