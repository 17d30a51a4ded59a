package caldav

import (
	"testing"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectCalendarDataNoDirectives(t *testing.T) {
	co := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VEVENT
DTSTAMP:20060102T110000Z
DTSTART:20060102T120000Z
DTEND:20060102T130000Z
SUMMARY:Lunch
UID:plain@example.com
END:VEVENT
END:VCALENDAR`)

	got, err := ProjectCalendarData(nil, co.Data, nil)
	require.NoError(t, err)
	assert.Same(t, co.Data, got)

	got, err = ProjectCalendarData(&CalendarDataRequest{}, co.Data, nil)
	require.NoError(t, err)
	assert.Same(t, co.Data, got)
}

func TestProjectCalendarDataComp(t *testing.T) {
	co := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VEVENT
DTSTAMP:20060102T110000Z
DTSTART:20060102T120000Z
DTEND:20060102T130000Z
SUMMARY:Lunch
DESCRIPTION:At the corner place
UID:comp@example.com
END:VEVENT
END:VCALENDAR`)

	req := &CalendarDataRequest{
		Comp: &CalendarCompRequest{
			Name: "VCALENDAR",
			Comps: []CalendarCompRequest{{
				Name:  "VEVENT",
				Props: []string{"UID", "SUMMARY"},
			}},
		},
	}
	got, err := ProjectCalendarData(req, co.Data, nil)
	require.NoError(t, err)
	require.NotSame(t, co.Data, got)

	// The stream stays well-formed even though the request never asked for
	// VERSION and PRODID.
	require.NotNil(t, got.Props.Get(ical.PropVersion))
	require.NotNil(t, got.Props.Get(ical.PropProductID))

	require.Len(t, got.Children, 1)
	event := got.Children[0]
	assert.Equal(t, ical.CompEvent, event.Name)
	assert.Equal(t, "comp@example.com", event.Props.Get(ical.PropUID).Value)
	assert.Equal(t, "Lunch", event.Props.Get(ical.PropSummary).Value)
	assert.Nil(t, event.Props.Get(ical.PropDescription))
	assert.Nil(t, event.Props.Get(ical.PropDateTimeStart))

	// The source object is untouched.
	assert.NotNil(t, co.Data.Children[0].Props.Get(ical.PropDescription))
}

func TestProjectCalendarDataExpand(t *testing.T) {
	co := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VEVENT
DTSTAMP:20060102T110000Z
DTSTART:20060102T120000Z
DTEND:20060102T130000Z
RRULE:FREQ=DAILY;COUNT=5
SUMMARY:Standup
UID:expand@example.com
END:VEVENT
END:VCALENDAR`)

	req := &CalendarDataRequest{
		Expand: &ExpandRequest{
			Start: toDate(t, "20060103T000000Z"),
			End:   toDate(t, "20060105T000000Z"),
		},
	}
	got, err := ProjectCalendarData(req, co.Data, nil)
	require.NoError(t, err)

	require.Len(t, got.Children, 2)
	wantStarts := []string{"20060103T120000Z", "20060104T120000Z"}
	for i, event := range got.Children {
		assert.Equal(t, ical.CompEvent, event.Name)
		assert.Nil(t, event.Props.Get(ical.PropRecurrenceRule), "instance %d still has an RRULE", i)
		assert.Equal(t, wantStarts[i], event.Props.Get(ical.PropDateTimeStart).Value)
		assert.Equal(t, wantStarts[i], event.Props.Get(ical.PropRecurrenceID).Value)
		assert.Equal(t, "expand@example.com", event.Props.Get(ical.PropUID).Value)
	}
	assert.Equal(t, "20060103T130000Z", got.Children[0].Props.Get(ical.PropDateTimeEnd).Value)

	// The source object keeps its recurrence definition.
	assert.NotNil(t, co.Data.Children[0].Props.Get(ical.PropRecurrenceRule))
}

func TestProjectCalendarDataExpandOverride(t *testing.T) {
	co := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VEVENT
DTSTAMP:20060102T110000Z
DTSTART:20060102T120000Z
DTEND:20060102T130000Z
RRULE:FREQ=DAILY;COUNT=3
SUMMARY:Standup
UID:override@example.com
END:VEVENT
BEGIN:VEVENT
DTSTAMP:20060102T110000Z
DTSTART:20060103T140000Z
DTEND:20060103T150000Z
RECURRENCE-ID:20060103T120000Z
SUMMARY:Standup (moved)
UID:override@example.com
END:VEVENT
END:VCALENDAR`)

	req := &CalendarDataRequest{
		Expand: &ExpandRequest{
			Start: toDate(t, "20060102T000000Z"),
			End:   toDate(t, "20060105T000000Z"),
		},
	}
	got, err := ProjectCalendarData(req, co.Data, nil)
	require.NoError(t, err)

	require.Len(t, got.Children, 3)
	summaries := make([]string, len(got.Children))
	for i, event := range got.Children {
		summaries[i] = event.Props.Get(ical.PropSummary).Value
	}
	assert.Equal(t, []string{"Standup", "Standup (moved)", "Standup"}, summaries)
	assert.Equal(t, "20060103T140000Z", got.Children[1].Props.Get(ical.PropDateTimeStart).Value)
}

func TestProjectCalendarDataExpandEmptyRange(t *testing.T) {
	co := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VEVENT
DTSTAMP:20060102T110000Z
DTSTART:20060102T120000Z
UID:empty@example.com
END:VEVENT
END:VCALENDAR`)

	req := &CalendarDataRequest{
		Expand: &ExpandRequest{
			Start: toDate(t, "20060103T000000Z"),
			End:   toDate(t, "20060103T000000Z"),
		},
	}
	_, err := ProjectCalendarData(req, co.Data, nil)
	require.Error(t, err)
}

func TestProjectCalendarDataLimitRecurrenceSet(t *testing.T) {
	co := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VEVENT
DTSTAMP:20060102T110000Z
DTSTART:20060102T120000Z
RRULE:FREQ=DAILY;COUNT=5
SUMMARY:Standup
UID:limit@example.com
END:VEVENT
BEGIN:VEVENT
DTSTAMP:20060102T110000Z
DTSTART:20060103T140000Z
RECURRENCE-ID:20060103T120000Z
SUMMARY:Standup (moved)
UID:limit@example.com
END:VEVENT
BEGIN:VEVENT
DTSTAMP:20060102T110000Z
DTSTART:20060105T140000Z
RECURRENCE-ID:20060105T120000Z
SUMMARY:Standup (moved again)
UID:limit@example.com
END:VEVENT
END:VCALENDAR`)

	req := &CalendarDataRequest{
		LimitRecurrenceSet: &LimitRecurrenceSet{
			Start: toDate(t, "20060103T000000Z"),
			End:   toDate(t, "20060104T000000Z"),
		},
	}
	got, err := ProjectCalendarData(req, co.Data, nil)
	require.NoError(t, err)

	// The master stays, overrides outside the range are dropped.
	require.Len(t, got.Children, 2)
	assert.NotNil(t, got.Children[0].Props.Get(ical.PropRecurrenceRule))
	assert.Equal(t, "Standup (moved)", got.Children[1].Props.Get(ical.PropSummary).Value)

	assert.Len(t, co.Data.Children, 3)
}

func TestProjectCalendarDataLimitFreeBusySet(t *testing.T) {
	co := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VFREEBUSY
DTSTAMP:20060102T110000Z
DTSTART:20060102T000000Z
DTEND:20060103T000000Z
FREEBUSY:20060102T090000Z/20060102T100000Z,20060102T103000Z/20060102T113000Z
FREEBUSY;FBTYPE=BUSY-TENTATIVE:20060102T150000Z/20060102T160000Z
UID:fb@example.com
END:VFREEBUSY
END:VCALENDAR`)

	req := &CalendarDataRequest{
		LimitFreeBusySet: &LimitFreeBusySet{
			Start: toDate(t, "20060102T100000Z"),
			End:   toDate(t, "20060102T120000Z"),
		},
	}
	got, err := ProjectCalendarData(req, co.Data, nil)
	require.NoError(t, err)

	require.Len(t, got.Children, 1)
	fb := got.Children[0]
	props := fb.Props.Values(ical.PropFreeBusy)
	require.Len(t, props, 1)
	assert.Equal(t, "20060102T103000Z/20060102T113000Z", props[0].Value)

	// The component's own range properties are not rewritten.
	assert.Equal(t, "20060102T000000Z", fb.Props.Get(ical.PropDateTimeStart).Value)
	assert.Equal(t, "20060103T000000Z", fb.Props.Get(ical.PropDateTimeEnd).Value)
}
