package caldav

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"

	"github.com/davkit/davkit/collation"
)

var dateFormat = "20060102T150405Z"

func toDate(t *testing.T, date string) time.Time {
	res, err := time.ParseInLocation(dateFormat, date, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func newCO(t *testing.T, str string) CalendarObject {
	t.Helper()
	cal, err := ical.NewDecoder(strings.NewReader(str)).Decode()
	if err != nil {
		t.Fatal(err)
	}
	return CalendarObject{
		Data: cal,
	}
}

// Test data taken from https://datatracker.ietf.org/doc/html/rfc4791#appendix-B
func TestFilter(t *testing.T) {
	event1 := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VTIMEZONE
LAST-MODIFIED:20040110T032845Z
TZID:US/Eastern
BEGIN:DAYLIGHT
DTSTART:20000404T020000
RRULE:FREQ=YEARLY;BYDAY=1SU;BYMONTH=4
TZNAME:EDT
TZOFFSETFROM:-0500
TZOFFSETTO:-0400
END:DAYLIGHT
BEGIN:STANDARD
DTSTART:20001026T020000
RRULE:FREQ=YEARLY;BYDAY=-1SU;BYMONTH=10
TZNAME:EST
TZOFFSETFROM:-0400
TZOFFSETTO:-0500
END:STANDARD
END:VTIMEZONE
BEGIN:VEVENT
DTSTAMP:20060206T001102Z
DTSTART;TZID=US/Eastern:20060102T100000
DURATION:PT1H
SUMMARY:Event #1
Description:Go Steelers!
UID:74855313FA803DA593CD579A@example.com
END:VEVENT
END:VCALENDAR`)

	event2 := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VTIMEZONE
LAST-MODIFIED:20040110T032845Z
TZID:US/Eastern
BEGIN:DAYLIGHT
DTSTART:20000404T020000
RRULE:FREQ=YEARLY;BYDAY=1SU;BYMONTH=4
TZNAME:EDT
TZOFFSETFROM:-0500
TZOFFSETTO:-0400
END:DAYLIGHT
BEGIN:STANDARD
DTSTART:20001026T020000
RRULE:FREQ=YEARLY;BYDAY=-1SU;BYMONTH=10
TZNAME:EST
TZOFFSETFROM:-0400
TZOFFSETTO:-0500
END:STANDARD
END:VTIMEZONE
BEGIN:VEVENT
DTSTAMP:20060206T001121Z
DTSTART;TZID=US/Eastern:20060102T120000
DURATION:PT1H
RRULE:FREQ=DAILY;COUNT=5
SUMMARY:Event #2
UID:00959BC664CA650E933C892C@example.com
END:VEVENT
BEGIN:VEVENT
DTSTAMP:20060206T001121Z
DTSTART;TZID=US/Eastern:20060104T140000
DURATION:PT1H
RECURRENCE-ID;TZID=US/Eastern:20060104T120000
SUMMARY:Event #2 bis
UID:00959BC664CA650E933C892C@example.com
END:VEVENT
BEGIN:VEVENT
DTSTAMP:20060206T001121Z
DTSTART;TZID=US/Eastern:20060106T140000
DURATION:PT1H
RECURRENCE-ID;TZID=US/Eastern:20060106T120000
SUMMARY:Event #2 bis bis
UID:00959BC664CA650E933C892C@example.com
END:VEVENT
END:VCALENDAR`)

	event3 := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VEVENT
ATTENDEE;PARTSTAT=ACCEPTED;ROLE=CHAIR:mailto:cyrus@example.com
ATTENDEE;PARTSTAT=NEEDS-ACTION:mailto:lisa@example.com
DTSTAMP:20060206T001220Z
DTSTART:20060104T150000Z
DURATION:PT1H
LAST-MODIFIED:20060206T001330Z
ORGANIZER:mailto:cyrus@example.com
SEQUENCE:1
STATUS:TENTATIVE
SUMMARY:Event #3
UID:DC6C50A017428C5216A2F1CD@example.com
END:VEVENT
END:VCALENDAR`)

	todo1 := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VTODO
DTSTAMP:20060205T235335Z
DUE;VALUE=DATE:20060104
STATUS:NEEDS-ACTION
SUMMARY:Task #1
UID:DDDEEB7915FA61233B861457@example.com
END:VTODO
END:VCALENDAR`)

	journal1 := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VJOURNAL
DTSTAMP:20060206T000921Z
DTSTART;VALUE=DATE:20060102
SUMMARY:Journal #1
UID:0F94FE7B6CCE9F29A863107D@example.com
END:VJOURNAL
END:VCALENDAR`)

	for _, tc := range []struct {
		name  string
		query *CalendarQuery
		objs  []CalendarObject
		want  []CalendarObject
	}{
		{
			name:  "nil-query",
			query: nil,
			objs:  []CalendarObject{event1, event2, event3, todo1},
			want:  []CalendarObject{event1, event2, event3, todo1},
		},
		{
			// https://datatracker.ietf.org/doc/html/rfc4791#section-7.8.8
			name: "events only",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name: "VEVENT",
					}},
				},
			},
			objs: []CalendarObject{event1, event2, event3, todo1},
			want: []CalendarObject{event1, event2, event3},
		},
		{
			// https://datatracker.ietf.org/doc/html/rfc4791#section-7.8.1
			name: "events in time range",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name:  "VEVENT",
						Start: toDate(t, "20060104T000000Z"),
						End:   toDate(t, "20060105T000000Z"),
					}},
				},
			},
			objs: []CalendarObject{event1, event2, event3, todo1},
			want: []CalendarObject{event2, event3},
		},
		{
			// https://datatracker.ietf.org/doc/html/rfc4791#section-7.8.6
			name: "events by UID",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name: "VEVENT",
						Props: []PropFilter{{
							Name: "UID",
							TextMatch: &TextMatch{
								Text: "DC6C50A017428C5216A2F1CD@example.com",
							},
						}},
					}},
				},
			},
			objs: []CalendarObject{event1, event2, event3, todo1},
			want: []CalendarObject{event3},
		},
		{
			name: "events by description substring",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name: "VEVENT",
						Props: []PropFilter{{
							Name: "Description",
							TextMatch: &TextMatch{
								Text: "Steelers",
							},
						}},
					}},
				},
			},
			objs: []CalendarObject{event1, event2, event3, todo1},
			want: []CalendarObject{event1},
		},
		{
			name: "negated text match",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name: "VEVENT",
						Props: []PropFilter{{
							Name: "SUMMARY",
							TextMatch: &TextMatch{
								Text:            "Event #3",
								NegateCondition: true,
							},
						}},
					}},
				},
			},
			objs: []CalendarObject{event1, event2, event3},
			want: []CalendarObject{event1, event2},
		},
		{
			// The text match is evaluated case-insensitively under the
			// default i;ascii-casemap collation.
			name: "case-insensitive by default",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name: "VEVENT",
						Props: []PropFilter{{
							Name: "SUMMARY",
							TextMatch: &TextMatch{
								Text: "eVeNt #1",
							},
						}},
					}},
				},
			},
			objs: []CalendarObject{event1, event2, event3},
			want: []CalendarObject{event1},
		},
		{
			name: "octet collation is case-sensitive",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name: "VEVENT",
						Props: []PropFilter{{
							Name: "SUMMARY",
							TextMatch: &TextMatch{
								Text:      "eVeNt #1",
								Collation: collation.Octet,
							},
						}},
					}},
				},
			},
			objs: []CalendarObject{event1, event2, event3},
			want: nil,
		},
		{
			// https://datatracker.ietf.org/doc/html/rfc4791#section-7.8.7
			name: "param filter on attendee",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name: "VEVENT",
						Props: []PropFilter{{
							Name: "ATTENDEE",
							TextMatch: &TextMatch{
								Text: "lisa@example.com",
							},
							ParamFilter: []ParamFilter{{
								Name: "PARTSTAT",
								TextMatch: &TextMatch{
									Text: "NEEDS-ACTION",
								},
							}},
						}},
					}},
				},
			},
			objs: []CalendarObject{event1, event2, event3},
			want: []CalendarObject{event3},
		},
		{
			name: "param filter mismatch on matching instance",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name: "VEVENT",
						Props: []PropFilter{{
							Name: "ATTENDEE",
							TextMatch: &TextMatch{
								Text: "lisa@example.com",
							},
							ParamFilter: []ParamFilter{{
								Name: "PARTSTAT",
								TextMatch: &TextMatch{
									Text: "ACCEPTED",
								},
							}},
						}},
					}},
				},
			},
			objs: []CalendarObject{event3},
			want: nil,
		},
		{
			name: "prop is-not-defined",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name: "VEVENT",
						Props: []PropFilter{{
							Name:         "STATUS",
							IsNotDefined: true,
						}},
					}},
				},
			},
			objs: []CalendarObject{event1, event3},
			want: []CalendarObject{event1},
		},
		{
			name: "comp is-not-defined",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name:         "VTODO",
						IsNotDefined: true,
					}},
				},
			},
			objs: []CalendarObject{event3, todo1},
			want: []CalendarObject{event3},
		},
		{
			// Absence means absence: a VTIMEZONE (or any other sibling)
			// next to the VEVENT must not satisfy the filter.
			name: "comp is-not-defined ignores siblings",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name:         "VEVENT",
						IsNotDefined: true,
					}},
				},
			},
			objs: []CalendarObject{event1, event3, todo1},
			want: []CalendarObject{todo1},
		},
		{
			// Only returns a result if recurrence is properly evaluated.
			name: "recurring events in time range",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name:  "VEVENT",
						Start: toDate(t, "20060103T000000Z"),
						End:   toDate(t, "20060104T000000Z"),
					}},
				},
			},
			objs: []CalendarObject{event1, event2, event3, todo1},
			want: []CalendarObject{event2},
		},
		{
			// https://datatracker.ietf.org/doc/html/rfc4791#section-7.8.2
			name: "todos in time range (due only)",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name:  "VTODO",
						Start: toDate(t, "20060103T000000Z"),
						End:   toDate(t, "20060105T000000Z"),
					}},
				},
			},
			objs: []CalendarObject{event1, todo1},
			want: []CalendarObject{todo1},
		},
		{
			name: "todos outside time range",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name:  "VTODO",
						Start: toDate(t, "20060105T000000Z"),
						End:   toDate(t, "20060106T000000Z"),
					}},
				},
			},
			objs: []CalendarObject{todo1},
			want: nil,
		},
		{
			// A date-only journal entry covers the whole day.
			name: "journal on its day",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name:  "VJOURNAL",
						Start: toDate(t, "20060102T120000Z"),
						End:   toDate(t, "20060102T130000Z"),
					}},
				},
			},
			objs: []CalendarObject{journal1},
			want: []CalendarObject{journal1},
		},
		{
			name: "journal on the next day",
			query: &CalendarQuery{
				CompFilter: CompFilter{
					Name: "VCALENDAR",
					Comps: []CompFilter{{
						Name:  "VJOURNAL",
						Start: toDate(t, "20060103T000000Z"),
						End:   toDate(t, "20060104T000000Z"),
					}},
				},
			},
			objs: []CalendarObject{journal1},
			want: nil,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Filter(tc.query, tc.objs)
			if err != nil {
				t.Fatalf("unexpected error: %+v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("invalid filter values:\ngot= %+v\nwant=%+v", got, tc.want)
			}
		})
	}
}

// The query's start boundary is inclusive against the event's interior but
// exclusive against the event's end.
func TestMatchTimeRangeBoundary(t *testing.T) {
	event := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VEVENT
DTSTAMP:20060102T110000Z
DTSTART:20060102T120000Z
DTEND:20060102T130000Z
SUMMARY:Lunch
UID:boundary@example.com
END:VEVENT
END:VCALENDAR`)

	newFilter := func(start, end string) CompFilter {
		return CompFilter{
			Name: "VCALENDAR",
			Comps: []CompFilter{{
				Name:  "VEVENT",
				Start: toDate(t, start),
				End:   toDate(t, end),
			}},
		}
	}

	match, err := Match(newFilter("20060102T123000Z", "20060102T140000Z"), &event)
	if err != nil {
		t.Fatal(err)
	}
	if !match {
		t.Errorf("expected overlap with a range starting inside the event")
	}

	match, err = Match(newFilter("20060102T130000Z", "20060102T140000Z"), &event)
	if err != nil {
		t.Fatal(err)
	}
	if match {
		t.Errorf("expected no overlap with a range starting at the event's end")
	}
}

func TestMatchAlarmTimeRangeUnsupported(t *testing.T) {
	todo := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VTODO
DTSTAMP:20060205T235335Z
DUE;VALUE=DATE:20060104
SUMMARY:Task
UID:alarm@example.com
BEGIN:VALARM
ACTION:AUDIO
TRIGGER;RELATED=START:-PT10M
END:VALARM
END:VTODO
END:VCALENDAR`)

	filter := CompFilter{
		Name: "VCALENDAR",
		Comps: []CompFilter{{
			Name: "VTODO",
			Comps: []CompFilter{{
				Name:  "VALARM",
				Start: toDate(t, "20060103T000000Z"),
				End:   toDate(t, "20060104T000000Z"),
			}},
		}},
	}

	if _, err := Match(filter, &todo); err == nil {
		t.Fatalf("expected an error for a time-range filter on VALARM")
	}
}

func TestMatchFreeBusyTimeRange(t *testing.T) {
	fb := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VFREEBUSY
DTSTAMP:20060102T110000Z
FREEBUSY:20060102T090000Z/20060102T100000Z,20060102T140000Z/PT1H
UID:fb-range@example.com
END:VFREEBUSY
END:VCALENDAR`)

	newFilter := func(start, end string) CompFilter {
		return CompFilter{
			Name: "VCALENDAR",
			Comps: []CompFilter{{
				Name:  "VFREEBUSY",
				Start: toDate(t, start),
				End:   toDate(t, end),
			}},
		}
	}

	// Overlaps the duration-based second period.
	match, err := Match(newFilter("20060102T143000Z", "20060102T160000Z"), &fb)
	if err != nil {
		t.Fatal(err)
	}
	if !match {
		t.Errorf("expected overlap with a busy period")
	}

	// Falls in the gap between the two periods.
	match, err = Match(newFilter("20060102T110000Z", "20060102T120000Z"), &fb)
	if err != nil {
		t.Fatal(err)
	}
	if match {
		t.Errorf("expected no overlap between busy periods")
	}
}

func TestMatchPropTimeRange(t *testing.T) {
	event := newCO(t, `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//Example Corp.//CalDAV Client//EN
BEGIN:VEVENT
DTSTAMP:20060102T110000Z
DTSTART:20060102T120000Z
DTEND:20060102T130000Z
SUMMARY:Lunch
UID:prop-range@example.com
END:VEVENT
END:VCALENDAR`)

	filter := CompFilter{
		Name: "VCALENDAR",
		Comps: []CompFilter{{
			Name: "VEVENT",
			Props: []PropFilter{{
				Name:  "DTSTAMP",
				Start: toDate(t, "20060102T100000Z"),
				End:   toDate(t, "20060102T120000Z"),
			}},
		}},
	}
	match, err := Match(filter, &event)
	if err != nil {
		t.Fatal(err)
	}
	if !match {
		t.Errorf("expected DTSTAMP to fall within the range")
	}

	filter.Comps[0].Props[0].Start = toDate(t, "20060102T113000Z")
	filter.Comps[0].Props[0].End = toDate(t, "20060102T120000Z")
	match, err = Match(filter, &event)
	if err != nil {
		t.Fatal(err)
	}
	if match {
		t.Errorf("expected DTSTAMP to fall outside the range")
	}
}
