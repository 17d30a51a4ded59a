package caldav

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// BusyType classifies a free-busy period. Values other than the RFC 5545
// constants below (e.g. X- tokens) are carried through verbatim.
type BusyType string

const (
	BusyTypeBusy            BusyType = "BUSY"
	BusyTypeBusyTentative   BusyType = "BUSY-TENTATIVE"
	BusyTypeBusyUnavailable BusyType = "BUSY-UNAVAILABLE"
	BusyTypeFree            BusyType = "FREE"
)

// Period is a half-open busy interval [Start, End).
type Period struct {
	Start    time.Time
	End      time.Time
	BusyType BusyType
}

// AvailabilityComposer merges VAVAILABILITY components into a busy
// timeline. The zero value logs through slog.Default and interprets
// floating date-times in UTC.
type AvailabilityComposer struct {
	Logger   *slog.Logger
	Location *time.Location
}

func (c *AvailabilityComposer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *AvailabilityComposer) location() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	return time.UTC
}

// ComposeAvailability merges the given VAVAILABILITY components over
// [start, end) using the default composer.
func ComposeAvailability(avails []*ical.Component, start, end time.Time, loc *time.Location) ([]Period, error) {
	c := AvailabilityComposer{Location: loc}
	return c.Compose(avails, start, end)
}

// availBlock is one VAVAILABILITY clamped to the query range, with its
// AVAILABLE carve-outs clipped to the block.
type availBlock struct {
	start, end time.Time
	busyType   BusyType
	priority   int
	frees      []Period
}

// Compose merges overlapping VAVAILABILITY components by priority into a
// minimal ordered sequence of non-overlapping busy periods covering
// [start, end). Lower numeric priority wins on overlap; ties go to the
// more severe busy type (BUSY over BUSY-UNAVAILABLE over BUSY-TENTATIVE).
// Sub-ranges covered by the winner's AVAILABLE carve-outs, or by nothing
// at all, produce no period.
func (c *AvailabilityComposer) Compose(avails []*ical.Component, start, end time.Time) ([]Period, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("caldav: availability range %v..%v is empty", start, end)
	}

	var blocks []availBlock
	for _, comp := range avails {
		block, ok, err := c.parseBlock(comp, start, end)
		if err != nil {
			return nil, err
		}
		if ok {
			blocks = append(blocks, block)
		}
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	// Sweep over every instant where coverage can change.
	points := make([]time.Time, 0, 2*len(blocks))
	for _, b := range blocks {
		points = append(points, b.start, b.end)
		for _, f := range b.frees {
			points = append(points, f.Start, f.End)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })

	var periods []Period
	for i := 0; i+1 < len(points); i++ {
		p0, p1 := points[i], points[i+1]
		if !p1.After(p0) {
			continue
		}

		winner := -1
		for j, b := range blocks {
			if b.start.After(p0) || b.end.Before(p1) {
				continue
			}
			if winner < 0 || blockWins(&blocks[j], &blocks[winner]) {
				winner = j
			}
		}
		if winner < 0 {
			continue
		}

		b := &blocks[winner]
		free := false
		for _, f := range b.frees {
			if !f.Start.After(p0) && !f.End.Before(p1) {
				free = true
				break
			}
		}
		if free {
			continue
		}

		if n := len(periods); n > 0 && periods[n-1].End.Equal(p0) && periods[n-1].BusyType == b.busyType {
			periods[n-1].End = p1
		} else {
			periods = append(periods, Period{Start: p0, End: p1, BusyType: b.busyType})
		}
	}
	return periods, nil
}

func blockWins(a, b *availBlock) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return busyTypeSeverity(a.busyType) > busyTypeSeverity(b.busyType)
}

func busyTypeSeverity(bt BusyType) int {
	switch bt {
	case BusyTypeBusy:
		return 3
	case BusyTypeBusyUnavailable:
		return 2
	case BusyTypeBusyTentative:
		return 1
	}
	return 0
}

// parseBlock clamps one VAVAILABILITY to [start, end). The second return
// value is false when the component doesn't intersect the range at all.
func (c *AvailabilityComposer) parseBlock(comp *ical.Component, start, end time.Time) (availBlock, bool, error) {
	if comp.Name != CompAvailability {
		return availBlock{}, false, fmt.Errorf("caldav: expected %v component, got %v", CompAvailability, comp.Name)
	}

	m := Matcher{Location: c.Location}
	bStart, hasStart, err := m.propDateTime(comp, ical.PropDateTimeStart)
	if err != nil {
		return availBlock{}, false, err
	}
	bEnd, hasEnd, err := m.propDateTime(comp, ical.PropDateTimeEnd)
	if err != nil {
		return availBlock{}, false, err
	}
	if !hasStart || bStart.Before(start) {
		bStart = start
	}
	if !hasEnd || bEnd.After(end) {
		bEnd = end
	}
	if !bEnd.After(bStart) {
		return availBlock{}, false, nil
	}

	block := availBlock{
		start:    bStart,
		end:      bEnd,
		busyType: BusyTypeBusyUnavailable,
		priority: c.parsePriority(comp),
	}
	if prop := comp.Props.Get(propBusyType); prop != nil && prop.Value != "" {
		block.busyType = BusyType(strings.ToUpper(prop.Value))
	}

	for _, child := range comp.Children {
		if child.Name != CompAvailable {
			continue
		}
		f, ok, err := c.parseAvailable(child)
		if err != nil {
			return availBlock{}, false, err
		}
		if !ok {
			continue
		}
		// Portions outside the parent block don't carve anything out.
		if f.Start.Before(block.start) {
			f.Start = block.start
		}
		if f.End.After(block.end) {
			f.End = block.end
		}
		if f.End.After(f.Start) {
			block.frees = append(block.frees, f)
		}
	}
	return block, true, nil
}

func (c *AvailabilityComposer) parseAvailable(comp *ical.Component) (Period, bool, error) {
	m := Matcher{Location: c.Location}
	start, hasStart, err := m.propDateTime(comp, ical.PropDateTimeStart)
	if err != nil {
		return Period{}, false, err
	}
	if !hasStart {
		return Period{}, false, nil
	}

	end, hasEnd, err := m.propDateTime(comp, ical.PropDateTimeEnd)
	if err != nil {
		return Period{}, false, err
	}
	if !hasEnd {
		prop := comp.Props.Get(ical.PropDuration)
		if prop == nil {
			return Period{}, false, nil
		}
		dur, err := prop.Duration()
		if err != nil {
			return Period{}, false, err
		}
		end = start.Add(dur)
	}
	return Period{Start: start, End: end}, true, nil
}

// parsePriority reads the PRIORITY property of a VAVAILABILITY. A missing
// property defaults to 0; a present but non-numeric or out-of-range value
// is logged once and treated as 0.
func (c *AvailabilityComposer) parsePriority(comp *ical.Component) int {
	prop := comp.Props.Get(ical.PropPriority)
	if prop == nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(prop.Value))
	if err != nil || n < 0 || n > 9 {
		c.logger().Warn("invalid availability priority, treating as 0",
			slog.String("priority", prop.Value))
		return 0
	}
	return n
}
