package caldav

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// RFC 5545 deprecated EXRULE; go-ical doesn't name it but objects in the
// wild still carry it, so expansion strips it along with the other
// recurrence properties.
const propExceptionRule = "EXRULE"

// ProjectCalendarData applies the comp, expand, limit-recurrence-set and
// limit-freebusy-set directives of a calendar-data request to a parsed
// calendar object. The input calendar is never modified; when the request
// carries no directives the input is returned as is.
func ProjectCalendarData(req *CalendarDataRequest, cal *ical.Calendar, loc *time.Location) (*ical.Calendar, error) {
	if req == nil || (req.Comp == nil && req.Expand == nil && req.LimitRecurrenceSet == nil && req.LimitFreeBusySet == nil) {
		return cal, nil
	}
	if loc == nil {
		loc = time.UTC
	}

	out := cal
	if req.Comp != nil {
		comp := projectComponent(req.Comp, cal.Component)
		if comp == nil {
			return nil, fmt.Errorf("caldav: calendar-data comp %q doesn't match the object's root component", req.Comp.Name)
		}
		// The projection must stay a well-formed iCalendar stream even
		// when the request omitted VERSION and PRODID.
		for _, name := range []string{ical.PropVersion, ical.PropProductID} {
			if comp.Props.Get(name) == nil {
				if prop := cal.Props.Get(name); prop != nil {
					p := *prop
					comp.Props.Set(&p)
				}
			}
		}
		out = &ical.Calendar{Component: comp}
	} else if req.Expand != nil || req.LimitRecurrenceSet != nil || req.LimitFreeBusySet != nil {
		out = &ical.Calendar{Component: cloneComponent(cal.Component)}
	}

	if req.Expand != nil {
		if !req.Expand.End.After(req.Expand.Start) {
			return nil, fmt.Errorf("caldav: expand range %v..%v is empty", req.Expand.Start, req.Expand.End)
		}
		if err := expandRecurrences(out.Component, req.Expand.Start, req.Expand.End, loc); err != nil {
			return nil, err
		}
	}
	if req.LimitRecurrenceSet != nil {
		if !req.LimitRecurrenceSet.End.After(req.LimitRecurrenceSet.Start) {
			return nil, fmt.Errorf("caldav: limit-recurrence-set range %v..%v is empty", req.LimitRecurrenceSet.Start, req.LimitRecurrenceSet.End)
		}
		if err := applyLimitRecurrenceSet(out.Component, req.LimitRecurrenceSet.Start, req.LimitRecurrenceSet.End, loc); err != nil {
			return nil, err
		}
	}
	if req.LimitFreeBusySet != nil {
		if !req.LimitFreeBusySet.End.After(req.LimitFreeBusySet.Start) {
			return nil, fmt.Errorf("caldav: limit-freebusy-set range %v..%v is empty", req.LimitFreeBusySet.Start, req.LimitFreeBusySet.End)
		}
		if err := applyLimitFreeBusySet(out.Component, req.LimitFreeBusySet.Start, req.LimitFreeBusySet.End, loc); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// projectComponent copies the parts of comp selected by the request. A nil
// return means the request names a different component.
func projectComponent(req *CalendarCompRequest, comp *ical.Component) *ical.Component {
	if req.Name != "" && !strings.EqualFold(req.Name, comp.Name) {
		return nil
	}

	out := &ical.Component{
		Name:  comp.Name,
		Props: make(ical.Props),
	}

	if req.AllProps {
		for _, props := range comp.Props {
			for i := range props {
				p := props[i]
				out.Props.Add(&p)
			}
		}
	} else {
		for _, name := range req.Props {
			for _, p := range comp.Props.Values(name) {
				p := p
				out.Props.Add(&p)
			}
		}
	}

	if req.AllComps {
		for _, child := range comp.Children {
			out.Children = append(out.Children, cloneComponent(child))
		}
	} else {
		for _, childReq := range req.Comps {
			childReq := childReq
			for _, child := range comp.Children {
				if projected := projectComponent(&childReq, child); projected != nil {
					out.Children = append(out.Children, projected)
				}
			}
		}
	}
	return out
}

func cloneComponent(comp *ical.Component) *ical.Component {
	out := &ical.Component{
		Name:  comp.Name,
		Props: make(ical.Props, len(comp.Props)),
	}
	for name, props := range comp.Props {
		out.Props[name] = append([]ical.Prop(nil), props...)
	}
	for _, child := range comp.Children {
		out.Children = append(out.Children, cloneComponent(child))
	}
	return out
}

// expandRecurrences replaces recurring VEVENT and VTODO components with
// the concrete instances falling in [start, end). Overriding components
// take the place of the generated instance with the same RECURRENCE-ID.
// The original value representation is preserved: floating values stay
// floating, dates stay dates, and any VTIMEZONE definitions pass through
// untouched.
func expandRecurrences(root *ical.Component, start, end time.Time, loc *time.Location) error {
	type group struct {
		master    *ical.Component
		overrides map[int64]*ical.Component
	}
	groups := make(map[string]*group)
	var order []string

	var rest []*ical.Component
	for _, child := range root.Children {
		if child.Name != ical.CompEvent && child.Name != ical.CompToDo {
			rest = append(rest, child)
			continue
		}
		uid := ""
		if prop := child.Props.Get(ical.PropUID); prop != nil {
			uid = prop.Value
		}
		g, ok := groups[uid]
		if !ok {
			g = &group{overrides: make(map[int64]*ical.Component)}
			groups[uid] = g
			order = append(order, uid)
		}
		if rid := child.Props.Get(ical.PropRecurrenceID); rid != nil {
			t, err := rid.DateTime(loc)
			if err != nil {
				return err
			}
			g.overrides[t.Unix()] = child
		} else {
			g.master = child
		}
	}

	var expanded []*ical.Component
	for _, uid := range order {
		g := groups[uid]
		if g.master == nil {
			// Detached overrides without a master pass through when in
			// range.
			for _, o := range g.overrides {
				expanded = append(expanded, o)
			}
			continue
		}

		set, err := g.master.RecurrenceSet(loc)
		if err != nil {
			return err
		}
		if set == nil {
			expanded = append(expanded, g.master)
			continue
		}

		masterStart, err := g.master.Props.Get(ical.PropDateTimeStart).DateTime(loc)
		if err != nil {
			return err
		}

		next := set.Iterator()
		for {
			occ, ok := next()
			if !ok || !occ.Before(end) {
				break
			}
			if occ.Before(start) {
				// An override may still move the instance into range;
				// keep it, drop the unmoved occurrence.
				if o, ok := g.overrides[occ.Unix()]; ok {
					delete(g.overrides, occ.Unix())
					if inst, err := overrideInRange(o, start, end, loc); err != nil {
						return err
					} else if inst {
						expanded = append(expanded, o)
					}
				}
				continue
			}

			if o, ok := g.overrides[occ.Unix()]; ok {
				delete(g.overrides, occ.Unix())
				expanded = append(expanded, o)
				continue
			}
			inst, err := expandInstance(g.master, masterStart, occ)
			if err != nil {
				return err
			}
			expanded = append(expanded, inst)
		}

		// Overrides detached from the generated set (their occurrence was
		// excluded) still count when they moved into range.
		for _, o := range g.overrides {
			ok, err := overrideInRange(o, start, end, loc)
			if err != nil {
				return err
			}
			if ok {
				expanded = append(expanded, o)
			}
		}
	}

	root.Children = append(rest, expanded...)
	return nil
}

func overrideInRange(o *ical.Component, start, end time.Time, loc *time.Location) (bool, error) {
	t, err := o.Props.Get(ical.PropDateTimeStart).DateTime(loc)
	if err != nil {
		return false, err
	}
	return !t.Before(start) && t.Before(end), nil
}

// expandInstance clones the master component into a single concrete
// instance at occ: the recurrence properties are stripped, RECURRENCE-ID
// records the occurrence, and the date properties shift by the occurrence
// delta while keeping their original representation.
func expandInstance(master *ical.Component, masterStart, occ time.Time) (*ical.Component, error) {
	inst := cloneComponent(master)
	inst.Props.Del(ical.PropRecurrenceRule)
	inst.Props.Del(ical.PropRecurrenceDates)
	inst.Props.Del(ical.PropExceptionDates)
	inst.Props.Del(propExceptionRule)

	dtstart := master.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return nil, fmt.Errorf("caldav: recurring %v without DTSTART", master.Name)
	}
	delta := occ.Sub(masterStart)

	rid := datePropLike(dtstart, ical.PropRecurrenceID, occ)
	inst.Props.Set(&rid)
	shifted := datePropLike(dtstart, ical.PropDateTimeStart, occ)
	inst.Props.Set(&shifted)

	for _, name := range []string{ical.PropDateTimeEnd, ical.PropDue} {
		prop := master.Props.Get(name)
		if prop == nil {
			continue
		}
		t, err := prop.DateTime(occ.Location())
		if err != nil {
			return nil, err
		}
		moved := datePropLike(prop, name, t.Add(delta))
		inst.Props.Set(&moved)
	}
	return inst, nil
}

// datePropLike builds a property named name holding t, formatted the way
// the original property formats its value: DATE stays DATE, UTC stays
// UTC-suffixed, floating and TZID-qualified values keep their local
// representation and parameters.
func datePropLike(orig *ical.Prop, name string, t time.Time) ical.Prop {
	params := make(ical.Params, len(orig.Params))
	for k, vs := range orig.Params {
		params[k] = append([]string(nil), vs...)
	}

	var value string
	switch {
	case orig.ValueType() == ical.ValueDate:
		value = t.Format("20060102")
	case strings.HasSuffix(orig.Value, "Z"):
		value = t.UTC().Format("20060102T150405Z")
	default:
		value = t.Format("20060102T150405")
	}
	return ical.Prop{Name: name, Params: params, Value: value}
}

// applyLimitRecurrenceSet drops overriding instances whose RECURRENCE-ID
// falls outside [start, end). Master components and non-recurring
// components are kept regardless.
func applyLimitRecurrenceSet(root *ical.Component, start, end time.Time, loc *time.Location) error {
	kept := root.Children[:0]
	for _, child := range root.Children {
		rid := child.Props.Get(ical.PropRecurrenceID)
		if rid == nil {
			kept = append(kept, child)
			continue
		}
		t, err := rid.DateTime(loc)
		if err != nil {
			return err
		}
		if !t.Before(start) && t.Before(end) {
			kept = append(kept, child)
		}
	}
	root.Children = kept
	return nil
}

// applyLimitFreeBusySet filters the individual periods of FREEBUSY
// property values in VFREEBUSY components down to those overlapping
// [start, end), preserving the original period text. DTSTART and DTEND of
// the component itself are left untouched.
func applyLimitFreeBusySet(root *ical.Component, start, end time.Time, loc *time.Location) error {
	for _, child := range root.Children {
		if child.Name != ical.CompFreeBusy {
			continue
		}
		props := child.Props.Values(ical.PropFreeBusy)
		var kept []ical.Prop
		for i := range props {
			prop := props[i]
			var values []string
			for _, raw := range strings.Split(prop.Value, ",") {
				raw = strings.TrimSpace(raw)
				if raw == "" {
					continue
				}
				p, err := parsePeriod(raw, loc)
				if err != nil {
					return err
				}
				if rangeOverlaps(start, end, p.Start, p.End) {
					values = append(values, raw)
				}
			}
			if len(values) > 0 {
				prop.Value = strings.Join(values, ",")
				kept = append(kept, prop)
			}
		}
		if len(kept) > 0 {
			child.Props[ical.PropFreeBusy] = kept
		} else {
			child.Props.Del(ical.PropFreeBusy)
		}
	}
	return nil
}
