package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"sort"
	"time"

	"github.com/emersion/go-ical"

	"github.com/davkit/davkit"
	"github.com/davkit/davkit/internal"
)

// Backend is a CalDAV server backend.
type Backend interface {
	CalendarHomeSetPath(ctx context.Context) (string, error)
	Calendar(ctx context.Context) (*Calendar, error)
	GetCalendarObject(ctx context.Context, path string, req *CalendarCompRequest) (*CalendarObject, error)
	ListCalendarObjects(ctx context.Context, req *CalendarCompRequest) ([]CalendarObject, error)
	QueryCalendarObjects(ctx context.Context, query *CalendarQuery) ([]CalendarObject, error)
	PutCalendarObject(ctx context.Context, path string, calendar *ical.Calendar) (*CalendarObject, error)
	DeleteCalendarObject(ctx context.Context, path string) error

	// SyncCollection returns the change-tracking view of the calendar, or
	// davkit.ErrSyncNotSupported when the backend cannot enumerate changes.
	SyncCollection(ctx context.Context) (davkit.SyncCollection, error)

	davkit.UserPrincipalBackend
}

// Handler handles CalDAV HTTP requests. It can be used to create a CalDAV
// server.
type Handler struct {
	Backend Backend

	// Location is the default timezone for floating date-time values.
	// Defaults to UTC.
	Location *time.Location

	// Logger receives warnings from availability composition. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

func (h *Handler) location() *time.Location {
	if h.Location != nil {
		return h.Location
	}
	return time.UTC
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Backend == nil {
		http.Error(w, "caldav: no backend available", http.StatusInternalServerError)
		return
	}

	principalPath, err := h.Backend.CurrentUserPrincipal(r.Context())
	if err != nil {
		http.Error(w, "caldav: failed to determine current user principal", http.StatusInternalServerError)
		return
	}

	if r.URL.Path == "/.well-known/caldav" {
		http.Redirect(w, r, principalPath, http.StatusMovedPermanently)
		return
	}

	switch r.Method {
	case "REPORT":
		err = h.handleReport(w, r)
	default:
		b := backend{h.Backend, h}
		hh := internal.Handler{Backend: &b}
		hh.ServeHTTP(w, r)
	}

	if err != nil {
		internal.ServeError(w, err)
	}
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) error {
	var report reportReq
	if err := internal.DecodeXMLRequest(r, &report); err != nil {
		return err
	}

	switch {
	case report.Query != nil:
		return h.handleQuery(r, w, report.Query)
	case report.Multiget != nil:
		return h.handleMultiget(r, w, report.Multiget)
	case report.FreeBusy != nil:
		return h.handleFreeBusy(r, w, report.FreeBusy)
	case report.SyncCol != nil:
		return h.handleSyncCollection(r, w, report.SyncCol)
	}
	return internal.HTTPErrorf(http.StatusBadRequest, "caldav: expected calendar-query, calendar-multiget, free-busy-query or sync-collection element in REPORT request")
}

func decodeTimeRange(el *timeRange) (start, end time.Time, err error) {
	start, end = time.Time(el.Start), time.Time(el.End)
	if start.IsZero() && end.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("caldav: failed to parse time-range: at least one of start and end must be specified")
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("caldav: failed to parse time-range: end must be after start")
	}
	return start, end, nil
}

func decodeParamFilter(el *paramFilter) (*ParamFilter, error) {
	pf := &ParamFilter{Name: el.Name}
	if el.IsNotDefined != nil {
		if el.TextMatch != nil {
			return nil, fmt.Errorf("caldav: failed to parse param-filter: if is-not-defined is provided, text-match can't be provided")
		}
		pf.IsNotDefined = true
	}
	if el.TextMatch != nil {
		pf.TextMatch = &TextMatch{
			Text:            el.TextMatch.Text,
			NegateCondition: bool(el.TextMatch.NegateCondition),
			Collation:       el.TextMatch.Collation,
		}
	}
	return pf, nil
}

func decodePropFilter(el *propFilter) (*PropFilter, error) {
	pf := &PropFilter{Name: el.Name}
	if el.IsNotDefined != nil {
		if el.TextMatch != nil || el.TimeRange != nil || len(el.ParamFilter) > 0 {
			return nil, fmt.Errorf("caldav: failed to parse prop-filter: if is-not-defined is provided, text-match, time-range, or param-filter can't be provided")
		}
		pf.IsNotDefined = true
	}
	if el.TextMatch != nil {
		pf.TextMatch = &TextMatch{
			Text:            el.TextMatch.Text,
			NegateCondition: bool(el.TextMatch.NegateCondition),
			Collation:       el.TextMatch.Collation,
		}
	}
	if el.TimeRange != nil {
		var err error
		pf.Start, pf.End, err = decodeTimeRange(el.TimeRange)
		if err != nil {
			return nil, err
		}
	}
	for _, paramEl := range el.ParamFilter {
		paramFi, err := decodeParamFilter(&paramEl)
		if err != nil {
			return nil, err
		}
		pf.ParamFilter = append(pf.ParamFilter, *paramFi)
	}
	return pf, nil
}

func decodeCompFilter(el *compFilter) (*CompFilter, error) {
	cf := &CompFilter{Name: el.Name}
	if el.IsNotDefined != nil {
		if el.TimeRange != nil || len(el.PropFilters) > 0 || len(el.CompFilters) > 0 {
			return nil, fmt.Errorf("caldav: failed to parse comp-filter: if is-not-defined is provided, time-range, prop-filter, or comp-filter can't be provided")
		}
		cf.IsNotDefined = true
	}
	if el.TimeRange != nil {
		var err error
		cf.Start, cf.End, err = decodeTimeRange(el.TimeRange)
		if err != nil {
			return nil, err
		}
	}
	for _, pfEl := range el.PropFilters {
		pf, err := decodePropFilter(&pfEl)
		if err != nil {
			return nil, err
		}
		cf.Props = append(cf.Props, *pf)
	}
	for _, childEl := range el.CompFilters {
		child, err := decodeCompFilter(&childEl)
		if err != nil {
			return nil, err
		}
		cf.Comps = append(cf.Comps, *child)
	}
	return cf, nil
}

func decodeComp(el *comp) *CalendarCompRequest {
	req := &CalendarCompRequest{
		Name:     el.Name,
		AllProps: el.Allprop != nil,
		AllComps: el.Allcomp != nil,
	}
	for _, p := range el.Prop {
		req.Props = append(req.Props, p.Name)
	}
	for _, childEl := range el.Comp {
		childEl := childEl
		req.Comps = append(req.Comps, *decodeComp(&childEl))
	}
	return req
}

// decodeCalendarDataRequest extracts the calendar-data element, if any,
// from a REPORT's prop element.
func decodeCalendarDataRequest(prop *internal.Prop) (*CalendarDataRequest, error) {
	if prop == nil {
		return nil, nil
	}
	raw := prop.Get(calendarDataName)
	if raw == nil {
		return nil, nil
	}

	var el calendarDataReq
	if err := raw.Decode(&el); err != nil {
		return nil, err
	}

	req := &CalendarDataRequest{}
	if el.Comp != nil {
		req.Comp = decodeComp(el.Comp)
	}
	if el.Expand != nil {
		req.Expand = &ExpandRequest{Start: time.Time(el.Expand.Start), End: time.Time(el.Expand.End)}
	}
	if el.LimitRecurrenceSet != nil {
		req.LimitRecurrenceSet = &LimitRecurrenceSet{Start: time.Time(el.LimitRecurrenceSet.Start), End: time.Time(el.LimitRecurrenceSet.End)}
	}
	if el.LimitFreeBusySet != nil {
		req.LimitFreeBusySet = &LimitFreeBusySet{Start: time.Time(el.LimitFreeBusySet.Start), End: time.Time(el.LimitFreeBusySet.End)}
	}
	return req, nil
}

func (h *Handler) handleQuery(r *http.Request, w http.ResponseWriter, query *calendarQuery) error {
	var q CalendarQuery
	cf, err := decodeCompFilter(&query.Filter.CompFilter)
	if err != nil {
		return &internal.HTTPError{Code: http.StatusBadRequest, Err: err}
	}
	q.CompFilter = *cf

	dataReq, err := decodeCalendarDataRequest(query.Prop)
	if err != nil {
		return &internal.HTTPError{Code: http.StatusBadRequest, Err: err}
	}
	if dataReq != nil {
		q.DataRequest = *dataReq
	}

	cos, err := h.Backend.QueryCalendarObjects(r.Context(), &q)
	if err != nil {
		return err
	}

	b := backend{h.Backend, h}
	var resps []internal.Response
	for _, co := range cos {
		co := co
		propfind := internal.Propfind{
			Prop:     query.Prop,
			AllProp:  query.AllProp,
			PropName: query.PropName,
		}
		resp, err := b.propfindCalendarObject(&propfind, &co, &q.DataRequest)
		if err != nil {
			return err
		}
		resps = append(resps, *resp)
	}

	return internal.ServeMultistatus(w, internal.NewMultistatus(resps...))
}

func (h *Handler) handleMultiget(r *http.Request, w http.ResponseWriter, multiget *calendarMultiget) error {
	dataReq, err := decodeCalendarDataRequest(multiget.Prop)
	if err != nil {
		return &internal.HTTPError{Code: http.StatusBadRequest, Err: err}
	}
	if dataReq == nil {
		dataReq = &CalendarDataRequest{}
	}

	b := backend{h.Backend, h}
	var resps []internal.Response
	for _, href := range multiget.Hrefs {
		var compReq CalendarCompRequest
		if dataReq.Comp != nil {
			compReq = *dataReq.Comp
		}
		co, err := h.Backend.GetCalendarObject(r.Context(), href.Path, &compReq)
		if err != nil {
			resps = append(resps, *internal.NewErrorResponse(href.Path, err))
			continue
		}

		propfind := internal.Propfind{
			Prop:     multiget.Prop,
			AllProp:  multiget.AllProp,
			PropName: multiget.PropName,
		}
		resp, err := b.propfindCalendarObject(&propfind, co, dataReq)
		if err != nil {
			return err
		}
		resps = append(resps, *resp)
	}

	return internal.ServeMultistatus(w, internal.NewMultistatus(resps...))
}

func (h *Handler) handleFreeBusy(r *http.Request, w http.ResponseWriter, query *freeBusyQuery) error {
	start, end, err := decodeTimeRange(&query.TimeRange)
	if err != nil {
		return &internal.HTTPError{Code: http.StatusBadRequest, Err: err}
	}
	start, end = resolveTimeRange(start, end)

	cos, err := h.Backend.ListCalendarObjects(r.Context(), &CalendarCompRequest{})
	if err != nil {
		return err
	}

	var busy []Period
	var avails []*ical.Component
	for _, co := range cos {
		if co.Data == nil {
			continue
		}
		for _, child := range co.Data.Children {
			switch child.Name {
			case ical.CompEvent:
				periods, err := h.eventBusyPeriods(child, start, end)
				if err != nil {
					return err
				}
				busy = append(busy, periods...)
			case ical.CompFreeBusy:
				for _, prop := range child.Props.Values(ical.PropFreeBusy) {
					prop := prop
					periods, err := parsePeriods(&prop, h.location())
					if err != nil {
						return err
					}
					for _, p := range periods {
						if p.BusyType != BusyTypeFree && rangeOverlaps(start, end, p.Start, p.End) {
							busy = append(busy, clampPeriod(p, start, end))
						}
					}
				}
			case CompAvailability:
				avails = append(avails, child)
			}
		}
	}

	if len(avails) > 0 {
		c := AvailabilityComposer{Logger: h.Logger, Location: h.Location}
		periods, err := c.Compose(avails, start, end)
		if err != nil {
			return err
		}
		busy = append(busy, periods...)
	}

	cal := freeBusyCalendar(busy, start, end)
	w.Header().Set("Content-Type", ical.MIMEType)
	w.WriteHeader(http.StatusOK)
	return ical.NewEncoder(w).Encode(cal)
}

// eventBusyPeriods returns the busy periods an event contributes to
// [start, end), expanding recurrences. Transparent and cancelled events
// don't block time.
func (h *Handler) eventBusyPeriods(comp *ical.Component, start, end time.Time) ([]Period, error) {
	if prop := comp.Props.Get(ical.PropTransparency); prop != nil && prop.Value == "TRANSPARENT" {
		return nil, nil
	}
	if prop := comp.Props.Get(ical.PropStatus); prop != nil && prop.Value == "CANCELLED" {
		return nil, nil
	}

	event := ical.Event{Component: comp}
	eventStart, err := event.DateTimeStart(h.location())
	if err != nil {
		return nil, err
	}
	eventEnd, err := event.DateTimeEnd(h.location())
	if err != nil {
		return nil, err
	}
	duration := eventEnd.Sub(eventStart)

	set, err := comp.RecurrenceSet(h.location())
	if err != nil {
		return nil, err
	}

	var periods []Period
	add := func(s time.Time) {
		p := Period{Start: s, End: s.Add(duration), BusyType: BusyTypeBusy}
		if rangeOverlaps(start, end, p.Start, p.End) && p.End.After(p.Start) {
			periods = append(periods, clampPeriod(p, start, end))
		}
	}

	if set == nil {
		add(eventStart)
		return periods, nil
	}
	next := set.Iterator()
	for {
		occ, ok := next()
		if !ok || !occ.Before(end) {
			return periods, nil
		}
		add(occ)
	}
}

func clampPeriod(p Period, start, end time.Time) Period {
	if p.Start.Before(start) {
		p.Start = start
	}
	if p.End.After(end) {
		p.End = end
	}
	return p
}

// freeBusyCalendar renders the aggregated busy periods as a VFREEBUSY
// response object, merging overlapping periods of the same busy type.
func freeBusyCalendar(busy []Period, start, end time.Time) *ical.Calendar {
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })

	var merged []Period
	for _, p := range busy {
		if n := len(merged); n > 0 && merged[n-1].BusyType == p.BusyType && !p.Start.After(merged[n-1].End) {
			if p.End.After(merged[n-1].End) {
				merged[n-1].End = p.End
			}
			continue
		}
		merged = append(merged, p)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//davkit//NONSGML davkit//EN")

	fb := ical.NewComponent(ical.CompFreeBusy)
	fb.Props.SetText(ical.PropUID, fmt.Sprintf("freebusy-%v", start.UTC().Format(dateWithUTCTimeLayout)))
	fb.Props.SetText(ical.PropDateTimeStamp, time.Now().UTC().Format(dateWithUTCTimeLayout))
	fb.Props.SetText(ical.PropDateTimeStart, start.UTC().Format(dateWithUTCTimeLayout))
	fb.Props.SetText(ical.PropDateTimeEnd, end.UTC().Format(dateWithUTCTimeLayout))
	for _, p := range merged {
		prop := ical.NewProp(ical.PropFreeBusy)
		if p.BusyType != "" && p.BusyType != BusyTypeBusy {
			prop.Params.Set("FBTYPE", string(p.BusyType))
		}
		prop.Value = fmt.Sprintf("%v/%v", p.Start.UTC().Format(dateWithUTCTimeLayout), p.End.UTC().Format(dateWithUTCTimeLayout))
		fb.Props.Add(prop)
	}
	cal.Children = append(cal.Children, fb)
	return cal
}

func (h *Handler) handleSyncCollection(r *http.Request, w http.ResponseWriter, query *internal.SyncCollectionQuery) error {
	col, err := h.Backend.SyncCollection(r.Context())
	if errors.Is(err, davkit.ErrSyncNotSupported) {
		resp := internal.NewErrorResponse(r.URL.Path, &internal.HTTPError{
			Code: http.StatusForbidden,
			Err:  err,
		})
		resp.Error = &internal.Error{Raw: []internal.RawXMLValue{
			*internal.NewRawXMLElement(xml.Name{Space: internal.Namespace, Local: "sync-traversal-supported"}, nil, nil),
		}}
		return internal.ServeMultistatus(w, internal.NewMultistatus(*resp))
	} else if err != nil {
		return err
	}

	limit := 0
	if query.Limit != nil {
		limit = int(query.Limit.NResults)
	}
	sq := davkit.SyncQuery{
		SyncToken: query.SyncToken,
		Level:     query.SyncLevel,
		Limit:     limit,
	}

	resp, err := davkit.DiffSync(r.Context(), col, &sq, h.resolveSyncProps(query.Prop))
	var tokenErr *davkit.SyncTokenError
	if errors.As(err, &tokenErr) {
		return &internal.HTTPError{
			Code: http.StatusPreconditionFailed,
			Err: &internal.Error{Raw: []internal.RawXMLValue{
				*internal.NewRawXMLText(xml.Name{Space: internal.Namespace, Local: "valid-sync-token"}, tokenErr.Token),
			}},
		}
	} else if err != nil {
		return err
	}

	ms := internal.NewMultistatus()
	for _, change := range resp.Changes {
		if change.Deleted {
			ms.Responses = append(ms.Responses, internal.Response{
				Hrefs:  []internal.Href{{Path: change.Path}},
				Status: &internal.Status{Code: http.StatusNotFound},
			})
			continue
		}

		entry := internal.NewOKResponse(change.Path)
		for name, value := range change.Props {
			raw := internal.NewRawXMLText(name, value)
			if err := entry.EncodeProp(http.StatusOK, raw); err != nil {
				return err
			}
		}
		ms.Responses = append(ms.Responses, *entry)
	}
	if resp.Truncated {
		ms.Responses = append(ms.Responses, internal.Response{
			Hrefs:  []internal.Href{{Path: r.URL.Path}},
			Status: &internal.Status{Code: http.StatusInsufficientStorage},
			Error: &internal.Error{Raw: []internal.RawXMLValue{
				*internal.NewRawXMLElement(xml.Name{Space: internal.Namespace, Local: "number-of-matches-within-limits"}, nil, nil),
			}},
		})
	}
	ms.SyncToken = resp.SyncToken

	return internal.ServeMultistatus(w, ms)
}

// resolveSyncProps renders the properties a sync-collection request asks
// for. Only the dead properties derivable from a Resource are supported;
// anything else is left out of the rendered set.
func (h *Handler) resolveSyncProps(prop *internal.Prop) davkit.ResolvePropsFunc {
	var names []xml.Name
	if prop != nil {
		names = prop.XMLNames()
	}
	return func(res davkit.Resource) (davkit.PropSet, error) {
		props := make(davkit.PropSet, len(names))
		for _, name := range names {
			switch name {
			case internal.GetETagName:
				props[name] = internal.ETag(res.ETag()).String()
			case internal.GetContentTypeName:
				props[name] = res.ContentType()
			case internal.GetLastModifiedName:
				props[name] = res.ModTime().UTC().Format(http.TimeFormat)
			}
		}
		return props, nil
	}
}

type backend struct {
	Backend Backend
	handler *Handler
}

func (b *backend) Options(r *http.Request) (caps []string, allow []string, err error) {
	caps = []string{"calendar-access"}

	homeSetPath, err := b.Backend.CalendarHomeSetPath(r.Context())
	if err != nil {
		return nil, nil, err
	}

	principalPath, err := b.Backend.CurrentUserPrincipal(r.Context())
	if err != nil {
		return nil, nil, err
	}

	if r.URL.Path == "/" || r.URL.Path == principalPath || r.URL.Path == homeSetPath {
		return caps, []string{http.MethodOptions, "PROPFIND", "REPORT"}, nil
	}

	var dataReq CalendarCompRequest
	_, err = b.Backend.GetCalendarObject(r.Context(), r.URL.Path, &dataReq)
	if internal.IsNotFound(err) {
		return caps, []string{http.MethodOptions, http.MethodPut}, nil
	} else if err != nil {
		return nil, nil, err
	}

	return caps, []string{
		http.MethodOptions,
		http.MethodHead,
		http.MethodGet,
		http.MethodPut,
		http.MethodDelete,
		"PROPFIND",
		"REPORT",
	}, nil
}

func (b *backend) HeadGet(w http.ResponseWriter, r *http.Request) error {
	var dataReq CalendarCompRequest
	if r.Method != http.MethodHead {
		dataReq.AllProps = true
		dataReq.AllComps = true
	}
	co, err := b.Backend.GetCalendarObject(r.Context(), r.URL.Path, &dataReq)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", ical.MIMEType)
	if co.ContentLength > 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%v", co.ContentLength))
	}
	if co.ETag != "" {
		w.Header().Set("ETag", internal.ETag(co.ETag).String())
	}
	if !co.ModTime.IsZero() {
		w.Header().Set("Last-Modified", co.ModTime.UTC().Format(http.TimeFormat))
	}

	if r.Method == http.MethodHead {
		return nil
	}
	return ical.NewEncoder(w).Encode(co.Data)
}

func (b *backend) Propfind(r *http.Request, propfind *internal.Propfind, depth internal.Depth) (*internal.Multistatus, error) {
	homeSetPath, err := b.Backend.CalendarHomeSetPath(r.Context())
	if err != nil {
		return nil, err
	}
	principalPath, err := b.Backend.CurrentUserPrincipal(r.Context())
	if err != nil {
		return nil, err
	}

	var resps []internal.Response

	switch r.URL.Path {
	case principalPath:
		resp, err := b.propfindUserPrincipal(r.Context(), propfind, homeSetPath)
		if err != nil {
			return nil, err
		}
		resps = append(resps, *resp)
	case homeSetPath:
		cal, err := b.Backend.Calendar(r.Context())
		if err != nil {
			return nil, err
		}

		resp, err := b.propfindCalendar(r.Context(), propfind, cal)
		if err != nil {
			return nil, err
		}
		resps = append(resps, *resp)

		if depth != internal.DepthZero {
			cos, err := b.Backend.ListCalendarObjects(r.Context(), &CalendarCompRequest{})
			if err != nil {
				return nil, err
			}
			for _, co := range cos {
				co := co
				resp, err := b.propfindCalendarObject(propfind, &co, nil)
				if err != nil {
					return nil, err
				}
				resps = append(resps, *resp)
			}
		}
	default:
		var dataReq CalendarCompRequest
		co, err := b.Backend.GetCalendarObject(r.Context(), r.URL.Path, &dataReq)
		if err != nil {
			return nil, err
		}
		resp, err := b.propfindCalendarObject(propfind, co, nil)
		if err != nil {
			return nil, err
		}
		resps = append(resps, *resp)
	}

	return internal.NewMultistatus(resps...), nil
}

func (b *backend) propfindUserPrincipal(ctx context.Context, propfind *internal.Propfind, homeSetPath string) (*internal.Response, error) {
	principalPath, err := b.Backend.CurrentUserPrincipal(ctx)
	if err != nil {
		return nil, err
	}
	props := map[xml.Name]internal.PropfindFunc{
		internal.CurrentUserPrincipalName: func(*internal.RawXMLValue) (interface{}, error) {
			return &internal.CurrentUserPrincipal{Href: internal.Href{Path: principalPath}}, nil
		},
		calendarHomeSetName: func(*internal.RawXMLValue) (interface{}, error) {
			return &calendarHomeSet{Href: internal.Href{Path: homeSetPath}}, nil
		},
	}
	return internal.NewPropfindResponse(principalPath, propfind, props)
}

func (b *backend) propfindCalendar(ctx context.Context, propfind *internal.Propfind, cal *Calendar) (*internal.Response, error) {
	principalPath, err := b.Backend.CurrentUserPrincipal(ctx)
	if err != nil {
		return nil, err
	}
	props := map[xml.Name]internal.PropfindFunc{
		internal.CurrentUserPrincipalName: func(*internal.RawXMLValue) (interface{}, error) {
			return &internal.CurrentUserPrincipal{Href: internal.Href{Path: principalPath}}, nil
		},
		internal.ResourceTypeName: func(*internal.RawXMLValue) (interface{}, error) {
			return internal.NewResourceType(internal.CollectionName, calendarName), nil
		},
		internal.DisplayNameName: func(*internal.RawXMLValue) (interface{}, error) {
			return &internal.DisplayName{Name: cal.Name}, nil
		},
		supportedCalendarDataName: func(*internal.RawXMLValue) (interface{}, error) {
			return &supportedCalendarData{
				Types: []calendarDataType{
					{ContentType: ical.MIMEType, Version: "2.0"},
				},
			}, nil
		},
		supportedCalendarComponentSetName: func(*internal.RawXMLValue) (interface{}, error) {
			components := []comp{}
			if len(cal.SupportedComponentSet) > 0 {
				for _, name := range cal.SupportedComponentSet {
					components = append(components, comp{Name: name})
				}
			} else {
				components = append(components, comp{Name: ical.CompEvent})
			}
			return &supportedCalendarComponentSet{Comp: components}, nil
		},
	}

	if cal.Description != "" {
		props[calendarDescriptionName] = func(*internal.RawXMLValue) (interface{}, error) {
			return &calendarDescription{Description: cal.Description}, nil
		}
	}

	if cal.MaxResourceSize > 0 {
		props[maxResourceSizeName] = func(*internal.RawXMLValue) (interface{}, error) {
			return &maxResourceSize{Size: cal.MaxResourceSize}, nil
		}
	}

	return internal.NewPropfindResponse(cal.Path, propfind, props)
}

func (b *backend) propfindCalendarObject(propfind *internal.Propfind, co *CalendarObject, dataReq *CalendarDataRequest) (*internal.Response, error) {
	props := map[xml.Name]internal.PropfindFunc{
		internal.GetContentTypeName: func(*internal.RawXMLValue) (interface{}, error) {
			return &internal.GetContentType{Type: ical.MIMEType}, nil
		},
		calendarDataName: func(*internal.RawXMLValue) (interface{}, error) {
			cal := co.Data
			if dataReq != nil {
				loc := time.UTC
				if b.handler != nil {
					loc = b.handler.location()
				}
				var err error
				cal, err = ProjectCalendarData(dataReq, cal, loc)
				if err != nil {
					return nil, err
				}
			}

			var buf bytes.Buffer
			if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
				return nil, err
			}
			return &calendarDataResp{Data: buf.Bytes()}, nil
		},
	}

	if co.ContentLength > 0 {
		props[internal.GetContentLengthName] = func(*internal.RawXMLValue) (interface{}, error) {
			return &internal.GetContentLength{Length: co.ContentLength}, nil
		}
	}
	if !co.ModTime.IsZero() {
		props[internal.GetLastModifiedName] = func(*internal.RawXMLValue) (interface{}, error) {
			return &internal.GetLastModified{LastModified: internal.Time(co.ModTime)}, nil
		}
	}
	if co.ETag != "" {
		props[internal.GetETagName] = func(*internal.RawXMLValue) (interface{}, error) {
			return &internal.GetETag{ETag: internal.ETag(co.ETag)}, nil
		}
	}

	return internal.NewPropfindResponse(co.Path, propfind, props)
}

func (b *backend) Put(r *http.Request) (*internal.Href, error) {
	t, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, internal.HTTPErrorf(http.StatusBadRequest, "caldav: malformed Content-Type: %v", err)
	}
	if t != ical.MIMEType {
		return nil, NewPreconditionError(PreconditionSupportedCalendarData)
	}

	cal, err := ical.NewDecoder(r.Body).Decode()
	if err != nil {
		return nil, NewPreconditionError(PreconditionValidCalendarData)
	}

	co, err := b.Backend.PutCalendarObject(r.Context(), r.URL.Path, cal)
	if err != nil {
		return nil, err
	}
	return &internal.Href{Path: co.Path}, nil
}

func (b *backend) Delete(r *http.Request) error {
	return b.Backend.DeleteCalendarObject(r.Context(), r.URL.Path)
}

// https://datatracker.ietf.org/doc/html/rfc4791#section-5.3.2.1
type PreconditionType string

const (
	PreconditionNoUIDConflict                PreconditionType = "no-uid-conflict"
	PreconditionSupportedCalendarData        PreconditionType = "supported-calendar-data"
	PreconditionSupportedCalendarComponent   PreconditionType = "supported-calendar-component"
	PreconditionValidCalendarData            PreconditionType = "valid-calendar-data"
	PreconditionValidCalendarObjectResource  PreconditionType = "valid-calendar-object-resource"
	PreconditionCalendarCollectionLocationOk PreconditionType = "calendar-collection-location-ok"
	PreconditionMaxResourceSize              PreconditionType = "max-resource-size"
	PreconditionMinDateTime                  PreconditionType = "min-date-time"
	PreconditionMaxDateTime                  PreconditionType = "max-date-time"
	PreconditionMaxInstances                 PreconditionType = "max-instances"
	PreconditionMaxAttendeesPerInstance      PreconditionType = "max-attendees-per-instance"
)

func NewPreconditionError(err PreconditionType) error {
	name := xml.Name{Space: namespace, Local: string(err)}
	elem := internal.NewRawXMLElement(name, nil, nil)
	return &internal.HTTPError{
		Code: http.StatusConflict,
		Err: &internal.Error{
			Raw: []internal.RawXMLValue{*elem},
		},
	}
}
