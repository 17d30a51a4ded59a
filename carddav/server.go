package carddav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/emersion/go-vcard"

	"github.com/davkit/davkit"
	"github.com/davkit/davkit/internal"
)

// Backend is a CardDAV server backend.
type Backend interface {
	AddressBookHomeSetPath(ctx context.Context) (string, error)
	AddressBook(ctx context.Context) (*AddressBook, error)
	GetAddressObject(ctx context.Context, path string, req *AddressDataRequest) (*AddressObject, error)
	ListAddressObjects(ctx context.Context, req *AddressDataRequest) ([]AddressObject, error)
	QueryAddressObjects(ctx context.Context, query *AddressBookQuery) ([]AddressObject, error)
	PutAddressObject(ctx context.Context, path string, card vcard.Card) (*AddressObject, error)
	DeleteAddressObject(ctx context.Context, path string) error

	// SyncCollection returns the change-tracking view of the address book,
	// or davkit.ErrSyncNotSupported when the backend cannot enumerate
	// changes.
	SyncCollection(ctx context.Context) (davkit.SyncCollection, error)

	davkit.UserPrincipalBackend
}

// Handler handles CardDAV HTTP requests. It can be used to create a
// CardDAV server.
type Handler struct {
	Backend Backend
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Backend == nil {
		http.Error(w, "carddav: no backend available", http.StatusInternalServerError)
		return
	}

	principalPath, err := h.Backend.CurrentUserPrincipal(r.Context())
	if err != nil {
		http.Error(w, "carddav: failed to determine current user principal", http.StatusInternalServerError)
		return
	}

	if r.URL.Path == "/.well-known/carddav" {
		http.Redirect(w, r, principalPath, http.StatusMovedPermanently)
		return
	}

	switch r.Method {
	case "REPORT":
		err = h.handleReport(w, r)
	default:
		b := backend{h.Backend}
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
	case report.SyncCol != nil:
		return h.handleSyncCollection(r, w, report.SyncCol)
	}
	return internal.HTTPErrorf(http.StatusBadRequest, "carddav: expected addressbook-query, addressbook-multiget or sync-collection element in REPORT request")
}

func decodeTextMatch(el *textMatch) TextMatch {
	return TextMatch{
		Text:            el.Text,
		NegateCondition: bool(el.NegateCondition),
		Collation:       el.Collation,
		MatchType:       MatchType(el.MatchType),
	}
}

func decodeParamFilter(el *paramFilter) (*ParamFilter, error) {
	pf := &ParamFilter{Name: el.Name}
	if el.IsNotDefined != nil {
		if el.TextMatch != nil {
			return nil, internal.HTTPErrorf(http.StatusBadRequest, "carddav: failed to parse param-filter: if is-not-defined is provided, text-match can't be provided")
		}
		pf.IsNotDefined = true
	}
	if el.TextMatch != nil {
		txt := decodeTextMatch(el.TextMatch)
		pf.TextMatch = &txt
	}
	return pf, nil
}

func decodePropFilter(el *propFilter) (*PropFilter, error) {
	pf := &PropFilter{Name: el.Name}
	if el.IsNotDefined != nil {
		if len(el.TextMatches) > 0 || len(el.Params) > 0 {
			return nil, internal.HTTPErrorf(http.StatusBadRequest, "carddav: failed to parse prop-filter: if is-not-defined is provided, text-match or param-filter can't be provided")
		}
		pf.IsNotDefined = true
	}
	for _, txtEl := range el.TextMatches {
		pf.TextMatches = append(pf.TextMatches, decodeTextMatch(&txtEl))
	}
	for _, paramEl := range el.Params {
		param, err := decodeParamFilter(&paramEl)
		if err != nil {
			return nil, err
		}
		pf.Params = append(pf.Params, *param)
	}
	return pf, nil
}

// decodeAddressDataRequest extracts the address-data element, if any, from
// a REPORT's prop element.
func decodeAddressDataRequest(prop *internal.Prop) (AddressDataRequest, error) {
	var req AddressDataRequest
	if prop == nil {
		return req, nil
	}
	raw := prop.Get(addressDataName)
	if raw == nil {
		return req, nil
	}

	var el addressDataReq
	if err := raw.Decode(&el); err != nil {
		return req, err
	}
	if el.Allprop != nil && len(el.Props) > 0 {
		return req, internal.HTTPErrorf(http.StatusBadRequest, "carddav: only one of allprop or prop can be specified in address-data")
	}

	req.AllProp = el.Allprop != nil
	for _, p := range el.Props {
		req.Props = append(req.Props, p.Name)
	}
	return req, nil
}

func (h *Handler) handleQuery(r *http.Request, w http.ResponseWriter, query *addressbookQuery) error {
	var q AddressBookQuery
	q.FilterTest = FilterTest(query.Filter.Test)
	for _, el := range query.Filter.Props {
		pf, err := decodePropFilter(&el)
		if err != nil {
			return err
		}
		q.PropFilters = append(q.PropFilters, *pf)
	}
	if query.Limit != nil {
		q.Limit = int(query.Limit.NResults)
	}

	dataReq, err := decodeAddressDataRequest(query.Prop)
	if err != nil {
		return err
	}
	q.DataRequest = dataReq

	aos, err := h.Backend.QueryAddressObjects(r.Context(), &q)
	if err != nil {
		return err
	}

	b := backend{h.Backend}
	var resps []internal.Response
	for _, ao := range aos {
		ao := ao
		propfind := internal.Propfind{
			Prop:     query.Prop,
			AllProp:  query.AllProp,
			PropName: query.PropName,
		}
		resp, err := b.propfindAddressObject(&propfind, &ao, &q.DataRequest)
		if err != nil {
			return err
		}
		resps = append(resps, *resp)
	}

	return internal.ServeMultistatus(w, internal.NewMultistatus(resps...))
}

func (h *Handler) handleMultiget(r *http.Request, w http.ResponseWriter, multiget *addressbookMultiget) error {
	dataReq, err := decodeAddressDataRequest(multiget.Prop)
	if err != nil {
		return err
	}

	b := backend{h.Backend}
	var resps []internal.Response
	for _, href := range multiget.Hrefs {
		ao, err := h.Backend.GetAddressObject(r.Context(), href.Path, &dataReq)
		if err != nil {
			resps = append(resps, *internal.NewErrorResponse(href.Path, err))
			continue
		}

		propfind := internal.Propfind{
			Prop:     multiget.Prop,
			AllProp:  multiget.AllProp,
			PropName: multiget.PropName,
		}
		resp, err := b.propfindAddressObject(&propfind, ao, &dataReq)
		if err != nil {
			return err
		}
		resps = append(resps, *resp)
	}

	return internal.ServeMultistatus(w, internal.NewMultistatus(resps...))
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

	var names []xml.Name
	if query.Prop != nil {
		names = query.Prop.XMLNames()
	}
	resolve := func(res davkit.Resource) (davkit.PropSet, error) {
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

	resp, err := davkit.DiffSync(r.Context(), col, &sq, resolve)
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

// ProjectAddressData filters a card down to the properties an
// address-data request asks for. The properties required for the card to
// stay well-formed are always kept.
func ProjectAddressData(req *AddressDataRequest, card vcard.Card) vcard.Card {
	if req == nil || req.AllProp || len(req.Props) == 0 {
		return card
	}

	keep := make(map[string]bool, len(req.Props)+2)
	keep[vcard.FieldVersion] = true
	keep[vcard.FieldUID] = true
	for _, name := range req.Props {
		keep[strings.ToUpper(name)] = true
	}

	out := make(vcard.Card, len(keep))
	for name, fields := range card {
		if keep[name] {
			out[name] = fields
		}
	}
	return out
}

type backend struct {
	Backend Backend
}

func (b *backend) Options(r *http.Request) (caps []string, allow []string, err error) {
	caps = []string{"addressbook"}

	homeSetPath, err := b.Backend.AddressBookHomeSetPath(r.Context())
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

	var dataReq AddressDataRequest
	_, err = b.Backend.GetAddressObject(r.Context(), r.URL.Path, &dataReq)
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
	var dataReq AddressDataRequest
	if r.Method != http.MethodHead {
		dataReq.AllProp = true
	}
	ao, err := b.Backend.GetAddressObject(r.Context(), r.URL.Path, &dataReq)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", vcard.MIMEType)
	if ao.ETag != "" {
		w.Header().Set("ETag", internal.ETag(ao.ETag).String())
	}
	if !ao.ModTime.IsZero() {
		w.Header().Set("Last-Modified", ao.ModTime.UTC().Format(http.TimeFormat))
	}

	if r.Method == http.MethodHead {
		return nil
	}
	return vcard.NewEncoder(w).Encode(ao.Card)
}

func (b *backend) Propfind(r *http.Request, propfind *internal.Propfind, depth internal.Depth) (*internal.Multistatus, error) {
	homeSetPath, err := b.Backend.AddressBookHomeSetPath(r.Context())
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
		ab, err := b.Backend.AddressBook(r.Context())
		if err != nil {
			return nil, err
		}

		resp, err := b.propfindAddressBook(r.Context(), propfind, ab)
		if err != nil {
			return nil, err
		}
		resps = append(resps, *resp)

		if depth != internal.DepthZero {
			aos, err := b.Backend.ListAddressObjects(r.Context(), &AddressDataRequest{})
			if err != nil {
				return nil, err
			}
			for _, ao := range aos {
				ao := ao
				resp, err := b.propfindAddressObject(propfind, &ao, nil)
				if err != nil {
					return nil, err
				}
				resps = append(resps, *resp)
			}
		}
	default:
		var dataReq AddressDataRequest
		ao, err := b.Backend.GetAddressObject(r.Context(), r.URL.Path, &dataReq)
		if err != nil {
			return nil, err
		}
		resp, err := b.propfindAddressObject(propfind, ao, nil)
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
		addressBookHomeSetName: func(*internal.RawXMLValue) (interface{}, error) {
			return &addressbookHomeSet{Href: internal.Href{Path: homeSetPath}}, nil
		},
	}
	return internal.NewPropfindResponse(principalPath, propfind, props)
}

func (b *backend) propfindAddressBook(ctx context.Context, propfind *internal.Propfind, ab *AddressBook) (*internal.Response, error) {
	principalPath, err := b.Backend.CurrentUserPrincipal(ctx)
	if err != nil {
		return nil, err
	}
	props := map[xml.Name]internal.PropfindFunc{
		internal.CurrentUserPrincipalName: func(*internal.RawXMLValue) (interface{}, error) {
			return &internal.CurrentUserPrincipal{Href: internal.Href{Path: principalPath}}, nil
		},
		internal.ResourceTypeName: func(*internal.RawXMLValue) (interface{}, error) {
			return internal.NewResourceType(internal.CollectionName, addressBookName), nil
		},
		internal.DisplayNameName: func(*internal.RawXMLValue) (interface{}, error) {
			return &internal.DisplayName{Name: ab.Name}, nil
		},
		supportedAddressDataName: func(*internal.RawXMLValue) (interface{}, error) {
			return &addressbookSupportedAddressData{
				Types: []addressDataType{
					{ContentType: vcard.MIMEType, Version: "3.0"},
					{ContentType: vcard.MIMEType, Version: "4.0"},
				},
			}, nil
		},
	}

	if ab.Description != "" {
		props[addressBookDescriptionName] = func(*internal.RawXMLValue) (interface{}, error) {
			return &addressbookDescription{Description: ab.Description}, nil
		}
	}

	if ab.MaxResourceSize > 0 {
		props[maxResourceSizeName] = func(*internal.RawXMLValue) (interface{}, error) {
			return &maxResourceSize{Size: ab.MaxResourceSize}, nil
		}
	}

	return internal.NewPropfindResponse(ab.Path, propfind, props)
}

func (b *backend) propfindAddressObject(propfind *internal.Propfind, ao *AddressObject, dataReq *AddressDataRequest) (*internal.Response, error) {
	props := map[xml.Name]internal.PropfindFunc{
		internal.GetContentTypeName: func(*internal.RawXMLValue) (interface{}, error) {
			return &internal.GetContentType{Type: vcard.MIMEType}, nil
		},
		addressDataName: func(*internal.RawXMLValue) (interface{}, error) {
			card := ProjectAddressData(dataReq, ao.Card)

			var buf bytes.Buffer
			if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
				return nil, err
			}
			return &addressDataResp{Data: buf.Bytes()}, nil
		},
	}

	if ao.ContentLength > 0 {
		props[internal.GetContentLengthName] = func(*internal.RawXMLValue) (interface{}, error) {
			return &internal.GetContentLength{Length: ao.ContentLength}, nil
		}
	}
	if !ao.ModTime.IsZero() {
		props[internal.GetLastModifiedName] = func(*internal.RawXMLValue) (interface{}, error) {
			return &internal.GetLastModified{LastModified: internal.Time(ao.ModTime)}, nil
		}
	}
	if ao.ETag != "" {
		props[internal.GetETagName] = func(*internal.RawXMLValue) (interface{}, error) {
			return &internal.GetETag{ETag: internal.ETag(ao.ETag)}, nil
		}
	}

	return internal.NewPropfindResponse(ao.Path, propfind, props)
}

func (b *backend) Put(r *http.Request) (*internal.Href, error) {
	t, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, internal.HTTPErrorf(http.StatusBadRequest, "carddav: malformed Content-Type: %v", err)
	}
	if t != vcard.MIMEType {
		return nil, NewPreconditionError(PreconditionSupportedAddressData)
	}

	card, err := vcard.NewDecoder(r.Body).Decode()
	if err != nil {
		return nil, NewPreconditionError(PreconditionValidAddressData)
	}

	ao, err := b.Backend.PutAddressObject(r.Context(), r.URL.Path, card)
	if err != nil {
		return nil, err
	}
	return &internal.Href{Path: ao.Path}, nil
}

func (b *backend) Delete(r *http.Request) error {
	return b.Backend.DeleteAddressObject(r.Context(), r.URL.Path)
}

// https://tools.ietf.org/html/rfc6352#section-6.3.2.1
type PreconditionType string

const (
	PreconditionNoUIDConflict                   PreconditionType = "no-uid-conflict"
	PreconditionSupportedAddressData            PreconditionType = "supported-address-data"
	PreconditionValidAddressData                PreconditionType = "valid-address-data"
	PreconditionMaxResourceSize                 PreconditionType = "max-resource-size"
	PreconditionAddressBookCollectionLocationOk PreconditionType = "addressbook-collection-location-ok"
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
