package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-vcard"

	"github.com/davkit/davkit"
	"github.com/davkit/davkit/caldav"
	"github.com/davkit/davkit/carddav"
	"github.com/davkit/davkit/internal"
)

const principalPath = "/"

// corruptObjectError marks a stored file that exists but doesn't parse as
// its expected content type. Enumeration skips such files instead of
// failing the whole listing; direct access still reports the error.
type corruptObjectError struct {
	path string
	err  error
}

func (e *corruptObjectError) Error() string {
	return fmt.Sprintf("failed to parse %v: %v", e.path, e.err)
}

func (e *corruptObjectError) Unwrap() error { return e.err }

// fileCalendarBackend serves a single calendar collection out of a flat
// directory of .ics files.
type fileCalendarBackend struct {
	dir     string
	urlPath string
	col     *davkit.LocalCollection
}

func newFileCalendarBackend(dir, urlPath string) *fileCalendarBackend {
	return &fileCalendarBackend{
		dir:     dir,
		urlPath: urlPath,
		col:     davkit.NewLocalCollection(dir),
	}
}

func (b *fileCalendarBackend) CurrentUserPrincipal(ctx context.Context) (string, error) {
	return principalPath, nil
}

func (b *fileCalendarBackend) CalendarHomeSetPath(ctx context.Context) (string, error) {
	return b.urlPath, nil
}

func (b *fileCalendarBackend) Calendar(ctx context.Context) (*caldav.Calendar, error) {
	return &caldav.Calendar{
		Path: b.urlPath,
		Name: "Calendar",
		SupportedComponentSet: []string{
			ical.CompEvent, ical.CompToDo, ical.CompJournal, ical.CompFreeBusy,
		},
	}, nil
}

// hostPath maps a collection member URL to a file under the backing
// directory.
func (b *fileCalendarBackend) hostPath(urlPath string) (string, error) {
	name := strings.TrimPrefix(urlPath, strings.TrimSuffix(b.urlPath, "/"))
	name = path.Clean("/" + name)
	if name == "/" || strings.Contains(name[1:], "/") {
		return "", internal.HTTPErrorf(http.StatusNotFound, "no such calendar object")
	}
	return filepath.Join(b.dir, filepath.FromSlash(name)), nil
}

func (b *fileCalendarBackend) GetCalendarObject(ctx context.Context, urlPath string, req *caldav.CalendarCompRequest) (*caldav.CalendarObject, error) {
	p, err := b.hostPath(urlPath)
	if err != nil {
		return nil, err
	}
	return loadCalendarObject(p, urlPath)
}

func (b *fileCalendarBackend) ListCalendarObjects(ctx context.Context, req *caldav.CalendarCompRequest) ([]caldav.CalendarObject, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}

	var cos []caldav.CalendarObject
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".ics") {
			continue
		}
		co, err := loadCalendarObject(filepath.Join(b.dir, ent.Name()), path.Join(b.urlPath, ent.Name()))
		var corrupt *corruptObjectError
		if errors.As(err, &corrupt) {
			slog.Warn("skipping unparseable calendar object",
				slog.String("path", corrupt.path), slog.Any("error", corrupt.err))
			continue
		} else if err != nil {
			return nil, err
		}
		cos = append(cos, *co)
	}
	return cos, nil
}

func (b *fileCalendarBackend) QueryCalendarObjects(ctx context.Context, query *caldav.CalendarQuery) ([]caldav.CalendarObject, error) {
	cos, err := b.ListCalendarObjects(ctx, nil)
	if err != nil {
		return nil, err
	}
	return caldav.Filter(query, cos)
}

func (b *fileCalendarBackend) PutCalendarObject(ctx context.Context, urlPath string, cal *ical.Calendar) (*caldav.CalendarObject, error) {
	p, err := b.hostPath(urlPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(p)
	if err != nil {
		return nil, err
	}
	if err := ical.NewEncoder(f).Encode(cal); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return loadCalendarObject(p, urlPath)
}

func (b *fileCalendarBackend) DeleteCalendarObject(ctx context.Context, urlPath string) error {
	p, err := b.hostPath(urlPath)
	if err != nil {
		return err
	}
	if err := os.Remove(p); os.IsNotExist(err) {
		return internal.HTTPErrorf(http.StatusNotFound, "no such calendar object")
	} else if err != nil {
		return err
	}
	return nil
}

func (b *fileCalendarBackend) SyncCollection(ctx context.Context) (davkit.SyncCollection, error) {
	return b.col, nil
}

func loadCalendarObject(hostPath, urlPath string) (*caldav.CalendarObject, error) {
	f, err := os.Open(hostPath)
	if os.IsNotExist(err) {
		return nil, internal.HTTPErrorf(http.StatusNotFound, "no such calendar object")
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	cal, err := ical.NewDecoder(f).Decode()
	if err != nil {
		return nil, &corruptObjectError{path: hostPath, err: err}
	}

	return &caldav.CalendarObject{
		Path:          urlPath,
		ModTime:       fi.ModTime(),
		ContentLength: fi.Size(),
		ETag:          fmt.Sprintf("%x-%x", fi.ModTime().UnixNano(), fi.Size()),
		Data:          cal,
	}, nil
}

// fileAddressBookBackend serves a single address book collection out of a
// flat directory of .vcf files.
type fileAddressBookBackend struct {
	dir     string
	urlPath string
	col     *davkit.LocalCollection
}

func newFileAddressBookBackend(dir, urlPath string) *fileAddressBookBackend {
	return &fileAddressBookBackend{
		dir:     dir,
		urlPath: urlPath,
		col:     davkit.NewLocalCollection(dir),
	}
}

func (b *fileAddressBookBackend) CurrentUserPrincipal(ctx context.Context) (string, error) {
	return principalPath, nil
}

func (b *fileAddressBookBackend) AddressBookHomeSetPath(ctx context.Context) (string, error) {
	return b.urlPath, nil
}

func (b *fileAddressBookBackend) AddressBook(ctx context.Context) (*carddav.AddressBook, error) {
	return &carddav.AddressBook{
		Path: b.urlPath,
		Name: "Contacts",
	}, nil
}

func (b *fileAddressBookBackend) hostPath(urlPath string) (string, error) {
	name := strings.TrimPrefix(urlPath, strings.TrimSuffix(b.urlPath, "/"))
	name = path.Clean("/" + name)
	if name == "/" || strings.Contains(name[1:], "/") {
		return "", internal.HTTPErrorf(http.StatusNotFound, "no such address object")
	}
	return filepath.Join(b.dir, filepath.FromSlash(name)), nil
}

func (b *fileAddressBookBackend) GetAddressObject(ctx context.Context, urlPath string, req *carddav.AddressDataRequest) (*carddav.AddressObject, error) {
	p, err := b.hostPath(urlPath)
	if err != nil {
		return nil, err
	}
	return loadAddressObject(p, urlPath)
}

func (b *fileAddressBookBackend) ListAddressObjects(ctx context.Context, req *carddav.AddressDataRequest) ([]carddav.AddressObject, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}

	var aos []carddav.AddressObject
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".vcf") {
			continue
		}
		ao, err := loadAddressObject(filepath.Join(b.dir, ent.Name()), path.Join(b.urlPath, ent.Name()))
		var corrupt *corruptObjectError
		if errors.As(err, &corrupt) {
			slog.Warn("skipping unparseable address object",
				slog.String("path", corrupt.path), slog.Any("error", corrupt.err))
			continue
		} else if err != nil {
			return nil, err
		}
		aos = append(aos, *ao)
	}
	return aos, nil
}

func (b *fileAddressBookBackend) QueryAddressObjects(ctx context.Context, query *carddav.AddressBookQuery) ([]carddav.AddressObject, error) {
	aos, err := b.ListAddressObjects(ctx, nil)
	if err != nil {
		return nil, err
	}
	return carddav.Filter(query, aos)
}

func (b *fileAddressBookBackend) PutAddressObject(ctx context.Context, urlPath string, card vcard.Card) (*carddav.AddressObject, error) {
	p, err := b.hostPath(urlPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(p)
	if err != nil {
		return nil, err
	}
	if err := vcard.NewEncoder(f).Encode(card); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return loadAddressObject(p, urlPath)
}

func (b *fileAddressBookBackend) DeleteAddressObject(ctx context.Context, urlPath string) error {
	p, err := b.hostPath(urlPath)
	if err != nil {
		return err
	}
	if err := os.Remove(p); os.IsNotExist(err) {
		return internal.HTTPErrorf(http.StatusNotFound, "no such address object")
	} else if err != nil {
		return err
	}
	return nil
}

func (b *fileAddressBookBackend) SyncCollection(ctx context.Context) (davkit.SyncCollection, error) {
	return b.col, nil
}

func loadAddressObject(hostPath, urlPath string) (*carddav.AddressObject, error) {
	f, err := os.Open(hostPath)
	if os.IsNotExist(err) {
		return nil, internal.HTTPErrorf(http.StatusNotFound, "no such address object")
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	card, err := vcard.NewDecoder(f).Decode()
	if err != nil {
		return nil, &corruptObjectError{path: hostPath, err: err}
	}

	return &carddav.AddressObject{
		Path:          urlPath,
		ModTime:       fi.ModTime(),
		ContentLength: fi.Size(),
		ETag:          fmt.Sprintf("%x-%x", fi.ModTime().UnixNano(), fi.Size()),
		Card:          card,
	}, nil
}
