package davkit

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"time"

	"github.com/davkit/davkit/internal"
)

// Sync levels accepted in RFC 6578 sync-collection requests. Only
// single-level synchronization is supported; "infinite" is rejected with a
// client error.
const (
	SyncLevelOne      = "1"
	SyncLevelInfinite = "infinite"
)

// ErrSyncNotSupported is reported by collections that cannot enumerate
// changes. The transport layer answers such requests with a forbidden
// status carrying a DAV:sync-traversal-supported error marker instead of
// failing the whole request.
var ErrSyncNotSupported = errors.New("davkit: collection does not support sync traversal")

// SyncTokenError is reported when a client presents a token the collection
// no longer (or never did) recognize. It maps to a 412 precondition
// failure naming the offending token.
type SyncTokenError struct {
	Token string
}

func (err *SyncTokenError) Error() string {
	return fmt.Sprintf("davkit: invalid sync token %q", err.Token)
}

// Resource is one member of a collection at a particular point in the
// collection's history.
type Resource interface {
	Path() string
	ContentType() string
	ETag() string
	ModTime() time.Time
	Open() (io.ReadCloser, error)
}

// Diff describes one member change between two collection states. A nil
// Old means the member was created, a nil New that it was deleted; both
// non-nil means it was modified.
type Diff struct {
	Path string
	Old  Resource
	New  Resource
}

// DiffIterator lazily enumerates member changes. Next returns io.EOF after
// the last change. Laziness matters: a limited sync must be able to stop
// without touching the remaining members of a large collection.
type DiffIterator interface {
	Next() (*Diff, error)
	Close() error
}

// SyncCollection is a collection whose change history can be enumerated.
type SyncCollection interface {
	// DiffSince returns an iterator over member changes after oldToken,
	// along with the opaque token identifying the state the iterator leads
	// to. The empty token requests the full current membership as
	// creations. Implementations report *SyncTokenError for tokens they
	// don't recognize and ErrSyncNotSupported if they cannot diff at all.
	DiffSince(ctx context.Context, oldToken string) (DiffIterator, string, error)
}

// SyncQuery is a decoded sync-collection REPORT request.
type SyncQuery struct {
	SyncToken string
	Level     string
	Limit     int // 0 means unlimited
}

// PropSet is an opaque, comparable rendering of the properties requested
// for a resource. Two equal PropSets mean the change carries no visible
// property difference.
type PropSet map[xml.Name]string

// ResolvePropsFunc computes the requested properties of a resource.
type ResolvePropsFunc func(r Resource) (PropSet, error)

// SyncChange is one entry of a sync-collection response.
type SyncChange struct {
	Path    string
	Deleted bool
	Props   PropSet // nil for deletions
}

// SyncResponse is the reshaped diff stream plus the token the client
// presents on its next request.
type SyncResponse struct {
	Changes   []SyncChange
	SyncToken string
	Truncated bool
}

// DiffSync runs a sync-collection request against a collection. The
// resolve callback computes the requested properties for each surviving
// entry; modifications whose property rendering is unchanged are
// suppressed. The diff stream is truncated lazily once Limit entries have
// been produced.
func DiffSync(ctx context.Context, col SyncCollection, query *SyncQuery, resolve ResolvePropsFunc) (*SyncResponse, error) {
	switch query.Level {
	case SyncLevelOne:
		// ok
	case "":
		return nil, internal.HTTPErrorf(http.StatusBadRequest, "davkit: missing sync-level")
	case SyncLevelInfinite:
		return nil, internal.HTTPErrorf(http.StatusBadRequest, "davkit: sync-level %q is not supported", query.Level)
	default:
		return nil, internal.HTTPErrorf(http.StatusBadRequest, "davkit: invalid sync-level %q", query.Level)
	}
	if query.Limit < 0 {
		return nil, internal.HTTPErrorf(http.StatusBadRequest, "davkit: negative sync limit")
	}

	it, token, err := col.DiffSince(ctx, query.SyncToken)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	resp := &SyncResponse{SyncToken: token}
	for {
		if query.Limit > 0 && len(resp.Changes) >= query.Limit {
			resp.Truncated = true
			break
		}

		diff, err := it.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		if diff.New == nil {
			resp.Changes = append(resp.Changes, SyncChange{Path: diff.Path, Deleted: true})
			continue
		}

		newProps, err := resolve(diff.New)
		if err != nil {
			return nil, err
		}
		if diff.Old != nil {
			oldProps, err := resolve(diff.Old)
			if err != nil {
				return nil, err
			}
			if maps.Equal(oldProps, newProps) {
				// No visible change under the requested properties.
				continue
			}
		}
		resp.Changes = append(resp.Changes, SyncChange{Path: diff.Path, Props: newProps})
	}

	return resp, nil
}

// SliceDiffIterator adapts a precomputed change list to DiffIterator. It's
// meant for backends that already hold their change journal in memory.
type SliceDiffIterator struct {
	diffs []Diff
	pos   int
}

func NewSliceDiffIterator(diffs []Diff) *SliceDiffIterator {
	return &SliceDiffIterator{diffs: diffs}
}

func (it *SliceDiffIterator) Next() (*Diff, error) {
	if it.pos >= len(it.diffs) {
		return nil, io.EOF
	}
	d := &it.diffs[it.pos]
	it.pos++
	return d, nil
}

func (it *SliceDiffIterator) Close() error {
	return nil
}
