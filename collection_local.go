package davkit

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davkit/davkit/internal"
)

// LocalCollection exposes a flat directory of object files as a
// SyncCollection. Sync tokens are opaque identifiers for in-memory
// snapshots of the directory, so tokens survive for the lifetime of the
// process only; a token from a previous run is reported as invalid, which
// forces clients back to an initial sync.
type LocalCollection struct {
	root string

	mu        sync.Mutex
	snapshots map[string]map[string]localEntry
}

type localEntry struct {
	etag    string
	modTime int64
	size    int64
}

func NewLocalCollection(root string) *LocalCollection {
	return &LocalCollection{
		root:      root,
		snapshots: make(map[string]map[string]localEntry),
	}
}

func (c *LocalCollection) hostPath(name string) (string, error) {
	if (filepath.Separator != '/' && strings.IndexRune(name, filepath.Separator) >= 0) || strings.Contains(name, "\x00") {
		return "", internal.HTTPErrorf(http.StatusBadRequest, "davkit: invalid character in path")
	}
	name = path.Clean(name)
	if !path.IsAbs(name) {
		return "", internal.HTTPErrorf(http.StatusBadRequest, "davkit: expected absolute path")
	}
	return filepath.Join(c.root, filepath.FromSlash(name)), nil
}

// Open returns the body of a member object.
func (c *LocalCollection) Open(name string) (io.ReadCloser, error) {
	p, err := c.hostPath(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, internal.HTTPErrorf(http.StatusNotFound, "davkit: no such resource")
	}
	return f, err
}

func (c *LocalCollection) scan() (map[string]localEntry, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, err
	}

	m := make(map[string]localEntry, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		fi, err := ent.Info()
		if err != nil {
			return nil, err
		}
		m["/"+ent.Name()] = localEntry{
			etag:    fmt.Sprintf("%x-%x", fi.ModTime().UnixNano(), fi.Size()),
			modTime: fi.ModTime().UnixNano(),
			size:    fi.Size(),
		}
	}
	return m, nil
}

// DiffSince implements SyncCollection.
func (c *LocalCollection) DiffSince(ctx context.Context, oldToken string) (DiffIterator, string, error) {
	cur, err := c.scan()
	if err != nil {
		return nil, "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var old map[string]localEntry
	if oldToken != "" {
		var ok bool
		old, ok = c.snapshots[oldToken]
		if !ok {
			return nil, "", &SyncTokenError{Token: oldToken}
		}
	}

	newToken := uuid.NewString()
	c.snapshots[newToken] = cur

	paths := make(map[string]struct{}, len(cur)+len(old))
	for p := range cur {
		paths[p] = struct{}{}
	}
	for p := range old {
		paths[p] = struct{}{}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	var diffs []Diff
	for _, p := range sorted {
		oldEnt, hadOld := old[p]
		newEnt, hasNew := cur[p]
		switch {
		case hadOld && hasNew:
			if oldEnt.etag != newEnt.etag {
				diffs = append(diffs, Diff{
					Path: p,
					Old:  &localResource{col: c, path: p, entry: oldEnt},
					New:  &localResource{col: c, path: p, entry: newEnt},
				})
			}
		case hasNew:
			diffs = append(diffs, Diff{
				Path: p,
				New:  &localResource{col: c, path: p, entry: newEnt},
			})
		default:
			diffs = append(diffs, Diff{
				Path: p,
				Old:  &localResource{col: c, path: p, entry: oldEnt},
			})
		}
	}

	return NewSliceDiffIterator(diffs), newToken, nil
}

var _ SyncCollection = (*LocalCollection)(nil)

type localResource struct {
	col   *LocalCollection
	path  string
	entry localEntry
}

func (r *localResource) Path() string {
	return r.path
}

func (r *localResource) ContentType() string {
	switch path.Ext(r.path) {
	case ".ics":
		return "text/calendar"
	case ".vcf":
		return "text/vcard"
	}
	if t := mime.TypeByExtension(path.Ext(r.path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (r *localResource) ETag() string {
	return r.entry.etag
}

func (r *localResource) ModTime() time.Time {
	return time.Unix(0, r.entry.modTime)
}

func (r *localResource) Open() (io.ReadCloser, error) {
	return r.col.Open(r.path)
}
