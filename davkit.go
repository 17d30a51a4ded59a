// Package davkit provides the shared server plumbing for its CalDAV and
// CardDAV sub-packages, including the RFC 6578 collection synchronization
// protocol.
package davkit

import (
	"context"
)

// UserPrincipalBackend resolves the principal path of the user issuing the
// current request.
type UserPrincipalBackend interface {
	CurrentUserPrincipal(ctx context.Context) (string, error)
}
