package matrixclient

import (
	"errors"

	"maunium.net/go/mautrix"
)

// The bridge cares about three API semantic errors (§7): NotFound and
// Forbidden flow back to room handlers, and UserInUse is treated as success
// by puppet registration (§4.D). mautrix already maps errcodes onto typed
// error values; these predicates just name the ones the bridge dispatches
// on, so callers never import mautrix directly for error handling.

// IsNotFound reports whether err is an M_NOT_FOUND response.
func IsNotFound(err error) bool {
	return errors.Is(err, mautrix.MNotFound)
}

// IsForbidden reports whether err is an M_FORBIDDEN response.
func IsForbidden(err error) bool {
	return errors.Is(err, mautrix.MForbidden)
}

// IsUserInUse reports whether err is an M_USER_IN_USE response.
func IsUserInUse(err error) bool {
	return errors.Is(err, mautrix.MUserInUse)
}
