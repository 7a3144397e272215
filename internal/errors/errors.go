package errors

import "errors"

// Configuration and authentication errors. All of these are fatal to the
// run: they are raised before or during token acquisition and never
// retried.
var (
	ErrUnrecognizedScope  = errors.New("unrecognized scope: expected school.api or business.api")
	ErrInvalidCredentials = errors.New("token endpoint rejected request: check client ID, key ID and scope")
	ErrAuthRateLimited    = errors.New("token endpoint returned 429 twice")
	ErrAuthExpired        = errors.New("401 unauthorized after regenerating token once")
)

// Data and activity errors. Non-fatal at the batch level; callers decide.
var (
	// ErrNoData marks a 200 response whose data array is empty. Distinct
	// from a 404: the server confirmed the resource exists but has no
	// records for it.
	ErrNoData = errors.New("no data returned for resource")

	// ErrNoActivityID marks an activity creation response that carried no
	// identifier. Without one, the activity status can never be observed.
	ErrNoActivityID = errors.New("server returned no activity ID")
)
