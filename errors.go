package conduit

import "errors"

var (
	// Store errors.
	ErrNoStore          = errors.New("conduit: no store configured")
	ErrStoreUnavailable = errors.New("conduit: store unavailable")
	ErrMigrationFailed  = errors.New("conduit: migration failed")

	// Not found errors.
	ErrJobNotFound    = errors.New("conduit: job not found")
	ErrDLQNotFound    = errors.New("conduit: dlq entry not found")
	ErrTenantNotFound = errors.New("conduit: tenant not connected")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("conduit: job already exists")

	// State errors.
	ErrInvalidState   = errors.New("conduit: invalid state transition")
	ErrAlreadyStarted = errors.New("conduit: already started")

	// Validation errors.
	ErrInvalidJob  = errors.New("conduit: invalid job")
	ErrUnknownKind = errors.New("conduit: unknown job kind")

	// Connection errors.
	ErrNoCredentials = errors.New("conduit: no credentials for tenant")
)
