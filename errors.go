package pyrexis

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("pyrexis: no store configured")
	ErrStoreClosed     = errors.New("pyrexis: store closed")
	ErrMigrationFailed = errors.New("pyrexis: migration failed")

	// Not found errors.
	ErrJobNotFound    = errors.New("pyrexis: job not found")
	ErrResultNotFound = errors.New("pyrexis: result not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("pyrexis: job already exists")
	ErrResultExists     = errors.New("pyrexis: result already recorded")

	// Validation errors.
	ErrInvalidJob    = errors.New("pyrexis: invalid job")
	ErrInvalidResult = errors.New("pyrexis: invalid result")
	ErrInvalidMode   = errors.New("pyrexis: invalid execution mode")

	// State errors.
	ErrInvalidTransition = errors.New("pyrexis: invalid state transition")

	// Execution errors.
	ErrUnknownPipeline = errors.New("pyrexis: unknown pipeline type")
	ErrSerialization   = errors.New("pyrexis: payload not serializable")
	ErrBackendHalted   = errors.New("pyrexis: backend halted")
	ErrShuttingDown    = errors.New("pyrexis: engine shutting down")
)
