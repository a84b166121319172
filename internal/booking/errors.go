package booking

import "errors"

// Request validation errors. These are the only saga-fatal failures.
var (
	ErrNoItems         = errors.New("booking request has no items")
	ErrMissingItemID   = errors.New("booking item id is required")
	ErrDuplicateItemID = errors.New("duplicate booking item id")
	ErrUnknownItemType = errors.New("unknown booking item type")
	ErrUnknownStatus   = errors.New("unknown booking status")
)

// Item-level outcomes. They are recorded on the item, never returned by a phase.
var (
	ErrNoProviderMapped    = errors.New("no provider mapped for item type")
	ErrReserveRejected     = errors.New("provider rejected reservation")
	ErrConfirmRejected     = errors.New("provider rejected confirmation")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrCancelRejected      = errors.New("provider refused to release hold")
	ErrSagaCancelled       = errors.New("saga cancelled before provider call")
)

// ErrCompensationFailed marks a hold that could not be released.
var ErrCompensationFailed = errors.New("compensation failed")

// Failure codes written under MetaErrorKey.
const (
	MetaErrorKey       = "error"
	MetaErrorDetailKey = "error_detail"

	CodeNoProvider          = "no_provider"
	CodeReserveFailed       = "reserve_failed"
	CodeConfirmFailed       = "confirm_failed"
	CodeProviderUnavailable = "provider_unavailable"
	CodeCancelled           = "cancelled"
)

var codeErrors = map[string]error{
	CodeNoProvider:          ErrNoProviderMapped,
	CodeReserveFailed:       ErrReserveRejected,
	CodeConfirmFailed:       ErrConfirmRejected,
	CodeProviderUnavailable: ErrProviderUnavailable,
	CodeCancelled:           ErrSagaCancelled,
}
