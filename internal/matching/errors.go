package matching

import (
	"errors"
	"net/http"

	"github.com/richxcame/ride-matching/pkg/common"
)

var (
	ErrRequestUnavailable = errors.New("ride request is no longer available")
	ErrNoValidRequests    = errors.New("no valid ride requests")
	ErrHeterogeneousGroup = errors.New("grouped requests must share one junction pair")
	ErrScheduleNotFound   = errors.New("schedule not found")
	ErrCapacityExceeded   = errors.New("seat capacity exceeded")
	ErrAlreadyBooked      = errors.New("passenger already booked on ride")
	ErrPersistence        = errors.New("persistence failure")
	ErrInvalidRoute       = errors.New("invalid route")
	ErrInvalidRequest     = errors.New("invalid ride request")
	ErrRideNotFound       = errors.New("ride not found")
	ErrRideStateConflict  = errors.New("ride is not in the required state")
	ErrInvalidShortCode   = errors.New("invalid short code")
	ErrBookingNotFound    = errors.New("booking not found")
	ErrLocationUnknown    = errors.New("driver location unknown")
	ErrForbidden          = errors.New("not permitted")
)

// toAppError maps engine errors onto HTTP-aware application errors. Anything
// unrecognised is reported as a persistence failure.
func toAppError(err error, message string) *common.AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := common.AsAppError(err); ok {
		return appErr
	}

	switch {
	case errors.Is(err, ErrRequestUnavailable),
		errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrAlreadyBooked),
		errors.Is(err, ErrRideStateConflict):
		return common.NewConflictError(err.Error(), err)
	case errors.Is(err, ErrNoValidRequests),
		errors.Is(err, ErrScheduleNotFound),
		errors.Is(err, ErrRideNotFound),
		errors.Is(err, ErrBookingNotFound):
		return common.NewNotFoundError(err.Error(), err)
	case errors.Is(err, ErrHeterogeneousGroup),
		errors.Is(err, ErrInvalidRoute),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidShortCode),
		errors.Is(err, ErrLocationUnknown):
		return common.NewBadRequestError(err.Error(), err)
	case errors.Is(err, ErrForbidden):
		return common.NewAppError(http.StatusForbidden, err.Error(), err)
	default:
		return common.NewInternalError(message, errors.Join(ErrPersistence, err))
	}
}
