package attendance

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is against any ServiceError.
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrDataUnavailable = errors.New("data unavailable")
	ErrConflict        = errors.New("conflict")
)

var (
	// ErrPersonNotFound is returned by stores when a person id does not resolve.
	ErrPersonNotFound = errors.New("person not found")
	// ErrClassNotFound is returned by stores when a class id does not resolve.
	ErrClassNotFound = errors.New("class not found")
)

var (
	errMissingStore     = errors.New("store is required")
	errMissingCache     = errors.New("view cache is required")
	errNoSessions       = errors.New("no sessions recorded for scope")
	errInsufficientRole = errors.New("insufficient role for scope")
	errNotAbsent        = errors.New("person was not absent at the latest session")
)

const (
	opServiceNew          = "attendance.service.new"
	opRecordAttendance    = "attendance.record"
	opSessionDates        = "attendance.session_dates"
	opPersonStatistics    = "attendance.person_statistics"
	opCohortConsecutive   = "attendance.cohort_consecutive"
	opFollowUpList        = "attendance.follow_up_list"
	opResetStreaks        = "attendance.reset_streaks"
	opDeliverGift         = "attendance.deliver_gift"
	opResolveFollowUp     = "attendance.resolve_follow_up"
	reasonMissingStore    = "missing_store"
	reasonMissingCache    = "missing_cache"
	reasonInvalidInput    = "invalid_input"
	reasonPersonNotFound  = "person_not_found"
	reasonClassNotFound   = "class_not_found"
	reasonStoreFailed     = "store_unavailable"
	reasonForbidden       = "forbidden"
	reasonNoSessions      = "no_sessions"
	reasonEncodeFailed    = "encode_failed"
	reasonNotAbsent       = "not_absent"
	reasonRequestCanceled = "request_canceled"
)

// ServiceError carries an operation-scoped code and an error kind.
type ServiceError struct {
	code   string
	reason string
	kind   error
	err    error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() []error {
	return []error{e.kind, e.err}
}

// Code returns the dotted operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

// Reason returns the short machine-readable reason.
func (e *ServiceError) Reason() string {
	return e.reason
}

// Kind returns the error kind sentinel.
func (e *ServiceError) Kind() error {
	return e.kind
}

func newServiceError(operation, reason string, kind, cause error) error {
	return &ServiceError{
		code:   fmt.Sprintf("%s.%s", operation, reason),
		reason: reason,
		kind:   kind,
		err:    cause,
	}
}

// StoreError wraps a failure of the backing store. The engine surfaces it as
// DataUnavailable so that outages are never mistaken for empty statistics.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// classify maps a store error onto the service taxonomy.
func classify(operation string, err error) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	switch {
	case errors.Is(err, ErrPersonNotFound):
		return newServiceError(operation, reasonPersonNotFound, ErrNotFound, err)
	case errors.Is(err, ErrClassNotFound):
		return newServiceError(operation, reasonClassNotFound, ErrNotFound, err)
	default:
		return newServiceError(operation, reasonStoreFailed, ErrDataUnavailable, err)
	}
}
