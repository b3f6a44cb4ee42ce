// Package errors provides the structured error taxonomy used across the
// deployment orchestrator: every error surfaced out of a component carries a
// machine-checkable code, a human message, and the HTTP status the (external,
// non-goal) API layer would report for it.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies one error kind within its family.
type ErrorCode string

const (
	// InputError family: the caller handed the pipeline something malformed.
	ErrCodeCyclicDependency ErrorCode = "INPUT_CYCLIC_DEPENDENCY"
	ErrCodeMissingReference ErrorCode = "INPUT_MISSING_REFERENCE"
	ErrCodeNameTooLong      ErrorCode = "INPUT_NAME_TOO_LONG"
	ErrCodeMalformedUUID    ErrorCode = "INPUT_MALFORMED_UUID"
	ErrCodeScenarioParse    ErrorCode = "INPUT_SCENARIO_PARSE"

	// SelectionError family: no backend could be found for a dispatch.
	ErrCodeNoCapableBackend      ErrorCode = "SELECTION_NO_CAPABLE_BACKEND"
	ErrCodeUnknownDeploymentGroup ErrorCode = "SELECTION_UNKNOWN_DEPLOYMENT_GROUP"

	// RemoteError family: a backend call was attempted and did not succeed cleanly.
	ErrCodeBackendFailure ErrorCode = "REMOTE_BACKEND_FAILURE"
	ErrCodeRemoteTimeout  ErrorCode = "REMOTE_TIMEOUT"
	ErrCodeStreamAborted  ErrorCode = "REMOTE_STREAM_ABORTED"

	// StateError family: an operation violated the state machine it runs over.
	ErrCodeDuplicateLedgerKey       ErrorCode = "STATE_DUPLICATE_LEDGER_KEY"
	ErrCodeElementNotFound          ErrorCode = "STATE_ELEMENT_NOT_FOUND"
	ErrCodeIllegalStatusTransition  ErrorCode = "STATE_ILLEGAL_STATUS_TRANSITION"

	// IntegrityError family: a checksum or invariant the caller promised broke.
	ErrCodeChecksumMismatch ErrorCode = "INTEGRITY_CHECKSUM_MISMATCH"

	// DataError family: persisted or streamed data could not be interpreted.
	ErrCodeMalformedConditionValue ErrorCode = "DATA_MALFORMED_CONDITION_VALUE"
	ErrCodeDatabaseConflict        ErrorCode = "DATA_DATABASE_CONFLICT"
	ErrCodeDatabaseRecordNotFound  ErrorCode = "DATA_DATABASE_RECORD_NOT_FOUND"

	// Fatal family: the process cannot continue in a consistent state.
	ErrCodeFatal ErrorCode = "FATAL"
)

// ServiceError is a structured error carrying an ErrorCode, a message meant
// for operators, the HTTP status an external API would map it to, and an
// optional wrapped cause.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair to the error's Details map.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// InputError constructors

func CyclicDependency(graph string) *ServiceError {
	return New(ErrCodeCyclicDependency, "dependency graph contains a cycle", http.StatusBadRequest).
		WithDetails("graph", graph)
}

func MissingReference(kind, name string) *ServiceError {
	return New(ErrCodeMissingReference, "referenced symbolic name does not exist", http.StatusBadRequest).
		WithDetails("kind", kind).WithDetails("name", name)
}

func NameTooLong(name string, max int) *ServiceError {
	return New(ErrCodeNameTooLong, "symbolic name exceeds maximum length", http.StatusBadRequest).
		WithDetails("name", name).WithDetails("max", max)
}

func MalformedUUID(field, value string) *ServiceError {
	return New(ErrCodeMalformedUUID, "field is not a well-formed UUID", http.StatusBadRequest).
		WithDetails("field", field).WithDetails("value", value)
}

func ScenarioParse(reason string) *ServiceError {
	return New(ErrCodeScenarioParse, "scenario could not be parsed", http.StatusUnsupportedMediaType).
		WithDetails("reason", reason)
}

// SelectionError constructors

func NoCapableBackend(capability string) *ServiceError {
	return New(ErrCodeNoCapableBackend, "no backend in the deployment group advertises the required capability",
		http.StatusConflict).WithDetails("capability", capability)
}

func UnknownDeploymentGroup(group string) *ServiceError {
	return New(ErrCodeUnknownDeploymentGroup, "deployment group is not configured", http.StatusBadRequest).
		WithDetails("group", group)
}

// RemoteError constructors

func BackendFailure(backend, operation string, err error) *ServiceError {
	return Wrap(ErrCodeBackendFailure, "backend call failed", http.StatusBadGateway, err).
		WithDetails("backend", backend).WithDetails("operation", operation)
}

func RemoteTimeout(backend, operation string) *ServiceError {
	return New(ErrCodeRemoteTimeout, "backend call timed out", http.StatusGatewayTimeout).
		WithDetails("backend", backend).WithDetails("operation", operation)
}

func StreamAborted(conditionName string, err error) *ServiceError {
	return Wrap(ErrCodeStreamAborted, "condition value stream aborted", http.StatusBadGateway, err).
		WithDetails("condition", conditionName)
}

// StateError constructors

func DuplicateLedgerKey(name string) *ServiceError {
	return New(ErrCodeDuplicateLedgerKey, "symbolic name is already registered in this deployment", http.StatusConflict).
		WithDetails("name", name)
}

func ElementNotFound(id string) *ServiceError {
	return New(ErrCodeElementNotFound, "deployment element not found", http.StatusNotFound).
		WithDetails("id", id)
}

func IllegalStatusTransition(from, to string) *ServiceError {
	return New(ErrCodeIllegalStatusTransition, "illegal deployment element status transition", http.StatusConflict).
		WithDetails("from", from).WithDetails("to", to)
}

// IntegrityError constructors

func ChecksumMismatch(resource string) *ServiceError {
	return New(ErrCodeChecksumMismatch, "checksum does not match expected value", http.StatusUnprocessableEntity).
		WithDetails("resource", resource)
}

// DataError constructors

func MalformedConditionValue(conditionName, raw string) *ServiceError {
	return New(ErrCodeMalformedConditionValue, "condition value could not be interpreted", http.StatusUnprocessableEntity).
		WithDetails("condition", conditionName).WithDetails("raw", raw)
}

func DatabaseConflict(operation string, err error) *ServiceError {
	return Wrap(ErrCodeDatabaseConflict, "database operation conflicted with existing state", http.StatusConflict, err).
		WithDetails("operation", operation)
}

func DatabaseRecordNotFound(table, id string) *ServiceError {
	return New(ErrCodeDatabaseRecordNotFound, "database record not found", http.StatusNotFound).
		WithDetails("table", table).WithDetails("id", id)
}

// Fatal constructor: the process cannot continue, the caller should abort.

func FatalError(message string, err error) *ServiceError {
	return Wrap(ErrCodeFatal, message, http.StatusInternalServerError, err)
}

// Helper functions

func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return stderrors.As(err, &serviceErr)
}

func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if stderrors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsCode reports whether err is a ServiceError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	if se := GetServiceError(err); se != nil {
		return se.Code == code
	}
	return false
}
