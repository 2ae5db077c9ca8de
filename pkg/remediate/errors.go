package remediate

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/saint0x/incident-copilot/pkg/incident"
)

// Code classifies a remediation failure
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodePatchMissing    Code = "PATCH_MISSING"
	CodeInvalidDiff     Code = "INVALID_DIFF"
	CodePathNotFound    Code = "PATH_NOT_FOUND"
	CodeFileFetchFailed Code = "FILE_FETCH_FAILED"
	CodePatchFailed     Code = "PATCH_FAILED"
	CodeEmptyContent    Code = "EMPTY_CONTENT"
	CodeRemoteAPI       Code = "REMOTE_API_ERROR"
	CodeInternal        Code = "INTERNAL"
)

// Error is a typed remediation failure. Status carries the upstream HTTP
// status for REMOTE_API_ERROR when one is known.
type Error struct {
	Code    Code
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the code onto the status the API answers with
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodePatchMissing:
		return http.StatusBadRequest
	case CodeInvalidDiff, CodePathNotFound, CodePatchFailed, CodeEmptyContent:
		return http.StatusUnprocessableEntity
	case CodeFileFetchFailed:
		return http.StatusBadGateway
	case CodeRemoteAPI:
		if e.Status >= 400 && e.Status < 600 {
			return e.Status
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf returns the code of a remediation error, or INTERNAL for anything else
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeInternal
}

func newError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func remoteError(msg string, err error) *Error {
	e := newError(CodeRemoteAPI, msg, err)
	var re *incident.RemoteError
	if errors.As(err, &re) {
		e.Status = re.Status
	}
	return e
}
