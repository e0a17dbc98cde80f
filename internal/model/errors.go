package model

import (
	"errors"
	"fmt"
)

// Configuration errors are user-correctable and always surface before launch.
var (
	ErrUnknownReference = errors.New("unknown reference")
	ErrMissingAsset     = errors.New("missing asset")
	ErrEmptyTaskList    = errors.New("no enabled tasks")
	ErrInvalidInput     = errors.New("invalid input")
)

// Lifecycle and update errors.
var (
	ErrLaunch          = errors.New("engine launch failed")
	ErrAlreadyRunning  = errors.New("engine already running")
	ErrUpdateBusy      = errors.New("engine busy")
	ErrUpdating        = errors.New("engine update in progress")
	ErrEngineCrash     = errors.New("engine crashed")
	ErrCheckFailed     = errors.New("update check failed")
	ErrDownloadFailed  = errors.New("update download failed")
	ErrIntegrity       = errors.New("update integrity check failed")
	ErrVersionMismatch = errors.New("requested version not available")
	ErrNotFound        = errors.New("not found")
)

// Error wraps a sentinel with the operation that produced it.
type Error struct {
	Op     string
	Err    error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(op string, err error, detail string) *Error {
	return &Error{Op: op, Err: err, Detail: detail}
}

// Errorf is NewError with a formatted detail.
func Errorf(op string, err error, format string, args ...any) *Error {
	return &Error{Op: op, Err: err, Detail: fmt.Sprintf(format, args...)}
}

func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnknownReference) ||
		errors.Is(err, ErrMissingAsset) ||
		errors.Is(err, ErrEmptyTaskList) ||
		errors.Is(err, ErrInvalidInput)
}

type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeUnknownReference ErrorCode = "UNKNOWN_REFERENCE"
	CodeMissingAsset     ErrorCode = "MISSING_ASSET"
	CodeEmptyTaskList    ErrorCode = "EMPTY_TASK_LIST"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeLaunch           ErrorCode = "LAUNCH_ERROR"
	CodeAlreadyRunning   ErrorCode = "ALREADY_RUNNING"
	CodeUpdateBusy       ErrorCode = "UPDATE_BUSY"
	CodeUpdating         ErrorCode = "UPDATING"
	CodeEngineCrash      ErrorCode = "ENGINE_CRASH"
	CodeCheckFailed      ErrorCode = "CHECK_FAILED"
	CodeDownloadFailed   ErrorCode = "DOWNLOAD_FAILED"
	CodeIntegrity        ErrorCode = "INTEGRITY_FAILURE"
	CodeVersionMismatch  ErrorCode = "VERSION_MISMATCH"
	CodeNotFound         ErrorCode = "NOT_FOUND"
)

var codeTable = []struct {
	err  error
	code ErrorCode
}{
	{ErrUnknownReference, CodeUnknownReference},
	{ErrMissingAsset, CodeMissingAsset},
	{ErrEmptyTaskList, CodeEmptyTaskList},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrLaunch, CodeLaunch},
	{ErrAlreadyRunning, CodeAlreadyRunning},
	{ErrUpdateBusy, CodeUpdateBusy},
	{ErrUpdating, CodeUpdating},
	{ErrEngineCrash, CodeEngineCrash},
	{ErrIntegrity, CodeIntegrity},
	{ErrDownloadFailed, CodeDownloadFailed},
	{ErrCheckFailed, CodeCheckFailed},
	{ErrVersionMismatch, CodeVersionMismatch},
	{ErrNotFound, CodeNotFound},
}

// CodeOf maps an error to its machine-readable code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}
