package session

import (
	"errors"
	"fmt"

	"github.com/alimasry/go-collab-docs/ot"
	"github.com/alimasry/go-collab-docs/store"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionInactive        = errors.New("session inactive")
	ErrSessionFull            = errors.New("session full")
	ErrSessionExists          = errors.New("session already open for document")
	ErrNotAParticipant        = errors.New("not a participant")
	ErrInsufficientPermission = errors.New("insufficient permission")
	ErrInvalidOperation       = errors.New("invalid operation")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrVersionConflict        = errors.New("version conflict")
)

// RejectionError is returned when an operation is refused. History is left
// untouched, and CurrentVersion tells the client what to rebase onto before
// resubmitting.
type RejectionError struct {
	Err            error
	CurrentVersion int
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("operation rejected at version %d: %v", e.CurrentVersion, e.Err)
}

func (e *RejectionError) Unwrap() error { return e.Err }

func reject(err error, version int) error {
	return &RejectionError{Err: err, CurrentVersion: version}
}

// errorCodes is ordered most specific first: an invalid operation also wraps the
// validation error that caused it.
var errorCodes = []struct {
	err  error
	code string
}{
	{ot.ErrInvalidPosition, "InvalidPosition"},
	{ot.ErrDeleteOutOfBounds, "DeleteOutOfBounds"},
	{ot.ErrUnknownKind, "InvalidOperation"},
	{ErrSessionNotFound, "SessionNotFound"},
	{ErrSessionInactive, "SessionInactive"},
	{ErrSessionFull, "SessionFull"},
	{ErrSessionExists, "SessionExists"},
	{ErrNotAParticipant, "NotAParticipant"},
	{ErrInsufficientPermission, "InsufficientPermission"},
	{ErrInvalidOperation, "InvalidOperation"},
	{ErrInvalidTransition, "InvalidTransition"},
	{ErrVersionConflict, "VersionConflict"},
	{store.ErrSnapshotNotFound, "SnapshotNotFound"},
	{store.ErrDocumentNotFound, "DocumentNotFound"},
	{store.ErrDocumentExists, "DocumentExists"},
}

// Code returns the wire name of err's kind, or "Internal" for errors
// outside the taxonomy.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}

// CurrentVersion extracts the version carried by a RejectionError.
func CurrentVersion(err error) (int, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.CurrentVersion, true
	}
	return 0, false
}
