package schemas

import (
	"context"
	"errors"
)

// Failure sentinels. Components wrap these with fmt.Errorf("...: %w", ErrX) so that
// callers can classify with errors.Is while keeping the detail in the message.
var (
	ErrResolutionTimeout         = errors.New("dependent options did not populate in time")
	ErrElementNotFound           = errors.New("element not found")
	ErrChallengeTimeout          = errors.New("challenge was not resolved in time")
	ErrChallengeSubmissionFailed = errors.New("challenge submission failed")
	ErrResultTimeout             = errors.New("result container did not appear in time")
	ErrEnvironment               = errors.New("automation environment failure")
	ErrInvalidRequest            = errors.New("invalid request")
	ErrCancelled                 = errors.New("session cancelled")

	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidState    = errors.New("invalid session state")
)

// ErrorKind is the stable, machine-readable classification recorded on a failed session.
type ErrorKind string

const (
	KindNone                      ErrorKind = ""
	KindResolutionTimeout         ErrorKind = "resolution_timeout"
	KindElementNotFound           ErrorKind = "element_not_found"
	KindChallengeTimeout          ErrorKind = "challenge_timeout"
	KindChallengeSubmissionFailed ErrorKind = "challenge_submission_failed"
	KindResultTimeout             ErrorKind = "result_timeout"
	KindEnvironment               ErrorKind = "environment_error"
	KindInvalidRequest            ErrorKind = "invalid_request"
	KindCancelled                 ErrorKind = "cancelled"
	KindInternal                  ErrorKind = "internal"
)

var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{ErrCancelled, KindCancelled},
	{ErrResolutionTimeout, KindResolutionTimeout},
	{ErrElementNotFound, KindElementNotFound},
	{ErrChallengeTimeout, KindChallengeTimeout},
	{ErrChallengeSubmissionFailed, KindChallengeSubmissionFailed},
	{ErrResultTimeout, KindResultTimeout},
	{ErrEnvironment, KindEnvironment},
	{ErrInvalidRequest, KindInvalidRequest},
	{context.Canceled, KindCancelled},
}

// KindOf classifies err. Unrecognized errors are KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, entry := range kindTable {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return KindInternal
}
