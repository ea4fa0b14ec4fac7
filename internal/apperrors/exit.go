package apperrors

import "errors"

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
)

// IsFatal reports whether err aborts the stages that follow it.
// Log retrieval and teardown failures are recoverable; anything else,
// including errors this package does not know about, is fatal.
// Errors combined with errors.Join are fatal if any of them is.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*Error); !ok {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				if IsFatal(e) {
					return true
				}
			}
			return false
		}
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrDeployment),
		errors.Is(err, ErrRunCreation),
		errors.Is(err, ErrRunTimeout):
		return true
	case errors.Is(err, ErrLogRetrieval), errors.Is(err, ErrTeardown):
		return false
	default:
		return true
	}
}

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if IsFatal(err) {
		return ExitFailure
	}
	return ExitOK
}
