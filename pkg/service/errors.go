package service

import (
	goerrors "errors"
	"strconv"

	"github.com/m-mizutani/intelbatch/pkg/errors"
)

// ErrorCode identifies the phase and kind of a batch failure
type ErrorCode int

const (
	CodeJobCreate       ErrorCode = 520
	CodeDataSubmit      ErrorCode = 521
	CodeCombinedSubmit  ErrorCode = 522
	CodePollTransport   ErrorCode = 540
	CodePollStatus      ErrorCode = 545
	CodePollTimeout     ErrorCode = 550
	CodeErrorRetrieval  ErrorCode = 560
	CodeFileTransport   ErrorCode = 580
	CodeFileUpload      ErrorCode = 585
	CodeCriticalFailure ErrorCode = 10500
)

var errorMessages = map[ErrorCode]string{
	CodeJobCreate:       "Failed to create batch job",
	CodeDataSubmit:      "Failed to submit batch data",
	CodeCombinedSubmit:  "Failed to submit batch job with data",
	CodePollTransport:   "Failed to poll batch status",
	CodePollStatus:      "Batch status response is invalid",
	CodePollTimeout:     "Batch status polling timed out",
	CodeErrorRetrieval:  "Failed to retrieve batch errors",
	CodeFileTransport:   "Failed to send file",
	CodeFileUpload:      "File upload was rejected",
	CodeCriticalFailure: "Batch job hit a critical failure",
}

var (
	// ErrPollTimeout is returned when a batch job does not complete within the poll timeout
	ErrPollTimeout = errors.New("batch poll timeout")
	// ErrCriticalFailure is returned when the platform reports an error that must stop the job
	ErrCriticalFailure = errors.New("batch critical failure")
	// errResponse is cause of responses that are not successful
	errResponse = errors.New("unexpected batch API response")
)

// criticalFailures are substrings of errorReason that always stop the job
var criticalFailures = []string{
	"Encountered an unexpected Exception while processing batch job",
	"would exceed the number of allowed indicators",
}

// HaltMode overrides halt-on-error of a phase
type HaltMode int

const (
	// HaltDefault defers to the halt argument of each call
	HaltDefault HaltMode = iota
	// HaltAlways makes every failure of the phase fatal
	HaltAlways
	// HaltNever logs failures of the phase and continues
	HaltNever
)

// Resolve returns effective halt-on-error
func (m HaltMode) Resolve(halt bool) bool {
	switch m {
	case HaltAlways:
		return true
	case HaltNever:
		return false
	}
	return halt
}

// ParseHaltMode converts "true"/"false"/"" into HaltMode
func ParseHaltMode(s string) (HaltMode, error) {
	switch s {
	case "":
		return HaltDefault, nil
	case "true", "always":
		return HaltAlways, nil
	case "false", "never":
		return HaltNever, nil
	}
	return HaltDefault, errors.New("Invalid halt mode").With("mode", s)
}

func newBatchError(code ErrorCode, cause error) *errors.Error {
	batchErrors.WithLabelValues(strconv.Itoa(int(code))).Inc()
	return errors.Wrap(cause, errorMessages[code]).With("code", code)
}

// handleError returns err if halt is true. Otherwise it logs err and returns nil.
func handleError(err *errors.Error, halt bool) error {
	if halt {
		return err
	}

	log := logger.Warn()
	for key, value := range err.Values {
		log = log.Interface(key, value)
	}
	log.Msg(err.Error())
	return nil
}

// ErrorCodeOf returns code of a batch error. 0 is returned for other errors.
func ErrorCodeOf(err error) ErrorCode {
	var e *errors.Error
	if !goerrors.As(err, &e) {
		return 0
	}
	code, _ := e.Values["code"].(ErrorCode)
	return code
}
