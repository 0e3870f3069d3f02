package fetch

import (
	"errors"
	"fmt"
)

// ErrMalformedKey is returned by a StateFactory for keys it cannot parse.
// The Getter reports it as InvalidURI.
var ErrMalformedKey = errors.New("malformed key")

// ErrSchedulerClosed is returned when submitting to a closed Scheduler.
var ErrSchedulerClosed = errors.New("scheduler closed")

// Mode classifies a fetch failure. Codes are stable.
type Mode int

// Failure modes.
const (
	TooDeepArchiveRecursion  Mode = 1
	UnknownSplitfileMetadata Mode = 2
	UnknownMetadata          Mode = 3
	InvalidMetadata          Mode = 4
	ArchiveFailure           Mode = 5
	BlockDecodeError         Mode = 6
	TooManyMetadataLevels    Mode = 7
	TooManyArchiveRestarts   Mode = 8
	TooMuchRecursion         Mode = 9
	NotInArchive             Mode = 10
	TooManyPathComponents    Mode = 11
	BucketError              Mode = 12
	DataNotFound             Mode = 13
	RouteNotFound            Mode = 14
	RejectedOverload         Mode = 15
	TooManyRedirects         Mode = 16
	InternalError            Mode = 17
	TransferFailed           Mode = 18
	SplitfileError           Mode = 19
	InvalidURI               Mode = 20
	TooBig                   Mode = 21
	TooBigMetadata           Mode = 22
	TooManyBlocksPerSegment  Mode = 23
	NotEnoughPathComponents  Mode = 24
	Cancelled                Mode = 25
	ArchiveRestart           Mode = 26
	PermanentRedirect        Mode = 27
)

var modeNames = map[Mode]string{
	TooDeepArchiveRecursion:  "TOO_DEEP_ARCHIVE_RECURSION",
	UnknownSplitfileMetadata: "UNKNOWN_SPLITFILE_METADATA",
	UnknownMetadata:          "UNKNOWN_METADATA",
	InvalidMetadata:          "INVALID_METADATA",
	ArchiveFailure:           "ARCHIVE_FAILURE",
	BlockDecodeError:         "BLOCK_DECODE_ERROR",
	TooManyMetadataLevels:    "TOO_MANY_METADATA_LEVELS",
	TooManyArchiveRestarts:   "TOO_MANY_ARCHIVE_RESTARTS",
	TooMuchRecursion:         "TOO_MUCH_RECURSION",
	NotInArchive:             "NOT_IN_ARCHIVE",
	TooManyPathComponents:    "TOO_MANY_PATH_COMPONENTS",
	BucketError:              "BUCKET_ERROR",
	DataNotFound:             "DATA_NOT_FOUND",
	RouteNotFound:            "ROUTE_NOT_FOUND",
	RejectedOverload:         "REJECTED_OVERLOAD",
	TooManyRedirects:         "TOO_MANY_REDIRECTS",
	InternalError:            "INTERNAL_ERROR",
	TransferFailed:           "TRANSFER_FAILED",
	SplitfileError:           "SPLITFILE_ERROR",
	InvalidURI:               "INVALID_URI",
	TooBig:                   "TOO_BIG",
	TooBigMetadata:           "TOO_BIG_METADATA",
	TooManyBlocksPerSegment:  "TOO_MANY_BLOCKS_PER_SEGMENT",
	NotEnoughPathComponents:  "NOT_ENOUGH_PATH_COMPONENTS",
	Cancelled:                "CANCELLED",
	ArchiveRestart:           "ARCHIVE_RESTART",
	PermanentRedirect:        "PERMANENT_REDIRECT",
}

var modeDescriptions = map[Mode]string{
	TooDeepArchiveRecursion:  "too many levels of recursion into archives",
	UnknownSplitfileMetadata: "don't know what to do with splitfile",
	UnknownMetadata:          "don't know what to do with metadata",
	InvalidMetadata:          "failed to parse metadata",
	ArchiveFailure:           "failure in extracting files from an archive",
	BlockDecodeError:         "failed to decode a block",
	TooManyMetadataLevels:    "too many metadata levels",
	TooManyArchiveRestarts:   "request was restarted too many times due to archives changing",
	TooMuchRecursion:         "too many redirects (too much recursion)",
	NotInArchive:             "file not in archive",
	TooManyPathComponents:    "too many path components",
	BucketError:              "temporary files error",
	DataNotFound:             "data not found",
	RouteNotFound:            "route not found",
	RejectedOverload:         "a node was overloaded",
	TooManyRedirects:         "too many redirects",
	InternalError:            "internal error",
	TransferFailed:           "found the file, but lost it while receiving the data",
	SplitfileError:           "splitfile error",
	InvalidURI:               "invalid URI",
	TooBig:                   "too big",
	TooBigMetadata:           "metadata too big",
	TooManyBlocksPerSegment:  "too many blocks per segment",
	NotEnoughPathComponents:  "not enough meta-strings",
	Cancelled:                "cancelled by caller",
	ArchiveRestart:           "archive restart",
	PermanentRedirect:        "new URI",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("MODE_%d", int(m))
}

// Description returns a short human-readable explanation of the mode.
func (m Mode) Description() string {
	if d, ok := modeDescriptions[m]; ok {
		return d
	}
	return "unknown error"
}

// IsFatal reports whether retrying the same request cannot succeed.
func (m Mode) IsFatal() bool {
	switch m {
	case DataNotFound, RouteNotFound, RejectedOverload, TransferFailed,
		BucketError, InternalError, SplitfileError, ArchiveRestart:
		return false
	}
	return true
}

// Error is a fetch failure: a Mode plus optional detail and cause.
type Error struct {
	Mode   Mode
	Detail string
	Cause  error
}

// NewError creates an Error with the given mode.
func NewError(mode Mode) *Error {
	return &Error{Mode: mode}
}

// Errorf creates an Error with a formatted detail.
func Errorf(mode Mode, format string, args ...any) *Error {
	return &Error{Mode: mode, Detail: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error caused by err.
func WrapError(mode Mode, err error) *Error {
	return &Error{Mode: mode, Cause: err}
}

func (e *Error) Error() string {
	msg := e.Mode.Description()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// ModeOf returns the Mode of err, or InternalError if err is not an *Error.
func ModeOf(err error) Mode {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Mode
	}
	return InternalError
}

// asError converts any error to an *Error. Malformed keys become InvalidURI.
func asError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, ErrMalformedKey) {
		return WrapError(InvalidURI, err)
	}
	return WrapError(InternalError, err)
}
