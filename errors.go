package main

import (
	"errors"
	"fmt"
)

// errorCodeInvalid is the only error category reported over the channel.
const errorCodeInvalid = "INVALID"

const (
	msgCannotOpen   = "Source cannot be opened"
	msgCannotDecode = "Source cannot be decoded"
	msgCannotSave   = "Could not save image"
)

// InvalidError is a failure reported to the caller as INVALID with a
// human-readable message. Err is the underlying cause.
type InvalidError struct {
	Message string
	Err     error
}

func invalid(message string, err error) *InvalidError {
	return &InvalidError{Message: message, Err: err}
}

func invalidf(err error, format string, args ...any) *InvalidError {
	return invalid(fmt.Sprintf(format, args...), err)
}

func (e *InvalidError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *InvalidError) Unwrap() error {
	return e.Err
}

// replyError converts err into the error payload of a reply.
func replyError(err error) *ReplyError {
	var invalidErr *InvalidError
	if errors.As(err, &invalidErr) {
		re := &ReplyError{Code: errorCodeInvalid, Message: invalidErr.Message}
		if invalidErr.Err != nil {
			re.Details = invalidErr.Err.Error()
		}
		return re
	}
	return &ReplyError{Code: errorCodeInvalid, Message: err.Error()}
}
