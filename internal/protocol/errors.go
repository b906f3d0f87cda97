package protocol

import "errors"

// FatalConfigError wraps a configuration or remote-schema error that must
// not be retried: the reconnect loop surfaces it to the bridge's status
// surface and stops looping for that source.
type FatalConfigError struct {
	Err error
}

func (e *FatalConfigError) Error() string { return "fatal config error: " + e.Err.Error() }

func (e *FatalConfigError) Unwrap() error { return e.Err }

// IsFatal reports whether err (or something it wraps) is a FatalConfigError.
func IsFatal(err error) bool {
	var fatal *FatalConfigError
	return errors.As(err, &fatal)
}
