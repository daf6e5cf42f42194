package channel

import "errors"

var (
	// ErrClosed indicates use of a closed publisher or subscriber.
	ErrClosed = errors.New("channel closed")

	// ErrEmptyTopic indicates a publish or subscribe without a topic.
	ErrEmptyTopic = errors.New("topic cannot be empty")
)

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks a handler error as unrecoverable. The subscription stops and
// returns it instead of redelivering the message.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
