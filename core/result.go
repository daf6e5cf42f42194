package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure by how the owning component must react.
type ErrorKind int

const (
	// KindInput is a caller mistake. Report it as a failure result.
	KindInput ErrorKind = iota + 1
	// KindTransient is an infrastructure hiccup. Surface it so the message
	// is redelivered, unless the durable write already happened.
	KindTransient
	// KindFatal stops the worker instance.
	KindFatal
	// KindAdvisory is a best-effort side effect. Log it and continue.
	KindAdvisory
)

func (k ErrorKind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindAdvisory:
		return "advisory"
	}
	return "unknown"
}

// StepError is a classified failure of one processing step.
type StepError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Classify wraps err with a kind. It returns nil for a nil err.
func Classify(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StepError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first StepError in err's chain.
// Unclassified errors are treated as transient.
func KindOf(err error) ErrorKind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// IsAdvisory reports whether err may be logged and dropped.
func IsAdvisory(err error) bool {
	return err != nil && KindOf(err) == KindAdvisory
}

// IsFatal reports whether err must stop the worker.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}
