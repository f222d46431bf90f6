package segment

import (
	"errors"
	"fmt"
)

// ErrNotRunning is returned for operations on a stopped segment. The
// caller can recover by starting the segment and retrying.
var ErrNotRunning = errors.New("segment is not running")

// SegmentError wraps errors with operation context.
type SegmentError struct {
	Op  string
	Err error
}

func (e *SegmentError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("segment: %v", e.Err)
	}
	return fmt.Sprintf("segment: %s: %v", e.Op, e.Err)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}

func (e *SegmentError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// wrapError wraps an error with operation context.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SegmentError{Op: op, Err: err}
}
