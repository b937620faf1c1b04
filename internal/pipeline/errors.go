package pipeline

import (
	"errors"
	"fmt"
	"time"

	"fm-radio-rt/internal/ringbuffer"
)

var (
	// ErrCaptureFailure is fatal: the capture device is gone or misconfigured.
	ErrCaptureFailure = errors.New("capture failure")
	// ErrDecode marks a malformed raw block. The block is dropped and its
	// sequence number skipped.
	ErrDecode = errors.New("decode error")
	// ErrPlaybackFailure is fatal: the audio device failed twice in a row.
	ErrPlaybackFailure = errors.New("playback failure")
	// ErrQueueClosed is expected during shutdown.
	ErrQueueClosed = ringbuffer.ErrClosed
	// ErrTimeout is returned by WithTimeout.
	ErrTimeout = errors.New("operation timed out")
)

// DecodeError describes a raw block that could not be demodulated.
type DecodeError struct {
	Sequence uint64
	Length   int
	Want     int
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error: block %d: %v", e.Sequence, e.Err)
	}
	return fmt.Sprintf("decode error: block %d has %d bytes, want %d", e.Sequence, e.Length, e.Want)
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func (e *DecodeError) Unwrap() error { return e.Err }

// WithTimeout runs fn and gives up waiting after d. On timeout fn keeps
// running in the background; callers treat that as fatal and close the device
// underneath it. A zero d waits forever.
func WithTimeout(d time.Duration, fn func() error) error {
	if d <= 0 {
		return fn()
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrTimeout, d)
	}
}
