package anchor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
)

var (
	// ErrUnavailable is returned for every anchor request when no contract address or signer was configured
	ErrUnavailable = errors.New("anchor service unavailable: missing contract address or signer")
	// ErrStopped resolves jobs still queued when the service shuts down
	ErrStopped = errors.New("anchor service stopped")
)

var transientRegex = regexp.MustCompile(`(?i)(nonce|temporar|timeout|timed out|rate limit|too many requests|replacement|underpriced|connection reset|connection refused|broken pipe)`)

// IsTransient reports whether a send failure is worth retrying: sequence conflicts,
// timeouts, rate limiting, fee underpricing and temporary network faults
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return transientRegex.MatchString(err.Error())
}

// SendError is the terminal outcome of a submission job
type SendError struct {
	Attempts  int
	TxID      string // set when the broadcast succeeded but recording it did not
	Transient bool
	Err       error
}

func (e *SendError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("anchor send failed after broadcast of %s: %v", e.TxID, e.Err)
	}
	return fmt.Sprintf("anchor send failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// DecodeError marks a log entry that could not be decoded as a Log event
type DecodeError struct {
	TxID  string
	Index uint
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("undecodable log %s#%d: %v", e.TxID, e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
