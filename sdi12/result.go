package sdi12

import "errors"

// Result is the outcome of one transaction.
type Result uint8

const (
	Success Result = iota
	Fail
	Timeout
	ParityError
	ReplyError
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Fail:
		return "fail"
	case Timeout:
		return "timeout"
	case ParityError:
		return "parity error"
	case ReplyError:
		return "reply error"
	default:
		return "unknown"
	}
}

// ResultOf maps an error returned by Engine.Execute back to its Result.
// A nil error is Success; errors wrapping no known sentinel are Fail.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrTimeout):
		return Timeout
	case errors.Is(err, ErrParity):
		return ParityError
	case errors.Is(err, ErrReply):
		return ReplyError
	default:
		return Fail
	}
}

// Retryable reports whether re-issuing the same command may succeed.
func (r Result) Retryable() bool {
	return r == Timeout || r == ParityError
}
