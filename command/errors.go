package command

import "errors"

var (
	ErrMalformedRequest  = errors.New("malformed command request")
	ErrMalformedReply    = errors.New("malformed command reply")
	ErrMalformedIdentity = errors.New("malformed command identity file")
	ErrNotLoopback       = errors.New("command listener must bind a loopback address")
	ErrListenerClosed    = errors.New("command listener closed")
	ErrAlreadyStarted    = errors.New("command listener already started")
	ErrNoReply           = errors.New("command channel closed without a reply")
	ErrProcessMismatch   = errors.New("reply came from a different process")
	ErrChallengeMismatch = errors.New("unexpected challenge from command listener")
)
