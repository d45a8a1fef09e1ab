// Package captcha turns a challenge image into the text to submit.
//
// Two strategies exist, picked once at startup: Automated delegates to a
// solving service and polls for the result, HumanRelay forwards the image to
// the operator and waits for a typed reply.
package captcha

import (
	"context"
	"errors"
)

var (
	ErrTimeout   = errors.New("captcha: timed out")
	ErrCancelled = errors.New("captcha: cancelled")
	// ErrService marks a non-recoverable answer from the solving service.
	ErrService = errors.New("captcha: service error")
)

// Resolver solves one challenge. Implementations return promptly once ctx is
// done and leave no background work behind.
type Resolver interface {
	Resolve(ctx context.Context, image []byte) (string, error)
	Name() string
}

// Feedback is implemented by resolvers that can be told an answer was rejected.
type Feedback interface {
	ReportIncorrect(ctx context.Context)
}
