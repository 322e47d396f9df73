package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDetectorUnavailable  = errors.New("entity detector unavailable")
	ErrInferenceUnavailable = errors.New("on-device inference unavailable")
	ErrInferenceExhausted   = errors.New("on-device inference failed after retries")
	ErrNetwork              = errors.New("cloud completion failed")
	ErrBlockedByPolicy      = errors.New("blocked by privacy policy")
	ErrReviewCancelled      = errors.New("review cancelled")
	ErrReviewPending        = errors.New("another message is awaiting review")
	ErrNoPendingReview      = errors.New("no message is awaiting review")
	ErrBusy                 = errors.New("conversation is busy")
	ErrUnknownPersona       = errors.New("unknown persona")
	ErrUnknownModel         = errors.New("unknown model")
	ErrInvalidConfig        = errors.New("invalid configuration")
)

// PolicyError explains why the router refused to dispatch.
type PolicyError struct {
	Persona     string
	Explanation string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Persona, e.Explanation)
}

func (e *PolicyError) Unwrap() error { return ErrBlockedByPolicy }

// InferenceError wraps a local inference failure with remediation guidance.
type InferenceError struct {
	Model       string
	Remediation string
	Err         error
}

func (e *InferenceError) Error() string {
	if e.Remediation == "" {
		return fmt.Sprintf("model %s: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("model %s: %v (%s)", e.Model, e.Err, e.Remediation)
}

func (e *InferenceError) Unwrap() error { return e.Err }
