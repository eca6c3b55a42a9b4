package retrypolicy

import "errors"

// ErrAttemptsExhausted is returned when every attempt reported a
// retryable outcome.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry loop. It does not sleep: callers that need
// pacing rely on their natural retrigger (a timer tick or the next
// inbound event) rather than blocking.
type Policy struct {
	MaxAttempts int
}

// Do runs fn until it reports done, returns an error, or the attempt
// cap is reached. fn returning (false, nil) means "retry".
func (p Policy) Do(fn func(attempt int) (done bool, err error)) error {
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		done, err := fn(attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	return ErrAttemptsExhausted
}
