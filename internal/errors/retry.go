package errors

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retry executes fn, retrying transient failures with exponential backoff
// and jitter. Permanent and validation errors fail immediately.
func Retry(fn func() error, classifier *Classifier) error {
	b := retry.NewExponential(10 * time.Millisecond)
	b = retry.WithCappedDuration(time.Second, b)
	b = retry.WithJitterPercent(25, b)
	b = retry.WithMaxRetries(5, b)

	return retry.Do(context.Background(), b, func(_ context.Context) error {
		err := fn()
		if err == nil {
			return nil
		}
		if classifier.ShouldRetry(classifier.Classify(err)) {
			return retry.RetryableError(err)
		}
		return err
	})
}
