package engine

import (
	"errors"
	"math/rand"
	"time"

	"github.com/sergey-melnychuk/yalskv/pkg/segment"
)

// RetryConfig defines parameters for retrying failed appends
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retries
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
}

// DefaultRetryConfig returns the retry configuration used for maxRetries attempts
func DefaultRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}
}

// retryWithConfig runs operation until it succeeds, fails with an error
// isRetryable rejects, or runs out of retries
func retryWithConfig(operation func() error, config RetryConfig, isRetryable func(error) bool) error {
	backoff := config.InitialBackoff

	for i := 0; ; i++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !isRetryable(err) || i >= config.MaxRetries {
			return err
		}

		if backoff >= 10 {
			backoff += time.Duration(rand.Int63n(int64(backoff / 10)))
		}
		time.Sleep(backoff)

		backoff *= 2
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}
}

// isTransientIO reports whether err is an I/O failure an append may survive
// on retry. Appends roll back on failure, so retrying never duplicates a record.
func isTransientIO(err error) bool {
	return errors.Is(err, segment.ErrIO)
}
