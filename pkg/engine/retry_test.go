package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sergey-melnychuk/yalskv/pkg/segment"
)

func TestRetryWithConfig(t *testing.T) {
	config := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	transient := fmt.Errorf("%w: disk hiccup", segment.ErrIO)

	attempts := 0
	err := retryWithConfig(func() error {
		attempts++
		if attempts < 3 {
			return transient
		}
		return nil
	}, config, isTransientIO)
	if err != nil || attempts != 3 {
		t.Errorf("expected success on attempt 3, got %v after %d", err, attempts)
	}

	attempts = 0
	err = retryWithConfig(func() error {
		attempts++
		return transient
	}, config, isTransientIO)
	if !errors.Is(err, segment.ErrIO) || attempts != 4 {
		t.Errorf("expected ErrIO after 4 attempts, got %v after %d", err, attempts)
	}

	attempts = 0
	err = retryWithConfig(func() error {
		attempts++
		return segment.ErrSealed
	}, config, isTransientIO)
	if err != segment.ErrSealed || attempts != 1 {
		t.Errorf("non-transient errors must not be retried, got %v after %d", err, attempts)
	}

	attempts = 0
	retryWithConfig(func() error {
		attempts++
		return transient
	}, DefaultRetryConfig(0), isTransientIO)
	if attempts != 1 {
		t.Errorf("zero retries should attempt once, got %d", attempts)
	}
}
