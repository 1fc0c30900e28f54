package channels

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestSendRetriesStopOnPermanentRejection(t *testing.T) {
	attempts := 0
	err := withSendRetries(context.Background(), func() error {
		attempts++
		return &permanentError{status: 404}
	})

	var perm *permanentError
	if !errors.As(err, &perm) {
		t.Fatalf("err = %v, want a permanent rejection", err)
	}
	if perm.status != 404 {
		t.Errorf("status = %d", perm.status)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestSendRetriesStopOnWrappedPermanentRejection(t *testing.T) {
	attempts := 0
	err := withSendRetries(context.Background(), func() error {
		attempts++
		return fmt.Errorf("telegram: %w", &permanentError{status: 403})
	})

	var perm *permanentError
	if !errors.As(err, &perm) {
		t.Fatalf("err = %v, want a wrapped permanent rejection", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestSendRetriesHonourCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := withSendRetries(ctx, func() error {
		attempts++
		return errors.New("provider returned 502")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context cancellation", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 before the backoff wait", attempts)
	}
}
