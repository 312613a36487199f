package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"supportchat/internal/domain/chat"
)

// wrapErr classifies driver failures. Timeouts and network errors are
// retryable; everything else is reported as is.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return chat.StoreUnavailable(op, err)
	}
	return fmt.Errorf("mongo: %s: %w", op, err)
}
