// Package oracle provides the embedding/chat capability backing search
// and summarization. Callers receive the Oracle interface; tests
// substitute the deterministic Fake.
package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Error kinds surfaced by oracle implementations. The CLI maps all three
// to exit code 2.
var (
	ErrUnreachable  = errors.New("oracle unreachable")
	ErrModelMissing = errors.New("oracle model missing")
	ErrTimeout      = errors.New("oracle timeout")
)

// ChatRequest is a single chat completion request.
type ChatRequest struct {
	System string
	User   string
	// JSON asks the model to emit a JSON object.
	JSON bool
}

// Oracle is the two-method capability for vector computation and
// summarization. Implementations must honor ctx cancellation.
type Oracle interface {
	// Embed returns one fixed-dimension vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Chat returns the completion for a prompt.
	Chat(ctx context.Context, req ChatRequest) (string, error)
}

// IsOracleErr reports whether err is one of the oracle failure kinds.
func IsOracleErr(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrModelMissing) || errors.Is(err, ErrTimeout)
}

// retryOnce runs op, retrying a single time with exponential backoff
// when it fails with a retryable oracle error. Model-missing failures
// are not retried: the model will not appear between attempts.
func retryOnce(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrModelMissing) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 1), ctx))
}
