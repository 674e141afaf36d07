package bundlefetch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type RetryingFetcherOptions struct {
	Fetcher Fetcher
	Logger  *zap.Logger

	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// AttemptTimeout bounds each individual attempt when set.
	AttemptTimeout time.Duration
}

// RetryingFetcher retries transient failures of an underlying Fetcher with
// exponential backoff.  Unsupported schemes and 4xx responses are permanent.
type RetryingFetcher struct {
	fetcher         Fetcher
	logger          *zap.Logger
	maxAttempts     int
	initialInterval time.Duration
	maxInterval     time.Duration
	attemptTimeout  time.Duration
}

var _ Fetcher = (*RetryingFetcher)(nil)

func NewRetryingFetcher(opts RetryingFetcherOptions) *RetryingFetcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	initialInterval := opts.InitialInterval
	if initialInterval <= 0 {
		initialInterval = 100 * time.Millisecond
	}

	maxInterval := opts.MaxInterval
	if maxInterval <= 0 {
		maxInterval = 5 * time.Second
	}

	return &RetryingFetcher{
		fetcher:         opts.Fetcher,
		logger:          logger,
		maxAttempts:     maxAttempts,
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
		attemptTimeout:  opts.AttemptTimeout,
	}
}

func isPermanent(err error) bool {
	if errors.Is(err, ErrUnsupportedScheme) {
		return true
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.StatusCode >= http.StatusBadRequest &&
			fetchErr.StatusCode < http.StatusInternalServerError
	}

	return false
}

func (f *RetryingFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialInterval
	b.MaxInterval = f.maxInterval
	b.MaxElapsedTime = 0

	attempt := 0
	var data []byte
	err := backoff.Retry(func() error {
		attempt++

		attemptCtx := ctx
		if f.attemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, f.attemptTimeout)
			defer cancel()
		}

		var err error
		data, err = f.fetcher.Fetch(attemptCtx, uri)
		if err == nil {
			return nil
		}

		if isPermanent(err) {
			return backoff.Permanent(err)
		}

		f.logger.Debug("bundle fetch attempt failed",
			zap.String("uri", uri),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.maxAttempts-1)), ctx))
	if err != nil {
		return nil, err
	}

	return data, nil
}
