package bundlefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"os"
	"time"

	"github.com/couchbase/stellar-stream/pkg/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Fetcher retrieves the raw bytes of an application bundle.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

const defaultFetchTimeout = 30 * time.Second

type URIFetcherOptions struct {
	Logger  *zap.Logger
	Metrics *metrics.StreamMetrics

	// Timeout bounds a single fetch, including reading the body.
	Timeout time.Duration

	// HTTPClient overrides the instrumented client built by default.
	HTTPClient *http.Client
}

// URIFetcher resolves file and http(s) URIs.  File paths are read as-is and
// http requests are a single synchronous GET.
type URIFetcher struct {
	logger     *zap.Logger
	metrics    *metrics.StreamMetrics
	timeout    time.Duration
	httpClient *http.Client
}

var _ Fetcher = (*URIFetcher)(nil)

func NewURIFetcher(opts URIFetcherOptions) *URIFetcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	streamMetrics := opts.Metrics
	if streamMetrics == nil {
		streamMetrics = metrics.GetStreamMetrics()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &URIFetcher{
		logger:     logger,
		metrics:    streamMetrics,
		timeout:    timeout,
		httpClient: httpClient,
	}
}

func (f *URIFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, &FetchError{URI: uri, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	stime := time.Now()

	var data []byte
	switch parsed.Scheme {
	case "file":
		data, err = f.fetchFile(ctx, uri, parsed)
	case "http", "https":
		data, err = f.fetchHTTP(ctx, uri)
	default:
		err = &FetchError{
			URI: uri,
			Err: fmt.Errorf("%w: %q", ErrUnsupportedScheme, parsed.Scheme),
		}
	}

	f.metrics.BundleFetchDuration.Record(context.Background(),
		time.Since(stime).Seconds(),
		metric.WithAttributes(
			attribute.String("scheme", parsed.Scheme),
			attribute.Bool("success", err == nil)))

	if err != nil {
		return nil, err
	}

	f.logger.Debug("fetched bundle",
		zap.String("uri", uri),
		zap.Int("size", len(data)),
		zap.Duration("elapsed", time.Since(stime)))

	return data, nil
}

func (f *URIFetcher) fetchFile(ctx context.Context, uri string, parsed *url.URL) ([]byte, error) {
	path := parsed.Path
	if path == "" {
		// file:relative/path parses into Opaque
		path = parsed.Opaque
	}

	if err := ctx.Err(); err != nil {
		return nil, &FetchError{URI: uri, Err: err}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FetchError{URI: uri, Err: err}
	}

	return data, nil
}

func (f *URIFetcher) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	ctx = httptrace.WithClientTrace(ctx, otelhttptrace.NewClientTrace(ctx))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &FetchError{URI: uri, Err: err}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{URI: uri, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{
			URI:        uri,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected http status %s", resp.Status),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{URI: uri, Err: err}
	}

	return data, nil
}
