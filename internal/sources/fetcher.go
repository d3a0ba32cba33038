package sources

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v4"
	"github.com/xkilldash9x/helix-cli/internal/config"
	"github.com/xkilldash9x/helix-cli/internal/network"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrValidation is returned when a download still fails validation after the
// retry budget is spent.
var ErrValidation = errors.New("download failed validation")

// Request describes one HTTP fetch.
type Request struct {
	Method   string
	URL      string
	Username string
	Password string
	// Form, when set, is sent url-encoded as the request body.
	Form url.Values
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Temporary reports whether retrying the request could succeed.
func (e *StatusError) Temporary() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// Fetcher performs rate limited HTTP requests on behalf of probes and
// downloaders. It is safe for concurrent use.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	retries   int
	delay     time.Duration
	userAgent string
	log       *zap.Logger
}

// NewFetcher builds a fetcher from the sources.http configuration.
func NewFetcher(cfg config.HTTPConfig, logger *zap.Logger) *Fetcher {
	clientCfg := network.NewDefaultClientConfig()
	if cfg.Timeout > 0 {
		clientCfg.RequestTimeout = cfg.Timeout
	}
	// Encodings are negotiated and decoded here, see decodeBody.
	clientCfg.DisableCompression = true
	clientCfg.Logger = logger
	return newFetcher(network.NewClient(clientCfg), cfg, logger)
}

func newFetcher(client *http.Client, cfg config.HTTPConfig, logger *zap.Logger) *Fetcher {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 1
	}
	return &Fetcher{
		client:    client,
		limiter:   rate.NewLimiter(limit, 1),
		retries:   retries,
		delay:     cfg.RetryDelay,
		userAgent: cfg.UserAgent,
		log:       logger.Named("fetcher"),
	}
}

func (f *Fetcher) do(ctx context.Context, req Request, acceptEncoding string) (*http.Response, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", req.URL, err)
	}
	if req.Form != nil {
		hreq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if req.Username != "" {
		hreq.SetBasicAuth(req.Username, req.Password)
	}
	if f.userAgent != "" {
		hreq.Header.Set("User-Agent", f.userAgent)
	}
	if acceptEncoding != "" {
		hreq.Header.Set("Accept-Encoding", acceptEncoding)
	}

	resp, err := f.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &StatusError{URL: req.URL, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// decodeBody undoes any Content-Encoding the server applied.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip":
		return gzip.NewReader(resp.Body)
	default:
		return resp.Body, nil
	}
}

// Text fetches a page and returns its decoded body. It makes a single attempt;
// version probes degrade instead of retrying.
func (f *Fetcher) Text(ctx context.Context, rawURL string) (string, error) {
	resp, err := f.do(ctx, Request{URL: rawURL}, "br, gzip")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	r, err := decodeBody(resp)
	if err != nil {
		return "", fmt.Errorf("failed to decode %s: %w", rawURL, err)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	return string(b), nil
}

// Fetch downloads req to target and runs check on the result. Transport errors,
// retryable statuses and check failures each consume one attempt; after the
// last attempt the final error is returned. A check error wrapped with
// backoff.Permanent stops retrying immediately.
func (f *Fetcher) Fetch(ctx context.Context, req Request, target string, check func(path string) error) error {
	attempt := 0
	op := func() error {
		attempt++
		if err := f.fetchOnce(ctx, req, target); err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.Temporary() {
				return backoff.Permanent(err)
			}
			return err
		}
		if check == nil {
			return nil
		}
		if err := check(target); err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return err
			}
			return fmt.Errorf("%w: %s: %v", ErrValidation, filepath.Base(target), err)
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.delay), uint64(f.retries-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		f.log.Error("Download attempt failed, retrying",
			zap.String("url", req.URL),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("failed to download %s after %d attempt(s): %w", req.URL, attempt, err)
	}
	return nil
}

// fetchOnce streams the response into a temporary file next to target and
// renames it into place, so target never holds a partial download.
func (f *Fetcher) fetchOnce(ctx context.Context, req Request, target string) error {
	resp, err := f.do(ctx, req, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return err
	}

	f.log.Debug("Downloaded file", zap.String("url", req.URL), zap.String("target", target), zap.Int64("bytes", n))
	return nil
}
