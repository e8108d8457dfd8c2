package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog/log"
)

// StatusError is returned when the model server answers with a non-2xx code.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Code)
}

// Temporary reports whether retrying may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Fetcher resolves a model location to a local file, downloading remote
// models into a cache directory once.
type Fetcher struct {
	client   *http.Client
	cacheDir string
	retries  int
	delay    time.Duration
	maxDelay time.Duration
}

type FetcherOption func(*Fetcher)

func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithBackoff sets the initial and maximum delay between download attempts.
func WithBackoff(delay, maxDelay time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.delay = delay
		f.maxDelay = maxDelay
	}
}

func NewFetcher(cacheDir string, retries int, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 5 * time.Minute},
		cacheDir: cacheDir,
		retries:  retries,
		delay:    500 * time.Millisecond,
		maxDelay: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns a local path for location. Plain paths and file:// URLs are
// returned as they are; http(s) URLs are downloaded unless already cached.
func (f *Fetcher) Fetch(ctx context.Context, location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid model location %q: %w", location, err)
	}

	switch u.Scheme {
	case "", "file":
		p := location
		if u.Scheme == "file" {
			p = u.Path
		}
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("model file: %w", err)
		}
		return p, nil
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported model scheme %q", u.Scheme)
	}

	dst := f.cachePath(u)
	if fi, err := os.Stat(dst); err == nil && fi.Size() > 0 {
		log.Debug().Str("url", location).Str("path", dst).Msg("Model found in cache")
		return dst, nil
	}

	if err := os.MkdirAll(f.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache dir: %w", err)
	}

	policy := retrypolicy.Builder[any]().
		HandleIf(func(_ any, err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Temporary()
			}
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}).
		WithMaxRetries(f.retries).
		WithBackoff(f.delay, f.maxDelay).
		Build()

	attempt := 0
	err = failsafe.NewExecutor[any](policy).WithContext(ctx).Run(func() error {
		attempt++
		if attempt > 1 {
			log.Warn().Str("url", location).Int("attempt", attempt).Msg("Retrying model download")
		}
		return f.download(ctx, location, dst)
	})
	if err != nil {
		return "", fmt.Errorf("failed to download model: %w", err)
	}
	return dst, nil
}

func (f *Fetcher) cachePath(u *url.URL) string {
	sum := sha256.Sum256([]byte(u.String()))
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		name = "model.onnx"
	}
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8])+"-"+name)
}

func (f *Fetcher) download(ctx context.Context, location, dst string) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: location, Code: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(f.cacheDir, ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	if n == 0 {
		return errors.New("model download is empty")
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("move model into cache: %w", err)
	}
	log.Info().Str("url", location).Str("path", dst).Int64("bytes", n).Dur("took", time.Since(start)).Msg("Model downloaded")
	return nil
}
