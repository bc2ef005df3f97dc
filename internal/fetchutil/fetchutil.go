// Package fetchutil implements the Checksum & Fetch Primitive: concurrent,
// bounded downloads over HTTPS with retry/backoff and streaming multi-
// algorithm digest verification. The concurrency gate and fan-out pattern
// are grounded on the teacher's pkg/deps worker-pool crawler, adapted from
// a channel-based job queue to a golang.org/x/sync errgroup with a
// per-call limit, and the retry/backoff law is grounded on the teacher's pkg/httputil/retry.go.
package fetchutil

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/observability"
)

// DefaultConcurrency is the number of simultaneous downloads fetch_many
// performs when the caller does not specify one.
const DefaultConcurrency = 5

const (
	maxAttempts       = 5
	baseBackoff       = 1 * time.Second
	maxBackoff        = 32 * time.Second
	perAttemptTimeout = 60 * time.Second
	totalBudget       = 10 * time.Minute
)

// Checksum is an algorithm/value pair, e.g. sha256:deadbeef...
type Checksum struct {
	Algorithm string
	Value     string
}

func (c Checksum) String() string { return c.Algorithm + ":" + c.Value }

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, cherr.New(cherr.FetchError, "unsupported checksum algorithm %q", algorithm)
	}
}

// Request describes a single file to fetch.
type Request struct {
	URL         string
	Dest        string // final path; fetch writes atomically via a sibling temp file
	Checksums   []Checksum
	MaxBodySize int64 // 0 means unbounded
}

// Result reports what happened for one Request.
type Result struct {
	Request Request
	Err     error
}

// HTTPDoer is satisfied by *http.Client; tests substitute a fake.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher performs HTTPS downloads with retry, streaming digest
// verification, and atomic writes.
type Fetcher struct {
	Client      HTTPDoer
	Concurrency int
}

// New creates a Fetcher using http.DefaultClient and DefaultConcurrency.
func New() *Fetcher {
	return &Fetcher{Client: http.DefaultClient, Concurrency: DefaultConcurrency}
}

// FetchMany downloads every request, bounded to f.Concurrency simultaneous
// transfers via a golang.org/x/sync/errgroup concurrency gate. The limit
// covers this call only: downloads started by other FetchMany calls, on
// this Fetcher or another one, are not counted against it. It returns
// one Result per Request, in input order, and does not stop early on
// failure: every request gets its own outcome so callers can report all
// bad checksums/URLs in one pass, matching spec.md's fetch_many semantics.
func (f *Fetcher) FetchMany(ctx context.Context, reqs []Request) []Result {
	concurrency := f.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	results := make([]Result, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, r := range reqs {
		i, r := i, r
		g.Go(func() error {
			results[i] = Result{Request: r, Err: f.FetchOne(gctx, r)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// FetchOne downloads a single request with retry and full-jitter exponential
// backoff, then verifies every declared checksum against the bytes written.
// On any failure (including checksum mismatch) it removes its partial temp
// file; the destination path is only ever populated by a successful
// download, via an atomic rename.
func (f *Fetcher) FetchOne(ctx context.Context, req Request) error {
	budgetCtx, cancel := context.WithTimeout(ctx, totalBudget)
	defer cancel()

	start := time.Now()
	observability.Fetch().OnFetchStart(ctx, req.URL)

	var lastErr error
	var bytesWritten int64
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			observability.Fetch().OnFetchRetry(ctx, req.URL, attempt, lastErr)
			delay := backoffDelay(attempt)
			select {
			case <-time.After(delay):
			case <-budgetCtx.Done():
				err := cherr.Wrap(cherr.FetchError, budgetCtx.Err(), "fetch budget exceeded for %s", req.URL)
				observability.Fetch().OnFetchComplete(ctx, req.URL, bytesWritten, time.Since(start), err)
				return err
			}
		}

		n, err := f.attempt(budgetCtx, req)
		if err == nil {
			observability.Fetch().OnFetchComplete(ctx, req.URL, n, time.Since(start), nil)
			return nil
		}
		bytesWritten = n
		lastErr = err
		if !isTransient(err) {
			observability.Fetch().OnFetchComplete(ctx, req.URL, bytesWritten, time.Since(start), err)
			return err
		}
	}
	err := cherr.Wrap(cherr.FetchError, lastErr, "exhausted %d attempts fetching %s", maxAttempts, req.URL)
	observability.Fetch().OnFetchComplete(ctx, req.URL, bytesWritten, time.Since(start), err)
	return err
}

func backoffDelay(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

func isTransient(err error) bool {
	var t *transientError
	return asTransient(err, &t)
}

func asTransient(err error, target **transientError) bool {
	for err != nil {
		if t, ok := err.(*transientError); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (f *Fetcher) attempt(ctx context.Context, req Request) (int64, error) {
	if !isHTTPS(req.URL) {
		return 0, cherr.New(cherr.FetchError, "refusing non-HTTPS url: %s", req.URL)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, cherr.Wrap(cherr.FetchError, err, "building request for %s", req.URL)
	}

	resp, err := f.Client.Do(httpReq)
	if err != nil {
		return 0, &transientError{cherr.Wrap(cherr.FetchError, err, "requesting %s", req.URL)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
		return 0, &transientError{cherr.New(cherr.FetchError, "%s: server returned %d", req.URL, resp.StatusCode).
			WithField("url", req.URL)}
	}
	if resp.StatusCode != http.StatusOK {
		return 0, cherr.New(cherr.FetchError, "%s: unexpected status %d", req.URL, resp.StatusCode).
			WithField("url", req.URL)
	}

	return f.streamToDest(req, resp.Body)
}

func (f *Fetcher) streamToDest(req Request, body io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return 0, cherr.Wrap(cherr.FetchError, err, "creating directory for %s", req.Dest)
	}

	tmp, err := os.CreateTemp(filepath.Dir(req.Dest), filepath.Base(req.Dest)+".tmp-*")
	if err != nil {
		return 0, cherr.Wrap(cherr.FetchError, err, "creating temp file for %s", req.Dest)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		tmp.Close()
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	hashers := make(map[string]hash.Hash, len(req.Checksums))
	writers := []io.Writer{tmp}
	for _, c := range req.Checksums {
		if _, ok := hashers[c.Algorithm]; ok {
			continue
		}
		h, err := newHash(c.Algorithm)
		if err != nil {
			return 0, err
		}
		hashers[c.Algorithm] = h
		writers = append(writers, h)
	}

	var reader io.Reader = body
	if req.MaxBodySize > 0 {
		reader = io.LimitReader(body, req.MaxBodySize+1)
	}

	n, err := io.Copy(io.MultiWriter(writers...), reader)
	if err != nil {
		return n, &transientError{cherr.Wrap(cherr.FetchError, err, "streaming %s", req.URL)}
	}
	if req.MaxBodySize > 0 && n > req.MaxBodySize {
		return n, cherr.New(cherr.FetchError, "%s: response exceeds max size %d bytes", req.URL, req.MaxBodySize)
	}

	for _, c := range req.Checksums {
		got := hex.EncodeToString(hashers[c.Algorithm].Sum(nil))
		if got != c.Value {
			return n, cherr.New(cherr.FetchError, "checksum mismatch for %s", req.URL).
				WithField("url", req.URL).
				WithField("expected_checksum", c.String()).
				WithField("actual_checksum", c.Algorithm+":"+got)
		}
	}

	if err := tmp.Sync(); err != nil {
		return n, cherr.Wrap(cherr.FetchError, err, "fsyncing temp file for %s", req.Dest)
	}
	if err := tmp.Close(); err != nil {
		return n, cherr.Wrap(cherr.FetchError, err, "closing temp file for %s", req.Dest)
	}
	if err := os.Rename(tmpPath, req.Dest); err != nil {
		return n, cherr.Wrap(cherr.FetchError, err, "renaming into place: %s", req.Dest)
	}
	cleanup = false
	return n, nil
}

func isHTTPS(rawURL string) bool {
	return len(rawURL) > 8 && rawURL[:8] == "https://"
}

// VerifyFile re-reads an already-downloaded file and checks its digests,
// used when resolvers validate pre-existing cache entries without
// re-fetching them.
func VerifyFile(path string, checksums []Checksum) error {
	f, err := os.Open(path)
	if err != nil {
		return cherr.Wrap(cherr.FetchError, err, "opening %s for verification", path)
	}
	defer f.Close()

	hashers := make(map[string]hash.Hash, len(checksums))
	writers := make([]io.Writer, 0, len(checksums))
	for _, c := range checksums {
		if _, ok := hashers[c.Algorithm]; ok {
			continue
		}
		h, err := newHash(c.Algorithm)
		if err != nil {
			return err
		}
		hashers[c.Algorithm] = h
		writers = append(writers, h)
	}
	if _, err := io.Copy(io.MultiWriter(writers...), f); err != nil {
		return cherr.Wrap(cherr.FetchError, err, "reading %s for verification", path)
	}
	for _, c := range checksums {
		got := hex.EncodeToString(hashers[c.Algorithm].Sum(nil))
		if got != c.Value {
			return cherr.New(cherr.FetchError, "checksum mismatch for %s", path).
				WithField("file", path).
				WithField("expected_checksum", c.String()).
				WithField("actual_checksum", c.Algorithm+":"+got)
		}
	}
	return nil
}
