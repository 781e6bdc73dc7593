// Package fetch retrieves modules from remote URLs into the content store.
//
// Concurrent requests for the same digest are deduplicated through a pending
// table: the first caller performs the download, later callers wait on its
// broadcast channel. The table entry is removed once the download resolves
// (either way) so a retry after failure starts fresh.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/standardbeagle/nit/internal/digest"
	nerrors "github.com/standardbeagle/nit/internal/errors"
	"github.com/standardbeagle/nit/internal/store"
)

const (
	// DefaultAttempts is the transport retry budget per fetch.
	DefaultAttempts = 3

	// DefaultTimeout bounds a single download attempt.
	DefaultTimeout = 2 * time.Minute

	retryBaseDelay = 250 * time.Millisecond
)

// ProgressSink observes download progress. Implementations must be safe for
// concurrent use; the fetcher works fine with a nil sink.
type ProgressSink interface {
	// Progress is called as bytes arrive. total is -1 when unknown.
	Progress(d digest.Digest, received, total int64)
	// Done is called once per completed transfer, success or failure.
	Done(d digest.Digest, err error)
}

// pending is the broadcast handle for one in-flight download.
type pending struct {
	done chan struct{}
	path string
	err  error
}

// Fetcher downloads modules into a content store.
type Fetcher struct {
	store    *store.Store
	client   *http.Client
	sink     ProgressSink
	attempts int

	mu       sync.Mutex
	inflight map[digest.Digest]*pending
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient replaces the HTTP client (tests use httptest server clients).
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithProgress installs a progress sink.
func WithProgress(s ProgressSink) Option {
	return func(f *Fetcher) { f.sink = s }
}

// WithAttempts overrides the transport retry budget.
func WithAttempts(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.attempts = n
		}
	}
}

// New creates a Fetcher backed by the given store.
func New(s *store.Store, opts ...Option) *Fetcher {
	f := &Fetcher{
		store:    s,
		client:   &http.Client{Timeout: DefaultTimeout},
		attempts: DefaultAttempts,
		inflight: make(map[digest.Digest]*pending),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch resolves (url, expected) to a verified store path. The store is
// consulted first; absent entries trigger at most one concurrent download
// per digest across all callers.
func (f *Fetcher) Fetch(ctx context.Context, url string, expected digest.Digest) (string, error) {
	// Fast path: already in the store (verification happens on Get)
	if f.store.Has(expected) {
		path, err := f.store.Get(expected)
		if err == nil {
			return path, nil
		}
		var ie *nerrors.IntegrityError
		if !errors.As(err, &ie) {
			return "", err
		}
		// Corrupt entry was discarded; fall through to a fresh download
	}

	p, leader := f.register(expected)
	if !leader {
		select {
		case <-p.done:
			return p.path, p.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	path, err := f.download(ctx, url, expected)

	// Publish the result, then drop the table entry so a later retry for a
	// failed digest starts fresh.
	p.path, p.err = path, err
	f.unregister(expected)
	close(p.done)

	return path, err
}

// register returns the pending entry for a digest and whether the caller is
// the leader that must perform the download. The lock is held only across
// the map lookup and insert, never across the download.
func (f *Fetcher) register(d digest.Digest) (*pending, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.inflight[d]; ok {
		return p, false
	}
	p := &pending{done: make(chan struct{})}
	f.inflight[d] = p
	return p, true
}

func (f *Fetcher) unregister(d digest.Digest) {
	f.mu.Lock()
	delete(f.inflight, d)
	f.mu.Unlock()
}

// download performs the transfer with the retry budget applied. Integrity
// mismatches are fatal and never retried; transient transport errors retry
// with backoff.
func (f *Fetcher) download(ctx context.Context, url string, expected digest.Digest) (string, error) {
	var lastErr error
	for attempt := 0; attempt < f.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBaseDelay << (attempt - 1)):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		path, err := f.attempt(ctx, url, expected)
		if err == nil {
			if f.sink != nil {
				f.sink.Done(expected, nil)
			}
			return path, nil
		}

		if !isTransient(err) {
			if f.sink != nil {
				f.sink.Done(expected, err)
			}
			return "", err
		}
		lastErr = err
	}
	if f.sink != nil {
		f.sink.Done(expected, lastErr)
	}
	return "", fmt.Errorf("download failed after %d attempts: %w", f.attempts, lastErr)
}

// attempt performs one streaming transfer, hashing the body as it arrives.
func (f *Fetcher) attempt(ctx context.Context, url string, expected digest.Digest) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &transportError{err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %s from %s", resp.Status, url)
		if resp.StatusCode >= 500 {
			return "", &transportError{err}
		}
		return "", err
	}

	tmp, err := f.store.TempFile()
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	h := digest.NewHasher()
	body := io.Reader(resp.Body)
	if f.sink != nil {
		body = &progressReader{r: resp.Body, d: expected, total: resp.ContentLength, sink: f.sink}
	}
	_, err = io.Copy(io.MultiWriter(tmp, h), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", &transportError{fmt.Errorf("stream %s: %w", url, err)}
	}

	actual := digest.FromHasher(h)
	if actual != expected {
		// Wrong bytes from the origin: fatal, never retried
		return "", nerrors.NewIntegrityError(expected.String(), actual.String(), url)
	}

	if err := f.store.Install(tmpName, actual); err != nil {
		return "", err
	}
	return f.store.Path(expected), nil
}

// transportError marks an error as transient so the retry budget applies.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transportError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

type progressReader struct {
	r        io.Reader
	d        digest.Digest
	total    int64
	received int64
	sink     ProgressSink
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.received += int64(n)
		pr.sink.Progress(pr.d, pr.received, pr.total)
	}
	return n, err
}
