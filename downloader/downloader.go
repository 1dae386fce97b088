// Package downloader tracks in-flight HTTP transfers keyed by resource
// identity. Concurrent fetches for the same key share one transfer, with
// progress and completion fanned out to every registered waiter. Each waiter
// can cancel independently; the transfer itself is aborted only when its
// waiter set becomes empty.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/agentuity/imagecache/logger"
	"github.com/agentuity/imagecache/retrier"
)

// ErrCancelled is delivered to a waiter that cancelled its registration. It
// is a distinguished outcome, never retried and never a transport failure.
var ErrCancelled = errors.New("downloader: cancelled")

// ProtocolError is a non-2xx HTTP response other than "not modified".
type ProtocolError struct {
	StatusCode int
	URL        string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("downloader: unexpected status %d fetching %s", e.StatusCode, e.URL)
}

// Retryable reports whether the status is worth retrying: server errors and
// throttling are, client errors are not.
func (e *ProtocolError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Progress reports transfer progress. expected is -1 when the total size is
// unknown.
type Progress func(received, expected int64)

// Completion delivers the terminal outcome of a fetch.
type Completion func(res *Result, err error)

// Result is the payload of a completed transfer.
type Result struct {
	// Data is the fetched bytes, or the caller's cached bytes when
	// NotModified is set.
	Data []byte
	// NotModified is set when a conditional fetch confirmed the cached copy
	// is current (HTTP 304).
	NotModified bool
	// StatusCode is the final HTTP status.
	StatusCode int
	// ETag and LastModified echo the response validators for future
	// conditional fetches.
	ETag         string
	LastModified string
}

// CachedReference describes a local copy the caller already holds, enabling
// a conditional fetch. On a 304 the reference data is returned as the result.
type CachedReference struct {
	ETag         string
	LastModified string
	Data         []byte
}

type waiter struct {
	id         uuid.UUID
	onProgress Progress
	onComplete Completion
	cancelled  atomic.Bool
}

type task struct {
	key     string
	url     string
	ref     *CachedReference
	waiters []*waiter // FIFO: registration order is delivery order
	cancel  context.CancelFunc
	done    chan struct{}
}

// Downloader merges concurrent fetches per key. The zero value is not usable;
// call New.
type Downloader struct {
	log      logger.Logger
	client   *http.Client
	timeout  time.Duration
	strategy retrier.Strategy
	header   http.Header

	mutex     sync.Mutex
	tasks     map[string]*task
	waitGroup sync.WaitGroup
}

// New returns a Downloader. Without WithStrategy, failed transfers are not
// retried.
func New(log logger.Logger, opts ...Option) *Downloader {
	if log == nil {
		log = logger.NewNop()
	}
	cfg := applyOptions(opts)
	return &Downloader{
		log:      log.WithPrefix("[downloader]"),
		client:   cfg.client,
		timeout:  cfg.timeout,
		strategy: cfg.strategy,
		header:   cfg.header,
		tasks:    make(map[string]*task),
	}
}

// CancelHandle identifies one waiter registration on an in-flight transfer.
type CancelHandle struct {
	d    *Downloader
	key  string
	id   uuid.UUID
	once sync.Once
}

// Cancel removes this waiter. The waiter receives ErrCancelled and nothing
// afterwards. The underlying transfer keeps running for remaining waiters
// and is aborted when the last one cancels. Safe to call more than once.
func (h *CancelHandle) Cancel() {
	h.once.Do(func() {
		h.d.cancelWaiter(h.key, h.id)
	})
}

// Fetch requests the resource at url under the given key. If a transfer for
// key is already in flight the caller is registered as an additional waiter;
// otherwise a new transfer starts. onProgress and onComplete may be nil.
// Cancelling ctx cancels only this waiter's registration.
func (d *Downloader) Fetch(ctx context.Context, key, url string, ref *CachedReference, onProgress Progress, onComplete Completion) *CancelHandle {
	w := &waiter{
		id:         uuid.New(),
		onProgress: onProgress,
		onComplete: onComplete,
	}
	handle := &CancelHandle{d: d, key: key, id: w.id}

	d.mutex.Lock()
	t, ok := d.tasks[key]
	if ok {
		t.waiters = append(t.waiters, w)
	} else {
		// The transfer must outlive any single caller, so it runs on a
		// context detached from ctx and is aborted only via t.cancel.
		tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		t = &task{
			key:     key,
			url:     url,
			ref:     ref,
			waiters: []*waiter{w},
			cancel:  cancel,
			done:    make(chan struct{}),
		}
		d.tasks[key] = t
		d.waitGroup.Add(1)
		go d.transfer(tctx, t)
	}
	d.mutex.Unlock()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				handle.Cancel()
			case <-t.done:
			}
		}()
	}
	return handle
}

// InFlight returns the number of transfers currently running.
func (d *Downloader) InFlight() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.tasks)
}

// Close aborts every in-flight transfer and waits for them to finish.
// Remaining waiters receive ErrCancelled.
func (d *Downloader) Close() {
	d.mutex.Lock()
	for _, t := range d.tasks {
		t.cancel()
	}
	d.mutex.Unlock()
	d.waitGroup.Wait()
}

func (d *Downloader) cancelWaiter(key string, id uuid.UUID) {
	d.mutex.Lock()
	t, ok := d.tasks[key]
	if !ok {
		d.mutex.Unlock()
		return
	}
	var cancelled *waiter
	for i, w := range t.waiters {
		if w.id == id {
			cancelled = w
			w.cancelled.Store(true)
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			break
		}
	}
	empty := len(t.waiters) == 0
	d.mutex.Unlock()

	if cancelled == nil {
		return
	}
	if cancelled.onComplete != nil {
		cancelled.onComplete(nil, ErrCancelled)
	}
	if empty {
		// Last waiter gone; abort the transfer.
		t.cancel()
	}
}

// transfer runs the network loop for one task, consulting the retry strategy
// between failed attempts. Waiters only hear about the terminal outcome.
func (d *Downloader) transfer(ctx context.Context, t *task) {
	defer d.waitGroup.Done()
	attempt := 0
	for {
		attempt++
		res, err := d.attempt(ctx, t)
		if err == nil {
			d.complete(t, res, nil)
			return
		}
		if ctx.Err() != nil {
			d.complete(t, nil, ErrCancelled)
			return
		}
		decision := retrier.Decision{}
		if d.strategy != nil {
			decision = d.strategy.ShouldRetry(ctx, attempt, err)
		}
		if !decision.Retry {
			d.complete(t, nil, err)
			return
		}
		d.log.Debug("attempt %d for %s failed, retrying in %s: %v", attempt, t.url, decision.Delay, err)
		select {
		case <-ctx.Done():
			d.complete(t, nil, ErrCancelled)
			return
		case <-time.After(decision.Delay):
		}
	}
}

// attempt performs one HTTP round trip for the task.
func (d *Downloader) attempt(ctx context.Context, t *task) (*Result, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "downloader: failed to build request")
	}
	for k, vs := range d.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if t.ref != nil {
		if t.ref.ETag != "" {
			req.Header.Set("If-None-Match", t.ref.ETag)
		}
		if t.ref.LastModified != "" {
			req.Header.Set("If-Modified-Since", t.ref.LastModified)
		}
	}

	rsp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "downloader: request failed")
	}
	defer rsp.Body.Close()

	if rsp.StatusCode == http.StatusNotModified && t.ref != nil {
		// The local copy is current; report it as fully received.
		size := int64(len(t.ref.Data))
		d.reportProgress(t, size, size)
		return &Result{
			Data:         t.ref.Data,
			NotModified:  true,
			StatusCode:   rsp.StatusCode,
			ETag:         t.ref.ETag,
			LastModified: t.ref.LastModified,
		}, nil
	}
	if rsp.StatusCode < 200 || rsp.StatusCode >= 300 {
		io.Copy(io.Discard, rsp.Body)
		return nil, &ProtocolError{StatusCode: rsp.StatusCode, URL: t.url}
	}

	reader := &countingReader{
		r:        rsp.Body,
		expected: rsp.ContentLength,
		report: func(received, expected int64) {
			d.reportProgress(t, received, expected)
		},
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "downloader: failed to read body")
	}
	d.reportProgress(t, int64(len(data)), int64(len(data)))
	return &Result{
		Data:         data,
		StatusCode:   rsp.StatusCode,
		ETag:         rsp.Header.Get("ETag"),
		LastModified: rsp.Header.Get("Last-Modified"),
	}, nil
}

// reportProgress fans progress out to a snapshot of the current waiters in
// registration order. The cancelled flag is re-checked at invocation time so
// no new progress report begins for a waiter once its cancellation has been
// recorded; a report already executing when Cancel lands may still finish.
func (d *Downloader) reportProgress(t *task, received, expected int64) {
	d.mutex.Lock()
	snapshot := make([]*waiter, 0, len(t.waiters))
	for _, w := range t.waiters {
		if w.onProgress != nil {
			snapshot = append(snapshot, w)
		}
	}
	d.mutex.Unlock()
	for _, w := range snapshot {
		if w.cancelled.Load() {
			continue
		}
		w.onProgress(received, expected)
	}
}

// complete removes the task from the in-flight table and delivers the
// terminal outcome to every remaining waiter in registration order. Removal
// happens before delivery so a new Fetch for the same key can never join a
// finished task.
func (d *Downloader) complete(t *task, res *Result, err error) {
	d.mutex.Lock()
	delete(d.tasks, t.key)
	waiters := t.waiters
	t.waiters = nil
	close(t.done)
	d.mutex.Unlock()

	for _, w := range waiters {
		if w.onComplete != nil {
			w.onComplete(res, err)
		}
	}
}

// countingReader reports cumulative bytes read after every chunk, in the
// spirit of a context aware reader wrapper.
type countingReader struct {
	r        io.Reader
	received int64
	expected int64
	report   func(received, expected int64)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.received += int64(n)
		cr.report(cr.received, cr.expected)
	}
	return n, err
}
