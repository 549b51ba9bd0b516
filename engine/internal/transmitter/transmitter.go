// Package transmitter implements the Transmission Controller: concurrency-
// limited dispatch per endpoint, exponential/linear backoff, response
// classification, retry scheduling, and teardown draining. Grounded on the
// multi-stage worker pipeline's retry/backoff scheduling and the rate
// limiter's per-domain circuit-breaker shape, generalized from per-domain
// crawl throttling to per-endpoint upload throttling.
package transmitter

import (
	"bytes"
	"compress/gzip"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"beacon/engine/internal/backoff"
	"beacon/engine/internal/packager"
	"beacon/engine/internal/store"
	"beacon/engine/internal/viewerbus"
	"beacon/engine/models"
)

// EndpointPhase is the per-endpoint transmitter state.
type EndpointPhase int

const (
	PhaseIdle EndpointPhase = iota
	PhaseArmed
	PhaseInFlight
	PhaseBackoff
)

// Config controls dispatch behavior.
type Config struct {
	Endpoint               string
	PrimaryToken           string
	MaxPendingHTTPRequests int
	MaxBlobSize            int64
	MaxRetryCount          int
	BackoffPolicy          string // tpm.backoffConfig, e.g. "E,3000,300000,2,1"
	ClockSkewEnabled       bool
	TickInterval           time.Duration
	Compress               bool
}

// OnCounter is invoked for every error-kind counter increment, letting the
// caller wire it to the metrics Provider/diagnostic event bus without this
// package depending on either.
type OnCounter func(kind models.ErrorKind)

// Transmitter is the dispatch loop and per-endpoint state machine.
type Transmitter struct {
	cfg      Config
	store    *store.Store
	transport Transport
	viewers  *viewerbus.Bus
	backoffs *backoff.Tracker
	onCounter OnCounter

	policyMu sync.RWMutex
	policy   models.BackoffPolicy

	mu    sync.Mutex
	phase EndpointPhase

	sem chan struct{}

	skewOffset atomic.Int64 // nanoseconds, local minus server, never persisted

	uploadNowCh chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup

	inFlightMu sync.Mutex
	inFlight   map[string]context.CancelFunc

	oversizeCount atomic.Uint64
}

// New builds a Transmitter. store, transport, and viewers are required
// collaborators; onCounter may be nil.
func New(cfg Config, st *store.Store, transport Transport, viewers *viewerbus.Bus, onCounter OnCounter) (*Transmitter, error) {
	policy, err := backoff.ParsePolicy(cfg.BackoffPolicy)
	if err != nil {
		return nil, models.NewError(models.ConfigInvalid, "invalid tpm.backoffConfig", err)
	}
	if cfg.MaxPendingHTTPRequests <= 0 {
		cfg.MaxPendingHTTPRequests = 4
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if onCounter == nil {
		onCounter = func(models.ErrorKind) {}
	}
	return &Transmitter{
		cfg:         cfg,
		store:       st,
		transport:   transport,
		viewers:     viewers,
		backoffs:    backoff.New(),
		onCounter:   onCounter,
		policy:      policy,
		sem:         make(chan struct{}, cfg.MaxPendingHTTPRequests),
		uploadNowCh: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		inFlight:    make(map[string]context.CancelFunc),
	}, nil
}

// Run starts the dispatch loop; it blocks until ctx is cancelled or
// FlushAndTeardown is called, so callers invoke it in its own goroutine.
func (t *Transmitter) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()
	pressure := t.store.MemoryPressure()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.tryDispatch(ctx)
		case <-t.uploadNowCh:
			t.tryDispatch(ctx)
		case <-pressure:
			t.tryDispatch(ctx)
		}
	}
}

// UploadNow bypasses the normal tick cadence and immediately arms the
// endpoint for dispatch.
func (t *Transmitter) UploadNow() {
	select {
	case t.uploadNowCh <- struct{}{}:
	default:
	}
}

// ClockSkew returns how far the local clock ran ahead of the server's Date
// header (local minus server) on the last accepted upload, if clock-skew
// handling is enabled. Never persisted across restarts, per design.
func (t *Transmitter) ClockSkew() time.Duration {
	return time.Duration(t.skewOffset.Load())
}

// UpdatePolicy replaces the backoff policy the Transmitter consults on its
// next retryable failure, letting a config hot-reload take effect without
// a Teardown/Initialize cycle. It does not affect a retry delay already in
// progress.
func (t *Transmitter) UpdatePolicy(policyStr string) error {
	policy, err := backoff.ParsePolicy(policyStr)
	if err != nil {
		return err
	}
	t.policyMu.Lock()
	t.policy = policy
	t.policyMu.Unlock()
	return nil
}

func (t *Transmitter) currentPolicy() models.BackoffPolicy {
	t.policyMu.RLock()
	defer t.policyMu.RUnlock()
	return t.policy
}

func (t *Transmitter) setPhase(p EndpointPhase) {
	t.mu.Lock()
	t.phase = p
	t.mu.Unlock()
}

// Phase returns the current endpoint phase.
func (t *Transmitter) Phase() EndpointPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// tryDispatch drops oversize victims, then — if below the concurrency cap
// and not in backoff — reserves a batch, packages it, and dispatches it
// asynchronously.
func (t *Transmitter) tryDispatch(ctx context.Context) {
	for _, id := range t.store.DropOversize(t.cfg.MaxBlobSize) {
		_ = id
		t.oversizeCount.Add(1)
		t.onCounter(models.SerializeError)
	}

	if !t.backoffs.Allowed(t.cfg.Endpoint) {
		t.setPhase(PhaseBackoff)
		return
	}

	select {
	case t.sem <- struct{}{}:
	default:
		return // at maxPendingHTTPRequests
	}

	t.setPhase(PhaseArmed)
	items := t.store.Reserve(t.cfg.MaxBlobSize, 0)
	if len(items) == 0 {
		<-t.sem
		t.setPhase(PhaseIdle)
		return
	}

	pkg := packager.New()
	var recordIDs []string
	var deferredIDs []string
	for _, item := range items {
		rec := models.SerializedRecord{Bytes: item.Bytes, TenantToken: item.TenantToken, Priority: item.Priority}
		if pkg.TryAddRecord(rec, int(t.cfg.MaxBlobSize)) {
			recordIDs = append(recordIDs, item.ID)
		} else {
			deferredIDs = append(deferredIDs, item.ID)
		}
	}
	if len(deferredIDs) > 0 {
		t.store.Release(deferredIDs, models.Deferred, time.Time{})
	}
	if len(recordIDs) == 0 {
		pkg.Clear()
		<-t.sem
		t.setPhase(PhaseIdle)
		return
	}
	payload := pkg.Splice()
	pkg.Clear()

	t.wg.Add(1)
	go t.dispatchAttempt(ctx, recordIDs, payload)
}

func (t *Transmitter) dispatchAttempt(ctx context.Context, recordIDs []string, payload []byte) {
	defer t.wg.Done()
	defer func() { <-t.sem }()
	t.setPhase(PhaseInFlight)

	attemptID := models.NewAttemptID()
	reqCtx, cancel := context.WithCancel(ctx)
	t.inFlightMu.Lock()
	t.inFlight[attemptID] = cancel
	t.inFlightMu.Unlock()
	defer func() {
		t.inFlightMu.Lock()
		delete(t.inFlight, attemptID)
		t.inFlightMu.Unlock()
		cancel()
	}()

	headers := map[string]string{"Content-Type": "application/json"}
	body := payload
	if t.cfg.Compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err == nil && zw.Close() == nil {
			body = buf.Bytes()
			headers["Content-Encoding"] = "gzip"
		}
	}

	resp, err := t.transport.Send(reqCtx, t.cfg.Endpoint, body, headers)
	outcome := classify(resp, err, reqCtx)
	t.applyOutcome(outcome, recordIDs, payload, resp)
}

func (t *Transmitter) applyOutcome(outcome models.ReleaseOutcome, recordIDs []string, payload []byte, resp Response) {
	switch outcome {
	case models.Accepted:
		t.backoffs.OnSuccess(t.cfg.Endpoint)
		t.store.Release(recordIDs, outcome, time.Time{})
		if t.cfg.ClockSkewEnabled {
			t.applyClockSkew(resp)
		}
		if t.viewers != nil && t.viewers.AreAnyEnabled() {
			t.viewers.Dispatch(payload)
		}
		t.setPhase(PhaseIdle)
	case models.RejectedPermanent:
		t.onCounter(models.TransportPermanent)
		t.store.Release(recordIDs, outcome, time.Time{})
		t.setPhase(PhaseIdle)
	case models.RejectedRetryable, models.NetworkFailure:
		if outcome == models.NetworkFailure {
			t.onCounter(models.TransportNetwork)
		}
		state := t.backoffs.OnFailure(t.cfg.Endpoint, t.currentPolicy())
		dropped := t.store.Release(recordIDs, outcome, state.NextAllowedTime)
		for range dropped {
			t.onCounter(models.MaxRetriesExceeded)
		}
		t.setPhase(PhaseBackoff)
	case models.Aborted:
		t.onCounter(models.Aborted)
		t.store.Release(recordIDs, outcome, time.Time{})
		t.setPhase(PhaseIdle)
	case models.LocalFailure:
		t.store.Release(recordIDs, outcome, time.Time{})
		t.setPhase(PhaseIdle)
	}
}

func (t *Transmitter) applyClockSkew(resp Response) {
	if resp.Headers == nil {
		return
	}
	dateHdr := resp.Headers.Get("Date")
	if dateHdr == "" {
		return
	}
	serverTime, err := time.Parse(time.RFC1123, dateHdr)
	if err != nil {
		return
	}
	t.skewOffset.Store(int64(time.Since(serverTime)))
}

// classify maps a transport outcome onto the response-classification rules
// in §4.5: 2xx accepted; 4xx other than 408/429 permanent; 408/429/5xx or
// a network-level failure retryable; context cancellation aborted.
func classify(resp Response, err error, ctx context.Context) models.ReleaseOutcome {
	if ctx.Err() != nil {
		return models.Aborted
	}
	if err != nil {
		return models.NetworkFailure
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return models.Accepted
	case resp.StatusCode == 408 || resp.StatusCode == 429 || resp.StatusCode >= 500:
		return models.RejectedRetryable
	case resp.StatusCode >= 400:
		return models.RejectedPermanent
	default:
		return models.RejectedRetryable
	}
}

// FlushAndTeardown sets the shutdown flag, stops arming new dispatches
// beyond what is already in flight, waits up to deadline for the store to
// drain and in-flight requests to finish, then cancels any still-running
// requests. It returns the number of requests cancelled at the deadline
// (their records are released as Aborted); records are not counted
// individually.
func (t *Transmitter) FlushAndTeardown(deadline time.Duration) int {
	close(t.stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	t.store.Drain(ctx, 20*time.Millisecond)

	done := make(chan struct{})
	go func() { t.wg.Wait(); close(done) }()

	select {
	case <-done:
		return 0
	case <-ctx.Done():
	}

	t.inFlightMu.Lock()
	abandoned := len(t.inFlight)
	for _, cancel := range t.inFlight {
		cancel()
	}
	t.inFlightMu.Unlock()

	<-done
	return abandoned
}
