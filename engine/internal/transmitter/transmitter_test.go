package transmitter

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beacon/engine/internal/store"
	"beacon/engine/internal/viewerbus"
	"beacon/engine/models"
)

type scriptedTransport struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	calls     atomic.Int32
}

func (s *scriptedTransport) Send(ctx context.Context, endpoint string, payload []byte, headers map[string]string) (Response, error) {
	idx := int(s.calls.Add(1)) - 1
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return s.responses[idx], s.errs[idx]
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(store.Config{})
	require.NoError(t, err)
	return st
}

func TestTryDispatchDeliversAcceptedRecordToViewerBus(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Put([]byte(`{"k":"v"}`), models.PriorityNormal, "T1")
	require.NoError(t, err)

	transport := &scriptedTransport{responses: []Response{{StatusCode: 200}}, errs: []error{nil}}
	var got []byte
	bus := viewerbus.New()
	bus.Register(viewerbus.FuncViewer{Named: "v", Fn: func(b []byte) { got = b }})

	tx, err := New(Config{Endpoint: "http://example", MaxBlobSize: 1 << 20, BackoffPolicy: "E,3000,300000,2,1"}, st, transport, bus, nil)
	require.NoError(t, err)

	tx.tryDispatch(context.Background())
	tx.wg.Wait()

	assert.Equal(t, []byte(`[{"k":"v"}]`), got)
	assert.Equal(t, 0, st.Stats().ItemCount)
}

func TestPermanentRejectionDropsItemWithoutRetry(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Put([]byte(`e`), models.PriorityNormal, "T1")
	require.NoError(t, err)

	var counted models.ErrorKind
	transport := &scriptedTransport{responses: []Response{{StatusCode: 400}}, errs: []error{nil}}
	tx, err := New(Config{Endpoint: "http://example", MaxBlobSize: 1 << 20, BackoffPolicy: "E,3000,300000,2,1"}, st, transport, viewerbus.New(), func(k models.ErrorKind) { counted = k })
	require.NoError(t, err)

	tx.tryDispatch(context.Background())
	tx.wg.Wait()

	assert.Equal(t, 0, st.Stats().ItemCount)
	assert.Equal(t, models.TransportPermanent, counted)
}

func TestRetryableFailureAppliesBackoffAndKeepsItem(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Put([]byte(`e`), models.PriorityNormal, "T1")
	require.NoError(t, err)

	transport := &scriptedTransport{responses: []Response{{StatusCode: 503}}, errs: []error{nil}}
	tx, err := New(Config{Endpoint: "http://example", MaxBlobSize: 1 << 20, BackoffPolicy: "E,3000,300000,2,1"}, st, transport, viewerbus.New(), nil)
	require.NoError(t, err)

	tx.tryDispatch(context.Background())
	tx.wg.Wait()

	assert.Equal(t, 1, st.Stats().ItemCount)
	assert.False(t, tx.backoffs.Allowed(tx.cfg.Endpoint))
}

func TestOversizeRecordIsDroppedNotDispatched(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Put([]byte("0123456789"), models.PriorityNormal, "T1")
	require.NoError(t, err)

	transport := &scriptedTransport{responses: []Response{{StatusCode: 200}}, errs: []error{nil}}
	tx, err := New(Config{Endpoint: "http://example", MaxBlobSize: 4, BackoffPolicy: "E,3000,300000,2,1"}, st, transport, viewerbus.New(), nil)
	require.NoError(t, err)

	tx.tryDispatch(context.Background())
	tx.wg.Wait()

	assert.Equal(t, 0, st.Stats().ItemCount)
	assert.Equal(t, uint64(1), tx.oversizeCount.Load())
	assert.Equal(t, int32(0), transport.calls.Load())
}

func TestTryDispatchDefersRecordThatOverflowsMaxBlobSizeAfterFraming(t *testing.T) {
	st := newTestStore(t)
	firstID, err := st.Put([]byte("1"), models.PriorityNormal, "T1")
	require.NoError(t, err)
	secondID, err := st.Put([]byte("2"), models.PriorityNormal, "T1")
	require.NoError(t, err)

	// Each record's raw bytes fit within MaxBlobSize on their own, so
	// DropOversize and Reserve's sum(len(Bytes)) check both let both
	// through; only the Packager's own framing overhead (open/close/tenant
	// prefix) makes the second one overflow.
	transport := &scriptedTransport{responses: []Response{{StatusCode: 200}}, errs: []error{nil}}
	tx, err := New(Config{Endpoint: "http://example", MaxBlobSize: 5, BackoffPolicy: "E,3000,300000,2,1"}, st, transport, viewerbus.New(), nil)
	require.NoError(t, err)

	tx.tryDispatch(context.Background())
	tx.wg.Wait()

	assert.Equal(t, int32(1), transport.calls.Load(), "only the record that fits should be dispatched")
	assert.Equal(t, 1, st.Stats().ItemCount, "the deferred record must remain in the store")

	remaining := st.Reserve(1<<20, 0)
	require.Len(t, remaining, 1)
	assert.Equal(t, secondID, remaining[0].ID)
	assert.Equal(t, 0, remaining[0].RetryCount, "a deferred record was never attempted, so it must not count as a retry")
	assert.NotEqual(t, firstID, secondID)
}

func TestClassifyMapsStatusCodesPerSpec(t *testing.T) {
	bg := context.Background()
	assert.Equal(t, models.Accepted, classify(Response{StatusCode: 200}, nil, bg))
	assert.Equal(t, models.RejectedPermanent, classify(Response{StatusCode: 400}, nil, bg))
	assert.Equal(t, models.RejectedRetryable, classify(Response{StatusCode: 408}, nil, bg))
	assert.Equal(t, models.RejectedRetryable, classify(Response{StatusCode: 429}, nil, bg))
	assert.Equal(t, models.RejectedRetryable, classify(Response{StatusCode: 503}, nil, bg))
	assert.Equal(t, models.NetworkFailure, classify(Response{}, assertErr, bg))

	cancelled, cancel := context.WithCancel(bg)
	cancel()
	assert.Equal(t, models.Aborted, classify(Response{}, nil, cancelled))
}

var assertErr = http.ErrHandlerTimeout

func TestFlushAndTeardownReturnsPromptlyWhenStoreEmpty(t *testing.T) {
	st := newTestStore(t)
	transport := &scriptedTransport{responses: []Response{{StatusCode: 200}}, errs: []error{nil}}
	tx, err := New(Config{Endpoint: "http://example", MaxBlobSize: 1 << 20, BackoffPolicy: "E,3000,300000,2,1"}, st, transport, viewerbus.New(), nil)
	require.NoError(t, err)

	start := time.Now()
	abandoned := tx.FlushAndTeardown(time.Second)
	assert.Equal(t, 0, abandoned)
	assert.Less(t, time.Since(start), time.Second)
}

// blockingTransport never resolves Send on its own; it only returns once
// its request context is cancelled, mirroring an in-flight HTTP call still
// running when teardown's deadline expires.
type blockingTransport struct{}

func (blockingTransport) Send(ctx context.Context, endpoint string, payload []byte, headers map[string]string) (Response, error) {
	<-ctx.Done()
	return Response{}, ctx.Err()
}

func TestFlushAndTeardownAbandonsInFlightRequestAtDeadline(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Put([]byte(`e`), models.PriorityNormal, "T1")
	require.NoError(t, err)

	tx, err := New(Config{Endpoint: "http://example", MaxBlobSize: 1 << 20, BackoffPolicy: "E,3000,300000,2,1"}, st, blockingTransport{}, viewerbus.New(), nil)
	require.NoError(t, err)

	tx.tryDispatch(context.Background())
	// Let dispatchAttempt's goroutine register its cancel func in inFlight
	// before teardown looks for it to cancel.
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	abandoned := tx.FlushAndTeardown(30 * time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, 1, abandoned)
	assert.Less(t, elapsed, time.Second, "teardown must not block past the deadline")
}

func TestApplyClockSkewRecordsOffsetFromDateHeader(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Put([]byte(`e`), models.PriorityNormal, "T1")
	require.NoError(t, err)

	serverTime := time.Now().Add(-5 * time.Second)
	headers := http.Header{}
	headers.Set("Date", serverTime.UTC().Format(time.RFC1123))
	transport := &scriptedTransport{responses: []Response{{StatusCode: 200, Headers: headers}}, errs: []error{nil}}

	tx, err := New(Config{
		Endpoint: "http://example", MaxBlobSize: 1 << 20,
		BackoffPolicy: "E,3000,300000,2,1", ClockSkewEnabled: true,
	}, st, transport, viewerbus.New(), nil)
	require.NoError(t, err)

	tx.tryDispatch(context.Background())
	tx.wg.Wait()

	skew := tx.ClockSkew()
	assert.InDelta(t, 5*time.Second, skew, float64(time.Second), "clock skew should reflect the Date header offset")
}

func TestApplyClockSkewIgnoredWhenDisabled(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Put([]byte(`e`), models.PriorityNormal, "T1")
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set("Date", time.Now().Add(-5*time.Second).UTC().Format(time.RFC1123))
	transport := &scriptedTransport{responses: []Response{{StatusCode: 200, Headers: headers}}, errs: []error{nil}}

	tx, err := New(Config{
		Endpoint: "http://example", MaxBlobSize: 1 << 20,
		BackoffPolicy: "E,3000,300000,2,1", ClockSkewEnabled: false,
	}, st, transport, viewerbus.New(), nil)
	require.NoError(t, err)

	tx.tryDispatch(context.Background())
	tx.wg.Wait()

	assert.Equal(t, time.Duration(0), tx.ClockSkew())
}
