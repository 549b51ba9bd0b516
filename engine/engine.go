// Package engine is the Lifecycle/Context facade: Initialize wires the
// Policy Gate, Serializer, Packager, Offline Store, Transmitter, and Viewer
// Bus into a single running pipeline; LogEvent is the public ingest path.
package engine

import (
	"context"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"beacon/engine/internal/backoff"
	events "beacon/engine/internal/telemetry/events"
	"beacon/engine/internal/policy"
	"beacon/engine/internal/serialize"
	"beacon/engine/internal/store"
	"beacon/engine/internal/transmitter"
	"beacon/engine/internal/viewerbus"
	"beacon/engine/models"
	"beacon/engine/telemetry/health"
	"beacon/engine/telemetry/logging"
	"beacon/engine/telemetry/metrics"
	"beacon/engine/telemetry/tracing"
)

// UTCSink is the external collaborator a Transmitter would hand payloads to
// when sdkmode is "utc" and utc.active is set, instead of HTTP. Out of
// scope per SPEC_FULL §1; represented here only as the seam the Transmitter
// would call.
type UTCSink interface {
	Send(ctx context.Context, payload []byte) error
}

// Snapshot is a unified view of engine state for diagnostics/monitoring.
type Snapshot struct {
	StartedAt   time.Time                 `json:"started_at"`
	Uptime      time.Duration             `json:"uptime"`
	Store       store.Stats               `json:"store"`
	DropCounts  map[string]uint64         `json:"drop_counts"`
	ErrorCounts map[string]uint64         `json:"error_counts"`
	Phase       transmitter.EndpointPhase `json:"phase"`
}

// Engine composes the pipeline stages and ambient telemetry stack behind a
// single facade. The zero value is not usable; construct with Initialize.
type Engine struct {
	cfg    Config
	logger logging.Logger
	tracer tracing.Tracer

	gate       *policy.Gate
	serializer serialize.Serializer
	store      *store.Store
	tx         *transmitter.Transmitter
	viewers    *viewerbus.Bus

	metricsProvider metrics.Provider
	eventBus        events.Bus
	healthEval      *health.Evaluator

	watch      *watchable
	watcher    *fsnotify.Watcher
	configPath string

	errCounts   map[models.ErrorKind]*atomic.Uint64
	sampleDrops atomic.Uint64

	statsStop chan struct{}
	statsWG   sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	startedAt time.Time
	started   atomic.Bool
}

var (
	globalMu  sync.Mutex
	globalEng *Engine
)

// Initialize builds and starts an Engine from cfg, returning the correlated
// Logger callers should use for their own diagnostic output. Calling
// Initialize again while an engine is already running is idempotent: it
// returns the existing engine's logger and performs no second construction,
// mirroring the original SDK's singleton-style Initialize/Teardown pairing.
func Initialize(cfg Config) (logging.Logger, error) {
	return initialize(cfg, "")
}

// InitializeFromFile loads Config from a YAML file and initializes the
// engine, additionally enabling the fsnotify-backed hot-reload watcher for
// sample.rate, minimumTraceLevel, traceLevelMask, and tpm.backoffConfig —
// the watcher needs a file path to follow, which a bare Config doesn't carry.
func InitializeFromFile(path string) (logging.Logger, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return initialize(cfg, path)
}

func initialize(cfg Config, path string) (logging.Logger, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalEng != nil {
		return globalEng.logger, nil
	}
	e, err := newEngine(cfg, path)
	if err != nil {
		return nil, err
	}
	globalEng = e
	return e.logger, nil
}

// GetLogConfiguration returns the active engine's configuration, or the
// zero Config if Initialize has not been called.
func GetLogConfiguration() Config {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalEng == nil {
		return Config{}
	}
	return globalEng.cfg
}

// LogEvent is the ingest path: it runs ev through the Policy Gate and, if
// accepted, the Serializer and Offline Store. It never returns an error to
// the caller beyond the boolean result, per the propagation policy in
// SPEC_FULL §7 — ingest-path rejections are not exceptional.
func LogEvent(ev models.Event) bool {
	globalMu.Lock()
	e := globalEng
	globalMu.Unlock()
	if e == nil {
		return false
	}
	return e.logEvent(ev)
}

// UploadNow bypasses the normal tick cadence and immediately arms the
// transmitter for dispatch.
func UploadNow() {
	globalMu.Lock()
	e := globalEng
	globalMu.Unlock()
	if e != nil {
		e.tx.UploadNow()
	}
}

// FlushAndTeardown drains the pipeline and stops the running engine,
// returning the number of upload requests still in flight (and cancelled)
// at the deadline. The count is of requests, not of the records they carry.
// After it returns, Initialize may be called again to start a fresh engine.
func FlushAndTeardown(deadline time.Duration) int {
	globalMu.Lock()
	e := globalEng
	globalEng = nil
	globalMu.Unlock()
	if e == nil {
		return 0
	}
	return e.teardown(deadline)
}

// GetSnapshot returns the running engine's diagnostic snapshot, or the zero
// Snapshot if no engine is running.
func GetSnapshot() Snapshot {
	globalMu.Lock()
	e := globalEng
	globalMu.Unlock()
	if e == nil {
		return Snapshot{}
	}
	return e.snapshot()
}

// HealthSnapshot evaluates (or returns cached) subsystem health for the
// running engine. Returns StatusUnknown with no probes if not initialized.
func HealthSnapshot(ctx context.Context) health.Snapshot {
	globalMu.Lock()
	e := globalEng
	globalMu.Unlock()
	if e == nil {
		return health.Snapshot{Overall: health.StatusUnknown}
	}
	return e.HealthSnapshot(ctx)
}

// RegisterViewer attaches a raw-payload observer to the transmitter's
// successful-upload fanout.
func RegisterViewer(v viewerbus.Viewer) {
	globalMu.Lock()
	e := globalEng
	globalMu.Unlock()
	if e != nil {
		e.viewers.Register(v)
	}
}

func newEngine(cfg Config, configPath string) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, configPath: configPath, startedAt: time.Now()}
	e.logger = logging.New(nil)
	e.watch = newWatchable(cfg)
	e.tracer = tracing.NewAdaptiveTracer(func() float64 {
		rate, _, _, _ := e.watch.snapshot()
		return float64(rate)
	})

	e.metricsProvider = selectMetricsProvider(cfg)
	e.eventBus = events.NewBus(e.metricsProvider)

	e.errCounts = make(map[models.ErrorKind]*atomic.Uint64)
	for _, k := range []models.ErrorKind{
		models.ConfigInvalid, models.SerializeError, models.StoreFull,
		models.TransportNetwork, models.TransportPermanent, models.Aborted,
		models.MaxRetriesExceeded,
	} {
		e.errCounts[k] = &atomic.Uint64{}
	}

	e.gate = policy.New(cfg.policyConfig())

	if cfg.SDKMode == "application-insights" {
		e.serializer = serialize.NewAppInsights()
	} else {
		e.serializer = serialize.NewCompact()
	}

	st, err := store.New(cfg.storeConfig())
	if err != nil {
		return nil, err
	}
	e.store = st

	e.viewers = viewerbus.New()

	onCounter := func(kind models.ErrorKind) {
		if c, ok := e.errCounts[kind]; ok {
			c.Add(1)
		}
		_ = e.eventBus.Publish(events.Event{Category: events.CategoryError, Type: kind.String(), Severity: "warn"})
	}

	tx, err := transmitter.New(cfg.transmitterConfig(), st, transmitter.NewHTTPTransport(&http.Client{Timeout: 30 * time.Second}), e.viewers, onCounter)
	if err != nil {
		return nil, err
	}
	e.tx = tx

	e.healthEval = health.NewEvaluator(2*time.Second, e.healthProbes()...)

	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	e.runWG.Add(1)
	go func() {
		defer e.runWG.Done()
		e.tx.Run(e.runCtx)
	}()

	if cfg.StatsIntervalSec > 0 {
		e.startStatsLoop(time.Duration(cfg.StatsIntervalSec) * time.Second)
	}

	if e.configPath != "" {
		if w, err := fsnotify.NewWatcher(); err == nil {
			e.watcher = w
			e.startConfigWatch()
		}
	}

	e.started.Store(true)
	return e, nil
}

// selectMetricsProvider returns a metrics.Provider based on Config's
// backend selection. Prometheus is the default; "otel" and "noop" are the
// other two recognized values.
func selectMetricsProvider(cfg Config) metrics.Provider {
	switch strings.ToLower(cfg.MetricsBackend) {
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

// healthProbes returns probes for store pressure and transmitter backoff
// state, rolled up by the health Evaluator.
func (e *Engine) healthProbes() []health.Probe {
	diskProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		st := e.store.Stats()
		if st.DroppedMaxRetries > 0 || st.EvictedForSpace > 100 {
			return health.Degraded("store", "eviction pressure observed")
		}
		return health.Healthy("store")
	})
	transmitProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if e.tx.Phase() == transmitter.PhaseBackoff {
			return health.Degraded("transmitter", "endpoint in backoff")
		}
		return health.Healthy("transmitter")
	})
	return []health.Probe{diskProbe, transmitProbe}
}

// HealthSnapshot evaluates (or returns cached) subsystem health.
func (e *Engine) HealthSnapshot(ctx context.Context) health.Snapshot {
	return e.healthEval.Evaluate(ctx)
}

// MetricsHandler returns the HTTP handler for metrics exposition
// (Prometheus backend only; nil for other backends).
func (e *Engine) MetricsHandler() http.Handler {
	if hp, ok := e.metricsProvider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// sampledOut applies deterministic per-event-name sampling: an FNV hash of
// the event name mod 100 compared against the configured sample rate.
func sampledOut(name string, rate int) bool {
	if rate >= 100 {
		return false
	}
	if rate <= 0 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32()%100) >= rate
}

func (e *Engine) logEvent(ev models.Event) bool {
	ctx, span := e.tracer.StartSpan(context.Background(), "log_event")
	defer span.End()

	rate, _, _, _ := e.watch.snapshot()
	if sampledOut(ev.Name, rate) {
		e.sampleDrops.Add(1)
		return false
	}

	accepted, ok := e.gate.Allow(ev)
	if !ok {
		return false
	}

	// Shift the event time onto the collector's clock using the offset the
	// transmitter recorded from the last Date header (zero when disabled).
	if skew := e.tx.ClockSkew(); skew != 0 {
		accepted.Timestamp = accepted.Timestamp.Add(-skew)
	}

	rec, err := e.serializer.Serialize(accepted)
	if err != nil {
		if c, ok := e.errCounts[models.SerializeError]; ok {
			c.Add(1)
		}
		e.logger.ErrorCtx(ctx, "serialize failed", "event", ev.Name, "err", err)
		return false
	}

	if _, err := e.store.Put(rec.Bytes, rec.Priority, rec.TenantToken); err != nil {
		if c, ok := e.errCounts[models.StoreFull]; ok {
			c.Add(1)
		}
		e.logger.ErrorCtx(ctx, "store put failed", "event", ev.Name, "err", err)
		return false
	}
	e.logger.InfoCtx(ctx, "event accepted", "event", ev.Name, "tenant", rec.TenantToken)
	return true
}

func (e *Engine) teardown(deadline time.Duration) int {
	if e.statsStop != nil {
		close(e.statsStop)
		e.statsWG.Wait()
	}
	if e.watcher != nil {
		_ = e.watcher.Close()
	}
	abandoned := e.tx.FlushAndTeardown(deadline)
	e.runCancel()
	e.runWG.Wait()
	_ = e.store.Close()
	return abandoned
}

func (e *Engine) snapshot() Snapshot {
	drops := e.gate.Counts()
	dropCounts := make(map[string]uint64, len(drops))
	for k, v := range drops {
		dropCounts[string(k)] = v
	}
	errCounts := make(map[string]uint64, len(e.errCounts))
	for k, c := range e.errCounts {
		errCounts[k.String()] = c.Load()
	}
	return Snapshot{
		StartedAt:   e.startedAt,
		Uptime:      time.Since(e.startedAt),
		Store:       e.store.Stats(),
		DropCounts:  dropCounts,
		ErrorCounts: errCounts,
		Phase:       e.tx.Phase(),
	}
}

// startStatsLoop periodically snapshots error/drop counters and the
// Policy Gate's drop counts and re-offers them to the pipeline as a
// synthetic Event tagged with the stats tenant token, closing the loop
// between the metrics Provider and the event pipeline per SPEC_FULL §9.
func (e *Engine) startStatsLoop(interval time.Duration) {
	e.statsStop = make(chan struct{})
	e.statsWG.Add(1)
	go func() {
		defer e.statsWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.statsStop:
				return
			case <-ticker.C:
				e.emitStats()
			}
		}
	}()
}

func (e *Engine) emitStats() {
	snap := e.snapshot()
	token := e.cfg.StatsTokenInt
	if token == "" {
		token = e.cfg.StatsTokenProd
	}
	if token == "" {
		token = e.cfg.PrimaryToken
	}
	props := map[string]models.Property{
		"store.item_count":  models.Int64Prop(int64(snap.Store.ItemCount)),
		"store.total_bytes": models.Int64Prop(snap.Store.TotalBytes),
	}
	for k, v := range snap.ErrorCounts {
		props["error."+k] = models.Int64Prop(int64(v))
	}
	for k, v := range snap.DropCounts {
		props["drop."+k] = models.Int64Prop(int64(v))
	}
	statsEvent := models.Event{
		Name:        "sdk.stats",
		TenantToken: token,
		Priority:    models.PriorityNormal,
		Timestamp:   time.Now(),
		Properties:  props,
	}
	e.logEvent(statsEvent)
	_ = e.eventBus.Publish(events.Event{Category: events.CategoryStats, Type: "stats_emitted"})
}

// startConfigWatch reloads sample.rate, minimumTraceLevel, traceLevelMask,
// and tpm.backoffConfig from the config file on change, without requiring
// a Teardown/Initialize cycle. Any other key change is ignored until the
// next full Initialize.
func (e *Engine) startConfigWatch() {
	if err := e.watcher.Add(e.configPath); err != nil {
		return
	}
	go func() {
		for ev := range e.watcher.Events {
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reloaded, err := LoadConfig(e.configPath)
			if err != nil {
				continue
			}
			if _, perr := backoff.ParsePolicy(reloaded.TPMBackoffConfig); perr != nil {
				continue
			}
			e.watch.apply(reloaded)
			e.gate.SetConfig(reloaded.policyConfig())
			if err := e.tx.UpdatePolicy(reloaded.TPMBackoffConfig); err != nil {
				continue
			}
		}
	}()
}
