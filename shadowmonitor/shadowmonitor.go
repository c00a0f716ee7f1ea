// Package shadowmonitor reacts to a remote desired-state document,
// reconciling local reported state and rotating server
// certificates when the published connectivity set changes. Its
// worker-loop shape (long-lived subscribe task, fixed-delay processing
// task, single-slot pending request collapsed to the highest version)
// is grounded on boulder's cmd/ocsp-updater tick loop generalized
// to three cooperating goroutines instead of one.
package shadowmonitor

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/edgecore/gg-cert-core/certerrors"
	"github.com/edgecore/gg-cert-core/config"
	"github.com/edgecore/gg-cert-core/connectivity"
	"github.com/edgecore/gg-cert-core/corecerts"
	"github.com/edgecore/gg-cert-core/log"
	"github.com/edgecore/gg-cert-core/metrics"
	"github.com/edgecore/gg-cert-core/retryrunner"
	"github.com/edgecore/gg-cert-core/transport"
)

const (
	subscribeTimeout   = 60 * time.Second
	subscribeRetryBase = 120 * time.Second
	subscribeJitterMax = 10 * time.Second

	qosAtLeastOnce = byte(1)
)

// Generator is the capability ShadowMonitor needs from a managed
// certgen.Generator, named locally so the monitor does not depend on
// certgen and can be tested against fakes (mirrors
// expirymonitor.Generator).
type Generator interface {
	Generate(hostSupplier func() []string, reason string) error
}

// Monitor implements the connectivity-reactive regenerator: a
// subscribe loop that reacts to shadow delta/get-accepted messages,
// and a processing loop that regenerates certificates and reports the
// reconciled state back.
type Monitor struct {
	thingName string
	pubsub    transport.PubSub
	topics    transport.ShadowTopics
	provider  connectivity.Provider
	retry     *retryrunner.Runner
	retryCfg  config.RetryConfig

	clk   clock.Clock
	log   log.Logger
	scope metrics.Scope

	processingInterval time.Duration
	certgens           []Generator

	pendingMu sync.Mutex
	pending   *corecerts.PendingShadowRequest

	stateMu           sync.Mutex
	lastCISVersion    int
	lastHostAddresses []string
	haveLastHosts     bool

	stopCh    chan struct{}
	stopOnce  sync.Once
	workersWG sync.WaitGroup
}

// Config bundles the construction-time dependencies of a Monitor.
type Config struct {
	ThingName          string
	PubSub             transport.PubSub
	Provider           connectivity.Provider
	Retry              *retryrunner.Runner
	RetryConfig        config.RetryConfig
	ProcessingInterval time.Duration
	Clock              clock.Clock
	Log                log.Logger
	Scope              metrics.Scope
}

// New constructs a Monitor for cfg.ThingName. certgens are the managed
// server CertGens regenerated on a host-set change.
func New(cfg Config, certgens []Generator) *Monitor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Default()
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.NopLogger{}
	}
	scope := cfg.Scope
	if scope == nil {
		scope = metrics.NoopScope()
	}
	interval := cfg.ProcessingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	retryCfg := cfg.RetryConfig
	if retryCfg.InitialInterval.Duration <= 0 {
		retryCfg.InitialInterval = config.ConfigDuration{Duration: time.Minute}
	}
	if retryCfg.MaxInterval.Duration <= 0 {
		retryCfg.MaxInterval = config.ConfigDuration{Duration: 30 * time.Minute}
	}
	retry := cfg.Retry
	if retry == nil {
		retry = retryrunner.New(clk, logger, scope)
	}
	return &Monitor{
		thingName:          cfg.ThingName,
		pubsub:             cfg.PubSub,
		topics:             transport.NewShadowTopics(cfg.ThingName),
		provider:           cfg.Provider,
		retry:              retry,
		retryCfg:           retryCfg,
		clk:                clk,
		log:                logger,
		scope:              scope,
		processingInterval: interval,
		certgens:           certgens,
		stopCh:             make(chan struct{}),
	}
}

// Start launches the subscribe worker and the processing worker.
func (m *Monitor) Start() {
	m.pubsub.OnConnectionResumed(func() {
		m.publishGetShadow()
	})

	m.workersWG.Add(2)
	go m.runProcessingWorker()
	go m.runSubscribeWorker()
}

// Stop cancels the subscribe task and the processing task, then
// unsubscribes from both shadow topics.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.workersWG.Wait()
	if err := m.pubsub.Unsubscribe(m.topics.Delta, m.topics.GetAccepted); err != nil {
		m.log.Warningf("unsubscribe failed during shutdown: %s", err)
	}
}

func (m *Monitor) runSubscribeWorker() {
	defer m.workersWG.Done()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		if m.trySubscribe() {
			m.publishGetShadow()
			return
		}

		wait := subscribeRetryBase + time.Duration(rand.Int63n(int64(subscribeJitterMax)))
		select {
		case <-m.stopCh:
			return
		case <-m.clk.After(wait):
		}
	}
}

func (m *Monitor) trySubscribe() bool {
	if err := m.pubsub.Subscribe(m.topics.Delta, qosAtLeastOnce, m.handleDelta, subscribeTimeout); err != nil {
		m.log.Warningf("subscribe to %s failed: %s", m.topics.Delta, err)
		m.scope.Inc("shadowmonitor.subscribe.errors", 1)
		return false
	}
	if err := m.pubsub.Subscribe(m.topics.GetAccepted, qosAtLeastOnce, m.handleGetAccepted, subscribeTimeout); err != nil {
		m.log.Warningf("subscribe to %s failed: %s", m.topics.GetAccepted, err)
		m.scope.Inc("shadowmonitor.subscribe.errors", 1)
		return false
	}
	return true
}

func (m *Monitor) publishGetShadow() {
	if err := m.pubsub.Publish(m.topics.Get, qosAtLeastOnce, nil); err != nil {
		m.log.Warningf("publish get-shadow request failed: %s", err)
		m.scope.Inc("shadowmonitor.publish.errors", 1)
	}
}

type deltaPayload struct {
	Version int                    `json:"version"`
	State   map[string]interface{} `json:"state"`
}

func (m *Monitor) handleDelta(_ string, payload []byte) {
	var d deltaPayload
	if err := json.Unmarshal(payload, &d); err != nil {
		m.log.Warningf("discarding malformed delta payload: %s", err)
		return
	}
	m.enqueue(corecerts.PendingShadowRequest{Version: d.Version, Desired: d.State})
}

type getAcceptedPayload struct {
	Version int `json:"version"`
	State   struct {
		Desired map[string]interface{} `json:"desired"`
	} `json:"state"`
}

func (m *Monitor) handleGetAccepted(_ string, payload []byte) {
	var g getAcceptedPayload
	if err := json.Unmarshal(payload, &g); err != nil {
		m.log.Warningf("discarding malformed get-accepted payload: %s", err)
		return
	}
	m.enqueue(corecerts.PendingShadowRequest{Version: g.Version, Desired: g.State.Desired})
}

// enqueue applies the single-slot "higher version wins" merge rule.
func (m *Monitor) enqueue(req corecerts.PendingShadowRequest) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if m.pending == nil || req.Version > m.pending.Version {
		reqCopy := req
		m.pending = &reqCopy
	}
}

func (m *Monitor) takePending() (corecerts.PendingShadowRequest, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if m.pending == nil {
		return corecerts.PendingShadowRequest{}, false
	}
	return *m.pending, true
}

func (m *Monitor) clearIfUnchanged(processedVersion int) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	if m.pending != nil && m.pending.Version == processedVersion {
		m.pending = nil
	}
}

func (m *Monitor) runProcessingWorker() {
	defer m.workersWG.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.clk.After(m.processingInterval):
			m.processOnce(ctx)
		}
	}
}

// RunOnce exposes a single synchronous processing iteration for tests
// and callers driving their own scheduler loop.
func (m *Monitor) RunOnce(ctx context.Context) {
	m.processOnce(ctx)
}

// processOnce runs one full cycle: fetch pending request, regenerate
// certificates, report reconciled state.
func (m *Monitor) processOnce(ctx context.Context) {
	req, ok := m.takePending()
	if !ok {
		return
	}

	m.stateMu.Lock()
	lastVersion := m.lastCISVersion
	m.stateMu.Unlock()

	if req.Version == lastVersion {
		m.publishReported(req)
		m.clearIfUnchanged(req.Version)
		return
	}

	hosts, err := m.fetchHosts(ctx)
	if err != nil {
		if certerrors.Is(err, certerrors.Cancelled) {
			m.log.Infof("shadow processing cancelled fetching connectivity info")
			return
		}
		m.log.Errf("connectivity lookup failed, will retry on next shadow event: %s", err)
		m.clearIfUnchanged(req.Version)
		return
	}

	m.stateMu.Lock()
	prevHosts, havePrev := m.lastHostAddresses, m.haveLastHosts
	m.lastHostAddresses = hosts
	m.haveLastHosts = true
	m.stateMu.Unlock()

	if havePrev && corecerts.HostAddressesEqual(prevHosts, hosts) {
		m.publishReported(req)
		m.stateMu.Lock()
		m.lastCISVersion = req.Version
		m.stateMu.Unlock()
		m.clearIfUnchanged(req.Version)
		return
	}

	for _, g := range m.certgens {
		if err := g.Generate(func() []string { return hosts }, "connectivity info was updated"); err != nil {
			m.log.Errf("certificate regeneration failed, not advancing shadow version: %s", err)
			m.scope.Inc("shadowmonitor.generate.errors", 1)
			m.clearIfUnchanged(req.Version)
			return
		}
	}

	// Advance lastCISVersion even if the reported-state publish below
	// fails; a failed publish is reconciled by the next shadow event,
	// not by reprocessing this one.
	defer func() {
		m.stateMu.Lock()
		m.lastCISVersion = req.Version
		m.stateMu.Unlock()
		m.clearIfUnchanged(req.Version)
	}()
	m.publishReported(req)
}

func (m *Monitor) fetchHosts(ctx context.Context) ([]string, error) {
	var hosts []string
	op := func(ctx context.Context) error {
		info, err := m.provider.GetConnectivityInfo(ctx)
		if err != nil {
			return connectivity.Classify(err)
		}
		collected := make([]string, 0, len(info))
		for _, ci := range info {
			collected = append(collected, ci.HostAddress)
		}
		hosts = corecerts.DedupeHostAddresses(collected)
		return nil
	}
	err := m.retry.Run(ctx, op, m.retryCfg, connectivity.IsRetryable, "shadowmonitor.get_connectivity_info")
	return hosts, err
}

type shadowUpdateRequest struct {
	Version int `json:"version"`
	State   struct {
		Reported map[string]interface{} `json:"reported"`
	} `json:"state"`
}

// publishReported sends UpdateShadow(thingName, version,
// state.reported=copy(desired)) at QoS-1. Failures are logged, not
// retried inline.
func (m *Monitor) publishReported(req corecerts.PendingShadowRequest) {
	payload := shadowUpdateRequest{Version: req.Version}
	payload.State.Reported = req.Desired
	body, err := json.Marshal(payload)
	if err != nil {
		m.log.Errf("encoding reported state failed: %s", err)
		return
	}
	if err := m.pubsub.Publish(m.topics.Update, qosAtLeastOnce, body); err != nil {
		m.log.Warningf("publishing reported state failed: %s", err)
		m.scope.Inc("shadowmonitor.publish.errors", 1)
	}
}
