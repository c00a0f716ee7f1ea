// Package expirymonitor implements the periodic scan that keeps a
// dynamic set of CertGens ahead of expiry. It mirrors the
// teacher's fixed-tick background-loop shape used throughout boulder's
// cmd/* services (e.g. cmd/ocsp-updater's tick loop), adapted to a
// priority-ordered set instead of a single database query per tick.
package expirymonitor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/edgecore/gg-cert-core/log"
	"github.com/edgecore/gg-cert-core/metrics"
)

// Generator is the capability ExpiryMonitor needs from a certgen.Generator,
// named here so the monitor does not depend on certgen and stays
// testable against fakes.
type Generator interface {
	Generate(hostSupplier func() []string, reason string) error
	ShouldRegenerate() bool
	ExpiryTime() time.Time
}

// HostAddressSource supplies the cached host-address set passed to
// Generate on expiry-triggered regeneration.
type HostAddressSource func() []string

const defaultInterval = 30 * time.Second

// Monitor maintains a set of Generators ordered by ExpiryTime ascending
// and regenerates those at or near expiry on each tick.
type Monitor struct {
	clk      clock.Clock
	log      log.Logger
	scope    metrics.Scope
	hosts    HostAddressSource
	interval time.Duration

	mu       sync.Mutex
	queue    genHeap
	inFlight map[Generator]bool
	removed  map[Generator]bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Monitor. hosts supplies the cached connectivity view
// (connectivity.CachedProvider.CachedHostAddresses, typically) used when
// an expiry-triggered regeneration needs a host set for server certs.
func New(hosts HostAddressSource, clk clock.Clock, logger log.Logger, scope metrics.Scope) *Monitor {
	if clk == nil {
		clk = clock.Default()
	}
	if logger == nil {
		logger = log.NopLogger{}
	}
	if scope == nil {
		scope = metrics.NoopScope()
	}
	if hosts == nil {
		hosts = func() []string { return nil }
	}
	return &Monitor{
		clk:      clk,
		log:      logger,
		scope:    scope,
		hosts:    hosts,
		inFlight: make(map[Generator]bool),
		removed:  make(map[Generator]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Add registers a Generator for periodic expiry monitoring. Safe to call
// concurrently with a running tick.
func (m *Monitor) Add(g Generator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	heap.Push(&m.queue, &queueEntry{gen: g, expiry: g.ExpiryTime()})
}

// Remove unregisters a Generator. If a tick is in progress, removal
// takes effect atomically with respect to the scan: a removed Generator
// will not be regenerated nor re-inserted.
func (m *Monitor) Remove(g Generator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.queue {
		if e.gen == g {
			heap.Remove(&m.queue, i)
			return
		}
	}
	// Not in the queue: the tick may have popped it and be mid-Generate.
	// Mark it so reinsert drops it instead of putting it back.
	if m.inFlight[g] {
		m.removed[g] = true
	}
}

// Start schedules a periodic tick at interval (default 30s).
// It returns immediately; the ticking loop runs in a background
// goroutine until Stop is called.
func (m *Monitor) Start(interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	m.interval = interval
	go m.run()
}

// Stop cancels the background ticking loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.clk.After(m.interval):
			m.tick()
		}
	}
}

// tick drains the front of the queue while the head reports
// ShouldRegenerate()==true; certificates that don't need regeneration
// terminate the scan since the queue is ordered by expiry ascending.
func (m *Monitor) tick() {
	start := m.clk.Now()
	regenerated := 0
	// Re-insertion is deferred until the scan is over: a Generator whose
	// Generate failed is still due, and putting it straight back would
	// pop it again on the next loop iteration instead of on the next
	// tick.
	var processed []Generator
	for {
		entry, ok := m.popIfDue()
		if !ok {
			break
		}
		err := entry.gen.Generate(m.hosts, "expiry")
		if err != nil {
			m.log.Errf("expiry regeneration failed: %s", err)
			m.scope.Inc("expirymonitor.tick.errors", 1)
		} else {
			regenerated++
		}
		processed = append(processed, entry.gen)
	}
	for _, g := range processed {
		m.reinsert(g)
	}
	m.scope.Gauge("expirymonitor.tick.regenerated", int64(regenerated))
	m.scope.TimingDuration("expirymonitor.tick.duration", m.clk.Now().Sub(start))
}

// popIfDue pops and returns the head of the queue only if it reports
// ShouldRegenerate()==true. If the head is not due, nothing is popped
// and ok is false, since everything behind it is due even later.
func (m *Monitor) popIfDue() (*queueEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	head := m.queue[0]
	if !head.gen.ShouldRegenerate() {
		return nil, false
	}
	entry := heap.Pop(&m.queue).(*queueEntry)
	m.inFlight[entry.gen] = true
	return entry, true
}

func (m *Monitor) reinsert(g Generator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, g)
	if m.removed[g] {
		delete(m.removed, g)
		return
	}
	heap.Push(&m.queue, &queueEntry{gen: g, expiry: g.ExpiryTime()})
}

// RunOnce exposes a single synchronous tick for tests and for callers
// that want to drive the scan from their own scheduler loop instead of
// Start's background ticker.
func (m *Monitor) RunOnce(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	default:
		m.tick()
	}
}

type queueEntry struct {
	gen    Generator
	expiry time.Time
}

// genHeap orders queueEntry by expiry ascending; the zero time already sorts first.
type genHeap []*queueEntry

func (h genHeap) Len() int            { return len(h) }
func (h genHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h genHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *genHeap) Push(x interface{}) { *h = append(*h, x.(*queueEntry)) }
func (h *genHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
