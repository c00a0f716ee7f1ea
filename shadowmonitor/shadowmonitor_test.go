package shadowmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	fakeclock "github.com/jmhodges/clock"
	"github.com/stretchr/testify/require"

	"github.com/edgecore/gg-cert-core/corecerts"
	"github.com/edgecore/gg-cert-core/retryrunner"
	"github.com/edgecore/gg-cert-core/transport"
)

type publishedMsg struct {
	topic   string
	payload []byte
}

type fakePubSub struct {
	mu         sync.Mutex
	published  []publishedMsg
	onResumed  func()
	subscribes map[string]transport.MessageHandler
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{subscribes: make(map[string]transport.MessageHandler)}
}

func (f *fakePubSub) Publish(topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic: topic, payload: payload})
	return nil
}

func (f *fakePubSub) Subscribe(topic string, qos byte, handler transport.MessageHandler, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes[topic] = handler
	return nil
}

func (f *fakePubSub) Unsubscribe(topics ...string) error { return nil }

func (f *fakePubSub) OnConnectionResumed(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onResumed = fn
}

func (f *fakePubSub) updatePublishes() []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedMsg, len(f.published))
	copy(out, f.published)
	return out
}

type fakeGen struct {
	calls int
	hosts []string
}

func (f *fakeGen) Generate(hostSupplier func() []string, reason string) error {
	f.calls++
	f.hosts = hostSupplier()
	return nil
}

type fakeProvider struct {
	hosts []string
}

func (f *fakeProvider) GetConnectivityInfo(ctx context.Context) ([]corecerts.ConnectivityInfo, error) {
	out := make([]corecerts.ConnectivityInfo, len(f.hosts))
	for i, h := range f.hosts {
		out[i] = corecerts.ConnectivityInfo{HostAddress: h}
	}
	return out, nil
}

func newTestMonitor(ps *fakePubSub, provider *fakeProvider, gens []Generator, clk fakeclock.Clock) *Monitor {
	return New(Config{
		ThingName: "device-1",
		PubSub:    ps,
		Provider:  provider,
		Retry:     retryrunner.New(clk, nil, nil),
		Clock:     clk,
	}, gens)
}

func TestProcessOnceDuplicateVersionSkipsRegenAndRepublishes(t *testing.T) {
	clk := fakeclock.NewFake()
	ps := newFakePubSub()
	gen := &fakeGen{}
	m := newTestMonitor(ps, &fakeProvider{hosts: []string{"10.0.0.1"}}, []Generator{gen}, clk)
	m.lastCISVersion = 5

	m.enqueue(corecerts.PendingShadowRequest{Version: 5, Desired: map[string]interface{}{"test": 1.0}})
	m.RunOnce(context.Background())

	require.Equal(t, 0, gen.calls)
	require.Len(t, ps.updatePublishes(), 1)
}

func TestProcessOnceNewVersionUnchangedHostsSkipsRegen(t *testing.T) {
	clk := fakeclock.NewFake()
	ps := newFakePubSub()
	gen := &fakeGen{}
	m := newTestMonitor(ps, &fakeProvider{hosts: []string{"10.0.0.1"}}, []Generator{gen}, clk)
	m.lastCISVersion = 1
	m.lastHostAddresses = []string{"10.0.0.1"}
	m.haveLastHosts = true

	m.enqueue(corecerts.PendingShadowRequest{Version: 2, Desired: map[string]interface{}{"test": 1.0}})
	m.RunOnce(context.Background())

	require.Equal(t, 0, gen.calls)
	require.Equal(t, 2, m.lastCISVersion)
}

func TestProcessOnceChangedHostsRegeneratesAndAdvancesVersion(t *testing.T) {
	clk := fakeclock.NewFake()
	ps := newFakePubSub()
	gen := &fakeGen{}
	m := newTestMonitor(ps, &fakeProvider{hosts: []string{"10.0.0.2"}}, []Generator{gen}, clk)
	m.lastCISVersion = 1
	m.lastHostAddresses = []string{"10.0.0.1"}
	m.haveLastHosts = true

	m.enqueue(corecerts.PendingShadowRequest{Version: 2, Desired: map[string]interface{}{"test": 1.0}})
	m.RunOnce(context.Background())

	require.Equal(t, 1, gen.calls)
	require.Equal(t, []string{"10.0.0.2"}, gen.hosts)
	require.Equal(t, 2, m.lastCISVersion)
	require.Len(t, ps.updatePublishes(), 1)
}

func TestProcessOnceFirstEverFetchAlwaysRegardedAsChanged(t *testing.T) {
	clk := fakeclock.NewFake()
	ps := newFakePubSub()
	gen := &fakeGen{}
	m := newTestMonitor(ps, &fakeProvider{hosts: []string{"10.0.0.1"}}, []Generator{gen}, clk)

	m.enqueue(corecerts.PendingShadowRequest{Version: 1, Desired: map[string]interface{}{"test": 1.0}})
	m.RunOnce(context.Background())

	require.Equal(t, 1, gen.calls)
	require.Equal(t, 1, m.lastCISVersion)
}

func TestProcessOnceCertGenFailureDoesNotAdvanceVersion(t *testing.T) {
	clk := fakeclock.NewFake()
	ps := newFakePubSub()
	gen := &failingGen{}
	m := newTestMonitor(ps, &fakeProvider{hosts: []string{"10.0.0.2"}}, []Generator{gen}, clk)
	m.lastCISVersion = 1
	m.lastHostAddresses = []string{"10.0.0.1"}
	m.haveLastHosts = true

	m.enqueue(corecerts.PendingShadowRequest{Version: 2, Desired: map[string]interface{}{"test": 1.0}})
	m.RunOnce(context.Background())

	require.Equal(t, 1, m.lastCISVersion)
}

type failingGen struct{}

func (f *failingGen) Generate(hostSupplier func() []string, reason string) error {
	return errors.New("boom")
}

func TestSequentialDeltasProcessInVersionOrder(t *testing.T) {
	clk := fakeclock.NewFake()
	ps := newFakePubSub()
	gen := &fakeGen{}
	provider := &fakeProvider{hosts: []string{"10.0.0.1"}}
	m := newTestMonitor(ps, provider, []Generator{gen}, clk)

	m.enqueue(corecerts.PendingShadowRequest{Version: 1, Desired: map[string]interface{}{"test": 1.0}})
	m.RunOnce(context.Background())

	provider.hosts = []string{"10.0.0.2"}
	m.enqueue(corecerts.PendingShadowRequest{Version: 2, Desired: map[string]interface{}{"test": 2.0}})
	m.RunOnce(context.Background())

	require.Equal(t, 2, gen.calls)
	require.Equal(t, []string{"10.0.0.2"}, gen.hosts)
	require.Equal(t, 2, m.lastCISVersion)
	require.Len(t, ps.updatePublishes(), 2)
}

func TestEnqueueKeepsHighestVersion(t *testing.T) {
	clk := fakeclock.NewFake()
	ps := newFakePubSub()
	m := newTestMonitor(ps, &fakeProvider{}, nil, clk)

	m.enqueue(corecerts.PendingShadowRequest{Version: 1})
	m.enqueue(corecerts.PendingShadowRequest{Version: 3})
	m.enqueue(corecerts.PendingShadowRequest{Version: 2})

	req, ok := m.takePending()
	require.True(t, ok)
	require.Equal(t, 3, req.Version)
}

func TestHandleDeltaParsesPayload(t *testing.T) {
	clk := fakeclock.NewFake()
	ps := newFakePubSub()
	m := newTestMonitor(ps, &fakeProvider{}, nil, clk)

	body, err := json.Marshal(map[string]interface{}{
		"version": 7,
		"state":   map[string]interface{}{"hostAddresses": []string{"10.0.0.9"}},
	})
	require.NoError(t, err)

	m.handleDelta(m.topics.Delta, body)

	req, ok := m.takePending()
	require.True(t, ok)
	require.Equal(t, 7, req.Version)
}
