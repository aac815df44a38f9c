package proxypool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyfleet/proxypool/model"
	"proxyfleet/proxypool/validator"
)

type fakeGeo struct {
	calls int
}

func (g *fakeGeo) Lookup(_ context.Context, ip string) (validator.GeoInfo, bool) {
	g.calls++
	return validator.GeoInfo{Country: "NL", City: "Amsterdam", ISP: "Example Hosting"}, true
}

func keysOf(ps []*model.ProxyRecord) []string {
	keys := make([]string, 0, len(ps))
	for _, p := range ps {
		keys = append(keys, p.Key())
	}
	return keys
}

func TestSelectForCheck_Priority(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.HealthConf.UntestedBatchLimit = 2
	m, _ := newTestManager(t, cfg, newFakeProber())
	now := time.Now()

	assignedStale := seed(t, m, "10.1.0.1", score90)
	_, err := m.GetProxyForAccount(ctx, "a1", nil)
	require.NoError(t, err)
	assignedFresh := seed(t, m, "10.1.0.2", score90)
	_, err = m.GetProxyForAccount(ctx, "a2", nil)
	require.NoError(t, err)
	require.Equal(t, "a1", assignedStale.AssignedAccount)
	require.Equal(t, "a2", assignedFresh.AssignedAccount)
	assignedStale.LastChecked = now.Add(-10 * time.Minute)
	assignedFresh.LastChecked = now.Add(-1 * time.Minute)

	idleStale := seed(t, m, "10.1.0.3", score90)
	idleStale.LastChecked = now.Add(-20 * time.Minute)
	idleFresh := seed(t, m, "10.1.0.4", score90)
	idleFresh.LastChecked = now.Add(-5 * time.Minute)

	pending := func(p *model.ProxyRecord) { p.Status = model.StatusTesting }
	t1 := seed(t, m, "10.1.0.5", pending)
	t2 := seed(t, m, "10.1.0.6", pending)
	t3 := seed(t, m, "10.1.0.7", pending)
	t3.LastChecked = now.Add(-time.Hour)

	cooling := seed(t, m, "10.1.0.8", func(p *model.ProxyRecord) {
		p.Status = model.StatusCooldown
		p.CooldownUntil = now.Add(time.Minute)
	})

	due := m.selectForCheck(now)
	assert.Equal(t, []string{assignedStale.Key(), idleStale.Key(), t1.Key(), t2.Key()}, keysOf(due))
	assert.NotContains(t, keysOf(due), cooling.Key())

	// 返回的是拷贝
	due[0].Status = model.StatusFailed
	assert.Equal(t, model.StatusActive, assignedStale.Status)
}

func TestRunHealthCycle_PromotesTestingProxies(t *testing.T) {
	ctx := context.Background()
	prober := newFakeProber()
	m, store := newTestManager(t, testConfig(), prober)

	added := m.ImportProxies([]string{"10.2.0.1:8080", "10.2.0.2:8080"}, model.ProtocolHTTP)
	require.Equal(t, 2, added)
	prober.setFail("10.2.0.2:8080", true)

	checked := m.runHealthCycle(ctx)
	assert.Equal(t, 2, checked)

	good := m.proxies["10.2.0.1:8080"]
	bad := m.proxies["10.2.0.2:8080"]
	assert.Equal(t, model.StatusActive, good.Status)
	assert.InDelta(t, 80, good.LatencyMs, 0.001)
	assert.Equal(t, model.StatusCooldown, bad.Status)
	assert.False(t, bad.CooldownUntil.IsZero())
	assert.Contains(t, m.available, good.Key())

	st := m.GetProxyStats()
	assert.Equal(t, int64(1), st.TotalValidated)
	assert.Equal(t, int64(1), st.TotalFailed)

	persisted, err := store.GetProxy(ctx, good.Key())
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, persisted.Status)
	assert.Equal(t, 1, persisted.SuccessCount)

	logs, err := m.HealthLogs(ctx, bad.Key(), 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.NotEmpty(t, logs[0].ID)

	// 刚检查过的代理不会在下一轮立即重复探测
	assert.Equal(t, 0, m.runHealthCycle(ctx))
	assert.Equal(t, 1, prober.callCount(good.Key()))
}

func TestRunHealthCycle_CancelledProbesAreNotApplied(t *testing.T) {
	prober := newFakeProber()
	m, _ := newTestManager(t, testConfig(), prober)
	m.ImportProxies([]string{"10.3.0.1:3128"}, model.ProtocolHTTP)
	prober.setFail("10.3.0.1:3128", true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, m.runHealthCycle(ctx))

	p := m.proxies["10.3.0.1:3128"]
	assert.Equal(t, model.StatusTesting, p.Status)
	assert.Equal(t, 0, p.FailureCount)
}

func TestRunHealthCycle_FillsGeoInfo(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	store := mustOpenStore(t, cfg)
	geo := &fakeGeo{}
	m := New(cfg, store, Options{
		Endpoints: []*model.Endpoint{newTestEndpoint()},
		Fetcher:   &fakeFetcher{},
		Prober:    newFakeProber(),
		Geo:       geo,
	})

	m.ImportProxies([]string{"10.4.0.1:1080"}, model.ProtocolSOCKS5)
	require.Equal(t, 1, m.runHealthCycle(ctx))

	p := m.proxies["10.4.0.1:1080"]
	assert.Equal(t, "NL", p.Country)
	assert.Equal(t, "Amsterdam", p.City)
	assert.Equal(t, 1, geo.calls)

	persisted, err := store.GetProxy(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, "NL", persisted.Country)
}

func TestValidateNow_UnknownKeys(t *testing.T) {
	m, _ := newTestManager(t, testConfig(), newFakeProber())
	_, err := m.ValidateNow(context.Background(), []string{"203.0.113.1:80"})
	assert.Error(t, err)
}

// slowProber 记录每次探测的起止时间和最大并发数。
type slowProber struct {
	mu       sync.Mutex
	hold     time.Duration
	inFlight int
	peak     int
	calls    []probeCall
}

type probeCall struct {
	key        string
	start, end time.Time
}

func (s *slowProber) Probe(ctx context.Context, p *model.ProxyRecord) validator.Result {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	start := time.Now()
	s.mu.Unlock()

	time.Sleep(s.hold)

	s.mu.Lock()
	s.inFlight--
	s.calls = append(s.calls, probeCall{key: p.Key(), start: start, end: time.Now()})
	s.mu.Unlock()
	return validator.Result{OK: true, LatencyMs: 50}
}

func TestRunHealthCycle_BatchesAndConcurrencyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.HealthConf.BatchSize = 5
	cfg.HealthConf.BatchConcurrency = 2
	prober := &slowProber{hold: 15 * time.Millisecond}
	m, _ := newTestManager(t, cfg, prober)
	m.batchDelay = 40 * time.Millisecond

	lines := make([]string, 0, 12)
	for i := 1; i <= 12; i++ {
		lines = append(lines, fmt.Sprintf("10.6.0.%d:8080", i))
	}
	require.Equal(t, 12, m.ImportProxies(lines, model.ProtocolHTTP))
	order := keysOf(m.selectForCheck(time.Now()))
	require.Len(t, order, 12)

	assert.Equal(t, 12, m.runHealthCycle(context.Background()))

	prober.mu.Lock()
	defer prober.mu.Unlock()
	require.Len(t, prober.calls, 12)
	assert.LessOrEqual(t, prober.peak, 2)
	assert.GreaterOrEqual(t, prober.peak, 1)

	calls := append([]probeCall(nil), prober.calls...)
	sort.Slice(calls, func(i, j int) bool { return calls[i].start.Before(calls[j].start) })

	// 12 个代理分成 5 + 5 + 2 三批，按选择顺序依次探测
	bounds := [][2]int{{0, 5}, {5, 10}, {10, 12}}
	var prevEnd time.Time
	for i, b := range bounds {
		group := calls[b[0]:b[1]]
		got := make([]string, 0, len(group))
		var groupEnd time.Time
		for _, c := range group {
			got = append(got, c.key)
			if c.end.After(groupEnd) {
				groupEnd = c.end
			}
		}
		assert.ElementsMatch(t, order[b[0]:b[1]], got, "batch %d", i)
		if i > 0 {
			assert.GreaterOrEqual(t, group[0].start.Sub(prevEnd), m.batchDelay, "batch %d started before the delay", i)
		}
		prevEnd = groupEnd
	}
}
