package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyfleet/internal/shared/types"
	"proxyfleet/proxypool"
	"proxyfleet/proxypool/model"
)

// --- Mocks ---

type mockPool struct {
	mu          sync.Mutex
	lastFilter  proxypool.ProxyFilter
	lastPage    [2]int
	imported    []string
	importProto model.Protocol
	locked      map[string]bool
	assigned    map[string]*model.ProxyRecord
	refreshed   chan struct{}
	holdRefresh bool // 为 true 时 RefreshFeeds 阻塞到 ctx 结束
	refreshErr  error
}

func newMockPool() *mockPool {
	p, _ := model.NewProxyRecord("10.0.0.1", 1080, model.ProtocolSOCKS5)
	p.Username, p.Password = "user", "secret"
	p.AssignedAccount = "acct"
	return &mockPool{
		locked:    map[string]bool{},
		assigned:  map[string]*model.ProxyRecord{"acct": p},
		refreshed: make(chan struct{}, 1),
	}
}

func (m *mockPool) GetProxyStats() proxypool.PoolStats {
	return proxypool.PoolStats{Total: 7, Active: 5, Assigned: len(m.assigned)}
}

func (m *mockPool) GetProxiesPaginated(page, pageSize int, filter proxypool.ProxyFilter) ([]*model.ProxyRecord, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = filter
	m.lastPage = [2]int{page, pageSize}
	return []*model.ProxyRecord{m.assigned["acct"]}, 11
}

func (m *mockPool) ImportProxies(lines []string, protocol model.Protocol) int {
	m.imported = lines
	m.importProto = protocol
	return len(lines) - 1
}

func (m *mockPool) ValidateNow(ctx context.Context, keys []string) (int, error) {
	if keys[0] == "missing:1" {
		return 0, errors.New("no matching proxies found for the given keys")
	}
	return len(keys), nil
}

func (m *mockPool) DeleteProxies(ctx context.Context, keys []string) (int, error) {
	return len(keys), nil
}

func (m *mockPool) HealthLogs(ctx context.Context, key string, limit int) ([]model.HealthLog, error) {
	return []model.HealthLog{{ID: "log-1", ProxyKey: key, Success: true, LatencyMs: 42}}, nil
}

func (m *mockPool) RefreshFeeds(ctx context.Context) {
	m.refreshed <- struct{}{}
	if m.holdRefresh {
		<-ctx.Done()
		m.mu.Lock()
		m.refreshErr = ctx.Err()
		m.mu.Unlock()
	}
}

func (m *mockPool) GetProxyForAccount(ctx context.Context, accountID string, preferredTier *model.Tier) (*model.ProxyRecord, error) {
	return m.assigned[accountID], nil
}

func (m *mockPool) ReleaseProxy(ctx context.Context, accountID string) error {
	delete(m.assigned, accountID)
	return nil
}

func (m *mockPool) LockProxyAssignment(ctx context.Context, accountID string) (bool, error) {
	if _, ok := m.assigned[accountID]; !ok {
		return false, nil
	}
	m.locked[accountID] = true
	return true, nil
}

func (m *mockPool) UnlockProxyAssignment(ctx context.Context, accountID string) (bool, error) {
	if _, ok := m.assigned[accountID]; !ok {
		return false, nil
	}
	m.locked[accountID] = false
	return true, nil
}

// --- Helpers ---

func newTestServer(t *testing.T, conf types.WebConf) (*Server, *mockPool, *httptest.Server) {
	t.Helper()
	pool := newMockPool()
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "proxyfleet_test_total", Help: "test"}).Inc()

	s := NewServer(conf, pool, reg)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return s, pool, ts
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.SetBasicAuth("admin", "pw")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// --- Tests ---

func TestBasicAuth(t *testing.T) {
	_, _, ts := newTestServer(t, types.WebConf{User: "admin", Password: "pw"})

	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")

	// 状态接口是公开的
	resp2, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3 := do(t, http.MethodGet, ts.URL+"/api/stats", "")
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
	var st proxypool.PoolStats
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&st))
	assert.Equal(t, 7, st.Total)
}

func TestAuthDisabledWithoutCredentials(t *testing.T) {
	_, _, ts := newTestServer(t, types.WebConf{})
	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleProxies_FiltersAndHidesCredentials(t *testing.T) {
	_, pool, ts := newTestServer(t, types.WebConf{})

	resp := do(t, http.MethodGet, ts.URL+"/api/proxies?page=2&page_size=10&status=ACTIVE&tier=premium&country=de&protocol=socks5&assigned=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page ProxyPage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	assert.Equal(t, 11, page.Total)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 10, page.PageSize)
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.Items[0].Password)

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Equal(t, [2]int{2, 10}, pool.lastPage)
	assert.Equal(t, model.StatusActive, pool.lastFilter.Status)
	assert.Equal(t, model.TierPremium, pool.lastFilter.Tier)
	assert.Equal(t, "de", pool.lastFilter.Country)
	assert.Equal(t, model.ProtocolSOCKS5, pool.lastFilter.Protocol)
	require.NotNil(t, pool.lastFilter.Assigned)
	assert.True(t, *pool.lastFilter.Assigned)

	bad := do(t, http.MethodGet, ts.URL+"/api/proxies?tier=gold", "")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHandleImportValidateDelete(t *testing.T) {
	_, pool, ts := newTestServer(t, types.WebConf{})

	resp := do(t, http.MethodPost, ts.URL+"/api/proxies/import", `{"proxies":["1.2.3.4:80","bad"],"protocol":"SOCKS4"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var imported map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&imported))
	assert.Equal(t, 2, imported["submitted"])
	assert.Equal(t, 1, imported["added"])
	assert.Equal(t, model.ProtocolSOCKS4, pool.importProto)

	resp = do(t, http.MethodGet, ts.URL+"/api/proxies/import", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/proxies/validate", `{"keys":["1.2.3.4:80","5.6.7.8:80"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var checked map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&checked))
	assert.Equal(t, 2, checked["checked"])

	resp = do(t, http.MethodPost, ts.URL+"/api/proxies/validate", `{"keys":["missing:1"]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/proxies/delete", `{"keys":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/proxies/delete", `{"keys":["1.2.3.4:80"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleHealthLogsAndRefresh(t *testing.T) {
	_, pool, ts := newTestServer(t, types.WebConf{})

	resp := do(t, http.MethodGet, ts.URL+"/api/health-logs", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/health-logs?proxy=10.0.0.1:1080", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs []model.HealthLog
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "10.0.0.1:1080", logs[0].ProxyKey)

	resp = do(t, http.MethodPost, ts.URL+"/api/feeds/refresh", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	select {
	case <-pool.refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh was not triggered")
	}
}

func TestShutdownCancelsBackgroundRefresh(t *testing.T) {
	s, pool, ts := newTestServer(t, types.WebConf{})
	pool.holdRefresh = true

	resp := do(t, http.MethodPost, ts.URL+"/api/feeds/refresh", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	select {
	case <-pool.refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh was not triggered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	// Shutdown 返回时后台刷新已经结束
	pool.mu.Lock()
	assert.ErrorIs(t, pool.refreshErr, context.Canceled)
	pool.mu.Unlock()

	resp = do(t, http.MethodPost, ts.URL+"/api/feeds/refresh", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleAssignment(t *testing.T) {
	_, pool, ts := newTestServer(t, types.WebConf{})

	resp := do(t, http.MethodGet, ts.URL+"/api/assignments?account=acct&tier=premium", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p model.ProxyRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	assert.Equal(t, "10.0.0.1", p.IP)
	assert.Equal(t, "acct", p.AssignedAccount)

	resp = do(t, http.MethodGet, ts.URL+"/api/assignments?account=nobody", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/assignments/lock?account=acct&locked=true", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, pool.locked["acct"])

	resp = do(t, http.MethodPost, ts.URL+"/api/assignments/lock?account=nobody&locked=true", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/assignments/lock?account=acct&locked=maybe", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodDelete, ts.URL+"/api/assignments?account=acct", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotContains(t, pool.assigned, "acct")

	resp = do(t, http.MethodGet, ts.URL+"/api/assignments", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, types.WebConf{})
	resp := do(t, http.MethodGet, ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(strings.Builder)
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "proxyfleet_test_total 1")
}

func TestWebSocketStatsPush(t *testing.T) {
	s, pool, ts := newTestServer(t, types.WebConf{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	go s.hub.RunStatsPusher(ctx, pool, 20*time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string              `json:"type"`
		Data proxypool.PoolStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "pool_stats", msg.Type)
	assert.Equal(t, 7, msg.Data.Total)
}

func TestServerDisabledWithoutPort(t *testing.T) {
	s := NewServer(types.WebConf{}, newMockPool(), nil)
	var wg sync.WaitGroup
	require.NoError(t, s.Start(context.Background(), &wg))
	assert.NoError(t, s.Shutdown(context.Background()))
	wg.Wait()
}
