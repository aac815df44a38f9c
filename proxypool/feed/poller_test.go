package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyfleet/proxypool/model"
)

// --- Mocks ---

type mockSink struct {
	mu        sync.Mutex
	seen      map[string]string // key -> source endpoint
	fullPolls int
}

func newMockSink() *mockSink {
	return &mockSink{seen: make(map[string]string)}
}

func (m *mockSink) MergeCandidates(ep *model.Endpoint, candidates []*model.ProxyRecord) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, c := range candidates {
		if _, ok := m.seen[c.Key()]; ok {
			continue
		}
		m.seen[c.Key()] = c.SourceEndpoint
		added++
	}
	return added
}

func (m *mockSink) RecordFullPoll(time.Time) {
	m.mu.Lock()
	m.fullPolls++
	m.mu.Unlock()
}

func newFeedServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/socks.txt", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "proxyfleet-test", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte("1.2.3.4:1080\n5.6.7.8:1080\n"))
	})
	mux.HandleFunc("/dup.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("1.2.3.4:1080\n9.9.9.9:3128\n"))
	})
	mux.HandleFunc("/broken.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{oops"))
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPollOnce_MergesAndStampsSource(t *testing.T) {
	srv := newFeedServer(t)
	sink := newMockSink()
	ep := &model.Endpoint{Name: "local-socks", URL: srv.URL + "/socks.txt", Class: model.FeedPrimary, PollIntervalSeconds: 60, Parser: model.ParserLines, Protocol: model.ProtocolSOCKS5}
	p := NewPoller([]*model.Endpoint{ep}, NewHTTPFetcher(5*time.Second, "proxyfleet-test"), sink, 2)

	added, err := p.PollOnce(context.Background(), ep)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, "local-socks", sink.seen["1.2.3.4:1080"])

	// 再次抓取同样的载荷不会新增
	added, err = p.PollOnce(context.Background(), ep)
	require.NoError(t, err)
	assert.Equal(t, 0, added)

	stats := ep.Snapshot()
	assert.Equal(t, int64(2), stats.Successes)
	assert.Equal(t, int64(0), stats.Failures)
	assert.False(t, stats.LastPoll.IsZero())
}

func TestPollOnce_FailuresAreCounted(t *testing.T) {
	srv := newFeedServer(t)
	sink := newMockSink()
	down := &model.Endpoint{Name: "down", URL: srv.URL + "/down", Class: model.FeedObscure, PollIntervalSeconds: 60, Parser: model.ParserLines}
	broken := &model.Endpoint{Name: "broken", URL: srv.URL + "/broken.json", Class: model.FeedObscure, PollIntervalSeconds: 60, Parser: model.ParserMonosans}
	p := NewPoller([]*model.Endpoint{down, broken}, NewHTTPFetcher(5*time.Second, "proxyfleet-test"), sink, 2)

	_, err := p.PollOnce(context.Background(), down)
	assert.Error(t, err)
	_, err = p.PollOnce(context.Background(), broken)
	assert.Error(t, err)

	assert.Equal(t, int64(1), down.Snapshot().Failures)
	assert.Equal(t, int64(1), broken.Snapshot().Failures)
	assert.Empty(t, sink.seen)
}

func TestPollAll_FirstWriterWinsAttribution(t *testing.T) {
	srv := newFeedServer(t)
	sink := newMockSink()
	first := &model.Endpoint{Name: "first", URL: srv.URL + "/socks.txt", Class: model.FeedPrimary, PollIntervalSeconds: 60, Parser: model.ParserLines}
	second := &model.Endpoint{Name: "second", URL: srv.URL + "/dup.txt", Class: model.FeedSecondary, PollIntervalSeconds: 120, Parser: model.ParserLines}
	down := &model.Endpoint{Name: "down", URL: srv.URL + "/down", Class: model.FeedObscure, PollIntervalSeconds: 180, Parser: model.ParserLines}
	p := NewPoller([]*model.Endpoint{first, second, down}, NewHTTPFetcher(5*time.Second, "proxyfleet-test"), sink, 1)

	p.PollAll(context.Background())

	assert.Len(t, sink.seen, 3)
	assert.Contains(t, []string{"first", "second"}, sink.seen["1.2.3.4:1080"])
	assert.Equal(t, "second", sink.seen["9.9.9.9:3128"])
	assert.Equal(t, 1, sink.fullPolls)
	assert.Equal(t, int64(1), down.Snapshot().Failures)
}

func TestRun_StopsOnCancel(t *testing.T) {
	srv := newFeedServer(t)
	sink := newMockSink()
	ep := &model.Endpoint{Name: "local", URL: srv.URL + "/socks.txt", Class: model.FeedPrimary, PollIntervalSeconds: 3600, Parser: model.ParserLines}
	p := NewPoller([]*model.Endpoint{ep}, NewHTTPFetcher(5*time.Second, "proxyfleet-test"), sink, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.fullPolls == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop after cancel")
	}
}

// gatedFetcher 在 gate 关闭前阻塞所有抓取，并记录同时进行的抓取数。
type gatedFetcher struct {
	mu       sync.Mutex
	gate     chan struct{}
	inFlight int
	peak     int
	total    int
}

func (f *gatedFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.inFlight++
	f.total++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	select {
	case <-f.gate:
		return []byte("1.2.3.4:1080\n"), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *gatedFetcher) snapshot() (inFlight, peak, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight, f.peak, f.total
}

func TestPollAll_RespectsGlobalFetchLimit(t *testing.T) {
	const limit = 3
	fetcher := &gatedFetcher{gate: make(chan struct{})}
	var endpoints []*model.Endpoint
	for i := 0; i < 8; i++ {
		endpoints = append(endpoints, &model.Endpoint{
			Name:                fmt.Sprintf("feed-%d", i),
			URL:                 fmt.Sprintf("http://feed.test/%d.txt", i),
			Class:               model.FeedObscure,
			PollIntervalSeconds: 600 + i,
			Parser:              model.ParserLines,
		})
	}
	sink := newMockSink()
	p := NewPoller(endpoints, fetcher, sink, limit)

	done := make(chan struct{})
	go func() {
		p.PollAll(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		inFlight, _, _ := fetcher.snapshot()
		return inFlight == limit
	}, 5*time.Second, 5*time.Millisecond)
	// 其余抓取必须等待信号量
	time.Sleep(50 * time.Millisecond)
	inFlight, peak, total := fetcher.snapshot()
	assert.Equal(t, limit, inFlight)
	assert.Equal(t, limit, peak)
	assert.Equal(t, limit, total)

	close(fetcher.gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("PollAll did not finish")
	}

	_, peak, total = fetcher.snapshot()
	assert.Equal(t, 8, total)
	assert.LessOrEqual(t, peak, limit)
	assert.Equal(t, 1, sink.fullPolls)
}
