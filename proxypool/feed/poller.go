package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/proxypool/model"
)

// Fetcher 下载一个代理源的原始载荷。
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Sink 接收解析出的候选代理。实现者只应合并池中尚不存在的键。
type Sink interface {
	MergeCandidates(ep *model.Endpoint, candidates []*model.ProxyRecord) int
	RecordFullPoll(at time.Time)
}

// HTTPFetcher 使用 resty 客户端抓取代理源。失败不重试，下一次调度周期自然重试。
type HTTPFetcher struct {
	client *resty.Client
}

func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", userAgent)
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode(), url)
	}
	return resp.Body(), nil
}

// Poller 为每个代理源维护一个独立的调度循环。
type Poller struct {
	endpoints []*model.Endpoint
	fetcher   Fetcher
	sink      Sink
	sem       *semaphore.Weighted
}

// NewPoller 创建轮询器，maxConcurrent 限制全局同时进行的抓取数。
func NewPoller(endpoints []*model.Endpoint, fetcher Fetcher, sink Sink, maxConcurrent int) *Poller {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Poller{
		endpoints: endpoints,
		fetcher:   fetcher,
		sink:      sink,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (p *Poller) Endpoints() []*model.Endpoint {
	return p.endpoints
}

// Run 先执行一次全量抓取，然后为每个源启动稳态循环，直到 ctx 被取消。
func (p *Poller) Run(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Feed")
	l.Info().Int("endpoints", len(p.endpoints)).Msg("Feed poller starting with an eager full poll.")

	p.PollAll(ctx)

	var wg sync.WaitGroup
	for _, ep := range p.endpoints {
		wg.Add(1)
		go func(ep *model.Endpoint) {
			defer wg.Done()
			p.loop(ctx, ep)
		}(ep)
	}
	wg.Wait()
	l.Info().Msg("Feed poller stopped.")
}

// PollAll 并发抓取所有源一次（受全局信号量限制）。
func (p *Poller) PollAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range p.endpoints {
		g.Go(func() error {
			// 单个源失败不影响其他源
			_, _ = p.PollOnce(gctx, ep)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() == nil {
		p.sink.RecordFullPoll(time.Now())
	}
}

func (p *Poller) loop(ctx context.Context, ep *model.Endpoint) {
	for {
		wait := ep.PollInterval() - time.Since(ep.LastPoll())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		_, _ = p.PollOnce(ctx, ep)
	}
}

// PollOnce 抓取并解析一个源，返回新合并进池的代理数量。
func (p *Poller) PollOnce(ctx context.Context, ep *model.Endpoint) (int, error) {
	l := logger.WithComponent("ProxyPool/Feed")

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer p.sem.Release(1)

	ep.MarkPolled(time.Now())
	payload, err := p.fetcher.Fetch(ctx, ep.URL)
	if err != nil {
		ep.RecordFailure()
		if ctx.Err() == nil {
			l.Warn().Err(err).Str("endpoint", ep.Name).Msg("Feed fetch failed.")
		}
		return 0, err
	}

	candidates, err := Parse(ep.Parser, payload, FilterFor(ep))
	if err != nil {
		ep.RecordFailure()
		l.Warn().Err(err).Str("endpoint", ep.Name).Msg("Feed payload could not be parsed.")
		return 0, err
	}
	ep.RecordSuccess()

	for _, c := range candidates {
		c.SourceEndpoint = ep.Name
	}
	added := p.sink.MergeCandidates(ep, candidates)
	l.Debug().Str("endpoint", ep.Name).Int("parsed", len(candidates)).Int("added", added).Msg("Feed polled.")
	return added, nil
}
