package model

import (
	"fmt"
	"net/url"
	"sync/atomic"
	"time"
)

// FeedClass 是代理源的优先级分类，决定轮询节奏。
type FeedClass string

const (
	FeedPrimary   FeedClass = "primary"
	FeedSecondary FeedClass = "secondary"
	FeedObscure   FeedClass = "obscure"
)

// ParserKind 选择解析代理源载荷所使用的格式。
type ParserKind string

const (
	ParserLines    ParserKind = "lines"
	ParserMonosans ParserKind = "monosans"
	ParserHookzof  ParserKind = "hookzof"
	ParserHTML     ParserKind = "html"
)

// Endpoint 是一个代理源的静态配置及其运行时计数。
// 运行时字段仅存在于内存中，不做持久化。
type Endpoint struct {
	Name                string     `json:"name"`
	URL                 string     `json:"url"`
	Class               FeedClass  `json:"class"`
	PollIntervalSeconds int        `json:"poll_interval_seconds"`
	Parser              ParserKind `json:"parser"`
	Protocol            Protocol   `json:"protocol,omitempty"` // 协议过滤，同时是行格式无 scheme 时的默认协议
	Country             string     `json:"country,omitempty"`  // ISO 国家代码过滤

	lastPoll  atomic.Int64 // unix nano
	successes atomic.Int64
	failures  atomic.Int64
}

// EndpointStats 是 Endpoint 运行时状态的快照。
type EndpointStats struct {
	Name      string    `json:"name"`
	Class     FeedClass `json:"class"`
	LastPoll  time.Time `json:"last_poll,omitempty"`
	Successes int64     `json:"successes"`
	Failures  int64     `json:"failures"`
}

// Validate 检查配置文件中读入的源是否完整。
func (e *Endpoint) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("endpoint name is empty")
	}
	if u, err := url.Parse(e.URL); err != nil || u.Host == "" {
		return fmt.Errorf("endpoint %s: invalid url %q", e.Name, e.URL)
	}
	if e.PollIntervalSeconds <= 0 {
		return fmt.Errorf("endpoint %s: poll interval must be positive", e.Name)
	}
	switch e.Parser {
	case ParserLines, ParserMonosans, ParserHookzof, ParserHTML:
	default:
		return fmt.Errorf("endpoint %s: unknown parser %q", e.Name, e.Parser)
	}
	if e.Protocol != "" {
		if _, ok := ParseProtocol(string(e.Protocol)); !ok {
			return fmt.Errorf("endpoint %s: unknown protocol filter %q", e.Name, e.Protocol)
		}
	}
	return nil
}

func (e *Endpoint) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalSeconds) * time.Second
}

// LastPoll 返回上一次轮询的时间，从未轮询时为零值。
func (e *Endpoint) LastPoll() time.Time {
	n := e.lastPoll.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (e *Endpoint) MarkPolled(t time.Time) {
	e.lastPoll.Store(t.UnixNano())
}

func (e *Endpoint) RecordSuccess() {
	e.successes.Add(1)
}

func (e *Endpoint) RecordFailure() {
	e.failures.Add(1)
}

func (e *Endpoint) Snapshot() EndpointStats {
	return EndpointStats{
		Name:      e.Name,
		Class:     e.Class,
		LastPoll:  e.LastPoll(),
		Successes: e.successes.Load(),
		Failures:  e.failures.Load(),
	}
}
