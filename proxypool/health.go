package proxypool

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/proxypool/model"
	"proxyfleet/proxypool/validator"
)

// probeOutcome 是锁外探测的结果，随后在锁内应用到池中的记录上。
type probeOutcome struct {
	key    string
	result validator.Result
	errMsg string
	geo    *validator.GeoInfo
}

// healthLoop 按固定周期执行健康检查，启动后立即执行第一轮。
func (m *Manager) healthLoop(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Health")
	interval := m.cfg.HealthConf.CycleInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Info().Msg("Health checker stopped.")
			return
		case <-timer.C:
		}
		checked := m.runHealthCycle(ctx)
		if checked > 0 {
			l.Debug().Int("count", checked).Msg("Health cycle finished.")
		}
		timer.Reset(interval)
	}
}

// runHealthCycle 挑选本轮需要检查的代理，分批探测并应用结果。返回探测的数量。
func (m *Manager) runHealthCycle(ctx context.Context) int {
	due := m.selectForCheck(time.Now())
	if len(due) == 0 {
		return 0
	}

	batchSize := m.cfg.HealthConf.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	checked := 0
	for start := 0; start < len(due); start += batchSize {
		if start > 0 {
			select {
			case <-ctx.Done():
				return checked
			case <-time.After(m.batchDelay):
			}
		}
		end := start + batchSize
		if end > len(due) {
			end = len(due)
		}
		outcomes := m.probeBatch(ctx, due[start:end])
		if ctx.Err() != nil {
			// 取消导致的失败不计入代理的失败次数
			return checked
		}
		m.applyOutcomes(ctx, outcomes, time.Now())
		checked += len(outcomes)
	}
	return checked
}

// selectForCheck 按优先级挑选代理，返回的是拷贝，可在锁外使用：
//  1. 已分配、ACTIVE/TESTING、超过 assigned_recheck 未检查的代理（不限数量）
//  2. 未分配、ACTIVE、超过 idle_recheck 未检查的代理（最多 idle_batch_limit 个）
//  3. 等待检查的 TESTING 代理，从未检查过的优先（最多 untested_batch_limit 个）
func (m *Manager) selectForCheck(now time.Time) []*model.ProxyRecord {
	hc := m.cfg.HealthConf

	m.mu.Lock()
	defer m.mu.Unlock()

	var assigned, idle, untested []*model.ProxyRecord
	for _, p := range m.proxies {
		switch {
		case p.AssignedAccount != "":
			if (p.Status == model.StatusActive || p.Status == model.StatusTesting) && stale(p, now, hc.AssignedRecheck()) {
				assigned = append(assigned, p)
			}
		case p.Status == model.StatusActive:
			if stale(p, now, hc.IdleRecheck()) {
				idle = append(idle, p)
			}
		case p.Status == model.StatusTesting:
			untested = append(untested, p)
		}
	}

	byLastChecked := func(ps []*model.ProxyRecord) {
		sort.Slice(ps, func(i, j int) bool {
			if !ps[i].LastChecked.Equal(ps[j].LastChecked) {
				return ps[i].LastChecked.Before(ps[j].LastChecked)
			}
			if !ps[i].FirstSeen.Equal(ps[j].FirstSeen) {
				return ps[i].FirstSeen.Before(ps[j].FirstSeen)
			}
			return ps[i].Key() < ps[j].Key()
		})
	}
	byLastChecked(assigned)
	byLastChecked(idle)
	byLastChecked(untested)
	idle = limit(idle, hc.IdleBatchLimit)
	untested = limit(untested, hc.UntestedBatchLimit)

	out := make([]*model.ProxyRecord, 0, len(assigned)+len(idle)+len(untested))
	for _, group := range [][]*model.ProxyRecord{assigned, idle, untested} {
		for _, p := range group {
			out = append(out, p.Clone())
		}
	}
	return out
}

func stale(p *model.ProxyRecord, now time.Time, window time.Duration) bool {
	return p.LastChecked.IsZero() || now.Sub(p.LastChecked) >= window
}

func limit(ps []*model.ProxyRecord, n int) []*model.ProxyRecord {
	if n > 0 && len(ps) > n {
		return ps[:n]
	}
	return ps
}

// probeBatch 在锁外并发探测一批代理，并发数受 batch_concurrency 限制。
func (m *Manager) probeBatch(ctx context.Context, batch []*model.ProxyRecord) []probeOutcome {
	concurrency := m.cfg.HealthConf.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	outcomes := make([]probeOutcome, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, p := range batch {
		g.Go(func() error {
			res := m.prober.Probe(gctx, p)
			out := probeOutcome{key: p.Key(), result: res, errMsg: res.ErrorString(p)}
			if res.OK && m.geo != nil && p.Country == "" {
				if info, ok := m.geo.Lookup(gctx, p.IP); ok {
					out.geo = &info
				}
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// applyOutcomes 在锁内更新评分与状态，持久化变化，写入健康日志，
// 并为刚被拉黑的已分配代理触发换绑。
func (m *Manager) applyOutcomes(ctx context.Context, outcomes []probeOutcome, now time.Time) {
	l := logger.WithComponent("ProxyPool/Health")
	policy := model.StatusPolicy{
		MaxFailures: m.cfg.HealthConf.MaxFailures,
		Cooldown:    m.cfg.HealthConf.Cooldown(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := make([]*model.ProxyRecord, 0, len(outcomes))
	logs := make([]model.HealthLog, 0, len(outcomes))
	var blacklistedAccounts []string

	for _, o := range outcomes {
		p, ok := m.proxies[o.key]
		if !ok {
			// 探测期间被清理掉了
			continue
		}

		prev := p.ApplyProbe(o.result.OK, o.result.LatencyMs, now, policy)
		if o.geo != nil && p.Country == "" {
			p.Country, p.City, p.ISP = o.geo.Country, o.geo.City, o.geo.ISP
		}
		m.setAvailabilityLocked(p)
		changed = append(changed, p)

		logs = append(logs, model.HealthLog{
			ID:        uuid.NewString(),
			ProxyKey:  o.key,
			CheckedAt: now,
			Success:   o.result.OK,
			LatencyMs: o.result.LatencyMs,
			Error:     o.errMsg,
		})

		if o.result.OK {
			m.stats.TotalValidated++
			m.metrics.probes.WithLabelValues("success").Inc()
			m.metrics.probeLatency.Observe(o.result.LatencyMs)
		} else {
			m.stats.TotalFailed++
			m.metrics.probes.WithLabelValues("failure").Inc()
		}

		if p.Status == model.StatusBlacklisted && prev != model.StatusBlacklisted {
			l.Info().Str("proxy", p.Key()).Int("failures", p.FailureCount).Msg("Proxy blacklisted after repeated failures.")
			if p.AssignedAccount != "" {
				blacklistedAccounts = append(blacklistedAccounts, p.AssignedAccount)
			}
		}
	}

	if err := m.store.UpdateProxies(ctx, changed); err != nil {
		l.Error().Err(err).Int("count", len(changed)).Msg("Failed to persist health results.")
	}
	if err := m.store.AppendHealthLogs(ctx, logs); err != nil {
		l.Warn().Err(err).Msg("Failed to append health logs.")
	}

	for _, account := range blacklistedAccounts {
		m.reassignLocked(ctx, account)
	}
	m.refreshGaugesLocked()
}

// ValidateNow 立即探测指定的代理（例如由管理接口触发），返回探测数量。
func (m *Manager) ValidateNow(ctx context.Context, keys []string) (int, error) {
	m.mu.Lock()
	batch := make([]*model.ProxyRecord, 0, len(keys))
	for _, key := range keys {
		if p, ok := m.proxies[key]; ok {
			batch = append(batch, p.Clone())
		}
	}
	m.mu.Unlock()

	if len(batch) == 0 {
		return 0, fmt.Errorf("no matching proxies found for the given keys")
	}
	outcomes := m.probeBatch(ctx, batch)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.applyOutcomes(ctx, outcomes, time.Now())
	return len(outcomes), nil
}
