package proxypool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/proxypool/model"
)

const (
	janitorInitialBackoff = 5 * time.Second
	janitorMaxBackoff     = 300 * time.Second
)

// janitorLoop 周期性执行清理任务。出错后按 5s 起、翻倍、最长 300s 退避重试，成功后恢复正常周期。
func (m *Manager) janitorLoop(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Janitor")
	interval := m.cfg.JanitorConf.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	var backoff time.Duration
	for {
		wait := interval
		if backoff > 0 {
			wait = backoff
		}
		select {
		case <-ctx.Done():
			l.Info().Msg("Janitor stopped.")
			return
		case <-time.After(wait):
		}

		if err := m.runJanitor(ctx, time.Now()); err != nil {
			if ctx.Err() != nil {
				return
			}
			backoff = nextBackoff(backoff)
			l.Warn().Err(err).Dur("retry_in", backoff).Msg("Janitor run failed.")
			continue
		}
		backoff = 0
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return janitorInitialBackoff
	}
	next := cur * 2
	if next > janitorMaxBackoff {
		return janitorMaxBackoff
	}
	return next
}

// runJanitor 依次执行冷却到期、日志清理、超容量淘汰和统计持久化。
// 单项失败不影响其余各项，所有错误合并后返回。
func (m *Manager) runJanitor(ctx context.Context, now time.Time) error {
	l := logger.WithComponent("ProxyPool/Janitor")
	var errs []error

	if n, err := m.expireCooldowns(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("cooldown expiry: %w", err))
	} else if n > 0 {
		l.Debug().Int("count", n).Msg("Cooldowns expired, proxies back to testing.")
	}

	if retention := m.cfg.HealthConf.LogRetention(); retention > 0 {
		n, err := m.store.PurgeHealthLogs(ctx, now.Add(-retention))
		if err != nil {
			errs = append(errs, err)
		} else if n > 0 {
			l.Debug().Int("count", int(n)).Msg("Old health logs purged.")
		}
	}

	if n, err := m.evictLowQuality(ctx); err != nil {
		errs = append(errs, fmt.Errorf("eviction: %w", err))
	} else if n > 0 {
		l.Info().Int("count", n).Msg("Evicted low-quality proxies to stay under the pool cap.")
	}

	if err := m.persistStats(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// expireCooldowns 把冷却期已过的代理放回 TESTING，等待重新探测（不会直接变为 ACTIVE）。
func (m *Manager) expireCooldowns(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*model.ProxyRecord
	for _, p := range m.proxies {
		if p.Status != model.StatusCooldown || p.CooldownUntil.IsZero() || now.Before(p.CooldownUntil) {
			continue
		}
		p.Status = model.StatusTesting
		p.CooldownUntil = time.Time{}
		m.setAvailabilityLocked(p)
		expired = append(expired, p)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	m.refreshGaugesLocked()
	return len(expired), m.store.UpdateProxies(ctx, expired)
}

// evictLowQuality 仅在池大小超过上限时生效，只淘汰未分配的代理：
// 先淘汰分数过低、欺诈分过高或已被排除（BLACKLISTED/FAILED）的代理，
// 仍超限时再按分数从低到高淘汰，直到不超过上限。
func (m *Manager) evictLowQuality(ctx context.Context) (int, error) {
	poolCap := m.cfg.PoolConf.MaxPoolSize
	if poolCap <= 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.proxies) <= poolCap {
		return 0, nil
	}

	var poor, rest []*model.ProxyRecord
	for _, p := range m.proxies {
		if p.AssignedAccount != "" {
			continue
		}
		if p.Excluded() || p.Score < m.cfg.PoolConf.MinScore || p.FraudScore > m.cfg.PoolConf.MaxFraudScore {
			poor = append(poor, p)
		} else {
			rest = append(rest, p)
		}
	}
	byScore := func(ps []*model.ProxyRecord) {
		sort.Slice(ps, func(i, j int) bool {
			if ps[i].Score != ps[j].Score {
				return ps[i].Score < ps[j].Score
			}
			return ps[i].Key() < ps[j].Key()
		})
	}
	byScore(poor)
	byScore(rest)

	victims := make([]string, 0, len(poor))
	for _, p := range poor {
		victims = append(victims, p.Key())
	}
	over := len(m.proxies) - len(victims) - poolCap
	for i := 0; i < over && i < len(rest); i++ {
		victims = append(victims, rest[i].Key())
	}
	if len(victims) == 0 {
		return 0, nil
	}

	if _, err := m.store.DeleteProxies(ctx, victims); err != nil {
		return 0, err
	}
	for _, key := range victims {
		delete(m.proxies, key)
		delete(m.available, key)
	}
	m.metrics.evictions.Add(float64(len(victims)))
	m.refreshGaugesLocked()
	return len(victims), nil
}
