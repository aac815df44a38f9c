package proxypool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/proxypool/model"
	"proxyfleet/proxypool/storage"
)

// ProxyProvider 是账号创建/管理流程可选依赖的能力。
// 没有代理池时调用方持有 nil 的 ProxyProvider 并直连。
type ProxyProvider interface {
	GetProxyForAccount(ctx context.Context, accountID string, preferredTier *model.Tier) (*model.ProxyRecord, error)
	ReleaseProxy(ctx context.Context, accountID string) error
	TransferAssignment(ctx context.Context, fromID, toID string) error
	MarkProxyFailed(ctx context.Context, accountID string) (bool, error)
}

var _ ProxyProvider = (*Manager)(nil)

// GetProxyForAccount 返回账号绑定的代理，没有时分配一个新的。
//
// 已有分配且代理仍为 ACTIVE 时原样返回；代理不再健康时自动换绑，
// 但锁定的分配不会被换绑：原代理仍可用时返回它，已被拉黑或标记失效时返回 nil, nil。
// 没有符合条件的代理，或分配事务与并发调用冲突时，返回 nil, nil。
// 只有存储层故障才返回错误。
func (m *Manager) GetProxyForAccount(ctx context.Context, accountID string, preferredTier *model.Tier) (*model.ProxyRecord, error) {
	if accountID == "" {
		return nil, errors.New("account id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getProxyLocked(ctx, accountID, preferredTier)
}

func (m *Manager) getProxyLocked(ctx context.Context, accountID string, preferredTier *model.Tier) (*model.ProxyRecord, error) {
	l := logger.WithComponent("ProxyPool/Manager")

	if a, ok := m.assignments[accountID]; ok {
		p := m.proxies[a.ProxyKey]
		if p != nil && p.Status == model.StatusActive {
			return p.Clone(), nil
		}
		if p != nil && a.IsLocked {
			// 锁定的分配保持不变，但被拉黑/失效的代理不交给调用方
			if p.Excluded() {
				l.Warn().Str("account", accountID).Str("proxy", a.ProxyKey).Str("status", string(p.Status)).Msg("Locked proxy is excluded, returning none.")
				return nil, nil
			}
			return p.Clone(), nil
		}
		l.Info().Str("account", accountID).Str("proxy", a.ProxyKey).Msg("Assigned proxy is no longer active, reassigning.")
		if err := m.releaseLocked(ctx, accountID); err != nil {
			return nil, err
		}
		m.metrics.assignmentEvents.WithLabelValues("reassigned").Inc()
	}

	candidate := m.selectCandidateLocked(preferredTier)
	if candidate == nil {
		m.metrics.assignmentEvents.WithLabelValues("exhausted").Inc()
		l.Warn().Str("account", accountID).Msg("No eligible proxy available for account.")
		return nil, nil
	}

	a, err := m.store.ClaimAssignment(ctx, accountID, candidate.Key(), false)
	if errors.Is(err, storage.ErrClaimConflict) || errors.Is(err, storage.ErrNotFound) {
		m.metrics.assignmentEvents.WithLabelValues("conflict").Inc()
		l.Warn().Err(err).Str("account", accountID).Str("proxy", candidate.Key()).Msg("Assignment claim lost to a concurrent claim.")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim proxy for %s: %w", accountID, err)
	}

	candidate.AssignedAccount = accountID
	m.setAvailabilityLocked(candidate)
	m.assignments[accountID] = &a
	m.metrics.assignmentEvents.WithLabelValues("assigned").Inc()
	m.refreshGaugesLocked()

	l.Info().Str("account", accountID).Str("proxy", candidate.Key()).Str("tier", string(candidate.Tier)).Msg("Proxy assigned to account.")
	return candidate.Clone(), nil
}

// selectCandidateLocked 从 available 中挑选最佳的 ACTIVE 代理：
// 先按期望分级，再按国家偏好，最后按分数（同分时延迟低者优先）。
func (m *Manager) selectCandidateLocked(preferredTier *model.Tier) *model.ProxyRecord {
	preferCountry := strings.ToUpper(m.cfg.AssignmentConf.PreferCountry)

	candidates := make([]*model.ProxyRecord, 0, len(m.available))
	for key := range m.available {
		p := m.proxies[key]
		if p == nil || p.Status != model.StatusActive || p.AssignedAccount != "" {
			continue
		}
		if p.Score < m.cfg.PoolConf.MinScore {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if preferredTier != nil {
			am, bm := a.Tier == *preferredTier, b.Tier == *preferredTier
			if am != bm {
				return am
			}
		}
		if preferCountry != "" {
			am, bm := strings.EqualFold(a.Country, preferCountry), strings.EqualFold(b.Country, preferCountry)
			if am != bm {
				return am
			}
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.LatencyMs != b.LatencyMs {
			return a.LatencyMs < b.LatencyMs
		}
		return a.Key() < b.Key()
	})
	return candidates[0]
}

// ReleaseProxy 解除账号的分配。没有分配时什么也不做。
func (m *Manager) ReleaseProxy(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(ctx, accountID)
}

func (m *Manager) releaseLocked(ctx context.Context, accountID string) error {
	key, err := m.store.DeleteAssignment(ctx, accountID)
	if err != nil {
		return err
	}
	if a, ok := m.assignments[accountID]; ok && key == "" {
		key = a.ProxyKey
	}
	delete(m.assignments, accountID)
	if key == "" {
		return nil
	}

	if p, ok := m.proxies[key]; ok && p.AssignedAccount == accountID {
		p.AssignedAccount = ""
		m.setAvailabilityLocked(p)
	}
	m.metrics.assignmentEvents.WithLabelValues("released").Inc()
	m.refreshGaugesLocked()
	logger.WithComponent("ProxyPool/Manager").Info().Str("account", accountID).Str("proxy", key).Msg("Proxy released.")
	return nil
}

// LockProxyAssignment 禁止该账号的自动换绑。没有分配时返回 false。
func (m *Manager) LockProxyAssignment(ctx context.Context, accountID string) (bool, error) {
	return m.setLock(ctx, accountID, true)
}

// UnlockProxyAssignment 恢复该账号的自动换绑。没有分配时返回 false。
func (m *Manager) UnlockProxyAssignment(ctx context.Context, accountID string) (bool, error) {
	return m.setLock(ctx, accountID, false)
}

func (m *Manager) setLock(ctx context.Context, accountID string, locked bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[accountID]
	if !ok {
		return false, nil
	}
	updated, err := m.store.SetAssignmentLock(ctx, accountID, locked)
	if err != nil {
		return false, err
	}
	if updated {
		a.IsLocked = locked
	}
	return updated, nil
}

func (m *Manager) IsProxyLocked(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[accountID]
	return ok && a.IsLocked
}

// SetPermanent 标记分配是否为永久分配。没有分配时返回 false。
func (m *Manager) SetPermanent(ctx context.Context, accountID string, permanent bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[accountID]
	if !ok {
		return false, nil
	}
	updated, err := m.store.SetPermanent(ctx, accountID, permanent)
	if err != nil {
		return false, err
	}
	if updated {
		a.IsPermanent = permanent
	}
	return updated, nil
}

// TransferAssignment 把临时账号 ID 的分配移交给正式账号 ID，代理不变。
func (m *Manager) TransferAssignment(ctx context.Context, fromID, toID string) error {
	if fromID == toID {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.TransferAssignment(ctx, fromID, toID); err != nil {
		return fmt.Errorf("transfer assignment %s -> %s: %w", fromID, toID, err)
	}
	a, ok := m.assignments[fromID]
	if !ok {
		return nil
	}
	delete(m.assignments, fromID)
	a.AccountID = toID
	m.assignments[toID] = a
	if p, ok := m.proxies[a.ProxyKey]; ok {
		p.AssignedAccount = toID
	}
	logger.WithComponent("ProxyPool/Manager").Info().Str("from", fromID).Str("to", toID).Str("proxy", a.ProxyKey).Msg("Assignment transferred.")
	return nil
}

// MarkProxyFailed 在调用方通过代理遇到认证失败等问题时调用：代理被标记为 FAILED，
// 分配未锁定时同时释放。没有分配时返回 false。
func (m *Manager) MarkProxyFailed(ctx context.Context, accountID string) (bool, error) {
	l := logger.WithComponent("ProxyPool/Manager")

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assignments[accountID]
	if !ok {
		return false, nil
	}
	p, ok := m.proxies[a.ProxyKey]
	if !ok {
		return false, nil
	}

	p.Status = model.StatusFailed
	p.CooldownUntil = time.Time{}
	if err := m.store.UpdateProxies(ctx, []*model.ProxyRecord{p}); err != nil {
		return false, err
	}
	m.setAvailabilityLocked(p)
	m.metrics.assignmentEvents.WithLabelValues("failed").Inc()
	l.Warn().Str("account", accountID).Str("proxy", p.Key()).Msg("Proxy marked as failed by caller.")

	if a.IsLocked {
		l.Warn().Str("account", accountID).Msg("Assignment is locked; failed proxy stays bound until unlocked or released.")
		m.refreshGaugesLocked()
		return true, nil
	}
	if err := m.releaseLocked(ctx, accountID); err != nil {
		return true, err
	}
	return true, nil
}

// reassignLocked 在代理被拉黑后为账号换绑。锁定的分配只记录警告，不做任何改动。
func (m *Manager) reassignLocked(ctx context.Context, accountID string) {
	l := logger.WithComponent("ProxyPool/Manager")

	a, ok := m.assignments[accountID]
	if !ok {
		return
	}
	if a.IsLocked {
		m.metrics.assignmentEvents.WithLabelValues("reassign_skipped_locked").Inc()
		l.Warn().Str("account", accountID).Str("proxy", a.ProxyKey).Msg("Assigned proxy was blacklisted but the assignment is locked; skipping reassignment.")
		return
	}

	if err := m.releaseLocked(ctx, accountID); err != nil {
		l.Error().Err(err).Str("account", accountID).Msg("Failed to release blacklisted proxy.")
		return
	}
	p, err := m.getProxyLocked(ctx, accountID, nil)
	if err != nil {
		l.Error().Err(err).Str("account", accountID).Msg("Automatic reassignment failed.")
		return
	}
	if p == nil {
		l.Warn().Str("account", accountID).Msg("Automatic reassignment found no replacement proxy.")
		return
	}
	m.metrics.assignmentEvents.WithLabelValues("reassigned").Inc()
	l.Info().Str("account", accountID).Str("old_proxy", a.ProxyKey).Str("new_proxy", p.Key()).Msg("Account automatically reassigned.")
}
