package proxypool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"proxyfleet/internal/shared/logger"
	"proxyfleet/internal/shared/types"
	"proxyfleet/proxypool/feed"
	"proxyfleet/proxypool/model"
	"proxyfleet/proxypool/storage"
	"proxyfleet/proxypool/validator"
)

// Store 是 Manager 依赖的持久化接口，由 storage.Store 实现。
type Store interface {
	IntegrityCheck(ctx context.Context) error
	Backup(ctx context.Context) (string, error)
	VerifyLatestBackup() (string, error)
	MigrateCredentials(ctx context.Context) (int, error)

	InsertProxies(ctx context.Context, proxies []*model.ProxyRecord) (int64, error)
	UpdateProxies(ctx context.Context, proxies []*model.ProxyRecord) error
	DeleteProxies(ctx context.Context, keys []string) (int64, error)
	LoadProxies(ctx context.Context, limit int, minScore, maxFraud float64) ([]*model.ProxyRecord, error)

	LoadAssignments(ctx context.Context) ([]model.Assignment, error)
	ClaimAssignment(ctx context.Context, accountID, proxyKey string, permanent bool) (model.Assignment, error)
	DeleteAssignment(ctx context.Context, accountID string) (string, error)
	SetAssignmentLock(ctx context.Context, accountID string, locked bool) (bool, error)
	SetPermanent(ctx context.Context, accountID string, permanent bool) (bool, error)
	TransferAssignment(ctx context.Context, fromID, toID string) error

	AppendHealthLogs(ctx context.Context, logs []model.HealthLog) error
	RecentHealthLogs(ctx context.Context, proxyKey string, limit int) ([]model.HealthLog, error)
	PurgeHealthLogs(ctx context.Context, before time.Time) (int64, error)

	LoadStats(ctx context.Context) (model.PoolStatistics, error)
	SaveStats(ctx context.Context, st model.PoolStatistics) error
}

// Prober 对单个代理执行一次探测。
type Prober interface {
	Probe(ctx context.Context, p *model.ProxyRecord) validator.Result
}

// GeoLocator 为代理补全地理信息，可选。
type GeoLocator interface {
	Lookup(ctx context.Context, ip string) (validator.GeoInfo, bool)
}

// Options 允许替换 Manager 的外部依赖，零值字段使用默认实现。
type Options struct {
	Endpoints []*model.Endpoint
	Fetcher   feed.Fetcher
	Prober    Prober
	Geo       GeoLocator
}

// Manager 是代理池模块的总控制器。
// proxies / available / assignments 三者只在持有 mu 时修改，
// 分配相关的存储事务也在 mu 内完成；网络 I/O（抓取、探测）一律在锁外进行。
type Manager struct {
	cfg     *types.Config
	store   Store
	prober  Prober
	geo     GeoLocator
	poller  *feed.Poller
	metrics *poolMetrics

	batchDelay time.Duration // 健康检查批次之间的间隔

	mu          sync.Mutex
	proxies     map[string]*model.ProxyRecord // 内存中的代理池
	available   map[string]struct{}           // 未分配且未被排除的代理
	assignments map[string]*model.Assignment  // account -> assignment
	stats       model.PoolStatistics

	// 生命周期管理
	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New 创建代理池管理器。store 由调用方打开并负责关闭。
func New(cfg *types.Config, store Store, opts Options) *Manager {
	m := &Manager{
		cfg:         cfg,
		store:       store,
		prober:      opts.Prober,
		geo:         opts.Geo,
		metrics:     newPoolMetrics(),
		batchDelay:  cfg.HealthConf.BatchDelay(),
		proxies:     make(map[string]*model.ProxyRecord),
		available:   make(map[string]struct{}),
		assignments: make(map[string]*model.Assignment),
	}
	if m.prober == nil {
		m.prober = validator.NewValidator(cfg.HealthConf.TestURL, cfg.HealthConf.ProbeTimeout())
	}
	if m.geo == nil && cfg.HealthConf.GeoLookup {
		m.geo = validator.NewGeoLocator()
	}

	endpoints := opts.Endpoints
	if len(endpoints) == 0 {
		endpoints = feed.DefaultEndpoints()
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = feed.NewHTTPFetcher(cfg.FeedsConf.FetchTimeout(), cfg.FeedsConf.UserAgent)
	}
	m.poller = feed.NewPoller(endpoints, fetcher, m, cfg.FeedsConf.MaxConcurrentFetches)
	return m
}

// Registry 返回该管理器的 prometheus registry，供 /metrics 使用。
func (m *Manager) Registry() *prometheus.Registry {
	return m.metrics.registry
}

// Start 检查并备份数据库、回放持久化状态，然后启动抓取、健康检查和清理三类后台循环。
// 只有回放失败才会返回错误。
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel != nil {
		return errors.New("proxy pool manager already started")
	}

	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Manager starting...")

	m.checkAndBackup(ctx)

	if err := m.restore(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.poller.Run(runCtx)
	}()
	go func() {
		defer m.wg.Done()
		m.healthLoop(runCtx)
	}()
	go func() {
		defer m.wg.Done()
		m.janitorLoop(runCtx)
	}()

	l.Info().
		Int("endpoints", len(m.poller.Endpoints())).
		Dur("health_interval", m.cfg.HealthConf.CycleInterval()).
		Dur("janitor_interval", m.cfg.JanitorConf.Interval()).
		Msg("Schedulers initialized.")
	return nil
}

// checkAndBackup 的任何失败都只记录警告，不阻止启动。
func (m *Manager) checkAndBackup(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")

	if err := m.store.IntegrityCheck(ctx); err != nil {
		l.Warn().Err(err).Msg("Database integrity check FAILED. Continuing, but writes may be unsafe.")
		return
	}
	if m.cfg.StoreConf.SkipBackup {
		return
	}
	// 上一代快照损坏不影响本次备份，只提示
	if prev, err := m.store.VerifyLatestBackup(); err != nil && !errors.Is(err, storage.ErrBackupUnsupported) {
		l.Warn().Err(err).Str("path", prev).Msg("Previous database backup failed checksum verification.")
	}
	path, err := m.store.Backup(ctx)
	switch {
	case errors.Is(err, storage.ErrBackupUnsupported):
		l.Debug().Msg("Skipping backup for in-memory database.")
	case err != nil:
		l.Warn().Err(err).Msg("Database backup failed.")
	default:
		l.Info().Str("path", path).Msg("Database backup verified.")
	}
}

// restore 恢复统计、迁移凭证并回放代理和分配。
func (m *Manager) restore(ctx context.Context) error {
	l := logger.WithComponent("ProxyPool/Manager")

	stats, err := m.store.LoadStats(ctx)
	if err != nil {
		l.Warn().Err(err).Msg("Failed to restore pool statistics, starting from zero.")
	}

	if _, err := m.store.MigrateCredentials(ctx); err != nil {
		l.Warn().Err(err).Msg("Credential migration did not complete.")
	}

	proxies, err := m.store.LoadProxies(ctx, m.cfg.PoolConf.MaxPoolSize, m.cfg.PoolConf.MinScore, m.cfg.PoolConf.MaxFraudScore)
	if err != nil {
		return fmt.Errorf("replay proxies: %w", err)
	}
	assignments, err := m.store.LoadAssignments(ctx)
	if err != nil {
		return fmt.Errorf("replay assignments: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats = stats
	m.proxies = make(map[string]*model.ProxyRecord, len(proxies))
	m.available = make(map[string]struct{}, len(proxies))
	m.assignments = make(map[string]*model.Assignment, len(assignments))

	for _, p := range proxies {
		// 分配表才是权威来源
		p.AssignedAccount = ""
		m.proxies[p.Key()] = p
	}
	for i := range assignments {
		a := assignments[i]
		p, ok := m.proxies[a.ProxyKey]
		if !ok {
			l.Warn().Str("account", a.AccountID).Str("proxy", a.ProxyKey).Msg("Assignment references a proxy that was not replayed.")
			continue
		}
		p.AssignedAccount = a.AccountID
		m.assignments[a.AccountID] = &a
	}
	for key, p := range m.proxies {
		if p.AssignedAccount == "" && !p.Excluded() {
			m.available[key] = struct{}{}
		}
	}
	m.refreshGaugesLocked()

	l.Info().
		Int("proxies", len(m.proxies)).
		Int("assignments", len(m.assignments)).
		Int("available", len(m.available)).
		Msg("Persisted pool state replayed.")
	return nil
}

// Stop 取消所有后台循环，等待其退出，并持久化统计数据。
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.cancel = nil

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.persistStats(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to save pool statistics on shutdown.")
	}
	logger.Info().Msg("ProxyPool Manager gracefully stopped.")
}

func (m *Manager) persistStats(ctx context.Context) error {
	m.mu.Lock()
	stats := m.stats
	m.mu.Unlock()
	return m.store.SaveStats(ctx, stats)
}

// MergeCandidates 把抓取到的候选代理中尚不存在的键加入池中，返回新增数量。
// 已存在的键保持不变，不会覆盖已有的评分数据。
func (m *Manager) MergeCandidates(ep *model.Endpoint, candidates []*model.ProxyRecord) int {
	l := logger.WithComponent("ProxyPool/Manager")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if ep != nil {
		m.stats.EndpointsPolled++
	}

	fresh := make([]*model.ProxyRecord, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		key := c.Key()
		if _, exists := m.proxies[key]; exists {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		c.FirstSeen = now
		if c.SourceEndpoint == "" && ep != nil {
			c.SourceEndpoint = ep.Name
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return 0
	}

	if _, err := m.store.InsertProxies(ctx, fresh); err != nil {
		l.Error().Err(err).Int("count", len(fresh)).Msg("Failed to persist new proxies; they will be retried on the next poll.")
		return 0
	}
	for _, p := range fresh {
		m.proxies[p.Key()] = p
		m.available[p.Key()] = struct{}{}
	}
	m.stats.TotalFetched += int64(len(fresh))
	if ep != nil {
		m.metrics.feedCandidates.WithLabelValues(ep.Name).Add(float64(len(fresh)))
	}
	m.refreshGaugesLocked()
	return len(fresh)
}

// RecordFullPoll 记录一次全量抓取完成的时间。
func (m *Manager) RecordFullPoll(at time.Time) {
	m.mu.Lock()
	m.stats.LastFullPoll = at
	m.mu.Unlock()
}

// RefreshFeeds 立即对所有源执行一次抓取。
func (m *Manager) RefreshFeeds(ctx context.Context) {
	m.poller.PollAll(ctx)
}

// ImportProxies 手动导入代理列表（行格式），新代理进入 TESTING 状态等待健康检查。
func (m *Manager) ImportProxies(lines []string, protocol model.Protocol) int {
	l := logger.WithComponent("ProxyPool/Manager")
	candidates := feed.ParseLines([]byte(strings.Join(lines, "\n")), feed.Filter{Protocol: protocol})
	for _, c := range candidates {
		c.SourceEndpoint = "manual-import"
	}
	added := m.MergeCandidates(nil, candidates)
	l.Info().Int("submitted", len(lines)).Int("added", added).Msg("Manual proxy import finished.")
	return added
}

// DeleteProxies 从池中删除指定代理，已分配的代理会被跳过。
func (m *Manager) DeleteProxies(ctx context.Context, keys []string) (int, error) {
	l := logger.WithComponent("ProxyPool/Manager")

	m.mu.Lock()
	defer m.mu.Unlock()

	deletable := make([]string, 0, len(keys))
	for _, key := range keys {
		if p, ok := m.proxies[key]; ok && p.AssignedAccount == "" {
			deletable = append(deletable, key)
		}
	}
	if len(deletable) == 0 {
		return 0, nil
	}
	if _, err := m.store.DeleteProxies(ctx, deletable); err != nil {
		return 0, err
	}
	for _, key := range deletable {
		delete(m.proxies, key)
		delete(m.available, key)
	}
	m.refreshGaugesLocked()
	l.Info().Int("deleted_count", len(deletable)).Msg("Deletion complete.")
	return len(deletable), nil
}

// HealthLogs 返回某个代理最近的探测记录。
func (m *Manager) HealthLogs(ctx context.Context, key string, limit int) ([]model.HealthLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return m.store.RecentHealthLogs(ctx, key, limit)
}

// PoolStats 是 GetProxyStats 返回的快照。
type PoolStats struct {
	Total          int                    `json:"total"`
	Active         int                    `json:"active"`
	Assigned       int                    `json:"assigned"`
	Locked         int                    `json:"locked"`
	Available      int                    `json:"available"`
	ByStatus       map[model.Status]int   `json:"by_status"`
	ByTier         map[model.Tier]int     `json:"by_tier"`
	ByCountry      map[string]int         `json:"by_country"`
	ByProtocol     map[model.Protocol]int `json:"by_protocol"`
	AvgScore       float64                `json:"avg_score"`
	AvgLatencyMs   float64                `json:"avg_latency_ms"`
	Endpoints      []model.EndpointStats  `json:"endpoints"`
	TotalFetched   int64                  `json:"total_fetched"`
	TotalValidated int64                  `json:"total_validated"`
	TotalFailed    int64                  `json:"total_failed"`
	LastFullPoll   time.Time              `json:"last_full_poll,omitempty"`
}

// GetProxyStats 汇总当前池状态。平均延迟只统计测得过延迟的代理。
func (m *Manager) GetProxyStats() PoolStats {
	st := PoolStats{
		ByStatus:   make(map[model.Status]int),
		ByTier:     make(map[model.Tier]int),
		ByCountry:  make(map[string]int),
		ByProtocol: make(map[model.Protocol]int),
	}

	m.mu.Lock()
	var scoreSum, latencySum float64
	var latencyN int
	for _, p := range m.proxies {
		st.Total++
		st.ByStatus[p.Status]++
		st.ByTier[p.Tier]++
		st.ByProtocol[p.Protocol]++
		if p.Country != "" {
			st.ByCountry[p.Country]++
		}
		if p.Status == model.StatusActive {
			st.Active++
		}
		scoreSum += p.Score
		if p.LatencyMs > 0 {
			latencySum += p.LatencyMs
			latencyN++
		}
	}
	st.Assigned = len(m.assignments)
	for _, a := range m.assignments {
		if a.IsLocked {
			st.Locked++
		}
	}
	st.Available = len(m.available)
	st.TotalFetched = m.stats.TotalFetched
	st.TotalValidated = m.stats.TotalValidated
	st.TotalFailed = m.stats.TotalFailed
	st.LastFullPoll = m.stats.LastFullPoll
	m.mu.Unlock()

	if st.Total > 0 {
		st.AvgScore = scoreSum / float64(st.Total)
	}
	if latencyN > 0 {
		st.AvgLatencyMs = latencySum / float64(latencyN)
	}
	for _, ep := range m.poller.Endpoints() {
		st.Endpoints = append(st.Endpoints, ep.Snapshot())
	}
	return st
}

// ProxyFilter 是分页查询的过滤条件，零值字段表示不过滤。
type ProxyFilter struct {
	Status   model.Status
	Tier     model.Tier
	Country  string
	Protocol model.Protocol
	Assigned *bool
}

func (f ProxyFilter) match(p *model.ProxyRecord) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Tier != "" && p.Tier != f.Tier {
		return false
	}
	if f.Country != "" && !strings.EqualFold(p.Country, f.Country) {
		return false
	}
	if f.Protocol != "" && p.Protocol != f.Protocol {
		return false
	}
	if f.Assigned != nil && (p.AssignedAccount != "") != *f.Assigned {
		return false
	}
	return true
}

// GetProxiesPaginated 按分数降序返回第 page 页（从 1 开始）的代理拷贝，以及过滤后的总数。
func (m *Manager) GetProxiesPaginated(page, pageSize int, filter ProxyFilter) ([]*model.ProxyRecord, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}

	m.mu.Lock()
	matched := make([]*model.ProxyRecord, 0)
	for _, p := range m.proxies {
		if filter.match(p) {
			matched = append(matched, p.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Score != matched[j].Score {
			return matched[i].Score > matched[j].Score
		}
		return matched[i].Key() < matched[j].Key()
	})

	total := len(matched)
	start := (page - 1) * pageSize
	if start >= total {
		return []*model.ProxyRecord{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return matched[start:end], total
}

// refreshGaugesLocked 必须在持有 m.mu 时调用。
func (m *Manager) refreshGaugesLocked() {
	counts := map[model.Status]int{
		model.StatusTesting:     0,
		model.StatusActive:      0,
		model.StatusCooldown:    0,
		model.StatusBlacklisted: 0,
		model.StatusFailed:      0,
	}
	for _, p := range m.proxies {
		counts[p.Status]++
	}
	for status, n := range counts {
		m.metrics.proxiesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	m.metrics.available.Set(float64(len(m.available)))
	m.metrics.assigned.Set(float64(len(m.assignments)))
}

// setAvailabilityLocked 维护 available 集合：未分配且未被排除的代理才在其中。
func (m *Manager) setAvailabilityLocked(p *model.ProxyRecord) {
	if p.AssignedAccount == "" && !p.Excluded() {
		m.available[p.Key()] = struct{}{}
	} else {
		delete(m.available, p.Key())
	}
}
